package bayesian

import (
	"encoding/json"
	"math"
	"math/rand"

	"go.uber.org/zap"

	"github.com/copyleftdev/shieldopt/internal/optimization"
)

// ForestConfig configures the random forest surrogate.
type ForestConfig struct {
	NEstimators    int `json:"n_estimators"`
	MaxDepth       int `json:"max_depth"`
	MinSamplesLeaf int `json:"min_samples_leaf"`
	MaxFeatures    int `json:"max_features"`
}

// DefaultForestConfig mirrors the settings used for the shield search.
func DefaultForestConfig() ForestConfig {
	return ForestConfig{
		NEstimators:    100,
		MaxDepth:       7,
		MinSamplesLeaf: 1,
	}
}

// RandomForest is a bagged ensemble of regression trees. The predictive
// standard deviation combines the spread between trees with the variance
// inside each leaf.
type RandomForest struct {
	Config ForestConfig      `json:"config"`
	Trees  []*regressionTree `json:"trees"`

	logger *zap.Logger
}

// NewRandomForest creates an unfitted forest.
func NewRandomForest(cfg ForestConfig, logger *zap.Logger) *RandomForest {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RandomForest{Config: cfg, logger: logger.Named("random_forest")}
}

// Fit grows NEstimators trees on bootstrap resamples.
func (f *RandomForest) Fit(X [][]float64, y []float64, rng *rand.Rand) error {
	if len(X) == 0 || len(X) != len(y) {
		return optimization.NewErrorf("need matching non-empty X and y, got %d and %d", len(X), len(y)).
			WithComponent("random_forest").WithOperation("Fit")
	}
	p := treeParams{
		maxDepth:       f.Config.MaxDepth,
		minSamplesLeaf: max(1, f.Config.MinSamplesLeaf),
		maxFeatures:    f.Config.MaxFeatures,
	}

	trees := make([]*regressionTree, max(1, f.Config.NEstimators))
	n := len(X)
	for t := range trees {
		idx := make([]int, n)
		for i := range idx {
			idx[i] = rng.Intn(n)
		}
		trees[t] = buildTree(X, y, idx, p, rng, nil)
	}
	f.Trees = trees

	f.logger.Debug("forest fitted", zap.Int("samples", n), zap.Int("trees", len(trees)))
	return nil
}

// Predict returns the ensemble mean and the total-variance standard deviation.
func (f *RandomForest) Predict(x []float64) (float64, float64, error) {
	if len(f.Trees) == 0 {
		return 0, 0, optimization.NewErrorf("model not fitted").WithComponent("random_forest").WithOperation("Predict")
	}
	var sum, second float64
	for _, t := range f.Trees {
		leaf := t.leafFor(x)
		sum += leaf.Value
		second += leaf.Variance + leaf.Value*leaf.Value
	}
	n := float64(len(f.Trees))
	mean := sum / n
	variance := math.Max(0, second/n-mean*mean)
	return mean, math.Sqrt(variance), nil
}

// MarshalModel serialises the trees.
func (f *RandomForest) MarshalModel() (json.RawMessage, error) {
	return json.Marshal(f)
}
