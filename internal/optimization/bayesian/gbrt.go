package bayesian

import (
	"encoding/json"
	"math"
	"math/rand"
	"sort"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/stat"

	"github.com/copyleftdev/shieldopt/internal/optimization"
)

// GBRTConfig configures the gradient boosted quantile surrogate.
type GBRTConfig struct {
	Quantiles      []float64 `json:"quantiles"`
	NEstimators    int       `json:"n_estimators"`
	MaxDepth       int       `json:"max_depth"`
	MinSamplesLeaf int       `json:"min_samples_leaf"`
	LearningRate   float64   `json:"learning_rate"`
}

// DefaultGBRTConfig predicts the 16th, 50th and 84th percentiles.
func DefaultGBRTConfig() GBRTConfig {
	return GBRTConfig{
		Quantiles:      []float64{0.16, 0.5, 0.84},
		NEstimators:    100,
		MaxDepth:       4,
		MinSamplesLeaf: 1,
		LearningRate:   0.1,
	}
}

// boostedQuantile is one gradient boosting model for a single quantile.
type boostedQuantile struct {
	Alpha float64           `json:"alpha"`
	Init  float64           `json:"init"`
	Trees []*regressionTree `json:"trees"`
}

// QuantileGBRT fits one boosted model per quantile. The median is the
// predictive mean; half the outer quantile spread is the standard deviation.
type QuantileGBRT struct {
	Config GBRTConfig         `json:"config"`
	Models []*boostedQuantile `json:"models"`

	logger *zap.Logger
}

// NewQuantileGBRT creates an unfitted quantile regressor.
func NewQuantileGBRT(cfg GBRTConfig, logger *zap.Logger) *QuantileGBRT {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &QuantileGBRT{Config: cfg, logger: logger.Named("gbrt")}
}

// Fit boosts every quantile model on the quantile (pinball) loss.
func (g *QuantileGBRT) Fit(X [][]float64, y []float64, rng *rand.Rand) error {
	if len(X) == 0 || len(X) != len(y) {
		return optimization.NewErrorf("need matching non-empty X and y, got %d and %d", len(X), len(y)).
			WithComponent("gbrt").WithOperation("Fit")
	}
	if len(g.Config.Quantiles) != 3 {
		return optimization.NewErrorf("expected 3 quantiles, got %d", len(g.Config.Quantiles)).
			WithComponent("gbrt").WithOperation("Fit")
	}

	p := treeParams{maxDepth: g.Config.MaxDepth, minSamplesLeaf: max(1, g.Config.MinSamplesLeaf)}
	all := make([]int, len(y))
	for i := range all {
		all[i] = i
	}

	models := make([]*boostedQuantile, len(g.Config.Quantiles))
	for q, alpha := range g.Config.Quantiles {
		m := &boostedQuantile{Alpha: alpha, Init: quantile(y, all, alpha)}
		pred := make([]float64, len(y))
		for i := range pred {
			pred[i] = m.Init
		}
		residual := make([]float64, len(y))
		gradient := make([]float64, len(y))

		for it := 0; it < g.Config.NEstimators; it++ {
			for i := range y {
				residual[i] = y[i] - pred[i]
				if residual[i] > 0 {
					gradient[i] = alpha
				} else {
					gradient[i] = alpha - 1
				}
			}
			tree := buildTree(X, gradient, all, p, rng, func(idx []int) float64 {
				return quantile(residual, idx, alpha)
			})
			for i := range pred {
				pred[i] += g.Config.LearningRate * tree.predict(X[i])
			}
			m.Trees = append(m.Trees, tree)
		}
		models[q] = m
	}
	g.Models = models

	g.logger.Debug("quantile gbrt fitted", zap.Int("samples", len(y)), zap.Int("estimators", g.Config.NEstimators))
	return nil
}

func (m *boostedQuantile) predict(x []float64, lr float64) float64 {
	v := m.Init
	for _, t := range m.Trees {
		v += lr * t.predict(x)
	}
	return v
}

// Predict returns the median and the half spread of the outer quantiles.
func (g *QuantileGBRT) Predict(x []float64) (float64, float64, error) {
	if len(g.Models) != 3 {
		return 0, 0, optimization.NewErrorf("model not fitted").WithComponent("gbrt").WithOperation("Predict")
	}
	lo := g.Models[0].predict(x, g.Config.LearningRate)
	mid := g.Models[1].predict(x, g.Config.LearningRate)
	hi := g.Models[2].predict(x, g.Config.LearningRate)
	return mid, math.Abs(hi-lo) / 2, nil
}

// MarshalModel serialises the boosted trees.
func (g *QuantileGBRT) MarshalModel() (json.RawMessage, error) {
	return json.Marshal(g)
}

// quantile returns the empirical alpha-quantile of v over idx.
func quantile(v []float64, idx []int, alpha float64) float64 {
	if len(idx) == 0 {
		return 0
	}
	sorted := make([]float64, len(idx))
	for k, i := range idx {
		sorted[k] = v[i]
	}
	sort.Float64s(sorted)
	return stat.Quantile(alpha, stat.Empirical, sorted, nil)
}
