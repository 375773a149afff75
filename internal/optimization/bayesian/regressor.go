package bayesian

import (
	"encoding/json"
	"fmt"
	"math"
	"math/rand"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/copyleftdev/shieldopt/internal/optimization"
	"github.com/copyleftdev/shieldopt/internal/optimization/kernels"
)

// Surrogate backend names.
const (
	BackendRandomForest = "rf"
	BackendGBRT         = "gbrt"
	BackendGP           = "gp"
	BackendDummy        = "dummy"
)

// Backends lists every selectable backend.
var Backends = []string{BackendRandomForest, BackendGBRT, BackendGP, BackendDummy}

// Regressor is a surrogate model predicting loss from a unit-cube point.
type Regressor interface {
	// Fit trains the model; rng drives any randomised fitting.
	Fit(X [][]float64, y []float64, rng *rand.Rand) error
	// Predict returns the predictive mean and standard deviation at x.
	Predict(x []float64) (mean, std float64, err error)
	// MarshalModel serialises the fitted parameters.
	MarshalModel() (json.RawMessage, error)
}

// newRegressor returns an unfitted regressor for backend.
func newRegressor(backend string, logger *zap.Logger) (Regressor, error) {
	switch backend {
	case BackendRandomForest:
		return NewRandomForest(DefaultForestConfig(), logger), nil
	case BackendGBRT:
		return NewQuantileGBRT(DefaultGBRTConfig(), logger), nil
	case BackendGP:
		return NewGPRegressor(logger), nil
	default:
		return nil, optimization.NewErrorf("backend %q has no regressor", backend).
			WithComponent("bayesian").WithOperation("newRegressor")
	}
}

// restoreRegressor rebuilds a fitted regressor from MarshalModel output.
// X and y are the observations the model was fitted on.
func restoreRegressor(backend string, raw json.RawMessage, X [][]float64, y []float64, logger *zap.Logger) (Regressor, error) {
	switch backend {
	case BackendRandomForest:
		f := NewRandomForest(DefaultForestConfig(), logger)
		if err := json.Unmarshal(raw, f); err != nil {
			return nil, err
		}
		return f, nil
	case BackendGBRT:
		g := NewQuantileGBRT(DefaultGBRTConfig(), logger)
		if err := json.Unmarshal(raw, g); err != nil {
			return nil, err
		}
		return g, nil
	case BackendGP:
		var s gpState
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, err
		}
		g := NewGPRegressor(logger)
		if err := g.refit(s, X, y); err != nil {
			return nil, err
		}
		return g, nil
	default:
		return nil, fmt.Errorf("backend %q has no regressor", backend)
	}
}

// lengthScaleGrid holds the candidate length scales, in unit-cube units,
// searched by maximum marginal likelihood.
var lengthScaleGrid = []float64{0.05, 0.1, 0.2, 0.4, 0.8, 1.6}

// GPRegressor wraps GP with target normalisation and a length-scale search.
type GPRegressor struct {
	gp     *GP
	state  gpState
	logger *zap.Logger
}

type gpState struct {
	Kernel          string    `json:"kernel"`
	Hyperparameters []float64 `json:"hyperparameters"`
	NoiseVar        float64   `json:"noise_var"`
	YMean           float64   `json:"y_mean"`
	YStd            float64   `json:"y_std"`
}

// NewGPRegressor creates an unfitted GP surrogate.
func NewGPRegressor(logger *zap.Logger) *GPRegressor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GPRegressor{logger: logger}
}

// Fit normalises y and keeps the length scale with the best marginal likelihood.
func (r *GPRegressor) Fit(X [][]float64, y []float64, _ *rand.Rand) error {
	if len(X) == 0 {
		return optimization.NewErrorf("no training data").WithComponent("gp_regressor").WithOperation("Fit")
	}
	yMean, yStd := stat.MeanStdDev(y, nil)
	if len(y) < 2 || yStd == 0 || math.IsNaN(yStd) {
		yStd = 1
	}

	var best *GP
	var bestState gpState
	bestLML := math.Inf(-1)
	for _, ls := range lengthScaleGrid {
		s := gpState{
			Kernel:          kernels.Matern52,
			Hyperparameters: []float64{ls, 1.0},
			NoiseVar:        1e-6,
			YMean:           yMean,
			YStd:            yStd,
		}
		gp, err := fitGP(s, X, y, r.logger)
		if err != nil {
			r.logger.Debug("length scale rejected", zap.Float64("length_scale", ls), zap.Error(err))
			continue
		}
		if lml := gp.LogMarginalLikelihood(); lml > bestLML || best == nil {
			best, bestLML = gp, lml
			s.NoiseVar = gp.NoiseVar()
			bestState = s
		}
	}
	if best == nil {
		return optimization.NewErrorf("no length scale produced a valid fit").
			WithComponent("gp_regressor").WithOperation("Fit")
	}

	r.gp, r.state = best, bestState
	r.logger.Debug("GP surrogate fitted",
		zap.Int("samples", len(y)),
		zap.Float64("length_scale", bestState.Hyperparameters[0]),
		zap.Float64("log_marginal_likelihood", bestLML),
	)
	return nil
}

func (r *GPRegressor) refit(s gpState, X [][]float64, y []float64) error {
	gp, err := fitGP(s, X, y, r.logger)
	if err != nil {
		return err
	}
	r.gp, r.state = gp, s
	return nil
}

func fitGP(s gpState, X [][]float64, y []float64, logger *zap.Logger) (*GP, error) {
	k, err := kernels.New(s.Kernel, s.Hyperparameters)
	if err != nil {
		return nil, err
	}
	Xm := mat.NewDense(len(X), len(X[0]), nil)
	for i, row := range X {
		Xm.SetRow(i, row)
	}
	yv := mat.NewVecDense(len(y), nil)
	for i, v := range y {
		yv.SetVec(i, (v-s.YMean)/s.YStd)
	}
	gp := NewGP(k, s.NoiseVar, logger)
	if err := gp.Fit(Xm, yv); err != nil {
		return nil, err
	}
	return gp, nil
}

// Predict returns the de-normalised predictive mean and standard deviation.
func (r *GPRegressor) Predict(x []float64) (float64, float64, error) {
	if r.gp == nil {
		return 0, 0, optimization.NewErrorf("model not fitted").WithComponent("gp_regressor").WithOperation("Predict")
	}
	mean, variance, err := r.gp.Predict(mat.NewDense(1, len(x), append([]float64(nil), x...)))
	if err != nil {
		return 0, 0, err
	}
	return mean.AtVec(0)*r.state.YStd + r.state.YMean, math.Sqrt(variance.AtVec(0)) * r.state.YStd, nil
}

// MarshalModel stores the kernel hyperparameters and target scaling.
func (r *GPRegressor) MarshalModel() (json.RawMessage, error) {
	return json.Marshal(r.state)
}
