package bayesian

import (
	"errors"
	"fmt"
	"math"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"

	"github.com/copyleftdev/shieldopt/internal/optimization"
	"github.com/copyleftdev/shieldopt/internal/optimization/kernels"
)

// maxJitterAttempts bounds how often the noise term is raised tenfold
// before a fit is declared singular.
const maxJitterAttempts = 10

// minJitter is the first noise level tried when the configured one is zero.
const minJitter = 1e-10

// GP implements a Gaussian Process model for Bayesian Optimization
type GP struct {
	// Kernel function
	kernel kernels.Kernel

	// Noise variance added to the kernel diagonal
	noiseVar float64

	// Training data
	X *mat.Dense    // Input points (n_samples, n_features)
	y *mat.VecDense // Target values (n_samples)

	// Precomputed values
	alpha *mat.VecDense
	L     *mat.Cholesky

	// Logger for structured logging
	logger *zap.Logger
}

// NewGP creates a new Gaussian Process model
func NewGP(kernel kernels.Kernel, noiseVar float64, logger *zap.Logger) *GP {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GP{
		kernel:   kernel,
		noiseVar: noiseVar,
		logger:   logger.Named("gaussian_process"),
	}
}

// NoiseVar returns the noise variance used by the last successful fit.
func (gp *GP) NoiseVar() float64 { return gp.noiseVar }

// Fit fits the GP model to the training data. When the kernel matrix is
// not positive definite the noise variance is raised tenfold and the fit
// retried.
func (gp *GP) Fit(X *mat.Dense, y *mat.VecDense) error {
	const op = "GP.Fit"

	if X == nil || y == nil {
		return optimization.WrapError(errors.New("input matrices must not be nil"), "gaussian_process: "+op)
	}

	nSamples, nFeatures := X.Dims()
	if nSamples == 0 || nFeatures == 0 {
		return optimization.WrapError(errors.New("input matrix X must not be empty"), "gaussian_process: "+op)
	}
	if nSamples != y.Len() {
		err := fmt.Errorf("dimension mismatch: X has %d samples but y has length %d", nSamples, y.Len())
		return optimization.WrapError(err, "gaussian_process: "+op)
	}

	gp.logger.Debug("Fitting GP model",
		zap.Int("samples", nSamples),
		zap.Int("features", nFeatures),
		zap.Float64("noise_var", gp.noiseVar),
	)

	K := gp.computeKernelMatrix(X, nSamples)

	noise := gp.noiseVar
	var chol mat.Cholesky
	fitted := false
	for attempt := 0; attempt < maxJitterAttempts; attempt++ {
		Kn := mat.NewSymDense(nSamples, nil)
		Kn.CopySym(K)
		for i := 0; i < nSamples; i++ {
			Kn.SetSym(i, i, Kn.At(i, i)+noise)
		}
		if chol.Factorize(Kn) {
			fitted = true
			break
		}
		gp.logger.Debug("Cholesky factorization failed, increasing noise",
			zap.Int("attempt", attempt+1),
			zap.Float64("noise_var", noise))
		noise = math.Max(noise*10, minJitter)
	}
	if !fitted {
		err := errors.New("Cholesky decomposition failed: matrix is not positive definite")
		return optimization.WrapError(err, "gaussian_process: "+op)
	}

	alpha := mat.NewVecDense(nSamples, nil)
	if err := chol.SolveVecTo(alpha, y); err != nil {
		return optimization.WrapError(fmt.Errorf("failed to solve linear system: %w", err), "gaussian_process: "+op)
	}

	gp.X = mat.DenseCopyOf(X)
	gp.y = mat.VecDenseCopyOf(y)
	gp.alpha = alpha
	gp.L = &chol
	gp.noiseVar = noise
	return nil
}

// computeKernelMatrix evaluates the kernel on every pair of training rows
func (gp *GP) computeKernelMatrix(X *mat.Dense, nSamples int) *mat.SymDense {
	K := mat.NewSymDense(nSamples, nil)
	for i := 0; i < nSamples; i++ {
		x1 := X.RawRowView(i)
		for j := i; j < nSamples; j++ {
			K.SetSym(i, j, gp.kernel.Eval(x1, X.RawRowView(j)))
		}
	}
	return K
}

// Predict returns the mean and variance of the posterior predictive
// distribution at the given test points.
func (gp *GP) Predict(X *mat.Dense) (*mat.VecDense, *mat.VecDense, error) {
	const op = "GP.Predict"

	if X == nil {
		return nil, nil, optimization.WrapError(errors.New("input matrix X is nil"), "gaussian_process: "+op)
	}
	if gp.X == nil || gp.alpha == nil || gp.L == nil {
		return nil, nil, optimization.WrapError(errors.New("model not trained or no training data"), "gaussian_process: "+op)
	}

	nTest, nCols := X.Dims()
	nTrain, nFeatures := gp.X.Dims()
	if nCols != nFeatures {
		err := fmt.Errorf("dimension mismatch: test points have %d features, model has %d", nCols, nFeatures)
		return nil, nil, optimization.WrapError(err, "gaussian_process: "+op)
	}

	Kss := make([]float64, nTest)
	Kstar := mat.NewDense(nTest, nTrain, nil)
	for i := 0; i < nTest; i++ {
		xStar := X.RawRowView(i)
		Kss[i] = gp.kernel.Eval(xStar, xStar)
		for j := 0; j < nTrain; j++ {
			Kstar.Set(i, j, gp.kernel.Eval(xStar, gp.X.RawRowView(j)))
		}
	}

	// mean = K* alpha
	mean := mat.NewVecDense(nTest, nil)
	mean.MulVec(Kstar, gp.alpha)

	// variance = diag(K** - K* K^-1 K*^T)
	v := mat.NewDense(nTrain, nTest, nil)
	if err := gp.L.SolveTo(v, Kstar.T()); err != nil {
		return nil, nil, optimization.WrapError(fmt.Errorf("failed to solve linear system: %w", err), "gaussian_process: "+op)
	}
	variance := mat.NewVecDense(nTest, nil)
	for i := 0; i < nTest; i++ {
		var reduction float64
		for j := 0; j < nTrain; j++ {
			reduction += Kstar.At(i, j) * v.At(j, i)
		}
		variance.SetVec(i, math.Max(0, Kss[i]-reduction))
	}

	return mean, variance, nil
}

// LogMarginalLikelihood returns log p(y | X) of the last fit.
func (gp *GP) LogMarginalLikelihood() float64 {
	if gp.L == nil || gp.alpha == nil {
		return math.Inf(-1)
	}
	n := gp.y.Len()
	return -0.5*mat.Dot(gp.y, gp.alpha) - 0.5*gp.L.LogDet() - 0.5*float64(n)*math.Log(2*math.Pi)
}
