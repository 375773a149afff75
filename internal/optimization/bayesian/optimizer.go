package bayesian

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"sync"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/optimize"
	"gonum.org/v1/gonum/stat"

	"github.com/copyleftdev/shieldopt/internal/optimization"
	"github.com/copyleftdev/shieldopt/internal/optimization/acquisition"
	"github.com/copyleftdev/shieldopt/internal/optimization/space"
)

// Liar strategies used to impute losses of pending points within one Ask.
const (
	LiarMean            = "cl_mean"
	LiarMin             = "cl_min"
	LiarMax             = "cl_max"
	LiarKrigingBeliever = "kriging_believer"
)

const (
	defaultInitialPoints = 10
	defaultCandidates    = 1000

	saltAsk  int64 = 0x61736b
	saltTell int64 = 0x74656c
)

// Optimizer is a sequential model-based optimizer over a Space. Points
// crossing its API are in the space's own coordinates; the surrogate works
// on the unit cube.
type Optimizer struct {
	mu sync.Mutex

	config optimization.OptimizerConfig
	space  *space.Space
	model  Regressor

	// observations, in space coordinates
	x [][]float64
	y []float64

	askCount  int64
	tellCount int64

	bestSolution *optimization.Solution
	history      []optimization.Evaluation

	logger *zap.Logger
}

var _ optimization.Optimizer = (*Optimizer)(nil)

// NewOptimizer creates an optimizer with no observations.
func NewOptimizer(config optimization.OptimizerConfig, sp *space.Space, logger *zap.Logger) (*Optimizer, error) {
	if sp == nil || sp.Dims() == 0 {
		return nil, optimization.NewErrorf("search space must have at least one dimension").
			WithComponent("bayesian").WithOperation("NewOptimizer")
	}
	config, err := withDefaults(config)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Optimizer{
		config: config,
		space:  sp,
		logger: logger.Named("optimizer"),
	}, nil
}

// Restore rebuilds an optimizer from a checkpoint produced by State.
func Restore(state *State, sp *space.Space, logger *zap.Logger) (*Optimizer, error) {
	if state == nil {
		return nil, optimization.WrapError(optimization.ErrInvalidState, "nil state")
	}
	if len(state.X) != len(state.Y) {
		return nil, optimization.WrapErrorf(optimization.ErrInvalidState, "state has %d points and %d losses", len(state.X), len(state.Y))
	}
	o, err := NewOptimizer(state.Config, sp, logger)
	if err != nil {
		return nil, err
	}
	for i, p := range state.X {
		if err := sp.Check(p); err != nil {
			return nil, optimization.WrapErrorf(optimization.ErrInvalidState, "observation %d: %v", i, err)
		}
		o.record(p, state.Y[i])
	}
	o.askCount = state.AskCount
	o.tellCount = state.TellCount

	if o.surrogateActive() {
		if len(state.Model) > 0 {
			o.model, err = restoreRegressor(o.config.Backend, state.Model, o.unitX(), o.y, o.logger)
			if err != nil {
				return nil, optimization.WrapError(err, "restore surrogate").WithComponent("bayesian").WithOperation("Restore")
			}
		} else if err := o.fit(); err != nil {
			return nil, err
		}
	}

	o.logger.Info("optimizer restored",
		zap.String("backend", o.config.Backend),
		zap.Int("observations", len(o.y)),
		zap.Int64("asks", o.askCount),
	)
	return o, nil
}

// State is an alias kept next to Restore for callers of this package.
type State = optimization.State

func withDefaults(c optimization.OptimizerConfig) (optimization.OptimizerConfig, error) {
	if c.Backend == "" {
		c.Backend = BackendRandomForest
	}
	if c.NInitialPoints < 1 {
		c.NInitialPoints = defaultInitialPoints
	}
	if c.NCandidates < 1 {
		c.NCandidates = defaultCandidates
	}
	if c.Acquisition == "" {
		c.Acquisition = acquisition.EI
	}
	if c.Liar == "" {
		c.Liar = LiarMean
	}

	known := false
	for _, b := range Backends {
		known = known || b == c.Backend
	}
	if !known {
		return c, optimization.NewErrorf("unknown backend %q", c.Backend).WithComponent("bayesian")
	}
	switch c.Liar {
	case LiarMean, LiarMin, LiarMax, LiarKrigingBeliever:
	default:
		return c, optimization.NewErrorf("unknown liar strategy %q", c.Liar).WithComponent("bayesian")
	}
	if _, err := acquisition.New(c.Acquisition, 0); err != nil {
		return c, optimization.WrapError(err, "invalid acquisition").WithComponent("bayesian")
	}
	return c, nil
}

// rngFor derives a generator from the seed, a salt and a counter so that a
// restored optimizer replays the same draws.
func (o *Optimizer) rngFor(salt, n int64) *rand.Rand {
	return rand.New(rand.NewSource(o.config.RandomSeed*1_000_003 + salt<<20 + n))
}

func (o *Optimizer) surrogateActive() bool {
	return o.config.Backend != BackendDummy && len(o.y) >= o.config.NInitialPoints
}

func (o *Optimizer) unitX() [][]float64 {
	out := make([][]float64, len(o.x))
	for i, p := range o.x {
		out[i] = o.space.Normalize(p)
	}
	return out
}

// Ask proposes n points. Until NInitialPoints observations exist, or with
// the dummy backend, points are drawn uniformly from the space.
//
// For n > 1 each proposed point is refitted into the surrogate with a lie
// as its loss before the next one is chosen. The default cl_mean lie is the
// mean of the observed losses plus the lies already placed in this call;
// kriging_believer lies with the surrogate's mean prediction instead.
func (o *Optimizer) Ask(ctx context.Context, n int) ([][]float64, error) {
	if n < 1 {
		return nil, optimization.NewErrorf("ask for %d points", n).WithComponent("bayesian").WithOperation("Ask")
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	rng := o.rngFor(saltAsk, o.askCount)
	o.askCount++

	if !o.surrogateActive() || o.model == nil {
		return o.space.Sample(rng, n), nil
	}

	seen := make(map[string]struct{}, len(o.x)+n)
	for _, p := range o.x {
		seen[pointKey(p)] = struct{}{}
	}

	X := o.unitX()
	Y := append([]float64(nil), o.y...)
	model := o.model

	points := make([][]float64, 0, n)
	for len(points) < n {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		next, err := o.propose(model, Y, rng, seen)
		if err != nil {
			return nil, err
		}
		points = append(points, next)
		seen[pointKey(next)] = struct{}{}

		if len(points) == n {
			break
		}

		unit := o.space.Normalize(next)
		lie, err := o.lie(model, Y, unit)
		if err != nil {
			return nil, err
		}
		X = append(X, unit)
		Y = append(Y, lie)

		model, err = newRegressor(o.config.Backend, o.logger)
		if err != nil {
			return nil, err
		}
		if err := model.Fit(X, Y, rng); err != nil {
			return nil, optimization.WrapError(err, "fit with pending points").WithComponent("bayesian").WithOperation("Ask")
		}
	}

	o.logger.Debug("points proposed", zap.Int("n", n), zap.Int64("ask", o.askCount))
	return points, nil
}

type scored struct {
	unit  []float64
	score float64
}

// propose scores NCandidates random points with the acquisition function and
// returns the best one not yet observed or pending.
func (o *Optimizer) propose(model Regressor, Y []float64, rng *rand.Rand, seen map[string]struct{}) ([]float64, error) {
	acq, err := acquisition.New(o.config.Acquisition, floatsMin(Y))
	if err != nil {
		return nil, err
	}

	candidates := o.space.Sample(rng, o.config.NCandidates)
	ranked := make([]scored, 0, len(candidates))
	for _, c := range candidates {
		u := o.space.Normalize(c)
		mu, sigma, err := model.Predict(u)
		if err != nil {
			return nil, optimization.WrapError(err, "predict candidate").WithComponent("bayesian").WithOperation("Ask")
		}
		ranked = append(ranked, scored{unit: u, score: acq.Compute(mu, sigma)})
	}
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].score > ranked[j].score })

	if o.config.Backend == BackendGP {
		polished := o.polish(model, acq, ranked[0].unit)
		if p := o.space.Denormalize(polished); !isSeen(seen, p) {
			return p, nil
		}
	}

	for _, r := range ranked {
		if p := o.space.Denormalize(r.unit); !isSeen(seen, p) {
			return p, nil
		}
	}

	// every candidate collided with a known point; small integer spaces
	// can run dry, so fall back to a fresh uniform draw
	return o.space.Sample(rng, 1)[0], nil
}

// polish refines a start point with Nelder-Mead on the negated acquisition,
// clipped to the unit cube.
func (o *Optimizer) polish(model Regressor, acq acquisition.Function, start []float64) []float64 {
	clip := func(x []float64) []float64 {
		out := make([]float64, len(x))
		for i, v := range x {
			out[i] = math.Max(0, math.Min(1, v))
		}
		return out
	}
	problem := optimize.Problem{
		Func: func(x []float64) float64 {
			mu, sigma, err := model.Predict(clip(x))
			if err != nil {
				return math.Inf(1)
			}
			return -acq.Compute(mu, sigma)
		},
	}
	settings := &optimize.Settings{
		MajorIterations: 200,
		Converger: &optimize.FunctionConverge{
			Absolute:   1e-6,
			Relative:   1e-6,
			Iterations: 50,
		},
	}
	method := &optimize.NelderMead{SimplexSize: 0.05}

	result, err := optimize.Minimize(problem, start, settings, method)
	if err != nil || result == nil {
		o.logger.Debug("acquisition polish failed", zap.Error(err))
		return start
	}
	if result.F > problem.Func(start) {
		return start
	}
	return clip(result.X)
}

// lie returns the imputed loss for a pending point.
func (o *Optimizer) lie(model Regressor, Y []float64, unit []float64) (float64, error) {
	switch o.config.Liar {
	case LiarMin:
		return floatsMin(Y), nil
	case LiarMax:
		return floatsMax(Y), nil
	case LiarKrigingBeliever:
		mu, _, err := model.Predict(unit)
		return mu, err
	default:
		return stat.Mean(Y, nil), nil
	}
}

// Tell records observations and refits the surrogate once enough exist.
// Every point must lie in the space and every loss must be finite.
func (o *Optimizer) Tell(points [][]float64, losses []float64) (*optimization.OptimizationResult, error) {
	if len(points) == 0 {
		return nil, optimization.ErrEmptyTell
	}
	if len(points) != len(losses) {
		return nil, optimization.WrapErrorf(optimization.ErrShapeMismatch, "%d points and %d losses", len(points), len(losses)).
			WithComponent("bayesian").WithOperation("Tell")
	}
	for i, p := range points {
		if err := o.space.Check(p); err != nil {
			return nil, optimization.WrapErrorf(err, "point %d", i).WithComponent("bayesian").WithOperation("Tell")
		}
		if math.IsNaN(losses[i]) || math.IsInf(losses[i], 0) {
			return nil, optimization.NewErrorf("loss %d is not finite: %v", i, losses[i]).
				WithComponent("bayesian").WithOperation("Tell")
		}
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	for i, p := range points {
		o.record(p, losses[i])
	}
	o.tellCount++

	if o.surrogateActive() {
		if err := o.fit(); err != nil {
			return nil, err
		}
	}

	o.logger.Debug("observations told",
		zap.Int("n", len(points)),
		zap.Int("total", len(o.y)),
		zap.Float64("best", o.bestSolution.Value),
	)
	return o.result(), nil
}

func (o *Optimizer) record(p []float64, loss float64) {
	p = append([]float64(nil), p...)
	o.x = append(o.x, p)
	o.y = append(o.y, loss)
	if o.bestSolution == nil || loss < o.bestSolution.Value {
		o.bestSolution = &optimization.Solution{Parameters: p, Value: loss}
	}
	o.history = append(o.history, optimization.Evaluation{
		Iteration: len(o.history),
		Solution:  &optimization.Solution{Parameters: p, Value: loss},
	})
}

func (o *Optimizer) fit() error {
	model, err := newRegressor(o.config.Backend, o.logger)
	if err != nil {
		return err
	}
	if err := model.Fit(o.unitX(), o.y, o.rngFor(saltTell, o.tellCount)); err != nil {
		return optimization.WrapError(err, "fit surrogate").WithComponent("bayesian").WithOperation("Tell")
	}
	o.model = model
	return nil
}

func (o *Optimizer) result() *optimization.OptimizationResult {
	return &optimization.OptimizationResult{
		BestSolution: o.bestSolution,
		History:      append([]optimization.Evaluation(nil), o.history...),
		Iterations:   int(o.tellCount),
	}
}

// GetBestSolution returns the lowest loss observed so far, or nil.
func (o *Optimizer) GetBestSolution() *optimization.Solution {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.bestSolution
}

// GetHistory returns every observation in the order it was told.
func (o *Optimizer) GetHistory() []optimization.Evaluation {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]optimization.Evaluation(nil), o.history...)
}

// NObservations returns the number of told points.
func (o *Optimizer) NObservations() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.y)
}

// State returns the observations, counters and fitted model.
func (o *Optimizer) State() (*optimization.State, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	s := &optimization.State{
		Config:    o.config,
		X:         make([][]float64, len(o.x)),
		Y:         append([]float64(nil), o.y...),
		AskCount:  o.askCount,
		TellCount: o.tellCount,
	}
	for i, p := range o.x {
		s.X[i] = append([]float64(nil), p...)
	}
	if o.model != nil {
		raw, err := o.model.MarshalModel()
		if err != nil {
			return nil, optimization.WrapError(err, "marshal surrogate").WithComponent("bayesian").WithOperation("State")
		}
		s.Model = raw
	}
	return s, nil
}

func pointKey(p []float64) string {
	return fmt.Sprint(p)
}

func isSeen(seen map[string]struct{}, p []float64) bool {
	_, ok := seen[pointKey(p)]
	return ok
}

func floatsMin(v []float64) float64 {
	m := math.Inf(1)
	for _, x := range v {
		m = math.Min(m, x)
	}
	return m
}

func floatsMax(v []float64) float64 {
	m := math.Inf(-1)
	for _, x := range v {
		m = math.Max(m, x)
	}
	return m
}
