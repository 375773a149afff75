package bayesian

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/copyleftdev/shieldopt/internal/optimization"
	"github.com/copyleftdev/shieldopt/internal/optimization/space"
)

func testSpace() *space.Space {
	return space.MustNew(
		space.Integer(0, 20),
		space.Integer(5, 50),
		space.Real(-1, 1),
	)
}

// bowl has its minimum at (10, 20, 0).
func bowl(p []float64) float64 {
	return math.Pow(p[0]-10, 2) + math.Pow((p[1]-20)/4, 2) + 10*p[2]*p[2]
}

func newTestOptimizer(t *testing.T, backend string) *Optimizer {
	t.Helper()
	o, err := NewOptimizer(optimization.OptimizerConfig{
		Backend:        backend,
		NInitialPoints: 5,
		NCandidates:    200,
		RandomSeed:     7,
	}, testSpace(), nil)
	require.NoError(t, err)
	return o
}

func tellRandom(t *testing.T, o *Optimizer, n int, seed int64) {
	t.Helper()
	pts := testSpace().Sample(rand.New(rand.NewSource(seed)), n)
	losses := make([]float64, n)
	for i, p := range pts {
		losses[i] = bowl(p)
	}
	_, err := o.Tell(pts, losses)
	require.NoError(t, err)
}

func TestNewOptimizerDefaults(t *testing.T) {
	o, err := NewOptimizer(optimization.OptimizerConfig{}, testSpace(), nil)
	require.NoError(t, err)

	assert.Equal(t, BackendRandomForest, o.config.Backend)
	assert.Equal(t, defaultInitialPoints, o.config.NInitialPoints)
	assert.Equal(t, defaultCandidates, o.config.NCandidates)
	assert.Equal(t, "ei", o.config.Acquisition)
	assert.Equal(t, LiarMean, o.config.Liar)
}

func TestNewOptimizerRejectsBadConfig(t *testing.T) {
	tests := []struct {
		name   string
		config optimization.OptimizerConfig
	}{
		{"unknown backend", optimization.OptimizerConfig{Backend: "svm"}},
		{"unknown liar", optimization.OptimizerConfig{Liar: "cl_median"}},
		{"unknown acquisition", optimization.OptimizerConfig{Acquisition: "pi"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewOptimizer(tt.config, testSpace(), nil)
			assert.Error(t, err)
		})
	}

	_, err := NewOptimizer(optimization.OptimizerConfig{}, nil, nil)
	assert.Error(t, err)
}

func TestAskRandomPhase(t *testing.T) {
	o := newTestOptimizer(t, BackendRandomForest)

	pts, err := o.Ask(context.Background(), 4)
	require.NoError(t, err)
	require.Len(t, pts, 4)
	for _, p := range pts {
		assert.True(t, testSpace().Contains(p), "%v", p)
	}

	_, err = o.Ask(context.Background(), 0)
	assert.Error(t, err)
}

func TestAskWithSurrogate(t *testing.T) {
	for _, backend := range []string{BackendRandomForest, BackendGBRT, BackendGP} {
		t.Run(backend, func(t *testing.T) {
			o := newTestOptimizer(t, backend)
			tellRandom(t, o, 8, 11)
			require.NotNil(t, o.model)

			pts, err := o.Ask(context.Background(), 3)
			require.NoError(t, err)
			require.Len(t, pts, 3)

			seen := map[string]bool{}
			for _, h := range o.GetHistory() {
				seen[pointKey(h.Solution.Parameters)] = true
			}
			for _, p := range pts {
				assert.True(t, testSpace().Contains(p), "%v", p)
				assert.False(t, seen[pointKey(p)], "duplicate proposal %v", p)
				seen[pointKey(p)] = true
			}
		})
	}
}

func TestAskLiarStrategies(t *testing.T) {
	for _, liar := range []string{LiarMean, LiarMin, LiarMax, LiarKrigingBeliever} {
		t.Run(liar, func(t *testing.T) {
			o, err := NewOptimizer(optimization.OptimizerConfig{
				NInitialPoints: 5,
				NCandidates:    100,
				Liar:           liar,
				RandomSeed:     3,
			}, testSpace(), nil)
			require.NoError(t, err)
			tellRandom(t, o, 6, 5)

			pts, err := o.Ask(context.Background(), 2)
			require.NoError(t, err)
			assert.Len(t, pts, 2)
			assert.NotEqual(t, pts[0], pts[1])
		})
	}
}

func TestAskRespectsContext(t *testing.T) {
	o := newTestOptimizer(t, BackendRandomForest)
	tellRandom(t, o, 6, 1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := o.Ask(ctx, 2)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDummyBackendNeverFits(t *testing.T) {
	o := newTestOptimizer(t, BackendDummy)
	tellRandom(t, o, 10, 2)
	assert.Nil(t, o.model)

	pts, err := o.Ask(context.Background(), 5)
	require.NoError(t, err)
	assert.Len(t, pts, 5)
}

func TestTellValidation(t *testing.T) {
	o := newTestOptimizer(t, BackendRandomForest)

	_, err := o.Tell(nil, nil)
	assert.ErrorIs(t, err, optimization.ErrEmptyTell)

	_, err = o.Tell([][]float64{{1, 10, 0}}, []float64{1, 2})
	assert.ErrorIs(t, err, optimization.ErrShapeMismatch)

	_, err = o.Tell([][]float64{{1, 100, 0}}, []float64{1})
	assert.ErrorIs(t, err, optimization.ErrSpaceViolation)

	_, err = o.Tell([][]float64{{1, 10, 0}}, []float64{math.NaN()})
	assert.Error(t, err)

	assert.Equal(t, 0, o.NObservations(), "rejected tells leave no trace")
}

func TestTellTracksBest(t *testing.T) {
	o := newTestOptimizer(t, BackendRandomForest)

	res, err := o.Tell([][]float64{{1, 10, 0.5}, {10, 20, 0}}, []float64{5, 1})
	require.NoError(t, err)
	assert.Equal(t, 1.0, res.BestSolution.Value)
	assert.Equal(t, []float64{10, 20, 0}, res.BestSolution.Parameters)
	assert.Len(t, res.History, 2)
	assert.Equal(t, 1, res.Iterations)

	res, err = o.Tell([][]float64{{3, 30, 0.1}}, []float64{2})
	require.NoError(t, err)
	assert.Equal(t, 1.0, res.BestSolution.Value)
	assert.Len(t, res.History, 3)
	assert.Equal(t, 2, o.GetHistory()[2].Iteration)
}

func TestOptimizerImprovesOnBowl(t *testing.T) {
	o := newTestOptimizer(t, BackendRandomForest)
	ctx := context.Background()

	for i := 0; i < 25; i++ {
		pts, err := o.Ask(ctx, 1)
		require.NoError(t, err)
		_, err = o.Tell(pts, []float64{bowl(pts[0])})
		require.NoError(t, err)
	}

	random := testSpace().Sample(rand.New(rand.NewSource(99)), 200)
	var randomMean float64
	for _, p := range random {
		randomMean += bowl(p) / float64(len(random))
	}
	assert.Less(t, o.GetBestSolution().Value, randomMean/4)
}

func TestCheckpointIdempotent(t *testing.T) {
	for _, backend := range []string{BackendRandomForest, BackendGBRT, BackendGP, BackendDummy} {
		t.Run(backend, func(t *testing.T) {
			o := newTestOptimizer(t, backend)
			tellRandom(t, o, 8, 21)
			_, err := o.Ask(context.Background(), 1)
			require.NoError(t, err)

			first := roundTripState(t, o)
			restored, err := Restore(first, testSpace(), nil)
			require.NoError(t, err)

			second := roundTripState(t, restored)
			a, _ := json.Marshal(first)
			b, _ := json.Marshal(second)
			assert.JSONEq(t, string(a), string(b))

			r1, err := Restore(first, testSpace(), nil)
			require.NoError(t, err)
			r2, err := Restore(second, testSpace(), nil)
			require.NoError(t, err)

			p1, err := r1.Ask(context.Background(), 2)
			require.NoError(t, err)
			p2, err := r2.Ask(context.Background(), 2)
			require.NoError(t, err)
			assert.Equal(t, p1, p2)
		})
	}
}

func roundTripState(t *testing.T, o *Optimizer) *State {
	t.Helper()
	s, err := o.State()
	require.NoError(t, err)
	raw, err := json.Marshal(s)
	require.NoError(t, err)
	var out State
	require.NoError(t, json.Unmarshal(raw, &out))
	return &out
}

func TestRestoreRejectsInconsistentState(t *testing.T) {
	_, err := Restore(nil, testSpace(), nil)
	assert.ErrorIs(t, err, optimization.ErrInvalidState)

	_, err = Restore(&State{X: [][]float64{{1, 10, 0}}}, testSpace(), nil)
	assert.ErrorIs(t, err, optimization.ErrInvalidState)

	_, err = Restore(&State{X: [][]float64{{1, 100, 0}}, Y: []float64{1}}, testSpace(), nil)
	assert.True(t, errors.Is(err, optimization.ErrInvalidState))
}

func TestRestoreWithoutModelRefits(t *testing.T) {
	o := newTestOptimizer(t, BackendRandomForest)
	tellRandom(t, o, 6, 8)
	s, err := o.State()
	require.NoError(t, err)
	s.Model = nil

	r, err := Restore(s, testSpace(), nil)
	require.NoError(t, err)
	assert.NotNil(t, r.model)
}
