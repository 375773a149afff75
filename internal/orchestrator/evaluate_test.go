package orchestrator

import (
	"context"
	"encoding/json"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/copyleftdev/shieldopt/internal/optimization"
	"github.com/copyleftdev/shieldopt/internal/queue"
	"github.com/copyleftdev/shieldopt/internal/shield"
)

func TestEvaluate(t *testing.T) {
	q := queue.NewMemoryQueue(func(job *queue.Job) (queue.JobStatus, json.RawMessage) {
		switch job.Metadata.User.Tag {
		case "stuck":
			return queue.StatusRunning, nil
		case "heavy":
			out, _ := json.Marshal(queue.ReplicaOutput{Weight: f64(5e6), Length: f64(40)})
			return queue.StatusCompleted, out
		default:
			return queue.StatusCompleted, replicaOutput(f64(2e6), f64(30), 7, 2.0)
		}
	})
	fan := NewFanOut(q, DefaultJobTemplate(), 2, nil, nil)
	w := NewWatcher(q, WatcherConfig{PollInterval: time.Minute, WaitCeiling: 5 * time.Minute}, newFakeClock(), nil, nil)
	ev := NewEvaluator(fan, w, nil, nil)

	short := candidate("short")
	short.Point = short.Point[:10]

	evals, err := ev.Evaluate(context.Background(), []Candidate{candidate("ok"), candidate("stuck"), candidate("heavy")})
	require.NoError(t, err)
	require.Len(t, evals, 3)

	require.NoError(t, evals[0].Err)
	want := (1 + math.Exp(10*(2e6-shield.ReferenceWeight)/shield.ReferenceWeight)) * 5.0
	assert.InDelta(t, want, evals[0].Result.Loss, 1e-9)
	assert.Equal(t, int64(14), *evals[0].Result.Muons)
	assert.Len(t, evals[0].Result.Replicas, 2)
	assert.Equal(t, shield.DefaultPoint, evals[0].Result.Params)

	assert.ErrorIs(t, evals[1].Err, optimization.ErrIncompleteJob)
	assert.Nil(t, evals[1].Result)

	require.NoError(t, evals[2].Err)
	assert.Equal(t, shield.HeavyPenalty, evals[2].Result.Loss)
	assert.Nil(t, evals[2].Result.Muons)

	_, err = ev.Evaluate(context.Background(), []Candidate{short})
	assert.ErrorIs(t, err, optimization.ErrShapeMismatch)
}
