package orchestrator

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/copyleftdev/shieldopt/internal/queue"
	"github.com/copyleftdev/shieldopt/internal/shield"
)

func addPoint(t *testing.T, q *queue.MemoryQueue, point []float64, loss float64, md queue.UserMetadata) {
	t.Helper()
	md.Params = shield.FormatVector(point)
	payload, err := json.Marshal(queue.PointResult{Params: point, Loss: loss, Weight: 1e6, MuonsW: 1})
	require.NoError(t, err)
	_, err = q.CreateJob(context.Background(), payload, queue.KindPoint, queue.Metadata{User: md})
	require.NoError(t, err)
}

func TestHistoryFetch(t *testing.T) {
	q := queue.NewMemoryQueue(nil)
	base := queue.UserMetadata{Tag: "run", Seed: 1, Sampling: queue.Sampling{ID: 1}, ImageTag: "v1"}

	addPoint(t, q, shield.DefaultPoint, 3, base)

	other := base
	other.Tag = "other"
	addPoint(t, q, shield.DefaultPoint, 4, other)

	oldImage := base
	oldImage.ImageTag = "v0"
	addPoint(t, q, shield.DefaultPoint, 5, oldImage)

	// an obsolete 40-dimensional design is never returned
	addPoint(t, q, shield.DefaultPoint[:40], 6, base)

	otherSeed := base
	otherSeed.Seed = 2
	addPoint(t, q, shield.DefaultPoint, 7, otherSeed)

	h := NewHistory(q, 100, nil)

	recs, err := h.Fetch(context.Background(), HistoryQuery{Tag: "run", Seed: 1, Sampling: queue.Sampling{ID: 1}, ImageTag: "v1"})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, 3.0, recs[0].Result.Loss)
	assert.Equal(t, shield.DefaultPoint, recs[0].Point)
	assert.NotEmpty(t, recs[0].JobID)

	recs, err = h.Fetch(context.Background(), HistoryQuery{Tag: Wildcard, ImageTag: "v1"})
	require.NoError(t, err)
	losses := make([]float64, len(recs))
	for i, r := range recs {
		losses[i] = r.Result.Loss
	}
	assert.Equal(t, []float64{3, 4, 7}, losses)
}

func TestHistoryFallsBackToInput(t *testing.T) {
	q := queue.NewMemoryQueue(nil)
	payload, _ := json.Marshal(queue.PointResult{Loss: 2.5})
	q.Insert(queue.Job{
		ID:     "legacy",
		Kind:   queue.KindPoint,
		Status: queue.StatusCompleted,
		Input:  payload,
		Output: json.RawMessage(`"not a result"`),
		Metadata: queue.Metadata{User: queue.UserMetadata{
			Tag:      "run",
			ImageTag: "v1",
			Params:   shield.FormatVector(shield.DefaultPoint),
		}},
	})

	recs, err := NewHistory(q, 0, nil).Fetch(context.Background(), HistoryQuery{Tag: "run", ImageTag: "v1"})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, 2.5, recs[0].Result.Loss)
}

func TestHistorySkipsUnreadableRecords(t *testing.T) {
	q := queue.NewMemoryQueue(nil)
	_, err := q.CreateJob(context.Background(), json.RawMessage(`{"loss":"high"}`), queue.KindPoint, queue.Metadata{
		User: queue.UserMetadata{Tag: "run", ImageTag: "v1", Params: shield.FormatVector(shield.DefaultPoint)},
	})
	require.NoError(t, err)

	recs, err := NewHistory(q, 0, nil).Fetch(context.Background(), HistoryQuery{Tag: "run", ImageTag: "v1"})
	require.NoError(t, err)
	assert.Empty(t, recs)
}
