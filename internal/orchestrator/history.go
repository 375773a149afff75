package orchestrator

import (
	"context"

	"github.com/copyleftdev/shieldopt/internal/logging"
	"github.com/copyleftdev/shieldopt/internal/queue"
	"github.com/copyleftdev/shieldopt/internal/shield"
)

// Wildcard as a query tag matches every tag, seed and sampling.
const Wildcard = "all"

// HistoryQuery selects point records.
type HistoryQuery struct {
	Tag      string
	Seed     int
	Sampling queue.Sampling
	ImageTag string
}

// PointRecord is one previously evaluated point.
type PointRecord struct {
	JobID    string             `json:"job_id"`
	Point    []float64          `json:"point"`
	Result   queue.PointResult  `json:"result"`
	Metadata queue.UserMetadata `json:"metadata"`
}

// History reads point records from the queue.
type History struct {
	client queue.Client
	limit  int
	logger *logging.Logger
}

// NewHistory creates a History listing at most limit point jobs.
func NewHistory(client queue.Client, limit int, logger *logging.Logger) *History {
	if logger == nil {
		logger = logging.Nop()
	}
	return &History{client: client, limit: limit, logger: logger.WithField("component", "history")}
}

// Fetch returns the point records matching q. Records with a vector that
// is not a full design vector, another image tag or an unreadable payload
// are skipped.
func (h *History) Fetch(ctx context.Context, q HistoryQuery) ([]PointRecord, error) {
	jobs, err := h.client.ListJobs(ctx, queue.ListRequest{Kind: queue.KindPoint, HowMany: h.limit})
	if err != nil {
		return nil, err
	}

	var records []PointRecord
	skipped := 0
	for _, job := range jobs {
		rec, ok := h.match(job, q)
		if !ok {
			skipped++
			continue
		}
		records = append(records, rec)
	}

	h.logger.Info("history fetched", map[string]interface{}{
		"tag":     q.Tag,
		"listed":  len(jobs),
		"matched": len(records),
		"skipped": skipped,
	})
	return records, nil
}

func (h *History) match(job *queue.Job, q HistoryQuery) (PointRecord, bool) {
	md := job.Metadata.User
	if md.ImageTag != q.ImageTag {
		return PointRecord{}, false
	}
	if q.Tag != Wildcard && (md.Tag != q.Tag || md.Seed != q.Seed || md.Sampling != q.Sampling) {
		return PointRecord{}, false
	}

	point, err := shield.ParseVector(md.Params)
	if err != nil || len(point) != shield.FullDim {
		return PointRecord{}, false
	}

	result, err := h.result(job)
	if err != nil {
		h.logger.Debug("unreadable point record", map[string]interface{}{
			"job_id": job.ID,
			"error":  err.Error(),
		})
		return PointRecord{}, false
	}
	return PointRecord{JobID: job.ID, Point: point, Result: *result, Metadata: md}, true
}

// result reads the loss from the job output, falling back to its input.
func (h *History) result(job *queue.Job) (*queue.PointResult, error) {
	if len(job.Output) > 0 {
		if r, err := queue.ParsePointResult(job.Output); err == nil {
			return r, nil
		}
	}
	return queue.ParsePointResult(job.Input)
}
