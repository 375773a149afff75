package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/copyleftdev/shieldopt/internal/logging"
	"github.com/copyleftdev/shieldopt/internal/optimization"
	"github.com/copyleftdev/shieldopt/internal/queue"
)

// Evaluation is the outcome of evaluating one candidate. Exactly one of
// Result and Err is set.
type Evaluation struct {
	Candidate Candidate
	Batch     *Batch
	Reduction *Reduction
	Result    *queue.PointResult
	Err       error
}

// Evaluator runs candidates through fan-out, watcher and reducer.
type Evaluator struct {
	fanout  *FanOut
	watcher *Watcher
	logger  *logging.Logger
	metrics *Metrics
}

// NewEvaluator wires an Evaluator.
func NewEvaluator(fanout *FanOut, watcher *Watcher, logger *logging.Logger, metrics *Metrics) *Evaluator {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Evaluator{
		fanout:  fanout,
		watcher: watcher,
		logger:  logger.WithField("component", "evaluator"),
		metrics: metrics,
	}
}

// ImageTag returns the simulator image version candidates run with.
func (e *Evaluator) ImageTag() string { return e.fanout.ImageTag() }

// Evaluate submits one replica batch per candidate, waits for them and
// reduces the finished ones. Per-candidate failures are reported in the
// returned evaluations; the error is set only for failures that must stop
// the run.
func (e *Evaluator) Evaluate(ctx context.Context, candidates []Candidate) ([]Evaluation, error) {
	evals := make([]Evaluation, len(candidates))
	var batches []*Batch
	index := make(map[*Batch]int, len(candidates))

	for i, c := range candidates {
		evals[i].Candidate = c
		batch, err := e.fanout.SubmitBatch(ctx, c)
		if err != nil {
			if fatal(err) {
				return nil, err
			}
			e.logger.Warn("batch submission failed", map[string]interface{}{
				"candidate": i,
				"error":     err.Error(),
			})
			evals[i].Err = err
			continue
		}
		evals[i].Batch = batch
		batches = append(batches, batch)
		index[batch] = i
	}

	if len(batches) == 0 {
		return evals, nil
	}

	res, err := e.watcher.Wait(ctx, batches)
	if err != nil {
		return nil, err
	}
	for _, b := range res.Abandoned {
		evals[index[b]].Err = fmt.Errorf("%w: batch abandoned after %s", optimization.ErrIncompleteJob, res.Waited)
	}

	for _, b := range res.Done {
		i := index[b]
		red, err := Reduce(b.Jobs)
		if err != nil {
			e.logger.Warn("point rejected", map[string]interface{}{
				"candidate": i,
				"first_job": b.Jobs[0].ID,
				"error":     err.Error(),
			})
			evals[i].Err = err
			continue
		}
		evals[i].Reduction = red
		evals[i].Result = &queue.PointResult{
			Params:   append([]float64(nil), b.Candidate.Point...),
			Loss:     red.Loss(),
			Weight:   red.Weight,
			Length:   red.Length,
			Muons:    red.Muons,
			MuonsW:   red.MuonsW,
			Replicas: b.JobIDs(),
		}
	}
	return evals, nil
}

// fatal reports whether err must terminate the run rather than discard a point.
func fatal(err error) bool {
	return errors.Is(err, optimization.ErrShapeMismatch) ||
		errors.Is(err, queue.ErrUnavailable) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}
