package orchestrator

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/copyleftdev/shieldopt/internal/logging"
	"github.com/copyleftdev/shieldopt/internal/queue"
)

// Clock is the time source of the watcher.
type Clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration) error
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// RealClock is the wall clock.
var RealClock Clock = realClock{}

// WatchOutcome is the final state of one Wait.
type WatchOutcome string

const (
	OutcomeAllDone            WatchOutcome = "ALL_DONE"
	OutcomePartialDoneTimeout WatchOutcome = "PARTIAL_DONE_ON_TIMEOUT"
)

// WatchResult lists the batches that finished and the ones abandoned.
type WatchResult struct {
	Outcome   WatchOutcome
	Done      []*Batch
	Abandoned []*Batch
	Waited    time.Duration
}

// Watcher polls replica batches until they are terminal or a ceiling passes.
type Watcher struct {
	client      queue.Client
	interval    time.Duration
	ceiling     time.Duration
	concurrency int
	clock       Clock
	logger      *logging.Logger
	metrics     *Metrics
}

// WatcherConfig configures a Watcher.
type WatcherConfig struct {
	PollInterval time.Duration
	WaitCeiling  time.Duration
	// Concurrency caps the GetJob calls in flight during one poll.
	Concurrency int
}

// NewWatcher creates a watcher. A nil clock means the wall clock.
func NewWatcher(client queue.Client, cfg WatcherConfig, clock Clock, logger *logging.Logger, metrics *Metrics) *Watcher {
	if clock == nil {
		clock = RealClock
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &Watcher{
		client:      client,
		interval:    cfg.PollInterval,
		ceiling:     cfg.WaitCeiling,
		concurrency: cfg.Concurrency,
		clock:       clock,
		logger:      logger.WithField("component", "watcher"),
		metrics:     metrics,
	}
}

// Wait blocks until every batch is terminal or the wait ceiling is reached.
// Job states in the batches are updated in place. On timeout only batches
// whose every job is terminal are returned as done. Errors are returned
// only for cancellation and an unavailable queue.
func (w *Watcher) Wait(ctx context.Context, batches []*Batch) (*WatchResult, error) {
	start := w.clock.Now()

	for {
		if err := w.clock.Sleep(ctx, w.interval); err != nil {
			return nil, err
		}
		if err := w.poll(ctx, batches); err != nil {
			return nil, err
		}

		waited := w.clock.Now().Sub(start)
		done, pending := split(batches)
		if len(pending) == 0 {
			w.metrics.watched(OutcomeAllDone, waited)
			w.logger.Info("all batches terminal", map[string]interface{}{
				"batches": len(done),
				"waited":  waited.String(),
			})
			return &WatchResult{Outcome: OutcomeAllDone, Done: done, Waited: waited}, nil
		}
		if waited >= w.ceiling {
			w.metrics.watched(OutcomePartialDoneTimeout, waited)
			w.logger.Warn("wait ceiling reached, abandoning batches in flight", map[string]interface{}{
				"done":      len(done),
				"abandoned": len(pending),
				"waited":    waited.String(),
			})
			return &WatchResult{Outcome: OutcomePartialDoneTimeout, Done: done, Abandoned: pending, Waited: waited}, nil
		}

		w.logger.Debug("waiting for replicas", map[string]interface{}{
			"pending_batches": len(pending),
			"waited":          waited.String(),
		})
	}
}

// poll refreshes every non-terminal job of every batch concurrently.
func (w *Watcher) poll(ctx context.Context, batches []*Batch) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.concurrency)

	for _, b := range batches {
		for i, job := range b.Jobs {
			if job.Status.IsTerminal() {
				continue
			}
			b, i, id := b, i, job.ID
			g.Go(func() error {
				fresh, err := w.client.GetJob(gctx, id)
				switch {
				case err == nil:
					b.Jobs[i] = fresh
					return nil
				case errors.Is(err, queue.ErrUnavailable), errors.Is(err, context.Canceled),
					errors.Is(err, context.DeadlineExceeded):
					return err
				default:
					// keep the last known state; the ceiling bounds how long
					// a job that cannot be read holds the batch
					w.logger.Warn("job poll failed", map[string]interface{}{
						"job_id": id,
						"error":  err.Error(),
					})
					return nil
				}
			})
		}
	}
	return g.Wait()
}

func split(batches []*Batch) (done, pending []*Batch) {
	for _, b := range batches {
		if b.Terminal() {
			done = append(done, b)
		} else {
			pending = append(pending, b)
		}
	}
	return done, pending
}
