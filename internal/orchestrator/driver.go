package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"path/filepath"
	"sync"
	"time"

	"github.com/copyleftdev/shieldopt/internal/logging"
	"github.com/copyleftdev/shieldopt/internal/optimization"
	"github.com/copyleftdev/shieldopt/internal/optimization/bayesian"
	"github.com/copyleftdev/shieldopt/internal/queue"
	"github.com/copyleftdev/shieldopt/internal/shield"
)

// Driver phases reported by Status.
const (
	PhaseStarting   = "starting"
	PhaseProposing  = "proposing"
	PhaseEvaluating = "evaluating"
	PhaseIdle       = "idle"
	PhaseStopped    = "stopped"
)

// DriverConfig configures the optimization loop.
type DriverConfig struct {
	Tag      string
	Sampling queue.Sampling
	// Seed is the simulation seed passed to every replica.
	Seed int
	// BatchSize is the number of points evaluated per iteration.
	BatchSize int
	// MinRandomStarts is the observation count below which points are
	// drawn uniformly instead of asked from the surrogate.
	MinRandomStarts int
	// WarmStart tells matching history records to a fresh optimizer.
	WarmStart bool
	Optimizer optimization.OptimizerConfig
}

// Status is a snapshot of the driver for the status API.
type Status struct {
	Tag          string    `json:"tag"`
	Backend      string    `json:"backend"`
	Phase        string    `json:"phase"`
	Batch        int64     `json:"batch"`
	Observations int       `json:"observations"`
	WarmStarted  int       `json:"warm_started"`
	Resumed      bool      `json:"resumed"`
	BestLoss     *float64  `json:"best_loss,omitempty"`
	BestPoint    []float64 `json:"best_point,omitempty"`
	LastLoss     *float64  `json:"last_loss,omitempty"`
	LastBatchAt  time.Time `json:"last_batch_at,omitempty"`
	StartedAt    time.Time `json:"started_at"`
}

// Observation is one told point in design-vector form.
type Observation struct {
	Iteration int       `json:"iteration"`
	Point     []float64 `json:"point"`
	Loss      float64   `json:"loss"`
}

const metaFile = "driver.json"

// driverMeta is persisted next to the optimizer checkpoint. The run
// identity fields decide whether a checkpoint may be resumed.
type driverMeta struct {
	Tag      string         `json:"tag"`
	Backend  string         `json:"backend"`
	Sampling queue.Sampling `json:"sampling"`
	Seed     int            `json:"seed"`
	ImageTag string         `json:"image_tag"`
	Batch    int64          `json:"batch"`
	Updated  time.Time      `json:"updated"`
}

func (m driverMeta) sameRun(o driverMeta) bool {
	return m.Tag == o.Tag && m.Backend == o.Backend && m.Sampling == o.Sampling &&
		m.Seed == o.Seed && m.ImageTag == o.ImageTag
}

func (m driverMeta) String() string {
	return fmt.Sprintf("tag=%s backend=%s sampling=%s seed=%d image_tag=%s",
		m.Tag, m.Backend, m.Sampling, m.Seed, m.ImageTag)
}

// Driver owns the optimizer and runs the ask/evaluate/tell loop. Only the
// goroutine calling Run mutates the optimizer.
type Driver struct {
	cfg       DriverConfig
	preset    *shield.Preset
	evaluator *Evaluator
	history   *History
	client    queue.Client
	store     *CheckpointStore
	logger    *logging.Logger
	metrics   *Metrics

	opt   *bayesian.Optimizer
	batch int64

	mu     sync.RWMutex
	status Status
}

// NewDriver wires a driver. history may be nil to disable warm starts.
func NewDriver(cfg DriverConfig, preset *shield.Preset, evaluator *Evaluator, history *History,
	client queue.Client, store *CheckpointStore, logger *logging.Logger, metrics *Metrics) (*Driver, error) {
	if cfg.BatchSize < 1 {
		return nil, fmt.Errorf("batch size must be positive, got %d", cfg.BatchSize)
	}
	if preset == nil || evaluator == nil || client == nil || store == nil {
		return nil, errors.New("driver needs a preset, evaluator, queue client and checkpoint store")
	}
	if logger == nil {
		logger = logging.Nop()
	}
	if cfg.Optimizer.NInitialPoints < 1 {
		cfg.Optimizer.NInitialPoints = cfg.MinRandomStarts
	}
	return &Driver{
		cfg:       cfg,
		preset:    preset,
		evaluator: evaluator,
		history:   history,
		client:    client,
		store:     store,
		logger:    logger.WithFields(map[string]interface{}{"component": "driver", "tag": cfg.Tag}),
		metrics:   metrics,
		status: Status{
			Tag:       cfg.Tag,
			Backend:   cfg.Optimizer.Backend,
			Phase:     PhaseStarting,
			StartedAt: time.Now().UTC(),
		},
	}, nil
}

// Setup restores the optimizer from the checkpoint or, failing that,
// creates a fresh one and warm-starts it from history. A checkpoint
// written by a different run (tag, backend, sampling, seed or image tag)
// is refused with ErrInvalidState.
func (d *Driver) Setup(ctx context.Context) error {
	zlog := logging.NewZapLogger(d.logger)

	state, err := d.store.LoadState()
	if err != nil {
		return err
	}
	if state != nil {
		meta, err := d.checkRun(state)
		if err != nil {
			return err
		}
		// observations come from the checkpoint, settings from this run
		resumed := *state
		resumed.Config = d.cfg.Optimizer
		d.opt, err = bayesian.Restore(&resumed, d.preset.Space, zlog)
		if err != nil {
			return err
		}
		d.batch = meta.Batch
		d.logger.Info("resumed from checkpoint", map[string]interface{}{
			"path":         d.store.StatePath(),
			"observations": d.opt.NObservations(),
			"batch":        d.batch,
		})
		d.update(func(s *Status) {
			s.Resumed = true
			s.Batch = d.batch
		})
		d.refreshStatus(nil)
		return nil
	}

	d.opt, err = bayesian.NewOptimizer(d.cfg.Optimizer, d.preset.Space, zlog)
	if err != nil {
		return err
	}
	if d.cfg.WarmStart && d.history != nil {
		if err := d.warmStart(ctx); err != nil {
			return err
		}
	}
	d.refreshStatus(nil)
	return nil
}

// checkRun loads the driver metadata and verifies the checkpoint belongs
// to this run.
func (d *Driver) checkRun(state *bayesian.State) (driverMeta, error) {
	var meta driverMeta
	ok, err := readJSON(d.metaPath(), &meta)
	if err != nil {
		return meta, err
	}
	if !ok {
		return meta, optimization.WrapErrorf(optimization.ErrInvalidState,
			"%s has no %s, cannot tell which run wrote it", d.store.StatePath(), metaFile)
	}
	want := d.meta()
	if !meta.sameRun(want) || state.Config.Backend != want.Backend {
		return meta, optimization.WrapErrorf(optimization.ErrInvalidState,
			"checkpoint in %s belongs to run [%s], this run is [%s]", d.store.Dir(), meta, want)
	}
	return meta, nil
}

func (d *Driver) meta() driverMeta {
	return driverMeta{
		Tag:      d.cfg.Tag,
		Backend:  d.cfg.Optimizer.Backend,
		Sampling: d.cfg.Sampling,
		Seed:     d.cfg.Seed,
		ImageTag: d.evaluator.ImageTag(),
		Batch:    d.batch,
		Updated:  time.Now().UTC(),
	}
}

func (d *Driver) warmStart(ctx context.Context) error {
	records, err := d.history.Fetch(ctx, HistoryQuery{
		Tag:      d.cfg.Tag,
		Seed:     d.cfg.Seed,
		Sampling: d.cfg.Sampling,
		ImageTag: d.evaluator.ImageTag(),
	})
	if err != nil {
		return fmt.Errorf("warm start: %w", err)
	}

	var X [][]float64
	var y []float64
	for _, rec := range records {
		free, err := d.preset.Codec.Strip(rec.Point)
		if err != nil || !d.preset.Space.Contains(free) {
			continue
		}
		X = append(X, free)
		y = append(y, rec.Result.Loss)
	}
	if len(X) == 0 {
		d.logger.Info("no usable history, starting cold")
		return nil
	}

	if _, err := d.opt.Tell(X, y); err != nil {
		return fmt.Errorf("warm start: %w", err)
	}
	d.update(func(s *Status) { s.WarmStarted = len(X) })
	d.logger.Info("warm started from history", map[string]interface{}{
		"records": len(records),
		"told":    len(X),
	})
	return nil
}

// Run executes batches until ctx is done, a fatal error occurs, or
// maxBatches iterations have run (maxBatches <= 0 means no limit).
func (d *Driver) Run(ctx context.Context, maxBatches int) error {
	if d.opt == nil {
		if err := d.Setup(ctx); err != nil {
			return err
		}
	}
	defer d.update(func(s *Status) { s.Phase = PhaseStopped })

	for i := 0; maxBatches <= 0 || i < maxBatches; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := d.RunBatch(ctx); err != nil {
			return err
		}
	}
	return nil
}

// RunBatch runs one ask/evaluate/tell iteration and checkpoints. Errors
// are fatal; per-point failures are logged and dropped.
func (d *Driver) RunBatch(ctx context.Context) error {
	d.batch++
	d.metrics.batchStarted()
	log := d.logger.WithField("batch", d.batch)
	d.update(func(s *Status) {
		s.Phase = PhaseProposing
		s.Batch = d.batch
	})

	free, err := d.propose(ctx)
	if err != nil {
		return err
	}

	candidates := make([]Candidate, len(free))
	for i, p := range free {
		full, err := d.preset.Codec.Restore(p)
		if err != nil {
			return err
		}
		candidates[i] = Candidate{Point: full, Tag: d.cfg.Tag, Sampling: d.cfg.Sampling, Seed: d.cfg.Seed}
	}

	log.Info("evaluating points", map[string]interface{}{"points": len(candidates)})
	d.update(func(s *Status) { s.Phase = PhaseEvaluating })

	evals, err := d.evaluator.Evaluate(ctx, candidates)
	if err != nil {
		return err
	}

	var X [][]float64
	var y []float64
	var last *float64
	for i, ev := range evals {
		if ev.Err != nil {
			d.metrics.point(outcomeOf(ev.Err))
			continue
		}
		if !d.preset.Space.Contains(free[i]) {
			d.metrics.point(OutcomeOutOfSpace)
			log.Warn("evaluated point left the search space", map[string]interface{}{"candidate": i})
			continue
		}
		if err := d.publish(ctx, ev); err != nil {
			if fatal(err) {
				return err
			}
			log.Warn("point record not published", map[string]interface{}{"error": err.Error()})
		}
		loss := ev.Result.Loss
		last = &loss
		X = append(X, free[i])
		y = append(y, loss)
		d.metrics.point(OutcomeTold)
		log.Info("point evaluated", map[string]interface{}{
			"candidate": i,
			"loss":      loss,
			"weight":    ev.Result.Weight,
			"muons_w":   ev.Result.MuonsW,
		})
	}

	if len(X) > 0 {
		res, err := d.opt.Tell(X, y)
		if err != nil {
			return err
		}
		if err := d.store.SaveResult(res); err != nil {
			return fmt.Errorf("save result checkpoint: %w", err)
		}
	} else {
		log.Warn("no valid observations this batch, tell skipped")
	}

	if err := d.checkpoint(); err != nil {
		return err
	}
	log.Info("batch complete", map[string]interface{}{
		"told":         len(X),
		"observations": d.opt.NObservations(),
		"checkpoint":   d.store.StatePath(),
	})
	d.refreshStatus(last)
	return nil
}

// propose draws uniformly until MinRandomStarts observations exist and
// asks the optimizer afterwards.
func (d *Driver) propose(ctx context.Context) ([][]float64, error) {
	if d.opt.NObservations() < d.cfg.MinRandomStarts {
		rng := rand.New(rand.NewSource(d.cfg.Optimizer.RandomSeed*7919 + d.batch))
		return d.preset.Space.Sample(rng, d.cfg.BatchSize), nil
	}
	return d.opt.Ask(ctx, d.cfg.BatchSize)
}

func (d *Driver) publish(ctx context.Context, ev Evaluation) error {
	payload, err := json.Marshal(ev.Result)
	if err != nil {
		return err
	}
	_, err = d.client.CreateJob(ctx, payload, queue.KindPoint, ev.Candidate.Metadata(d.evaluator.ImageTag()))
	return err
}

func (d *Driver) checkpoint() error {
	state, err := d.opt.State()
	if err != nil {
		return err
	}
	if err := d.store.SaveState(state); err != nil {
		return fmt.Errorf("save optimizer checkpoint: %w", err)
	}
	if err := writeJSONAtomic(d.metaPath(), d.meta()); err != nil {
		return fmt.Errorf("save driver checkpoint: %w", err)
	}
	return nil
}

func (d *Driver) metaPath() string {
	return filepath.Join(d.store.Dir(), metaFile)
}

func outcomeOf(err error) string {
	switch {
	case errors.Is(err, optimization.ErrSubmission):
		return OutcomeAbandoned
	case errors.Is(err, optimization.ErrIncompleteJob):
		return OutcomeIncomplete
	default:
		return OutcomeRejected
	}
}

func (d *Driver) update(fn func(*Status)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	fn(&d.status)
}

func (d *Driver) refreshStatus(last *float64) {
	best := d.opt.GetBestSolution()
	n := d.opt.NObservations()

	var bestLoss *float64
	var bestPoint []float64
	if best != nil {
		v := best.Value
		bestLoss = &v
		bestPoint, _ = d.preset.Codec.Restore(best.Parameters)
	}
	if last != nil && bestLoss != nil {
		d.metrics.loss(*last, *bestLoss, n)
	}

	d.update(func(s *Status) {
		s.Phase = PhaseIdle
		s.Observations = n
		s.BestLoss = bestLoss
		s.BestPoint = bestPoint
		if last != nil {
			s.LastLoss = last
			s.LastBatchAt = time.Now().UTC()
		}
	})
}

// Status returns a snapshot of the driver.
func (d *Driver) Status() Status {
	d.mu.RLock()
	defer d.mu.RUnlock()
	s := d.status
	s.BestPoint = append([]float64(nil), s.BestPoint...)
	return s
}

// Observations returns every told point as a full design vector.
func (d *Driver) Observations() []Observation {
	if d.opt == nil {
		return nil
	}
	hist := d.opt.GetHistory()
	out := make([]Observation, 0, len(hist))
	for _, h := range hist {
		full, err := d.preset.Codec.Restore(h.Solution.Parameters)
		if err != nil {
			continue
		}
		out = append(out, Observation{Iteration: h.Iteration, Point: full, Loss: h.Solution.Value})
	}
	return out
}
