package main

import (
	"encoding/json"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/copyleftdev/shieldopt/internal/config"
	"github.com/copyleftdev/shieldopt/internal/logging"
	"github.com/copyleftdev/shieldopt/internal/optimization"
	"github.com/copyleftdev/shieldopt/internal/orchestrator"
	"github.com/copyleftdev/shieldopt/internal/queue"
	"github.com/copyleftdev/shieldopt/internal/shield"
)

// app holds the components shared by the commands.
type app struct {
	cfg       *config.Config
	runID     string
	logger    *logging.Logger
	client    queue.Client
	preset    *shield.Preset
	registry  *prometheus.Registry
	metrics   *orchestrator.Metrics
	evaluator *orchestrator.Evaluator
	history   *orchestrator.History
}

func newApp(cfg *config.Config, dryRun bool) (*app, error) {
	logger, err := logging.NewLogger(&cfg.Logging)
	if err != nil {
		return nil, err
	}

	runID := uuid.NewString()
	logger = logger.WithFields(map[string]interface{}{
		"service": "shieldopt",
		"run_id":  runID,
	})

	var client queue.Client
	if dryRun {
		client = queue.NewMemoryQueue(syntheticSimulator)
		// the synthetic simulator answers on first poll
		cfg.Optimization.PollInterval = 10 * time.Millisecond
		cfg.Optimization.WaitCeiling = time.Minute
		logger.Warn("dry run: jobs are evaluated in process by a synthetic simulator")
	} else {
		client, err = queue.NewHTTPClient(queue.HTTPConfig{
			BaseURL:   cfg.Queue.URL,
			Timeout:   cfg.Queue.Timeout,
			RetryBase: cfg.Queue.RetryBase,
			RetryMax:  cfg.Queue.RetryMax,
			MaxOutage: cfg.Queue.MaxOutage,
		}, logger)
		if err != nil {
			return nil, err
		}
	}

	preset, err := shield.NewPreset(cfg.Optimization.Reduced)
	if err != nil {
		return nil, err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := orchestrator.NewMetrics(registry)

	fanout := orchestrator.NewFanOut(client, cfg.JobTemplate(), cfg.Optimization.Replicas, logger, metrics)
	watcher := orchestrator.NewWatcher(client, orchestrator.WatcherConfig{
		PollInterval: cfg.Optimization.PollInterval,
		WaitCeiling:  cfg.Optimization.WaitCeiling,
		Concurrency:  cfg.Queue.PollConcurrency,
	}, orchestrator.RealClock, logger, metrics)

	return &app{
		cfg:       cfg,
		runID:     runID,
		logger:    logger,
		client:    client,
		preset:    preset,
		registry:  registry,
		metrics:   metrics,
		evaluator: orchestrator.NewEvaluator(fanout, watcher, logger, metrics),
		history:   orchestrator.NewHistory(client, cfg.Queue.HistoryLimit, logger),
	}, nil
}

// query selects the records of the configured run.
func (a *app) query() orchestrator.HistoryQuery {
	return orchestrator.HistoryQuery{
		Tag:      a.cfg.RunTag(),
		Seed:     a.cfg.Optimization.SimSeed,
		Sampling: a.cfg.Optimization.Sampling,
		ImageTag: a.cfg.Job.ImageTag,
	}
}

func (a *app) candidate(point []float64) orchestrator.Candidate {
	return orchestrator.Candidate{
		Point:    point,
		Tag:      a.cfg.RunTag(),
		Sampling: a.cfg.Optimization.Sampling,
		Seed:     a.cfg.Optimization.SimSeed,
	}
}

func (a *app) driver() (*orchestrator.Driver, error) {
	store, err := orchestrator.NewCheckpointStore(filepath.Join(a.cfg.Checkpoint.Dir, a.cfg.RunTag()))
	if err != nil {
		return nil, err
	}
	o := a.cfg.Optimization
	return orchestrator.NewDriver(orchestrator.DriverConfig{
		Tag:             a.cfg.RunTag(),
		Sampling:        o.Sampling,
		Seed:            o.SimSeed,
		BatchSize:       o.BatchSize,
		MinRandomStarts: o.MinRandomStarts,
		WarmStart:       o.WarmStart,
		Optimizer: optimization.OptimizerConfig{
			Backend:        o.Backend,
			NInitialPoints: o.MinRandomStarts,
			NCandidates:    o.Candidates,
			Acquisition:    o.Acquisition,
			Liar:           o.Liar,
			RandomSeed:     o.RandomSeed,
		},
	}, a.preset, a.evaluator, a.history, a.client, store, a.logger, a.metrics)
}

// syntheticSimulator stands in for the simulation cluster in dry runs.
// Mass grows with the magnet lengths; leakage is smallest for mid-sized
// apertures.
func syntheticSimulator(job *queue.Job) (queue.JobStatus, json.RawMessage) {
	out := queue.ReplicaOutput{}
	p, err := shield.ParseVector(job.Metadata.User.Params)
	if err != nil || len(p) != shield.FullDim {
		msg := "bad params"
		out.Error = &msg
		data, _ := json.Marshal(out)
		return queue.StatusCompleted, data
	}

	weight, length := 0.0, 0.0
	for i := 0; i < 8; i++ {
		length += 2 * p[i]
	}
	leak := 0.0
	for m := 0; m < 8; m++ {
		mod := p[8+6*m : 14+6*m]
		area := (mod[0] + mod[1]) * (mod[2] + mod[3])
		weight += 2 * p[m] * area * 0.02
		d := (mod[0] - 55) / 45
		leak += d*d + mod[4]/70
	}
	muons := int64(leak * 10)
	out.Weight, out.Length = &weight, &length
	out.Muons, out.MuonsW = &muons, &leak

	data, _ := json.Marshal(out)
	return queue.StatusCompleted, data
}
