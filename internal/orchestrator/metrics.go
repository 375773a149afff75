package orchestrator

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Point outcomes recorded by the driver.
const (
	OutcomeTold       = "told"
	OutcomeRejected   = "rejected"
	OutcomeIncomplete = "incomplete"
	OutcomeOutOfSpace = "out_of_space"
	OutcomeAbandoned  = "abandoned"
)

// Metrics are the prometheus collectors of the orchestrator. A nil
// *Metrics records nothing.
type Metrics struct {
	batches            prometheus.Counter
	jobs               prometheus.Counter
	submissionFailures prometheus.Counter
	points             *prometheus.CounterVec
	watches            *prometheus.CounterVec
	waitSeconds        prometheus.Histogram
	bestLoss           prometheus.Gauge
	lastLoss           prometheus.Gauge
	observations       prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		batches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "shieldopt",
			Name:      "batches_total",
			Help:      "Ask/evaluate/tell iterations started.",
		}),
		jobs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "shieldopt",
			Name:      "jobs_submitted_total",
			Help:      "Replica jobs submitted to the queue.",
		}),
		submissionFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "shieldopt",
			Name:      "submission_failures_total",
			Help:      "Replica jobs the queue refused.",
		}),
		points: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shieldopt",
			Name:      "points_total",
			Help:      "Candidate points by evaluation outcome.",
		}, []string{"outcome"}),
		watches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shieldopt",
			Name:      "watch_outcomes_total",
			Help:      "Completion watcher results.",
		}, []string{"outcome"}),
		waitSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "shieldopt",
			Name:      "wait_seconds",
			Help:      "Time spent waiting for replica batches.",
			Buckets:   prometheus.ExponentialBuckets(60, 2, 10),
		}),
		bestLoss: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "shieldopt",
			Name:      "best_loss",
			Help:      "Lowest loss observed so far.",
		}),
		lastLoss: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "shieldopt",
			Name:      "last_loss",
			Help:      "Loss of the most recently evaluated point.",
		}),
		observations: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "shieldopt",
			Name:      "observations",
			Help:      "Observations held by the optimizer.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.batches, m.jobs, m.submissionFailures, m.points, m.watches,
			m.waitSeconds, m.bestLoss, m.lastLoss, m.observations)
	}
	return m
}

func (m *Metrics) batchStarted() {
	if m != nil {
		m.batches.Inc()
	}
}

func (m *Metrics) jobsSubmitted(n int) {
	if m != nil {
		m.jobs.Add(float64(n))
	}
}

func (m *Metrics) submissionFailed() {
	if m != nil {
		m.submissionFailures.Inc()
	}
}

func (m *Metrics) point(outcome string) {
	if m != nil {
		m.points.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) watched(outcome WatchOutcome, waited time.Duration) {
	if m != nil {
		m.watches.WithLabelValues(string(outcome)).Inc()
		m.waitSeconds.Observe(waited.Seconds())
	}
}

func (m *Metrics) loss(last, best float64, observations int) {
	if m != nil {
		m.lastLoss.Set(last)
		m.bestLoss.Set(best)
		m.observations.Set(float64(observations))
	}
}
