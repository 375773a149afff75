// Package orchestrator drives the distributed evaluation of shield designs:
// replica fan-out, completion polling, result reduction, history lookup and
// the ask/evaluate/tell loop.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/copyleftdev/shieldopt/internal/logging"
	"github.com/copyleftdev/shieldopt/internal/optimization"
	"github.com/copyleftdev/shieldopt/internal/queue"
	"github.com/copyleftdev/shieldopt/internal/shield"
)

// JobTemplate describes the simulation container every replica runs.
type JobTemplate struct {
	Image       string   `yaml:"image"`
	ImageTag    string   `yaml:"image_tag"`
	Volumes     []string `yaml:"volumes"`
	CPUNeeded   int      `yaml:"cpu_needed"`
	MaxMemoryMB int      `yaml:"max_memory_mb"`
	MinMemoryMB int      `yaml:"min_memory_mb"`
	RunID       string   `yaml:"run_id"`
	OutputURI   string   `yaml:"output_uri"`
	WorkerFiles string   `yaml:"worker_files"`
}

// DefaultJobTemplate returns the production container settings.
func DefaultJobTemplate() JobTemplate {
	return JobTemplate{
		Image:    "olantwin/ship-shield",
		ImageTag: "20171129_T1",
		Volumes: []string{
			"/home/sashab1/ship-shield:/shield",
			"/home/sashab1/ship/shared:/shared",
		},
		CPUNeeded:   1,
		MaxMemoryMB: 1024,
		MinMemoryMB: 512,
		RunID:       "near_run3",
		OutputURI:   "host:/srv/local/skygrid-local-storage/$JOB_ID",
		WorkerFiles: "/shield/worker_files",
	}
}

// Command renders the simulator command line of replica jobID (1-based)
// out of replicas.
func (t JobTemplate) Command(point []float64, sampling queue.Sampling, seed, jobID, replicas int) string {
	return fmt.Sprintf("/bin/bash -l -c 'source /opt/FairShipRun/config.sh; "+
		"python2 /code/slave.py --params %s -f %s/sampling_%s/muons_%d_%d.root "+
		"--results /output/result.json --hists /output/hists.root --seed %d'",
		shield.EncodeVector(point), t.WorkerFiles, sampling, jobID, replicas, seed)
}

// Descriptor builds the job input for one replica.
func (t JobTemplate) Descriptor(point []float64, sampling queue.Sampling, seed, jobID, replicas int) queue.JobDescriptor {
	return queue.JobDescriptor{
		Descriptor: queue.Descriptor{
			Input: []string{},
			Container: queue.Container{
				Name:        t.Image + ":" + t.ImageTag,
				Volumes:     append([]string(nil), t.Volumes...),
				CPUNeeded:   t.CPUNeeded,
				MaxMemoryMB: t.MaxMemoryMB,
				MinMemoryMB: t.MinMemoryMB,
				RunID:       t.RunID,
				Cmd:         t.Command(point, sampling, seed, jobID, replicas),
			},
			RequiredOutputs: queue.RequiredOutputs{
				OutputURI:    t.OutputURI,
				FileContents: []queue.FileContent{{File: "result.json", ToVariable: "result"}},
			},
		},
	}
}

// Candidate is a full design vector together with the tags of its run.
type Candidate struct {
	Point    []float64
	Tag      string
	Sampling queue.Sampling
	Seed     int
}

// Metadata returns the job metadata shared by every replica of c.
func (c Candidate) Metadata(imageTag string) queue.Metadata {
	return queue.Metadata{
		User: queue.UserMetadata{
			Tag:      c.Tag,
			Sampling: c.Sampling,
			Seed:     c.Seed,
			ImageTag: imageTag,
			Params:   shield.FormatVector(c.Point),
		},
		Disney: map[string]interface{}{},
	}
}

// Batch is the set of replica jobs spawned for one candidate.
type Batch struct {
	Candidate Candidate
	Jobs      []*queue.Job
}

// Terminal reports whether every job of the batch is terminal.
func (b *Batch) Terminal() bool {
	for _, j := range b.Jobs {
		if !j.Status.IsTerminal() {
			return false
		}
	}
	return true
}

// JobIDs returns the ids of the batch's jobs.
func (b *Batch) JobIDs() []string {
	ids := make([]string, len(b.Jobs))
	for i, j := range b.Jobs {
		ids[i] = j.ID
	}
	return ids
}

// FanOut submits replica batches to the queue.
type FanOut struct {
	client   queue.Client
	template JobTemplate
	replicas int
	logger   *logging.Logger
	metrics  *Metrics
}

// NewFanOut creates a FanOut submitting replicas jobs per candidate.
func NewFanOut(client queue.Client, template JobTemplate, replicas int, logger *logging.Logger, metrics *Metrics) *FanOut {
	if replicas < 1 {
		replicas = 1
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &FanOut{
		client:   client,
		template: template,
		replicas: replicas,
		logger:   logger.WithField("component", "fanout"),
		metrics:  metrics,
	}
}

// Replicas returns the batch size used per candidate.
func (f *FanOut) Replicas() int { return f.replicas }

// ImageTag returns the simulator image version jobs run with.
func (f *FanOut) ImageTag() string { return f.template.ImageTag }

// SubmitBatch creates one job per replica. Any failed submission abandons
// the batch with an error wrapping ErrSubmission; jobs already created are
// left to run.
func (f *FanOut) SubmitBatch(ctx context.Context, c Candidate) (*Batch, error) {
	if len(c.Point) != shield.FullDim {
		return nil, optimization.WrapErrorf(optimization.ErrShapeMismatch,
			"candidate has %d values, want %d", len(c.Point), shield.FullDim).
			WithComponent("fanout").WithOperation("SubmitBatch")
	}

	md := c.Metadata(f.template.ImageTag)
	batch := &Batch{Candidate: c, Jobs: make([]*queue.Job, 0, f.replicas)}

	for i := 0; i < f.replicas; i++ {
		input, err := json.Marshal(f.template.Descriptor(c.Point, c.Sampling, c.Seed, i+1, f.replicas))
		if err != nil {
			return nil, err
		}
		job, err := f.client.CreateJob(ctx, input, queue.KindDocker, md)
		if err != nil {
			f.metrics.submissionFailed()
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil, err
			}
			return nil, fmt.Errorf("%w: replica %d of %d: %w", optimization.ErrSubmission, i+1, f.replicas, err)
		}
		batch.Jobs = append(batch.Jobs, job)
	}

	f.metrics.jobsSubmitted(len(batch.Jobs))
	f.logger.Debug("batch submitted", map[string]interface{}{
		"tag":      c.Tag,
		"replicas": len(batch.Jobs),
		"first_id": batch.Jobs[0].ID,
	})
	return batch, nil
}
