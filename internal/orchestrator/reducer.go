package orchestrator

import (
	"fmt"

	"github.com/copyleftdev/shieldopt/internal/optimization"
	"github.com/copyleftdev/shieldopt/internal/queue"
	"github.com/copyleftdev/shieldopt/internal/shield"
)

// Reduction is the combined result of a replica batch.
type Reduction struct {
	Weight float64
	Length float64
	// Muons is nil for heavy shields, whose leakage is not simulated.
	Muons  *int64
	MuonsW float64
}

// Heavy reports whether the reduction is for a shield above the mass cap.
func (r *Reduction) Heavy() bool { return shield.IsHeavy(r.Weight) }

// Loss evaluates the penalty function on the reduction.
func (r *Reduction) Loss() float64 {
	return shield.FCN(r.Weight, r.MuonsW, r.Length)
}

// Reduce combines the outputs of a terminal replica batch. Every job must
// be COMPLETED and no replica may report an error; weight and length come
// from the first replica that reports them.
func Reduce(jobs []*queue.Job) (*Reduction, error) {
	if len(jobs) == 0 {
		return nil, optimization.WrapError(optimization.ErrIncompleteJob, "empty batch").
			WithComponent("reducer").WithOperation("Reduce")
	}

	outputs := make([]*queue.ReplicaOutput, len(jobs))
	for i, job := range jobs {
		if job.Status != queue.StatusCompleted {
			return nil, optimization.WrapErrorf(optimization.ErrIncompleteJob, "job %s is %s", job.ID, job.Status).
				WithComponent("reducer").WithOperation("Reduce")
		}
		out, err := queue.ParseReplicaOutput(job.Output)
		if err != nil {
			return nil, fmt.Errorf("job %s: %w", job.ID, err)
		}
		if out.Failed() {
			return nil, optimization.WrapErrorf(optimization.ErrReplicaFailed, "job %s: %q", job.ID, *out.Error).
				WithComponent("reducer").WithOperation("Reduce")
		}
		outputs[i] = out
	}

	r := &Reduction{}
	weight, length := firstReported(outputs)
	if weight == nil || length == nil {
		return nil, fmt.Errorf("%w: no replica reported weight and length", queue.ErrParse)
	}
	r.Weight, r.Length = *weight, *length

	if r.Heavy() {
		return r, nil
	}

	var muons int64
	for i, out := range outputs {
		if out.Muons == nil || out.MuonsW == nil {
			return nil, fmt.Errorf("%w: job %s reported no muons", queue.ErrParse, jobs[i].ID)
		}
		muons += *out.Muons
		r.MuonsW += *out.MuonsW
	}
	r.Muons = &muons
	return r, nil
}

func firstReported(outputs []*queue.ReplicaOutput) (weight, length *float64) {
	for _, out := range outputs {
		if weight == nil && out.Weight != nil {
			weight = out.Weight
		}
		if length == nil && out.Length != nil {
			length = out.Length
		}
	}
	return weight, length
}
