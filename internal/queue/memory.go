package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Executor decides the outcome of a docker job the first time it is polled.
// Returning a non-terminal status leaves the job in flight.
type Executor func(job *Job) (JobStatus, json.RawMessage)

// MemoryQueue is an in-process Client. Point jobs complete on creation
// with their input as output; docker jobs stay PENDING until an Executor
// or SetResult resolves them.
type MemoryQueue struct {
	mu       sync.Mutex
	jobs     map[string]*Job
	order    []string
	executor Executor
	now      func() time.Time

	// FailCreate, when set, is returned by CreateJob.
	FailCreate error
}

var _ Client = (*MemoryQueue)(nil)

// NewMemoryQueue creates an empty queue. executor may be nil.
func NewMemoryQueue(executor Executor) *MemoryQueue {
	return &MemoryQueue{
		jobs:     make(map[string]*Job),
		executor: executor,
		now:      time.Now,
	}
}

// CreateJob stores a new job.
func (q *MemoryQueue) CreateJob(_ context.Context, input json.RawMessage, kind JobKind, md Metadata) (*Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.FailCreate != nil {
		return nil, q.FailCreate
	}
	if kind != KindDocker && kind != KindPoint {
		return nil, fmt.Errorf("%w: unknown job kind %q", ErrRejected, kind)
	}

	job := &Job{
		ID:        uuid.NewString(),
		Kind:      kind,
		Status:    StatusPending,
		Input:     append(json.RawMessage(nil), input...),
		Metadata:  md,
		CreatedAt: q.now(),
	}
	if kind == KindPoint {
		job.Status = StatusCompleted
		job.Output = job.Input
	}
	q.jobs[job.ID] = job
	q.order = append(q.order, job.ID)

	c := *job
	return &c, nil
}

// GetJob returns a copy of the job, resolving it through the executor when
// it is still pending.
func (q *MemoryQueue) GetJob(_ context.Context, id string) (*Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if !job.Status.IsTerminal() && q.executor != nil && job.Kind == KindDocker {
		status, out := q.executor(job)
		job.Status = status
		if out != nil {
			job.Output = out
		}
	}
	c := *job
	return &c, nil
}

// ListJobs returns the newest HowMany jobs of a kind in creation order.
func (q *MemoryQueue) ListJobs(_ context.Context, req ListRequest) ([]*Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []*Job
	for _, id := range q.order {
		job := q.jobs[id]
		if req.Kind != "" && job.Kind != req.Kind {
			continue
		}
		c := *job
		out = append(out, &c)
	}
	if req.HowMany > 0 && len(out) > req.HowMany {
		out = out[len(out)-req.HowMany:]
	}
	return out, nil
}

// SetResult forces a job into status with output.
func (q *MemoryQueue) SetResult(id string, status JobStatus, output json.RawMessage) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.jobs[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	job.Status = status
	job.Output = output
	return nil
}

// Insert stores a fully formed job, replacing any job with the same id.
func (q *MemoryQueue) Insert(job Job) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.jobs[job.ID]; !ok {
		q.order = append(q.order, job.ID)
	}
	q.jobs[job.ID] = &job
}

// Len returns the number of stored jobs.
func (q *MemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}
