package queue

import (
	"context"
	"encoding/json"
)

// Client is the contract of the remote job queue.
type Client interface {
	// CreateJob submits a job; the returned job is PENDING.
	CreateJob(ctx context.Context, input json.RawMessage, kind JobKind, md Metadata) (*Job, error)
	// GetJob fetches the current state of a job.
	GetJob(ctx context.Context, id string) (*Job, error)
	// ListJobs lists jobs of a kind, most recent last.
	ListJobs(ctx context.Context, req ListRequest) ([]*Job, error)
}

// ListRequest filters a job listing.
type ListRequest struct {
	Kind    JobKind `json:"kind,omitempty"`
	HowMany int     `json:"how_many,omitempty"`
}
