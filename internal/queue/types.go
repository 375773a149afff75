// Package queue holds the wire types and clients of the remote job queue.
package queue

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

var (
	// ErrNotFound is returned when the queue has no job with the given id.
	ErrNotFound = errors.New("job not found")

	// ErrUnavailable is returned once the queue has been unreachable for
	// longer than the configured outage budget.
	ErrUnavailable = errors.New("queue unavailable")

	// ErrParse marks payloads that do not match the expected schema.
	ErrParse = errors.New("malformed payload")

	// ErrRejected is returned when the queue refuses a request.
	ErrRejected = errors.New("request rejected by queue")
)

// JobStatus is the lifecycle state of a job as reported by the queue.
type JobStatus string

const (
	StatusPending   JobStatus = "PENDING"
	StatusPulled    JobStatus = "PULLED"
	StatusRunning   JobStatus = "RUNNING"
	StatusCompleted JobStatus = "COMPLETED"
	StatusFailed    JobStatus = "FAILED"
)

// IsTerminal reports whether the job will not change status again.
func (s JobStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Valid reports whether s is one of the known statuses.
func (s JobStatus) Valid() bool {
	switch s {
	case StatusPending, StatusPulled, StatusRunning, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// JobKind distinguishes simulation jobs from recorded points.
type JobKind string

const (
	KindDocker JobKind = "docker"
	KindPoint  JobKind = "point"
)

// Job is a unit of remote work. Only the queue changes Status and Output.
type Job struct {
	ID        string          `json:"id"`
	Kind      JobKind         `json:"kind"`
	Status    JobStatus       `json:"status"`
	Input     json.RawMessage `json:"input"`
	Output    json.RawMessage `json:"output,omitempty"`
	Metadata  Metadata        `json:"metadata"`
	CreatedAt time.Time       `json:"created_at,omitempty"`
}

// Validate checks the fields every job must carry.
func (j *Job) Validate() error {
	if j.ID == "" {
		return fmt.Errorf("%w: job without id", ErrParse)
	}
	if !j.Status.Valid() {
		return fmt.Errorf("%w: job %s has unknown status %q", ErrParse, j.ID, j.Status)
	}
	return nil
}

// Metadata is the tag blob attached to every job.
type Metadata struct {
	User   UserMetadata           `json:"user"`
	Disney map[string]interface{} `json:"disney"`
}

// UserMetadata identifies the point, run, sampling and seed of a job.
type UserMetadata struct {
	Tag      string   `json:"tag"`
	Sampling Sampling `json:"sampling"`
	Seed     int      `json:"seed"`
	ImageTag string   `json:"image_tag"`
	// Params is the full design vector rendered as "[a, b, ...]".
	Params string `json:"params"`
}

// Sampling is either a numeric sampling id or importance sampling ("IS").
type Sampling struct {
	ID         int
	Importance bool
}

// ImportanceSampling is the non-numeric sampling mode.
var ImportanceSampling = Sampling{Importance: true}

// ParseSampling accepts a decimal id or "IS".
func ParseSampling(s string) (Sampling, error) {
	if strings.EqualFold(s, "IS") {
		return ImportanceSampling, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return Sampling{}, fmt.Errorf("%w: sampling %q is neither an integer nor IS", ErrParse, s)
	}
	return Sampling{ID: n}, nil
}

func (s Sampling) String() string {
	if s.Importance {
		return "IS"
	}
	return strconv.Itoa(s.ID)
}

func (s Sampling) MarshalJSON() ([]byte, error) {
	if s.Importance {
		return []byte(`"IS"`), nil
	}
	return []byte(strconv.Itoa(s.ID)), nil
}

func (s *Sampling) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var str string
		if err := json.Unmarshal(b, &str); err != nil {
			return fmt.Errorf("%w: sampling: %v", ErrParse, err)
		}
		v, err := ParseSampling(str)
		if err != nil {
			return err
		}
		*s = v
		return nil
	}
	var n int
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("%w: sampling: %v", ErrParse, err)
	}
	*s = Sampling{ID: n}
	return nil
}

// UnmarshalYAML lets configuration files use either form.
func (s *Sampling) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("%w: sampling must be a scalar", ErrParse)
	}
	return s.UnmarshalText([]byte(node.Value))
}

// MarshalYAML writes the same form UnmarshalYAML reads.
func (s Sampling) MarshalYAML() (interface{}, error) {
	if s.Importance {
		return "IS", nil
	}
	return s.ID, nil
}

// UnmarshalText supports environment variables.
func (s *Sampling) UnmarshalText(text []byte) error {
	v, err := ParseSampling(string(text))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// ReplicaOutput is the result record written by one simulation replica.
// Only the authoritative replica reports Weight and Length.
type ReplicaOutput struct {
	Error  *string  `json:"error"`
	Weight *float64 `json:"weight"`
	Length *float64 `json:"length"`
	Muons  *int64   `json:"muons"`
	MuonsW *float64 `json:"muons_w"`
}

type rawReplicaOutput struct {
	Error  *string      `json:"error"`
	Weight *float64     `json:"weight"`
	Length *float64     `json:"length"`
	Muons  *json.Number `json:"muons"`
	MuonsW *float64     `json:"muons_w"`
}

const legacyVariablePrefix = "variable"

// ParseReplicaOutput decodes a job output. Three encodings are accepted:
// the result object, a JSON string holding any of these encodings, and the
// legacy list of "variable:result=<json>" entries.
func ParseReplicaOutput(raw json.RawMessage) (*ReplicaOutput, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, fmt.Errorf("%w: empty replica output", ErrParse)
	}

	switch raw[0] {
	case '"':
		var inner string
		if err := json.Unmarshal(raw, &inner); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrParse, err)
		}
		return ParseReplicaOutput(json.RawMessage(inner))
	case '[':
		var entries []string
		if err := json.Unmarshal(raw, &entries); err != nil {
			return nil, fmt.Errorf("%w: legacy output: %v", ErrParse, err)
		}
		for _, e := range entries {
			if !strings.HasPrefix(e, legacyVariablePrefix) {
				continue
			}
			_, value, ok := strings.Cut(e, "=")
			if !ok {
				return nil, fmt.Errorf("%w: legacy entry %q has no value", ErrParse, e)
			}
			return ParseReplicaOutput(json.RawMessage(value))
		}
		return nil, fmt.Errorf("%w: legacy output has no variable entry", ErrParse)
	case '{':
	default:
		return nil, fmt.Errorf("%w: unexpected output %.40q", ErrParse, raw)
	}

	var r rawReplicaOutput
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, fmt.Errorf("%w: replica output: %v", ErrParse, err)
	}
	out := &ReplicaOutput{Error: r.Error, Weight: r.Weight, Length: r.Length, MuonsW: r.MuonsW}
	if r.Muons != nil {
		f, err := r.Muons.Float64()
		if err != nil || f != math.Trunc(f) {
			return nil, fmt.Errorf("%w: muons %q is not an integer", ErrParse, r.Muons.String())
		}
		n := int64(f)
		out.Muons = &n
	}
	if err := out.validate(); err != nil {
		return nil, err
	}
	return out, nil
}

// validate checks the numeric fields of a successful replica. A failed
// replica is rejected whole, so its numbers are never read.
func (r *ReplicaOutput) validate() error {
	if r.Failed() {
		return nil
	}
	check := func(name string, v *float64) error {
		if v != nil && (*v < 0 || math.IsNaN(*v) || math.IsInf(*v, 0)) {
			return fmt.Errorf("%w: %s = %v", ErrParse, name, *v)
		}
		return nil
	}
	if err := check("weight", r.Weight); err != nil {
		return err
	}
	if err := check("length", r.Length); err != nil {
		return err
	}
	if err := check("muons_w", r.MuonsW); err != nil {
		return err
	}
	if r.Muons != nil && *r.Muons < 0 {
		return fmt.Errorf("%w: muons = %d", ErrParse, *r.Muons)
	}
	return nil
}

// Failed reports whether the replica reported a simulator error. Any
// non-null error counts, including an empty string.
func (r *ReplicaOutput) Failed() bool {
	return r.Error != nil
}

// PointResult is the payload of a point record: one reduced observation.
type PointResult struct {
	Params   []float64 `json:"params"`
	Loss     float64   `json:"loss"`
	Weight   float64   `json:"weight"`
	Length   float64   `json:"length"`
	Muons    *int64    `json:"muons"`
	MuonsW   float64   `json:"muons_w"`
	Replicas []string  `json:"replicas,omitempty"`
}

// ParsePointResult decodes a point payload.
func ParsePointResult(raw json.RawMessage) (*PointResult, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) > 0 && raw[0] == '"' {
		var inner string
		if err := json.Unmarshal(raw, &inner); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrParse, err)
		}
		raw = json.RawMessage(inner)
	}
	var p PointResult
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("%w: point result: %v", ErrParse, err)
	}
	if math.IsNaN(p.Loss) || math.IsInf(p.Loss, 0) {
		return nil, fmt.Errorf("%w: loss %v", ErrParse, p.Loss)
	}
	return &p, nil
}

// JobDescriptor is the input payload of a simulation job.
type JobDescriptor struct {
	Descriptor Descriptor `json:"descriptor"`
}

// Descriptor describes the container to run and what to collect from it.
type Descriptor struct {
	Input           []string        `json:"input"`
	Container       Container       `json:"container"`
	RequiredOutputs RequiredOutputs `json:"required_outputs"`
}

// Container is the container specification of a simulation job.
type Container struct {
	Workdir     string   `json:"workdir"`
	Name        string   `json:"name"`
	Volumes     []string `json:"volumes"`
	CPUNeeded   int      `json:"cpu_needed"`
	MaxMemoryMB int      `json:"max_memoryMB"`
	MinMemoryMB int      `json:"min_memoryMB"`
	RunID       string   `json:"run_id"`
	Cmd         string   `json:"cmd"`
}

// RequiredOutputs names the files copied back into job output variables.
type RequiredOutputs struct {
	OutputURI    string        `json:"output_uri"`
	FileContents []FileContent `json:"file_contents"`
}

// FileContent maps an output file to a variable.
type FileContent struct {
	File       string `json:"file"`
	ToVariable string `json:"to_variable"`
}
