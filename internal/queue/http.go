package queue

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/copyleftdev/shieldopt/internal/logging"
)

// HTTPConfig configures the HTTP queue client.
type HTTPConfig struct {
	BaseURL string
	// Timeout bounds a single request.
	Timeout time.Duration
	// RetryBase and RetryMax bound the exponential backoff between retries.
	RetryBase time.Duration
	RetryMax  time.Duration
	// MaxOutage is how long the queue may stay unreachable before calls
	// fail with ErrUnavailable.
	MaxOutage time.Duration
}

// HTTPClient talks JSON to the queue's REST API.
type HTTPClient struct {
	cfg     HTTPConfig
	base    *url.URL
	http    *http.Client
	backoff Backoff
	logger  *logging.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

var _ Client = (*HTTPClient)(nil)

// HTTPOption customises an HTTPClient.
type HTTPOption func(*HTTPClient)

// WithHTTPClient replaces the underlying *http.Client.
func WithHTTPClient(hc *http.Client) HTTPOption {
	return func(c *HTTPClient) { c.http = hc }
}

// WithBackoff replaces the retry backoff.
func WithBackoff(b Backoff) HTTPOption {
	return func(c *HTTPClient) { c.backoff = b }
}

// WithClock replaces the time source and sleep used between retries.
func WithClock(now func() time.Time, sleep func(ctx context.Context, d time.Duration) error) HTTPOption {
	return func(c *HTTPClient) {
		c.now = now
		c.sleep = sleep
	}
}

// NewHTTPClient creates a client for the queue at cfg.BaseURL.
func NewHTTPClient(cfg HTTPConfig, logger *logging.Logger, opts ...HTTPOption) (*HTTPClient, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid queue url %q", cfg.BaseURL)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = time.Second
	}
	if cfg.RetryMax < cfg.RetryBase {
		cfg.RetryMax = cfg.RetryBase
	}
	if logger == nil {
		logger = logging.Nop()
	}

	c := &HTTPClient{
		cfg:     cfg,
		base:    base,
		http:    &http.Client{Timeout: cfg.Timeout},
		backoff: NewExponentialBackoff(cfg.RetryBase, cfg.RetryMax),
		logger:  logger.WithField("component", "queue_client"),
		now:     time.Now,
		sleep:   sleepCtx,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

type createJobRequest struct {
	Input    json.RawMessage `json:"input"`
	Kind     JobKind         `json:"kind"`
	Metadata Metadata        `json:"metadata"`
}

type listJobsResponse struct {
	Jobs []*Job `json:"jobs"`
}

// CreateJob submits a job. Only failures where the request provably never
// reached the queue are retried, so a job is never submitted twice.
func (c *HTTPClient) CreateJob(ctx context.Context, input json.RawMessage, kind JobKind, md Metadata) (*Job, error) {
	body, err := json.Marshal(createJobRequest{Input: input, Kind: kind, Metadata: md})
	if err != nil {
		return nil, err
	}
	var job Job
	if err := c.do(ctx, http.MethodPost, "/api/v1/jobs", nil, body, &job, false); err != nil {
		return nil, err
	}
	if err := job.Validate(); err != nil {
		return nil, err
	}
	return &job, nil
}

// GetJob fetches a job by id.
func (c *HTTPClient) GetJob(ctx context.Context, id string) (*Job, error) {
	var job Job
	if err := c.do(ctx, http.MethodGet, "/api/v1/jobs/"+url.PathEscape(id), nil, nil, &job, true); err != nil {
		return nil, err
	}
	if err := job.Validate(); err != nil {
		return nil, err
	}
	return &job, nil
}

// ListJobs lists jobs matching req.
func (c *HTTPClient) ListJobs(ctx context.Context, req ListRequest) ([]*Job, error) {
	q := url.Values{}
	if req.Kind != "" {
		q.Set("kind", string(req.Kind))
	}
	if req.HowMany > 0 {
		q.Set("how_many", strconv.Itoa(req.HowMany))
	}
	var resp listJobsResponse
	if err := c.do(ctx, http.MethodGet, "/api/v1/jobs", q, nil, &resp, true); err != nil {
		return nil, err
	}
	for _, j := range resp.Jobs {
		if err := j.Validate(); err != nil {
			return nil, err
		}
	}
	return resp.Jobs, nil
}

// statusError is a non-2xx response.
type statusError struct {
	Code int
	Body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("queue responded %d: %s", e.Code, e.Body)
}

func (e *statusError) retryable() bool {
	return e.Code == http.StatusTooManyRequests || e.Code >= 500
}

// do runs one API call, retrying transient failures until the outage
// budget is spent.
func (c *HTTPClient) do(ctx context.Context, method, path string, query url.Values, body []byte, out interface{}, idempotent bool) error {
	var firstFailure time.Time
	for attempt := 0; ; attempt++ {
		err := c.once(ctx, method, path, query, body, out)
		if err == nil {
			return nil
		}
		if !c.shouldRetry(ctx, err, idempotent) {
			return err
		}

		now := c.now()
		if firstFailure.IsZero() {
			firstFailure = now
		}
		if now.Sub(firstFailure) >= c.cfg.MaxOutage {
			return fmt.Errorf("%w: %s %s failing for %s: %v", ErrUnavailable, method, path, now.Sub(firstFailure), err)
		}

		delay := c.backoff.NextDelay(attempt)
		c.logger.Warn("queue request failed, retrying", map[string]interface{}{
			"method":  method,
			"path":    path,
			"attempt": attempt + 1,
			"delay":   delay.String(),
			"error":   err.Error(),
		})
		if err := c.sleep(ctx, delay); err != nil {
			return err
		}
	}
}

func (c *HTTPClient) shouldRetry(ctx context.Context, err error, idempotent bool) bool {
	if ctx.Err() != nil || errors.Is(err, ErrNotFound) || errors.Is(err, ErrRejected) {
		return false
	}
	var se *statusError
	if errors.As(err, &se) {
		if idempotent {
			return se.retryable()
		}
		return se.Code == http.StatusServiceUnavailable || se.Code == http.StatusTooManyRequests
	}
	if errors.Is(err, ErrParse) {
		return false
	}
	if idempotent {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr) && opErr.Op == "dial"
}

func (c *HTTPClient) once(ctx context.Context, method, path string, query url.Values, body []byte, out interface{}) error {
	u := *c.base
	u.Path = strings.TrimRight(u.Path, "/") + path
	u.RawQuery = query.Encode()

	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), rd)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return err
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrNotFound, path)
	case resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests:
		return fmt.Errorf("%w: %v", ErrRejected, &statusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(data))})
	case resp.StatusCode >= 300:
		return &statusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}

	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%w: %s %s: %v", ErrParse, method, path, err)
	}
	return nil
}
