package queue

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeQueueServer serves the queue REST API over a MemoryQueue. failures
// makes the first n requests return 503.
func fakeQueueServer(t *testing.T, q *MemoryQueue, failures int32) (*httptest.Server, *int32) {
	t.Helper()
	var calls int32

	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if atomic.AddInt32(&calls, 1) <= failures {
				http.Error(w, "warming up", http.StatusServiceUnavailable)
				return
			}
			next.ServeHTTP(w, r)
		})
	})
	r.Post("/api/v1/jobs", func(w http.ResponseWriter, r *http.Request) {
		var req createJobRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		job, err := q.CreateJob(r.Context(), req.Input, req.Kind, req.Metadata)
		if err != nil {
			http.Error(w, err.Error(), http.StatusUnprocessableEntity)
			return
		}
		_ = json.NewEncoder(w).Encode(job)
	})
	r.Get("/api/v1/jobs/{id}", func(w http.ResponseWriter, r *http.Request) {
		job, err := q.GetJob(r.Context(), chi.URLParam(r, "id"))
		if errors.Is(err, ErrNotFound) {
			http.NotFound(w, r)
			return
		}
		_ = json.NewEncoder(w).Encode(job)
	})
	r.Get("/api/v1/jobs", func(w http.ResponseWriter, r *http.Request) {
		n, _ := strconv.Atoi(r.URL.Query().Get("how_many"))
		jobs, _ := q.ListJobs(r.Context(), ListRequest{Kind: JobKind(r.URL.Query().Get("kind")), HowMany: n})
		_ = json.NewEncoder(w).Encode(listJobsResponse{Jobs: jobs})
	})

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, &calls
}

// fakeClock advances on every sleep.
type fakeClock struct {
	now   time.Time
	slept []time.Duration
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Sleep(_ context.Context, d time.Duration) error {
	c.slept = append(c.slept, d)
	c.now = c.now.Add(d)
	return nil
}

type fixedBackoff time.Duration

func (b fixedBackoff) NextDelay(int) time.Duration { return time.Duration(b) }

func newTestClient(t *testing.T, url string, clock *fakeClock, outage time.Duration) *HTTPClient {
	t.Helper()
	c, err := NewHTTPClient(HTTPConfig{BaseURL: url, MaxOutage: outage}, nil,
		WithBackoff(fixedBackoff(time.Second)),
		WithClock(clock.Now, clock.Sleep),
	)
	require.NoError(t, err)
	return c
}

func TestHTTPClientRoundTrip(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue(nil)
	srv, _ := fakeQueueServer(t, q, 0)
	c := newTestClient(t, srv.URL, &fakeClock{now: time.Unix(0, 0)}, time.Minute)

	md := Metadata{User: UserMetadata{Tag: "discrete3_rf_test", Sampling: Sampling{ID: 37}, Seed: 1, ImageTag: "20171129_T1", Params: "[1.0]"}}
	job, err := c.CreateJob(ctx, json.RawMessage(`{"descriptor":{}}`), KindDocker, md)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, job.Status)
	assert.Equal(t, md.User, job.Metadata.User)

	require.NoError(t, q.SetResult(job.ID, StatusCompleted, json.RawMessage(`{"error":null}`)))
	got, err := c.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)

	_, err = c.CreateJob(ctx, json.RawMessage(`{"loss":1}`), KindPoint, md)
	require.NoError(t, err)
	points, err := c.ListJobs(ctx, ListRequest{Kind: KindPoint, HowMany: 10})
	require.NoError(t, err)
	require.Len(t, points, 1)
	assert.Equal(t, KindPoint, points[0].Kind)
}

func TestHTTPClientNotFound(t *testing.T) {
	srv, calls := fakeQueueServer(t, NewMemoryQueue(nil), 0)
	c := newTestClient(t, srv.URL, &fakeClock{}, time.Minute)

	_, err := c.GetJob(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.EqualValues(t, 1, atomic.LoadInt32(calls), "not found is not retried")
}

func TestHTTPClientRetriesTransientFailures(t *testing.T) {
	q := NewMemoryQueue(nil)
	job, err := q.CreateJob(context.Background(), nil, KindDocker, Metadata{})
	require.NoError(t, err)

	srv, calls := fakeQueueServer(t, q, 3)
	clock := &fakeClock{now: time.Unix(0, 0)}
	c := newTestClient(t, srv.URL, clock, time.Minute)

	got, err := c.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, job.ID, got.ID)
	assert.EqualValues(t, 4, atomic.LoadInt32(calls))
	assert.Len(t, clock.slept, 3)
}

func TestHTTPClientOutageBudget(t *testing.T) {
	srv, _ := fakeQueueServer(t, NewMemoryQueue(nil), 1000)
	clock := &fakeClock{now: time.Unix(0, 0)}
	c := newTestClient(t, srv.URL, clock, 5*time.Second)

	_, err := c.ListJobs(context.Background(), ListRequest{Kind: KindPoint})
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Len(t, clock.slept, 5)
}

func TestHTTPClientCreateRejected(t *testing.T) {
	srv, calls := fakeQueueServer(t, NewMemoryQueue(nil), 0)
	c := newTestClient(t, srv.URL, &fakeClock{}, time.Minute)

	_, err := c.CreateJob(context.Background(), nil, JobKind("cron"), Metadata{})
	assert.ErrorIs(t, err, ErrRejected)
	assert.EqualValues(t, 1, atomic.LoadInt32(calls))
}

func TestHTTPClientRejectsMalformedJob(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"id":"1","status":"EXPLODED"}`))
	}))
	defer srv.Close()
	c := newTestClient(t, srv.URL, &fakeClock{}, time.Minute)

	_, err := c.GetJob(context.Background(), "1")
	assert.ErrorIs(t, err, ErrParse)
}

func TestHTTPClientUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	clock := &fakeClock{now: time.Unix(0, 0)}
	c := newTestClient(t, url, clock, 3*time.Second)

	_, err := c.CreateJob(context.Background(), nil, KindDocker, Metadata{})
	assert.ErrorIs(t, err, ErrUnavailable, "refused connections never reached the queue")
}

func TestNewHTTPClientValidatesURL(t *testing.T) {
	_, err := NewHTTPClient(HTTPConfig{BaseURL: "localhost"}, nil)
	assert.Error(t, err)
}

func TestExponentialBackoff(t *testing.T) {
	b := &ExponentialBackoff{BaseDelay: time.Second, MaxDelay: 10 * time.Second, Multiplier: 2}
	assert.Equal(t, time.Second, b.NextDelay(0))
	assert.Equal(t, 4*time.Second, b.NextDelay(2))
	assert.Equal(t, 10*time.Second, b.NextDelay(8))

	j := NewExponentialBackoff(time.Second, time.Minute)
	d := j.NextDelay(1)
	assert.GreaterOrEqual(t, d, time.Second)
	assert.Less(t, d, 3*time.Second)
}
