package jobwatch

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"replydesk/backend/features/job"
)

type fakeBackend struct {
	mu          sync.Mutex
	job         job.Job
	getCalls    atomic.Int64
	streamCalls atomic.Int64
	streamDelay time.Duration
	getDelay    time.Duration
}

func (b *fakeBackend) setStatus(s job.Status) {
	b.mu.Lock()
	b.job.Status = s
	b.mu.Unlock()
}

func (b *fakeBackend) current() job.Job {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.job
}

func (b *fakeBackend) server() *httptest.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /jobs/{id}/events", func(w http.ResponseWriter, r *http.Request) {
		b.streamCalls.Add(1)
		if b.streamDelay > 0 {
			time.Sleep(b.streamDelay)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		j := b.current()
		kind := "snapshot"
		if j.Status.Terminal() {
			kind = "terminal"
		}
		raw, _ := json.Marshal(map[string]any{"kind": kind, "job": j})
		fmt.Fprintf(w, "event: job\ndata: %s\n\n", raw)
		if kind != "terminal" {
			raw, _ = json.Marshal(map[string]any{"kind": "timeout", "job": j})
			fmt.Fprintf(w, "event: timeout\ndata: %s\n\n", raw)
		}
	})
	mux.HandleFunc("GET /jobs/{id}", func(w http.ResponseWriter, r *http.Request) {
		b.getCalls.Add(1)
		if b.getDelay > 0 {
			select {
			case <-time.After(b.getDelay):
			case <-r.Context().Done():
				return
			}
		}
		j := b.current()
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"job": j})
	})
	return httptest.NewServer(mux)
}

func newBackend(status job.Status) *fakeBackend {
	return &fakeBackend{job: job.Job{ID: "job-1", OrgID: "org-1", Status: status}}
}

func newWatcher(srv *httptest.Server) *Watcher {
	return NewWatcher(srv.URL, srv.Client(), Session{OrgID: "org-1", UserID: "user-1"})
}

func TestWatcher_Await_ZeroTimeoutNoNetwork(t *testing.T) {
	backend := newBackend(job.StatusRunning)
	srv := backend.server()
	defer srv.Close()

	w := newWatcher(srv)
	result := w.Await(context.Background(), "job-1", 0)

	assert.True(t, result.TimedOut)
	assert.False(t, result.Terminal)
	assert.Zero(t, backend.getCalls.Load())
	assert.Zero(t, backend.streamCalls.Load())
}

func TestWatcher_Await_TerminalOverPush(t *testing.T) {
	backend := newBackend(job.StatusCompleted)
	srv := backend.server()
	defer srv.Close()

	w := newWatcher(srv)
	result := w.Await(context.Background(), "job-1", 10*time.Second)

	require.True(t, result.Terminal)
	assert.False(t, result.TimedOut)
	require.NotNil(t, result.Job)
	assert.Equal(t, job.StatusCompleted, result.Job.Status)
	// Push answered it before any poll was needed.
	assert.Zero(t, backend.getCalls.Load())
}

func TestWatcher_Await_FallsBackToPolling(t *testing.T) {
	backend := newBackend(job.StatusRunning)
	srv := backend.server()
	defer srv.Close()

	w := newWatcher(srv)

	// The stream ends non-terminal; the job finishes while polling.
	go func() {
		time.Sleep(500 * time.Millisecond)
		backend.setStatus(job.StatusCompleted)
	}()

	result := w.Await(context.Background(), "job-1", 15*time.Second)
	require.True(t, result.Terminal)
	assert.Equal(t, job.StatusCompleted, result.Job.Status)
	assert.Greater(t, backend.getCalls.Load(), int64(0))
}

func TestWatcher_Await_TimeoutIsAValueNotAnError(t *testing.T) {
	backend := newBackend(job.StatusRunning)
	srv := backend.server()
	defer srv.Close()

	w := newWatcher(srv)

	start := time.Now()
	result := w.Await(context.Background(), "job-1", 2*time.Second)
	elapsed := time.Since(start)

	assert.True(t, result.TimedOut)
	assert.False(t, result.Terminal)
	require.NotNil(t, result.Job)
	assert.Equal(t, job.StatusRunning, result.Job.Status)
	// Never exceeds the timeout plus the grace window.
	assert.Less(t, elapsed, 2*time.Second+timeoutGrace+time.Second)
}

func TestWatcher_Await_HungPollDoesNotOutliveDeadline(t *testing.T) {
	backend := newBackend(job.StatusRunning)
	backend.getDelay = 12 * time.Second
	srv := backend.server()
	defer srv.Close()

	w := newWatcher(srv)

	// The stream ends non-terminal right away, so the watcher enters the poll
	// phase and its first request stalls well past the deadline.
	start := time.Now()
	result := w.Await(context.Background(), "job-1", 2*time.Second)
	elapsed := time.Since(start)

	assert.True(t, result.TimedOut)
	assert.False(t, result.Terminal)
	assert.Less(t, elapsed, 2*time.Second+timeoutGrace+time.Second)
}

func TestWatcher_Await_TerminalCacheHit(t *testing.T) {
	backend := newBackend(job.StatusCompleted)
	srv := backend.server()
	defer srv.Close()

	w := newWatcher(srv)

	first := w.Await(context.Background(), "job-1", 10*time.Second)
	require.True(t, first.Terminal)
	streams := backend.streamCalls.Load()

	// Cached terminal result answers even a zero-timeout call, with no new
	// network traffic.
	second := w.Await(context.Background(), "job-1", 0)
	assert.True(t, second.Terminal)
	assert.Equal(t, streams, backend.streamCalls.Load())
	assert.Zero(t, backend.getCalls.Load())
}

func TestWatcher_Await_CoalescesConcurrentWaiters(t *testing.T) {
	backend := newBackend(job.StatusCompleted)
	backend.streamDelay = 300 * time.Millisecond
	srv := backend.server()
	defer srv.Close()

	w := newWatcher(srv)

	var wg sync.WaitGroup
	results := make([]Result, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = w.Await(context.Background(), "job-1", 10*time.Second)
		}(i)
	}
	wg.Wait()

	for _, r := range results {
		assert.True(t, r.Terminal)
	}
	assert.Equal(t, int64(1), backend.streamCalls.Load())
}

func TestNextInterval(t *testing.T) {
	running := &job.Job{Status: job.StatusRunning}
	assert.Equal(t, pollMinInterval, nextInterval(running, 0))

	// Server hint wins, clamped to the window.
	assert.Equal(t, 2*time.Second, nextInterval(running, 2))
	assert.Equal(t, pollMaxInterval, nextInterval(running, 60))

	// RETRYING scales with attempts, still clamped.
	retrying := &job.Job{Status: job.StatusRetrying, Attempts: 1}
	assert.Equal(t, 2*pollMinInterval, nextInterval(retrying, 0))
	retrying.Attempts = 10
	assert.Equal(t, pollMaxInterval, nextInterval(retrying, 0))
}
