// Package jobwatch waits for a job to reach a terminal state, using a short
// server-sent-events push phase and falling back to adaptive polling. It is
// the client-side counterpart of the /jobs/{id}/events endpoint.
package jobwatch

import (
	"bufio"
	"container/list"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"replydesk/backend/features/job"
	"replydesk/backend/internal/middleware"
)

const (
	pollMinInterval = 900 * time.Millisecond
	pollMaxInterval = 3200 * time.Millisecond

	pushBudgetShare = 0.6
	pushBudgetMin   = 2 * time.Second
	pushBudgetMax   = 25 * time.Second

	// After the caller's timeout we allow a short grace for an in-flight
	// request to land before giving up.
	timeoutGrace = 2 * time.Second

	terminalCacheTTL = 30 * time.Second
	terminalCacheCap = 128
)

// Result is the outcome of one Await call. TimedOut is set when the job was
// still non-terminal at the deadline; Job is the freshest view we have, which
// may be nil when the watcher never reached the server.
type Result struct {
	Job      *job.Job
	Terminal bool
	TimedOut bool
}

// Session identifies the caller the watcher acts for.
type Session struct {
	OrgID  string
	UserID string
}

type cacheEntry struct {
	jobID    string
	job      *job.Job
	storedAt time.Time
}

// Watcher tracks jobs to completion against the backend HTTP API.
type Watcher struct {
	baseURL string
	client  *http.Client
	session Session

	mu      sync.Mutex
	order   *list.List
	entries map[string]*list.Element

	group singleflight.Group
	now   func() time.Time
}

func NewWatcher(baseURL string, client *http.Client, session Session) *Watcher {
	if client == nil {
		client = &http.Client{}
	}
	return &Watcher{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
		session: session,
		order:   list.New(),
		entries: make(map[string]*list.Element),
		now:     time.Now,
	}
}

func (w *Watcher) WithClock(now func() time.Time) *Watcher {
	w.now = now
	return w
}

// Await blocks until the job reaches a terminal status or timeout elapses.
// It never returns an error for a timeout; transient transport failures are
// absorbed into the poll loop. A zero timeout answers from the terminal
// cache without touching the network.
func (w *Watcher) Await(ctx context.Context, jobID string, timeout time.Duration) Result {
	if cached := w.cached(jobID); cached != nil {
		return Result{Job: cached, Terminal: true}
	}
	if timeout <= 0 {
		return Result{TimedOut: true}
	}

	// Concurrent waiters for the same job share one tracking loop.
	v, _, _ := w.group.Do(jobID, func() (any, error) {
		return w.track(ctx, jobID, timeout), nil
	})
	return v.(Result)
}

func (w *Watcher) track(ctx context.Context, jobID string, timeout time.Duration) Result {
	start := w.now()
	deadline := start.Add(timeout)
	hardStop := deadline.Add(timeoutGrace)

	// Every request in this loop dies with the hard stop, so a hung server
	// cannot hold Await past timeout plus grace.
	ctx, cancel := context.WithDeadline(ctx, hardStop)
	defer cancel()

	var last *job.Job

	// Push phase: ride the SSE stream for a bounded share of the budget.
	pushBudget := time.Duration(float64(timeout) * pushBudgetShare)
	if pushBudget < pushBudgetMin {
		pushBudget = pushBudgetMin
	}
	if pushBudget > pushBudgetMax {
		pushBudget = pushBudgetMax
	}
	if remaining := deadline.Sub(w.now()); pushBudget > remaining {
		pushBudget = remaining
	}
	if pushBudget > 0 {
		j, terminal := w.stream(ctx, jobID, pushBudget)
		if j != nil {
			last = j
		}
		if terminal {
			w.remember(last)
			return Result{Job: last, Terminal: true}
		}
	}

	// Poll phase: adaptive interval until terminal or deadline.
	interval := pollMinInterval
	for {
		now := w.now()
		if !now.Before(deadline) || ctx.Err() != nil {
			return Result{Job: last, TimedOut: true}
		}

		j, retryAfter, err := w.fetch(ctx, jobID)
		if err != nil {
			slog.DebugContext(ctx, "job poll failed", "jobId", jobID, "error", err)
		} else {
			last = j
			if j.Status.Terminal() {
				w.remember(j)
				return Result{Job: j, Terminal: true}
			}
			interval = nextInterval(j, retryAfter)
		}

		if w.now().Add(interval).After(hardStop) {
			return Result{Job: last, TimedOut: true}
		}
		select {
		case <-ctx.Done():
			return Result{Job: last, TimedOut: true}
		case <-time.After(interval):
		}
	}
}

// nextInterval picks the next poll delay from the server hint and the job's
// retry posture, clamped to the allowed window.
func nextInterval(j *job.Job, retryAfterSec int) time.Duration {
	interval := pollMinInterval
	if retryAfterSec > 0 {
		interval = time.Duration(retryAfterSec) * time.Second
	} else if j.Status == job.StatusRetrying {
		interval = pollMinInterval * time.Duration(1+j.Attempts)
	}
	if interval < pollMinInterval {
		interval = pollMinInterval
	}
	if interval > pollMaxInterval {
		interval = pollMaxInterval
	}
	return interval
}

type eventFrame struct {
	Kind string `json:"kind"`
	Job  *struct {
		job.Job
		RetryAfterSec *int `json:"retryAfterSec"`
	} `json:"job"`
}

// stream consumes the SSE endpoint for at most budget, returning the last
// job view seen and whether a terminal frame arrived.
func (w *Watcher) stream(ctx context.Context, jobID string, budget time.Duration) (*job.Job, bool) {
	sctx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	url := fmt.Sprintf("%s/jobs/%s/events?timeoutMs=%d", w.baseURL, jobID, budget.Milliseconds())
	req, err := http.NewRequestWithContext(sctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, false
	}
	w.decorate(req)
	req.Header.Set("Accept", "text/event-stream")

	resp, err := w.client.Do(req)
	if err != nil {
		return nil, false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return nil, false
	}

	var last *job.Job
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 16*1024), 256*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var frame eventFrame
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &frame); err != nil {
			continue
		}
		if frame.Job != nil {
			last = &frame.Job.Job
		}
		switch frame.Kind {
		case "terminal":
			return last, true
		case "timeout", "error":
			return last, false
		}
	}
	return last, false
}

func (w *Watcher) fetch(ctx context.Context, jobID string) (*job.Job, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, w.baseURL+"/jobs/"+jobID, nil)
	if err != nil {
		return nil, 0, err
	}
	w.decorate(req)

	resp, err := w.client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return nil, 0, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var body struct {
		Job *struct {
			job.Job
			RetryAfterSec *int `json:"retryAfterSec"`
		} `json:"job"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, 0, err
	}
	if body.Job == nil {
		return nil, 0, fmt.Errorf("empty job response")
	}
	retryAfter := 0
	if body.Job.RetryAfterSec != nil {
		retryAfter = *body.Job.RetryAfterSec
	}
	return &body.Job.Job, retryAfter, nil
}

func (w *Watcher) decorate(req *http.Request) {
	req.Header.Set(middleware.HeaderOrgID, w.session.OrgID)
	req.Header.Set(middleware.HeaderUserID, w.session.UserID)
}

func (w *Watcher) cached(jobID string) *job.Job {
	w.mu.Lock()
	defer w.mu.Unlock()
	el, ok := w.entries[jobID]
	if !ok {
		return nil
	}
	entry := el.Value.(*cacheEntry)
	if w.now().Sub(entry.storedAt) > terminalCacheTTL {
		w.order.Remove(el)
		delete(w.entries, jobID)
		return nil
	}
	return entry.job
}

func (w *Watcher) remember(j *job.Job) {
	if j == nil || !j.Status.Terminal() {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if el, ok := w.entries[j.ID]; ok {
		el.Value.(*cacheEntry).job = j
		el.Value.(*cacheEntry).storedAt = w.now()
		w.order.MoveToFront(el)
		return
	}
	for w.order.Len() >= terminalCacheCap {
		oldest := w.order.Back()
		w.order.Remove(oldest)
		delete(w.entries, oldest.Value.(*cacheEntry).jobID)
	}
	w.entries[j.ID] = w.order.PushFront(&cacheEntry{jobID: j.ID, job: j, storedAt: w.now()})
}
