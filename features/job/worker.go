package job

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"replydesk/backend/internal/telemetry"
)

// HandlerFunc executes one job of its registered type. Handlers are opaque to the
// queue; they must be idempotent since execution is at-least-once.
type HandlerFunc func(ctx context.Context, j *Job) error

type RunResult struct {
	ID    string `json:"id"`
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

type RunReport struct {
	Claimed int         `json:"claimed"`
	Results []RunResult `json:"results"`
}

// Worker claims eligible jobs and executes their handlers. Mutual exclusion
// is entirely the store's conditional-update claim; the worker holds no
// in-process lock across calls.
type Worker struct {
	repo     Repository
	pub      EventPublisher
	handlers map[Type]HandlerFunc
	workerID string
	batch    int
	now      func() time.Time
}

func NewWorker(repo Repository, pub EventPublisher, workerID string, batch int) *Worker {
	if batch <= 0 {
		batch = 10
	}
	return &Worker{
		repo:     repo,
		pub:      pub,
		handlers: make(map[Type]HandlerFunc),
		workerID: workerID,
		batch:    batch,
		now:      time.Now,
	}
}

func (w *Worker) WithClock(now func() time.Time) *Worker {
	w.now = now
	return w
}

func (w *Worker) Register(t Type, h HandlerFunc) {
	if h == nil {
		return
	}
	w.handlers[t] = h
}

// RunOnce claims up to the batch size and executes each claimed job. Zero
// claimed jobs is a normal, cheap no-op.
func (w *Worker) RunOnce(ctx context.Context) (*RunReport, error) {
	if backlog, err := w.repo.CountEligible(ctx, w.now()); err == nil {
		telemetry.BacklogGauge.Set(float64(backlog))
	}

	claimed, err := w.repo.ClaimNext(ctx, w.batch, w.workerID, w.now())
	if err != nil {
		return nil, err
	}
	telemetry.JobsClaimed.Add(float64(len(claimed)))

	report := &RunReport{Claimed: len(claimed)}
	for i := range claimed {
		report.Results = append(report.Results, w.execute(ctx, &claimed[i]))
	}
	return report, nil
}

// Run drives RunOnce on a ticker until the context ends.
func (w *Worker) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			report, err := w.RunOnce(ctx)
			if err != nil {
				slog.ErrorContext(ctx, "worker pass failed", "error", err)
				continue
			}
			if report.Claimed > 0 {
				slog.InfoContext(ctx, "worker pass", "claimed", report.Claimed)
			}
		}
	}
}

func (w *Worker) execute(ctx context.Context, j *Job) RunResult {
	handler, ok := w.handlers[j.Type]
	if !ok {
		w.fail(ctx, j, j.Attempts+1, Failure{Message: "no handler registered", Code: "NO_HANDLER"})
		return RunResult{ID: j.ID, OK: false, Error: "no handler registered"}
	}

	err := handler(ctx, j)
	if err == nil {
		now := w.now()
		if mErr := w.repo.MarkCompleted(ctx, j.ID, now); mErr != nil {
			slog.ErrorContext(ctx, "mark completed failed", "jobId", j.ID, "error", mErr)
			return RunResult{ID: j.ID, OK: false, Error: mErr.Error()}
		}
		telemetry.JobsCompleted.Inc()
		w.publishLifecycle(ctx, j, StatusCompleted)
		return RunResult{ID: j.ID, OK: true}
	}

	attempts := j.Attempts + 1

	var fatal *NonRetryableError
	if errors.As(err, &fatal) {
		w.fail(ctx, j, attempts, Failure{Message: err.Error(), Code: fatal.Code, Meta: metaJSON(fatal.Meta)})
		return RunResult{ID: j.ID, OK: false, Error: err.Error()}
	}

	failure := Failure{Message: err.Error()}
	var retryable *RetryableError
	if errors.As(err, &retryable) {
		failure.Code = retryable.Code
		failure.Meta = metaJSON(retryable.Meta)
	}

	if attempts >= j.MaxAttempts {
		w.fail(ctx, j, attempts, failure)
		return RunResult{ID: j.ID, OK: false, Error: err.Error()}
	}

	runAt := w.now().Add(Backoff(j.Attempts))
	if mErr := w.repo.MarkRetrying(ctx, j.ID, attempts, runAt, failure); mErr != nil {
		slog.ErrorContext(ctx, "mark retrying failed", "jobId", j.ID, "error", mErr)
	} else {
		telemetry.JobsRetried.Inc()
	}
	return RunResult{ID: j.ID, OK: false, Error: err.Error()}
}

func (w *Worker) fail(ctx context.Context, j *Job, attempts int, failure Failure) {
	if err := w.repo.MarkFailed(ctx, j.ID, attempts, w.now(), failure); err != nil {
		slog.ErrorContext(ctx, "mark failed failed", "jobId", j.ID, "error", err)
		return
	}
	telemetry.JobsFailed.Inc()
	w.publishLifecycle(ctx, j, StatusFailed)
}

// publishLifecycle emits a best-effort terminal event for external
// consumers; the poll path remains the source of truth.
func (w *Worker) publishLifecycle(ctx context.Context, j *Job, status Status) {
	if w.pub == nil {
		return
	}
	body, _ := json.Marshal(map[string]any{
		"jobId":  j.ID,
		"orgId":  j.OrgID,
		"type":   j.Type,
		"status": status,
	})
	if err := w.pub.Publish(TopicLifecycle, body); err != nil {
		slog.WarnContext(ctx, "lifecycle publish failed", "jobId", j.ID, "error", err)
	}
}

func metaJSON(meta map[string]any) []byte {
	if len(meta) == 0 {
		return nil
	}
	raw, err := json.Marshal(meta)
	if err != nil {
		return nil
	}
	return raw
}
