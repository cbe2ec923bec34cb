package job

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"replydesk/backend/internal/apierr"
	"replydesk/backend/internal/middleware"
)

const (
	streamPollInterval   = 900 * time.Millisecond
	streamDefaultTimeout = 10 * time.Second
	streamMinTimeout     = time.Second
	streamMaxTimeout     = 30 * time.Second
)

type Handler struct {
	service       *Service
	summary       *SummaryService
	worker        *Worker
	workerEnabled bool
	listMaxLimit  int
}

func NewHandler(service *Service, summary *SummaryService, worker *Worker, workerEnabled bool, listMaxLimit int) *Handler {
	if listMaxLimit <= 0 {
		listMaxLimit = 100
	}
	return &Handler{
		service:       service,
		summary:       summary,
		worker:        worker,
		workerEnabled: workerEnabled,
		listMaxLimit:  listMaxLimit,
	}
}

// jobView is the wire shape of a job: the row with its payload redacted to
// the per-type allowlist, plus the derived retry-after hint that clients feed
// into their poll delay.
type jobView struct {
	*Job
	Payload       json.RawMessage `json:"payload,omitempty"`
	RetryAfterSec *int            `json:"retryAfterSec,omitempty"`
}

func viewOf(j *Job, now time.Time) jobView {
	v := jobView{Job: j, Payload: redactPayload(j.Type, j.Payload)}
	if d := j.RetryAfter(now); d > 0 {
		sec := int(math.Ceil(d.Seconds()))
		v.RetryAfterSec = &sec
	}
	return v
}

func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sess, _ := middleware.GetSession(ctx)

	f, err := h.parseListFilter(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	jobs, nextCursor, err := h.service.List(ctx, sess.OrgID, *f)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	now := time.Now()
	views := make([]jobView, 0, len(jobs))
	for i := range jobs {
		views = append(views, viewOf(&jobs[i], now))
	}
	resp := map[string]any{"jobs": views}
	if nextCursor != "" {
		resp["nextCursor"] = nextCursor
	}
	h.writeJSON(w, r, http.StatusOK, resp)
}

func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sess, _ := middleware.GetSession(ctx)

	j, err := h.service.Get(ctx, sess.OrgID, r.PathValue("id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, r, http.StatusOK, map[string]any{"job": viewOf(j, time.Now())})
}

type enqueueRequest struct {
	Type     Type            `json:"type"`
	Payload  json.RawMessage `json:"payload"`
	DedupKey string          `json:"dedupKey"`
}

func (h *Handler) Enqueue(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sess, _ := middleware.GetSession(ctx)

	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, apierr.BadRequest("Invalid body."))
		return
	}

	actor := Actor{OrgID: sess.OrgID, UserID: sess.UserID, RequestID: middleware.GetCorrelationID(ctx)}
	ids, err := h.enqueueAll(ctx, actor, req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	slog.InfoContext(ctx, "jobs enqueued", "jobIds", ids, "type", req.Type)
	h.writeJSON(w, r, http.StatusOK, map[string]any{"jobIds": ids})
}

// enqueueAll fans a sync request out to one job per location when the payload
// names several. A dedup collision on one location means that location's sync
// is already in flight, so its existing job id is returned instead of a 409.
func (h *Handler) enqueueAll(ctx context.Context, actor Actor, req enqueueRequest) ([]string, error) {
	fanout := struct {
		LocationIDs []string `json:"locationIds"`
	}{}
	isSync := req.Type == TypeSyncLocations || req.Type == TypeSyncReviews
	if isSync && len(req.Payload) > 0 {
		_ = json.Unmarshal(req.Payload, &fanout)
	}
	if len(fanout.LocationIDs) < 2 {
		j, err := h.service.Enqueue(ctx, actor, req.Type, req.Payload, req.DedupKey)
		if err != nil {
			return nil, err
		}
		return []string{j.ID}, nil
	}

	ids := make([]string, 0, len(fanout.LocationIDs))
	for _, loc := range fanout.LocationIDs {
		payload, _ := json.Marshal(map[string]string{"locationId": loc})
		dedupKey := req.DedupKey
		if dedupKey != "" {
			dedupKey = dedupKey + ":" + loc
		}
		j, err := h.service.Enqueue(ctx, actor, req.Type, payload, dedupKey)
		if err != nil {
			ae := apierr.From(err)
			if ae.Code == apierr.CodeDedupInflight {
				if existing, ok := ae.Details["existingJobId"].(string); ok {
					ids = append(ids, existing)
					continue
				}
			}
			return nil, err
		}
		ids = append(ids, j.ID)
	}
	return ids, nil
}

type actionRequest struct {
	Action   string `json:"action"`
	RunAtIso string `json:"runAtIso"`
}

func (h *Handler) Action(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sess, _ := middleware.GetSession(ctx)
	jobID := r.PathValue("id")

	var req actionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, apierr.BadRequest("Invalid body."))
		return
	}
	action, err := ParseAction(req.Action, req.RunAtIso)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	actor := Actor{OrgID: sess.OrgID, UserID: sess.UserID, RequestID: middleware.GetCorrelationID(ctx)}
	result, err := h.service.Apply(ctx, actor, jobID, action)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	slog.InfoContext(ctx, "job action applied", "jobId", jobID, "action", req.Action)
	resp := map[string]any{"job": viewOf(result.Job, time.Now())}
	if result.NewJobID != "" {
		resp["newJobId"] = result.NewJobID
	}
	h.writeJSON(w, r, http.StatusOK, resp)
}

type bulkActionRequest struct {
	Action              string   `json:"action"`
	JobIDs              []string `json:"jobIds"`
	Limit               int      `json:"limit"`
	IncludeStaleRunning *bool    `json:"includeStaleRunning"`
}

func (h *Handler) BulkAction(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sess, _ := middleware.GetSession(ctx)

	var req bulkActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, apierr.BadRequest("Invalid body."))
		return
	}

	actor := Actor{OrgID: sess.OrgID, UserID: sess.UserID, RequestID: middleware.GetCorrelationID(ctx)}

	var result *BulkResult
	var err error
	switch req.Action {
	case "FORCE_UNLOCK_STALE":
		result, err = h.service.ForceUnlockStale(ctx, actor, req.JobIDs)
	case "CANCEL_BACKLOG":
		includeStale := true
		if req.IncludeStaleRunning != nil {
			includeStale = *req.IncludeStaleRunning
		}
		result, err = h.service.CancelBacklog(ctx, actor, req.Limit, includeStale)
	default:
		err = apierr.BadRequest("Unsupported bulk action.")
	}
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	slog.InfoContext(ctx, "bulk job action applied", "action", req.Action, "updated", result.Updated)
	h.writeJSON(w, r, http.StatusOK, map[string]any{"requestId": actor.RequestID, "result": result})
}

func (h *Handler) Summary(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sess, _ := middleware.GetSession(ctx)
	detail := r.URL.Query().Get("detail") == "1"

	result, err := h.summary.Get(ctx, sess.OrgID, detail)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if result.Stale {
		w.Header().Set("X-Summary-Stale", "1")
	}
	h.writeJSON(w, r, http.StatusOK, map[string]any{"summary": result.Summary})
}

func (h *Handler) WorkerRun(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !h.workerEnabled {
		h.writeError(w, r, apierr.Unavailable("Job execution is disabled."))
		return
	}
	report, err := h.worker.RunOnce(ctx)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	slog.InfoContext(ctx, "worker run", "claimed", report.Claimed)
	h.writeJSON(w, r, http.StatusOK, report)
}

// Events streams job state over SSE until the job is terminal or the
// requested timeout elapses, then closes itself.
func (h *Handler) Events(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sess, _ := middleware.GetSession(ctx)
	jobID := r.PathValue("id")

	timeout := streamDefaultTimeout
	if raw := r.URL.Query().Get("timeoutMs"); raw != "" {
		ms, err := strconv.Atoi(raw)
		if err != nil || ms <= 0 {
			h.writeError(w, r, apierr.BadRequest("timeoutMs must be a positive integer."))
			return
		}
		timeout = time.Duration(ms) * time.Millisecond
		if timeout < streamMinTimeout {
			timeout = streamMinTimeout
		}
		if timeout > streamMaxTimeout {
			timeout = streamMaxTimeout
		}
	}

	current, err := h.service.Get(ctx, sess.OrgID, jobID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		h.writeError(w, r, apierr.Internal("Streaming unsupported."))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "private, no-cache, no-store, max-age=0, must-revalidate")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	emit := func(event string, payload any) {
		raw, _ := json.Marshal(payload)
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, raw)
		flusher.Flush()
	}

	kind := "snapshot"
	if current.Status.Terminal() {
		kind = "terminal"
	}
	emit("job", map[string]any{"kind": kind, "job": viewOf(current, time.Now())})
	if kind == "terminal" {
		return
	}

	lastStatus := current.Status
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(streamPollInterval)
	defer ticker.Stop()

	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		next, err := h.service.Get(ctx, sess.OrgID, jobID)
		if err != nil {
			emit("error", map[string]any{"kind": "error", "message": apierr.From(err).Message})
			return
		}
		if next.Status == lastStatus {
			continue
		}
		lastStatus = next.Status

		kind := "transition"
		if next.Status.Terminal() {
			kind = "terminal"
		}
		emit("job", map[string]any{"kind": kind, "job": viewOf(next, time.Now())})
		if kind == "terminal" {
			return
		}
		current = next
	}

	emit("timeout", map[string]any{"kind": "timeout", "job": viewOf(current, time.Now())})
}

func (h *Handler) parseListFilter(r *http.Request) (*ListFilter, error) {
	q := r.URL.Query()
	f := &ListFilter{Q: q.Get("q"), Cursor: q.Get("cursor"), Limit: 50}

	order, err := ParseOrder(q.Get("order"))
	if err != nil {
		return nil, err
	}
	f.Order = order

	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return nil, apierr.BadRequest("limit must be a positive integer.")
		}
		if n > h.listMaxLimit {
			n = h.listMaxLimit
		}
		f.Limit = n
	}

	if raw := q.Get("status"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			s := Status(strings.TrimSpace(part))
			switch s {
			case StatusPending, StatusRunning, StatusRetrying, StatusCompleted, StatusFailed, StatusCancelled:
				f.Status = append(f.Status, s)
			default:
				return nil, apierr.BadRequest("Unknown status filter.")
			}
		}
	}
	if raw := q.Get("type"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			t := Type(strings.TrimSpace(part))
			if !validType(t) {
				return nil, apierr.BadRequest("Unknown type filter.")
			}
			f.Type = append(f.Type, t)
		}
	}
	f.Stale = q.Get("stale") == "true" || q.Get("stale") == "1"
	return f, nil
}

func (h *Handler) writeJSON(w http.ResponseWriter, r *http.Request, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.ErrorContext(r.Context(), "failed to encode response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	ctx := r.Context()
	ae := apierr.From(err)
	if ae.Status >= http.StatusInternalServerError {
		slog.ErrorContext(ctx, "request failed", "error", err)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(ae.Status)
	resp := map[string]any{
		"error": map[string]any{
			"code":    ae.Code,
			"message": ae.Message,
		},
		"correlationId": middleware.GetCorrelationID(ctx),
	}
	if ae.Details != nil {
		resp["error"].(map[string]any)["details"] = ae.Details
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.Error("failed to encode error response", "error", err)
	}
}
