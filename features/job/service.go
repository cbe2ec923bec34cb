package job

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"replydesk/backend/features/audit"
	"replydesk/backend/internal/apierr"
	"replydesk/backend/internal/telemetry"
)

// TopicWake nudges the worker to run a claim pass without waiting for the
// next tick. TopicLifecycle carries terminal job transitions for external
// consumers.
const (
	TopicWake      = "jobs.wake"
	TopicLifecycle = "jobs.lifecycle"
)

type EventPublisher interface {
	Publish(topic string, body []byte) error
}

// ActionKind is the closed set of single-job owner actions.
type ActionKind string

const (
	ActionRunNow      ActionKind = "RUN_NOW"
	ActionReschedule  ActionKind = "RESCHEDULE"
	ActionCancel      ActionKind = "CANCEL"
	ActionForceUnlock ActionKind = "FORCE_UNLOCK"
	ActionRequeue     ActionKind = "REQUEUE"
)

// Action is a validated single-job action. RunAt is only meaningful for
// RESCHEDULE.
type Action struct {
	Kind  ActionKind
	RunAt time.Time
}

// ParseAction validates the raw action name and, for RESCHEDULE, the ISO
// run-at instant.
func ParseAction(raw, runAtIso string) (Action, error) {
	kind := ActionKind(raw)
	switch kind {
	case ActionRunNow, ActionCancel, ActionForceUnlock, ActionRequeue:
		return Action{Kind: kind}, nil
	case ActionReschedule:
		t, err := time.Parse(time.RFC3339, runAtIso)
		if err != nil {
			return Action{}, apierr.BadRequest("runAtIso must be a valid RFC 3339 instant.")
		}
		return Action{Kind: kind, RunAt: t}, nil
	}
	return Action{}, apierr.BadRequest("Unknown action.")
}

// Actor identifies who is performing a mutation, for provenance and audit.
type Actor struct {
	OrgID     string
	UserID    string
	RequestID string
}

type ActionResult struct {
	Job      *Job
	NewJobID string
}

type BulkResult struct {
	Requested int   `json:"requested"`
	Eligible  int   `json:"eligible"`
	Updated   int64 `json:"updated"`
}

type Service struct {
	repo          Repository
	auditor       audit.Logger
	pub           EventPublisher
	stale         time.Duration
	workerEnabled bool
	bulkMaxLimit  int
	now           func() time.Time
}

func NewService(repo Repository, auditor audit.Logger, pub EventPublisher, stale time.Duration, workerEnabled bool, bulkMaxLimit int) *Service {
	if stale <= 0 {
		stale = StaleLockThreshold
	}
	if bulkMaxLimit <= 0 {
		bulkMaxLimit = 500
	}
	return &Service{
		repo:          repo,
		auditor:       auditor,
		pub:           pub,
		stale:         stale,
		workerEnabled: workerEnabled,
		bulkMaxLimit:  bulkMaxLimit,
		now:           time.Now,
	}
}

// WithClock fixes the service clock, for tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

func (s *Service) Get(ctx context.Context, orgID, id string) (*Job, error) {
	j, err := s.repo.Get(ctx, orgID, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apierr.NotFound("Job not found.")
	}
	if err != nil {
		return nil, err
	}
	return j, nil
}

func (s *Service) List(ctx context.Context, orgID string, f ListFilter) ([]Job, string, error) {
	return s.repo.List(ctx, orgID, f, s.now())
}

// Enqueue inserts one PENDING job and wakes the worker. Idempotent replay of
// the whole request is layered on top by the idempotency middleware.
func (s *Service) Enqueue(ctx context.Context, actor Actor, typ Type, payload json.RawMessage, dedupKey string) (*Job, error) {
	if !s.workerEnabled {
		return nil, apierr.Unavailable("Job execution is disabled.")
	}
	if !validType(typ) {
		return nil, apierr.BadRequest("Unknown job type.")
	}

	j, err := s.repo.Enqueue(ctx, EnqueueParams{
		OrgID:                actor.OrgID,
		Type:                 typ,
		Payload:              payload,
		DedupKey:             dedupKey,
		RunAt:                s.now(),
		TriggeredByUserID:    actor.UserID,
		TriggeredByRequestID: actor.RequestID,
	})
	var conflict *ErrDedupConflict
	if errors.As(err, &conflict) {
		return nil, apierr.DedupInflight(conflict.ExistingID)
	}
	if err != nil {
		return nil, err
	}
	telemetry.JobsEnqueued.Inc()

	s.audit(ctx, &audit.Entry{
		OrgID:       actor.OrgID,
		ActorUserID: actor.UserID,
		Action:      audit.ActionJobEnqueue,
		EntityType:  audit.EntityJobBatch,
		EntityID:    actor.RequestID,
		Metadata:    mustJSON(map[string]any{"type": typ, "jobIds": []string{j.ID}, "requestId": actor.RequestID}),
	})
	s.publish(ctx, TopicWake, []byte(j.ID))
	return j, nil
}

// Apply performs one owner action against one job. RowsAffected != 1 on the
// conditional update means the job left the eligible state, reported as
// INVALID_STATE rather than silently ignored.
func (s *Service) Apply(ctx context.Context, actor Actor, jobID string, action Action) (*ActionResult, error) {
	j, err := s.Get(ctx, actor.OrgID, jobID)
	if err != nil {
		return nil, err
	}

	now := s.now()
	staleCutoff := now.Add(-s.stale)
	previous := j.Status

	var auditAction string
	auditMeta := map[string]any{"previousStatus": previous, "requestId": actor.RequestID}

	switch action.Kind {
	case ActionRunNow:
		if !s.workerEnabled {
			return nil, apierr.Unavailable("Job execution is disabled.")
		}
		n, err := s.repo.RunNow(ctx, actor.OrgID, jobID, now)
		if err != nil {
			return nil, err
		}
		if n != 1 {
			return nil, apierr.InvalidState("Job is not eligible for run-now.")
		}
		auditAction = audit.ActionJobRunNow
		s.publish(ctx, TopicWake, []byte(jobID))

	case ActionReschedule:
		n, err := s.repo.Reschedule(ctx, actor.OrgID, jobID, action.RunAt)
		if err != nil {
			return nil, err
		}
		if n != 1 {
			return nil, apierr.InvalidState("Job is not eligible for reschedule.")
		}
		auditAction = audit.ActionJobReschedule
		auditMeta["runAtIso"] = action.RunAt.UTC().Format(time.RFC3339)

	case ActionCancel:
		meta := mustJSON(map[string]any{"cancelledByUserId": actor.UserID, "requestId": actor.RequestID})
		n, err := s.repo.Cancel(ctx, actor.OrgID, jobID, now, staleCutoff, meta)
		if err != nil {
			return nil, err
		}
		if n != 1 {
			return nil, apierr.InvalidState("Job is not eligible for cancellation.")
		}
		auditAction = audit.ActionJobCancel

	case ActionForceUnlock:
		n, err := s.repo.ForceUnlock(ctx, actor.OrgID, jobID, now, staleCutoff)
		if err != nil {
			return nil, err
		}
		if n != 1 {
			return nil, apierr.InvalidState("Job is not eligible for force-unlock.")
		}
		auditAction = audit.ActionJobForceUnlock

	case ActionRequeue:
		return s.requeue(ctx, actor, j)

	default:
		return nil, apierr.BadRequest("Unknown action.")
	}

	telemetry.JobActions.WithLabelValues(string(action.Kind)).Inc()
	s.audit(ctx, &audit.Entry{
		OrgID:       actor.OrgID,
		ActorUserID: actor.UserID,
		Action:      auditAction,
		EntityType:  audit.EntityJob,
		EntityID:    jobID,
		Metadata:    mustJSON(auditMeta),
	})

	updated, err := s.Get(ctx, actor.OrgID, jobID)
	if err != nil {
		return nil, err
	}
	return &ActionResult{Job: updated}, nil
}

// requeue creates a new row copying type/payload/dedupKey; the source job is
// never mutated regardless of its status.
func (s *Service) requeue(ctx context.Context, actor Actor, source *Job) (*ActionResult, error) {
	dedup := ""
	if source.DedupKey != nil {
		dedup = *source.DedupKey
	}
	created, err := s.repo.Enqueue(ctx, EnqueueParams{
		OrgID:                actor.OrgID,
		Type:                 source.Type,
		Payload:              source.Payload,
		DedupKey:             dedup,
		RunAt:                s.now(),
		TriggeredByUserID:    actor.UserID,
		TriggeredByRequestID: actor.RequestID,
	})
	var conflict *ErrDedupConflict
	if errors.As(err, &conflict) {
		return nil, apierr.DedupInflight(conflict.ExistingID)
	}
	if err != nil {
		return nil, err
	}

	telemetry.JobActions.WithLabelValues(string(ActionRequeue)).Inc()
	s.audit(ctx, &audit.Entry{
		OrgID:       actor.OrgID,
		ActorUserID: actor.UserID,
		Action:      audit.ActionJobRequeue,
		EntityType:  audit.EntityJob,
		EntityID:    source.ID,
		Metadata:    mustJSON(map[string]any{"newJobId": created.ID, "requestId": actor.RequestID}),
	})
	s.publish(ctx, TopicWake, []byte(created.ID))
	return &ActionResult{Job: source, NewJobID: created.ID}, nil
}

// ForceUnlockStale force-unlocks exactly the stale-RUNNING subset of the
// given ids. The update re-checks staleness, so jobs refreshed concurrently
// only shrink the updated count.
func (s *Service) ForceUnlockStale(ctx context.Context, actor Actor, jobIDs []string) (*BulkResult, error) {
	if len(jobIDs) == 0 {
		return nil, apierr.BadRequest("jobIds is required.")
	}
	if len(jobIDs) > s.bulkMaxLimit {
		return nil, apierr.BadRequest(fmt.Sprintf("jobIds exceeds the limit of %d.", s.bulkMaxLimit))
	}
	now := s.now()
	staleCutoff := now.Add(-s.stale)

	jobs, err := s.repo.ListByIDs(ctx, actor.OrgID, jobIDs)
	if err != nil {
		return nil, err
	}
	var eligible []string
	for i := range jobs {
		if jobs[i].Status == StatusRunning && jobs[i].LockedAt != nil && !jobs[i].LockedAt.After(staleCutoff) {
			eligible = append(eligible, jobs[i].ID)
		}
	}

	var updated int64
	if len(eligible) > 0 {
		updated, err = s.repo.BulkForceUnlock(ctx, actor.OrgID, eligible, now, staleCutoff)
		if err != nil {
			return nil, err
		}
	}

	s.audit(ctx, &audit.Entry{
		OrgID:       actor.OrgID,
		ActorUserID: actor.UserID,
		Action:      audit.ActionJobForceUnlockBulk,
		EntityType:  audit.EntityJobBatch,
		EntityID:    actor.RequestID,
		Metadata: mustJSON(map[string]any{
			"jobIds": jobIDs, "eligibleCount": len(eligible), "updatedCount": updated, "requestId": actor.RequestID,
		}),
	})
	return &BulkResult{Requested: len(jobIDs), Eligible: len(eligible), Updated: updated}, nil
}

// CancelBacklog cancels up to limit unlocked PENDING/RETRYING jobs (and
// optionally stale RUNNING ones), oldest runAt first.
func (s *Service) CancelBacklog(ctx context.Context, actor Actor, limit int, includeStaleRunning bool) (*BulkResult, error) {
	if limit <= 0 || limit > s.bulkMaxLimit {
		limit = s.bulkMaxLimit
	}
	now := s.now()
	staleCutoff := now.Add(-s.stale)

	ids, err := s.repo.SelectBacklog(ctx, actor.OrgID, limit, includeStaleRunning, staleCutoff)
	if err != nil {
		return nil, err
	}

	var updated int64
	if len(ids) > 0 {
		meta := mustJSON(map[string]any{"cancelledByUserId": actor.UserID, "requestId": actor.RequestID, "bulk": true})
		updated, err = s.repo.BulkCancel(ctx, actor.OrgID, ids, includeStaleRunning, now, staleCutoff, meta)
		if err != nil {
			return nil, err
		}
	}

	s.audit(ctx, &audit.Entry{
		OrgID:       actor.OrgID,
		ActorUserID: actor.UserID,
		Action:      audit.ActionJobCancelBacklog,
		EntityType:  audit.EntityJobBatch,
		EntityID:    actor.RequestID,
		Metadata: mustJSON(map[string]any{
			"requestedLimit": limit, "includeStaleRunning": includeStaleRunning,
			"selectedCount": len(ids), "updatedCount": updated, "requestId": actor.RequestID,
		}),
	})
	return &BulkResult{Requested: limit, Eligible: len(ids), Updated: updated}, nil
}

// audit appends best-effort: a failed audit write never rolls back the
// mutation it describes.
func (s *Service) audit(ctx context.Context, e *audit.Entry) {
	if s.auditor == nil {
		return
	}
	if err := s.auditor.Append(ctx, e); err != nil {
		slog.WarnContext(ctx, "audit write failed", "action", e.Action, "entityId", e.EntityID, "error", err)
	}
}

func (s *Service) publish(ctx context.Context, topic string, body []byte) {
	if s.pub == nil {
		return
	}
	if err := s.pub.Publish(topic, body); err != nil {
		slog.WarnContext(ctx, "publish failed", "topic", topic, "error", err)
	}
}

func validType(t Type) bool {
	for _, known := range Types {
		if t == known {
			return true
		}
	}
	return false
}

func mustJSON(v map[string]any) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return raw
}
