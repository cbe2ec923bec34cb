package audit

import (
	"context"
	"encoding/json"
	"time"
)

// Entry is one immutable audit record, written after the store mutation it
// describes succeeded. Audit is diagnostic, not authoritative: a crash
// between mutation and audit loses the entry, which is accepted.
type Entry struct {
	ID          string          `json:"id"`
	OrgID       string          `json:"orgId"`
	ActorUserID string          `json:"actorUserId"`
	Action      string          `json:"action"`
	EntityType  string          `json:"entityType"`
	EntityID    string          `json:"entityId"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
}

const (
	ActionJobEnqueue         = "JOB_ENQUEUE"
	ActionJobRunNow          = "JOB_RUN_NOW"
	ActionJobReschedule      = "JOB_RESCHEDULE"
	ActionJobCancel          = "JOB_CANCEL"
	ActionJobForceUnlock     = "JOB_FORCE_UNLOCK"
	ActionJobRequeue         = "JOB_REQUEUE"
	ActionJobForceUnlockBulk = "JOB_FORCE_UNLOCK_BULK"
	ActionJobCancelBacklog   = "JOB_CANCEL_BACKLOG"

	EntityJob      = "Job"
	EntityJobBatch = "JobBatch"
)

// Logger appends audit entries. Implementations must be append-only.
type Logger interface {
	Append(ctx context.Context, e *Entry) error
}
