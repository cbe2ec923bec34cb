package job

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"time"
)

type Status string

const (
	StatusPending   Status = "PENDING"
	StatusRunning   Status = "RUNNING"
	StatusRetrying  Status = "RETRYING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
)

type Type string

const (
	TypeSyncLocations Type = "SYNC_LOCATIONS"
	TypeSyncReviews   Type = "SYNC_REVIEWS"
	TypeGenerateDraft Type = "GENERATE_DRAFT"
	TypeVerifyDraft   Type = "VERIFY_DRAFT"
	TypePostReply     Type = "POST_REPLY"
)

// Types lists every handler kind in a stable order.
var Types = []Type{TypeSyncLocations, TypeSyncReviews, TypeGenerateDraft, TypeVerifyDraft, TypePostReply}

// StaleLockThreshold is how long a RUNNING job may hold its lock before it is
// presumed abandoned by a crashed worker.
const StaleLockThreshold = 15 * time.Minute

type Job struct {
	ID                   string          `json:"id"`
	OrgID                string          `json:"orgId"`
	Type                 Type            `json:"type"`
	Payload              json.RawMessage `json:"payload,omitempty"`
	Status               Status          `json:"status"`
	Attempts             int             `json:"attempts"`
	MaxAttempts          int             `json:"maxAttempts"`
	RunAt                time.Time       `json:"runAt"`
	LockedAt             *time.Time      `json:"lockedAt,omitempty"`
	LockedBy             *string         `json:"lockedBy,omitempty"`
	CompletedAt          *time.Time      `json:"completedAt,omitempty"`
	DedupKey             *string         `json:"dedupKey,omitempty"`
	LastError            *string         `json:"lastError,omitempty"`
	LastErrorCode        *string         `json:"lastErrorCode,omitempty"`
	LastErrorMeta        json.RawMessage `json:"lastErrorMeta,omitempty"`
	TriggeredByUserID    *string         `json:"triggeredByUserId,omitempty"`
	TriggeredByRequestID *string         `json:"triggeredByRequestId,omitempty"`
	CreatedAt            time.Time       `json:"createdAt"`
}

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Stale reports whether the job has held its lock for at least threshold,
// matching the SQL stale predicate (locked_at <= cutoff). Only RUNNING jobs
// can be stale; lockedAt is always set for RUNNING rows.
func (j *Job) Stale(now time.Time, threshold time.Duration) bool {
	if j.Status != StatusRunning || j.LockedAt == nil {
		return false
	}
	return now.Sub(*j.LockedAt) >= threshold
}

// RetryAfter derives the client hint for when the job will next be eligible.
// Returns 0 when no hint applies.
func (j *Job) RetryAfter(now time.Time) time.Duration {
	if j.Status != StatusRetrying {
		return 0
	}
	if d := j.RunAt.Sub(now); d > 0 {
		return d
	}
	return 0
}

// MaxAttemptsForType returns the retry ceiling for a handler kind. Posting
// and AI calls are expensive upstream operations and give up sooner than
// syncs.
func MaxAttemptsForType(t Type) int {
	switch t {
	case TypePostReply:
		return 5
	case TypeGenerateDraft, TypeVerifyDraft:
		return 4
	default:
		return 8
	}
}

const (
	backoffBase = 10 * time.Second
	backoffMax  = 15 * time.Minute
)

// Backoff computes the retry delay for the given completed attempt count:
// exponential from 10s, capped at 15m, with up to 2s of jitter against
// thundering herds.
func Backoff(attempts int) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	d := backoffBase
	for i := 0; i < attempts; i++ {
		d *= 2
		if d >= backoffMax {
			d = backoffMax
			break
		}
	}
	jitter := time.Duration(rand.Int63n(int64(2 * time.Second)))
	if d+jitter > backoffMax {
		return backoffMax
	}
	return d + jitter
}

// RetryableError marks a handler failure that should be retried while
// attempts remain.
type RetryableError struct {
	Code    string
	Message string
	Meta    map[string]any
}

func (e *RetryableError) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NonRetryableError marks a handler failure that must fail the job
// immediately regardless of remaining attempts.
type NonRetryableError struct {
	Code    string
	Message string
	Meta    map[string]any
}

func (e *NonRetryableError) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// TruncateError bounds stored error text so a pathological upstream message
// cannot bloat the row.
func TruncateError(msg string) string {
	const max = 2000
	if len(msg) > max {
		return msg[:max]
	}
	return msg
}
