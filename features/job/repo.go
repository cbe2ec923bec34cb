package job

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// Repository is the durable job store. Every state transition is a
// conditional update; callers learn whether it applied from the returned
// affected-row count (or the returned job).
type Repository interface {
	Enqueue(ctx context.Context, p EnqueueParams) (*Job, error)
	Get(ctx context.Context, orgID, id string) (*Job, error)
	FindInflight(ctx context.Context, orgID string, typ Type, dedupKey string) (*Job, error)

	ClaimNext(ctx context.Context, limit int, workerID string, now time.Time) ([]Job, error)
	MarkCompleted(ctx context.Context, id string, now time.Time) error
	MarkRetrying(ctx context.Context, id string, attempts int, runAt time.Time, failure Failure) error
	MarkFailed(ctx context.Context, id string, attempts int, now time.Time, failure Failure) error

	RunNow(ctx context.Context, orgID, id string, now time.Time) (int64, error)
	Reschedule(ctx context.Context, orgID, id string, runAt time.Time) (int64, error)
	Cancel(ctx context.Context, orgID, id string, now, staleCutoff time.Time, meta []byte) (int64, error)
	ForceUnlock(ctx context.Context, orgID, id string, now, staleCutoff time.Time) (int64, error)

	ListByIDs(ctx context.Context, orgID string, ids []string) ([]Job, error)
	BulkForceUnlock(ctx context.Context, orgID string, ids []string, now, staleCutoff time.Time) (int64, error)
	SelectBacklog(ctx context.Context, orgID string, limit int, includeStaleRunning bool, staleCutoff time.Time) ([]string, error)
	BulkCancel(ctx context.Context, orgID string, ids []string, includeStaleRunning bool, now, staleCutoff time.Time, meta []byte) (int64, error)

	List(ctx context.Context, orgID string, f ListFilter, now time.Time) ([]Job, string, error)
	Summary(ctx context.Context, orgID string, since time.Time, detail bool) (*Summary, error)
	CountEligible(ctx context.Context, now time.Time) (int64, error)
}

type EnqueueParams struct {
	OrgID                string
	Type                 Type
	Payload              json.RawMessage
	DedupKey             string
	RunAt                time.Time
	TriggeredByUserID    string
	TriggeredByRequestID string
}

// Failure carries the diagnostic fields recorded on a retry or terminal
// failure.
type Failure struct {
	Message string
	Code    string
	Meta    []byte
}

type ListFilter struct {
	Status []Status
	Type   []Type
	Q      string
	Stale  bool
	Order  Order
	Cursor string
	Limit  int
}

type SummaryRow struct {
	Pending   int `json:"pending"`
	Running   int `json:"running"`
	Retrying  int `json:"retrying"`
	Failed24h int `json:"failed24h"`
}

type RecentFailure struct {
	ID            string          `json:"id"`
	Type          Type            `json:"type"`
	CompletedAt   *time.Time      `json:"completedAt,omitempty"`
	LastError     *string         `json:"lastError,omitempty"`
	LastErrorCode *string         `json:"lastErrorCode,omitempty"`
	LastErrorMeta json.RawMessage `json:"lastErrorMeta,omitempty"`
}

type Summary struct {
	ByType         map[Type]SummaryRow `json:"byType"`
	RecentFailures []RecentFailure     `json:"recentFailures,omitempty"`
}

type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo {
	return &PostgresRepo{db: db}
}

const jobColumns = `id, org_id, type, payload, status, attempts, max_attempts, run_at, locked_at, locked_by, completed_at, dedup_key, last_error, last_error_code, last_error_meta, triggered_by_user_id, triggered_by_request_id, created_at`

func scanJob(row interface{ Scan(...any) error }) (*Job, error) {
	j := &Job{}
	var payload, errMeta []byte
	if err := row.Scan(
		&j.ID, &j.OrgID, &j.Type, &payload, &j.Status, &j.Attempts, &j.MaxAttempts,
		&j.RunAt, &j.LockedAt, &j.LockedBy, &j.CompletedAt, &j.DedupKey,
		&j.LastError, &j.LastErrorCode, &errMeta,
		&j.TriggeredByUserID, &j.TriggeredByRequestID, &j.CreatedAt,
	); err != nil {
		return nil, err
	}
	if len(payload) > 0 {
		j.Payload = json.RawMessage(payload)
	}
	if len(errMeta) > 0 {
		j.LastErrorMeta = json.RawMessage(errMeta)
	}
	return j, nil
}

// ErrDedupConflict is returned by Enqueue when the partial unique index on
// (org_id, type, dedup_key) rejects the insert. ExistingID is the in-flight
// row holding the key, when it could be resolved.
type ErrDedupConflict struct {
	ExistingID string
}

func (e *ErrDedupConflict) Error() string {
	return "dedup key already in-flight"
}

func (r *PostgresRepo) Enqueue(ctx context.Context, p EnqueueParams) (*Job, error) {
	id := uuid.New().String()
	payload := p.Payload
	if payload == nil {
		payload = json.RawMessage(`{}`)
	}
	var dedup *string
	if p.DedupKey != "" {
		dedup = &p.DedupKey
	}
	var userID, reqID *string
	if p.TriggeredByUserID != "" {
		userID = &p.TriggeredByUserID
	}
	if p.TriggeredByRequestID != "" {
		reqID = &p.TriggeredByRequestID
	}

	query := `INSERT INTO jobs (id, org_id, type, payload, status, attempts, max_attempts, run_at, dedup_key, triggered_by_user_id, triggered_by_request_id)
		VALUES ($1, $2, $3, $4, 'PENDING', 0, $5, $6, $7, $8, $9)
		RETURNING ` + jobColumns
	row := r.db.QueryRowContext(ctx, query,
		id, p.OrgID, p.Type, []byte(payload), MaxAttemptsForType(p.Type), p.RunAt, dedup, userID, reqID)

	j, err := scanJob(row)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" && dedup != nil {
			existing, findErr := r.FindInflight(ctx, p.OrgID, p.Type, p.DedupKey)
			conflict := &ErrDedupConflict{}
			if findErr == nil && existing != nil {
				conflict.ExistingID = existing.ID
			}
			return nil, conflict
		}
		return nil, fmt.Errorf("enqueue job: %w", err)
	}
	return j, nil
}

func (r *PostgresRepo) Get(ctx context.Context, orgID, id string) (*Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE id = $1 AND org_id = $2`
	return scanJob(r.db.QueryRowContext(ctx, query, id, orgID))
}

func (r *PostgresRepo) FindInflight(ctx context.Context, orgID string, typ Type, dedupKey string) (*Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs
		WHERE org_id = $1 AND type = $2 AND dedup_key = $3 AND status IN ('PENDING','RUNNING','RETRYING')
		LIMIT 1`
	return scanJob(r.db.QueryRowContext(ctx, query, orgID, typ, dedupKey))
}

// ClaimNext selects eligible rows, then claims each with a conditional
// update on locked_at IS NULL. Rows claimed by a concurrent caller between
// the select and the update lose the race and are skipped.
func (r *PostgresRepo) ClaimNext(ctx context.Context, limit int, workerID string, now time.Time) ([]Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs
		WHERE status IN ('PENDING','RETRYING') AND locked_at IS NULL AND run_at <= $1
		ORDER BY run_at ASC, id ASC
		LIMIT $2`
	rows, err := r.db.QueryContext(ctx, query, now, limit)
	if err != nil {
		return nil, fmt.Errorf("select claimable: %w", err)
	}
	defer rows.Close()

	var candidates []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan claimable: %w", err)
		}
		candidates = append(candidates, *j)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	claim := `UPDATE jobs SET status = 'RUNNING', locked_at = $2, locked_by = $3
		WHERE id = $1 AND status IN ('PENDING','RETRYING') AND locked_at IS NULL`
	var claimed []Job
	for i := range candidates {
		res, err := r.db.ExecContext(ctx, claim, candidates[i].ID, now, workerID)
		if err != nil {
			return claimed, fmt.Errorf("claim job %s: %w", candidates[i].ID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return claimed, err
		}
		if n != 1 {
			// Lost the race to a concurrent claimer.
			continue
		}
		j := candidates[i]
		j.Status = StatusRunning
		lockedAt := now
		j.LockedAt = &lockedAt
		wid := workerID
		j.LockedBy = &wid
		claimed = append(claimed, j)
	}
	return claimed, nil
}

func (r *PostgresRepo) MarkCompleted(ctx context.Context, id string, now time.Time) error {
	query := `UPDATE jobs SET status = 'COMPLETED', completed_at = $2, locked_at = NULL, locked_by = NULL, last_error = NULL, last_error_code = NULL, last_error_meta = NULL
		WHERE id = $1 AND status = 'RUNNING'`
	res, err := r.db.ExecContext(ctx, query, id, now)
	if err != nil {
		return fmt.Errorf("mark completed: %w", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return fmt.Errorf("mark completed: job %s not running", id)
	}
	return nil
}

func (r *PostgresRepo) MarkRetrying(ctx context.Context, id string, attempts int, runAt time.Time, failure Failure) error {
	query := `UPDATE jobs SET status = 'RETRYING', attempts = $2, run_at = $3, locked_at = NULL, locked_by = NULL, completed_at = NULL, last_error = $4, last_error_code = $5, last_error_meta = $6
		WHERE id = $1 AND status = 'RUNNING'`
	res, err := r.db.ExecContext(ctx, query, id, attempts, runAt, TruncateError(failure.Message), nullable(failure.Code), nullableBytes(failure.Meta))
	if err != nil {
		return fmt.Errorf("mark retrying: %w", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return fmt.Errorf("mark retrying: job %s not running", id)
	}
	return nil
}

func (r *PostgresRepo) MarkFailed(ctx context.Context, id string, attempts int, now time.Time, failure Failure) error {
	query := `UPDATE jobs SET status = 'FAILED', attempts = $2, completed_at = $3, locked_at = NULL, locked_by = NULL, last_error = $4, last_error_code = $5, last_error_meta = $6
		WHERE id = $1 AND status = 'RUNNING'`
	res, err := r.db.ExecContext(ctx, query, id, attempts, now, TruncateError(failure.Message), nullable(failure.Code), nullableBytes(failure.Meta))
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return fmt.Errorf("mark failed: job %s not running", id)
	}
	return nil
}

func (r *PostgresRepo) RunNow(ctx context.Context, orgID, id string, now time.Time) (int64, error) {
	query := `UPDATE jobs SET run_at = $3
		WHERE id = $1 AND org_id = $2 AND status IN ('PENDING','RETRYING') AND locked_at IS NULL`
	return execCount(ctx, r.db, query, id, orgID, now)
}

func (r *PostgresRepo) Reschedule(ctx context.Context, orgID, id string, runAt time.Time) (int64, error) {
	query := `UPDATE jobs SET run_at = $3
		WHERE id = $1 AND org_id = $2 AND status IN ('PENDING','RETRYING') AND locked_at IS NULL`
	return execCount(ctx, r.db, query, id, orgID, runAt)
}

func (r *PostgresRepo) Cancel(ctx context.Context, orgID, id string, now, staleCutoff time.Time, meta []byte) (int64, error) {
	query := `UPDATE jobs SET status = 'CANCELLED', completed_at = $3, locked_at = NULL, locked_by = NULL, last_error = 'CANCELLED_BY_USER', last_error_code = 'CANCELLED_BY_USER', last_error_meta = $5
		WHERE id = $1 AND org_id = $2
		AND ((status IN ('PENDING','RETRYING') AND locked_at IS NULL) OR (status = 'RUNNING' AND locked_at <= $4))`
	return execCount(ctx, r.db, query, id, orgID, now, staleCutoff, nullableBytes(meta))
}

func (r *PostgresRepo) ForceUnlock(ctx context.Context, orgID, id string, now, staleCutoff time.Time) (int64, error) {
	query := `UPDATE jobs SET status = 'RETRYING', locked_at = NULL, locked_by = NULL, run_at = $3
		WHERE id = $1 AND org_id = $2 AND status = 'RUNNING' AND locked_at <= $4`
	return execCount(ctx, r.db, query, id, orgID, now, staleCutoff)
}

func (r *PostgresRepo) ListByIDs(ctx context.Context, orgID string, ids []string) ([]Job, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE org_id = $1 AND id = ANY($2)`
	rows, err := r.db.QueryContext(ctx, query, orgID, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("list by ids: %w", err)
	}
	defer rows.Close()
	return collectJobs(rows)
}

func (r *PostgresRepo) BulkForceUnlock(ctx context.Context, orgID string, ids []string, now, staleCutoff time.Time) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	query := `UPDATE jobs SET status = 'RETRYING', locked_at = NULL, locked_by = NULL, run_at = $2
		WHERE org_id = $1 AND id = ANY($3) AND status = 'RUNNING' AND locked_at <= $4`
	return execCount(ctx, r.db, query, orgID, now, pq.Array(ids), staleCutoff)
}

func (r *PostgresRepo) SelectBacklog(ctx context.Context, orgID string, limit int, includeStaleRunning bool, staleCutoff time.Time) ([]string, error) {
	query := `SELECT id FROM jobs
		WHERE org_id = $1 AND ((status IN ('PENDING','RETRYING') AND locked_at IS NULL)
			OR ($3 AND status = 'RUNNING' AND locked_at <= $4))
		ORDER BY run_at ASC, id ASC
		LIMIT $2`
	rows, err := r.db.QueryContext(ctx, query, orgID, limit, includeStaleRunning, staleCutoff)
	if err != nil {
		return nil, fmt.Errorf("select backlog: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// BulkCancel re-checks eligibility in the WHERE clause, so rows claimed or
// finished between selection and update are left alone and only the updated
// count shrinks.
func (r *PostgresRepo) BulkCancel(ctx context.Context, orgID string, ids []string, includeStaleRunning bool, now, staleCutoff time.Time, meta []byte) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	query := `UPDATE jobs SET status = 'CANCELLED', completed_at = $2, locked_at = NULL, locked_by = NULL, last_error = 'CANCELLED_BY_USER', last_error_code = 'CANCELLED_BY_USER', last_error_meta = $6
		WHERE org_id = $1 AND id = ANY($3)
		AND ((status IN ('PENDING','RETRYING') AND locked_at IS NULL)
			OR ($4 AND status = 'RUNNING' AND locked_at <= $5))`
	return execCount(ctx, r.db, query, orgID, now, pq.Array(ids), includeStaleRunning, staleCutoff, nullableBytes(meta))
}

func (r *PostgresRepo) List(ctx context.Context, orgID string, f ListFilter, now time.Time) ([]Job, string, error) {
	order := f.Order
	if order == "" {
		order = OrderCreatedAtDesc
	}

	where := []string{"org_id = $1"}
	args := []any{orgID}
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if len(f.Status) > 0 {
		statuses := make([]string, len(f.Status))
		for i, s := range f.Status {
			statuses[i] = string(s)
		}
		where = append(where, "status = ANY("+arg(pq.Array(statuses))+")")
	}
	if len(f.Type) > 0 {
		types := make([]string, len(f.Type))
		for i, t := range f.Type {
			types[i] = string(t)
		}
		where = append(where, "type = ANY("+arg(pq.Array(types))+")")
	}
	if f.Q != "" {
		q := arg(f.Q)
		where = append(where, "(id = "+q+" OR dedup_key LIKE '%' || "+q+" || '%')")
	}
	if f.Stale {
		where = append(where, "status = 'RUNNING'", "locked_at <= "+arg(now.Add(-StaleLockThreshold)))
	}

	var sortCol, direction string
	switch order {
	case OrderRunAtAsc:
		sortCol, direction = "run_at", "ASC"
	case OrderCompletedAtDesc:
		sortCol, direction = "completed_at", "DESC"
		where = append(where, "completed_at IS NOT NULL")
	default:
		sortCol, direction = "created_at", "DESC"
	}

	if f.Cursor != "" {
		c, err := DecodeCursor(f.Cursor, order)
		if err != nil {
			return nil, "", err
		}
		keyArg := arg(c.KeyTime())
		idArg := arg(c.ID)
		if direction == "ASC" {
			where = append(where, fmt.Sprintf("(%s > %s OR (%s = %s AND id > %s))", sortCol, keyArg, sortCol, keyArg, idArg))
		} else {
			where = append(where, fmt.Sprintf("(%s < %s OR (%s = %s AND id < %s))", sortCol, keyArg, sortCol, keyArg, idArg))
		}
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}

	query := fmt.Sprintf(`SELECT %s FROM jobs WHERE %s ORDER BY %s %s, id %s LIMIT %s`,
		jobColumns, strings.Join(where, " AND "), sortCol, direction, direction, arg(limit+1))

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, "", fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	jobs, err := collectJobs(rows)
	if err != nil {
		return nil, "", err
	}

	hasMore := len(jobs) > limit
	if hasMore {
		jobs = jobs[:limit]
	}
	nextCursor := ""
	if hasMore && len(jobs) > 0 {
		last := jobs[len(jobs)-1]
		var key time.Time
		switch order {
		case OrderRunAtAsc:
			key = last.RunAt
		case OrderCompletedAtDesc:
			if last.CompletedAt != nil {
				key = *last.CompletedAt
			}
		default:
			key = last.CreatedAt
		}
		nextCursor = EncodeCursor(order, key, last.ID)
	}
	return jobs, nextCursor, nil
}

// Summary aggregates active counts per type and failures since the given
// cutoff in a single grouped query.
func (r *PostgresRepo) Summary(ctx context.Context, orgID string, since time.Time, detail bool) (*Summary, error) {
	query := `SELECT type,
		COUNT(*) FILTER (WHERE status = 'PENDING'),
		COUNT(*) FILTER (WHERE status = 'RUNNING'),
		COUNT(*) FILTER (WHERE status = 'RETRYING'),
		COUNT(*) FILTER (WHERE status = 'FAILED' AND completed_at >= $2)
		FROM jobs
		WHERE org_id = $1 AND (status IN ('PENDING','RUNNING','RETRYING') OR (status = 'FAILED' AND completed_at >= $2))
		GROUP BY type`
	rows, err := r.db.QueryContext(ctx, query, orgID, since)
	if err != nil {
		return nil, fmt.Errorf("summary: %w", err)
	}
	defer rows.Close()

	s := &Summary{ByType: make(map[Type]SummaryRow, len(Types))}
	for _, t := range Types {
		s.ByType[t] = SummaryRow{}
	}
	for rows.Next() {
		var t Type
		var row SummaryRow
		if err := rows.Scan(&t, &row.Pending, &row.Running, &row.Retrying, &row.Failed24h); err != nil {
			return nil, err
		}
		s.ByType[t] = row
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if detail {
		fq := `SELECT id, type, completed_at, last_error, last_error_code, last_error_meta FROM jobs
			WHERE org_id = $1 AND status = 'FAILED' AND completed_at >= $2
			ORDER BY completed_at DESC
			LIMIT 20`
		frows, err := r.db.QueryContext(ctx, fq, orgID, since)
		if err != nil {
			return nil, fmt.Errorf("summary failures: %w", err)
		}
		defer frows.Close()
		for frows.Next() {
			var f RecentFailure
			var meta []byte
			if err := frows.Scan(&f.ID, &f.Type, &f.CompletedAt, &f.LastError, &f.LastErrorCode, &meta); err != nil {
				return nil, err
			}
			if len(meta) > 0 {
				f.LastErrorMeta = json.RawMessage(meta)
			}
			s.RecentFailures = append(s.RecentFailures, f)
		}
		if err := frows.Err(); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (r *PostgresRepo) CountEligible(ctx context.Context, now time.Time) (int64, error) {
	var n int64
	query := `SELECT COUNT(*) FROM jobs WHERE status IN ('PENDING','RETRYING') AND locked_at IS NULL AND run_at <= $1`
	err := r.db.QueryRowContext(ctx, query, now).Scan(&n)
	return n, err
}

func collectJobs(rows *sql.Rows) ([]Job, error) {
	var jobs []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *j)
	}
	return jobs, rows.Err()
}

func execCount(ctx context.Context, db *sql.DB, query string, args ...any) (int64, error) {
	res, err := db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nullableBytes(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	return b
}
