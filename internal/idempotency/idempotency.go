// Package idempotency replays mutating requests byte-for-byte when the same
// Idempotency-Key is presented twice by the same caller for the same route.
package idempotency

import (
	"bytes"
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"replydesk/backend/internal/apierr"
	"replydesk/backend/internal/middleware"
)

const (
	HeaderKey = "Idempotency-Key"

	statusInProgress = "IN_PROGRESS"
	statusCompleted  = "COMPLETED"
)

// Record is a stored outcome of a keyed request.
type Record struct {
	ID           string
	OrgID        string
	UserID       string
	Method       string
	Path         string
	Key          string
	RequestHash  string
	Status       string
	ResponseCode int
	ResponseBody []byte
	CreatedAt    time.Time
}

type Store interface {
	// Begin claims the key. It returns the existing record when the key was
	// already claimed, or nil when this call won the claim.
	Begin(ctx context.Context, rec *Record) (*Record, error)
	Complete(ctx context.Context, id string, code int, body []byte) error
	Abandon(ctx context.Context, id string) error
}

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Begin(ctx context.Context, rec *Record) (*Record, error) {
	rec.ID = uuid.NewString()
	rec.Status = statusInProgress
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO api_idempotency_keys
			(id, org_id, user_id, method, path, idempotency_key, request_hash, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		rec.ID, rec.OrgID, rec.UserID, rec.Method, rec.Path, rec.Key, rec.RequestHash, rec.Status)
	if err == nil {
		return nil, nil
	}
	var pqErr *pq.Error
	if !errorsAsPq(err, &pqErr) || pqErr.Code != "23505" {
		return nil, err
	}

	existing := &Record{}
	var body []byte
	var code sql.NullInt64
	row := s.db.QueryRowContext(ctx, `
		SELECT id, request_hash, status, response_code, response_body, created_at
		FROM api_idempotency_keys
		WHERE org_id = $1 AND user_id = $2 AND method = $3 AND path = $4 AND idempotency_key = $5`,
		rec.OrgID, rec.UserID, rec.Method, rec.Path, rec.Key)
	if err := row.Scan(&existing.ID, &existing.RequestHash, &existing.Status, &code, &body, &existing.CreatedAt); err != nil {
		return nil, err
	}
	existing.ResponseCode = int(code.Int64)
	existing.ResponseBody = body
	return existing, nil
}

func (s *PostgresStore) Complete(ctx context.Context, id string, code int, body []byte) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE api_idempotency_keys
		SET status = $2, response_code = $3, response_body = $4
		WHERE id = $1`,
		id, statusCompleted, code, body)
	return err
}

func (s *PostgresStore) Abandon(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM api_idempotency_keys WHERE id = $1`, id)
	return err
}

func errorsAsPq(err error, target **pq.Error) bool {
	for err != nil {
		if pe, ok := err.(*pq.Error); ok {
			*target = pe
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// recorder buffers the downstream response so it can be stored and replayed.
type recorder struct {
	http.ResponseWriter
	code int
	buf  bytes.Buffer
}

func (r *recorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *recorder) Write(p []byte) (int, error) {
	r.buf.Write(p)
	return r.ResponseWriter.Write(p)
}

// Require wraps a mutating handler with idempotency-key enforcement. Requests
// without the header are rejected. A replayed key with an identical request
// body returns the stored response byte-for-byte; a reused key with a
// different body, or a key whose first request is still running, is a
// conflict.
func Require(store Store, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		key := r.Header.Get(HeaderKey)
		if key == "" {
			writeAPIError(w, ctx, apierr.PreconditionRequired("Idempotency-Key header is required."))
			return
		}
		sess, ok := middleware.GetSession(ctx)
		if !ok {
			writeAPIError(w, ctx, apierr.Unauthorized("Missing session."))
			return
		}

		body, err := io.ReadAll(r.Body)
		if err != nil {
			writeAPIError(w, ctx, apierr.BadRequest("Unable to read body."))
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))

		sum := sha256.Sum256(append([]byte(r.Method+" "+r.URL.Path+"\n"), body...))
		rec := &Record{
			OrgID:       sess.OrgID,
			UserID:      sess.UserID,
			Method:      r.Method,
			Path:        r.URL.Path,
			Key:         key,
			RequestHash: hex.EncodeToString(sum[:]),
		}

		existing, err := store.Begin(ctx, rec)
		if err != nil {
			slog.ErrorContext(ctx, "idempotency claim failed", "error", err)
			writeAPIError(w, ctx, apierr.Internal("Idempotency store unavailable."))
			return
		}
		if existing != nil {
			if existing.RequestHash != rec.RequestHash {
				writeAPIError(w, ctx, apierr.IdempotencyKeyReused("Idempotency-Key was already used with a different request."))
				return
			}
			if existing.Status != statusCompleted {
				writeAPIError(w, ctx, apierr.IdempotencyKeyReused("Original request is still in progress."))
				return
			}
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("X-Idempotent-Replay", "1")
			w.WriteHeader(existing.ResponseCode)
			w.Write(existing.ResponseBody)
			return
		}

		rw := &recorder{ResponseWriter: w, code: http.StatusOK}
		next(rw, r)

		// Only successful outcomes are worth replaying; a failed attempt
		// should be retryable under the same key.
		if rw.code >= http.StatusOK && rw.code < http.StatusBadRequest {
			if err := store.Complete(ctx, rec.ID, rw.code, rw.buf.Bytes()); err != nil {
				slog.WarnContext(ctx, "failed to persist idempotent response", "error", err)
			}
			return
		}
		if err := store.Abandon(ctx, rec.ID); err != nil {
			slog.WarnContext(ctx, "failed to release idempotency key", "error", err)
		}
	}
}

func writeAPIError(w http.ResponseWriter, ctx context.Context, ae *apierr.Error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(ae.Status)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"code":    ae.Code,
			"message": ae.Message,
		},
		"correlationId": middleware.GetCorrelationID(ctx),
	})
}
