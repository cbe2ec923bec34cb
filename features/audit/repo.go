package audit

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/google/uuid"
)

type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo {
	return &PostgresRepo{db: db}
}

func (r *PostgresRepo) Append(ctx context.Context, e *Entry) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	metadata := e.Metadata
	if metadata == nil {
		metadata = json.RawMessage(`{}`)
	}
	query := `INSERT INTO audit_log (id, org_id, actor_user_id, action, entity_type, entity_id, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at`
	return r.db.QueryRowContext(ctx, query, e.ID, e.OrgID, e.ActorUserID, e.Action, e.EntityType, e.EntityID, []byte(metadata)).Scan(&e.CreatedAt)
}

// ListRecent returns the newest entries for a tenant, for operator review.
func (r *PostgresRepo) ListRecent(ctx context.Context, orgID string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id, org_id, actor_user_id, action, entity_type, entity_id, metadata, created_at
		FROM audit_log WHERE org_id = $1 ORDER BY created_at DESC LIMIT $2`
	rows, err := r.db.QueryContext(ctx, query, orgID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var metadata []byte
		if err := rows.Scan(&e.ID, &e.OrgID, &e.ActorUserID, &e.Action, &e.EntityType, &e.EntityID, &metadata, &e.CreatedAt); err != nil {
			return nil, err
		}
		if len(metadata) > 0 {
			e.Metadata = json.RawMessage(metadata)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
