package audit_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"replydesk/backend/features/audit"
	"replydesk/backend/internal/testutils"
)

// Exercises Append and ListRecent against the migrated schema, so a column
// drift between the DDL and the repo SQL fails here instead of being
// swallowed by the best-effort audit path in production.
func TestAuditRepo_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	s := testutils.NewIntegrationSuite(t)
	s.Setup()
	defer s.Teardown()

	repo := audit.NewPostgresRepo(s.DB)
	ctx := context.Background()
	orgID := uuid.NewString()
	actorID := uuid.NewString()

	entry := &audit.Entry{
		OrgID:       orgID,
		ActorUserID: actorID,
		Action:      audit.ActionJobCancel,
		EntityType:  audit.EntityJob,
		EntityID:    uuid.NewString(),
		Metadata:    json.RawMessage(`{"previousStatus":"PENDING"}`),
	}
	require.NoError(t, repo.Append(ctx, entry))
	assert.NotEmpty(t, entry.ID)
	assert.False(t, entry.CreatedAt.IsZero())

	entries, err := repo.ListRecent(ctx, orgID, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, actorID, entries[0].ActorUserID)
	assert.Equal(t, audit.ActionJobCancel, entries[0].Action)
	assert.JSONEq(t, `{"previousStatus":"PENDING"}`, string(entries[0].Metadata))
}
