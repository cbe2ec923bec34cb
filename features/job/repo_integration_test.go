package job_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"replydesk/backend/features/job"
	"replydesk/backend/internal/testutils"
)

func TestJobRepo_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	s := testutils.NewIntegrationSuite(t)
	s.Setup()
	defer s.Teardown()

	repo := job.NewPostgresRepo(s.DB)
	ctx := context.Background()
	orgID := uuid.NewString()
	now := time.Now().UTC()

	// 1. Enqueue and dedup
	first, err := repo.Enqueue(ctx, job.EnqueueParams{
		OrgID: orgID, Type: job.TypeSyncReviews, DedupKey: "loc-9", RunAt: now,
	})
	require.NoError(t, err)
	assert.Equal(t, job.StatusPending, first.Status)
	assert.Equal(t, 8, first.MaxAttempts)

	_, err = repo.Enqueue(ctx, job.EnqueueParams{
		OrgID: orgID, Type: job.TypeSyncReviews, DedupKey: "loc-9", RunAt: now,
	})
	var conflict *job.ErrDedupConflict
	require.True(t, errors.As(err, &conflict))
	assert.Equal(t, first.ID, conflict.ExistingID)

	// 2. Claim takes the lock exactly once
	claimed, err := repo.ClaimNext(ctx, 10, "w-1", now.Add(time.Second))
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, first.ID, claimed[0].ID)

	again, err := repo.ClaimNext(ctx, 10, "w-2", now.Add(time.Second))
	require.NoError(t, err)
	assert.Empty(t, again)

	// 3. Retry cycle frees the lock and the dedup slot stays held
	require.NoError(t, repo.MarkRetrying(ctx, first.ID, 1, now.Add(10*time.Second),
		job.Failure{Message: "upstream 502", Code: "PLATFORM_UNAVAILABLE"}))
	got, err := repo.Get(ctx, orgID, first.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusRetrying, got.Status)
	assert.Nil(t, got.LockedAt)
	assert.Equal(t, 1, got.Attempts)

	// 4. Terminal transition frees the dedup slot for a requeue
	reclaimed, err := repo.ClaimNext(ctx, 10, "w-1", now.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, reclaimed, 1)
	require.NoError(t, repo.MarkCompleted(ctx, first.ID, now.Add(time.Minute)))

	second, err := repo.Enqueue(ctx, job.EnqueueParams{
		OrgID: orgID, Type: job.TypeSyncReviews, DedupKey: "loc-9", RunAt: now,
	})
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)

	// 5. Actions respect tenancy
	n, err := repo.Cancel(ctx, uuid.NewString(), second.ID, now, now.Add(-15*time.Minute), nil)
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = repo.Cancel(ctx, orgID, second.ID, now, now.Add(-15*time.Minute), nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	cancelled, err := repo.Get(ctx, orgID, second.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusCancelled, cancelled.Status)
	require.NotNil(t, cancelled.LastErrorCode)
	assert.Equal(t, "CANCELLED_BY_USER", *cancelled.LastErrorCode)

	// 6. List and summary see the org's rows
	jobs, _, err := repo.List(ctx, orgID, job.ListFilter{Limit: 10}, now.Add(time.Minute))
	require.NoError(t, err)
	assert.Len(t, jobs, 2)

	summary, err := repo.Summary(ctx, orgID, now.Add(-24*time.Hour), true)
	require.NoError(t, err)
	assert.Contains(t, summary.ByType, job.TypeSyncReviews)
	assert.Zero(t, summary.ByType[job.TypeSyncReviews].Pending)
}

func TestJobRepo_Integration_ConcurrentClaim(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	s := testutils.NewIntegrationSuite(t)
	s.Setup()
	defer s.Teardown()

	repo := job.NewPostgresRepo(s.DB)
	ctx := context.Background()
	orgID := uuid.NewString()
	now := time.Now().UTC()

	created, err := repo.Enqueue(ctx, job.EnqueueParams{
		OrgID: orgID, Type: job.TypePostReply, RunAt: now,
	})
	require.NoError(t, err)

	// Two workers race for the single eligible row; the conditional claim
	// update lets exactly one through.
	var wg sync.WaitGroup
	claims := make([][]job.Job, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			claimed, err := repo.ClaimNext(ctx, 1, fmt.Sprintf("w-%d", i), now.Add(time.Second))
			assert.NoError(t, err)
			claims[i] = claimed
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, len(claims[0])+len(claims[1]))

	got, err := repo.Get(ctx, orgID, created.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusRunning, got.Status)
	require.NotNil(t, got.LockedBy)
}

func TestJobRepo_Integration_PaginationWalk(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	s := testutils.NewIntegrationSuite(t)
	s.Setup()
	defer s.Teardown()

	repo := job.NewPostgresRepo(s.DB)
	ctx := context.Background()
	orgID := uuid.NewString()
	now := time.Now().UTC().Truncate(time.Microsecond)

	expected := make(map[string]bool, 7)
	for i := 0; i < 7; i++ {
		j, err := repo.Enqueue(ctx, job.EnqueueParams{
			OrgID: orgID, Type: job.TypeGenerateDraft, RunAt: now,
		})
		require.NoError(t, err)
		expected[j.ID] = true
	}

	// Collapse created_at so every page boundary falls on the id tie-break.
	_, err := s.DB.ExecContext(ctx, `UPDATE jobs SET created_at = $1 WHERE org_id = $2`, now, orgID)
	require.NoError(t, err)

	seen := make(map[string]bool)
	var pages int
	cursor := ""
	for {
		jobs, next, err := repo.List(ctx, orgID,
			job.ListFilter{Limit: 3, Order: job.OrderCreatedAtDesc, Cursor: cursor},
			now.Add(time.Minute))
		require.NoError(t, err)
		pages++
		require.LessOrEqual(t, pages, 3)
		for _, j := range jobs {
			assert.False(t, seen[j.ID], "job %s repeated across pages", j.ID)
			seen[j.ID] = true
		}
		if next == "" {
			break
		}
		cursor = next
	}

	assert.Equal(t, 3, pages)
	assert.Equal(t, expected, seen)
}
