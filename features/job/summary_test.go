package job

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"replydesk/backend/internal/apierr"
)

func testSummary() *Summary {
	return &Summary{ByType: map[Type]SummaryRow{
		TypeSyncReviews: {Pending: 3, Running: 1},
	}}
}

func TestSummaryService_CacheHit(t *testing.T) {
	mockRepo := new(MockRepository)
	svc := NewSummaryService(mockRepo, 5*time.Second, 16)

	mockRepo.On("Summary", mock.Anything, "org-1", mock.Anything, false).Return(testSummary(), nil).Once()

	first, err := svc.Get(context.Background(), "org-1", false)
	require.NoError(t, err)
	assert.False(t, first.Stale)

	// Second call within the TTL is answered from cache.
	second, err := svc.Get(context.Background(), "org-1", false)
	require.NoError(t, err)
	assert.Equal(t, first.Summary, second.Summary)
	mockRepo.AssertNumberOfCalls(t, "Summary", 1)
}

func TestSummaryService_DetailIsSeparateKey(t *testing.T) {
	mockRepo := new(MockRepository)
	svc := NewSummaryService(mockRepo, 5*time.Second, 16)

	mockRepo.On("Summary", mock.Anything, "org-1", mock.Anything, false).Return(testSummary(), nil).Once()
	mockRepo.On("Summary", mock.Anything, "org-1", mock.Anything, true).Return(&Summary{
		ByType:         map[Type]SummaryRow{TypeSyncReviews: {Failed24h: 2}},
		RecentFailures: []RecentFailure{{ID: "job-9", Type: TypeSyncReviews}},
	}, nil).Once()

	_, err := svc.Get(context.Background(), "org-1", false)
	require.NoError(t, err)

	detailed, err := svc.Get(context.Background(), "org-1", true)
	require.NoError(t, err)
	require.Len(t, detailed.Summary.RecentFailures, 1)
	mockRepo.AssertNumberOfCalls(t, "Summary", 2)
}

func TestSummaryService_ServesStaleOnFailure(t *testing.T) {
	mockRepo := new(MockRepository)
	clock := testNow
	svc := NewSummaryService(mockRepo, 5*time.Second, 16).
		WithClock(func() time.Time { return clock })

	mockRepo.On("Summary", mock.Anything, "org-1", mock.Anything, false).Return(testSummary(), nil).Once()
	mockRepo.On("Summary", mock.Anything, "org-1", mock.Anything, false).Return(nil, assert.AnError)

	first, err := svc.Get(context.Background(), "org-1", false)
	require.NoError(t, err)
	require.False(t, first.Stale)

	// TTL expires, the source starts failing: the last good value is served
	// marked stale instead of an error.
	clock = clock.Add(time.Minute)
	fallback, err := svc.Get(context.Background(), "org-1", false)
	require.NoError(t, err)
	assert.True(t, fallback.Stale)
	assert.Equal(t, first.Summary, fallback.Summary)
}

func TestSummaryService_UnavailableWithoutCache(t *testing.T) {
	mockRepo := new(MockRepository)
	svc := NewSummaryService(mockRepo, 5*time.Second, 16)

	mockRepo.On("Summary", mock.Anything, "org-1", mock.Anything, false).Return(nil, assert.AnError)

	_, err := svc.Get(context.Background(), "org-1", false)
	require.Error(t, err)
	assert.Equal(t, apierr.CodeUnavailable, apierr.From(err).Code)
}

func TestSummaryService_EvictsOldestAtCapacity(t *testing.T) {
	mockRepo := new(MockRepository)
	svc := NewSummaryService(mockRepo, time.Minute, 2)

	mockRepo.On("Summary", mock.Anything, mock.Anything, mock.Anything, false).Return(testSummary(), nil)

	for _, org := range []string{"org-1", "org-2", "org-3"} {
		_, err := svc.Get(context.Background(), org, false)
		require.NoError(t, err)
	}
	mockRepo.AssertNumberOfCalls(t, "Summary", 3)

	// org-1 was evicted; org-3 is still cached.
	_, err := svc.Get(context.Background(), "org-3", false)
	require.NoError(t, err)
	mockRepo.AssertNumberOfCalls(t, "Summary", 3)

	_, err = svc.Get(context.Background(), "org-1", false)
	require.NoError(t, err)
	mockRepo.AssertNumberOfCalls(t, "Summary", 4)
}
