package job

import (
	"container/list"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/sync/singleflight"

	"replydesk/backend/internal/apierr"
	"replydesk/backend/internal/telemetry"
)

// SummaryResult is a summary plus its freshness. Stale means the value was
// served from cache because the data source is failing.
type SummaryResult struct {
	Summary     *Summary
	GeneratedAt time.Time
	Stale       bool
}

type summaryEntry struct {
	key       string
	result    SummaryResult
	expiresAt time.Time
}

// SummaryService caches the per-tenant aggregate briefly, de-duplicates
// concurrent computations, and serves the last good value marked stale while
// the data source is in its failure-backoff window.
type SummaryService struct {
	repo       Repository
	ttl        time.Duration
	maxEntries int

	mu    sync.Mutex
	items map[string]*list.Element
	order *list.List // front = newest

	group   singleflight.Group
	breaker *gobreaker.CircuitBreaker
	now     func() time.Time
}

func NewSummaryService(repo Repository, ttl time.Duration, maxEntries int) *SummaryService {
	if ttl <= 0 {
		ttl = 5 * time.Second
	}
	if maxEntries <= 0 {
		maxEntries = 256
	}
	return &SummaryService{
		repo:       repo,
		ttl:        ttl,
		maxEntries: maxEntries,
		items:      make(map[string]*list.Element),
		order:      list.New(),
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "job-summary",
			Timeout: 10 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
		}),
		now: time.Now,
	}
}

func (s *SummaryService) WithClock(now func() time.Time) *SummaryService {
	s.now = now
	return s
}

func (s *SummaryService) Get(ctx context.Context, orgID string, detail bool) (*SummaryResult, error) {
	key := cacheKey(orgID, detail)

	if cached, ok := s.lookup(key, true); ok {
		telemetry.SummaryCacheHit.Inc()
		return &cached, nil
	}

	v, err, _ := s.group.Do(key, func() (any, error) {
		return s.breaker.Execute(func() (any, error) {
			since := s.now().Add(-24 * time.Hour)
			return s.repo.Summary(ctx, orgID, since, detail)
		})
	})
	if err != nil {
		// Failure or open breaker: fall back to the last good value, marked
		// stale, rather than re-hitting a failing source.
		if cached, ok := s.lookup(key, false); ok {
			telemetry.SummaryStale.Inc()
			cached.Stale = true
			return &cached, nil
		}
		return nil, apierr.Unavailable("Summary is temporarily unavailable.")
	}

	result := SummaryResult{Summary: v.(*Summary), GeneratedAt: s.now()}
	s.store(key, result)
	return &result, nil
}

func (s *SummaryService) lookup(key string, requireFresh bool) (SummaryResult, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	elem, ok := s.items[key]
	if !ok {
		return SummaryResult{}, false
	}
	entry := elem.Value.(*summaryEntry)
	if requireFresh && s.now().After(entry.expiresAt) {
		return SummaryResult{}, false
	}
	return entry.result, true
}

func (s *SummaryService) store(key string, result SummaryResult) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if elem, ok := s.items[key]; ok {
		s.order.MoveToFront(elem)
		entry := elem.Value.(*summaryEntry)
		entry.result = result
		entry.expiresAt = s.now().Add(s.ttl)
		return
	}

	elem := s.order.PushFront(&summaryEntry{key: key, result: result, expiresAt: s.now().Add(s.ttl)})
	s.items[key] = elem

	for s.order.Len() > s.maxEntries {
		oldest := s.order.Back()
		if oldest == nil {
			break
		}
		s.order.Remove(oldest)
		delete(s.items, oldest.Value.(*summaryEntry).key)
	}
}

func cacheKey(orgID string, detail bool) string {
	return fmt.Sprintf("%s|%t", orgID, detail)
}
