package validation

import (
	"context"
	"sync"
	"time"
)

// RateLimiter counts order attempts per user over a sliding window
type RateLimiter interface {
	// Allow records an attempt for key and reports whether it is within the limit.
	// Rejected attempts are counted too.
	Allow(ctx context.Context, key string) (bool, error)
}

// SlidingWindow is an in-process RateLimiter
type SlidingWindow struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	hits   map[string][]time.Time
	now    func() time.Time
}

// NewSlidingWindow allows limit attempts per window; limit <= 0 disables limiting
func NewSlidingWindow(limit int, window time.Duration) *SlidingWindow {
	return &SlidingWindow{
		limit:  limit,
		window: window,
		hits:   make(map[string][]time.Time),
		now:    time.Now,
	}
}

func (s *SlidingWindow) Allow(ctx context.Context, key string) (bool, error) {
	if s.limit <= 0 {
		return true, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	cutoff := now.Add(-s.window)
	hits := s.hits[key]
	i := 0
	for i < len(hits) && !hits[i].After(cutoff) {
		i++
	}
	hits = append(hits[i:], now)
	s.hits[key] = hits
	return len(hits) <= s.limit, nil
}

// Prune forgets keys with no attempt inside the window
func (s *SlidingWindow) Prune() {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := s.now().Add(-s.window)
	for k, hits := range s.hits {
		if len(hits) == 0 || !hits[len(hits)-1].After(cutoff) {
			delete(s.hits, k)
		}
	}
}
