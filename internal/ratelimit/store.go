// Package ratelimit implements sliding-window admission control keyed by
// arbitrary strings.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Store performs the atomic check-and-record step of a sliding window: drop
// timestamps at or before now-window, then admit and record now iff fewer
// than max remain.
type Store interface {
	Allow(ctx context.Context, key string, max int, window time.Duration) (bool, error)
}

type window struct {
	hits []time.Time
	span time.Duration
}

// MemoryStore keeps one timestamp sequence per key in process memory. A
// single mutex serializes check-and-record so concurrent callers on the same
// key can never both take the last slot.
type MemoryStore struct {
	mu   sync.Mutex
	keys map[string]*window
	now  func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{keys: make(map[string]*window), now: time.Now}
}

func (s *MemoryStore) Allow(_ context.Context, key string, max int, span time.Duration) (bool, error) {
	return s.IsAllowed(key, max, span.Milliseconds()), nil
}

// IsAllowed is the synchronous form of Allow with the window in milliseconds.
func (s *MemoryStore) IsAllowed(key string, maxRequests int, windowMs int64) bool {
	span := time.Duration(windowMs) * time.Millisecond
	now := s.now()
	cutoff := now.Add(-span)

	s.mu.Lock()
	defer s.mu.Unlock()
	w := s.keys[key]
	if w == nil {
		w = &window{}
		s.keys[key] = w
	}
	w.span = span
	idx := 0
	for _, t := range w.hits {
		if t.After(cutoff) {
			break
		}
		idx++
	}
	if idx > 0 {
		w.hits = w.hits[idx:]
	}
	if len(w.hits) >= maxRequests {
		return false
	}
	w.hits = append(w.hits, now)
	return true
}

// Sweep drops keys whose newest timestamp has left its window. Admission
// results are unaffected: such a key would be purged to empty on its next
// check anyway.
func (s *MemoryStore) Sweep() int {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for key, w := range s.keys {
		if len(w.hits) == 0 || !w.hits[len(w.hits)-1].After(now.Add(-w.span)) {
			delete(s.keys, key)
			removed++
		}
	}
	return removed
}

// Len reports the number of tracked keys.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.keys)
}

// StartSweeper runs Sweep every interval until ctx is done.
func (s *MemoryStore) StartSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.Sweep()
			}
		}
	}()
}
