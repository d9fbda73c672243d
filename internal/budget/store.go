package budget

import (
	"context"
	"sync"
	"time"
)

// Store persists consumed amounts per scope and window. Both methods roll any
// window whose start has passed before reading or writing, in the same atomic
// step, so a stale window is never compared or incremented.
type Store interface {
	// Load returns the current usage of every window of scope.
	Load(ctx context.Context, scope string, now time.Time) (map[Window]Usage, error)
	// Add adds amount to every window of scope.
	Add(ctx context.Context, scope string, amount int64, now time.Time) error
}

// MemoryStore keeps counters in process. Suitable for a single instance.
type MemoryStore struct {
	mu       sync.Mutex
	counters map[string]map[Window]*Usage
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		counters: make(map[string]map[Window]*Usage),
	}
}

func (s *MemoryStore) Load(ctx context.Context, scope string, now time.Time) (map[Window]Usage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.apply(scope, 0, now), nil
}

func (s *MemoryStore) Add(ctx context.Context, scope string, amount int64, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.apply(scope, amount, now)
	return nil
}

// apply must be called with s.mu held.
func (s *MemoryStore) apply(scope string, amount int64, now time.Time) map[Window]Usage {
	windows, ok := s.counters[scope]
	if !ok {
		windows = make(map[Window]*Usage, len(Windows))
		s.counters[scope] = windows
	}

	out := make(map[Window]Usage, len(Windows))
	for _, w := range Windows {
		start := w.Start(now)
		u, ok := windows[w]
		if !ok || u.WindowStart.Before(start) {
			u = &Usage{WindowStart: start}
			windows[w] = u
		}
		u.Consumed += amount
		out[w] = *u
	}
	return out
}
