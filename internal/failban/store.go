package failban

import (
	"context"
	"sync"
	"time"
)

// Store persists violation timestamps and active bans per client key.
type Store interface {
	// AddViolation records a failure at the given time and returns how many
	// violations remain inside the window ending at that time.
	AddViolation(ctx context.Context, key string, at time.Time, window time.Duration) (int, error)
	ClearViolations(ctx context.Context, key string) error
	Ban(ctx context.Context, key string, until time.Time) error
	Unban(ctx context.Context, key string) error
	// BanExpiry reports the ban deadline for key, if one exists.
	BanExpiry(ctx context.Context, key string) (time.Time, bool, error)
	ListBans(ctx context.Context) (map[string]time.Time, error)
}

// maxTrackedKeys caps distinct origins with recorded violations. When the
// cap is hit the oldest-tracked origin is evicted, the same insertion-order
// bound the rate limiter applies to its per-rule windows.
const maxTrackedKeys = 10000

// MemoryStore keeps violations and bans in process memory. Violation
// tracking is capped and expired bans are swept on the violation write path,
// so spoofed high-cardinality origins cannot grow the maps without bound.
type MemoryStore struct {
	mu         sync.Mutex
	violations map[string][]time.Time
	order      []string
	bans       map[string]time.Time
	maxKeys    int
}

// NewMemoryStore builds an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		violations: make(map[string][]time.Time),
		bans:       make(map[string]time.Time),
		maxKeys:    maxTrackedKeys,
	}
}

var _ Store = (*MemoryStore)(nil)

func (s *MemoryStore) AddViolation(_ context.Context, key string, at time.Time, window time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Every ban was preceded by a violation, so sweeping here keeps the ban
	// map bounded to active bans without a second clock source.
	for k, deadline := range s.bans {
		if !deadline.After(at) {
			delete(s.bans, k)
		}
	}

	existing, tracked := s.violations[key]
	if !tracked {
		s.evictLocked()
		s.order = append(s.order, key)
	}
	cutoff := at.Add(-window)
	kept := existing[:0]
	for _, ts := range existing {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	kept = append(kept, at)
	s.violations[key] = kept
	return len(kept), nil
}

// evictLocked drops the oldest tracked origins until the cap has room.
// Cleared origins still queued in order just shrink the queue.
func (s *MemoryStore) evictLocked() {
	for len(s.violations) >= s.maxKeys && len(s.order) > 0 {
		oldest := s.order[0]
		s.order = s.order[1:]
		delete(s.violations, oldest)
	}
}

func (s *MemoryStore) ClearViolations(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.violations, key)
	return nil
}

func (s *MemoryStore) Ban(_ context.Context, key string, until time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bans[key] = until
	return nil
}

func (s *MemoryStore) Unban(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.bans, key)
	return nil
}

func (s *MemoryStore) BanExpiry(_ context.Context, key string) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	until, ok := s.bans[key]
	return until, ok, nil
}

func (s *MemoryStore) ListBans(_ context.Context) (map[string]time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]time.Time, len(s.bans))
	for k, v := range s.bans {
		out[k] = v
	}
	return out, nil
}
