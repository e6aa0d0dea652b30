package ratelimit

import (
	"context"
	"sync"
	"time"
)

// retention caps how long per-key request history is kept; keys idle past
// this horizon are forgotten entirely.
const retention = 24 * time.Hour

// sweepInterval is how often the background sweep visits the key table.
const sweepInterval = time.Minute

// Result is the raw counter state returned by a WindowStore. Count includes
// the request being evaluated.
type Result struct {
	Allowed bool
	Count   int
	ResetAt time.Time
}

// WindowStore counts requests per key over a rolling window.
type WindowStore interface {
	Take(ctx context.Context, key string, limit int, window time.Duration) (Result, error)
}

type memoryEntry struct {
	mu     sync.Mutex
	stamps []time.Time
}

// MemoryStore is an in-process sliding-window counter. Each key carries its
// own mutex so contention stays per-identity; the shared map lock is held
// only for lookup and insert.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*memoryEntry
	now     func() time.Time
	stop    chan struct{}
	once    sync.Once
}

// MemoryOption customises a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithMemoryClock overrides the time source, used in tests.
func WithMemoryClock(clock func() time.Time) MemoryOption {
	return func(s *MemoryStore) {
		if clock != nil {
			s.now = clock
		}
	}
}

// NewMemoryStore creates a sliding-window store and starts its sweep loop.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	store := &MemoryStore{
		entries: make(map[string]*memoryEntry),
		now:     time.Now,
		stop:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(store)
	}

	go store.sweepLoop()
	return store
}

// Close stops the background sweep. Safe to call more than once.
func (s *MemoryStore) Close() {
	s.once.Do(func() {
		close(s.stop)
	})
}

// Take records one request against the key and reports whether it fits under
// the limit. Rejected requests are not recorded, so a client hammering a full
// window does not push its own recovery further away.
func (s *MemoryStore) Take(_ context.Context, key string, limit int, window time.Duration) (Result, error) {
	now := s.now()
	entry := s.entry(key)

	entry.mu.Lock()
	defer entry.mu.Unlock()

	entry.prune(now)

	windowStart := now.Add(-window)
	count := 0
	var oldest time.Time
	for _, stamp := range entry.stamps {
		if stamp.After(windowStart) {
			if count == 0 {
				oldest = stamp
			}
			count++
		}
	}

	if count >= limit {
		return Result{
			Allowed: false,
			Count:   count,
			ResetAt: oldest.Add(window),
		}, nil
	}

	entry.stamps = append(entry.stamps, now)
	if count == 0 {
		oldest = now
	}
	return Result{
		Allowed: true,
		Count:   count + 1,
		ResetAt: oldest.Add(window),
	}, nil
}

func (s *MemoryStore) entry(key string) *memoryEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[key]
	if !ok {
		entry = &memoryEntry{}
		s.entries[key] = entry
	}
	return entry
}

func (s *MemoryStore) sweepLoop() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

func (s *MemoryStore) sweep() {
	now := s.now()

	s.mu.Lock()
	keys := make([]string, 0, len(s.entries))
	for key := range s.entries {
		keys = append(keys, key)
	}
	s.mu.Unlock()

	for _, key := range keys {
		s.mu.Lock()
		entry, ok := s.entries[key]
		s.mu.Unlock()
		if !ok {
			continue
		}

		entry.mu.Lock()
		entry.prune(now)
		empty := len(entry.stamps) == 0
		entry.mu.Unlock()

		if empty {
			s.mu.Lock()
			// Re-check under the map lock; a request may have landed
			// between the emptiness check and now.
			if entry, ok := s.entries[key]; ok {
				entry.mu.Lock()
				if len(entry.stamps) == 0 {
					delete(s.entries, key)
				}
				entry.mu.Unlock()
			}
			s.mu.Unlock()
		}
	}
}

// prune drops stamps older than the retention horizon. Caller holds entry.mu.
func (e *memoryEntry) prune(now time.Time) {
	cutoff := now.Add(-retention)
	keep := e.stamps[:0]
	for _, stamp := range e.stamps {
		if stamp.After(cutoff) {
			keep = append(keep, stamp)
		}
	}
	e.stamps = keep
}
