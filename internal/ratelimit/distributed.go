package ratelimit

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/querydeck/querydeck/internal/cache"
	"github.com/querydeck/querydeck/pkg/logger"
)

// DistributedStore counts requests in a shared cache so every replica sees
// the same window. The backend uses fixed-window counters (atomic increment
// plus TTL) rather than per-request timestamps; the ceiling holds, the window
// boundary is just coarser. When the backend fails the store falls back to
// its in-process sibling so limiting keeps working, scoped to one replica.
type DistributedStore struct {
	remote cache.Store
	local  *MemoryStore
	now    func() time.Time
	log    *zap.Logger
}

// NewDistributedStore wraps a shared cache backend with a local fallback.
func NewDistributedStore(remote cache.Store, local *MemoryStore) *DistributedStore {
	if local == nil {
		local = NewMemoryStore()
	}
	return &DistributedStore{
		remote: remote,
		local:  local,
		now:    time.Now,
		log:    logger.WithModule("ratelimit"),
	}
}

// Close releases the local fallback store.
func (s *DistributedStore) Close() {
	s.local.Close()
}

// Take counts the request in the shared backend, falling back to the local
// store on error.
func (s *DistributedStore) Take(ctx context.Context, key string, limit int, window time.Duration) (Result, error) {
	count, ttl, err := s.remote.IncrementWithTTL(ctx, "ratelimit:"+key, window)
	if err != nil {
		s.log.Warn("shared rate limit backend unavailable; using local window",
			zap.String("key", key), zap.Error(err))
		return s.local.Take(ctx, key, limit, window)
	}

	if ttl <= 0 || ttl > window {
		ttl = window
	}

	return Result{
		Allowed: count <= int64(limit),
		Count:   int(count),
		ResetAt: s.now().Add(ttl),
	}, nil
}
