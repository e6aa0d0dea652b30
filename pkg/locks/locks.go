package locks

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrLockHeld is returned when the lock could not be acquired before the
// caller's context expired.
var ErrLockHeld = errors.New("locks: lock is held")

// Handle is a scoped reference to an acquired lock. Release is idempotent and
// must be called on every exit path, typically via defer.
type Handle struct {
	ID         string
	Name       string
	AcquiredAt time.Time
	ExpiresAt  time.Time

	release func()
	once    sync.Once
}

// Release returns the lock. Calling it more than once is safe.
func (h *Handle) Release() {
	if h == nil {
		return
	}
	h.once.Do(func() {
		if h.release != nil {
			h.release()
		}
	})
}

// Manager hands out named in-process locks so that at most one maintenance
// job of a given kind runs at a time.
type Manager struct {
	mu    sync.Mutex
	slots map[string]chan struct{}
	now   func() time.Time
}

// Option customises the Manager.
type Option func(*Manager)

// WithClock overrides the clock used for handle timestamps (test helper).
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// NewManager constructs a lock manager.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		slots: make(map[string]chan struct{}),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Acquire obtains the named lock, blocking until it is free or the context is
// done. The ttl is advisory metadata recorded on the handle; expiry is not
// enforced by the in-process implementation.
func (m *Manager) Acquire(ctx context.Context, name string, ttl time.Duration) (*Handle, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	slot := m.slot(name)

	select {
	case slot <- struct{}{}:
	case <-ctx.Done():
		return nil, ErrLockHeld
	}

	acquired := m.now()
	handle := &Handle{
		ID:         uuid.NewString(),
		Name:       name,
		AcquiredAt: acquired,
		ExpiresAt:  acquired.Add(ttl),
		release: func() {
			<-slot
		},
	}
	return handle, nil
}

// TryAcquire obtains the named lock without blocking.
func (m *Manager) TryAcquire(name string, ttl time.Duration) (*Handle, bool) {
	slot := m.slot(name)

	select {
	case slot <- struct{}{}:
	default:
		return nil, false
	}

	acquired := m.now()
	return &Handle{
		ID:         uuid.NewString(),
		Name:       name,
		AcquiredAt: acquired,
		ExpiresAt:  acquired.Add(ttl),
		release: func() {
			<-slot
		},
	}, true
}

func (m *Manager) slot(name string) chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()

	slot, ok := m.slots[name]
	if !ok {
		slot = make(chan struct{}, 1)
		m.slots[name] = slot
	}
	return slot
}
