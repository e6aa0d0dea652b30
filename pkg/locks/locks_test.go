package locks

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAcquireAndRelease(t *testing.T) {
	m := NewManager()

	handle, err := m.Acquire(context.Background(), "session-sweep", time.Minute)
	require.NoError(t, err)
	require.NotEmpty(t, handle.ID)
	require.Equal(t, "session-sweep", handle.Name)
	require.True(t, handle.ExpiresAt.After(handle.AcquiredAt))

	// A second acquire with a short deadline must time out while held.
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = m.Acquire(ctx, "session-sweep", time.Minute)
	require.ErrorIs(t, err, ErrLockHeld)

	handle.Release()

	again, err := m.Acquire(context.Background(), "session-sweep", time.Minute)
	require.NoError(t, err)
	again.Release()
}

func TestReleaseIsIdempotent(t *testing.T) {
	m := NewManager()

	handle, err := m.Acquire(context.Background(), "token-sweep", time.Minute)
	require.NoError(t, err)

	handle.Release()
	handle.Release() // must not panic or over-release

	next, ok := m.TryAcquire("token-sweep", time.Minute)
	require.True(t, ok)
	next.Release()
}

func TestIndependentNames(t *testing.T) {
	m := NewManager()

	a, err := m.Acquire(context.Background(), "a", time.Minute)
	require.NoError(t, err)
	defer a.Release()

	b, ok := m.TryAcquire("b", time.Minute)
	require.True(t, ok)
	b.Release()
}

func TestTryAcquireWhileHeld(t *testing.T) {
	m := NewManager()

	handle, ok := m.TryAcquire("gc", time.Minute)
	require.True(t, ok)

	_, ok = m.TryAcquire("gc", time.Minute)
	require.False(t, ok)

	handle.Release()
}
