package auth

import (
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/querydeck/querydeck/internal/models"
	"github.com/querydeck/querydeck/pkg/crypto"
)

type testClock struct {
	mu      sync.Mutex
	current time.Time
}

func newTestClock() *testClock {
	return &testClock{current: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = c.current.Add(d)
}

// createTestUser inserts a user with unique credentials so tests sharing the
// in-memory database never collide.
func createTestUser(t *testing.T, db *gorm.DB) *models.User {
	t.Helper()

	hash, err := crypto.HashPassword("correct horse battery staple")
	require.NoError(t, err)

	suffix := uuid.NewString()[:8]
	user := &models.User{
		Username:    "user-" + suffix,
		Email:       "user-" + suffix + "@example.com",
		Password:    hash,
		DisplayName: "Test User",
		IsActive:    true,
	}
	require.NoError(t, db.Create(user).Error)
	return user
}

func newTestJWTService(t *testing.T, clock *testClock) *JWTService {
	t.Helper()

	svc, err := NewJWTService(JWTConfig{
		Secret: "test-secret-at-least-32-bytes-long!!",
		Issuer: "querydeck-test",
		Clock:  clock.Now,
	})
	require.NoError(t, err)
	return svc
}
