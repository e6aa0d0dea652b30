package auth

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/querydeck/querydeck/internal/database/testutil"
	"github.com/querydeck/querydeck/internal/models"
)

func newTestSessionService(t *testing.T, db *gorm.DB, clock *testClock) *SessionService {
	t.Helper()

	svc, err := NewSessionService(db, SessionConfig{Clock: clock.Now})
	require.NoError(t, err)
	return svc
}

func TestCreateSessionEnforcesCeiling(t *testing.T) {
	db := testutil.MustOpenTestDB(t)
	clock := newTestClock()
	svc := newTestSessionService(t, db, clock)
	user := createTestUser(t, db)

	meta := SessionMetadata{IPAddress: "10.0.0.1", UserAgent: "test-agent", LoginMethod: "password"}

	var last *models.Session
	for i := 0; i < DefaultMaxConcurrent; i++ {
		session, err := svc.CreateSession(context.Background(), user.ID, meta)
		require.NoError(t, err)
		last = session
	}

	// At the ceiling logins fail; nothing is evicted on the user's behalf.
	_, err := svc.CreateSession(context.Background(), user.ID, meta)
	require.ErrorIs(t, err, ErrSessionLimitExceeded)

	require.NoError(t, svc.RevokeSession(context.Background(), last.ID, "user revoked", "10.0.0.1"))

	_, err = svc.CreateSession(context.Background(), user.ID, meta)
	assert.NoError(t, err)
}

func TestCeilingIsPerUser(t *testing.T) {
	db := testutil.MustOpenTestDB(t)
	clock := newTestClock()
	svc := newTestSessionService(t, db, clock)
	alice := createTestUser(t, db)
	bob := createTestUser(t, db)

	for i := 0; i < DefaultMaxConcurrent; i++ {
		_, err := svc.CreateSession(context.Background(), alice.ID, SessionMetadata{})
		require.NoError(t, err)
	}

	_, err := svc.CreateSession(context.Background(), bob.ID, SessionMetadata{})
	assert.NoError(t, err)
}

func TestIsSessionValid(t *testing.T) {
	db := testutil.MustOpenTestDB(t)
	clock := newTestClock()
	svc := newTestSessionService(t, db, clock)
	user := createTestUser(t, db)

	session, err := svc.CreateSession(context.Background(), user.ID, SessionMetadata{})
	require.NoError(t, err)

	valid, err := svc.IsSessionValid(context.Background(), session.ID)
	require.NoError(t, err)
	assert.True(t, valid)

	valid, err = svc.IsSessionValid(context.Background(), "no-such-session")
	require.NoError(t, err)
	assert.False(t, valid)
}

func TestIdleSessionIsRevokedOnValidation(t *testing.T) {
	db := testutil.MustOpenTestDB(t)
	clock := newTestClock()
	svc := newTestSessionService(t, db, clock)
	user := createTestUser(t, db)

	session, err := svc.CreateSession(context.Background(), user.ID, SessionMetadata{})
	require.NoError(t, err)

	clock.Advance(DefaultIdleTimeout + time.Minute)

	valid, err := svc.IsSessionValid(context.Background(), session.ID)
	require.NoError(t, err)
	require.False(t, valid)

	stored, err := svc.GetSession(context.Background(), session.ID)
	require.NoError(t, err)
	assert.False(t, stored.IsActive)
	assert.Contains(t, strings.ToLower(stored.RevokedReason), "idle")
}

func TestActivityDefersIdleExpiry(t *testing.T) {
	db := testutil.MustOpenTestDB(t)
	clock := newTestClock()
	svc := newTestSessionService(t, db, clock)
	user := createTestUser(t, db)

	session, err := svc.CreateSession(context.Background(), user.ID, SessionMetadata{})
	require.NoError(t, err)

	// Keep touching just inside the idle window; the session must survive
	// well past a single idle timeout.
	for i := 0; i < 4; i++ {
		clock.Advance(DefaultIdleTimeout - time.Minute)
		require.NoError(t, svc.TouchActivity(context.Background(), session.ID))

		valid, err := svc.IsSessionValid(context.Background(), session.ID)
		require.NoError(t, err)
		require.True(t, valid)
	}

	stored, err := svc.GetSession(context.Background(), session.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(4), stored.ActivityCount)
}

func TestAbsoluteExpiryWinsOverActivity(t *testing.T) {
	db := testutil.MustOpenTestDB(t)
	clock := newTestClock()
	svc := newTestSessionService(t, db, clock)
	user := createTestUser(t, db)

	session, err := svc.CreateSession(context.Background(), user.ID, SessionMetadata{})
	require.NoError(t, err)

	clock.Advance(DefaultSessionTTL + time.Minute)
	require.NoError(t, svc.TouchActivity(context.Background(), session.ID))

	valid, err := svc.IsSessionValid(context.Background(), session.ID)
	require.NoError(t, err)
	assert.False(t, valid)
}

func TestRevokeSessionIsTerminal(t *testing.T) {
	db := testutil.MustOpenTestDB(t)
	clock := newTestClock()
	svc := newTestSessionService(t, db, clock)
	user := createTestUser(t, db)

	session, err := svc.CreateSession(context.Background(), user.ID, SessionMetadata{})
	require.NoError(t, err)

	require.NoError(t, svc.RevokeSession(context.Background(), session.ID, "user revoked", "10.0.0.1"))

	stored, err := svc.GetSession(context.Background(), session.ID)
	require.NoError(t, err)
	first := stored.RevokedAt
	require.NotNil(t, first)

	// A second revoke finds no active row and leaves the record alone.
	clock.Advance(time.Hour)
	err = svc.RevokeSession(context.Background(), session.ID, "another reason", "")
	require.ErrorIs(t, err, ErrSessionNotFound)

	stored, err = svc.GetSession(context.Background(), session.ID)
	require.NoError(t, err)
	assert.Equal(t, first.Unix(), stored.RevokedAt.Unix())
	assert.Equal(t, "user revoked", stored.RevokedReason)
}

func TestRevokeOtherSessionsKeepsCurrent(t *testing.T) {
	db := testutil.MustOpenTestDB(t)
	clock := newTestClock()
	svc := newTestSessionService(t, db, clock)
	user := createTestUser(t, db)

	current, err := svc.CreateSession(context.Background(), user.ID, SessionMetadata{})
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := svc.CreateSession(context.Background(), user.ID, SessionMetadata{})
		require.NoError(t, err)
	}

	revoked, err := svc.RevokeOtherSessions(context.Background(), current.ID, user.ID, "sign out other devices")
	require.NoError(t, err)
	assert.Equal(t, int64(3), revoked)

	sessions, err := svc.ListUserSessions(context.Background(), user.ID)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, current.ID, sessions[0].ID)
}

func TestDetectAnomaliesFlagsIPChange(t *testing.T) {
	db := testutil.MustOpenTestDB(t)
	clock := newTestClock()
	svc := newTestSessionService(t, db, clock)
	user := createTestUser(t, db)

	session, err := svc.CreateSession(context.Background(), user.ID, SessionMetadata{
		IPAddress: "10.0.0.1",
		UserAgent: "agent-a",
	})
	require.NoError(t, err)

	require.NoError(t, svc.DetectAnomalies(context.Background(), session.ID, "10.0.0.2", "agent-a"))

	stored, err := svc.GetSession(context.Background(), session.ID)
	require.NoError(t, err)
	require.True(t, stored.IsSuspicious)
	assert.Contains(t, stored.SuspiciousReason, "10.0.0.1")
	assert.Contains(t, stored.SuspiciousReason, "10.0.0.2")

	// Flagging is advisory; the session still authorises requests.
	valid, err := svc.IsSessionValid(context.Background(), session.ID)
	require.NoError(t, err)
	assert.True(t, valid)

	// Repeating the same observation must not duplicate the reason.
	require.NoError(t, svc.DetectAnomalies(context.Background(), session.ID, "10.0.0.2", "agent-a"))
	again, err := svc.GetSession(context.Background(), session.ID)
	require.NoError(t, err)
	assert.Equal(t, stored.SuspiciousReason, again.SuspiciousReason)
}

func TestDetectAnomaliesAccumulatesReasons(t *testing.T) {
	db := testutil.MustOpenTestDB(t)
	clock := newTestClock()
	svc := newTestSessionService(t, db, clock)
	user := createTestUser(t, db)

	session, err := svc.CreateSession(context.Background(), user.ID, SessionMetadata{
		IPAddress: "10.0.0.1",
		UserAgent: "agent-a",
	})
	require.NoError(t, err)

	require.NoError(t, svc.DetectAnomalies(context.Background(), session.ID, "10.0.0.2", "agent-a"))
	require.NoError(t, svc.DetectAnomalies(context.Background(), session.ID, "10.0.0.1", "agent-b"))

	stored, err := svc.GetSession(context.Background(), session.ID)
	require.NoError(t, err)
	parts := strings.Split(stored.SuspiciousReason, "; ")
	assert.Len(t, parts, 2)
	assert.Contains(t, stored.SuspiciousReason, "ip address changed")
	assert.Contains(t, stored.SuspiciousReason, "user agent changed")
}

func TestDetectAnomaliesFlagsSessionBurst(t *testing.T) {
	db := testutil.MustOpenTestDB(t)
	clock := newTestClock()
	svc := newTestSessionService(t, db, clock)
	user := createTestUser(t, db)

	var last *models.Session
	for i := 0; i < sessionBurstLimit+1; i++ {
		session, err := svc.CreateSession(context.Background(), user.ID, SessionMetadata{IPAddress: "10.0.0.1"})
		require.NoError(t, err)
		last = session
		clock.Advance(time.Minute)
	}

	require.NoError(t, svc.DetectAnomalies(context.Background(), last.ID, "10.0.0.1", ""))

	stored, err := svc.GetSession(context.Background(), last.ID)
	require.NoError(t, err)
	assert.True(t, stored.IsSuspicious)
	assert.Contains(t, stored.SuspiciousReason, "sessions created within one hour")
}

func TestSessionCleanupExpired(t *testing.T) {
	db := testutil.MustOpenTestDB(t)
	clock := newTestClock()
	svc := newTestSessionService(t, db, clock)
	user := createTestUser(t, db)

	stale, err := svc.CreateSession(context.Background(), user.ID, SessionMetadata{})
	require.NoError(t, err)
	require.NoError(t, svc.RevokeSession(context.Background(), stale.ID, "logout", ""))

	clock.Advance(sessionRetention + time.Hour)

	fresh, err := svc.CreateSession(context.Background(), user.ID, SessionMetadata{})
	require.NoError(t, err)

	removed, err := svc.CleanupExpired(context.Background())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, removed, int64(1))

	_, err = svc.GetSession(context.Background(), stale.ID)
	assert.ErrorIs(t, err, ErrSessionNotFound)

	_, err = svc.GetSession(context.Background(), fresh.ID)
	assert.NoError(t, err)
}
