package auth

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/querydeck/querydeck/internal/database/testutil"
	"github.com/querydeck/querydeck/internal/models"
	"github.com/querydeck/querydeck/pkg/crypto"
)

func newTestTokenService(t *testing.T, db *gorm.DB, clock *testClock) *TokenService {
	t.Helper()

	svc, err := NewTokenService(db, newTestJWTService(t, clock), TokenConfig{
		Clock: clock.Now,
	})
	require.NoError(t, err)
	return svc
}

func TestIssueRefreshTokenPersistsRow(t *testing.T) {
	db := testutil.MustOpenTestDB(t)
	clock := newTestClock()
	svc := newTestTokenService(t, db, clock)
	user := createTestUser(t, db)

	token, err := svc.IssueRefreshToken(context.Background(), user.ID)
	require.NoError(t, err)

	assert.NotEmpty(t, token.Token)
	assert.Equal(t, user.ID, token.UserID)
	assert.Equal(t, 1, token.Version)
	assert.True(t, token.Active(clock.Now()))
	assert.Equal(t, clock.Now().Add(DefaultRefreshTokenTTL), token.ExpiresAt)
}

func TestRefreshAccessTokenHappyPath(t *testing.T) {
	db := testutil.MustOpenTestDB(t)
	clock := newTestClock()
	svc := newTestTokenService(t, db, clock)
	user := createTestUser(t, db)

	token, err := svc.IssueRefreshToken(context.Background(), user.ID)
	require.NoError(t, err)

	accessToken, refreshedUser, err := svc.RefreshAccessToken(context.Background(), token.Token)
	require.NoError(t, err)
	require.Equal(t, user.ID, refreshedUser.ID)

	claims, err := newTestJWTService(t, clock).ValidateAccessToken(accessToken)
	require.NoError(t, err)
	assert.Equal(t, user.ID, claims.UserID)

	var stored models.User
	require.NoError(t, db.Take(&stored, "id = ?", user.ID).Error)
	require.NotNil(t, stored.LastLoginAt)
}

func TestRefreshAccessTokenRejectsExpired(t *testing.T) {
	db := testutil.MustOpenTestDB(t)
	clock := newTestClock()
	svc := newTestTokenService(t, db, clock)
	user := createTestUser(t, db)

	token, err := svc.IssueRefreshToken(context.Background(), user.ID)
	require.NoError(t, err)

	clock.Advance(DefaultRefreshTokenTTL + time.Minute)

	_, _, err = svc.RefreshAccessToken(context.Background(), token.Token)
	assert.ErrorIs(t, err, ErrTokenInvalid)
}

func TestRevokedTokenIndistinguishableFromUnknown(t *testing.T) {
	db := testutil.MustOpenTestDB(t)
	clock := newTestClock()
	svc := newTestTokenService(t, db, clock)
	user := createTestUser(t, db)

	token, err := svc.IssueRefreshToken(context.Background(), user.ID)
	require.NoError(t, err)
	require.NoError(t, svc.RevokeRefreshToken(context.Background(), token.Token, "logout", "10.0.0.1"))

	_, _, revokedErr := svc.RefreshAccessToken(context.Background(), token.Token)
	_, _, unknownErr := svc.RefreshAccessToken(context.Background(), "no-such-token")

	assert.ErrorIs(t, revokedErr, ErrTokenInvalid)
	assert.ErrorIs(t, unknownErr, ErrTokenInvalid)
}

func TestRevokeRefreshTokenIsIdempotent(t *testing.T) {
	db := testutil.MustOpenTestDB(t)
	clock := newTestClock()
	svc := newTestTokenService(t, db, clock)
	user := createTestUser(t, db)

	token, err := svc.IssueRefreshToken(context.Background(), user.ID)
	require.NoError(t, err)

	require.NoError(t, svc.RevokeRefreshToken(context.Background(), token.Token, "logout", "10.0.0.1"))

	var first models.RefreshToken
	require.NoError(t, db.Take(&first, "token = ?", token.Token).Error)
	require.True(t, first.Revoked)
	require.NotNil(t, first.RevokedAt)

	// A later duplicate revoke must not disturb the original record.
	clock.Advance(time.Hour)
	require.NoError(t, svc.RevokeRefreshToken(context.Background(), token.Token, "different reason", "10.9.9.9"))

	var second models.RefreshToken
	require.NoError(t, db.Take(&second, "token = ?", token.Token).Error)
	assert.Equal(t, first.RevokedAt.Unix(), second.RevokedAt.Unix())
	assert.Equal(t, "logout", second.RevokedReason)
	assert.Equal(t, "10.0.0.1", second.RevokedByIP)
}

func TestRevokeRefreshTokenMissingIsNoOp(t *testing.T) {
	db := testutil.MustOpenTestDB(t)
	clock := newTestClock()
	svc := newTestTokenService(t, db, clock)

	assert.NoError(t, svc.RevokeRefreshToken(context.Background(), "never-issued", "logout", ""))
}

func TestRevokeAllUserTokens(t *testing.T) {
	db := testutil.MustOpenTestDB(t)
	clock := newTestClock()
	svc := newTestTokenService(t, db, clock)
	user := createTestUser(t, db)
	other := createTestUser(t, db)

	for i := 0; i < 3; i++ {
		_, err := svc.IssueRefreshToken(context.Background(), user.ID)
		require.NoError(t, err)
	}
	keep, err := svc.IssueRefreshToken(context.Background(), other.ID)
	require.NoError(t, err)

	revoked, err := svc.RevokeAllUserTokens(context.Background(), user.ID, "logout everywhere", "")
	require.NoError(t, err)
	assert.Equal(t, int64(3), revoked)

	var untouched models.RefreshToken
	require.NoError(t, db.Take(&untouched, "token = ?", keep.Token).Error)
	assert.False(t, untouched.Revoked)
}

func TestBlacklistLifecycle(t *testing.T) {
	db := testutil.MustOpenTestDB(t)
	clock := newTestClock()
	svc := newTestTokenService(t, db, clock)
	user := createTestUser(t, db)

	raw := "some-access-token-value"

	blacklisted, err := svc.IsBlacklisted(context.Background(), raw, models.TokenKindAccess)
	require.NoError(t, err)
	require.False(t, blacklisted)

	require.NoError(t, svc.BlacklistToken(context.Background(), raw, models.TokenKindAccess, user.ID, "logout", "10.0.0.1"))

	blacklisted, err = svc.IsBlacklisted(context.Background(), raw, models.TokenKindAccess)
	require.NoError(t, err)
	assert.True(t, blacklisted)

	// Entries lapse when the token would have expired anyway.
	clock.Advance(DefaultAccessTokenTTL + time.Minute)
	blacklisted, err = svc.IsBlacklisted(context.Background(), raw, models.TokenKindAccess)
	require.NoError(t, err)
	assert.False(t, blacklisted)
}

func TestBlacklistTokenIsIdempotent(t *testing.T) {
	db := testutil.MustOpenTestDB(t)
	clock := newTestClock()
	svc := newTestTokenService(t, db, clock)

	raw := "double-blacklisted"
	require.NoError(t, svc.BlacklistToken(context.Background(), raw, models.TokenKindAccess, "", "logout", ""))
	require.NoError(t, svc.BlacklistToken(context.Background(), raw, models.TokenKindAccess, "", "logout", ""))

	var count int64
	require.NoError(t, db.Model(&models.BlacklistEntry{}).
		Where("token_hash = ?", crypto.HashToken(raw)).
		Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestRefreshRejectsBlacklistedToken(t *testing.T) {
	db := testutil.MustOpenTestDB(t)
	clock := newTestClock()
	svc := newTestTokenService(t, db, clock)
	user := createTestUser(t, db)

	token, err := svc.IssueRefreshToken(context.Background(), user.ID)
	require.NoError(t, err)
	require.NoError(t, svc.BlacklistToken(context.Background(), token.Token, models.TokenKindRefresh, user.ID, "compromise", ""))

	_, _, err = svc.RefreshAccessToken(context.Background(), token.Token)
	assert.ErrorIs(t, err, ErrTokenBlacklisted)
}

func TestTokenCleanupExpired(t *testing.T) {
	db := testutil.MustOpenTestDB(t)
	clock := newTestClock()
	svc := newTestTokenService(t, db, clock)
	user := createTestUser(t, db)

	old, err := svc.IssueRefreshToken(context.Background(), user.ID)
	require.NoError(t, err)
	require.NoError(t, svc.RevokeRefreshToken(context.Background(), old.Token, "logout", ""))
	require.NoError(t, svc.BlacklistToken(context.Background(), "stale-access", models.TokenKindAccess, user.ID, "logout", ""))

	fresh, err := svc.IssueRefreshToken(context.Background(), user.ID)
	require.NoError(t, err)

	clock.Advance(revokedRetention + time.Hour)

	removed, err := svc.CleanupExpired(context.Background())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, removed, int64(2))

	var gone int64
	require.NoError(t, db.Model(&models.RefreshToken{}).Where("token = ?", old.Token).Count(&gone).Error)
	assert.Zero(t, gone)

	// Still within its natural lifetime and never revoked.
	var kept int64
	require.NoError(t, db.Model(&models.RefreshToken{}).Where("token = ?", fresh.Token).Count(&kept).Error)
	assert.Equal(t, int64(1), kept)
}
