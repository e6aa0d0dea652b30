package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/querydeck/querydeck/internal/models"
	"github.com/querydeck/querydeck/pkg/crypto"
	"github.com/querydeck/querydeck/pkg/metrics"
)

const (
	// DefaultRefreshTokenTTL is the fallback refresh token lifetime.
	DefaultRefreshTokenTTL = 30 * 24 * time.Hour
	// DefaultRefreshTokenLength is the number of random bytes in a refresh
	// token secret (384 bits, comfortably above the 256-bit floor).
	DefaultRefreshTokenLength = 48
	// revokedRetention is how long revoked or expired rows are kept for audit
	// before the sweep deletes them.
	revokedRetention = 7 * 24 * time.Hour
)

var (
	// ErrTokenInvalid covers absent, revoked, and expired refresh tokens.
	// Callers cannot distinguish the three; authentication failure is data,
	// not an oracle.
	ErrTokenInvalid = errors.New("token: invalid or expired")
	// ErrTokenBlacklisted marks a token whose hash appears on the blacklist.
	ErrTokenBlacklisted = errors.New("token: blacklisted")
)

// TokenConfig describes tunable behaviour for the TokenService.
type TokenConfig struct {
	RefreshTokenTTL time.Duration
	RefreshLength   int
	Clock           func() time.Time
}

// TokenService issues and revokes refresh tokens and maintains the blacklist
// ledger that kills otherwise-valid tokens before natural expiry.
type TokenService struct {
	db         *gorm.DB
	jwt        *JWTService
	refreshTTL time.Duration
	tokenLen   int
	now        func() time.Time
}

// NewTokenService constructs a token manager backed by the provided database and JWT service.
func NewTokenService(db *gorm.DB, jwtService *JWTService, cfg TokenConfig) (*TokenService, error) {
	if db == nil {
		return nil, errors.New("token service: db is required")
	}
	if jwtService == nil {
		return nil, errors.New("token service: jwt service is required")
	}

	ttl := cfg.RefreshTokenTTL
	if ttl <= 0 {
		ttl = DefaultRefreshTokenTTL
	}

	length := cfg.RefreshLength
	if length <= 0 {
		length = DefaultRefreshTokenLength
	}

	clock := time.Now
	if cfg.Clock != nil {
		clock = cfg.Clock
	}

	return &TokenService{
		db:         db,
		jwt:        jwtService,
		refreshTTL: ttl,
		tokenLen:   length,
		now:        clock,
	}, nil
}

// RefreshTokenTTL exposes the configured refresh token lifetime.
func (s *TokenService) RefreshTokenTTL() time.Duration {
	return s.refreshTTL
}

// IssueAccessToken mints a signed access token for the given user.
func (s *TokenService) IssueAccessToken(user *models.User, sessionID string) (string, error) {
	if user == nil {
		return "", errors.New("token service: user is required")
	}
	return s.jwt.GenerateAccessToken(AccessTokenInput{
		UserID:       user.ID,
		DisplayName:  user.DisplayName,
		Email:        user.Email,
		AuthProvider: user.AuthProvider,
		ExternalID:   user.ExternalID,
		SessionID:    sessionID,
		IsAdmin:      user.IsAdmin,
	})
}

// IssueRefreshToken generates a fresh opaque secret and persists the token row.
func (s *TokenService) IssueRefreshToken(ctx context.Context, userID string) (*models.RefreshToken, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, errors.New("token service: user id is required")
	}

	secret, err := crypto.GenerateToken(s.tokenLen)
	if err != nil {
		return nil, fmt.Errorf("token service: generate refresh token: %w", err)
	}

	token := &models.RefreshToken{
		UserID:    userID,
		Token:     secret,
		ExpiresAt: s.now().Add(s.refreshTTL),
		Version:   1,
	}

	if err := s.db.WithContext(ctx).Create(token).Error; err != nil {
		return nil, fmt.Errorf("token service: create refresh token: %w", err)
	}

	return token, nil
}

// RefreshAccessToken exchanges a refresh token for a new access token.
// It does not rotate the refresh token: the login/refresh endpoint is obliged
// to revoke the presented token and issue a replacement, otherwise a stolen
// token stays replayable until natural expiry.
func (s *TokenService) RefreshAccessToken(ctx context.Context, rawToken string) (string, *models.User, error) {
	rawToken = strings.TrimSpace(rawToken)
	if rawToken == "" {
		return "", nil, ErrTokenInvalid
	}

	now := s.now()

	blacklisted, err := s.IsBlacklisted(ctx, rawToken, models.TokenKindRefresh)
	if err != nil {
		return "", nil, err
	}
	if blacklisted {
		return "", nil, ErrTokenBlacklisted
	}

	var token models.RefreshToken
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Row lock linearises a refresh racing a revoke on the same token:
		// revoke-then-reuse always resolves to "reuse fails".
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Take(&token, "token = ?", rawToken).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrTokenInvalid
		}
		if err != nil {
			return fmt.Errorf("token service: find refresh token: %w", err)
		}
		if !token.Active(now) {
			return ErrTokenInvalid
		}
		return nil
	})
	if err != nil {
		return "", nil, err
	}

	var user models.User
	if err := s.db.WithContext(ctx).Take(&user, "id = ?", token.UserID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", nil, ErrTokenInvalid
		}
		return "", nil, fmt.Errorf("token service: load user: %w", err)
	}

	accessToken, err := s.IssueAccessToken(&user, "")
	if err != nil {
		return "", nil, fmt.Errorf("token service: generate access token: %w", err)
	}

	if err := s.db.WithContext(ctx).Model(&user).Update("last_login_at", now).Error; err != nil {
		return "", nil, fmt.Errorf("token service: touch last login: %w", err)
	}

	return accessToken, &user, nil
}

// RevokeRefreshToken marks the row revoked. It is idempotent: a second call
// leaves the original revocation timestamp and reason untouched, and a
// missing token is a no-op.
func (s *TokenService) RevokeRefreshToken(ctx context.Context, rawToken, reason, revokedByIP string) error {
	rawToken = strings.TrimSpace(rawToken)
	if rawToken == "" {
		return nil
	}

	now := s.now()
	result := s.db.WithContext(ctx).
		Model(&models.RefreshToken{}).
		Where("token = ? AND revoked = ?", rawToken, false).
		Updates(map[string]any{
			"revoked":        true,
			"revoked_at":     now,
			"revoked_reason": strings.TrimSpace(reason),
			"revoked_by_ip":  strings.TrimSpace(revokedByIP),
		})
	if result.Error != nil {
		return fmt.Errorf("token service: revoke refresh token: %w", result.Error)
	}

	if result.RowsAffected > 0 {
		metrics.TokenRevocations.WithLabelValues(revocationLabel(reason)).Inc()
	}

	return nil
}

// RevokeAllUserTokens bulk-revokes every active refresh token for the user.
// Used for "log out everywhere" and suspected compromise.
func (s *TokenService) RevokeAllUserTokens(ctx context.Context, userID, reason, revokedByIP string) (int64, error) {
	if strings.TrimSpace(userID) == "" {
		return 0, errors.New("token service: user id is required")
	}

	now := s.now()
	result := s.db.WithContext(ctx).
		Model(&models.RefreshToken{}).
		Where("user_id = ? AND revoked = ? AND expires_at > ?", userID, false, now).
		Updates(map[string]any{
			"revoked":        true,
			"revoked_at":     now,
			"revoked_reason": strings.TrimSpace(reason),
			"revoked_by_ip":  strings.TrimSpace(revokedByIP),
		})
	if result.Error != nil {
		return 0, fmt.Errorf("token service: revoke user tokens: %w", result.Error)
	}

	if result.RowsAffected > 0 {
		metrics.TokenRevocations.WithLabelValues(revocationLabel(reason)).Add(float64(result.RowsAffected))
	}

	return result.RowsAffected, nil
}

// BlacklistToken records the hash of a raw token so it can no longer be used,
// regardless of signature validity. The entry expires when the token would
// have expired naturally, so the ledger stays bounded. Idempotent.
func (s *TokenService) BlacklistToken(ctx context.Context, rawToken, kind, userID, reason, revokedByIP string) error {
	rawToken = strings.TrimSpace(rawToken)
	if rawToken == "" {
		return errors.New("token service: raw token is required")
	}

	var ttl time.Duration
	switch kind {
	case models.TokenKindAccess:
		ttl = s.jwt.AccessTokenTTL()
	case models.TokenKindRefresh:
		ttl = s.refreshTTL
	default:
		return fmt.Errorf("token service: unknown token kind %q", kind)
	}

	entry := models.BlacklistEntry{
		TokenHash:   crypto.HashToken(rawToken),
		TokenKind:   kind,
		ExpiresAt:   s.now().Add(ttl),
		Reason:      strings.TrimSpace(reason),
		RevokedByIP: strings.TrimSpace(revokedByIP),
	}
	if id := strings.TrimSpace(userID); id != "" {
		entry.UserID = &id
	}

	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "token_hash"}},
			DoNothing: true,
		}).
		Create(&entry).Error
	if err != nil {
		return fmt.Errorf("token service: blacklist token: %w", err)
	}

	return nil
}

// IsBlacklisted reports whether the token's hash has a live blacklist entry.
// Expired entries count as not blacklisted; no deletion is required for
// correctness.
func (s *TokenService) IsBlacklisted(ctx context.Context, rawToken, kind string) (bool, error) {
	rawToken = strings.TrimSpace(rawToken)
	if rawToken == "" {
		return false, nil
	}

	var count int64
	err := s.db.WithContext(ctx).
		Model(&models.BlacklistEntry{}).
		Where("token_hash = ? AND token_kind = ? AND expires_at > ?",
			crypto.HashToken(rawToken), kind, s.now()).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("token service: blacklist lookup: %w", err)
	}

	return count > 0, nil
}

// CleanupExpired sweeps expired blacklist entries and old revoked or expired
// refresh tokens. Rows are retained for a grace period after they become
// unusable so revocation metadata stays inspectable.
func (s *TokenService) CleanupExpired(ctx context.Context) (int64, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	now := s.now()
	cutoff := now.Add(-revokedRetention)

	var removed int64

	result := s.db.WithContext(ctx).
		Where("expires_at < ?", now).
		Delete(&models.BlacklistEntry{})
	if result.Error != nil {
		return 0, fmt.Errorf("token service: cleanup blacklist: %w", result.Error)
	}
	removed += result.RowsAffected

	result = s.db.WithContext(ctx).
		Where("(revoked = ? AND revoked_at < ?) OR expires_at < ?", true, cutoff, cutoff).
		Delete(&models.RefreshToken{})
	if result.Error != nil {
		return 0, fmt.Errorf("token service: cleanup refresh tokens: %w", result.Error)
	}
	removed += result.RowsAffected

	return removed, nil
}

func revocationLabel(reason string) string {
	reason = strings.ToLower(strings.TrimSpace(reason))
	switch {
	case reason == "":
		return "unspecified"
	case strings.Contains(reason, "rotat"):
		return "rotated"
	case strings.Contains(reason, "logout"):
		return "logout"
	case strings.Contains(reason, "compromise"), strings.Contains(reason, "suspicious"):
		return "compromise"
	default:
		return "other"
	}
}
