package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/querydeck/querydeck/internal/models"
	"github.com/querydeck/querydeck/pkg/crypto"
	"github.com/querydeck/querydeck/pkg/metrics"
)

const (
	// DefaultSessionTTL is the absolute lifetime of a login session.
	DefaultSessionTTL = 24 * time.Hour
	// DefaultIdleTimeout revokes sessions that go quiet for too long,
	// independent of absolute expiry.
	DefaultIdleTimeout = 120 * time.Minute
	// DefaultMaxConcurrent caps simultaneously active sessions per user.
	DefaultMaxConcurrent = 5

	// Anomaly heuristics.
	sessionBurstLimit   = 3
	sessionBurstWindow  = time.Hour
	rapidActivityCount  = 100
	rapidActivityWindow = 10 * time.Minute

	sessionRetention = 7 * 24 * time.Hour

	// IdleTimeoutReason is recorded when a session dies from inactivity.
	IdleTimeoutReason = "idle timeout"
)

var (
	// ErrSessionNotFound indicates that no session matches the identifier.
	ErrSessionNotFound = errors.New("session: not found")
	// ErrSessionLimitExceeded is returned when a user is already at the
	// concurrent-session ceiling. The caller must revoke explicitly; the
	// service never evicts silently.
	ErrSessionLimitExceeded = errors.New("session: concurrent session limit exceeded")
)

// SessionConfig describes tunable behaviour for the SessionService.
type SessionConfig struct {
	MaxConcurrent int
	SessionTTL    time.Duration
	IdleTimeout   time.Duration
	Clock         func() time.Time
}

// SessionMetadata captures contextual information about the client at login.
type SessionMetadata struct {
	IPAddress   string
	UserAgent   string
	LoginMethod string
	DeviceInfo  map[string]any
}

// SessionService creates, validates, expires, and revokes login sessions,
// and runs the advisory anomaly heuristics.
type SessionService struct {
	db            *gorm.DB
	maxConcurrent int
	sessionTTL    time.Duration
	idleTimeout   time.Duration
	now           func() time.Time
}

// NewSessionService constructs a session manager backed by the provided database.
func NewSessionService(db *gorm.DB, cfg SessionConfig) (*SessionService, error) {
	if db == nil {
		return nil, errors.New("session service: db is required")
	}

	svc := &SessionService{
		db:            db,
		maxConcurrent: cfg.MaxConcurrent,
		sessionTTL:    cfg.SessionTTL,
		idleTimeout:   cfg.IdleTimeout,
		now:           time.Now,
	}
	if svc.maxConcurrent <= 0 {
		svc.maxConcurrent = DefaultMaxConcurrent
	}
	if svc.sessionTTL <= 0 {
		svc.sessionTTL = DefaultSessionTTL
	}
	if svc.idleTimeout <= 0 {
		svc.idleTimeout = DefaultIdleTimeout
	}
	if cfg.Clock != nil {
		svc.now = cfg.Clock
	}

	return svc, nil
}

// CreateSession opens a new login session, enforcing the concurrency ceiling.
func (s *SessionService) CreateSession(ctx context.Context, userID string, meta SessionMetadata) (*models.Session, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, errors.New("session service: user id is required")
	}

	id, err := crypto.GenerateSessionID()
	if err != nil {
		return nil, fmt.Errorf("session service: generate session id: %w", err)
	}

	now := s.now()

	deviceInfo, err := encodeDeviceInfo(meta.DeviceInfo)
	if err != nil {
		return nil, err
	}

	session := &models.Session{
		ID:             id,
		UserID:         userID,
		IPAddress:      strings.TrimSpace(meta.IPAddress),
		UserAgent:      strings.TrimSpace(meta.UserAgent),
		LoginMethod:    strings.TrimSpace(meta.LoginMethod),
		DeviceInfo:     deviceInfo,
		CreatedAt:      now,
		LastActivityAt: now,
		ExpiresAt:      now.Add(s.sessionTTL),
		IsActive:       true,
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Lock the user's active rows so two racing logins cannot both
		// squeeze under the ceiling.
		var active []models.Session
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("user_id = ? AND is_active = ? AND expires_at > ?", userID, true, now).
			Find(&active).Error; err != nil {
			return fmt.Errorf("session service: count active sessions: %w", err)
		}
		if len(active) >= s.maxConcurrent {
			return ErrSessionLimitExceeded
		}

		return tx.Create(session).Error
	})
	if err != nil {
		return nil, err
	}

	metrics.ActiveSessions.Inc()

	return session, nil
}

// IsSessionValid reports whether the session can still authorise requests.
// A session past the idle ceiling is revoked here as a side effect; there is
// no separate expiry pass for idle sessions.
func (s *SessionService) IsSessionValid(ctx context.Context, sessionID string) (bool, error) {
	session, err := s.GetSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			return false, nil
		}
		return false, err
	}

	now := s.now()
	if !session.IsValid(now) {
		return false, nil
	}

	if session.IdleTime(now) > s.idleTimeout {
		if err := s.RevokeSession(ctx, sessionID, IdleTimeoutReason, ""); err != nil && !errors.Is(err, ErrSessionNotFound) {
			return false, err
		}
		return false, nil
	}

	return true, nil
}

// GetSession loads a session row by id.
func (s *SessionService) GetSession(ctx context.Context, sessionID string) (*models.Session, error) {
	if strings.TrimSpace(sessionID) == "" {
		return nil, ErrSessionNotFound
	}

	var session models.Session
	err := s.db.WithContext(ctx).Take(&session, "id = ?", sessionID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("session service: find session: %w", err)
	}

	return &session, nil
}

// ListUserSessions returns the user's currently active sessions.
func (s *SessionService) ListUserSessions(ctx context.Context, userID string) ([]models.Session, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, errors.New("session service: user id is required")
	}

	var sessions []models.Session
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND is_active = ? AND expires_at > ?", userID, true, s.now()).
		Order("last_activity_at DESC").
		Find(&sessions).Error
	if err != nil {
		return nil, fmt.Errorf("session service: list sessions: %w", err)
	}

	return sessions, nil
}

// TouchActivity bumps the last-activity timestamp and the activity counter.
// Invalid sessions are silently ignored; the caller is expected to have
// validated already.
func (s *SessionService) TouchActivity(ctx context.Context, sessionID string) error {
	if strings.TrimSpace(sessionID) == "" {
		return nil
	}

	now := s.now()
	err := s.db.WithContext(ctx).
		Model(&models.Session{}).
		Where("id = ? AND is_active = ? AND expires_at > ?", sessionID, true, now).
		Updates(map[string]any{
			"last_activity_at": now,
			"activity_count":   gorm.Expr("activity_count + 1"),
		}).Error
	if err != nil {
		return fmt.Errorf("session service: touch activity: %w", err)
	}

	return nil
}

// RevokeSession permanently deactivates one session. Revocation is terminal;
// a revoked id is never reactivated.
func (s *SessionService) RevokeSession(ctx context.Context, sessionID, reason, revokedByIP string) error {
	if strings.TrimSpace(sessionID) == "" {
		return ErrSessionNotFound
	}

	result := s.db.WithContext(ctx).
		Model(&models.Session{}).
		Where("id = ? AND is_active = ?", sessionID, true).
		Updates(s.revocationColumns(reason, revokedByIP))
	if result.Error != nil {
		return fmt.Errorf("session service: revoke session: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrSessionNotFound
	}

	metrics.ActiveSessions.Sub(float64(result.RowsAffected))

	return nil
}

// RevokeUserSessions revokes every active session belonging to a user.
func (s *SessionService) RevokeUserSessions(ctx context.Context, userID, reason, revokedByIP string) (int64, error) {
	if strings.TrimSpace(userID) == "" {
		return 0, errors.New("session service: user id is required")
	}

	result := s.db.WithContext(ctx).
		Model(&models.Session{}).
		Where("user_id = ? AND is_active = ?", userID, true).
		Updates(s.revocationColumns(reason, revokedByIP))
	if result.Error != nil {
		return 0, fmt.Errorf("session service: revoke user sessions: %w", result.Error)
	}

	if result.RowsAffected > 0 {
		metrics.ActiveSessions.Sub(float64(result.RowsAffected))
	}

	return result.RowsAffected, nil
}

// RevokeOtherSessions revokes every active session for the user except the
// one given, backing the "sign out other devices" action.
func (s *SessionService) RevokeOtherSessions(ctx context.Context, currentSessionID, userID, reason string) (int64, error) {
	if strings.TrimSpace(userID) == "" {
		return 0, errors.New("session service: user id is required")
	}
	if strings.TrimSpace(currentSessionID) == "" {
		return 0, errors.New("session service: current session id is required")
	}

	result := s.db.WithContext(ctx).
		Model(&models.Session{}).
		Where("user_id = ? AND id <> ? AND is_active = ?", userID, currentSessionID, true).
		Updates(s.revocationColumns(reason, ""))
	if result.Error != nil {
		return 0, fmt.Errorf("session service: revoke other sessions: %w", result.Error)
	}

	if result.RowsAffected > 0 {
		metrics.ActiveSessions.Sub(float64(result.RowsAffected))
	}

	return result.RowsAffected, nil
}

// DetectAnomalies runs the advisory heuristics against a session. Reasons
// accumulate semicolon-joined without duplicates, and flagging never blocks
// the request; it only sets state for later review.
func (s *SessionService) DetectAnomalies(ctx context.Context, sessionID, ip, userAgent string) error {
	session, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}

	now := s.now()
	var found []string

	ip = strings.TrimSpace(ip)
	if ip != "" && session.IPAddress != "" && ip != session.IPAddress {
		found = append(found, fmt.Sprintf("ip address changed from %s to %s", session.IPAddress, ip))
	}

	userAgent = strings.TrimSpace(userAgent)
	if userAgent != "" && session.UserAgent != "" && userAgent != session.UserAgent {
		found = append(found, "user agent changed")
	}

	var recent int64
	err = s.db.WithContext(ctx).
		Model(&models.Session{}).
		Where("user_id = ? AND created_at > ?", session.UserID, now.Add(-sessionBurstWindow)).
		Count(&recent).Error
	if err != nil {
		return fmt.Errorf("session service: count recent sessions: %w", err)
	}
	if recent > sessionBurstLimit {
		found = append(found, fmt.Sprintf("more than %d sessions created within one hour", sessionBurstLimit))
	}

	if session.ActivityCount > rapidActivityCount && now.Sub(session.CreatedAt) < rapidActivityWindow {
		found = append(found, "unusually high activity shortly after login")
	}

	if len(found) == 0 {
		return nil
	}

	reasons := mergeReasons(session.SuspiciousReason, found)
	if reasons == session.SuspiciousReason && session.IsSuspicious {
		return nil
	}

	err = s.db.WithContext(ctx).
		Model(&models.Session{}).
		Where("id = ?", sessionID).
		Updates(map[string]any{
			"is_suspicious":     true,
			"suspicious_reason": reasons,
		}).Error
	if err != nil {
		return fmt.Errorf("session service: flag session: %w", err)
	}

	if !session.IsSuspicious {
		metrics.SuspiciousSessions.Inc()
	}

	return nil
}

// CleanupExpired deletes sessions that have been revoked or expired for
// longer than the retention window.
func (s *SessionService) CleanupExpired(ctx context.Context) (int64, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	now := s.now()
	cutoff := now.Add(-sessionRetention)

	// Deactivate naturally expired rows first so the gauge is only adjusted
	// once per session across repeated sweeps.
	expired := s.db.WithContext(ctx).
		Model(&models.Session{}).
		Where("expires_at < ? AND is_active = ?", now, true).
		Updates(map[string]any{
			"is_active":      false,
			"revoked_at":     now,
			"revoked_reason": "expired",
		})
	if expired.Error != nil {
		return 0, fmt.Errorf("session service: expire sessions: %w", expired.Error)
	}
	if expired.RowsAffected > 0 {
		metrics.ActiveSessions.Sub(float64(expired.RowsAffected))
	}

	result := s.db.WithContext(ctx).
		Where("expires_at < ?", cutoff).
		Or("revoked_at IS NOT NULL AND revoked_at < ?", cutoff).
		Delete(&models.Session{})
	if result.Error != nil {
		return 0, fmt.Errorf("session service: cleanup sessions: %w", result.Error)
	}

	return result.RowsAffected, nil
}

func (s *SessionService) revocationColumns(reason, revokedByIP string) map[string]any {
	return map[string]any{
		"is_active":      false,
		"revoked_at":     s.now(),
		"revoked_reason": strings.TrimSpace(reason),
		"revoked_by_ip":  strings.TrimSpace(revokedByIP),
	}
}

func mergeReasons(existing string, found []string) string {
	seen := make(map[string]bool)
	var merged []string
	for _, part := range strings.Split(existing, ";") {
		part = strings.TrimSpace(part)
		if part == "" || seen[part] {
			continue
		}
		seen[part] = true
		merged = append(merged, part)
	}
	for _, reason := range found {
		if seen[reason] {
			continue
		}
		seen[reason] = true
		merged = append(merged, reason)
	}
	return strings.Join(merged, "; ")
}

func encodeDeviceInfo(info map[string]any) (datatypes.JSON, error) {
	if len(info) == 0 {
		return nil, nil
	}
	payload, err := json.Marshal(info)
	if err != nil {
		return nil, fmt.Errorf("session service: marshal device info: %w", err)
	}
	return datatypes.JSON(payload), nil
}
