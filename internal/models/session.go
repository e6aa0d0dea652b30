package models

import (
	"time"

	"gorm.io/datatypes"
)

// Session is a logical login instance, one per device/browser, independent of
// any single token. The ID is generated by the session service rather than a
// BeforeCreate hook because it doubles as a bearer-adjacent secret.
type Session struct {
	ID     string `gorm:"primaryKey" json:"id"`
	UserID string `gorm:"type:uuid;not null;index" json:"user_id"`
	User   *User  `gorm:"foreignKey:UserID" json:"-"`

	IPAddress   string         `json:"ip_address"`
	UserAgent   string         `json:"user_agent"`
	LoginMethod string         `json:"login_method"`
	DeviceInfo  datatypes.JSON `json:"device_info,omitempty"`

	CreatedAt      time.Time `json:"created_at"`
	LastActivityAt time.Time `gorm:"index" json:"last_activity_at"`
	ExpiresAt      time.Time `gorm:"index" json:"expires_at"`

	ActivityCount int64 `gorm:"default:0" json:"activity_count"`

	IsActive bool `gorm:"default:true;index" json:"is_active"`

	IsSuspicious     bool   `gorm:"default:false" json:"is_suspicious"`
	SuspiciousReason string `json:"suspicious_reason,omitempty"`

	RevokedAt     *time.Time `json:"revoked_at"`
	RevokedReason string     `json:"revoked_reason,omitempty"`
	RevokedByIP   string     `json:"-"`

	UpdatedAt time.Time `json:"updated_at"`
}

// IsValid reports whether the session is usable at the given instant. Idle
// expiry is enforced separately by the session service.
func (s *Session) IsValid(now time.Time) bool {
	return s.IsActive && now.Before(s.ExpiresAt)
}

// IdleTime returns how long the session has gone without activity.
func (s *Session) IdleTime(now time.Time) time.Duration {
	return now.Sub(s.LastActivityAt)
}
