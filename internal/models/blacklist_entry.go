package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Token kinds accepted by the blacklist.
const (
	TokenKindAccess  = "access"
	TokenKindRefresh = "refresh"
)

// BlacklistEntry makes a concrete token unusable before its natural expiry.
// Access tokens are self-verifying, so blacklisting is the only way to kill
// one early. Entries store a one-way hash of the raw value and mirror the
// token's natural expiry so they can be swept once moot.
type BlacklistEntry struct {
	ID        string  `gorm:"primaryKey;type:uuid" json:"id"`
	TokenHash string  `gorm:"uniqueIndex;not null" json:"-"`
	TokenKind string  `gorm:"not null" json:"token_kind"`
	UserID    *string `gorm:"type:uuid;index" json:"user_id"`

	ExpiresAt   time.Time `gorm:"index" json:"expires_at"`
	Reason      string    `json:"reason"`
	RevokedByIP string    `json:"revoked_by_ip"`

	CreatedAt time.Time `json:"created_at"`
}

func (b *BlacklistEntry) BeforeCreate(tx *gorm.DB) error {
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	return nil
}
