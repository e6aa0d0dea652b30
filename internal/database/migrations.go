package database

import (
	"gorm.io/gorm"

	"github.com/querydeck/querydeck/internal/models"
)

// AutoMigrate creates or updates the database schema for all models.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&models.User{},
		&models.RefreshToken{},
		&models.BlacklistEntry{},
		&models.Session{},
		&models.AuditLog{},
		&models.CacheEntry{},
	)
}
