package store

import (
	"time"

	"gorm.io/datatypes"
)

// GORM models used for persistence.
type UserModel struct {
	ID           uint      `gorm:"primaryKey"`
	Username     string    `gorm:"uniqueIndex;size:150;not null"`
	PasswordHash string    `gorm:"not null"`
	CreatedAt    time.Time `gorm:"not null"`
}

type ScanModel struct {
	ID         uint           `gorm:"primaryKey"`
	UserID     uint           `gorm:"not null;index"`
	CreatedAt  time.Time      `gorm:"not null;index"`
	ImagePaths datatypes.JSON `gorm:"type:jsonb"`
	Records    datatypes.JSON `gorm:"type:jsonb"`
}
