package db

import (
	"time"
)

// User is an operator that can call the admin API. The bootstrap admin
// (from env) is created as a row in this table on startup.
type User struct {
	ID uint `gorm:"primaryKey"`

	CreatedAt time.Time
	UpdatedAt time.Time

	Username     string `gorm:"uniqueIndex;size:64;not null"`
	PasswordHash string `gorm:"size:255;not null"`

	IsAdmin bool `gorm:"not null"`
}
