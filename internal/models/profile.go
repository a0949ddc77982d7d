package models

import "time"

// Profile caches the signed-in user between CLI runs.
type Profile struct {
	ID         uint      `gorm:"primaryKey;autoIncrement"`
	UserID     string    `gorm:"size:64;uniqueIndex;not null"`
	Email      string    `gorm:"size:255;not null"`
	FullName   string    `gorm:"size:255"`
	Role       string    `gorm:"size:32"`
	OrgID      string    `gorm:"size:64"`
	SignedInAt time.Time
}

// Preference is one non-credential session setting, such as the active data
// source or the active conversation.
type Preference struct {
	Key       string `gorm:"primaryKey;size:64"`
	Value     string `gorm:"type:text"`
	UpdatedAt time.Time
}
