// Package session holds the non-credential session data kept on this
// machine: the signed-in profile and the user's active selections. The
// credentials themselves never pass through here; they live in the
// transport's cookie jar.
package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/zulandar/datamind/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Preference keys.
const (
	KeyDataSource   = "active_data_source"
	KeyConversation = "active_conversation"
	KeyDashboard    = "active_dashboard"
)

// ErrNoProfile is returned when nobody is signed in on this machine.
var ErrNoProfile = errors.New("session: no profile")

// Store persists profile and preferences with GORM.
type Store struct {
	db *gorm.DB
}

// NewStore wraps an already-migrated database.
func NewStore(db *gorm.DB) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("session: db is required")
	}
	return &Store{db: db}, nil
}

// SaveProfile records the signed-in user, replacing any previous profile.
func (s *Store) SaveProfile(p *models.Profile) error {
	if p.UserID == "" {
		return fmt.Errorf("session: save profile: user id is required")
	}
	if p.SignedInAt.IsZero() {
		p.SignedInAt = time.Now()
	}
	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("user_id <> ?", p.UserID).Delete(&models.Profile{}).Error; err != nil {
			return fmt.Errorf("session: save profile: %w", err)
		}
		result := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"email", "full_name", "role", "org_id", "signed_in_at"}),
		}).Create(p)
		if result.Error != nil {
			return fmt.Errorf("session: save profile %s: %w", p.UserID, result.Error)
		}
		return nil
	})
}

// Profile returns the signed-in user, or ErrNoProfile.
func (s *Store) Profile() (*models.Profile, error) {
	var p models.Profile
	err := s.db.First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNoProfile
	}
	if err != nil {
		return nil, fmt.Errorf("session: load profile: %w", err)
	}
	return &p, nil
}

// SetPref stores value under key. An empty value deletes the key.
func (s *Store) SetPref(key, value string) error {
	if value == "" {
		if err := s.db.Delete(&models.Preference{Key: key}).Error; err != nil {
			return fmt.Errorf("session: clear pref %s: %w", key, err)
		}
		return nil
	}
	pref := models.Preference{Key: key, Value: value, UpdatedAt: time.Now()}
	result := s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).Create(&pref)
	if result.Error != nil {
		return fmt.Errorf("session: set pref %s: %w", key, result.Error)
	}
	return nil
}

// Pref returns the value stored under key, or "" when unset.
func (s *Store) Pref(key string) (string, error) {
	var pref models.Preference
	err := s.db.Where(&models.Preference{Key: key}).First(&pref).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("session: get pref %s: %w", key, err)
	}
	return pref.Value, nil
}

// Clear removes every profile and preference.
func (s *Store) Clear() error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&models.Preference{}).Error; err != nil {
			return fmt.Errorf("session: clear prefs: %w", err)
		}
		if err := tx.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&models.Profile{}).Error; err != nil {
			return fmt.Errorf("session: clear profile: %w", err)
		}
		return nil
	})
}
