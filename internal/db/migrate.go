package db

import (
	"fmt"

	"github.com/zulandar/datamind/internal/models"
	"gorm.io/gorm"
)

// AllModels returns the GORM models of the local session store.
func AllModels() []interface{} {
	return []interface{}{
		&models.Profile{},
		&models.Preference{},
	}
}

// AutoMigrate creates or updates the session store tables.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(AllModels()...); err != nil {
		return fmt.Errorf("db: auto-migrate: %w", err)
	}
	return nil
}
