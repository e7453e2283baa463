package database

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"binance-position-tracker/internal/models"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// NewDatabase opens the sqlite archive and migrates its schema.
func NewDatabase(dsn string) (*gorm.DB, error) {
	if dir := filepath.Dir(dsn); dsn != "" && !strings.HasPrefix(dsn, "file:") && dsn != ":memory:" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := AutoMigrate(db); err != nil {
		return nil, err
	}

	return db, nil
}

// AutoMigrate creates or updates the archive tables. Existing rows are kept.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&models.ClosedPosition{}, &models.TradeEvent{}); err != nil {
		return fmt.Errorf("failed to auto-migrate database: %w", err)
	}
	return nil
}
