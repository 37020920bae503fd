package database

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/ward-tech-solutions/ward-flux-credobank-sub001/pkg/config"
	"github.com/ward-tech-solutions/ward-flux-credobank-sub001/pkg/models"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Connect initializes the database connection
func Connect(cfg *config.Config) (*gorm.DB, error) {
	dsn := fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=disable TimeZone=UTC",
		cfg.DBHost, cfg.DBUser, cfg.DBPassword, cfg.DBName, cfg.DBPort)

	gormConfig := &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Warn),
		TranslateError: true,
		NowFunc:        func() time.Time { return time.Now().UTC() },
	}

	db, err := gorm.Open(postgres.Open(dsn), gormConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.DB: %w", err)
	}
	sqlDB.SetMaxOpenConns(cfg.MaxInFlight/4 + 8)
	sqlDB.SetMaxIdleConns(8)
	sqlDB.SetConnMaxIdleTime(5 * time.Minute)

	slog.Info("Connected to database", "component", "Database", "host", cfg.DBHost, "name", cfg.DBName)
	return db, nil
}

// Migrate creates the tables owned by the engine. Devices and credential
// profiles belong to the inventory service and are not migrated here.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&models.DeviceState{}, &models.Baseline{}, &models.AlertInstance{}); err != nil {
		return fmt.Errorf("auto-migrate: %w", err)
	}
	slog.Info("Schema migrated", "component", "Database")
	return nil
}
