package database

import (
	"fmt"

	"dpifuzz/config"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

// NewDBConnection opens the crash database. Without DATABASE_URL crashes are not
// persisted to postgres and a nil *gorm.DB is returned.
func NewDBConnection(appConfig *config.AppConfig, logger *zap.Logger) (*gorm.DB, error) {
	connectionString := appConfig.DatabaseURL
	if connectionString == "" {
		logger.Debug("no database configured")
		return nil, nil
	}
	db, err := gorm.Open(postgres.Open(connectionString), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to connect database: %w", err)
	}
	if err := db.AutoMigrate(&Crash{}); err != nil {
		return nil, fmt.Errorf("failed to migrate crash table: %w", err)
	}
	logger.Debug("connected to database")
	return db, nil
}
