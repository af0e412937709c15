// Package store provides GORM-backed persistence for instances, flags,
// submission attempts, audit events, challenges, and runtime config.
package store

import (
	"context"
	"fmt"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Open connects to the configured database. driver is "postgres" or
// "sqlite"; for sqlite the dsn is a file path or ":memory:".
func Open(driver, dsn string) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch driver {
	case "postgres":
		dialector = postgres.Open(dsn)
	case "sqlite":
		if dsn == "" {
			dsn = ":memory:"
		}
		dialector = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Connection pool settings only matter for postgres; sqlite is a single
	// file handle.
	if driver == "postgres" {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("failed to get underlying db: %w", err)
		}
		sqlDB.SetMaxOpenConns(25)
		sqlDB.SetMaxIdleConns(5)
	}

	return db, nil
}

// Migrate creates or updates the schema for all models, including the
// partial unique index that enforces one live instance per
// (challenge, account) pair at the commit point.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&Challenge{},
		&Instance{},
		&FlagRecord{},
		&FlagAttempt{},
		&AuditLog{},
		&ConfigEntry{},
	); err != nil {
		return fmt.Errorf("auto-migrate: %w", err)
	}

	// GORM tags cannot express a partial unique index; both sqlite and
	// postgres accept this form.
	if err := db.Exec(
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_one_live_instance
		 ON container_instances (challenge_id, account_id)
		 WHERE status IN ('pending', 'provisioning', 'running')`,
	).Error; err != nil {
		return fmt.Errorf("create live-instance index: %w", err)
	}
	return nil
}

// Ping verifies the connection is alive.
func Ping(ctx context.Context, db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close closes the underlying connection.
func Close(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
