package repository

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

const sqlitePrefix = "sqlite:"

// Open connects to the database named by dsn. A "sqlite:" prefix selects a
// local SQLite file (or ":memory:"); anything else is a postgres DSN.
func Open(ctx context.Context, dsn string, logger *zap.Logger) (*gorm.DB, error) {
	cfg := &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Warn)}

	var dialector gorm.Dialector
	driver := "postgres"
	if path, ok := strings.CutPrefix(dsn, sqlitePrefix); ok {
		driver = "sqlite"
		dialector = sqlite.Open(path)
	} else {
		dialector = postgres.Open(dsn)
	}

	db, err := gorm.Open(dialector, cfg)
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", driver, err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("access db handle: %w", err)
	}
	if driver == "sqlite" {
		sqlDB.SetMaxOpenConns(1)
	} else {
		sqlDB.SetMaxIdleConns(5)
		sqlDB.SetMaxOpenConns(10)
		sqlDB.SetConnMaxLifetime(time.Hour)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping %s database: %w", driver, err)
	}
	logger.Info("database connected", zap.String("driver", driver))
	return db, nil
}
