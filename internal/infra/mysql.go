package infra

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	mysqldriver "github.com/go-sql-driver/mysql"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const (
	mysqlConnectAttempts = 10
	mysqlRetryInterval   = 2 * time.Second
)

// NewMySQL opens a GORM handle on MySQL, retrying while the server comes up.
// The DSN is normalised so DATETIME columns scan into time.Time in UTC.
func NewMySQL(ctx context.Context, dsn string, log *slog.Logger) (*gorm.DB, error) {
	if dsn == "" {
		return nil, fmt.Errorf("mysql dsn is required")
	}
	normalized, err := normalizeMySQLDSN(dsn)
	if err != nil {
		return nil, err
	}

	gormCfg := &gorm.Config{
		SkipDefaultTransaction: true,
		Logger:                 logger.Default.LogMode(logger.Error),
	}

	var db *gorm.DB
	for attempt := 1; attempt <= mysqlConnectAttempts; attempt++ {
		db, err = gorm.Open(mysql.Open(normalized), gormCfg)
		if err == nil {
			err = pingGorm(ctx, db)
		}
		if err == nil {
			break
		}
		if attempt == mysqlConnectAttempts {
			return nil, fmt.Errorf("connect mysql after %d attempts: %w", attempt, err)
		}
		log.Warn("mysql not ready, retrying", slog.Int("attempt", attempt), slog.Any("error", err))
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("connect mysql: %w", ctx.Err())
		case <-time.After(mysqlRetryInterval):
		}
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("mysql handle: %w", err)
	}
	sqlDB.SetMaxOpenConns(50)
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetConnMaxLifetime(30 * time.Minute)
	return db, nil
}

// CloseGorm releases the pool behind db.
func CloseGorm(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func pingGorm(ctx context.Context, db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func normalizeMySQLDSN(dsn string) (string, error) {
	cfg, err := mysqldriver.ParseDSN(dsn)
	if err != nil {
		return "", fmt.Errorf("parse mysql dsn: %w", err)
	}
	cfg.ParseTime = true
	cfg.Loc = time.UTC
	return cfg.FormatDSN(), nil
}
