// Package db opens the run history database.
package db

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/rs/zerolog"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const connectTimeout = time.Minute

// Connect opens Postgres, retrying with exponential backoff for up to a
// minute, and applies the migrations.
func Connect(ctx context.Context, dsn string, log zerolog.Logger) (*gorm.DB, error) {
	var conn *gorm.DB

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.MaxElapsedTime = connectTimeout
	expBackoff.InitialInterval = 2 * time.Second

	operation := func() error {
		db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Silent),
		})
		if err != nil {
			return err
		}
		sqlDB, err := db.DB()
		if err != nil {
			return err
		}
		if err := sqlDB.PingContext(ctx); err != nil {
			sqlDB.Close()
			return err
		}
		sqlDB.SetMaxOpenConns(10)
		sqlDB.SetConnMaxIdleTime(5 * time.Minute)
		conn = db
		return nil
	}
	notify := func(err error, wait time.Duration) {
		log.Warn().Err(err).Dur("retry_in", wait).Msg("failed to connect to database, will retry")
	}

	if err := backoff.RetryNotify(operation, backoff.WithContext(expBackoff, ctx), notify); err != nil {
		return nil, fmt.Errorf("failed to connect to database after retries: %w", err)
	}

	if err := runMigrations(conn.WithContext(ctx)); err != nil {
		return nil, err
	}
	log.Info().Int("migrations", len(migrationStatements)).Msg("database ready")
	return conn, nil
}
