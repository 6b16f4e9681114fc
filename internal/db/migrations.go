package db

import (
	"fmt"

	"gorm.io/gorm"
)

var migrationStatements = []string{
	`CREATE TABLE IF NOT EXISTS runs (
		id              TEXT PRIMARY KEY,
		trigger         TEXT NOT NULL,
		source          TEXT NOT NULL,
		status          TEXT NOT NULL,
		total           INT NOT NULL DEFAULT 0,
		updated         INT NOT NULL DEFAULT 0,
		skipped         INT NOT NULL DEFAULT 0,
		failed          INT NOT NULL DEFAULT 0,
		not_attempted   INT NOT NULL DEFAULT 0,
		abort_reason    TEXT,
		started_at      TIMESTAMPTZ NOT NULL,
		finished_at     TIMESTAMPTZ NOT NULL,
		summary         JSONB,
		created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
	);`,
	`CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs(started_at);`,
	`CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);`,
	`CREATE TABLE IF NOT EXISTS run_outcomes (
		run_id          TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
		position        INT NOT NULL,
		plate           TEXT NOT NULL,
		kind            TEXT NOT NULL,
		reason          TEXT,
		manifests       INT NOT NULL DEFAULT 0,
		created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (run_id, position)
	);`,
	`CREATE INDEX IF NOT EXISTS idx_run_outcomes_plate ON run_outcomes(plate);`,
}

func runMigrations(db *gorm.DB) error {
	for i, stmt := range migrationStatements {
		if err := db.Exec(stmt).Error; err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}
	return nil
}
