// Command migrate creates or upgrades the Postgres schema. Statements are
// idempotent, so re-running against an existing database is safe.
package main

import (
	"database/sql"
	"os"

	_ "github.com/lib/pq"

	"github.com/tdmboyd-dev/TIME-sub002/internal/pkg/logger"
)

var statements = []string{
	`CREATE TABLE IF NOT EXISTS segments (
		id          TEXT PRIMARY KEY,
		name        TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		root        JSONB NOT NULL,
		created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS trigger_configs (
		id            TEXT PRIMARY KEY,
		event         TEXT NOT NULL,
		template_id   TEXT NOT NULL,
		subject       TEXT NOT NULL DEFAULT '',
		delay_minutes INT NOT NULL DEFAULT 0,
		conditions    JSONB,
		segment_id    TEXT NOT NULL DEFAULT '',
		sequence_id   TEXT NOT NULL DEFAULT '',
		ab_test_id    TEXT NOT NULL DEFAULT '',
		campaign_id   TEXT NOT NULL DEFAULT '',
		enabled       BOOLEAN NOT NULL DEFAULT TRUE,
		created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_trigger_configs_event ON trigger_configs (event) WHERE enabled`,
	`CREATE TABLE IF NOT EXISTS ab_tests (
		id                  TEXT PRIMARY KEY,
		name                TEXT NOT NULL,
		campaign_id         TEXT NOT NULL DEFAULT '',
		variants            JSONB NOT NULL,
		status              TEXT NOT NULL,
		winner_metric       TEXT NOT NULL,
		minimum_sample_size INT NOT NULL,
		confidence_level    DOUBLE PRECISION NOT NULL,
		winner_id           TEXT NOT NULL DEFAULT '',
		created_at          TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		completed_at        TIMESTAMPTZ
	)`,
	`CREATE TABLE IF NOT EXISTS suppression_entries (
		email         TEXT PRIMARY KEY,
		reason        TEXT NOT NULL,
		bounce_count  INT NOT NULL DEFAULT 1,
		first_bounce  TIMESTAMPTZ NOT NULL,
		last_bounce   TIMESTAMPTZ NOT NULL,
		suppressed_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS soft_bounce_trackers (
		email           TEXT PRIMARY KEY,
		count           INT NOT NULL,
		first_bounce_at TIMESTAMPTZ NOT NULL,
		last_bounce_at  TIMESTAMPTZ NOT NULL,
		next_retry_at   TIMESTAMPTZ,
		retry_attempts  INT NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS scheduled_emails (
		id          TEXT PRIMARY KEY,
		trigger_id  TEXT NOT NULL,
		user_id     TEXT NOT NULL,
		email       TEXT NOT NULL,
		subject     TEXT NOT NULL DEFAULT '',
		template_id TEXT NOT NULL,
		metadata    JSONB,
		send_at     TIMESTAMPTZ NOT NULL,
		status      TEXT NOT NULL,
		error       TEXT NOT NULL DEFAULT '',
		created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_scheduled_emails_due ON scheduled_emails (send_at) WHERE status = 'PENDING'`,
	`CREATE TABLE IF NOT EXISTS sequences (
		id         TEXT PRIMARY KEY,
		name       TEXT NOT NULL,
		steps      JSONB NOT NULL,
		enabled    BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS sequence_runs (
		id           TEXT PRIMARY KEY,
		sequence_id  TEXT NOT NULL,
		user_id      TEXT NOT NULL,
		email        TEXT NOT NULL,
		current_step INT NOT NULL DEFAULT 0,
		status       TEXT NOT NULL,
		next_run_at  TIMESTAMPTZ,
		completed_at TIMESTAMPTZ,
		created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_sequence_runs_due ON sequence_runs (next_run_at) WHERE status = 'running'`,
	`CREATE INDEX IF NOT EXISTS idx_sequence_runs_user ON sequence_runs (user_id, sequence_id)`,
}

func main() {
	log := logger.With("migrate")

	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		log.Error("DATABASE_URL is required")
		os.Exit(1)
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		log.Error("database open failed", "error", err.Error())
		os.Exit(1)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		log.Error("database ping failed", "error", err.Error())
		os.Exit(1)
	}

	for i, stmt := range statements {
		if _, err := db.Exec(stmt); err != nil {
			log.Error("migration failed", "statement", i, "error", err.Error())
			os.Exit(1)
		}
	}
	log.Info("schema up to date", "statements", len(statements))
}
