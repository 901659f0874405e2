// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package store implements the job store (C-JS): durable persistence
// of jobs, their step logs, and the configuration-snapshot history,
// backed by SQLite through the runner's connection pool.
package store

import (
	"context"
	"fmt"
	"log/slog"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/ridgeline-ci/cicd-runner/lib/clock"
	"github.com/ridgeline-ci/cicd-runner/lib/sqlitepool"
)

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
	id                   TEXT PRIMARY KEY,
	project_name         TEXT NOT NULL,
	branch               TEXT NOT NULL,
	status               TEXT NOT NULL,
	commit_sha           TEXT,
	commit_message       TEXT,
	commit_author_name   TEXT,
	commit_author_email  TEXT,
	pusher_name          TEXT,
	repository_url       TEXT,
	started_at           TEXT,
	completed_at         TEXT,
	duration_ms          INTEGER,
	output               TEXT NOT NULL DEFAULT '',
	output_truncated     INTEGER NOT NULL DEFAULT 0,
	error                TEXT,
	created_at           TEXT NOT NULL,
	dry_run              INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_jobs_project ON jobs(project_name);
CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
CREATE INDEX IF NOT EXISTS idx_jobs_created_at ON jobs(created_at);

CREATE TABLE IF NOT EXISTS job_logs (
	id                INTEGER PRIMARY KEY AUTOINCREMENT,
	job_id            TEXT NOT NULL REFERENCES jobs(id) ON DELETE CASCADE,
	sequence          INTEGER NOT NULL,
	log_type          TEXT NOT NULL,
	command           TEXT,
	started_at        TEXT,
	completed_at      TEXT,
	duration_ms       INTEGER,
	exit_code         INTEGER,
	output            TEXT NOT NULL DEFAULT '',
	output_truncated  INTEGER NOT NULL DEFAULT 0,
	status            TEXT NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_job_logs_job_sequence ON job_logs(job_id, sequence);

CREATE TABLE IF NOT EXISTS config_snapshots (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	snapshot_at TEXT NOT NULL,
	raw_toml    TEXT NOT NULL,
	reason      TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_config_snapshots_at ON config_snapshots(snapshot_at);
`

// Store persists jobs, step logs, and configuration snapshots.
type Store struct {
	pool   *sqlitepool.Pool
	clock  clock.Clock
	logger *slog.Logger
}

// Config configures Open.
type Config struct {
	Path   string
	Clock  clock.Clock
	Logger *slog.Logger
}

// Open opens (and, if necessary, creates) the SQLite database at
// cfg.Path and ensures the schema exists.
func Open(cfg Config) (*Store, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	c := cfg.Clock
	if c == nil {
		c = clock.Real()
	}

	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:   cfg.Path,
		Logger: logger,
		OnConnect: func(conn *sqlite.Conn) error {
			return sqlitex.ExecuteScript(conn, schema, nil)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("store: opening %s: %w", cfg.Path, err)
	}

	return &Store{pool: pool, clock: c, logger: logger}, nil
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	return s.pool.Close()
}

// withConn borrows a connection, runs fn, and returns it to the pool.
func (s *Store) withConn(ctx context.Context, fn func(conn *sqlite.Conn) error) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("store: take connection: %w", err)
	}
	defer s.pool.Put(conn)
	return fn(conn)
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolToInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}
