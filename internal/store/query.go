// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"fmt"
	"sort"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// Stats summarizes the job table for the /api/stats route. The status
// counts include every job, dry runs included; NonDryRunTotal and
// NonDryRunSuccess are tracked separately so SuccessRate can exclude
// dry runs the same way ProjectSummary.SuccessRate does.
type Stats struct {
	TotalJobs   int
	QueuedJobs  int
	RunningJobs int
	SuccessJobs int
	FailedJobs  int

	NonDryRunTotal   int
	NonDryRunSuccess int
}

// SuccessRate returns the fraction of non-dry-run jobs that succeeded,
// or 0 if no non-dry-run job has completed yet.
func (st Stats) SuccessRate() float64 {
	if st.NonDryRunTotal == 0 {
		return 0
	}
	return float64(st.NonDryRunSuccess) / float64(st.NonDryRunTotal)
}

// Stats computes aggregate job counts by status.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var out Stats
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		err := sqlitex.Execute(conn, `SELECT status, COUNT(*) FROM jobs GROUP BY status`,
			&sqlitex.ExecOptions{
				ResultFunc: func(stmt *sqlite.Stmt) error {
					status := stmt.ColumnText(0)
					count := int(stmt.ColumnInt64(1))
					out.TotalJobs += count
					switch JobStatus(status) {
					case JobQueued:
						out.QueuedJobs = count
					case JobRunning:
						out.RunningJobs = count
					case JobSuccess:
						out.SuccessJobs = count
					case JobFailed:
						out.FailedJobs = count
					}
					return nil
				},
			})
		if err != nil {
			return err
		}

		return sqlitex.Execute(conn, `
			SELECT COUNT(*), SUM(CASE WHEN status = 'success' THEN 1 ELSE 0 END)
			FROM jobs WHERE dry_run = 0`,
			&sqlitex.ExecOptions{
				ResultFunc: func(stmt *sqlite.Stmt) error {
					out.NonDryRunTotal = int(stmt.ColumnInt64(0))
					out.NonDryRunSuccess = int(stmt.ColumnInt64(1))
					return nil
				},
			})
	})
	if err != nil {
		return Stats{}, fmt.Errorf("store: stats: %w", err)
	}
	return out, nil
}

// ProjectSummary is one row of the /api/projects listing: a project's
// most recent job plus its historical success rate, computed over
// real (non-dry-run) jobs only.
type ProjectSummary struct {
	ProjectName   string
	LastJobID     string
	LastStatus    JobStatus
	LastCreatedAt time.Time
	TotalRuns     int
	SuccessRuns   int
}

// SuccessRate returns the fraction of non-dry-run runs that succeeded,
// or 0 if the project has no recorded runs yet.
func (p ProjectSummary) SuccessRate() float64 {
	if p.TotalRuns == 0 {
		return 0
	}
	return float64(p.SuccessRuns) / float64(p.TotalRuns)
}

// ListProjectSummaries returns one summary row per project that has
// ever had a job, most recently active first.
func (s *Store) ListProjectSummaries(ctx context.Context) ([]ProjectSummary, error) {
	summaries := make(map[string]*ProjectSummary)
	var order []string

	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		err := sqlitex.Execute(conn, `
			SELECT project_name, id, status, created_at
			FROM jobs
			ORDER BY project_name ASC, created_at ASC`,
			&sqlitex.ExecOptions{
				ResultFunc: func(stmt *sqlite.Stmt) error {
					project := stmt.ColumnText(0)
					sum, ok := summaries[project]
					if !ok {
						sum = &ProjectSummary{ProjectName: project}
						summaries[project] = sum
						order = append(order, project)
					}
					sum.LastJobID = stmt.ColumnText(1)
					sum.LastStatus = JobStatus(stmt.ColumnText(2))
					if t, perr := time.Parse(time.RFC3339Nano, stmt.ColumnText(3)); perr == nil {
						sum.LastCreatedAt = t
					}
					return nil
				},
			})
		if err != nil {
			return err
		}

		return sqlitex.Execute(conn, `
			SELECT project_name,
				COUNT(*),
				SUM(CASE WHEN status = 'success' THEN 1 ELSE 0 END)
			FROM jobs WHERE dry_run = 0
			GROUP BY project_name`,
			&sqlitex.ExecOptions{
				ResultFunc: func(stmt *sqlite.Stmt) error {
					project := stmt.ColumnText(0)
					sum, ok := summaries[project]
					if !ok {
						return nil
					}
					sum.TotalRuns = int(stmt.ColumnInt64(1))
					sum.SuccessRuns = int(stmt.ColumnInt64(2))
					return nil
				},
			})
	})
	if err != nil {
		return nil, fmt.Errorf("store: list project summaries: %w", err)
	}

	result := make([]ProjectSummary, 0, len(order))
	for _, project := range order {
		result = append(result, *summaries[project])
	}
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].LastCreatedAt.After(result[j].LastCreatedAt)
	})
	return result, nil
}

// ConfigSnapshot is one historical configuration load, retained for
// audit and rollback inspection.
type ConfigSnapshot struct {
	ID         int64
	SnapshotAt time.Time
	RawTOML    string
	Reason     string
}

// InsertConfigSnapshot records a configuration reload.
func (s *Store) InsertConfigSnapshot(ctx context.Context, rawTOML, reason string) error {
	snapshotAt := s.clock.Now().UTC()
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `
			INSERT INTO config_snapshots (snapshot_at, raw_toml, reason) VALUES (?, ?, ?)`,
			&sqlitex.ExecOptions{Args: []any{snapshotAt.Format(time.RFC3339Nano), rawTOML, reason}})
	})
	if err != nil {
		return fmt.Errorf("store: insert config snapshot: %w", err)
	}
	return nil
}

// LatestConfigSnapshot returns the most recently recorded snapshot, or
// nil if none has been recorded yet.
func (s *Store) LatestConfigSnapshot(ctx context.Context) (*ConfigSnapshot, error) {
	var snap *ConfigSnapshot
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `
			SELECT id, snapshot_at, raw_toml, reason FROM config_snapshots
			ORDER BY id DESC LIMIT 1`,
			&sqlitex.ExecOptions{
				ResultFunc: func(stmt *sqlite.Stmt) error {
					snap = &ConfigSnapshot{
						ID:      stmt.ColumnInt64(0),
						RawTOML: stmt.ColumnText(2),
						Reason:  stmt.ColumnText(3),
					}
					if t, err := time.Parse(time.RFC3339Nano, stmt.ColumnText(1)); err == nil {
						snap.SnapshotAt = t
					}
					return nil
				},
			})
	})
	if err != nil {
		return nil, fmt.Errorf("store: latest config snapshot: %w", err)
	}
	return snap, nil
}
