// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"fmt"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// StepStatus enumerates a step's outcome.
type StepStatus string

const (
	StepRunning StepStatus = "running"
	StepSuccess StepStatus = "success"
	StepFailed  StepStatus = "failed"
	StepSkipped StepStatus = "skipped"
)

// Step is one persisted pipeline phase (a git operation or a script).
type Step struct {
	ID              int64
	JobID           string
	Sequence        int
	LogType         string
	Command         string
	StartedAt       *time.Time
	CompletedAt     *time.Time
	DurationMS      *int64
	ExitCode        *int
	Output          string
	OutputTruncated bool
	Status          StepStatus
}

// CreateStep inserts a step row at the given sequence position with
// status "running" and returns its generated row id.
func (s *Store) CreateStep(ctx context.Context, jobID string, sequence int, logType, command string) (int64, error) {
	startedAt := s.clock.Now().UTC()
	var id int64
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		err := sqlitex.Execute(conn, `
			INSERT INTO job_logs (job_id, sequence, log_type, command, started_at, status)
			VALUES (?, ?, ?, ?, ?, ?)`,
			&sqlitex.ExecOptions{
				Args: []any{jobID, sequence, logType, nullableString(command), startedAt.Format(time.RFC3339Nano), string(StepRunning)},
			})
		if err != nil {
			return err
		}
		id = conn.LastInsertRowID()
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("store: create step %s#%d: %w", jobID, sequence, err)
	}
	return id, nil
}

// CreateSkippedStep inserts a step that was never run, as happens for
// every phase of a dry-run job. It is terminal from the moment it is
// inserted, so started_at and completed_at are both set to now with a
// zero duration, the same as any other step that reaches a terminal
// status.
func (s *Store) CreateSkippedStep(ctx context.Context, jobID string, sequence int, logType, command string) error {
	now := s.clock.Now().UTC().Format(time.RFC3339Nano)
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `
			INSERT INTO job_logs (job_id, sequence, log_type, command, started_at, completed_at, duration_ms, status)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			&sqlitex.ExecOptions{
				Args: []any{jobID, sequence, logType, nullableString(command), now, now, int64(0), string(StepSkipped)},
			})
	})
	if err != nil {
		return fmt.Errorf("store: create skipped step %s#%d: %w", jobID, sequence, err)
	}
	return nil
}

// FinalizeStep records a step's outcome: its exit code, captured
// output, and terminal status.
func (s *Store) FinalizeStep(ctx context.Context, id int64, status StepStatus, startedAt time.Time, exitCode int, output string, truncated bool) error {
	completedAt := s.clock.Now().UTC()
	durationMS := completedAt.Sub(startedAt).Milliseconds()

	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `
			UPDATE job_logs SET status = ?, completed_at = ?, duration_ms = ?,
				exit_code = ?, output = ?, output_truncated = ?
			WHERE id = ?`,
			&sqlitex.ExecOptions{
				Args: []any{string(status), completedAt.Format(time.RFC3339Nano), durationMS, exitCode, output, boolToInt(truncated), id},
			})
	})
	if err != nil {
		return fmt.Errorf("store: finalize step %d: %w", id, err)
	}
	return nil
}

// ListSteps returns every step of a job, in execution order.
func (s *Store) ListSteps(ctx context.Context, jobID string) ([]*Step, error) {
	var steps []*Step
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `
			SELECT id, job_id, sequence, log_type, command, started_at, completed_at,
				duration_ms, exit_code, output, output_truncated, status
			FROM job_logs WHERE job_id = ? ORDER BY sequence ASC`,
			&sqlitex.ExecOptions{
				Args: []any{jobID},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					steps = append(steps, scanStep(stmt))
					return nil
				},
			})
	})
	if err != nil {
		return nil, fmt.Errorf("store: list steps %s: %w", jobID, err)
	}
	return steps, nil
}

func scanStep(stmt *sqlite.Stmt) *Step {
	step := &Step{
		ID:              stmt.ColumnInt64(0),
		JobID:           stmt.ColumnText(1),
		Sequence:        stmt.ColumnInt(2),
		LogType:         stmt.ColumnText(3),
		Command:         stmt.ColumnText(4),
		Output:          stmt.ColumnText(9),
		OutputTruncated: stmt.ColumnInt(10) != 0,
		Status:          StepStatus(stmt.ColumnText(11)),
	}
	if t := stmt.ColumnText(5); t != "" {
		if parsed, err := time.Parse(time.RFC3339Nano, t); err == nil {
			step.StartedAt = &parsed
		}
	}
	if t := stmt.ColumnText(6); t != "" {
		if parsed, err := time.Parse(time.RFC3339Nano, t); err == nil {
			step.CompletedAt = &parsed
		}
	}
	if stmt.ColumnType(7) != sqlite.TypeNull {
		d := stmt.ColumnInt64(7)
		step.DurationMS = &d
	}
	if stmt.ColumnType(8) != sqlite.TypeNull {
		c := stmt.ColumnInt(8)
		step.ExitCode = &c
	}
	return step
}
