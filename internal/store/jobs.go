// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"fmt"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/ridgeline-ci/cicd-runner/internal/jobid"
)

// JobStatus enumerates a job's lifecycle states.
type JobStatus string

const (
	JobQueued  JobStatus = "queued"
	JobRunning JobStatus = "running"
	JobSuccess JobStatus = "success"
	JobFailed  JobStatus = "failed"
)

// Job is one persisted pipeline execution.
type Job struct {
	ID                string
	ProjectName       string
	Branch            string
	Status            JobStatus
	CommitSHA         string
	CommitMessage     string
	CommitAuthorName  string
	CommitAuthorEmail string
	PusherName        string
	RepositoryURL     string
	StartedAt         *time.Time
	CompletedAt       *time.Time
	DurationMS        *int64
	Output            string
	OutputTruncated   bool
	Error             string
	CreatedAt         time.Time
	DryRun            bool
}

// NewJobInput carries the fields extracted from an admitted webhook.
type NewJobInput struct {
	ProjectName       string
	Branch            string
	CommitSHA         string
	CommitMessage     string
	CommitAuthorName  string
	CommitAuthorEmail string
	PusherName        string
	RepositoryURL     string
	DryRun            bool
}

// CreateJob inserts a new job row with status "queued" and returns its
// generated id.
func (s *Store) CreateJob(ctx context.Context, in NewJobInput) (*Job, error) {
	job := &Job{
		ID:                jobid.New(),
		ProjectName:       in.ProjectName,
		Branch:            in.Branch,
		Status:            JobQueued,
		CommitSHA:         in.CommitSHA,
		CommitMessage:     in.CommitMessage,
		CommitAuthorName:  in.CommitAuthorName,
		CommitAuthorEmail: in.CommitAuthorEmail,
		PusherName:        in.PusherName,
		RepositoryURL:     in.RepositoryURL,
		DryRun:            in.DryRun,
		CreatedAt:         s.clock.Now().UTC(),
	}

	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `
			INSERT INTO jobs (
				id, project_name, branch, status,
				commit_sha, commit_message, commit_author_name, commit_author_email,
				pusher_name, repository_url, created_at, dry_run
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			&sqlitex.ExecOptions{
				Args: []any{
					job.ID, job.ProjectName, job.Branch, string(job.Status),
					nullableString(job.CommitSHA), nullableString(job.CommitMessage),
					nullableString(job.CommitAuthorName), nullableString(job.CommitAuthorEmail),
					nullableString(job.PusherName), nullableString(job.RepositoryURL),
					job.CreatedAt.Format(time.RFC3339Nano), boolToInt(job.DryRun),
				},
			})
	})
	if err != nil {
		return nil, fmt.Errorf("store: create job: %w", err)
	}
	return job, nil
}

// MarkRunning transitions a job to status "running" and records its
// start time.
func (s *Store) MarkRunning(ctx context.Context, id string) (time.Time, error) {
	startedAt := s.clock.Now().UTC()
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			`UPDATE jobs SET status = ?, started_at = ? WHERE id = ?`,
			&sqlitex.ExecOptions{Args: []any{string(JobRunning), startedAt.Format(time.RFC3339Nano), id}})
	})
	if err != nil {
		return time.Time{}, fmt.Errorf("store: mark running %s: %w", id, err)
	}
	return startedAt, nil
}

// FinalizeJob transitions a job to a terminal status and records its
// completion time, duration, combined output, and optional error.
func (s *Store) FinalizeJob(ctx context.Context, id string, status JobStatus, startedAt time.Time, output string, truncated bool, errMsg string) error {
	completedAt := s.clock.Now().UTC()
	durationMS := completedAt.Sub(startedAt).Milliseconds()

	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `
			UPDATE jobs SET status = ?, completed_at = ?, duration_ms = ?,
				output = ?, output_truncated = ?, error = ?
			WHERE id = ?`,
			&sqlitex.ExecOptions{
				Args: []any{
					string(status), completedAt.Format(time.RFC3339Nano), durationMS,
					output, boolToInt(truncated), nullableString(errMsg), id,
				},
			})
	})
	if err != nil {
		return fmt.Errorf("store: finalize job %s: %w", id, err)
	}
	return nil
}

// GetJob fetches a single job by id. Returns nil, nil if not found.
func (s *Store) GetJob(ctx context.Context, id string) (*Job, error) {
	var job *Job
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `
			SELECT id, project_name, branch, status, commit_sha, commit_message,
				commit_author_name, commit_author_email, pusher_name, repository_url,
				started_at, completed_at, duration_ms, output, output_truncated,
				error, created_at, dry_run
			FROM jobs WHERE id = ?`,
			&sqlitex.ExecOptions{
				Args: []any{id},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					job = scanJob(stmt)
					return nil
				},
			})
	})
	if err != nil {
		return nil, fmt.Errorf("store: get job %s: %w", id, err)
	}
	return job, nil
}

// ListFilter narrows ListJobs.
type ListFilter struct {
	Project string
	Branch  string
	Status  string
	DryRun  *bool
	Limit   int
	Offset  int
}

// ListJobs returns jobs matching filter, most recently created first.
func (s *Store) ListJobs(ctx context.Context, filter ListFilter) ([]*Job, error) {
	query := `
		SELECT id, project_name, branch, status, commit_sha, commit_message,
			commit_author_name, commit_author_email, pusher_name, repository_url,
			started_at, completed_at, duration_ms, output, output_truncated,
			error, created_at, dry_run
		FROM jobs WHERE 1=1`
	var args []any

	if filter.Project != "" {
		query += " AND project_name = ?"
		args = append(args, filter.Project)
	}
	if filter.Branch != "" {
		query += " AND branch = ?"
		args = append(args, filter.Branch)
	}
	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, filter.Status)
	}
	if filter.DryRun != nil {
		query += " AND dry_run = ?"
		args = append(args, boolToInt(*filter.DryRun))
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	query += " ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?"
	args = append(args, limit, filter.Offset)

	jobs := []*Job{}
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
			Args: args,
			ResultFunc: func(stmt *sqlite.Stmt) error {
				jobs = append(jobs, scanJob(stmt))
				return nil
			},
		})
	})
	if err != nil {
		return nil, fmt.Errorf("store: list jobs: %w", err)
	}
	return jobs, nil
}

func scanJob(stmt *sqlite.Stmt) *Job {
	job := &Job{
		ID:                stmt.ColumnText(0),
		ProjectName:       stmt.ColumnText(1),
		Branch:            stmt.ColumnText(2),
		Status:            JobStatus(stmt.ColumnText(3)),
		CommitSHA:         stmt.ColumnText(4),
		CommitMessage:     stmt.ColumnText(5),
		CommitAuthorName:  stmt.ColumnText(6),
		CommitAuthorEmail: stmt.ColumnText(7),
		PusherName:        stmt.ColumnText(8),
		RepositoryURL:     stmt.ColumnText(9),
		Output:            stmt.ColumnText(13),
		OutputTruncated:   stmt.ColumnInt(14) != 0,
		Error:             stmt.ColumnText(15),
		DryRun:            stmt.ColumnInt(17) != 0,
	}
	if t := stmt.ColumnText(10); t != "" {
		if parsed, err := time.Parse(time.RFC3339Nano, t); err == nil {
			job.StartedAt = &parsed
		}
	}
	if t := stmt.ColumnText(11); t != "" {
		if parsed, err := time.Parse(time.RFC3339Nano, t); err == nil {
			job.CompletedAt = &parsed
		}
	}
	if stmt.ColumnType(12) != sqlite.TypeNull {
		d := stmt.ColumnInt64(12)
		job.DurationMS = &d
	}
	if t := stmt.ColumnText(16); t != "" {
		if parsed, err := time.Parse(time.RFC3339Nano, t); err == nil {
			job.CreatedAt = parsed
		}
	}
	return job
}
