// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package cicderrors defines the error kinds surfaced at component
// boundaries: configuration loading, webhook admission, the job store,
// and pipeline execution.
package cicderrors

import (
	"errors"
	"fmt"
	"time"
)

// ConfigError wraps a TOML parse failure or a project schema
// violation.
type ConfigError struct {
	Err error
}

func (e *ConfigError) Error() string { return "config: " + e.Err.Error() }
func (e *ConfigError) Unwrap() error { return e.Err }

// SignatureError indicates a missing signature header, malformed hex,
// or an HMAC mismatch.
type SignatureError struct {
	Reason string
}

func (e *SignatureError) Error() string { return "signature: " + e.Reason }

// PayloadError indicates the webhook body could not be decoded, or
// lacked a required field such as a branch ref.
type PayloadError struct {
	Reason string
}

func (e *PayloadError) Error() string { return "payload: " + e.Reason }

// NotConfigured indicates the project, or the branch within it, is not
// present in the current configuration snapshot.
type NotConfigured struct {
	Reason string
}

func (e *NotConfigured) Error() string { return "not configured: " + e.Reason }

// RateLimited indicates the project's sliding window admission filter
// rejected the request. RetryAfter is the duration until the oldest
// timestamp in the window expires.
type RateLimited struct {
	RetryAfter time.Duration
}

func (e *RateLimited) Error() string {
	return fmt.Sprintf("rate limited: retry after %s", e.RetryAfter)
}

// StorageError wraps an underlying job-store failure. Callers log it
// and surface a 500 to HTTP clients.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string { return fmt.Sprintf("storage: %s: %v", e.Op, e.Err) }
func (e *StorageError) Unwrap() error { return e.Err }

// SpawnError indicates a child process could not be started (binary
// not found, permission denied).
type SpawnError struct {
	Command string
	Err     error
}

func (e *SpawnError) Error() string { return fmt.Sprintf("spawn %q: %v", e.Command, e.Err) }
func (e *SpawnError) Unwrap() error { return e.Err }

// StepFailure indicates a child exited non-zero or was killed after
// its deadline elapsed.
type StepFailure struct {
	Step     string
	ExitCode int
}

func (e *StepFailure) Error() string {
	return fmt.Sprintf("step %q failed with exit code %d", e.Step, e.ExitCode)
}

// ShuttingDown indicates the server is draining in-flight work and is
// refusing new jobs.
var ShuttingDown = errors.New("shutting down")

// Truncated is attached informationally to a step or job whose
// captured output hit its configured cap. It is not an error in the
// request-failure sense — pipeline execution is unaffected.
var Truncated = errors.New("output truncated")
