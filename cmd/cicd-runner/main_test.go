// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/ridgeline-ci/cicd-runner/internal/eventbus"
	"github.com/ridgeline-ci/cicd-runner/internal/store"
	"github.com/ridgeline-ci/cicd-runner/lib/clock"
)

func TestGetenvDefaultFallsBackWhenUnset(t *testing.T) {
	if got := getenvDefault("CICD_RUNNER_TEST_UNSET_VAR", "fallback"); got != "fallback" {
		t.Fatalf("getenvDefault = %q, want %q", got, "fallback")
	}
}

func TestGetenvDefaultPrefersSetValue(t *testing.T) {
	t.Setenv("CICD_RUNNER_TEST_SET_VAR", "explicit")
	if got := getenvDefault("CICD_RUNNER_TEST_SET_VAR", "fallback"); got != "explicit" {
		t.Fatalf("getenvDefault = %q, want %q", got, "explicit")
	}
}

func TestNewLoggerParsesLevel(t *testing.T) {
	cases := []struct {
		name  string
		level string
		want  slog.Level
	}{
		{"empty defaults to info", "", slog.LevelInfo},
		{"debug", "debug", slog.LevelDebug},
		{"warn", "warn", slog.LevelWarn},
		{"warning spelled out", "warning", slog.LevelWarn},
		{"error", "error", slog.LevelError},
		{"case insensitive", "DEBUG", slog.LevelDebug},
		{"unrecognized defaults to info", "trace", slog.LevelInfo},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			logger := newLogger(c.level)
			if !logger.Enabled(t.Context(), c.want) {
				t.Fatalf("level %q: expected Enabled(%v) to be true", c.level, c.want)
			}
			if c.want > slog.LevelDebug && logger.Enabled(t.Context(), c.want-1) {
				t.Fatalf("level %q: expected the next level down to be disabled", c.level)
			}
		})
	}
}

// TestFailJobAfterPanicFinalizesJobAsFailed exercises the recovery path
// runJob's deferred recover() hands off to when a pipeline run panics:
// the job must end up failed, with the panic value in its error, rather
// than stuck in "running" forever.
func TestFailJobAfterPanicFinalizesJobAsFailed(t *testing.T) {
	fakeClock := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	logger := slog.New(slog.DiscardHandler)

	st, err := store.Open(store.Config{
		Path:   filepath.Join(t.TempDir(), "test.db"),
		Clock:  fakeClock,
		Logger: logger,
	})
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	defer st.Close()

	bus := eventbus.New()
	sub := bus.SubscribeJobs(make(chan struct{}))

	w := &worker{store: st, bus: bus, clock: fakeClock, logger: logger}

	ctx := context.Background()
	job, err := st.CreateJob(ctx, store.NewJobInput{ProjectName: "site", Branch: "main"})
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if _, err := st.MarkRunning(ctx, job.ID); err != nil {
		t.Fatalf("MarkRunning: %v", err)
	}

	w.failJobAfterPanic(job, "nil pointer dereference in step runner")

	got, err := st.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.Status != store.JobFailed {
		t.Fatalf("status = %q, want %q", got.Status, store.JobFailed)
	}
	const wantSubstr = "worker panic: nil pointer dereference in step runner"
	if got.Error != wantSubstr {
		t.Fatalf("error = %q, want %q", got.Error, wantSubstr)
	}

	select {
	case event := <-sub.Channel:
		if event.Type != eventbus.JobFailed || event.JobID != job.ID {
			t.Fatalf("event = %+v, want JobFailed for %q", event, job.ID)
		}
	default:
		t.Fatal("expected a JobFailed event to be published")
	}
}
