// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package pipeline

import (
	"bytes"
	"context"
	"io"
	"strings"
	"syscall"
	"testing"
	"time"
)

func TestRunShellCommandSuccess(t *testing.T) {
	var buf bytes.Buffer
	code, err := runShellCommand(t.Context(), t.TempDir(), "echo hello", nil, &buf)
	if err != nil {
		t.Fatalf("runShellCommand: %v", err)
	}
	if code != 0 {
		t.Fatalf("code = %d, want 0", code)
	}
	if strings.TrimSpace(buf.String()) != "hello" {
		t.Fatalf("output = %q, want %q", buf.String(), "hello")
	}
}

func TestRunShellCommandNonZeroExit(t *testing.T) {
	code, err := runShellCommand(t.Context(), t.TempDir(), "exit 3", nil, io.Discard)
	if err != nil {
		t.Fatalf("runShellCommand: %v", err)
	}
	if code != 3 {
		t.Fatalf("code = %d, want 3", code)
	}
}

func TestRunShellCommandPassesEnv(t *testing.T) {
	var buf bytes.Buffer
	code, err := runShellCommand(t.Context(), t.TempDir(), "echo $FOO", map[string]string{"FOO": "bar"}, &buf)
	if err != nil {
		t.Fatalf("runShellCommand: %v", err)
	}
	if code != 0 {
		t.Fatalf("code = %d, want 0", code)
	}
	if strings.TrimSpace(buf.String()) != "bar" {
		t.Fatalf("output = %q, want %q", buf.String(), "bar")
	}
}

func TestRunShellCommandTimeoutReportsNegativeSignal(t *testing.T) {
	ctx, cancel := context.WithTimeout(t.Context(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	code, err := runShellCommand(ctx, t.TempDir(), "sleep 5", nil, io.Discard)
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("runShellCommand took %s, expected the context timeout to cut the sleep short", elapsed)
	}
	if err != nil {
		t.Fatalf("runShellCommand: %v", err)
	}
	if want := -int(syscall.SIGTERM); code != want {
		t.Fatalf("code = %d, want %d (negative SIGTERM, not -1)", code, want)
	}
}
