// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package ratelimit implements the per-project sliding-window webhook
// admission filter (C-RL).
package ratelimit

import (
	"sync"
	"time"

	"github.com/ridgeline-ci/cicd-runner/lib/clock"
)

// Limiter tracks one sliding window of request arrival timestamps per
// project name. It is purely in-memory and is reset on process
// restart; there is no persistence requirement in this domain.
type Limiter struct {
	mu      sync.Mutex
	clock   clock.Clock
	windows map[string][]time.Time
}

// New creates a Limiter using the given clock. Production callers pass
// clock.Real(); tests pass clock.Fake(...) for deterministic window
// boundaries.
func New(c clock.Clock) *Limiter {
	if c == nil {
		c = clock.Real()
	}
	return &Limiter{
		clock:   c,
		windows: make(map[string][]time.Time),
	}
}

// Result is returned by Admit.
type Result struct {
	// Admitted is true if the request is allowed to proceed.
	Admitted bool

	// RetryAfter is set when Admitted is false: the duration until
	// the oldest timestamp in the window expires and a slot frees up.
	RetryAfter time.Duration
}

// Admit applies the sliding-window algorithm for project: drop
// timestamps older than now-window, admit and record now if the
// remaining count is below limit, otherwise reject without recording.
func (l *Limiter) Admit(project string, limit int, window time.Duration) Result {
	now := l.clock.Now()
	cutoff := now.Add(-window)

	l.mu.Lock()
	defer l.mu.Unlock()

	timestamps := l.windows[project]
	kept := timestamps[:0]
	for _, t := range timestamps {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}

	if len(kept) >= limit {
		retryAfter := kept[0].Add(window).Sub(now)
		if retryAfter < 0 {
			retryAfter = 0
		}
		l.windows[project] = kept
		return Result{Admitted: false, RetryAfter: retryAfter}
	}

	l.windows[project] = append(kept, now)
	return Result{Admitted: true}
}
