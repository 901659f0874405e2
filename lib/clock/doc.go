// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock provides an injectable time abstraction for testability.
//
// cicd-runner's own domain code only ever reads the current time: the
// rate limiter's sliding window, a job's recorded started_at and
// completed_at timestamps, and a job's computed duration_ms all come
// from Clock.Now. Production code accepts a Clock field instead of
// calling time.Now directly. In production, Real() provides the
// standard library's time.Now. In tests, Fake() provides a
// deterministic clock that only moves forward when Advance is called.
//
// # Wiring Pattern
//
// Add a Clock field to structs that read the current time:
//
//	type Limiter struct {
//	    clock clock.Clock
//	    // ...
//	}
//
// In production:
//
//	l := &Limiter{clock: clock.Real()}
//
// In tests:
//
//	c := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
//	l := &Limiter{clock: c}
//	// admit some requests against the window...
//	c.Advance(time.Minute) // slide the window forward deterministically
package clock
