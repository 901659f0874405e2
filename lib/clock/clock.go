// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import "time"

// Clock abstracts reading the current time for testability. Production
// code injects Real(); tests inject Fake() with deterministic control
// over what Now reports.
//
// Every place in this repo that timestamps a row (job/step started_at,
// completed_at) or measures a duration (rate limiter window, job
// duration_ms) does so through a Clock rather than calling time.Now
// directly.
type Clock interface {
	// Now returns the current time.
	Now() time.Time
}
