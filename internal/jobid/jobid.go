// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package jobid generates time-ordered job identifiers.
package jobid

import "github.com/google/uuid"

// New returns a new lowercase UUIDv7 string. UUIDv7 embeds a millisecond
// timestamp in its high bits, so identifiers generated later always
// sort after identifiers generated earlier — job creation order equals
// job-id order without a separate sequence column.
func New() string {
	id, err := uuid.NewV7()
	if err != nil {
		// NewV7 only fails if the system's random source is broken,
		// which is not a condition this service can recover from.
		panic("jobid: " + err.Error())
	}
	return id.String()
}
