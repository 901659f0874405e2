// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package jobid

import "testing"

func TestNewReturnsSortableUniqueIDs(t *testing.T) {
	first := New()
	second := New()

	if first == second {
		t.Fatal("two calls to New produced the same id")
	}
	if len(first) != 36 {
		t.Fatalf("id length = %d, want 36 (canonical UUID string)", len(first))
	}
	if first[14] != '7' {
		t.Fatalf("id %q is not a UUIDv7 (version nibble = %q, want '7')", first, first[14])
	}
	// UUIDv7 orders lexically with generation time, so a later call
	// must sort after an earlier one.
	if second < first {
		t.Fatalf("second id %q sorts before first id %q", second, first)
	}
}
