// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package process provides binary entrypoint helpers for cicd-runner.
//
// Fatal centralizes the one legitimate raw stderr write that exists
// before the structured logger is necessarily available: reporting a
// startup error from main() and exiting. Everything else in the
// service uses log/slog.
package process
