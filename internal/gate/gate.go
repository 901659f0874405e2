// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package gate implements the single-flight execution gate (C-GATE): a
// fair mutex held by the pipeline for the duration of one job, or by
// the configuration reloader for the duration of a reload. Go's mutex
// already switches into starvation mode once a goroutine has waited
// more than a millisecond, which serves contenders in roughly their
// arrival order — exactly the "FIFO order of acquisition attempts"
// this component requires, with no extra bookkeeping.
package gate

import (
	"context"
	"sync"
)

// Gate is a context-aware wrapper around sync.Mutex.
type Gate struct {
	mu sync.Mutex
}

// New creates an unlocked Gate.
func New() *Gate {
	return &Gate{}
}

// Acquire blocks until the gate is free or ctx is cancelled. On
// success it returns a release function that must be called exactly
// once to unlock the gate.
func (g *Gate) Acquire(ctx context.Context) (release func(), err error) {
	acquired := make(chan struct{})
	go func() {
		g.mu.Lock()
		close(acquired)
	}()

	select {
	case <-acquired:
		return g.mu.Unlock, nil
	case <-ctx.Done():
		// The goroutine above may still acquire the lock later; when
		// it does, immediately release it so the gate is not leaked.
		go func() {
			<-acquired
			g.mu.Unlock()
		}()
		return nil, ctx.Err()
	}
}
