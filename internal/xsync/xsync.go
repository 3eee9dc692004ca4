// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package xsync implements the extra synchronization tools used by the mesh
// transport.
package xsync

import "sync"

// Latch is a one-shot signal that can be waited for until triggered. Once
// triggered it never changes state. The mesh barrier uses one latch per
// barrier generation: arrivals wait on it, the last arrival triggers it.
type Latch struct {
	muTrigger sync.Mutex
	wait      chan struct{}
}

// NewLatch returns an un-triggered latch.
func NewLatch() *Latch {
	return &Latch{wait: make(chan struct{})}
}

// Trigger the latch, releasing all waiters. Triggering more than once is a
// no-op.
func (l *Latch) Trigger() {
	l.muTrigger.Lock()
	defer l.muTrigger.Unlock()
	if l.Test() {
		return
	}
	close(l.wait)
}

// Wait blocks until the latch is triggered.
func (l *Latch) Wait() {
	<-l.wait
}

// Test reports whether the latch has been triggered.
func (l *Latch) Test() bool {
	select {
	case <-l.wait:
		return true
	default:
		return false
	}
}
