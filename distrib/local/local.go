// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package local implements distrib.Runtime as an in-process world: every
// rank is a goroutine sharing one World object. It exists for tests and for
// single-machine experimentation -- the coordination semantics (blocking
// barriers, blocking calls, remote errors tagged with rank) match the mesh
// transport exactly, without sockets.
package local

import (
	"sync"

	"github.com/gomlx/piperpc/distrib"
	"github.com/pkg/errors"
)

// World is the shared state of an in-process rank set.
type World struct {
	size int

	mu       sync.Mutex
	handlers []map[string]distrib.OpHandler
	barriers map[string]*barrier
	down     []bool
}

// barrier is a reusable (generation-counted) rendezvous for one group.
type barrier struct {
	cond    *sync.Cond
	arrived int
	gen     int
}

// NewWorld creates a world of size ranks and returns one Runtime per rank.
func NewWorld(size int) ([]*Runtime, error) {
	if size <= 0 {
		return nil, errors.Errorf("world size must be positive, got %d", size)
	}
	w := &World{
		size:     size,
		handlers: make([]map[string]distrib.OpHandler, size),
		barriers: make(map[string]*barrier),
		down:     make([]bool, size),
	}
	runtimes := make([]*Runtime, size)
	for rank := range runtimes {
		w.handlers[rank] = make(map[string]distrib.OpHandler)
		runtimes[rank] = &Runtime{world: w, rank: rank}
	}
	return runtimes, nil
}

// Runtime is one rank's view of a World. Implements distrib.Runtime.
type Runtime struct {
	world *World
	rank  int
}

// Rank implements distrib.Runtime.
func (r *Runtime) Rank() int { return r.rank }

// WorldSize implements distrib.Runtime.
func (r *Runtime) WorldSize() int { return r.world.size }

// RegisterOp implements distrib.Runtime.
func (r *Runtime) RegisterOp(op string, handler distrib.OpHandler) {
	r.world.mu.Lock()
	defer r.world.mu.Unlock()
	r.world.handlers[r.rank][op] = handler
}

// Call implements distrib.Runtime. The handler runs synchronously on the
// caller's goroutine; a handler error is returned as a *distrib.RemoteError.
func (r *Runtime) Call(targetRank int, op string, payload []byte) error {
	w := r.world
	if targetRank < 0 || targetRank >= w.size {
		return errors.Errorf("call to rank %d outside world of size %d", targetRank, w.size)
	}
	w.mu.Lock()
	if w.down[targetRank] {
		w.mu.Unlock()
		return &distrib.RemoteError{Rank: targetRank, Op: op, Err: errors.New("rank has shut down")}
	}
	handler, found := w.handlers[targetRank][op]
	w.mu.Unlock()
	if !found {
		return &distrib.RemoteError{Rank: targetRank, Op: op, Err: errors.Errorf("no handler registered for op %q", op)}
	}
	if err := handler(payload); err != nil {
		return &distrib.RemoteError{Rank: targetRank, Op: op, Err: err}
	}
	return nil
}

// Barrier implements distrib.Runtime. Every member of the group must call
// Barrier the same number of times; the n-th call on one rank rendezvouses
// with the n-th call on every other member.
func (r *Runtime) Barrier(group *distrib.Group) error {
	if !group.Contains(r.rank) {
		return errors.Errorf("rank %d is not a member of %s", r.rank, group)
	}
	w := r.world
	w.mu.Lock()
	b, found := w.barriers[group.Name()]
	if !found {
		b = &barrier{cond: sync.NewCond(&w.mu)}
		w.barriers[group.Name()] = b
	}
	gen := b.gen
	b.arrived++
	if b.arrived == group.Size() {
		// Last arrival releases the generation.
		b.arrived = 0
		b.gen++
		w.mu.Unlock()
		b.cond.Broadcast()
		return nil
	}
	for b.gen == gen {
		b.cond.Wait()
	}
	w.mu.Unlock()
	return nil
}

// Shutdown implements distrib.Runtime. After shutdown, calls targeting this
// rank fail with a remote error; barriers it participated in must already
// have drained.
func (r *Runtime) Shutdown() error {
	w := r.world
	w.mu.Lock()
	defer w.mu.Unlock()
	w.down[r.rank] = true
	return nil
}
