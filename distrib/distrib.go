// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package distrib defines the distributed-runtime surface the pipeline
// orchestration depends on: rank/world-size identity, named process groups,
// collective barriers and blocking point-to-point operation calls.
//
// Two implementations are provided: distrib/local, an in-process world of
// goroutine "ranks" used by tests, and distrib/mesh, an HTTP RPC mesh for
// one-OS-process-per-rank deployments.
//
// All calls are blocking; there is no cancellation or timeout at this layer.
// A hang in a barrier or remote call hangs the group -- an accepted
// limitation of the orchestration protocol, not of a particular transport.
package distrib

import (
	"bytes"
	"encoding/gob"
	"fmt"

	"github.com/pkg/errors"
)

// Group is an immutable, named subset of ranks. Every rank computes group
// membership deterministically from (world size, devices per model), so
// groups never need to be negotiated over the wire: the name alone
// identifies the same member set on every rank.
type Group struct {
	name  string
	ranks []int
}

// NewGroup creates a group. Ranks must be given in ascending order.
func NewGroup(name string, ranks []int) (*Group, error) {
	if len(ranks) == 0 {
		return nil, errors.Errorf("group %q must have at least one rank", name)
	}
	for i := 1; i < len(ranks); i++ {
		if ranks[i] <= ranks[i-1] {
			return nil, errors.Errorf("group %q ranks must be strictly ascending, got %v", name, ranks)
		}
	}
	return &Group{name: name, ranks: append([]int{}, ranks...)}, nil
}

// Name returns the group's deterministic name.
func (g *Group) Name() string { return g.name }

// Ranks returns the member ranks in ascending order.
func (g *Group) Ranks() []int { return append([]int{}, g.ranks...) }

// Size is the number of member ranks.
func (g *Group) Size() int { return len(g.ranks) }

// Contains reports whether rank is a member.
func (g *Group) Contains(rank int) bool {
	for _, r := range g.ranks {
		if r == rank {
			return true
		}
	}
	return false
}

// Leader is the lowest member rank. The orchestration layer designates it
// the owner of the group's coordinated operations.
func (g *Group) Leader() int { return g.ranks[0] }

// String implements fmt.Stringer.
func (g *Group) String() string {
	return fmt.Sprintf("Group(%s, ranks=%v)", g.name, g.ranks)
}

// OpHandler runs a named operation on the receiving rank. The payload is the
// gob-encoded request produced by EncodePayload on the caller side.
type OpHandler func(payload []byte) error

// Runtime is the per-rank handle to the distributed runtime.
//
// Ordering contract: RegisterOp for every operation a rank serves must
// happen before any peer may Call it; the orchestration layer enforces this
// with a Barrier between registration and first dispatch.
type Runtime interface {
	// Rank is this process's global rank in [0, WorldSize).
	Rank() int

	// WorldSize is the total number of participating ranks.
	WorldSize() int

	// Barrier blocks until every rank in the group has entered the same
	// (per-group, per-rank sequential) barrier.
	Barrier(group *Group) error

	// Call invokes the named operation on the target rank and blocks until
	// the remote handler returns. A handler failure comes back as a
	// *RemoteError tagged with the target rank.
	Call(targetRank int, op string, payload []byte) error

	// RegisterOp installs the handler serving op on this rank.
	// Re-registering an op replaces the handler.
	RegisterOp(op string, handler OpHandler)

	// Shutdown tears down this rank's participation. Idempotent.
	Shutdown() error
}

// RemoteError tags a failed remote operation with the rank it failed on.
// It is never retried by this layer.
type RemoteError struct {
	Rank int
	Op   string
	Err  error
}

// Error implements the error interface.
func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote op %q failed on rank %d: %v", e.Op, e.Rank, e.Err)
}

// Unwrap returns the underlying cause.
func (e *RemoteError) Unwrap() error { return e.Err }

// EncodePayload gob-encodes an operation request.
func EncodePayload(value any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(value); err != nil {
		return nil, errors.Wrapf(err, "encoding payload of type %T", value)
	}
	return buf.Bytes(), nil
}

// DecodePayload decodes a payload produced by EncodePayload into target,
// which must be a pointer.
func DecodePayload(payload []byte, target any) error {
	if err := gob.NewDecoder(bytes.NewReader(payload)).Decode(target); err != nil {
		return errors.Wrapf(err, "decoding payload into %T", target)
	}
	return nil
}
