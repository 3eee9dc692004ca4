// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package pipe wraps a sequential model into a pipeline-parallel execution
// graph spanning the ranks of one model replica.
//
// Exactly one rank per replica -- the orchestration owner -- performs the
// wrap (see Wrap); the remaining ranks host their assigned stage inside a
// LocalModel and react to the owner's remote operations. The actual
// microbatch scheduling and tensor transport belong to the Engine
// collaborator; this package owns the orchestration-facing surface: the
// worker map, the checkpointing policy, and the for-each-worker broadcast.
package pipe

import (
	"fmt"
	"sync"

	"golang.org/x/exp/maps"

	"github.com/gomlx/piperpc"
	"github.com/gomlx/piperpc/nn"
)

// CheckpointPolicy selects when activation checkpointing is enabled inside
// the pipeline engine.
type CheckpointPolicy int

const (
	// CheckpointExceptLast checkpoints every stage but the last. Default.
	CheckpointExceptLast CheckpointPolicy = iota

	// CheckpointAlways checkpoints every stage.
	CheckpointAlways

	// CheckpointNever disables activation checkpointing.
	CheckpointNever
)

var checkpointPolicyNames = map[string]CheckpointPolicy{
	"except_last": CheckpointExceptLast,
	"always":      CheckpointAlways,
	"never":       CheckpointNever,
}

// ParseCheckpointPolicy converts one of the three named modes --
// "always", "except_last" or "never" -- to a CheckpointPolicy.
func ParseCheckpointPolicy(name string) (CheckpointPolicy, error) {
	policy, found := checkpointPolicyNames[name]
	if !found {
		return 0, piperpc.ConfigErrorf("unknown checkpoint policy %q, valid values are %v",
			name, maps.Keys(checkpointPolicyNames))
	}
	return policy, nil
}

// String implements fmt.Stringer.
func (p CheckpointPolicy) String() string {
	for name, policy := range checkpointPolicyNames {
		if policy == p {
			return name
		}
	}
	return fmt.Sprintf("CheckpointPolicy(%d)", int(p))
}

// Style selects the pipeline execution style.
type Style int

const (
	// StyleMultiProcess runs one stage per OS process, coordinated over
	// the RPC mesh. The only style this orchestration layer drives.
	StyleMultiProcess Style = iota

	// StyleSingleProcess runs all stages in-process (loopback), useful
	// for tests and single-device runs.
	StyleSingleProcess
)

// Config carries everything the pipeline engine is constructed with.
type Config struct {
	// Balance holds the per-stage layer counts. Required.
	Balance []int

	// Microbatches is the number of sub-splits of each training batch.
	// Zero means DefaultMicrobatches.
	Microbatches int

	// Checkpoint is the activation checkpointing policy.
	Checkpoint CheckpointPolicy

	// Style of execution.
	Style Style

	// Device is the local compute device, e.g. "cuda:0".
	Device string

	// WorkerMap maps every global rank to its logical worker name,
	// covering the full world.
	WorkerMap map[int]string

	// PipelinedBackward runs the backward pass pipelined as well.
	PipelinedBackward bool
}

// DefaultMicrobatches is used when Config.Microbatches is zero.
const DefaultMicrobatches = 8

// WithDefaults returns the config with zero values replaced by defaults.
func (c Config) WithDefaults() Config {
	if c.Microbatches == 0 {
		c.Microbatches = DefaultMicrobatches
	}
	return c
}

// Closure is deferred work an optimizer step resolves before applying
// updates (typically the forward/backward computation of the step).
type Closure func() error

// NoOpClosure is what a remote rank's optimizer step falls back to when no
// closure was attached on that rank.
func NoOpClosure() error { return nil }

// Optimizer is the per-rank optimizer surface this layer coordinates. Each
// rank steps its own optimizer over its own shard's parameters.
type Optimizer interface {
	Step(closure Closure) error
}

// TrainerRef is the narrow trainer surface remote operations need: enough
// to construct and re-attach optimizers on a rank that has no access to the
// original trainer object.
type TrainerRef interface {
	// InitOptimizers builds the optimizers for the local model.
	InitOptimizers() ([]Optimizer, error)

	// SetOptimizers installs the optimizer list on the trainer.
	SetOptimizers(optimizers []Optimizer)

	// Optimizers returns the currently installed optimizer list.
	Optimizers() []Optimizer

	// BindOptimizers converts the installed optimizers to the
	// framework's coordinated form.
	BindOptimizers()
}

// LocalModel is the pipeline-internal shared model object of one rank: the
// locally held partition plus the hooks remote operations run against. One
// LocalModel exists per process and is shared by all in-flight remote calls.
//
// Mutation discipline: the orchestration owner is the sole initiator of
// cross-process calls, so at most one remote operation mutates a LocalModel
// at a time; the mutex only guards against overlap with local reads.
type LocalModel struct {
	mu sync.Mutex

	// Rank owning this partition.
	Rank int

	// Stage is the rank's pipeline stage index within its replica. Shard
	// files are keyed by stage, so replicas other than the first produce
	// the same shard set.
	Stage int

	// Partition is this rank's slice of the sequential model.
	Partition *nn.Sequential

	// Trainer gives remote operations access to optimizer construction.
	Trainer TrainerRef

	// ConfigureOptimizers is the owner model's optimizer-configuration
	// procedure, propagated here so worker ranks construct optimizers
	// consistently with the owner.
	ConfigureOptimizers func() ([]Optimizer, error)

	// Optimizers attached to this rank, indexed by optimizer index.
	Optimizers []Optimizer

	// Closures attached per optimizer index; missing entries resolve to
	// NoOpClosure.
	Closures map[int]Closure
}

// Lock acquires the model's mutex.
func (m *LocalModel) Lock() { m.mu.Lock() }

// Unlock releases the model's mutex.
func (m *LocalModel) Unlock() { m.mu.Unlock() }

// ClosureFor returns the closure attached for the optimizer index, falling
// back to NoOpClosure.
func (m *LocalModel) ClosureFor(optIdx int) Closure {
	if closure, found := m.Closures[optIdx]; found {
		return closure
	}
	return NoOpClosure
}

// AttachClosure attaches deferred work to an optimizer index, resolved by
// the next step on this rank.
func (m *LocalModel) AttachClosure(optIdx int, closure Closure) {
	if m.Closures == nil {
		m.Closures = make(map[int]Closure)
	}
	m.Closures[optIdx] = closure
}
