// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package pipe

import (
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/piperpc/distrib"
	"github.com/gomlx/piperpc/nn"
)

// Engine is the pipelining collaborator the wrapper delegates to. Real
// deployments plug in an engine doing microbatched, cross-process tensor
// execution; NewRPCEngine provides the default orchestration-only engine.
type Engine interface {
	// FinalStage returns the logical worker name holding the last
	// pipeline stage -- where the loss / final output is produced.
	FinalStage() string

	// ForeachWorker invokes the named operation once on every rank of
	// the model-parallel group, blocking until all complete. With
	// includeSelf, the calling rank runs it too. A failing target
	// surfaces as a *distrib.RemoteError; there is no retry.
	ForeachWorker(op string, payload []byte, includeSelf bool) error

	// Forward runs the wrapped model on one input.
	Forward(x *nn.Tensor) (*nn.Tensor, error)

	// Shutdown releases engine resources. Idempotent.
	Shutdown() error
}

// EngineBuilder constructs an Engine for the wrapped module. The group is
// the model-parallel group of the wrapping rank's replica.
type EngineBuilder func(seq *nn.Sequential, cfg Config, rt distrib.Runtime, group *distrib.Group) (Engine, error)

// rpcEngine is the default Engine: it implements the orchestration surface
// (worker broadcast, final-stage lookup) over the RPC mesh, and falls back
// to an in-process loopback for Forward. Microbatched cross-process tensor
// execution is the job of an external pipelining engine; swap one in via
// the EngineBuilder when available.
type rpcEngine struct {
	seq   *nn.Sequential
	cfg   Config
	rt    distrib.Runtime
	group *distrib.Group
}

// NewRPCEngine is the default EngineBuilder.
func NewRPCEngine(seq *nn.Sequential, cfg Config, rt distrib.Runtime, group *distrib.Group) (Engine, error) {
	if len(cfg.Balance) != group.Size() {
		return nil, errors.Errorf("balance has %d stages but the model-parallel group %s has %d ranks",
			len(cfg.Balance), group, group.Size())
	}
	if len(cfg.WorkerMap) != rt.WorldSize() {
		return nil, errors.Errorf("worker map covers %d ranks, world size is %d",
			len(cfg.WorkerMap), rt.WorldSize())
	}
	return &rpcEngine{seq: seq, cfg: cfg.WithDefaults(), rt: rt, group: group}, nil
}

// FinalStage implements Engine.
func (e *rpcEngine) FinalStage() string {
	ranks := e.group.Ranks()
	return e.cfg.WorkerMap[ranks[len(ranks)-1]]
}

// ForeachWorker implements Engine. Dispatch is sequential and blocking per
// target; the first failure is returned immediately, tagged with the
// failing rank.
func (e *rpcEngine) ForeachWorker(op string, payload []byte, includeSelf bool) error {
	self := e.rt.Rank()
	for _, rank := range e.group.Ranks() {
		if rank == self && !includeSelf {
			continue
		}
		klog.V(2).Infof("foreach_worker: op %q -> rank %d (%s)", op, rank, e.cfg.WorkerMap[rank])
		if err := e.rt.Call(rank, op, payload); err != nil {
			return err
		}
	}
	return nil
}

// Forward implements Engine by running the full module in-process. It keeps
// single-process runs and tests working without an external pipelining
// engine; it does not pipeline.
func (e *rpcEngine) Forward(x *nn.Tensor) (*nn.Tensor, error) {
	return e.seq.Forward(x)
}

// Shutdown implements Engine.
func (e *rpcEngine) Shutdown() error { return nil }
