// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package coordinator drives the cross-rank side effects of training a
// pipelined model: synchronized optimizer stepping and distributed
// checkpoint save of parameters sharded across processes.
//
// All coordination flows through named operations registered on every
// shard-holding rank (RegisterWorkerOps) and broadcast by the orchestration
// owner through the pipeline wrapper's ForeachWorker.
package coordinator

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/piperpc/distrib"
	"github.com/gomlx/piperpc/nn"
	"github.com/gomlx/piperpc/pipeline/pipe"
)

// Operation names served by every shard-holding rank.
const (
	// OpRegisterOptimizers makes a rank construct and install its local
	// optimizers, consistently with the owner.
	OpRegisterOptimizers = "register_optimizers"

	// OpRunOptimizer steps one of a rank's local optimizers.
	OpRunOptimizer = "run_optimizer"

	// OpSaveShard makes a rank serialize its partition to a shard file.
	OpSaveShard = "save_shard"
)

// RunOptimizerRequest is the payload of OpRunOptimizer.
type RunOptimizerRequest struct {
	OptIdx int
}

// SaveShardRequest is the payload of OpSaveShard. Dir must be reachable by
// every rank (shared storage in multi-process deployments).
type SaveShardRequest struct {
	NumShards     int
	Dir           string
	HalfPrecision bool
}

// RegisterWorkerOps installs the coordinator's operations on this rank,
// bound to its pipeline-internal local model. Must run on every rank of the
// model-parallel group -- the owner included -- before the owner's first
// broadcast; the plugin separates the two with a barrier.
func RegisterWorkerOps(rt distrib.Runtime, local *pipe.LocalModel) {
	rt.RegisterOp(OpRegisterOptimizers, func(payload []byte) error {
		return registerOptimizers(local)
	})
	rt.RegisterOp(OpRunOptimizer, func(payload []byte) error {
		var req RunOptimizerRequest
		if err := distrib.DecodePayload(payload, &req); err != nil {
			return err
		}
		return runOptimizer(local, req)
	})
	rt.RegisterOp(OpSaveShard, func(payload []byte) error {
		var req SaveShardRequest
		if err := distrib.DecodePayload(payload, &req); err != nil {
			return err
		}
		return saveShard(local, req)
	})
}

func registerOptimizers(local *pipe.LocalModel) error {
	local.Lock()
	defer local.Unlock()
	if local.Trainer == nil {
		return errors.Errorf("rank %d has no trainer attached to its local model", local.Rank)
	}
	optimizers, err := local.Trainer.InitOptimizers()
	if err != nil {
		return errors.WithMessagef(err, "initializing optimizers on rank %d", local.Rank)
	}
	local.Trainer.SetOptimizers(optimizers)
	local.Trainer.BindOptimizers()
	local.Optimizers = optimizers
	klog.V(1).Infof("rank %d registered %d optimizer(s)", local.Rank, len(optimizers))
	return nil
}

func runOptimizer(local *pipe.LocalModel, req RunOptimizerRequest) error {
	local.Lock()
	defer local.Unlock()
	if req.OptIdx < 0 || req.OptIdx >= len(local.Optimizers) {
		return errors.Errorf("rank %d has %d optimizer(s), cannot step index %d",
			local.Rank, len(local.Optimizers), req.OptIdx)
	}
	closure := local.ClosureFor(req.OptIdx)
	return local.Optimizers[req.OptIdx].Step(closure)
}

func saveShard(local *pipe.LocalModel, req SaveShardRequest) error {
	local.Lock()
	defer local.Unlock()
	if local.Stage >= req.NumShards {
		// Stages beyond the shard count hold no partition of this model.
		return nil
	}
	if local.Partition == nil {
		return errors.Errorf("rank %d holds no model partition to save", local.Rank)
	}
	path := filepath.Join(req.Dir, shardFileName(local.Stage))
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "rank %d creating shard file %s", local.Rank, path)
	}
	if err = nn.WriteShard(f, local.Partition, req.HalfPrecision); err != nil {
		_ = f.Close()
		return errors.WithMessagef(err, "rank %d writing shard %s", local.Rank, path)
	}
	if err = f.Close(); err != nil {
		return errors.Wrapf(err, "rank %d closing shard file %s", local.Rank, path)
	}
	klog.V(1).Infof("rank %d saved %d-layer shard to %s", local.Rank, local.Partition.Len(), path)
	return nil
}
