// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package coordinator

import (
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/piperpc/pipeline/pipe"
)

// Optimizer coordinates optimizer stepping across the ranks of a model
// replica. Only the orchestration owner calls Step; the other ranks advance
// through the OpRunOptimizer broadcast it triggers.
//
// Each optimizer index carries an edge-triggered toggle turning the two
// forward/backward completion signals of a microbatched step into one
// step/no-step decision without a separate counter. Phase A -- the call
// flipping the toggle to true -- defers; phase B -- the call flipping it
// back to false -- commits. Starting from false, two consecutive Step calls
// on the same index perform exactly one actual optimizer step and leave the
// toggle false again.
type Optimizer struct {
	module  *pipe.Module
	local   *pipe.LocalModel
	toggles map[int]bool
}

// NewOptimizer creates the coordinator for the owner's wrapped module and
// its local model. Call Reset once optimizers are attached.
func NewOptimizer(module *pipe.Module, local *pipe.LocalModel) *Optimizer {
	return &Optimizer{module: module, local: local}
}

// Reset initializes one toggle per optimizer index, all false. Run once per
// training run, at optimizer setup.
func (o *Optimizer) Reset(numOptimizers int) {
	o.toggles = make(map[int]bool, numOptimizers)
	for idx := 0; idx < numOptimizers; idx++ {
		o.toggles[idx] = false
	}
}

// NumOptimizers returns how many optimizer indices are tracked.
func (o *Optimizer) NumOptimizers() int { return len(o.toggles) }

// Step handles one accumulation micro-step for the given optimizer index.
//
// The toggle for optIdx is flipped. The flip completing the accumulation
// cycle (back to false) runs the local optimizer step with the given
// closure, broadcasts a step instruction to every other shard-holding rank
// and returns true; the flip opening the cycle defers and returns false.
func (o *Optimizer) Step(optIdx int, closure pipe.Closure) (bool, error) {
	toggle, tracked := o.toggles[optIdx]
	if !tracked {
		return false, errors.Errorf("optimizer index %d is not tracked -- "+
			"Reset must run after optimizers are attached (tracking %d)", optIdx, len(o.toggles))
	}
	o.toggles[optIdx] = !toggle
	if o.toggles[optIdx] {
		klog.V(2).Infof("optimizer %d: accumulation pending, step deferred", optIdx)
		return false, nil
	}

	o.local.Lock()
	if optIdx >= len(o.local.Optimizers) {
		o.local.Unlock()
		return false, errors.Errorf("owner rank %d has %d optimizer(s), cannot step index %d",
			o.local.Rank, len(o.local.Optimizers), optIdx)
	}
	optimizer := o.local.Optimizers[optIdx]
	o.local.Unlock()

	if closure == nil {
		closure = pipe.NoOpClosure
	}
	if err := optimizer.Step(closure); err != nil {
		return false, errors.WithMessagef(err, "stepping optimizer %d on the owner", optIdx)
	}
	if err := o.module.ForeachWorker(OpRunOptimizer, RunOptimizerRequest{OptIdx: optIdx}, false); err != nil {
		return false, err
	}
	return true, nil
}
