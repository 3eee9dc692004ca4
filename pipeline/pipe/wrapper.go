// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package pipe

import (
	"github.com/gomlx/exceptions"
	"k8s.io/klog/v2"

	"github.com/gomlx/piperpc"
	"github.com/gomlx/piperpc/distrib"
	"github.com/gomlx/piperpc/nn"
)

// Holder is the surface of the user's model object: the conventional
// Layers attribute holding the sequential model, and the hooks the wrapper
// propagates into worker processes.
type Holder interface {
	// Layers returns whatever currently stands in for the model's layers:
	// an *nn.Sequential before wrapping, the pipeline *Module after.
	Layers() nn.Layer

	// SetLayers replaces the layers stand-in.
	SetLayers(layers nn.Layer)

	// ExampleInput returns a representative input, or nil.
	ExampleInput() *nn.Tensor

	// ConfigureOptimizers is the model's optimizer-configuration
	// procedure.
	ConfigureOptimizers() ([]Optimizer, error)
}

// Module is the pipeline-parallel wrapper standing in for the model's
// sequential layers on the orchestration owner. It delegates FinalStage and
// ForeachWorker to the underlying Engine and implements nn.Layer so the
// holder can keep treating it as its layers.
type Module struct {
	cfg      Config
	original *nn.Sequential
	engine   Engine
	group    *distrib.Group
}

var _ nn.Layer = (*Module)(nil)

// Wrap replaces holder's sequential layers with a pipeline-parallel Module.
// Call it on the orchestration owner only, after topology initialization.
//
// The holder's trainer reference and optimizer-configuration procedure are
// propagated into local -- the pipeline-internal shared model object -- so
// code running inside worker processes can still construct optimizers
// consistently.
func Wrap(holder Holder, trainer TrainerRef, local *LocalModel, cfg Config,
	rt distrib.Runtime, group *distrib.Group, build EngineBuilder) (*Module, error) {
	seq, ok := holder.Layers().(*nn.Sequential)
	if !ok || seq == nil {
		return nil, piperpc.ConfigErrorf(
			"could not find a sequential model to wrap: the model's Layers attribute must hold an "+
				"*nn.Sequential, got %T -- did you define your model's sequential layers as its Layers?",
			holder.Layers())
	}
	if build == nil {
		build = NewRPCEngine
	}
	cfg = cfg.WithDefaults()
	engine, err := build(seq, cfg, rt, group)
	if err != nil {
		return nil, err
	}
	module := &Module{cfg: cfg, original: seq, engine: engine, group: group}
	holder.SetLayers(module)

	local.Lock()
	local.Trainer = trainer
	local.ConfigureOptimizers = holder.ConfigureOptimizers
	local.Unlock()

	klog.V(1).Infof("wrapped %d-layer sequential model: balance=%v, microbatches=%d, checkpoint=%s, final stage on %s",
		seq.Len(), cfg.Balance, cfg.Microbatches, cfg.Checkpoint, engine.FinalStage())
	return module, nil
}

// Config returns the engine configuration the module was wrapped with.
func (m *Module) Config() Config { return m.cfg }

// Original returns the pre-wrap sequential model.
func (m *Module) Original() *nn.Sequential { return m.original }

// Group returns the model-parallel group the module spans.
func (m *Module) Group() *distrib.Group { return m.group }

// FinalStage returns the logical worker name holding the last pipeline
// stage.
func (m *Module) FinalStage() string { return m.engine.FinalStage() }

// ForeachWorker gob-encodes payload and invokes the named operation on
// every shard-holding rank of the replica. A nil payload dispatches an
// empty request. See Engine.ForeachWorker.
func (m *Module) ForeachWorker(op string, payload any, includeSelf bool) error {
	var encoded []byte
	if payload != nil {
		var err error
		encoded, err = distrib.EncodePayload(payload)
		if err != nil {
			return err
		}
	}
	return m.engine.ForeachWorker(op, encoded, includeSelf)
}

// Kind implements nn.Layer.
func (m *Module) Kind() string { return "pipeline" }

// Parameters implements nn.Layer, returning the parameters of the full
// wrapped model as seen from the owner.
func (m *Module) Parameters() []*nn.Tensor {
	var params []*nn.Tensor
	for _, layer := range m.original.Layers() {
		params = append(params, layer.Parameters()...)
	}
	return params
}

// Forward implements nn.Layer, delegating to the pipeline engine.
func (m *Module) Forward(x *nn.Tensor) (*nn.Tensor, error) {
	if m.engine == nil {
		exceptions.Panicf("pipe.Module used after Shutdown")
	}
	return m.engine.Forward(x)
}

// Shutdown releases the engine.
func (m *Module) Shutdown() error {
	if m.engine == nil {
		return nil
	}
	err := m.engine.Shutdown()
	m.engine = nil
	return err
}
