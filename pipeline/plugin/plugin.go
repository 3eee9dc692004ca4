// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package plugin sequences pipeline-parallel training through the
// distributed-execution lifecycle: connection guards, topology formation,
// model wrapping on the orchestration owner, cross-rank optimizer
// registration, training-time stepping, checkpoint save and teardown.
//
// Per process, the lifecycle is a state machine:
//
//	Uninitialized -> Connected -> TopologyReady
//	    -> [owner only: ModelWrapped -> OptimizersRegistered]
//	    -> Training -> ShuttingDown -> RPCClosed
//
// Create a Plugin with Build(runtime).…options….Done(), then drive
// Connect, InitTopology, SetupModel, the training-time calls, and Teardown
// -- on every rank, in that order.
package plugin

import (
	"fmt"

	"k8s.io/klog/v2"

	"github.com/gomlx/piperpc"
	"github.com/gomlx/piperpc/distrib"
	"github.com/gomlx/piperpc/nn"
	"github.com/gomlx/piperpc/pipeline/balance"
	"github.com/gomlx/piperpc/pipeline/coordinator"
	"github.com/gomlx/piperpc/pipeline/pipe"
	"github.com/gomlx/piperpc/pipeline/topology"
	"github.com/pkg/errors"
)

// State of the lifecycle, per process.
type State int

const (
	StateUninitialized State = iota
	StateConnected
	StateTopologyReady
	StateModelWrapped
	StateOptimizersRegistered
	StateTraining
	StateShuttingDown
	StateRPCClosed
)

var stateNames = []string{
	"uninitialized", "connected", "topology-ready", "model-wrapped",
	"optimizers-registered", "training", "shutting-down", "rpc-closed",
}

// String implements fmt.Stringer.
func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("State(%d)", int(s))
	}
	return stateNames[s]
}

// Trainer is the surface consumed from the surrounding trainer/lifecycle
// framework. It extends the narrow pipe.TrainerRef that remote operations
// use with the flags and model access the lifecycle guards need.
type Trainer interface {
	pipe.TrainerRef

	// Model returns the trainer's model object.
	Model() pipe.Holder

	// AutomaticOptimization reports whether the framework steps
	// optimizers automatically. Pipelining requires manual optimization.
	AutomaticOptimization() bool

	// MixedPrecision reports whether an automatic mixed-precision
	// backend is active. Incompatible with pipelining's cross-process
	// optimizer coordination.
	MixedPrecision() bool

	// Testing reports test mode: an already-connected plugin then skips
	// re-initializing the distributed connection.
	Testing() bool
}

// Config is the plugin builder. Create with Build, adjust with the option
// methods, finish with Done.
type Config struct {
	rt distrib.Runtime

	balance           balance.Balance
	numPartitions     int
	microbatches      int
	checkpoint        pipe.CheckpointPolicy
	balanceStrategy   string
	pipelinedBackward bool
	device            string
	shardDir          string
	halfPrecision     bool
	engineBuilder     pipe.EngineBuilder
}

// Build starts configuring a Plugin over the given runtime.
func Build(rt distrib.Runtime) *Config {
	return &Config{
		rt:                rt,
		microbatches:      pipe.DefaultMicrobatches,
		checkpoint:        pipe.CheckpointExceptLast,
		balanceStrategy:   balance.DefaultStrategy,
		pipelinedBackward: true,
	}
}

// Balance sets an explicit balance; without one, it is inferred at topology
// initialization.
func (c *Config) Balance(b balance.Balance) *Config { c.balance = b; return c }

// NumPartitions sets the partition count used for balance inference.
// Defaults to the locally visible accelerator count.
func (c *Config) NumPartitions(n int) *Config { c.numPartitions = n; return c }

// Microbatches sets the number of sub-splits per training batch.
func (c *Config) Microbatches(n int) *Config { c.microbatches = n; return c }

// Checkpoint sets the activation checkpointing policy.
func (c *Config) Checkpoint(policy pipe.CheckpointPolicy) *Config { c.checkpoint = policy; return c }

// BalanceStrategy names the inference strategy (see balance.KnownStrategies).
func (c *Config) BalanceStrategy(name string) *Config { c.balanceStrategy = name; return c }

// NoPipelinedBackward disables pipelining of the backward pass.
func (c *Config) NoPipelinedBackward() *Config { c.pipelinedBackward = false; return c }

// Device sets the local compute device, e.g. "cuda:0".
func (c *Config) Device(device string) *Config { c.device = device; return c }

// ShardDir sets where temporary checkpoint shard directories are created.
// Must be shared storage in multi-process deployments. Empty means the
// system temporary directory.
func (c *Config) ShardDir(dir string) *Config { c.shardDir = dir; return c }

// HalfPrecisionShards stores checkpoint shard parameters as float16.
func (c *Config) HalfPrecisionShards() *Config { c.halfPrecision = true; return c }

// EngineBuilder replaces the default orchestration-only engine with a real
// pipelining engine.
func (c *Config) EngineBuilder(build pipe.EngineBuilder) *Config { c.engineBuilder = build; return c }

// Done validates the configuration and returns the Plugin, still in
// StateUninitialized.
func (c *Config) Done() (*Plugin, error) {
	if c.rt == nil {
		return nil, piperpc.ConfigErrorf("a distributed runtime is required, got nil")
	}
	if c.microbatches <= 0 {
		return nil, piperpc.ConfigErrorf("microbatch count must be positive, got %d", c.microbatches)
	}
	if _, err := balance.ByName(c.balanceStrategy); err != nil {
		return nil, err
	}
	return &Plugin{cfg: *c, rt: c.rt}, nil
}

// Plugin is the per-process lifecycle controller.
type Plugin struct {
	cfg Config
	rt  distrib.Runtime

	state   State
	trainer Trainer

	balance balance.Balance
	topo    *topology.Topology
	local   *pipe.LocalModel
	module  *pipe.Module
	optim   *coordinator.Optimizer
	ckpt    *coordinator.Checkpoint
}

// State returns the current lifecycle state.
func (p *Plugin) State() State { return p.state }

// Topology returns the process topology, available from StateTopologyReady.
func (p *Plugin) Topology() *topology.Topology { return p.topo }

// Balance returns the resolved balance, available from StateTopologyReady.
func (p *Plugin) Balance() balance.Balance { return p.balance }

// DataParallelGroup exposes the group a gradient-averaging (DDP-style)
// wrapper should synchronize over. Available from StateTopologyReady.
func (p *Plugin) DataParallelGroup() *distrib.Group {
	if p.topo == nil {
		return nil
	}
	return p.topo.DataParallelGroup()
}

func (p *Plugin) require(expected State, operation string) error {
	if p.state != expected {
		return errors.Errorf("%s requires lifecycle state %q, currently %q", operation, expected, p.state)
	}
	return nil
}

// Connect validates the optimization-mode preconditions and binds the
// trainer. In trainer test mode, an already-connected plugin skips
// re-initialization.
func (p *Plugin) Connect(trainer Trainer) error {
	if p.state != StateUninitialized && trainer.Testing() {
		klog.V(1).Infof("rank %d already connected, skipping re-initialization in test mode", p.rt.Rank())
		return nil
	}
	if err := p.require(StateUninitialized, "Connect"); err != nil {
		return err
	}
	if trainer.AutomaticOptimization() {
		return piperpc.ConfigErrorf("pipeline-parallel execution requires manual optimization: " +
			"its cross-process optimizer coordination cannot run under automatic optimization")
	}
	if trainer.MixedPrecision() {
		return piperpc.ConfigErrorf("pipeline-parallel execution is not supported with an automatic " +
			"mixed-precision backend")
	}
	p.trainer = trainer
	p.state = StateConnected
	return nil
}

// sequentialOf asserts the conventional Layers attribute holds a plain
// sequential model.
func sequentialOf(holder pipe.Holder) (*nn.Sequential, error) {
	seq, ok := holder.Layers().(*nn.Sequential)
	if !ok || seq == nil {
		return nil, piperpc.ConfigErrorf(
			"could not find a sequential model: the model's Layers attribute must hold an *nn.Sequential, "+
				"got %T", holder.Layers())
	}
	return seq, nil
}

// balanceModel adapts a pipe.Holder to the balance resolver's surface.
type balanceModel struct {
	seq     *nn.Sequential
	example *nn.Tensor
}

func (m balanceModel) Layers() *nn.Sequential   { return m.seq }
func (m balanceModel) ExampleInput() *nn.Tensor { return m.example }

// InitTopology resolves the balance and forms the model-parallel and
// data-parallel groups. Must run after Connect on every rank, with the same
// configuration, so every rank computes identical group membership. It also
// installs this rank's local model and its remote operations.
func (p *Plugin) InitTopology() error {
	if err := p.require(StateConnected, "InitTopology"); err != nil {
		return err
	}
	holder := p.trainer.Model()
	seq, err := sequentialOf(holder)
	if err != nil {
		return err
	}
	resolved, err := balance.Resolve(balance.Config{
		Balance:       p.cfg.balance,
		NumPartitions: p.cfg.numPartitions,
		Strategy:      p.cfg.balanceStrategy,
	}, balanceModel{seq: seq, example: holder.ExampleInput()})
	if err != nil {
		return err
	}
	topo, err := topology.New(p.rt.WorldSize(), resolved.Partitions(), p.rt.Rank())
	if err != nil {
		return err
	}

	lo, hi := resolved.StageBounds(topo.Stage())
	partition, err := seq.Slice(lo, hi)
	if err != nil {
		return err
	}
	local := &pipe.LocalModel{
		Rank:      p.rt.Rank(),
		Stage:     topo.Stage(),
		Partition: partition,
		Trainer:   p.trainer,
	}
	coordinator.RegisterWorkerOps(p.rt, local)

	p.balance = resolved
	p.topo = topo
	p.local = local
	p.state = StateTopologyReady
	return nil
}

// SetupModel wraps the model on the orchestration owner and registers
// optimizers on every shard-holding rank. Barriers on the data-parallel
// group bracket the owner's work, so no rank starts training before
// wrapping and registration completed everywhere.
func (p *Plugin) SetupModel() error {
	if err := p.require(StateTopologyReady, "SetupModel"); err != nil {
		return err
	}
	if err := p.rt.Barrier(p.topo.DataParallelGroup()); err != nil {
		return err
	}
	// Every replica member must have its operations registered before the
	// owner's first broadcast.
	if err := p.rt.Barrier(p.topo.ModelParallelGroup()); err != nil {
		return err
	}

	if p.topo.IsOwner() {
		holder := p.trainer.Model()
		module, err := pipe.Wrap(holder, p.trainer, p.local, pipe.Config{
			Balance:           p.balance,
			Microbatches:      p.cfg.microbatches,
			Checkpoint:        p.cfg.checkpoint,
			Style:             pipe.StyleMultiProcess,
			Device:            p.cfg.device,
			WorkerMap:         topology.WorkerMap(p.topo.WorldSize()),
			PipelinedBackward: p.cfg.pipelinedBackward,
		}, p.rt, p.topo.ModelParallelGroup(), p.cfg.engineBuilder)
		if err != nil {
			return err
		}
		p.module = module
		p.state = StateModelWrapped

		if err = module.ForeachWorker(coordinator.OpRegisterOptimizers, nil, true); err != nil {
			return err
		}
		p.optim = coordinator.NewOptimizer(module, p.local)
		p.optim.Reset(len(p.trainer.Optimizers()))
		p.ckpt = coordinator.NewCheckpoint(module, p.topo.DevicesPerModel(), p.cfg.shardDir, p.cfg.halfPrecision)
		p.state = StateOptimizersRegistered
	}

	// Replica members hold here until the owner finished wrapping and
	// optimizer registration.
	if err := p.rt.Barrier(p.topo.ModelParallelGroup()); err != nil {
		return err
	}
	if err := p.rt.Barrier(p.topo.DataParallelGroup()); err != nil {
		return err
	}
	p.state = StateTraining
	klog.Infof("rank %d (%s) entering training", p.rt.Rank(), p.topo.Role())
	return nil
}

// OptimizerStep handles one accumulation micro-step for the optimizer
// index, on the orchestration owner only. It returns true when an actual
// synchronized step was performed, false when accumulation is still
// pending. See coordinator.Optimizer.
func (p *Plugin) OptimizerStep(optIdx int, closure pipe.Closure) (bool, error) {
	if err := p.require(StateTraining, "OptimizerStep"); err != nil {
		return false, err
	}
	if !p.topo.IsOwner() {
		return false, errors.Errorf("rank %d is not its replica's orchestration owner: "+
			"only the owner drives optimizer steps", p.rt.Rank())
	}
	return p.optim.Step(optIdx, closure)
}

// SaveModel writes an ordinary, non-sharded checkpoint of the pipelined
// model through saveFn. Owner only. See coordinator.Checkpoint.
func (p *Plugin) SaveModel(saveFn coordinator.SaveFn, path string) error {
	if err := p.require(StateTraining, "SaveModel"); err != nil {
		return err
	}
	if !p.topo.IsOwner() {
		return errors.Errorf("rank %d is not its replica's orchestration owner: "+
			"only the owner saves the model", p.rt.Rank())
	}
	return p.ckpt.Save(saveFn, path, p.trainer.Model())
}

// FinalStage returns the logical worker holding the last pipeline stage,
// where the loss / final output is produced. Owner only.
func (p *Plugin) FinalStage() (string, error) {
	if p.module == nil {
		return "", errors.Errorf("rank %d has no wrapped module (owner-only, after SetupModel)", p.rt.Rank())
	}
	return p.module.FinalStage(), nil
}

// Teardown leaves training and shuts down this rank's RPC participation.
// The owner first re-attaches the trainer's live model hooks onto the
// pipeline-internal shared model object, so in-flight remote calls still
// resolve; every rank then synchronizes on the data-parallel group before
// closing its mesh endpoint.
func (p *Plugin) Teardown() error {
	if err := p.require(StateTraining, "Teardown"); err != nil {
		return err
	}
	p.state = StateShuttingDown

	if p.topo.IsOwner() {
		p.local.Lock()
		p.local.Trainer = p.trainer
		p.local.ConfigureOptimizers = p.trainer.Model().ConfigureOptimizers
		p.local.Unlock()
		if p.module != nil {
			if err := p.module.Shutdown(); err != nil {
				return err
			}
		}
	}

	if err := p.rt.Barrier(p.topo.DataParallelGroup()); err != nil {
		return err
	}
	if err := p.rt.Shutdown(); err != nil {
		return err
	}
	p.state = StateRPCClosed
	klog.V(1).Infof("rank %d closed its RPC participation", p.rt.Rank())
	return nil
}
