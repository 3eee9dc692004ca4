// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package coordinator

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gomlx/piperpc/distrib/local"
	"github.com/gomlx/piperpc/nn"
	"github.com/gomlx/piperpc/pipeline/balance"
	"github.com/gomlx/piperpc/pipeline/pipe"
	"github.com/gomlx/piperpc/pipeline/topology"
)

// fakeOptimizer counts steps and resolved closures.
type fakeOptimizer struct {
	steps    int
	failWith error
}

func (o *fakeOptimizer) Step(closure pipe.Closure) error {
	if o.failWith != nil {
		return o.failWith
	}
	if err := closure(); err != nil {
		return err
	}
	o.steps++
	return nil
}

type fakeTrainer struct {
	optimizers []pipe.Optimizer
	bound      int
}

func (tr *fakeTrainer) InitOptimizers() ([]pipe.Optimizer, error) {
	return []pipe.Optimizer{&fakeOptimizer{}}, nil
}
func (tr *fakeTrainer) SetOptimizers(opts []pipe.Optimizer) { tr.optimizers = opts }
func (tr *fakeTrainer) Optimizers() []pipe.Optimizer        { return tr.optimizers }
func (tr *fakeTrainer) BindOptimizers()                     { tr.bound++ }

type fakeHolder struct {
	layers nn.Layer
}

func (h *fakeHolder) Layers() nn.Layer                            { return h.layers }
func (h *fakeHolder) SetLayers(layers nn.Layer)                   { h.layers = layers }
func (h *fakeHolder) ExampleInput() *nn.Tensor                    { return nil }
func (h *fakeHolder) ConfigureOptimizers() ([]pipe.Optimizer, error) { return nil, nil }

// replica wires a full single-replica world: every rank has a LocalModel
// with its stage partition and registered ops; the owner has the wrapped
// module.
type replica struct {
	seq      *nn.Sequential
	holder   *fakeHolder
	module   *pipe.Module
	locals   []*pipe.LocalModel
	trainers []*fakeTrainer
}

func newReplica(t *testing.T, b balance.Balance) *replica {
	worldSize := b.Partitions()
	world := must.M1(local.NewWorld(worldSize))

	seq := nn.NewSequential()
	require.NoError(t, seq.Add("input", nn.NewDense(4, 8)))
	require.NoError(t, seq.Add("act", nn.ReLU{}))
	require.NoError(t, seq.Add("output", nn.NewDense(8, 2)))
	require.NoError(t, b.Validate(seq.Len()))

	r := &replica{seq: seq, holder: &fakeHolder{layers: seq}}
	var ownerTopo *topology.Topology
	for rank := 0; rank < worldSize; rank++ {
		topo := must.M1(topology.New(worldSize, worldSize, rank))
		if rank == 0 {
			ownerTopo = topo
		}
		lo, hi := b.StageBounds(topo.Stage())
		partition := must.M1(seq.Slice(lo, hi))
		localModel := &pipe.LocalModel{Rank: rank, Stage: topo.Stage(), Partition: partition}
		trainer := &fakeTrainer{}
		localModel.Trainer = trainer
		RegisterWorkerOps(world[rank], localModel)
		r.locals = append(r.locals, localModel)
		r.trainers = append(r.trainers, trainer)
	}

	module := must.M1(pipe.Wrap(r.holder, r.trainers[0], r.locals[0], pipe.Config{
		Balance:   b,
		WorkerMap: topology.WorkerMap(worldSize),
	}, world[0], ownerTopo.ModelParallelGroup(), nil))
	r.module = module

	require.NoError(t, module.ForeachWorker(OpRegisterOptimizers, nil, true))
	return r
}

func TestRegisterOptimizersOnEveryRank(t *testing.T) {
	r := newReplica(t, balance.Balance{2, 1})
	for rank, trainer := range r.trainers {
		assert.Len(t, trainer.Optimizers(), 1, "rank %d", rank)
		assert.Equal(t, 1, trainer.bound, "rank %d", rank)
		assert.Len(t, r.locals[rank].Optimizers, 1, "rank %d", rank)
	}
}

func TestOptimizerToggleLaw(t *testing.T) {
	r := newReplica(t, balance.Balance{2, 1})
	coord := NewOptimizer(r.module, r.locals[0])
	coord.Reset(1)

	ownerOpt := r.locals[0].Optimizers[0].(*fakeOptimizer)
	workerOpt := r.locals[1].Optimizers[0].(*fakeOptimizer)

	// First call defers.
	stepped, err := coord.Step(0, nil)
	require.NoError(t, err)
	assert.False(t, stepped)
	assert.Equal(t, 0, ownerOpt.steps)
	assert.Equal(t, 0, workerOpt.steps)

	// Second call commits: one step locally, one per remote shard-holder.
	stepped, err = coord.Step(0, nil)
	require.NoError(t, err)
	assert.True(t, stepped)
	assert.Equal(t, 1, ownerOpt.steps)
	assert.Equal(t, 1, workerOpt.steps)

	// Toggle is back to false: the pattern repeats.
	stepped, err = coord.Step(0, nil)
	require.NoError(t, err)
	assert.False(t, stepped)
	stepped, err = coord.Step(0, nil)
	require.NoError(t, err)
	assert.True(t, stepped)
	assert.Equal(t, 2, ownerOpt.steps)
	assert.Equal(t, 2, workerOpt.steps)
}

func TestOptimizerStepClosures(t *testing.T) {
	r := newReplica(t, balance.Balance{2, 1})
	coord := NewOptimizer(r.module, r.locals[0])
	coord.Reset(1)

	ownerClosureRuns := 0
	workerClosureRuns := 0
	r.locals[1].AttachClosure(0, func() error { workerClosureRuns++; return nil })

	_, err := coord.Step(0, func() error { ownerClosureRuns++; return nil })
	require.NoError(t, err)
	stepped, err := coord.Step(0, func() error { ownerClosureRuns++; return nil })
	require.NoError(t, err)
	require.True(t, stepped)

	// The owner resolves the closure it was handed; the remote rank
	// resolves its own attached closure.
	assert.Equal(t, 1, ownerClosureRuns)
	assert.Equal(t, 1, workerClosureRuns)
}

func TestOptimizerStepUntrackedIndex(t *testing.T) {
	r := newReplica(t, balance.Balance{2, 1})
	coord := NewOptimizer(r.module, r.locals[0])
	coord.Reset(1)
	_, err := coord.Step(3, nil)
	require.Error(t, err)
}

func TestCheckpointRoundTrip(t *testing.T) {
	b := balance.Balance{2, 1}
	r := newReplica(t, b)
	baseDir := t.TempDir()
	ckpt := NewCheckpoint(r.module, b.Partitions(), baseDir, false)

	var saved *nn.Sequential
	saveFn := func(path string, holder pipe.Holder) error {
		// During the save, the holder's layers are the reassembled
		// plain sequential module, not the pipeline wrapper.
		seq, ok := holder.Layers().(*nn.Sequential)
		require.True(t, ok, "expected reassembled *nn.Sequential, got %T", holder.Layers())
		saved = seq
		return nil
	}

	require.NoError(t, ckpt.Save(saveFn, "model.ckpt", r.holder))
	require.NotNil(t, saved)

	// Children list matches the pre-shard original by name, kind and
	// parameter values, in order.
	require.Equal(t, r.seq.Len(), saved.Len())
	for i := 0; i < r.seq.Len(); i++ {
		assert.Equal(t, r.seq.NameAt(i), saved.NameAt(i), "child %d", i)
		assert.Equal(t, r.seq.At(i).Kind(), saved.At(i).Kind(), "child %d", i)
		origParams := r.seq.At(i).Parameters()
		savedParams := saved.At(i).Parameters()
		require.Len(t, savedParams, len(origParams))
		for j, p := range origParams {
			assert.True(t, p.Equal(savedParams[j]), "child %d param %d", i, j)
		}
	}

	// The pipeline wrapper is restored afterwards.
	assert.Same(t, r.module, r.holder.Layers())

	// No shard files survive the save.
	entries, err := os.ReadDir(baseDir)
	require.NoError(t, err)
	assert.Empty(t, entries, "temporary shard files must be deleted")
}

func TestCheckpointSaveFnFailureRestoresLayers(t *testing.T) {
	b := balance.Balance{2, 1}
	r := newReplica(t, b)
	ckpt := NewCheckpoint(r.module, b.Partitions(), t.TempDir(), false)

	saveErr := errors.New("disk full")
	err := ckpt.Save(func(string, pipe.Holder) error { return saveErr }, "model.ckpt", r.holder)
	require.Error(t, err)
	assert.ErrorIs(t, err, saveErr)
	assert.Same(t, r.module, r.holder.Layers())
}

func TestCheckpointInactivePipelineIsNoOp(t *testing.T) {
	ckpt := NewCheckpoint(nil, 2, "", false)
	calls := 0
	require.NoError(t, ckpt.Save(func(string, pipe.Holder) error { calls++; return nil }, "x", &fakeHolder{}))
	assert.Equal(t, 0, calls)
}

func TestReloadSequentialMissingShard(t *testing.T) {
	dir := t.TempDir()
	m := manifest{Version: manifestVersion, NumShards: 1, Files: []string{shardFileName(0)}, Layers: []int{1}}
	encoded := must.M1(json.MarshalIndent(m, "", "\t"))
	require.NoError(t, os.WriteFile(filepath.Join(dir, manifestFileName), encoded, 0660))

	_, err := reloadSequential(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing")
}

func TestReloadSequentialBadManifestVersion(t *testing.T) {
	dir := t.TempDir()
	m := manifest{Version: 99, NumShards: 0}
	encoded := must.M1(json.MarshalIndent(m, "", "\t"))
	require.NoError(t, os.WriteFile(filepath.Join(dir, manifestFileName), encoded, 0660))

	_, err := reloadSequential(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "version")
}

func TestHalfPrecisionShards(t *testing.T) {
	b := balance.Balance{2, 1}
	r := newReplica(t, b)
	ckpt := NewCheckpoint(r.module, b.Partitions(), t.TempDir(), true)

	var saved *nn.Sequential
	require.NoError(t, ckpt.Save(func(_ string, holder pipe.Holder) error {
		saved = holder.Layers().(*nn.Sequential)
		return nil
	}, "model.ckpt", r.holder))
	require.NotNil(t, saved)

	orig := r.seq.At(0).Parameters()[0].Data()
	got := saved.At(0).Parameters()[0].Data()
	require.Len(t, got, len(orig))
	for i := range orig {
		assert.InDelta(t, orig[i], got[i], 1e-2)
	}
}
