// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package pipe

import (
	"testing"

	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gomlx/piperpc"
	"github.com/gomlx/piperpc/distrib"
	"github.com/gomlx/piperpc/distrib/local"
	"github.com/gomlx/piperpc/nn"
	"github.com/gomlx/piperpc/pipeline/topology"
)

// testHolder is a minimal model object: sequential layers plus the
// conventional hooks.
type testHolder struct {
	layers  nn.Layer
	example *nn.Tensor
}

func (h *testHolder) Layers() nn.Layer          { return h.layers }
func (h *testHolder) SetLayers(layers nn.Layer) { h.layers = layers }
func (h *testHolder) ExampleInput() *nn.Tensor  { return h.example }
func (h *testHolder) ConfigureOptimizers() ([]Optimizer, error) {
	return nil, nil
}

type testTrainer struct {
	optimizers []Optimizer
	bound      int
}

func (tr *testTrainer) InitOptimizers() ([]Optimizer, error) { return tr.optimizers, nil }
func (tr *testTrainer) SetOptimizers(opts []Optimizer)       { tr.optimizers = opts }
func (tr *testTrainer) Optimizers() []Optimizer              { return tr.optimizers }
func (tr *testTrainer) BindOptimizers()                      { tr.bound++ }

func threeLayerSeq(t *testing.T) *nn.Sequential {
	seq := nn.NewSequential()
	require.NoError(t, seq.Add("input", nn.NewDense(4, 8)))
	require.NoError(t, seq.Add("act", nn.ReLU{}))
	require.NoError(t, seq.Add("output", nn.NewDense(8, 2)))
	return seq
}

func TestParseCheckpointPolicy(t *testing.T) {
	for name, want := range map[string]CheckpointPolicy{
		"always":      CheckpointAlways,
		"except_last": CheckpointExceptLast,
		"never":       CheckpointNever,
	} {
		got, err := ParseCheckpointPolicy(name)
		require.NoError(t, err)
		assert.Equal(t, want, got)
		assert.Equal(t, name, got.String())
	}
	_, err := ParseCheckpointPolicy("sometimes")
	require.Error(t, err)
	assert.True(t, piperpc.IsConfigError(err))
}

func TestWrapRequiresSequentialLayers(t *testing.T) {
	world := must.M1(local.NewWorld(2))
	topo := must.M1(topology.New(2, 2, 0))
	holder := &testHolder{layers: nn.ReLU{}} // not an *nn.Sequential

	_, err := Wrap(holder, &testTrainer{}, &LocalModel{}, Config{Balance: []int{1, 2}},
		world[0], topo.ModelParallelGroup(), nil)
	require.Error(t, err)
	assert.True(t, piperpc.IsConfigError(err))
	assert.Contains(t, err.Error(), "Layers")
	assert.Contains(t, err.Error(), "*nn.Sequential")
}

func TestWrapReplacesLayersAndPropagatesTrainer(t *testing.T) {
	world := must.M1(local.NewWorld(2))
	topo := must.M1(topology.New(2, 2, 0))
	seq := threeLayerSeq(t)
	holder := &testHolder{layers: seq}
	trainer := &testTrainer{}
	localModel := &LocalModel{Rank: 0}

	module, err := Wrap(holder, trainer, localModel, Config{
		Balance:   []int{2, 1},
		WorkerMap: topology.WorkerMap(2),
	}, world[0], topo.ModelParallelGroup(), nil)
	require.NoError(t, err)

	assert.Same(t, module, holder.Layers(), "wrapper must stand in for the layers")
	assert.Same(t, seq, module.Original())
	assert.Equal(t, DefaultMicrobatches, module.Config().Microbatches)
	assert.NotNil(t, localModel.ConfigureOptimizers)
	assert.Equal(t, TrainerRef(trainer), localModel.Trainer)

	// Last stage lives on the replica's highest rank.
	assert.Equal(t, "worker1", module.FinalStage())

	// The wrapper still behaves as a layer.
	y, err := module.Forward(nn.NewTensor(1, 4))
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, y.Shape())
	assert.NotEmpty(t, module.Parameters())
}

func TestForeachWorkerIncludeSelf(t *testing.T) {
	world := must.M1(local.NewWorld(3))
	group := must.M1(distrib.NewGroup("mp-0", []int{0, 1, 2}))

	ran := make([]int, 3)
	for rank, rt := range world {
		rank := rank
		rt.RegisterOp("mark", func(payload []byte) error {
			ran[rank]++
			return nil
		})
	}

	seq := threeLayerSeq(t)
	engine := must.M1(NewRPCEngine(seq, Config{
		Balance:   []int{1, 1, 1},
		WorkerMap: topology.WorkerMap(3),
	}, world[0], group))

	require.NoError(t, engine.ForeachWorker("mark", nil, false))
	assert.Equal(t, []int{0, 1, 1}, ran, "include_self=false never runs on the owner")

	require.NoError(t, engine.ForeachWorker("mark", nil, true))
	assert.Equal(t, []int{1, 2, 2}, ran, "include_self=true additionally runs once on the owner")
}

func TestForeachWorkerSurfacesRemoteFailure(t *testing.T) {
	world := must.M1(local.NewWorld(2))
	group := must.M1(distrib.NewGroup("mp-0", []int{0, 1}))
	world[0].RegisterOp("op", func([]byte) error { return nil })
	// Rank 1 has no handler: the broadcast must fail, tagged with rank 1.

	seq := threeLayerSeq(t)
	engine := must.M1(NewRPCEngine(seq, Config{
		Balance:   []int{2, 1},
		WorkerMap: topology.WorkerMap(2),
	}, world[0], group))

	err := engine.ForeachWorker("op", nil, true)
	var remoteErr *distrib.RemoteError
	require.ErrorAs(t, err, &remoteErr)
	assert.Equal(t, 1, remoteErr.Rank)
}

func TestNewRPCEngineValidation(t *testing.T) {
	world := must.M1(local.NewWorld(2))
	group := must.M1(distrib.NewGroup("mp-0", []int{0, 1}))
	seq := threeLayerSeq(t)

	// Balance length must match the group size.
	_, err := NewRPCEngine(seq, Config{Balance: []int{3}, WorkerMap: topology.WorkerMap(2)}, world[0], group)
	require.Error(t, err)

	// Worker map must cover the full world.
	_, err = NewRPCEngine(seq, Config{Balance: []int{2, 1}, WorkerMap: map[int]string{0: "worker0"}}, world[0], group)
	require.Error(t, err)
}

func TestLocalModelClosures(t *testing.T) {
	m := &LocalModel{}
	assert.NoError(t, m.ClosureFor(0)())

	calls := 0
	m.AttachClosure(1, func() error { calls++; return nil })
	require.NoError(t, m.ClosureFor(1)())
	assert.Equal(t, 1, calls)
}
