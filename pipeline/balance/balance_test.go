// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package balance

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gomlx/piperpc"
	"github.com/gomlx/piperpc/nn"
)

type testModel struct {
	layers  *nn.Sequential
	example *nn.Tensor
}

func (m *testModel) Layers() *nn.Sequential   { return m.layers }
func (m *testModel) ExampleInput() *nn.Tensor { return m.example }

// threeLayerModel builds the canonical Dense(4,8) -> ReLU -> Dense(8,2)
// model with a batch-of-one example input.
func threeLayerModel(t *testing.T, withExample bool) *testModel {
	seq := nn.NewSequential()
	require.NoError(t, seq.Add("input", nn.NewDense(4, 8)))
	require.NoError(t, seq.Add("act", nn.ReLU{}))
	require.NoError(t, seq.Add("output", nn.NewDense(8, 2)))
	m := &testModel{layers: seq}
	if withExample {
		m.example = nn.NewTensor(1, 4)
	}
	return m
}

func TestValidate(t *testing.T) {
	tests := []struct {
		balance    Balance
		layerCount int
		wantErr    bool
	}{
		{Balance{2, 1}, 3, false},
		{Balance{1, 1, 1}, 3, false},
		{Balance{3}, 3, false},
		{Balance{2, 1}, 4, true},
		{Balance{2, 2}, 3, true},
		{Balance{}, 0, true},
		{Balance{3, 0}, 3, true},
		{Balance{4, -1}, 3, true},
	}
	for _, test := range tests {
		t.Run(fmt.Sprintf("%v_over_%d", test.balance, test.layerCount), func(t *testing.T) {
			err := test.balance.Validate(test.layerCount)
			if test.wantErr {
				require.Error(t, err)
				assert.True(t, piperpc.IsConfigError(err))
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateReportsBothSums(t *testing.T) {
	err := Balance{2, 1}.Validate(4)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "3")
	assert.Contains(t, err.Error(), "4")
}

func TestStageBounds(t *testing.T) {
	b := Balance{2, 1, 3}
	lo, hi := b.StageBounds(0)
	assert.Equal(t, []int{0, 2}, []int{lo, hi})
	lo, hi = b.StageBounds(1)
	assert.Equal(t, []int{2, 3}, []int{lo, hi})
	lo, hi = b.StageBounds(2)
	assert.Equal(t, []int{3, 6}, []int{lo, hi})
}

func TestResolveExplicitBalance(t *testing.T) {
	model := threeLayerModel(t, false)
	b, err := Resolve(Config{Balance: Balance{2, 1}}, model)
	require.NoError(t, err)
	assert.Equal(t, Balance{2, 1}, b)

	_, err = Resolve(Config{Balance: Balance{2, 2}}, model)
	require.Error(t, err)
	assert.True(t, piperpc.IsConfigError(err))
}

func TestResolveInferenceNeedsExampleInput(t *testing.T) {
	model := threeLayerModel(t, false)
	_, err := Resolve(Config{NumPartitions: 2}, model)
	require.Error(t, err)
	assert.True(t, piperpc.IsConfigError(err))
	assert.Contains(t, err.Error(), "representative input")
}

func TestResolveInferred(t *testing.T) {
	model := threeLayerModel(t, true)
	for _, strategy := range []string{"by_size", "by_time"} {
		t.Run(strategy, func(t *testing.T) {
			b, err := Resolve(Config{NumPartitions: 2, Strategy: strategy}, model)
			require.NoError(t, err)
			assert.Equal(t, 2, b.Partitions())
			assert.Equal(t, 3, b.Sum())
			for _, n := range b {
				assert.Positive(t, n)
			}
		})
	}
}

func TestResolveUnknownStrategy(t *testing.T) {
	model := threeLayerModel(t, true)
	_, err := Resolve(Config{NumPartitions: 2, Strategy: "by_vibes"}, model)
	require.Error(t, err)
	assert.True(t, piperpc.IsConfigError(err))
}

func TestPartitionByWeight(t *testing.T) {
	tests := []struct {
		name       string
		weights    []float64
		partitions int
		want       Balance
	}{
		{"even", []float64{1, 1, 1, 1}, 2, Balance{2, 2}},
		{"single", []float64{5, 1, 1}, 1, Balance{3}},
		{"heavy_head", []float64{10, 1, 1}, 2, Balance{1, 2}},
		{"one_each", []float64{1, 1, 1}, 3, Balance{1, 1, 1}},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			got, err := partitionByWeight(test.weights, test.partitions)
			require.NoError(t, err)
			assert.Equal(t, test.want, got)
		})
	}

	_, err := partitionByWeight([]float64{1, 1}, 3)
	require.Error(t, err)
	_, err = partitionByWeight([]float64{1, 1}, 0)
	require.Error(t, err)
}
