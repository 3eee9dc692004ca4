// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package nn

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildTestModel(t *testing.T) *Sequential {
	seq := NewSequential()
	require.NoError(t, seq.Add("input", NewDense(4, 8)))
	require.NoError(t, seq.Add("act", ReLU{}))
	require.NoError(t, seq.Add("output", NewDense(8, 2)))
	return seq
}

func TestSequentialSlice(t *testing.T) {
	seq := buildTestModel(t)
	head, err := seq.Slice(0, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, head.Len())
	assert.Equal(t, "input", head.NameAt(0))
	assert.Equal(t, "act", head.NameAt(1))
	// Layers are shared, not copied.
	assert.Same(t, seq.At(0), head.At(0))

	_, err = seq.Slice(1, 5)
	assert.Error(t, err)
}

func TestSequentialForward(t *testing.T) {
	seq := buildTestModel(t)
	x := NewTensor(1, 4)
	y, err := seq.Forward(x)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, y.Shape())
}

func TestSequentialDuplicateName(t *testing.T) {
	seq := NewSequential()
	require.NoError(t, seq.Add("a", ReLU{}))
	assert.Error(t, seq.Add("a", ReLU{}))
}

func TestShardRoundTrip(t *testing.T) {
	seq := buildTestModel(t)
	var buf bytes.Buffer
	require.NoError(t, WriteShard(&buf, seq, false))

	loaded, err := ReadShard(&buf)
	require.NoError(t, err)
	require.Equal(t, seq.Len(), loaded.Len())
	for i := 0; i < seq.Len(); i++ {
		assert.Equal(t, seq.NameAt(i), loaded.NameAt(i))
		assert.Equal(t, seq.At(i).Kind(), loaded.At(i).Kind())
		origParams := seq.At(i).Parameters()
		loadedParams := loaded.At(i).Parameters()
		require.Len(t, loadedParams, len(origParams))
		for j, p := range origParams {
			assert.True(t, p.Equal(loadedParams[j]), "layer %d param %d", i, j)
		}
	}
}

func TestShardRoundTripHalfPrecision(t *testing.T) {
	seq := buildTestModel(t)
	var buf bytes.Buffer
	require.NoError(t, WriteShard(&buf, seq, true))

	loaded, err := ReadShard(&buf)
	require.NoError(t, err)
	require.Equal(t, seq.Len(), loaded.Len())
	// float16 storage is lossy but close.
	orig := seq.At(0).Parameters()[0].Data()
	got := loaded.At(0).Parameters()[0].Data()
	require.Len(t, got, len(orig))
	for i := range orig {
		assert.InDelta(t, orig[i], got[i], 1e-2)
	}
}

func TestShardUnknownKind(t *testing.T) {
	var buf bytes.Buffer
	seq := NewSequential()
	require.NoError(t, seq.Add("odd", customLayer{}))
	require.NoError(t, WriteShard(&buf, seq, false))
	_, err := ReadShard(&buf)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown layer kind")
}

type customLayer struct{}

func (customLayer) Kind() string                       { return "custom-unregistered" }
func (customLayer) Parameters() []*Tensor              { return nil }
func (customLayer) Forward(x *Tensor) (*Tensor, error) { return x, nil }
