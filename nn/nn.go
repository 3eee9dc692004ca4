// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package nn provides the minimal sequential-model data model used by the
// pipeline-parallel orchestration layer: a dense float32 Tensor, the Layer
// interface and a Sequential container of named layers.
//
// This is deliberately not a tensor/autodiff library: the heavy lifting
// (microbatch scheduling, tensor transport, backward passes) belongs to the
// pipelining engine collaborator. The types here exist so that balances can
// be inferred, partitions sliced and shards serialized.
package nn

import (
	"fmt"

	"github.com/pkg/errors"
)

// Tensor is a dense float32 tensor. It is the unit of parameter storage and
// the representative-input type used for balance inference.
type Tensor struct {
	shape []int
	data  []float32
}

// NewTensor creates a zero-initialized tensor with the given shape.
func NewTensor(shape ...int) *Tensor {
	size := 1
	for _, dim := range shape {
		size *= dim
	}
	return &Tensor{shape: append([]int{}, shape...), data: make([]float32, size)}
}

// TensorFrom creates a tensor wrapping the given flat data. The data length
// must match the product of the shape dimensions.
func TensorFrom(data []float32, shape ...int) (*Tensor, error) {
	size := 1
	for _, dim := range shape {
		size *= dim
	}
	if size != len(data) {
		return nil, errors.Errorf("TensorFrom: shape %v requires %d values, got %d", shape, size, len(data))
	}
	return &Tensor{shape: append([]int{}, shape...), data: data}, nil
}

// Shape returns a copy of the tensor's dimensions.
func (t *Tensor) Shape() []int { return append([]int{}, t.shape...) }

// Size is the total number of elements.
func (t *Tensor) Size() int { return len(t.data) }

// NumBytes is the in-memory size of the tensor's data.
func (t *Tensor) NumBytes() int64 { return int64(len(t.data)) * 4 }

// Data returns the underlying flat storage. Mutating it mutates the tensor.
func (t *Tensor) Data() []float32 { return t.data }

// Clone returns a deep copy.
func (t *Tensor) Clone() *Tensor {
	data := make([]float32, len(t.data))
	copy(data, t.data)
	return &Tensor{shape: append([]int{}, t.shape...), data: data}
}

// Equal reports whether both tensors have the same shape and identical values.
func (t *Tensor) Equal(other *Tensor) bool {
	if t == nil || other == nil {
		return t == other
	}
	if len(t.shape) != len(other.shape) || len(t.data) != len(other.data) {
		return false
	}
	for i, dim := range t.shape {
		if other.shape[i] != dim {
			return false
		}
	}
	for i, v := range t.data {
		if other.data[i] != v {
			return false
		}
	}
	return true
}

// String implements fmt.Stringer.
func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor(shape=%v)", t.shape)
}

// Layer is one stage-divisible unit of a sequential model.
//
// Kind identifies the concrete layer type for serialization -- see
// RegisterLayerKind.
// Parameters returns the live parameter tensors (mutating them mutates the
// layer). Forward runs the layer on a single input tensor.
type Layer interface {
	Kind() string
	Parameters() []*Tensor
	Forward(x *Tensor) (*Tensor, error)
}

// Sequential is an ordered list of named layers. Names are preserved across
// partitioning and shard serialization, so a model reassembled from shards
// keeps its original child ordering and naming.
type Sequential struct {
	names  []string
	layers []Layer
}

// NewSequential creates an empty sequential container.
func NewSequential() *Sequential {
	return &Sequential{}
}

// Add appends a named layer. Duplicate names are rejected, since names key
// the reassembly of checkpoint shards.
func (s *Sequential) Add(name string, layer Layer) error {
	for _, existing := range s.names {
		if existing == name {
			return errors.Errorf("Sequential.Add: duplicate child name %q", name)
		}
	}
	s.names = append(s.names, name)
	s.layers = append(s.layers, layer)
	return nil
}

// Append adds a layer with an auto-assigned positional name.
func (s *Sequential) Append(layer Layer) *Sequential {
	_ = s.Add(fmt.Sprintf("%d", len(s.layers)), layer)
	return s
}

// Len is the number of layers.
func (s *Sequential) Len() int { return len(s.layers) }

// At returns the i-th layer.
func (s *Sequential) At(i int) Layer { return s.layers[i] }

// NameAt returns the i-th layer's name.
func (s *Sequential) NameAt(i int) string { return s.names[i] }

// Layers returns the layers in order. The returned slice is shared.
func (s *Sequential) Layers() []Layer { return s.layers }

// Slice returns a new Sequential holding children [lo, hi). The layers are
// shared with the receiver, names included -- this is how a rank's partition
// of the model is taken.
func (s *Sequential) Slice(lo, hi int) (*Sequential, error) {
	if lo < 0 || hi > len(s.layers) || lo > hi {
		return nil, errors.Errorf("Sequential.Slice: bounds [%d, %d) out of range for %d layers", lo, hi, len(s.layers))
	}
	return &Sequential{
		names:  s.names[lo:hi:hi],
		layers: s.layers[lo:hi:hi],
	}, nil
}

// Extend appends every child of other, keeping other's child names.
func (s *Sequential) Extend(other *Sequential) error {
	for i, layer := range other.layers {
		if err := s.Add(other.names[i], layer); err != nil {
			return err
		}
	}
	return nil
}

// Kind implements Layer.
func (s *Sequential) Kind() string { return "sequential" }

// Parameters implements Layer, returning the parameters of every child in
// order.
func (s *Sequential) Parameters() []*Tensor {
	var params []*Tensor
	for _, layer := range s.layers {
		params = append(params, layer.Parameters()...)
	}
	return params
}

// Forward runs the layers in order.
func (s *Sequential) Forward(x *Tensor) (*Tensor, error) {
	var err error
	for i, layer := range s.layers {
		x, err = layer.Forward(x)
		if err != nil {
			return nil, errors.WithMessagef(err, "layer #%d (%q)", i, s.names[i])
		}
	}
	return x, nil
}

// NumBytes sums the parameter bytes of every layer.
func (s *Sequential) NumBytes() int64 {
	var total int64
	for _, layer := range s.layers {
		for _, p := range layer.Parameters() {
			total += p.NumBytes()
		}
	}
	return total
}
