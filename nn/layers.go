// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package nn

import (
	"math"
	"math/rand"

	"github.com/pkg/errors"
)

// Concrete layers used by tests and the pipeworker CLI. Real workloads hand
// their own Layer implementations to the pipeline; these exist so the
// orchestration protocol can be exercised end to end.

// Dense is a fully connected layer: y = x·W + b, with W of shape
// [in, out] and b of shape [out].
type Dense struct {
	weights *Tensor
	bias    *Tensor
}

// NewDense creates a Dense layer with deterministically seeded weights
// (seeded by the layer dimensions, so every rank builds identical layers).
func NewDense(in, out int) *Dense {
	rng := rand.New(rand.NewSource(int64(in)*1000003 + int64(out)))
	weights := NewTensor(in, out)
	scale := float32(1.0 / math.Sqrt(float64(in)))
	for i := range weights.data {
		weights.data[i] = (rng.Float32()*2 - 1) * scale
	}
	return &Dense{weights: weights, bias: NewTensor(out)}
}

// Kind implements Layer.
func (d *Dense) Kind() string { return "dense" }

// Parameters implements Layer.
func (d *Dense) Parameters() []*Tensor { return []*Tensor{d.weights, d.bias} }

// Forward implements Layer. The input's last dimension must equal the
// layer's input width; leading dimensions are treated as batch.
func (d *Dense) Forward(x *Tensor) (*Tensor, error) {
	in := d.weights.shape[0]
	out := d.weights.shape[1]
	if x.Size()%in != 0 {
		return nil, errors.Errorf("Dense.Forward: input size %d not divisible by layer input width %d", x.Size(), in)
	}
	batch := x.Size() / in
	y := NewTensor(batch, out)
	for b := 0; b < batch; b++ {
		for j := 0; j < out; j++ {
			acc := d.bias.data[j]
			for i := 0; i < in; i++ {
				acc += x.data[b*in+i] * d.weights.data[i*out+j]
			}
			y.data[b*out+j] = acc
		}
	}
	return y, nil
}

// ReLU is a parameter-free rectifier layer.
type ReLU struct{}

// Kind implements Layer.
func (ReLU) Kind() string { return "relu" }

// Parameters implements Layer.
func (ReLU) Parameters() []*Tensor { return nil }

// Forward implements Layer.
func (ReLU) Forward(x *Tensor) (*Tensor, error) {
	y := x.Clone()
	for i, v := range y.data {
		if v < 0 {
			y.data[i] = 0
		}
	}
	return y, nil
}
