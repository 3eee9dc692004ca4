// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package nn

import (
	"encoding/gob"
	"io"

	"github.com/pkg/errors"
	"github.com/x448/float16"
	"golang.org/x/exp/maps"
)

// Shard serialization: a shard is one rank's partition of a Sequential,
// written as a gob stream of layer records. Layers are reconstructed through
// a kind registry, so arbitrary Layer implementations can participate as
// long as they register a factory.

// LayerFactory rebuilds a layer of a given kind from its serialized
// parameters, in the same order Parameters() returns them.
type LayerFactory func(params []*Tensor) (Layer, error)

var layerFactories = map[string]LayerFactory{
	"dense": func(params []*Tensor) (Layer, error) {
		if len(params) != 2 {
			return nil, errors.Errorf("dense layer requires 2 parameters (weights, bias), got %d", len(params))
		}
		return &Dense{weights: params[0], bias: params[1]}, nil
	},
	"relu": func(params []*Tensor) (Layer, error) {
		if len(params) != 0 {
			return nil, errors.Errorf("relu layer takes no parameters, got %d", len(params))
		}
		return ReLU{}, nil
	},
}

// RegisterLayerKind registers a factory for a custom layer kind, making it
// serializable in shards. Registering an already known kind overwrites it.
func RegisterLayerKind(kind string, factory LayerFactory) {
	layerFactories[kind] = factory
}

// shardRecord is the on-wire form of a shard. Bump shardFormatVersion on any
// incompatible change; readers reject versions they don't know.
type shardRecord struct {
	Version  int
	Children []layerRecord
}

type layerRecord struct {
	Name   string
	Kind   string
	Params []tensorRecord
}

type tensorRecord struct {
	Shape []int
	// Exactly one of F32/F16 is set, depending on the storage precision.
	F32 []float32
	F16 []uint16
}

const shardFormatVersion = 1

// WriteShard serializes seq to w. With halfPrecision, parameter values are
// stored as IEEE float16 -- half the bytes, lossy. Layer structure and
// naming are preserved exactly either way.
func WriteShard(w io.Writer, seq *Sequential, halfPrecision bool) error {
	record := shardRecord{Version: shardFormatVersion}
	for i, layer := range seq.layers {
		lr := layerRecord{Name: seq.names[i], Kind: layer.Kind()}
		for _, p := range layer.Parameters() {
			tr := tensorRecord{Shape: p.Shape()}
			if halfPrecision {
				tr.F16 = make([]uint16, len(p.data))
				for j, v := range p.data {
					tr.F16[j] = float16.Fromfloat32(v).Bits()
				}
			} else {
				tr.F32 = p.data
			}
			lr.Params = append(lr.Params, tr)
		}
		record.Children = append(record.Children, lr)
	}
	if err := gob.NewEncoder(w).Encode(record); err != nil {
		return errors.Wrapf(err, "encoding shard with %d children", seq.Len())
	}
	return nil
}

// ReadShard deserializes a shard written by WriteShard.
func ReadShard(r io.Reader) (*Sequential, error) {
	var record shardRecord
	if err := gob.NewDecoder(r).Decode(&record); err != nil {
		return nil, errors.Wrap(err, "decoding shard")
	}
	if record.Version != shardFormatVersion {
		return nil, errors.Errorf("unsupported shard format version %d, this build reads version %d",
			record.Version, shardFormatVersion)
	}
	seq := NewSequential()
	for _, lr := range record.Children {
		factory, found := layerFactories[lr.Kind]
		if !found {
			return nil, errors.Errorf("shard child %q has unknown layer kind %q, known kinds are %v -- "+
				"register it with nn.RegisterLayerKind", lr.Name, lr.Kind, maps.Keys(layerFactories))
		}
		params := make([]*Tensor, 0, len(lr.Params))
		for _, tr := range lr.Params {
			data := tr.F32
			if data == nil {
				data = make([]float32, len(tr.F16))
				for j, bits := range tr.F16 {
					data[j] = float16.Frombits(bits).Float32()
				}
			}
			t, err := TensorFrom(data, tr.Shape...)
			if err != nil {
				return nil, errors.WithMessagef(err, "shard child %q", lr.Name)
			}
			params = append(params, t)
		}
		layer, err := factory(params)
		if err != nil {
			return nil, errors.WithMessagef(err, "rebuilding shard child %q (kind %q)", lr.Name, lr.Kind)
		}
		if err = seq.Add(lr.Name, layer); err != nil {
			return nil, err
		}
	}
	return seq, nil
}
