// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package balance computes and validates pipeline partition balances: the
// per-stage layer counts a sequential model is split by across the ranks of
// one model replica.
package balance

import (
	"os"
	"strconv"

	"k8s.io/klog/v2"

	"github.com/gomlx/piperpc"
	"github.com/gomlx/piperpc/nn"
)

// Balance is an ordered sequence of positive layer counts, one per pipeline
// stage. A valid balance sums exactly to the model's layer count; its length
// is the number of devices per model replica. Immutable once resolved.
type Balance []int

// Sum returns the total number of layers covered.
func (b Balance) Sum() int {
	total := 0
	for _, n := range b {
		total += n
	}
	return total
}

// Partitions is the number of pipeline stages.
func (b Balance) Partitions() int { return len(b) }

// Validate checks the balance against the model's layer count: every entry
// must be positive and the entries must sum to layerCount.
func (b Balance) Validate(layerCount int) error {
	if len(b) == 0 {
		return piperpc.ConfigErrorf("balance is empty -- provide one entry per pipeline stage, " +
			"e.g. [2, 1] splits a 3-layer model over 2 devices")
	}
	for i, n := range b {
		if n <= 0 {
			return piperpc.ConfigErrorf("balance entry #%d is %d, every stage must hold at least one layer", i, n)
		}
	}
	if b.Sum() != layerCount {
		return piperpc.ConfigErrorf("the provided balance sum %d doesn't match the sequential model length %d",
			b.Sum(), layerCount)
	}
	return nil
}

// StageBounds returns the half-open layer range [lo, hi) held by the given
// stage.
func (b Balance) StageBounds(stage int) (lo, hi int) {
	for i := 0; i < stage; i++ {
		lo += b[i]
	}
	return lo, lo + b[stage]
}

// Model is the surface the resolver needs from the user's model: its
// sequential layers and, when a balance must be inferred, a representative
// input.
type Model interface {
	// Layers is the sequential model being partitioned.
	Layers() *nn.Sequential

	// ExampleInput returns a representative input tensor, or nil if the
	// user did not provide one.
	ExampleInput() *nn.Tensor
}

// VisibleDevicesEnv overrides the locally visible accelerator count used
// when no partition count is configured.
const VisibleDevicesEnv = "PIPERPC_NUM_DEVICES"

// VisibleDevices returns the locally visible accelerator count: the
// VisibleDevicesEnv variable if set, otherwise 1.
func VisibleDevices() int {
	if value := os.Getenv(VisibleDevicesEnv); value != "" {
		if n, err := strconv.Atoi(value); err == nil && n > 0 {
			return n
		}
		klog.Warningf("ignoring invalid %s=%q, using 1 device", VisibleDevicesEnv, os.Getenv(VisibleDevicesEnv))
	}
	return 1
}

// Config configures balance resolution.
type Config struct {
	// Balance, if set, is used as-is after validation.
	Balance Balance

	// NumPartitions is the number of pipeline stages to infer. If zero,
	// VisibleDevices() is used.
	NumPartitions int

	// Strategy names the inference strategy from KnownStrategies.
	// Empty means DefaultStrategy.
	Strategy string
}

// Resolve produces the balance for model: the configured one (validated), or
// an inferred one using the configured strategy. Inference requires the
// model to expose a representative input.
func Resolve(cfg Config, model Model) (Balance, error) {
	layerCount := model.Layers().Len()
	if cfg.Balance != nil {
		if err := cfg.Balance.Validate(layerCount); err != nil {
			return nil, err
		}
		klog.Infof("using configured balance %v over %d layers", cfg.Balance, layerCount)
		return cfg.Balance, nil
	}

	partitions := cfg.NumPartitions
	if partitions == 0 {
		partitions = VisibleDevices()
	}
	strategyName := cfg.Strategy
	if strategyName == "" {
		strategyName = DefaultStrategy
	}
	strategy, err := ByName(strategyName)
	if err != nil {
		return nil, err
	}
	if model.ExampleInput() == nil {
		return nil, piperpc.ConfigErrorf(
			"balance inference with strategy %q needs a representative input: "+
				"set your model's example input so the right balance can be inferred, "+
				"or configure an explicit balance", strategyName)
	}
	inferred, err := strategy(partitions, model.Layers(), model.ExampleInput())
	if err != nil {
		return nil, err
	}
	if err = inferred.Validate(layerCount); err != nil {
		return nil, err
	}
	klog.Infof("the balance %v was inferred using the %q strategy", inferred, strategyName)
	return inferred, nil
}
