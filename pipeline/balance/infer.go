// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package balance

import (
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/exp/maps"
	"k8s.io/klog/v2"

	"github.com/gomlx/piperpc"
	"github.com/gomlx/piperpc/nn"
)

// Strategy infers a balance for the given number of partitions from the
// model's layers and a representative input.
type Strategy func(partitions int, seq *nn.Sequential, example *nn.Tensor) (Balance, error)

// DefaultStrategy is used when no strategy is configured.
const DefaultStrategy = "by_size"

// KnownStrategies maps strategy names to implementations. "by_size" weighs
// layers by parameter bytes; "by_time" weighs them by measured forward time
// on the representative input.
var KnownStrategies = map[string]Strategy{
	"by_size": BySize,
	"by_time": ByTime,
}

// ByName returns a strategy from KnownStrategies.
func ByName(name string) (Strategy, error) {
	strategy, found := KnownStrategies[name]
	if !found {
		return nil, piperpc.ConfigErrorf("unknown balance strategy %q, valid values are %v",
			name, maps.Keys(KnownStrategies))
	}
	return strategy, nil
}

// BySize partitions layers so every stage holds roughly the same number of
// parameter bytes.
func BySize(partitions int, seq *nn.Sequential, _ *nn.Tensor) (Balance, error) {
	weights := make([]float64, seq.Len())
	for i := 0; i < seq.Len(); i++ {
		var layerBytes int64
		for _, p := range seq.At(i).Parameters() {
			layerBytes += p.NumBytes()
		}
		// Parameter-free layers still cost something to host.
		weights[i] = float64(layerBytes) + 1
		klog.V(1).Infof("layer #%d (%q): %s of parameters",
			i, seq.NameAt(i), humanize.IBytes(uint64(layerBytes)))
	}
	return partitionByWeight(weights, partitions)
}

// ByTime partitions layers so every stage takes roughly the same measured
// forward time, running each layer once on the representative input.
func ByTime(partitions int, seq *nn.Sequential, example *nn.Tensor) (Balance, error) {
	if example == nil {
		return nil, piperpc.ConfigErrorf("balance strategy \"by_time\" requires a representative input to measure with")
	}
	weights := make([]float64, seq.Len())
	x := example
	for i := 0; i < seq.Len(); i++ {
		start := time.Now()
		y, err := seq.At(i).Forward(x)
		elapsed := time.Since(start)
		if err != nil {
			return nil, piperpc.WrapConfigError(err)
		}
		// Never zero, so every layer keeps a positive weight.
		weights[i] = float64(elapsed.Nanoseconds()) + 1
		klog.V(1).Infof("layer #%d (%q): forward took %s", i, seq.NameAt(i), elapsed)
		x = y
	}
	return partitionByWeight(weights, partitions)
}

// partitionByWeight splits the weights into the given number of contiguous
// partitions, each non-empty, greedily cutting at the running-total
// thresholds of an even split.
func partitionByWeight(weights []float64, partitions int) (Balance, error) {
	layerCount := len(weights)
	if partitions <= 0 {
		return nil, piperpc.ConfigErrorf("number of partitions must be positive, got %d", partitions)
	}
	if partitions > layerCount {
		return nil, piperpc.ConfigErrorf("cannot split %d layers into %d partitions: "+
			"every pipeline stage needs at least one layer", layerCount, partitions)
	}

	var total float64
	for _, w := range weights {
		total += w
	}

	b := make(Balance, 0, partitions)
	layer := 0
	var accumulated float64
	for stage := 0; stage < partitions; stage++ {
		count := 0
		threshold := total * float64(stage+1) / float64(partitions)
		// Leave enough layers for the remaining stages, and always take
		// at least one.
		remainingStages := partitions - stage - 1
		for layer < layerCount-remainingStages {
			if count > 0 && accumulated+weights[layer]/2 > threshold {
				break
			}
			accumulated += weights[layer]
			layer++
			count++
		}
		b = append(b, count)
	}
	// Any leftover layers belong to the last stage.
	if layer < layerCount {
		b[partitions-1] += layerCount - layer
	}
	return b, nil
}
