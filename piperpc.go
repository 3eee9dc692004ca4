// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package piperpc integrates pipeline-parallel execution of sequential
// models into a training framework's distributed lifecycle: it partitions a
// model across ranks, forms model-parallel and data-parallel process groups,
// coordinates optimizer stepping across the ranks holding pipeline stages,
// and reassembles sharded parameters into ordinary checkpoints.
//
// The building blocks live in sub-packages:
//
//   - nn: the minimal sequential-model data model (Tensor, Layer, Sequential).
//   - distrib (+ distrib/local, distrib/mesh): the distributed runtime
//     surface -- groups, barriers, blocking remote operations.
//   - pipeline/balance: per-stage layer-count partitions and their inference.
//   - pipeline/topology: model-parallel / data-parallel group computation.
//   - pipeline/pipe: the pipeline wrapper around a sequential model.
//   - pipeline/coordinator: cross-rank optimizer stepping and distributed
//     checkpoint save.
//   - pipeline/plugin: the lifecycle controller tying it all together.
//
// This package itself only holds the error taxonomy shared by all of them.
package piperpc

import (
	"github.com/pkg/errors"
)

// configError marks a user-configuration precondition violation: these fail
// fast, before any cross-process coordination begins.
type configError struct {
	error
}

// ConfigErrorf creates a configuration error. The message must identify the
// violated precondition, including the offending values.
func ConfigErrorf(format string, args ...any) error {
	return &configError{errors.Errorf(format, args...)}
}

// WrapConfigError marks an existing error as a configuration error.
func WrapConfigError(err error) error {
	if err == nil {
		return nil
	}
	return &configError{err}
}

// IsConfigError reports whether err is (or wraps) a configuration error.
func IsConfigError(err error) bool {
	var target *configError
	return errors.As(err, &target)
}
