// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package coordinator

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/piperpc/nn"
	"github.com/gomlx/piperpc/pipeline/pipe"
)

// Checkpoint gathers the parameter shards of a pipelined model back into a
// single plain sequential module, so an ordinary, non-sharded checkpoint
// can be written with a caller-supplied save function.
//
// The gather runs over a short-lived on-disk protocol: every shard-holding
// rank writes its partition to a per-stage shard file in a temporary
// directory, described by a versioned manifest the owner writes. The files
// exist only within one Save call and are deleted afterwards, success or
// not. In multi-process deployments the directory must be on storage shared
// by all ranks.
type Checkpoint struct {
	module        *pipe.Module
	numShards     int
	baseDir       string
	halfPrecision bool
}

// SaveFn writes an ordinary checkpoint artifact for the (temporarily
// reassembled) model held by holder.
type SaveFn func(path string, holder pipe.Holder) error

// NewCheckpoint creates the coordinator for the owner's wrapped module.
// numShards is the number of stages holding a partition (the balance
// length). baseDir is where the temporary shard directory is created; empty
// means the system temporary directory.
func NewCheckpoint(module *pipe.Module, numShards int, baseDir string, halfPrecision bool) *Checkpoint {
	return &Checkpoint{module: module, numShards: numShards, baseDir: baseDir, halfPrecision: halfPrecision}
}

// manifest is the versioned description of one shard set. Readers reject
// unknown versions and any mismatch between the manifest and the shards.
type manifest struct {
	Version       int      `json:"version"`
	NumShards     int      `json:"num_shards"`
	Files         []string `json:"files"`
	Layers        []int    `json:"layers"` // expected layer count per shard, from the balance
	HalfPrecision bool     `json:"half_precision"`
}

const (
	manifestVersion  = 1
	manifestFileName = "manifest.json"
)

func shardFileName(stage int) string {
	return fmt.Sprintf("shard-%05d.bin", stage)
}

// Save produces a non-sharded checkpoint at path. Call only on the
// orchestration owner. When pipelining is inactive (no wrapped module), the
// call is a no-op -- the caller's ordinary checkpoint path applies then.
//
// Steps: broadcast a save-shard instruction to every rank (self included);
// temporarily swap the holder's pipeline-wrapped layers for a sequential
// module reassembled from the shards in ascending stage order; run saveFn
// against it; restore the pipeline layers and delete the shard files.
//
// A missing or corrupt shard abandons the save: no partial checkpoint is
// written, and shard files from completed ranks are still cleaned up.
func (c *Checkpoint) Save(saveFn SaveFn, path string, holder pipe.Holder) error {
	if c.module == nil {
		return nil
	}

	dir, err := os.MkdirTemp(c.baseDir, "piperpc-shards-")
	if err != nil {
		return errors.Wrap(err, "creating shard directory")
	}
	defer func() {
		if removeErr := os.RemoveAll(dir); removeErr != nil {
			klog.Warningf("leaving shard directory %s behind: %v", dir, removeErr)
		}
	}()

	req := SaveShardRequest{NumShards: c.numShards, Dir: dir, HalfPrecision: c.halfPrecision}
	if err = c.module.ForeachWorker(OpSaveShard, req, true); err != nil {
		return errors.WithMessage(err, "gathering model shards")
	}
	if err = c.writeManifest(dir); err != nil {
		return err
	}

	reassembled, err := reloadSequential(dir)
	if err != nil {
		return errors.WithMessage(err, "reassembling model from shards")
	}

	current := holder.Layers()
	holder.SetLayers(reassembled)
	saveErr := saveFn(path, holder)
	holder.SetLayers(current)
	if saveErr != nil {
		return errors.WithMessagef(saveErr, "writing checkpoint %s", path)
	}
	klog.V(1).Infof("saved non-sharded checkpoint %s from %d shards", path, c.numShards)
	return nil
}

func (c *Checkpoint) writeManifest(dir string) error {
	m := manifest{
		Version:       manifestVersion,
		NumShards:     c.numShards,
		HalfPrecision: c.halfPrecision,
	}
	balance := c.module.Config().Balance
	for stage := 0; stage < c.numShards; stage++ {
		m.Files = append(m.Files, shardFileName(stage))
		m.Layers = append(m.Layers, balance[stage])
	}
	encoded, err := json.MarshalIndent(m, "", "\t")
	if err != nil {
		return errors.Wrap(err, "encoding shard manifest")
	}
	path := filepath.Join(dir, manifestFileName)
	if err = os.WriteFile(path, encoded, 0660); err != nil {
		return errors.Wrapf(err, "writing shard manifest %s", path)
	}
	return nil
}

// reloadSequential rebuilds the full sequential module from the shard set
// in dir: every shard is loaded in ascending stage order and its named
// children concatenated, reproducing the pre-partition layer ordering.
func reloadSequential(dir string) (*nn.Sequential, error) {
	encoded, err := os.ReadFile(filepath.Join(dir, manifestFileName))
	if err != nil {
		return nil, errors.Wrap(err, "reading shard manifest")
	}
	var m manifest
	if err = json.Unmarshal(encoded, &m); err != nil {
		return nil, errors.Wrap(err, "decoding shard manifest")
	}
	if m.Version != manifestVersion {
		return nil, errors.Errorf("unsupported shard manifest version %d, this build reads version %d",
			m.Version, manifestVersion)
	}
	if len(m.Files) != m.NumShards || len(m.Layers) != m.NumShards {
		return nil, errors.Errorf("shard manifest lists %d files and %d layer counts for %d shards",
			len(m.Files), len(m.Layers), m.NumShards)
	}

	seq := nn.NewSequential()
	for stage := 0; stage < m.NumShards; stage++ {
		path := filepath.Join(dir, m.Files[stage])
		f, err := os.Open(path)
		if err != nil {
			return nil, errors.Wrapf(err, "shard for stage %d missing (%s)", stage, path)
		}
		shard, err := nn.ReadShard(f)
		_ = f.Close()
		if err != nil {
			return nil, errors.WithMessagef(err, "loading shard for stage %d (%s)", stage, path)
		}
		if shard.Len() != m.Layers[stage] {
			return nil, errors.Errorf("shard for stage %d holds %d layers, manifest expects %d",
				stage, shard.Len(), m.Layers[stage])
		}
		if err = seq.Extend(shard); err != nil {
			return nil, errors.WithMessagef(err, "concatenating shard for stage %d", stage)
		}
	}
	return seq, nil
}
