// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// pipeworker launches one rank of a pipeline-parallel worker set from a
// shared YAML configuration: it joins the RPC mesh, walks the plugin
// lifecycle up to training, and serves its shard until interrupted.
//
// All ranks read the same configuration file; only --rank differs:
//
//	pipeworker serve --config cluster.yaml --rank 0
//
// The runner hosts a demonstration trainer around a Dense/ReLU stack. Real
// deployments embed the plugin packages directly and provide their own
// trainer.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
	"k8s.io/klog/v2"

	"github.com/gomlx/piperpc/distrib/mesh"
	"github.com/gomlx/piperpc/nn"
	"github.com/gomlx/piperpc/pipeline/balance"
	"github.com/gomlx/piperpc/pipeline/pipe"
	"github.com/gomlx/piperpc/pipeline/plugin"
	"github.com/gomlx/piperpc/pipeline/topology"
	"github.com/pkg/errors"
)

type fileConfig struct {
	Addresses           []string    `yaml:"addresses"`
	Balance             []int       `yaml:"balance"`
	NumPartitions       int         `yaml:"num_partitions"`
	Microbatches        int         `yaml:"microbatches"`
	Checkpoint          string      `yaml:"checkpoint"`
	BalanceStrategy     string      `yaml:"balance_strategy"`
	PipelinedBackward   *bool       `yaml:"pipelined_backward"`
	Device              string      `yaml:"device"`
	ShardDir            string      `yaml:"shard_dir"`
	HalfPrecisionShards bool        `yaml:"half_precision_shards"`
	Model               modelConfig `yaml:"model"`
}

type modelConfig struct {
	Input  int   `yaml:"input"`
	Hidden []int `yaml:"hidden"`
	Output int   `yaml:"output"`
}

func loadConfig(path string) (*fileConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading configuration %s", path)
	}
	cfg := &fileConfig{}
	if err = yaml.Unmarshal(raw, cfg); err != nil {
		return nil, errors.Wrapf(err, "parsing configuration %s", path)
	}
	if len(cfg.Addresses) == 0 {
		return nil, errors.Errorf("configuration %s lists no worker addresses", path)
	}
	if cfg.Model.Input <= 0 || cfg.Model.Output <= 0 {
		return nil, errors.Errorf("configuration %s needs positive model input/output widths", path)
	}
	return cfg, nil
}

// buildModel assembles the demonstration Dense/ReLU stack. Deterministic
// layer seeding keeps every rank's copy identical.
func buildModel(cfg modelConfig) (*nn.Sequential, error) {
	seq := nn.NewSequential()
	width := cfg.Input
	for i, hidden := range cfg.Hidden {
		if err := seq.Add(fmt.Sprintf("dense%d", i), nn.NewDense(width, hidden)); err != nil {
			return nil, err
		}
		if err := seq.Add(fmt.Sprintf("act%d", i), nn.ReLU{}); err != nil {
			return nil, err
		}
		width = hidden
	}
	if err := seq.Add("output", nn.NewDense(width, cfg.Output)); err != nil {
		return nil, err
	}
	return seq, nil
}

// cliHolder and cliTrainer are the runner's stand-in model object and
// trainer: manual optimization, no mixed precision, one closure-resolving
// optimizer per model.
type cliHolder struct {
	layers  nn.Layer
	example *nn.Tensor
}

func (h *cliHolder) Layers() nn.Layer          { return h.layers }
func (h *cliHolder) SetLayers(layers nn.Layer) { h.layers = layers }
func (h *cliHolder) ExampleInput() *nn.Tensor  { return h.example }
func (h *cliHolder) ConfigureOptimizers() ([]pipe.Optimizer, error) {
	return []pipe.Optimizer{closureOptimizer{}}, nil
}

type closureOptimizer struct{}

func (closureOptimizer) Step(closure pipe.Closure) error { return closure() }

type cliTrainer struct {
	holder     *cliHolder
	optimizers []pipe.Optimizer
}

func (tr *cliTrainer) Model() pipe.Holder                        { return tr.holder }
func (tr *cliTrainer) AutomaticOptimization() bool               { return false }
func (tr *cliTrainer) MixedPrecision() bool                      { return false }
func (tr *cliTrainer) Testing() bool                             { return false }
func (tr *cliTrainer) InitOptimizers() ([]pipe.Optimizer, error) { return tr.holder.ConfigureOptimizers() }
func (tr *cliTrainer) SetOptimizers(opts []pipe.Optimizer)       { tr.optimizers = opts }
func (tr *cliTrainer) Optimizers() []pipe.Optimizer              { return tr.optimizers }
func (tr *cliTrainer) BindOptimizers()                           {}

var (
	flagConfig     string
	flagRank       int
	flagSaveOnExit string
)

var rootCmd = &cobra.Command{
	Use:   "pipeworker",
	Short: "Pipeline-parallel worker rank for sequential models",
}

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate a cluster configuration without joining the mesh",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(flagConfig)
		if err != nil {
			return err
		}
		seq, err := buildModel(cfg.Model)
		if err != nil {
			return err
		}
		if cfg.Balance != nil {
			b := balance.Balance(cfg.Balance)
			if err = b.Validate(seq.Len()); err != nil {
				return err
			}
			if _, err = topology.New(len(cfg.Addresses), b.Partitions(), 0); err != nil {
				return err
			}
		}
		if cfg.Checkpoint != "" {
			if _, err = pipe.ParseCheckpointPolicy(cfg.Checkpoint); err != nil {
				return err
			}
		}
		if cfg.BalanceStrategy != "" {
			if _, err = balance.ByName(cfg.BalanceStrategy); err != nil {
				return err
			}
		}
		fmt.Printf("configuration ok: %d rank(s), %d-layer model\n", len(cfg.Addresses), seq.Len())
		return nil
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Join the mesh as one rank and serve until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(flagConfig)
		if err != nil {
			return err
		}
		return serve(cfg)
	},
}

func serve(cfg *fileConfig) error {
	seq, err := buildModel(cfg.Model)
	if err != nil {
		return err
	}
	trainer := &cliTrainer{holder: &cliHolder{
		layers:  seq,
		example: nn.NewTensor(1, cfg.Model.Input),
	}}

	rt, err := mesh.New(mesh.Config{Rank: flagRank, Addresses: cfg.Addresses})
	if err != nil {
		return err
	}

	build := plugin.Build(rt).
		NumPartitions(cfg.NumPartitions).
		Device(cfg.Device).
		ShardDir(cfg.ShardDir)
	if cfg.Balance != nil {
		build = build.Balance(balance.Balance(cfg.Balance))
	}
	if cfg.BalanceStrategy != "" {
		build = build.BalanceStrategy(cfg.BalanceStrategy)
	}
	if cfg.Microbatches > 0 {
		build = build.Microbatches(cfg.Microbatches)
	}
	if cfg.Checkpoint != "" {
		policy, err := pipe.ParseCheckpointPolicy(cfg.Checkpoint)
		if err != nil {
			return err
		}
		build = build.Checkpoint(policy)
	}
	if cfg.PipelinedBackward != nil && !*cfg.PipelinedBackward {
		build = build.NoPipelinedBackward()
	}
	if cfg.HalfPrecisionShards {
		build = build.HalfPrecisionShards()
	}
	p, err := build.Done()
	if err != nil {
		return err
	}

	if err = p.Connect(trainer); err != nil {
		return err
	}
	if err = p.InitTopology(); err != nil {
		return err
	}
	if err = p.SetupModel(); err != nil {
		return err
	}
	klog.Infof("rank %d serving (role %s); interrupt to shut down", flagRank, p.Topology().Role())

	interrupted := make(chan os.Signal, 1)
	signal.Notify(interrupted, os.Interrupt, syscall.SIGTERM)
	<-interrupted

	if flagSaveOnExit != "" && p.Topology().IsOwner() {
		err = p.SaveModel(func(path string, holder pipe.Holder) error {
			reassembled, ok := holder.Layers().(*nn.Sequential)
			if !ok {
				return errors.Errorf("expected a reassembled *nn.Sequential, got %T", holder.Layers())
			}
			f, createErr := os.Create(path)
			if createErr != nil {
				return errors.Wrapf(createErr, "creating checkpoint %s", path)
			}
			if writeErr := nn.WriteShard(f, reassembled, false); writeErr != nil {
				_ = f.Close()
				return writeErr
			}
			return f.Close()
		}, flagSaveOnExit)
		if err != nil {
			return err
		}
		klog.Infof("saved checkpoint %s", flagSaveOnExit)
	}
	return p.Teardown()
}

func main() {
	klog.InitFlags(nil)
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "pipeworker.yaml", "Path to the cluster configuration file")
	serveCmd.Flags().IntVar(&flagRank, "rank", 0, "This process's global rank")
	serveCmd.Flags().StringVar(&flagSaveOnExit, "save-on-exit", "", "Owner only: write a reassembled checkpoint here before teardown")
	rootCmd.AddCommand(validateCmd, serveCmd)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "pipeworker: %+v\n", err)
		os.Exit(1)
	}
}
