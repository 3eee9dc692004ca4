// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package topology partitions the global rank set into model-parallel groups
// (ranks jointly hosting one model replica's pipeline stages) and
// data-parallel groups (corresponding ranks across replicas).
//
// The layout is a pure function of (world size, devices per model): every
// rank computes identical group memberships without communication. Replica g
// spans ranks [g*D, (g+1)*D); data-parallel group i spans {i, i+D, i+2D, ...}.
package topology

import (
	"fmt"

	"k8s.io/klog/v2"

	"github.com/gomlx/piperpc/distrib"
	"github.com/pkg/errors"
)

// Role of a rank within its model-parallel group. Computed once at topology
// initialization and never mutated.
type Role int

const (
	// RoleOwner is the orchestration owner ("main RPC process"): the
	// lowest rank of its model-parallel group, sole initiator of
	// cross-process coordination for the replica.
	RoleOwner Role = iota

	// RoleWorker hosts a pipeline stage and only reacts to the owner's
	// remote operations.
	RoleWorker
)

// String implements fmt.Stringer.
func (r Role) String() string {
	switch r {
	case RoleOwner:
		return "owner"
	case RoleWorker:
		return "worker"
	}
	return fmt.Sprintf("Role(%d)", int(r))
}

// Topology is one rank's immutable view of the process layout.
//
// Note the single-owner assumption: each model-parallel group has exactly
// one owner, its lowest rank. How multiple data-parallel replicas' owners
// should coordinate with each other is deliberately left out, matching the
// documented behavior this package reimplements.
type Topology struct {
	worldSize       int
	devicesPerModel int
	replicas        int
	rank            int
	role            Role

	modelGroup *distrib.Group
	dataGroup  *distrib.Group
}

// New computes the topology for the given rank. World size must be evenly
// divisible by devicesPerModel; the check fails identically on every rank,
// so no rank proceeds while others fail.
//
// Must be called after the base distributed connection and RPC mesh are up,
// exactly once per process, with arguments derived deterministically from
// (world size, balance length).
func New(worldSize, devicesPerModel, rank int) (*Topology, error) {
	if worldSize <= 0 || devicesPerModel <= 0 {
		return nil, errors.Errorf("world size (%d) and devices per model (%d) must be positive",
			worldSize, devicesPerModel)
	}
	if rank < 0 || rank >= worldSize {
		return nil, errors.Errorf("rank %d out of range for world size %d", rank, worldSize)
	}
	if worldSize%devicesPerModel != 0 {
		return nil, errors.Errorf("world size %d is not divisible by the %d devices each model replica requires",
			worldSize, devicesPerModel)
	}
	replicas := worldSize / devicesPerModel

	replica := rank / devicesPerModel
	modelRanks := make([]int, devicesPerModel)
	for i := range modelRanks {
		modelRanks[i] = replica*devicesPerModel + i
	}
	modelGroup, err := distrib.NewGroup(fmt.Sprintf("mp-%d", replica), modelRanks)
	if err != nil {
		return nil, err
	}

	position := rank % devicesPerModel
	dataRanks := make([]int, replicas)
	for i := range dataRanks {
		dataRanks[i] = i*devicesPerModel + position
	}
	dataGroup, err := distrib.NewGroup(fmt.Sprintf("dp-%d", position), dataRanks)
	if err != nil {
		return nil, err
	}

	role := RoleWorker
	if rank == modelGroup.Leader() {
		role = RoleOwner
	}
	topo := &Topology{
		worldSize:       worldSize,
		devicesPerModel: devicesPerModel,
		replicas:        replicas,
		rank:            rank,
		role:            role,
		modelGroup:      modelGroup,
		dataGroup:       dataGroup,
	}
	klog.Infof("topology: world=%d, devices/model=%d, replicas=%d, rank=%d is %s of %s",
		worldSize, devicesPerModel, replicas, rank, role, modelGroup)
	return topo, nil
}

// WorldSize is the total number of ranks.
func (t *Topology) WorldSize() int { return t.worldSize }

// DevicesPerModel is the number of pipeline stages per replica.
func (t *Topology) DevicesPerModel() int { return t.devicesPerModel }

// Replicas is the number of data-parallel replicas (world / devices-per-model).
func (t *Topology) Replicas() int { return t.replicas }

// Rank is this process's global rank.
func (t *Topology) Rank() int { return t.rank }

// Role is this rank's role within its model-parallel group.
func (t *Topology) Role() Role { return t.role }

// IsOwner reports whether this rank is its replica's orchestration owner.
func (t *Topology) IsOwner() bool { return t.role == RoleOwner }

// ModelParallelGroup is the group of ranks hosting this rank's replica.
func (t *Topology) ModelParallelGroup() *distrib.Group { return t.modelGroup }

// DataParallelGroup is the group of this rank's counterparts across
// replicas, used for gradient averaging by the caller's DDP wrapper.
func (t *Topology) DataParallelGroup() *distrib.Group { return t.dataGroup }

// Stage is this rank's pipeline stage index within its replica.
func (t *Topology) Stage() int { return t.rank % t.devicesPerModel }

// WorkerMap maps every global rank to its conventional logical worker name,
// covering the full world.
func WorkerMap(worldSize int) map[int]string {
	m := make(map[int]string, worldSize)
	for rank := 0; rank < worldSize; rank++ {
		m[rank] = fmt.Sprintf("worker%d", rank)
	}
	return m
}
