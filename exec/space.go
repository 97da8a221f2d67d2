// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"fmt"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/bigstencil"
	"github.com/grailbio/bigstencil/comm"
	"github.com/grailbio/bigstencil/grid"
	"github.com/grailbio/bigstencil/partition"
	"github.com/grailbio/bigstencil/stats"
)

// GridID identifies a grid within a Space. IDs are assigned in
// creation order, so they agree across the processes of a run.
type GridID int

// InvalidGrid is returned by Create when a grid cannot be created.
const InvalidGrid GridID = -1

// SpaceConfig describes the global index space of a run.
type SpaceConfig struct {
	// NumDims is the dimensionality of the space and of every grid
	// in it.
	NumDims int
	// GlobalSize is the extent of the space. Grids may be smaller.
	GlobalSize bigstencil.Index
	// Shape derives the process shape. MostSquare is used if nil.
	Shape partition.ShapeFunc
	// MaxGridBytes, if positive, limits the core buffer bytes of
	// each grid on each process.
	MaxGridBytes int64
}

// A Space is one process's runtime context: its view of the process
// topology and partition, and the registry of the grids it holds.
// Grids are addressed by GridID; the Space owns them and releases
// them on Free.
//
// A Space is used by a single goroutine. Requests returned by
// asynchronous operations may run concurrently with it, but they
// only write the halo buffers they were issued for.
type Space struct {
	comm         comm.Comm
	topo         *partition.Topology
	part         *partition.Partition
	maxGridBytes int64

	grids    []*gridState
	fetchSeq int
	stats    *stats.Map
}

// NewSpace returns the Space of the local process of communicator c.
// Every process must call NewSpace with the same configuration.
func NewSpace(c comm.Comm, config SpaceConfig) (*Space, error) {
	topo, err := partition.NewTopology(c.Size(), c.Rank(), config.NumDims, config.Shape)
	if err != nil {
		return nil, err
	}
	part, err := partition.New(config.NumDims, config.GlobalSize, topo.Shape)
	if err != nil {
		return nil, err
	}
	for i := config.NumDims; i < bigstencil.MaxDims; i++ {
		if config.GlobalSize[i] != 0 {
			return nil, errors.E(errors.Invalid,
				fmt.Sprintf("exec.NewSpace: global size %v has more than %d dimensions", config.GlobalSize, config.NumDims))
		}
	}
	return &Space{
		comm:         c,
		topo:         topo,
		part:         part,
		maxGridBytes: config.MaxGridBytes,
		stats:        stats.NewMap(),
	}, nil
}

// Rank returns the rank of the local process.
func (s *Space) Rank() int { return s.comm.Rank() }

// Size returns the number of processes.
func (s *Space) Size() int { return s.comm.Size() }

// IsRoot tells whether the local process is rank 0.
func (s *Space) IsRoot() bool { return s.topo.IsRoot() }

// NumDims returns the dimensionality of the space.
func (s *Space) NumDims() int { return s.topo.NumDims }

// Topology returns the process topology.
func (s *Space) Topology() *partition.Topology { return s.topo }

// Partition returns the partition of the global space.
func (s *Space) Partition() *partition.Partition { return s.part }

// Comm returns the space's communicator.
func (s *Space) Comm() comm.Comm { return s.comm }

// Stats returns a snapshot of the space's counters, including its
// communicator's traffic counters.
func (s *Space) Stats() stats.Values {
	vals := s.comm.Stats().Snapshot()
	s.stats.AddAll(vals)
	return vals
}

// LocalDomain returns the part of domain d, given in global
// coordinates, owned by the local process.
func (s *Space) LocalDomain(d bigstencil.Domain) bigstencil.Domain {
	return d.Intersect(s.part.Box(s.topo.Coord))
}

// Barrier returns once every process has entered it.
func (s *Space) Barrier(ctx context.Context) error {
	return comm.Barrier(ctx, s.comm, comm.Tag{})
}

// gridState is a registry entry: the local grid and the runtime's
// bookkeeping for it.
type gridState struct {
	*grid.Grid
	id GridID

	// pending counts the in-flight exchange requests per dimension.
	pending [bigstencil.MaxDims]int32

	haloValid bool
	haloKey   haloKey

	remoteValid  bool
	remoteRegion bigstencil.Domain
	fetchRound   int
}

// Create creates a grid of the provided type and extent, placed at
// globalOffset in the global space. If elemSize is zero, it is
// derived from the type. Create is collective. On failure, Create
// returns InvalidGrid.
func (s *Space) Create(typ bigstencil.Type, elemSize, ndims int, size bigstencil.Index, doubleBuffer bool, globalOffset bigstencil.Index, attr bigstencil.Attr) (GridID, error) {
	if ndims != s.NumDims() {
		return InvalidGrid, errors.E(errors.Invalid,
			fmt.Sprintf("exec.Create: %d-dimensional grid in a %d-dimensional space", ndims, s.NumDims()))
	}
	if elemSize == 0 {
		elemSize = typ.Size()
	}
	spec := grid.Spec{
		Type:         typ,
		ElemSize:     elemSize,
		NumDims:      ndims,
		Size:         size,
		GlobalOffset: globalOffset,
		DoubleBuffer: doubleBuffer,
		Attr:         attr,
	}
	if err := spec.Validate(); err != nil {
		return InvalidGrid, errors.E("exec.Create", err)
	}
	for i := 0; i < ndims; i++ {
		if globalOffset[i]+size[i] > s.part.GlobalSize[i] {
			return InvalidGrid, errors.E(errors.Invalid,
				fmt.Sprintf("exec.Create: grid %s at %s exceeds global size %s",
					size.Format(ndims), globalOffset.Format(ndims), s.part.GlobalSize.Format(ndims)))
		}
	}
	offset, localSize := s.part.GridBox(s.topo.Coord, globalOffset, size)
	g, err := grid.New(spec, offset, localSize, s.maxGridBytes)
	if err != nil {
		return InvalidGrid, errors.E("exec.Create", err)
	}
	id := GridID(len(s.grids))
	s.grids = append(s.grids, &gridState{Grid: g, id: id})
	log.Debug.Printf("rank %d: grid %d: %s %s, local box %s", s.Rank(), id, typ, size.Format(ndims), g.LocalBox())
	return id, nil
}

// Free releases a grid and its remote grid.
func (s *Space) Free(id GridID) error {
	g, err := s.grid(id)
	if err != nil {
		return err
	}
	g.Free()
	s.grids[id] = nil
	return nil
}

// Grid returns the local part of a grid.
func (s *Space) Grid(id GridID) (*grid.Grid, error) {
	g, err := s.grid(id)
	if err != nil {
		return nil, err
	}
	return g.Grid, nil
}

func (s *Space) grid(id GridID) (*gridState, error) {
	if id < 0 || int(id) >= len(s.grids) || s.grids[id] == nil {
		return nil, errors.E(errors.NotExist, fmt.Sprintf("grid %d", id))
	}
	return s.grids[id], nil
}

func (s *Space) checkIndex(g *gridState, x bigstencil.Index) error {
	for i := 0; i < bigstencil.MaxDims; i++ {
		if i < g.NumDims && (x[i] < 0 || x[i] >= g.Size[i]) || i >= g.NumDims && x[i] != 0 {
			return errors.E(errors.Invalid,
				fmt.Sprintf("grid %d: index %v outside %s", g.id, x, g.Size.Format(g.NumDims)))
		}
	}
	return nil
}

// Get copies the element at index x into out. The index may be owned
// locally, lie in a loaded halo, or lie in an active remote grid.
// Halos across a periodic boundary are addressed past the grid's
// edges, at -1 or Size for example.
func (s *Space) Get(id GridID, x bigstencil.Index, out []byte) error {
	g, err := s.grid(id)
	if err != nil {
		return err
	}
	b, err := g.Address(x)
	if err != nil {
		return errors.E(fmt.Sprintf("grid %d", id), err)
	}
	copy(out, b)
	return nil
}

// Set stores the element at index x if it is owned locally. Every
// process calls Set with the same arguments and only the owner
// stores the value, so host code can seed a grid without knowing the
// partition. Set invalidates cached halos and remote grids.
func (s *Space) Set(id GridID, x bigstencil.Index, in []byte) error {
	g, err := s.grid(id)
	if err != nil {
		return err
	}
	if err := s.checkIndex(g, x); err != nil {
		return err
	}
	s.invalidate(g)
	if !g.LocalBox().Contains(x) {
		return nil
	}
	// The core buffer is written even while the remote grid is
	// active.
	b, err := g.CoreAddress(x)
	if err != nil {
		return err
	}
	copy(b, in)
	if g.DoubleBuffer {
		w, err := g.EmitAddress(x)
		if err != nil {
			return err
		}
		copy(w, in)
	}
	return nil
}

// Emit stores the element at locally owned index x in the grid's
// write buffer. It is called by stencil kernels.
func (s *Space) Emit(id GridID, x bigstencil.Index, in []byte) error {
	g, err := s.grid(id)
	if err != nil {
		return err
	}
	b, err := g.EmitAddress(x)
	if err != nil {
		return errors.E(fmt.Sprintf("grid %d", id), err)
	}
	copy(b, in)
	return nil
}

// GetAs returns the element at index x of a grid of element type T.
func GetAs[T grid.Element](s *Space, id GridID, x bigstencil.Index) (T, error) {
	var buf [8]byte
	if err := s.Get(id, x, buf[:]); err != nil {
		return 0, err
	}
	return grid.Load[T](buf[:]), nil
}

// SetAs is the typed form of Set.
func SetAs[T grid.Element](s *Space, id GridID, x bigstencil.Index, v T) error {
	var buf [8]byte
	grid.Store(buf[:], v)
	return s.Set(id, x, buf[:grid.TypeOf[T]().Size()])
}

// EmitAs is the typed form of Emit.
func EmitAs[T grid.Element](s *Space, id GridID, x bigstencil.Index, v T) error {
	var buf [8]byte
	grid.Store(buf[:], v)
	return s.Emit(id, x, buf[:grid.TypeOf[T]().Size()])
}

// Swap exchanges the read and write buffers of a double-buffered grid.
func (s *Space) Swap(id GridID) error {
	g, err := s.grid(id)
	if err != nil {
		return err
	}
	g.Swap()
	s.invalidate(g)
	return nil
}

// Mirror copies a grid's read buffer into its write buffer.
func (s *Space) Mirror(id GridID) error {
	g, err := s.grid(id)
	if err != nil {
		return err
	}
	g.Mirror()
	return nil
}

// InvalidateReuse marks a grid's halos and remote grid as stale, so
// that the next load transfers data even when reuse is requested. It
// must be called, on every process, after the grid is written.
func (s *Space) InvalidateReuse(id GridID) error {
	g, err := s.grid(id)
	if err != nil {
		return err
	}
	s.invalidate(g)
	return nil
}

func (s *Space) invalidate(g *gridState) {
	g.haloValid = false
	g.remoteValid = false
}
