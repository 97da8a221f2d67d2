// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package partition computes how a global grid extent is split across
// a Cartesian process topology. Partitions are pure functions of the
// global extent and the process shape: every process computes the
// full table independently and no communication is required.
package partition

import (
	"fmt"
	"sort"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/must"
	"github.com/grailbio/bigstencil"
)

// ComputePartition splits globalSize elements into nprocs contiguous
// blocks. Each block holds globalSize/nprocs elements, and the first
// globalSize%nprocs blocks hold one more. Splitting 10 across 3 yields
// sizes {4, 3, 3} at offsets {0, 4, 7}.
func ComputePartition(globalSize, nprocs int) (offsets, sizes []int) {
	offsets = make([]int, nprocs)
	sizes = make([]int, nprocs)
	base, extra := globalSize/nprocs, globalSize%nprocs
	var off int
	for i := range sizes {
		sizes[i] = base
		if i < extra {
			sizes[i]++
		}
		offsets[i] = off
		off += sizes[i]
	}
	return
}

// A Partition holds the per-dimension decomposition of a global
// extent across a process shape.
type Partition struct {
	NumDims    int
	GlobalSize bigstencil.Index
	Shape      bigstencil.Index

	offsets, sizes [bigstencil.MaxDims][]int
}

// New returns the partition of the global extent across the provided
// process shape.
func New(ndims int, globalSize, shape bigstencil.Index) (*Partition, error) {
	if ndims < 1 || ndims > bigstencil.MaxDims {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("partition.New: unsupported dimensionality %d", ndims))
	}
	p := &Partition{NumDims: ndims, GlobalSize: globalSize, Shape: shape}
	for i := 0; i < ndims; i++ {
		if globalSize[i] < 1 {
			return nil, errors.E(errors.Invalid,
				fmt.Sprintf("partition.New: invalid global size %s", globalSize.Format(ndims)))
		}
		if shape[i] < 1 {
			return nil, errors.E(errors.Invalid,
				fmt.Sprintf("partition.New: invalid shape %s", shape.Format(ndims)))
		}
		p.offsets[i], p.sizes[i] = ComputePartition(globalSize[i], shape[i])
		var total int
		for _, n := range p.sizes[i] {
			total += n
		}
		must.Truef(total == globalSize[i], "partition: dimension %d covers %d of %d", i, total, globalSize[i])
	}
	return p, nil
}

// Offsets returns the block offsets along dimension dim, one per
// process coordinate.
func (p *Partition) Offsets(dim int) []int { return p.offsets[dim] }

// Sizes returns the block sizes along dimension dim.
func (p *Partition) Sizes(dim int) []int { return p.sizes[dim] }

// Local returns the offset and size of the box owned by the process
// at coordinate c.
func (p *Partition) Local(c bigstencil.Index) (offset, size bigstencil.Index) {
	for i := 0; i < p.NumDims; i++ {
		offset[i] = p.offsets[i][c[i]]
		size[i] = p.sizes[i][c[i]]
	}
	return
}

// Box returns the domain owned by the process at coordinate c.
func (p *Partition) Box(c bigstencil.Index) bigstencil.Domain {
	offset, size := p.Local(c)
	return bigstencil.Box(p.NumDims, offset, size)
}

// FindOwner returns the coordinate of the process owning global
// index x.
func (p *Partition) FindOwner(x bigstencil.Index) (bigstencil.Index, error) {
	var c bigstencil.Index
	for i := 0; i < p.NumDims; i++ {
		if x[i] < 0 || x[i] >= p.GlobalSize[i] {
			return c, errors.E(errors.NotExist,
				fmt.Sprintf("partition.FindOwner: index %s outside %s", x.Format(p.NumDims), p.GlobalSize.Format(p.NumDims)))
		}
		c[i] = p.owner(i, x[i])
	}
	return c, nil
}

// owner returns the coordinate along dimension dim of the block
// holding position x, which must be in range. Empty blocks are never
// returned.
func (p *Partition) owner(dim, x int) int {
	offsets, sizes := p.offsets[dim], p.sizes[dim]
	i := sort.Search(len(offsets), func(i int) bool { return offsets[i] > x }) - 1
	for sizes[i] == 0 {
		i--
	}
	return i
}

// GridBox returns the box, in grid coordinates, that the process at
// coordinate c owns of a grid of extent gridSize placed at
// gridOffset in the global space. The returned size is zero along
// every dimension where the process's box misses the grid.
func (p *Partition) GridBox(c bigstencil.Index, gridOffset, gridSize bigstencil.Index) (offset, size bigstencil.Index) {
	box := p.Box(c).Intersect(bigstencil.Box(p.NumDims, gridOffset, gridSize))
	for i := 0; i < p.NumDims; i++ {
		offset[i] = box.Min[i] - gridOffset[i]
		size[i] = box.Max[i] - box.Min[i]
	}
	if box.Empty() {
		size = bigstencil.Index{}
	}
	return
}

// An Overlap is the part of a region owned by one process.
type Overlap struct {
	Coord bigstencil.Index
	// Box is the overlap in grid coordinates.
	Box bigstencil.Domain
}

// Overlaps returns the processes whose boxes intersect region, a
// domain in the coordinates of a grid of extent gridSize placed at
// gridOffset. Overlaps are returned in rank order.
func (p *Partition) Overlaps(gridOffset, gridSize bigstencil.Index, region bigstencil.Domain) []Overlap {
	region = region.Intersect(bigstencil.Box(p.NumDims, bigstencil.Index{}, gridSize))
	if region.Empty() {
		return nil
	}
	var lo, extent bigstencil.Index
	for i := 0; i < p.NumDims; i++ {
		lo[i] = p.owner(i, region.Min[i]+gridOffset[i])
		extent[i] = p.owner(i, region.Max[i]-1+gridOffset[i]) - lo[i] + 1
	}
	var overlaps []Overlap
	bigstencil.Each(p.NumDims, extent, func(x bigstencil.Index, _ int) {
		c := x.Add(lo)
		offset, size := p.GridBox(c, gridOffset, gridSize)
		box := bigstencil.Box(p.NumDims, offset, size).Intersect(region)
		if box.Empty() {
			return
		}
		overlaps = append(overlaps, Overlap{Coord: c, Box: box})
	})
	return overlaps
}
