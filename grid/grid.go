// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package grid implements the process-local part of a distributed
// grid: its core buffers, its halo buffers, and the resolution of
// grid indices to the buffer that holds them.
//
// All buffers are laid out with dimension 0 varying fastest. A grid
// index is resolved relative to the grid's local box. Indices inside
// the box live in the core buffer; indices outside it live in one of
// the halo buffers, two per dimension (backward and forward). Halo
// (d, dir) is a slab whose extent along d is the halo width. When it
// includes diagonals, the slab is widened along every lower dimension
// j < d by the widths of halo j, so that edge and corner points are
// stored with the highest dimension that is out of range.
package grid

import (
	"fmt"
	"math"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigstencil"
)

// ErrAlloc is returned when a grid's buffers cannot be allocated.
var ErrAlloc = errors.New("grid allocation failed")

// A Spec describes a logical grid. It is immutable once the grid is
// created.
type Spec struct {
	// Type is the element type.
	Type bigstencil.Type
	// ElemSize is the size in bytes of each element.
	ElemSize int
	// NumDims is the grid's dimensionality.
	NumDims int
	// Size is the global extent of the grid.
	Size bigstencil.Index
	// GlobalOffset places the grid in the global index space.
	GlobalOffset bigstencil.Index
	// DoubleBuffer maintains separate read and write buffers.
	DoubleBuffer bool
	Attr         bigstencil.Attr
}

// Validate checks the spec for consistency.
func (s Spec) Validate() error {
	if s.NumDims < 1 || s.NumDims > bigstencil.MaxDims {
		return errors.E(errors.Invalid, fmt.Sprintf("grid: unsupported dimensionality %d", s.NumDims))
	}
	if s.ElemSize < 1 {
		return errors.E(errors.Invalid, fmt.Sprintf("grid: invalid element size %d", s.ElemSize))
	}
	switch s.Type {
	case bigstencil.Opaque:
	case bigstencil.Float32, bigstencil.Float64, bigstencil.Int32, bigstencil.Int64:
		if s.ElemSize != s.Type.Size() {
			return errors.E(errors.Invalid,
				fmt.Sprintf("grid: element size %d does not match type %s", s.ElemSize, s.Type))
		}
	default:
		return errors.E(errors.Invalid, fmt.Sprintf("grid: invalid element type %s", s.Type))
	}
	for i := 0; i < bigstencil.MaxDims; i++ {
		if i < s.NumDims && s.Size[i] < 1 || i >= s.NumDims && s.Size[i] != 0 {
			return errors.E(errors.Invalid, fmt.Sprintf("grid: invalid size %v for %d dimensions", s.Size, s.NumDims))
		}
		if s.GlobalOffset[i] < 0 || i >= s.NumDims && s.GlobalOffset[i] != 0 {
			return errors.E(errors.Invalid, fmt.Sprintf("grid: invalid global offset %v", s.GlobalOffset))
		}
	}
	return nil
}

// A Grid is one process's part of a distributed grid.
type Grid struct {
	Spec
	// LocalOffset and LocalSize give the box owned by this process,
	// in grid coordinates.
	LocalOffset, LocalSize bigstencil.Index

	// p0 is read by kernels and p1 is written. They alias unless
	// the grid is double buffered.
	p0, p1 []byte

	halos [bigstencil.MaxDims][2]Halo

	remote       *Grid
	remoteActive bool
}

// New allocates the local part of a grid. Buffers are
// zero-initialized. If limit is positive, New fails with ErrAlloc
// when the core buffers would exceed limit bytes.
func New(spec Spec, localOffset, localSize bigstencil.Index, limit int64) (*Grid, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	nbytes, ok := volumeBytes(spec.NumDims, localSize, spec.ElemSize)
	total := nbytes
	if spec.DoubleBuffer {
		total *= 2
	}
	if !ok || total < 0 || limit > 0 && total > limit {
		return nil, errors.E(errors.Invalid, ErrAlloc,
			fmt.Sprintf("local size %s of %d-byte elements", localSize.Format(spec.NumDims), spec.ElemSize))
	}
	g := &Grid{
		Spec:        spec,
		LocalOffset: localOffset,
		LocalSize:   localSize,
	}
	g.p0 = make([]byte, nbytes)
	if spec.DoubleBuffer {
		g.p1 = make([]byte, nbytes)
	} else {
		g.p1 = g.p0
	}
	return g, nil
}

// volumeBytes returns the size of a buffer of the provided extent,
// reporting false on overflow.
func volumeBytes(n int, extent bigstencil.Index, elemSize int) (int64, bool) {
	v := int64(elemSize)
	for i := 0; i < n; i++ {
		if extent[i] < 0 {
			return 0, false
		}
		if extent[i] > 0 && v > math.MaxInt64/int64(extent[i]) {
			return 0, false
		}
		v *= int64(extent[i])
	}
	return v, true
}

// Len returns the number of locally owned elements.
func (g *Grid) Len() int {
	return g.LocalSize.Volume(g.NumDims)
}

// Empty tells whether this process owns no elements of the grid.
func (g *Grid) Empty() bool {
	return g.Len() == 0
}

// LocalBox returns the locally owned box in grid coordinates.
func (g *Grid) LocalBox() bigstencil.Domain {
	return bigstencil.Box(g.NumDims, g.LocalOffset, g.LocalSize)
}

// Bytes returns the read buffer.
func (g *Grid) Bytes() []byte { return g.p0 }

// WriteBytes returns the write buffer. It is the read buffer unless
// the grid is double buffered.
func (g *Grid) WriteBytes() []byte { return g.p1 }

// Swap exchanges the read and write buffers.
func (g *Grid) Swap() {
	g.p0, g.p1 = g.p1, g.p0
}

// Mirror copies the read buffer into the write buffer.
func (g *Grid) Mirror() {
	if g.DoubleBuffer {
		copy(g.p1, g.p0)
	}
}

// Free releases the grid's buffers, including its remote grid.
func (g *Grid) Free() {
	g.p0, g.p1 = nil, nil
	for d := range g.halos {
		g.halos[d] = [2]Halo{}
	}
	if g.remote != nil {
		g.remote.Free()
		g.remote = nil
	}
	g.remoteActive = false
}

// Address returns the element at grid index x, which may lie in the
// local box, in any allocated halo, or, while the remote grid is
// active, in the remote grid's region.
func (g *Grid) Address(x bigstencil.Index) ([]byte, error) {
	if g.remoteActive {
		return g.remote.Address(x)
	}
	buf, off, err := g.locate(x.Sub(g.LocalOffset))
	if err != nil {
		return nil, errors.E(fmt.Sprintf("grid index %s", x.Format(g.NumDims)), err)
	}
	return buf[off : off+g.ElemSize], nil
}

// CoreAddress returns the element at locally owned grid index x in
// the read buffer. Unlike Address, it never resolves to a halo or to
// the remote grid.
func (g *Grid) CoreAddress(x bigstencil.Index) ([]byte, error) {
	off, err := g.coreOffset(x)
	if err != nil {
		return nil, err
	}
	return g.p0[off : off+g.ElemSize], nil
}

// EmitAddress returns the element at grid index x in the write
// buffer. Only locally owned indices can be written.
func (g *Grid) EmitAddress(x bigstencil.Index) ([]byte, error) {
	off, err := g.coreOffset(x)
	if err != nil {
		return nil, err
	}
	return g.p1[off : off+g.ElemSize], nil
}

func (g *Grid) coreOffset(x bigstencil.Index) (int, error) {
	rel := x.Sub(g.LocalOffset)
	for i := 0; i < g.NumDims; i++ {
		if rel[i] < 0 || rel[i] >= g.LocalSize[i] {
			return 0, errors.E(errors.Invalid,
				fmt.Sprintf("grid index %s outside local box %s", x.Format(g.NumDims), g.LocalBox()))
		}
	}
	return bigstencil.Offset(g.NumDims, rel, g.LocalSize) * g.ElemSize, nil
}

// EnsureRemote returns the grid's remote grid, (re)allocating it if
// it does not hold exactly region.
func (g *Grid) EnsureRemote(region bigstencil.Domain) (*Grid, error) {
	if g.remote != nil && g.remote.LocalBox() == region {
		return g.remote, nil
	}
	spec := g.Spec
	spec.DoubleBuffer = false
	remote, err := New(spec, region.Min, region.Size(), 0)
	if err != nil {
		return nil, err
	}
	if g.remote != nil {
		g.remote.Free()
	}
	g.remote = remote
	return remote, nil
}

// Remote returns the grid's remote grid, or nil if none was loaded.
func (g *Grid) Remote() *Grid { return g.remote }

// SetRemoteActive (de)activates the remote grid. While active, all
// address lookups are served by the remote grid.
func (g *Grid) SetRemoteActive(active bool) error {
	if active && g.remote == nil {
		return errors.E(errors.Invalid, "grid: no remote grid loaded")
	}
	g.remoteActive = active
	return nil
}

// RemoteActive tells whether the remote grid is active.
func (g *Grid) RemoteActive() bool { return g.remoteActive }

// CopyoutSubgrid packs box, which must lie in the local box, from the
// read buffer into out.
func (g *Grid) CopyoutSubgrid(box bigstencil.Domain, out []byte) error {
	if err := g.checkSubgrid(box, len(out)); err != nil {
		return err
	}
	CopyBox(g.NumDims, g.ElemSize,
		out, box.Size(), bigstencil.Index{},
		g.p0, g.LocalSize, box.Min.Sub(g.LocalOffset),
		box.Size())
	return nil
}

// CopyinSubgrid unpacks in into box of the read buffer. The box must
// lie in the local box.
func (g *Grid) CopyinSubgrid(box bigstencil.Domain, in []byte) error {
	if err := g.checkSubgrid(box, len(in)); err != nil {
		return err
	}
	CopyBox(g.NumDims, g.ElemSize,
		g.p0, g.LocalSize, box.Min.Sub(g.LocalOffset),
		in, box.Size(), bigstencil.Index{},
		box.Size())
	return nil
}

func (g *Grid) checkSubgrid(box bigstencil.Domain, n int) error {
	if box.Empty() {
		return nil
	}
	if box.Intersect(g.LocalBox()) != box {
		return errors.E(errors.Invalid, fmt.Sprintf("grid: subgrid %s outside local box %s", box, g.LocalBox()))
	}
	if want := box.Size().Volume(g.NumDims) * g.ElemSize; n != want {
		return errors.E(errors.Invalid, fmt.Sprintf("grid: subgrid %s needs %d bytes, have %d", box, want, n))
	}
	return nil
}

// CopyBox copies a box of the provided size from src (of extent
// srcExt, starting at srcAt) into dst (of extent dstExt, starting at
// dstAt), one dimension-0 row at a time.
func CopyBox(n, elemSize int,
	dst []byte, dstExt, dstAt bigstencil.Index,
	src []byte, srcExt, srcAt bigstencil.Index,
	size bigstencil.Index) {
	if size.Volume(n) == 0 {
		return
	}
	row := size[0] * elemSize
	rows := size
	rows[0] = 1
	bigstencil.Each(n, rows, func(x bigstencil.Index, _ int) {
		d := bigstencil.Offset(n, x.Add(dstAt), dstExt) * elemSize
		s := bigstencil.Offset(n, x.Add(srcAt), srcExt) * elemSize
		copy(dst[d:d+row], src[s:s+row])
	})
}
