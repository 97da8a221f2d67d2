// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package grid

import (
	"fmt"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigstencil"
)

// Direction selects one of the two halos of a dimension.
type Direction int

const (
	// Backward is the halo below the local box.
	Backward Direction = iota
	// Forward is the halo above the local box.
	Forward
)

func (d Direction) String() string {
	switch d {
	case Backward:
		return "bw"
	case Forward:
		return "fw"
	default:
		return fmt.Sprintf("Direction(%d)", int(d))
	}
}

// A Halo holds the ghost data of one side of one dimension.
//
// Peer holds the data received from the neighbor on this side. Self
// holds the slab this process sends to the opposite neighbor, which
// stores it in the same-named halo: Self of the forward halo is this
// process's lowest Width planes. Self and Peer always have the same
// shape.
type Halo struct {
	// Width is the current width in elements.
	Width int
	// MaxWidth is the largest width ever requested.
	MaxWidth int
	// Diagonal tells whether the halo is widened to include edge and
	// corner data from lower dimensions.
	Diagonal bool

	Self, Peer []byte

	// size is the number of bytes in the current shape. Self and
	// Peer may be larger: they only grow.
	size int
}

// Halo returns the halo of dimension dim in direction dir.
func (g *Grid) Halo(dim int, dir Direction) *Halo {
	return &g.halos[dim][dir]
}

// SetHaloWidth sets the width and diagonal inclusion of a halo.
// Buffers are reallocated only when the new shape needs more space
// than any shape before it.
func (g *Grid) SetHaloWidth(dim int, dir Direction, width int, diagonal bool) error {
	if dim < 0 || dim >= g.NumDims {
		return errors.E(errors.Invalid, fmt.Sprintf("grid: dimension %d out of range", dim))
	}
	if width < 0 {
		return errors.E(errors.Invalid, fmt.Sprintf("grid: negative halo width %d", width))
	}
	h := &g.halos[dim][dir]
	h.Width = width
	h.Diagonal = diagonal
	if width > h.MaxWidth {
		h.MaxWidth = width
	}
	// Widened halos of higher dimensions depend on this halo's width.
	// Halos of lower dimensions do not, and are left alone: their
	// exchanges may still be in flight.
	g.allocHalos(dim)
	return nil
}

// allocHalos resizes the halos of dimensions from and above.
func (g *Grid) allocHalos(from int) {
	for d := from; d < g.NumDims; d++ {
		for dir := Backward; dir <= Forward; dir++ {
			h := &g.halos[d][dir]
			h.size = g.HaloExtent(d, dir).Volume(g.NumDims) * g.ElemSize
			if h.size > len(h.Peer) {
				h.Self = make([]byte, h.size)
				h.Peer = make([]byte, h.size)
			}
		}
	}
}

// HaloExtent returns the shape of halo (dim, dir).
func (g *Grid) HaloExtent(dim int, dir Direction) bigstencil.Index {
	var ext bigstencil.Index
	h := &g.halos[dim][dir]
	for j := 0; j < g.NumDims; j++ {
		switch {
		case j == dim:
			ext[j] = h.Width
		case j < dim && h.Diagonal:
			ext[j] = g.LocalSize[j] + g.halos[j][Backward].Width + g.halos[j][Forward].Width
		default:
			ext[j] = g.LocalSize[j]
		}
	}
	return ext
}

// HaloBytes returns the number of bytes in the current shape of halo
// (dim, dir).
func (g *Grid) HaloBytes(dim int, dir Direction) int {
	return g.halos[dim][dir].size
}

// haloOrigin returns the position, relative to the local box, of the
// first element of a halo's peer buffer or, if self is set, of its
// self buffer.
func (g *Grid) haloOrigin(dim int, dir Direction, self bool) bigstencil.Index {
	var o bigstencil.Index
	h := &g.halos[dim][dir]
	if h.Diagonal {
		for j := 0; j < dim; j++ {
			o[j] = -g.halos[j][Backward].Width
		}
	}
	switch {
	case self && dir == Forward:
		o[dim] = 0
	case self && dir == Backward:
		o[dim] = g.LocalSize[dim] - h.Width
	case dir == Forward:
		o[dim] = g.LocalSize[dim]
	default:
		o[dim] = -h.Width
	}
	return o
}

// locate resolves a position relative to the local box to a buffer
// and byte offset. Dimensions are tested from the highest down; the
// first one out of range selects the halo.
func (g *Grid) locate(rel bigstencil.Index) ([]byte, int, error) {
	for d := g.NumDims - 1; d >= 0; d-- {
		if rel[d] >= 0 && rel[d] < g.LocalSize[d] {
			continue
		}
		dir := Backward
		if rel[d] >= g.LocalSize[d] {
			dir = Forward
		}
		h := &g.halos[d][dir]
		origin, ext := g.haloOrigin(d, dir, false), g.HaloExtent(d, dir)
		var pos bigstencil.Index
		for j := 0; j < g.NumDims; j++ {
			pos[j] = rel[j] - origin[j]
			if pos[j] >= 0 && pos[j] < ext[j] {
				continue
			}
			if j < d && !h.Diagonal {
				return nil, 0, errors.E(errors.Invalid,
					fmt.Sprintf("grid: diagonal position %s needs a diagonal halo in dimension %d", rel.Format(g.NumDims), d))
			}
			return nil, 0, errors.E(errors.Invalid,
				fmt.Sprintf("grid: position %s outside %s halo of dimension %d (width %d)", rel.Format(g.NumDims), dir, d, h.Width))
		}
		return h.Peer, bigstencil.Offset(g.NumDims, pos, ext) * g.ElemSize, nil
	}
	return g.p0, bigstencil.Offset(g.NumDims, rel, g.LocalSize) * g.ElemSize, nil
}

// CopyoutHalo packs the slab that the neighbor on the far side of
// halo (dim, dir) needs into the halo's self buffer, and returns the
// packed bytes. Diagonal halos read edge data from the already
// installed halos of lower dimensions.
func (g *Grid) CopyoutHalo(dim int, dir Direction) ([]byte, error) {
	h := &g.halos[dim][dir]
	if h.Width > g.LocalSize[dim] {
		return nil, errors.E(errors.Invalid,
			fmt.Sprintf("grid: %s halo width %d of dimension %d exceeds local size %d", dir, h.Width, dim, g.LocalSize[dim]))
	}
	var (
		out      = h.Self[:h.size]
		origin   = g.haloOrigin(dim, dir, true)
		elemSize = g.ElemSize
		err      error
	)
	bigstencil.Each(g.NumDims, g.HaloExtent(dim, dir), func(x bigstencil.Index, i int) {
		if err != nil {
			return
		}
		buf, off, e := g.locate(x.Add(origin))
		if e != nil {
			err = e
			return
		}
		copy(out[i*elemSize:(i+1)*elemSize], buf[off:off+elemSize])
	})
	return out, err
}

// InstallHalo copies data received from a neighbor into the peer
// buffer of halo (dim, dir).
func (g *Grid) InstallHalo(dim int, dir Direction, data []byte) error {
	h := &g.halos[dim][dir]
	if len(data) != h.size {
		return errors.E(errors.Integrity,
			fmt.Sprintf("grid: %s halo of dimension %d: received %d bytes, want %d", dir, dim, len(data), h.size))
	}
	copy(h.Peer, data)
	return nil
}
