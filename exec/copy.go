// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"fmt"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigstencil"
	"github.com/grailbio/bigstencil/comm"
	"github.com/grailbio/bigstencil/grid"
)

func (s *Space) checkHost(g *gridState, region bigstencil.Domain, n int) error {
	if region.NumDims != g.NumDims {
		return errors.E(errors.Invalid,
			fmt.Sprintf("grid %d: %d-dimensional region %s", g.id, region.NumDims, region))
	}
	if whole := bigstencil.Box(g.NumDims, bigstencil.Index{}, g.Size); region.Intersect(whole) != region {
		return errors.E(errors.Invalid, fmt.Sprintf("grid %d: region %s outside %s", g.id, region, whole))
	}
	if want := region.Size().Volume(g.NumDims) * g.ElemSize; n != want {
		return errors.E(errors.Invalid,
			fmt.Sprintf("grid %d: host buffer has %d bytes, want %d", g.id, n, want))
	}
	return nil
}

// Copyin copies a host array holding the whole grid, in dimension-0
// fastest order, into the grid. Every process passes the same array
// and keeps the part it owns. Both buffers of a double-buffered grid
// are written.
func (s *Space) Copyin(id GridID, host []byte) error {
	g, err := s.grid(id)
	if err != nil {
		return err
	}
	return s.CopyinRegion(id, bigstencil.Box(g.NumDims, bigstencil.Index{}, g.Size), host)
}

// CopyinRegion is like Copyin, but host holds only region of the grid.
func (s *Space) CopyinRegion(id GridID, region bigstencil.Domain, host []byte) error {
	g, err := s.grid(id)
	if err != nil {
		return err
	}
	if err := s.checkHost(g, region, len(host)); err != nil {
		return err
	}
	s.invalidate(g)
	mine := region.Intersect(g.LocalBox())
	if mine.Empty() {
		return nil
	}
	grid.CopyBox(g.NumDims, g.ElemSize,
		g.Bytes(), g.LocalSize, mine.Min.Sub(g.LocalOffset),
		host, region.Size(), mine.Min.Sub(region.Min),
		mine.Size())
	if g.DoubleBuffer {
		grid.CopyBox(g.NumDims, g.ElemSize,
			g.WriteBytes(), g.LocalSize, mine.Min.Sub(g.LocalOffset),
			host, region.Size(), mine.Min.Sub(region.Min),
			mine.Size())
	}
	return nil
}

// Copyout assembles the whole grid into host on every process.
// Copyout is collective.
func (s *Space) Copyout(ctx context.Context, id GridID, host []byte) error {
	g, err := s.grid(id)
	if err != nil {
		return err
	}
	return s.CopyoutRegion(ctx, id, bigstencil.Box(g.NumDims, bigstencil.Index{}, g.Size), host)
}

// CopyoutRegion assembles region of the grid into host on every
// process. Each process sends its part of the region to every other
// process. CopyoutRegion is collective and every process must pass
// the same region.
func (s *Space) CopyoutRegion(ctx context.Context, id GridID, region bigstencil.Domain, host []byte) error {
	g, err := s.grid(id)
	if err != nil {
		return err
	}
	if err := s.checkHost(g, region, len(host)); err != nil {
		return err
	}
	tag := comm.Tag{Kind: comm.KindGather, Grid: int(id)}
	if mine := region.Intersect(g.LocalBox()); !mine.Empty() {
		piece := make([]byte, mine.Size().Volume(g.NumDims)*g.ElemSize)
		if err := g.CopyoutSubgrid(mine, piece); err != nil {
			return err
		}
		grid.CopyBox(g.NumDims, g.ElemSize,
			host, region.Size(), mine.Min.Sub(region.Min),
			piece, mine.Size(), bigstencil.Index{},
			mine.Size())
		for rank := 0; rank < s.Size(); rank++ {
			if rank == s.Rank() {
				continue
			}
			if err := s.comm.Send(ctx, rank, tag, piece); err != nil {
				return err
			}
		}
	}
	for _, o := range s.part.Overlaps(g.GlobalOffset, g.Size, region) {
		rank := s.topo.CoordToRank(o.Coord)
		if rank == s.Rank() {
			continue
		}
		piece, err := s.comm.Recv(ctx, rank, tag)
		if err != nil {
			return err
		}
		if want := o.Box.Size().Volume(g.NumDims) * g.ElemSize; len(piece) != want {
			return errors.E(errors.Fatal, errors.Integrity,
				fmt.Sprintf("grid %d: rank %d sent %d bytes for %s, want %d", id, rank, len(piece), o.Box, want))
		}
		grid.CopyBox(g.NumDims, g.ElemSize,
			host, region.Size(), o.Box.Min.Sub(region.Min),
			piece, o.Box.Size(), bigstencil.Index{},
			o.Box.Size())
	}
	return nil
}
