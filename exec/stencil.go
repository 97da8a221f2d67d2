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
)

// A NeighborLoad declares that a stencil reads grid Grid at offsets
// between OffsetMin and OffsetMax (inclusive) from each of its points.
type NeighborLoad struct {
	Grid                 GridID
	OffsetMin, OffsetMax bigstencil.Index
	Diagonal             bool
	Reuse                bool
	Periodic             bool
}

// A SubgridLoad declares that a stencil reads the region of grid Grid
// described by Lower and Upper.
type SubgridLoad struct {
	Grid         GridID
	Lower, Upper []Access
	Reuse        bool
}

// A Stencil is a kernel applied to every point of a domain, together
// with the data it reads and the grids it writes.
type Stencil struct {
	Name   string
	Domain bigstencil.Domain
	// Kernel is called once for each locally owned point of Domain.
	// It reads grids with Get and writes them with Emit.
	Kernel func(x bigstencil.Index) error

	Neighbors []NeighborLoad
	Subgrids  []SubgridLoad
	// Emits lists the grids written by Kernel. Double-buffered grids
	// are swapped after each application.
	Emits []GridID
	// Overlap computes the interior of the local domain while halos
	// are in flight.
	Overlap bool
}

// Run applies the stencils in order, iterations times. Run is
// collective.
func (s *Space) Run(ctx context.Context, iterations int, stencils ...*Stencil) error {
	for it := 0; it < iterations; it++ {
		for _, st := range stencils {
			if err := s.apply(ctx, st); err != nil {
				return errors.E(fmt.Sprintf("stencil %s: iteration %d", st.Name, it), err)
			}
		}
	}
	return nil
}

func (s *Space) apply(ctx context.Context, st *Stencil) error {
	if st.Domain.NumDims != s.NumDims() {
		return errors.E(errors.Invalid, fmt.Sprintf("%d-dimensional domain %s", st.Domain.NumDims, st.Domain))
	}
	var (
		pending []*comm.Request
		margin  [2]bigstencil.Index
	)
	for _, nl := range st.Neighbors {
		reqs, err := s.LoadNeighbor(ctx, nl.Grid, nl.OffsetMin, nl.OffsetMax, nl.Diagonal, nl.Reuse, st.Overlap, nl.Periodic)
		if err != nil {
			return err
		}
		pending = append(pending, reqs...)
		for i := 0; i < s.NumDims(); i++ {
			margin[0][i] = max(margin[0][i], -nl.OffsetMin[i])
			margin[1][i] = max(margin[1][i], nl.OffsetMax[i])
		}
	}
	var active []GridID
	defer func() {
		for _, id := range active {
			if err := s.ActivateRemoteGrid(id, false); err != nil {
				log.Error.Printf("grid %d: deactivate remote grid: %v", id, err)
			}
		}
	}()
	for _, sl := range st.Subgrids {
		if err := s.LoadSubgridAccess(ctx, sl.Grid, st.Domain, sl.Lower, sl.Upper, sl.Reuse); err != nil {
			return err
		}
		if err := s.ActivateRemoteGrid(sl.Grid, true); err != nil {
			return err
		}
		active = append(active, sl.Grid)
	}

	local := s.LocalDomain(st.Domain)
	if len(pending) == 0 {
		if err := local.Each(st.Kernel); err != nil {
			return err
		}
	} else {
		// Interior points read no halo.
		box := s.part.Box(s.topo.Coord)
		inner := box
		for i := 0; i < s.NumDims(); i++ {
			inner.Min[i] += margin[0][i]
			inner.Max[i] -= margin[1][i]
		}
		interior := local.Intersect(inner)
		if err := interior.Each(st.Kernel); err != nil {
			_ = comm.WaitAll(ctx, pending)
			return err
		}
		if err := comm.WaitAll(ctx, pending); err != nil {
			return err
		}
		err := local.Each(func(x bigstencil.Index) error {
			if interior.Contains(x) {
				return nil
			}
			return st.Kernel(x)
		})
		if err != nil {
			return err
		}
		s.stats.Int("stencil.overlapped").Add(1)
	}

	for _, id := range st.Emits {
		g, err := s.grid(id)
		if err != nil {
			return err
		}
		if g.DoubleBuffer {
			g.Swap()
		}
		s.invalidate(g)
	}
	s.stats.Int("stencil.applied").Add(1)
	return nil
}
