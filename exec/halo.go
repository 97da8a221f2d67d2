// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/bigstencil"
	"github.com/grailbio/bigstencil/comm"
	"github.com/grailbio/bigstencil/grid"
)

// haloKey describes the last completed neighbor load of a grid.
type haloKey struct {
	bw, fw             bigstencil.Index
	diagonal, periodic bool
}

func haloTag(id GridID, dim int, dir grid.Direction) comm.Tag {
	return comm.Tag{Kind: comm.KindHalo, Grid: int(id), Seq: 2*dim + int(dir)}
}

// ExchangeBoundaries exchanges the halos of one dimension of a grid
// with the neighboring processes: fw planes are received from the
// forward neighbor and bw planes from the backward neighbor. It
// returns when both directions are installed.
func (s *Space) ExchangeBoundaries(ctx context.Context, id GridID, dim, fw, bw int, diagonal, periodic bool) error {
	reqs, err := s.ExchangeBoundariesAsync(ctx, id, dim, fw, bw, diagonal, periodic)
	if err != nil {
		return err
	}
	return comm.WaitAll(ctx, reqs)
}

// ExchangeBoundariesAsync starts the exchange of ExchangeBoundaries
// and returns its requests. The halos must not be read until every
// request completes.
//
// Diagonal halos carry data from the halos of lower dimensions, so a
// diagonal exchange of dimension dim fails while an exchange of any
// dimension up to dim is in flight. A non-diagonal exchange fails
// only while an exchange of dim or a higher dimension is in flight.
func (s *Space) ExchangeBoundariesAsync(ctx context.Context, id GridID, dim, fw, bw int, diagonal, periodic bool) ([]*comm.Request, error) {
	g, err := s.grid(id)
	if err != nil {
		return nil, err
	}
	if dim < 0 || dim >= g.NumDims {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("grid %d: dimension %d out of range", id, dim))
	}
	if err := g.checkSequence(dim, diagonal); err != nil {
		return nil, err
	}
	if err := g.SetHaloWidth(dim, grid.Forward, fw, diagonal); err != nil {
		return nil, err
	}
	if err := g.SetHaloWidth(dim, grid.Backward, bw, diagonal); err != nil {
		return nil, err
	}
	g.haloValid = false
	return s.exchange(ctx, g, dim, periodic)
}

func (g *gridState) checkSequence(dim int, diagonal bool) error {
	for j := 0; j < g.NumDims; j++ {
		if atomic.LoadInt32(&g.pending[j]) == 0 {
			continue
		}
		if j >= dim || diagonal {
			return errors.E(errors.Invalid,
				fmt.Sprintf("grid %d: exchange of dimension %d (diagonal %v) while dimension %d is in flight", g.id, dim, diagonal, j))
		}
	}
	return nil
}

func (g *gridState) track(dim int, r *comm.Request) *comm.Request {
	atomic.AddInt32(&g.pending[dim], 1)
	r.OnDone(func(error) { atomic.AddInt32(&g.pending[dim], -1) })
	return r
}

// neighbor returns the rank of the nearest process step by step
// along dim that owns part of the grid. Processes owning nothing are
// passed over, so periodic halos wrap to the last owner even when the
// grid has fewer planes than there are processes.
func (s *Space) neighbor(g *gridState, dim, step int, periodic bool) (int, bool) {
	c := s.topo.Coord
	for i := 0; i < s.topo.Shape[dim]; i++ {
		var ok bool
		c, ok = s.topo.Shift(c, dim, step, periodic)
		if !ok {
			return -1, false
		}
		if _, size := s.part.GridBox(c, g.GlobalOffset, g.Size); size.Volume(g.NumDims) > 0 {
			return s.topo.CoordToRank(c), true
		}
	}
	return -1, false
}

// exchange issues the transfers for one dimension using the halo
// widths currently set on the grid. The Forward halo's self planes go
// to the backward neighbor, which installs them as its Forward peer;
// the Backward halo mirrors this.
func (s *Space) exchange(ctx context.Context, g *gridState, dim int, periodic bool) ([]*comm.Request, error) {
	if g.Empty() {
		return nil, nil
	}
	fwRank, fwOK := s.neighbor(g, dim, 1, periodic)
	bwRank, bwOK := s.neighbor(g, dim, -1, periodic)
	var reqs []*comm.Request
	for _, dir := range []grid.Direction{grid.Forward, grid.Backward} {
		dir := dir
		if g.Halo(dim, dir).Width == 0 {
			continue
		}
		sendRank, sendOK, recvRank, recvOK := bwRank, bwOK, fwRank, fwOK
		if dir == grid.Backward {
			sendRank, sendOK, recvRank, recvOK = fwRank, fwOK, bwRank, bwOK
		}
		tag := haloTag(g.id, dim, dir)
		if sendOK {
			data, err := g.CopyoutHalo(dim, dir)
			if err != nil {
				return reqs, errors.E(fmt.Sprintf("grid %d", g.id), err)
			}
			reqs = append(reqs, g.track(dim, comm.Isend(ctx, s.comm, sendRank, tag, data)))
		}
		if recvOK {
			reqs = append(reqs, g.track(dim, comm.Irecv(ctx, s.comm, recvRank, tag, func(data []byte) error {
				return g.InstallHalo(dim, dir, data)
			})))
		}
	}
	s.stats.Int("halo.exchanges").Add(1)
	log.Debug.Printf("rank %d: grid %d: exchange dimension %d: %d requests", s.Rank(), g.id, dim, len(reqs))
	return reqs, nil
}

// LoadNeighbor loads the halos a stencil needs to read grid id at
// offsets between offsetMin and offsetMax (inclusive) from each point
// of its domain. Dimensions are exchanged in ascending order. With
// diagonal, each dimension completes before the next one starts.
//
// If reuse is set and the grid has not been written since a previous
// load with the same widths, no data is transferred. If overlap is
// set, LoadNeighbor returns the requests still in flight; otherwise it
// returns once every halo is installed.
func (s *Space) LoadNeighbor(ctx context.Context, id GridID, offsetMin, offsetMax bigstencil.Index, diagonal, reuse, overlap, periodic bool) ([]*comm.Request, error) {
	g, err := s.grid(id)
	if err != nil {
		return nil, err
	}
	key := haloKey{diagonal: diagonal, periodic: periodic}
	last := -1
	for i := 0; i < g.NumDims; i++ {
		key.bw[i] = max(0, -offsetMin[i])
		key.fw[i] = max(0, offsetMax[i])
		if key.bw[i] > 0 || key.fw[i] > 0 {
			last = i
		}
	}
	if reuse && g.haloValid && g.haloKey == key {
		s.stats.Int("halo.reused").Add(1)
		return nil, nil
	}
	for j := 0; j < g.NumDims; j++ {
		if atomic.LoadInt32(&g.pending[j]) > 0 {
			return nil, errors.E(errors.Invalid,
				fmt.Sprintf("grid %d: neighbor load while dimension %d is in flight", id, j))
		}
	}
	// All widths are set before packing so that widened halos are
	// sized for the final shape.
	for d := 0; d < g.NumDims; d++ {
		if err := g.SetHaloWidth(d, grid.Forward, key.fw[d], diagonal); err != nil {
			return nil, err
		}
		if err := g.SetHaloWidth(d, grid.Backward, key.bw[d], diagonal); err != nil {
			return nil, err
		}
	}
	var reqs []*comm.Request
	for d := 0; d <= last; d++ {
		if key.bw[d] == 0 && key.fw[d] == 0 {
			continue
		}
		r, err := s.exchange(ctx, g, d, periodic)
		if err != nil {
			_ = comm.WaitAll(ctx, append(reqs, r...))
			return nil, err
		}
		if diagonal && d < last {
			if err := comm.WaitAll(ctx, r); err != nil {
				return nil, err
			}
			continue
		}
		reqs = append(reqs, r...)
	}
	g.haloValid = true
	g.haloKey = key
	if overlap {
		return reqs, nil
	}
	return nil, comm.WaitAll(ctx, reqs)
}
