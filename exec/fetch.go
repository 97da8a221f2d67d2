// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/gob"
	"fmt"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/bigstencil"
	"github.com/grailbio/bigstencil/comm"
	"github.com/spaolacci/murmur3"
)

// FetchInfo describes the part of a requested region owned by one
// other process.
type FetchInfo struct {
	// Rank and Owner are the owning process's rank and coordinate.
	Rank  int
	Owner bigstencil.Index
	// Offset is the offset of the overlap within the owner's local
	// box and Size its extent.
	Offset, Size bigstencil.Index
	// Box is the overlap in grid coordinates.
	Box bigstencil.Domain
}

// fetchState is the progress of one fetch, as seen by the requester
// or by the owner.
type fetchState int

const (
	fetchIdle fetchState = iota
	fetchRequestSent
	fetchReplyReceived
	fetchDone
	fetchRequestReceived
	fetchReplySent
)

func (s fetchState) String() string {
	switch s {
	case fetchIdle:
		return "IDLE"
	case fetchRequestSent:
		return "REQUEST_SENT"
	case fetchReplyReceived:
		return "REPLY_RECEIVED"
	case fetchDone:
		return "DONE"
	case fetchRequestReceived:
		return "REQUEST_RECEIVED"
	case fetchReplySent:
		return "REPLY_SENT"
	default:
		return fmt.Sprintf("fetchState(%d)", int(s))
	}
}

type fetchKind uint8

const (
	fetchRequest fetchKind = iota + 1
	fetchReply
	fetchFinished
)

// fetchID identifies a request by its requester and a sequence number
// local to the requester.
type fetchID struct {
	Rank, Seq int
}

// fetchMessage is the wire form of the fetch protocol.
type fetchMessage struct {
	Kind fetchKind
	ID   fetchID
	// Offset and Size locate a request within the owner's local box.
	Offset, Size bigstencil.Index
	Data         []byte
}

func encodeFetch(msg fetchMessage) ([]byte, error) {
	var b bytes.Buffer
	if err := gob.NewEncoder(&b).Encode(msg); err != nil {
		return nil, err
	}
	return b.Bytes(), nil
}

func decodeFetch(data []byte) (fetchMessage, error) {
	var msg fetchMessage
	err := gob.NewDecoder(bytes.NewReader(data)).Decode(&msg)
	if err != nil {
		err = errors.E(errors.Fatal, errors.Integrity, "malformed fetch message", err)
	}
	return msg, err
}

// regionKey is a short identifier of a fetched region of a grid,
// used to correlate fetch logs across processes.
func regionKey(id GridID, region bigstencil.Domain) uint64 {
	var buf [8 * (1 + 2*bigstencil.MaxDims)]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(id))
	for i := 0; i < bigstencil.MaxDims; i++ {
		binary.LittleEndian.PutUint64(buf[8*(1+i):], uint64(region.Min[i]))
		binary.LittleEndian.PutUint64(buf[8*(1+bigstencil.MaxDims+i):], uint64(region.Max[i]))
	}
	return murmur3.Sum64(buf[:])
}

// FetchInfos returns the parts of region, in grid coordinates, that
// are owned by other processes, in rank order.
func (s *Space) FetchInfos(id GridID, region bigstencil.Domain) ([]FetchInfo, error) {
	g, err := s.grid(id)
	if err != nil {
		return nil, err
	}
	return s.fetchInfos(g, region), nil
}

func (s *Space) fetchInfos(g *gridState, region bigstencil.Domain) []FetchInfo {
	var infos []FetchInfo
	for _, o := range s.part.Overlaps(g.GlobalOffset, g.Size, region) {
		rank := s.topo.CoordToRank(o.Coord)
		if rank == s.Rank() {
			continue
		}
		offset, _ := s.part.GridBox(o.Coord, g.GlobalOffset, g.Size)
		infos = append(infos, FetchInfo{
			Rank:   rank,
			Owner:  o.Coord,
			Offset: o.Box.Min.Sub(offset),
			Size:   o.Box.Size(),
			Box:    o.Box,
		})
	}
	return infos
}

type pendingFetch struct {
	info  FetchInfo
	state fetchState
}

// LoadSubgrid loads region, in grid coordinates, of grid id into the
// grid's remote grid, whatever processes own it. LoadSubgrid is
// collective: every process calls it for the grid, each with its own
// region, and serves the requests of the others until all of them are
// done. If reuse is set and the remote grid already holds region and
// the grid has not been written since, nothing is transferred.
func (s *Space) LoadSubgrid(ctx context.Context, id GridID, region bigstencil.Domain, reuse bool) error {
	g, err := s.grid(id)
	if err != nil {
		return err
	}
	if region.NumDims != g.NumDims {
		return errors.E(errors.Invalid,
			fmt.Sprintf("grid %d: %d-dimensional region %s", id, region.NumDims, region))
	}
	region = region.Intersect(bigstencil.Box(g.NumDims, bigstencil.Index{}, g.Size))
	key := regionKey(id, region)
	if reuse && g.remoteValid && g.remoteRegion == region && g.Remote() != nil {
		s.stats.Int("fetch.reused").Add(1)
		log.Debug.Printf("rank %d: grid %d: reusing remote region %s (%x)", s.Rank(), id, region, key)
		return nil
	}
	remote, err := g.EnsureRemote(region)
	if err != nil {
		return errors.E(fmt.Sprintf("grid %d", id), err)
	}
	tag := comm.Tag{Kind: comm.KindFetch, Grid: int(id), Seq: g.fetchRound}
	g.fetchRound++

	if own := region.Intersect(g.LocalBox()); !own.Empty() {
		buf := make([]byte, own.Size().Volume(g.NumDims)*g.ElemSize)
		if err := g.CopyoutSubgrid(own, buf); err != nil {
			return err
		}
		if err := remote.CopyinSubgrid(own, buf); err != nil {
			return err
		}
	}

	pending := make(map[fetchID]*pendingFetch)
	for _, info := range s.fetchInfos(g, region) {
		s.fetchSeq++
		fid := fetchID{Rank: s.Rank(), Seq: s.fetchSeq}
		data, err := encodeFetch(fetchMessage{Kind: fetchRequest, ID: fid, Offset: info.Offset, Size: info.Size})
		if err != nil {
			return err
		}
		if err := s.comm.Send(ctx, info.Rank, tag, data); err != nil {
			return err
		}
		pending[fid] = &pendingFetch{info, fetchRequestSent}
		log.Debug.Printf("rank %d: fetch %v: %s %s from rank %d", s.Rank(), fid, fetchRequestSent, info.Box, info.Rank)
		s.stats.Int("fetch.requests").Add(1)
	}

	var (
		ndone    int
		finished bool
	)
	finish := func() error {
		finished = true
		msg, err := encodeFetch(fetchMessage{Kind: fetchFinished})
		if err != nil {
			return err
		}
		for rank := 0; rank < s.Size(); rank++ {
			if rank == s.Rank() {
				continue
			}
			if err := s.comm.Send(ctx, rank, tag, msg); err != nil {
				return err
			}
		}
		ndone++
		return nil
	}
	if len(pending) == 0 {
		if err := finish(); err != nil {
			return err
		}
	}
	for ndone < s.Size() {
		src, data, err := s.comm.RecvAny(ctx, tag)
		if err != nil {
			return err
		}
		msg, err := decodeFetch(data)
		if err != nil {
			return err
		}
		switch msg.Kind {
		case fetchRequest:
			if err := s.serveFetch(ctx, g, src, tag, msg); err != nil {
				return err
			}
		case fetchReply:
			p := pending[msg.ID]
			if p == nil {
				return errors.E(errors.Fatal, errors.Integrity,
					fmt.Sprintf("grid %d: reply from rank %d for unknown fetch %v", id, src, msg.ID))
			}
			if want := p.info.Size.Volume(g.NumDims) * g.ElemSize; len(msg.Data) != want {
				return errors.E(errors.Fatal, errors.Integrity,
					fmt.Sprintf("grid %d: fetch %v: reply has %d bytes, want %d", id, msg.ID, len(msg.Data), want))
			}
			p.state = fetchReplyReceived
			if err := remote.CopyinSubgrid(p.info.Box, msg.Data); err != nil {
				return err
			}
			p.state = fetchDone
			log.Debug.Printf("rank %d: fetch %v: %s", s.Rank(), msg.ID, p.state)
			delete(pending, msg.ID)
			if len(pending) == 0 && !finished {
				if err := finish(); err != nil {
					return err
				}
			}
		case fetchFinished:
			ndone++
		default:
			return errors.E(errors.Fatal, errors.Integrity,
				fmt.Sprintf("grid %d: unexpected fetch message kind %d from rank %d", id, msg.Kind, src))
		}
	}
	g.remoteValid = true
	g.remoteRegion = region
	log.Debug.Printf("rank %d: grid %d: loaded remote region %s (%x)", s.Rank(), id, region, key)
	return nil
}

// serveFetch replies to a request for a part of the local box.
func (s *Space) serveFetch(ctx context.Context, g *gridState, src int, tag comm.Tag, req fetchMessage) error {
	log.Debug.Printf("rank %d: fetch %v: %s", s.Rank(), req.ID, fetchRequestReceived)
	box := bigstencil.Box(g.NumDims, g.LocalOffset.Add(req.Offset), req.Size)
	if box.Intersect(g.LocalBox()) != box {
		return errors.E(errors.Fatal, errors.Integrity,
			fmt.Sprintf("grid %d: rank %d requested %s outside local box %s", g.id, src, box, g.LocalBox()))
	}
	buf := make([]byte, box.Size().Volume(g.NumDims)*g.ElemSize)
	if err := g.CopyoutSubgrid(box, buf); err != nil {
		return err
	}
	data, err := encodeFetch(fetchMessage{Kind: fetchReply, ID: req.ID, Data: buf})
	if err != nil {
		return err
	}
	if err := s.comm.Send(ctx, src, tag, data); err != nil {
		return err
	}
	log.Debug.Printf("rank %d: fetch %v: %s", s.Rank(), req.ID, fetchReplySent)
	s.stats.Int("fetch.served").Add(1)
	return nil
}

// Access gives one coordinate of a grid access made by a kernel at
// point x: x[Dim]+Offset, or the constant Offset if Dim is negative.
type Access struct {
	Dim    int
	Offset int
}

// LoadSubgridAccess loads the region of grid id read by a kernel
// running over the local part of domain dom, where the kernel reads
// the grid at points between lower and upper, inclusive.
func (s *Space) LoadSubgridAccess(ctx context.Context, id GridID, dom bigstencil.Domain, lower, upper []Access, reuse bool) error {
	g, err := s.grid(id)
	if err != nil {
		return err
	}
	if len(lower) != g.NumDims || len(upper) != g.NumDims {
		return errors.E(errors.Invalid,
			fmt.Sprintf("grid %d: access has %d/%d coordinates, want %d", id, len(lower), len(upper), g.NumDims))
	}
	local := s.LocalDomain(dom)
	region := bigstencil.Domain{NumDims: g.NumDims}
	if !local.Empty() {
		for i := 0; i < g.NumDims; i++ {
			lo, hi := lower[i], upper[i]
			if lo.Dim >= dom.NumDims || hi.Dim >= dom.NumDims {
				return errors.E(errors.Invalid, fmt.Sprintf("grid %d: access dimension out of range", id))
			}
			region.Min[i] = lo.Offset
			if lo.Dim >= 0 {
				region.Min[i] += local.Min[lo.Dim]
			}
			region.Max[i] = hi.Offset + 1
			if hi.Dim >= 0 {
				region.Max[i] += local.Max[hi.Dim] - 1
			}
			if region.Max[i] < region.Min[i] {
				region.Max[i] = region.Min[i]
			}
		}
	}
	return s.LoadSubgrid(ctx, id, region, reuse)
}

// ActivateRemoteGrid (de)activates the remote grid of grid id. While
// active, reads of the grid are served by its remote grid.
func (s *Space) ActivateRemoteGrid(id GridID, active bool) error {
	g, err := s.grid(id)
	if err != nil {
		return err
	}
	return g.SetRemoteActive(active)
}
