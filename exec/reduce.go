// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigstencil"
	"github.com/grailbio/bigstencil/comm"
	"github.com/grailbio/bigstencil/grid"
)

// Reduce reduces every element of grid id with op and stores the
// encoded result in out on every process. It returns the number of
// elements reduced. Reduce is collective. Processes that own no part
// of the grid contribute op's identity.
func (s *Space) Reduce(ctx context.Context, out []byte, op bigstencil.ReduceOp, id GridID) (int, error) {
	g, err := s.grid(id)
	if err != nil {
		return 0, err
	}
	if len(out) < g.ElemSize {
		return 0, errors.E(errors.Invalid,
			fmt.Sprintf("grid %d: reduction output has %d bytes, want %d", id, len(out), g.ElemSize))
	}
	value, n, err := g.Reduce(op)
	if err != nil {
		return 0, errors.E(fmt.Sprintf("grid %d", id), err)
	}
	// Partials carry the element count followed by the value.
	partial := make([]byte, 8+len(value))
	binary.LittleEndian.PutUint64(partial, uint64(n))
	copy(partial[8:], value)
	typ := g.Type
	result, err := comm.Allreduce(ctx, s.comm, comm.Tag{Kind: comm.KindReduce, Grid: int(id)}, partial,
		func(a, b []byte) ([]byte, error) {
			v, err := grid.Combine(typ, op, a[8:], b[8:])
			if err != nil {
				return nil, err
			}
			c := make([]byte, 8+len(v))
			binary.LittleEndian.PutUint64(c, binary.LittleEndian.Uint64(a)+binary.LittleEndian.Uint64(b))
			copy(c[8:], v)
			return c, nil
		})
	if err != nil {
		return 0, err
	}
	if len(result) < 8+g.ElemSize {
		return 0, errors.E(errors.Fatal, errors.Integrity,
			fmt.Sprintf("grid %d: truncated reduction result (%d bytes)", id, len(result)))
	}
	copy(out, result[8:])
	s.stats.Int("reduce.calls").Add(1)
	return int(binary.LittleEndian.Uint64(result)), nil
}

// ReduceAs is the typed form of Reduce.
func ReduceAs[T grid.Element](ctx context.Context, s *Space, op bigstencil.ReduceOp, id GridID) (T, int, error) {
	var buf [8]byte
	n, err := s.Reduce(ctx, buf[:grid.TypeOf[T]().Size()], op, id)
	if err != nil {
		return 0, 0, err
	}
	return grid.Load[T](buf[:]), n, nil
}
