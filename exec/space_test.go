// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"fmt"
	"testing"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigstencil"
	"github.com/grailbio/bigstencil/comm"
	"github.com/grailbio/bigstencil/grid"
	"github.com/grailbio/bigstencil/partition"
	"github.com/grailbio/testutil/assert"
	"golang.org/x/sync/errgroup"
)

// runSpaces runs fn on n processes connected by local communicators.
func runSpaces(t *testing.T, n int, config SpaceConfig, fn func(ctx context.Context, s *Space) error) {
	t.Helper()
	comms := comm.Local(n)
	g, ctx := errgroup.WithContext(context.Background())
	for i := range comms {
		c := comms[i]
		g.Go(func() error {
			s, err := NewSpace(c, config)
			if err != nil {
				return err
			}
			if err := fn(ctx, s); err != nil {
				return fmt.Errorf("rank %d: %v", c.Rank(), err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
}

func mod(x, n int) int {
	return ((x % n) + n) % n
}

// linear is the seed value of point x of a grid of extent size.
func linear(n int, x, size bigstencil.Index) int64 {
	var w bigstencil.Index
	for i := 0; i < n; i++ {
		w[i] = mod(x[i], size[i])
	}
	return int64(bigstencil.Offset(n, w, size)) + 1
}

// seed stores linear values in every locally owned point of id.
func seed(s *Space, id GridID) error {
	g, err := s.Grid(id)
	if err != nil {
		return err
	}
	return g.LocalBox().Each(func(x bigstencil.Index) error {
		return SetAs(s, id, x, linear(g.NumDims, x, g.Size))
	})
}

func TestCreate(t *testing.T) {
	config := SpaceConfig{NumDims: 2, GlobalSize: bigstencil.Ix(8, 8), MaxGridBytes: 8 * 16}
	runSpaces(t, 4, config, func(ctx context.Context, s *Space) error {
		id, err := s.Create(bigstencil.Int64, 0, 2, bigstencil.Ix(8, 8), false, bigstencil.Index{}, 0)
		if err != nil {
			return err
		}
		g, err := s.Grid(id)
		if err != nil {
			return err
		}
		if got, want := g.Len(), 16; got != want {
			return fmt.Errorf("got %v, want %v", got, want)
		}
		// Each process's part of a grid of 16-byte elements needs 256
		// bytes.
		big, err := s.Create(bigstencil.Opaque, 16, 2, bigstencil.Ix(8, 8), false, bigstencil.Index{}, 0)
		if big != InvalidGrid || err == nil {
			return fmt.Errorf("got %v, %v; want InvalidGrid", big, err)
		}
		if _, err := s.Create(bigstencil.Int64, 0, 1, bigstencil.Ix(8), false, bigstencil.Index{}, 0); !errors.Is(errors.Invalid, err) {
			return fmt.Errorf("got %v, want invalid", err)
		}
		if err := s.Free(id); err != nil {
			return err
		}
		if _, err := s.Grid(id); !errors.Is(errors.NotExist, err) {
			return fmt.Errorf("got %v, want not exist", err)
		}
		return nil
	})
}

func TestSetGet(t *testing.T) {
	config := SpaceConfig{NumDims: 1, GlobalSize: bigstencil.Ix(10)}
	runSpaces(t, 3, config, func(ctx context.Context, s *Space) error {
		id, err := s.Create(bigstencil.Float32, 0, 1, bigstencil.Ix(10), false, bigstencil.Index{}, 0)
		if err != nil {
			return err
		}
		// Every process sets every point; only owners store.
		for i := 0; i < 10; i++ {
			if err := SetAs(s, id, bigstencil.Ix(i), float32(i)/2); err != nil {
				return err
			}
		}
		if err := SetAs(s, id, bigstencil.Ix(10), float32(1)); !errors.Is(errors.Invalid, err) {
			return fmt.Errorf("got %v, want invalid", err)
		}
		local := s.LocalDomain(bigstencil.Domain1D(0, 10))
		return local.Each(func(x bigstencil.Index) error {
			v, err := GetAs[float32](s, id, x)
			if err != nil {
				return err
			}
			if got, want := v, float32(x[0])/2; got != want {
				return fmt.Errorf("%v: got %v, want %v", x, got, want)
			}
			return nil
		})
	})
}

func TestCopyinCopyout(t *testing.T) {
	size := bigstencil.Ix(5, 4, 3)
	host := make([]int32, size.Volume(3))
	for i := range host {
		host[i] = int32(i * 7)
	}
	config := SpaceConfig{NumDims: 3, GlobalSize: size}
	runSpaces(t, 4, config, func(ctx context.Context, s *Space) error {
		id, err := s.Create(bigstencil.Int32, 0, 3, size, true, bigstencil.Index{}, 0)
		if err != nil {
			return err
		}
		if err := s.Copyin(id, grid.Encode(host)); err != nil {
			return err
		}
		out := make([]byte, 4*len(host))
		if err := s.Copyout(ctx, id, out); err != nil {
			return err
		}
		for i, v := range grid.Decode[int32](out) {
			if v != host[i] {
				return fmt.Errorf("element %d: got %v, want %v", i, v, host[i])
			}
		}
		// The write buffer holds the same data.
		if err := s.Swap(id); err != nil {
			return err
		}
		region := bigstencil.Domain3D(1, 4, 1, 3, 0, 2)
		sub := make([]byte, 4*region.Size().Volume(3))
		if err := s.CopyoutRegion(ctx, id, region, sub); err != nil {
			return err
		}
		vals := grid.Decode[int32](sub)
		var i int
		return region.Each(func(x bigstencil.Index) error {
			if got, want := vals[i], host[bigstencil.Offset(3, x, size)]; got != want {
				return fmt.Errorf("%v: got %v, want %v", x, got, want)
			}
			i++
			return nil
		})
	})
}

func testHalo(t *testing.T, periodic bool) {
	size := bigstencil.Ix(8, 8, 8)
	config := SpaceConfig{NumDims: 3, GlobalSize: size}
	runSpaces(t, 2, config, func(ctx context.Context, s *Space) error {
		id, err := s.Create(bigstencil.Int64, 0, 3, size, false, bigstencil.Index{}, 0)
		if err != nil {
			return err
		}
		if err := seed(s, id); err != nil {
			return err
		}
		_, err = s.LoadNeighbor(ctx, id, bigstencil.Ix(-1, -1, -1), bigstencil.Ix(1, 1, 1), true, false, false, periodic)
		if err != nil {
			return err
		}
		box := s.Partition().Box(s.Topology().Coord)
		for i := 0; i < 3; i++ {
			box.Min[i]--
			box.Max[i]++
		}
		global := bigstencil.Box(3, bigstencil.Index{}, size)
		return box.Each(func(x bigstencil.Index) error {
			v, err := GetAs[int64](s, id, x)
			if err != nil {
				return err
			}
			want := linear(3, x, size)
			// Halos facing the global boundary are never written.
			if !periodic && !global.Contains(x) {
				want = 0
			}
			if got := v; got != want {
				return fmt.Errorf("%v: got %v, want %v", x, got, want)
			}
			return nil
		})
	})
}

func TestHaloExchange(t *testing.T) {
	t.Run("bounded", func(t *testing.T) { testHalo(t, false) })
	t.Run("periodic", func(t *testing.T) { testHalo(t, true) })
}

func TestHaloPeriodicEmptyRank(t *testing.T) {
	// Three processes share two planes; the last one owns nothing.
	size := bigstencil.Ix(2)
	config := SpaceConfig{NumDims: 1, GlobalSize: size}
	runSpaces(t, 3, config, func(ctx context.Context, s *Space) error {
		id, err := s.Create(bigstencil.Int64, 0, 1, size, false, bigstencil.Index{}, 0)
		if err != nil {
			return err
		}
		for i := 0; i < size[0]; i++ {
			if err := SetAs(s, id, bigstencil.Ix(i), int64(10+i)); err != nil {
				return err
			}
		}
		if _, err := s.LoadNeighbor(ctx, id, bigstencil.Ix(-1), bigstencil.Ix(1), false, false, false, true); err != nil {
			return err
		}
		g, err := s.Grid(id)
		if err != nil {
			return err
		}
		if g.Empty() {
			return nil
		}
		x := g.LocalOffset[0]
		for _, c := range []struct{ x, wrapped int }{{x - 1, mod(x-1, 2)}, {x + 1, mod(x+1, 2)}} {
			v, err := GetAs[int64](s, id, bigstencil.Ix(c.x))
			if err != nil {
				return err
			}
			if got, want := v, int64(10+c.wrapped); got != want {
				return fmt.Errorf("x=%d: got %v, want %v", c.x, got, want)
			}
		}
		return nil
	})
}

// TestExchangeWhileLowerPending issues exchanges of dimension 1 while
// dimension 0 is in flight, resizing the dimension 1 halos each time.
// The dimension 0 receivers must not observe the resize; run with
// -race.
func TestExchangeWhileLowerPending(t *testing.T) {
	size := bigstencil.Ix(8, 8)
	config := SpaceConfig{NumDims: 2, GlobalSize: size, Shape: partition.Fixed(2, 1)}
	runSpaces(t, 2, config, func(ctx context.Context, s *Space) error {
		id, err := s.Create(bigstencil.Int64, 0, 2, size, false, bigstencil.Index{}, 0)
		if err != nil {
			return err
		}
		if err := seed(s, id); err != nil {
			return err
		}
		for i := 0; i < 50; i++ {
			reqs, err := s.ExchangeBoundariesAsync(ctx, id, 0, 1, 1, false, false)
			if err != nil {
				return err
			}
			more, err := s.ExchangeBoundariesAsync(ctx, id, 1, 1+i%2, 1+i%3, false, false)
			if err != nil {
				_ = comm.WaitAll(ctx, reqs)
				return err
			}
			if err := comm.WaitAll(ctx, append(reqs, more...)); err != nil {
				return err
			}
		}
		x := bigstencil.Ix(3, 5)
		if s.Rank() == 0 {
			x[0] = 4
		}
		v, err := GetAs[int64](s, id, x)
		if err != nil {
			return err
		}
		if got, want := v, linear(2, x, size); got != want {
			return fmt.Errorf("%v: got %v, want %v", x, got, want)
		}
		return nil
	})
}

// TestOffsetGrid places a grid of 4 planes at offset 3 in a space of
// 8 planes over 4 processes: process 0 owns none of it, and the
// others own 1, 2 and 1 planes.
func TestOffsetGrid(t *testing.T) {
	space, size := bigstencil.Ix(8), bigstencil.Ix(4)
	config := SpaceConfig{NumDims: 1, GlobalSize: space}
	runSpaces(t, 4, config, func(ctx context.Context, s *Space) error {
		id, err := s.Create(bigstencil.Int64, 0, 1, size, false, bigstencil.Ix(3), 0)
		if err != nil {
			return err
		}
		g, err := s.Grid(id)
		if err != nil {
			return err
		}
		wantLocal := []int{0, 1, 2, 1}[s.Rank()]
		if got := g.LocalSize[0]; got != wantLocal {
			return fmt.Errorf("local size: got %v, want %v", got, wantLocal)
		}
		for i := 0; i < size[0]; i++ {
			if err := SetAs(s, id, bigstencil.Ix(i), int64(10+i)); err != nil {
				return err
			}
		}
		if _, err := s.LoadNeighbor(ctx, id, bigstencil.Ix(-1), bigstencil.Ix(1), false, false, false, true); err != nil {
			return err
		}
		if !g.Empty() {
			lo, hi := g.LocalOffset[0]-1, g.LocalOffset[0]+g.LocalSize[0]
			for _, x := range []int{lo, hi} {
				v, err := GetAs[int64](s, id, bigstencil.Ix(x))
				if err != nil {
					return err
				}
				if got, want := v, int64(10+mod(x, size[0])); got != want {
					return fmt.Errorf("halo x=%d: got %v, want %v", x, got, want)
				}
			}
		}
		whole := bigstencil.Domain1D(0, size[0])
		if err := s.LoadSubgrid(ctx, id, whole, false); err != nil {
			return err
		}
		if err := s.ActivateRemoteGrid(id, true); err != nil {
			return err
		}
		err = whole.Each(func(x bigstencil.Index) error {
			v, err := GetAs[int64](s, id, x)
			if err != nil {
				return err
			}
			if got, want := v, int64(10+x[0]); got != want {
				return fmt.Errorf("fetched %v: got %v, want %v", x, got, want)
			}
			return nil
		})
		if err != nil {
			return err
		}
		if err := s.ActivateRemoteGrid(id, false); err != nil {
			return err
		}
		sum, n, err := ReduceAs[int64](ctx, s, bigstencil.Sum, id)
		if err != nil {
			return err
		}
		if sum != 46 || n != 4 {
			return fmt.Errorf("reduce: got %v (%d), want 46 (4)", sum, n)
		}
		return nil
	})
}

// TestSetWhileRemoteActive checks that host writes reach the core
// buffer while reads are redirected to the remote grid.
func TestSetWhileRemoteActive(t *testing.T) {
	size := bigstencil.Ix(4)
	config := SpaceConfig{NumDims: 1, GlobalSize: size}
	runSpaces(t, 2, config, func(ctx context.Context, s *Space) error {
		id, err := s.Create(bigstencil.Int64, 0, 1, size, false, bigstencil.Index{}, 0)
		if err != nil {
			return err
		}
		if err := s.LoadSubgrid(ctx, id, bigstencil.Domain1D(0, 4), false); err != nil {
			return err
		}
		if err := s.ActivateRemoteGrid(id, true); err != nil {
			return err
		}
		if err := SetAs(s, id, bigstencil.Ix(0), int64(42)); err != nil {
			return err
		}
		if err := s.ActivateRemoteGrid(id, false); err != nil {
			return err
		}
		if s.Rank() != 0 {
			return nil
		}
		v, err := GetAs[int64](s, id, bigstencil.Ix(0))
		if err != nil {
			return err
		}
		if got, want := v, int64(42); got != want {
			return fmt.Errorf("got %v, want %v", got, want)
		}
		return nil
	})
}

func TestHaloReuse(t *testing.T) {
	size := bigstencil.Ix(8, 8)
	config := SpaceConfig{NumDims: 2, GlobalSize: size}
	runSpaces(t, 4, config, func(ctx context.Context, s *Space) error {
		id, err := s.Create(bigstencil.Int64, 0, 2, size, false, bigstencil.Index{}, 0)
		if err != nil {
			return err
		}
		if err := seed(s, id); err != nil {
			return err
		}
		lo, hi := bigstencil.Ix(-1, -2), bigstencil.Ix(1, 0)
		if _, err := s.LoadNeighbor(ctx, id, lo, hi, false, true, false, true); err != nil {
			return err
		}
		before := s.Comm().Stats().Snapshot()
		if _, err := s.LoadNeighbor(ctx, id, lo, hi, false, true, false, true); err != nil {
			return err
		}
		if got := s.Comm().Stats().Snapshot().Delta(before)["send.msgs"]; got != 0 {
			return fmt.Errorf("reused load sent %d messages", got)
		}
		if err := s.InvalidateReuse(id); err != nil {
			return err
		}
		if _, err := s.LoadNeighbor(ctx, id, lo, hi, false, true, false, true); err != nil {
			return err
		}
		if got := s.Comm().Stats().Snapshot().Delta(before)["send.msgs"]; got == 0 {
			return fmt.Errorf("invalidated load sent no messages")
		}
		// Loads with different widths are not reused.
		before = s.Comm().Stats().Snapshot()
		if _, err := s.LoadNeighbor(ctx, id, lo, bigstencil.Ix(1, 1), false, true, false, true); err != nil {
			return err
		}
		if got := s.Comm().Stats().Snapshot().Delta(before)["send.msgs"]; got == 0 {
			return fmt.Errorf("wider load sent no messages")
		}
		return nil
	})
}

func TestExchangeSequencing(t *testing.T) {
	size := bigstencil.Ix(8, 8)
	config := SpaceConfig{NumDims: 2, GlobalSize: size, Shape: partition.Fixed(2, 1)}
	checked := make(chan struct{})
	runSpaces(t, 2, config, func(ctx context.Context, s *Space) error {
		id, err := s.Create(bigstencil.Int64, 0, 2, size, false, bigstencil.Index{}, 0)
		if err != nil {
			return err
		}
		if err := seed(s, id); err != nil {
			return err
		}
		if s.Rank() == 1 {
			<-checked
			if err := s.ExchangeBoundaries(ctx, id, 0, 1, 1, false, false); err != nil {
				return err
			}
			return s.ExchangeBoundaries(ctx, id, 1, 1, 1, false, false)
		}
		reqs, err := s.ExchangeBoundariesAsync(ctx, id, 0, 1, 1, false, false)
		if err != nil {
			return err
		}
		// The receive from rank 1 cannot complete before checked is
		// closed.
		if _, err := s.ExchangeBoundariesAsync(ctx, id, 1, 1, 1, true, false); !errors.Is(errors.Invalid, err) {
			return fmt.Errorf("diagonal exchange: got %v, want invalid", err)
		}
		if _, err := s.ExchangeBoundariesAsync(ctx, id, 0, 1, 1, false, false); !errors.Is(errors.Invalid, err) {
			return fmt.Errorf("repeated exchange: got %v, want invalid", err)
		}
		if _, err := s.LoadNeighbor(ctx, id, bigstencil.Ix(-1, 0), bigstencil.Ix(1, 0), false, false, false, false); !errors.Is(errors.Invalid, err) {
			return fmt.Errorf("neighbor load: got %v, want invalid", err)
		}
		more, err := s.ExchangeBoundariesAsync(ctx, id, 1, 1, 1, false, false)
		if err != nil {
			return err
		}
		close(checked)
		if err := comm.WaitAll(ctx, append(reqs, more...)); err != nil {
			return err
		}
		v, err := GetAs[int64](s, id, bigstencil.Ix(4, 3))
		if err != nil {
			return err
		}
		if got, want := v, linear(2, bigstencil.Ix(4, 3), size); got != want {
			return fmt.Errorf("got %v, want %v", got, want)
		}
		return nil
	})
}

func TestReduce(t *testing.T) {
	config := SpaceConfig{NumDims: 1, GlobalSize: bigstencil.Ix(10)}
	runSpaces(t, 3, config, func(ctx context.Context, s *Space) error {
		full, err := s.Create(bigstencil.Int64, 0, 1, bigstencil.Ix(10), false, bigstencil.Index{}, 0)
		if err != nil {
			return err
		}
		if err := seed(s, full); err != nil {
			return err
		}
		host := make([]byte, 80)
		if err := s.Copyout(ctx, full, host); err != nil {
			return err
		}
		var serial int64
		for _, v := range grid.Decode[int64](host) {
			serial += v
		}
		sum, n, err := ReduceAs[int64](ctx, s, bigstencil.Sum, full)
		if err != nil {
			return err
		}
		if sum != serial || n != 10 {
			return fmt.Errorf("sum: got %v (%d), want %v (10)", sum, n, serial)
		}
		// Only rank 0 owns part of a grid over [0, 2).
		small, err := s.Create(bigstencil.Float64, 0, 1, bigstencil.Ix(2), false, bigstencil.Index{}, 0)
		if err != nil {
			return err
		}
		if err := SetAs(s, small, bigstencil.Ix(0), -3.0); err != nil {
			return err
		}
		if err := SetAs(s, small, bigstencil.Ix(1), 5.0); err != nil {
			return err
		}
		for _, c := range []struct {
			op   bigstencil.ReduceOp
			want float64
		}{
			{bigstencil.Sum, 2},
			{bigstencil.Product, -15},
			{bigstencil.Max, 5},
			{bigstencil.Min, -3},
		} {
			v, n, err := ReduceAs[float64](ctx, s, c.op, small)
			if err != nil {
				return err
			}
			if v != c.want || n != 2 {
				return fmt.Errorf("%s: got %v (%d), want %v (2)", c.op, v, n, c.want)
			}
		}
		return nil
	})
}

func TestFetch(t *testing.T) {
	size := bigstencil.Ix(8, 8)
	config := SpaceConfig{NumDims: 2, GlobalSize: size}
	runSpaces(t, 4, config, func(ctx context.Context, s *Space) error {
		id, err := s.Create(bigstencil.Int64, 0, 2, size, false, bigstencil.Index{}, 0)
		if err != nil {
			return err
		}
		if err := seed(s, id); err != nil {
			return err
		}
		// The region spans all four owners.
		region := bigstencil.Domain2D(2, 6, 1, 7)
		infos, err := s.FetchInfos(id, region)
		if err != nil {
			return err
		}
		for _, info := range infos {
			if info.Rank == s.Rank() {
				return fmt.Errorf("fetch info names the local process")
			}
		}
		check := func() error {
			if err := s.ActivateRemoteGrid(id, true); err != nil {
				return err
			}
			defer s.ActivateRemoteGrid(id, false)
			return region.Each(func(x bigstencil.Index) error {
				v, err := GetAs[int64](s, id, x)
				if err != nil {
					return err
				}
				if got, want := v, linear(2, x, size); got != want {
					return fmt.Errorf("%v: got %v, want %v", x, got, want)
				}
				return nil
			})
		}
		if err := s.LoadSubgrid(ctx, id, region, true); err != nil {
			return err
		}
		if err := check(); err != nil {
			return err
		}
		before := s.Comm().Stats().Snapshot()
		if err := s.LoadSubgrid(ctx, id, region, true); err != nil {
			return err
		}
		if got := s.Comm().Stats().Snapshot().Delta(before)["send.msgs"]; got != 0 {
			return fmt.Errorf("reused fetch sent %d messages", got)
		}
		// A different region is fetched even when reuse is requested.
		shifted := bigstencil.Domain2D(1, 5, 2, 8)
		before = s.Comm().Stats().Snapshot()
		if err := s.LoadSubgrid(ctx, id, shifted, true); err != nil {
			return err
		}
		if got := s.Comm().Stats().Snapshot().Delta(before)["send.msgs"]; got == 0 {
			return fmt.Errorf("fetch of a new region sent no messages")
		}
		if err := s.LoadSubgrid(ctx, id, region, true); err != nil {
			return err
		}
		if err := check(); err != nil {
			return err
		}
		// Writes invalidate the remote grid.
		if err := SetAs(s, id, region.Min, int64(-1)); err != nil {
			return err
		}
		if err := s.LoadSubgrid(ctx, id, region, true); err != nil {
			return err
		}
		v, err := func() (int64, error) {
			if err := s.ActivateRemoteGrid(id, true); err != nil {
				return 0, err
			}
			defer s.ActivateRemoteGrid(id, false)
			return GetAs[int64](s, id, region.Min)
		}()
		if err != nil {
			return err
		}
		if v != -1 {
			return fmt.Errorf("got %v, want -1", v)
		}
		// Processes may request nothing while serving others.
		if s.Rank() != 0 {
			region = bigstencil.Domain{NumDims: 2}
		}
		return s.LoadSubgrid(ctx, id, region, false)
	})
}

func TestActivateWithoutRemote(t *testing.T) {
	config := SpaceConfig{NumDims: 1, GlobalSize: bigstencil.Ix(4)}
	runSpaces(t, 1, config, func(ctx context.Context, s *Space) error {
		id, err := s.Create(bigstencil.Int32, 0, 1, bigstencil.Ix(4), false, bigstencil.Index{}, 0)
		if err != nil {
			return err
		}
		if err := s.ActivateRemoteGrid(id, true); err == nil {
			return fmt.Errorf("activated a grid without a remote grid")
		}
		return nil
	})
}

func TestSpaceErrors(t *testing.T) {
	c := comm.Local(1)[0]
	_, err := NewSpace(c, SpaceConfig{NumDims: 1, GlobalSize: bigstencil.Ix(4, 4)})
	assert.True(t, errors.Is(errors.Invalid, err))
	s, err := NewSpace(c, SpaceConfig{NumDims: 1, GlobalSize: bigstencil.Ix(4)})
	assert.NoError(t, err)
	assert.True(t, s.IsRoot())
	assert.True(t, errors.Is(errors.NotExist, s.Swap(3)))
	assert.True(t, errors.Is(errors.NotExist, s.InvalidateReuse(InvalidGrid)))
}
