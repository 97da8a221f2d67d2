// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package grid

import (
	"math"
	"math/rand"
	"testing"

	fuzz "github.com/google/gofuzz"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigstencil"
	"github.com/grailbio/testutil/assert"
	"github.com/grailbio/testutil/expect"
)

func fuzzGrid[T Element](t *testing.T, seed int64) (*Grid, []T) {
	t.Helper()
	var vals []T
	fz := fuzz.New().RandSource(rand.NewSource(seed)).NilChance(0).NumElements(50, 200)
	fz.Fuzz(&vals)
	typ := TypeOf[T]()
	n := len(vals)
	g, err := New(Spec{Type: typ, ElemSize: typ.Size(), NumDims: 1, Size: bigstencil.Ix(n)},
		bigstencil.Ix(0), bigstencil.Ix(n), 0)
	assert.NoError(t, err)
	assert.NoError(t, g.CopyinSubgrid(g.LocalBox(), Encode(vals)))
	return g, vals
}

func TestReduceInt64(t *testing.T) {
	g, vals := fuzzGrid[int64](t, 1)
	var (
		sum, prod int64 = 0, 1
		max, min  int64 = math.MinInt64, math.MaxInt64
	)
	for _, v := range vals {
		sum += v
		prod *= v
		if v > max {
			max = v
		}
		if v < min {
			min = v
		}
	}
	for op, want := range map[bigstencil.ReduceOp]int64{
		bigstencil.Sum:     sum,
		bigstencil.Product: prod,
		bigstencil.Max:     max,
		bigstencil.Min:     min,
	} {
		b, n, err := g.Reduce(op)
		assert.NoError(t, err)
		expect.EQ(t, n, len(vals))
		if got := Load[int64](b); got != want {
			t.Errorf("%s: got %v, want %v", op, got, want)
		}
	}
}

func TestReduceFloat64(t *testing.T) {
	g, vals := fuzzGrid[float64](t, 2)
	var sum float64
	max, min := math.Inf(-1), math.Inf(1)
	for _, v := range vals {
		sum += v
		max = math.Max(max, v)
		min = math.Min(min, v)
	}
	b, _, err := g.Reduce(bigstencil.Sum)
	assert.NoError(t, err)
	if got := Load[float64](b); math.Abs(got-sum) > 1e-9 {
		t.Errorf("got %v, want %v", got, sum)
	}
	b, _, err = g.Reduce(bigstencil.Max)
	assert.NoError(t, err)
	expect.EQ(t, Load[float64](b), max)
	b, _, err = g.Reduce(bigstencil.Min)
	assert.NoError(t, err)
	expect.EQ(t, Load[float64](b), min)
}

func TestReduceEmpty(t *testing.T) {
	g, err := New(Spec{Type: bigstencil.Float32, ElemSize: 4, NumDims: 2, Size: bigstencil.Ix(4, 4)},
		bigstencil.Ix(4, 0), bigstencil.Index{}, 0)
	assert.NoError(t, err)
	for op, want := range map[bigstencil.ReduceOp]float32{
		bigstencil.Sum:     0,
		bigstencil.Product: 1,
		bigstencil.Max:     float32(math.Inf(-1)),
		bigstencil.Min:     float32(math.Inf(1)),
	} {
		b, n, err := g.Reduce(op)
		assert.NoError(t, err)
		expect.EQ(t, n, 0)
		if got := Load[float32](b); got != want {
			t.Errorf("%s: got %v, want %v", op, got, want)
		}
	}
}

func TestCombine(t *testing.T) {
	a, b := Encode([]int32{3}), Encode([]int32{-7})
	for op, want := range map[bigstencil.ReduceOp]int32{
		bigstencil.Sum:     -4,
		bigstencil.Product: -21,
		bigstencil.Max:     3,
		bigstencil.Min:     -7,
	} {
		c, err := Combine(bigstencil.Int32, op, a, b)
		assert.NoError(t, err)
		if got := Load[int32](c); got != want {
			t.Errorf("%s: got %v, want %v", op, got, want)
		}
	}
	if _, err := Combine(bigstencil.Int32, bigstencil.ReduceOp(17), a, b); !errors.Is(errors.Invalid, err) {
		t.Errorf("expected invalid error, got %v", err)
	}
}

func TestReduceOpaque(t *testing.T) {
	g, err := New(Spec{Type: bigstencil.Opaque, ElemSize: 12, NumDims: 1, Size: bigstencil.Ix(3)},
		bigstencil.Ix(0), bigstencil.Ix(3), 0)
	assert.NoError(t, err)
	if _, _, err := g.Reduce(bigstencil.Sum); !errors.Is(errors.Invalid, err) {
		t.Errorf("expected invalid error, got %v", err)
	}
}
