// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package partition

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigstencil"
)

// A ShapeFunc derives a Cartesian process shape for nprocs processes
// over ndims dimensions. The product of the returned shape's first
// ndims coordinates must equal nprocs.
type ShapeFunc func(nprocs, ndims int) (bigstencil.Index, error)

// MostSquare is the default ShapeFunc. It factors nprocs into ndims
// factors that are as close to each other as possible, largest
// first: 12 processes in two dimensions are shaped (4, 3); 2
// processes in three dimensions are shaped (2, 1, 1).
func MostSquare(nprocs, ndims int) (bigstencil.Index, error) {
	var shape bigstencil.Index
	if err := checkShapeArgs(nprocs, ndims); err != nil {
		return shape, err
	}
	for i := 0; i < ndims; i++ {
		shape[i] = 1
	}
	factors := primeFactors(nprocs)
	for i := len(factors) - 1; i >= 0; i-- {
		smallest := 0
		for j := 1; j < ndims; j++ {
			if shape[j] < shape[smallest] {
				smallest = j
			}
		}
		shape[smallest] *= factors[i]
	}
	sort.Sort(sort.Reverse(sort.IntSlice(shape[:ndims])))
	return shape, nil
}

// Fixed returns a ShapeFunc that always returns the provided shape.
// The ShapeFunc fails if the shape does not match the process count
// or dimensionality it is asked for.
func Fixed(shape ...int) ShapeFunc {
	return func(nprocs, ndims int) (bigstencil.Index, error) {
		var s bigstencil.Index
		if err := checkShapeArgs(nprocs, ndims); err != nil {
			return s, err
		}
		if len(shape) != ndims {
			return s, errors.E(errors.Invalid,
				fmt.Sprintf("partition.Fixed: shape %v has %d dimensions, want %d", shape, len(shape), ndims))
		}
		n := 1
		for i, f := range shape {
			if f < 1 {
				return s, errors.E(errors.Invalid, fmt.Sprintf("partition.Fixed: invalid shape %v", shape))
			}
			s[i] = f
			n *= f
		}
		if n != nprocs {
			return s, errors.E(errors.Invalid,
				fmt.Sprintf("partition.Fixed: shape %v holds %d processes, have %d", shape, n, nprocs))
		}
		return s, nil
	}
}

// ParseShape parses a shape of the form "2x2x1". The empty string
// yields MostSquare.
func ParseShape(s string) (ShapeFunc, error) {
	if s == "" {
		return MostSquare, nil
	}
	parts := strings.Split(s, "x")
	shape := make([]int, len(parts))
	for i, part := range parts {
		var err error
		shape[i], err = strconv.Atoi(part)
		if err != nil {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("partition.ParseShape: invalid shape %q", s), err)
		}
	}
	return Fixed(shape...), nil
}

func checkShapeArgs(nprocs, ndims int) error {
	if nprocs < 1 {
		return errors.E(errors.Invalid, fmt.Sprintf("partition: invalid process count %d", nprocs))
	}
	if ndims < 1 || ndims > bigstencil.MaxDims {
		return errors.E(errors.Invalid, fmt.Sprintf("partition: unsupported dimensionality %d", ndims))
	}
	return nil
}

// primeFactors returns the prime factors of n in ascending order.
func primeFactors(n int) []int {
	var factors []int
	for p := 2; p*p <= n; p++ {
		for n%p == 0 {
			factors = append(factors, p)
			n /= p
		}
	}
	if n > 1 {
		factors = append(factors, n)
	}
	return factors
}

// A Topology is a Cartesian arrangement of processes. Ranks map to
// coordinates with dimension 0 varying fastest. Every process computes
// the same Topology; only Rank and Coord differ.
type Topology struct {
	// NumDims is the dimensionality of the process grid, which is
	// also the dimensionality of the grids it holds.
	NumDims int
	// Shape is the number of processes along each dimension.
	Shape bigstencil.Index
	// Rank and Coord identify the local process.
	Rank  int
	Coord bigstencil.Index

	coords []bigstencil.Index
}

// NewTopology returns the topology of nprocs processes over ndims
// dimensions, as seen by the process with the provided rank.
func NewTopology(nprocs, rank, ndims int, shapeFunc ShapeFunc) (*Topology, error) {
	if shapeFunc == nil {
		shapeFunc = MostSquare
	}
	shape, err := shapeFunc(nprocs, ndims)
	if err != nil {
		return nil, err
	}
	if rank < 0 || rank >= nprocs {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("partition: rank %d out of range [0, %d)", rank, nprocs))
	}
	t := &Topology{NumDims: ndims, Shape: shape, Rank: rank}
	t.coords = make([]bigstencil.Index, nprocs)
	for r := range t.coords {
		rem := r
		for i := 0; i < ndims; i++ {
			t.coords[r][i] = rem % shape[i]
			rem /= shape[i]
		}
	}
	t.Coord = t.coords[rank]
	return t, nil
}

// Size returns the number of processes in the topology.
func (t *Topology) Size() int {
	return len(t.coords)
}

// RankToCoord returns the coordinate of the process with the provided rank.
func (t *Topology) RankToCoord(rank int) bigstencil.Index {
	return t.coords[rank]
}

// CoordToRank returns the rank of the process at coordinate c.
func (t *Topology) CoordToRank(c bigstencil.Index) int {
	return bigstencil.Offset(t.NumDims, c, t.Shape)
}

// Shift returns the coordinate step positions away from c along
// dimension dim. If periodic is false and the shifted coordinate
// falls outside the topology, Shift returns false.
func (t *Topology) Shift(c bigstencil.Index, dim, step int, periodic bool) (bigstencil.Index, bool) {
	n := t.Shape[dim]
	x := c[dim] + step
	if x < 0 || x >= n {
		if !periodic {
			return c, false
		}
		x = ((x % n) + n) % n
	}
	c[dim] = x
	return c, true
}

// Neighbor returns the rank of the local process's neighbor step
// positions away along dimension dim.
func (t *Topology) Neighbor(dim, step int, periodic bool) (int, bool) {
	c, ok := t.Shift(t.Coord, dim, step, periodic)
	if !ok {
		return -1, false
	}
	return t.CoordToRank(c), true
}

// IsRoot tells whether the local process is rank 0.
func (t *Topology) IsRoot() bool {
	return t.Rank == 0
}
