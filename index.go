// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bigstencil

import (
	"fmt"
	"strings"
)

// MaxDims is the largest supported grid dimensionality.
const MaxDims = 3

// An Index is a point, offset, or extent in up to MaxDims dimensions.
// Coordinates beyond a grid's dimensionality are zero.
type Index [MaxDims]int

// Ix returns the index with the provided coordinates. Ix panics if
// more than MaxDims coordinates are provided.
func Ix(coords ...int) Index {
	if len(coords) > MaxDims {
		panic(fmt.Sprintf("bigstencil.Ix: %d coordinates, max %d", len(coords), MaxDims))
	}
	var x Index
	copy(x[:], coords)
	return x
}

// Add returns x+y.
func (x Index) Add(y Index) Index {
	for i := range x {
		x[i] += y[i]
	}
	return x
}

// Sub returns x-y.
func (x Index) Sub(y Index) Index {
	for i := range x {
		x[i] -= y[i]
	}
	return x
}

// Volume returns the number of points in an extent x of n dimensions.
func (x Index) Volume(n int) int {
	v := 1
	for i := 0; i < n; i++ {
		v *= x[i]
	}
	return v
}

// Dims returns the first n coordinates of x.
func (x Index) Dims(n int) []int {
	return append([]int(nil), x[:n]...)
}

// Format returns a string representation of the first n coordinates.
func (x Index) Format(n int) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = fmt.Sprint(x[i])
	}
	return "(" + strings.Join(parts, ", ") + ")"
}

func (x Index) String() string {
	return x.Format(MaxDims)
}

// Offset returns the linear offset of point x in a buffer with the
// provided extent. Dimension 0 varies fastest.
func Offset(n int, x, extent Index) int {
	off := 0
	for i := n - 1; i >= 0; i-- {
		off = off*extent[i] + x[i]
	}
	return off
}

// Each calls fn for every point in [0, extent) in buffer order
// (dimension 0 fastest), together with the point's linear offset.
func Each(n int, extent Index, fn func(x Index, off int)) {
	total := extent.Volume(n)
	if total <= 0 {
		return
	}
	var x Index
	for off := 0; off < total; off++ {
		fn(x, off)
		for i := 0; i < n; i++ {
			x[i]++
			if x[i] < extent[i] {
				break
			}
			x[i] = 0
		}
	}
}
