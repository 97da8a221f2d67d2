// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bigstencil

import (
	"fmt"
	"strings"

	"github.com/grailbio/base/errors"
)

// A Domain is an axis-aligned range of indices. The range along
// dimension i is [Min[i], Max[i]).
type Domain struct {
	NumDims  int
	Min, Max Index
}

// NewDomain returns a domain built from (min, max) pairs, one per
// dimension. Every max must be at least its min.
func NewDomain(bounds ...int) (Domain, error) {
	if len(bounds)%2 != 0 {
		return Domain{}, errors.E(errors.Invalid, "bigstencil.NewDomain: odd number of bounds")
	}
	n := len(bounds) / 2
	if n < 1 || n > MaxDims {
		return Domain{}, errors.E(errors.Invalid, fmt.Sprintf("bigstencil.NewDomain: unsupported dimensionality %d", n))
	}
	d := Domain{NumDims: n}
	for i := 0; i < n; i++ {
		d.Min[i], d.Max[i] = bounds[2*i], bounds[2*i+1]
		if d.Max[i] < d.Min[i] {
			return Domain{}, errors.E(errors.Invalid,
				fmt.Sprintf("bigstencil.NewDomain: dimension %d: max %d < min %d", i, d.Max[i], d.Min[i]))
		}
	}
	return d, nil
}

// Domain1D returns the one-dimensional domain [min0, max0).
func Domain1D(min0, max0 int) Domain {
	return mustDomain(min0, max0)
}

// Domain2D returns a two-dimensional domain.
func Domain2D(min0, max0, min1, max1 int) Domain {
	return mustDomain(min0, max0, min1, max1)
}

// Domain3D returns a three-dimensional domain.
func Domain3D(min0, max0, min1, max1, min2, max2 int) Domain {
	return mustDomain(min0, max0, min1, max1, min2, max2)
}

func mustDomain(bounds ...int) Domain {
	d, err := NewDomain(bounds...)
	if err != nil {
		panic(err)
	}
	return d
}

// Box returns the domain [offset, offset+size) of n dimensions.
func Box(n int, offset, size Index) Domain {
	d := Domain{NumDims: n}
	for i := 0; i < n; i++ {
		d.Min[i] = offset[i]
		d.Max[i] = offset[i] + size[i]
	}
	return d
}

// Size returns the extent of the domain.
func (d Domain) Size() Index {
	var s Index
	for i := 0; i < d.NumDims; i++ {
		s[i] = d.Max[i] - d.Min[i]
	}
	return s
}

// Empty tells whether the domain contains no points.
func (d Domain) Empty() bool {
	for i := 0; i < d.NumDims; i++ {
		if d.Max[i] <= d.Min[i] {
			return true
		}
	}
	return false
}

// Contains tells whether x is in the domain.
func (d Domain) Contains(x Index) bool {
	for i := 0; i < d.NumDims; i++ {
		if x[i] < d.Min[i] || x[i] >= d.Max[i] {
			return false
		}
	}
	return true
}

// Intersect returns the intersection of d and e. The result may be
// empty, in which case its extent is zero in at least one dimension.
func (d Domain) Intersect(e Domain) Domain {
	r := Domain{NumDims: d.NumDims}
	for i := 0; i < d.NumDims; i++ {
		r.Min[i], r.Max[i] = max(d.Min[i], e.Min[i]), min(d.Max[i], e.Max[i])
		if r.Max[i] < r.Min[i] {
			r.Max[i] = r.Min[i]
		}
	}
	return r
}

// Each calls fn for every point in the domain, dimension 0 fastest.
// Iteration stops at the first error, which is returned.
func (d Domain) Each(fn func(x Index) error) error {
	if d.Empty() {
		return nil
	}
	var err error
	Each(d.NumDims, d.Size(), func(x Index, _ int) {
		if err != nil {
			return
		}
		err = fn(x.Add(d.Min))
	})
	return err
}

func (d Domain) String() string {
	parts := make([]string, d.NumDims)
	for i := range parts {
		parts[i] = fmt.Sprintf("%d:%d", d.Min[i], d.Max[i])
	}
	return "[" + strings.Join(parts, ", ") + "]"
}
