// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package grid

import (
	"fmt"
	"math"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigstencil"
	"gonum.org/v1/gonum/floats"
)

// Identity returns the encoded identity element of op for type t:
// zero for Sum, one for Product, the smallest value of t for Max and
// the largest for Min. The extreme float values are the infinities.
func Identity(t bigstencil.Type, op bigstencil.ReduceOp) ([]byte, error) {
	switch t {
	case bigstencil.Float32:
		return encodeIdentity[float32](op, float32(math.Inf(-1)), float32(math.Inf(1)))
	case bigstencil.Float64:
		return encodeIdentity[float64](op, math.Inf(-1), math.Inf(1))
	case bigstencil.Int32:
		return encodeIdentity[int32](op, math.MinInt32, math.MaxInt32)
	case bigstencil.Int64:
		return encodeIdentity[int64](op, math.MinInt64, math.MaxInt64)
	}
	return nil, errors.E(errors.Invalid, fmt.Sprintf("grid: type %s cannot be reduced", t))
}

func encodeIdentity[T Element](op bigstencil.ReduceOp, lowest, highest T) ([]byte, error) {
	v, err := identity(op, lowest, highest)
	if err != nil {
		return nil, err
	}
	return Encode([]T{v}), nil
}

func identity[T Element](op bigstencil.ReduceOp, lowest, highest T) (T, error) {
	switch op {
	case bigstencil.Sum:
		return 0, nil
	case bigstencil.Product:
		return 1, nil
	case bigstencil.Max:
		return lowest, nil
	case bigstencil.Min:
		return highest, nil
	}
	return 0, errors.E(errors.Invalid, fmt.Sprintf("grid: unknown reduction operator %s", op))
}

// Reduce reduces the locally owned elements of the read buffer with
// op. It returns the encoded result and the number of elements
// reduced. A process that owns no elements returns the identity.
func (g *Grid) Reduce(op bigstencil.ReduceOp) ([]byte, int, error) {
	acc, err := Identity(g.Type, op)
	if err != nil {
		return nil, 0, err
	}
	if g.Empty() {
		return acc, 0, nil
	}
	switch g.Type {
	case bigstencil.Float64:
		acc, err = reduceFloat64(op, Decode[float64](g.p0))
	case bigstencil.Float32:
		acc, err = reduceSlice(op, Load[float32](acc), Decode[float32](g.p0))
	case bigstencil.Int32:
		acc, err = reduceSlice(op, Load[int32](acc), Decode[int32](g.p0))
	case bigstencil.Int64:
		acc, err = reduceSlice(op, Load[int64](acc), Decode[int64](g.p0))
	}
	return acc, g.Len(), err
}

func reduceFloat64(op bigstencil.ReduceOp, vals []float64) ([]byte, error) {
	var v float64
	switch op {
	case bigstencil.Sum:
		v = floats.Sum(vals)
	case bigstencil.Product:
		v = floats.Prod(vals)
	case bigstencil.Max:
		v = floats.Max(vals)
	case bigstencil.Min:
		v = floats.Min(vals)
	default:
		return nil, errors.E(errors.Invalid, fmt.Sprintf("grid: unknown reduction operator %s", op))
	}
	return Encode([]float64{v}), nil
}

func reduceSlice[T Element](op bigstencil.ReduceOp, acc T, vals []T) ([]byte, error) {
	switch op {
	case bigstencil.Sum:
		for _, v := range vals {
			acc += v
		}
	case bigstencil.Product:
		for _, v := range vals {
			acc *= v
		}
	case bigstencil.Max:
		for _, v := range vals {
			if v > acc {
				acc = v
			}
		}
	case bigstencil.Min:
		for _, v := range vals {
			if v < acc {
				acc = v
			}
		}
	default:
		return nil, errors.E(errors.Invalid, fmt.Sprintf("grid: unknown reduction operator %s", op))
	}
	return Encode([]T{acc}), nil
}

// Combine reduces two encoded partial results of type t.
func Combine(t bigstencil.Type, op bigstencil.ReduceOp, a, b []byte) ([]byte, error) {
	switch t {
	case bigstencil.Float32:
		return reduceSlice(op, Load[float32](a), []float32{Load[float32](b)})
	case bigstencil.Float64:
		return reduceSlice(op, Load[float64](a), []float64{Load[float64](b)})
	case bigstencil.Int32:
		return reduceSlice(op, Load[int32](a), []int32{Load[int32](b)})
	case bigstencil.Int64:
		return reduceSlice(op, Load[int64](a), []int64{Load[int64](b)})
	}
	return nil, errors.E(errors.Invalid, fmt.Sprintf("grid: type %s cannot be reduced", t))
}
