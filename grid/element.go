// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package grid

import (
	"encoding/binary"
	"math"

	"github.com/grailbio/bigstencil"
)

// Element is the set of Go types that correspond to the numeric
// element types.
type Element interface {
	float32 | float64 | int32 | int64
}

// TypeOf returns the element type of T.
func TypeOf[T Element]() bigstencil.Type {
	var v T
	switch any(v).(type) {
	case float32:
		return bigstencil.Float32
	case float64:
		return bigstencil.Float64
	case int32:
		return bigstencil.Int32
	case int64:
		return bigstencil.Int64
	}
	return bigstencil.Invalid
}

// Load decodes an element from b, which is little-endian.
func Load[T Element](b []byte) T {
	var v T
	switch p := any(&v).(type) {
	case *float32:
		*p = math.Float32frombits(binary.LittleEndian.Uint32(b))
	case *float64:
		*p = math.Float64frombits(binary.LittleEndian.Uint64(b))
	case *int32:
		*p = int32(binary.LittleEndian.Uint32(b))
	case *int64:
		*p = int64(binary.LittleEndian.Uint64(b))
	}
	return v
}

// Store encodes v into b.
func Store[T Element](b []byte, v T) {
	switch v := any(v).(type) {
	case float32:
		binary.LittleEndian.PutUint32(b, math.Float32bits(v))
	case float64:
		binary.LittleEndian.PutUint64(b, math.Float64bits(v))
	case int32:
		binary.LittleEndian.PutUint32(b, uint32(v))
	case int64:
		binary.LittleEndian.PutUint64(b, uint64(v))
	}
}

// Encode returns the encoding of vals.
func Encode[T Element](vals []T) []byte {
	size := TypeOf[T]().Size()
	b := make([]byte, len(vals)*size)
	for i, v := range vals {
		Store(b[i*size:], v)
	}
	return b
}

// Decode returns the elements encoded in b.
func Decode[T Element](b []byte) []T {
	size := TypeOf[T]().Size()
	vals := make([]T, len(b)/size)
	for i := range vals {
		vals[i] = Load[T](b[i*size:])
	}
	return vals
}
