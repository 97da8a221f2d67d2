// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bigstencil

import "fmt"

// Type is the element type of a grid.
type Type int

const (
	// Invalid is the zero Type.
	Invalid Type = iota
	Float32
	Float64
	Int32
	Int64
	// Opaque elements are fixed-size byte strings. They can be
	// copied, exchanged and fetched, but not reduced.
	Opaque
)

// Size returns the size in bytes of an element of type t, or 0 if
// the size is not determined by the type.
func (t Type) Size() int {
	switch t {
	case Float32, Int32:
		return 4
	case Float64, Int64:
		return 8
	default:
		return 0
	}
}

func (t Type) String() string {
	switch t {
	case Invalid:
		return "invalid"
	case Float32:
		return "float32"
	case Float64:
		return "float64"
	case Int32:
		return "int32"
	case Int64:
		return "int64"
	case Opaque:
		return "opaque"
	default:
		return fmt.Sprintf("Type(%d)", int(t))
	}
}

// ReduceOp is an associative reduction operator.
type ReduceOp int

const (
	Sum ReduceOp = iota + 1
	Product
	Max
	Min
)

func (op ReduceOp) String() string {
	switch op {
	case Sum:
		return "sum"
	case Product:
		return "product"
	case Max:
		return "max"
	case Min:
		return "min"
	default:
		return fmt.Sprintf("ReduceOp(%d)", int(op))
	}
}

// Attr holds grid attribute bits. The runtime carries them with the
// grid but does not interpret them.
type Attr uint32
