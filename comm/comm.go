// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package comm provides the tagged point-to-point messaging used
// between the processes of a bigstencil run, asynchronous request
// handles, and the collectives built on them.
//
// Messages between a pair of processes with the same tag are
// delivered in the order they were sent. Delivery is assumed to be
// reliable: a transport error is fatal to the run.
package comm

import (
	"context"
	"fmt"

	"github.com/grailbio/bigstencil/stats"
)

// Kind is the kind of traffic carried by a message stream.
type Kind uint8

const (
	// KindHalo carries boundary slabs.
	KindHalo Kind = iota + 1
	// KindFetch carries subgrid fetch requests, replies and
	// completion notices.
	KindFetch
	// KindReduce carries reduction partials.
	KindReduce
	// KindGather carries copy-out pieces.
	KindGather
	// KindBarrier carries barrier tokens.
	KindBarrier
)

func (k Kind) String() string {
	switch k {
	case KindHalo:
		return "halo"
	case KindFetch:
		return "fetch"
	case KindReduce:
		return "reduce"
	case KindGather:
		return "gather"
	case KindBarrier:
		return "barrier"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// A Tag identifies a message stream. Receivers match messages by
// source and tag.
type Tag struct {
	Kind Kind
	// Grid is the grid the stream belongs to, if any.
	Grid int
	// Seq distinguishes streams of the same kind and grid, for
	// example the dimension and direction of a halo.
	Seq int
}

func (t Tag) String() string {
	return fmt.Sprintf("%s/%d/%d", t.Kind, t.Grid, t.Seq)
}

// Comm is a communicator among the processes of a run. Processes are
// identified by rank, from 0 to Size()-1.
type Comm interface {
	// Rank returns the rank of the local process.
	Rank() int
	// Size returns the number of processes.
	Size() int
	// Send delivers data to process dst. Send does not retain data
	// after it returns. A process may send to itself.
	Send(ctx context.Context, dst int, tag Tag, data []byte) error
	// Recv returns the next message from src with the provided tag,
	// blocking until one arrives or the context is done.
	Recv(ctx context.Context, src int, tag Tag) ([]byte, error)
	// RecvAny returns the next message with the provided tag from
	// any source. When several are pending, the lowest source rank
	// is returned first.
	RecvAny(ctx context.Context, tag Tag) (src int, data []byte, err error)
	// Stats returns the communicator's traffic counters.
	Stats() *stats.Map
}
