// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package comm

import (
	"context"
	"fmt"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigstencil/stats"
)

// Local returns n communicators that deliver messages in memory.
// They are used to run all ranks of a program as goroutines of a
// single binary.
func Local(n int) []Comm {
	boxes := make([]*Mailbox, n)
	for i := range boxes {
		boxes[i] = NewMailbox()
	}
	comms := make([]Comm, n)
	for i := range comms {
		comms[i] = &local{rank: i, boxes: boxes, stats: stats.NewMap()}
	}
	return comms
}

type local struct {
	rank  int
	boxes []*Mailbox
	stats *stats.Map
}

func (c *local) Rank() int { return c.rank }

func (c *local) Size() int { return len(c.boxes) }

func (c *local) Stats() *stats.Map { return c.stats }

func (c *local) Send(ctx context.Context, dst int, tag Tag, data []byte) error {
	if dst < 0 || dst >= len(c.boxes) {
		return errors.E(errors.Invalid, fmt.Sprintf("comm: send to rank %d of %d", dst, len(c.boxes)))
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	c.boxes[dst].Put(c.rank, tag, append([]byte(nil), data...))
	CountSend(c.stats, len(data))
	return nil
}

func (c *local) Recv(ctx context.Context, src int, tag Tag) ([]byte, error) {
	if src < 0 || src >= len(c.boxes) {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("comm: receive from rank %d of %d", src, len(c.boxes)))
	}
	data, err := c.boxes[c.rank].Get(ctx, src, tag)
	if err == nil {
		CountRecv(c.stats, len(data))
	}
	return data, err
}

func (c *local) RecvAny(ctx context.Context, tag Tag) (int, []byte, error) {
	src, data, err := c.boxes[c.rank].GetAny(ctx, tag)
	if err == nil {
		CountRecv(c.stats, len(data))
	}
	return src, data, err
}

// CountSend records a sent message of n bytes in m.
func CountSend(m *stats.Map, n int) {
	m.Int("send.msgs").Add(1)
	m.Int("send.bytes").Add(int64(n))
}

// CountRecv records a received message of n bytes in m.
func CountRecv(m *stats.Map, n int) {
	m.Int("recv.msgs").Add(1)
	m.Int("recv.bytes").Add(int64(n))
}
