// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package comm

import (
	"context"
	"sync"

	"github.com/grailbio/bigstencil/ctxsync"
)

type mailKey struct {
	src int
	tag Tag
}

// A Mailbox queues the messages delivered to one process until they
// are received.
type Mailbox struct {
	mu     sync.Mutex
	cond   *ctxsync.Cond
	queues map[mailKey][][]byte
}

// NewMailbox returns an empty mailbox.
func NewMailbox() *Mailbox {
	m := &Mailbox{queues: make(map[mailKey][][]byte)}
	m.cond = ctxsync.NewCond(&m.mu)
	return m
}

// Put queues a message from src. The mailbox takes ownership of data.
func (m *Mailbox) Put(src int, tag Tag, data []byte) {
	m.mu.Lock()
	k := mailKey{src, tag}
	m.queues[k] = append(m.queues[k], data)
	m.cond.Broadcast()
	m.mu.Unlock()
}

// Get dequeues the next message from src with the provided tag.
func (m *Mailbox) Get(ctx context.Context, src int, tag Tag) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := mailKey{src, tag}
	if err := m.cond.WaitFor(ctx, func() bool { return len(m.queues[k]) > 0 }); err != nil {
		return nil, err
	}
	return m.pop(k), nil
}

// GetAny dequeues the next message with the provided tag from the
// lowest-ranked source that has one.
func (m *Mailbox) GetAny(ctx context.Context, tag Tag) (int, []byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	src := -1
	err := m.cond.WaitFor(ctx, func() bool {
		for k, q := range m.queues {
			if k.tag == tag && len(q) > 0 && (src < 0 || k.src < src) {
				src = k.src
			}
		}
		return src >= 0
	})
	if err != nil {
		return -1, nil, err
	}
	return src, m.pop(mailKey{src, tag}), nil
}

// Len returns the number of queued messages.
func (m *Mailbox) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int
	for _, q := range m.queues {
		n += len(q)
	}
	return n
}

func (m *Mailbox) pop(k mailKey) []byte {
	q := m.queues[k]
	data := q[0]
	if len(q) == 1 {
		delete(m.queues, k)
	} else {
		q[0] = nil
		m.queues[k] = q[1:]
	}
	return data
}
