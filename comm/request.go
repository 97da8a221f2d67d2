// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package comm

import (
	"context"
	"sync"
)

// A Request is the handle of an operation running in the background.
// Buffers handed to the operation must not be touched until the
// request completes.
type Request struct {
	done chan struct{}
	err  error

	mu      sync.Mutex
	onDone  []func(error)
	settled bool
}

// Go runs fn in the background and returns its request.
func Go(fn func() error) *Request {
	r := &Request{done: make(chan struct{})}
	go func() {
		err := fn()
		r.mu.Lock()
		r.err = err
		r.settled = true
		callbacks := r.onDone
		r.onDone = nil
		r.mu.Unlock()
		for _, f := range callbacks {
			f(err)
		}
		close(r.done)
	}()
	return r
}

// Isend sends data to dst in the background.
func Isend(ctx context.Context, c Comm, dst int, tag Tag, data []byte) *Request {
	return Go(func() error {
		return c.Send(ctx, dst, tag, data)
	})
}

// Irecv receives the next message from src in the background and
// passes it to install.
func Irecv(ctx context.Context, c Comm, src int, tag Tag, install func([]byte) error) *Request {
	return Go(func() error {
		data, err := c.Recv(ctx, src, tag)
		if err != nil {
			return err
		}
		return install(data)
	})
}

// OnDone registers f to be called with the request's error once it
// completes, before Wait returns. If the request already completed, f
// is called immediately.
func (r *Request) OnDone(f func(error)) {
	r.mu.Lock()
	if !r.settled {
		r.onDone = append(r.onDone, f)
		r.mu.Unlock()
		return
	}
	err := r.err
	r.mu.Unlock()
	f(err)
}

// Done tells whether the request has completed.
func (r *Request) Done() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

// Wait blocks until the request completes and returns its error. If
// the context is done first, Wait returns the context's error; the
// request continues in the background.
func (r *Request) Wait(ctx context.Context) error {
	select {
	case <-r.done:
		return r.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WaitAll waits for every request and returns the first error
// encountered.
func WaitAll(ctx context.Context, reqs []*Request) error {
	var first error
	for _, r := range reqs {
		if err := r.Wait(ctx); err != nil && first == nil {
			first = err
		}
	}
	return first
}
