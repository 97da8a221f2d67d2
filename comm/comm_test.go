// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package comm

import (
	"context"
	"encoding/binary"
	"fmt"
	"testing"
	"time"

	"github.com/grailbio/testutil/assert"
	"golang.org/x/sync/errgroup"
)

var testTag = Tag{Kind: KindHalo, Grid: 1, Seq: 2}

func TestMailboxOrder(t *testing.T) {
	ctx := context.Background()
	comms := Local(3)
	for i := 0; i < 10; i++ {
		assert.NoError(t, comms[1].Send(ctx, 0, testTag, []byte{byte(i)}))
	}
	assert.NoError(t, comms[2].Send(ctx, 0, testTag, []byte{100}))
	for i := 0; i < 10; i++ {
		data, err := comms[0].Recv(ctx, 1, testTag)
		assert.NoError(t, err)
		if got, want := data[0], byte(i); got != want {
			t.Errorf("got %v, want %v", got, want)
		}
	}
	data, err := comms[0].Recv(ctx, 2, testTag)
	assert.NoError(t, err)
	if got, want := data[0], byte(100); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := comms[1].Stats().Int("send.msgs").Get(), int64(10); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestSendCopies(t *testing.T) {
	ctx := context.Background()
	comms := Local(1)
	buf := []byte{1, 2, 3}
	assert.NoError(t, comms[0].Send(ctx, 0, testTag, buf))
	buf[0] = 9
	data, err := comms[0].Recv(ctx, 0, testTag)
	assert.NoError(t, err)
	if got, want := data[0], byte(1); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestRecvAny(t *testing.T) {
	ctx := context.Background()
	comms := Local(4)
	other := testTag
	other.Seq++
	assert.NoError(t, comms[3].Send(ctx, 0, testTag, []byte("three")))
	assert.NoError(t, comms[1].Send(ctx, 0, other, []byte("other")))
	assert.NoError(t, comms[2].Send(ctx, 0, testTag, []byte("two")))
	for _, want := range []int{2, 3} {
		src, _, err := comms[0].RecvAny(ctx, testTag)
		assert.NoError(t, err)
		if got := src; got != want {
			t.Errorf("got %v, want %v", got, want)
		}
	}
	src, data, err := comms[0].RecvAny(ctx, other)
	assert.NoError(t, err)
	if src != 1 || string(data) != "other" {
		t.Errorf("got %v %q", src, data)
	}
}

func TestRecvCanceled(t *testing.T) {
	comms := Local(2)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := comms[0].Recv(ctx, 1, testTag); err != context.DeadlineExceeded {
		t.Errorf("got %v, want %v", err, context.DeadlineExceeded)
	}
	if err := comms[0].Send(context.Background(), 2, testTag, nil); err == nil {
		t.Error("expected error")
	}
}

func TestRequests(t *testing.T) {
	ctx := context.Background()
	comms := Local(2)
	var got []byte
	recv := Irecv(ctx, comms[0], 1, testTag, func(data []byte) error {
		got = data
		return nil
	})
	var called bool
	recv.OnDone(func(err error) { called = err == nil })
	if recv.Done() {
		t.Fatal("request done before send")
	}
	send := Isend(ctx, comms[1], 0, testTag, []byte("halo"))
	assert.NoError(t, WaitAll(ctx, []*Request{recv, send}))
	if string(got) != "halo" {
		t.Errorf("got %q, want %q", got, "halo")
	}
	if !called {
		t.Error("completion callback not called")
	}
	failed := Go(func() error { return fmt.Errorf("failed") })
	if err := WaitAll(ctx, []*Request{send, failed}); err == nil || err.Error() != "failed" {
		t.Errorf("got %v, want failed", err)
	}
}

func TestAllreduce(t *testing.T) {
	sum := func(a, b []byte) ([]byte, error) {
		out := make([]byte, 8)
		binary.LittleEndian.PutUint64(out, binary.LittleEndian.Uint64(a)+binary.LittleEndian.Uint64(b))
		return out, nil
	}
	for n := 1; n <= 9; n++ {
		comms := Local(n)
		results := make([]uint64, n)
		g, ctx := errgroup.WithContext(context.Background())
		for i := range comms {
			i := i
			g.Go(func() error {
				value := make([]byte, 8)
				binary.LittleEndian.PutUint64(value, uint64(i+1))
				out, err := Allreduce(ctx, comms[i], Tag{Kind: KindReduce}, value, sum)
				if err != nil {
					return err
				}
				results[i] = binary.LittleEndian.Uint64(out)
				return Barrier(ctx, comms[i], Tag{})
			})
		}
		assert.NoError(t, g.Wait())
		for i, got := range results {
			if want := uint64(n * (n + 1) / 2); got != want {
				t.Errorf("n=%d rank %d: got %v, want %v", n, i, got, want)
			}
		}
	}
}
