// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package stats

import "testing"

func TestStats(t *testing.T) {
	coll := NewMap()
	var (
		msgs  = coll.Int("send.msgs")
		bytes = coll.Int("send.bytes")
	)
	msgs.Add(1)
	bytes.Add(64)
	before := coll.Snapshot()
	msgs.Add(2)
	bytes.Add(128)
	after := coll.Snapshot()
	delta := after.Delta(before)
	if got, want := delta["send.msgs"], int64(2); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := delta["send.bytes"], int64(128); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	total := make(Values)
	total.Merge(before)
	total.Merge(after)
	if got, want := total.String(), "send.bytes:256 send.msgs:4"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	var nilInt *Int
	nilInt.Add(1)
	if got, want := nilInt.Get(), int64(0); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}
