// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"sync"
	"sync/atomic"
)

// onceTask manages a computation that must be run at most once.
// It's similar to sync.Once, except it also handles and returns errors.
type onceTask struct {
	mu   sync.Mutex
	done uint32
	err  error
}

// Do runs the function do at most once and returns its error.
func (o *onceTask) Do(do func() error) error {
	if atomic.LoadUint32(&o.done) == 1 {
		return o.err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if atomic.LoadUint32(&o.done) == 0 {
		o.err = do()
		atomic.StoreUint32(&o.done, 1)
	}
	return o.err
}

// onceMap coordinates keyed actions that must happen exactly once,
// such as dialing a peer machine.
type onceMap sync.Map

// Do invokes do at most once for each key, and returns its error.
func (t *onceMap) Do(key interface{}, do func() error) error {
	taskv, _ := (*sync.Map)(t).LoadOrStore(key, new(onceTask))
	return taskv.(*onceTask).Do(do)
}

// Forget forgets the outcome associated with key, so that the next Do
// runs again.
func (t *onceMap) Forget(key interface{}) {
	(*sync.Map)(t).Delete(key)
}
