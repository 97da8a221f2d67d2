// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package comm

import "context"

// Allreduce combines one value from every process and returns the
// result on all of them. Values travel up a binary tree rooted at
// rank 0, where rank r's children are 2r+1 and 2r+2, and the result
// is broadcast back down the same tree. Every process must call
// Allreduce with the same tag and an associative combine function.
func Allreduce(ctx context.Context, c Comm, tag Tag, value []byte, combine func(a, b []byte) ([]byte, error)) ([]byte, error) {
	var (
		rank     = c.Rank()
		children = treeChildren(rank, c.Size())
		acc      = value
	)
	for _, child := range children {
		data, err := c.Recv(ctx, child, tag)
		if err != nil {
			return nil, err
		}
		if acc, err = combine(acc, data); err != nil {
			return nil, err
		}
	}
	if rank != 0 {
		parent := (rank - 1) / 2
		if err := c.Send(ctx, parent, tag, acc); err != nil {
			return nil, err
		}
		var err error
		if acc, err = c.Recv(ctx, parent, tag); err != nil {
			return nil, err
		}
	}
	for _, child := range children {
		if err := c.Send(ctx, child, tag, acc); err != nil {
			return nil, err
		}
	}
	return acc, nil
}

// Barrier returns once every process has entered it.
func Barrier(ctx context.Context, c Comm, tag Tag) error {
	tag.Kind = KindBarrier
	_, err := Allreduce(ctx, c, tag, nil, func(a, _ []byte) ([]byte, error) { return a, nil })
	return err
}

func treeChildren(rank, size int) []int {
	var children []int
	for _, child := range []int{2*rank + 1, 2*rank + 2} {
		if child < size {
			children = append(children, child)
		}
	}
	return children
}
