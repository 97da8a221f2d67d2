// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/grailbio/base/log"
	"github.com/grailbio/bigstencil"
	"github.com/grailbio/bigstencil/exec"
)

// reduceProgram fills a grid with 1+x0+x1+x2 and checks every
// reduction operator against its closed form.
var reduceProgram = exec.Func("reduce", func(ctx context.Context, s *exec.Space, args []string) error {
	size := s.Partition().GlobalSize
	g, err := s.Create(bigstencil.Int64, 0, 3, size, false, bigstencil.Index{}, 0)
	if err != nil {
		return err
	}
	local := s.LocalDomain(bigstencil.Box(3, bigstencil.Index{}, size))
	err = local.Each(func(x bigstencil.Index) error {
		return exec.SetAs(s, g, x, int64(1+x[0]+x[1]+x[2]))
	})
	if err != nil {
		return err
	}
	var sum int64
	bigstencil.Each(3, size, func(x bigstencil.Index, _ int) {
		sum += int64(1 + x[0] + x[1] + x[2])
	})
	want := map[bigstencil.ReduceOp]int64{
		bigstencil.Sum: sum,
		bigstencil.Max: int64(1 + size[0] + size[1] + size[2] - 3),
		bigstencil.Min: 1,
	}
	for _, op := range []bigstencil.ReduceOp{bigstencil.Sum, bigstencil.Max, bigstencil.Min} {
		got, n, err := exec.ReduceAs[int64](ctx, s, op, g)
		if err != nil {
			return err
		}
		if n != size.Volume(3) {
			return fmt.Errorf("%s: reduced %d elements, want %d", op, n, size.Volume(3))
		}
		if got != want[op] {
			return fmt.Errorf("%s: got %d, want %d", op, got, want[op])
		}
		if s.IsRoot() {
			log.Printf("reduce: %s = %d", op, got)
		}
	}
	return s.Free(g)
})

func reduce(sess *exec.Session, args []string) error {
	var (
		flags = flag.NewFlagSet("reduce", flag.ExitOnError)
		n     = flags.Int("n", 64, "grid size along each dimension")
	)
	flags.Usage = func() {
		fmt.Fprintln(os.Stderr, `usage: stencil reduce [-n N]`)
		flags.PrintDefaults()
		os.Exit(2)
	}
	if err := flags.Parse(args); err != nil {
		log.Fatal(err)
	}
	if *n <= 0 {
		return errors.New("n must be positive")
	}
	ctx := context.Background()
	if _, err := sess.Run(ctx, reduceProgram, []int{*n, *n, *n}); err != nil {
		return err
	}
	fmt.Println("ok")
	return nil
}
