// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/grailbio/base/log"
	"github.com/grailbio/bigstencil"
	"github.com/grailbio/bigstencil/exec"
	"github.com/grailbio/bigstencil/grid"
)

// transposeProgram writes the transpose of a grid into another,
// loading the remote part of the source through subgrid fetches, and
// checks the assembled result.
var transposeProgram = exec.Func("transpose", func(ctx context.Context, s *exec.Space, args []string) error {
	size := s.Partition().GlobalSize
	if size[0] != size[1] {
		return fmt.Errorf("transpose: grid %s is not square", size.Format(2))
	}
	src, err := s.Create(bigstencil.Int32, 0, 2, size, false, bigstencil.Index{}, 0)
	if err != nil {
		return err
	}
	dst, err := s.Create(bigstencil.Int32, 0, 2, size, false, bigstencil.Index{}, 0)
	if err != nil {
		return err
	}
	whole := bigstencil.Box(2, bigstencil.Index{}, size)
	err = s.LocalDomain(whole).Each(func(x bigstencil.Index) error {
		return exec.SetAs(s, src, x, int32(bigstencil.Offset(2, x, size)))
	})
	if err != nil {
		return err
	}
	swap := []exec.Access{{Dim: 1}, {Dim: 0}}
	st := &exec.Stencil{
		Name:     "transpose",
		Domain:   whole,
		Subgrids: []exec.SubgridLoad{{Grid: src, Lower: swap, Upper: swap}},
		Emits:    []exec.GridID{dst},
		Kernel: func(x bigstencil.Index) error {
			v, err := exec.GetAs[int32](s, src, bigstencil.Ix(x[1], x[0]))
			if err != nil {
				return err
			}
			return exec.EmitAs(s, dst, x, v)
		},
	}
	if err := s.Run(ctx, 1, st); err != nil {
		return err
	}
	host := make([]byte, 4*size.Volume(2))
	if err := s.Copyout(ctx, dst, host); err != nil {
		return err
	}
	vals := grid.Decode[int32](host)
	var bad int
	bigstencil.Each(2, size, func(x bigstencil.Index, off int) {
		if want := int32(bigstencil.Offset(2, bigstencil.Ix(x[1], x[0]), size)); vals[off] != want {
			bad++
		}
	})
	if bad > 0 {
		return fmt.Errorf("transpose: %d elements differ", bad)
	}
	return nil
})

func transpose(sess *exec.Session, args []string) error {
	var (
		flags = flag.NewFlagSet("transpose", flag.ExitOnError)
		n     = flags.Int("n", 256, "grid size along each dimension")
	)
	flags.Usage = func() {
		fmt.Fprintln(os.Stderr, `usage: stencil transpose [-n N]`)
		flags.PrintDefaults()
		os.Exit(2)
	}
	if err := flags.Parse(args); err != nil {
		log.Fatal(err)
	}
	ctx := context.Background()
	res, err := sess.Run(ctx, transposeProgram, []int{*n, *n})
	if err != nil {
		return err
	}
	fmt.Printf("transpose: %s: %s\n", res.Duration, res.Total())
	return nil
}
