// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"

	"github.com/grailbio/base/log"
	"github.com/grailbio/bigstencil"
	"github.com/grailbio/bigstencil/exec"
)

// heatProgram diffuses a hot spot in the middle of a plate whose
// edges are held at zero. args are the iteration count and the
// diffusion coefficient.
var heatProgram = exec.Func("heat", func(ctx context.Context, s *exec.Space, args []string) error {
	iters, err := strconv.Atoi(args[0])
	if err != nil {
		return err
	}
	alpha, err := strconv.ParseFloat(args[1], 64)
	if err != nil {
		return err
	}
	size := s.Partition().GlobalSize
	t, err := s.Create(bigstencil.Float64, 0, 2, size, true, bigstencil.Index{}, 0)
	if err != nil {
		return err
	}
	if err := exec.SetAs(s, t, bigstencil.Ix(size[0]/2, size[1]/2), 1000.0); err != nil {
		return err
	}
	axes := []bigstencil.Index{
		bigstencil.Ix(-1, 0), bigstencil.Ix(1, 0),
		bigstencil.Ix(0, -1), bigstencil.Ix(0, 1),
	}
	st := &exec.Stencil{
		Name:   "heat",
		Domain: bigstencil.Domain2D(1, size[0]-1, 1, size[1]-1),
		Neighbors: []exec.NeighborLoad{{
			Grid:      t,
			OffsetMin: bigstencil.Ix(-1, -1),
			OffsetMax: bigstencil.Ix(1, 1),
			Reuse:     true,
		}},
		Emits:   []exec.GridID{t},
		Overlap: true,
		Kernel: func(x bigstencil.Index) error {
			c, err := exec.GetAs[float64](s, t, x)
			if err != nil {
				return err
			}
			var lap float64
			for _, d := range axes {
				v, err := exec.GetAs[float64](s, t, x.Add(d))
				if err != nil {
					return err
				}
				lap += v - c
			}
			return exec.EmitAs(s, t, x, c+alpha*lap)
		},
	}
	if err := s.Run(ctx, iters, st); err != nil {
		return err
	}
	total, _, err := exec.ReduceAs[float64](ctx, s, bigstencil.Sum, t)
	if err != nil {
		return err
	}
	peak, _, err := exec.ReduceAs[float64](ctx, s, bigstencil.Max, t)
	if err != nil {
		return err
	}
	if s.IsRoot() {
		log.Printf("heat: after %d iterations: total %.6g, peak %.6g", iters, total, peak)
	}
	return nil
})

func heat(sess *exec.Session, args []string) error {
	var (
		flags = flag.NewFlagSet("heat", flag.ExitOnError)
		n     = flags.Int("n", 512, "plate size along each dimension")
		iters = flags.Int("iters", 100, "number of iterations")
		alpha = flags.Float64("alpha", 0.2, "diffusion coefficient; stable below 0.25")
	)
	flags.Usage = func() {
		fmt.Fprintln(os.Stderr, `usage: stencil heat [-n N] [-iters N] [-alpha A]`)
		flags.PrintDefaults()
		os.Exit(2)
	}
	if err := flags.Parse(args); err != nil {
		log.Fatal(err)
	}
	ctx := context.Background()
	res, err := sess.Run(ctx, heatProgram, []int{*n, *n},
		strconv.Itoa(*iters), strconv.FormatFloat(*alpha, 'g', -1, 64))
	if err != nil {
		return err
	}
	fmt.Printf("heat: %s: %s\n", res.Duration, res.Total())
	return nil
}
