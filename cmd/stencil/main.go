// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Stencil is a binary used to exercise bigstencil programs on a
// configured session, locally or on a bigmachine cluster.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/grailbio/base/log"
	"github.com/grailbio/base/must"
	"github.com/grailbio/bigstencil/stencilconfig"
)

func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, `usage: stencil [-wait] [-console-status] [-http addr] command args...

Command stencil runs bigstencil programs over the processes of a
configured session.

Available commands are:

	heat
		Explicit heat diffusion over a bounded 2D plate.
	reduce
		Fill a 3D grid and check its reductions.
	transpose
		Transpose a 2D grid through remote subgrid loads.
`)
		flag.PrintDefaults()
		os.Exit(2)
	}

	var (
		wait    = flag.Bool("wait", false, "don't exit after completion")
		console = flag.Bool("console-status", false, "print run status to stdout")
		addr    = flag.String("http", "", "address of the diagnostic web server")
	)
	sess := stencilconfig.Parse()
	stencilconfig.DisplayStatus(sess, *console, *addr)

	if flag.NArg() == 0 {
		flag.Usage()
	}

	cmd, args := flag.Arg(0), flag.Args()[1:]
	var err error
	switch cmd {
	default:
		fmt.Fprintf(os.Stderr, "unknown command %s\n", cmd)
		flag.Usage()
	case "heat":
		err = heat(sess, args)
	case "reduce":
		err = reduce(sess, args)
	case "transpose":
		err = transpose(sess, args)
	}
	sess.Shutdown()
	if *wait {
		if err != nil {
			log.Printf("finished with error %v: waiting", err)
		} else {
			log.Print("done: waiting")
		}
		<-make(chan struct{})
	}
	must.Nil(err, cmd)
}
