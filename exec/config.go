// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"github.com/grailbio/base/config"
	"github.com/grailbio/base/status"
	"github.com/grailbio/bigmachine"
	"github.com/grailbio/bigstencil/partition"
)

func init() {
	config.Register("bigstencil", func(inst *config.Constructor) {
		sess := newSession()
		inst.IntVar(&sess.procs, "procs", 1, "number of processes of each run")
		var system bigmachine.System
		inst.InstanceVar(&system, "system", "", "the bigmachine system used for job execution")
		var shape string
		inst.StringVar(&shape, "shape", "", "process shape, e.g. 4x2; most square if empty")
		var maxGridBytes int
		inst.IntVar(&maxGridBytes, "max-grid-bytes", 0, "per-process limit on each grid's buffers; unlimited if 0")
		var withStatus bool
		inst.BoolVar(&withStatus, "status", false, "track the status of runs")
		inst.Doc = "bigstencil configures the bigstencil runtime"
		inst.New = func() (interface{}, error) {
			if shape != "" {
				var err error
				if sess.shape, err = partition.ParseShape(shape); err != nil {
					return nil, err
				}
			}
			sess.maxGridBytes = int64(maxGridBytes)
			if withStatus {
				Status(new(status.Status))(sess)
			}
			if system != nil {
				sess.executor = newBigmachineExecutor(system)
			} else {
				sess.executor = newLocalExecutor()
			}
			sess.start()
			return sess, nil
		}
	})
}
