// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"fmt"
	"net/http"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/bigstencil/comm"
	"github.com/grailbio/bigstencil/stats"
	"golang.org/x/sync/errgroup"
)

// localExecutor runs every process of a run in its own goroutine,
// communicating through in-memory mailboxes.
type localExecutor struct {
	sess *Session
}

func newLocalExecutor() *localExecutor {
	return &localExecutor{}
}

func (*localExecutor) Name() string { return "local" }

func (l *localExecutor) Start(sess *Session) (shutdown func()) {
	l.sess = sess
	return func() {}
}

func (l *localExecutor) Run(ctx context.Context, req runRequest) ([]stats.Values, error) {
	comms := comm.Local(req.Procs)
	vals := make([]stats.Values, req.Procs)
	g, ctx := errgroup.WithContext(ctx)
	for rank := range comms {
		rank := rank
		g.Go(func() error {
			r := req
			r.Rank = rank
			var err error
			vals[rank], err = runRank(ctx, comms[rank], r)
			if err != nil {
				log.Debug.Printf("run %s: rank %d: %v", req.ID, rank, err)
				return errors.E(fmt.Sprintf("rank %d", rank), err)
			}
			return nil
		})
	}
	return vals, g.Wait()
}

func (*localExecutor) HandleDebug(*http.ServeMux) {}
