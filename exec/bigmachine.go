// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"encoding/gob"
	"fmt"
	"net/http"
	"sync"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/status"
	"github.com/grailbio/bigmachine"
	"github.com/grailbio/bigstencil/comm"
	"github.com/grailbio/bigstencil/stats"
	"golang.org/x/sync/errgroup"
)

func init() {
	gob.Register(&rankService{})
}

// bigmachineExecutor runs each process of a run on its own bigmachine
// machine. Machines are started on the first run and kept for the
// session; process i of every run is placed on machine i.
type bigmachineExecutor struct {
	system bigmachine.System
	params []bigmachine.Param

	sess *Session
	b    *bigmachine.B

	status *status.Group

	start    onceTask
	machines []*bigmachine.Machine
}

func newBigmachineExecutor(system bigmachine.System, params ...bigmachine.Param) *bigmachineExecutor {
	return &bigmachineExecutor{system: system, params: params}
}

func (*bigmachineExecutor) Name() string { return "bigmachine" }

// Start starts the bigmachine. Machines are started lazily.
func (b *bigmachineExecutor) Start(sess *Session) (shutdown func()) {
	b.sess = sess
	b.b = bigmachine.Start(b.system)
	if status := sess.Status(); status != nil {
		b.status = status.Group("bigmachine")
	}
	return b.b.Shutdown
}

func (b *bigmachineExecutor) HandleDebug(handler *http.ServeMux) {
	b.b.HandleDebug(handler)
}

// startMachines starts n machines running the rank service and waits
// for all of them to boot. Runs need every process, so any failure
// fails the whole start.
func (b *bigmachineExecutor) startMachines(ctx context.Context, n int) error {
	params := append([]bigmachine.Param{bigmachine.Services{"Rank": &rankService{}}}, b.params...)
	machines, err := b.b.Start(ctx, n, params...)
	if err != nil {
		return errors.E("starting machines", err)
	}
	g, ctx := errgroup.WithContext(ctx)
	for i := range machines {
		m := machines[i]
		task := b.status.Start()
		task.Print("waiting for machine to boot")
		g.Go(func() error {
			select {
			case <-m.Wait(bigmachine.Running):
			case <-ctx.Done():
				task.Done()
				return ctx.Err()
			}
			if err := m.Err(); err != nil {
				log.Printf("machine %s failed to start: %v", m.Addr, err)
				task.Printf("failed to start: %v", err)
				task.Done()
				return errors.E(errors.Remote, fmt.Sprintf("machine %s", m.Addr), err)
			}
			task.Title(m.Addr)
			task.Print("running")
			log.Printf("machine %v is ready", m.Addr)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		for _, m := range machines {
			m.Cancel()
		}
		return err
	}
	b.machines = machines
	return nil
}

func (b *bigmachineExecutor) Run(ctx context.Context, req runRequest) ([]stats.Values, error) {
	if err := b.start.Do(func() error { return b.startMachines(b.sess.Context, req.Procs) }); err != nil {
		return nil, err
	}
	if got, want := len(b.machines), req.Procs; got != want {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("run needs %d machines, session has %d", want, got))
	}
	req.Addrs = make([]string, len(b.machines))
	for i, m := range b.machines {
		req.Addrs[i] = m.Addr
	}
	vals := make([]stats.Values, len(b.machines))
	g, ctx := errgroup.WithContext(ctx)
	for rank, m := range b.machines {
		rank, m := rank, m
		g.Go(func() error {
			r := req
			r.Rank = rank
			var reply runReply
			if err := m.Call(ctx, "Rank.Run", r, &reply); err != nil {
				return errors.E(fmt.Sprintf("rank %d (%s)", rank, m.Addr), err)
			}
			vals[rank] = reply.Stats
			return nil
		})
	}
	return vals, g.Wait()
}

// rankService is the bigmachine service that runs one process of each
// run and receives the messages other processes send to it.
type rankService struct {
	// Exported just satisfies gob's persnickety nature: we need at least
	// one exported field.
	Exported struct{}

	b *bigmachine.B

	mu        sync.Mutex
	mailboxes map[string]*comm.Mailbox
	// finished holds the runs that have returned on this machine.
	// Messages for them are dropped.
	finished map[string]bool

	dials    onceMap
	machines sync.Map
}

func (w *rankService) Init(b *bigmachine.B) error {
	w.b = b
	w.mailboxes = make(map[string]*comm.Mailbox)
	w.finished = make(map[string]bool)
	return nil
}

// mailbox returns the mailbox of a run, creating it if needed:
// messages may arrive before the run starts locally. It returns nil
// once the run has finished.
func (w *rankService) mailbox(run string) *comm.Mailbox {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.finished[run] {
		return nil
	}
	m := w.mailboxes[run]
	if m == nil {
		m = comm.NewMailbox()
		w.mailboxes[run] = m
	}
	return m
}

func (w *rankService) forget(run string) {
	w.mu.Lock()
	delete(w.mailboxes, run)
	w.finished[run] = true
	w.mu.Unlock()
}

// dial returns the machine at addr, dialing it once.
func (w *rankService) dial(ctx context.Context, addr string) (*bigmachine.Machine, error) {
	err := w.dials.Do(addr, func() error {
		m, err := w.b.Dial(ctx, addr)
		if err != nil {
			return err
		}
		w.machines.Store(addr, m)
		return nil
	})
	if err != nil {
		w.dials.Forget(addr)
		return nil, errors.E(errors.Net, fmt.Sprintf("dial %s", addr), err)
	}
	m, _ := w.machines.Load(addr)
	return m.(*bigmachine.Machine), nil
}

// envelope carries one message between processes.
type envelope struct {
	Run  string
	Src  int
	Tag  comm.Tag
	Data []byte
}

// Deliver queues a message for the process of a run on this machine.
func (w *rankService) Deliver(ctx context.Context, env envelope, _ *struct{}) error {
	m := w.mailbox(env.Run)
	if m == nil {
		log.Debug.Printf("run %s: dropping %s from rank %d: run finished", env.Run, env.Tag, env.Src)
		return nil
	}
	m.Put(env.Src, env.Tag, env.Data)
	return nil
}

type runReply struct {
	Stats stats.Values
}

// Run runs the process described by req.
func (w *rankService) Run(ctx context.Context, req runRequest, reply *runReply) error {
	box := w.mailbox(req.ID)
	if box == nil {
		return errors.E(errors.Invalid, fmt.Sprintf("run %s already finished on this machine", req.ID))
	}
	defer w.forget(req.ID)
	c := &machineComm{
		w:     w,
		run:   req.ID,
		rank:  req.Rank,
		addrs: req.Addrs,
		box:   box,
		stats: stats.NewMap(),
	}
	vals, err := runRank(ctx, c, req)
	reply.Stats = vals
	if err != nil {
		log.Printf("run %s: rank %d error: %v", req.ID, req.Rank, err)
	}
	return err
}

// machineComm is the communicator of a process running on a machine.
// Sends are delivered by calling the destination's rank service;
// each send returns once the message is queued there, so messages
// from one sender arrive in order.
type machineComm struct {
	w     *rankService
	run   string
	rank  int
	addrs []string
	box   *comm.Mailbox
	stats *stats.Map
}

func (c *machineComm) Rank() int { return c.rank }

func (c *machineComm) Size() int { return len(c.addrs) }

func (c *machineComm) Stats() *stats.Map { return c.stats }

func (c *machineComm) Send(ctx context.Context, dst int, tag comm.Tag, data []byte) error {
	if dst < 0 || dst >= len(c.addrs) {
		return errors.E(errors.Invalid, fmt.Sprintf("send to rank %d of %d", dst, len(c.addrs)))
	}
	comm.CountSend(c.stats, len(data))
	if dst == c.rank {
		c.box.Put(c.rank, tag, append([]byte(nil), data...))
		return nil
	}
	m, err := c.w.dial(ctx, c.addrs[dst])
	if err != nil {
		return err
	}
	env := envelope{Run: c.run, Src: c.rank, Tag: tag, Data: data}
	if err := m.Call(ctx, "Rank.Deliver", env, nil); err != nil {
		return errors.E(errors.Net, fmt.Sprintf("deliver %s to rank %d", tag, dst), err)
	}
	return nil
}

func (c *machineComm) Recv(ctx context.Context, src int, tag comm.Tag) ([]byte, error) {
	data, err := c.box.Get(ctx, src, tag)
	if err == nil {
		comm.CountRecv(c.stats, len(data))
	}
	return data, err
}

func (c *machineComm) RecvAny(ctx context.Context, tag comm.Tag) (int, []byte, error) {
	src, data, err := c.box.GetAny(ctx, tag)
	if err == nil {
		comm.CountRecv(c.stats, len(data))
	}
	return src, data, err
}
