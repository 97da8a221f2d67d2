// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/grailbio/base/backgroundcontext"
	"github.com/grailbio/base/diagnostic/dump"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/eventlog"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/status"
	"github.com/grailbio/bigmachine"
	"github.com/grailbio/bigstencil"
	"github.com/grailbio/bigstencil/comm"
	"github.com/grailbio/bigstencil/partition"
	"github.com/grailbio/bigstencil/stats"
)

// Session represents a bigstencil compute session. A session owns an
// executor and a fixed number of processes, and is valid for the run
// of the binary. A session can run multiple programs; each run gets
// fresh Spaces on every process.
//
// Programs must be registered with Func before Start is called, and
// in the same way in every copy of the binary:
//
//	var Heat = exec.Func("heat", func(ctx context.Context, s *exec.Space, args []string) error {
//		...
//	})
//
//	func main() {
//		sess := exec.Start(exec.Procs(4))
//		defer sess.Shutdown()
//		if _, err := sess.Run(ctx, Heat, []int{64, 64}); err != nil {
//			log.Fatal(err)
//		}
//	}
type Session struct {
	context.Context
	index        int32
	shutdown     func()
	procs        int
	shape        partition.ShapeFunc
	maxGridBytes int64
	executor     executor
	status       *status.Status
	eventer      eventlog.Eventer
}

// An executor runs the processes of a program run.
type executor interface {
	// Name returns a short name for the executor.
	Name() string
	// Start starts the executor and returns its shutdown function.
	Start(*Session) (shutdown func())
	// Run runs req on every process and returns the per-rank stats.
	Run(ctx context.Context, req runRequest) ([]stats.Values, error)
	// HandleDebug adds executor-specific debug handlers to the provided
	// mux.
	HandleDebug(handler *http.ServeMux)
}

func newSession() *Session {
	return &Session{
		Context: backgroundcontext.Get(),
		index:   atomic.AddInt32(&nextSessionIndex, 1) - 1,
		eventer: eventlog.Nop{},
	}
}

// An Option represents a session configuration parameter value.
type Option func(s *Session)

// Local configures a session with the in-binary executor, which runs
// each process in its own goroutine.
var Local Option = func(s *Session) {
	s.executor = newLocalExecutor()
}

// Bigmachine configures a session using the bigmachine executor
// configured with the provided system. Each process runs on its own
// machine. If any params are provided, they are applied to each
// machine.
func Bigmachine(system bigmachine.System, params ...bigmachine.Param) Option {
	return func(s *Session) {
		s.executor = newBigmachineExecutor(system, params...)
	}
}

// Procs configures the number of processes.
func Procs(n int) Option {
	if n <= 0 {
		panic("exec.Procs: n <= 0")
	}
	return func(s *Session) {
		s.procs = n
	}
}

// Shape configures how processes are arranged in a grid. The default
// is partition.MostSquare.
func Shape(shape partition.ShapeFunc) Option {
	return func(s *Session) {
		s.shape = shape
	}
}

// MaxGridBytes limits the bytes of each grid's core buffers on each
// process.
func MaxGridBytes(n int64) Option {
	return func(s *Session) {
		s.maxGridBytes = n
	}
}

// Status configures the session with a status object to which run
// statuses are reported.
func Status(status *status.Status) Option {
	return func(s *Session) {
		s.status = status

		name := fmt.Sprintf("bigstencil-%02d-status", s.index)
		dump.Register(name, func(ctx context.Context, w io.Writer) error {
			return status.Marshal(w)
		})
	}
}

// Eventer configures the session with an Eventer that will be used to log
// session events (for analytics).
func Eventer(e eventlog.Eventer) Option {
	return func(s *Session) {
		s.eventer = e
	}
}

// nextSessionIndex is the index of the next session that will be started by
// Start.
var nextSessionIndex int32

// Start creates and starts a new session, configuring it according
// to the provided options. If no executor is configured, the session
// uses the bigmachine executor with the local system.
func Start(options ...Option) *Session {
	s := newSession()
	for _, opt := range options {
		opt(s)
	}
	if s.executor == nil {
		s.executor = newBigmachineExecutor(bigmachine.Local)
	}
	s.start()
	return s
}

func (s *Session) start() {
	if s.procs == 0 {
		s.procs = 1
	}
	if s.shape == nil {
		s.shape = partition.MostSquare
	}
	s.shutdown = s.executor.Start(s)
	s.eventer.Event("bigstencil:sessionStart",
		"executorType", s.executor.Name(),
		"procs", s.procs,
		"maxGridBytes", s.maxGridBytes)
}

// Procs returns the number of processes of each run.
func (s *Session) Procs() int { return s.procs }

// HandleDebug registers the executor's debug handlers, if any, on
// handler.
func (s *Session) HandleDebug(handler *http.ServeMux) {
	s.executor.HandleDebug(handler)
}

// Status returns the session's status aggregator.
func (s *Session) Status() *status.Status { return s.status }

// Shutdown tears down resources associated with this session.
// It should be called when the session is discarded.
func (s *Session) Shutdown() {
	if s.shutdown != nil {
		s.shutdown()
	}
}

// A Result describes a completed run.
type Result struct {
	// ID is the unique ID of the run.
	ID string
	// Stats holds the counters of each process, by rank.
	Stats []stats.Values
	// Duration is the wall time of the run.
	Duration time.Duration
}

// Total returns the sum of all processes' counters.
func (r *Result) Total() stats.Values {
	total := make(stats.Values)
	for _, vals := range r.Stats {
		total.Merge(vals)
	}
	return total
}

// Run runs a program on every process of the session over a global
// space of the provided size, one entry per dimension. The args are
// passed to every process. Run returns when every process has
// returned, or else on the first error.
func (s *Session) Run(ctx context.Context, prog *Program, size []int, args ...string) (*Result, error) {
	ndims := len(size)
	if ndims < 1 || ndims > bigstencil.MaxDims {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("exec.Run: %d-dimensional space", ndims))
	}
	var global bigstencil.Index
	for i, n := range size {
		if n <= 0 {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("exec.Run: space size %v", size))
		}
		global[i] = n
	}
	shape, err := s.shape(s.procs, ndims)
	if err != nil {
		return nil, err
	}
	req := runRequest{
		ID:           uuid.New().String(),
		Program:      prog.name,
		Procs:        s.procs,
		NumDims:      ndims,
		GlobalSize:   global,
		Shape:        shape,
		MaxGridBytes: s.maxGridBytes,
		Args:         args,
	}
	var task *status.Task
	if s.status != nil {
		task = s.status.Groupf("run %s", prog.name).Start(fmt.Sprintf("%d processes, shape %s", s.procs, shape.Format(ndims)))
	}
	log.Printf("run %s: program %s on %d processes, space %s, shape %s",
		req.ID, prog.name, s.procs, global.Format(ndims), shape.Format(ndims))
	start := time.Now()
	vals, err := s.executor.Run(ctx, req)
	res := &Result{ID: req.ID, Stats: vals, Duration: time.Since(start)}
	s.eventer.Event("bigstencil:runComplete",
		"program", prog.name,
		"procs", s.procs,
		"duration", res.Duration.Seconds(),
		"success", err == nil)
	if task != nil {
		if err != nil {
			task.Printf("error: %v", err)
		} else {
			task.Printf("done in %s", res.Duration)
		}
		task.Done()
	}
	if err != nil {
		log.Error.Printf("run %s: %v", req.ID, err)
		return res, err
	}
	log.Printf("run %s: done in %s: %s", req.ID, res.Duration, res.Total())
	return res, nil
}

// runRequest describes a run to a process.
type runRequest struct {
	// ID is unique to the run. Messages of concurrent runs are kept
	// apart by it.
	ID      string
	Program string
	Rank    int
	Procs   int
	// Addrs holds the machine address of each rank, if the run is
	// distributed.
	Addrs        []string
	NumDims      int
	GlobalSize   bigstencil.Index
	Shape        bigstencil.Index
	MaxGridBytes int64
	Args         []string
}

// runRank runs the process of req that communicates through c.
func runRank(ctx context.Context, c comm.Comm, req runRequest) (vals stats.Values, err error) {
	prog, ok := lookupProgram(req.Program)
	if !ok {
		return nil, errors.E(errors.NotExist, fmt.Sprintf("program %s", req.Program))
	}
	space, err := NewSpace(c, SpaceConfig{
		NumDims:      req.NumDims,
		GlobalSize:   req.GlobalSize,
		Shape:        partition.Fixed(req.Shape.Dims(req.NumDims)...),
		MaxGridBytes: req.MaxGridBytes,
	})
	if err != nil {
		return nil, err
	}
	defer func() {
		if e := recover(); e != nil {
			stack := debug.Stack()
			err = fmt.Errorf("panic while running program %s: %v\n%s", req.Program, e, string(stack))
			err = errors.E(err, errors.Fatal)
		}
		vals = space.Stats()
	}()
	log.Debug.Printf("run %s: rank %d: coordinate %s, box %s", req.ID, req.Rank,
		space.Topology().Coord.Format(req.NumDims), space.Partition().Box(space.Topology().Coord))
	return nil, prog.fn(ctx, space, req.Args)
}
