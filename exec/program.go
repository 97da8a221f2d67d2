// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"fmt"
	"runtime"
	"sort"
	"sync"

	"github.com/grailbio/base/log"
)

// A ProgramFunc is the body of an SPMD program. It is run once on
// every process of a session run, each with its own Space. Programs
// must make the same sequence of collective calls on every process.
type ProgramFunc func(ctx context.Context, s *Space, args []string) error

// A Program is a named ProgramFunc, registered with Func.
type Program struct {
	name     string
	location string
	fn       ProgramFunc
}

// Name returns the program's name.
func (p *Program) Name() string { return p.name }

var (
	programsMu sync.Mutex
	programs   = make(map[string]*Program)
)

// Func registers and returns a program. Workers look programs up by
// name, so Func must be called the same way in every copy of the
// binary; calling it during package initialization guarantees this.
// Func panics if the name is already taken.
func Func(name string, fn ProgramFunc) *Program {
	p := &Program{name: name, location: "<unknown>", fn: fn}
	if _, file, line, ok := runtime.Caller(1); ok {
		p.location = fmt.Sprintf("%s:%d", file, line)
	}
	programsMu.Lock()
	defer programsMu.Unlock()
	if other, ok := programs[name]; ok {
		log.Panicf("exec.Func: program %s at %s already registered at %s", name, p.location, other.location)
	}
	programs[name] = p
	return p
}

func lookupProgram(name string) (*Program, bool) {
	programsMu.Lock()
	defer programsMu.Unlock()
	p, ok := programs[name]
	return p, ok
}

// Programs returns the names of the registered programs, in
// lexicographic order.
func Programs() []string {
	programsMu.Lock()
	defer programsMu.Unlock()
	names := make([]string, 0, len(programs))
	for name := range programs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
