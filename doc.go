// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

/*
	Package bigstencil implements a distributed grid runtime for stencil
	computations. A logical grid of up to three dimensions is split into
	boxes, one per process of a Cartesian process topology, and a fixed
	set of processes run the same program (SPMD) over their own boxes.

	The runtime keeps every process's view of the decomposition
	consistent without a coordinator: the partition is a pure function of
	the global extent and the process count, and all cross-process data
	moves through explicit messages. Stencil programs read neighbor data
	through halo (ghost) buffers that are filled by boundary exchanges,
	read arbitrary remote regions through a collective fetch protocol,
	and combine values across processes with reductions.

	This package holds the vocabulary shared by the runtime: indices,
	domains, element types and reduction operators. The runtime itself
	lives in package github.com/grailbio/bigstencil/exec; programs are
	registered with exec.Func and run by an exec.Session, either as
	goroutines in a single binary or on bigmachine workers.

	Because programs are SPMD, every process must make the same sequence
	of collective calls (grid creation, halo loads, subgrid loads,
	reductions, copy-out) with the same arguments. A program that
	diverges deadlocks or fails with a protocol error.
*/
package bigstencil
