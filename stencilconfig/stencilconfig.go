// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package stencilconfig creates a bigstencil session from a shared
// configuration. It uses the configuration mechanism in package
// github.com/grailbio/base/config, and reads a default profile from
// $HOME/.bigstencil/config.
package stencilconfig

import (
	"flag"
	"net/http"
	// Pprof is included to be exposed on the diagnostic web server.
	_ "net/http/pprof"
	"os"

	"github.com/grailbio/base/config"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/must"
	"github.com/grailbio/base/status"

	// Used to provide ec2system.System bigmachines.
	_ "github.com/grailbio/bigmachine/ec2system"
	"github.com/grailbio/bigstencil/exec"
)

// Path determines the location of the bigstencil profile read by
// Parse.
var Path = os.ExpandEnv("$HOME/.bigstencil/config")

// Parse registers configuration flags, calls flag.Parse, and returns
// the session configured by the profile at Path and any flags
// provided. Parse panics if session creation fails.
func Parse() *exec.Session {
	config.RegisterFlags("", Path)
	flag.Parse()
	must.Nil(config.ProcessFlags())
	var sess *exec.Session
	config.Must("bigstencil", &sess)
	return sess
}

// DisplayStatus arranges for the session's run status to be printed
// to the console if console is set, and served on httpAddr at
// /debug/status if it is non-empty. The web server uses
// http.DefaultServeMux, which also carries the pprof handlers and the
// executor's debug handlers. DisplayStatus does nothing for sessions
// that do not track status; see the "status" parameter of the
// bigstencil profile.
func DisplayStatus(sess *exec.Session, console bool, httpAddr string) {
	if sess.Status() == nil {
		return
	}
	if console {
		var reporter status.Reporter
		go reporter.Go(os.Stdout, sess.Status())
	}
	if httpAddr != "" {
		sess.HandleDebug(http.DefaultServeMux)
		http.Handle("/debug/status", status.Handler(sess.Status()))
		go func() {
			log.Printf("HTTP status at: %v", httpAddr)
			if err := http.ListenAndServe(httpAddr, nil); err != nil {
				log.Error.Printf("failed to start HTTP at %v: %v", httpAddr, err)
			}
		}()
	}
}
