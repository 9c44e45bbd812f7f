// Copyright 2024 The Syncengine Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package log centralizes the engine's logging so call sites read the same
// way across every background loop, independent of which leveled logger is
// wired in underneath.
package log

import (
	"v.io/x/lib/vlog"
)

// Infof logs at the default info level.
func Infof(format string, args ...interface{}) {
	vlog.Infof(format, args...)
}

// V returns a verbosity-gated logger, mirroring vlog.VI(level).
func V(level int) vlog.Level {
	return vlog.VI(vlog.Level(level))
}

// Errorf logs an error. Background loops (heartbeat, GC, mutation recovery,
// persist, refresh) log-and-swallow per the propagation policy in §7; they
// never let a background failure escape to the caller.
func Errorf(format string, args ...interface{}) {
	vlog.Errorf(format, args...)
}

// Fatalf logs and terminates the process. Reserved for corruption that
// invalidates the engine's invariants (see errs.CorruptError).
func Fatalf(format string, args ...interface{}) {
	vlog.Fatalf(format, args...)
}
