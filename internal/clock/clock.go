// Copyright 2024 The Syncengine Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package clock supplies the engine's time source as an interface rather
// than a bare call to time.Now, so mutation timestamps (spec §3, §6) and
// heartbeat/GC scheduling (spec §4.8) can be driven by a fake clock in
// tests. Grounded on the teacher's services/syncbase/clock package, which
// makes the same distinction between a real system clock and a
// substitutable one for drift detection; the drift-detection feature itself
// is a teacher idiom with no SPEC_FULL.md operation behind it, so only the
// Now() seam is built.
package clock

import "time"

// Clock is the engine's injectable time source.
type Clock interface {
	// Now returns the current wall-clock time.
	Now() time.Time
}

// System is the default Clock, backed by the real wall clock.
type System struct{}

// Now implements Clock.
func (System) Now() time.Time { return time.Now() }

// UnixMillis returns t as milliseconds since the Unix epoch, the unit used
// by ClientGroup/Client heartbeat timestamps (spec §3).
func UnixMillis(t time.Time) int64 {
	return t.UnixNano() / int64(time.Millisecond)
}
