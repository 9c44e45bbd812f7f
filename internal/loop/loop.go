// Copyright 2024 The Syncengine Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package loop implements the single-goroutine command executor an engine
// instance pins all memdag/perdag access to (spec §5 "Single-threaded
// cooperative event loop per... instance"; SPEC_FULL.md §5 "Executor
// mapping"). Every memdag access (mutate, view, push, pull, persist,
// refresh) is a closure submitted to the Loop, so the ordering guarantees
// spec §5 requires (at most one writer, persist/pull mutual exclusion) fall
// out of Submit's serialization rather than needing separate locks.
// Background loops started with Go (heartbeat, client GC, client-group GC,
// mutation recovery) run on their own goroutines and touch only the
// perdag, which serializes its own writes. Grounded on vsync/sync.go's shutdown pattern (a
// close-channel plus a WaitGroup covering two fixed background threads),
// generalized here to an arbitrary number of background loops joined by
// golang.org/x/sync/errgroup.
package loop

import (
	"context"

	"golang.org/x/sync/errgroup"
)

type job struct {
	fn   func(ctx context.Context) error
	done chan error
}

// Loop drains submitted jobs one at a time on a single goroutine and
// supervises a set of background loops sharing one cancellation context
// (spec §5 "close() aborts an AbortController; every background task
// receives the signal").
type Loop struct {
	jobs   chan job
	cancel context.CancelFunc
	group  *errgroup.Group
	gctx   context.Context
}

// New starts a Loop's executor goroutine. parent, if nil, defaults to
// context.Background().
func New(parent context.Context) *Loop {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	group, gctx := errgroup.WithContext(ctx)
	l := &Loop{
		jobs:   make(chan job),
		cancel: cancel,
		group:  group,
		gctx:   gctx,
	}
	group.Go(l.run)
	return l
}

func (l *Loop) run() error {
	for {
		select {
		case <-l.gctx.Done():
			return l.gctx.Err()
		case j := <-l.jobs:
			j.done <- j.fn(l.gctx)
		}
	}
}

// Submit enqueues fn on the executor goroutine and blocks until it has run,
// returning fn's own error. It returns the loop's context error instead if
// the loop is closed before fn starts or finishes (spec §5: "In-flight
// network calls are not canceled but their results are discarded" — a
// caller blocked in Submit during shutdown gets a context error rather than
// fn's unfinished result).
func (l *Loop) Submit(fn func(ctx context.Context) error) error {
	done := make(chan error, 1)
	select {
	case l.jobs <- job{fn: fn, done: done}:
	case <-l.gctx.Done():
		return l.gctx.Err()
	}
	select {
	case err := <-done:
		return err
	case <-l.gctx.Done():
		return l.gctx.Err()
	}
}

// Context is the cancellation signal background loops (heartbeat, client
// GC, client-group GC, mutation recovery) must select on to notice
// shutdown (SPEC_FULL.md §5 "a context.Context shared by all background
// loops").
func (l *Loop) Context() context.Context {
	return l.gctx
}

// Go starts f as a background loop under this Loop's shared context and
// errgroup: if f returns a non-nil, non-cancellation error, every other
// background loop and the executor goroutine observe Context() cancel too,
// matching an unexpected background failure taking the whole instance
// offline rather than silently wedging one loop.
func (l *Loop) Go(f func(ctx context.Context) error) {
	l.group.Go(func() error { return f(l.gctx) })
}

// Close cancels every background loop and the executor goroutine and waits
// for them to exit. A plain cancellation is not reported as a failure; any
// other error a background loop returned is.
func (l *Loop) Close() error {
	l.cancel()
	if err := l.group.Wait(); err != nil && err != context.Canceled {
		return err
	}
	return nil
}
