// Copyright 2024 The Syncengine Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package loop

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestSubmitRunsOnExecutorGoroutineAndSerializes(t *testing.T) {
	l := New(nil)
	defer l.Close()

	var active int32
	var maxActive int32
	for i := 0; i < 10; i++ {
		if err := l.Submit(func(ctx context.Context) error {
			n := atomic.AddInt32(&active, 1)
			if n > atomic.LoadInt32(&maxActive) {
				atomic.StoreInt32(&maxActive, n)
			}
			atomic.AddInt32(&active, -1)
			return nil
		}); err != nil {
			t.Fatalf("Submit: %v", err)
		}
	}
	if maxActive != 1 {
		t.Fatalf("max concurrent jobs = %d, want 1 (Submit must serialize)", maxActive)
	}
}

func TestSubmitPropagatesJobError(t *testing.T) {
	l := New(nil)
	defer l.Close()

	want := errors.New("boom")
	err := l.Submit(func(ctx context.Context) error { return want })
	if err != want {
		t.Fatalf("Submit error = %v, want %v", err, want)
	}
}

func TestCloseCancelsBackgroundLoops(t *testing.T) {
	l := New(nil)

	started := make(chan struct{})
	stopped := make(chan struct{})
	l.Go(func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		close(stopped)
		return ctx.Err()
	})

	<-started
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("background loop did not observe Close within 1s")
	}
}

func TestSubmitAfterCloseReturnsContextError(t *testing.T) {
	l := New(nil)
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	err := l.Submit(func(ctx context.Context) error { return nil })
	if err == nil {
		t.Fatal("Submit after Close: want an error, got nil")
	}
}
