// Copyright 2024 The Syncengine Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package boltstore

import (
	"bytes"

	bolt "go.etcd.io/bbolt"

	"github.com/kvreplica/syncengine/internal/kv"
)

// stream walks a bbolt cursor over [start, limit). Grounded on
// server/watchable/stream.go's Advance/Key/Value/Err/Cancel shape.
type stream struct {
	tx      *bolt.Tx // non-nil only when the stream owns its own transaction
	cur     *bolt.Cursor
	start   []byte
	limit   []byte
	started bool
	done    bool
	err     error
	key     []byte
	val     []byte
}

var _ kv.Stream = (*stream)(nil)

// newStream creates a stream over bucket in [start, limit). If ownsTx is
// true the stream closes tx itself on exhaustion or Cancel; otherwise the
// caller (a snapshot or transaction already open) owns tx's lifetime.
func newStream(tx *bolt.Tx, bucket *bolt.Bucket, start, limit []byte, ownsTx bool) *stream {
	s := &stream{cur: bucket.Cursor(), start: start, limit: limit}
	if ownsTx {
		s.tx = tx
	}
	return s
}

func (s *stream) Advance() bool {
	if s.done {
		return false
	}
	var k, v []byte
	if !s.started {
		s.started = true
		if s.start == nil {
			k, v = s.cur.First()
		} else {
			k, v = s.cur.Seek(s.start)
		}
	} else {
		k, v = s.cur.Next()
	}
	if k == nil || (s.limit != nil && bytes.Compare(k, s.limit) >= 0) {
		s.closeIfOwned()
		return false
	}
	s.key = kv.CopyBytes(nil, k)
	s.val = kv.CopyBytes(nil, v)
	return true
}

func (s *stream) Key() []byte { return s.key }
func (s *stream) Value() []byte { return s.val }

func (s *stream) Err() error { return s.err }

func (s *stream) Cancel() {
	if s.done {
		return
	}
	s.closeIfOwned()
}

func (s *stream) closeIfOwned() {
	s.done = true
	if s.tx != nil {
		s.err = firstErr(s.err, s.tx.Rollback())
		s.tx = nil
	}
}

func firstErr(a, b error) error {
	if a != nil {
		return a
	}
	return b
}

// errStream is a Stream that immediately reports err and yields nothing.
type errStream struct{ err error }

var _ kv.Stream = (*errStream)(nil)

func (e *errStream) Advance() bool   { return false }
func (e *errStream) Key() []byte     { return nil }
func (e *errStream) Value() []byte   { return nil }
func (e *errStream) Err() error      { return e.err }
func (e *errStream) Cancel()         {}
