// Copyright 2024 The Syncengine Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package boltstore

import (
	bolt "go.etcd.io/bbolt"

	"github.com/kvreplica/syncengine/internal/kv"
)

// snapshot is a read-only bbolt transaction kept open until Close.
type snapshot struct {
	tx     *bolt.Tx
	bucket *bolt.Bucket
	err    error
	closed bool
}

var _ kv.Snapshot = (*snapshot)(nil)

func (s *snapshot) Get(key []byte) ([]byte, error) {
	if s.closed {
		return nil, &closedError{"snapshot"}
	}
	if s.err != nil {
		return nil, s.err
	}
	v := s.bucket.Get(key)
	if v == nil {
		return nil, &kv.ErrNotFound{Key: append([]byte(nil), key...)}
	}
	return kv.CopyBytes(nil, v), nil
}

func (s *snapshot) Scan(start, limit []byte) kv.Stream {
	if s.closed {
		return &errStream{&closedError{"snapshot"}}
	}
	if s.err != nil {
		return &errStream{s.err}
	}
	return newStream(nil, s.bucket, start, limit, false)
}

func (s *snapshot) Close() error {
	if s.closed {
		return &closedError{"snapshot"}
	}
	s.closed = true
	if s.tx == nil {
		return s.err
	}
	return s.tx.Rollback()
}
