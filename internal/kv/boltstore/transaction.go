// Copyright 2024 The Syncengine Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package boltstore

import (
	bolt "go.etcd.io/bbolt"

	"github.com/kvreplica/syncengine/internal/kv"
)

// transaction is a read-write bbolt transaction, buffered until Commit per
// kv.Transaction's contract.
type transaction struct {
	tx     *bolt.Tx
	bucket *bolt.Bucket
	err    error
	done   bool
}

var _ kv.Transaction = (*transaction)(nil)

func (t *transaction) Get(key []byte) ([]byte, error) {
	if t.done {
		return nil, &closedError{"aborted transaction"}
	}
	if t.err != nil {
		return nil, t.err
	}
	v := t.bucket.Get(key)
	if v == nil {
		return nil, &kv.ErrNotFound{Key: append([]byte(nil), key...)}
	}
	return kv.CopyBytes(nil, v), nil
}

func (t *transaction) Scan(start, limit []byte) kv.Stream {
	if t.done {
		return &errStream{&closedError{"aborted transaction"}}
	}
	if t.err != nil {
		return &errStream{t.err}
	}
	return newStream(nil, t.bucket, start, limit, false)
}

func (t *transaction) Put(key, value []byte) error {
	if t.done {
		return &closedError{"aborted transaction"}
	}
	if t.err != nil {
		return t.err
	}
	return t.bucket.Put(key, value)
}

func (t *transaction) Delete(key []byte) error {
	if t.done {
		return &closedError{"aborted transaction"}
	}
	if t.err != nil {
		return t.err
	}
	return t.bucket.Delete(key)
}

func (t *transaction) Commit() error {
	if t.done {
		return &closedError{"aborted transaction"}
	}
	t.done = true
	if t.err != nil {
		return t.err
	}
	return t.tx.Commit()
}

func (t *transaction) Abort() error {
	if t.done {
		return nil
	}
	t.done = true
	if t.tx == nil {
		return nil
	}
	return t.tx.Rollback()
}
