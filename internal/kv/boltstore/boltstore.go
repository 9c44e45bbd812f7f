// Copyright 2024 The Syncengine Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package boltstore is the concrete kv.Store backend used by this engine,
// built on go.etcd.io/bbolt. bbolt's single-writer-multiple-reader
// transaction model and byte-ordered bucket cursors map directly onto
// kv.Store's contract (spec §2 C2), the way store/leveldb/db.go wraps
// LevelDB's C API for the teacher's equivalent abstraction.
package boltstore

import (
	"sync"

	bolt "go.etcd.io/bbolt"

	"github.com/kvreplica/syncengine/internal/kv"
)

// bucketName is the single bucket each Store keeps its keyspace in. Callers
// that need separate namespaces (perdag chunks vs. heads vs. refcounts)
// prefix their keys rather than using multiple buckets, so that a single
// Scan can still range over a whole namespace via a shared cursor order.
var bucketName = []byte("kv")

// Store is a kv.Store backed by a single bbolt database file.
type Store struct {
	db *bolt.DB
	// mu protects the closed flag in Close; bbolt itself serializes the
	// writers behind Put and Delete.
	mu     sync.Mutex
	closed bool
}

var _ kv.Store = (*Store)(nil)

// Open opens (creating if necessary) the bbolt database at path.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, err
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	}); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close implements kv.Store.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return &closedError{"store"}
	}
	s.closed = true
	return s.db.Close()
}

// Get implements kv.StoreReader.
func (s *Store) Get(key []byte) ([]byte, error) {
	var out []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketName).Get(key)
		if v == nil {
			return &kv.ErrNotFound{Key: append([]byte(nil), key...)}
		}
		out = kv.CopyBytes(nil, v)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Scan implements kv.StoreReader.
func (s *Store) Scan(start, limit []byte) kv.Stream {
	tx, err := s.db.Begin(false)
	if err != nil {
		return &errStream{err}
	}
	return newStream(tx, tx.Bucket(bucketName), start, limit, true)
}

// Put implements kv.StoreWriter.
func (s *Store) Put(key, value []byte) error {
	return kv.RunInTransaction(s, func(tx kv.StoreReadWriter) error {
		return tx.Put(key, value)
	})
}

// Delete implements kv.StoreWriter.
func (s *Store) Delete(key []byte) error {
	return kv.RunInTransaction(s, func(tx kv.StoreReadWriter) error {
		return tx.Delete(key)
	})
}

// NewSnapshot implements kv.Store.
func (s *Store) NewSnapshot() kv.Snapshot {
	tx, err := s.db.Begin(false)
	if err != nil {
		return &snapshot{err: err}
	}
	return &snapshot{tx: tx, bucket: tx.Bucket(bucketName)}
}

// NewTransaction implements kv.Store.
func (s *Store) NewTransaction() kv.Transaction {
	tx, err := s.db.Begin(true)
	if err != nil {
		return &transaction{err: err}
	}
	return &transaction{tx: tx, bucket: tx.Bucket(bucketName)}
}

type closedError struct{ what string }

func (e *closedError) Error() string { return "boltstore: closed " + e.what }
