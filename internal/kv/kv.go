// Copyright 2024 The Syncengine Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package kv defines the abstract ordered byte-key store the engine builds
// its DAG and B+Tree on (spec §2 C2, §6 "KVStore abstraction"). The engine
// never assumes a concrete backend; internal/kv/boltstore is the one
// concrete implementation in this repo, and internal/kv/kvtest is a
// conformance kit any backend can be run against, both grounded on the
// teacher's store.Store / store/test conventions.
package kv

// StoreReader is the read side of a KVStore: a point lookup and an ordered
// range scan over [start, limit).
type StoreReader interface {
	// Get returns the value for key, or a not-found error (boltstore
	// returns *ErrNotFound) if key is absent. Callers distinguish "absent"
	// with IsNotFound.
	Get(key []byte) ([]byte, error)
	// Scan returns a Stream over keys in [start, limit) in ascending
	// UTF-8 byte order. A nil limit scans to the end of the keyspace.
	Scan(start, limit []byte) Stream
}

// StoreWriter is the write side of a KVStore.
type StoreWriter interface {
	Put(key, value []byte) error
	Delete(key []byte) error
}

// StoreReadWriter composes read and write access, the view handed to a
// transaction's body.
type StoreReadWriter interface {
	StoreReader
	StoreWriter
}

// Snapshot is a consistent, read-only view as of the moment it was created.
// It must be closed when no longer needed.
type Snapshot interface {
	StoreReader
	// Close releases the snapshot's resources.
	Close() error
}

// Transaction is a read-write view that is buffered until Commit; readers
// within a transaction observe their own uncommitted writes (spec §4.4's
// requirement that WriteTx see the new local commit it is building). Commit
// fails with an optimistic-concurrency error if the transaction's read set
// was invalidated by another writer (spec §5 "clients head... optimistic
// concurrency read-modify-write").
type Transaction interface {
	StoreReadWriter
	Commit() error
	Abort() error
}

// Stream iterates over a Scan result. The zero value is not usable; obtain
// one from StoreReader.Scan. Grounded on server/watchable/stream.go's
// Advance/Key/Value/Err/Cancel shape.
type Stream interface {
	// Advance stages the next key/value pair, returning false when the
	// stream is exhausted or has errored.
	Advance() bool
	// Key returns the currently staged key. Valid only after Advance
	// returns true.
	Key() []byte
	// Value returns the currently staged value. Valid only after Advance
	// returns true.
	Value() []byte
	// Err returns the first error encountered, if any.
	Err() error
	// Cancel releases the stream's resources early.
	Cancel()
}

// Store is a full KVStore: one writer at a time (enforced internally by the
// backend, per spec §5 "at most one writer per store"), with snapshot reads
// that never block on a writer.
type Store interface {
	StoreReader
	StoreWriter
	NewSnapshot() Snapshot
	NewTransaction() Transaction
	Close() error
}

// RunInTransaction runs fn against a fresh transaction, committing on
// success and aborting on any error — including a failed Commit, since a
// failed commit leaves the transaction unusable. Grounded on
// store/util.go's RunInTransaction.
func RunInTransaction(st Store, fn func(tx StoreReadWriter) error) error {
	tx := st.NewTransaction()
	if err := fn(tx); err != nil {
		tx.Abort()
		return err
	}
	if err := tx.Commit(); err != nil {
		tx.Abort()
		return err
	}
	return nil
}

// CopyBytes copies src into dst, reusing dst's backing array when it has
// enough capacity. Grounded on store/util.go's CopyBytes (avoids an
// allocation per Stream.Value call in hot scan loops).
func CopyBytes(dst, src []byte) []byte {
	if cap(dst) < len(src) {
		dst = make([]byte, len(src))
	}
	dst = dst[:len(src)]
	copy(dst, src)
	return dst
}

// notFounder is implemented by backend-specific "no such key" errors so
// IsNotFound can recognize them without the kv package depending on any one
// backend.
type notFounder interface {
	NotFound() bool
}

// IsNotFound reports whether err represents an absent key.
func IsNotFound(err error) bool {
	if err == nil {
		return false
	}
	nf, ok := err.(notFounder)
	return ok && nf.NotFound()
}

// ErrNotFound is a ready-to-use not-found error for backends that have no
// richer error of their own to return.
type ErrNotFound struct{ Key []byte }

func (e *ErrNotFound) Error() string   { return "kv: key not found" }
func (e *ErrNotFound) NotFound() bool  { return true }
