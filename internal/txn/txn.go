// Copyright 2024 The Syncengine Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package txn implements read/write/index transactions over a commit chain
// (spec §2 C7, §4.4). A WriteTx is deliberately store-agnostic (it takes
// any btree.ChunkStore) so the same code path drives an ordinary mutator
// invocation against the memdag (the root package's DB.Mutate), a rebase of
// one local mutation onto a fresher sync or client-group head
// (internal/syncproto, internal/persist), and the commit replay that
// persist performs directly against the perdag. Grounded on
// vsync/initiator.go's insertRecInLogAndDag (apply mutation, write
// commit, move head) and store/test/store.go's transaction-lifecycle
// conventions.
package txn

import (
	"encoding/json"

	"github.com/kvreplica/syncengine/internal/btree"
	"github.com/kvreplica/syncengine/internal/commit"
	"github.com/kvreplica/syncengine/internal/errs"
	"github.com/kvreplica/syncengine/internal/hash"
	"github.com/kvreplica/syncengine/internal/indexkey"
)

// IndexDefinition names a secondary index and the function that maps a
// primary (key, value) pair to its secondary key, if any (spec §4.4
// "Index maps are secondary B+Trees keyed by (encodedIndexKey,
// primaryKey)"). KeyFunc returning ok=false means the entry is not
// indexed by this definition (e.g. the value lacks the indexed field).
type IndexDefinition struct {
	Name    string
	KeyFunc func(key []byte, value json.RawMessage) (secondary []byte, ok bool)
}

// Mutator applies application logic to tx, the way a Replicache mutator
// function applies args to the store (spec §6 "Mutator func(tx WriteTx,
// args json.RawMessage) error"). Used to replay a local mutation during
// rebase (internal/syncproto, internal/persist).
type Mutator func(tx *WriteTx, args json.RawMessage) error

// MutatorRegistry looks up a named mutator, the way an embedder's mutator
// map is consulted during rebase (spec §6 "MutatorRegistry"). Lookup
// returning ok=false means the mutator is no longer registered; rebase
// treats that as a no-op, per spec §4.6.
type MutatorRegistry interface {
	Lookup(name string) (Mutator, bool)
}

// ReadTx is a read-only view over a commit's primary tree and its indexes
// (spec §4.4 ReadTx).
type ReadTx struct {
	store  btree.ChunkSource
	Commit *commit.Commit
}

// NewReadTx opens a read view over the commit at headHash.
func NewReadTx(store btree.ChunkSource, headHash hash.Hash) (*ReadTx, error) {
	c, err := commit.FromHash(store, headHash)
	if err != nil {
		return nil, err
	}
	return &ReadTx{store: store, Commit: c}, nil
}

func (t *ReadTx) indexRoot(name string) (hash.Hash, bool) {
	for _, ix := range t.Commit.Indexes {
		if ix.Name == name {
			return ix.ValueHash, true
		}
	}
	return hash.Empty, false
}

// Get reads key from the primary tree.
func (t *ReadTx) Get(key []byte) (json.RawMessage, bool, error) {
	return btree.Get(t.store, t.Commit.ValueHash, key)
}

// Has reports whether key is present in the primary tree.
func (t *ReadTx) Has(key []byte) (bool, error) {
	return btree.Has(t.store, t.Commit.ValueHash, key)
}

// IsEmpty reports whether the primary tree has no entries.
func (t *ReadTx) IsEmpty() bool {
	return btree.IsEmpty(t.Commit.ValueHash)
}

// ScanOptions configures Scan (spec §4.4 "Scan ordering").
type ScanOptions struct {
	// IndexName selects a secondary index scan; empty scans the primary
	// tree.
	IndexName string
	// StartSecondary/StartPrimary position an index scan; StartKey
	// positions a primary scan. Exclusive skips an exact match at the
	// start position (spec: "start.exclusive skips matches equal to the
	// start key").
	StartKey       []byte
	StartSecondary []byte
	StartPrimary   []byte
	Exclusive      bool
}

// Scan returns an iterator honoring opts (spec §4.4 "primary scans are
// UTF-8 ordered by key; index scans are UTF-8 ordered by secondaryKey with
// primaryKey as tie-break").
func (t *ReadTx) Scan(opts ScanOptions) (Iterator, error) {
	if opts.IndexName == "" {
		it := btree.Scan(t.store, t.Commit.ValueHash, opts.StartKey)
		return skipLeadingExact(it, opts.StartKey, opts.Exclusive), nil
	}
	root, ok := t.indexRoot(opts.IndexName)
	if !ok {
		return nil, errs.New(errs.ErrCorrupt, "unknown index: "+opts.IndexName)
	}
	from := indexkey.Encode(opts.StartSecondary, opts.StartPrimary)
	it := btree.Scan(t.store, root, from)
	return skipLeadingExact(it, from, opts.Exclusive), nil
}

// Iterator is the subset of *btree.Iterator a scan consumer needs;
// satisfied directly by *btree.Iterator and by the exclusive-start wrapper
// below.
type Iterator interface {
	Advance() bool
	Key() []byte
	Value() json.RawMessage
	Err() error
	Cancel()
}

// exclusiveIterator skips a single leading entry exactly equal to from,
// since btree.Scan has no concept of "strictly greater than" on its own
// (spec §4.4 "start.exclusive skips matches equal to the start key").
type exclusiveIterator struct {
	*btree.Iterator
	from      []byte
	checked   bool
}

func skipLeadingExact(it *btree.Iterator, from []byte, exclusive bool) Iterator {
	if !exclusive || from == nil {
		return it
	}
	return &exclusiveIterator{Iterator: it, from: from}
}

func (e *exclusiveIterator) Advance() bool {
	if !e.checked {
		e.checked = true
		if !e.Iterator.Advance() {
			return false
		}
		if !bytesEqual(e.Iterator.Key(), e.from) {
			return true
		}
		// Leading entry matched from exactly; skip it.
		return e.Iterator.Advance()
	}
	return e.Iterator.Advance()
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
