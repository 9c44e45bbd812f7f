// Copyright 2024 The Syncengine Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package txn

import (
	"encoding/json"

	"github.com/kvreplica/syncengine/internal/btree"
	"github.com/kvreplica/syncengine/internal/commit"
	"github.com/kvreplica/syncengine/internal/hash"
	"github.com/kvreplica/syncengine/internal/indexkey"
)

// WriteTx is a mutable view over one commit's primary and index trees,
// producing a new commit chunk on Commit (spec §4.4 WriteTx). It is opened
// directly over a btree.ChunkStore rather than over any particular named
// head, so the same type drives an ordinary mutation, a rebase onto a sync
// or client-group head, and persist's replay of perdag-resident commits —
// the caller always owns moving whatever head applies to its situation.
type WriteTx struct {
	store     btree.ChunkStore
	basis     *commit.Commit
	basisHash hash.Hash

	clientID     string
	mutationID   int64
	mutatorName  string
	args         json.RawMessage
	timestamp    int64
	originalHash hash.Hash

	primary *btree.BTreeWrite
	indexes []IndexDefinition
	iw      map[string]*btree.BTreeWrite
	oldRoot map[string]hash.Hash
}

// Open starts a write transaction whose basis is the commit at basisHash.
// explicitMutationID, when non-nil, pins the produced commit's MutationID
// (used by rebase, which must preserve the original mutation's id rather
// than recompute parent+1, spec §4.6). originalHash, when non-empty, links
// the produced commit back to the pre-rebase commit for diagnostics (spec
// §3 LocalCommit.originalHash).
func Open(store btree.ChunkStore, basisHash hash.Hash, clientID, mutatorName string, args json.RawMessage, timestampMillis int64, indexes []IndexDefinition, explicitMutationID *int64, originalHash hash.Hash) (*WriteTx, error) {
	basis, err := commit.FromHash(store, basisHash)
	if err != nil {
		return nil, err
	}
	minSize, maxSize := btree.DefaultMinSize, btree.DefaultMaxSize
	primary, err := btree.NewWrite(store, basis.ValueHash, minSize, maxSize)
	if err != nil {
		return nil, err
	}

	mutationID := basis.LastMutationIDs[clientID] // meaningful only if basis is a snapshot
	if basis.Kind == commit.KindLocal {
		id, err := commit.GetMutationID(store, basis, clientID)
		if err != nil {
			return nil, err
		}
		mutationID = id
	}
	mutationID++
	if explicitMutationID != nil {
		mutationID = *explicitMutationID
	}

	tx := &WriteTx{
		store:        store,
		basis:        basis,
		basisHash:    basisHash,
		clientID:     clientID,
		mutationID:   mutationID,
		mutatorName:  mutatorName,
		args:         args,
		timestamp:    timestampMillis,
		originalHash: originalHash,
		primary:      primary,
		indexes:      indexes,
		iw:           make(map[string]*btree.BTreeWrite),
		oldRoot:      make(map[string]hash.Hash),
	}
	for _, def := range indexes {
		root := hash.Hash(btree.EmptyRootHash())
		for _, ix := range basis.Indexes {
			if ix.Name == def.Name {
				root = ix.ValueHash
			}
		}
		tx.oldRoot[def.Name] = root
		w, err := btree.NewWrite(store, root, minSize, maxSize)
		if err != nil {
			return nil, err
		}
		tx.iw[def.Name] = w
	}
	return tx, nil
}

// ClientID, MutationID, Timestamp expose the pinned mutation identity to a
// mutator body that needs it (e.g. to stamp a record).
func (tx *WriteTx) ClientID() string    { return tx.clientID }
func (tx *WriteTx) MutationID() int64   { return tx.mutationID }
func (tx *WriteTx) Timestamp() int64    { return tx.timestamp }
func (tx *WriteTx) MutatorArgs() json.RawMessage { return tx.args }

// Get reads key's current value, seeing this transaction's own unflushed
// writes.
func (tx *WriteTx) Get(key []byte) (json.RawMessage, bool, error) {
	return tx.primary.Get(key)
}

// Has reports whether key is currently present.
func (tx *WriteTx) Has(key []byte) (bool, error) {
	_, ok, err := tx.Get(key)
	return ok, err
}

// Put writes key=value to the primary tree and maintains every index
// definition's secondary entry for key (spec §4.4, §4.2 put).
func (tx *WriteTx) Put(key []byte, value json.RawMessage) error {
	old, found, err := tx.primary.Get(key)
	if err != nil {
		return err
	}
	if err := tx.primary.Put(key, value); err != nil {
		return err
	}
	for _, def := range tx.indexes {
		w := tx.iw[def.Name]
		if found {
			if sec, ok := def.KeyFunc(key, old); ok {
				if _, err := w.Del(indexkey.Encode(sec, key)); err != nil {
					return err
				}
			}
		}
		if sec, ok := def.KeyFunc(key, value); ok {
			if err := w.Put(indexkey.Encode(sec, key), value); err != nil {
				return err
			}
		}
	}
	return nil
}

// Del removes key from the primary tree and its index entries, reporting
// whether it was present.
func (tx *WriteTx) Del(key []byte) (bool, error) {
	old, found, err := tx.primary.Get(key)
	if err != nil {
		return false, err
	}
	if !found {
		return false, nil
	}
	if _, err := tx.primary.Del(key); err != nil {
		return false, err
	}
	for _, def := range tx.indexes {
		w := tx.iw[def.Name]
		if sec, ok := def.KeyFunc(key, old); ok {
			if _, err := w.Del(indexkey.Encode(sec, key)); err != nil {
				return false, err
			}
		}
	}
	return true, nil
}

// Clear empties the primary tree and every index.
func (tx *WriteTx) Clear() {
	tx.primary.Clear()
	for _, w := range tx.iw {
		w.Clear()
	}
}

// Result is what Commit returns: the new commit chunk's hash plus the diff
// of every tree this transaction touched (primary first, then indexes by
// name), for subscription dispatch (spec §4.10).
type Result struct {
	Hash      hash.Hash
	Commit    *commit.Commit
	Diffs     map[string][]btree.DiffOp // "" = primary tree
}

// Commit flushes the primary and index trees, builds and writes the new
// commit chunk, and returns it plus the diffs against the basis (spec §4.4
// WriteTx: "flushes the B+Tree, writes the new local commit chunk").
func (tx *WriteTx) Commit() (*Result, error) {
	valueHash, err := tx.primary.Flush()
	if err != nil {
		return nil, err
	}
	diffs := make(map[string][]btree.DiffOp)
	if d, err := btree.Diff(tx.store, tx.basis.ValueHash, valueHash); err != nil {
		return nil, err
	} else if len(d) > 0 {
		diffs[""] = d
	}

	var indexRecords []commit.IndexRecord
	for _, def := range tx.indexes {
		w := tx.iw[def.Name]
		h, err := w.Flush()
		if err != nil {
			return nil, err
		}
		indexRecords = append(indexRecords, commit.IndexRecord{Name: def.Name, ValueHash: h})
		if d, err := btree.Diff(tx.store, tx.oldRoot[def.Name], h); err != nil {
			return nil, err
		} else if len(d) > 0 {
			diffs[def.Name] = d
		}
	}

	data := commit.NewLocal(tx.basisHash, tx.clientID, tx.mutationID, tx.mutatorName, tx.args, tx.originalHash, tx.timestamp, valueHash, indexRecords)
	c, err := commit.Build(tx.store, data)
	if err != nil {
		return nil, err
	}
	tx.store.PutChunk(c)
	cm, err := commit.FromChunk(c)
	if err != nil {
		return nil, err
	}
	return &Result{Hash: c.Hash, Commit: cm, Diffs: diffs}, nil
}
