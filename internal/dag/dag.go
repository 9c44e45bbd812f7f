// Copyright 2024 The Syncengine Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package dag implements the perdag: a typed, content-addressed chunk DAG
// persisted on top of a kv.Store, with named heads and reference-counted
// garbage collection (spec §2 C3, §4.1). Its table layout — separate key
// prefixes for chunks, heads, and refcounts, each with its own cardinality
// counter — is grounded on services/syncbase/sync/dag.go's "heads, nodes,
// trans, priv" table split and its stats.Integer bookkeeping, generalized
// from per-object DAG nodes to content-addressed chunks.
package dag

import (
	"encoding/json"
	"sync"

	"v.io/x/ref/lib/stats"

	"github.com/kvreplica/syncengine/internal/chunk"
	"github.com/kvreplica/syncengine/internal/errs"
	"github.com/kvreplica/syncengine/internal/hash"
	"github.com/kvreplica/syncengine/internal/kv"
	"github.com/kvreplica/syncengine/internal/log"
)

const (
	chunkPrefix = "c:"
	headPrefix  = "h:"
	rcPrefix    = "r:"
)

func chunkKey(h hash.Hash) []byte { return []byte(chunkPrefix + string(h)) }
func headKey(name string) []byte  { return []byte(headPrefix + name) }
func rcKey(h hash.Hash) []byte    { return []byte(rcPrefix + string(h)) }

// storedChunk is the on-disk encoding of a chunk; the hash itself lives in
// the key, not the value.
type storedChunk struct {
	Data json.RawMessage
	Refs []hash.Hash
}

// Store is the perdag: the durable, hash-named chunk DAG (spec §4.1).
type Store struct {
	kv kv.Store

	// writeMu serializes writers, matching spec §5's "at most one writer
	// per store at a time".
	writeMu sync.Mutex

	name string // used to namespace stats counters when multiple stores coexist
	numChunks *stats.Integer
	numHeads  *stats.Integer
}

// Open wraps an already-open kv.Store as a perdag. name distinguishes this
// store's exported stats counters from any other perdag in the process
// (e.g. the temporary stores mutation recovery opens over other local
// databases, spec §4.9).
func Open(store kv.Store, name string) *Store {
	s := &Store{kv: store, name: name}
	s.numChunks = stats.NewInteger("syncengine/dag/" + name + "/numChunks")
	s.numHeads = stats.NewInteger("syncengine/dag/" + name + "/numHeads")
	return s
}

// Close releases the perdag's stats counters and closes the underlying
// store.
func (s *Store) Close() error {
	stats.Delete("syncengine/dag/" + s.name + "/numChunks")
	stats.Delete("syncengine/dag/" + s.name + "/numHeads")
	return s.kv.Close()
}

// CreateChunk computes a chunk's content hash without writing it (spec
// §4.1: "does not write").
func (s *Store) CreateChunk(data json.RawMessage, refs []hash.Hash) *chunk.Chunk {
	return chunk.New(data, refs)
}

// ReadTxn is a snapshot read transaction over the perdag.
type ReadTxn struct {
	r kv.StoreReader
}

// GetHead returns the hash a named head currently points to.
func (t *ReadTxn) GetHead(name string) (hash.Hash, error) {
	v, err := t.r.Get(headKey(name))
	if kv.IsNotFound(err) {
		return hash.Empty, errs.New(errs.ErrChunkNotFound, name)
	}
	if err != nil {
		return hash.Empty, err
	}
	return hash.Hash(v), nil
}

// GetChunk fetches a chunk by hash.
func (t *ReadTxn) GetChunk(h hash.Hash) (*chunk.Chunk, error) {
	return getChunk(t.r, h)
}

func getChunk(r kv.StoreReader, h hash.Hash) (*chunk.Chunk, error) {
	v, err := r.Get(chunkKey(h))
	if kv.IsNotFound(err) {
		return nil, errs.New(errs.ErrChunkNotFound, string(h))
	}
	if err != nil {
		return nil, err
	}
	var sc storedChunk
	if err := json.Unmarshal(v, &sc); err != nil {
		return nil, errs.New(errs.ErrCorrupt, err)
	}
	return &chunk.Chunk{Hash: h, Data: sc.Data, Refs: sc.Refs}, nil
}

// WithRead runs f against a consistent snapshot of the perdag.
func (s *Store) WithRead(f func(t *ReadTxn) error) error {
	snap := s.kv.NewSnapshot()
	defer snap.Close()
	return f(&ReadTxn{r: snap})
}

// WriteTxn is a serialized write transaction over the perdag (spec §4.1).
type WriteTxn struct {
	tx      kv.StoreReadWriter
	store   *Store
	put     map[hash.Hash]*chunk.Chunk
	moved   map[string]hash.Hash // head name -> old hash, captured before overwrite
	removed map[string]hash.Hash
}

// GetHead implements the read half of WriteTxn.
func (w *WriteTxn) GetHead(name string) (hash.Hash, error) {
	v, err := w.tx.Get(headKey(name))
	if kv.IsNotFound(err) {
		return hash.Empty, errs.New(errs.ErrChunkNotFound, name)
	}
	if err != nil {
		return hash.Empty, err
	}
	return hash.Hash(v), nil
}

// CreateChunk delegates to the store. Together with GetChunk and PutChunk it
// gives a WriteTxn the methods of a chunk store; because PutChunk returns an
// error, internal/persist wraps a WriteTxn in an adapter (dagChunkStore)
// where a btree.ChunkStore is required.
func (w *WriteTxn) CreateChunk(data json.RawMessage, refs []hash.Hash) *chunk.Chunk {
	return w.store.CreateChunk(data, refs)
}

// GetChunk implements the read half of WriteTxn, seeing this transaction's
// own uncommitted PutChunk calls.
func (w *WriteTxn) GetChunk(h hash.Hash) (*chunk.Chunk, error) {
	if c, ok := w.put[h]; ok {
		return c, nil
	}
	return getChunk(w.tx, h)
}

// PutChunk writes a chunk, idempotent on an already-existing hash (spec
// §4.1: "Writes every put chunk (idempotent on existing hash)").
func (w *WriteTxn) PutChunk(c *chunk.Chunk) error {
	data, err := json.Marshal(storedChunk{Data: c.Data, Refs: c.Refs})
	if err != nil {
		return err
	}
	_, existed := w.put[c.Hash]
	if !existed {
		if _, err := w.GetChunk(c.Hash); err == nil {
			existed = true
		}
	}
	if err := w.tx.Put(chunkKey(c.Hash), data); err != nil {
		return err
	}
	w.put[c.Hash] = c
	if !existed {
		w.store.numChunks.Incr(1)
	}
	return nil
}

// SetHead moves a named head to h, capturing its prior value (if any) so
// Commit can run the reachability delta.
func (w *WriteTxn) SetHead(name string, h hash.Hash) error {
	old, err := w.GetHead(name)
	if err != nil && !errs.IsChunkNotFound(err) {
		return err
	}
	isNew := errs.IsChunkNotFound(err)
	if _, already := w.moved[name]; !already {
		if isNew {
			w.moved[name] = hash.Empty
		} else {
			w.moved[name] = old
		}
	}
	delete(w.removed, name)
	if err := w.tx.Put(headKey(name), []byte(h)); err != nil {
		return err
	}
	if isNew {
		w.store.numHeads.Incr(1)
	}
	return nil
}

// RemoveHead deletes a named head entirely (e.g. releasing the sync head
// after maybeEndPull, spec §4.6 step 3).
func (w *WriteTxn) RemoveHead(name string) error {
	old, err := w.GetHead(name)
	if err != nil {
		if errs.IsChunkNotFound(err) {
			return nil // nothing to remove
		}
		return err
	}
	if _, already := w.moved[name]; !already {
		w.moved[name] = old
	}
	w.removed[name] = old
	if err := w.tx.Delete(headKey(name)); err != nil {
		return err
	}
	w.store.numHeads.Incr(-1)
	return nil
}

// WithWrite runs f against a fresh write transaction and, on success, runs
// the reachability update for every head f moved before committing the
// underlying kv transaction (spec §4.1 steps 1-3).
func (s *Store) WithWrite(f func(w *WriteTxn) error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx := s.kv.NewTransaction()
	w := &WriteTxn{
		tx:      tx,
		store:   s,
		put:     make(map[hash.Hash]*chunk.Chunk),
		moved:   make(map[string]hash.Hash),
		removed: make(map[string]hash.Hash),
	}
	if err := f(w); err != nil {
		tx.Abort()
		return err
	}
	if err := w.gc(); err != nil {
		tx.Abort()
		return err
	}
	if err := tx.Commit(); err != nil {
		tx.Abort()
		return err
	}
	return nil
}

// gc recomputes reachability for every head moved in this transaction,
// incrementing every new head target and then decrementing every old one,
// deleting any chunk whose refcount reaches zero (spec §4.1 step 2).
//
// A chunk's refcount is the number of heads and live chunks that reference
// it. incrementSubtree descends into a chunk's refs only when the chunk goes
// from unreferenced to referenced, and decrementSubtree descends only when
// it drops back to zero, so each reference is counted exactly once. Running
// all increments before any decrement keeps a chunk that moves from one
// head's subtree to another's in the same transaction from being collected.
func (w *WriteTxn) gc() error {
	var olds []hash.Hash
	for name, oldHash := range w.moved {
		newHash, isRemoved := w.removed[name]
		if isRemoved {
			newHash = hash.Empty
		} else {
			h, err := w.GetHead(name)
			if err != nil {
				return err
			}
			newHash = h
		}

		if !newHash.IsEmpty() {
			if err := w.checkChunkExists(newHash); err != nil {
				return errs.New(errs.ErrCorrupt, err)
			}
			if err := w.incrementSubtree(newHash); err != nil {
				return err
			}
		}
		if !oldHash.IsEmpty() {
			olds = append(olds, oldHash)
		}
	}
	for _, oldHash := range olds {
		if err := w.decrementSubtree(oldHash); err != nil {
			return err
		}
	}
	return nil
}

func (w *WriteTxn) checkChunkExists(h hash.Hash) error {
	_, err := w.GetChunk(h)
	return err
}

func (w *WriteTxn) getRefcount(h hash.Hash) (int64, error) {
	v, err := w.tx.Get(rcKey(h))
	if kv.IsNotFound(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	var n int64
	if err := json.Unmarshal(v, &n); err != nil {
		return 0, err
	}
	return n, nil
}

func (w *WriteTxn) setRefcount(h hash.Hash, n int64) error {
	if n <= 0 {
		return w.tx.Delete(rcKey(h))
	}
	v, err := json.Marshal(n)
	if err != nil {
		return err
	}
	return w.tx.Put(rcKey(h), v)
}

func (w *WriteTxn) incrementSubtree(h hash.Hash) error {
	c, err := w.GetChunk(h)
	if err != nil {
		return err
	}
	n, err := w.getRefcount(h)
	if err != nil {
		return err
	}
	if err := w.setRefcount(h, n+1); err != nil {
		return err
	}
	if n > 0 {
		// Already live: its refs were counted when it first became live.
		return nil
	}
	for _, ref := range c.Refs {
		if err := w.incrementSubtree(ref); err != nil {
			return err
		}
	}
	return nil
}

func (w *WriteTxn) decrementSubtree(h hash.Hash) error {
	n, err := w.getRefcount(h)
	if err != nil {
		return err
	}
	if n <= 0 {
		// Already absent or unreferenced; nothing further to do.
		return nil
	}
	n--
	if err := w.setRefcount(h, n); err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	c, err := w.GetChunk(h)
	if err != nil {
		if errs.IsChunkNotFound(err) {
			return nil
		}
		return err
	}
	if err := w.tx.Delete(chunkKey(h)); err != nil {
		return err
	}
	w.store.numChunks.Incr(-1)
	log.V(2).Infof("dag: gc collected chunk %s", h)
	for _, ref := range c.Refs {
		if err := w.decrementSubtree(ref); err != nil {
			return err
		}
	}
	return nil
}
