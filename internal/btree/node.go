// Copyright 2024 The Syncengine Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package btree implements the content-addressed B+Tree used for both the
// primary data map and secondary index maps (spec §4.2). No repository in
// the example corpus carries a B+Tree, so its node shape is new design built
// from the spec text; its iterator follows the teacher's
// Advance/Key/Value/Err/Cancel stream idiom
// (services/syncbase/server/watchable/stream.go), and its node chunks are
// chunk.Chunk values so the perdag's refcounted GC (internal/dag) reaches
// every live node transparently through Chunk.Refs.
package btree

import (
	"bytes"
	"encoding/json"

	"github.com/kvreplica/syncengine/internal/chunk"
	"github.com/kvreplica/syncengine/internal/hash"
)

// entryOverhead approximates the fixed per-entry bookkeeping cost (key/value
// length prefixes, JSON punctuation) added on top of the raw key/value
// bytes when estimating a node's serialized size for partitioning.
const entryOverhead = 8

// entry is one (key, value) pair in a leaf, or one (key, child) routing
// pair in an internal node, where key is the maximum key reachable through
// child (spec §3, §8 invariant #4: "entry i's key equals child[i].maxKey").
// child is populated only while a node is held open for mutation in a
// single BTreeWrite; it is nil on every node loaded fresh from the store.
type entry struct {
	key       []byte
	value     json.RawMessage // leaf entries only
	childHash hash.Hash       // internal entries only
	child     *node           // internal entries only, in-memory during a write
}

func (e entry) size() int {
	if e.child != nil || !e.childHash.IsEmpty() {
		return len(e.key) + len(e.childHash) + entryOverhead
	}
	return len(e.key) + len(e.value) + entryOverhead
}

// node is a B+Tree node, either freshly loaded (hash set, dirty false) or
// under construction by a BTreeWrite (dirty true, hash empty until Flush).
type node struct {
	level   int // 0 = leaf
	entries []entry
	hash    hash.Hash
	dirty   bool
}

func (n *node) isLeaf() bool { return n.level == 0 }

// entryData/nodeData is the on-the-wire encoding of a node, stored as a
// chunk's Data.
type entryData struct {
	K []byte          `json:"k"`
	V json.RawMessage `json:"v,omitempty"`
	C hash.Hash       `json:"c,omitempty"`
}

type nodeData struct {
	Level   int         `json:"level"`
	Entries []entryData `json:"entries"`
}

func encodeNode(n *node) (json.RawMessage, []hash.Hash) {
	nd := nodeData{Level: n.level, Entries: make([]entryData, len(n.entries))}
	var refs []hash.Hash
	for i, e := range n.entries {
		if n.isLeaf() {
			nd.Entries[i] = entryData{K: e.key, V: e.value}
			continue
		}
		nd.Entries[i] = entryData{K: e.key, C: e.childHash}
		refs = append(refs, e.childHash)
	}
	data, err := json.Marshal(nd)
	if err != nil {
		// nd is built entirely from in-process values (raw bytes, raw
		// JSON already validated on the way in); marshaling it can only
		// fail if those invariants are broken.
		panic(err)
	}
	return data, refs
}

func decodeNode(h hash.Hash, c *chunk.Chunk) (*node, error) {
	var nd nodeData
	if err := c.Decode(&nd); err != nil {
		return nil, err
	}
	n := &node{level: nd.Level, hash: h, entries: make([]entry, len(nd.Entries))}
	for i, ed := range nd.Entries {
		if nd.Level == 0 {
			n.entries[i] = entry{key: ed.K, value: ed.V}
		} else {
			n.entries[i] = entry{key: ed.K, childHash: ed.C}
		}
	}
	return n, nil
}

// ChunkSource is the read half of the chunk store a B+Tree is built over
// (satisfied by *internal/memdag.Store and *internal/dag.Store's ReadTxn).
type ChunkSource interface {
	GetChunk(h hash.Hash) (*chunk.Chunk, error)
}

// ChunkStore is the read/write half (satisfied by *internal/memdag.Store).
type ChunkStore interface {
	ChunkSource
	CreateChunk(data json.RawMessage, refs []hash.Hash) *chunk.Chunk
	PutChunk(c *chunk.Chunk)
}

var emptyLeafData, _ = encodeNode(&node{level: 0})
var emptyRootHash = hash.Of(emptyLeafData)

// EmptyRootHash is the sentinel root hash of a tree with no entries (spec
// §4.2 "an empty tree uses a sentinel empty data node"). It is synthesized
// rather than stored: loadNode recognizes it directly without a store
// round-trip, so an empty tree never needs a chunk written for it.
func EmptyRootHash() hash.Hash { return emptyRootHash }

func loadNode(store ChunkSource, h hash.Hash) (*node, error) {
	if h == emptyRootHash || h.IsEmpty() {
		return &node{level: 0, hash: emptyRootHash}, nil
	}
	c, err := store.GetChunk(h)
	if err != nil {
		return nil, err
	}
	return decodeNode(h, c)
}

// binarySearch returns the smallest index in [0, high) for which pred(i) is
// false, given pred is true-then-false monotonic over [0, high); if pred
// never turns false, returns high. This is the general primitive spec §4.2
// asks for ("binarySearch(high, lessThanOrEqual)"); entries below call it
// with strict less-than predicates over UTF-8 byte comparison.
func binarySearch(high int, lessThanOrEqual func(i int) bool) int {
	lo := 0
	for lo < high {
		mid := int(uint(lo+high) >> 1)
		if lessThanOrEqual(mid) {
			lo = mid + 1
		} else {
			high = mid
		}
	}
	return lo
}

// leafIndex returns the index of key in entries if present, and whether it
// was found; if absent, the index is where it would be inserted.
func leafIndex(entries []entry, key []byte) (int, bool) {
	idx := binarySearch(len(entries), func(i int) bool {
		return bytes.Compare(entries[i].key, key) < 0
	})
	return idx, idx < len(entries) && bytes.Equal(entries[idx].key, key)
}

// childIndex returns the index of the child entry whose subtree key range
// contains key: since each entry's key is its child's maximum key (spec §3,
// §8 invariant #4), that is the leftmost entry whose key is >= the search
// key (ceiling search), clamped to the last entry for a key greater than
// every entry's key — the rightmost child is where a new maximum key gets
// inserted, and its routing key is corrected by the caller replacing it.
func childIndex(entries []entry, key []byte) int {
	idx := binarySearch(len(entries), func(i int) bool {
		return bytes.Compare(entries[i].key, key) < 0
	})
	if idx == len(entries) {
		return len(entries) - 1
	}
	return idx
}
