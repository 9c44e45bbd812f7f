// Copyright 2024 The Syncengine Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package btree

import (
	"encoding/json"

	"github.com/kvreplica/syncengine/internal/hash"
)

// DefaultMinSize/DefaultMaxSize bound a node's estimated serialized size
// used by the partition algorithm (spec §4.2).
const (
	DefaultMinSize = 4 * 1024
	DefaultMaxSize = 16 * 1024
)

// BTreeWrite is a mutable view over a B+Tree rooted at a given hash, built
// over a ChunkStore (a memdag write transaction in practice). Mutations are
// held in memory until Flush, which is the only point at which new node
// chunks are actually created and written (spec §4.2 write API).
type BTreeWrite struct {
	store           ChunkStore
	minSize, maxSize int
	root            *node
}

// NewWrite opens root for mutation.
func NewWrite(store ChunkStore, root hash.Hash, minSize, maxSize int) (*BTreeWrite, error) {
	if minSize <= 0 {
		minSize = DefaultMinSize
	}
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	n, err := loadNode(store, root)
	if err != nil {
		return nil, err
	}
	return &BTreeWrite{store: store, minSize: minSize, maxSize: maxSize, root: n}, nil
}

// Put inserts or overwrites key's value.
func (w *BTreeWrite) Put(key []byte, value json.RawMessage) error {
	siblings, err := w.putInNode(w.root, key, value)
	if err != nil {
		return err
	}
	w.root = w.wrapRoot(w.root.level, siblings)
	return nil
}

// Del removes key, reporting whether it was present.
func (w *BTreeWrite) Del(key []byte) (bool, error) {
	siblings, removed, err := w.delInNode(w.root, key)
	if err != nil {
		return false, err
	}
	w.root = w.wrapRoot(w.root.level, siblings)
	return removed, nil
}

// Clear empties the tree.
func (w *BTreeWrite) Clear() {
	w.root = &node{level: 0}
}

// Get reads key's current value, seeing this write's own unflushed
// mutations (the in-memory dirty node tree), unlike the package-level Get
// which only ever sees flushed, hash-addressed nodes. Used by index
// maintenance to find a key's old value before overwriting it.
func (w *BTreeWrite) Get(key []byte) (json.RawMessage, bool, error) {
	n := w.root
	for !n.isLeaf() {
		idx := childIndex(n.entries, key)
		child, err := w.loadChild(n.entries[idx])
		if err != nil {
			return nil, false, err
		}
		n = child
	}
	idx, found := leafIndex(n.entries, key)
	if !found {
		return nil, false, nil
	}
	return n.entries[idx].value, true, nil
}

// RootHash returns the tree's current root hash. Once a Put, Del or Clear
// has replaced the root, and until the next Flush, the root is an unflushed
// node and RootHash returns hash.Empty; after Flush it is up to date.
func (w *BTreeWrite) RootHash() hash.Hash { return w.root.hash }

// Flush writes every dirty node created by prior Put/Del calls and returns
// the new root hash (spec §4.2 "flush() -> rootHash").
func (w *BTreeWrite) Flush() (hash.Hash, error) {
	h, err := w.flush(w.root)
	if err != nil {
		return hash.Empty, err
	}
	n, err := loadNode(w.store, h)
	if err != nil {
		return hash.Empty, err
	}
	w.root = n
	return h, nil
}

func (w *BTreeWrite) flush(n *node) (hash.Hash, error) {
	if !n.dirty {
		return n.hash, nil
	}
	if !n.isLeaf() {
		for i := range n.entries {
			if n.entries[i].child == nil {
				continue
			}
			h, err := w.flush(n.entries[i].child)
			if err != nil {
				return hash.Empty, err
			}
			n.entries[i].childHash = h
			n.entries[i].child = nil
		}
	}
	if len(n.entries) == 0 && n.isLeaf() {
		n.hash = emptyRootHash
		n.dirty = false
		return n.hash, nil
	}
	data, refs := encodeNode(n)
	c := w.store.CreateChunk(data, refs)
	w.store.PutChunk(c)
	n.hash = c.Hash
	n.dirty = false
	return n.hash, nil
}

// putInNode applies key=value to the subtree rooted at n, returning the
// (possibly several, after a split) sibling nodes that should replace n at
// its level.
func (w *BTreeWrite) putInNode(n *node, key []byte, value json.RawMessage) ([]*node, error) {
	entries := append([]entry(nil), n.entries...)
	if n.isLeaf() {
		idx, found := leafIndex(entries, key)
		e := entry{key: append([]byte(nil), key...), value: value}
		if found {
			entries[idx] = e
		} else {
			entries = insertEntry(entries, idx, e)
		}
		return w.buildSiblings(0, entries), nil
	}

	idx := childIndex(entries, key)
	child, err := w.loadChild(entries[idx])
	if err != nil {
		return nil, err
	}
	newChildren, err := w.putInNode(child, key, value)
	if err != nil {
		return nil, err
	}
	entries = replaceChild(entries, idx, newChildren)
	return w.buildSiblings(n.level, entries), nil
}

// delInNode removes key from the subtree rooted at n.
func (w *BTreeWrite) delInNode(n *node, key []byte) ([]*node, bool, error) {
	entries := append([]entry(nil), n.entries...)
	if n.isLeaf() {
		idx, found := leafIndex(entries, key)
		if !found {
			return []*node{n}, false, nil
		}
		entries = append(entries[:idx], entries[idx+1:]...)
		return w.buildSiblings(0, entries), true, nil
	}

	idx := childIndex(entries, key)
	child, err := w.loadChild(entries[idx])
	if err != nil {
		return nil, false, err
	}
	newChildren, removed, err := w.delInNode(child, key)
	if err != nil {
		return nil, false, err
	}
	if !removed {
		return []*node{n}, false, nil
	}
	entries = replaceChild(entries, idx, newChildren)
	return w.buildSiblings(n.level, entries), true, nil
}

// buildSiblings re-partitions entries per minSize/maxSize and wraps each
// partition in a fresh dirty node at level.
func (w *BTreeWrite) buildSiblings(level int, entries []entry) []*node {
	parts := partition(entries, w.minSize, w.maxSize)
	if len(parts) == 0 {
		return []*node{{level: level, dirty: true}}
	}
	nodes := make([]*node, len(parts))
	for i, p := range parts {
		nodes[i] = &node{level: level, entries: p, dirty: true}
	}
	return nodes
}

// wrapRoot installs siblings as the new root: a single sibling becomes the
// root directly; several wrap in a fresh internal node one level up,
// collapsing repeatedly until a single root remains (mirrors the inverse of
// root degeneracy on delete: growth on insert, shrink on delete are the
// same operation run in the two different directions).
func (w *BTreeWrite) wrapRoot(level int, siblings []*node) *node {
	for len(siblings) > 1 {
		entries := make([]entry, len(siblings))
		for i, s := range siblings {
			entries[i] = entry{key: lastKey(s), child: s}
		}
		siblings = []*node{{level: level + 1, entries: entries, dirty: true}}
		level++
	}
	root := siblings[0]
	// Root degeneracy (spec §4.2): an internal root with exactly one child
	// is replaced by that child, repeated until the root is a leaf or has
	// more than one entry.
	for !root.isLeaf() && len(root.entries) == 1 {
		e := root.entries[0]
		child, err := w.loadChild(e)
		if err != nil {
			// Already loaded or loadable at this point in the call graph
			// (it was just built or just read); a failure here would mean
			// a prior step already returned an error.
			return root
		}
		root = child
	}
	// An internal root whose children were all emptied is an empty tree.
	if !root.isLeaf() && len(root.entries) == 0 {
		root = &node{level: 0, dirty: true}
	}
	return root
}

// lastKey returns n's maximum key: for a leaf, the key of its last entry;
// for an internal node, the key of its last routing entry, which is
// already that entry's child's maximum key by invariant #4, and so
// recursively n's own maximum key.
func lastKey(n *node) []byte {
	if len(n.entries) == 0 {
		return nil
	}
	return n.entries[len(n.entries)-1].key
}

func (w *BTreeWrite) loadChild(e entry) (*node, error) {
	if e.child != nil {
		return e.child, nil
	}
	return loadNode(w.store, e.childHash)
}

func insertEntry(entries []entry, idx int, e entry) []entry {
	entries = append(entries, entry{})
	copy(entries[idx+1:], entries[idx:])
	entries[idx] = e
	return entries
}

// replaceChild substitutes the single entry at idx with one routing entry
// per non-empty node in newChildren, in order, preserving the surrounding
// entries; a child emptied by a delete is dropped.
func replaceChild(entries []entry, idx int, newChildren []*node) []entry {
	repl := make([]entry, 0, len(newChildren))
	for _, c := range newChildren {
		if len(c.entries) == 0 {
			continue
		}
		repl = append(repl, entry{key: lastKey(c), child: c})
	}
	out := make([]entry, 0, len(entries)-1+len(repl))
	out = append(out, entries[:idx]...)
	out = append(out, repl...)
	out = append(out, entries[idx+1:]...)
	return out
}

