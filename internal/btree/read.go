// Copyright 2024 The Syncengine Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package btree

import (
	"bytes"
	"encoding/json"

	"github.com/kvreplica/syncengine/internal/hash"
)

// Get returns the value stored under key in the tree rooted at root, and
// whether it was present (spec §4.2 "get(key) -> value | undefined").
func Get(store ChunkSource, root hash.Hash, key []byte) (json.RawMessage, bool, error) {
	n, err := loadNode(store, root)
	if err != nil {
		return nil, false, err
	}
	for !n.isLeaf() {
		idx := childIndex(n.entries, key)
		child, err := loadNode(store, n.entries[idx].childHash)
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

// Has reports whether key is present in the tree rooted at root.
func Has(store ChunkSource, root hash.Hash, key []byte) (bool, error) {
	_, ok, err := Get(store, root, key)
	return ok, err
}

// IsEmpty reports whether the tree rooted at root has no entries.
func IsEmpty(root hash.Hash) bool {
	return root.IsEmpty() || root == emptyRootHash
}

// Iterator walks (key, value) pairs in UTF-8 key order starting at or after
// fromKey (nil scans from the beginning), grounded on the teacher's
// Advance/Key/Value/Err/Cancel stream shape
// (server/watchable/stream.go).
type Iterator struct {
	store   ChunkSource
	stack   []frame // path from root to the current leaf
	started bool
	done    bool
	err     error
	key     []byte
	value   json.RawMessage
}

type frame struct {
	n   *node
	idx int
}

// Scan returns an Iterator over the tree rooted at root, starting at the
// first key >= fromKey (spec §4.2 "scan(fromKey)").
func Scan(store ChunkSource, root hash.Hash, fromKey []byte) *Iterator {
	it := &Iterator{store: store}
	n, err := loadNode(store, root)
	if err != nil {
		it.err = err
		it.done = true
		return it
	}
	it.stack = []frame{{n: n, idx: -1}}
	if fromKey != nil {
		it.seek(fromKey)
	}
	return it
}

// seek descends to the leaf that would hold fromKey, leaving the iterator
// positioned just before the first qualifying entry.
func (it *Iterator) seek(fromKey []byte) {
	for {
		top := &it.stack[len(it.stack)-1]
		if top.n.isLeaf() {
			idx := binarySearch(len(top.n.entries), func(i int) bool {
				return bytes.Compare(top.n.entries[i].key, fromKey) < 0
			})
			top.idx = idx - 1
			return
		}
		idx := childIndex(top.n.entries, fromKey)
		top.idx = idx
		child, err := loadNode(it.store, top.n.entries[idx].childHash)
		if err != nil {
			it.err = err
			it.done = true
			return
		}
		it.stack = append(it.stack, frame{n: child, idx: -1})
	}
}

// Advance moves to the next entry, returning false once the scan is
// exhausted or has failed (check Err).
func (it *Iterator) Advance() bool {
	if it.done {
		return false
	}
	for {
		if len(it.stack) == 0 {
			it.done = true
			return false
		}
		top := &it.stack[len(it.stack)-1]
		top.idx++
		if top.idx >= len(top.n.entries) {
			it.stack = it.stack[:len(it.stack)-1]
			continue
		}
		if top.n.isLeaf() {
			e := top.n.entries[top.idx]
			it.key, it.value = e.key, e.value
			return true
		}
		child, err := loadNode(it.store, top.n.entries[top.idx].childHash)
		if err != nil {
			it.err = err
			it.done = true
			return false
		}
		it.stack = append(it.stack, frame{n: child, idx: -1})
	}
}

func (it *Iterator) Key() []byte          { return it.key }
func (it *Iterator) Value() json.RawMessage { return it.value }
func (it *Iterator) Err() error           { return it.err }
func (it *Iterator) Cancel()              { it.done = true; it.stack = nil }

// DiffOpKind distinguishes the three diff operations (spec §4.2 diff).
type DiffOpKind int

const (
	DiffAdd DiffOpKind = iota
	DiffDel
	DiffChange
)

// DiffOp is one add/del/change entry produced by Diff, in key order.
type DiffOp struct {
	Op       DiffOpKind
	Key      []byte
	OldValue json.RawMessage
	NewValue json.RawMessage
}

// Diff produces the add/del/change ops that transform the tree rooted at
// oldRoot into the tree rooted at newRoot, in key order (spec §4.2: "used
// for subscription dispatch and rebase"). Equal roots short-circuit to no
// diffs without walking either tree.
func Diff(store ChunkSource, oldRoot, newRoot hash.Hash) ([]DiffOp, error) {
	if oldRoot == newRoot {
		return nil, nil
	}
	oldIt := Scan(store, oldRoot, nil)
	newIt := Scan(store, newRoot, nil)

	oldOK := oldIt.Advance()
	newOK := newIt.Advance()

	var diffs []DiffOp
	for oldOK || newOK {
		switch {
		case !oldOK:
			diffs = append(diffs, DiffOp{Op: DiffAdd, Key: newIt.Key(), NewValue: newIt.Value()})
			newOK = newIt.Advance()
		case !newOK:
			diffs = append(diffs, DiffOp{Op: DiffDel, Key: oldIt.Key(), OldValue: oldIt.Value()})
			oldOK = oldIt.Advance()
		default:
			cmp := bytes.Compare(oldIt.Key(), newIt.Key())
			switch {
			case cmp < 0:
				diffs = append(diffs, DiffOp{Op: DiffDel, Key: oldIt.Key(), OldValue: oldIt.Value()})
				oldOK = oldIt.Advance()
			case cmp > 0:
				diffs = append(diffs, DiffOp{Op: DiffAdd, Key: newIt.Key(), NewValue: newIt.Value()})
				newOK = newIt.Advance()
			default:
				if !bytes.Equal(oldIt.Value(), newIt.Value()) {
					diffs = append(diffs, DiffOp{Op: DiffChange, Key: oldIt.Key(), OldValue: oldIt.Value(), NewValue: newIt.Value()})
				}
				oldOK = oldIt.Advance()
				newOK = newIt.Advance()
			}
		}
	}
	if err := oldIt.Err(); err != nil {
		return nil, err
	}
	if err := newIt.Err(); err != nil {
		return nil, err
	}
	return diffs, nil
}
