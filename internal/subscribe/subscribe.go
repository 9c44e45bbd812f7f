// Copyright 2024 The Syncengine Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package subscribe implements the query-dependency tracking and diff
// dispatch described in spec §4.10: every WriteTx commit and every
// maybeEndPull that moves the main head computes a diff and invokes every
// subscriber whose watched key prefix intersects a changed key. Grounded
// on services/syncbase/server/watchable/stream.go's streaming-diff idiom,
// adapted from a server-push watch log to synchronous, in-process
// dispatch: spec §5's single cooperative-goroutine model means no locking
// is needed around dispatch itself.
package subscribe

import (
	"bytes"
	"encoding/json"

	"github.com/kvreplica/syncengine/internal/btree"
)

// Func receives the diff ops (across the primary tree and every index,
// keyed the same way as txn.Result.Diffs) relevant to one subscriber's
// watched prefixes.
type Func func(diffs map[string][]btree.DiffOp)

type subscription struct {
	id     int64
	prefix []byte  // watched key prefix in the tree named by index ("" = primary); empty matches every key
	index  string
	fn     Func
	last   string // JSON-ish fingerprint of the last dispatched diff, for dedup
}

// Registry tracks active subscribers and dispatches diffs to the ones
// whose watched prefix intersects a change (spec §4.10).
type Registry struct {
	next int64
	subs map[int64]*subscription
}

// New returns an empty subscriber registry.
func New() *Registry {
	return &Registry{subs: make(map[int64]*subscription)}
}

// Subscribe registers fn to be invoked whenever a committed diff touches a
// key with the given prefix in the named tree ("" = primary). It returns a
// cancel function removing the subscription.
func (r *Registry) Subscribe(index string, prefix []byte, fn Func) (cancel func()) {
	r.next++
	id := r.next
	r.subs[id] = &subscription{id: id, prefix: prefix, index: index, fn: fn}
	return func() { delete(r.subs, id) }
}

// Dispatch computes, for every subscriber, the subset of diffs (by tree)
// whose keys intersect that subscriber's watched prefix, and invokes fn
// once per subscriber whose filtered result is non-empty and differs from
// its previous invocation (spec §4.10 "Dedup: a subscriber is only
// re-invoked if its computed result... differs from the previous
// invocation's result").
func (r *Registry) Dispatch(diffs map[string][]btree.DiffOp) {
	for _, sub := range r.subs {
		ops, ok := diffs[sub.index]
		if !ok {
			continue
		}
		var matched []btree.DiffOp
		for _, op := range ops {
			if bytes.HasPrefix(op.Key, sub.prefix) {
				matched = append(matched, op)
			}
		}
		if len(matched) == 0 {
			continue
		}
		fp := fingerprint(matched)
		if fp == sub.last {
			continue
		}
		sub.last = fp
		sub.fn(map[string][]btree.DiffOp{sub.index: matched})
	}
}

// fingerprint renders ops deterministically for the dedup comparison (spec
// §9 "Dynamic typing of JSON... the only operation is deep equality").
func fingerprint(ops []btree.DiffOp) string {
	type wire struct {
		Op       int             `json:"op"`
		Key      string          `json:"key"`
		OldValue json.RawMessage `json:"old,omitempty"`
		NewValue json.RawMessage `json:"new,omitempty"`
	}
	out := make([]wire, len(ops))
	for i, op := range ops {
		out[i] = wire{Op: int(op.Op), Key: string(op.Key), OldValue: op.OldValue, NewValue: op.NewValue}
	}
	b, _ := json.Marshal(out)
	return string(b)
}
