// Copyright 2024 The Syncengine Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package chunk implements the immutable (hash, data, refs) triples that are
// the storage unit of the DAG (spec §3 "Chunk").
package chunk

import (
	"encoding/json"

	"github.com/kvreplica/syncengine/internal/hash"
)

// Chunk is an immutable content-addressed record. Data is kept as raw JSON
// so the engine never needs to know the shape of what it stores (spec §9
// "Dynamic typing of JSON" — values pass through the engine opaque); Refs is
// the exact set of chunks that Data references, maintained by whoever
// constructs the chunk, since refcounting depends on it being exact (spec
// §3).
type Chunk struct {
	Hash hash.Hash
	Data json.RawMessage
	Refs []hash.Hash
}

// New builds a chunk by computing the content hash of data. It does not
// write anything; writing is the store's job (spec §4.1 createChunk).
func New(data json.RawMessage, refs []hash.Hash) *Chunk {
	cp := make(json.RawMessage, len(data))
	copy(cp, data)
	return &Chunk{
		Hash: hash.Of(data),
		Data: cp,
		Refs: append([]hash.Hash(nil), refs...),
	}
}

// NewTemp builds a chunk named with a fresh UUID hash rather than a content
// hash, for chunks owned by the memdag before they are ever persisted
// (spec §4.1).
func NewTemp(data json.RawMessage, refs []hash.Hash) *Chunk {
	c := New(data, refs)
	c.Hash = hash.NewUUID()
	return c
}

// Size estimates the on-disk footprint of the chunk: its JSON payload plus
// a fixed per-chunk envelope. Used by the memdag's source-chunk cache to
// account for its 100 MiB bound (spec §4.1).
func (c *Chunk) Size() int {
	return len(c.Data) + 16*len(c.Refs) + 32
}

// Decode unmarshals the chunk's data into v.
func (c *Chunk) Decode(v interface{}) error {
	return json.Unmarshal(c.Data, v)
}

// Encode marshals v and refs into a new chunk, computing its content hash.
func Encode(v interface{}, refs []hash.Hash) (*Chunk, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return New(data, refs), nil
}
