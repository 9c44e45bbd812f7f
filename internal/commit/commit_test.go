// Copyright 2024 The Syncengine Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package commit

import (
	"encoding/json"
	"testing"

	"github.com/kvreplica/syncengine/internal/chunk"
	"github.com/kvreplica/syncengine/internal/hash"
)

// memStore is a trivial in-process ChunkCreator+Reader for these tests, so
// commit chain logic can be exercised without a real dag/memdag store.
type memStore struct {
	chunks map[hash.Hash]*chunk.Chunk
}

func newMemStore() *memStore { return &memStore{chunks: map[hash.Hash]*chunk.Chunk{}} }

func (s *memStore) CreateChunk(data json.RawMessage, refs []hash.Hash) *chunk.Chunk {
	return chunk.New(data, refs)
}

func (s *memStore) GetChunk(h hash.Hash) (*chunk.Chunk, error) {
	if c, ok := s.chunks[h]; ok {
		return c, nil
	}
	return nil, errNotFound(h)
}

type errNotFound hash.Hash

func (e errNotFound) Error() string { return "not found: " + hash.Hash(e).String() }

func (s *memStore) put(d Data) *Commit {
	c, err := Build(s, d)
	if err != nil {
		panic(err)
	}
	s.chunks[c.Hash] = c
	cm, err := FromChunk(c)
	if err != nil {
		panic(err)
	}
	return cm
}

func TestChainAndBaseSnapshot(t *testing.T) {
	s := newMemStore()
	genesis := s.put(NewGenesisSnapshot(hash.Empty))

	l1 := s.put(NewLocal(genesis.Hash, "c1", 1, "createTodo", json.RawMessage(`{}`), hash.Empty, 100, hash.Empty, nil))
	l2 := s.put(NewLocal(l1.Hash, "c1", 2, "deleteTodo", json.RawMessage(`{}`), hash.Empty, 200, hash.Empty, nil))

	base, err := BaseSnapshotFromHash(s, l2.Hash)
	if err != nil {
		t.Fatal(err)
	}
	if base.Hash != genesis.Hash {
		t.Fatalf("base snapshot = %s, want genesis %s", base.Hash, genesis.Hash)
	}

	chain, err := Chain(s, l2.Hash)
	if err != nil {
		t.Fatal(err)
	}
	if len(chain) != 3 || chain[0].Hash != genesis.Hash || chain[2].Hash != l2.Hash {
		t.Fatalf("unexpected chain: %+v", chain)
	}

	locals, err := LocalMutations(s, l2.Hash)
	if err != nil {
		t.Fatal(err)
	}
	if len(locals) != 2 || locals[0].Hash != l2.Hash || locals[1].Hash != l1.Hash {
		t.Fatalf("LocalMutations not newest-first: %+v", locals)
	}
}

func TestGetMutationID(t *testing.T) {
	s := newMemStore()
	genesis := s.put(NewGenesisSnapshot(hash.Empty))
	l1 := s.put(NewLocal(genesis.Hash, "c1", 1, "m", nil, hash.Empty, 0, hash.Empty, nil))
	l2 := s.put(NewLocal(l1.Hash, "c1", 2, "m", nil, hash.Empty, 0, hash.Empty, nil))

	id, err := GetMutationID(s, l2, "c1")
	if err != nil || id != 2 {
		t.Fatalf("GetMutationID(c1) = %d, %v, want 2, nil", id, err)
	}
	// A client with no local commits on this chain falls back to the
	// base snapshot's recorded value (zero, since genesis acks nothing).
	id, err = GetMutationID(s, l2, "other")
	if err != nil || id != 0 {
		t.Fatalf("GetMutationID(other) = %d, %v, want 0, nil", id, err)
	}
}

func TestLocalMutationsGreaterThan(t *testing.T) {
	s := newMemStore()
	genesis := s.put(NewGenesisSnapshot(hash.Empty))
	l1 := s.put(NewLocal(genesis.Hash, "c1", 1, "m", nil, hash.Empty, 0, hash.Empty, nil))
	l2 := s.put(NewLocal(l1.Hash, "c1", 2, "m", nil, hash.Empty, 0, hash.Empty, nil))
	l3 := s.put(NewLocal(l2.Hash, "c1", 3, "m", nil, hash.Empty, 0, hash.Empty, nil))

	replay, err := LocalMutationsGreaterThan(s, l3.Hash, map[string]int64{"c1": 1})
	if err != nil {
		t.Fatal(err)
	}
	if len(replay) != 2 || replay[0].Hash != l2.Hash || replay[1].Hash != l3.Hash {
		t.Fatalf("replay set not oldest-first above threshold: %+v", replay)
	}
}

func TestJSONCookieComparator(t *testing.T) {
	var cmp JSONCookieComparator
	if cmp.Compare(nil, json.RawMessage(`"c1"`)) >= 0 {
		t.Fatal("nil cookie should order before any cookie")
	}
	if cmp.Compare(json.RawMessage(`1`), json.RawMessage(`2`)) >= 0 {
		t.Fatal("numeric cookies should compare numerically")
	}
	if cmp.Compare(json.RawMessage(`"a"`), json.RawMessage(`"a"`)) != 0 {
		t.Fatal("equal cookies should compare equal")
	}
}
