// Copyright 2024 The Syncengine Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package dag

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"v.io/v23/verror"

	"github.com/kvreplica/syncengine/internal/errs"
	"github.com/kvreplica/syncengine/internal/hash"
	"github.com/kvreplica/syncengine/internal/kv/boltstore"
)

func openTest(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "perdag.db")
	kvst, err := boltstore.Open(path)
	if err != nil {
		t.Fatalf("boltstore.Open: %v", err)
	}
	s := Open(kvst, t.Name())
	t.Cleanup(func() { s.Close() })
	return s
}

func putChunk(t *testing.T, s *Store, data string, refs []hash.Hash) hash.Hash {
	t.Helper()
	var h hash.Hash
	c := s.CreateChunk(json.RawMessage(`"`+data+`"`), refs)
	err := s.WithWrite(func(w *WriteTxn) error {
		return w.PutChunk(c)
	})
	if err != nil {
		t.Fatalf("PutChunk: %v", err)
	}
	h = c.Hash
	return h
}

func TestPutGetChunk(t *testing.T) {
	s := openTest(t)
	h := putChunk(t, s, "leaf", nil)

	err := s.WithRead(func(r *ReadTxn) error {
		c, err := r.GetChunk(h)
		if err != nil {
			return err
		}
		var v string
		if err := c.Decode(&v); err != nil {
			return err
		}
		if v != "leaf" {
			t.Fatalf("decoded %q, want %q", v, "leaf")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("WithRead: %v", err)
	}
}

func TestGetChunkNotFound(t *testing.T) {
	s := openTest(t)
	err := s.WithRead(func(r *ReadTxn) error {
		_, err := r.GetChunk(hash.Hash("missing"))
		return err
	})
	if !errs.IsChunkNotFound(err) {
		t.Fatalf("got %v, want ErrChunkNotFound", err)
	}
}

func TestSetHeadCorruptOnUnknownChunk(t *testing.T) {
	s := openTest(t)
	err := s.WithWrite(func(w *WriteTxn) error {
		return w.SetHead("main", hash.Hash("nonexistent"))
	})
	if verror.ErrorID(err) != errs.ErrCorrupt.ID {
		t.Fatalf("got %v, want ErrCorrupt", err)
	}
}

func TestHeadMoveCollectsUnreachableChunk(t *testing.T) {
	s := openTest(t)

	leafHash := putChunk(t, s, "leaf", nil)
	rootHash := putChunk(t, s, "root1", []hash.Hash{leafHash})

	if err := s.WithWrite(func(w *WriteTxn) error {
		return w.SetHead("main", rootHash)
	}); err != nil {
		t.Fatalf("SetHead: %v", err)
	}

	// leaf reachable through root1; both chunks should still exist.
	if err := s.WithRead(func(r *ReadTxn) error {
		if _, err := r.GetChunk(leafHash); err != nil {
			return err
		}
		_, err := r.GetChunk(rootHash)
		return err
	}); err != nil {
		t.Fatalf("chunks should still be reachable: %v", err)
	}

	// Move the head to a new root with no reference to leaf; leaf and the
	// old root should be collected.
	newLeafHash := putChunk(t, s, "leaf2", nil)
	newRootHash := putChunk(t, s, "root2", []hash.Hash{newLeafHash})
	if err := s.WithWrite(func(w *WriteTxn) error {
		return w.SetHead("main", newRootHash)
	}); err != nil {
		t.Fatalf("SetHead: %v", err)
	}

	err := s.WithRead(func(r *ReadTxn) error {
		if _, err := r.GetChunk(leafHash); !errs.IsChunkNotFound(err) {
			t.Fatalf("old leaf should be collected, got err=%v", err)
		}
		if _, err := r.GetChunk(rootHash); !errs.IsChunkNotFound(err) {
			t.Fatalf("old root should be collected, got err=%v", err)
		}
		if _, err := r.GetChunk(newLeafHash); err != nil {
			t.Fatalf("new leaf should be reachable: %v", err)
		}
		if _, err := r.GetChunk(newRootHash); err != nil {
			t.Fatalf("new root should be reachable: %v", err)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestSharedChunkSurvivesOneHeadMove(t *testing.T) {
	s := openTest(t)

	sharedHash := putChunk(t, s, "shared", nil)
	root1Hash := putChunk(t, s, "root1", []hash.Hash{sharedHash})
	root2Hash := putChunk(t, s, "root2", []hash.Hash{sharedHash})

	if err := s.WithWrite(func(w *WriteTxn) error {
		return w.SetHead("a", root1Hash)
	}); err != nil {
		t.Fatalf("SetHead a: %v", err)
	}
	if err := s.WithWrite(func(w *WriteTxn) error {
		return w.SetHead("b", root2Hash)
	}); err != nil {
		t.Fatalf("SetHead b: %v", err)
	}

	// Remove head "a"; shared chunk is still referenced via head "b".
	if err := s.WithWrite(func(w *WriteTxn) error {
		return w.RemoveHead("a")
	}); err != nil {
		t.Fatalf("RemoveHead a: %v", err)
	}

	err := s.WithRead(func(r *ReadTxn) error {
		if _, err := r.GetChunk(sharedHash); err != nil {
			return err
		}
		if _, err := r.GetChunk(root2Hash); err != nil {
			return err
		}
		_, err := r.GetChunk(root1Hash)
		if !errs.IsChunkNotFound(err) {
			t.Fatalf("root1 should be collected once head a is removed, got err=%v", err)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestRemoveHeadMissingIsNoop(t *testing.T) {
	s := openTest(t)
	err := s.WithWrite(func(w *WriteTxn) error {
		return w.RemoveHead("nosuchhead")
	})
	if err != nil {
		t.Fatalf("RemoveHead on missing head should be a no-op, got %v", err)
	}
}

func TestGetHeadNotFound(t *testing.T) {
	s := openTest(t)
	err := s.WithRead(func(r *ReadTxn) error {
		_, err := r.GetHead("nosuchhead")
		return err
	})
	if !errs.IsChunkNotFound(err) {
		t.Fatalf("got %v, want ErrChunkNotFound", err)
	}
}
