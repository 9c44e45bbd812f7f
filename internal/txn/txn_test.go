// Copyright 2024 The Syncengine Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package txn

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/kvreplica/syncengine/internal/btree"
	"github.com/kvreplica/syncengine/internal/client"
	"github.com/kvreplica/syncengine/internal/dag"
	"github.com/kvreplica/syncengine/internal/hash"
	"github.com/kvreplica/syncengine/internal/kv/boltstore"
	"github.com/kvreplica/syncengine/internal/memdag"
)

func openTestMem(t *testing.T) (*memdag.Store, hash.Hash) {
	t.Helper()
	kvst, err := boltstore.Open(filepath.Join(t.TempDir(), "txn.db"))
	if err != nil {
		t.Fatalf("boltstore.Open: %v", err)
	}
	t.Cleanup(func() { kvst.Close() })
	perdag := dag.Open(kvst, "test")
	t.Cleanup(func() { perdag.Close() })

	_, c, _, err := client.InitClient(perdag, "client1", "", []string{"set"}, nil, btree.EmptyRootHash(), 0)
	if err != nil {
		t.Fatalf("InitClient: %v", err)
	}
	mem := memdag.Open(perdag, "client1", 0)
	t.Cleanup(func() { mem.Close() })
	return mem, c.HeadHash
}

// byValueIndex indexes every entry under its own raw value bytes, so each
// put/del is trivially checkable against the index's own scan order.
var byValueIndex = IndexDefinition{
	Name: "by_value",
	KeyFunc: func(key []byte, value json.RawMessage) ([]byte, bool) {
		return append([]byte(nil), value...), true
	},
}

// scanIndexValues drains a by-index scan into an ordered slice of values,
// for comparison against what's expected to remain indexed.
func scanIndexValues(t *testing.T, tx *ReadTx, indexName string) []string {
	t.Helper()
	it, err := tx.Scan(ScanOptions{IndexName: indexName})
	if err != nil {
		t.Fatalf("Scan(%s): %v", indexName, err)
	}
	defer it.Cancel()
	var got []string
	for it.Advance() {
		got = append(got, string(it.Value()))
	}
	if err := it.Err(); err != nil {
		t.Fatalf("iterator error: %v", err)
	}
	return got
}

// TestWriteTxMaintainsIndexOnPutAndDel checks that Put both writes the
// primary entry and maintains the configured secondary index, that
// overwriting a key replaces its old index entry rather than leaving a
// stale one behind, and that Del removes the index entry too (spec §4.4
// "Index maps are secondary B+Trees ... kept in sync with every put/del").
func TestWriteTxMaintainsIndexOnPutAndDel(t *testing.T) {
	mem, head := openTestMem(t)
	indexes := []IndexDefinition{byValueIndex}

	wtx, err := Open(mem, head, "client1", "set", nil, 1000, indexes, nil, hash.Empty)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := wtx.Put([]byte("a"), json.RawMessage(`"x"`)); err != nil {
		t.Fatalf("Put(a): %v", err)
	}
	if err := wtx.Put([]byte("b"), json.RawMessage(`"y"`)); err != nil {
		t.Fatalf("Put(b): %v", err)
	}
	// Overwriting a's value must retire its old index entry ("x") and add
	// the new one ("z"), not leave both indexed.
	if err := wtx.Put([]byte("a"), json.RawMessage(`"z"`)); err != nil {
		t.Fatalf("Put(a again): %v", err)
	}
	res, err := wtx.Commit()
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if len(res.Commit.Indexes) != 1 {
		t.Fatalf("commit has %d indexes, want 1", len(res.Commit.Indexes))
	}

	rtx, err := NewReadTx(mem, res.Hash)
	if err != nil {
		t.Fatalf("NewReadTx: %v", err)
	}
	got := scanIndexValues(t, rtx, "by_value")
	want := []string{`"y"`, `"z"`}
	if len(got) != len(want) {
		t.Fatalf("index values = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("index values = %v, want %v", got, want)
		}
	}

	wtx2, err := Open(mem, res.Hash, "client1", "set", nil, 1000, indexes, nil, hash.Empty)
	if err != nil {
		t.Fatalf("Open (2nd): %v", err)
	}
	if _, err := wtx2.Del([]byte("b")); err != nil {
		t.Fatalf("Del(b): %v", err)
	}
	res2, err := wtx2.Commit()
	if err != nil {
		t.Fatalf("Commit (2nd): %v", err)
	}
	rtx2, err := NewReadTx(mem, res2.Hash)
	if err != nil {
		t.Fatalf("NewReadTx (2nd): %v", err)
	}
	got2 := scanIndexValues(t, rtx2, "by_value")
	if len(got2) != 1 || got2[0] != `"z"` {
		t.Fatalf("index values after Del(b) = %v, want [\"z\"]", got2)
	}
}

// TestOpenWithNoIndexesLeavesCommitIndexesEmpty checks that a transaction
// opened with indexes=nil produces a commit with no IndexRecords, the
// baseline every index-preservation regression is contrasted against.
func TestOpenWithNoIndexesLeavesCommitIndexesEmpty(t *testing.T) {
	mem, head := openTestMem(t)

	wtx, err := Open(mem, head, "client1", "set", nil, 1000, nil, nil, hash.Empty)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := wtx.Put([]byte("a"), json.RawMessage(`"x"`)); err != nil {
		t.Fatalf("Put: %v", err)
	}
	res, err := wtx.Commit()
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if len(res.Commit.Indexes) != 0 {
		t.Fatalf("commit has %d indexes, want 0", len(res.Commit.Indexes))
	}
}
