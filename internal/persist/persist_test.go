// Copyright 2024 The Syncengine Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package persist

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/kvreplica/syncengine/internal/btree"
	"github.com/kvreplica/syncengine/internal/client"
	"github.com/kvreplica/syncengine/internal/commit"
	"github.com/kvreplica/syncengine/internal/dag"
	"github.com/kvreplica/syncengine/internal/hash"
	"github.com/kvreplica/syncengine/internal/kv/boltstore"
	"github.com/kvreplica/syncengine/internal/memdag"
	"github.com/kvreplica/syncengine/internal/txn"
)

// setMutatorArgs is what the "set" mutator below expects in MutatorArgs.
type setMutatorArgs struct {
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value"`
}

// fakeRegistry replays a single "set" mutator deterministically from its
// args, standing in for an embedder's real mutator map.
type fakeRegistry struct{}

func (fakeRegistry) Lookup(name string) (txn.Mutator, bool) {
	if name != "set" {
		return nil, false
	}
	return func(tx *txn.WriteTx, args json.RawMessage) error {
		var a setMutatorArgs
		if err := json.Unmarshal(args, &a); err != nil {
			return err
		}
		return tx.Put([]byte(a.Key), a.Value)
	}, true
}

func newPerdag(t *testing.T) *dag.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "perdag.db")
	kvst, err := boltstore.Open(path)
	if err != nil {
		t.Fatalf("boltstore.Open: %v", err)
	}
	s := dag.Open(kvst, t.Name())
	t.Cleanup(func() { s.Close() })
	return s
}

func mustPut(t *testing.T, mem *memdag.Store, basis hash.Hash, clientID, key, value string) hash.Hash {
	t.Helper()
	return mustPutIndexed(t, mem, basis, clientID, key, value, nil)
}

func mustPutIndexed(t *testing.T, mem *memdag.Store, basis hash.Hash, clientID, key, value string, indexes []txn.IndexDefinition) hash.Hash {
	t.Helper()
	args, _ := json.Marshal(setMutatorArgs{Key: key, Value: json.RawMessage(value)})
	wtx, err := txn.Open(mem, basis, clientID, "set", args, 1000, indexes, nil, hash.Empty)
	if err != nil {
		t.Fatalf("txn.Open: %v", err)
	}
	if err := wtx.Put([]byte(key), json.RawMessage(value)); err != nil {
		t.Fatalf("Put: %v", err)
	}
	res, err := wtx.Commit()
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	return res.Hash
}

// byValueIndex indexes every entry under its own raw value bytes.
var byValueIndex = txn.IndexDefinition{
	Name: "by_value",
	KeyFunc: func(key []byte, value json.RawMessage) ([]byte, bool) {
		return append([]byte(nil), value...), true
	},
}

// TestPersistMovesBaseAndRebasesMutations exercises spec §8 S4: a fresh
// client mutates three times in the memdag, then Persist moves the base
// snapshot into the perdag and rebases the three local mutations on top of
// it, updating clientGroup.mutationIDs accordingly.
func TestPersistMovesBaseAndRebasesMutations(t *testing.T) {
	perdag := newPerdag(t)
	mem := memdag.Open(perdag, t.Name(), 0)
	defer mem.Close()

	_, c, groupID, err := client.InitClient(perdag, "client1", "", []string{"set"}, nil, btree.EmptyRootHash(), 0)
	if err != nil {
		t.Fatal(err)
	}
	mem.SetHead(MainHeadName, c.HeadHash)

	head := c.HeadHash
	head = mustPut(t, mem, head, "client1", "a", `1`)
	head = mustPut(t, mem, head, "client1", "b", `2`)
	head = mustPut(t, mem, head, "client1", "c", `3`)
	mem.SetHead(MainHeadName, head)

	if err := Persist(mem, perdag, "client1", groupID, nil, fakeRegistry{}, commit.JSONCookieComparator{}); err != nil {
		t.Fatalf("Persist: %v", err)
	}

	groups, err := client.GetClientGroups(perdag)
	if err != nil {
		t.Fatal(err)
	}
	g := groups[groupID]
	if g.MutationIDs["client1"] != 3 {
		t.Fatalf("mutationIDs[client1] = %d, want 3", g.MutationIDs["client1"])
	}

	err = perdag.WithRead(func(r *dag.ReadTxn) error {
		rtx, err := txn.NewReadTx(r, g.HeadHash)
		if err != nil {
			return err
		}
		for k, want := range map[string]string{"a": "1", "b": "2", "c": "3"} {
			v, ok, err := rtx.Get([]byte(k))
			if err != nil {
				return err
			}
			if !ok || string(v) != want {
				t.Fatalf("key %q = %q, %v; want %q", k, v, ok, want)
			}
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

// TestRefreshPullsPerdagStateIntoFreshMemdag exercises a second tab's memdag
// catching up to state another tab already persisted (spec §4.7 Refresh).
func TestRefreshPullsPerdagStateIntoFreshMemdag(t *testing.T) {
	perdag := newPerdag(t)
	mem1 := memdag.Open(perdag, "mem1", 0)
	defer mem1.Close()

	_, c1, groupID, err := client.InitClient(perdag, "client1", "", []string{"set"}, nil, btree.EmptyRootHash(), 0)
	if err != nil {
		t.Fatal(err)
	}
	mem1.SetHead(MainHeadName, c1.HeadHash)

	// client2 joins the same group while it is still at the genesis
	// snapshot, before client1's mutation is persisted, so its memdag has
	// something real to catch up on below.
	mem2 := memdag.Open(perdag, "mem2", 0)
	defer mem2.Close()
	_, c2, groupID2, err := client.InitClient(perdag, "client2", groupID, []string{"set"}, nil, btree.EmptyRootHash(), 0)
	if err != nil {
		t.Fatal(err)
	}
	if groupID2 != groupID {
		t.Fatalf("client2 joined group %s, want %s", groupID2, groupID)
	}
	mem2.SetHead(MainHeadName, c2.HeadHash)

	head := mustPut(t, mem1, c1.HeadHash, "client1", "k", `"v"`)
	mem1.SetHead(MainHeadName, head)
	if err := Persist(mem1, perdag, "client1", groupID, nil, fakeRegistry{}, commit.JSONCookieComparator{}); err != nil {
		t.Fatalf("Persist: %v", err)
	}

	diffs, err := Refresh(mem2, perdag, "client2", nil, fakeRegistry{}, commit.JSONCookieComparator{}, 0)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	_ = diffs

	rtx, err := txn.NewReadTx(mem2, mem2.GetHead(MainHeadName))
	if err != nil {
		t.Fatal(err)
	}
	v, ok, err := rtx.Get([]byte("k"))
	if err != nil {
		t.Fatal(err)
	}
	if !ok || string(v) != `"v"` {
		t.Fatalf("after refresh, key %q = %q, %v; want %q", "k", v, ok, `"v"`)
	}
}

// TestPersistPreservesIndexesAcrossRebase checks that a local mutation
// committed with a secondary index still carries that index once Persist
// rebases it onto the perdag base snapshot (spec §4.4, §4.7); this is the
// rebase path rebaseOne drives directly, as opposed to the one
// internal/syncproto.RebaseMutation drives during Sync.
func TestPersistPreservesIndexesAcrossRebase(t *testing.T) {
	perdag := newPerdag(t)
	mem := memdag.Open(perdag, t.Name(), 0)
	defer mem.Close()

	_, c, groupID, err := client.InitClient(perdag, "client1", "", []string{"set"}, nil, btree.EmptyRootHash(), 0)
	if err != nil {
		t.Fatal(err)
	}
	mem.SetHead(MainHeadName, c.HeadHash)

	indexes := []txn.IndexDefinition{byValueIndex}
	head := mustPutIndexed(t, mem, c.HeadHash, "client1", "a", `"1"`, indexes)
	mem.SetHead(MainHeadName, head)

	if err := Persist(mem, perdag, "client1", groupID, indexes, fakeRegistry{}, commit.JSONCookieComparator{}); err != nil {
		t.Fatalf("Persist: %v", err)
	}

	groups, err := client.GetClientGroups(perdag)
	if err != nil {
		t.Fatal(err)
	}
	g := groups[groupID]

	err = perdag.WithRead(func(r *dag.ReadTxn) error {
		rtx, err := txn.NewReadTx(r, g.HeadHash)
		if err != nil {
			return err
		}
		if len(rtx.Commit.Indexes) != 1 {
			t.Fatalf("persisted commit has %d indexes, want 1 (index was dropped on rebase)", len(rtx.Commit.Indexes))
		}
		it, err := rtx.Scan(txn.ScanOptions{IndexName: "by_value"})
		if err != nil {
			return err
		}
		defer it.Cancel()
		if !it.Advance() {
			t.Fatal("index scan found no entries after persist; index was dropped")
		}
		if string(it.Value()) != `"1"` {
			t.Fatalf("index entry value = %s, want \"1\"", it.Value())
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}
