// Copyright 2024 The Syncengine Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package client

import (
	"path/filepath"
	"testing"

	"github.com/kvreplica/syncengine/internal/btree"
	"github.com/kvreplica/syncengine/internal/dag"
	"github.com/kvreplica/syncengine/internal/kv/boltstore"
)

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

// TestInitClientNewEmptyDB exercises spec §8 S1: a brand-new client on an
// empty database gets a fresh group with a genesis snapshot.
func TestInitClientNewEmptyDB(t *testing.T) {
	store := newPerdag(t)
	decision, c, groupID, err := InitClient(store, "client1", "", []string{"createTodo"}, nil, btree.EmptyRootHash(), 1000)
	if err != nil {
		t.Fatal(err)
	}
	if decision != DecisionNew {
		t.Fatalf("decision = %v, want DecisionNew", decision)
	}
	if c.ClientGroupID != groupID {
		t.Fatalf("client's group id %q != returned group id %q", c.ClientGroupID, groupID)
	}

	groups, err := GetClientGroups(store)
	if err != nil {
		t.Fatal(err)
	}
	g, ok := groups[groupID]
	if !ok {
		t.Fatalf("group %s not persisted", groupID)
	}
	if g.HeadHash != c.HeadHash {
		t.Fatalf("group head %s != client head %s", g.HeadHash, c.HeadHash)
	}
}

func TestInitClientReusesSameClient(t *testing.T) {
	store := newPerdag(t)
	_, first, groupID, err := InitClient(store, "client1", "", nil, nil, btree.EmptyRootHash(), 1000)
	if err != nil {
		t.Fatal(err)
	}
	decision, second, groupID2, err := InitClient(store, "client1", "", nil, nil, btree.EmptyRootHash(), 2000)
	if err != nil {
		t.Fatal(err)
	}
	if decision != DecisionHead {
		t.Fatalf("second InitClient decision = %v, want DecisionHead", decision)
	}
	if groupID2 != groupID || second.HeadHash != first.HeadHash {
		t.Fatalf("expected same group/head on reopen, got %+v vs %+v", second, first)
	}
}

func TestGCClientsRemovesStale(t *testing.T) {
	store := newPerdag(t)
	_, _, _, err := InitClient(store, "stale", "", nil, nil, btree.EmptyRootHash(), 0)
	if err != nil {
		t.Fatal(err)
	}
	removed, err := GCClients(store, ClientMaxAgeMs+1)
	if err != nil {
		t.Fatal(err)
	}
	if len(removed) != 1 || removed[0] != "stale" {
		t.Fatalf("GCClients removed %v, want [stale]", removed)
	}
	clients, err := GetClients(store)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := clients["stale"]; ok {
		t.Fatal("stale client still present after GC")
	}
}

func TestGCClientGroupsKeepsPending(t *testing.T) {
	store := newPerdag(t)
	_, c, groupID, err := InitClient(store, "c1", "", nil, nil, btree.EmptyRootHash(), 0)
	if err != nil {
		t.Fatal(err)
	}
	// Remove the only client but leave a pending (unacked) mutation on
	// its group: GC must not collect the group.
	if err := WithRegistry(store, func(w *dag.WriteTxn, clients Map, groups GroupMap) error {
		delete(clients, "c1")
		groups[groupID].MutationIDs["c1"] = 1
		groups[groupID].LastServerAckdMutationIDs["c1"] = 0
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	removed, err := GCClientGroups(store)
	if err != nil {
		t.Fatal(err)
	}
	if len(removed) != 0 {
		t.Fatalf("group with pending mutations was collected: %v (client head %s)", removed, c.HeadHash)
	}

	// Acknowledge the mutation: now GC should collect it.
	if err := WithRegistry(store, func(w *dag.WriteTxn, clients Map, groups GroupMap) error {
		groups[groupID].LastServerAckdMutationIDs["c1"] = 1
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	removed, err = GCClientGroups(store)
	if err != nil {
		t.Fatal(err)
	}
	if len(removed) != 1 || removed[0] != groupID {
		t.Fatalf("GCClientGroups = %v, want [%s]", removed, groupID)
	}
}
