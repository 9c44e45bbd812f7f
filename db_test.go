// Copyright 2024 The Syncengine Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package syncengine

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/kvreplica/syncengine/internal/btree"
	"github.com/kvreplica/syncengine/internal/client"
	"github.com/kvreplica/syncengine/internal/syncproto"
	"github.com/kvreplica/syncengine/internal/txn"
)

type setArgs struct {
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value"`
}

type testRegistry struct{}

func (testRegistry) Lookup(name string) (Mutator, bool) {
	if name != "set" {
		return nil, false
	}
	return func(tx *txn.WriteTx, args json.RawMessage) error {
		var a setArgs
		if err := json.Unmarshal(args, &a); err != nil {
			return err
		}
		return tx.Put([]byte(a.Key), a.Value)
	}, true
}

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(Options{
		Name:         "testapp",
		Dir:          t.TempDir(),
		MutatorNames: []string{"set"},
		Registry:     testRegistry{},
		// Long intervals so background loops never fire mid-test.
		HeartbeatInterval:  time.Hour,
		GCInterval:         time.Hour,
		RecoveryInterval:   time.Hour,
		PersistIdleTimeout: time.Hour,
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() {
		if err := db.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	})
	return db
}

func mustMarshal(t *testing.T, v interface{}) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	return b
}

// TestOpenAssignsClientIdentity checks a fresh Open mints a client and
// client group even with no ClientID supplied (spec §4.8 initClient NEW).
func TestOpenAssignsClientIdentity(t *testing.T) {
	db := openTestDB(t)
	if db.ClientID() == "" {
		t.Fatal("ClientID is empty")
	}
	if db.ClientGroupID() == "" {
		t.Fatal("ClientGroupID is empty")
	}
}

// TestMutateCommitsAndIsVisibleToView exercises the write path end to end:
// Mutate commits a local mutation, and View immediately observes it
// (spec §4.4 WriteTx/ReadTx).
func TestMutateCommitsAndIsVisibleToView(t *testing.T) {
	db := openTestDB(t)

	args := mustMarshal(t, setArgs{Key: "k", Value: json.RawMessage(`"v"`)})
	diffs, err := db.Mutate("set", args)
	if err != nil {
		t.Fatalf("Mutate: %v", err)
	}
	if len(diffs[""]) != 1 {
		t.Fatalf("diffs[\"\"] = %v, want one op", diffs[""])
	}

	var got json.RawMessage
	err = db.View(func(tx *txn.ReadTx) error {
		v, ok, err := tx.Get([]byte("k"))
		if err != nil {
			return err
		}
		if !ok {
			t.Fatal("key k not found after Mutate")
		}
		got = v
		return nil
	})
	if err != nil {
		t.Fatalf("View: %v", err)
	}
	if string(got) != `"v"` {
		t.Fatalf("got %s, want \"v\"", got)
	}
}

// TestMutateUnknownMutatorErrors checks Mutate rejects an unregistered
// mutator name instead of silently no-opping.
func TestMutateUnknownMutatorErrors(t *testing.T) {
	db := openTestDB(t)
	if _, err := db.Mutate("nope", json.RawMessage(`{}`)); err == nil {
		t.Fatal("Mutate with unknown mutator name: want error, got nil")
	}
}

// TestSubscribeDispatchedOnMutate checks a subscription fires with the
// diffs from a matching Mutate (spec §4.10).
func TestSubscribeDispatchedOnMutate(t *testing.T) {
	db := openTestDB(t)

	fired := make(chan map[string][]btree.DiffOp, 1)
	cancel := db.Subscribe("", []byte("k"), func(diffs map[string][]btree.DiffOp) {
		fired <- diffs
	})
	defer cancel()

	args := mustMarshal(t, setArgs{Key: "k", Value: json.RawMessage(`"v"`)})
	if _, err := db.Mutate("set", args); err != nil {
		t.Fatalf("Mutate: %v", err)
	}

	select {
	case diffs := <-fired:
		if len(diffs[""]) != 1 {
			t.Fatalf("dispatched diffs = %v, want one op", diffs[""])
		}
	case <-time.After(time.Second):
		t.Fatal("subscription was not dispatched within 1s")
	}
}

// TestSubscribeCancelStopsFurtherDispatch checks cancel prevents later
// Mutates from reaching a canceled subscriber.
func TestSubscribeCancelStopsFurtherDispatch(t *testing.T) {
	db := openTestDB(t)

	fired := make(chan struct{}, 1)
	cancel := db.Subscribe("", []byte("k"), func(diffs map[string][]btree.DiffOp) {
		fired <- struct{}{}
	})
	cancel()

	args := mustMarshal(t, setArgs{Key: "k", Value: json.RawMessage(`"v"`)})
	if _, err := db.Mutate("set", args); err != nil {
		t.Fatalf("Mutate: %v", err)
	}

	select {
	case <-fired:
		t.Fatal("canceled subscription was dispatched")
	case <-time.After(100 * time.Millisecond):
	}
}

// TestPersistMovesLocalMutationToPerdag checks Persist records the local
// mutation in the perdag's client group, clears the dirty flag, and does
// not error with nothing further to do on a second call (spec §4.7
// persist).
func TestPersistMovesLocalMutationToPerdag(t *testing.T) {
	db := openTestDB(t)

	args := mustMarshal(t, setArgs{Key: "k", Value: json.RawMessage(`1`)})
	if _, err := db.Mutate("set", args); err != nil {
		t.Fatalf("Mutate: %v", err)
	}
	if err := db.Persist(); err != nil {
		t.Fatalf("Persist: %v", err)
	}
	if db.dirty {
		t.Fatal("dirty flag still set after Persist")
	}
	groups, err := client.GetClientGroups(db.perdag)
	if err != nil {
		t.Fatalf("GetClientGroups: %v", err)
	}
	if g, ok := groups[db.clientGroupID]; !ok || g.MutationIDs[db.clientID] != 1 {
		t.Fatalf("perdag client group %q does not record mutation 1 for this client", db.clientGroupID)
	}
	if err := db.Persist(); err != nil {
		t.Fatalf("second Persist (no-op): %v", err)
	}
}

// fakePusher always reports a successful push with no mutations rejected.
type fakePusher struct{ called bool }

func (p *fakePusher) Push(ctx context.Context, req syncproto.PushRequest) (syncproto.PushResponse, syncproto.HTTPRequestInfo, error) {
	p.called = true
	return syncproto.PushResponse{}, syncproto.HTTPRequestInfo{HTTPStatusCode: 200}, nil
}

// TestPushWithNothingPendingIsNoop checks Push returns nil, nil rather
// than calling the pusher when there is nothing to push (spec §4.5 step 2).
func TestPushWithNothingPendingIsNoop(t *testing.T) {
	db := openTestDB(t)
	pusher := &fakePusher{}
	db.opts.Pusher = pusher

	info, err := db.Push(context.Background())
	if err != nil {
		t.Fatalf("Push: %v", err)
	}
	if info != nil {
		t.Fatalf("info = %+v, want nil", info)
	}
	if pusher.called {
		t.Fatal("Push called the pusher with nothing pending")
	}
}

// TestPushPostsPendingMutation checks Push calls the pusher once a local
// mutation exists above the base snapshot (spec §4.5).
func TestPushPostsPendingMutation(t *testing.T) {
	db := openTestDB(t)
	pusher := &fakePusher{}
	db.opts.Pusher = pusher

	args := mustMarshal(t, setArgs{Key: "k", Value: json.RawMessage(`1`)})
	if _, err := db.Mutate("set", args); err != nil {
		t.Fatalf("Mutate: %v", err)
	}

	info, err := db.Push(context.Background())
	if err != nil {
		t.Fatalf("Push: %v", err)
	}
	if info == nil || info.HTTPStatusCode != 200 {
		t.Fatalf("info = %+v, want HTTPStatusCode 200", info)
	}
	if !pusher.called {
		t.Fatal("Push did not call the pusher")
	}
}
