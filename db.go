// Copyright 2024 The Syncengine Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package syncengine

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/kvreplica/syncengine/internal/btree"
	"github.com/kvreplica/syncengine/internal/client"
	"github.com/kvreplica/syncengine/internal/clock"
	"github.com/kvreplica/syncengine/internal/dag"
	"github.com/kvreplica/syncengine/internal/errs"
	"github.com/kvreplica/syncengine/internal/hash"
	"github.com/kvreplica/syncengine/internal/kv"
	"github.com/kvreplica/syncengine/internal/kv/boltstore"
	"github.com/kvreplica/syncengine/internal/log"
	"github.com/kvreplica/syncengine/internal/loop"
	"github.com/kvreplica/syncengine/internal/memdag"
	"github.com/kvreplica/syncengine/internal/persist"
	"github.com/kvreplica/syncengine/internal/subscribe"
	"github.com/kvreplica/syncengine/internal/txn"
)

// mainHeadName is the memdag head every mutation, persist, and pull reads
// from and writes to, shared with internal/persist and internal/syncproto.
const mainHeadName = persist.MainHeadName

// DB is one embedder-facing instance of the engine: one perdag-backed
// bbolt file, one memdag overlay, one client identity, and the background
// loops spec §4.8/§4.9/§5 describe. A process may open many DBs (one per
// Name) but each DB pins all of its memdag/perdag access to a single
// internal/loop.Loop, matching spec §5's "single logical executor" model.
type DB struct {
	opts Options

	kv     kv.Store
	perdag *dag.Store
	mem    *memdag.Store
	loop   *loop.Loop
	subs   *subscribe.Registry

	clientID      string
	clientGroupID string

	dirty bool // set by Mutate/Sync, cleared once persist runs; touched only on the loop goroutine
}

func dbPath(dir, name, clientID string) string {
	return filepath.Join(dir, fmt.Sprintf("%s-%s.db", name, clientID))
}

func nowMillis(c clock.Clock) int64 {
	return clock.UnixMillis(c.Now())
}

// Open creates or resumes a DB per opts. The returned DB owns its
// background loops until Close is called.
func Open(opts Options) (*DB, error) {
	opts.setDefaults()
	if opts.ClientID == "" {
		opts.ClientID = hash.NewUUID().String()
	}

	path := dbPath(opts.Dir, opts.Name, opts.ClientID)
	kvst, err := boltstore.Open(path)
	if err != nil {
		return nil, err
	}
	perdag := dag.Open(kvst, opts.Name)

	indexNames := make([]string, len(opts.Indexes))
	for i, ix := range opts.Indexes {
		indexNames[i] = ix.Name
	}
	now := nowMillis(opts.Clock)
	_, c, groupID, err := client.InitClient(perdag, opts.ClientID, opts.PreferredClientGroupID, opts.MutatorNames, indexNames, btree.EmptyRootHash(), now)
	if err != nil {
		perdag.Close()
		kvst.Close()
		return nil, err
	}

	mem := memdag.Open(perdag, opts.ClientID, opts.CacheBytes)
	mem.SetHead(mainHeadName, c.HeadHash)

	db := &DB{
		opts:          opts,
		kv:            kvst,
		perdag:        perdag,
		mem:           mem,
		loop:          loop.New(nil),
		subs:          subscribe.New(),
		clientID:      opts.ClientID,
		clientGroupID: groupID,
	}
	db.startBackgroundLoops()
	return db, nil
}

// Close cancels every background loop and releases the perdag and bbolt
// file. It does not wait on an in-flight push/pull network call beyond its
// own completion; the loop simply discards the result once canceled,
// matching spec §5 "in-flight network calls are not canceled but their
// results are discarded".
func (db *DB) Close() error {
	if err := db.loop.Close(); err != nil {
		log.Errorf("syncengine: background loop error on close: %v", err)
	}
	db.mem.Close()
	// dag.Store.Close also closes the kv store it was opened over.
	return db.perdag.Close()
}

// ClientID returns this instance's client identity (spec §3 Client).
func (db *DB) ClientID() string { return db.clientID }

// ClientGroupID returns this instance's client-group identity (spec §3
// ClientGroup).
func (db *DB) ClientGroupID() string { return db.clientGroupID }

// View runs fn against a read-only snapshot of the current main head,
// serialized against every other memdag access via the executor loop
// (spec §5 "at most one writer per store at a time").
func (db *DB) View(fn func(tx *txn.ReadTx) error) error {
	return db.loop.Submit(func(ctx context.Context) error {
		rtx, err := txn.NewReadTx(db.mem, db.mem.GetHead(mainHeadName))
		if err != nil {
			return err
		}
		return fn(rtx)
	})
}

// Mutate invokes the named mutator against args, commits the resulting
// local mutation, dispatches subscribers, and marks the instance dirty for
// the idle-persist scheduler (spec §4.4 WriteTx, §4.10 dispatch, §5
// persist scheduling). It returns the mutation's diffs, keyed by index name
// ("" for the primary tree).
func (db *DB) Mutate(name string, args json.RawMessage) (map[string][]btree.DiffOp, error) {
	fn, ok := db.opts.Registry.Lookup(name)
	if !ok {
		return nil, errs.New(errs.ErrCorrupt, "unknown mutator: "+name)
	}

	var diffs map[string][]btree.DiffOp
	err := db.loop.Submit(func(ctx context.Context) error {
		basis := db.mem.GetHead(mainHeadName)
		wtx, err := txn.Open(db.mem, basis, db.clientID, name, args, nowMillis(db.opts.Clock), db.opts.Indexes, nil, hash.Empty)
		if err != nil {
			return err
		}
		if err := fn(wtx, args); err != nil {
			return err
		}
		res, err := wtx.Commit()
		if err != nil {
			return err
		}
		db.mem.SetHead(mainHeadName, res.Hash)
		db.dirty = true
		diffs = res.Diffs
		db.subs.Dispatch(res.Diffs)
		return nil
	})
	if err != nil {
		return nil, err
	}
	db.schedulePersist()
	return diffs, nil
}

// Subscribe registers fn to run whenever a committed diff touches a key
// with the given prefix in the named tree ("" = primary tree, spec §4.10).
// The returned cancel function is safe to call from any goroutine.
func (db *DB) Subscribe(index string, prefix []byte, fn subscribe.Func) (cancel func()) {
	var sub func()
	db.loop.Submit(func(ctx context.Context) error {
		sub = db.subs.Subscribe(index, prefix, fn)
		return nil
	})
	return func() {
		db.loop.Submit(func(ctx context.Context) error {
			sub()
			return nil
		})
	}
}
