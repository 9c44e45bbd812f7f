// Copyright 2024 The Syncengine Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package syncengine

import (
	"context"
	"time"

	"github.com/kvreplica/syncengine/internal/btree"
	"github.com/kvreplica/syncengine/internal/client"
	"github.com/kvreplica/syncengine/internal/log"
	"github.com/kvreplica/syncengine/internal/persist"
	"github.com/kvreplica/syncengine/internal/recovery"
	"github.com/kvreplica/syncengine/internal/syncproto"
)

// startBackgroundLoops wires every scheduled task spec §4.8/§4.9/§5
// describes onto db.loop. Heartbeat and both GC sweeps touch only the
// perdag, which serializes itself internally (internal/dag.Store.WithWrite),
// so they run directly on their own goroutine rather than through
// loop.Submit; every operation that touches the memdag (push, pull, rebase,
// persist, refresh, and the user-facing Mutate/View in db.go) is submitted to
// the executor so at most one of them runs at a time, per spec §5's "at
// most one writer" and "persist/pull must not overlap" rules.
func (db *DB) startBackgroundLoops() {
	db.loop.Go(db.runHeartbeat)
	db.loop.Go(db.runClientGC)
	db.loop.Go(db.runClientGroupGC)
	db.loop.Go(db.runRecovery)
}

func (db *DB) runHeartbeat(ctx context.Context) error {
	ticker := time.NewTicker(db.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := client.Heartbeat(db.perdag, db.clientID, nowMillis(db.opts.Clock)); err != nil {
				log.Errorf("syncengine: heartbeat: %v", err)
			}
		}
	}
}

func (db *DB) runClientGC(ctx context.Context) error {
	ticker := time.NewTicker(db.opts.GCInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := client.GCClients(db.perdag, nowMillis(db.opts.Clock)); err != nil {
				log.Errorf("syncengine: client GC: %v", err)
			}
		}
	}
}

func (db *DB) runClientGroupGC(ctx context.Context) error {
	ticker := time.NewTicker(db.opts.GCInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := client.GCClientGroups(db.perdag); err != nil {
				log.Errorf("syncengine: client-group GC: %v", err)
			}
		}
	}
}

// runRecovery sweeps sibling on-disk databases for abandoned client groups
// with unacknowledged mutations (spec §4.9). It only needs the Pusher and
// Puller this instance was configured with; recovery opens its own perdag
// and a short-lived memdag per stale group, so it never touches db.mem and
// does not need to go through db.loop.Submit.
func (db *DB) runRecovery(ctx context.Context) error {
	if db.opts.Pusher == nil || db.opts.Puller == nil {
		return nil
	}
	ticker := time.NewTicker(db.opts.RecoveryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			recovery.Run(ctx, recovery.Options{
				Name:          db.opts.Name,
				OwnPath:       dbPath(db.opts.Dir, db.opts.Name, db.clientID),
				Lister:        recovery.GlobLister{Dir: db.opts.Dir},
				ProfileID:     db.opts.ProfileID,
				SchemaVersion: db.opts.SchemaVersion,
				PushVersion:   db.opts.PushVersion,
				PullVersion:   db.opts.PullVersion,
				Pusher:        db.opts.Pusher,
				Puller:        db.opts.Puller,
			})
		}
	}
}

// schedulePersist arms a timer that calls Persist PersistIdleTimeout after
// the mutation that scheduled it. Each Mutate arms its own timer; timers are
// never reset or coalesced, and no idle detection is done. A timer that
// fires after an earlier Persist already ran finds nothing dirty and
// returns.
func (db *DB) schedulePersist() {
	time.AfterFunc(db.opts.PersistIdleTimeout, func() {
		if err := db.Persist(); err != nil {
			log.Errorf("syncengine: persist: %v", err)
		}
	})
}

// Persist moves committed local mutations from the memdag into the perdag
// (spec §4.7 persist). It is a no-op if nothing is dirty.
func (db *DB) Persist() error {
	return db.loop.Submit(func(ctx context.Context) error {
		if !db.dirty {
			return nil
		}
		if err := persist.Persist(db.mem, db.perdag, db.clientID, db.clientGroupID, db.opts.Indexes, db.opts.Registry, db.opts.Cmp); err != nil {
			return err
		}
		db.dirty = false
		return nil
	})
}

// Refresh pulls any snapshot or local mutations another client in this
// client group already persisted to the perdag into this instance's memdag
// (spec §4.7 refresh). It returns the diffs the new data introduced, if
// any, and dispatches them to subscribers.
func (db *DB) Refresh() (map[string][]btree.DiffOp, error) {
	var diffs map[string][]btree.DiffOp
	err := db.loop.Submit(func(ctx context.Context) error {
		d, err := persist.Refresh(db.mem, db.perdag, db.clientID, db.opts.Indexes, db.opts.Registry, db.opts.Cmp, db.opts.RefreshGatherBytes)
		if err != nil {
			return err
		}
		diffs = d
		if len(d) > 0 {
			db.subs.Dispatch(d)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return diffs, nil
}

// Push posts every local mutation above the base snapshot to the server
// (spec §4.5). It returns nil, nil if there was nothing to push. Per the
// grounding ledger's Open Question 3 decision, Push is submitted through
// the same executor as every other memdag access rather than bypassing a
// separate persist/pull lock: the spec's "push does not take the
// persist/pull lock" clause is an optional concurrency optimization, not a
// correctness requirement, and splitting the already-built, synchronous
// internal/syncproto.Push into a separate read phase and network phase to
// support it is not worth the complexity here. Every push still only ever
// reads the memdag, so this is strictly more conservative than the spec
// requires, never less.
func (db *DB) Push(ctx context.Context) (*syncproto.HTTPRequestInfo, error) {
	var info *syncproto.HTTPRequestInfo
	err := db.loop.Submit(func(ctx context.Context) error {
		i, err := syncproto.Push(ctx, db.mem, mainHeadName, syncproto.PushOptions{
			ClientID:      db.clientID,
			ProfileID:     db.opts.ProfileID,
			ClientGroupID: db.clientGroupID,
			SchemaVersion: db.opts.SchemaVersion,
			PushVersion:   db.opts.PushVersion,
			Pusher:        db.opts.Pusher,
		})
		info = i
		return err
	})
	if err != nil {
		return nil, err
	}
	return info, nil
}

// Sync drives one full pull to convergence: beginPull, then
// maybeEndPull/rebase until the sync head has absorbed every local
// mutation the server didn't already know about (spec §4.6). It dispatches
// the resulting diffs, if any, and returns them.
func (db *DB) Sync(ctx context.Context) (map[string][]btree.DiffOp, error) {
	var diffs map[string][]btree.DiffOp
	err := db.loop.Submit(func(ctx context.Context) error {
		pullResult, err := syncproto.BeginPull(ctx, db.mem, syncproto.PullOptions{
			ProfileID:     db.opts.ProfileID,
			ClientID:      db.clientID,
			ClientGroupID: db.clientGroupID,
			SchemaVersion: db.opts.SchemaVersion,
			PullVersion:   db.opts.PullVersion,
			Puller:        db.opts.Puller,
		})
		if err != nil {
			return err
		}

		syncHead := pullResult.SyncHead
		for {
			end, err := syncproto.MaybeEndPull(db.mem, syncHead, db.clientID, db.opts.Cmp)
			if err != nil {
				return err
			}
			if end.Ended {
				diffs = end.Diffs
				db.dirty = true
				return nil
			}
			for _, original := range end.ReplayMutations {
				fn, _ := db.opts.Registry.Lookup(original.MutatorName)
				newHead, err := syncproto.RebaseMutation(db.mem, syncHead, original, db.opts.Indexes, fn)
				if err != nil {
					return err
				}
				syncHead = newHead
			}
		}
	})
	if err != nil {
		return nil, err
	}
	if len(diffs) > 0 {
		db.subs.Dispatch(diffs)
	}
	return diffs, nil
}
