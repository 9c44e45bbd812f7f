// Copyright 2024 The Syncengine Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package recovery implements mutation recovery for abandoned clients and
// client groups discovered in other local databases (spec §2 C12, §4.9).
// Grounded on vsync/util.go's forEachDatabaseStore iteration idiom
// (iterate every sibling database, log-and-continue on a per-database
// error so one bad database never aborts the sweep), adapted from
// per-app/per-db store enumeration to a flat list of sibling bbolt files
// sharing this engine's name.
package recovery

import (
	"context"
	"path/filepath"

	"github.com/kvreplica/syncengine/internal/client"
	"github.com/kvreplica/syncengine/internal/commit"
	"github.com/kvreplica/syncengine/internal/dag"
	"github.com/kvreplica/syncengine/internal/errs"
	"github.com/kvreplica/syncengine/internal/kv/boltstore"
	"github.com/kvreplica/syncengine/internal/log"
	"github.com/kvreplica/syncengine/internal/memdag"
	"github.com/kvreplica/syncengine/internal/syncproto"
)

// RecoveryCacheBytes is the memdag cache bound for the temporary lazy store
// recovery opens over each other database (spec §4.9 step 2a "10 MiB
// cache").
const RecoveryCacheBytes = 10 * 1024 * 1024

// Lister enumerates the on-disk databases that share this engine's name,
// the way the environment "advertises" sibling IndexedDB databases to a
// Replicache instance (spec §4.9 "other IndexedDB-like database advertised
// by the environment that matches this... name"). OwnPath is excluded by
// the caller of Run, not by the Lister itself.
type Lister interface {
	ListDatabases(name string) ([]string, error)
}

// GlobLister implements Lister by globbing bbolt database files in a
// directory, grounded on server/app.go's use of util.Glob to enumerate
// sibling databases by name pattern.
type GlobLister struct {
	Dir string
}

// ListDatabases returns every "<name>-*.db" file under l.Dir.
func (l GlobLister) ListDatabases(name string) ([]string, error) {
	return filepath.Glob(filepath.Join(l.Dir, name+"-*.db"))
}

// Options configures a recovery sweep (spec §4.9 "using this instance's
// pusher/pushURL/auth").
type Options struct {
	Name          string
	OwnPath       string
	Lister        Lister
	ProfileID     string
	SchemaVersion string
	PushVersion   int
	PullVersion   int
	Pusher        syncproto.Pusher
	Puller        syncproto.Puller
}

// Run sweeps every other local database matching opts.Name and attempts to
// push and pull on behalf of any client group with unacknowledged
// mutations (spec §4.9). Every per-database error is logged and swallowed;
// recovery never propagates a failure to the caller ("recovery never
// propagates to the owning instance").
func Run(ctx context.Context, opts Options) {
	paths, err := opts.Lister.ListDatabases(opts.Name)
	if err != nil {
		log.Errorf("recovery: listing databases for %s: %v", opts.Name, err)
		return
	}
	for _, path := range paths {
		if path == opts.OwnPath {
			continue
		}
		if err := recoverDatabase(ctx, path, opts); err != nil {
			log.Errorf("recovery: %s: %v", path, err)
		}
	}
}

func recoverDatabase(ctx context.Context, path string, opts Options) error {
	kvst, err := boltstore.Open(path)
	if err != nil {
		return err
	}
	defer kvst.Close()

	perdag := dag.Open(kvst, filepath.Base(path))
	defer perdag.Close()

	clients, err := client.GetClients(perdag)
	if err != nil {
		return err
	}
	representative := map[string]string{}
	for id, c := range clients {
		representative[c.ClientGroupID] = id
	}

	groups, err := client.GetClientGroups(perdag)
	if err != nil {
		return err
	}

	for groupID, group := range groups {
		if group.Disabled || !client.GroupHasPendingMutations(group) {
			continue
		}
		if err := recoverGroup(ctx, perdag, groupID, representative[groupID], group, opts); err != nil {
			log.Errorf("recovery: %s: group %s: %v", path, groupID, err)
		}
	}
	return nil
}

// recoverGroup drives one stale client group through push then beginPull
// on a temporary lazy store, exactly as spec §4.9 step 2 describes.
// clientID is any one of the group's member clients, used only to identify
// the caller on the wire (spec §4.9 step 2c "parameterized with the other
// client's identity"); DD31's push/pull bodies otherwise key everything off
// clientGroupID.
func recoverGroup(ctx context.Context, perdag *dag.Store, groupID, clientID string, group *client.ClientGroup, opts Options) error {
	mem := memdag.Open(perdag, "recovery-"+groupID, RecoveryCacheBytes)
	defer mem.Close()
	mem.SetHead(syncproto.MainHeadName, group.HeadHash)

	pushOpts := syncproto.PushOptions{
		ClientID:      clientID,
		ProfileID:     opts.ProfileID,
		ClientGroupID: groupID,
		SchemaVersion: opts.SchemaVersion,
		PushVersion:   opts.PushVersion,
		Pusher:        opts.Pusher,
	}
	info, err := syncproto.Push(ctx, mem, syncproto.MainHeadName, pushOpts)
	if err != nil {
		return err
	}
	if info == nil || info.HTTPStatusCode != 200 {
		return nil
	}

	pullOpts := syncproto.PullOptions{
		ClientID:      clientID,
		ProfileID:     opts.ProfileID,
		ClientGroupID: groupID,
		SchemaVersion: opts.SchemaVersion,
		PullVersion:   opts.PullVersion,
		Puller:        opts.Puller,
	}
	result, err := syncproto.BeginPull(ctx, mem, pullOpts)
	if err != nil {
		if errs.IsClientStateNotFound(err) {
			return deleteGroup(perdag, groupID)
		}
		return err
	}

	synced, err := commit.FromHash(mem, result.SyncHead)
	if err != nil {
		return err
	}
	return ackMutations(perdag, groupID, synced.LastMutationIDs)
}

// ackMutations updates groupID's lastServerAckdMutationIDs to the server's
// reported values, never regressing a client id below what recovery
// already recorded for it (spec §8 invariant 8: "never advance... beyond
// the server's reported lastMutationID and never below the previous
// value").
func ackMutations(perdag *dag.Store, groupID string, ackd map[string]int64) error {
	return client.WithRegistry(perdag, func(w *dag.WriteTxn, clients client.Map, groups client.GroupMap) error {
		g, ok := groups[groupID]
		if !ok {
			return nil // GC'd concurrently; nothing left to update.
		}
		if g.LastServerAckdMutationIDs == nil {
			g.LastServerAckdMutationIDs = map[string]int64{}
		}
		for id, mid := range ackd {
			if mid > g.LastServerAckdMutationIDs[id] {
				g.LastServerAckdMutationIDs[id] = mid
			}
		}
		return nil
	})
}

// deleteGroup removes groupID and every client pointing at it, in response
// to a ClientStateNotFound response during recovery (spec §4.9 step 2e).
func deleteGroup(perdag *dag.Store, groupID string) error {
	return client.WithRegistry(perdag, func(w *dag.WriteTxn, clients client.Map, groups client.GroupMap) error {
		delete(groups, groupID)
		for id, c := range clients {
			if c.ClientGroupID == groupID {
				delete(clients, id)
			}
		}
		return nil
	})
}
