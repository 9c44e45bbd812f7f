// Copyright 2024 The Syncengine Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package client implements the per-browser-profile client registry and
// its garbage collection (spec §2 C11, §3 "Client"/"ClientGroup", §4.8).
// Grounded on vsync/sync.go's syncService/heartbeat-goroutine pattern
// (registry of peer device records, periodic heartbeat, staleness-based
// eviction) and common/key_util_test.go's key-encoding conventions,
// generalized from per-device sync state to per-tab client records.
package client

import (
	"encoding/json"
	"sort"

	"github.com/kvreplica/syncengine/internal/commit"
	"github.com/kvreplica/syncengine/internal/dag"
	"github.com/kvreplica/syncengine/internal/errs"
	"github.com/kvreplica/syncengine/internal/hash"
	"github.com/kvreplica/syncengine/internal/log"
)

const (
	clientsHeadName      = "clients"
	clientGroupsHeadName = "client-groups"

	// ClientMaxAgeMs is how long a client may go without a heartbeat
	// before client GC removes it (spec §3 "garbage-collected after 14
	// days of inactivity").
	ClientMaxAgeMs = 14 * 24 * 60 * 60 * 1000
)

// Client is a per-tab identity record (spec §3 "Client (DD31)").
type Client struct {
	ClientGroupID        string    `json:"clientGroupID"`
	HeadHash             hash.Hash `json:"headHash"`
	HeartbeatTimestampMs int64     `json:"heartbeatTimestampMs"`
	TempRefreshHash      hash.Hash `json:"tempRefreshHash,omitempty"`
}

// ClientGroup is the unit of server-side state shared by clients with
// identical mutator/index definitions (spec §3 "ClientGroup (DD31)").
type ClientGroup struct {
	HeadHash                  hash.Hash        `json:"headHash"`
	MutationIDs               map[string]int64 `json:"mutationIDs"`
	LastServerAckdMutationIDs map[string]int64 `json:"lastServerAckdMutationIDs"`
	MutatorNames              []string         `json:"mutatorNames"`
	IndexNames                []string         `json:"indexNames"`
	Disabled                  bool             `json:"disabled,omitempty"`
}

// Map/GroupMap are the decoded chunk payloads behind the "clients" and
// "client-groups" perdag heads (spec §4.8, §6 persisted state layout).
type Map map[string]*Client
type GroupMap map[string]*ClientGroup

func readMap(store *dag.Store, head string, out interface{}) error {
	return store.WithRead(func(t *dag.ReadTxn) error {
		h, err := t.GetHead(head)
		if err != nil {
			if errs.IsChunkNotFound(err) {
				return nil // no such head yet: out stays at its zero value
			}
			return err
		}
		c, err := t.GetChunk(h)
		if err != nil {
			return err
		}
		return c.Decode(out)
	})
}

// GetClients returns the current client registry.
func GetClients(store *dag.Store) (Map, error) {
	out := Map{}
	if err := readMap(store, clientsHeadName, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetClientGroups returns the current client-group registry.
func GetClientGroups(store *dag.Store) (GroupMap, error) {
	out := GroupMap{}
	if err := readMap(store, clientGroupsHeadName, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func clientRefs(m Map) []hash.Hash {
	var refs []hash.Hash
	for _, c := range m {
		if !c.HeadHash.IsEmpty() {
			refs = append(refs, c.HeadHash)
		}
		if !c.TempRefreshHash.IsEmpty() {
			refs = append(refs, c.TempRefreshHash)
		}
	}
	return refs
}

func groupRefs(m GroupMap) []hash.Hash {
	var refs []hash.Hash
	for _, g := range m {
		if !g.HeadHash.IsEmpty() {
			refs = append(refs, g.HeadHash)
		}
	}
	return refs
}

func writeClients(w *dag.WriteTxn, m Map) error {
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	c := w.CreateChunk(data, clientRefs(m))
	if err := w.PutChunk(c); err != nil {
		return err
	}
	return w.SetHead(clientsHeadName, c.Hash)
}

func writeGroups(w *dag.WriteTxn, m GroupMap) error {
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	c := w.CreateChunk(data, groupRefs(m))
	if err := w.PutChunk(c); err != nil {
		return err
	}
	return w.SetHead(clientGroupsHeadName, c.Hash)
}

// WithRegistry runs f against the current clients and client-groups maps
// (read fresh inside the write transaction, per spec §5's "optimistic
// concurrency read-modify-write" note on the shared clients head) and
// writes back whatever f returns modified. f returns the (possibly
// unmodified) maps; WithRegistry always re-derives refs and rewrites both
// heads, which is harmless when nothing changed (PutChunk is idempotent on
// an existing hash).
func WithRegistry(store *dag.Store, f func(w *dag.WriteTxn, clients Map, groups GroupMap) error) error {
	return store.WithWrite(func(w *dag.WriteTxn) error {
		clients, groups, err := readRegistryLocked(w)
		if err != nil {
			return err
		}
		if err := f(w, clients, groups); err != nil {
			return err
		}
		if err := writeClients(w, clients); err != nil {
			return err
		}
		return writeGroups(w, groups)
	})
}

func readRegistryLocked(w *dag.WriteTxn) (Map, GroupMap, error) {
	clients := Map{}
	if h, err := w.GetHead(clientsHeadName); err == nil {
		c, err := w.GetChunk(h)
		if err != nil {
			return nil, nil, err
		}
		if err := c.Decode(&clients); err != nil {
			return nil, nil, err
		}
	} else if !errs.IsChunkNotFound(err) {
		return nil, nil, err
	}
	groups := GroupMap{}
	if h, err := w.GetHead(clientGroupsHeadName); err == nil {
		c, err := w.GetChunk(h)
		if err != nil {
			return nil, nil, err
		}
		if err := c.Decode(&groups); err != nil {
			return nil, nil, err
		}
	} else if !errs.IsChunkNotFound(err) {
		return nil, nil, err
	}
	return clients, groups, nil
}

// Decision reports which path InitClient took (spec §4.8 initClient).
type Decision int

const (
	DecisionNew Decision = iota
	DecisionHead
	DecisionFork
)

func sameDefs(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	sa, sb := append([]string(nil), a...), append([]string(nil), b...)
	sort.Strings(sa)
	sort.Strings(sb)
	for i := range sa {
		if sa[i] != sb[i] {
			return false
		}
	}
	return true
}

// InitClient opens or creates clientID's registry entry (spec §4.8
// initClient). preferredGroupID, if non-empty and present in the
// registry, is the candidate group to check compatibility against (an
// embedder typically persists the group id a client last used, outside
// this core, per §1's storage-layer boundary). emptyValueHash seeds a
// brand-new group's genesis snapshot (spec §8 S1).
func InitClient(store *dag.Store, clientID, preferredGroupID string, mutatorNames, indexNames []string, emptyValueHash hash.Hash, nowMs int64) (Decision, *Client, string, error) {
	var decision Decision
	var result *Client
	var groupID string

	err := WithRegistry(store, func(w *dag.WriteTxn, clients Map, groups GroupMap) error {
		if existing, ok := clients[clientID]; ok {
			existing.HeartbeatTimestampMs = nowMs
			decision, result, groupID = DecisionHead, existing, existing.ClientGroupID
			return nil
		}

		if cand, ok := groups[preferredGroupID]; ok && preferredGroupID != "" {
			if sameDefs(cand.MutatorNames, mutatorNames) && sameDefs(cand.IndexNames, indexNames) {
				c := &Client{ClientGroupID: preferredGroupID, HeadHash: cand.HeadHash, HeartbeatTimestampMs: nowMs}
				clients[clientID] = c
				decision, result, groupID = DecisionHead, c, preferredGroupID
				return nil
			}
			// Incompatible defs: fork a new group from the candidate's
			// base snapshot, reusing index B+Trees whose name is shared
			// between the old and new definitions (spec §4.8 "index maps
			// sharing the same definition as the source are reused by
			// hash").
			base, err := commit.BaseSnapshotFromHash(w, cand.HeadHash)
			if err != nil {
				return err
			}
			var reused []commit.IndexRecord
			for _, want := range indexNames {
				for _, ix := range base.Indexes {
					if ix.Name == want {
						reused = append(reused, ix)
					}
				}
			}
			genesis := commit.NewSnapshot(map[string]int64{}, base.Cookie, base.ValueHash, reused)
			chunk, err := commit.Build(w, genesis)
			if err != nil {
				return err
			}
			if err := w.PutChunk(chunk); err != nil {
				return err
			}
			newGroupID := hash.NewUUID().String()
			groups[newGroupID] = &ClientGroup{
				HeadHash:                  chunk.Hash,
				MutationIDs:               map[string]int64{},
				LastServerAckdMutationIDs: map[string]int64{},
				MutatorNames:              mutatorNames,
				IndexNames:                indexNames,
			}
			c := &Client{ClientGroupID: newGroupID, HeadHash: chunk.Hash, HeartbeatTimestampMs: nowMs}
			clients[clientID] = c
			decision, result, groupID = DecisionFork, c, newGroupID
			return nil
		}

		// No candidate at all: brand-new client group (spec §8 S1).
		genesis := commit.NewGenesisSnapshot(emptyValueHash)
		chunk, err := commit.Build(w, genesis)
		if err != nil {
			return err
		}
		if err := w.PutChunk(chunk); err != nil {
			return err
		}
		newGroupID := hash.NewUUID().String()
		groups[newGroupID] = &ClientGroup{
			HeadHash:                  chunk.Hash,
			MutationIDs:               map[string]int64{},
			LastServerAckdMutationIDs: map[string]int64{},
			MutatorNames:              mutatorNames,
			IndexNames:                indexNames,
		}
		c := &Client{ClientGroupID: newGroupID, HeadHash: chunk.Hash, HeartbeatTimestampMs: nowMs}
		clients[clientID] = c
		decision, result, groupID = DecisionNew, c, newGroupID
		return nil
	})
	if err != nil {
		return 0, nil, "", err
	}
	return decision, result, groupID, nil
}

// Heartbeat updates clientID's heartbeat timestamp (spec §4.8 "every 60s
// update client.heartbeatTimestampMs = now").
func Heartbeat(store *dag.Store, clientID string, nowMs int64) error {
	return WithRegistry(store, func(w *dag.WriteTxn, clients Map, groups GroupMap) error {
		c, ok := clients[clientID]
		if !ok {
			return errs.New(errs.ErrClientStateNotFound, clientID)
		}
		c.HeartbeatTimestampMs = nowMs
		return nil
	})
}

// GCClients removes clients whose heartbeat is older than ClientMaxAgeMs
// (spec §4.8 "client GC").
func GCClients(store *dag.Store, nowMs int64) (removed []string, err error) {
	err = WithRegistry(store, func(w *dag.WriteTxn, clients Map, groups GroupMap) error {
		for id, c := range clients {
			if nowMs-c.HeartbeatTimestampMs > ClientMaxAgeMs {
				delete(clients, id)
				removed = append(removed, id)
				log.V(1).Infof("client: GC'd stale client %s (last heartbeat %dms ago)", id, nowMs-c.HeartbeatTimestampMs)
			}
		}
		return nil
	})
	return removed, err
}

// GCClientGroups removes groups with no referencing client and no pending
// mutations (spec §4.8 "clientGroup GC": MutationIDs == LastServerAckd­
// MutationIDs for every client id). No grace period is tracked: a group
// is removed by the first call that finds both conditions true, however
// recently its last client went away.
func GCClientGroups(store *dag.Store) (removed []string, err error) {
	err = WithRegistry(store, func(w *dag.WriteTxn, clients Map, groups GroupMap) error {
		referenced := map[string]bool{}
		for _, c := range clients {
			referenced[c.ClientGroupID] = true
		}
		for id, g := range groups {
			if referenced[id] {
				continue
			}
			if hasPendingMutations(g) {
				continue
			}
			delete(groups, id)
			removed = append(removed, id)
			log.V(1).Infof("client: GC'd orphaned client group %s", id)
		}
		return nil
	})
	return removed, err
}

// GroupHasPendingMutations reports whether g has at least one mutation not
// yet acknowledged by the server (spec §4.9 step 2 "mutationID >
// lastServerAckdMutationID"). Shared by clientGroup GC and mutation
// recovery (internal/recovery).
func GroupHasPendingMutations(g *ClientGroup) bool {
	return hasPendingMutations(g)
}

func hasPendingMutations(g *ClientGroup) bool {
	for id, mid := range g.MutationIDs {
		if g.LastServerAckdMutationIDs[id] != mid {
			return true
		}
	}
	return false
}
