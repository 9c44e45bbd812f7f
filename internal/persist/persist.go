// Copyright 2024 The Syncengine Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package persist implements moving a memdag base snapshot into the perdag
// (Persist) and bringing a perdag client-group's state back into the memdag
// (Refresh), rebasing whichever local mutations arrived on the other side
// in the meantime (spec §2 C10, §4.7). Grounded on
// services/syncbase/sync/initiator.go's updateSyncSt (move local generation
// state into the synced log, replaying anything new on top), generalized
// from a generation-vector log splice to a content-addressed commit splice.
package persist

import (
	"encoding/json"

	"github.com/kvreplica/syncengine/internal/btree"
	"github.com/kvreplica/syncengine/internal/chunk"
	"github.com/kvreplica/syncengine/internal/client"
	"github.com/kvreplica/syncengine/internal/commit"
	"github.com/kvreplica/syncengine/internal/dag"
	"github.com/kvreplica/syncengine/internal/errs"
	"github.com/kvreplica/syncengine/internal/hash"
	"github.com/kvreplica/syncengine/internal/memdag"
	"github.com/kvreplica/syncengine/internal/txn"
)

// MainHeadName is the memdag head Persist reads from and Refresh writes to.
const MainHeadName = "main"

// DefaultRefreshGatherBytes bounds how much of the perdag client-group
// subtree Refresh gathers into the memdag cache in one pass (spec §4.7:
// "bounded size (5 MiB)").
const DefaultRefreshGatherBytes = 5 * 1024 * 1024

// dagChunkStore adapts a *dag.WriteTxn to btree.ChunkStore, whose PutChunk
// has no error return (memdag.Store's PutChunk never fails either, since it
// only ever stores a chunk in a map). dag.WriteTxn.PutChunk can only fail by
// a JSON-marshal of internally-built Data, the same failure mode
// btree/write.go's encodeNode already treats as unrecoverable.
type dagChunkStore struct {
	w *dag.WriteTxn
}

func (s dagChunkStore) GetChunk(h hash.Hash) (*chunk.Chunk, error) { return s.w.GetChunk(h) }

func (s dagChunkStore) CreateChunk(data json.RawMessage, refs []hash.Hash) *chunk.Chunk {
	return s.w.CreateChunk(data, refs)
}

func (s dagChunkStore) PutChunk(c *chunk.Chunk) {
	if err := s.w.PutChunk(c); err != nil {
		panic(err)
	}
}

// gatherMemOnly walks the subtree reachable from root, collecting every
// chunk this memdag still owns as a temp chunk (spec §4.7 step 2a "gather
// visitor"). It stops descending into a chunk the memdag does not own as
// temp: such a chunk is already in the perdag, and by construction so is
// its entire subtree.
func gatherMemOnly(mem *memdag.Store, root hash.Hash) (map[hash.Hash]*chunk.Chunk, error) {
	gathered := map[hash.Hash]*chunk.Chunk{}
	var walk func(h hash.Hash) error
	walk = func(h hash.Hash) error {
		if h.IsEmpty() || !mem.IsMemOnlyChunkHash(h) {
			return nil
		}
		if _, seen := gathered[h]; seen {
			return nil
		}
		c, err := mem.GetChunk(h)
		if err != nil {
			return err
		}
		gathered[h] = c
		for _, ref := range c.Refs {
			if err := walk(ref); err != nil {
				return err
			}
		}
		return nil
	}
	if err := walk(root); err != nil {
		return nil, err
	}
	return gathered, nil
}

// gatherBounded walks the subtree reachable from root breadth-first,
// collecting chunks up to maxBytes total size (spec §4.7 Refresh step 2a
// "GatherNotCachedVisitor"). It is a best-effort prefix of the subtree, not
// an exhaustive walk: larger subtrees are simply served from the perdag
// source at read time, same as any other source-cache miss.
func gatherBounded(r commit.Reader, root hash.Hash, maxBytes int64) (map[hash.Hash]*chunk.Chunk, error) {
	gathered := map[hash.Hash]*chunk.Chunk{}
	var total int64
	queue := []hash.Hash{root}
	seen := map[hash.Hash]bool{}
	for len(queue) > 0 && total < maxBytes {
		h := queue[0]
		queue = queue[1:]
		if h.IsEmpty() || seen[h] {
			continue
		}
		seen[h] = true
		c, err := r.GetChunk(h)
		if err != nil {
			return nil, err
		}
		gathered[h] = c
		total += int64(c.Size())
		queue = append(queue, c.Refs...)
	}
	return gathered, nil
}

func copyInt64Map(m map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// rebaseOne replays one local mutation's mutator on top of basis, preserving
// its original MutationID and linking OriginalHash back to it (spec §4.6
// rebase, reused by both Persist and Refresh).
func rebaseOne(store btree.ChunkStore, basis hash.Hash, indexes []txn.IndexDefinition, registry txn.MutatorRegistry, orig *commit.Commit) (hash.Hash, error) {
	mutationID := orig.MutationID
	wtx, err := txn.Open(store, basis, orig.ClientID, orig.MutatorName, orig.MutatorArgs, orig.Timestamp, indexes, &mutationID, orig.Hash)
	if err != nil {
		return hash.Empty, err
	}
	if registry != nil {
		if fn, ok := registry.Lookup(orig.MutatorName); ok {
			if err := fn(wtx, orig.MutatorArgs); err != nil {
				return hash.Empty, err
			}
		}
	}
	res, err := wtx.Commit()
	if err != nil {
		return hash.Empty, err
	}
	return res.Hash, nil
}

// Persist moves the memdag's current base snapshot into the perdag for
// clientGroupID, rebasing both already-persisted local mutations and newly
// arrived memdag mutations on top (spec §4.7 Persist). It is a no-op if the
// memdag has no main head yet.
func Persist(mem *memdag.Store, perdag *dag.Store, clientID, clientGroupID string, indexes []txn.IndexDefinition, registry txn.MutatorRegistry, cmp commit.CookieComparator) error {
	memHead := mem.GetHead(MainHeadName)
	if memHead.IsEmpty() {
		return nil
	}
	memBase, err := commit.BaseSnapshotFromHash(mem, memHead)
	if err != nil {
		return err
	}

	var gatheredHashes []hash.Hash
	err = client.WithRegistry(perdag, func(w *dag.WriteTxn, clients client.Map, groups client.GroupMap) error {
		group, ok := groups[clientGroupID]
		if !ok {
			return errs.New(errs.ErrClientStateNotFound, clientGroupID)
		}
		perdagBase, err := commit.BaseSnapshotFromHash(w, group.HeadHash)
		if err != nil {
			return err
		}
		newMutations, err := commit.LocalMutationsGreaterThan(mem, memHead, group.MutationIDs)
		if err != nil {
			return err
		}

		store := dagChunkStore{w: w}
		newHead := group.HeadHash

		if commit.CompareCookiesForSnapshots(cmp, memBase, perdagBase) > 0 {
			gathered, err := gatherMemOnly(mem, memBase.Hash)
			if err != nil {
				return err
			}
			for h, c := range gathered {
				store.PutChunk(c)
				gatheredHashes = append(gatheredHashes, h)
			}

			existing, err := commit.LocalMutations(w, group.HeadHash)
			if err != nil {
				return err
			}
			newHead = memBase.Hash
			for i := len(existing) - 1; i >= 0; i-- { // oldest first
				newHead, err = rebaseOne(store, newHead, indexes, registry, existing[i])
				if err != nil {
					return err
				}
			}
			group.LastServerAckdMutationIDs = copyInt64Map(memBase.LastMutationIDs)
		}

		for _, orig := range newMutations { // oldest first
			newHead, err = rebaseOne(store, newHead, indexes, registry, orig)
			if err != nil {
				return err
			}
			if group.MutationIDs == nil {
				group.MutationIDs = map[string]int64{}
			}
			group.MutationIDs[orig.ClientID] = orig.MutationID
		}

		group.HeadHash = newHead
		return nil
	})
	if err != nil {
		return err
	}
	mem.ChunksPersisted(gatheredHashes)
	return nil
}

// Refresh brings clientGroupID's current perdag state into the memdag,
// rebasing any memdag-local mutations newer than the perdag's last known
// mutation id for each client on top (spec §4.7 Refresh). It is a no-op if
// the memdag's base snapshot is already at least as new as the perdag's.
func Refresh(mem *memdag.Store, perdag *dag.Store, clientID string, indexes []txn.IndexDefinition, registry txn.MutatorRegistry, cmp commit.CookieComparator, maxGatherBytes int64) (map[string][]btree.DiffOp, error) {
	if maxGatherBytes <= 0 {
		maxGatherBytes = DefaultRefreshGatherBytes
	}

	var result map[string][]btree.DiffOp
	err := mem.WithSuspendedSourceCacheEvictsAndDeletes(func() error {
		var perdagGroupHead hash.Hash
		var perdagBase *commit.Commit
		var perdagMutationIDs map[string]int64
		var gathered map[hash.Hash]*chunk.Chunk

		err := client.WithRegistry(perdag, func(w *dag.WriteTxn, clients client.Map, groups client.GroupMap) error {
			c, ok := clients[clientID]
			if !ok {
				return errs.New(errs.ErrClientStateNotFound, clientID)
			}
			group, ok := groups[c.ClientGroupID]
			if !ok {
				return errs.New(errs.ErrClientStateNotFound, c.ClientGroupID)
			}
			perdagGroupHead = group.HeadHash
			perdagMutationIDs = group.MutationIDs
			base, err := commit.BaseSnapshotFromHash(w, perdagGroupHead)
			if err != nil {
				return err
			}
			perdagBase = base
			g, err := gatherBounded(w, perdagGroupHead, maxGatherBytes)
			if err != nil {
				return err
			}
			gathered = g
			c.TempRefreshHash = perdagGroupHead
			return nil
		})
		if err != nil {
			return err
		}

		memHead := mem.GetHead(MainHeadName)
		if memHead == perdagGroupHead {
			return clearTempRefreshHash(perdag, clientID, perdagGroupHead)
		}

		var memBase *commit.Commit
		if !memHead.IsEmpty() {
			memBase, err = commit.BaseSnapshotFromHash(mem, memHead)
			if err != nil {
				return err
			}
			// Abort only if memdag's own base snapshot is strictly newer
			// than what we just gathered (another refresh or a pull
			// completed concurrently); an equal-cookie base can still have
			// new perdag-side local mutations layered on top worth
			// rebasing in (spec §4.7 step 3a "re-compare").
			if commit.CompareCookiesForSnapshots(cmp, memBase, perdagBase) > 0 {
				return clearTempRefreshHash(perdag, clientID, perdagGroupHead)
			}
		}

		err = mem.WithWrite(func() error {
			for _, c := range gathered {
				mem.PutCached(c)
			}

			var newMutations []*commit.Commit
			if !memHead.IsEmpty() {
				newMutations, err = commit.LocalMutationsGreaterThan(mem, memHead, perdagMutationIDs)
				if err != nil {
					return err
				}
			}

			newHead := perdagGroupHead
			for _, orig := range newMutations { // oldest first
				newHead, err = rebaseOne(mem, newHead, indexes, registry, orig)
				if err != nil {
					return err
				}
			}

			newCommit, err := commit.FromHash(mem, newHead)
			if err != nil {
				return err
			}
			diffs := make(map[string][]btree.DiffOp)
			var oldValueHash hash.Hash
			var oldIndexes []commit.IndexRecord
			if memBase != nil {
				oldValueHash = memBase.ValueHash
				oldIndexes = memBase.Indexes
			}
			if d, err := btree.Diff(mem, oldValueHash, newCommit.ValueHash); err != nil {
				return err
			} else if len(d) > 0 {
				diffs[""] = d
			}
			for _, ix := range newCommit.Indexes {
				var oldRoot hash.Hash
				for _, oix := range oldIndexes {
					if oix.Name == ix.Name {
						oldRoot = oix.ValueHash
					}
				}
				if d, err := btree.Diff(mem, oldRoot, ix.ValueHash); err != nil {
					return err
				} else if len(d) > 0 {
					diffs[ix.Name] = d
				}
			}

			mem.SetHead(MainHeadName, newHead)
			result = diffs
			return nil
		})
		if err != nil {
			return err
		}

		// Step 4 always runs, success or failure of the memdag splice above,
		// tolerating its own failure (spec §4.7: "next refresh fixes it").
		return clearTempRefreshHash(perdag, clientID, perdagGroupHead)
	})
	return result, err
}

func clearTempRefreshHash(perdag *dag.Store, clientID string, headHash hash.Hash) error {
	return client.WithRegistry(perdag, func(w *dag.WriteTxn, clients client.Map, groups client.GroupMap) error {
		c, ok := clients[clientID]
		if !ok {
			return nil
		}
		c.HeadHash = headHash
		c.TempRefreshHash = hash.Empty
		return nil
	})
}
