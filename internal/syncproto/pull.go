// Copyright 2024 The Syncengine Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package syncproto

import (
	"context"

	"github.com/kvreplica/syncengine/internal/btree"
	"github.com/kvreplica/syncengine/internal/commit"
	"github.com/kvreplica/syncengine/internal/errs"
	"github.com/kvreplica/syncengine/internal/hash"
	"github.com/kvreplica/syncengine/internal/txn"
)

// SyncHeadName is the dedicated head used while a pull is in progress
// (spec §6 "Head sync (only while a pull is in progress)").
const SyncHeadName = "sync"
const MainHeadName = "main"

// MemStore is the write capability beginPull/maybeEndPull need from the
// memdag (satisfied by *internal/memdag.Store).
type MemStore interface {
	btree.ChunkStore
	GetHead(name string) hash.Hash
	SetHead(name string, h hash.Hash)
	RemoveHead(name string)
	WithWrite(f func() error) error
}

// PullOptions carries the caller identity and transport a pull needs
// (spec §4.6 beginPull).
type PullOptions struct {
	ProfileID     string
	ClientID      string
	ClientGroupID string
	SchemaVersion string
	PullVersion   int
	Puller        Puller
	RequestID     string
}

// PullResult is what BeginPull returns on success (spec §4.6 step 5).
type PullResult struct {
	HTTPRequestInfo HTTPRequestInfo
	SyncHead        hash.Hash
	RequestID       string
}

// BeginPull posts a pull request, applies the patch on top of the memdag's
// current base snapshot, and moves the dedicated sync head to the result
// (spec §4.6 beginPull). A ClientStateNotFound response is returned as
// errs.ErrClientStateNotFound with no sync head created (step 3).
func BeginPull(ctx context.Context, mem MemStore, opts PullOptions) (*PullResult, error) {
	base, err := commit.BaseSnapshotFromHash(mem, mem.GetHead(MainHeadName))
	if err != nil {
		return nil, err
	}

	req := PullRequest{
		PullVersion:           opts.PullVersion,
		ProfileID:             opts.ProfileID,
		ClientID:              opts.ClientID,
		ClientGroupID:         opts.ClientGroupID,
		Cookie:                base.Cookie,
		LastMutationIDChanges: base.LastMutationIDs,
		SchemaVersion:         opts.SchemaVersion,
	}
	resp, info, err := opts.Puller.Pull(ctx, req)
	if err != nil {
		return nil, errs.New(errs.ErrPull, err)
	}
	if resp.Error == ErrorClientStateNotFound {
		return nil, errs.New(errs.ErrClientStateNotFound, opts.ClientID)
	}

	var syncHead hash.Hash
	err = mem.WithWrite(func() error {
		bw, err := btree.NewWrite(mem, base.ValueHash, 0, 0)
		if err != nil {
			return err
		}
		for _, op := range resp.Patch {
			switch op.Op {
			case "put":
				if err := bw.Put([]byte(op.Key), op.Value); err != nil {
					return err
				}
			case "del":
				if _, err := bw.Del([]byte(op.Key)); err != nil {
					return err
				}
			case "clear":
				bw.Clear()
			}
		}
		newValueHash, err := bw.Flush()
		if err != nil {
			return err
		}

		lastMutationIDs := resp.LastMutationIDChanges
		if lastMutationIDs == nil && resp.LastMutationID != 0 {
			lastMutationIDs = map[string]int64{opts.ClientID: resp.LastMutationID}
		}
		data := commit.NewSnapshot(lastMutationIDs, resp.Cookie, newValueHash, base.Indexes)
		c, err := commit.Build(mem, data)
		if err != nil {
			return err
		}
		mem.PutChunk(c)
		mem.SetHead(SyncHeadName, c.Hash)
		syncHead = c.Hash
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &PullResult{HTTPRequestInfo: info, SyncHead: syncHead, RequestID: opts.RequestID}, nil
}

// MaybeEndPullResult is what MaybeEndPull returns (spec §4.6).
type MaybeEndPullResult struct {
	// ReplayMutations is non-empty when the caller must rebase each of
	// these commits onto SyncHead and call MaybeEndPull again (step 4).
	ReplayMutations []*commit.Commit
	// Diffs is populated only once the main head has actually moved
	// (step 3 converged); nil on a stale discard, which leaves the main
	// head as it was, and nil while replay is pending.
	Diffs map[string][]btree.DiffOp
	// Ended reports whether the pull concluded (stale-discard or
	// converged) on this call.
	Ended bool
}

// MaybeEndPull compares the sync branch against the current main branch
// and either discards a stale pull, converges immediately, or reports the
// mutations the caller must replay before calling again (spec §4.6
// maybeEndPull).
func MaybeEndPull(mem MemStore, syncHead hash.Hash, clientID string, cmp commit.CookieComparator) (*MaybeEndPullResult, error) {
	var result *MaybeEndPullResult
	err := mem.WithWrite(func() error {
		syncCommit, err := commit.FromHash(mem, syncHead)
		if err != nil {
			return err
		}
		mainHead := mem.GetHead(MainHeadName)
		mainBase, err := commit.BaseSnapshotFromHash(mem, mainHead)
		if err != nil {
			return err
		}

		// After a replay the sync head is a rebased local commit, so the
		// cookie comes from the sync branch's base snapshot.
		syncBase, err := commit.BaseSnapshotFromHash(mem, syncHead)
		if err != nil {
			return err
		}
		if commit.CompareCookiesForSnapshots(cmp, syncBase, mainBase) < 0 {
			mem.RemoveHead(SyncHeadName)
			result = &MaybeEndPullResult{Ended: true}
			return nil
		}

		locals, err := commit.LocalMutations(mem, mainHead)
		if err != nil {
			return err
		}
		var replay []*commit.Commit
		for i := len(locals) - 1; i >= 0; i-- { // oldest first
			c := locals[i]
			syncID, err := commit.GetMutationID(mem, syncCommit, c.ClientID)
			if err != nil {
				return err
			}
			if c.MutationID > syncID {
				replay = append(replay, c)
			}
		}

		if len(replay) == 0 {
			oldBase, err := commit.BaseSnapshotFromHash(mem, mainHead)
			if err != nil {
				return err
			}
			diffs := make(map[string][]btree.DiffOp)
			if d, err := btree.Diff(mem, oldBase.ValueHash, syncCommit.ValueHash); err != nil {
				return err
			} else if len(d) > 0 {
				diffs[""] = d
			}
			for _, ix := range syncCommit.Indexes {
				var oldRoot hash.Hash
				for _, oix := range oldBase.Indexes {
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
			mem.SetHead(MainHeadName, syncHead)
			mem.RemoveHead(SyncHeadName)
			result = &MaybeEndPullResult{Diffs: diffs, Ended: true}
			return nil
		}

		result = &MaybeEndPullResult{ReplayMutations: replay}
		return nil
	})
	return result, err
}

// RebaseMutation re-executes one local mutation against syncHead, via
// mutatorFn (looked up by name in the caller's mutator registry), and
// returns the hash of the new commit the caller should use as the next
// syncHead (spec §4.6 "Rebase one mutation onto syncHead"). indexes must be
// the same index definitions the original mutation was committed with, or
// the rebased commit silently loses its secondary-index state; callers
// thread through their own []txn.IndexDefinition the same way
// internal/persist.rebaseOne does. If mutatorFn is nil (the mutator is no
// longer registered), the rebase is a no-op that still advances the
// mutation id (step "treat as a no-op").
func RebaseMutation(mem MemStore, syncHead hash.Hash, original *commit.Commit, indexes []txn.IndexDefinition, mutatorFn txn.Mutator) (hash.Hash, error) {
	var newHead hash.Hash
	err := mem.WithWrite(func() error {
		mutationID := original.MutationID
		wtx, err := txn.Open(mem, syncHead, original.ClientID, original.MutatorName, original.MutatorArgs, original.Timestamp, indexes, &mutationID, original.Hash)
		if err != nil {
			return err
		}
		if mutatorFn != nil {
			if err := mutatorFn(wtx, original.MutatorArgs); err != nil {
				return err
			}
		}
		res, err := wtx.Commit()
		if err != nil {
			return err
		}
		newHead = res.Hash
		return nil
	})
	return newHead, err
}
