// Copyright 2024 The Syncengine Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package syncproto

import (
	"context"

	"github.com/kvreplica/syncengine/internal/commit"
	"github.com/kvreplica/syncengine/internal/errs"
	"github.com/kvreplica/syncengine/internal/hash"
)

// PushOptions carries the caller identity and transport a Push invocation
// needs (spec §4.5 "Inputs").
type PushOptions struct {
	ClientID      string
	ProfileID     string
	ClientGroupID string
	SchemaVersion string
	PushVersion   int
	Pusher        Pusher
	// OnClientGroupDisabled is invoked if the server reports this
	// client-group unknown (spec §4.5 step 5, §8 S6): "the client-group
	// is marked disabled... Subsequent pushes from the same group are
	// rejected locally".
	OnClientGroupDisabled func(clientGroupID string)
	// OnUpdateNeeded is invoked on a VersionNotSupported response (spec
	// §4.5 step 6, §7).
	OnUpdateNeeded func(versionType string)
}

// Store is the read capability Push needs: a head lookup plus commit-chain
// reads (satisfied by *internal/memdag.Store).
type Store interface {
	commit.Reader
	GetHead(name string) hash.Hash
}

// Push collects pending local mutations above the base snapshot and posts
// them (spec §2 C8, §4.5). It returns nil, nil if there was nothing to
// push (step 2: "If empty, return without calling the pusher").
func Push(ctx context.Context, store Store, headName string, opts PushOptions) (*HTTPRequestInfo, error) {
	head := store.GetHead(headName)
	if head.IsEmpty() {
		return nil, nil
	}
	locals, err := commit.LocalMutations(store, head)
	if err != nil {
		return nil, err
	}
	if len(locals) == 0 {
		return nil, nil
	}

	// LocalMutations returns newest first; push wants oldest first (spec
	// §4.5 step 1 "in basis order oldest first").
	mutations := make([]MutationInfo, len(locals))
	for i, c := range locals {
		mutations[len(locals)-1-i] = MutationInfo{
			ClientID:  c.ClientID,
			ID:        c.MutationID,
			Name:      c.MutatorName,
			Args:      c.MutatorArgs,
			Timestamp: c.Timestamp,
		}
	}

	req := PushRequest{
		PushVersion:   opts.PushVersion,
		ProfileID:     opts.ProfileID,
		ClientGroupID: opts.ClientGroupID,
		Mutations:     mutations,
		SchemaVersion: opts.SchemaVersion,
	}
	resp, info, err := opts.Pusher.Push(ctx, req)
	if err != nil {
		return nil, errs.New(errs.ErrPush, err)
	}

	switch resp.Error {
	case ErrorClientStateNotFound:
		if opts.OnClientGroupDisabled != nil {
			opts.OnClientGroupDisabled(opts.ClientGroupID)
		}
		return &info, nil
	case ErrorVersionNotSupported:
		if opts.OnUpdateNeeded != nil {
			opts.OnUpdateNeeded(resp.VersionType)
		}
		return &info, nil
	}
	return &info, nil
}
