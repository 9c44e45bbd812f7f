// Copyright 2024 The Syncengine Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package syncengine is the embedder-facing client-side synchronized
// storage engine: a content-addressed B+Tree DAG, a two-tier chunk store,
// a commit chain recording local mutations, and a sync protocol that
// pushes/pulls/rebases against a server, wired together behind one DB
// type. The internal/ packages each implement one component; this package
// is the thin, programmatically-configured surface an application embeds,
// the way services/syncbase/server/nosql/database.go's DatabaseOptions sits
// on top of the teacher's store/sync/clock packages.
package syncengine

import (
	"time"

	"github.com/kvreplica/syncengine/internal/clock"
	"github.com/kvreplica/syncengine/internal/commit"
	"github.com/kvreplica/syncengine/internal/memdag"
	"github.com/kvreplica/syncengine/internal/persist"
	"github.com/kvreplica/syncengine/internal/syncproto"
	"github.com/kvreplica/syncengine/internal/txn"
)

// Pusher/Puller/MutatorRegistry/Mutator/CookieComparator are the named
// external collaborators SPEC_FULL.md §6 requires as Go interfaces; they
// are plain re-exports of the internal/syncproto and internal/txn types so
// an embedder never needs to import an internal package to implement one.
type (
	Pusher           = syncproto.Pusher
	Puller           = syncproto.Puller
	PushRequest      = syncproto.PushRequest
	PushResponse     = syncproto.PushResponse
	PullRequest      = syncproto.PullRequest
	PullResponse     = syncproto.PullResponse
	HTTPRequestInfo  = syncproto.HTTPRequestInfo
	MutatorRegistry  = txn.MutatorRegistry
	Mutator          = txn.Mutator
	IndexDefinition  = txn.IndexDefinition
	CookieComparator = commit.CookieComparator
)

const (
	// DefaultPersistIdleTimeout is the delay after each mutation at which
	// the persist it schedules runs; no idle detection is done (spec §5
	// "persist is scheduled via requestIdle(PERSIST_TIMEOUT = 1000 ms)").
	DefaultPersistIdleTimeout = 1000 * time.Millisecond
	// DefaultHeartbeatInterval matches spec §4.8 "every 60s update
	// client.heartbeatTimestampMs".
	DefaultHeartbeatInterval = 60 * time.Second
	// DefaultGCInterval matches spec §4.8 "every 5 minutes" for both
	// client GC and client-group GC.
	DefaultGCInterval = 5 * time.Minute
	// DefaultRecoveryInterval matches spec §4.9 "runs every 5 minutes".
	DefaultRecoveryInterval = 5 * time.Minute
	// DefaultCacheBytes is memdag's default source-chunk cache bound
	// (spec §4.1 "default 100 MiB").
	DefaultCacheBytes = memdag.DefaultMaxCacheBytes
)

// Options configures a DB (SPEC_FULL.md §2 C14 "the engine is configured
// programmatically via an Options struct").
type Options struct {
	// Name identifies this database among siblings sharing the same
	// directory; mutation recovery (§4.9) globs for other databases
	// whose file name starts with Name.
	Name string
	// Dir is the directory the perdag's bbolt file lives in. The file
	// itself is named "<Name>-<ClientID>.db".
	Dir string
	// ClientID identifies this tab/process. If empty, a fresh UUID-based
	// id is minted on first Open (there is no durable client identity
	// to recover across process restarts without an embedder-supplied
	// one, matching spec §3's "Client (DD31)" being a per-tab record).
	ClientID string
	// PreferredClientGroupID, if non-empty, is the client-group id this
	// ClientID last used — an embedder typically persists this outside
	// the engine's own storage (spec §4.8 initClient).
	PreferredClientGroupID string

	// MutatorNames and Indexes declare this client's schema; InitClient
	// uses them to decide NEW/HEAD/FORK (spec §4.8).
	MutatorNames []string
	Indexes      []IndexDefinition
	// Registry resolves a mutator name to its implementation for
	// rebase/persist replay (spec §6 MutatorRegistry).
	Registry MutatorRegistry

	// ProfileID/SchemaVersion/PushVersion/PullVersion/Pusher/Puller are
	// the sync transport (spec §4.5, §4.6).
	ProfileID     string
	SchemaVersion string
	PushVersion   int
	PullVersion   int
	Pusher        Pusher
	Puller        Puller

	// Cmp orders server cookies; defaults to JSONCookieComparator (spec
	// §9 "Cookie comparator").
	Cmp CookieComparator
	// Clock is the injectable time source (SPEC_FULL.md §4.11).
	Clock clock.Clock

	CacheBytes          int64
	PersistIdleTimeout  time.Duration
	HeartbeatInterval   time.Duration
	GCInterval          time.Duration
	RecoveryInterval    time.Duration
	RefreshGatherBytes  int64
}

func (o *Options) setDefaults() {
	if o.Cmp == nil {
		o.Cmp = commit.JSONCookieComparator{}
	}
	if o.Clock == nil {
		o.Clock = clock.System{}
	}
	if o.CacheBytes <= 0 {
		o.CacheBytes = DefaultCacheBytes
	}
	if o.PersistIdleTimeout <= 0 {
		o.PersistIdleTimeout = DefaultPersistIdleTimeout
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if o.GCInterval <= 0 {
		o.GCInterval = DefaultGCInterval
	}
	if o.RecoveryInterval <= 0 {
		o.RecoveryInterval = DefaultRecoveryInterval
	}
	if o.RefreshGatherBytes <= 0 {
		o.RefreshGatherBytes = persist.DefaultRefreshGatherBytes
	}
}
