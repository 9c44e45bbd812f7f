// Copyright 2024 The Syncengine Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package errs defines the engine's error taxonomy (spec §7). Every variant
// is a verror.IDAction so callers can distinguish kinds with
// verror.ErrorID(err) and so retry policy travels with the error itself.
package errs

import (
	"v.io/v23/verror"
)

var (
	// ErrChunkNotFound: dereferencing a hash absent from the DAG.
	ErrChunkNotFound = verror.Register("syncengine.ChunkNotFound", verror.NoRetry, "{1:}{2:} chunk {3} not found")

	// ErrClientStateNotFound: the client/group this instance represents has
	// been garbage collected, locally or on the server.
	ErrClientStateNotFound = verror.Register("syncengine.ClientStateNotFound", verror.NoRetry, "{1:}{2:} client state not found: {3}")

	// ErrInvalidPush: server pushed a mutation id that did not immediately
	// follow the expected value.
	ErrInvalidPush = verror.Register("syncengine.InvalidPush", verror.NoRetry, "{1:}{2:} unexpected mutation id: got {3}, want {4}")

	// ErrVersionNotSupported: server rejected the schema or protocol version.
	ErrVersionNotSupported = verror.Register("syncengine.VersionNotSupported", verror.NoRetry, "{1:}{2:} version not supported: {3}")

	// ErrPush: network failure or non-200 response from the pusher.
	ErrPush = verror.Register("syncengine.PushError", verror.RetryBackoff, "{1:}{2:} push failed: {3}")

	// ErrPull: network failure or non-200 response from the puller.
	ErrPull = verror.Register("syncengine.PullError", verror.RetryBackoff, "{1:}{2:} pull failed: {3}")

	// ErrCorrupt: commit shape invalid, or a head refers to an unwritten chunk.
	ErrCorrupt = verror.Register("syncengine.CorruptError", verror.NoRetry, "{1:}{2:} corrupt store: {3}")

	// ErrClosed: the store or transaction has already been closed/aborted.
	ErrClosed = verror.Register("syncengine.Closed", verror.NoRetry, "{1:}{2:} {3}")
)

// IsChunkNotFound reports whether err is (or wraps) ErrChunkNotFound.
func IsChunkNotFound(err error) bool {
	return verror.ErrorID(err) == ErrChunkNotFound.ID
}

// IsClientStateNotFound reports whether err is (or wraps) ErrClientStateNotFound.
func IsClientStateNotFound(err error) bool {
	return verror.ErrorID(err) == ErrClientStateNotFound.ID
}

// IsOffline reports whether err is one that should be treated as "gone
// offline" per wrapInOnlineCheck (spec §5): push/pull network failures.
func IsOffline(err error) bool {
	id := verror.ErrorID(err)
	return id == ErrPush.ID || id == ErrPull.ID
}

// New constructs an error of the given kind. The engine does not carry a
// v23 context.T through its call stack (see internal/log for the analogous
// choice on logging), so ctx is always nil here — the same pattern the
// teacher uses in store.WrapError.
func New(idAction verror.IDAction, v ...interface{}) error {
	return verror.New(idAction, nil, v...)
}

