// Copyright 2024 The Syncengine Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package syncproto implements push, pull, rebase, and maybeEndPull (spec
// §2 C8/C9, §4.5, §4.6, §6). The wire shapes mirror spec §6 exactly;
// Pusher/Puller are the injected transport collaborators spec §1 places
// out of scope for this core. Grounded on vsync/initiator.go's
// getDBDeltas/recvAndProcessDeltas request/response cycle and
// vsync/responder.go, adapted from generation-vector deltas to the
// cookie/patch model.
package syncproto

import (
	"context"
	"encoding/json"
)

// MutationInfo is one pending mutation as sent in a PushRequest (spec §6).
type MutationInfo struct {
	ClientID  string          `json:"clientID"`
	ID        int64           `json:"id"`
	Name      string          `json:"name"`
	Args      json.RawMessage `json:"args"`
	Timestamp int64           `json:"timestamp"`
}

// PushRequest is the exact POST body spec §6 defines.
type PushRequest struct {
	PushVersion   int            `json:"pushVersion"`
	ProfileID     string         `json:"profileID"`
	ClientGroupID string         `json:"clientGroupID"`
	Mutations     []MutationInfo `json:"mutations"`
	SchemaVersion string         `json:"schemaVersion"`
}

// PushResponse is the (usually empty) body of a 200 push response (spec
// §6, §7 ClientStateNotFound / VersionNotSupported).
type PushResponse struct {
	Error       string `json:"error,omitempty"`
	VersionType string `json:"versionType,omitempty"`
}

// HTTPRequestInfo is surfaced to the caller for online/auth accounting
// (spec §4.5 step 7).
type HTTPRequestInfo struct {
	HTTPStatusCode int
	ErrorMessage   string
}

// Pusher is the injected transport collaborator (spec §1 "the network
// transport... interfaces only").
type Pusher interface {
	Push(ctx context.Context, req PushRequest) (PushResponse, HTTPRequestInfo, error)
}

// PullRequest is the exact POST body spec §6 defines.
type PullRequest struct {
	PullVersion           int             `json:"pullVersion"`
	ProfileID             string          `json:"profileID"`
	ClientID              string          `json:"clientID"`
	ClientGroupID         string          `json:"clientGroupID,omitempty"`
	Cookie                json.RawMessage `json:"cookie"`
	LastMutationID        int64           `json:"lastMutationID,omitempty"`
	LastMutationIDChanges map[string]int64 `json:"lastMutationIDChanges,omitempty"`
	SchemaVersion         string          `json:"schemaVersion"`
}

// PatchOp is one patch entry in a pull response (spec §6).
type PatchOp struct {
	Op    string          `json:"op"` // "put" | "del" | "clear"
	Key   string          `json:"key,omitempty"`
	Value json.RawMessage `json:"value,omitempty"`
}

// PullResponse is the successful body of a pull response (spec §6); a
// failed pull sets Error instead.
type PullResponse struct {
	Cookie                json.RawMessage  `json:"cookie"`
	LastMutationID        int64            `json:"lastMutationID,omitempty"`
	LastMutationIDChanges map[string]int64 `json:"lastMutationIDChanges,omitempty"`
	Patch                 []PatchOp        `json:"patch"`
	Error                 string           `json:"error,omitempty"`
}

// Puller is the injected transport collaborator for pull.
type Puller interface {
	Pull(ctx context.Context, req PullRequest) (PullResponse, HTTPRequestInfo, error)
}

// ErrorClientStateNotFound / ErrorVersionNotSupported are the two response
// error strings spec §6/§7 name.
const (
	ErrorClientStateNotFound = "ClientStateNotFound"
	ErrorVersionNotSupported = "VersionNotSupported"
)
