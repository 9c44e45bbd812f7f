// Copyright 2024 The Syncengine Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package commit implements the typed commit chain (spec §2 C6, §3
// "Commit", §4.3): chunks whose data is either a snapshot or a local
// mutation, linked backward by basis hash. Grounded on
// services/syncbase/sync/dag.go's ancestor-walking idiom (dagNode chains
// linked by Parents), generalized from per-object version DAGs to a single
// per-client basis chain. Per DESIGN.md Open Question 1, only the DD31
// shape is implemented: scalar SDD snapshots and IndexChangeCommit are
// omitted.
package commit

import (
	"encoding/json"

	"github.com/kvreplica/syncengine/internal/btree"
	"github.com/kvreplica/syncengine/internal/chunk"
	"github.com/kvreplica/syncengine/internal/errs"
	"github.com/kvreplica/syncengine/internal/hash"
)

// Kind distinguishes the two DD31 commit shapes (spec §3 "Commit").
type Kind int

const (
	KindSnapshot Kind = iota
	KindLocal
)

// IndexRecord names one secondary index's current root, carried on every
// commit (spec §3: "indexes[i].valueHash refers to a B+Tree root for that
// index").
type IndexRecord struct {
	Name      string    `json:"name"`
	ValueHash hash.Hash `json:"valueHash"`
}

// Data is the decoded payload of a commit chunk. Snapshot-only and
// local-only fields are left zero on the other kind.
type Data struct {
	Kind Kind

	// Basis is hash.Empty on every snapshot (NewSnapshot builds genesis,
	// pulled and forked snapshots without one); every local commit has a
	// non-empty Basis.
	Basis hash.Hash

	// Snapshot fields.
	LastMutationIDs map[string]int64
	Cookie          json.RawMessage

	// Local fields.
	ClientID     string
	MutationID   int64
	MutatorName  string
	MutatorArgs  json.RawMessage
	OriginalHash hash.Hash // nullable: non-empty only on a rebased commit

	Timestamp int64 // unix millis, set on local commits; zero on snapshots

	ValueHash hash.Hash
	Indexes   []IndexRecord
}

// wireData is the on-chunk JSON encoding (spec §3's field names, flattened
// into one discriminated struct the way the teacher flattens dagTxState
// onto a single kvtable row).
type wireData struct {
	Kind            string            `json:"kind"`
	Basis           hash.Hash         `json:"basisHash,omitempty"`
	LastMutationIDs map[string]int64  `json:"lastMutationIDs,omitempty"`
	Cookie          json.RawMessage   `json:"cookie,omitempty"`
	ClientID        string            `json:"clientID,omitempty"`
	MutationID      int64             `json:"mutationID,omitempty"`
	MutatorName     string            `json:"mutatorName,omitempty"`
	MutatorArgs     json.RawMessage   `json:"mutatorArgs,omitempty"`
	OriginalHash    hash.Hash         `json:"originalHash,omitempty"`
	Timestamp       int64             `json:"timestamp,omitempty"`
	ValueHash       hash.Hash         `json:"valueHash"`
	Indexes         []IndexRecord     `json:"indexes,omitempty"`
}

// Commit is a decoded commit chunk: its own hash plus its Data.
type Commit struct {
	Hash hash.Hash
	Data
}

// refs is the exact set of stored chunks Data references: its basis, its
// value tree root, its original commit (rebased local commits only), and
// every index root (spec §3 Chunk.refs must be exact). The synthesized
// empty-tree root (btree.EmptyRootHash) is never stored as a chunk, so it
// is left out.
func (d *Data) refs() []hash.Hash {
	var refs []hash.Hash
	emptyRoot := btree.EmptyRootHash()
	if !d.Basis.IsEmpty() {
		refs = append(refs, d.Basis)
	}
	if !d.ValueHash.IsEmpty() && d.ValueHash != emptyRoot {
		refs = append(refs, d.ValueHash)
	}
	if !d.OriginalHash.IsEmpty() {
		refs = append(refs, d.OriginalHash)
	}
	for _, ix := range d.Indexes {
		if !ix.ValueHash.IsEmpty() && ix.ValueHash != emptyRoot {
			refs = append(refs, ix.ValueHash)
		}
	}
	return refs
}

func (d *Data) encode() (json.RawMessage, error) {
	wd := wireData{
		Basis:           d.Basis,
		LastMutationIDs: d.LastMutationIDs,
		Cookie:          d.Cookie,
		ClientID:        d.ClientID,
		MutationID:      d.MutationID,
		MutatorName:     d.MutatorName,
		MutatorArgs:     d.MutatorArgs,
		OriginalHash:    d.OriginalHash,
		Timestamp:       d.Timestamp,
		ValueHash:       d.ValueHash,
		Indexes:         d.Indexes,
	}
	switch d.Kind {
	case KindSnapshot:
		wd.Kind = "snapshot"
	case KindLocal:
		wd.Kind = "local"
	}
	return json.Marshal(wd)
}

func decode(raw json.RawMessage) (Data, error) {
	var wd wireData
	if err := json.Unmarshal(raw, &wd); err != nil {
		return Data{}, errs.New(errs.ErrCorrupt, err)
	}
	d := Data{
		Basis:           wd.Basis,
		LastMutationIDs: wd.LastMutationIDs,
		Cookie:          wd.Cookie,
		ClientID:        wd.ClientID,
		MutationID:      wd.MutationID,
		MutatorName:     wd.MutatorName,
		MutatorArgs:     wd.MutatorArgs,
		OriginalHash:    wd.OriginalHash,
		Timestamp:       wd.Timestamp,
		ValueHash:       wd.ValueHash,
		Indexes:         wd.Indexes,
	}
	switch wd.Kind {
	case "snapshot":
		d.Kind = KindSnapshot
	case "local":
		d.Kind = KindLocal
	default:
		return Data{}, errs.New(errs.ErrCorrupt, "unknown commit kind: "+wd.Kind)
	}
	if d.Kind == KindSnapshot && d.Basis.IsEmpty() && d.LastMutationIDs == nil {
		d.LastMutationIDs = map[string]int64{}
	}
	return d, nil
}

// NewGenesisSnapshot builds the Data for a brand-new database's first
// commit: no basis, no acknowledged mutations, no server cookie, an empty
// value tree (spec §8 S1).
func NewGenesisSnapshot(emptyValueHash hash.Hash) Data {
	return Data{
		Kind:            KindSnapshot,
		Basis:           hash.Empty,
		LastMutationIDs: map[string]int64{},
		Cookie:          nil,
		ValueHash:       emptyValueHash,
	}
}

// NewSnapshot builds the Data for a pull-produced sync snapshot (spec
// §4.6 beginPull step 4a). basis is hash.Empty: a pull snapshot stands on
// its own, built from the patch rather than chained off the commit it
// replaces (spec §9: the sync branch's graft point is always the sole
// point of attachment, never a multi-parent merge).
func NewSnapshot(lastMutationIDs map[string]int64, cookie json.RawMessage, valueHash hash.Hash, indexes []IndexRecord) Data {
	if lastMutationIDs == nil {
		lastMutationIDs = map[string]int64{}
	}
	return Data{
		Kind:            KindSnapshot,
		Basis:           hash.Empty,
		LastMutationIDs: lastMutationIDs,
		Cookie:          cookie,
		ValueHash:       valueHash,
		Indexes:         indexes,
	}
}

// NewLocal builds the Data for one pending local mutation (spec §4.4
// WriteTx, §4.6 rebase).
func NewLocal(basis hash.Hash, clientID string, mutationID int64, mutatorName string, args json.RawMessage, originalHash hash.Hash, timestampMillis int64, valueHash hash.Hash, indexes []IndexRecord) Data {
	return Data{
		Kind:         KindLocal,
		Basis:        basis,
		ClientID:     clientID,
		MutationID:   mutationID,
		MutatorName:  mutatorName,
		MutatorArgs:  args,
		OriginalHash: originalHash,
		Timestamp:    timestampMillis,
		ValueHash:    valueHash,
		Indexes:      indexes,
	}
}

// ChunkCreator is the minimal capability Build needs from a store: minting
// a chunk without writing it (spec §4.1 createChunk). Satisfied by both
// *internal/memdag.Store and *internal/dag.Store.
type ChunkCreator interface {
	CreateChunk(data json.RawMessage, refs []hash.Hash) *chunk.Chunk
}

// Build encodes d into a chunk via store (content- or UUID-hashed depending
// on which store mints it) without writing it; the caller still owns
// PutChunk + SetHead.
func Build(store ChunkCreator, d Data) (*chunk.Chunk, error) {
	raw, err := d.encode()
	if err != nil {
		return nil, err
	}
	return store.CreateChunk(raw, d.refs()), nil
}

// Reader is the read capability every chain-walking function below needs.
// Satisfied by *internal/memdag.Store, *internal/dag.ReadTxn and
// *internal/dag.WriteTxn.
type Reader interface {
	GetChunk(h hash.Hash) (*chunk.Chunk, error)
}

// FromChunk decodes a commit chunk already in hand.
func FromChunk(c *chunk.Chunk) (*Commit, error) {
	d, err := decode(c.Data)
	if err != nil {
		return nil, err
	}
	return &Commit{Hash: c.Hash, Data: d}, nil
}

// FromHash fetches and decodes the commit at h.
func FromHash(store Reader, h hash.Hash) (*Commit, error) {
	c, err := store.GetChunk(h)
	if err != nil {
		return nil, err
	}
	return FromChunk(c)
}

// BaseSnapshotFromHash walks Basis links starting at h until it reaches a
// snapshot commit (spec §4.3 baseSnapshotFromHash).
func BaseSnapshotFromHash(store Reader, h hash.Hash) (*Commit, error) {
	c, err := FromHash(store, h)
	if err != nil {
		return nil, err
	}
	for c.Kind != KindSnapshot {
		if c.Basis.IsEmpty() {
			return nil, errs.New(errs.ErrCorrupt, "commit chain has no snapshot ancestor")
		}
		c, err = FromHash(store, c.Basis)
		if err != nil {
			return nil, err
		}
	}
	return c, nil
}

// LocalMutations returns every local commit between h and its base
// snapshot, newest first (spec §4.3 localMutations).
func LocalMutations(store Reader, h hash.Hash) ([]*Commit, error) {
	var out []*Commit
	c, err := FromHash(store, h)
	if err != nil {
		return nil, err
	}
	for c.Kind == KindLocal {
		out = append(out, c)
		c, err = FromHash(store, c.Basis)
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

// LocalMutationsGreaterThan returns the subset of LocalMutations(h) whose
// MutationID exceeds lastMutationIDs[commit's own ClientID] (default 0),
// in basis order oldest first (spec §4.3 localMutationsGreaterThan, §4.6
// maybeEndPull step 2 "mutationID > syncSnapshot.lastMutationIDs[clientID]"
// generalized across every contributing client in a DD31 client group).
func LocalMutationsGreaterThan(store Reader, h hash.Hash, lastMutationIDs map[string]int64) ([]*Commit, error) {
	all, err := LocalMutations(store, h)
	if err != nil {
		return nil, err
	}
	var out []*Commit
	for i := len(all) - 1; i >= 0; i-- { // walk oldest-first
		c := all[i]
		if c.MutationID > lastMutationIDs[c.ClientID] {
			out = append(out, c)
		}
	}
	return out, nil
}

// Chain returns every commit from the base snapshot to h, oldest (the
// snapshot) first (spec §4.3 chain).
func Chain(store Reader, h hash.Hash) ([]*Commit, error) {
	locals, err := LocalMutations(store, h)
	if err != nil {
		return nil, err
	}
	var basis hash.Hash
	if len(locals) > 0 {
		basis = locals[len(locals)-1].Basis
	} else {
		basis = h
	}
	snap, err := FromHash(store, basis)
	if err != nil {
		return nil, err
	}
	out := make([]*Commit, 0, len(locals)+1)
	out = append(out, snap)
	for i := len(locals) - 1; i >= 0; i-- {
		out = append(out, locals[i])
	}
	return out, nil
}

// GetMutationID returns clientID's mutation id as observed at c: c's own
// MutationID if c is a local commit for clientID, otherwise the value
// recorded at the deepest ancestor that has one (spec §4.3 getMutationID).
func GetMutationID(store Reader, c *Commit, clientID string) (int64, error) {
	for {
		if c.Kind == KindLocal && c.ClientID == clientID {
			return c.MutationID, nil
		}
		if c.Kind == KindSnapshot {
			return c.LastMutationIDs[clientID], nil
		}
		parent, err := FromHash(store, c.Basis)
		if err != nil {
			return 0, err
		}
		c = parent
	}
}

// CookieComparator is the caller-supplied total order on opaque cookies
// (spec §4.3 compareCookiesForSnapshots, §9 "Cookie comparator").
type CookieComparator interface {
	Compare(a, b json.RawMessage) int
}

// CompareCookiesForSnapshots 3-way compares two snapshots' cookies via cmp.
func CompareCookiesForSnapshots(cmp CookieComparator, a, b *Commit) int {
	return cmp.Compare(a.Cookie, b.Cookie)
}

// JSONCookieComparator orders cookies that are JSON numbers or strings by
// their natural order, treating a nil cookie as less than any non-nil
// cookie (the genesis snapshot's cookie, spec §8 S1 "cookieJSON = null").
// This is the default comparator; an embedder with a richer cookie shape
// supplies its own CookieComparator.
type JSONCookieComparator struct{}

func (JSONCookieComparator) Compare(a, b json.RawMessage) int {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	if len(a) == 0 {
		return -1
	}
	if len(b) == 0 {
		return 1
	}
	var av, bv interface{}
	_ = json.Unmarshal(a, &av)
	_ = json.Unmarshal(b, &bv)
	switch x := av.(type) {
	case float64:
		if y, ok := bv.(float64); ok {
			switch {
			case x < y:
				return -1
			case x > y:
				return 1
			default:
				return 0
			}
		}
	case string:
		if y, ok := bv.(string); ok {
			switch {
			case x < y:
				return -1
			case x > y:
				return 1
			default:
				return 0
			}
		}
	}
	// Mixed or unsupported shapes: fall back to byte comparison of the
	// canonical encodings, stable but not meaningful beyond equality.
	as, bs := string(a), string(b)
	switch {
	case as < bs:
		return -1
	case as > bs:
		return 1
	default:
		return 0
	}
}
