// Copyright 2024 The Syncengine Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package kvtest is a conformance kit run against every kv.Store backend,
// grounded on store/test/store.go's RunReadWriteBasicTest /
// RunStoreStateTest pattern: a reference in-memory model is kept alongside
// the store under test and their observable behavior is compared after
// each mutation.
package kvtest

import (
	"bytes"
	"fmt"
	"math/rand"
	"sort"
	"testing"

	"github.com/kvreplica/syncengine/internal/kv"
)

type op int

const (
	opPut op = iota
	opDelete
)

type step struct {
	op  op
	key int
}

// model is the in-memory reference implementation verified against.
type model struct {
	size int
	data map[string][]byte
}

func newModel(size int) *model {
	return &model{size: size, data: make(map[string][]byte)}
}

func keyOf(i int) string { return fmt.Sprintf("%05d", i) }

func (m *model) verify(t *testing.T, r kv.StoreReader) {
	t.Helper()
	for i := 0; i < m.size; i++ {
		k := keyOf(i)
		want, ok := m.data[k]
		got, err := r.Get([]byte(k))
		if ok {
			if err != nil || !bytes.Equal(got, want) {
				t.Fatalf("Get(%q) = %q, %v; want %q, nil", k, got, err, want)
			}
		} else if !kv.IsNotFound(err) {
			t.Fatalf("Get(%q) = %q, %v; want not-found", k, got, err)
		}
	}

	var keys []string
	for k := range m.data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	s := r.Scan(nil, nil)
	for _, k := range keys {
		if !s.Advance() {
			t.Fatalf("Scan ended early, missing %q: %v", k, s.Err())
		}
		if string(s.Key()) != k {
			t.Fatalf("Scan order: got %q, want %q", s.Key(), k)
		}
		if !bytes.Equal(s.Value(), m.data[k]) {
			t.Fatalf("Scan value for %q: got %q, want %q", k, s.Value(), m.data[k])
		}
	}
	if s.Advance() {
		t.Fatalf("Scan yielded extra key %q", s.Key())
	}
}

// RunReadWriteBasicTest runs a small fixed sequence of puts/deletes,
// verifying Get and Scan agree with the reference model at every step.
func RunReadWriteBasicTest(t *testing.T, st kv.Store) {
	run(t, st, 3, []step{
		{opPut, 1}, {opPut, 2}, {opDelete, 1}, {opPut, 1}, {opPut, 2},
	})
}

// RunReadWriteRandomTest runs a long randomized put/delete sequence.
func RunReadWriteRandomTest(t *testing.T, st kv.Store) {
	rnd := rand.New(rand.NewSource(239017))
	size := 50
	var steps []step
	for i := 0; i < 2000; i++ {
		steps = append(steps, step{op(rnd.Intn(2)), rnd.Intn(size)})
	}
	run(t, st, size, steps)
}

func run(t *testing.T, st kv.Store, size int, steps []step) {
	t.Helper()
	m := newModel(size)
	for _, s := range steps {
		k := keyOf(s.key)
		switch s.op {
		case opPut:
			v := []byte(fmt.Sprintf("v%d", s.key))
			m.data[k] = v
			if err := st.Put([]byte(k), v); err != nil {
				t.Fatalf("Put: %v", err)
			}
		case opDelete:
			delete(m.data, k)
			if err := st.Delete([]byte(k)); err != nil {
				t.Fatalf("Delete: %v", err)
			}
		}
		m.verify(t, st)
	}
}

// RunTransactionTest verifies that a transaction's writes are invisible
// until Commit, and are entirely discarded on Abort.
func RunTransactionTest(t *testing.T, st kv.Store) {
	key, value := []byte("txkey"), []byte("txvalue")

	tx := st.NewTransaction()
	if err := tx.Put(key, value); err != nil {
		t.Fatalf("Put in tx: %v", err)
	}
	if got, err := tx.Get(key); err != nil || !bytes.Equal(got, value) {
		t.Fatalf("Get inside tx = %q, %v; want %q, nil", got, err, value)
	}
	if _, err := st.Get(key); !kv.IsNotFound(err) {
		t.Fatalf("Get outside uncommitted tx should be not-found, got %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	got, err := st.Get(key)
	if err != nil || !bytes.Equal(got, value) {
		t.Fatalf("Get after commit = %q, %v; want %q, nil", got, err, value)
	}

	key2 := []byte("abortme")
	tx2 := st.NewTransaction()
	if err := tx2.Put(key2, value); err != nil {
		t.Fatalf("Put in tx2: %v", err)
	}
	if err := tx2.Abort(); err != nil {
		t.Fatalf("Abort: %v", err)
	}
	if _, err := st.Get(key2); !kv.IsNotFound(err) {
		t.Fatalf("Get after abort should be not-found, got %v", err)
	}
}

// RunSnapshotTest verifies a snapshot's view is frozen at creation time.
func RunSnapshotTest(t *testing.T, st kv.Store) {
	key := []byte("snapkey")
	if err := st.Put(key, []byte("v1")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	snap := st.NewSnapshot()
	defer snap.Close()

	if err := st.Put(key, []byte("v2")); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, err := snap.Get(key)
	if err != nil || !bytes.Equal(got, []byte("v1")) {
		t.Fatalf("snapshot Get = %q, %v; want v1, nil", got, err)
	}
	got, err = st.Get(key)
	if err != nil || !bytes.Equal(got, []byte("v2")) {
		t.Fatalf("live Get = %q, %v; want v2, nil", got, err)
	}
}
