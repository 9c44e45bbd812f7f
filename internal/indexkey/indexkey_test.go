// Copyright 2024 The Syncengine Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package indexkey

import (
	"bytes"
	"testing"
)

func TestRoundTrip(t *testing.T) {
	cases := []struct{ sec, prim []byte }{
		{[]byte("todo/1"), []byte("p1")},
		{[]byte{}, []byte("p2")},
		{[]byte{0x00, 0x01, 0x00}, []byte("p3")},
		{[]byte("z"), []byte{}},
	}
	for _, c := range cases {
		enc := Encode(c.sec, c.prim)
		sec, prim, ok := Decode(enc)
		if !ok {
			t.Fatalf("Decode(%q) failed", enc)
		}
		if !bytes.Equal(sec, c.sec) || !bytes.Equal(prim, c.prim) {
			t.Fatalf("round trip mismatch: got (%q,%q), want (%q,%q)", sec, prim, c.sec, c.prim)
		}
		if !bytes.Equal(Encode(sec, prim), enc) {
			t.Fatalf("Encode(Decode(k)) != k for %q", enc)
		}
	}
}

func TestOrderPreserving(t *testing.T) {
	// A longer secondary that is lexicographically smaller ("aa") must
	// still sort before a shorter one ("b"), which a length-prefixed
	// encoding would get backwards.
	a := Encode([]byte("aa"), []byte("x"))
	b := Encode([]byte("b"), []byte("x"))
	if bytes.Compare(a, b) >= 0 {
		t.Fatalf("expected Encode(aa,*) < Encode(b,*), got %q >= %q", a, b)
	}
	// Equal secondaries tie-break on primary.
	c := Encode([]byte("k"), []byte("p1"))
	d := Encode([]byte("k"), []byte("p2"))
	if bytes.Compare(c, d) >= 0 {
		t.Fatalf("expected same-secondary tie-break by primary, got %q >= %q", c, d)
	}
}
