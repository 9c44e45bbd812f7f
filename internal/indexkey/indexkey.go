// Copyright 2024 The Syncengine Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package indexkey encodes the composite (secondaryKey, primaryKey) pair
// that every index B+Tree entry is keyed by (spec §4.4: "Index maps are
// secondary B+Trees keyed by (encodedIndexKey, primaryKey)"), in a way
// that preserves UTF-8 byte order by (secondaryKey, primaryKey) so that an
// ordinary B+Tree key scan yields "index scans ordered by secondaryKey
// with primaryKey as tie-break" (spec §4.4) for free.
package indexkey

import "bytes"

// escByte/termByte implement a standard order-preserving terminator
// scheme: every literal 0x00 in secondary is escaped to 0x00 0x01, and the
// secondary section ends with the otherwise-unused 0x00 0x00 terminator.
// Since 0x00 0x00 < 0x00 0x01 < any byte >= 0x01 that could follow, no
// escaped continuation ever sorts before the terminator, so the encoding's
// byte order matches the unescaped (secondary, primary) order exactly —
// unlike a fixed-width length prefix, which would let length comparisons
// override content comparisons between differently-sized secondaries.
const (
	escByte  = 0x01
	termByte = 0x00
)

// Encode packs secondary and primary into one byte string.
func Encode(secondary, primary []byte) []byte {
	out := make([]byte, 0, len(secondary)*2+2+len(primary))
	for _, b := range secondary {
		if b == termByte {
			out = append(out, termByte, escByte)
		} else {
			out = append(out, b)
		}
	}
	out = append(out, termByte, termByte)
	out = append(out, primary...)
	return out
}

// Decode splits an encoded index key back into its secondary and primary
// parts. Encode(Decode(k)) == k for any k produced by Encode (spec §8
// round-trip law "encodeIndexKey(decodeIndexKey(k)) == k").
func Decode(k []byte) (secondary, primary []byte, ok bool) {
	for i := 0; i < len(k); i++ {
		if k[i] != termByte {
			continue
		}
		if i+1 >= len(k) {
			return nil, nil, false
		}
		switch k[i+1] {
		case escByte:
			i++ // escaped literal 0x00; keep scanning
			continue
		case termByte:
			sec := unescape(k[:i])
			return sec, append([]byte(nil), k[i+2:]...), true
		default:
			return nil, nil, false
		}
	}
	return nil, nil, false
}

func unescape(b []byte) []byte {
	if !bytes.Contains(b, []byte{termByte, escByte}) {
		return append([]byte(nil), b...)
	}
	out := make([]byte, 0, len(b))
	for i := 0; i < len(b); i++ {
		if b[i] == termByte && i+1 < len(b) && b[i+1] == escByte {
			out = append(out, termByte)
			i++
			continue
		}
		out = append(out, b[i])
	}
	return out
}
