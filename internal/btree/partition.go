// Copyright 2024 The Syncengine Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package btree

// partition re-groups entries into the sibling node(s) that should hold
// them, honoring minSize/maxSize (spec §4.2): it walks left to right,
// accumulating size, cutting a partition as soon as the accumulator reaches
// minSize, and cutting a singleton partition for any entry whose own size
// already reaches maxSize (flushing whatever was accumulating first). A
// final leftover under minSize is merged into the preceding partition when
// the combined size still fits within maxSize; otherwise it stands alone.
//
// partition never returns an empty slice for a non-empty input, and never
// splits an input of a single entry.
func partition(entries []entry, minSize, maxSize int) [][]entry {
	if len(entries) == 0 {
		return nil
	}

	var out [][]entry
	var cur []entry
	curSize := 0

	flush := func() {
		if len(cur) > 0 {
			out = append(out, cur)
			cur = nil
			curSize = 0
		}
	}

	for _, e := range entries {
		sz := e.size()
		if sz >= maxSize {
			flush()
			out = append(out, []entry{e})
			continue
		}
		cur = append(cur, e)
		curSize += sz
		if curSize >= minSize {
			flush()
		}
	}

	if len(cur) > 0 {
		if len(out) > 0 {
			prevSize := 0
			prev := out[len(out)-1]
			for _, e := range prev {
				prevSize += e.size()
			}
			if prevSize+curSize <= maxSize {
				out[len(out)-1] = append(prev, cur...)
				return out
			}
		}
		out = append(out, cur)
	}
	return out
}
