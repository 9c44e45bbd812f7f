// Copyright 2024 The Syncengine Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package memdag implements the lazy in-memory overlay over a perdag (spec
// §4.1 "Memdag (LazyStore)"): it owns temp chunks minted with UUID hashes and
// a bounded LRU cache of chunks fetched from the source perdag. Grounded on
// the teacher's layering instinct of wrapping a base store with an in-memory
// overlay (server/watchable wraps a store.Store the way memdag wraps a
// dag.Store), generalized from a watch-log overlay to a lazy chunk cache.
package memdag

import (
	"encoding/json"
	"sync"

	"v.io/x/ref/lib/stats"

	"github.com/hashicorp/golang-lru/v2"

	"github.com/kvreplica/syncengine/internal/chunk"
	"github.com/kvreplica/syncengine/internal/dag"
	"github.com/kvreplica/syncengine/internal/hash"
)

// DefaultMaxCacheBytes is the default source-chunk cache bound (spec §4.1:
// "default 100 MiB").
const DefaultMaxCacheBytes = 100 * 1024 * 1024

// maxCacheEntries bounds the underlying LRU's own entry-count eviction far
// above anything the byte budget below would ever allow resident, so that
// budget enforcement (enforceCacheBudgetLocked) is always the thing that decides
// what gets evicted, not the LRU's count cap.
const maxCacheEntries = 1 << 20

type cacheEntry struct {
	c    *chunk.Chunk
	size int64
}

// Store is a memdag: a source (the perdag) plus a bounded cache of chunks
// fetched from it, plus a map of temp chunks this memdag owns outright.
type Store struct {
	source        *dag.Store
	maxCacheBytes int64

	cacheMu    sync.Mutex
	cache      *lru.Cache[hash.Hash, cacheEntry]
	cacheBytes int64
	suspended  bool

	mu    sync.Mutex
	heads map[string]hash.Hash
	temp  map[hash.Hash]*chunk.Chunk

	numTempChunks  *stats.Integer
	cacheBytesStat *stats.Integer
	numTempName    string
	cacheBytesName string
}

// Open creates a memdag over source. maxCacheBytes <= 0 selects
// DefaultMaxCacheBytes. name namespaces this memdag's stats counters.
func Open(source *dag.Store, name string, maxCacheBytes int64) *Store {
	if maxCacheBytes <= 0 {
		maxCacheBytes = DefaultMaxCacheBytes
	}
	s := &Store{
		source:        source,
		maxCacheBytes: maxCacheBytes,
		heads:         make(map[string]hash.Hash),
		temp:          make(map[hash.Hash]*chunk.Chunk),
	}
	cache, err := lru.NewWithEvict(maxCacheEntries, func(_ hash.Hash, e cacheEntry) {
		s.cacheBytes -= e.size
		s.cacheBytesStat.Set(s.cacheBytes)
	})
	if err != nil {
		// Only returns an error for a non-positive size, which
		// maxCacheEntries never is.
		panic(err)
	}
	s.cache = cache
	s.numTempName = "syncengine/memdag/" + name + "/numTempChunks"
	s.cacheBytesName = "syncengine/memdag/" + name + "/cacheBytes"
	s.numTempChunks = stats.NewInteger(s.numTempName)
	s.cacheBytesStat = stats.NewInteger(s.cacheBytesName)
	return s
}

// Close releases this memdag's stats counters. It does not close the
// underlying perdag, which the memdag does not own.
func (s *Store) Close() error {
	stats.Delete(s.numTempName)
	stats.Delete(s.cacheBytesName)
	return nil
}

// CreateChunk mints a new chunk owned by this memdag, named with a fresh
// UUID hash rather than a content hash (spec §4.1: commits built during a
// WriteTx get temp hashes until persisted).
func (s *Store) CreateChunk(data json.RawMessage, refs []hash.Hash) *chunk.Chunk {
	return chunk.NewTemp(data, refs)
}

// PutChunk stores c as a temp chunk owned by this memdag; it is never
// written to the perdag until a persist walks it into the gathered set
// (spec §4.1 putChunk, §4.7 persist step 3b).
func (s *Store) PutChunk(c *chunk.Chunk) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, already := s.temp[c.Hash]; !already {
		s.numTempChunks.Incr(1)
	}
	s.temp[c.Hash] = c
}

// GetChunk returns a temp chunk if this memdag owns h; otherwise a cached
// copy from the source cache; otherwise fetches from the source perdag and
// inserts into the cache, evicting to stay within the byte budget (spec
// §4.1 getChunk).
func (s *Store) GetChunk(h hash.Hash) (*chunk.Chunk, error) {
	s.mu.Lock()
	if c, ok := s.temp[h]; ok {
		s.mu.Unlock()
		return c, nil
	}
	s.mu.Unlock()

	s.cacheMu.Lock()
	if e, ok := s.cache.Get(h); ok {
		s.cacheMu.Unlock()
		return e.c, nil
	}
	s.cacheMu.Unlock()

	var c *chunk.Chunk
	err := s.source.WithRead(func(r *dag.ReadTxn) error {
		fetched, err := r.GetChunk(h)
		c = fetched
		return err
	})
	if err != nil {
		return nil, err
	}
	s.insertCache(h, c)
	return c, nil
}

// PutCached inserts c directly into the source-chunk cache, bypassing a
// fetch from the source perdag. Used by refresh (spec §4.7 step 3b) to seed
// the cache with chunks gathered from the perdag before rebasing against
// them, so the rebase never misses on a chunk it was just handed.
func (s *Store) PutCached(c *chunk.Chunk) {
	s.insertCache(c.Hash, c)
}

// IsMemOnlyChunkHash reports whether h names a chunk this memdag owns as a
// temp chunk rather than something it has (or could) fetch from the source
// perdag. Ownership, not string shape, is authoritative (see internal/hash's
// doc comment on NewUUID): a hash's format never changes across persist, but
// whether this memdag still owns it does.
func (s *Store) IsMemOnlyChunkHash(h hash.Hash) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.temp[h]
	return ok
}

// ChunksPersisted releases temp ownership of the given hashes after a
// persist has written them to the perdag (spec §4.1 chunksPersisted, §4.7
// step 4): they move from the temp map into the ordinary source cache,
// since they are now fetchable from the source.
func (s *Store) ChunksPersisted(hashes []hash.Hash) {
	s.mu.Lock()
	released := make([]*chunk.Chunk, 0, len(hashes))
	for _, h := range hashes {
		if c, ok := s.temp[h]; ok {
			delete(s.temp, h)
			s.numTempChunks.Incr(-1)
			released = append(released, c)
		}
	}
	s.mu.Unlock()

	for _, c := range released {
		s.insertCache(c.Hash, c)
	}
}

// GetHead returns the memdag's in-memory value for a named head, or
// hash.Empty if it has never been set.
func (s *Store) GetHead(name string) hash.Hash {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.heads[name]
}

// SetHead moves a named head in memory.
func (s *Store) SetHead(name string, h hash.Hash) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.heads[name] = h
}

// RemoveHead clears a named head.
func (s *Store) RemoveHead(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.heads, name)
}

// WithWrite serializes writers against this memdag's head/temp-chunk state,
// matching the perdag's "at most one writer at a time" contract (spec §5).
func (s *Store) WithWrite(f func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return f()
}

// WithSuspendedSourceCacheEvictsAndDeletes defers all cache-budget eviction
// until f returns, so that a long-running rebase (refresh, spec §4.7) never
// observes a cache miss on a chunk it just put in (spec §4.1
// withSuspendedSourceCacheEvictsAndDeletes).
func (s *Store) WithSuspendedSourceCacheEvictsAndDeletes(f func() error) error {
	s.cacheMu.Lock()
	s.suspended = true
	s.cacheMu.Unlock()

	defer func() {
		s.cacheMu.Lock()
		s.suspended = false
		s.enforceCacheBudgetLocked()
		s.cacheMu.Unlock()
	}()

	return f()
}

func (s *Store) insertCache(h hash.Hash, c *chunk.Chunk) {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	if _, ok := s.cache.Peek(h); ok {
		return
	}
	size := int64(c.Size())
	s.cache.Add(h, cacheEntry{c: c, size: size})
	s.cacheBytes += size
	s.cacheBytesStat.Set(s.cacheBytes)
	s.enforceCacheBudgetLocked()
}

// enforceCacheBudgetLocked evicts the oldest cache entries until the byte
// budget is satisfied. Called with cacheMu held; a no-op while suspended.
func (s *Store) enforceCacheBudgetLocked() {
	if s.suspended {
		return
	}
	for s.cacheBytes > s.maxCacheBytes {
		if _, _, ok := s.cache.RemoveOldest(); !ok {
			break
		}
	}
}
