// Copyright 2026 The Turnstone Authors
// This file is part of Turnstone.
//
// Turnstone is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// Turnstone is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with Turnstone. If not, see <http://www.gnu.org/licenses/>.

package tosdb

import (
	"github.com/elastic/go-freelru"

	"github.com/kazimsarikaya/turnstone-go/metrics"
)

var (
	cacheHitsCounter   = metrics.GetOrCreateCounter("tosdb_cache_hits")
	cacheMissesCounter = metrics.GetOrCreateCounter("tosdb_cache_misses")
)

// indexCacheKey addresses one decompressed sstable index-item array.
type indexCacheKey struct {
	databaseID uint64
	tableID    uint64
	indexID    uint64
	level      uint64
	sstableID  uint64
}

// valuelogCacheKey addresses one decompressed value log.
type valuelogCacheKey struct {
	databaseID uint64
	tableID    uint64
	level      uint64
	sstableID  uint64
}

func mix64(vs ...uint64) uint32 {
	// fnv-1a over the words; the cache only needs a spread, not strength
	h := uint64(14695981039346656037)
	for _, v := range vs {
		for i := 0; i < 8; i++ {
			h ^= v & 0xff
			h *= 1099511628211
			v >>= 8
		}
	}
	return uint32(h ^ h>>32)
}

func hashIndexKey(k indexCacheKey) uint32 {
	return mix64(k.databaseID, k.tableID, k.indexID, k.level, k.sstableID)
}

func hashValuelogKey(k valuelogCacheKey) uint32 {
	return mix64(k.databaseID, k.tableID, k.level, k.sstableID)
}

// readCache holds decompressed sstable index arrays and value logs. freelru
// bounds entries by count; the entry budget is derived from the byte budget
// assuming 64K per entry. The byte size of the cached entries is not
// tracked, so the memory held is not bounded by the byte budget.
type readCache struct {
	indexes   *freelru.SyncedLRU[indexCacheKey, []*memtableIndexItem]
	valuelogs *freelru.SyncedLRU[valuelogCacheKey, []byte]
}

func newReadCache(byteBudget uint64) *readCache {
	entries := uint32(byteBudget / (64 << 10))
	if entries < 128 {
		entries = 128
	}
	idx, err := freelru.NewSynced[indexCacheKey, []*memtableIndexItem](entries, hashIndexKey)
	if err != nil {
		panic(err)
	}
	vl, err := freelru.NewSynced[valuelogCacheKey, []byte](entries, hashValuelogKey)
	if err != nil {
		panic(err)
	}
	return &readCache{indexes: idx, valuelogs: vl}
}

func (c *readCache) getIndex(k indexCacheKey) ([]*memtableIndexItem, bool) {
	items, ok := c.indexes.Get(k)
	if ok {
		cacheHitsCounter.Inc()
	} else {
		cacheMissesCounter.Inc()
	}
	return items, ok
}

func (c *readCache) putIndex(k indexCacheKey, items []*memtableIndexItem) {
	c.indexes.Add(k, items)
}

func (c *readCache) getValuelog(k valuelogCacheKey) ([]byte, bool) {
	data, ok := c.valuelogs.Get(k)
	if ok {
		cacheHitsCounter.Inc()
	} else {
		cacheMissesCounter.Inc()
	}
	return data, ok
}

func (c *readCache) putValuelog(k valuelogCacheKey, data []byte) {
	c.valuelogs.Add(k, data)
}
