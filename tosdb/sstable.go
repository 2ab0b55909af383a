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
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/kazimsarikaya/turnstone-go/metrics"
)

var memtableFlushCounter = metrics.GetOrCreateCounter("tosdb_memtable_flushes")

const (
	itemFlagDeleted = 1 << 0
)

// encodePrimaryItems serializes index items in (key_hash, key) order:
// {key_hash, flags, offset, length, key_length, key}. Length-prefixed so a
// reader iterates in place.
func encodePrimaryItems(items []*memtableIndexItem) []byte {
	w := newWireWriter(len(items) * 48)
	for _, it := range items {
		w.putU64(it.keyHash)
		var flags uint8
		if it.isDeleted {
			flags |= itemFlagDeleted
		}
		w.putU8(flags)
		w.putU64(it.offset)
		w.putU64(it.length)
		w.putU64(uint64(len(it.key)))
		w.putRaw(it.key)
	}
	return w.bytes()
}

// encodeSecondaryItems serializes secondary index items: {key_hash,
// record_id, flags, sstable_id, level, offset, length, secondary_key_length,
// primary_key_length, keys}.
func encodeSecondaryItems(items []*memtableIndexItem, sstableID, level uint64) []byte {
	w := newWireWriter(len(items) * 80)
	for _, it := range items {
		w.putU64(it.keyHash)
		w.putU64(it.recordID)
		var flags uint8
		if it.isDeleted {
			flags |= itemFlagDeleted
		}
		w.putU8(flags)
		sid, lvl := it.sstableID, it.level
		if sid == 0 {
			sid, lvl = sstableID, level
		}
		w.putU64(sid)
		w.putU64(lvl)
		w.putU64(it.offset)
		w.putU64(it.length)
		w.putU64(uint64(len(it.key)))
		w.putU64(uint64(len(it.pkey)))
		w.putRaw(it.key)
		w.putRaw(it.pkey)
	}
	return w.bytes()
}

// decodeIndexItems slices a decompressed item run back into items.
func decodeIndexItems(body []byte, secondary bool, count uint64) ([]*memtableIndexItem, error) {
	r := newWireReader(body)
	items := make([]*memtableIndexItem, 0, count)
	for i := uint64(0); i < count; i++ {
		it := &memtableIndexItem{}
		it.keyHash = r.getU64()
		if secondary {
			it.recordID = r.getU64()
		}
		flags := r.getU8()
		it.isDeleted = flags&itemFlagDeleted != 0
		if secondary {
			it.sstableID = r.getU64()
			it.level = r.getU64()
		}
		it.offset = r.getU64()
		it.length = r.getU64()
		keyLen := r.getU64()
		var pkeyLen uint64
		if secondary {
			pkeyLen = r.getU64()
		}
		it.key = r.take(int(keyLen))
		if secondary {
			it.pkey = r.take(int(pkeyLen))
		}
		items = append(items, it)
	}
	if r.failed() {
		return nil, fmt.Errorf("%w: truncated sstable index run", ErrChecksumMismatch)
	}
	return items, nil
}

// flushOldestMemtableLocked flushes the head of the read-only list.
func (t *Table) flushOldestMemtableLocked() error {
	if len(t.memtables) == 0 {
		return nil
	}
	mt := t.memtables[0]
	if err := t.memtableFlushLocked(mt); err != nil {
		return err
	}
	t.memtables = t.memtables[1:]
	return nil
}

// flushMemtablesLocked drains the whole read-only list, oldest first, so
// flush order preserves upsert order.
func (t *Table) flushMemtablesLocked() error {
	for len(t.memtables) > 0 {
		if err := t.flushOldestMemtableLocked(); err != nil {
			return err
		}
	}
	return nil
}

// memtableFlushLocked writes one memtable out as a level-1 sstable: one
// index block per table index plus one value-log block, then a list item on
// the pending list.
func (t *Table) memtableFlushLocked(mt *memtable) error {
	tdb := t.db.tdb
	sstableID := mt.id

	type builtIndex struct {
		indexID uint64
		body    []byte
	}

	ids := t.sortedIndexIDsLocked()
	built := make([]builtIndex, len(ids))

	// payload building is CPU-bound (sort + compress); fan it out
	var g errgroup.Group
	for i, indexID := range ids {
		mi, ok := mt.indexes[indexID]
		if !ok {
			continue
		}
		i, indexID := i, indexID
		g.Go(func() error {
			items := mt.all(indexID)

			var run []byte
			if mi.idx.Type == IndexSecondary {
				run = encodeSecondaryItems(items, sstableID, 1)
			} else {
				run = encodePrimaryItems(items)
			}

			bloomRaw, err := mi.bloom.MarshalBinary()
			if err != nil {
				return fmt.Errorf("cannot serialize bloom filter: %w", err)
			}
			bloomPacked, err := tdb.codec.Pack(bloomRaw)
			if err != nil {
				return err
			}
			runPacked, err := tdb.codec.Pack(run)
			if err != nil {
				return err
			}

			w := newWireWriter(len(bloomPacked) + len(runPacked) + 96)
			w.putU64(t.db.id)
			w.putU64(t.id)
			w.putU64(sstableID)
			w.putU64(indexID)
			w.putU64(uint64(len(bloomPacked)))
			w.putU64(uint64(len(runPacked)))
			w.putU64(uint64(len(run)))
			w.putU64(uint64(len(items)))
			w.putRaw(bloomPacked)
			w.putRaw(runPacked)

			built[i] = builtIndex{indexID: indexID, body: w.bytes()}
			return nil
		})
	}

	// value log compresses in parallel with the indexes
	var vlBody []byte
	g.Go(func() error {
		packed, err := tdb.codec.Pack(mt.values)
		if err != nil {
			return err
		}
		w := newWireWriter(len(packed) + 48)
		w.putU64(t.db.id)
		w.putU64(t.id)
		w.putU64(sstableID)
		w.putU64(uint64(len(packed)))
		w.putU64(uint64(len(mt.values)))
		w.putRaw(packed)
		vlBody = w.bytes()
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}

	vlLoc, vlSize, err := tdb.blockWrite(blockTypeValuelog, vlBody, 0, 0, false)
	if err != nil {
		return err
	}

	sli := &sstableListItem{
		sstableID:    sstableID,
		level:        1,
		recordCount:  mt.recordCount,
		valuelogLoc:  vlLoc,
		valuelogSize: vlSize,
	}
	for _, b := range built {
		if b.body == nil {
			continue
		}
		loc, size, werr := tdb.blockWrite(blockTypeSSTableIndex, b.body, 0, 0, false)
		if werr != nil {
			return werr
		}
		sli.indexes = append(sli.indexes, sstableIndexPair{
			indexID:   b.indexID,
			indexLoc:  loc,
			indexSize: size,
		})
	}

	t.pending = append([]*sstableListItem{sli}, t.pending...)
	memtableFlushCounter.Inc()

	if t.compactionNeededLocked() {
		if err := t.compactLocked(); err != nil {
			return err
		}
	}
	return nil
}

// readSSTableIndex loads, verifies and decodes one sstable index block,
// serving the decompressed item array from the cache when possible. Returns
// the items and the decompressed, still serialized bloom filter bytes.
func (t *Table) readSSTableIndex(sli *sstableListItem, indexID uint64) ([]*memtableIndexItem, []byte, error) {
	tdb := t.db.tdb

	pair := sli.pairFor(indexID)
	if pair == nil {
		return nil, nil, fmt.Errorf("%w: sstable %d has no index %d", ErrNotFound, sli.sstableID, indexID)
	}

	_, body, err := tdb.blockRead(pair.indexLoc, pair.indexSize)
	if err != nil {
		return nil, nil, fmt.Errorf("cannot read sstable index block: %w", err)
	}

	r := newWireReader(body)
	r.skip(32) // db/table/sstable/index ids
	bloomSize := r.getU64()
	runPackedSize := r.getU64()
	runUnpackedSize := r.getU64()
	count := r.getU64()
	bloomPacked := r.take(int(bloomSize))
	runPacked := r.take(int(runPackedSize))
	if r.failed() {
		return nil, nil, fmt.Errorf("%w: truncated sstable index block", ErrChecksumMismatch)
	}

	bloomRaw, err := tdb.codec.Unpack(bloomPacked, uint64(len(bloomPacked))*2)
	if err != nil {
		return nil, nil, err
	}

	ck := indexCacheKey{
		databaseID: t.db.id,
		tableID:    t.id,
		indexID:    indexID,
		level:      sli.level,
		sstableID:  sli.sstableID,
	}
	if items, ok := tdb.cache.getIndex(ck); ok {
		return items, bloomRaw, nil
	}

	run, err := tdb.codec.Unpack(runPacked, runUnpackedSize)
	if err != nil {
		return nil, nil, err
	}

	idx := t.indexes[indexID]
	items, err := decodeIndexItems(run, idx != nil && idx.Type == IndexSecondary, count)
	if err != nil {
		return nil, nil, err
	}

	tdb.cache.putIndex(ck, items)
	return items, bloomRaw, nil
}

// readValuelog returns the decompressed value log of an sstable, cached.
func (t *Table) readValuelog(sli *sstableListItem) ([]byte, error) {
	tdb := t.db.tdb

	ck := valuelogCacheKey{
		databaseID: t.db.id,
		tableID:    t.id,
		level:      sli.level,
		sstableID:  sli.sstableID,
	}
	if data, ok := tdb.cache.getValuelog(ck); ok {
		return data, nil
	}

	_, body, err := tdb.blockRead(sli.valuelogLoc, sli.valuelogSize)
	if err != nil {
		return nil, fmt.Errorf("cannot read valuelog block: %w", err)
	}

	r := newWireReader(body)
	r.skip(24) // db/table/sstable ids
	packedSize := r.getU64()
	unpackedSize := r.getU64()
	packed := r.take(int(packedSize))
	if r.failed() {
		return nil, fmt.Errorf("%w: truncated valuelog block", ErrChecksumMismatch)
	}

	data, err := tdb.codec.Unpack(packed, unpackedSize)
	if err != nil {
		return nil, err
	}

	tdb.cache.putValuelog(ck, data)
	return data, nil
}
