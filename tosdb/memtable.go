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
	"bytes"
	"fmt"

	"github.com/google/btree"
	bloomfilter "github.com/holiman/bloomfilter/v2"

	"github.com/kazimsarikaya/turnstone-go/metrics"
)

var memtableRotations = metrics.GetOrCreateCounter("tosdb_memtable_rotations")

// bloomKey adapts a precomputed 64-bit key hash to hash.Hash64, which is
// what the bloom filter consumes.
type bloomKey uint64

func (k bloomKey) Write(p []byte) (int, error) { return len(p), nil }
func (k bloomKey) Sum(b []byte) []byte         { return b }
func (k bloomKey) Reset()                      {}
func (k bloomKey) Size() int                   { return 8 }
func (k bloomKey) BlockSize() int              { return 8 }
func (k bloomKey) Sum64() uint64               { return uint64(k) }

// memtableIndexItem is one in-memory index entry. For secondary indexes key
// is the secondary key and pkey the primary key of the referenced record.
type memtableIndexItem struct {
	keyHash   uint64
	isDeleted bool
	offset    uint64
	length    uint64
	key       []byte
	pkey      []byte
	recordID  uint64
	// populated when the item was read back from an sstable
	sstableID uint64
	level     uint64
}

// lessByKey orders by (key_hash, key bytes); upserting the same key
// replaces. Primary and unique indexes sort this way.
func lessByKey(a, b *memtableIndexItem) bool {
	if a.keyHash != b.keyHash {
		return a.keyHash < b.keyHash
	}
	return bytes.Compare(a.key, b.key) < 0
}

// lessByKeyAndRecord additionally orders by record id so one secondary key
// can hold many records.
func lessByKeyAndRecord(a, b *memtableIndexItem) bool {
	if a.keyHash != b.keyHash {
		return a.keyHash < b.keyHash
	}
	if c := bytes.Compare(a.key, b.key); c != 0 {
		return c < 0
	}
	return a.recordID < b.recordID
}

// memtableIndex is the in-memory sorted view of one table index.
type memtableIndex struct {
	idx   *Index
	tree  *btree.BTreeG[*memtableIndexItem]
	bloom *bloomfilter.Filter
}

// memtable is an index-only view of recent upserts backed by an append-only
// buffer of serialized records.
type memtable struct {
	tbl         *Table
	id          uint64
	isReadonly  bool
	isDirty     bool
	indexes     map[uint64]*memtableIndex
	values      []byte
	recordCount uint64
}

func newMemtable(t *Table, id uint64) (*memtable, error) {
	mt := &memtable{
		tbl:     t,
		id:      id,
		indexes: map[uint64]*memtableIndex{},
	}

	maxN := t.maxRecordCount
	if maxN < 128 {
		maxN = 128
	}

	for _, id := range t.sortedIndexIDsLocked() {
		idx := t.indexes[id]
		if idx.IsDeleted {
			continue
		}
		less := lessByKey
		if idx.Type == IndexSecondary {
			less = lessByKeyAndRecord
		}
		bf, err := bloomfilter.NewOptimal(maxN, 0.01)
		if err != nil {
			return nil, fmt.Errorf("cannot create bloom filter: %w", err)
		}
		mt.indexes[idx.ID] = &memtableIndex{
			idx:   idx,
			tree:  btree.NewG(16, less),
			bloom: bf,
		}
	}

	return mt, nil
}

func (mt *memtable) isFull() bool {
	if mt.isReadonly {
		return true
	}
	t := mt.tbl
	if t.maxRecordCount > 0 && mt.recordCount >= t.maxRecordCount {
		return true
	}
	if t.maxValuelogSize > 0 && uint64(len(mt.values)) >= t.maxValuelogSize {
		return true
	}
	return false
}

// upsert appends the serialized record and inserts an index item per key.
// Caller holds the table lock.
func (mt *memtable) upsert(r *Record, del bool) error {
	payload, err := r.serialize()
	if err != nil {
		return err
	}

	offset := uint64(len(mt.values))
	mt.values = append(mt.values, payload...)
	length := uint64(len(payload))

	pk, ok := r.keys[mt.tbl.primaryIndexLocked().ID]
	if !ok {
		return fmt.Errorf("%w: record has no primary key", ErrInvalidArgument)
	}

	for indexID, mi := range mt.indexes {
		k, ok := r.keys[indexID]
		if !ok {
			// column not set on this record; nothing to index
			continue
		}
		item := &memtableIndexItem{
			keyHash:   k.keyHash,
			isDeleted: del,
			offset:    offset,
			length:    length,
			key:       k.key,
			recordID:  r.recordID,
		}
		if mi.idx.Type == IndexSecondary {
			item.pkey = pk.key
		}
		mi.tree.ReplaceOrInsert(item)
		mi.bloom.Add(bloomKey(k.keyHash))
	}

	mt.recordCount++
	mt.isDirty = true
	return nil
}

// get looks the key up in this memtable and populates the record on a hit.
// The bool reports whether the walk should stop (hit or tombstone).
func (mt *memtable) get(r *Record, k *recordKey) (bool, error) {
	mi, ok := mt.indexes[k.indexID]
	if !ok {
		return false, nil
	}
	if !mi.bloom.Contains(bloomKey(k.keyHash)) {
		return false, nil
	}

	probe := &memtableIndexItem{keyHash: k.keyHash, key: k.key}
	item, ok := mi.tree.Get(probe)
	if !ok {
		return false, nil
	}
	if item.isDeleted {
		return true, ErrDeleted
	}
	return true, r.deserializeInto(mt.values[item.offset : item.offset+item.length])
}

// collect returns every item of the index matching the key. Secondary keys
// can match many items.
func (mt *memtable) collect(k *recordKey) []*memtableIndexItem {
	mi, ok := mt.indexes[k.indexID]
	if !ok || !mi.bloom.Contains(bloomKey(k.keyHash)) {
		return nil
	}

	var out []*memtableIndexItem
	probe := &memtableIndexItem{keyHash: k.keyHash, key: k.key}
	mi.tree.AscendGreaterOrEqual(probe, func(item *memtableIndexItem) bool {
		if item.keyHash != k.keyHash || !bytes.Equal(item.key, k.key) {
			return false
		}
		out = append(out, item)
		return true
	})
	return out
}

// all returns every item of the index in (key_hash, key) order.
func (mt *memtable) all(indexID uint64) []*memtableIndexItem {
	mi, ok := mt.indexes[indexID]
	if !ok {
		return nil
	}
	out := make([]*memtableIndexItem, 0, mi.tree.Len())
	mi.tree.Ascend(func(item *memtableIndexItem) bool {
		out = append(out, item)
		return true
	})
	return out
}

// memtableUpsert routes an upsert or delete into the mutable memtable,
// rotating as needed.
func (t *Table) memtableUpsert(r *Record, del bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	pi := t.primaryIndexLocked()
	if pi == nil {
		return fmt.Errorf("%w: table %q has no primary index", ErrInvalidArgument, t.name)
	}
	pk, ok := r.keys[pi.ID]
	if !ok {
		return fmt.Errorf("%w: primary key column not set", ErrInvalidArgument)
	}

	// the record id is content-addressed on the primary key, so every
	// version of a row, tombstones included, shares one identity
	r.recordID = recordIDForKey(pk.key)

	mt, err := t.ensureMemtableLocked()
	if err != nil {
		return err
	}
	if err := mt.upsert(r, del); err != nil {
		return err
	}
	if mt.isFull() {
		memtableRotations.Inc()
	}

	t.isDirty = true
	t.db.isDirty = true
	return nil
}
