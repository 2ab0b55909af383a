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
	"sort"

	bloomfilter "github.com/holiman/bloomfilter/v2"
)

// searchItems binary-searches a (key_hash, key)-sorted item run.
func searchItems(items []*memtableIndexItem, keyHash uint64, key []byte) *memtableIndexItem {
	i := sort.Search(len(items), func(i int) bool {
		it := items[i]
		if it.keyHash != keyHash {
			return it.keyHash >= keyHash
		}
		return bytes.Compare(it.key, key) >= 0
	})
	if i >= len(items) {
		return nil
	}
	it := items[i]
	if it.keyHash != keyHash || !bytes.Equal(it.key, key) {
		return nil
	}
	return it
}

// sstableGet probes one sstable for the key. The bool reports whether the
// walk terminates here (hit or tombstone).
func (t *Table) sstableGet(r *Record, sli *sstableListItem, k *recordKey) (bool, error) {
	items, bloomRaw, err := t.readSSTableIndex(sli, k.indexID)
	if err != nil {
		return false, err
	}

	bf := &bloomfilter.Filter{}
	if err := bf.UnmarshalBinary(bloomRaw); err != nil {
		return false, fmt.Errorf("cannot deserialize bloom filter: %w", err)
	}
	if !bf.Contains(bloomKey(k.keyHash)) {
		return false, nil
	}

	item := searchItems(items, k.keyHash, k.key)
	if item == nil {
		return false, nil
	}
	if item.isDeleted {
		return true, ErrDeleted
	}

	data, err := t.readValuelog(sli)
	if err != nil {
		return false, err
	}
	if item.offset+item.length > uint64(len(data)) {
		return false, fmt.Errorf("%w: valuelog entry [0x%x +0x%x) past log 0x%x", ErrChecksumMismatch, item.offset, item.length, len(data))
	}
	return true, r.deserializeInto(data[item.offset : item.offset+item.length])
}

// recordGet resolves a point get: memtables newest to oldest, then the
// pending flush list, then levels 1..maxLevel, each level newest first. The
// first hit wins; a tombstone terminates the walk as ErrDeleted.
func (t *Table) recordGet(r *Record) error {
	k, err := r.singleKey()
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	idx, ok := t.indexes[k.indexID]
	if !ok || idx.IsDeleted {
		return fmt.Errorf("%w: index %d", ErrNotFound, k.indexID)
	}
	if idx.Type == IndexSecondary {
		return fmt.Errorf("%w: point get needs a primary or unique key", ErrInvalidArgument)
	}

	for _, mt := range t.memtablesNewestFirstLocked() {
		done, err := mt.get(r, k)
		if done {
			return err
		}
		if err != nil {
			return err
		}
	}

	for _, sli := range t.sstablesNewestFirstLocked() {
		done, err := t.sstableGet(r, sli, k)
		if done {
			return err
		}
		if err != nil {
			return err
		}
	}

	return fmt.Errorf("%w: key hash 0x%x", ErrNotFound, k.keyHash)
}

// memtablesNewestFirstLocked returns the mutable memtable then the read-only
// list newest to oldest.
func (t *Table) memtablesNewestFirstLocked() []*memtable {
	out := make([]*memtable, 0, len(t.memtables)+1)
	if t.current != nil {
		out = append(out, t.current)
	}
	for i := len(t.memtables) - 1; i >= 0; i-- {
		out = append(out, t.memtables[i])
	}
	return out
}

// sstablesNewestFirstLocked returns pending items then every level in
// ascending order, newest first within each.
func (t *Table) sstablesNewestFirstLocked() []*sstableListItem {
	out := make([]*sstableListItem, 0, len(t.pending))
	out = append(out, t.pending...)
	for lvl := uint64(1); lvl <= t.maxLevel; lvl++ {
		out = append(out, t.levels[lvl]...)
	}
	return out
}

// findSSTableLocked locates a list item by id and level.
func (t *Table) findSSTableLocked(sstableID, level uint64) *sstableListItem {
	for _, sli := range t.pending {
		if sli.sstableID == sstableID {
			return sli
		}
	}
	for _, sli := range t.levels[level] {
		if sli.sstableID == sstableID {
			return sli
		}
	}
	return nil
}

// sourcedItem carries an index item together with where its record bytes
// live.
type sourcedItem struct {
	item *memtableIndexItem
	mt   *memtable
	sli  *sstableListItem
}

// materialize builds a record from a sourced item.
func (t *Table) materializeLocked(si sourcedItem) (*Record, error) {
	r := &Record{tbl: t, columns: map[uint64]Value{}, keys: map[uint64]recordKey{}}

	var data []byte
	switch {
	case si.mt != nil:
		data = si.mt.values
	default:
		sli := si.sli
		if si.item.sstableID != 0 && si.item.sstableID != sli.sstableID {
			// secondary item pointing into another sstable's log
			if other := t.findSSTableLocked(si.item.sstableID, si.item.level); other != nil {
				sli = other
			}
		}
		var err error
		if data, err = t.readValuelog(sli); err != nil {
			return nil, err
		}
	}

	if si.item.offset+si.item.length > uint64(len(data)) {
		return nil, fmt.Errorf("%w: record bytes out of range", ErrChecksumMismatch)
	}
	if err := r.deserializeInto(data[si.item.offset : si.item.offset+si.item.length]); err != nil {
		return nil, err
	}
	return r, nil
}

// collectMatchesLocked gathers every item matching the key across memtables
// and sstables, newest source first.
func (t *Table) collectMatchesLocked(k *recordKey) ([]sourcedItem, error) {
	var out []sourcedItem

	for _, mt := range t.memtablesNewestFirstLocked() {
		for _, item := range mt.collect(k) {
			out = append(out, sourcedItem{item: item, mt: mt})
		}
	}

	for _, sli := range t.sstablesNewestFirstLocked() {
		if sli.pairFor(k.indexID) == nil {
			continue
		}
		items, bloomRaw, err := t.readSSTableIndex(sli, k.indexID)
		if err != nil {
			return nil, err
		}
		bf := &bloomfilter.Filter{}
		if err := bf.UnmarshalBinary(bloomRaw); err != nil {
			return nil, fmt.Errorf("cannot deserialize bloom filter: %w", err)
		}
		if !bf.Contains(bloomKey(k.keyHash)) {
			continue
		}
		// items are sorted; scan the matching span
		i := sort.Search(len(items), func(i int) bool {
			it := items[i]
			if it.keyHash != k.keyHash {
				return it.keyHash >= k.keyHash
			}
			return bytes.Compare(it.key, k.key) >= 0
		})
		for ; i < len(items); i++ {
			it := items[i]
			if it.keyHash != k.keyHash || !bytes.Equal(it.key, k.key) {
				break
			}
			out = append(out, sourcedItem{item: it, sli: sli})
		}
	}

	return out, nil
}

// recordSearchAll resolves a secondary-key search: every matching record,
// deduplicated by record id, newest version wins, tombstones suppress.
func (t *Table) recordSearchAll(r *Record) ([]*Record, error) {
	k, err := r.singleKey()
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	matches, err := t.collectMatchesLocked(k)
	if err != nil {
		return nil, err
	}

	seen := map[uint64]bool{}
	var out []*Record
	for _, si := range matches {
		id := si.item.recordID
		if seen[id] {
			continue
		}
		seen[id] = true
		if si.item.isDeleted {
			continue
		}
		rec, err := t.materializeLocked(si)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// GetKeys scans one index across memtables and every sstable level,
// returning the live records deduplicated newest-first. Tombstoned keys are
// not returned.
func (t *Table) GetKeys(indexID uint64) ([]*Record, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	idx, ok := t.indexes[indexID]
	if !ok || idx.IsDeleted {
		return nil, fmt.Errorf("%w: index %d", ErrNotFound, indexID)
	}
	secondary := idx.Type == IndexSecondary

	type dedupKey struct {
		hash     uint64
		key      string
		recordID uint64
	}

	seen := map[dedupKey]bool{}
	var out []*Record

	visit := func(si sourcedItem) error {
		dk := dedupKey{hash: si.item.keyHash, key: string(si.item.key)}
		if secondary {
			dk.recordID = si.item.recordID
		}
		if seen[dk] {
			return nil
		}
		seen[dk] = true
		if si.item.isDeleted {
			return nil
		}
		rec, err := t.materializeLocked(si)
		if err != nil {
			return err
		}
		out = append(out, rec)
		return nil
	}

	for _, mt := range t.memtablesNewestFirstLocked() {
		for _, item := range mt.all(indexID) {
			if err := visit(sourcedItem{item: item, mt: mt}); err != nil {
				return nil, err
			}
		}
	}

	for _, sli := range t.sstablesNewestFirstLocked() {
		if sli.pairFor(indexID) == nil {
			continue
		}
		items, _, err := t.readSSTableIndex(sli, indexID)
		if err != nil {
			return nil, err
		}
		for _, item := range items {
			if err := visit(sourcedItem{item: item, sli: sli}); err != nil {
				return nil, err
			}
		}
	}

	return out, nil
}

// PrimaryIndexID returns the id of the table's primary index.
func (t *Table) PrimaryIndexID() (uint64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if pi := t.primaryIndexLocked(); pi != nil {
		return pi.ID, nil
	}
	return 0, fmt.Errorf("%w: table %q has no primary index", ErrNotFound, t.name)
}
