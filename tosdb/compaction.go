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
	"sort"

	bloomfilter "github.com/holiman/bloomfilter/v2"

	"github.com/kazimsarikaya/turnstone-go/metrics"
)

var compactionsCounter = metrics.GetOrCreateCounter("tosdb_compactions")

// compactionFanout is the per-level item bound; exceeding it merges the
// whole level into one sstable at the next level.
const compactionFanout = 8

func (t *Table) compactionNeededLocked() bool {
	if len(t.pending)+len(t.levels[1]) > compactionFanout {
		return true
	}
	for lvl := uint64(2); lvl <= t.maxLevel; lvl++ {
		if len(t.levels[lvl]) > compactionFanout {
			return true
		}
	}
	return false
}

// Compact merges over-full levels until every level is within the fan-out
// bound. Get results are unchanged by compaction.
func (t *Table) Compact() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.compactLocked()
}

func (t *Table) compactLocked() error {
	// pending items are level-1 sstables that have not been through a list
	// rewrite yet; adopt them first
	if len(t.pending) > 0 {
		t.levels[1] = append(t.pending, t.levels[1]...)
		t.pending = nil
		if t.maxLevel < 1 {
			t.maxLevel = 1
		}
	}

	for lvl := uint64(1); lvl <= t.maxLevel; lvl++ {
		if len(t.levels[lvl]) > compactionFanout {
			if err := t.mergeLevelLocked(lvl); err != nil {
				return err
			}
		}
	}
	return nil
}

// bottomAfterLocked reports whether a merge out of level lvl lands at the
// deepest populated level, i.e. nothing older can still hold a suppressed
// copy and tombstones may be reclaimed.
func (t *Table) bottomAfterLocked(lvl uint64) bool {
	for l := lvl + 1; l <= t.maxLevel; l++ {
		if len(t.levels[l]) > 0 {
			return false
		}
	}
	return true
}

// mergeLevelLocked merges every sstable of a level into one sstable at the
// next level. Newest versions win; tombstones are dropped only when the
// output is the bottom of the tree.
func (t *Table) mergeLevelLocked(lvl uint64) error {
	sources := t.levels[lvl] // newest first
	if len(sources) == 0 {
		return nil
	}
	dropTombstones := t.bottomAfterLocked(lvl)

	type survivor struct {
		item *memtableIndexItem
		sli  *sstableListItem
	}

	// primary pass picks the surviving version of every record and rebuilds
	// the value log
	pi := t.primaryIndexLocked()
	if pi == nil {
		return fmt.Errorf("%w: table %q has no primary index", ErrNotFound, t.name)
	}

	seen := map[string]bool{}
	var primSurvivors []survivor
	for _, sli := range sources {
		items, _, err := t.readSSTableIndex(sli, pi.ID)
		if err != nil {
			return err
		}
		for _, it := range items {
			dk := fmt.Sprintf("%x/%s", it.keyHash, it.key)
			if seen[dk] {
				continue
			}
			seen[dk] = true
			if it.isDeleted && dropTombstones {
				continue
			}
			primSurvivors = append(primSurvivors, survivor{item: it, sli: sli})
		}
	}

	newSSTableID := t.memtableNextID
	t.memtableNextID++

	// rebuild the value log from the surviving records; reloc maps a record
	// payload's (source sstable, old offset) to its place in the new log
	type oldLoc struct {
		sstableID uint64
		offset    uint64
	}
	var values []byte
	reloc := map[oldLoc][2]uint64{}
	perIndex := map[uint64][]*memtableIndexItem{}

	for _, sv := range primSurvivors {
		ni := &memtableIndexItem{
			keyHash:   sv.item.keyHash,
			isDeleted: sv.item.isDeleted,
			key:       sv.item.key,
			recordID:  sv.item.recordID,
		}
		if !sv.item.isDeleted {
			data, err := t.readValuelog(sv.sli)
			if err != nil {
				return err
			}
			if sv.item.offset+sv.item.length > uint64(len(data)) {
				return fmt.Errorf("%w: record bytes out of range during compaction", ErrChecksumMismatch)
			}
			ni.offset = uint64(len(values))
			ni.length = sv.item.length
			values = append(values, data[sv.item.offset:sv.item.offset+sv.item.length]...)
			reloc[oldLoc{sv.sli.sstableID, sv.item.offset}] = [2]uint64{ni.offset, ni.length}
		}
		perIndex[pi.ID] = append(perIndex[pi.ID], ni)
	}

	recordCount := uint64(len(reloc))

	// remaining indexes: newest version per identity, offsets rewritten to
	// the new log; an entry whose record did not survive the primary pass is
	// a tombstone, which keeps primary deletes invisible through every
	// secondary index at this level and above
	for _, indexID := range t.sortedIndexIDsLocked() {
		idx := t.indexes[indexID]
		if idx.IsDeleted || indexID == pi.ID {
			continue
		}
		secondary := idx.Type == IndexSecondary

		idxSeen := map[string]bool{}
		for _, sli := range sources {
			if sli.pairFor(indexID) == nil {
				continue
			}
			items, _, err := t.readSSTableIndex(sli, indexID)
			if err != nil {
				return err
			}
			for _, it := range items {
				var dk string
				if secondary {
					dk = fmt.Sprintf("%x/%s/%d", it.keyHash, it.key, it.recordID)
				} else {
					dk = fmt.Sprintf("%x/%s", it.keyHash, it.key)
				}
				if idxSeen[dk] {
					continue
				}
				idxSeen[dk] = true

				srcID := it.sstableID
				if srcID == 0 {
					srcID = sli.sstableID
				}
				loc, live := reloc[oldLoc{srcID, it.offset}]
				deleted := it.isDeleted || !live
				if deleted && dropTombstones {
					continue
				}

				ni := &memtableIndexItem{
					keyHash:   it.keyHash,
					isDeleted: deleted,
					key:       it.key,
					pkey:      it.pkey,
					recordID:  it.recordID,
					sstableID: newSSTableID,
					level:     lvl + 1,
				}
				if !deleted {
					ni.offset, ni.length = loc[0], loc[1]
				}
				perIndex[indexID] = append(perIndex[indexID], ni)
			}
		}
	}

	sli, err := t.writeSSTableLocked(newSSTableID, lvl+1, recordCount, perIndex, values)
	if err != nil {
		return err
	}

	// retire the old level and install the merged sstable
	t.levels[lvl] = nil
	t.levels[lvl+1] = append([]*sstableListItem{sli}, t.levels[lvl+1]...)
	if lvl+1 > t.maxLevel {
		t.maxLevel = lvl + 1
	}
	t.isDirty = true
	t.db.isDirty = true

	compactionsCounter.Inc()
	return nil
}

// writeSSTableLocked persists one sstable from per-index item lists and a
// value-log buffer, rebuilding bloom filters from the items.
func (t *Table) writeSSTableLocked(sstableID, level, recordCount uint64, perIndex map[uint64][]*memtableIndexItem, values []byte) (*sstableListItem, error) {
	tdb := t.db.tdb

	packed, err := tdb.codec.Pack(values)
	if err != nil {
		return nil, err
	}
	w := newWireWriter(len(packed) + 48)
	w.putU64(t.db.id)
	w.putU64(t.id)
	w.putU64(sstableID)
	w.putU64(uint64(len(packed)))
	w.putU64(uint64(len(values)))
	w.putRaw(packed)

	vlLoc, vlSize, err := tdb.blockWrite(blockTypeValuelog, w.bytes(), 0, 0, false)
	if err != nil {
		return nil, err
	}

	sli := &sstableListItem{
		sstableID:    sstableID,
		level:        level,
		recordCount:  recordCount,
		valuelogLoc:  vlLoc,
		valuelogSize: vlSize,
	}

	for _, indexID := range t.sortedIndexIDsLocked() {
		items, ok := perIndex[indexID]
		if !ok {
			continue
		}
		idx := t.indexes[indexID]
		secondary := idx.Type == IndexSecondary

		less := lessByKey
		if secondary {
			less = lessByKeyAndRecord
		}
		sort.Slice(items, func(i, j int) bool { return less(items[i], items[j]) })

		maxN := uint64(len(items))
		if maxN < 128 {
			maxN = 128
		}
		bf, err := bloomfilter.NewOptimal(maxN, 0.01)
		if err != nil {
			return nil, fmt.Errorf("cannot create bloom filter: %w", err)
		}
		for _, it := range items {
			bf.Add(bloomKey(it.keyHash))
		}
		bloomRaw, err := bf.MarshalBinary()
		if err != nil {
			return nil, fmt.Errorf("cannot serialize bloom filter: %w", err)
		}
		bloomPacked, err := tdb.codec.Pack(bloomRaw)
		if err != nil {
			return nil, err
		}

		var run []byte
		if secondary {
			run = encodeSecondaryItems(items, sstableID, level)
		} else {
			run = encodePrimaryItems(items)
		}
		runPacked, err := tdb.codec.Pack(run)
		if err != nil {
			return nil, err
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

		loc, size, err := tdb.blockWrite(blockTypeSSTableIndex, w.bytes(), 0, 0, false)
		if err != nil {
			return nil, err
		}
		sli.indexes = append(sli.indexes, sstableIndexPair{
			indexID:   indexID,
			indexLoc:  loc,
			indexSize: size,
		})
	}

	return sli, nil
}
