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
	"sync"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// DataType is a column value type.
type DataType uint16

const (
	DataTypeNull DataType = iota
	DataTypeBool
	DataTypeInt8
	DataTypeInt16
	DataTypeInt32
	DataTypeInt64
	DataTypeFloat64
	DataTypeString
	DataTypeBytes
)

// IndexType classifies an index.
type IndexType uint16

const (
	IndexPrimary IndexType = 1 + iota
	IndexUnique
	IndexSecondary
)

// Column is one table column.
type Column struct {
	ID        uint64
	Name      string
	Type      DataType
	IsDeleted bool
}

// Index is one table index over a single column.
type Index struct {
	ID        uint64
	Type      IndexType
	ColumnID  uint64
	IsDeleted bool
}

// Table is one LSM table: a mutable memtable, a bounded list of read-only
// memtables awaiting flush, and leveled sstables.
type Table struct {
	db *Database

	mu        sync.Mutex
	id        uint64
	name      string
	isOpen    bool
	isDirty   bool
	isDeleted bool

	columnNextID uint64
	columns      map[uint64]*Column
	indexNextID  uint64
	indexes      map[uint64]*Index

	maxRecordCount   uint64
	maxValuelogSize  uint64
	maxMemtableCount uint64

	memtableNextID uint64
	current        *memtable
	memtables      []*memtable // read-only, oldest first

	sstableListLoc  uint64
	sstableListSize uint64
	// pending holds items flushed since the last compaction, newest first
	pending []*sstableListItem
	// levels maps level → items, newest first
	levels   map[uint64][]*sstableListItem
	maxLevel uint64

	metadataLoc    uint64
	metadataSize   uint64
	columnListLoc  uint64
	columnListSize uint64
	indexListLoc   uint64
	indexListSize  uint64
}

// sstableIndexPair locates one persisted index block of an sstable.
type sstableIndexPair struct {
	indexID   uint64
	indexLoc  uint64
	indexSize uint64
}

// sstableListItem describes one sstable: its value log plus one index block
// per table index.
type sstableListItem struct {
	sstableID    uint64
	level        uint64
	recordCount  uint64
	valuelogLoc  uint64
	valuelogSize uint64
	indexes      []sstableIndexPair
}

func (sli *sstableListItem) pairFor(indexID uint64) *sstableIndexPair {
	for i := range sli.indexes {
		if sli.indexes[i].indexID == indexID {
			return &sli.indexes[i]
		}
	}
	return nil
}

// Name returns the table name.
func (t *Table) Name() string { return t.name }

// ID returns the table id.
func (t *Table) ID() uint64 { return t.id }

// open loads table metadata, columns, indexes and the sstable list.
func (t *Table) open() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.isOpen {
		return nil
	}

	_, body, err := t.db.tdb.blockRead(t.metadataLoc, t.metadataSize)
	if err != nil {
		return fmt.Errorf("cannot read table %q metadata: %w", t.name, err)
	}

	r := newWireReader(body)
	id := r.getU64()
	dbID := r.getU64()
	name := r.getName()
	t.columnNextID = r.getU64()
	t.columnListLoc = r.getU64()
	t.columnListSize = r.getU64()
	t.indexNextID = r.getU64()
	t.indexListLoc = r.getU64()
	t.indexListSize = r.getU64()
	t.memtableNextID = r.getU64()
	t.maxRecordCount = r.getU64()
	t.maxValuelogSize = r.getU64()
	t.maxMemtableCount = r.getU64()
	t.sstableListLoc = r.getU64()
	t.sstableListSize = r.getU64()
	if r.failed() || id != t.id || dbID != t.db.id || name != t.name {
		return fmt.Errorf("%w: table %q metadata does not match list entry", ErrChecksumMismatch, t.name)
	}

	if err := t.loadColumnsLocked(); err != nil {
		return err
	}
	if err := t.loadIndexesLocked(); err != nil {
		return err
	}
	if err := t.loadSSTablesLocked(); err != nil {
		return err
	}

	t.isOpen = true
	return nil
}

func (t *Table) loadColumnsLocked() error {
	if t.columnListLoc == 0 {
		return nil
	}
	_, body, err := t.db.tdb.blockRead(t.columnListLoc, t.columnListSize)
	if err != nil {
		return fmt.Errorf("cannot read column list of %q: %w", t.name, err)
	}
	r := newWireReader(body)
	r.skip(16) // db id + table id, already validated via the metadata block
	count := r.getU64()
	for i := uint64(0); i < count; i++ {
		c := &Column{
			ID:   r.getU64(),
			Name: r.getName(),
			Type: DataType(r.getU16()),
		}
		c.IsDeleted = r.getBool()
		r.skip(5)
		t.columns[c.ID] = c
	}
	if r.failed() {
		return fmt.Errorf("%w: truncated column list", ErrChecksumMismatch)
	}
	return nil
}

func (t *Table) loadIndexesLocked() error {
	if t.indexListLoc == 0 {
		return nil
	}
	_, body, err := t.db.tdb.blockRead(t.indexListLoc, t.indexListSize)
	if err != nil {
		return fmt.Errorf("cannot read index list of %q: %w", t.name, err)
	}
	r := newWireReader(body)
	r.skip(16)
	count := r.getU64()
	for i := uint64(0); i < count; i++ {
		idx := &Index{ID: r.getU64(), Type: IndexType(r.getU16())}
		idx.IsDeleted = r.getBool()
		r.skip(5)
		idx.ColumnID = r.getU64()
		t.indexes[idx.ID] = idx
	}
	if r.failed() {
		return fmt.Errorf("%w: truncated index list", ErrChecksumMismatch)
	}
	return nil
}

func (t *Table) loadSSTablesLocked() error {
	if t.sstableListLoc == 0 {
		return nil
	}
	_, body, err := t.db.tdb.blockRead(t.sstableListLoc, t.sstableListSize)
	if err != nil {
		return fmt.Errorf("cannot read sstable list of %q: %w", t.name, err)
	}
	r := newWireReader(body)
	r.skip(16)
	count := r.getU64()
	var loaded []*sstableListItem
	for i := uint64(0); i < count; i++ {
		sli := &sstableListItem{
			sstableID:    r.getU64(),
			level:        r.getU64(),
			recordCount:  r.getU64(),
			valuelogLoc:  r.getU64(),
			valuelogSize: r.getU64(),
		}
		idxCount := r.getU64()
		for j := uint64(0); j < idxCount; j++ {
			sli.indexes = append(sli.indexes, sstableIndexPair{
				indexID:   r.getU64(),
				indexLoc:  r.getU64(),
				indexSize: r.getU64(),
			})
		}
		loaded = append(loaded, sli)
	}
	if r.failed() {
		return fmt.Errorf("%w: truncated sstable list", ErrChecksumMismatch)
	}
	// the list is stored newest first and adding prepends, so add oldest first
	for i := len(loaded) - 1; i >= 0; i-- {
		t.addSSTableItemLocked(loaded[i])
	}
	return nil
}

// addSSTableItemLocked registers an item into its level, newest first.
func (t *Table) addSSTableItemLocked(sli *sstableListItem) {
	t.levels[sli.level] = append([]*sstableListItem{sli}, t.levels[sli.level]...)
	if sli.level > t.maxLevel {
		t.maxLevel = sli.level
	}
}

// ColumnAdd adds a column. Column names are unique among live columns.
func (t *Table) ColumnAdd(name string, typ DataType) (*Column, error) {
	if name == "" || len(name) >= nameMaxLen {
		return nil, fmt.Errorf("%w: bad column name %q", ErrInvalidArgument, name)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if c := t.columnByNameLocked(name); c != nil {
		return nil, fmt.Errorf("%w: column %q", ErrAlreadyExists, name)
	}

	c := &Column{ID: t.columnNextID, Name: name, Type: typ}
	t.columnNextID++
	t.columns[c.ID] = c
	t.isDirty = true
	t.db.isDirty = true
	return c, nil
}

func (t *Table) columnByNameLocked(name string) *Column {
	for _, c := range t.columns {
		if !c.IsDeleted && c.Name == name {
			return c
		}
	}
	return nil
}

// ColumnByName returns the live column with the given name.
func (t *Table) ColumnByName(name string) (*Column, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if c := t.columnByNameLocked(name); c != nil {
		return c, nil
	}
	return nil, fmt.Errorf("%w: column %q", ErrNotFound, name)
}

// IndexCreate creates an index over the named column. A table has at most
// one primary index.
func (t *Table) IndexCreate(columnName string, typ IndexType) (*Index, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	c := t.columnByNameLocked(columnName)
	if c == nil {
		return nil, fmt.Errorf("%w: column %q", ErrNotFound, columnName)
	}

	for _, idx := range t.indexes {
		if idx.IsDeleted {
			continue
		}
		if idx.ColumnID == c.ID {
			return nil, fmt.Errorf("%w: index on column %q", ErrAlreadyExists, columnName)
		}
		if typ == IndexPrimary && idx.Type == IndexPrimary {
			return nil, fmt.Errorf("%w: primary index", ErrAlreadyExists)
		}
	}

	idx := &Index{ID: t.indexNextID, Type: typ, ColumnID: c.ID}
	t.indexNextID++
	t.indexes[idx.ID] = idx
	t.isDirty = true
	t.db.isDirty = true
	return idx, nil
}

// ColumnCount returns the number of live columns.
func (t *Table) ColumnCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, c := range t.columns {
		if !c.IsDeleted {
			n++
		}
	}
	return n
}

func (t *Table) primaryIndexLocked() *Index {
	for _, idx := range t.indexes {
		if !idx.IsDeleted && idx.Type == IndexPrimary {
			return idx
		}
	}
	return nil
}

func (t *Table) sortedIndexIDsLocked() []uint64 {
	ids := maps.Keys(t.indexes)
	slices.Sort(ids)
	return ids
}

// persist writes dirty schema and memtables. Column/index lists, flushed
// memtables, the sstable list and finally the table metadata block.
func (t *Table) persist() (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.isDirty {
		return false, nil
	}

	tdb := t.db.tdb

	// columns
	w := newWireWriter(pageSize)
	w.putU64(t.db.id)
	w.putU64(t.id)
	ids := maps.Keys(t.columns)
	slices.Sort(ids)
	w.putU64(uint64(len(ids)))
	for _, id := range ids {
		c := t.columns[id]
		w.putU64(c.ID)
		w.putName(c.Name)
		w.putU16(uint16(c.Type))
		w.putBool(c.IsDeleted)
		w.pad(8)
	}
	loc, size, err := tdb.blockWrite(blockTypeColumnList, w.bytes(), t.columnListLoc, t.columnListSize, t.columnListLoc != 0)
	if err != nil {
		return false, err
	}
	t.columnListLoc, t.columnListSize = loc, size

	// indexes
	w = newWireWriter(pageSize)
	w.putU64(t.db.id)
	w.putU64(t.id)
	ids = t.sortedIndexIDsLocked()
	w.putU64(uint64(len(ids)))
	for _, id := range ids {
		idx := t.indexes[id]
		w.putU64(idx.ID)
		w.putU16(uint16(idx.Type))
		w.putBool(idx.IsDeleted)
		w.pad(8)
		w.putU64(idx.ColumnID)
	}
	loc, size, err = tdb.blockWrite(blockTypeIndexList, w.bytes(), t.indexListLoc, t.indexListSize, t.indexListLoc != 0)
	if err != nil {
		return false, err
	}
	t.indexListLoc, t.indexListSize = loc, size

	// rotate the live memtable and flush everything read-only
	if t.current != nil && t.current.recordCount > 0 {
		t.rotateMemtableLocked()
	}
	if err := t.flushMemtablesLocked(); err != nil {
		return false, err
	}

	if err := t.persistSSTableListLocked(); err != nil {
		return false, err
	}

	// table metadata
	w = newWireWriter(pageSize)
	w.putU64(t.id)
	w.putU64(t.db.id)
	w.putName(t.name)
	w.putU64(t.columnNextID)
	w.putU64(t.columnListLoc)
	w.putU64(t.columnListSize)
	w.putU64(t.indexNextID)
	w.putU64(t.indexListLoc)
	w.putU64(t.indexListSize)
	w.putU64(t.memtableNextID)
	w.putU64(t.maxRecordCount)
	w.putU64(t.maxValuelogSize)
	w.putU64(t.maxMemtableCount)
	w.putU64(t.sstableListLoc)
	w.putU64(t.sstableListSize)
	loc, size, err = tdb.blockWrite(blockTypeTable, w.bytes(), t.metadataLoc, t.metadataSize, t.metadataLoc != 0)
	if err != nil {
		return false, err
	}
	t.metadataLoc, t.metadataSize = loc, size
	t.isDirty = false

	return true, nil
}

// persistSSTableListLocked rewrites the sstable list block from pending +
// levels, newest first within a level, lowest level first.
func (t *Table) persistSSTableListLocked() error {
	var all []*sstableListItem
	all = append(all, t.pending...)
	lvls := maps.Keys(t.levels)
	slices.Sort(lvls)
	for _, lvl := range lvls {
		all = append(all, t.levels[lvl]...)
	}

	w := newWireWriter(pageSize)
	w.putU64(t.db.id)
	w.putU64(t.id)
	w.putU64(uint64(len(all)))
	for _, sli := range all {
		w.putU64(sli.sstableID)
		w.putU64(sli.level)
		w.putU64(sli.recordCount)
		w.putU64(sli.valuelogLoc)
		w.putU64(sli.valuelogSize)
		w.putU64(uint64(len(sli.indexes)))
		for _, p := range sli.indexes {
			w.putU64(p.indexID)
			w.putU64(p.indexLoc)
			w.putU64(p.indexSize)
		}
	}

	loc, size, err := t.db.tdb.blockWrite(blockTypeSSTableList, w.bytes(), t.sstableListLoc, t.sstableListSize, t.sstableListLoc != 0)
	if err != nil {
		return err
	}
	t.sstableListLoc, t.sstableListSize = loc, size
	return nil
}

// rotateMemtableLocked marks the live memtable read-only and queues it.
func (t *Table) rotateMemtableLocked() {
	t.current.isReadonly = true
	t.memtables = append(t.memtables, t.current)
	t.current = nil
}

// ensureMemtableLocked provides a mutable memtable, rotating the current one
// when full. When the read-only list is at maxMemtableCount the oldest is
// flushed before a new mutable memtable is created.
func (t *Table) ensureMemtableLocked() (*memtable, error) {
	if t.current != nil && !t.current.isFull() {
		return t.current, nil
	}
	if t.current != nil {
		t.rotateMemtableLocked()
	}
	for t.maxMemtableCount > 0 && uint64(len(t.memtables)) >= t.maxMemtableCount {
		if err := t.flushOldestMemtableLocked(); err != nil {
			return nil, err
		}
	}

	mt, err := newMemtable(t, t.memtableNextID)
	if err != nil {
		return nil, err
	}
	t.memtableNextID++
	t.current = mt
	return mt, nil
}
