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

// Database owns a set of tables and the persistent sequences scoped to it.
type Database struct {
	tdb *DB

	mu        sync.Mutex
	id        uint64
	name      string
	isOpen    bool
	isDirty   bool
	isDeleted bool

	tableNextID  uint64
	tables       map[string]*Table
	sequences    map[string]*Sequence
	metadataLoc  uint64
	metadataSize uint64
	tableListLoc uint64
	tableListSz  uint64
}

// Name returns the database name.
func (db *Database) Name() string { return db.name }

// ID returns the database id. Ids are monotonically assigned and never
// reused.
func (db *Database) ID() uint64 { return db.id }

// open loads persisted metadata on first use.
func (db *Database) open() error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if db.isOpen {
		return nil
	}
	if db.metadataLoc == 0 {
		db.isOpen = true
		return nil
	}

	_, body, err := db.tdb.blockRead(db.metadataLoc, db.metadataSize)
	if err != nil {
		return fmt.Errorf("cannot read database %q metadata: %w", db.name, err)
	}

	r := newWireReader(body)
	id := r.getU64()
	name := r.getName()
	db.tableNextID = r.getU64()
	db.tableListLoc = r.getU64()
	db.tableListSz = r.getU64()
	if r.failed() || id != db.id || name != db.name {
		return fmt.Errorf("%w: database %q metadata does not match list entry", ErrChecksumMismatch, db.name)
	}

	if err := db.loadTablesLocked(); err != nil {
		return err
	}
	db.isOpen = true
	return nil
}

func (db *Database) loadTablesLocked() error {
	if db.tableListLoc == 0 {
		return nil
	}

	_, body, err := db.tdb.blockRead(db.tableListLoc, db.tableListSz)
	if err != nil {
		return fmt.Errorf("cannot read table list of %q: %w", db.name, err)
	}

	r := newWireReader(body)
	dbID := r.getU64()
	if dbID != db.id {
		return fmt.Errorf("%w: table list of %q carries database id %d", ErrChecksumMismatch, db.name, dbID)
	}
	items, err := decodeListItems(body[8:])
	if err != nil {
		return err
	}

	for _, it := range items {
		if it.deleted {
			continue
		}
		db.tables[it.name] = &Table{
			db:           db,
			id:           it.id,
			name:         it.name,
			metadataLoc:  it.metadataLoc,
			metadataSize: it.metadataSize,
			columns:      map[uint64]*Column{},
			indexes:      map[uint64]*Index{},
			levels:       map[uint64][]*sstableListItem{},
		}
	}
	return nil
}

// TableCreateOrOpen returns the named table, creating it lazily on first
// open. Limits apply only at creation; an existing table keeps its own.
func (db *Database) TableCreateOrOpen(name string, maxRecordCount, maxValuelogSize, maxMemtableCount uint64) (*Table, error) {
	if name == "" || len(name) >= nameMaxLen {
		return nil, fmt.Errorf("%w: bad table name %q", ErrInvalidArgument, name)
	}

	db.mu.Lock()
	defer db.mu.Unlock()

	if tbl, ok := db.tables[name]; ok {
		if err := tbl.open(); err != nil {
			return nil, err
		}
		return tbl, nil
	}

	id := db.tableNextID
	db.tableNextID++

	tbl := &Table{
		db:               db,
		id:               id,
		name:             name,
		isOpen:           true,
		isDirty:          true,
		columnNextID:     1,
		indexNextID:      1,
		memtableNextID:   1,
		maxRecordCount:   maxRecordCount,
		maxValuelogSize:  maxValuelogSize,
		maxMemtableCount: maxMemtableCount,
		columns:          map[uint64]*Column{},
		indexes:          map[uint64]*Index{},
		levels:           map[uint64][]*sstableListItem{},
	}
	db.tables[name] = tbl
	db.isDirty = true

	return tbl, nil
}

// persist flushes dirty tables, rewrites the table list and the database
// metadata block. Reports whether anything was written.
func (db *Database) persist() (bool, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	anyDirty := db.isDirty

	names := maps.Keys(db.tables)
	slices.Sort(names)
	for _, name := range names {
		dirty, err := db.tables[name].persist()
		if err != nil {
			return false, err
		}
		anyDirty = anyDirty || dirty
	}

	if !anyDirty {
		return false, nil
	}

	// table list
	w := newWireWriter(pageSize)
	w.putU64(db.id)
	w.putU64(uint64(len(db.tables)))
	for _, name := range names {
		tbl := db.tables[name]
		encodeListItem(w, listItem{
			id:           tbl.id,
			name:         tbl.name,
			metadataLoc:  tbl.metadataLoc,
			metadataSize: tbl.metadataSize,
			deleted:      tbl.isDeleted,
		})
	}
	loc, size, err := db.tdb.blockWrite(blockTypeTableList, w.bytes(), db.tableListLoc, db.tableListSz, db.tableListLoc != 0)
	if err != nil {
		return false, err
	}
	db.tableListLoc, db.tableListSz = loc, size

	// database metadata
	w = newWireWriter(pageSize)
	w.putU64(db.id)
	w.putName(db.name)
	w.putU64(db.tableNextID)
	w.putU64(db.tableListLoc)
	w.putU64(db.tableListSz)
	loc, size, err = db.tdb.blockWrite(blockTypeDatabase, w.bytes(), db.metadataLoc, db.metadataSize, db.metadataLoc != 0)
	if err != nil {
		return false, err
	}
	db.metadataLoc, db.metadataSize = loc, size
	db.isDirty = false

	return true, nil
}
