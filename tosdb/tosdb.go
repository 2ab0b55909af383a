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

// Package tosdb is a log-structured-merge table store over a block-addressed
// backend. Databases own tables; tables own columns, indexes, memtables and
// leveled sstables. Every persisted structure is a typed, checksummed,
// versioned block chained to its previous revision.
package tosdb

import (
	"fmt"
	"sync"

	"github.com/c2h5oh/datasize"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/kazimsarikaya/turnstone-go/log"
)

// Options tune a DB handle. Zero values get defaults.
type Options struct {
	// Codec names the registered compression codec for value logs and
	// index payloads. Default "zstd".
	Codec string
	// CacheSize sizes the decompressed sstable index/value-log caches. It
	// sets an entry count, CacheSize/64K (at least 128) for each of the two
	// caches; the byte size of cached entries is not counted. Default 32 MB.
	CacheSize datasize.ByteSize
}

func (o *Options) withDefaults() Options {
	out := Options{Codec: "zstd", CacheSize: 32 * datasize.MB}
	if o != nil {
		if o.Codec != "" {
			out.Codec = o.Codec
		}
		if o.CacheSize > 0 {
			out.CacheSize = o.CacheSize
		}
	}
	return out
}

// DB is one open TOSDB store. Lock order is DB → Database → Table; the
// reverse is forbidden.
type DB struct {
	backend Backend

	sbMu sync.Mutex
	sb   *superblock

	mu        sync.Mutex
	databases map[string]*Database
	isDirty   bool

	codec Codec
	cache *readCache
	lg    log.Logger
}

// New formats the backend and opens a fresh store on it.
func New(backend Backend, opts *Options) (*DB, error) {
	if err := BackendFormat(backend); err != nil {
		return nil, err
	}
	return Open(backend, opts)
}

// Open opens an existing store. A primary superblock that fails its checksum
// falls back to the shadow copy transparently.
func Open(backend Backend, opts *Options) (*DB, error) {
	sb, err := readSuperblock(backend)
	if err != nil {
		return nil, err
	}

	o := opts.withDefaults()
	codec, ok := CodecByName(o.Codec)
	if !ok {
		return nil, fmt.Errorf("%w: unknown codec %q", ErrInvalidArgument, o.Codec)
	}

	tdb := &DB{
		backend:   backend,
		sb:        sb,
		databases: map[string]*Database{},
		codec:     codec,
		cache:     newReadCache(uint64(o.CacheSize)),
		lg:        log.New("module", "tosdb"),
	}

	if err := tdb.loadDatabases(); err != nil {
		return nil, err
	}
	return tdb, nil
}

// loadDatabases walks the persisted database list and registers shells for
// the live entries. Tables load lazily when the database is opened.
func (tdb *DB) loadDatabases() error {
	tdb.sbMu.Lock()
	loc, size := tdb.sb.databaseListLoc, tdb.sb.databaseListSize
	tdb.sbMu.Unlock()

	if loc == 0 {
		return nil
	}

	_, body, err := tdb.blockRead(loc, size)
	if err != nil {
		return fmt.Errorf("cannot read database list: %w", err)
	}
	items, err := decodeDatabaseList(body)
	if err != nil {
		return err
	}

	for _, it := range items {
		if it.deleted {
			continue
		}
		tdb.databases[it.name] = &Database{
			tdb:          tdb,
			id:           it.id,
			name:         it.name,
			metadataLoc:  it.metadataLoc,
			metadataSize: it.metadataSize,
			tables:       map[string]*Table{},
			sequences:    map[string]*Sequence{},
		}
	}
	return nil
}

// DatabaseCreateOrOpen returns the named database, creating it lazily on
// first open. A create that names an existing database adopts it.
func (tdb *DB) DatabaseCreateOrOpen(name string) (*Database, error) {
	if name == "" || len(name) >= nameMaxLen {
		return nil, fmt.Errorf("%w: bad database name %q", ErrInvalidArgument, name)
	}

	tdb.mu.Lock()
	defer tdb.mu.Unlock()

	if db, ok := tdb.databases[name]; ok {
		if err := db.open(); err != nil {
			return nil, err
		}
		return db, nil
	}

	tdb.sbMu.Lock()
	id := tdb.sb.databaseNextID
	tdb.sb.databaseNextID++
	tdb.sbMu.Unlock()

	db := &Database{
		tdb:         tdb,
		id:          id,
		name:        name,
		isOpen:      true,
		isDirty:     true,
		tableNextID: 1,
		tables:      map[string]*Table{},
		sequences:   map[string]*Sequence{},
	}
	tdb.databases[name] = db
	tdb.isDirty = true

	tdb.lg.Debug("database created", "name", name, "id", id)
	return db, nil
}

// Persist flushes every dirty database, rewrites the database list and
// finally the superblock pair. The superblock write is the linearization
// point; a crash before it leaves the previous revision authoritative.
func (tdb *DB) Persist() error {
	tdb.mu.Lock()
	defer tdb.mu.Unlock()
	return tdb.persistLocked()
}

func (tdb *DB) persistLocked() error {
	anyDirty := tdb.isDirty

	names := maps.Keys(tdb.databases)
	slices.Sort(names)
	for _, name := range names {
		db := tdb.databases[name]
		dirty, err := db.persist()
		if err != nil {
			return err
		}
		anyDirty = anyDirty || dirty
	}

	if !anyDirty {
		return nil
	}

	// rewrite the database list with every database's current metadata
	w := newWireWriter(pageSize)
	w.putU64(uint64(len(tdb.databases)))
	for _, name := range names {
		db := tdb.databases[name]
		encodeListItem(w, listItem{
			id:           db.id,
			name:         db.name,
			metadataLoc:  db.metadataLoc,
			metadataSize: db.metadataSize,
			deleted:      db.isDeleted,
		})
	}

	tdb.sbMu.Lock()
	prevLoc, prevSize := tdb.sb.databaseListLoc, tdb.sb.databaseListSize
	tdb.sbMu.Unlock()

	loc, size, err := tdb.blockWrite(blockTypeDatabaseList, w.bytes(), prevLoc, prevSize, prevLoc != 0)
	if err != nil {
		return err
	}

	tdb.sbMu.Lock()
	tdb.sb.databaseListLoc = loc
	tdb.sb.databaseListSize = size
	sb := *tdb.sb
	tdb.sbMu.Unlock()

	if err := writeSuperblock(tdb.backend, &sb); err != nil {
		return err
	}
	tdb.isDirty = false
	return nil
}

// Close persists and releases the handle. The backend stays open; it belongs
// to the caller.
func (tdb *DB) Close() error {
	if err := tdb.Persist(); err != nil {
		return err
	}
	tdb.mu.Lock()
	defer tdb.mu.Unlock()
	tdb.databases = map[string]*Database{}
	return nil
}

// listItem is the shared shape of database-list and table-list records.
type listItem struct {
	id           uint64
	name         string
	metadataLoc  uint64
	metadataSize uint64
	deleted      bool
}

func encodeListItem(w *wireWriter, it listItem) {
	w.putU64(it.id)
	w.putName(it.name)
	w.putU64(it.metadataLoc)
	w.putU64(it.metadataSize)
	w.putBool(it.deleted)
	w.pad(8)
}

func decodeListItems(body []byte) ([]listItem, error) {
	r := newWireReader(body)
	count := r.getU64()
	items := make([]listItem, 0, count)
	for i := uint64(0); i < count; i++ {
		it := listItem{
			id:           r.getU64(),
			name:         r.getName(),
			metadataLoc:  r.getU64(),
			metadataSize: r.getU64(),
			deleted:      r.getBool(),
		}
		r.skip(7)
		items = append(items, it)
	}
	if r.failed() {
		return nil, fmt.Errorf("%w: truncated list block", ErrChecksumMismatch)
	}
	return items, nil
}

func decodeDatabaseList(body []byte) ([]listItem, error) {
	return decodeListItems(body)
}
