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
	"errors"
	"fmt"
	"sync"
)

// sequenceTableName is the hidden per-database table sequences live in.
const sequenceTableName = ".sequences"

// Sequence is a named persistent monotonic counter. Next serves from an
// in-memory window of cacheSize values; the persisted next_value advances a
// whole window at a time, so a crash at most wastes the unused suffix.
type Sequence struct {
	mu        sync.Mutex
	db        *Database
	tbl       *Table
	id        int64
	name      string
	next      int64
	cacheEnd  int64
	cacheSize int64
}

// SequenceCreateOrOpen returns the named sequence, creating it with the
// given start on first use. cacheSize must be at least one.
func (db *Database) SequenceCreateOrOpen(name string, start, cacheSize int64) (*Sequence, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: sequence name is empty", ErrInvalidArgument)
	}
	if start < 0 {
		return nil, fmt.Errorf("%w: sequence start %d", ErrInvalidArgument, start)
	}
	if cacheSize < 1 {
		return nil, fmt.Errorf("%w: sequence cache size %d", ErrInvalidArgument, cacheSize)
	}

	db.mu.Lock()
	if seq, ok := db.sequences[name]; ok {
		db.mu.Unlock()
		return seq, nil
	}
	db.mu.Unlock()

	tbl, err := db.TableCreateOrOpen(sequenceTableName, 1<<10, 10<<10, 2)
	if err != nil {
		return nil, fmt.Errorf("cannot open sequence table: %w", err)
	}

	if tbl.ColumnCount() == 0 {
		if _, err = tbl.ColumnAdd("id", DataTypeInt64); err != nil {
			return nil, err
		}
		if _, err = tbl.ColumnAdd("name", DataTypeString); err != nil {
			return nil, err
		}
		if _, err = tbl.ColumnAdd("next_value", DataTypeInt64); err != nil {
			return nil, err
		}
		if _, err = tbl.IndexCreate("id", IndexPrimary); err != nil {
			return nil, err
		}
		if _, err = tbl.IndexCreate("name", IndexUnique); err != nil {
			return nil, err
		}

		// the default row's next_value allocates sequence row ids
		def := tbl.CreateRecord()
		if err = def.SetInt64("id", 1); err != nil {
			return nil, err
		}
		if err = def.SetString("name", "default"); err != nil {
			return nil, err
		}
		if err = def.SetInt64("next_value", 2); err != nil {
			return nil, err
		}
		if err = def.Upsert(); err != nil {
			return nil, err
		}
	}

	probe := tbl.CreateRecord()
	if err = probe.SetString("name", name); err != nil {
		return nil, err
	}

	seq := &Sequence{db: db, tbl: tbl, name: name, cacheSize: cacheSize}

	switch err = probe.Get(); {
	case err == nil:
		if seq.id, err = probe.GetInt64("id"); err != nil {
			return nil, err
		}
		next, gerr := probe.GetInt64("next_value")
		if gerr != nil {
			return nil, gerr
		}
		if err = seq.refillLocked(next); err != nil {
			return nil, err
		}
	case errors.Is(err, ErrNotFound) || errors.Is(err, ErrDeleted):
		id, aerr := seq.allocateIDLocked()
		if aerr != nil {
			return nil, aerr
		}
		seq.id = id
		if err = seq.refillLocked(start); err != nil {
			return nil, err
		}
	default:
		return nil, err
	}

	db.mu.Lock()
	db.sequences[name] = seq
	db.mu.Unlock()
	return seq, nil
}

// allocateIDLocked takes the next sequence row id from the default row.
func (s *Sequence) allocateIDLocked() (int64, error) {
	def := s.tbl.CreateRecord()
	if err := def.SetInt64("id", 1); err != nil {
		return 0, err
	}
	if err := def.Get(); err != nil {
		return 0, fmt.Errorf("cannot read default sequence row: %w", err)
	}
	id, err := def.GetInt64("next_value")
	if err != nil {
		return 0, err
	}
	if err = def.SetInt64("next_value", id+1); err != nil {
		return 0, err
	}
	if err = def.Upsert(); err != nil {
		return 0, err
	}
	return id, nil
}

// refillLocked claims the window [next, next+cacheSize) by persisting the
// advanced next_value.
func (s *Sequence) refillLocked(next int64) error {
	rec := s.tbl.CreateRecord()
	if err := rec.SetInt64("id", s.id); err != nil {
		return err
	}
	if err := rec.SetString("name", s.name); err != nil {
		return err
	}
	if err := rec.SetInt64("next_value", next+s.cacheSize); err != nil {
		return err
	}
	if err := rec.Upsert(); err != nil {
		return err
	}

	s.next = next
	s.cacheEnd = next + s.cacheSize
	return nil
}

// Next returns the next value. Values are strictly increasing across
// process restarts; windows lost to a crash are skipped, never reused.
func (s *Sequence) Next() (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.next >= s.cacheEnd {
		rec := s.tbl.CreateRecord()
		if err := rec.SetInt64("id", s.id); err != nil {
			return 0, err
		}
		if err := rec.Get(); err != nil {
			return 0, fmt.Errorf("cannot read sequence row: %w", err)
		}
		next, err := rec.GetInt64("next_value")
		if err != nil {
			return 0, err
		}
		if err = s.refillLocked(next); err != nil {
			return 0, err
		}
	}

	v := s.next
	s.next++
	return v, nil
}
