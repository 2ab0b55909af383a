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

package linker

import (
	"errors"
	"fmt"

	"github.com/spaolacci/murmur3"

	"github.com/kazimsarikaya/turnstone-go/tosdb"
)

// Store is the TOSDB surface the linker consumes modules through.
type Store struct {
	db          *tosdb.Database
	modules     *tosdb.Table
	sections    *tosdb.Table
	symbols     *tosdb.Table
	relocations *tosdb.Table
}

// OpenStore creates or opens the module tables in the database.
func OpenStore(db *tosdb.Database) (*Store, error) {
	s := &Store{db: db}
	var err error

	if s.modules, err = db.TableCreateOrOpen(tosdb.ModulesTable, 1<<10, 8<<20, 2); err != nil {
		return nil, err
	}
	if s.modules.ColumnCount() == 0 {
		if err = addColumns(s.modules, map[string]tosdb.DataType{
			"id":   tosdb.DataTypeInt64,
			"name": tosdb.DataTypeString,
		}, "id", map[string]tosdb.IndexType{"name": tosdb.IndexUnique}); err != nil {
			return nil, err
		}
	}

	if s.sections, err = db.TableCreateOrOpen(tosdb.SectionsTable, 1<<12, 64<<20, 2); err != nil {
		return nil, err
	}
	if s.sections.ColumnCount() == 0 {
		if err = addColumns(s.sections, map[string]tosdb.DataType{
			"id":           tosdb.DataTypeInt64,
			"module_id":    tosdb.DataTypeInt64,
			"section_type": tosdb.DataTypeInt64,
			"size":         tosdb.DataTypeInt64,
			"data":         tosdb.DataTypeBytes,
		}, "id", map[string]tosdb.IndexType{"module_id": tosdb.IndexSecondary}); err != nil {
			return nil, err
		}
	}

	if s.symbols, err = db.TableCreateOrOpen(tosdb.SymbolsTable, 1<<14, 16<<20, 2); err != nil {
		return nil, err
	}
	if s.symbols.ColumnCount() == 0 {
		if err = addColumns(s.symbols, map[string]tosdb.DataType{
			"id":           tosdb.DataTypeInt64,
			"module_id":    tosdb.DataTypeInt64,
			"section_type": tosdb.DataTypeInt64,
			"symbol_type":  tosdb.DataTypeInt64,
			"scope":        tosdb.DataTypeInt64,
			"name":         tosdb.DataTypeString,
			"value":        tosdb.DataTypeInt64,
			"size":         tosdb.DataTypeInt64,
		}, "id", map[string]tosdb.IndexType{"module_id": tosdb.IndexSecondary}); err != nil {
			return nil, err
		}
	}

	if s.relocations, err = db.TableCreateOrOpen(tosdb.RelocationsTable, 1<<14, 32<<20, 2); err != nil {
		return nil, err
	}
	if s.relocations.ColumnCount() == 0 {
		if err = addColumns(s.relocations, map[string]tosdb.DataType{
			"id":              tosdb.DataTypeInt64,
			"module_id":       tosdb.DataTypeInt64,
			"section_type":    tosdb.DataTypeInt64,
			"relocation_type": tosdb.DataTypeInt64,
			"symbol_id":       tosdb.DataTypeInt64,
			"offset":          tosdb.DataTypeInt64,
			"addend":          tosdb.DataTypeInt64,
		}, "id", map[string]tosdb.IndexType{"module_id": tosdb.IndexSecondary}); err != nil {
			return nil, err
		}
	}

	return s, nil
}

// addColumns creates the columns, the primary index and the named extra
// indexes. Column creation order follows iteration of names; schema identity
// rests on names, not ids.
func addColumns(t *tosdb.Table, cols map[string]tosdb.DataType, primary string, extra map[string]tosdb.IndexType) error {
	// primary first so its column id is stable
	if _, err := t.ColumnAdd(primary, cols[primary]); err != nil {
		return err
	}
	for name, typ := range cols {
		if name == primary {
			continue
		}
		if _, err := t.ColumnAdd(name, typ); err != nil {
			return err
		}
	}
	if _, err := t.IndexCreate(primary, tosdb.IndexPrimary); err != nil {
		return err
	}
	for name, typ := range extra {
		if _, err := t.IndexCreate(name, typ); err != nil {
			return err
		}
	}
	return nil
}

// SymbolID derives the content-addressed id of a symbol. Global symbols
// hash on their name alone so every module referencing a name agrees on the
// id; local symbols are scoped by their module's name.
func SymbolID(scope SymbolScope, moduleName, symbolName string) uint64 {
	if scope == ScopeLocal {
		return murmur3.Sum64([]byte(moduleName + "\x00" + symbolName))
	}
	return murmur3.Sum64([]byte(symbolName))
}

// ModuleID derives a module's id from its name.
func ModuleID(name string) uint64 {
	return murmur3.Sum64([]byte(name))
}

// AddModule publishes a module row.
func (s *Store) AddModule(id uint64, name string) error {
	rec := s.modules.CreateRecord()
	if err := rec.SetInt64("id", int64(id)); err != nil {
		return err
	}
	if err := rec.SetString("name", name); err != nil {
		return err
	}
	return rec.Upsert()
}

// AddSection publishes one section of a module. The section id is derived
// from (module id, section type).
func (s *Store) AddSection(moduleID uint64, typ SectionType, data []byte, size uint64) error {
	rec := s.sections.CreateRecord()
	if err := rec.SetInt64("id", int64(sectionRowID(moduleID, typ))); err != nil {
		return err
	}
	if err := rec.SetInt64("module_id", int64(moduleID)); err != nil {
		return err
	}
	if err := rec.SetInt64("section_type", int64(typ)); err != nil {
		return err
	}
	if err := rec.SetInt64("size", int64(size)); err != nil {
		return err
	}
	if err := rec.SetBytes("data", data); err != nil {
		return err
	}
	return rec.Upsert()
}

func sectionRowID(moduleID uint64, typ SectionType) uint64 {
	return moduleID*uint64(NrSections) + uint64(typ)
}

// AddSymbol publishes a symbol definition. Re-publishing the same id with
// different content is a duplicate-definition error; identical content is
// deduplicated silently.
func (s *Store) AddSymbol(sym *Symbol) error {
	probe := s.symbols.CreateRecord()
	if err := probe.SetInt64("id", int64(sym.ID)); err != nil {
		return err
	}
	switch err := probe.Get(); {
	case err == nil:
		oldModule, _ := probe.GetInt64("module_id")
		oldValue, _ := probe.GetInt64("value")
		oldSize, _ := probe.GetInt64("size")
		if uint64(oldModule) == sym.ModuleID && uint64(oldValue) == sym.Value && uint64(oldSize) == sym.Size {
			return nil
		}
		return fmt.Errorf("%w: symbol %q (id 0x%x)", ErrDuplicateSymbol, sym.Name, sym.ID)
	case errors.Is(err, tosdb.ErrNotFound) || errors.Is(err, tosdb.ErrDeleted):
	default:
		return err
	}

	rec := s.symbols.CreateRecord()
	if err := rec.SetInt64("id", int64(sym.ID)); err != nil {
		return err
	}
	if err := rec.SetInt64("module_id", int64(sym.ModuleID)); err != nil {
		return err
	}
	if err := rec.SetInt64("section_type", int64(sym.SectionType)); err != nil {
		return err
	}
	if err := rec.SetInt64("symbol_type", int64(sym.Type)); err != nil {
		return err
	}
	if err := rec.SetInt64("scope", int64(sym.Scope)); err != nil {
		return err
	}
	if err := rec.SetString("name", sym.Name); err != nil {
		return err
	}
	if err := rec.SetInt64("value", int64(sym.Value)); err != nil {
		return err
	}
	if err := rec.SetInt64("size", int64(sym.Size)); err != nil {
		return err
	}
	return rec.Upsert()
}

// AddRelocation publishes one relocation row of a module.
func (s *Store) AddRelocation(moduleID uint64, seq uint64, rel *RelocationEntry) error {
	rec := s.relocations.CreateRecord()
	if err := rec.SetInt64("id", int64(murmur3.Sum64([]byte(fmt.Sprintf("%d/%d", moduleID, seq))))); err != nil {
		return err
	}
	if err := rec.SetInt64("module_id", int64(moduleID)); err != nil {
		return err
	}
	if err := rec.SetInt64("section_type", int64(rel.SectionType)); err != nil {
		return err
	}
	if err := rec.SetInt64("relocation_type", int64(rel.Type)); err != nil {
		return err
	}
	if err := rec.SetInt64("symbol_id", int64(rel.SymbolID)); err != nil {
		return err
	}
	if err := rec.SetInt64("offset", int64(rel.Offset)); err != nil {
		return err
	}
	if err := rec.SetInt64("addend", int64(rel.Addend)); err != nil {
		return err
	}
	return rec.Upsert()
}

// moduleName reads a module's name row.
func (s *Store) moduleName(moduleID uint64) (string, error) {
	rec := s.modules.CreateRecord()
	if err := rec.SetInt64("id", int64(moduleID)); err != nil {
		return "", err
	}
	if err := rec.Get(); err != nil {
		return "", fmt.Errorf("%w: module 0x%x", ErrNotFound, moduleID)
	}
	return rec.GetString("name")
}

// sectionsOfModule loads every section row of a module.
func (s *Store) sectionsOfModule(moduleID uint64) (map[SectionType]*Section, error) {
	probe := s.sections.CreateRecord()
	if err := probe.SetInt64("module_id", int64(moduleID)); err != nil {
		return nil, err
	}
	rows, err := probe.SearchAll()
	if err != nil {
		return nil, err
	}

	out := map[SectionType]*Section{}
	for _, row := range rows {
		typ, err := row.GetInt64("section_type")
		if err != nil {
			return nil, err
		}
		size, err := row.GetInt64("size")
		if err != nil {
			return nil, err
		}
		data, err := row.GetBytes("data")
		if err != nil {
			return nil, err
		}
		out[SectionType(typ)] = &Section{Size: uint64(size), Data: data}
	}
	return out, nil
}

// symbolByID loads one symbol definition.
func (s *Store) symbolByID(symbolID uint64) (*Symbol, error) {
	rec := s.symbols.CreateRecord()
	if err := rec.SetInt64("id", int64(symbolID)); err != nil {
		return nil, err
	}
	if err := rec.Get(); err != nil {
		return nil, fmt.Errorf("%w: symbol 0x%x", ErrNotFound, symbolID)
	}

	sym := &Symbol{ID: symbolID}
	var v int64
	var err error
	if v, err = rec.GetInt64("module_id"); err != nil {
		return nil, err
	}
	sym.ModuleID = uint64(v)
	if v, err = rec.GetInt64("section_type"); err != nil {
		return nil, err
	}
	sym.SectionType = SectionType(v)
	if v, err = rec.GetInt64("symbol_type"); err != nil {
		return nil, err
	}
	sym.Type = SymbolType(v)
	if v, err = rec.GetInt64("scope"); err != nil {
		return nil, err
	}
	sym.Scope = SymbolScope(v)
	if sym.Name, err = rec.GetString("name"); err != nil {
		return nil, err
	}
	if v, err = rec.GetInt64("value"); err != nil {
		return nil, err
	}
	sym.Value = uint64(v)
	if v, err = rec.GetInt64("size"); err != nil {
		return nil, err
	}
	sym.Size = uint64(v)
	return sym, nil
}

// relocationsOfModule loads every relocation row of a module.
func (s *Store) relocationsOfModule(moduleID uint64) ([]*RelocationEntry, error) {
	probe := s.relocations.CreateRecord()
	if err := probe.SetInt64("module_id", int64(moduleID)); err != nil {
		return nil, err
	}
	rows, err := probe.SearchAll()
	if err != nil {
		return nil, err
	}

	out := make([]*RelocationEntry, 0, len(rows))
	for _, row := range rows {
		rel := &RelocationEntry{}
		var v int64
		if v, err = row.GetInt64("section_type"); err != nil {
			return nil, err
		}
		rel.SectionType = SectionType(v)
		if v, err = row.GetInt64("relocation_type"); err != nil {
			return nil, err
		}
		rel.Type = RelocationType(v)
		if v, err = row.GetInt64("symbol_id"); err != nil {
			return nil, err
		}
		rel.SymbolID = uint64(v)
		if v, err = row.GetInt64("offset"); err != nil {
			return nil, err
		}
		rel.Offset = uint64(v)
		if v, err = row.GetInt64("addend"); err != nil {
			return nil, err
		}
		rel.Addend = uint64(v)
		out = append(out, rel)
	}
	return out, nil
}
