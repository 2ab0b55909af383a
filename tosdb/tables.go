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

// Well-known database and table names. The kernel build pipeline and the
// linker agree on these; everything else is application-defined.
const (
	// SystemDatabase holds the kernel's own tables.
	SystemDatabase = "system"

	// ModulesTable - relocatable objects the linker consumes
	// key - module id (content-addressed from the module name)
	// value - module name
	ModulesTable = "modules"

	// SectionsTable - raw section bytes of a module
	// key - section row id (module id * section count + section type)
	// value - section type, size, bytes
	SectionsTable = "sections"

	// SymbolsTable - symbol definitions
	// key - symbol id (content-addressed from scope + name)
	// value - owning module, section type, symbol type, scope, value, size
	SymbolsTable = "symbols"

	// RelocationsTable - relocation entries of a module
	// key - relocation row id
	// value - section type, relocation type, symbol id, offset, addend
	RelocationsTable = "relocations"
)

func (t blockType) String() string {
	switch t {
	case blockTypeSuperblock:
		return "superblock"
	case blockTypeDatabaseList:
		return "database_list"
	case blockTypeDatabase:
		return "database"
	case blockTypeTableList:
		return "table_list"
	case blockTypeTable:
		return "table"
	case blockTypeColumnList:
		return "column_list"
	case blockTypeIndexList:
		return "index_list"
	case blockTypeSSTableList:
		return "sstable_list"
	case blockTypeSSTable:
		return "sstable"
	case blockTypeSSTableIndex:
		return "sstable_index"
	case blockTypeValuelogList:
		return "valuelog_list"
	case blockTypeValuelog:
		return "valuelog"
	default:
		return "none"
	}
}
