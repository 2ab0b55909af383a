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
	"fmt"
	"io"

	"github.com/davecgh/go-spew/spew"
)

// PrintModules writes a human-readable description of the link closure:
// every module, its section placement and sizes.
func (ctx *Context) PrintModules(w io.Writer) {
	for _, id := range ctx.moduleOrder {
		ctx.PrintModuleInfo(w, id)
	}
}

// PrintModuleInfo describes one module of the closure.
func (ctx *Context) PrintModuleInfo(w io.Writer, moduleID uint64) {
	mod, ok := ctx.modules[moduleID]
	if !ok {
		fmt.Fprintf(w, "module 0x%x not in closure\n", moduleID)
		return
	}

	fmt.Fprintf(w, "module 0x%x at va 0x%x pa 0x%x\n", mod.ID, mod.VirtualStart, mod.PhysicalStart)
	for typ := SectionType(0); typ < NrSections; typ++ {
		sec := &mod.Sections[typ]
		if sec.Size == 0 {
			continue
		}
		fmt.Fprintf(w, "  %-10s va 0x%-12x size 0x%x\n", typ, sec.VirtualStart, sec.Size)
	}
	if len(mod.PLTOffsets) > 0 {
		fmt.Fprintf(w, "  plt stubs: %d\n", len(mod.PLTOffsets))
	}
}

// DumpGOTEntries writes every GOT entry, including the reserved pair, in
// spew's deterministic struct rendering.
func (ctx *Context) DumpGOTEntries(w io.Writer) {
	cfg := spew.ConfigState{Indent: "  ", SortKeys: true, DisablePointerAddresses: true, DisableCapacities: true}
	for i := range ctx.got {
		fmt.Fprintf(w, "got[%d]:\n", i)
		cfg.Fdump(w, ctx.got[i])
	}
}

// DumpSymbolTable writes the resolved symbol store.
func (ctx *Context) DumpSymbolTable(w io.Writer) {
	for _, id := range ctx.sortedSymbolIDs() {
		sym := ctx.symbols[id]
		fmt.Fprintf(w, "0x%016x %-8s %-6s module=0x%x value=0x%x size=0x%x %s\n",
			sym.ID, symbolTypeName(sym.Type), scopeName(sym.Scope), sym.ModuleID, sym.Value, sym.Size, sym.Name)
	}
}

func symbolTypeName(t SymbolType) string {
	switch t {
	case SymbolTypeUndef:
		return "undef"
	case SymbolTypeObject:
		return "object"
	case SymbolTypeFunction:
		return "function"
	case SymbolTypeSection:
		return "section"
	case SymbolTypeSymbol:
		return "symbol"
	default:
		return "?"
	}
}

func scopeName(s SymbolScope) string {
	if s == ScopeLocal {
		return "local"
	}
	return "global"
}
