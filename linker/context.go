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

	"github.com/kazimsarikaya/turnstone-go/common/memmath"
	"github.com/kazimsarikaya/turnstone-go/log"
	"github.com/kazimsarikaya/turnstone-go/mem/paging"
)

// Options place and parameterize a link.
type Options struct {
	// ProgramStartVirtual and ProgramStartPhysical place the image.
	ProgramStartVirtual  uint64
	ProgramStartPhysical uint64
	// EntryPointSymbol names the global symbol the trampoline jumps to.
	EntryPointSymbol string
	// StackSize and HeapSize size the bss-like tail sections. Defaults are
	// 64K stack, 1M heap.
	StackSize uint64
	HeapSize  uint64
	// PageTableHelperFrames is the pre-reserved frame run a page-table
	// build draws its nodes from; required for DumpBuildPageTable.
	PageTableHelperFrames uint64
	// ForHypervisorApplication marks an image built for a hypervisor
	// application. The page-table build does not read it: the built table
	// maps every section at ProgramStartVirtual whatever its value.
	ForHypervisorApplication bool
}

// Context is one in-flight link: the module closure, the flat symbol and
// GOT stores, and the layout once bound. A failed link leaves the store
// untouched; the context is simply dropped.
type Context struct {
	store *Store
	opts  Options

	// modules keyed by id; moduleOrder is closure-visit order, which is
	// also image order
	modules     map[uint64]*Module
	moduleOrder []uint64

	symbols           map[uint64]*Symbol
	moduleRelocations map[uint64][]*RelocationEntry

	got            []GOTEntry
	gotSymbolIndex map[uint64]uint64

	// metadata accumulates module and symbol names; offsets into it are the
	// name_offset fields
	metadata []byte

	sizeOfSections     [NrSections]uint64
	sectionOffset      map[SectionType]uint64
	imageSize          uint64
	programSize        uint64
	relocTable         []byte
	gotRelRelocTable   []byte
	pageTableCtx       *paging.Context
	entrypointSymbolID uint64
	entrypointVA       uint64
	gotVA              uint64
	linked             bool

	lg log.Logger
}

// NewContext starts a link over the module store.
func NewContext(store *Store, opts Options) *Context {
	if opts.StackSize == 0 {
		opts.StackSize = 64 << 10
	}
	if opts.HeapSize == 0 {
		opts.HeapSize = 1 << 20
	}

	ctx := &Context{
		store:             store,
		opts:              opts,
		modules:           map[uint64]*Module{},
		symbols:           map[uint64]*Symbol{},
		moduleRelocations: map[uint64][]*RelocationEntry{},
		gotSymbolIndex:    map[uint64]uint64{},
		lg:                log.New("module", "linker"),
	}

	// entry 0 stays null; entry 1 is the GOT itself so GOTPC64/GOTOFF64
	// self-references resolve through the same mechanism as everything else
	ctx.got = make([]GOTEntry, gotFirstUsable)
	ctx.got[1] = GOTEntry{
		Resolved:    true,
		Binded:      false,
		SectionType: SectionGOT,
		SymbolType:  SymbolTypeSection,
		SymbolScope: ScopeGlobal,
		SymbolID:    GOTSymbolID,
	}
	ctx.gotSymbolIndex[GOTSymbolID] = 1

	return ctx
}

// internString appends a NUL-terminated string to the metadata buffer and
// returns its offset.
func (ctx *Context) internString(s string) uint64 {
	off := uint64(len(ctx.metadata))
	ctx.metadata = append(ctx.metadata, s...)
	ctx.metadata = append(ctx.metadata, 0)
	return off
}

// BuildModule loads a module and, when recursive, the closure of every
// module its relocations reference. Stops when every referenced symbol has
// a resolved GOT entry.
func (ctx *Context) BuildModule(moduleID uint64, recursive bool) error {
	queue := []uint64{moduleID}

	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]

		if _, ok := ctx.modules[id]; ok {
			continue
		}

		mod, err := ctx.loadModule(id)
		if err != nil {
			return err
		}
		ctx.modules[id] = mod
		ctx.moduleOrder = append(ctx.moduleOrder, id)

		rels, err := ctx.store.relocationsOfModule(id)
		if err != nil {
			return err
		}
		ctx.moduleRelocations[id] = rels

		for _, rel := range rels {
			next, err := ctx.ensureGOTEntry(mod, rel)
			if err != nil {
				return err
			}
			if next != 0 && recursive {
				queue = append(queue, next)
			}
		}
	}

	return nil
}

// loadModule reads a module's name and sections from the store.
func (ctx *Context) loadModule(id uint64) (*Module, error) {
	name, err := ctx.store.moduleName(id)
	if err != nil {
		return nil, err
	}

	mod := &Module{
		ID:         id,
		NameOffset: ctx.internString(name),
		PLTOffsets: map[uint64]uint64{},
	}

	sections, err := ctx.store.sectionsOfModule(id)
	if err != nil {
		return nil, err
	}
	for typ, sec := range sections {
		if typ >= NrSections {
			return nil, fmt.Errorf("%w: section type %d in module %q", ErrInvalidArgument, typ, name)
		}
		mod.Sections[typ] = *sec
	}

	ctx.lg.Debug("module loaded", "name", name, "id", fmt.Sprintf("0x%x", id))
	return mod, nil
}

// ensureGOTEntry guarantees a GOT entry for the relocation's symbol,
// resolving the definition through the store. Returns the id of a module
// that must join the closure, or zero.
func (ctx *Context) ensureGOTEntry(mod *Module, rel *RelocationEntry) (uint64, error) {
	if _, ok := ctx.gotSymbolIndex[rel.SymbolID]; ok {
		entry := &ctx.got[ctx.gotSymbolIndex[rel.SymbolID]]
		if rel.Type == Reloc64_PLTOFF64 {
			ctx.ensurePLTStub(mod, rel.SymbolID)
		}
		if entry.Resolved {
			if _, ok := ctx.modules[entry.ModuleID]; !ok && entry.ModuleID != 0 {
				return entry.ModuleID, nil
			}
			return 0, nil
		}
	}

	sym, err := ctx.store.symbolByID(rel.SymbolID)
	if err != nil {
		// leave an unresolved entry; the resolution check fails the link
		// with the full picture instead of the first hole
		if _, ok := ctx.gotSymbolIndex[rel.SymbolID]; !ok {
			ctx.appendGOTEntry(GOTEntry{SymbolID: rel.SymbolID})
		}
		ctx.lg.Warn("symbol has no definition", "symbol", fmt.Sprintf("0x%x", rel.SymbolID))
		return 0, nil
	}

	// a local-scope definition must come from the referencing module
	if sym.Scope == ScopeLocal && sym.ModuleID != mod.ID {
		return 0, fmt.Errorf("%w: local symbol %q referenced from foreign module", ErrResolverUnresolved, sym.Name)
	}

	if _, ok := ctx.symbols[sym.ID]; !ok {
		sym.NameOffset = ctx.internString(sym.Name)
		ctx.symbols[sym.ID] = sym
	}

	if idx, ok := ctx.gotSymbolIndex[rel.SymbolID]; ok {
		e := &ctx.got[idx]
		if !e.Resolved {
			e.Resolved = true
			e.SectionType = sym.SectionType
			e.SymbolType = sym.Type
			e.SymbolScope = sym.Scope
			e.ModuleID = sym.ModuleID
			e.SymbolSize = sym.Size
			e.SymbolNameOffset = sym.NameOffset
		}
	} else {
		ctx.appendGOTEntry(GOTEntry{
			Resolved:         true,
			SectionType:      sym.SectionType,
			SymbolType:       sym.Type,
			SymbolScope:      sym.Scope,
			ModuleID:         sym.ModuleID,
			SymbolID:         sym.ID,
			SymbolSize:       sym.Size,
			SymbolNameOffset: sym.NameOffset,
		})
	}

	if rel.Type == Reloc64_PLTOFF64 {
		ctx.ensurePLTStub(mod, rel.SymbolID)
	}

	if _, ok := ctx.modules[sym.ModuleID]; !ok {
		return sym.ModuleID, nil
	}
	return 0, nil
}

func (ctx *Context) appendGOTEntry(e GOTEntry) {
	ctx.gotSymbolIndex[e.SymbolID] = uint64(len(ctx.got))
	ctx.got = append(ctx.got, e)
}

// ensurePLTStub reserves a stub slot in the module's plt section on first
// PLTOFF64 use of the symbol.
func (ctx *Context) ensurePLTStub(mod *Module, symbolID uint64) {
	if _, ok := mod.PLTOffsets[symbolID]; ok {
		return
	}
	off := mod.Sections[SectionPLT].Size
	mod.PLTOffsets[symbolID] = off
	mod.Sections[SectionPLT].Size = off + pltStubSize
	mod.Sections[SectionPLT].Data = append(mod.Sections[SectionPLT].Data, make([]byte, pltStubSize)...)
}

// IsAllSymbolsResolved reports whether every GOT entry past the reserved
// pair is resolved.
func (ctx *Context) IsAllSymbolsResolved() bool {
	for i := gotFirstUsable; i < len(ctx.got); i++ {
		if !ctx.got[i].Resolved {
			return false
		}
	}
	return true
}

// unresolvedSymbols lists the ids still missing definitions.
func (ctx *Context) unresolvedSymbols() []uint64 {
	var out []uint64
	for i := gotFirstUsable; i < len(ctx.got); i++ {
		if !ctx.got[i].Resolved {
			out = append(out, ctx.got[i].SymbolID)
		}
	}
	return out
}

// CalculateProgramSize aggregates per-type section sizes over the closure
// and fixes stack/heap/got/reltab sizes.
func (ctx *Context) CalculateProgramSize() {
	for i := range ctx.sizeOfSections {
		ctx.sizeOfSections[i] = 0
	}

	for _, id := range ctx.moduleOrder {
		mod := ctx.modules[id]
		for typ := SectionType(0); typ < NrSections; typ++ {
			ctx.sizeOfSections[typ] += memmath.AlignUp(mod.Sections[typ].Size, 8)
		}
	}

	ctx.sizeOfSections[SectionGOT] = uint64(len(ctx.got)) * gotEntrySize
	ctx.sizeOfSections[SectionStack] = ctx.opts.StackSize
	ctx.sizeOfSections[SectionHeap] = ctx.opts.HeapSize

	// the relocation tables are produced by the apply pass; reserve the
	// worst case of one entry per absolute relocation now so their image
	// slots are final before binding
	var relocTabMax, gotRelMax uint64
	for _, rels := range ctx.moduleRelocations {
		for _, rel := range rels {
			if !isAbsolute(rel.Type) {
				continue
			}
			if rel.SectionType == SectionRODataReloc {
				gotRelMax += relocTabEntrySize
			} else {
				relocTabMax += relocTabEntrySize
			}
		}
	}
	ctx.sizeOfSections[SectionRelocationTable] = relocTabMax
	ctx.sizeOfSections[SectionGOTRelativeRelocationTable] = gotRelMax

	var total uint64
	for typ := SectionType(0); typ < NrSections; typ++ {
		total += memmath.AlignUp(ctx.sizeOfSections[typ], memmath.PageSize4K)
	}
	ctx.programSize = total
}
