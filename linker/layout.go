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
)

// imageOrder is the order section-type blocks appear in the image, after
// the header page.
var imageOrder = []SectionType{
	SectionText,
	SectionROData,
	SectionRODataReloc,
	SectionData,
	SectionDataReloc,
	SectionBSS,
	SectionPLT,
	SectionGOT,
	SectionRelocationTable,
	SectionGOTRelativeRelocationTable,
	SectionStack,
	SectionHeap,
}

// headerPageSize is the image space the program header and trampoline own.
const headerPageSize = memmath.PageSize4K

// BindLinearAddresses assigns every section of every module its place in
// the image: section-type blocks in image order, modules in closure-visit
// order within each block, everything contiguous in both address spaces.
func (ctx *Context) BindLinearAddresses() {
	ctx.sectionOffset = map[SectionType]uint64{}

	cursor := uint64(headerPageSize)
	for _, typ := range imageOrder {
		ctx.sectionOffset[typ] = cursor

		inner := cursor
		for _, id := range ctx.moduleOrder {
			mod := ctx.modules[id]
			sec := &mod.Sections[typ]
			sec.VirtualStart = ctx.opts.ProgramStartVirtual + inner
			sec.PhysicalStart = ctx.opts.ProgramStartPhysical + inner
			inner += memmath.AlignUp(sec.Size, 8)
		}

		cursor += memmath.AlignUp(ctx.sizeOfSections[typ], memmath.PageSize4K)
	}
	ctx.imageSize = cursor

	for _, id := range ctx.moduleOrder {
		mod := ctx.modules[id]
		mod.VirtualStart = mod.Sections[SectionText].VirtualStart
		mod.PhysicalStart = mod.Sections[SectionText].PhysicalStart
	}

	ctx.gotVA = ctx.opts.ProgramStartVirtual + ctx.sectionOffset[SectionGOT]
}

// symbolVA returns the final virtual address of a bound symbol.
func (ctx *Context) symbolVA(symbolID uint64) (uint64, error) {
	if symbolID == GOTSymbolID {
		return ctx.gotVA, nil
	}
	idx, ok := ctx.gotSymbolIndex[symbolID]
	if !ok || !ctx.got[idx].Binded {
		return 0, fmt.Errorf("%w: symbol 0x%x", ErrResolverUnresolved, symbolID)
	}
	return ctx.got[idx].SymbolValue, nil
}

// gotEntryOffset returns the byte offset of the symbol's GOT entry from the
// start of the GOT.
func (ctx *Context) gotEntryOffset(symbolID uint64) (uint64, error) {
	idx, ok := ctx.gotSymbolIndex[symbolID]
	if !ok {
		return 0, fmt.Errorf("%w: symbol 0x%x has no got entry", ErrResolverUnresolved, symbolID)
	}
	return idx * gotEntrySize, nil
}

// BindGOTEntryValues computes every resolved symbol's final address and
// binds it into its GOT entry. Unresolved entries stay unbinded and fail
// the link.
func (ctx *Context) BindGOTEntryValues() error {
	if !ctx.IsAllSymbolsResolved() {
		return fmt.Errorf("%w: symbols %x", ErrResolverUnresolved, ctx.unresolvedSymbols())
	}

	// the GOT's own entry points at the GOT
	ctx.got[1].EntryValue = ctx.gotVA
	ctx.got[1].SymbolValue = ctx.gotVA
	ctx.got[1].Binded = true

	for i := gotFirstUsable; i < len(ctx.got); i++ {
		e := &ctx.got[i]
		sym, ok := ctx.symbols[e.SymbolID]
		if !ok {
			return fmt.Errorf("%w: got entry %d has no symbol", ErrResolverUnresolved, i)
		}
		mod, ok := ctx.modules[sym.ModuleID]
		if !ok {
			return fmt.Errorf("%w: symbol %q module 0x%x not in closure", ErrResolverUnresolved, sym.Name, sym.ModuleID)
		}

		va := mod.Sections[sym.SectionType].VirtualStart + sym.Value
		e.SymbolValue = va
		e.EntryValue = va
		e.Binded = true
	}

	if ctx.opts.EntryPointSymbol != "" {
		id := SymbolID(ScopeGlobal, "", ctx.opts.EntryPointSymbol)
		va, err := ctx.symbolVA(id)
		if err != nil {
			// the entry point need not be referenced by any relocation;
			// resolve it straight from the store
			sym, serr := ctx.store.symbolByID(id)
			if serr != nil {
				return fmt.Errorf("entry point %q: %w", ctx.opts.EntryPointSymbol, serr)
			}
			mod, ok := ctx.modules[sym.ModuleID]
			if !ok {
				return fmt.Errorf("entry point %q: %w: module 0x%x not in closure", ctx.opts.EntryPointSymbol, ErrResolverUnresolved, sym.ModuleID)
			}
			va = mod.Sections[sym.SectionType].VirtualStart + sym.Value
		}
		ctx.entrypointSymbolID = id
		ctx.entrypointVA = va
	}

	return nil
}
