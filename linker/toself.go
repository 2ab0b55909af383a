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
	"encoding/binary"
	"fmt"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/kazimsarikaya/turnstone-go/common/memmath"
	"github.com/kazimsarikaya/turnstone-go/mem/frame"
	"github.com/kazimsarikaya/turnstone-go/mem/paging"
)

// TOSELF program header constants. The header is self-describing and fixed
// so a loader can validate and enter a program knowing only its base.
const (
	toselfMagic         = "TOSELF\x00"
	toselfJmpOpcode     = 0xE9
	toselfTrampolineOff = 256
	symtabEntrySize     = 48
)

// header field offsets
const (
	hdrOffTotalSize    = 16
	hdrOffHeaderVA     = 24
	hdrOffHeaderPA     = 32
	hdrOffProgram      = 40  // offset, size, entry
	hdrOffStack        = 64  // size, va, pa
	hdrOffHeap         = 88  // size, va, pa
	hdrOffGOT          = 112 // offset, size, va, pa
	hdrOffRelocTab     = 144 // offset, size, va
	hdrOffMetadata     = 168 // offset, size, va
	hdrOffSymtab       = 192 // offset, size, va
	hdrOffPageTableCtx = 224
)

// Link runs a whole link: closure, sizing, binding and relocation
// application. The returned context emits images.
func Link(store *Store, rootModuleID uint64, opts Options) (*Context, error) {
	ctx := NewContext(store, opts)

	if err := ctx.BuildModule(rootModuleID, true); err != nil {
		return nil, err
	}
	if !ctx.IsAllSymbolsResolved() {
		return nil, fmt.Errorf("%w: symbols %x", ErrResolverUnresolved, ctx.unresolvedSymbols())
	}

	ctx.CalculateProgramSize()
	ctx.BindLinearAddresses()
	if err := ctx.BindGOTEntryValues(); err != nil {
		return nil, err
	}
	if err := ctx.LinkProgram(); err != nil {
		return nil, err
	}
	return ctx, nil
}

// EntryPointVA returns the entry point's bound virtual address.
func (ctx *Context) EntryPointVA() uint64 { return ctx.entrypointVA }

// GOTVA returns the GOT's bound virtual address.
func (ctx *Context) GOTVA() uint64 { return ctx.gotVA }

// ImageSize returns the section image size, header page included.
func (ctx *Context) ImageSize() uint64 { return ctx.imageSize }

// PageTableContext returns the page-table context built by a dump with
// DumpBuildPageTable set.
func (ctx *Context) PageTableContext() *paging.Context { return ctx.pageTableCtx }

// DumpProgram emits the in-memory TOSELF image. The dump mask selects which
// parts are materialized; DumpAll produces a loadable program.
func (ctx *Context) DumpProgram(dump DumpType) ([]byte, error) {
	if !ctx.linked {
		return nil, fmt.Errorf("%w: program not linked", ErrInvalidArgument)
	}

	metadataOff := ctx.imageSize
	metadataSize := memmath.AlignUp(uint64(len(ctx.metadata)), 8)
	symtabOff := metadataOff + metadataSize
	symtabSize := uint64(len(ctx.symbols)) * symtabEntrySize
	totalSize := memmath.AlignUp(symtabOff+symtabSize, memmath.PageSize4K)

	img := make([]byte, totalSize)

	if dump&DumpCode != 0 {
		for _, id := range ctx.moduleOrder {
			mod := ctx.modules[id]
			for typ := SectionType(0); typ < NrSections; typ++ {
				sec := &mod.Sections[typ]
				if len(sec.Data) == 0 || typ == SectionBSS {
					continue
				}
				off := sec.PhysicalStart - ctx.opts.ProgramStartPhysical
				copy(img[off:], sec.Data)
			}
		}
	}

	if dump&DumpGOT != 0 {
		base := ctx.sectionOffset[SectionGOT]
		for i := range ctx.got {
			ctx.got[i].encode(img[base+uint64(i)*gotEntrySize:])
		}
	}

	if dump&DumpRelocations != 0 {
		copy(img[ctx.sectionOffset[SectionRelocationTable]:], ctx.relocTable)
		copy(img[ctx.sectionOffset[SectionGOTRelativeRelocationTable]:], ctx.gotRelRelocTable)
	}

	if dump&DumpMetadata != 0 {
		copy(img[metadataOff:], ctx.metadata)
	}

	if dump&DumpSymbols != 0 {
		off := symtabOff
		for _, id := range ctx.sortedSymbolIDs() {
			sym := ctx.symbols[id]
			binary.LittleEndian.PutUint64(img[off:], sym.ID)
			binary.LittleEndian.PutUint64(img[off+8:], sym.ModuleID)
			img[off+16] = byte(sym.SectionType)
			img[off+17] = byte(sym.Type)
			img[off+18] = byte(sym.Scope)
			binary.LittleEndian.PutUint64(img[off+24:], sym.Value)
			binary.LittleEndian.PutUint64(img[off+32:], sym.Size)
			binary.LittleEndian.PutUint64(img[off+40:], sym.NameOffset)
			off += symtabEntrySize
		}
	}

	if dump&DumpBuildPageTable != 0 {
		if err := ctx.buildPageTable(); err != nil {
			return nil, err
		}
	}

	if dump&DumpHeader != 0 {
		ctx.writeHeader(img, totalSize, metadataOff, metadataSize, symtabOff, symtabSize)
	}

	return img, nil
}

func (ctx *Context) sortedSymbolIDs() []uint64 {
	ids := maps.Keys(ctx.symbols)
	slices.Sort(ids)
	return ids
}

// writeHeader fills the bit-exact program header and the trampoline jump.
func (ctx *Context) writeHeader(img []byte, totalSize, metadataOff, metadataSize, symtabOff, symtabSize uint64) {
	put := func(off uint64, v uint64) {
		binary.LittleEndian.PutUint64(img[off:], v)
	}

	headerVA := ctx.opts.ProgramStartVirtual
	headerPA := ctx.opts.ProgramStartPhysical

	// jmp rel32 to the entry point; rip is past the 5-byte instruction
	img[0] = toselfJmpOpcode
	disp := int64(ctx.entrypointVA) - int64(headerVA+5)
	binary.LittleEndian.PutUint32(img[1:], uint32(int32(disp)))
	copy(img[5:16], toselfMagic)

	put(hdrOffTotalSize, totalSize)
	put(hdrOffHeaderVA, headerVA)
	put(hdrOffHeaderPA, headerPA)

	put(hdrOffProgram, headerPageSize)
	put(hdrOffProgram+8, ctx.imageSize-headerPageSize)
	put(hdrOffProgram+16, ctx.entrypointVA)

	put(hdrOffStack, ctx.sizeOfSections[SectionStack])
	put(hdrOffStack+8, headerVA+ctx.sectionOffset[SectionStack])
	put(hdrOffStack+16, headerPA+ctx.sectionOffset[SectionStack])

	put(hdrOffHeap, ctx.sizeOfSections[SectionHeap])
	put(hdrOffHeap+8, headerVA+ctx.sectionOffset[SectionHeap])
	put(hdrOffHeap+16, headerPA+ctx.sectionOffset[SectionHeap])

	put(hdrOffGOT, ctx.sectionOffset[SectionGOT])
	put(hdrOffGOT+8, uint64(len(ctx.got))*gotEntrySize)
	put(hdrOffGOT+16, ctx.gotVA)
	put(hdrOffGOT+24, headerPA+ctx.sectionOffset[SectionGOT])

	put(hdrOffRelocTab, ctx.sectionOffset[SectionRelocationTable])
	put(hdrOffRelocTab+8, uint64(len(ctx.relocTable)))
	put(hdrOffRelocTab+16, headerVA+ctx.sectionOffset[SectionRelocationTable])

	put(hdrOffMetadata, metadataOff)
	put(hdrOffMetadata+8, metadataSize)
	put(hdrOffMetadata+16, headerVA+metadataOff)

	put(hdrOffSymtab, symtabOff)
	put(hdrOffSymtab+8, symtabSize)
	put(hdrOffSymtab+16, headerVA+symtabOff)

	if ctx.pageTableCtx != nil {
		put(hdrOffPageTableCtx, ctx.pageTableCtx.RootFrame())
	}

	// trampoline: jump again from the aligned slot, so loaders may enter at
	// either the header base or the trampoline
	img[toselfTrampolineOff] = toselfJmpOpcode
	tdisp := int64(ctx.entrypointVA) - int64(headerVA+toselfTrampolineOff+5)
	binary.LittleEndian.PutUint32(img[toselfTrampolineOff+1:], uint32(int32(tdisp)))
}

// buildPageTable constructs a page-table context mapping every section
// block with flags derived from its type: text executable and read-only,
// rodata read-only no-exec, everything else writable no-exec.
func (ctx *Context) buildPageTable() error {
	if ctx.opts.PageTableHelperFrames == 0 {
		return fmt.Errorf("%w: no page table helper frames", ErrInvalidArgument)
	}

	ptc, err := paging.BuildEmptyTable(ctx.opts.PageTableHelperFrames)
	if err != nil {
		return err
	}

	// the header page is entered through the trampoline, so it maps like
	// text
	if err = ptc.AddPage(ctx.opts.ProgramStartVirtual, ctx.opts.ProgramStartPhysical, paging.PageType4K|paging.PageTypeReadonly); err != nil {
		return err
	}

	for _, typ := range imageOrder {
		size := memmath.AlignUp(ctx.sizeOfSections[typ], memmath.PageSize4K)
		if size == 0 {
			continue
		}
		var flags paging.PageType
		switch typ {
		case SectionText, SectionPLT:
			flags = paging.PageTypeReadonly
		case SectionROData, SectionRODataReloc, SectionRelocationTable, SectionGOTRelativeRelocationTable:
			flags = paging.PageTypeReadonly | paging.PageTypeNoExec
		default:
			flags = paging.PageTypeNoExec
		}

		run := &frame.Frame{
			Address: ctx.opts.ProgramStartPhysical + ctx.sectionOffset[typ],
			Count:   size / memmath.PageSize4K,
			Type:    frame.TypeUsed,
		}
		va := ctx.opts.ProgramStartVirtual + ctx.sectionOffset[typ]
		if err = ptc.AddVAForFrame(va, run, flags|paging.PageType4K); err != nil {
			return err
		}
	}

	ctx.pageTableCtx = ptc
	return nil
}
