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
	"math"
)

// relocTabEntrySize is the serialized size of one relocation-table entry:
// section_type, relocation_type, pad, symbol_id, offset, addend.
const relocTabEntrySize = 32

// writeWidth writes value at the given width, failing on values the width
// cannot represent. signed selects two's-complement range checking.
func writeWidth(buf []byte, off uint64, value uint64, width int, signed bool) error {
	if off+uint64(width) > uint64(len(buf)) {
		return fmt.Errorf("%w: relocation target 0x%x past section end 0x%x", ErrInvalidArgument, off, len(buf))
	}

	sv := int64(value)
	switch width {
	case 1:
		if signed && (sv < math.MinInt8 || sv > math.MaxInt8) || !signed && value > math.MaxUint8 {
			return fmt.Errorf("%w: 0x%x in 8 bits", ErrRelocationOverflow, value)
		}
		buf[off] = byte(value)
	case 2:
		if signed && (sv < math.MinInt16 || sv > math.MaxInt16) || !signed && value > math.MaxUint16 {
			return fmt.Errorf("%w: 0x%x in 16 bits", ErrRelocationOverflow, value)
		}
		binary.LittleEndian.PutUint16(buf[off:], uint16(value))
	case 4:
		if signed && (sv < math.MinInt32 || sv > math.MaxInt32) || !signed && value > math.MaxUint32 {
			return fmt.Errorf("%w: 0x%x in 32 bits", ErrRelocationOverflow, value)
		}
		binary.LittleEndian.PutUint32(buf[off:], uint32(value))
	case 8:
		binary.LittleEndian.PutUint64(buf[off:], value)
	default:
		return fmt.Errorf("%w: relocation width %d", ErrInvalidArgument, width)
	}
	return nil
}

// relocWidth maps a relocation type onto its target width and signedness.
func relocWidth(typ RelocationType) (width int, signed bool, err error) {
	switch typ {
	case Reloc64_8:
		return 1, false, nil
	case Reloc32_16, Reloc64_16, Reloc32_PC16:
		return 2, true, nil
	case Reloc32_32, Reloc64_32:
		return 4, false, nil
	case Reloc64_32S, Reloc32_PC32, Reloc64_PC32:
		return 4, true, nil
	case Reloc64_64, Reloc64_PC64, Reloc64_GOT64, Reloc64_GOTOFF64, Reloc64_GOTPC64, Reloc64_PLTOFF64:
		return 8, false, nil
	default:
		return 0, false, fmt.Errorf("%w: relocation type %d", ErrInvalidArgument, typ)
	}
}

// isAbsolute reports whether the relocation writes an absolute address,
// which must be recorded for rebasing.
func isAbsolute(typ RelocationType) bool {
	switch typ {
	case Reloc32_16, Reloc32_32, Reloc64_8, Reloc64_16, Reloc64_32, Reloc64_32S, Reloc64_64:
		return true
	default:
		return false
	}
}

// LinkProgram applies every relocation of every module into its section
// bytes and fills the PLT stubs. Absolute relocations are recorded in the
// relocation table; absolute relocations inside read-only sections go to
// the GOT-relative table for runtime fix-up.
func (ctx *Context) LinkProgram() error {
	if !ctx.IsAllSymbolsResolved() {
		return fmt.Errorf("%w: symbols %x", ErrResolverUnresolved, ctx.unresolvedSymbols())
	}

	var relocTab, gotRelRelocTab []byte

	for _, id := range ctx.moduleOrder {
		mod := ctx.modules[id]

		for _, rel := range ctx.moduleRelocations[id] {
			sec := &mod.Sections[rel.SectionType]
			if rel.Offset >= sec.Size && sec.Size > 0 || sec.Data == nil && sec.Size > 0 {
				return fmt.Errorf("%w: relocation at 0x%x in %s of module 0x%x", ErrInvalidArgument, rel.Offset, rel.SectionType, id)
			}

			p := sec.VirtualStart + rel.Offset
			a := rel.Addend

			var value uint64
			switch rel.Type {
			case Reloc32_16, Reloc32_32, Reloc64_8, Reloc64_16, Reloc64_32, Reloc64_32S, Reloc64_64:
				s, err := ctx.symbolVA(rel.SymbolID)
				if err != nil {
					return err
				}
				value = s + a
			case Reloc32_PC16, Reloc32_PC32, Reloc64_PC32, Reloc64_PC64:
				s, err := ctx.symbolVA(rel.SymbolID)
				if err != nil {
					return err
				}
				value = s + a - p
			case Reloc64_GOT64:
				g, err := ctx.gotEntryOffset(rel.SymbolID)
				if err != nil {
					return err
				}
				value = g + a
			case Reloc64_GOTPC64:
				value = ctx.gotVA + a - p
			case Reloc64_GOTOFF64:
				s, err := ctx.symbolVA(rel.SymbolID)
				if err != nil {
					return err
				}
				value = s + a - ctx.gotVA
			case Reloc64_PLTOFF64:
				off, ok := mod.PLTOffsets[rel.SymbolID]
				if !ok {
					return fmt.Errorf("%w: no plt stub for symbol 0x%x", ErrResolverUnresolved, rel.SymbolID)
				}
				pltVA := mod.Sections[SectionPLT].VirtualStart + off
				value = pltVA + a - ctx.gotVA
			default:
				return fmt.Errorf("%w: relocation type %d", ErrInvalidArgument, rel.Type)
			}

			width, signed, err := relocWidth(rel.Type)
			if err != nil {
				return err
			}
			if err = writeWidth(sec.Data, rel.Offset, value, width, signed); err != nil {
				return fmt.Errorf("module 0x%x %s+0x%x: %w", id, rel.SectionType, rel.Offset, err)
			}

			if isAbsolute(rel.Type) {
				entry := encodeRelocEntry(rel, p-ctx.opts.ProgramStartVirtual)
				if rel.SectionType == SectionRODataReloc {
					gotRelRelocTab = append(gotRelRelocTab, entry...)
				} else {
					relocTab = append(relocTab, entry...)
				}
			}
		}

		ctx.fillPLTStubs(mod)
	}

	// the sizes reserved by CalculateProgramSize are a per-entry worst case,
	// so the produced tables always fit their image slots
	ctx.relocTable = relocTab
	ctx.gotRelRelocTable = gotRelRelocTab

	ctx.linked = true
	return nil
}

// encodeRelocEntry serializes one relocation-table entry. The offset is
// image-relative so a loader can rebase without the original sections.
func encodeRelocEntry(rel *RelocationEntry, imageOffset uint64) []byte {
	out := make([]byte, relocTabEntrySize)
	out[0] = byte(rel.SectionType)
	out[1] = byte(rel.Type)
	binary.LittleEndian.PutUint64(out[8:], rel.SymbolID)
	binary.LittleEndian.PutUint64(out[16:], imageOffset)
	binary.LittleEndian.PutUint64(out[24:], rel.Addend)
	return out
}

// fillPLTStubs writes each allocated stub: an indirect jmp through the
// symbol's GOT entry.
func (ctx *Context) fillPLTStubs(mod *Module) {
	plt := &mod.Sections[SectionPLT]
	for symbolID, off := range mod.PLTOffsets {
		idx := ctx.gotSymbolIndex[symbolID]
		entryVA := ctx.gotVA + idx*gotEntrySize
		stubVA := plt.VirtualStart + off

		// ff 25 rel32: jmp qword [rip+rel32]; rip is past the 6-byte
		// instruction
		rel32 := int64(entryVA) - int64(stubVA+6)
		plt.Data[off] = 0xff
		plt.Data[off+1] = 0x25
		binary.LittleEndian.PutUint32(plt.Data[off+2:], uint32(int32(rel32)))
		for i := uint64(6); i < pltStubSize; i++ {
			plt.Data[off+i] = 0x90
		}
	}
}
