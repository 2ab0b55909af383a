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
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/kazimsarikaya/turnstone-go/common/memmath"
)

// PE32+ constants for an EFI application image.
const (
	peMachineAMD64       = 0x8664
	peSubsystemEFIApp    = 10
	peFileAlignment      = 0x200
	peSectionAlignment   = 0x1000
	peOptionalHeaderSize = 240

	peCharExecutableImage = 0x0002
	peCharLargeAddress    = 0x0020

	peScnCode            = 0x00000020
	peScnInitializedData = 0x00000040
	peScnMemExecute      = 0x20000000
	peScnMemRead         = 0x40000000
	peScnMemWrite        = 0x80000000

	peRelBasedDir64 = 10
)

type peSection struct {
	name    string
	rva     uint64
	vsize   uint64
	data    []byte
	charact uint32
}

// efiSections maps linker section blocks onto PE sections. Relocation-table
// sections are excluded; they reappear as the PE .reloc section.
func (ctx *Context) efiSections() []peSection {
	secs := []peSection{
		{name: ".text", charact: peScnCode | peScnMemExecute | peScnMemRead},
		{name: ".rdata", charact: peScnInitializedData | peScnMemRead},
		{name: ".data", charact: peScnInitializedData | peScnMemRead | peScnMemWrite},
	}

	group := func(types ...SectionType) ([]byte, uint64, uint64) {
		var first uint64
		var have bool
		var buf bytes.Buffer
		var vsize uint64
		for _, typ := range types {
			size := memmath.AlignUp(ctx.sizeOfSections[typ], memmath.PageSize4K)
			if size == 0 {
				continue
			}
			if !have {
				first = ctx.sectionOffset[typ]
				have = true
			}
			data := ctx.sectionBytes(typ)
			buf.Write(data)
			if pad := size - uint64(len(data)); pad > 0 {
				buf.Write(make([]byte, pad))
			}
			vsize += size
		}
		return buf.Bytes(), first, vsize
	}

	secs[0].data, secs[0].rva, secs[0].vsize = group(SectionText, SectionPLT)
	secs[1].data, secs[1].rva, secs[1].vsize = group(SectionROData, SectionRODataReloc, SectionGOT)
	secs[2].data, secs[2].rva, secs[2].vsize = group(SectionData, SectionDataReloc, SectionBSS, SectionStack, SectionHeap)

	out := secs[:0]
	for _, s := range secs {
		if s.vsize > 0 {
			out = append(out, s)
		}
	}
	return out
}

// sectionBytes concatenates the modules' bytes of one section block in
// image order.
func (ctx *Context) sectionBytes(typ SectionType) []byte {
	var buf bytes.Buffer
	if typ == SectionGOT {
		raw := make([]byte, uint64(len(ctx.got))*gotEntrySize)
		for i := range ctx.got {
			ctx.got[i].encode(raw[uint64(i)*gotEntrySize:])
		}
		return raw
	}
	for _, id := range ctx.moduleOrder {
		sec := &ctx.modules[id].Sections[typ]
		size := memmath.AlignUp(sec.Size, 8)
		buf.Write(sec.Data)
		if pad := size - uint64(len(sec.Data)); pad > 0 {
			buf.Write(make([]byte, pad))
		}
	}
	return buf.Bytes()
}

// buildEFIRelocations encodes every absolute relocation as PE base
// relocation blocks: one block per 4K page, IMAGE_REL_BASED_DIR64 entries.
func (ctx *Context) buildEFIRelocations() []byte {
	pages := map[uint64][]uint16{}

	addEntries := func(tab []byte) {
		for off := 0; off+relocTabEntrySize <= len(tab); off += relocTabEntrySize {
			imageOff := binary.LittleEndian.Uint64(tab[off+16:])
			page := imageOff &^ (memmath.PageSize4K - 1)
			entry := uint16(peRelBasedDir64<<12) | uint16(imageOff&0xFFF)
			pages[page] = append(pages[page], entry)
		}
	}
	addEntries(ctx.relocTable)
	addEntries(ctx.gotRelRelocTable)

	pageRVAs := make([]uint64, 0, len(pages))
	for rva := range pages {
		pageRVAs = append(pageRVAs, rva)
	}
	sort.Slice(pageRVAs, func(i, j int) bool { return pageRVAs[i] < pageRVAs[j] })

	var buf bytes.Buffer
	for _, rva := range pageRVAs {
		entries := pages[rva]
		if len(entries)%2 != 0 {
			entries = append(entries, 0) // absolute padding entry
		}
		blockSize := uint32(8 + 2*len(entries))
		var hdr [8]byte
		binary.LittleEndian.PutUint32(hdr[0:], uint32(rva))
		binary.LittleEndian.PutUint32(hdr[4:], blockSize)
		buf.Write(hdr[:])
		for _, e := range entries {
			var eb [2]byte
			binary.LittleEndian.PutUint16(eb[:], e)
			buf.Write(eb[:])
		}
	}
	return buf.Bytes()
}

// BuildEFI emits the linked program as a PE32+ EFI application.
func (ctx *Context) BuildEFI() ([]byte, error) {
	if !ctx.linked {
		return nil, fmt.Errorf("%w: program not linked", ErrInvalidArgument)
	}

	sections := ctx.efiSections()
	relocData := ctx.buildEFIRelocations()
	relocRVA := ctx.imageSize
	if len(relocData) > 0 {
		sections = append(sections, peSection{
			name:    ".reloc",
			rva:     relocRVA,
			vsize:   memmath.AlignUp(uint64(len(relocData)), memmath.PageSize4K),
			data:    relocData,
			charact: peScnInitializedData | peScnMemRead,
		})
	}

	const dosHeaderSize = 64
	const dosStubSize = 64
	peSigOff := uint64(dosHeaderSize + dosStubSize)
	coffOff := peSigOff + 4
	optOff := coffOff + 20
	sectionTableOff := optOff + peOptionalHeaderSize
	headersRaw := sectionTableOff + uint64(len(sections))*40
	headersAligned := memmath.AlignUp(headersRaw, peFileAlignment)

	// raw file offsets
	rawOff := headersAligned
	rawOffsets := make([]uint64, len(sections))
	rawSizes := make([]uint64, len(sections))
	for i, s := range sections {
		rawOffsets[i] = rawOff
		rawSizes[i] = memmath.AlignUp(uint64(len(s.data)), peFileAlignment)
		rawOff += rawSizes[i]
	}

	img := make([]byte, rawOff)

	// DOS header: "MZ" + e_lfanew
	img[0], img[1] = 'M', 'Z'
	binary.LittleEndian.PutUint32(img[0x3c:], uint32(peSigOff))

	// PE signature
	copy(img[peSigOff:], []byte{'P', 'E', 0, 0})

	// COFF header
	binary.LittleEndian.PutUint16(img[coffOff:], peMachineAMD64)
	binary.LittleEndian.PutUint16(img[coffOff+2:], uint16(len(sections)))
	binary.LittleEndian.PutUint16(img[coffOff+16:], peOptionalHeaderSize)
	binary.LittleEndian.PutUint16(img[coffOff+18:], peCharExecutableImage|peCharLargeAddress)

	// optional header, PE32+
	var sizeOfImage uint64
	for _, s := range sections {
		end := s.rva + memmath.AlignUp(s.vsize, peSectionAlignment)
		if end > sizeOfImage {
			sizeOfImage = end
		}
	}

	o := optOff
	binary.LittleEndian.PutUint16(img[o:], 0x20b) // PE32+ magic
	binary.LittleEndian.PutUint32(img[o+16:], uint32(ctx.entrypointVA-ctx.opts.ProgramStartVirtual))
	binary.LittleEndian.PutUint64(img[o+24:], ctx.opts.ProgramStartVirtual) // image base
	binary.LittleEndian.PutUint32(img[o+32:], peSectionAlignment)
	binary.LittleEndian.PutUint32(img[o+36:], peFileAlignment)
	binary.LittleEndian.PutUint16(img[o+48:], 0) // major subsystem version handled by firmware
	binary.LittleEndian.PutUint32(img[o+56:], uint32(sizeOfImage))
	binary.LittleEndian.PutUint32(img[o+60:], uint32(headersAligned))
	binary.LittleEndian.PutUint16(img[o+68:], peSubsystemEFIApp)
	binary.LittleEndian.PutUint32(img[o+108:], 16) // data directory count
	if len(relocData) > 0 {
		// base relocation directory, index 5
		binary.LittleEndian.PutUint32(img[o+112+5*8:], uint32(relocRVA))
		binary.LittleEndian.PutUint32(img[o+112+5*8+4:], uint32(len(relocData)))
	}

	// section table
	for i, s := range sections {
		e := sectionTableOff + uint64(i)*40
		copy(img[e:e+8], s.name)
		binary.LittleEndian.PutUint32(img[e+8:], uint32(s.vsize))
		binary.LittleEndian.PutUint32(img[e+12:], uint32(s.rva))
		binary.LittleEndian.PutUint32(img[e+16:], uint32(rawSizes[i]))
		binary.LittleEndian.PutUint32(img[e+20:], uint32(rawOffsets[i]))
		binary.LittleEndian.PutUint32(img[e+36:], s.charact)
	}

	// section contents
	for i, s := range sections {
		copy(img[rawOffsets[i]:], s.data)
	}

	return img, nil
}
