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

// Package tests drives the three core subsystems together the way the
// kernel does: modules published into TOSDB, linked into a TOSELF image,
// and mapped through a page-table context drawn from the frame allocator.
package tests

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kazimsarikaya/turnstone-go/common/memmath"
	"github.com/kazimsarikaya/turnstone-go/linker"
	"github.com/kazimsarikaya/turnstone-go/mem/frame"
	"github.com/kazimsarikaya/turnstone-go/mem/paging"
	"github.com/kazimsarikaya/turnstone-go/tosdb"
)

const imageBase = uint64(0x2000000)

func publishKernelModules(t *testing.T, store *linker.Store) uint64 {
	t.Helper()

	kernelID := linker.ModuleID("kernel")
	libID := linker.ModuleID("klib")

	require.NoError(t, store.AddModule(kernelID, "kernel"))
	require.NoError(t, store.AddModule(libID, "klib"))

	kernelText := []byte{0xe8, 0, 0, 0, 0, 0xc3, 0, 0}
	require.NoError(t, store.AddSection(kernelID, linker.SectionText, kernelText, uint64(len(kernelText))))
	require.NoError(t, store.AddSection(libID, linker.SectionText, []byte{0xc3, 0, 0, 0, 0, 0, 0, 0}, 8))

	require.NoError(t, store.AddSymbol(&linker.Symbol{
		ID:          linker.SymbolID(linker.ScopeGlobal, "", "kmain"),
		Name:        "kmain",
		ModuleID:    kernelID,
		SectionType: linker.SectionText,
		Type:        linker.SymbolTypeFunction,
		Scope:       linker.ScopeGlobal,
		Size:        8,
	}))
	require.NoError(t, store.AddSymbol(&linker.Symbol{
		ID:          linker.SymbolID(linker.ScopeGlobal, "", "klib_init"),
		Name:        "klib_init",
		ModuleID:    libID,
		SectionType: linker.SectionText,
		Type:        linker.SymbolTypeFunction,
		Scope:       linker.ScopeGlobal,
		Size:        1,
	}))
	require.NoError(t, store.AddRelocation(kernelID, 0, &linker.RelocationEntry{
		SectionType: linker.SectionText,
		Type:        linker.Reloc64_PC32,
		SymbolID:    linker.SymbolID(linker.ScopeGlobal, "", "klib_init"),
		Offset:      1,
		Addend:      ^uint64(3),
	}))

	return kernelID
}

// The full path: store modules in TOSDB, persist and reopen the database,
// link from the reopened store, emit a TOSELF image with a page table, and
// verify the image through the paging engine.
func TestModuleStoreLinkLoadRoundTrip(t *testing.T) {
	backend := tosdb.NewMemoryBackend(64 << 20)
	tdb, err := tosdb.New(backend, nil)
	require.NoError(t, err)

	db, err := tdb.DatabaseCreateOrOpen("system")
	require.NoError(t, err)
	store, err := linker.OpenStore(db)
	require.NoError(t, err)
	kernelID := publishKernelModules(t, store)
	require.NoError(t, tdb.Close())

	// reopen: the linker must see exactly what was persisted
	tdb2, err := tosdb.Open(backend, nil)
	require.NoError(t, err)
	db2, err := tdb2.DatabaseCreateOrOpen("system")
	require.NoError(t, err)
	store2, err := linker.OpenStore(db2)
	require.NoError(t, err)

	fa, err := frame.NewAllocator([]frame.Frame{
		{Address: 0x1000000, Count: 0x4000, Type: frame.TypeFree},
	})
	require.NoError(t, err)

	// the page-table build draws from a pre-reserved run, the way paging
	// bootstraps before the allocator is live
	helper, err := fa.Allocate(2*paging.InternalFramesMaxCount+1, frame.TypeReserved, frame.AttrReservedPageMapped)
	require.NoError(t, err)

	ctx, err := linker.Link(store2, kernelID, linker.Options{
		ProgramStartVirtual:   imageBase,
		ProgramStartPhysical:  imageBase,
		EntryPointSymbol:      "kmain",
		PageTableHelperFrames: helper.Address,
	})
	require.NoError(t, err)

	img, err := ctx.DumpProgram(linker.DumpAll)
	require.NoError(t, err)
	require.NotEmpty(t, img)

	// entry trampoline points into the image's text
	assert.EqualValues(t, 0xE9, img[0])
	disp := int32(binary.LittleEndian.Uint32(img[1:5]))
	entry := uint64(int64(imageBase) + 5 + int64(disp))
	assert.Equal(t, ctx.EntryPointVA(), entry)
	assert.GreaterOrEqual(t, entry, imageBase)
	assert.Less(t, entry, imageBase+ctx.ImageSize())

	// every mapped section round-trips through the page table
	ptc := ctx.PageTableContext()
	require.NotNil(t, ptc)
	for off := uint64(0); off < ctx.ImageSize(); off += memmath.PageSize4K {
		pa, perr := ptc.PhysicalAddress(imageBase + off)
		if perr != nil {
			continue // unmapped gap between blocks
		}
		assert.Equal(t, imageBase+off, pa)
	}

	// reserved-VA convention holds for the page-table root
	root := ptc.RootFrame()
	assert.Equal(t, root, paging.FAForReservedVA(paging.VAForReservedFA(root)))
}

// The EFI emission of the same closure is a well-formed PE the firmware
// loader would accept.
func TestKernelEFIEmission(t *testing.T) {
	backend := tosdb.NewMemoryBackend(64 << 20)
	tdb, err := tosdb.New(backend, nil)
	require.NoError(t, err)
	db, err := tdb.DatabaseCreateOrOpen("system")
	require.NoError(t, err)
	store, err := linker.OpenStore(db)
	require.NoError(t, err)
	kernelID := publishKernelModules(t, store)

	ctx, err := linker.Link(store, kernelID, linker.Options{
		ProgramStartVirtual:  imageBase,
		ProgramStartPhysical: imageBase,
		EntryPointSymbol:     "kmain",
	})
	require.NoError(t, err)

	pe, err := ctx.BuildEFI()
	require.NoError(t, err)
	assert.Equal(t, []byte{'M', 'Z'}, pe[0:2])
}
