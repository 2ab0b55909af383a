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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kazimsarikaya/turnstone-go/tosdb"
)

const (
	testImageBase = uint64(0x400000)
	negFour       = ^uint64(3) // addend -4
)

func testStore(t *testing.T) *Store {
	t.Helper()
	backend := tosdb.NewMemoryBackend(64 << 20)
	tdb, err := tosdb.New(backend, nil)
	require.NoError(t, err)
	db, err := tdb.DatabaseCreateOrOpen("system")
	require.NoError(t, err)
	store, err := OpenStore(db)
	require.NoError(t, err)
	return store
}

// publishTwoModules stores module app whose text calls f, defined by module
// lib, through an R_X86_64_PC32 call relocation.
func publishTwoModules(t *testing.T, store *Store) (appID, libID uint64) {
	t.Helper()

	appID = ModuleID("app")
	libID = ModuleID("lib")

	require.NoError(t, store.AddModule(appID, "app"))
	require.NoError(t, store.AddModule(libID, "lib"))

	// app text: call rel32 (e8 xx xx xx xx) then ret
	appText := []byte{0xe8, 0, 0, 0, 0, 0xc3, 0, 0}
	require.NoError(t, store.AddSection(appID, SectionText, appText, uint64(len(appText))))

	// lib text: f: ret, padded
	libText := []byte{0xc3, 0x90, 0x90, 0x90, 0x90, 0x90, 0x90, 0x90}
	require.NoError(t, store.AddSection(libID, SectionText, libText, uint64(len(libText))))

	require.NoError(t, store.AddSymbol(&Symbol{
		ID:          SymbolID(ScopeGlobal, "", "main"),
		Name:        "main",
		ModuleID:    appID,
		SectionType: SectionText,
		Type:        SymbolTypeFunction,
		Scope:       ScopeGlobal,
		Size:        uint64(len(appText)),
	}))
	require.NoError(t, store.AddSymbol(&Symbol{
		ID:          SymbolID(ScopeGlobal, "", "f"),
		Name:        "f",
		ModuleID:    libID,
		SectionType: SectionText,
		Type:        SymbolTypeFunction,
		Scope:       ScopeGlobal,
		Size:        1,
	}))

	require.NoError(t, store.AddRelocation(appID, 0, &RelocationEntry{
		SectionType: SectionText,
		Type:        Reloc64_PC32,
		SymbolID:    SymbolID(ScopeGlobal, "", "f"),
		Offset:      1,
		Addend:      negFour,
	}))

	return appID, libID
}

func testLink(t *testing.T, store *Store, appID uint64, opts Options) *Context {
	t.Helper()
	if opts.ProgramStartVirtual == 0 {
		opts.ProgramStartVirtual = testImageBase
		opts.ProgramStartPhysical = testImageBase
	}
	if opts.EntryPointSymbol == "" {
		opts.EntryPointSymbol = "main"
	}
	ctx, err := Link(store, appID, opts)
	require.NoError(t, err)
	return ctx
}

// Module B defines f called by module A via PC32: the emitted text at the
// call site encodes address_of(f) - (address_of_call_site + 4).
func TestTwoModulePC32Call(t *testing.T) {
	store := testStore(t)
	appID, libID := publishTwoModules(t, store)
	ctx := testLink(t, store, appID, Options{})

	app := ctx.modules[appID]
	lib := ctx.modules[libID]
	require.NotNil(t, app)
	require.NotNil(t, lib)

	fVA := lib.Sections[SectionText].VirtualStart
	relSiteVA := app.Sections[SectionText].VirtualStart + 1

	got := int32(binary.LittleEndian.Uint32(app.Sections[SectionText].Data[1:5]))
	want := int32(int64(fVA) - int64(relSiteVA+4))
	assert.Equal(t, want, got)

	// closure-visit order: the root module leads the image
	assert.Equal(t, []uint64{appID, libID}, ctx.moduleOrder)
	assert.Equal(t, app.VirtualStart, app.Sections[SectionText].VirtualStart)
}

func TestAllGOTEntriesResolvedAndBinded(t *testing.T) {
	store := testStore(t)
	appID, _ := publishTwoModules(t, store)
	ctx := testLink(t, store, appID, Options{})

	require.True(t, ctx.IsAllSymbolsResolved())
	for i := 1; i < len(ctx.got); i++ {
		assert.True(t, ctx.got[i].Resolved, "entry %d", i)
		assert.True(t, ctx.got[i].Binded, "entry %d", i)
	}
	// entry 1 is the GOT itself
	assert.EqualValues(t, ctx.GOTVA(), ctx.got[1].EntryValue)
}

func TestUnresolvedSymbolFailsLink(t *testing.T) {
	store := testStore(t)

	id := ModuleID("broken")
	require.NoError(t, store.AddModule(id, "broken"))
	require.NoError(t, store.AddSection(id, SectionText, []byte{0xe8, 0, 0, 0, 0}, 5))
	require.NoError(t, store.AddRelocation(id, 0, &RelocationEntry{
		SectionType: SectionText,
		Type:        Reloc64_PC32,
		SymbolID:    SymbolID(ScopeGlobal, "", "missing"),
		Offset:      1,
		Addend:      negFour,
	}))

	_, err := Link(store, id, Options{ProgramStartVirtual: testImageBase})
	assert.ErrorIs(t, err, ErrResolverUnresolved)
}

func TestDuplicateSymbolRejectedByStore(t *testing.T) {
	store := testStore(t)
	appID, libID := publishTwoModules(t, store)
	_ = appID

	// same id, different content
	err := store.AddSymbol(&Symbol{
		ID:          SymbolID(ScopeGlobal, "", "f"),
		Name:        "f",
		ModuleID:    libID,
		SectionType: SectionText,
		Type:        SymbolTypeFunction,
		Scope:       ScopeGlobal,
		Value:       4,
		Size:        1,
	})
	assert.ErrorIs(t, err, ErrDuplicateSymbol)

	// identical content deduplicates silently
	err = store.AddSymbol(&Symbol{
		ID:          SymbolID(ScopeGlobal, "", "f"),
		Name:        "f",
		ModuleID:    libID,
		SectionType: SectionText,
		Type:        SymbolTypeFunction,
		Scope:       ScopeGlobal,
		Size:        1,
	})
	assert.NoError(t, err)
}

func TestRelocationOverflow(t *testing.T) {
	store := testStore(t)

	id := ModuleID("far")
	require.NoError(t, store.AddModule(id, "far"))
	require.NoError(t, store.AddSection(id, SectionText, []byte{0, 0, 0, 0}, 4))
	require.NoError(t, store.AddSymbol(&Symbol{
		ID:          SymbolID(ScopeGlobal, "", "here"),
		Name:        "here",
		ModuleID:    id,
		SectionType: SectionText,
		Type:        SymbolTypeObject,
		Scope:       ScopeGlobal,
	}))
	require.NoError(t, store.AddRelocation(id, 0, &RelocationEntry{
		SectionType: SectionText,
		Type:        Reloc64_16,
		SymbolID:    SymbolID(ScopeGlobal, "", "here"),
		Offset:      0,
	}))

	// a 16-bit slot cannot hold an address beyond 64K
	_, err := Link(store, id, Options{ProgramStartVirtual: 0x40000000, EntryPointSymbol: "here"})
	assert.ErrorIs(t, err, ErrRelocationOverflow)
}

func TestTOSELFHeader(t *testing.T) {
	store := testStore(t)
	appID, _ := publishTwoModules(t, store)
	ctx := testLink(t, store, appID, Options{})

	img, err := ctx.DumpProgram(DumpAllWithoutPageTable | DumpSymbols)
	require.NoError(t, err)

	assert.EqualValues(t, toselfJmpOpcode, img[0])
	assert.Equal(t, []byte(toselfMagic), img[5:12])

	disp := int32(binary.LittleEndian.Uint32(img[1:5]))
	assert.EqualValues(t, ctx.EntryPointVA(), uint64(int64(testImageBase)+5+int64(disp)))

	totalSize := binary.LittleEndian.Uint64(img[hdrOffTotalSize:])
	assert.EqualValues(t, len(img), totalSize)
	assert.EqualValues(t, testImageBase, binary.LittleEndian.Uint64(img[hdrOffHeaderVA:]))

	// trampoline slot is 256-byte aligned and jumps to the entry as well
	assert.EqualValues(t, toselfJmpOpcode, img[toselfTrampolineOff])
	tdisp := int32(binary.LittleEndian.Uint32(img[toselfTrampolineOff+1:]))
	assert.EqualValues(t, ctx.EntryPointVA(),
		uint64(int64(testImageBase)+toselfTrampolineOff+5+int64(tdisp)))

	// the call site reaches the image verbatim
	textOff := ctx.sectionOffset[SectionText]
	assert.EqualValues(t, 0xe8, img[textOff])
}

// Relinking the same closure produces identical bytes.
func TestRelinkIsDeterministic(t *testing.T) {
	store := testStore(t)
	appID, _ := publishTwoModules(t, store)

	ctx1 := testLink(t, store, appID, Options{})
	img1, err := ctx1.DumpProgram(DumpAllWithoutPageTable | DumpSymbols)
	require.NoError(t, err)

	ctx2 := testLink(t, store, appID, Options{})
	img2, err := ctx2.DumpProgram(DumpAllWithoutPageTable | DumpSymbols)
	require.NoError(t, err)

	assert.True(t, bytes.Equal(img1, img2))
}

func TestBuildPageTableForImage(t *testing.T) {
	store := testStore(t)
	appID, _ := publishTwoModules(t, store)
	ctx := testLink(t, store, appID, Options{PageTableHelperFrames: 0x1000000})

	img, err := ctx.DumpProgram(DumpAll)
	require.NoError(t, err)

	ptc := ctx.PageTableContext()
	require.NotNil(t, ptc)

	// the header records the page table root
	assert.EqualValues(t, ptc.RootFrame(), binary.LittleEndian.Uint64(img[hdrOffPageTableCtx:]))

	// text maps at its physical address
	pa, err := ptc.PhysicalAddress(testImageBase + ctx.sectionOffset[SectionText])
	require.NoError(t, err)
	assert.EqualValues(t, testImageBase+ctx.sectionOffset[SectionText], pa)
}

func TestBuildEFIImage(t *testing.T) {
	store := testStore(t)
	appID, _ := publishTwoModules(t, store)
	ctx := testLink(t, store, appID, Options{})

	img, err := ctx.BuildEFI()
	require.NoError(t, err)

	assert.Equal(t, byte('M'), img[0])
	assert.Equal(t, byte('Z'), img[1])

	peOff := binary.LittleEndian.Uint32(img[0x3c:])
	assert.Equal(t, []byte{'P', 'E', 0, 0}, img[peOff:peOff+4])

	machine := binary.LittleEndian.Uint16(img[peOff+4:])
	assert.EqualValues(t, peMachineAMD64, machine)

	// optional header magic and EFI application subsystem
	optOff := peOff + 4 + 20
	assert.EqualValues(t, 0x20b, binary.LittleEndian.Uint16(img[optOff:]))
	assert.EqualValues(t, peSubsystemEFIApp, binary.LittleEndian.Uint16(img[optOff+68:]))
}

func TestPLTStubThroughGOT(t *testing.T) {
	store := testStore(t)
	appID, libID := publishTwoModules(t, store)
	_ = libID

	// a second reference through the PLT
	require.NoError(t, store.AddRelocation(appID, 1, &RelocationEntry{
		SectionType: SectionText,
		Type:        Reloc64_PLTOFF64,
		SymbolID:    SymbolID(ScopeGlobal, "", "f"),
		Offset:      6,
	}))

	// widen app text so the 8-byte slot at offset 6 exists
	appText := []byte{0xe8, 0, 0, 0, 0, 0xc3, 0, 0, 0, 0, 0, 0, 0, 0}
	require.NoError(t, store.AddSection(appID, SectionText, appText, uint64(len(appText))))

	ctx := testLink(t, store, appID, Options{})
	app := ctx.modules[appID]

	off, ok := app.PLTOffsets[SymbolID(ScopeGlobal, "", "f")]
	require.True(t, ok)

	plt := app.Sections[SectionPLT]
	assert.EqualValues(t, pltStubSize, plt.Size)
	// ff 25: jmp through the symbol's GOT slot
	assert.Equal(t, byte(0xff), plt.Data[off])
	assert.Equal(t, byte(0x25), plt.Data[off+1])

	idx := ctx.gotSymbolIndex[SymbolID(ScopeGlobal, "", "f")]
	entryVA := ctx.GOTVA() + idx*gotEntrySize
	rel32 := int32(binary.LittleEndian.Uint32(plt.Data[off+2:]))
	assert.EqualValues(t, entryVA, uint64(int64(plt.VirtualStart+off)+6+int64(rel32)))

	// the PLTOFF64 slot in text holds PLT(S) + A - GOT
	slot := binary.LittleEndian.Uint64(app.Sections[SectionText].Data[6:14])
	assert.EqualValues(t, plt.VirtualStart+off-ctx.GOTVA(), slot)
}
