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

package paging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kazimsarikaya/turnstone-go/common/memmath"
	"github.com/kazimsarikaya/turnstone-go/mem/frame"
)

const poolBase = 0x1000000

func testContext(t *testing.T) *Context {
	t.Helper()
	ctx, err := BuildEmptyTable(poolBase)
	require.NoError(t, err)
	return ctx
}

func testContextWithAllocator(t *testing.T) (*Context, *frame.Allocator) {
	t.Helper()
	ctx := testContext(t)
	fa, err := frame.NewAllocator([]frame.Frame{
		{Address: 0x10000000, Count: 0x4000, Type: frame.TypeFree},
	})
	require.NoError(t, err)
	ctx.AttachAllocator(fa)
	return ctx, fa
}

func TestReservedVAConversionRoundTrip(t *testing.T) {
	fa := uint64(0x12345000)
	va := VAForReservedFA(fa)
	assert.NotEqual(t, fa, va)
	assert.Equal(t, fa, FAForReservedVA(va))
	// the marker is a single high bit pattern
	assert.EqualValues(t, uint64(64)<<40, va&^fa)
}

func TestAddPageGetPhysicalRoundTrip(t *testing.T) {
	ctx := testContext(t)

	va := uint64(0xffff_8000_0000_0000 | 0x200000)
	pa := uint64(0x5000)
	require.NoError(t, ctx.AddPage(va, pa, PageType4K))

	got, err := ctx.PhysicalAddress(va)
	require.NoError(t, err)
	assert.Equal(t, pa, got)

	// offset bits survive the walk
	got, err = ctx.PhysicalAddress(va + 0x123)
	require.NoError(t, err)
	assert.Equal(t, pa+0x123, got)
}

func TestAddPageAlreadyMapped(t *testing.T) {
	ctx := testContext(t)

	require.NoError(t, ctx.AddPage(0x400000, 0x5000, PageType4K))
	// same backing is a no-op
	require.NoError(t, ctx.AddPage(0x400000, 0x5000, PageType4K))
	// different backing is refused
	err := ctx.AddPage(0x400000, 0x6000, PageType4K)
	assert.ErrorIs(t, err, ErrAlreadyMapped)
}

func TestHugepageGranularity(t *testing.T) {
	ctx := testContext(t)

	va2m := uint64(0x40000000)
	pa2m := uint64(0x200000)
	require.NoError(t, ctx.AddPage(va2m, pa2m, PageType2M))

	got, err := ctx.PhysicalAddress(va2m + 0x1234)
	require.NoError(t, err)
	assert.Equal(t, pa2m+0x1234, got)

	va1g := uint64(0x8000000000)
	pa1g := uint64(0x40000000)
	require.NoError(t, ctx.AddPage(va1g, pa1g, PageType1G))

	got, err = ctx.PhysicalAddress(va1g + 0x123456)
	require.NoError(t, err)
	assert.Equal(t, pa1g+0x123456, got)

	// unaligned addresses degrade to 4K even with the 2M flag set
	vaOdd := uint64(0x500000 + memmath.PageSize4K)
	require.NoError(t, ctx.AddPage(vaOdd, 0x7000, PageType2M))
	got, err = ctx.PhysicalAddress(vaOdd)
	require.NoError(t, err)
	assert.EqualValues(t, 0x7000, got)
}

func TestDeletePageReturnsBackingFrame(t *testing.T) {
	ctx := testContext(t)

	require.NoError(t, ctx.AddPage(0x400000, 0x9000, PageType4K))
	fa, err := ctx.DeletePage(0x400000)
	require.NoError(t, err)
	assert.EqualValues(t, 0x9000, fa)

	_, err = ctx.PhysicalAddress(0x400000)
	assert.ErrorIs(t, err, ErrNotMapped)
}

func TestToggleAttributesAndClearPage(t *testing.T) {
	ctx := testContext(t)

	require.NoError(t, ctx.AddPage(0x400000, 0x9000, PageType4K))
	require.NoError(t, ctx.ToggleAttributes(0x400000, PageTypeReadonly|PageTypeNoExec))
	require.NoError(t, ctx.SetUserAccessible(0x400000))
	require.NoError(t, ctx.ClearPage(0x400000, ClearDirty))
	require.NoError(t, ctx.ClearPage(0x400000, ClearAccessed))

	err := ctx.ClearPage(0x500000, ClearDirty)
	assert.ErrorIs(t, err, ErrNotMapped)
}

func TestAddVAForFrameBulkMapping(t *testing.T) {
	ctx := testContext(t)

	run := &frame.Frame{Address: 0x200000, Count: 16, Type: frame.TypeUsed}
	require.NoError(t, ctx.AddVAForFrame(0x600000, run, PageType4K))

	for i := uint64(0); i < run.Count; i++ {
		got, err := ctx.PhysicalAddress(0x600000 + i*memmath.PageSize4K)
		require.NoError(t, err)
		assert.Equal(t, run.Address+i*memmath.PageSize4K, got)
	}

	require.NoError(t, ctx.DeleteVAForFrame(0x600000, run))
	_, err := ctx.PhysicalAddress(0x600000)
	assert.ErrorIs(t, err, ErrNotMapped)
}

func TestPoolExhaustion(t *testing.T) {
	ctx := testContext(t)

	// without an allocator every interior node comes from the two pools;
	// spreading mappings across distinct p4 slots burns three nodes each
	var err error
	for i := uint64(0); i < 2*InternalFramesMaxCount; i++ {
		va := (i + 1) << 39 // distinct p4 index per mapping
		if err = ctx.AddPage(va&((1<<48)-1), 0x1000, PageType4K); err != nil {
			break
		}
	}
	assert.ErrorIs(t, err, ErrOutOfPool)
}

func TestCloneSharesLeavesNotNodes(t *testing.T) {
	ctx, _ := testContextWithAllocator(t)

	require.NoError(t, ctx.AddPage(0x400000, 0x9000, PageType4K))

	clone, err := ctx.Clone()
	require.NoError(t, err)

	got, err := clone.PhysicalAddress(0x400000)
	require.NoError(t, err)
	assert.EqualValues(t, 0x9000, got)

	// mutating the clone leaves the original untouched
	_, err = clone.DeletePage(0x400000)
	require.NoError(t, err)
	_, err = ctx.PhysicalAddress(0x400000)
	assert.NoError(t, err)
}

func TestCloneThenDestroyRestoresAllocator(t *testing.T) {
	ctx, fa := testContextWithAllocator(t)

	require.NoError(t, ctx.AddPage(0x400000, 0x9000, PageType4K))
	before := fa.FreeFrameCount()

	clone, err := ctx.Clone()
	require.NoError(t, err)
	assert.Less(t, fa.FreeFrameCount(), before)

	clone.Destroy()
	assert.Equal(t, before, fa.FreeFrameCount())
}

func TestCloneToFramesIsConsecutive(t *testing.T) {
	ctx := testContext(t)

	require.NoError(t, ctx.AddPage(0x400000, 0x9000, PageType4K))
	n := uint64(ctx.NodeCount())

	target := uint64(0x2000000)
	clone, err := ctx.CloneToFrames(target)
	require.NoError(t, err)

	assert.Equal(t, target, clone.RootFrame())
	assert.EqualValues(t, n, clone.NodeCount())

	got, err := clone.PhysicalAddress(0x400000)
	require.NoError(t, err)
	assert.EqualValues(t, 0x9000, got)
}

func TestSwitchTable(t *testing.T) {
	ctx := testContext(t)
	other := testContext(t)

	SwitchTable(ctx)
	assert.Same(t, ctx, SwitchTable(nil))

	prev := SwitchTable(other)
	assert.Same(t, ctx, prev)
	assert.Same(t, other, SwitchTable(nil))
}
