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

package frame

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kazimsarikaya/turnstone-go/common/memmath"
)

func testAllocator(t *testing.T) *Allocator {
	t.Helper()
	fa, err := NewAllocator([]Frame{
		{Address: 0x100000, Count: 0x8000, Type: TypeFree}, // 128 MiB at 1 MiB
	})
	require.NoError(t, err)
	return fa
}

func assertNoOverlap(t *testing.T, fa *Allocator) {
	t.Helper()
	runs := fa.Snapshot()
	for i := 1; i < len(runs); i++ {
		assert.LessOrEqual(t, runs[i-1].End(), runs[i].Address,
			"runs %s and %s overlap", runs[i-1].String(), runs[i].String())
	}
}

func TestAllocateReturnsLeftmostFit(t *testing.T) {
	fa := testAllocator(t)

	f1, err := fa.Allocate(4, TypeUsed, 0)
	require.NoError(t, err)
	assert.EqualValues(t, 0x100000, f1.Address)
	assert.EqualValues(t, 4, f1.Count)

	f2, err := fa.Allocate(4, TypeUsed, 0)
	require.NoError(t, err)
	assert.EqualValues(t, f1.End(), f2.Address)

	assertNoOverlap(t, fa)
}

func TestLargeAllocationIs2MAligned(t *testing.T) {
	fa := testAllocator(t)

	// one page first so the free run starts unaligned
	_, err := fa.Allocate(1, TypeUsed, 0)
	require.NoError(t, err)

	f, err := fa.Allocate(framesPer2M, TypeUsed, 0)
	require.NoError(t, err)
	assert.True(t, memmath.IsAligned(f.Address, memmath.PageSize2M), "address 0x%x", f.Address)

	assertNoOverlap(t, fa)
}

func TestAllocateAtConflicts(t *testing.T) {
	fa := testAllocator(t)

	f, err := fa.AllocateAt(0x200000, 16, TypeUsed, 0)
	require.NoError(t, err)
	assert.EqualValues(t, 0x200000, f.Address)

	_, err = fa.AllocateAt(0x200000, 1, TypeUsed, 0)
	assert.ErrorIs(t, err, ErrConflict)

	_, err = fa.AllocateAt(0x200000+8*memmath.PageSize4K, 16, TypeUsed, 0)
	assert.ErrorIs(t, err, ErrConflict)
}

func TestFreeAndReallocate(t *testing.T) {
	fa := testAllocator(t)

	f, err := fa.Allocate(16, TypeUsed, 0)
	require.NoError(t, err)
	require.NoError(t, fa.Free(f))

	g, err := fa.Allocate(16, TypeUsed, 0)
	require.NoError(t, err)
	assert.EqualValues(t, f.Address, g.Address)
}

func TestFreeUnknownFrame(t *testing.T) {
	fa := testAllocator(t)
	err := fa.Free(&Frame{Address: 0x100000, Count: 1})
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

// Allocate a 4 MiB region, free its first 2 MiB, cleanup, then allocate
// 2 MiB again: the freed prefix must come back.
func TestFreePrefixThenReallocate(t *testing.T) {
	fa := testAllocator(t)

	const framesPer4M = 2 * framesPer2M
	f, err := fa.Allocate(framesPer4M, TypeUsed, 0)
	require.NoError(t, err)
	require.True(t, memmath.IsAligned(f.Address, memmath.PageSize2M))

	require.NoError(t, fa.Free(&Frame{Address: f.Address, Count: framesPer2M}))
	fa.Cleanup()

	g, err := fa.Allocate(framesPer2M, TypeUsed, 0)
	require.NoError(t, err)
	assert.EqualValues(t, f.Address, g.Address)

	assertNoOverlap(t, fa)
}

func TestReserveRejectsUsedOverlap(t *testing.T) {
	fa := testAllocator(t)

	f, err := fa.Allocate(8, TypeUsed, 0)
	require.NoError(t, err)

	_, err = fa.Reserve(f.Address, 4, TypeReserved)
	assert.ErrorIs(t, err, ErrConflict)
}

func TestReservedFramesOf(t *testing.T) {
	fa := testAllocator(t)

	r, err := fa.Reserve(0x300000, 8, TypeReserved)
	require.NoError(t, err)

	hit := fa.ReservedFramesOf(0x300000 + 3*memmath.PageSize4K)
	require.NotNil(t, hit)
	assert.Equal(t, r.Address, hit.Address)

	assert.Nil(t, fa.ReservedFramesOf(0x100000))
}

func TestMapAcpiCodeData(t *testing.T) {
	fa := testAllocator(t)

	require.NoError(t, fa.MapAcpiCodeData([]Frame{
		{Address: 0x400010, Count: 2}, // deliberately unaligned
	}))

	hit := fa.ReservedFramesOf(0x400000)
	require.NotNil(t, hit)
	assert.Equal(t, TypeAcpiReclaim, hit.Type)
}

func TestCleanupCoalesces(t *testing.T) {
	fa := testAllocator(t)

	var frames []*Frame
	for i := 0; i < 8; i++ {
		f, err := fa.Allocate(2, TypeUsed, 0)
		require.NoError(t, err)
		frames = append(frames, f)
	}
	for _, f := range frames {
		require.NoError(t, fa.Free(f))
	}
	fa.Cleanup()

	runs := fa.Snapshot()
	assert.Len(t, runs, 1)
	assert.Equal(t, TypeFree, runs[0].Type)
}

func TestOutOfFrames(t *testing.T) {
	fa, err := NewAllocator([]Frame{{Address: 0x100000, Count: 8, Type: TypeFree}})
	require.NoError(t, err)

	_, err = fa.Allocate(16, TypeUsed, 0)
	assert.ErrorIs(t, err, ErrOutOfFrames)
}

func TestFreeFrameCount(t *testing.T) {
	fa := testAllocator(t)
	before := fa.FreeFrameCount()

	f, err := fa.Allocate(32, TypeUsed, 0)
	require.NoError(t, err)
	assert.Equal(t, before-32, fa.FreeFrameCount())

	require.NoError(t, fa.Free(f))
	assert.Equal(t, before, fa.FreeFrameCount())
}
