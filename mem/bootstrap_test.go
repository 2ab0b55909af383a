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

package mem

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kazimsarikaya/turnstone-go/mem/frame"
	"github.com/kazimsarikaya/turnstone-go/mem/paging"
)

func TestBootstrap(t *testing.T) {
	memoryMap := []frame.Frame{
		{Address: 0x100000, Count: 0x8000, Type: frame.TypeFree},
	}

	sys, err := Bootstrap(memoryMap, 0x100000)
	require.NoError(t, err)
	require.NotNil(t, sys.Frames)
	require.NotNil(t, sys.Root)

	// the root context is installed
	assert.Same(t, sys.Root, paging.SwitchTable(nil))

	// the bootstrap run is reserved, not allocatable
	hit := sys.Frames.ReservedFramesOf(0x100000)
	require.NotNil(t, hit)
	assert.EqualValues(t, BootstrapFrameCount, hit.Count)

	// post-handoff mappings draw node frames from the allocator
	free := sys.Frames.FreeFrameCount()
	require.NoError(t, sys.Root.AddPage(0x40000000, 0x5000, paging.PageType4K))
	assert.Less(t, sys.Frames.FreeFrameCount(), free)
}

func TestIdentityMapRange(t *testing.T) {
	sys, err := Bootstrap([]frame.Frame{
		{Address: 0x100000, Count: 0x8000, Type: frame.TypeFree},
	}, 0x100000)
	require.NoError(t, err)

	require.NoError(t, sys.IdentityMapRange(0x3000000, 0x10000))

	va := paging.VAForReservedFA(0x3000000)
	pa, err := sys.Root.PhysicalAddress(va)
	require.NoError(t, err)
	assert.EqualValues(t, 0x3000000, pa)
}
