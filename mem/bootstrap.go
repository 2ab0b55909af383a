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

// Package mem wires the frame allocator and the root page-table context
// together the way the kernel entrypoint does at boot: paging first, from
// pre-reserved pools, then the allocator over the firmware memory map, then
// the handoff that lets paging draw from the allocator.
package mem

import (
	"fmt"

	"github.com/kazimsarikaya/turnstone-go/common/memmath"
	"github.com/kazimsarikaya/turnstone-go/log"
	"github.com/kazimsarikaya/turnstone-go/mem/frame"
	"github.com/kazimsarikaya/turnstone-go/mem/paging"
)

// BootstrapFrameCount is how many pre-reserved frames a bring-up needs:
// two internal pools plus the helper frame.
const BootstrapFrameCount = 2*paging.InternalFramesMaxCount + 1

// System is the installed memory substrate: the per-process singletons,
// held as explicit handles.
type System struct {
	Frames *frame.Allocator
	Root   *paging.Context
}

// Bootstrap brings the memory substrate up from a firmware memory map and
// the address of a pre-reserved bootstrap frame run. The returned root
// context is installed as the active page table.
func Bootstrap(memoryMap []frame.Frame, bootstrapFrames uint64) (*System, error) {
	lg := log.New("module", "mem")

	root, err := paging.BuildEmptyTable(bootstrapFrames)
	if err != nil {
		return nil, fmt.Errorf("cannot build root page table: %w", err)
	}

	fa, err := frame.NewAllocator(memoryMap)
	if err != nil {
		return nil, fmt.Errorf("cannot build frame allocator: %w", err)
	}

	// the bootstrap run is spoken for; it must never be handed out again
	if _, err = fa.Reserve(bootstrapFrames, BootstrapFrameCount, frame.TypeReserved); err != nil {
		return nil, fmt.Errorf("cannot reserve bootstrap frames: %w", err)
	}

	root.AttachAllocator(fa)
	paging.SwitchTable(root)

	lg.Info("memory substrate installed",
		"free_frames", fa.FreeFrameCount(),
		"root_frame", fmt.Sprintf("0x%x", root.RootFrame()))

	return &System{Frames: fa, Root: root}, nil
}

// IdentityMapRange maps a physical range at its reserved virtual address
// into the root context, the mapping boot guarantees for reserved frames.
func (s *System) IdentityMapRange(address, size uint64) error {
	start := memmath.AlignDown(address, memmath.PageSize4K)
	end := memmath.AlignUp(address+size, memmath.PageSize4K)

	run := &frame.Frame{
		Address: start,
		Count:   (end - start) / memmath.PageSize4K,
		Type:    frame.TypeReserved,
		Attrs:   frame.AttrReservedPageMapped,
	}
	return s.Root.AddVAForFrame(paging.VAForReservedFA(start), run, paging.PageType4K|paging.PageType2M)
}
