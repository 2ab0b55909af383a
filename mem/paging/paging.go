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
	"fmt"

	"github.com/kazimsarikaya/turnstone-go/common/memmath"
	"github.com/kazimsarikaya/turnstone-go/mem/frame"
)

func leafFlags(typ PageType) entry {
	e := flagPresent
	if typ&PageTypeReadonly == 0 {
		e |= flagWritable
	}
	if typ&PageTypeNoExec != 0 {
		e |= flagNoExec
	}
	if typ&PageTypeUserAccessible != 0 {
		e |= flagUser
	}
	if typ&PageTypeWillDelete != 0 {
		e |= flagOsWillDelete
	}
	return e
}

// AddPage installs a mapping at va pointing to fa. Granularity is 1G when
// the 1G flag is set and both addresses are 1G aligned, 2M when the 2M flag
// is set and both are 2M aligned, 4K otherwise. Remapping a slot with the
// same backing is a no-op; different backing is ErrAlreadyMapped.
func (ctx *Context) AddPage(va, fa uint64, typ PageType) error {
	ctx.mu.Lock()
	defer ctx.mu.Unlock()
	return ctx.addPageLocked(va, fa, typ)
}

func (ctx *Context) addPageLocked(va, fa uint64, typ PageType) error {
	if !memmath.IsAligned(va, memmath.PageSize4K) || !memmath.IsAligned(fa, memmath.PageSize4K) {
		return fmt.Errorf("%w: unaligned va 0x%x or fa 0x%x", ErrInvalidArgument, va, fa)
	}

	depth := 4
	if typ&PageType1G != 0 && memmath.IsAligned(va, memmath.PageSize1G) && memmath.IsAligned(fa, memmath.PageSize1G) {
		depth = 2
	} else if typ&PageType2M != 0 && memmath.IsAligned(va, memmath.PageSize2M) && memmath.IsAligned(fa, memmath.PageSize2M) {
		depth = 3
	}

	t := ctx.node(ctx.rootFrame)
	indexes := []int{p4Index(va), p3Index(va), p2Index(va), p1Index(va)}

	for level := 0; level < depth-1; level++ {
		slot := &t[indexes[level]]
		if !slot.present() {
			child, err := ctx.allocNodeLocked()
			if err != nil {
				return err
			}
			e := (flagPresent | flagWritable).withAddress(child)
			if typ&PageTypeUserAccessible != 0 {
				e |= flagUser
			}
			*slot = e
		} else if slot.hugepage() {
			return fmt.Errorf("%w: va 0x%x crosses existing hugepage", ErrAlreadyMapped, va)
		} else if typ&PageTypeUserAccessible != 0 {
			// user mappings need the user bit down the whole walk
			*slot |= flagUser
		}
		t = ctx.node(slot.address())
	}

	leaf := &t[indexes[depth-1]]
	if leaf.present() {
		if leaf.address() == fa {
			return nil
		}
		return fmt.Errorf("%w: va 0x%x backed by 0x%x, want 0x%x", ErrAlreadyMapped, va, leaf.address(), fa)
	}

	e := leafFlags(typ).withAddress(fa)
	if depth < 4 {
		e |= flagHugepage
	}
	*leaf = e

	return nil
}

// walkLocked returns the table and index holding the leaf entry for va, plus
// the mapped page size.
func (ctx *Context) walkLocked(va uint64) (*table, int, uint64, error) {
	t := ctx.node(ctx.rootFrame)
	indexes := []int{p4Index(va), p3Index(va), p2Index(va), p1Index(va)}
	sizes := []uint64{0, memmath.PageSize1G, memmath.PageSize2M, memmath.PageSize4K}

	for level := 0; level < 4; level++ {
		slot := t[indexes[level]]
		if !slot.present() {
			return nil, 0, 0, fmt.Errorf("%w: va 0x%x", ErrNotMapped, va)
		}
		if level == 3 || slot.hugepage() {
			return t, indexes[level], sizes[level], nil
		}
		t = ctx.node(slot.address())
	}
	panic("unreachable")
}

// PhysicalAddress walks the tree and returns the physical address va maps
// to, honoring whatever granularity the tree carries.
func (ctx *Context) PhysicalAddress(va uint64) (uint64, error) {
	ctx.mu.Lock()
	defer ctx.mu.Unlock()

	t, idx, size, err := ctx.walkLocked(va)
	if err != nil {
		return 0, err
	}
	return t[idx].address() | (va & (size - 1)), nil
}

// DeletePage removes the leaf mapping at va and returns its backing frame
// address. Interior nodes are not reclaimed here; Destroy handles them.
func (ctx *Context) DeletePage(va uint64) (uint64, error) {
	ctx.mu.Lock()
	defer ctx.mu.Unlock()

	t, idx, _, err := ctx.walkLocked(va)
	if err != nil {
		return 0, err
	}
	fa := t[idx].address()
	t[idx] = 0
	return fa, nil
}

// ToggleAttributes flips the readonly / noexec / user attributes named in
// typ on the leaf mapping at va.
func (ctx *Context) ToggleAttributes(va uint64, typ PageType) error {
	ctx.mu.Lock()
	defer ctx.mu.Unlock()

	t, idx, _, err := ctx.walkLocked(va)
	if err != nil {
		return err
	}
	if typ&PageTypeReadonly != 0 {
		t[idx] ^= flagWritable
	}
	if typ&PageTypeNoExec != 0 {
		t[idx] ^= flagNoExec
	}
	if typ&PageTypeUserAccessible != 0 {
		t[idx] ^= flagUser
	}
	return nil
}

// SetUserAccessible sets the user bit on the leaf at va and every interior
// entry on the walk to it.
func (ctx *Context) SetUserAccessible(va uint64) error {
	ctx.mu.Lock()
	defer ctx.mu.Unlock()

	t := ctx.node(ctx.rootFrame)
	indexes := []int{p4Index(va), p3Index(va), p2Index(va), p1Index(va)}

	for level := 0; level < 4; level++ {
		slot := &t[indexes[level]]
		if !slot.present() {
			return fmt.Errorf("%w: va 0x%x", ErrNotMapped, va)
		}
		*slot |= flagUser
		if level == 3 || slot.hugepage() {
			return nil
		}
		t = ctx.node(slot.address())
	}
	return nil
}

// ClearPage resets the dirty or accessed bit the CPU set on the leaf at va.
func (ctx *Context) ClearPage(va uint64, which ClearType) error {
	ctx.mu.Lock()
	defer ctx.mu.Unlock()

	t, idx, _, err := ctx.walkLocked(va)
	if err != nil {
		return err
	}
	switch which {
	case ClearDirty:
		t[idx] &^= flagDirty
	case ClearAccessed:
		t[idx] &^= flagAccessed
	default:
		return ErrInvalidArgument
	}
	return nil
}

// AddVAForFrame maps a whole frame run starting at vaStart, choosing the
// largest granularity the run's alignment allows for each step.
func (ctx *Context) AddVAForFrame(vaStart uint64, frm *frame.Frame, typ PageType) error {
	if frm == nil {
		return ErrInvalidArgument
	}

	ctx.mu.Lock()
	defer ctx.mu.Unlock()

	va := vaStart
	fa := frm.Address
	remaining := frm.Size()

	for remaining > 0 {
		step := uint64(memmath.PageSize4K)
		stepType := typ&^(PageType2M|PageType1G) | PageType4K
		if typ&PageType1G != 0 && remaining >= memmath.PageSize1G &&
			memmath.IsAligned(va, memmath.PageSize1G) && memmath.IsAligned(fa, memmath.PageSize1G) {
			step = memmath.PageSize1G
			stepType = typ&^PageType2M | PageType1G
		} else if typ&(PageType2M|PageType1G) != 0 && remaining >= memmath.PageSize2M &&
			memmath.IsAligned(va, memmath.PageSize2M) && memmath.IsAligned(fa, memmath.PageSize2M) {
			step = memmath.PageSize2M
			stepType = typ&^PageType1G | PageType2M
		}
		if err := ctx.addPageLocked(va, fa, stepType); err != nil {
			return err
		}
		va += step
		fa += step
		remaining -= step
	}
	return nil
}

// DeleteVAForFrame unmaps the frame run mapped at vaStart.
func (ctx *Context) DeleteVAForFrame(vaStart uint64, frm *frame.Frame) error {
	if frm == nil {
		return ErrInvalidArgument
	}

	ctx.mu.Lock()
	defer ctx.mu.Unlock()

	va := vaStart
	end := vaStart + frm.Size()

	for va < end {
		t, idx, size, err := ctx.walkLocked(va)
		if err != nil {
			return err
		}
		t[idx] = 0
		va += size
	}
	return nil
}
