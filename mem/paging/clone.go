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

// Clone deep-copies the tree into freshly allocated node frames. Leaf
// mappings still point at the original backing frames. On allocator
// exhaustion the partially built clone is freed before returning.
func (ctx *Context) Clone() (*Context, error) {
	ctx.mu.Lock()
	defer ctx.mu.Unlock()

	if ctx.alloc == nil {
		return nil, fmt.Errorf("%w: clone needs the global allocator", ErrInvalidArgument)
	}

	clone := &Context{
		nodes:     make(map[uint64]*table, len(ctx.nodes)),
		fromPool:  make(map[uint64]bool),
		initState: InitStateInitialized,
		alloc:     ctx.alloc,
		lg:        ctx.lg,
	}

	root, err := clone.cloneNode(ctx, ctx.rootFrame, 0)
	if err != nil {
		clone.destroyLocked()
		return nil, err
	}
	clone.rootFrame = root

	return clone, nil
}

// cloneNode copies one tree node of src into a fresh frame of the clone,
// recursing into present non-hugepage children.
func (clone *Context) cloneNode(src *Context, nodeFA uint64, level int) (uint64, error) {
	fa, err := clone.allocNodeLocked()
	if err != nil {
		return 0, err
	}

	srcT := src.node(nodeFA)
	dstT := clone.node(fa)
	*dstT = *srcT

	if level == 3 {
		return fa, nil
	}

	for i := 0; i < indexCount; i++ {
		e := srcT[i]
		if !e.present() || e.hugepage() {
			continue
		}
		child, err := clone.cloneNode(src, e.address(), level+1)
		if err != nil {
			return 0, err
		}
		dstT[i] = e.withAddress(child)
	}

	return fa, nil
}

// CloneToFrames copies the tree into a run of consecutive frames starting at
// targetFA, in breadth-first order with the root first. The caller owns the
// target run; NodeCount tells it how many frames to provide.
func (ctx *Context) CloneToFrames(targetFA uint64) (*Context, error) {
	ctx.mu.Lock()
	defer ctx.mu.Unlock()

	if !memmath.IsAligned(targetFA, memmath.PageSize4K) {
		return nil, fmt.Errorf("%w: target 0x%x not page aligned", ErrInvalidArgument, targetFA)
	}

	clone := &Context{
		nodes:     make(map[uint64]*table, len(ctx.nodes)),
		fromPool:  make(map[uint64]bool),
		initState: ctx.initState,
		alloc:     ctx.alloc,
		lg:        ctx.lg,
	}

	next := targetFA
	takeFrame := func() uint64 {
		fa := next
		next += memmath.PageSize4K
		clone.nodes[fa] = &table{}
		// target frames belong to the caller, never to the allocator
		clone.fromPool[fa] = true
		return fa
	}

	type pending struct {
		srcFA uint64
		dstFA uint64
		level int
	}

	clone.rootFrame = takeFrame()
	queue := []pending{{srcFA: ctx.rootFrame, dstFA: clone.rootFrame, level: 0}}

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]

		srcT := ctx.node(cur.srcFA)
		dstT := clone.node(cur.dstFA)
		*dstT = *srcT

		if cur.level == 3 {
			continue
		}

		for i := 0; i < indexCount; i++ {
			e := srcT[i]
			if !e.present() || e.hugepage() {
				continue
			}
			child := takeFrame()
			dstT[i] = e.withAddress(child)
			queue = append(queue, pending{srcFA: e.address(), dstFA: child, level: cur.level + 1})
		}
	}

	return clone, nil
}

// Destroy tears the tree down and returns every allocator-backed node frame.
// Pool-backed nodes die with the context; the pools' backing reservation is
// the builder's to release.
func (ctx *Context) Destroy() {
	ctx.mu.Lock()
	defer ctx.mu.Unlock()
	ctx.destroyLocked()
}

func (ctx *Context) destroyLocked() {
	for fa := range ctx.nodes {
		if ctx.fromPool[fa] {
			continue
		}
		if ctx.alloc != nil {
			if err := ctx.alloc.Free(&frame.Frame{Address: fa, Count: 1}); err != nil {
				ctx.lg.Error("cannot free page table node frame", "fa", fa, "err", err)
			}
		}
	}
	ctx.nodes = make(map[uint64]*table)
	ctx.fromPool = make(map[uint64]bool)
	ctx.rootFrame = 0
}
