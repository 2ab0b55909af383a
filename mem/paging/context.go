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
	"errors"
	"fmt"
	"sync"

	"github.com/kazimsarikaya/turnstone-go/common/memmath"
	"github.com/kazimsarikaya/turnstone-go/log"
	"github.com/kazimsarikaya/turnstone-go/mem/frame"
)

var (
	ErrOutOfPool       = errors.New("internal frame pool exhausted")
	ErrAlreadyMapped   = errors.New("virtual address already mapped")
	ErrNotMapped       = errors.New("virtual address not mapped")
	ErrInvalidArgument = errors.New("invalid argument")
)

// InternalFramesMaxCount is the size of each of the two pre-reserved frame
// pools a context carries for interior-node allocation before the global
// allocator is live.
const InternalFramesMaxCount = 0x200

// InitState is the context's bring-up state machine.
type InitState uint8

const (
	InitStateUninitialized InitState = iota
	InitStateInitializing
	InitStateInitialized
)

type framePool struct {
	start   uint64
	count   uint64
	current uint64
}

func (p *framePool) pop() (uint64, bool) {
	if p.current >= p.count {
		return 0, false
	}
	fa := p.start + p.current*memmath.PageSize4K
	p.current++
	return fa, true
}

// Context is one 4-level page-table tree plus the frame pools that feed its
// interior nodes while the global frame allocator is unavailable. The root
// frame of a live context is always a reserved frame.
type Context struct {
	mu sync.Mutex

	rootFrame uint64
	nodes     map[uint64]*table
	// fromPool records node frames drawn from the internal pools; they are
	// not returned to the global allocator on destroy.
	fromPool map[uint64]bool

	initState   InitState
	pool1       framePool
	pool2       framePool
	helperFrame uint64

	alloc *frame.Allocator
	lg    log.Logger
}

// BuildEmptyTable constructs a context whose internal pools start at the
// given pre-reserved frame address: two pools of InternalFramesMaxCount
// frames each, then one helper frame. The root node comes from the first
// pool. The context starts in Initializing state and draws every node frame
// from its pools until an allocator is attached.
func BuildEmptyTable(internalFrame uint64) (*Context, error) {
	if !memmath.IsAligned(internalFrame, memmath.PageSize4K) {
		return nil, fmt.Errorf("%w: internal frame 0x%x not page aligned", ErrInvalidArgument, internalFrame)
	}

	ctx := &Context{
		nodes:    make(map[uint64]*table),
		fromPool: make(map[uint64]bool),
		pool1: framePool{
			start: internalFrame,
			count: InternalFramesMaxCount,
		},
		pool2: framePool{
			start: internalFrame + InternalFramesMaxCount*memmath.PageSize4K,
			count: InternalFramesMaxCount,
		},
		helperFrame: internalFrame + 2*InternalFramesMaxCount*memmath.PageSize4K,
		initState:   InitStateInitializing,
		lg:          log.New("module", "paging"),
	}

	root, err := ctx.allocNodeLocked()
	if err != nil {
		return nil, err
	}
	ctx.rootFrame = root

	return ctx, nil
}

// AttachAllocator hands the context the global frame allocator and moves it
// to Initialized; node frames are drawn from the allocator from here on.
func (ctx *Context) AttachAllocator(fa *frame.Allocator) {
	ctx.mu.Lock()
	defer ctx.mu.Unlock()
	ctx.alloc = fa
	ctx.initState = InitStateInitialized
}

// RootFrame returns the physical frame the tree is rooted at.
func (ctx *Context) RootFrame() uint64 {
	ctx.mu.Lock()
	defer ctx.mu.Unlock()
	return ctx.rootFrame
}

// InitState returns the context's bring-up state.
func (ctx *Context) InitState() InitState {
	ctx.mu.Lock()
	defer ctx.mu.Unlock()
	return ctx.initState
}

// HelperFrame returns the context's helper frame address.
func (ctx *Context) HelperFrame() uint64 {
	return ctx.helperFrame
}

// NodeCount returns how many table nodes the tree holds.
func (ctx *Context) NodeCount() int {
	ctx.mu.Lock()
	defer ctx.mu.Unlock()
	return len(ctx.nodes)
}

// allocNodeLocked produces a zeroed table node backed by a fresh frame.
// During Initializing it only draws from the pools; pool exhaustion there is
// loud and final for this operation, never silent corruption.
func (ctx *Context) allocNodeLocked() (uint64, error) {
	var fa uint64
	var fromPool, allocated bool

	if ctx.initState == InitStateInitialized && ctx.alloc != nil {
		if f, err := ctx.alloc.Allocate(1, frame.TypeReserved, frame.AttrReservedPageMapped); err == nil {
			fa = f.Address
			allocated = true
		}
		// on allocator exhaustion fall through to the pools
	}

	if !allocated {
		var ok bool
		if fa, ok = ctx.pool1.pop(); ok {
			fromPool = true
		} else if fa, ok = ctx.pool2.pop(); ok {
			fromPool = true
		} else {
			ctx.lg.Crit("internal frame pools exhausted", "pool1", ctx.pool1.count, "pool2", ctx.pool2.count)
			return 0, ErrOutOfPool
		}
	}

	ctx.nodes[fa] = &table{}
	if fromPool {
		ctx.fromPool[fa] = true
	}
	return fa, nil
}

// node returns the table backing a node frame.
func (ctx *Context) node(fa uint64) *table {
	return ctx.nodes[fa]
}

var (
	currentMu   sync.Mutex
	currentRoot *Context
)

// SwitchTable atomically installs ctx as the active root context and returns
// the previous one. Passing nil only reads the current root.
func SwitchTable(ctx *Context) *Context {
	currentMu.Lock()
	defer currentMu.Unlock()

	prev := currentRoot
	if ctx != nil {
		currentRoot = ctx
	}
	return prev
}
