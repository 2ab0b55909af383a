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
	"errors"
	"fmt"
	"sync"

	"github.com/google/btree"

	"github.com/kazimsarikaya/turnstone-go/common/memmath"
	"github.com/kazimsarikaya/turnstone-go/log"
	"github.com/kazimsarikaya/turnstone-go/metrics"
)

var (
	ErrOutOfFrames     = errors.New("out of frames")
	ErrConflict        = errors.New("frame range conflict")
	ErrInvalidArgument = errors.New("invalid argument")
)

var allocatedFramesGauge = metrics.GetOrCreateGauge("frame_allocated_pages")

// framesPer2M is the run length at and above which Allocate returns a
// 2M-aligned run, splitting the leftmost fit and releasing the unaligned
// prefix back to the free set.
const framesPer2M = memmath.PageSize2M / memmath.PageSize4K

// Allocator tracks every physical frame run the machine owns. Runs never
// overlap; adjacent free runs are merged on Cleanup.
type Allocator struct {
	mu     sync.Mutex
	frames *btree.BTreeG[*Frame]
	lg     log.Logger
}

func lessByAddress(a, b *Frame) bool {
	return a.Address < b.Address
}

// NewAllocator seeds the allocator with the firmware memory map. Regions not
// 4K aligned are shrunk to their aligned interior. Overlapping map entries
// are rejected.
func NewAllocator(regions []Frame) (*Allocator, error) {
	fa := &Allocator{
		frames: btree.NewG[*Frame](32, lessByAddress),
		lg:     log.New("module", "frame"),
	}

	for i := range regions {
		r := regions[i]
		start := memmath.AlignUp(r.Address, memmath.PageSize4K)
		end := memmath.AlignDown(r.Address+r.Count*memmath.PageSize4K, memmath.PageSize4K)
		if end <= start {
			continue
		}
		r.Address = start
		r.Count = (end - start) / memmath.PageSize4K
		if fa.overlapsLocked(&r) != nil {
			return nil, fmt.Errorf("%w: memory map region %s overlaps", ErrConflict, r.String())
		}
		rc := r
		fa.frames.ReplaceOrInsert(&rc)
	}

	return fa, nil
}

// overlapsLocked returns the first tracked run overlapping f, if any.
func (fa *Allocator) overlapsLocked(f *Frame) *Frame {
	var hit *Frame
	// the only candidates are the last run starting at or before f and any
	// run starting inside f
	fa.frames.DescendLessOrEqual(f, func(cur *Frame) bool {
		if cur.Overlaps(f) {
			hit = cur
		}
		return false
	})
	if hit != nil {
		return hit
	}
	fa.frames.AscendGreaterOrEqual(f, func(cur *Frame) bool {
		if cur.Address == f.Address || cur.Overlaps(f) {
			hit = cur
		}
		return false
	})
	return hit
}

// Allocate finds the leftmost free run of at least count frames, carves the
// requested length out of it and returns it typed and attributed. Runs of a
// 2M region or more are returned 2M aligned; the unaligned prefix stays free.
func (fa *Allocator) Allocate(count uint64, typ Type, attrs Attr) (*Frame, error) {
	if count == 0 || typ == TypeFree {
		return nil, ErrInvalidArgument
	}

	fa.mu.Lock()
	defer fa.mu.Unlock()

	align := uint64(memmath.PageSize4K)
	if count >= framesPer2M {
		align = memmath.PageSize2M
	}

	var src *Frame
	var start uint64
	fa.frames.Ascend(func(cur *Frame) bool {
		if cur.Type != TypeFree {
			return true
		}
		s := memmath.AlignUp(cur.Address, align)
		if s+count*memmath.PageSize4K <= cur.End() {
			src = cur
			start = s
			return false
		}
		return true
	})

	if src == nil {
		return nil, fmt.Errorf("%w: no free run of %d frames", ErrOutOfFrames, count)
	}

	got := fa.carveLocked(src, start, count, typ, attrs)
	allocatedFramesGauge.Add(float64(count))
	return got, nil
}

// AllocateAt places a typed run at an exact physical address. Any overlap
// with a non-free run is a conflict.
func (fa *Allocator) AllocateAt(address, count uint64, typ Type, attrs Attr) (*Frame, error) {
	if count == 0 || typ == TypeFree || !memmath.IsAligned(address, memmath.PageSize4K) {
		return nil, ErrInvalidArgument
	}

	fa.mu.Lock()
	defer fa.mu.Unlock()

	want := &Frame{Address: address, Count: count}
	src := fa.overlapsLocked(want)
	if src == nil {
		// outside every tracked region: adopt it as a fresh run
		got := &Frame{Address: address, Count: count, Type: typ, Attrs: attrs}
		fa.frames.ReplaceOrInsert(got)
		allocatedFramesGauge.Add(float64(count))
		return got, nil
	}
	if src.Type != TypeFree || src.Address > address || src.End() < want.End() {
		return nil, fmt.Errorf("%w: 0x%x +%d overlaps %s", ErrConflict, address, count, src.String())
	}

	got := fa.carveLocked(src, address, count, typ, attrs)
	allocatedFramesGauge.Add(float64(count))
	return got, nil
}

// carveLocked splits [start, start+count*4K) out of the free run src.
func (fa *Allocator) carveLocked(src *Frame, start, count uint64, typ Type, attrs Attr) *Frame {
	fa.frames.Delete(src)

	if start > src.Address {
		fa.frames.ReplaceOrInsert(&Frame{
			Address: src.Address,
			Count:   (start - src.Address) / memmath.PageSize4K,
			Type:    TypeFree,
		})
	}

	got := &Frame{Address: start, Count: count, Type: typ, Attrs: attrs}
	fa.frames.ReplaceOrInsert(got)

	end := start + count*memmath.PageSize4K
	if end < src.End() {
		fa.frames.ReplaceOrInsert(&Frame{
			Address: end,
			Count:   (src.End() - end) / memmath.PageSize4K,
			Type:    TypeFree,
		})
	}

	return got
}

// Free returns a run, or a sub-run, to the free set. The range must lie
// entirely inside one tracked non-free record; a release straddling run
// boundaries means the caller holds a stale frame and the allocator state
// is corrupt, which is fatal.
func (fa *Allocator) Free(f *Frame) error {
	if f == nil || f.Count == 0 {
		return ErrInvalidArgument
	}

	fa.mu.Lock()
	defer fa.mu.Unlock()

	var cur *Frame
	fa.frames.DescendLessOrEqual(&Frame{Address: f.Address}, func(c *Frame) bool {
		cur = c
		return false
	})
	if cur == nil || !cur.Contains(f.Address) || cur.Type == TypeFree {
		return fmt.Errorf("%w: frame 0x%x is not allocated", ErrInvalidArgument, f.Address)
	}
	if f.End() > cur.End() {
		fa.lg.Crit("frame free straddles run boundary", "frame", f, "tracked", cur)
		panic("frame: free of overlapping run, allocator state corrupt")
	}

	typ, attrs := cur.Type, cur.Attrs
	fa.frames.Delete(cur)
	if f.Address > cur.Address {
		fa.frames.ReplaceOrInsert(&Frame{
			Address: cur.Address,
			Count:   (f.Address - cur.Address) / memmath.PageSize4K,
			Type:    typ,
			Attrs:   attrs,
		})
	}
	fa.frames.ReplaceOrInsert(&Frame{Address: f.Address, Count: f.Count, Type: TypeFree})
	if f.End() < cur.End() {
		fa.frames.ReplaceOrInsert(&Frame{
			Address: f.End(),
			Count:   (cur.End() - f.End()) / memmath.PageSize4K,
			Type:    typ,
			Attrs:   attrs,
		})
	}

	allocatedFramesGauge.Sub(float64(f.Count))
	return nil
}

// Reserve marks a range with the given type. Overlap against used frames is
// rejected; overlap with free runs carves them.
func (fa *Allocator) Reserve(address, count uint64, typ Type) (*Frame, error) {
	if typ != TypeReserved && typ != TypeAcpiReclaim {
		return nil, ErrInvalidArgument
	}

	fa.mu.Lock()
	defer fa.mu.Unlock()

	want := &Frame{Address: address, Count: count}
	src := fa.overlapsLocked(want)
	if src == nil {
		got := &Frame{Address: address, Count: count, Type: typ}
		fa.frames.ReplaceOrInsert(got)
		return got, nil
	}
	if src.Type == TypeUsed {
		return nil, fmt.Errorf("%w: reservation 0x%x +%d overlaps used run %s", ErrConflict, address, count, src.String())
	}
	if src.Type != TypeFree || src.Address > address || src.End() < want.End() {
		return nil, fmt.Errorf("%w: reservation 0x%x +%d overlaps %s", ErrConflict, address, count, src.String())
	}

	return fa.carveLocked(src, address, count, typ, 0), nil
}

// ReservedFramesOf returns the reserved run containing the address, or nil.
func (fa *Allocator) ReservedFramesOf(address uint64) *Frame {
	fa.mu.Lock()
	defer fa.mu.Unlock()

	var hit *Frame
	fa.frames.DescendLessOrEqual(&Frame{Address: address}, func(cur *Frame) bool {
		if cur.Contains(address) && (cur.Type == TypeReserved || cur.Type == TypeAcpiReclaim) {
			hit = cur
		}
		return false
	})
	return hit
}

// MapAcpiCodeData pre-reserves the ACPI regions advertised by firmware so
// later allocations never land on reclaimable tables.
func (fa *Allocator) MapAcpiCodeData(regions []Frame) error {
	for i := range regions {
		r := regions[i]
		start := memmath.AlignDown(r.Address, memmath.PageSize4K)
		end := memmath.AlignUp(r.End(), memmath.PageSize4K)
		if _, err := fa.Reserve(start, (end-start)/memmath.PageSize4K, TypeAcpiReclaim); err != nil {
			if errors.Is(err, ErrConflict) {
				// already carved by an earlier table; keep going
				fa.lg.Debug("acpi region already reserved", "address", r.Address)
				continue
			}
			return err
		}
	}
	return nil
}

// Cleanup merges adjacent free runs. Overlap discovered while merging is
// allocator corruption and fatal.
func (fa *Allocator) Cleanup() {
	fa.mu.Lock()
	defer fa.mu.Unlock()

	var prev *Frame
	var doomed []*Frame

	fa.frames.Ascend(func(cur *Frame) bool {
		if prev != nil && prev.End() > cur.Address {
			fa.lg.Crit("overlapping frame runs", "prev", prev, "cur", cur)
			panic("frame: overlapping runs, allocator state corrupt")
		}
		if prev != nil && prev.Type == TypeFree && cur.Type == TypeFree && prev.End() == cur.Address {
			prev.Count += cur.Count
			doomed = append(doomed, cur)
			return true
		}
		prev = cur
		return true
	})

	for _, d := range doomed {
		fa.frames.Delete(d)
	}
}

// FreeFrameCount returns the number of 4K frames currently free.
func (fa *Allocator) FreeFrameCount() uint64 {
	fa.mu.Lock()
	defer fa.mu.Unlock()

	var n uint64
	fa.frames.Ascend(func(cur *Frame) bool {
		if cur.Type == TypeFree {
			n += cur.Count
		}
		return true
	})
	return n
}

// Snapshot returns a copy of every tracked run in address order. Used by
// diagnostics and tests.
func (fa *Allocator) Snapshot() []Frame {
	fa.mu.Lock()
	defer fa.mu.Unlock()

	out := make([]Frame, 0, fa.frames.Len())
	fa.frames.Ascend(func(cur *Frame) bool {
		out = append(out, *cur)
		return true
	})
	return out
}
