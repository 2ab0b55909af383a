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

// Package frame owns all physical RAM as an ordered, non-overlapping set of
// frame runs. A frame run is a contiguous range of 4K physical pages tracked
// as one allocation unit.
package frame

import (
	"fmt"

	"github.com/kazimsarikaya/turnstone-go/common/memmath"
)

// Type classifies a frame run.
type Type uint8

const (
	TypeFree Type = iota
	TypeUsed
	TypeReserved
	TypeAcpiReclaim
)

func (t Type) String() string {
	switch t {
	case TypeFree:
		return "free"
	case TypeUsed:
		return "used"
	case TypeReserved:
		return "reserved"
	case TypeAcpiReclaim:
		return "acpi_reclaim"
	default:
		return fmt.Sprintf("type(%d)", uint8(t))
	}
}

// Attr is an attribute bitmask carried on a frame run.
type Attr uint64

const (
	// AttrAcpi marks runs published by firmware ACPI tables.
	AttrAcpi Attr = 1 << 0
	// AttrReservedPageMapped marks reserved runs already identity-mapped at
	// boot; their reserved VA is valid without an explicit mapping call.
	AttrReservedPageMapped Attr = 1 << 1
)

// Frame is a contiguous run of 4K physical pages.
type Frame struct {
	Address uint64 // physical start, 4K aligned
	Count   uint64 // run length in 4K units
	Type    Type
	Attrs   Attr
}

// End returns the first physical address past the run.
func (f *Frame) End() uint64 {
	return f.Address + f.Count*memmath.PageSize4K
}

// Size returns the run length in bytes.
func (f *Frame) Size() uint64 {
	return f.Count * memmath.PageSize4K
}

// Contains reports whether the physical address falls inside the run.
func (f *Frame) Contains(address uint64) bool {
	return address >= f.Address && address < f.End()
}

// Overlaps reports whether two runs share any page.
func (f *Frame) Overlaps(o *Frame) bool {
	return f.Address < o.End() && o.Address < f.End()
}

func (f *Frame) String() string {
	return fmt.Sprintf("frame{0x%x +%d %s}", f.Address, f.Count, f.Type)
}
