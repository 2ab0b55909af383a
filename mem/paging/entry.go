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

// Package paging builds, clones, mutates and tears down 4-level x86_64 page
// tables. Tables are plain 512-entry arrays of 64-bit entries keyed by the
// physical frame that backs them, so a built tree can be copied verbatim into
// real frames by a loader.
package paging

const indexCount = 512

// entry is one 64-bit page-table entry in x86_64 long-mode layout.
type entry uint64

const (
	flagPresent      entry = 1 << 0
	flagWritable     entry = 1 << 1
	flagUser         entry = 1 << 2
	flagWriteThrough entry = 1 << 3
	flagCacheDisable entry = 1 << 4
	flagAccessed     entry = 1 << 5
	flagDirty        entry = 1 << 6
	flagHugepage     entry = 1 << 7
	flagGlobal       entry = 1 << 8
	// bits 9-11 are OS-available; bit 9 carries the will-delete mark
	flagOsWillDelete entry = 1 << 9
	flagNoExec       entry = 1 << 63
)

// physical-frame number field, bits 12..51
const entryAddressMask = ((1 << 40) - 1) << 12

func (e entry) present() bool  { return e&flagPresent != 0 }
func (e entry) hugepage() bool { return e&flagHugepage != 0 }

func (e entry) address() uint64 {
	return uint64(e) & entryAddressMask
}

func (e entry) withAddress(fa uint64) entry {
	return entry(uint64(e)&^uint64(entryAddressMask) | (fa & entryAddressMask))
}

// table is one page-table node: 512 entries, 4K when laid out in memory.
type table [indexCount]entry

// va index extraction per long-mode translation
func p4Index(va uint64) int { return int((va >> 39) & 0x1FF) }
func p3Index(va uint64) int { return int((va >> 30) & 0x1FF) }
func p2Index(va uint64) int { return int((va >> 21) & 0x1FF) }
func p1Index(va uint64) int { return int((va >> 12) & 0x1FF) }

// PageType selects mapping granularity and access flags for AddPage.
type PageType uint32

const (
	PageType4K             PageType = 1 << 0
	PageType2M             PageType = 1 << 1
	PageType1G             PageType = 1 << 2
	PageTypeReadonly       PageType = 1 << 4
	PageTypeNoExec         PageType = 1 << 5
	PageTypeUserAccessible PageType = 1 << 6
	PageTypeInternal       PageType = 1 << 15
	PageTypeWillDelete     PageType = 1 << 16
)

// ClearType selects which CPU-maintained bit ClearPage resets.
type ClearType uint8

const (
	ClearDirty ClearType = 1 + iota
	ClearAccessed
)

// reservedVABits is the high bit pattern that marks an identity-mapped
// reserved virtual address: (64 << 40) == 1 << 46.
const reservedVABits = uint64(64) << 40

// VAForReservedFA computes the reserved virtual address of a frame address.
// The mapping is guaranteed at boot; no paging call is needed to use it.
func VAForReservedFA(fa uint64) uint64 {
	return reservedVABits | fa
}

// FAForReservedVA recovers the frame address behind a reserved virtual
// address by masking the reserved bit pattern off.
func FAForReservedVA(va uint64) uint64 {
	return va & (reservedVABits - 1)
}
