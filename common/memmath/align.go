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

package memmath

import "math/bits"

// Page granularities shared by the frame allocator, the paging engine and the
// storage block layer. All sizes in bytes.
const (
	PageSize4K = 1 << 12
	PageSize2M = 1 << 21
	PageSize1G = 1 << 30
)

// AlignUp rounds v up to the next multiple of align. align must be a power of
// two.
func AlignUp(v, align uint64) uint64 {
	return (v + align - 1) &^ (align - 1)
}

// AlignDown rounds v down to the previous multiple of align. align must be a
// power of two.
func AlignDown(v, align uint64) uint64 {
	return v &^ (align - 1)
}

// IsAligned reports whether v is a multiple of align. align must be a power
// of two.
func IsAligned(v, align uint64) bool {
	return v&(align-1) == 0
}

// PageCount returns the number of 4K pages covering size bytes.
func PageCount(size uint64) uint64 {
	return AlignUp(size, PageSize4K) / PageSize4K
}

// SafeMul returns x*y and checks for overflow.
func SafeMul(x, y uint64) (uint64, bool) {
	hi, lo := bits.Mul64(x, y)
	return lo, hi != 0
}

// SafeAdd returns x+y and checks for overflow.
func SafeAdd(x, y uint64) (uint64, bool) {
	sum, carryOut := bits.Add64(x, y, 0)
	return sum, carryOut != 0
}

// CeilDiv returns x/y rounded up. CeilDiv(x, 0) is 0.
func CeilDiv(x, y uint64) uint64 {
	if y == 0 {
		return 0
	}
	return (x + y - 1) / y
}
