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

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAlign(t *testing.T) {
	assert.EqualValues(t, 0x2000, AlignUp(0x1001, PageSize4K))
	assert.EqualValues(t, 0x1000, AlignUp(0x1000, PageSize4K))
	assert.EqualValues(t, 0x1000, AlignDown(0x1fff, PageSize4K))
	assert.True(t, IsAligned(0x200000, PageSize2M))
	assert.False(t, IsAligned(0x201000, PageSize2M))
}

func TestPageCount(t *testing.T) {
	assert.EqualValues(t, 0, PageCount(0))
	assert.EqualValues(t, 1, PageCount(1))
	assert.EqualValues(t, 1, PageCount(PageSize4K))
	assert.EqualValues(t, 2, PageCount(PageSize4K+1))
}

func TestSafeArithmetic(t *testing.T) {
	v, overflow := SafeAdd(1, 2)
	assert.EqualValues(t, 3, v)
	assert.False(t, overflow)

	_, overflow = SafeAdd(^uint64(0), 1)
	assert.True(t, overflow)

	v, overflow = SafeMul(1<<32, 1<<31)
	assert.EqualValues(t, uint64(1)<<63, v)
	assert.False(t, overflow)

	_, overflow = SafeMul(1<<32, 1<<32)
	assert.True(t, overflow)
}

func TestCeilDiv(t *testing.T) {
	assert.EqualValues(t, 0, CeilDiv(5, 0))
	assert.EqualValues(t, 2, CeilDiv(5, 3))
	assert.EqualValues(t, 1, CeilDiv(3, 3))
}
