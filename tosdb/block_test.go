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

package tosdb

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBlockHeaderRoundTrip(t *testing.T) {
	h := &blockHeader{
		blockType:    blockTypeTable,
		blockSize:    2 * pageSize,
		versionMajor: versionMajor,
		versionMinor: versionMinor,
		prevLocation: 0x4000,
		prevSize:     pageSize,
		prevInvalid:  true,
	}
	body := make([]byte, pageSize)
	copy(body, "hello block body")

	raw := h.encode(body)
	require.Len(t, raw, 2*pageSize)

	back, gotBody, err := decodeBlock(raw)
	require.NoError(t, err)
	assert.Equal(t, h.blockType, back.blockType)
	assert.Equal(t, h.blockSize, back.blockSize)
	assert.Equal(t, h.prevLocation, back.prevLocation)
	assert.Equal(t, h.prevSize, back.prevSize)
	assert.True(t, back.prevInvalid)
	assert.Equal(t, []byte("hello block body"), gotBody[:16])
}

func TestBlockChecksumDetectsCorruption(t *testing.T) {
	h := &blockHeader{blockType: blockTypeTable, blockSize: pageSize, versionMajor: versionMajor}
	raw := h.encode([]byte("payload"))

	raw[headerSize+3] ^= 0xff
	_, _, err := decodeBlock(raw)
	assert.ErrorIs(t, err, ErrChecksumMismatch)
}

func TestBlockVersionMismatch(t *testing.T) {
	h := &blockHeader{blockType: blockTypeTable, blockSize: pageSize, versionMajor: versionMajor + 1}
	raw := h.encode(nil)
	_, _, err := decodeBlock(raw)
	assert.ErrorIs(t, err, ErrVersionMismatch)
}

func TestSuperblockShadowFallback(t *testing.T) {
	backend := NewMemoryBackend(testCapacity)
	require.NoError(t, BackendFormat(backend))

	// corrupt the primary copy; the shadow must carry the open
	_, err := backend.Write(100, []byte{0xde, 0xad}).Await(context.Background())
	require.NoError(t, err)

	sb, err := readSuperblock(backend)
	require.NoError(t, err)
	assert.EqualValues(t, testCapacity, sb.capacity)
}

func TestOpenFailsWithoutAnySuperblock(t *testing.T) {
	backend := NewMemoryBackend(testCapacity)
	_, err := Open(backend, nil)
	assert.ErrorIs(t, err, ErrChecksumMismatch)
}

func TestBackendRepairRebuildsSuperblock(t *testing.T) {
	backend := NewMemoryBackend(testCapacity)
	tdb, err := New(backend, nil)
	require.NoError(t, err)

	db, err := tdb.DatabaseCreateOrOpen("d")
	require.NoError(t, err)
	_ = db
	require.NoError(t, tdb.Close())

	// wipe both superblock copies
	zero := make([]byte, pageSize)
	_, err = backend.Write(0, zero).Await(context.Background())
	require.NoError(t, err)
	_, err = backend.Write(backend.Capacity()-pageSize, zero).Await(context.Background())
	require.NoError(t, err)

	_, err = Open(backend, nil)
	require.Error(t, err)

	require.NoError(t, BackendRepair(backend))

	tdb2, err := Open(backend, nil)
	require.NoError(t, err)
	db2, err := tdb2.DatabaseCreateOrOpen("d")
	require.NoError(t, err)
	assert.Equal(t, "d", db2.Name())
}

func TestMemoryBackendImageReopen(t *testing.T) {
	backend := NewMemoryBackend(testCapacity)
	tdb, err := New(backend, nil)
	require.NoError(t, err)
	tbl := testTable(t, tdb)
	upsertRow(t, tbl, 1, "kept")
	require.NoError(t, tdb.Close())
	require.NoError(t, backend.Close())

	// the image survives close and backs a fresh handle
	backend2 := NewMemoryBackendFromImage(backend.Image())
	tdb2, err := Open(backend2, nil)
	require.NoError(t, err)
	db, err := tdb2.DatabaseCreateOrOpen("d")
	require.NoError(t, err)
	tbl2, err := db.TableCreateOrOpen("t", 1<<10, 1<<20, 4)
	require.NoError(t, err)
	rec, err := getRow(t, tbl2, 1)
	require.NoError(t, err)
	v, err := rec.GetString("v")
	require.NoError(t, err)
	assert.Equal(t, "kept", v)
}
