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
	"encoding/binary"
	"fmt"

	"github.com/cespare/xxhash/v2"

	"github.com/kazimsarikaya/turnstone-go/metrics"
)

const (
	pageSize   = 4096
	nameMaxLen = 256

	versionMajor = 0
	versionMinor = 1

	headerSize = 64
)

// superblockSignature is the 16-byte magic every block carries.
var superblockSignature = [16]byte{'T', 'U', 'R', 'N', 'S', 'T', 'O', 'N', 'E', ' ', 'O', 'S', ' ', 'D', 'B', 0}

var (
	blockReadsCounter  = metrics.GetOrCreateCounter("tosdb_block_reads")
	blockWritesCounter = metrics.GetOrCreateCounter("tosdb_block_writes")
)

type blockType uint16

const (
	blockTypeNone blockType = iota
	blockTypeSuperblock
	blockTypeDatabaseList
	blockTypeDatabase
	blockTypeTableList
	blockTypeTable
	blockTypeColumnList
	blockTypeIndexList
	blockTypeSSTableList
	blockTypeSSTable
	blockTypeSSTableIndex
	blockTypeValuelogList
	blockTypeValuelog
)

// blockHeader is the fixed 64-byte prefix on every persisted block. The
// checksum covers the header with the checksum field zeroed, plus the body.
type blockHeader struct {
	checksum     uint64
	blockType    blockType
	blockSize    uint64
	versionMajor uint32
	versionMinor uint32
	prevLocation uint64
	prevSize     uint64
	prevInvalid  bool
}

func (h *blockHeader) encode(body []byte) []byte {
	out := make([]byte, h.blockSize)
	copy(out[0:16], superblockSignature[:])
	// checksum at 16..24 filled below
	binary.LittleEndian.PutUint16(out[24:26], uint16(h.blockType))
	binary.LittleEndian.PutUint64(out[26:34], h.blockSize)
	binary.LittleEndian.PutUint32(out[34:38], h.versionMajor)
	binary.LittleEndian.PutUint32(out[38:42], h.versionMinor)
	binary.LittleEndian.PutUint64(out[42:50], h.prevLocation)
	binary.LittleEndian.PutUint64(out[50:58], h.prevSize)
	if h.prevInvalid {
		out[58] = 1
	}
	copy(out[headerSize:], body)

	h.checksum = xxhash.Sum64(out)
	binary.LittleEndian.PutUint64(out[16:24], h.checksum)
	return out
}

// decodeBlock verifies signature, checksum and version, returning the header
// and the body slice.
func decodeBlock(raw []byte) (*blockHeader, []byte, error) {
	if len(raw) < headerSize {
		return nil, nil, fmt.Errorf("%w: short block (%d bytes)", ErrInvalidArgument, len(raw))
	}
	var sig [16]byte
	copy(sig[:], raw[0:16])
	if sig != superblockSignature {
		return nil, nil, fmt.Errorf("%w: bad signature", ErrChecksumMismatch)
	}

	h := &blockHeader{
		checksum:     binary.LittleEndian.Uint64(raw[16:24]),
		blockType:    blockType(binary.LittleEndian.Uint16(raw[24:26])),
		blockSize:    binary.LittleEndian.Uint64(raw[26:34]),
		versionMajor: binary.LittleEndian.Uint32(raw[34:38]),
		versionMinor: binary.LittleEndian.Uint32(raw[38:42]),
		prevLocation: binary.LittleEndian.Uint64(raw[42:50]),
		prevSize:     binary.LittleEndian.Uint64(raw[50:58]),
		prevInvalid:  raw[58] != 0,
	}

	if h.blockSize > uint64(len(raw)) {
		return nil, nil, fmt.Errorf("%w: block size 0x%x past buffer 0x%x", ErrChecksumMismatch, h.blockSize, len(raw))
	}

	scratch := make([]byte, h.blockSize)
	copy(scratch, raw[:h.blockSize])
	for i := 16; i < 24; i++ {
		scratch[i] = 0
	}
	if xxhash.Sum64(scratch) != h.checksum {
		return nil, nil, ErrChecksumMismatch
	}
	if h.versionMajor != versionMajor {
		return nil, nil, fmt.Errorf("%w: block version %d.%d", ErrVersionMismatch, h.versionMajor, h.versionMinor)
	}

	return h, raw[headerSize:h.blockSize], nil
}

// blockWrite appends a typed block at the free-space cursor and returns its
// location and on-disk size. The superblock is not persisted here; Persist
// is the linearization point.
func (tdb *DB) blockWrite(typ blockType, body []byte, prevLocation, prevSize uint64, prevInvalid bool) (uint64, uint64, error) {
	size := alignPage(uint64(headerSize + len(body)))

	tdb.sbMu.Lock()
	location := tdb.sb.freeNextLocation
	if location+size > tdb.backend.Capacity()-pageSize {
		tdb.sbMu.Unlock()
		return 0, 0, fmt.Errorf("%w: backend full at 0x%x", ErrIOFailed, location)
	}
	tdb.sb.freeNextLocation = location + size
	tdb.sbMu.Unlock()

	h := &blockHeader{
		blockType:    typ,
		blockSize:    size,
		versionMajor: versionMajor,
		versionMinor: versionMinor,
		prevLocation: prevLocation,
		prevSize:     prevSize,
		prevInvalid:  prevInvalid,
	}

	if _, err := tdb.backend.Write(location, h.encode(body)).Await(context.Background()); err != nil {
		return 0, 0, err
	}
	blockWritesCounter.Inc()
	return location, size, nil
}

// blockRead fetches and verifies a block.
func (tdb *DB) blockRead(location, size uint64) (*blockHeader, []byte, error) {
	raw, err := tdb.backend.Read(location, size).Await(context.Background())
	if err != nil {
		return nil, nil, err
	}
	blockReadsCounter.Inc()
	return decodeBlock(raw)
}

func alignPage(v uint64) uint64 {
	return (v + pageSize - 1) &^ uint64(pageSize-1)
}

// superblock is the page-0 root of the store, shadowed on the last page so
// a torn write of either copy is recoverable from the other.
type superblock struct {
	capacity         uint64
	pageSize         uint32
	freeNextLocation uint64
	databaseListLoc  uint64
	databaseListSize uint64
	databaseNextID   uint64
}

func (sb *superblock) encode() []byte {
	w := newWireWriter(pageSize - headerSize)
	w.putU64(sb.capacity)
	w.putU32(sb.pageSize)
	w.putU64(sb.freeNextLocation)
	w.putU64(sb.databaseListLoc)
	w.putU64(sb.databaseListSize)
	w.putU64(sb.databaseNextID)
	return w.bytes()
}

func decodeSuperblock(body []byte) (*superblock, error) {
	r := newWireReader(body)
	sb := &superblock{
		capacity:         r.getU64(),
		pageSize:         r.getU32(),
		freeNextLocation: r.getU64(),
		databaseListLoc:  r.getU64(),
		databaseListSize: r.getU64(),
		databaseNextID:   r.getU64(),
	}
	if r.failed() {
		return nil, fmt.Errorf("%w: short superblock", ErrChecksumMismatch)
	}
	if sb.pageSize != pageSize {
		return nil, fmt.Errorf("%w: superblock page size %d", ErrVersionMismatch, sb.pageSize)
	}
	return sb, nil
}

// writeSuperblock writes the primary and shadow copies and flushes. This is
// the linearization point of every persist.
func writeSuperblock(backend Backend, sb *superblock) error {
	h := &blockHeader{
		blockType:    blockTypeSuperblock,
		blockSize:    pageSize,
		versionMajor: versionMajor,
		versionMinor: versionMinor,
	}
	raw := h.encode(sb.encode())

	if _, err := backend.Write(0, raw).Await(context.Background()); err != nil {
		return err
	}
	shadow := backend.Capacity() - pageSize
	if _, err := backend.Write(shadow, raw).Await(context.Background()); err != nil {
		return err
	}
	_, err := backend.Flush().Await(context.Background())
	return err
}

// readSuperblock reads the primary copy, falling back to the shadow when the
// primary fails its checksum.
func readSuperblock(backend Backend) (*superblock, error) {
	for _, pos := range []uint64{0, backend.Capacity() - pageSize} {
		raw, err := backend.Read(pos, pageSize).Await(context.Background())
		if err != nil {
			return nil, err
		}
		h, body, err := decodeBlock(raw)
		if err != nil {
			continue
		}
		if h.blockType != blockTypeSuperblock {
			continue
		}
		return decodeSuperblock(body)
	}
	return nil, fmt.Errorf("%w: no intact superblock", ErrChecksumMismatch)
}

// BackendFormat writes a fresh superblock pair onto the backend, erasing any
// previous root. The store body is not wiped; old blocks become unreachable.
func BackendFormat(backend Backend) error {
	if backend.Capacity() < 4*pageSize {
		return fmt.Errorf("%w: backend capacity 0x%x too small", ErrInvalidArgument, backend.Capacity())
	}
	sb := &superblock{
		capacity:         backend.Capacity(),
		pageSize:         pageSize,
		freeNextLocation: pageSize,
		databaseNextID:   1,
	}
	return writeSuperblock(backend, sb)
}

// BackendRepair rebuilds the superblock from the newest intact database-list
// block found by scanning the backend backwards page by page.
func BackendRepair(backend Backend) error {
	capacity := backend.Capacity()

	var dbListLoc, dbListSize, nextID, freeNext uint64
	for pos := capacity - 2*pageSize; pos >= pageSize; pos -= pageSize {
		raw, err := backend.Read(pos, headerSize).Await(context.Background())
		if err != nil {
			return err
		}
		var sig [16]byte
		copy(sig[:], raw[0:16])
		if sig != superblockSignature {
			continue
		}
		typ := blockType(binary.LittleEndian.Uint16(raw[24:26]))
		size := binary.LittleEndian.Uint64(raw[26:34])
		if typ != blockTypeDatabaseList || size == 0 || pos+size > capacity {
			continue
		}
		if _, _, derr := decodeBlockAt(backend, pos, size); derr != nil {
			continue
		}
		dbListLoc = pos
		dbListSize = size
		freeNext = pos + size
		break
	}

	if dbListLoc == 0 {
		return fmt.Errorf("%w: no intact database list block", ErrNotFound)
	}

	// next database id must clear every id the list holds
	_, body, err := decodeBlockAt(backend, dbListLoc, dbListSize)
	if err != nil {
		return err
	}
	items, err := decodeDatabaseList(body)
	if err != nil {
		return err
	}
	nextID = 1
	for _, it := range items {
		if it.id >= nextID {
			nextID = it.id + 1
		}
	}

	sb := &superblock{
		capacity:         capacity,
		pageSize:         pageSize,
		freeNextLocation: freeNext,
		databaseListLoc:  dbListLoc,
		databaseListSize: dbListSize,
		databaseNextID:   nextID,
	}
	return writeSuperblock(backend, sb)
}

func decodeBlockAt(backend Backend, location, size uint64) (*blockHeader, []byte, error) {
	raw, err := backend.Read(location, size).Await(context.Background())
	if err != nil {
		return nil, nil, err
	}
	return decodeBlock(raw)
}
