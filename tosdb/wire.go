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

import "encoding/binary"

// wireWriter appends little-endian fields to a block body buffer. All block
// records are fixed-layout little-endian so a reader can address them in
// place.
type wireWriter struct {
	buf []byte
}

func newWireWriter(capacity int) *wireWriter {
	return &wireWriter{buf: make([]byte, 0, capacity)}
}

func (w *wireWriter) bytes() []byte { return w.buf }

func (w *wireWriter) putU8(v uint8) {
	w.buf = append(w.buf, v)
}

func (w *wireWriter) putBool(v bool) {
	if v {
		w.putU8(1)
	} else {
		w.putU8(0)
	}
}

func (w *wireWriter) putU16(v uint16) {
	w.buf = binary.LittleEndian.AppendUint16(w.buf, v)
}

func (w *wireWriter) putU32(v uint32) {
	w.buf = binary.LittleEndian.AppendUint32(w.buf, v)
}

func (w *wireWriter) putU64(v uint64) {
	w.buf = binary.LittleEndian.AppendUint64(w.buf, v)
}

func (w *wireWriter) putI64(v int64) {
	w.putU64(uint64(v))
}

func (w *wireWriter) putRaw(b []byte) {
	w.buf = append(w.buf, b...)
}

// putName writes a fixed-width NUL-padded name field.
func (w *wireWriter) putName(name string) {
	var field [nameMaxLen]byte
	copy(field[:], name)
	w.buf = append(w.buf, field[:]...)
}

func (w *wireWriter) pad(align int) {
	for len(w.buf)%align != 0 {
		w.buf = append(w.buf, 0)
	}
}

// wireReader walks a block body. Reads past the end return zero values and
// flip the fail flag, checked once at the end of decoding.
type wireReader struct {
	buf  []byte
	off  int
	fail bool
}

func newWireReader(buf []byte) *wireReader {
	return &wireReader{buf: buf}
}

func (r *wireReader) failed() bool { return r.fail }

func (r *wireReader) remaining() int { return len(r.buf) - r.off }

func (r *wireReader) take(n int) []byte {
	if r.off+n > len(r.buf) {
		r.fail = true
		return make([]byte, n)
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b
}

func (r *wireReader) getU8() uint8   { return r.take(1)[0] }
func (r *wireReader) getBool() bool  { return r.getU8() != 0 }
func (r *wireReader) getU16() uint16 { return binary.LittleEndian.Uint16(r.take(2)) }
func (r *wireReader) getU32() uint32 { return binary.LittleEndian.Uint32(r.take(4)) }
func (r *wireReader) getU64() uint64 { return binary.LittleEndian.Uint64(r.take(8)) }
func (r *wireReader) getI64() int64  { return int64(r.getU64()) }

func (r *wireReader) getName() string {
	b := r.take(nameMaxLen)
	n := 0
	for n < len(b) && b[n] != 0 {
		n++
	}
	return string(b[:n])
}

func (r *wireReader) skip(n int) {
	r.take(n)
}
