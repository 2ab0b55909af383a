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
	"bytes"
	"io"
	"sync"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/zstd"
	"github.com/pkg/errors"
)

// Codec packs value logs and index payloads. Implementations must be safe
// for concurrent use.
type Codec interface {
	Name() string
	Pack(src []byte) ([]byte, error)
	Unpack(src []byte, unpackedSize uint64) ([]byte, error)
}

var (
	codecsMu sync.RWMutex
	codecs   = map[string]Codec{}
)

// RegisterCodec makes a codec available by name. Later registrations with
// the same name win, so applications can override the built-ins.
func RegisterCodec(c Codec) {
	codecsMu.Lock()
	defer codecsMu.Unlock()
	codecs[c.Name()] = c
}

// CodecByName returns a registered codec.
func CodecByName(name string) (Codec, bool) {
	codecsMu.RLock()
	defer codecsMu.RUnlock()
	c, ok := codecs[name]
	return c, ok
}

func init() {
	RegisterCodec(newZstdCodec())
	RegisterCodec(deflateCodec{})
}

type zstdCodec struct {
	enc *zstd.Encoder
	dec *zstd.Decoder
}

func newZstdCodec() *zstdCodec {
	enc, _ := zstd.NewWriter(nil)
	dec, _ := zstd.NewReader(nil)
	return &zstdCodec{enc: enc, dec: dec}
}

func (zstdCodec) Name() string { return "zstd" }

func (c *zstdCodec) Pack(src []byte) ([]byte, error) {
	return c.enc.EncodeAll(src, make([]byte, 0, len(src)/2)), nil
}

func (c *zstdCodec) Unpack(src []byte, unpackedSize uint64) ([]byte, error) {
	out, err := c.dec.DecodeAll(src, make([]byte, 0, unpackedSize))
	if err != nil {
		return nil, errors.Wrap(err, "zstd unpack")
	}
	return out, nil
}

type deflateCodec struct{}

func (deflateCodec) Name() string { return "deflate" }

func (deflateCodec) Pack(src []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, flate.DefaultCompression)
	if err != nil {
		return nil, errors.Wrap(err, "deflate pack")
	}
	if _, err = w.Write(src); err != nil {
		return nil, errors.Wrap(err, "deflate pack")
	}
	if err = w.Close(); err != nil {
		return nil, errors.Wrap(err, "deflate pack")
	}
	return buf.Bytes(), nil
}

func (deflateCodec) Unpack(src []byte, unpackedSize uint64) ([]byte, error) {
	r := flate.NewReader(bytes.NewReader(src))
	defer r.Close()
	out := make([]byte, 0, unpackedSize)
	buf := bytes.NewBuffer(out)
	if _, err := io.Copy(buf, r); err != nil {
		return nil, errors.Wrap(err, "deflate unpack")
	}
	return buf.Bytes(), nil
}
