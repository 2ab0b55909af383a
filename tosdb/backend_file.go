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
	"fmt"
	"os"
	"sync"

	"github.com/edsrzf/mmap-go"
	"github.com/gofrs/flock"
	"github.com/pkg/errors"
)

// FileBackend maps a regular file and serves reads and writes from the
// mapping. The file is held under an exclusive advisory lock for the
// lifetime of the backend.
type FileBackend struct {
	mu   sync.RWMutex
	f    *os.File
	m    mmap.MMap
	lock *flock.Flock
}

// NewFileBackend opens (creating and sizing if needed) path as a backend of
// the given capacity.
func NewFileBackend(path string, capacity uint64) (*FileBackend, error) {
	lock := flock.New(path + ".lock")
	locked, err := lock.TryLock()
	if err != nil {
		return nil, errors.Wrap(err, "cannot acquire backend lock")
	}
	if !locked {
		return nil, fmt.Errorf("%w: %s is locked by another process", ErrIOFailed, path)
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		_ = lock.Unlock()
		return nil, errors.Wrap(err, "cannot open backend file")
	}

	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		_ = lock.Unlock()
		return nil, errors.Wrap(err, "cannot stat backend file")
	}
	if uint64(st.Size()) < capacity {
		if err = f.Truncate(int64(capacity)); err != nil {
			_ = f.Close()
			_ = lock.Unlock()
			return nil, errors.Wrap(err, "cannot size backend file")
		}
	}

	m, err := mmap.Map(f, mmap.RDWR, 0)
	if err != nil {
		_ = f.Close()
		_ = lock.Unlock()
		return nil, errors.Wrap(err, "cannot map backend file")
	}

	return &FileBackend{f: f, m: m, lock: lock}, nil
}

func (b *FileBackend) Read(position, size uint64) *Future[[]byte] {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.m == nil {
		return resolvedFuture[[]byte](nil, ErrClosed)
	}
	if position+size > uint64(len(b.m)) {
		return resolvedFuture[[]byte](nil, fmt.Errorf("%w: read [0x%x +0x%x) past capacity 0x%x", ErrIOFailed, position, size, len(b.m)))
	}

	out := make([]byte, size)
	copy(out, b.m[position:position+size])
	return resolvedFuture(out, nil)
}

func (b *FileBackend) Write(position uint64, data []byte) *Future[struct{}] {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.m == nil {
		return resolvedFuture(struct{}{}, ErrClosed)
	}
	if position+uint64(len(data)) > uint64(len(b.m)) {
		return resolvedFuture(struct{}{}, fmt.Errorf("%w: write [0x%x +0x%x) past capacity 0x%x", ErrIOFailed, position, len(data), len(b.m)))
	}

	copy(b.m[position:], data)
	return resolvedFuture(struct{}{}, nil)
}

func (b *FileBackend) Flush() *Future[struct{}] {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.m == nil {
		return resolvedFuture(struct{}{}, ErrClosed)
	}
	return resolvedFuture(struct{}{}, errors.Wrap(b.m.Flush(), "backend flush"))
}

func (b *FileBackend) Capacity() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return uint64(len(b.m))
}

func (b *FileBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.m == nil {
		return nil
	}
	err := b.m.Flush()
	if uerr := b.m.Unmap(); err == nil {
		err = uerr
	}
	b.m = nil
	if cerr := b.f.Close(); err == nil {
		err = cerr
	}
	if lerr := b.lock.Unlock(); err == nil {
		err = lerr
	}
	return err
}
