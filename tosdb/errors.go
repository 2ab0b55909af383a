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

import "errors"

var (
	ErrInvalidArgument  = errors.New("invalid argument")
	ErrChecksumMismatch = errors.New("checksum mismatch")
	ErrVersionMismatch  = errors.New("version mismatch")
	ErrNotFound         = errors.New("not found")
	ErrAlreadyExists    = errors.New("already exists")
	ErrIndexFull        = errors.New("memtable list full")
	ErrIOFailed         = errors.New("backend io failed")
	ErrClosed           = errors.New("database closed")
	ErrDeleted          = errors.New("record deleted")
)
