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
	"encoding/binary"
	"fmt"
	"math"

	"github.com/spaolacci/murmur3"
	"github.com/ugorji/go/codec"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

var cborHandle = func() *codec.CborHandle {
	h := &codec.CborHandle{}
	h.Canonical = true
	return h
}()

// Value is one typed column value.
type Value struct {
	Type DataType
	I    int64
	F    float64
	S    string
	B    []byte
}

// recordKey is a key descriptor derived from an indexed column.
type recordKey struct {
	indexID uint64
	keyHash uint64
	key     []byte
}

// Record is a row under construction or retrieved from the store. Setters
// derive key descriptors for every index covering the column.
type Record struct {
	tbl      *Table
	recordID uint64
	columns  map[uint64]Value
	keys     map[uint64]recordKey
}

// CreateRecord returns an empty record bound to the table.
func (t *Table) CreateRecord() *Record {
	return &Record{
		tbl:     t,
		columns: map[uint64]Value{},
		keys:    map[uint64]recordKey{},
	}
}

// keyBytes renders a value into index key bytes.
func keyBytes(v Value) []byte {
	switch v.Type {
	case DataTypeString:
		return []byte(v.S)
	case DataTypeBytes:
		return v.B
	case DataTypeFloat64:
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], math.Float64bits(v.F))
		return b[:]
	default:
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], uint64(v.I))
		return b[:]
	}
}

func (r *Record) set(name string, v Value) error {
	c, err := r.tbl.ColumnByName(name)
	if err != nil {
		return err
	}
	if c.Type != v.Type {
		return fmt.Errorf("%w: column %q holds %d, got %d", ErrInvalidArgument, name, c.Type, v.Type)
	}
	r.columns[c.ID] = v

	r.tbl.mu.Lock()
	for _, idx := range r.tbl.indexes {
		if idx.IsDeleted || idx.ColumnID != c.ID {
			continue
		}
		kb := keyBytes(v)
		r.keys[idx.ID] = recordKey{
			indexID: idx.ID,
			keyHash: murmur3.Sum64(kb),
			key:     slices.Clone(kb),
		}
	}
	r.tbl.mu.Unlock()
	return nil
}

func (r *Record) get(name string, want DataType) (Value, error) {
	c, err := r.tbl.ColumnByName(name)
	if err != nil {
		return Value{}, err
	}
	v, ok := r.columns[c.ID]
	if !ok {
		return Value{}, fmt.Errorf("%w: column %q not set", ErrNotFound, name)
	}
	if v.Type != want {
		return Value{}, fmt.Errorf("%w: column %q holds %d, want %d", ErrInvalidArgument, name, v.Type, want)
	}
	return v, nil
}

// SetInt64 sets an int64 column.
func (r *Record) SetInt64(name string, v int64) error {
	return r.set(name, Value{Type: DataTypeInt64, I: v})
}

// SetBool sets a bool column.
func (r *Record) SetBool(name string, v bool) error {
	var i int64
	if v {
		i = 1
	}
	return r.set(name, Value{Type: DataTypeBool, I: i})
}

// SetFloat64 sets a float64 column.
func (r *Record) SetFloat64(name string, v float64) error {
	return r.set(name, Value{Type: DataTypeFloat64, F: v})
}

// SetString sets a string column.
func (r *Record) SetString(name string, v string) error {
	return r.set(name, Value{Type: DataTypeString, S: v})
}

// SetBytes sets a byte-array column.
func (r *Record) SetBytes(name string, v []byte) error {
	return r.set(name, Value{Type: DataTypeBytes, B: slices.Clone(v)})
}

// GetInt64 reads an int64 column.
func (r *Record) GetInt64(name string) (int64, error) {
	v, err := r.get(name, DataTypeInt64)
	return v.I, err
}

// GetBool reads a bool column.
func (r *Record) GetBool(name string) (bool, error) {
	v, err := r.get(name, DataTypeBool)
	return v.I != 0, err
}

// GetFloat64 reads a float64 column.
func (r *Record) GetFloat64(name string) (float64, error) {
	v, err := r.get(name, DataTypeFloat64)
	return v.F, err
}

// GetString reads a string column.
func (r *Record) GetString(name string) (string, error) {
	v, err := r.get(name, DataTypeString)
	return v.S, err
}

// GetBytes reads a byte-array column.
func (r *Record) GetBytes(name string) ([]byte, error) {
	v, err := r.get(name, DataTypeBytes)
	return v.B, err
}

// RecordID returns the record's identity, zero before first upsert. It is
// derived from the primary key, so all versions of a row share it.
func (r *Record) RecordID() uint64 { return r.recordID }

func recordIDForKey(primaryKey []byte) uint64 {
	return murmur3.Sum64(append([]byte{0x52}, primaryKey...))
}

// wireColumn is the serialized form of one column value.
type wireColumn struct {
	ID   uint64
	Type uint16
	I    int64
	F    float64
	S    string
	B    []byte
}

// wireRecord is the value-log payload of one record.
type wireRecord struct {
	RecordID uint64
	Columns  []wireColumn
}

// serialize renders the record into its value-log payload.
func (r *Record) serialize() ([]byte, error) {
	wr := wireRecord{RecordID: r.recordID}
	ids := maps.Keys(r.columns)
	slices.Sort(ids)
	for _, id := range ids {
		v := r.columns[id]
		wr.Columns = append(wr.Columns, wireColumn{
			ID: id, Type: uint16(v.Type), I: v.I, F: v.F, S: v.S, B: v.B,
		})
	}

	var out []byte
	if err := codec.NewEncoderBytes(&out, cborHandle).Encode(&wr); err != nil {
		return nil, fmt.Errorf("cannot serialize record: %w", err)
	}
	return out, nil
}

// deserializeInto populates the record from a value-log payload.
func (r *Record) deserializeInto(payload []byte) error {
	var wr wireRecord
	if err := codec.NewDecoderBytes(payload, cborHandle).Decode(&wr); err != nil {
		return fmt.Errorf("cannot deserialize record: %w", err)
	}

	r.recordID = wr.RecordID
	for _, wc := range wr.Columns {
		r.columns[wc.ID] = Value{
			Type: DataType(wc.Type), I: wc.I, F: wc.F, S: wc.S, B: wc.B,
		}
	}
	return nil
}

// Equal reports whether two records carry the same column values.
func (r *Record) Equal(o *Record) bool {
	if len(r.columns) != len(o.columns) {
		return false
	}
	for id, v := range r.columns {
		ov, ok := o.columns[id]
		if !ok || v.Type != ov.Type || v.I != ov.I || v.F != ov.F || v.S != ov.S || !bytes.Equal(v.B, ov.B) {
			return false
		}
	}
	return true
}

// singleKey returns the one key descriptor a point get runs on.
func (r *Record) singleKey() (*recordKey, error) {
	if len(r.keys) != 1 {
		return nil, fmt.Errorf("%w: point get needs exactly one key, have %d", ErrInvalidArgument, len(r.keys))
	}
	for _, k := range r.keys {
		return &k, nil
	}
	panic("unreachable")
}

// Upsert inserts or replaces the record. The table must have a primary
// index and the primary key column must be set.
func (r *Record) Upsert() error {
	return r.tbl.memtableUpsert(r, false)
}

// Delete writes a tombstone for the record's primary key.
func (r *Record) Delete() error {
	return r.tbl.memtableUpsert(r, true)
}

// Get populates the record by its single set key, searching memtables, then
// pending sstables, then every level. ErrDeleted reports a tombstone hit.
func (r *Record) Get() error {
	return r.tbl.recordGet(r)
}

// SearchAll returns every record matching the single set (secondary) key.
func (r *Record) SearchAll() ([]*Record, error) {
	return r.tbl.recordSearchAll(r)
}
