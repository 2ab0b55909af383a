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

package log

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLvlFilterHandler(t *testing.T) {
	var got []*Record
	lg := New("module", "test")
	lg.SetHandler(LvlFilterHandler(LvlInfo, FuncHandler(func(r *Record) error {
		got = append(got, r)
		return nil
	})))

	lg.Debug("dropped")
	lg.Info("kept", "k", 1)
	lg.Error("kept too")

	require.Len(t, got, 2)
	assert.Equal(t, "kept", got[0].Msg)
	assert.Equal(t, []interface{}{"module", "test", "k", 1}, got[0].Ctx)
}

func TestTerminalFormat(t *testing.T) {
	var r *Record
	lg := New()
	lg.SetHandler(FuncHandler(func(rec *Record) error {
		r = rec
		return nil
	}))
	lg.Warn("disk almost full", "free", "12MB", "path", "/var/db")

	out := string(TerminalFormat(false).Format(r))
	assert.True(t, strings.HasPrefix(out, "WARN "))
	assert.Contains(t, out, "disk almost full")
	assert.Contains(t, out, "free=12MB")
	assert.Contains(t, out, "path=/var/db")
}

func TestLogfmtEscaping(t *testing.T) {
	var r *Record
	lg := New()
	lg.SetHandler(FuncHandler(func(rec *Record) error {
		r = rec
		return nil
	}))
	lg.Info("m", "k", "has space", "n", 3)

	out := string(LogfmtFormat().Format(r))
	assert.Contains(t, out, `k="has space"`)
	assert.Contains(t, out, "n=3")
}

func TestLvlFromString(t *testing.T) {
	for s, want := range map[string]Lvl{
		"trace": LvlTrace, "debug": LvlDebug, "info": LvlInfo,
		"warn": LvlWarn, "error": LvlError, "crit": LvlCrit,
	} {
		got, err := LvlFromString(s)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := LvlFromString("nope")
	assert.Error(t, err)
}
