// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

//go:build linux

package procmaps

import (
	"bytes"
	"os"
	"strings"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAddress(t *testing.T) {
	for input, want := range map[string]uintptr{
		"0x7ffdf0000000": 0x7ffdf0000000,
		"7ffdf0000000":   0x7ffdf0000000,
		" 0XfF \n":       0xff,
		"0":              0,
	} {
		got, err := ParseAddress(input)
		require.NoError(t, err, "input %q", input)
		assert.Equal(t, want, got, "input %q", input)
	}
	for _, input := range []string{"", "0x", "zz", "0x12g"} {
		_, err := ParseAddress(input)
		assert.Error(t, err, "input %q", input)
	}
}

func TestFind(t *testing.T) {
	maps := []Mapping{
		{Start: 0x1000, End: 0x2000, Perms: "r-xp", Path: "/bin/x"},
		{Start: 0x3000, End: 0x5000, Perms: "rw-p", Path: "[heap]"},
	}
	m, found := Find(maps, 0x1000)
	require.True(t, found)
	assert.Equal(t, "/bin/x", m.Path)
	assert.False(t, m.IsWritable())

	m, found = Find(maps, 0x4fff)
	require.True(t, found)
	assert.Equal(t, "[heap]", m.Path)
	assert.True(t, m.IsWritable())
	assert.Equal(t, uintptr(0x2000), m.Len())

	for _, addr := range []uintptr{0, 0x2000, 0x2fff, 0x5000} {
		_, found = Find(maps, addr)
		assert.False(t, found, "address %#x", addr)
	}
}

func TestReadSelf(t *testing.T) {
	maps, err := Read(Self)
	require.NoError(t, err)
	require.NotEmpty(t, maps)
	for i := 1; i < len(maps); i++ {
		require.LessOrEqual(t, maps[i-1].Start, maps[i].Start)
	}

	// A heap allocated buffer must be in a writable mapping.
	buf := make([]byte, 1<<20)
	addr := uintptr(unsafe.Pointer(&buf[0]))
	m, found := Find(maps, addr)
	if !found {
		// The allocation may have created a new mapping after Read: read again.
		maps, err = Read(os.Getpid())
		require.NoError(t, err)
		m, found = Find(maps, addr)
	}
	require.True(t, found, "address %#x not found in /proc/self/maps", addr)
	assert.True(t, m.IsWritable(), "mapping %s", m)
}

func TestCopy(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Copy(&buf, Self))
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.NotEmpty(t, lines)
	assert.Contains(t, lines[0], "-")

	require.Error(t, Copy(&buf, -1))
}
