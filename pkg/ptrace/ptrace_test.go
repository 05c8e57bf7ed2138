// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

//go:build linux

package ptrace

import (
	"os"
	"strings"
	"testing"

	"github.com/gomlx/weightprobe/pkg/procmaps"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// launchTrue launches /bin/true stopped at its exec, or skips the test if tracing is not permitted.
func launchTrue(t *testing.T) *Session {
	s, err := Launch("/bin/true")
	if err != nil {
		t.Skipf("ptrace not available in this environment: %v", err)
	}
	return s
}

// findMapping returns the first mapping of the process that satisfies the predicate.
func findMapping(t *testing.T, pid int, predicate func(m procmaps.Mapping) bool) procmaps.Mapping {
	maps, err := procmaps.Read(pid)
	require.NoError(t, err)
	for _, m := range maps {
		if predicate(m) {
			return m
		}
	}
	require.Failf(t, "mapping not found", "no matching mapping in %d memory maps of %d", len(maps), pid)
	return procmaps.Mapping{}
}

func TestAttachSelf(t *testing.T) {
	// A process can't trace its own thread group.
	_, err := Attach(os.Getpid())
	require.Error(t, err)
}

func TestLaunchPeekPoke(t *testing.T) {
	s := launchTrue(t)
	pid := s.Pid()
	require.Greater(t, pid, 0)

	// Any file backed mapping at offset 0 of an executable or of the dynamic loader starts with the ELF header.
	elf := findMapping(t, pid, func(m procmaps.Mapping) bool {
		return m.Offset == 0 && m.Inode != 0 && strings.HasPrefix(m.Perms, "r")
	})
	magic, err := s.Peek(elf.Start, 4)
	require.NoError(t, err)
	assert.Equal(t, []byte("\x7fELF"), magic)

	// Write into the bottom of the stack, which is not used yet, and restore it.
	stack := findMapping(t, pid, func(m procmaps.Mapping) bool { return m.Path == "[stack]" })
	require.True(t, stack.IsWritable())
	original, err := s.Peek(stack.Start, 12)
	require.NoError(t, err)
	modified := make([]byte, len(original))
	for i, b := range original {
		modified[i] = b ^ 0xFF
	}
	require.NoError(t, s.Poke(stack.Start, modified))
	got, err := s.Peek(stack.Start, len(modified))
	require.NoError(t, err)
	assert.Equal(t, modified, got)

	// Regions round trip.
	regions := []Region{
		{Name: "a", Address: stack.Start, Size: 5},
		{Name: "b", Address: stack.Start + 5, Size: 7},
	}
	flat, err := s.DumpWeights(regions)
	require.NoError(t, err)
	assert.Equal(t, modified, flat)
	require.NoError(t, s.LoadWeights(regions, append(original, 0, 0)))
	got, err = s.Peek(stack.Start, len(original))
	require.NoError(t, err)
	assert.Equal(t, original, got)

	require.NoError(t, s.Detach())
	require.NoError(t, s.Detach())
	_, err = s.Peek(stack.Start, 4)
	require.ErrorIs(t, err, ErrDetached)
	require.NoError(t, s.Wait())
}

func TestPeekInvalid(t *testing.T) {
	s := launchTrue(t)
	defer func() {
		require.NoError(t, s.Detach())
		require.NoError(t, s.Wait())
	}()
	_, err := s.Peek(0, 8)
	require.Error(t, err)
	_, err = s.Peek(0x1000, -1)
	require.Error(t, err)
	require.Error(t, s.Poke(0, []byte{1}))
}

func TestLoadWeightsShortBuffer(t *testing.T) {
	// The size check happens before any request reaches the traced process.
	var s Session
	regions := []Region{
		{Name: "fc.weights", Address: 0x1000, Size: 8},
		{Name: "fc.biases", Address: 0x2000, Size: 4},
	}
	err := s.LoadWeights(regions, make([]byte, 10))
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"fc.biases"`)
}

func TestWaitNotLaunched(t *testing.T) {
	s := &Session{pid: 1}
	require.Error(t, s.Wait())
}
