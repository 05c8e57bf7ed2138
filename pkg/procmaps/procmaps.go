// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package procmaps reads the memory mappings of a process from /proc/<pid>/maps, to locate which
// region (heap, anonymous mapping, shared library, ...) holds a given address.
package procmaps

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/prometheus/procfs"
)

// Self can be given as pid to refer to the current process.
const Self = 0

// Mapping is one memory region of a process.
type Mapping struct {
	Start, End uintptr

	// Perms as in the maps file, e.g. "rw-p".
	Perms string

	Offset int64
	Inode  uint64

	// Path of the mapped file, or pseudo-paths like "[heap]" and "[stack]". Empty for anonymous mappings.
	Path string
}

// Contains returns whether addr is within the mapping.
func (m Mapping) Contains(addr uintptr) bool { return addr >= m.Start && addr < m.End }

// Len is the size of the mapping in bytes.
func (m Mapping) Len() uintptr { return m.End - m.Start }

// IsWritable returns whether the mapping can be written to.
func (m Mapping) IsWritable() bool { return len(m.Perms) > 1 && m.Perms[1] == 'w' }

// String formats the mapping like a line of the maps file, without device and with addresses in hex.
func (m Mapping) String() string {
	return fmt.Sprintf("%x-%x %s %08x %d %s", m.Start, m.End, m.Perms, m.Offset, m.Inode, m.Path)
}

func permsString(p *procfs.ProcMapPermissions) string {
	if p == nil {
		return "----"
	}
	flag := func(set bool, c byte) byte {
		if set {
			return c
		}
		return '-'
	}
	last := byte('p')
	if p.Shared {
		last = 's'
	}
	return string([]byte{flag(p.Read, 'r'), flag(p.Write, 'w'), flag(p.Execute, 'x'), last})
}

func proc(pid int) (procfs.Proc, error) {
	if pid == Self {
		return procfs.Self()
	}
	return procfs.NewProc(pid)
}

// Read returns the memory mappings of the process pid (or Self), sorted by start address.
func Read(pid int) ([]Mapping, error) {
	p, err := proc(pid)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open process %d", pid)
	}
	procMaps, err := p.ProcMaps()
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read memory maps of process %d", pid)
	}
	maps := make([]Mapping, 0, len(procMaps))
	for _, pm := range procMaps {
		maps = append(maps, Mapping{
			Start:  pm.StartAddr,
			End:    pm.EndAddr,
			Perms:  permsString(pm.Perms),
			Offset: pm.Offset,
			Inode:  pm.Inode,
			Path:   pm.Pathname,
		})
	}
	sort.Slice(maps, func(i, j int) bool { return maps[i].Start < maps[j].Start })
	return maps, nil
}

// Find returns the mapping containing addr. maps must be sorted by start address, as returned by Read.
func Find(maps []Mapping, addr uintptr) (Mapping, bool) {
	idx := sort.Search(len(maps), func(i int) bool { return maps[i].End > addr })
	if idx < len(maps) && maps[idx].Contains(addr) {
		return maps[idx], true
	}
	return Mapping{}, false
}

// Path of the maps file of the process pid (or Self).
func Path(pid int) string {
	if pid == Self {
		return "/proc/self/maps"
	}
	return fmt.Sprintf("/proc/%d/maps", pid)
}

// Copy writes the raw contents of the maps file of process pid (or Self) to w.
func Copy(w io.Writer, pid int) error {
	f, err := os.Open(Path(pid))
	if err != nil {
		return errors.Wrapf(err, "failed to open %s", Path(pid))
	}
	defer func() { _ = f.Close() }()
	if _, err = io.Copy(w, f); err != nil {
		return errors.Wrapf(err, "failed to copy %s", Path(pid))
	}
	return nil
}

// ParseAddress parses a hexadecimal address, with or without the "0x" prefix.
func ParseAddress(s string) (uintptr, error) {
	s = strings.TrimSpace(s)
	hex := strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if hex == "" {
		return 0, errors.Errorf("empty address %q", s)
	}
	addr, err := strconv.ParseUint(hex, 16, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid hexadecimal address %q", s)
	}
	return uintptr(addr), nil
}
