// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package memmap captures and represents a target process's virtual memory
// layout, the "maps snapshot" of spec.md §3, used by the unwinder to resolve
// sampled instruction pointers against backing files.
package memmap

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/linuxtracer/proctracer/util"
)

// Protection is a bitmask of the mapping's r/w/x permissions.
type Protection uint8

const (
	ProtRead Protection = 1 << iota
	ProtWrite
	ProtExec
)

// Mapping is one entry of a process's memory map: an address range, the
// offset into the backing file where the range starts, the backing path
// (empty for anonymous mappings) and its protection bits.
type Mapping struct {
	Start, End uint64
	FileOffset uint64
	Path       string
	Prot       Protection
}

// Contains reports whether addr falls within the mapping's address range.
func (m Mapping) Contains(addr uint64) bool { return addr >= m.Start && addr < m.End }

// Snapshot is an ordered-by-address list of a process's mappings at one
// point in time. Snapshots are replaced wholesale on a maps-refresh event
// (spec.md §4.G); the unwinder never mutates one in place.
type Snapshot struct {
	Mappings []Mapping
}

// FindByAddress returns the mapping containing addr, if any.
func (s *Snapshot) FindByAddress(addr uint64) (Mapping, bool) {
	// Linear scan: snapshots are rebuilt wholesale and typically number in
	// the tens to low hundreds of entries, so a sorted binary search would
	// not meaningfully change lookup cost here.
	for _, m := range s.Mappings {
		if m.Contains(addr) {
			return m, true
		}
	}
	return Mapping{}, false
}

// Capture reads /proc/<pid>/maps and returns a fresh Snapshot, used both at
// tracer start and whenever an executable mmap notification fires for the
// target (spec.md §4.D "Mmap on target").
func Capture(pid util.PID) (*Snapshot, error) {
	f, err := os.Open(fmt.Sprintf("/proc/%d/maps", pid))
	if err != nil {
		return nil, fmt.Errorf("open maps for pid %d: %w", pid, err)
	}
	defer f.Close()

	snap := &Snapshot{}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		m, ok := parseMapsLine(scanner.Text())
		if !ok {
			continue
		}
		snap.Mappings = append(snap.Mappings, m)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan maps for pid %d: %w", pid, err)
	}
	return snap, nil
}

// parseMapsLine parses one /proc/<pid>/maps line, e.g.:
// 7f1c2a400000-7f1c2a425000 r-xp 00000000 08:01 131074 /usr/lib/libc.so.6
func parseMapsLine(line string) (Mapping, bool) {
	fields := strings.Fields(line)
	if len(fields) < 5 {
		return Mapping{}, false
	}
	addrRange := strings.SplitN(fields[0], "-", 2)
	if len(addrRange) != 2 {
		return Mapping{}, false
	}
	start, err := strconv.ParseUint(addrRange[0], 16, 64)
	if err != nil {
		return Mapping{}, false
	}
	end, err := strconv.ParseUint(addrRange[1], 16, 64)
	if err != nil {
		return Mapping{}, false
	}
	offset, err := strconv.ParseUint(fields[2], 16, 64)
	if err != nil {
		return Mapping{}, false
	}

	var prot Protection
	perms := fields[1]
	if strings.Contains(perms, "r") {
		prot |= ProtRead
	}
	if strings.Contains(perms, "w") {
		prot |= ProtWrite
	}
	if strings.Contains(perms, "x") {
		prot |= ProtExec
	}

	var path string
	if len(fields) >= 6 {
		path = fields[5]
	}

	return Mapping{Start: start, End: end, FileOffset: offset, Path: path, Prot: prot}, true
}
