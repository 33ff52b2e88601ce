// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package memmap

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseMapsLineExecutableFile(t *testing.T) {
	m, ok := parseMapsLine("7f1c2a400000-7f1c2a425000 r-xp 00001000 08:01 131074 /usr/lib/libc.so.6")
	require.True(t, ok)
	require.Equal(t, uint64(0x7f1c2a400000), m.Start)
	require.Equal(t, uint64(0x7f1c2a425000), m.End)
	require.Equal(t, uint64(0x1000), m.FileOffset)
	require.Equal(t, "/usr/lib/libc.so.6", m.Path)
	require.Equal(t, ProtRead|ProtExec, m.Prot)
}

func TestParseMapsLineAnonymous(t *testing.T) {
	m, ok := parseMapsLine("7f1c2a600000-7f1c2a621000 rw-p 00000000 00:00 0")
	require.True(t, ok)
	require.Empty(t, m.Path)
	require.Equal(t, ProtRead|ProtWrite, m.Prot)
}

func TestParseMapsLineMalformed(t *testing.T) {
	_, ok := parseMapsLine("not a maps line")
	require.False(t, ok)
}

func TestSnapshotFindByAddress(t *testing.T) {
	snap := &Snapshot{Mappings: []Mapping{
		{Start: 0x1000, End: 0x2000, Path: "/bin/a"},
		{Start: 0x3000, End: 0x4000, Path: "/bin/b"},
	}}

	m, ok := snap.FindByAddress(0x3500)
	require.True(t, ok)
	require.Equal(t, "/bin/b", m.Path)

	_, ok = snap.FindByAddress(0x2500)
	require.False(t, ok)
}
