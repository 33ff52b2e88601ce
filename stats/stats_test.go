// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package stats

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCountersAccumulate(t *testing.T) {
	s := New()
	s.AddSchedSwitch("sched")
	s.AddSchedSwitch("sched")
	s.AddSample("sampling")
	s.AddUprobe("probe")
	s.AddUretprobe("probe")
	s.AddGPUEvent("gpu")
	s.AddLost("ring_a", 3)
	s.AddLost("ring_b", 2)
	s.AddLost("ring_a", 1)

	counters, perBuffer := s.Snapshot()
	require.Equal(t, uint64(2), counters.SchedSwitches)
	require.Equal(t, uint64(1), counters.Samples)
	require.Equal(t, uint64(1), counters.Uprobes)
	require.Equal(t, uint64(1), counters.Uretprobes)
	require.Equal(t, uint64(1), counters.GPUEvents)
	require.Equal(t, uint64(6), counters.Lost)

	require.Equal(t, uint64(2), perBuffer["sched"].SchedSwitches)
	require.Equal(t, uint64(1), perBuffer["sampling"].Samples)
	require.Equal(t, uint64(1), perBuffer["probe"].Uprobes)
	require.Equal(t, uint64(1), perBuffer["probe"].Uretprobes)
	require.Equal(t, uint64(1), perBuffer["gpu"].GPUEvents)
	require.Equal(t, uint64(4), perBuffer["ring_a"].Lost)
	require.Equal(t, uint64(2), perBuffer["ring_b"].Lost)
}

func TestResetZeroesWindowButKeepsPerBuffer(t *testing.T) {
	s := New()
	s.AddSample("sampling")
	s.AddLost("ring_a", 5)

	s.Reset()

	counters, perBuffer := s.Snapshot()
	require.Zero(t, counters.Samples)
	require.Zero(t, counters.Lost)
	require.Equal(t, uint64(5), perBuffer["ring_a"].Lost)
	require.Equal(t, uint64(1), perBuffer["sampling"].Samples)
}
