// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package reorder

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/linuxtracer/proctracer/events"
)

type recordingSink struct {
	times []uint64
}

func (s *recordingSink) Visit(ev events.Event) {
	s.times = append(s.times, ev.Time)
}

func TestCrossBufferReorder(t *testing.T) {
	sink := &recordingSink{}
	p := New(sink, 0, 1)

	// buffer A delivers {10, 30}; buffer B delivers {20}.
	p.Push(0, events.Event{Time: 10})
	// fd 1 is a known active origin that has not delivered anything yet,
	// so its latest-seen of zero caps the safety minimum: nothing releases.
	require.Empty(t, sink.times)

	p.Push(0, events.Event{Time: 30})
	require.Empty(t, sink.times)

	p.Push(1, events.Event{Time: 20})
	// min(latest) = min(30, 20) = 20: both 10 and 20 are now safe, since fd
	// 0's own latest-seen of 30 means it can never deliver anything earlier
	// than 20 again, and fd 1's FIFO order means nothing earlier than 20 is
	// still pending behind it.
	require.Equal(t, []uint64{10, 20}, sink.times)

	// A further event on B bumps its latest past 30, letting 30 out too.
	p.Push(1, events.Event{Time: 40})
	require.Equal(t, []uint64{10, 20, 30}, sink.times)
}

func TestProcessAllFlushesRemainder(t *testing.T) {
	sink := &recordingSink{}
	p := New(sink, 0, 1)

	p.Push(0, events.Event{Time: 5})
	p.Push(0, events.Event{Time: 15})
	p.Push(1, events.Event{Time: 10})
	require.Equal(t, []uint64{5, 10}, sink.times) // t=15 is still blocked: fd 1's latest-seen of 10 is the minimum

	p.ProcessAll()
	require.Equal(t, []uint64{5, 10, 15}, sink.times)
	require.Equal(t, 0, p.Pending())
}

func TestSingleKnownOriginReleasesAsItArrives(t *testing.T) {
	sink := &recordingSink{}
	p := New(sink, 0)

	// A lone known active fd is its own safety minimum, so every event it
	// delivers is immediately safe to release.
	p.Push(0, events.Event{Time: 1})
	p.Push(0, events.Event{Time: 2})
	p.Push(0, events.Event{Time: 3})
	require.Equal(t, []uint64{1, 2, 3}, sink.times)
}
