// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package tracer

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/linuxtracer/proctracer/events"
	"github.com/linuxtracer/proctracer/listener"
	"github.com/linuxtracer/proctracer/perfutil"
	"github.com/linuxtracer/proctracer/stats"
	"github.com/linuxtracer/proctracer/times"
	"github.com/linuxtracer/proctracer/util"
)

type fakeListener struct {
	switchedIn  []util.TID
	switchedOut []util.TID
	tids        []util.TID
	lost        []uint64
}

func (f *fakeListener) OnTID(tid util.TID) { f.tids = append(f.tids, tid) }
func (f *fakeListener) OnContextSwitchIn(tid util.TID, cpu int, time uint64) {
	f.switchedIn = append(f.switchedIn, tid)
}
func (f *fakeListener) OnContextSwitchOut(tid util.TID, cpu int, time uint64) {
	f.switchedOut = append(f.switchedOut, tid)
}
func (f *fakeListener) OnCallstack(tid util.TID, time uint64, frames []listener.Frame)         {}
func (f *fakeListener) OnFunctionCall(tid util.TID, fn listener.FunctionID, entry, exit uint64) {}
func (f *fakeListener) OnGPUJob(submit, schedule, signal, context, seqno uint64, tid util.TID)  {}
func (f *fakeListener) OnLost(ringBufferName string, count uint64)                              { f.lost = append(f.lost, count) }

func newTestTracer(l *fakeListener) *Tracer {
	return &Tracer{
		cfg:      Config{Listener: l},
		stats:    stats.New(),
		liveTIDs: make(map[util.TID]struct{}),
	}
}

func TestDispatchSwitchDropsUnknownTID(t *testing.T) {
	l := &fakeListener{}
	tr := newTestTracer(l)
	tr.liveTIDs[42] = struct{}{}

	tr.dispatchSwitch(events.Event{Kind: events.KindContextSwitchIn, TID: 99, Time: 1}, "test-rb")
	require.Empty(t, l.switchedIn)

	tr.dispatchSwitch(events.Event{Kind: events.KindContextSwitchIn, TID: 42, Time: 2}, "test-rb")
	require.Equal(t, []util.TID{42}, l.switchedIn)

	tr.dispatchSwitch(events.Event{Kind: events.KindContextSwitchOut, TID: 42, Time: 3}, "test-rb")
	require.Equal(t, []util.TID{42}, l.switchedOut)

	counters, _ := tr.stats.Snapshot()
	require.Equal(t, uint64(2), counters.SchedSwitches)
}

func TestHandleForkAddsLiveTIDAndNotifiesListener(t *testing.T) {
	l := &fakeListener{}
	tr := newTestTracer(l)

	// pid(4) ppid(4) tid(4) ptid(4) time(8), little-endian.
	payload := make([]byte, 24)
	payload[8] = 7 // child tid = 7

	tr.handleFork(payload, &ringEntry{cpu: 0})

	_, alive := tr.liveTIDs[7]
	require.True(t, alive)
	require.Equal(t, []util.TID{7}, l.tids)
}

func TestHandleExitRetiresLiveTID(t *testing.T) {
	l := &fakeListener{}
	tr := newTestTracer(l)
	tr.liveTIDs[7] = struct{}{}

	payload := make([]byte, 24)
	payload[8] = 7

	tr.handleExit(payload, &ringEntry{cpu: 0})

	_, alive := tr.liveTIDs[7]
	require.False(t, alive)
}

func TestHandleLostUpdatesStatsAndListener(t *testing.T) {
	l := &fakeListener{}
	tr := newTestTracer(l)

	// id(8) lost(8), little-endian, with the record header already stripped;
	// lost=3 at bytes [8:16].
	payload := make([]byte, 16)
	payload[8] = 3

	tr.handleLost("test_ring", 0, payload)
	require.Equal(t, []uint64{3}, l.lost)

	counters, _ := tr.stats.Snapshot()
	require.Equal(t, uint64(3), counters.Lost)
}

// fakeRingSource is a ringSource test double backed by an in-memory count of
// records, rather than a real mmap'd perf ring. Each ConsumeRecord appends
// this source's name and the drained record's index to a shared, mutex-
// guarded trace so a test can inspect the order rings were drained in.
type fakeRingSource struct {
	name  string
	count int
	idx   int

	mu    *sync.Mutex
	trace *[]string
}

func (f *fakeRingSource) Name() string { return f.name }

func (f *fakeRingSource) ReadHeader() (perfutil.RecordHeader, bool) {
	if f.idx >= f.count {
		return perfutil.RecordHeader{}, false
	}
	// A type unrecognized by events.RecordType routes through drainOne's
	// default "unhandled record type" branch, so consuming it exercises
	// only the round-robin drain discipline, not record decoding.
	return perfutil.RecordHeader{Type: 0xffff, Size: 8}, true
}

func (f *fakeRingSource) ConsumeRecord(hdr perfutil.RecordHeader, dst []byte) (int, error) {
	f.mu.Lock()
	*f.trace = append(*f.trace, fmt.Sprintf("%s#%d", f.name, f.idx))
	f.mu.Unlock()
	f.idx++
	return 0, nil
}

func (f *fakeRingSource) Close() error { return nil }

// TestPollLoopRoundRobinFairness verifies that pollLoop drains at most
// batchSize records from a ring before moving to the next one, rather than
// draining one ring to exhaustion before ever touching the next.
func TestPollLoopRoundRobinFairness(t *testing.T) {
	var mu sync.Mutex
	var trace []string

	ringA := &fakeRingSource{name: "a", count: 7, mu: &mu, trace: &trace}
	ringB := &fakeRingSource{name: "b", count: 7, mu: &mu, trace: &trace}

	l := &fakeListener{}
	tr := newTestTracer(l)
	tr.cfg.Intervals = times.New(time.Hour, time.Millisecond, time.Millisecond, time.Hour)
	tr.rings = []*ringEntry{{rb: ringA}, {rb: ringB}}

	var exit atomic.Bool
	done := make(chan struct{})
	go func() {
		tr.pollLoop(&exit)
		close(done)
	}()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(trace) == 14
	}, time.Second, time.Millisecond)

	exit.Store(true)
	<-done

	mu.Lock()
	defer mu.Unlock()
	// batchSize is 5: pass one drains 5 from each ring, pass two drains the
	// 2 that remain of each. Neither ring is exhausted before the other is
	// first given a turn.
	require.Equal(t, []string{
		"a#0", "a#1", "a#2", "a#3", "a#4",
		"b#0", "b#1", "b#2", "b#3", "b#4",
		"a#5", "a#6",
		"b#5", "b#6",
	}, trace)
}
