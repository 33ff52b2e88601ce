// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package times holds the small set of intervals and timeouts used across
// the tracer engine in a central place, with getters to read them.
package times

import (
	"runtime"
	"sort"
	"sync/atomic"
	"time"
)

const (
	// Number of timing samples to use when retrieving system boot time.
	sampleSize = 5

	// DefaultStatsWindow is the wall-clock interval over which the poll loop
	// accumulates rate counters before logging and resetting them.
	DefaultStatsWindow = 5 * time.Second

	// DefaultIdlePollInterval is how long the poll loop sleeps after a full
	// pass over every ring buffer produced no record.
	DefaultIdlePollInterval = 2 * time.Millisecond

	// DefaultDeferredIdleInterval is how long the deferred-events processor
	// sleeps after finding the queue empty.
	DefaultDeferredIdleInterval = 2 * time.Millisecond

	// DefaultGPUEntryTTL bounds how long a partial GPU job timeline is kept
	// around waiting for its matching fence-signaled tracepoint.
	DefaultGPUEntryTTL = 10 * time.Second
)

// Monotonic-to-unixtime delta that can be added to a monotonic
// (CLOCK_MONOTONIC) timestamp to convert it to time-since-epoch.
var bootTimeUnixNano atomic.Int64

// Intervals is the subset of configured timers and counters the tracer
// engine reads during a run.
type Intervals struct {
	statsWindow          time.Duration
	idlePollInterval     time.Duration
	deferredIdleInterval time.Duration
	gpuEntryTTL          time.Duration
}

// New returns an Intervals using the supplied values, falling back to the
// package defaults for any zero value.
func New(statsWindow, idlePollInterval, deferredIdleInterval, gpuEntryTTL time.Duration) *Intervals {
	t := &Intervals{
		statsWindow:          statsWindow,
		idlePollInterval:     idlePollInterval,
		deferredIdleInterval: deferredIdleInterval,
		gpuEntryTTL:          gpuEntryTTL,
	}
	if t.statsWindow == 0 {
		t.statsWindow = DefaultStatsWindow
	}
	if t.idlePollInterval == 0 {
		t.idlePollInterval = DefaultIdlePollInterval
	}
	if t.deferredIdleInterval == 0 {
		t.deferredIdleInterval = DefaultDeferredIdleInterval
	}
	if t.gpuEntryTTL == 0 {
		t.gpuEntryTTL = DefaultGPUEntryTTL
	}
	return t
}

func (t *Intervals) StatsWindow() time.Duration          { return t.statsWindow }
func (t *Intervals) IdlePollInterval() time.Duration     { return t.idlePollInterval }
func (t *Intervals) DeferredIdleInterval() time.Duration { return t.deferredIdleInterval }
func (t *Intervals) GPUEntryTTL() time.Duration          { return t.gpuEntryTTL }

// StartRealtimeSync calculates the delta between the monotonic clock and the
// realtime clock once, so KTime.UnixNano can convert kernel timestamps. If
// syncInterval is greater than zero it refreshes that delta periodically
// until done is closed, to correct for clock drift on long-running traces.
// Tracer.New starts this once a run is fully open, and Tracer.closeAll
// closes done to stop it.
func StartRealtimeSync(done <-chan struct{}, syncInterval time.Duration) {
	bootTimeUnixNano.Store(getBootTimeUnixNano())

	if syncInterval <= 0 {
		return
	}

	go func() {
		ticker := time.NewTicker(syncInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				bootTimeUnixNano.Store(getBootTimeUnixNano())
			}
		}
	}()
}

// getBootTimeUnixNano returns system boot time in nanoseconds since the
// epoch, temporarily locking the calling goroutine to its OS thread.
func getBootTimeUnixNano() int64 {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	samples := make([]struct {
		t1    time.Time
		ktime int64
		t2    time.Time
	}, sampleSize)

	for i := range samples {
		// To avoid noise from scheduling / other delays, we perform a
		// series of measurements and pick the one with the lowest delta.
		samples[i].t1 = time.Now()
		samples[i].ktime = int64(GetKTime())
		samples[i].t2 = time.Now()
	}

	sort.Slice(samples, func(i, j int) bool {
		di := samples[i].t2.UnixNano() - samples[i].t1.UnixNano()
		dj := samples[j].t2.UnixNano() - samples[j].t1.UnixNano()
		if di < 0 {
			di = -di
		}
		if dj < 0 {
			dj = -dj
		}
		return di < dj
	})

	return samples[0].t1.UnixNano() - samples[0].ktime
}
