// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package stats accumulates the tracer engine's per-window counters:
// monotonically-incremented counts reset on each 5-second window rollover,
// with a full counter breakdown additionally kept per ring buffer.
package stats

import "sync"

// Counters is one window's worth of accumulated counts.
type Counters struct {
	SchedSwitches uint64
	Samples       uint64
	Uprobes       uint64
	Uretprobes    uint64
	GPUEvents     uint64
	Lost          uint64
}

// Stats is the mutable, poll-thread-owned counter set for a tracer run.
// Counters are incremented only from the poll thread; every Add*, Snapshot
// and Reset call takes the mutex, so a reader on another goroutine always
// sees a consistent snapshot.
type Stats struct {
	mu        sync.Mutex
	current   Counters
	perBuffer map[string]Counters // full counter breakdown per ring buffer name
}

// New returns an empty Stats ready for a fresh run.
func New() *Stats {
	return &Stats{perBuffer: make(map[string]Counters)}
}

func (s *Stats) AddSchedSwitch(bufferName string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current.SchedSwitches++
	s.bump(bufferName, func(c *Counters) { c.SchedSwitches++ })
}

func (s *Stats) AddSample(bufferName string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current.Samples++
	s.bump(bufferName, func(c *Counters) { c.Samples++ })
}

func (s *Stats) AddUprobe(bufferName string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current.Uprobes++
	s.bump(bufferName, func(c *Counters) { c.Uprobes++ })
}

func (s *Stats) AddUretprobe(bufferName string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current.Uretprobes++
	s.bump(bufferName, func(c *Counters) { c.Uretprobes++ })
}

func (s *Stats) AddGPUEvent(bufferName string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current.GPUEvents++
	s.bump(bufferName, func(c *Counters) { c.GPUEvents++ })
}

// AddLost records count lost records attributed to ring buffer bufferName.
func (s *Stats) AddLost(bufferName string, count uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current.Lost += count
	s.bump(bufferName, func(c *Counters) { c.Lost += count })
}

// bump applies f to bufferName's Counters, creating it if absent. Callers
// must hold s.mu.
func (s *Stats) bump(bufferName string, f func(*Counters)) {
	c := s.perBuffer[bufferName]
	f(&c)
	s.perBuffer[bufferName] = c
}

// Snapshot returns a copy of the accumulated-since-last-reset counters and
// their full per-buffer breakdown.
func (s *Stats) Snapshot() (Counters, map[string]Counters) {
	s.mu.Lock()
	defer s.mu.Unlock()
	perBuffer := make(map[string]Counters, len(s.perBuffer))
	for k, v := range s.perBuffer {
		perBuffer[k] = v
	}
	return s.current, perBuffer
}

// Reset zeroes the window's counters; per-buffer totals are cumulative
// across the whole run and are not reset, matching the aggregate-vs-per-
// buffer split described above (the per-window "reset" applies to the
// rate counters logged each window, not to cumulative per-buffer accounting).
func (s *Stats) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = Counters{}
}
