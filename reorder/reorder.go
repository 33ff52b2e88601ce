// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package reorder implements spec.md §4.F: restoring a global time order
// over events drawn from several independently-ordered ring buffers.
//
// Each origin fd delivers events already in timestamp order, a property
// the kernel guarantees per ring buffer. The Processor keeps one ordered
// queue per origin fd and repeatedly releases the globally-oldest queued
// event whenever doing so is safe: an event is safe to release once its
// timestamp is no greater than the minimum of the latest-seen timestamps
// across all active fds, since no fd can still be holding something
// earlier that it just hasn't delivered yet.
package reorder

import (
	"github.com/linuxtracer/proctracer/events"
)

// Sink receives events in release order.
type Sink interface {
	Visit(ev events.Event)
}

// OriginFD identifies the ring buffer a deferred event was drained from.
type OriginFD int

type perFDQueue struct {
	events []events.Event // ascending by Time; released from the front
	latest uint64
}

// Processor restores global time order across a fixed set of origin fds.
// It is single-threaded: spec.md §9 models it as owned by exactly one
// goroutine (the deferred-events processor).
//
// The origin set must be everything that will ever feed the processor,
// known up front from the tracer's open phase. An fd that has not yet
// delivered any event still counts toward the safety minimum at its
// initial latest-seen of zero, so a fd that has simply not produced
// anything yet correctly blocks release of later timestamps from other
// fds until it catches up — that is what makes the global order safe
// rather than just "safe among fds that happen to have spoken so far".
type Processor struct {
	queues map[OriginFD]*perFDQueue
	sink   Sink
}

// New constructs a Processor over the given fixed set of origin fds,
// emitting released events to sink in order.
func New(sink Sink, origins ...OriginFD) *Processor {
	queues := make(map[OriginFD]*perFDQueue, len(origins))
	for _, o := range origins {
		queues[o] = &perFDQueue{}
	}
	return &Processor{queues: queues, sink: sink}
}

// Push enqueues ev, received from origin, and then releases every event
// across all fds that has become safe to emit as a result. origin must
// have been included in the set passed to New.
func (p *Processor) Push(origin OriginFD, ev events.Event) {
	q, ok := p.queues[origin]
	if !ok {
		q = &perFDQueue{}
		p.queues[origin] = q
	}
	q.events = append(q.events, ev)
	if ev.Time > q.latest {
		q.latest = ev.Time
	}
	p.releaseSafe()
}

// Visit implements deferred.Sink, so a Processor can sit directly between
// the deferred-events processor and the unwinding visitor: the
// deferred-events thread owns both the Processor and int-typed origin ids
// it assigns per ring buffer.
func (p *Processor) Visit(origin int, ev events.Event) {
	p.Push(OriginFD(origin), ev)
}

// minLatest returns the minimum of the latest-seen timestamps across every
// known origin fd, both those passed to New and any first seen by Push (an
// fd that has delivered nothing yet caps safety at 0, matching the
// conservative "might still deliver an earlier event" rule).
func (p *Processor) minLatest() (uint64, bool) {
	first := true
	var min uint64
	for _, q := range p.queues {
		if first || q.latest < min {
			min = q.latest
			first = false
		}
	}
	return min, !first
}

func (p *Processor) releaseSafe() {
	for {
		min, ok := p.minLatest()
		if !ok || !p.popOldestAtMost(min) {
			return
		}
	}
}

// popOldestAtMost finds the globally-oldest front-of-queue event across all
// fds; if its timestamp is <= max it is popped and emitted.
func (p *Processor) popOldestAtMost(max uint64) bool {
	var bestQueue *perFDQueue
	for _, q := range p.queues {
		if len(q.events) == 0 {
			continue
		}
		if bestQueue == nil || q.events[0].Time < bestQueue.events[0].Time {
			bestQueue = q
		}
	}
	if bestQueue == nil || bestQueue.events[0].Time > max {
		return false
	}
	ev := bestQueue.events[0]
	bestQueue.events = bestQueue.events[1:]
	p.sink.Visit(ev)
	return true
}

// ProcessAll relaxes the safety check and flushes every remaining queued
// event across all fds in timestamp order. Called once at shutdown after
// the deferred-events thread has been joined (spec.md §4.F "process all
// events").
func (p *Processor) ProcessAll() {
	for p.popOldestAtMost(^uint64(0)) {
	}
}

// Pending returns the number of events still queued across all fds,
// useful for shutdown diagnostics and tests.
func (p *Processor) Pending() int {
	n := 0
	for _, q := range p.queues {
		n += len(q.events)
	}
	return n
}
