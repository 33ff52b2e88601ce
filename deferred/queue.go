// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package deferred handles events that cannot be classified and dispatched
// directly from the poll loop (samples, uprobes, uretprobes, maps-refresh
// triggers): they are appended to a queue and handed off to a separate
// processor goroutine, so an expensive unwind or a slow downstream listener
// never stalls ring-buffer draining.
package deferred

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/linuxtracer/proctracer/events"
	"github.com/linuxtracer/proctracer/util"
)

// Event is a typed event plus the identity of the ring buffer it was drained
// from. Origin is opaque to this package; the reordering processor
// interprets it as an origin fd.
type Event struct {
	Origin int
	Ev     events.Event
}

// Sink receives events in the order the processor goroutine drains them.
// reorder.Processor satisfies this via its Push method adapted to this
// signature.
type Sink interface {
	Visit(origin int, ev events.Event)
}

// Queue is a mutex-guarded append buffer: the poll loop calls Push; the
// processor goroutine periodically swaps the buffer out from under the
// producer and drains the swapped-out copy without holding the lock, so the
// poll loop is never blocked on consumer work.
type Queue struct {
	mu       sync.Mutex
	pending  []Event
	maxDepth atomic.Uint64 // high-water mark of len(pending) just before a swap
}

// New returns an empty Queue.
func New() *Queue {
	return &Queue{}
}

// Push appends (origin, ev) to the queue. Safe for concurrent use.
func (q *Queue) Push(origin int, ev events.Event) {
	q.mu.Lock()
	q.pending = append(q.pending, Event{Origin: origin, Ev: ev})
	depth := len(q.pending)
	q.mu.Unlock()
	util.AtomicUpdateMaxUint64(&q.maxDepth, uint64(depth))
}

// MaxDepth returns the largest number of events the queue has held at once
// since the queue was created, a diagnostic for whether the processor
// goroutine is keeping up with the poll loop.
func (q *Queue) MaxDepth() uint64 {
	return q.maxDepth.Load()
}

// swap atomically takes ownership of the current pending slice and leaves
// an empty one in its place.
func (q *Queue) swap() []Event {
	q.mu.Lock()
	batch := q.pending
	q.pending = nil
	q.mu.Unlock()
	return batch
}

// Processor drains a Queue, forwarding each event to sink in order. On each
// tick it keeps swapping the queue until a swap comes back empty, then
// waits one idle interval before the next tick.
type Processor struct {
	queue *Queue
	sink  Sink

	interval time.Duration
	done     chan struct{}
	stopped  chan struct{}
}

// NewProcessor constructs a Processor. interval is typically
// times.DefaultDeferredIdleInterval.
func NewProcessor(q *Queue, sink Sink, interval time.Duration) *Processor {
	return &Processor{
		queue:    q,
		sink:     sink,
		interval: interval,
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
}

// Run drains the queue until Stop is called, then performs one final drain
// so no pushed-but-unprocessed event is lost on shutdown.
func (p *Processor) Run() {
	defer close(p.stopped)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.done:
			p.drainOnce()
			return
		case <-ticker.C:
			for p.drainOnce() {
			}
		}
	}
}

// drainOnce swaps the queue out and forwards its contents to sink,
// reporting whether the swap yielded any event.
func (p *Processor) drainOnce() bool {
	batch := p.queue.swap()
	for _, ev := range batch {
		p.sink.Visit(ev.Origin, ev.Ev)
	}
	return len(batch) > 0
}

// Stop signals Run to perform a final drain and return, then blocks until
// it has done so.
func (p *Processor) Stop() {
	close(p.done)
	<-p.stopped
}
