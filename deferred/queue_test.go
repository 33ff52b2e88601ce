// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package deferred

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/linuxtracer/proctracer/events"
)

type recordingSink struct {
	mu   sync.Mutex
	seen []Event
}

func (s *recordingSink) Visit(origin int, ev events.Event) {
	s.mu.Lock()
	s.seen = append(s.seen, Event{Origin: origin, Ev: ev})
	s.mu.Unlock()
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.seen)
}

func TestProcessorDrainsPushedEvents(t *testing.T) {
	q := New()
	sink := &recordingSink{}
	p := NewProcessor(q, sink, time.Millisecond)

	go p.Run()

	for i := 0; i < 5; i++ {
		q.Push(1, events.Event{Time: uint64(i)})
	}

	require.Eventually(t, func() bool { return sink.count() == 5 }, time.Second, time.Millisecond)
	p.Stop()
}

func TestProcessorFinalDrainOnStop(t *testing.T) {
	q := New()
	sink := &recordingSink{}
	// A long interval means the ticker will not fire before Stop; the final
	// drain inside Stop must still pick up everything pushed beforehand.
	p := NewProcessor(q, sink, time.Hour)

	go p.Run()
	q.Push(1, events.Event{Time: 1})
	q.Push(2, events.Event{Time: 2})

	p.Stop()
	require.Equal(t, 2, sink.count())
}

func TestQueuePushIsConcurrencySafe(t *testing.T) {
	q := New()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			q.Push(n, events.Event{Time: uint64(n)})
		}(i)
	}
	wg.Wait()
	require.Len(t, q.swap(), 50)
}

func TestQueueMaxDepthTracksHighWaterMark(t *testing.T) {
	q := New()
	q.Push(1, events.Event{Time: 1})
	q.Push(1, events.Event{Time: 2})
	q.Push(1, events.Event{Time: 3})
	require.Equal(t, uint64(3), q.MaxDepth())

	q.swap()
	q.Push(1, events.Event{Time: 4})
	require.Equal(t, uint64(3), q.MaxDepth(), "max depth does not shrink after a swap")
}
