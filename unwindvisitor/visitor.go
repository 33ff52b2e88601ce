// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package unwindvisitor implements spec.md §4.G: consuming the
// reordering processor's time-ordered event stream, maintaining per-thread
// uprobe stacks, and reconstructing call stacks — stitching probe
// entries/returns with sampled stacks so the result reflects the
// pre-instrumentation call site rather than the probe trampoline.
package unwindvisitor

import (
	"encoding/binary"

	log "github.com/sirupsen/logrus"

	"github.com/linuxtracer/proctracer/events"
	"github.com/linuxtracer/proctracer/listener"
	"github.com/linuxtracer/proctracer/memmap"
	"github.com/linuxtracer/proctracer/unwind"
	"github.com/linuxtracer/proctracer/util"
)

// activeProbe is one entry on a thread's uprobe stack: a function awaiting
// its matching uretprobe, plus the caller return address the entry sample
// captured at the top of the stack. It stitches over the probe trampoline
// when a later stack sample on the same thread unwinds through this frame.
type activeProbe struct {
	function   listener.FunctionID
	entryTime  uint64
	returnAddr uint64
}

// Visitor is single-owner, single-thread state: the deferred-events
// processor thread owns it for the lifetime of the run and is the only
// caller of Visit (SPEC_FULL.md / spec.md §9 "shared ownership" note).
type Visitor struct {
	unwinder   unwind.Unwinder
	streamToFn map[uint64]listener.FunctionID
	out        listener.Listener
	targetPID  util.PID

	maps *memmap.Snapshot

	// probeStacks holds, per thread, the uprobes currently on the call
	// path awaiting a matching uretprobe.
	probeStacks map[util.TID][]activeProbe
}

// New constructs a Visitor. streamToFn is the immutable stream-id -> function
// index populated during the tracer's open phase (spec.md §9); maps is the
// initial memory-map snapshot captured before the run starts; pid is
// re-captured from whenever a KindMmap event for the target reaches the
// front of the reordered stream.
func New(u unwind.Unwinder, streamToFn map[uint64]listener.FunctionID,
	maps *memmap.Snapshot, pid util.PID, out listener.Listener) *Visitor {
	return &Visitor{
		unwinder:    u,
		streamToFn:  streamToFn,
		out:         out,
		targetPID:   pid,
		maps:        maps,
		probeStacks: make(map[util.TID][]activeProbe),
	}
}

// Visit dispatches one reordered event to the appropriate handler. It is
// the sole entry point reorder.Processor calls.
func (v *Visitor) Visit(ev events.Event) {
	switch ev.Kind {
	case events.KindUprobeWithStack:
		v.visitUprobeEntry(ev)
	case events.KindUretprobeEntry:
		v.visitUretprobe(ev)
	case events.KindStackSample:
		v.visitSample(ev)
	case events.KindMmap:
		v.visitMapsRefresh(ev)
	}
}

func (v *Visitor) visitUprobeEntry(ev events.Event) {
	fn, ok := v.streamToFn[ev.StreamID]
	if !ok {
		return
	}
	var retAddr uint64
	if len(ev.Stack) >= 8 {
		retAddr = binary.LittleEndian.Uint64(ev.Stack[:8])
	}
	v.probeStacks[ev.TID] = append(v.probeStacks[ev.TID], activeProbe{
		function:   fn,
		entryTime:  ev.Time,
		returnAddr: retAddr,
	})

	frames := v.unwinder.Unwind(ev.Regs, ev.Stack, v.maps)
	if len(frames) > 0 {
		v.out.OnCallstack(ev.TID, ev.Time, frames)
	}
}

// visitUretprobe pops the top entry for the thread and emits a matched
// on_function_call. A uretprobe with no corresponding entry on the stack
// (e.g. the probe was armed mid-call) is dropped silently: it cannot be
// matched to an entry time.
func (v *Visitor) visitUretprobe(ev events.Event) {
	stack := v.probeStacks[ev.TID]
	if len(stack) == 0 {
		return
	}
	top := stack[len(stack)-1]
	v.probeStacks[ev.TID] = stack[:len(stack)-1]
	v.out.OnFunctionCall(ev.TID, top.function, top.entryTime, ev.Time)
}

// visitSample unwinds a regular stack sample and, when the thread has an
// active uprobe, stitches the result (see stitch). Only the leaf frame is
// replaced, with the innermost active uprobe's saved return address; deeper
// frames that cross outer active uprobes are left as the unwinder produced
// them.
func (v *Visitor) visitSample(ev events.Event) {
	frames := v.unwinder.Unwind(ev.Regs, ev.Stack, v.maps)
	frames = v.stitch(ev.TID, frames)
	if len(frames) > 0 {
		v.out.OnCallstack(ev.TID, ev.Time, frames)
	}
}

// stitch replaces the leaf frame with the innermost active uprobe's saved
// return address, when the thread is currently inside an instrumented
// function: the leaf PC a sample captures there is inside the probe
// trampoline rather than the real instrumented function, and the trampoline
// carries no useful symbol of its own.
func (v *Visitor) stitch(tid util.TID, frames []listener.Frame) []listener.Frame {
	if len(frames) == 0 {
		return frames
	}
	actives := v.probeStacks[tid]
	if len(actives) == 0 {
		return frames
	}
	top := actives[len(actives)-1]
	if top.returnAddr != 0 {
		frames[0] = listener.Frame{IP: top.returnAddr}
	}
	return frames
}

// visitMapsRefresh re-reads the target's memory map in place, on the
// visitor's own thread: a PROT_EXEC mmap notification for the target means
// the address space has changed since the last snapshot, and any frame the
// unwinder resolves against it from here on needs the new layout.
// Re-capturing here, rather than threading a snapshot pointer over from the
// poll thread, keeps Visitor single-owned (spec.md §9) without needing any
// synchronization on v.maps.
func (v *Visitor) visitMapsRefresh(ev events.Event) {
	snap, err := memmap.Capture(v.targetPID)
	if err != nil {
		log.WithError(err).Warn("unwindvisitor: maps refresh capture failed, keeping stale snapshot")
		return
	}
	v.maps = snap
}

// SetMaps replaces the current memory-map snapshot directly, bypassing a
// fresh /proc read. Exposed for tests that supply a synthetic snapshot.
func (v *Visitor) SetMaps(m *memmap.Snapshot) { v.maps = m }

// DroppedProbes returns the count of uprobes still awaiting a uretprobe
// across all threads, useful for shutdown diagnostics (spec.md §8:
// "dangling uprobes at shutdown emit no function-call event").
func (v *Visitor) DroppedProbes() int {
	n := 0
	for _, stack := range v.probeStacks {
		n += len(stack)
	}
	return n
}
