// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package listener declares the tracer's sole downstream interface.
// Implementations must tolerate being invoked concurrently from both the
// poll thread and the deferred-events/unwinding thread.
package listener

import "github.com/linuxtracer/proctracer/util"

// Frame is one entry of an unwound or synthesized call stack, from
// innermost (leaf) to outermost.
type Frame struct {
	IP uint64
}

// Listener is the sole downstream interface the tracer engine emits events
// to. Every method must be safe for concurrent invocation: context-switch
// events (invoked from the poll thread) are not globally time-ordered with
// respect to samples and probe-matched calls (invoked from the
// deferred-events thread).
type Listener interface {
	// OnTID is called once per live thread at start and on each subsequent
	// fork event for the target.
	OnTID(tid util.TID)

	// OnContextSwitchIn/Out report a thread being scheduled onto/off of cpu
	// at time.
	OnContextSwitchIn(tid util.TID, cpu int, time uint64)
	OnContextSwitchOut(tid util.TID, cpu int, time uint64)

	// OnCallstack is emitted for both sampled stacks and stacks synthesized
	// by probe stitching.
	OnCallstack(tid util.TID, time uint64, frames []Frame)

	// OnFunctionCall is emitted after a uretprobe is matched against its
	// entry uprobe.
	OnFunctionCall(tid util.TID, functionID FunctionID, entryTime, exitTime uint64)

	// OnGPUJob is emitted once a GPU job's submit/schedule/signal
	// tracepoints have all been joined.
	OnGPUJob(submitTime, scheduleTime, signalTime uint64, context, seqno uint64, tid util.TID)

	// OnLost is an optional notification of ring-buffer record loss;
	// losses are also reflected in stats.Stats regardless of whether a
	// listener is present.
	OnLost(ringBufferName string, count uint64)
}

// FunctionID identifies one of the tracer's configured instrumented
// functions; see Config.InstrumentedFunctions.
type FunctionID uint64

// OptionalThreadNamer is implemented by listeners that also want thread
// names, additive over the required Listener contract above.
type OptionalThreadNamer interface {
	OnThreadName(tid util.TID, name string)
}

// MultiListener fans a single stream of calls out to several listeners in
// registration order.
type MultiListener []Listener

func (m MultiListener) OnTID(tid util.TID) {
	for _, l := range m {
		l.OnTID(tid)
	}
}

func (m MultiListener) OnContextSwitchIn(tid util.TID, cpu int, time uint64) {
	for _, l := range m {
		l.OnContextSwitchIn(tid, cpu, time)
	}
}

func (m MultiListener) OnContextSwitchOut(tid util.TID, cpu int, time uint64) {
	for _, l := range m {
		l.OnContextSwitchOut(tid, cpu, time)
	}
}

func (m MultiListener) OnCallstack(tid util.TID, time uint64, frames []Frame) {
	for _, l := range m {
		l.OnCallstack(tid, time, frames)
	}
}

func (m MultiListener) OnFunctionCall(tid util.TID, fn FunctionID, entry, exit uint64) {
	for _, l := range m {
		l.OnFunctionCall(tid, fn, entry, exit)
	}
}

func (m MultiListener) OnGPUJob(submit, schedule, signal uint64, context, seqno uint64, tid util.TID) {
	for _, l := range m {
		l.OnGPUJob(submit, schedule, signal, context, seqno, tid)
	}
}

func (m MultiListener) OnLost(ringBufferName string, count uint64) {
	for _, l := range m {
		l.OnLost(ringBufferName, count)
	}
}

// OnThreadName fans out to listeners implementing OptionalThreadNamer.
func (m MultiListener) OnThreadName(tid util.TID, name string) {
	for _, l := range m {
		if n, ok := l.(OptionalThreadNamer); ok {
			n.OnThreadName(tid, name)
		}
	}
}
