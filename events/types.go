// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package events decodes raw perf ring-buffer records (spec.md §4.C) into
// the typed Event variants the tracer engine, deferred queue, reordering
// processor and unwinding visitor pass between each other.
package events

import (
	"github.com/linuxtracer/proctracer/util"
)

// Kind discriminates the payload carried by an Event.
type Kind int

const (
	KindContextSwitchIn Kind = iota
	KindContextSwitchOut
	KindFork
	KindExit
	KindMmap
	KindStackSample
	KindUprobeWithStack
	KindUretprobeEntry
	KindGPUTracepointRaw
	KindLost
)

func (k Kind) String() string {
	switch k {
	case KindContextSwitchIn:
		return "context-switch-in"
	case KindContextSwitchOut:
		return "context-switch-out"
	case KindFork:
		return "fork"
	case KindExit:
		return "exit"
	case KindMmap:
		return "mmap"
	case KindStackSample:
		return "stack-sample"
	case KindUprobeWithStack:
		return "uprobe"
	case KindUretprobeEntry:
		return "uretprobe"
	case KindGPUTracepointRaw:
		return "gpu-tracepoint"
	case KindLost:
		return "lost"
	default:
		return "unknown"
	}
}

// UserRegisters holds the subset of the sampled user register file the
// unwinder needs to start walking a stack: instruction pointer, stack
// pointer and frame/base pointer.
type UserRegisters struct {
	IP, SP, BP uint64
}

// Event is a decoded record, carrying its timestamp, tid, cpu and
// kind-specific payload (spec.md §3 "Typed event").
type Event struct {
	Kind Kind
	Time uint64 // nanoseconds, CLOCK_MONOTONIC domain (times.KTime)
	TID  util.TID
	CPU  int

	// StreamID identifies the perf event fd this record's sample
	// originated from; populated only for probe-ring samples (uprobe and
	// uretprobe), which carry PERF_SAMPLE_IDENTIFIER, so the visitor can
	// attribute a record to its instrumented function. Zero for other kinds.
	StreamID uint64

	// Fork/Exit
	PID      util.PID
	ChildTID util.TID

	// StackSample / UprobeWithStack
	Regs  UserRegisters
	Stack []byte

	// Mmap
	MmapAddr, MmapLen, MmapFileOffset uint64
	MmapFilename                      string

	// GPUTracepointRaw
	TracepointID uint64
	Raw          []byte

	// Lost
	LostCount uint64
}
