// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package tracer implements spec.md §4.D: the whole-process tracer engine
// that owns the perf fd and ring-buffer sets, runs the
// open -> enable -> poll-loop -> disable -> close lifecycle, classifies
// incoming records and dispatches them to the listener either directly or
// through the deferred/reorder/unwind pipeline.
package tracer

import (
	"github.com/linuxtracer/proctracer/listener"
	"github.com/linuxtracer/proctracer/times"
	"github.com/linuxtracer/proctracer/unwind"
	"github.com/linuxtracer/proctracer/util"
)

// InstrumentedFunction names one user-level function to attach a
// (uprobe, uretprobe) pair to: a file offset within a binary, used as the
// probe target, plus the runtime virtual address it corresponds to in the
// target's address space (spec.md §3).
type InstrumentedFunction struct {
	BinaryPath     string
	FileOffset     uint64
	VirtualAddress uint64
}

// Config is the tracer's immutable run configuration (spec.md §3/§6). It is
// constructed by the caller and only read by the tracer for the duration of
// one run.
type Config struct {
	TargetPID        util.PID
	SamplingPeriodNs uint64

	TraceContextSwitches   bool
	TraceCallstacks        bool
	TraceInstrumentedFuncs bool
	TraceGPUDriverEvents   bool

	InstrumentedFunctions []InstrumentedFunction

	// Unwinder reconstructs call stacks from sampled registers/stack bytes.
	// Required whenever TraceCallstacks or TraceInstrumentedFuncs is set.
	Unwinder unwind.Unwinder

	// Listener is the sole downstream sink for engine events. A nil
	// Listener is a fatal misconfiguration (spec.md §7 "no listener set").
	Listener listener.Listener

	// Intervals overrides the engine's timing constants; the zero value
	// uses times.New's defaults (SPEC_FULL.md §5).
	Intervals *times.Intervals

	// GPUCacheCapacity bounds the number of in-flight gpu jobs tracked at
	// once; zero uses a conservative default.
	GPUCacheCapacity uint32
}

func (c Config) intervals() *times.Intervals {
	if c.Intervals != nil {
		return c.Intervals
	}
	return times.New(0, 0, 0, 0)
}

func (c Config) gpuCacheCapacity() uint32 {
	if c.GPUCacheCapacity != 0 {
		return c.GPUCacheCapacity
	}
	return 4096
}

const (
	gpuCategory = "amdgpu"
	gpuSubmit   = "amdgpu_cs_ioctl"
	gpuSchedule = "amdgpu_sched_run_job"
	gpuSignal   = "dma_fence_signaled"
)
