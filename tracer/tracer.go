// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package tracer

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/linuxtracer/proctracer/deferred"
	"github.com/linuxtracer/proctracer/gpu"
	"github.com/linuxtracer/proctracer/listener"
	"github.com/linuxtracer/proctracer/memmap"
	"github.com/linuxtracer/proctracer/perfutil"
	"github.com/linuxtracer/proctracer/procutil"
	"github.com/linuxtracer/proctracer/reorder"
	"github.com/linuxtracer/proctracer/stats"
	"github.com/linuxtracer/proctracer/times"
	"github.com/linuxtracer/proctracer/unwindvisitor"
	"github.com/linuxtracer/proctracer/util"
)

type ringKind int

const (
	ringContextSwitch ringKind = iota
	ringMmapTask
	ringSampling
	ringProbe
	ringGPU
)

func (k ringKind) String() string {
	switch k {
	case ringContextSwitch:
		return "context-switch"
	case ringMmapTask:
		return "mmap-task"
	case ringSampling:
		return "sampling"
	case ringProbe:
		return "probe"
	case ringGPU:
		return "gpu"
	default:
		return "unknown"
	}
}

// gpuLeg identifies which of the three joined tracepoints a gpu ring's fd
// produces samples for, plus where its (context, seqno) fields live within
// the raw tracepoint payload.
type gpuLeg struct {
	tp         gpu.Tracepoint
	ctxField   gpu.FieldLayout
	seqnoField gpu.FieldLayout
}

// ringSource is the subset of *perfutil.RingBuffer's behavior the poll loop
// depends on. Extracted so tests can drive drainOne/pollLoop's round-robin
// drain discipline against a fake ring buffer without mmapping a real perf
// fd; *perfutil.RingBuffer satisfies it unchanged.
type ringSource interface {
	Name() string
	ReadHeader() (perfutil.RecordHeader, bool)
	ConsumeRecord(hdr perfutil.RecordHeader, dst []byte) (int, error)
	Close() error
}

// ringEntry is one poll-order entry: one mmap'd ring buffer plus enough
// bookkeeping for the poll loop to classify and dispatch the records it
// produces.
type ringEntry struct {
	rb     ringSource
	kind   ringKind
	cpu    int
	origin int // reorder origin id; meaningful only for ringMmapTask/ringSampling/ringProbe

	// gpuLegs maps a raw sample's common_type field (the kernel tracepoint
	// id) to the leg (submit/schedule/signal) and field layout of the
	// tracepoint that produced it. Populated only for ringGPU.
	gpuLegs map[uint64]gpuLeg
}

// Tracer owns the perf fd and ring-buffer sets for one run and drives the
// open -> enable -> poll-loop -> disable -> close lifecycle.
type Tracer struct {
	cfg   Config
	stats *stats.Stats
	runID string

	rings  []*ringEntry // poll order, insertion order = round-robin order
	allFDs []int        // every fd opened this run, disabled and closed in the close phase

	// enableOrder lists fds in the order Enable should be called. Probe
	// pairs are recorded uretprobe-before-uprobe.
	enableOrder []int

	streamToFunction map[uint64]listener.FunctionID

	gpuEnabled    bool
	gpuCorrelator *gpu.Correlator

	nextOrigin int

	// liveTIDs scopes the system-wide context-switch fd down to the
	// target's threads. Owned solely by the poll thread: Run seeds it with
	// the initial threads before the poll loop starts, and drainOne then
	// updates it on fork/exit records from the target-scoped mmap/task fd.
	liveTIDs map[util.TID]struct{}

	deferredQueue *deferred.Queue
	deferredProc  *deferred.Processor
	reorderProc   *reorder.Processor
	visitor       *unwindvisitor.Visitor

	// realtimeSyncDone stops the background monotonic-to-realtime clock
	// sync goroutine (times.StartRealtimeSync) started once the tracer is
	// fully open. nil until then, so an early closeAll rollback in New
	// doesn't try to close a channel that was never created.
	realtimeSyncDone chan struct{}
}

// New performs the tracer's open phase and returns a Tracer ready for Run.
// The listener precondition is checked first since every other step is
// wasted work if it fails.
func New(cfg Config) (*Tracer, error) {
	if cfg.Listener == nil {
		return nil, fmt.Errorf("tracer: no listener set")
	}
	if (cfg.TraceCallstacks || cfg.TraceInstrumentedFuncs) && cfg.Unwinder == nil {
		return nil, fmt.Errorf("tracer: callstacks/instrumented functions require an Unwinder")
	}

	t := &Tracer{
		cfg:              cfg,
		stats:            stats.New(),
		runID:            uuid.NewString(),
		streamToFunction: make(map[uint64]listener.FunctionID),
		liveTIDs:         make(map[util.TID]struct{}),
	}

	allCPUs, err := procutil.OnlineCPUs()
	if err != nil {
		return nil, fmt.Errorf("tracer: enumerate online cpus: %w", err)
	}
	cpusetCPUs := procutil.CPUSet(cfg.TargetPID, allCPUs)
	if len(cpusetCPUs) == 0 {
		cpusetCPUs = allCPUs
	}

	if cfg.TraceContextSwitches {
		t.openContextSwitches(allCPUs)
	}

	initialMaps, err := memmap.Capture(cfg.TargetPID)
	if err != nil {
		t.closeAll()
		return nil, fmt.Errorf("tracer: capture initial maps snapshot: %w", err)
	}

	t.openMmapTask(cpusetCPUs)

	if cfg.TraceGPUDriverEvents {
		t.openGPU(allCPUs)
	}

	if cfg.TraceInstrumentedFuncs {
		t.openProbes(cpusetCPUs)
	}

	if cfg.TraceCallstacks {
		t.openSampling(cpusetCPUs)
	}

	origins := make([]reorder.OriginFD, 0, len(t.rings))
	for _, r := range t.rings {
		if r.kind == ringMmapTask || r.kind == ringSampling || r.kind == ringProbe {
			origins = append(origins, reorder.OriginFD(r.origin))
		}
	}
	t.visitor = unwindvisitor.New(cfg.Unwinder, t.streamToFunction, initialMaps, cfg.TargetPID, cfg.Listener)
	t.reorderProc = reorder.New(t.visitor, origins...)
	t.deferredQueue = deferred.New()
	t.deferredProc = deferred.NewProcessor(t.deferredQueue, t.reorderProc, cfg.intervals().DeferredIdleInterval())

	t.realtimeSyncDone = make(chan struct{})
	times.StartRealtimeSync(t.realtimeSyncDone, realtimeSyncInterval)

	return t, nil
}

// realtimeSyncInterval is how often the monotonic-to-realtime clock offset
// (times.StartRealtimeSync) is refreshed, correcting for clock drift over a
// long-running trace so logStatsWindow's wall-clock timestamp stays accurate.
const realtimeSyncInterval = 30 * time.Second

func (t *Tracer) trackFd(fd int) {
	t.allFDs = append(t.allFDs, fd)
}

// Run enables every opened fd, emits the initial TID-live notifications,
// then drives the poll loop until exit becomes true, and finally runs the
// close phase.
func (t *Tracer) Run(exit *atomic.Bool) error {
	for _, fd := range t.enableOrder {
		if err := perfutil.Enable(fd); err != nil {
			log.WithError(err).Warn("tracer: failed to enable fd, continuing degraded")
		}
	}

	tids, err := procutil.ListThreads(t.cfg.TargetPID)
	if err != nil {
		log.WithError(err).Warn("tracer: failed to enumerate initial threads")
	}
	for _, tid := range tids {
		t.liveTIDs[tid] = struct{}{}
		t.cfg.Listener.OnTID(tid)
		t.notifyThreadName(tid)
	}

	go t.deferredProc.Run()

	t.pollLoop(exit)

	t.deferredProc.Stop()
	t.reorderProc.ProcessAll()

	return t.closeAll()
}

// pollLoop implements the round-robin drain discipline: up to B
// records per ring buffer per pass, an idle sleep when a whole pass
// produces nothing, and a periodic stats-window rollover. exit is rechecked
// between ring buffers and between individual records within a ring's
// batch, not just once per outer pass, so shutdown latency is bounded by a
// single record's processing time rather than a full B-records-times-every-
// ring sweep: a flag set mid-drain lets the in-flight record finish and
// then returns immediately, with no partial record left in flight.
func (t *Tracer) pollLoop(exit *atomic.Bool) {
	const batchSize = 5
	intervals := t.cfg.intervals()
	statsWindowDeadline := time.Now().Add(intervals.StatsWindow())

	for !exit.Load() {
		produced := false
		for _, r := range t.rings {
			if exit.Load() {
				return
			}
			for i := 0; i < batchSize; i++ {
				if exit.Load() {
					return
				}
				if !t.drainOne(r) {
					break
				}
				produced = true
			}
		}

		if t.gpuCorrelator != nil {
			t.gpuCorrelator.PurgeExpired()
		}

		if time.Now().After(statsWindowDeadline) {
			t.logStatsWindow()
			statsWindowDeadline = time.Now().Add(intervals.StatsWindow())
		}

		if !produced {
			time.Sleep(intervals.IdlePollInterval())
		}
	}
}

func (t *Tracer) logStatsWindow() {
	counters, perBuffer := t.stats.Snapshot()
	log.WithFields(log.Fields{
		"run_id":             t.runID,
		"closed_at":          times.GetKTime().Time(),
		"sched_switches":     counters.SchedSwitches,
		"samples":            counters.Samples,
		"uprobes":            counters.Uprobes,
		"uretprobes":         counters.Uretprobes,
		"gpu_events":         counters.GPUEvents,
		"lost":               counters.Lost,
		"per_buffer":         perBuffer,
		"deferred_max_depth": t.deferredQueue.MaxDepth(),
	}).Info("tracer: stats window")
	t.stats.Reset()
}

// Stats exposes the running counters, for a CLI or test to inspect
// without waiting for a log line.
func (t *Tracer) Stats() *stats.Stats { return t.stats }
