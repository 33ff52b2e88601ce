// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package tracer

import (
	"fmt"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/linuxtracer/proctracer/gpu"
	"github.com/linuxtracer/proctracer/listener"
	"github.com/linuxtracer/proctracer/perfutil"
)

// defaultSamplingPeriodNs is used when Config.SamplingPeriodNs is left at
// its zero value: a 1ms period, a reasonable default sampling rate for
// profiling.
const defaultSamplingPeriodNs = 1_000_000

const ringDataPages = 8 // 8 * pagesize per ring; a power of two (perfutil.OpenRingBuffer requirement)

// cpuOpenResult is one cpu's outcome from a concurrent per-cpu open pass:
// either a ready fd+ring pair, or nothing if that cpu's open failed. Each
// goroutine in the errgroup below writes only to its own slice index, so no
// further synchronization is needed before the results are committed to
// Tracer state on the calling goroutine.
type cpuOpenResult struct {
	fd int
	rb *perfutil.RingBuffer
}

// openPerCPU runs open for every cpu concurrently (grounded on the
// per-cpu goroutine fan-out pattern used for trace collection elsewhere in
// the ecosystem), then returns one slot per cpu, nil where that cpu's open
// failed; each such failure is logged here with warnFmt.
func openPerCPU(cpus []int, open func(cpu int) (*cpuOpenResult, error), warnFmt string) []*cpuOpenResult {
	results := make([]*cpuOpenResult, len(cpus))
	var g errgroup.Group
	for i, cpu := range cpus {
		i, cpu := i, cpu
		g.Go(func() error {
			res, err := open(cpu)
			if err != nil {
				log.WithError(err).Warnf(warnFmt, cpu)
				return nil
			}
			results[i] = res
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// openContextSwitches opens one cpu-wide context-switch fd with its own
// ring buffer per cpu (spec.md §4.D step 2). A failure is a per-cpu
// partial-open warning; the run proceeds on the remaining cpus (spec.md §7).
func (t *Tracer) openContextSwitches(cpus []int) {
	results := openPerCPU(cpus, func(cpu int) (*cpuOpenResult, error) {
		res, err := perfutil.OpenContextSwitch(cpu)
		if err != nil {
			return nil, fmt.Errorf("context-switch open: %w", err)
		}
		rb, err := perfutil.OpenRingBuffer(res.Fd, fmt.Sprintf("context_switch_%d", cpu), ringDataPages)
		if err != nil {
			_ = unix.Close(res.Fd)
			return nil, fmt.Errorf("context-switch mmap: %w", err)
		}
		return &cpuOpenResult{fd: res.Fd, rb: rb}, nil
	}, "tracer: context-switch open failed on cpu %d, skipping")

	for i, cpu := range cpus {
		if results[i] == nil {
			continue
		}
		t.trackFd(results[i].fd)
		t.enableOrder = append(t.enableOrder, results[i].fd)
		t.rings = append(t.rings, &ringEntry{rb: results[i].rb, kind: ringContextSwitch, cpu: cpu})
	}
}

// openMmapTask opens one mmap/task fd per cpuset cpu, reporting PROT_EXEC
// mmaps and fork/exit for the target (spec.md §4.D step 6). Always
// attempted, independent of every other toggle: the engine needs
// fork/exit/maps-refresh regardless of what else is enabled.
func (t *Tracer) openMmapTask(cpus []int) {
	results := openPerCPU(cpus, func(cpu int) (*cpuOpenResult, error) {
		res, err := perfutil.OpenMmapTask(int(t.cfg.TargetPID), cpu)
		if err != nil {
			return nil, fmt.Errorf("mmap/task open: %w", err)
		}
		rb, err := perfutil.OpenRingBuffer(res.Fd, fmt.Sprintf("mmap_task_%d", cpu), ringDataPages)
		if err != nil {
			_ = unix.Close(res.Fd)
			return nil, fmt.Errorf("mmap/task mmap: %w", err)
		}
		return &cpuOpenResult{fd: res.Fd, rb: rb}, nil
	}, "tracer: mmap/task open failed on cpu %d, skipping")

	for i, cpu := range cpus {
		if results[i] == nil {
			continue
		}
		t.trackFd(results[i].fd)
		t.enableOrder = append(t.enableOrder, results[i].fd)
		origin := t.nextOrigin
		t.nextOrigin++
		t.rings = append(t.rings, &ringEntry{rb: results[i].rb, kind: ringMmapTask, cpu: cpu, origin: origin})
	}
}

// openSampling opens one cpu-clock timer stack-sampling fd per cpuset cpu
// (spec.md §4.D step 7). A failure is a per-cpu partial-open warning.
func (t *Tracer) openSampling(cpus []int) {
	period := t.cfg.SamplingPeriodNs
	if period == 0 {
		period = defaultSamplingPeriodNs
	}
	results := openPerCPU(cpus, func(cpu int) (*cpuOpenResult, error) {
		res, err := perfutil.OpenSampling(int(t.cfg.TargetPID), cpu, period)
		if err != nil {
			return nil, fmt.Errorf("sampling open: %w", err)
		}
		rb, err := perfutil.OpenRingBuffer(res.Fd, fmt.Sprintf("sampling_%d", cpu), ringDataPages)
		if err != nil {
			_ = unix.Close(res.Fd)
			return nil, fmt.Errorf("sampling mmap: %w", err)
		}
		return &cpuOpenResult{fd: res.Fd, rb: rb}, nil
	}, "tracer: sampling open failed on cpu %d, skipping")

	for i, cpu := range cpus {
		if results[i] == nil {
			continue
		}
		t.trackFd(results[i].fd)
		t.enableOrder = append(t.enableOrder, results[i].fd)
		origin := t.nextOrigin
		t.nextOrigin++
		t.rings = append(t.rings, &ringEntry{rb: results[i].rb, kind: ringSampling, cpu: cpu, origin: origin})
	}
}

// openProbes opens a (uretprobe, uprobe) pair per instrumented function per
// cpuset cpu, sharing one ring buffer per cpu across every function
// (spec.md §4.D step 5). If any open for a given function fails partway
// through its cpu loop, every fd already opened for that function (across
// all cpus attempted so far) is closed and the function is skipped
// entirely; other functions are unaffected (spec.md §7 "unit-scoped":
// function).
func (t *Tracer) openProbes(cpus []int) {
	// probeRingOwner[cpu] holds the fd that owns cpu's shared probe ring,
	// once the first successfully-instrumented function has created it.
	probeRingOwner := make(map[int]int)

	for fnIdx, fn := range t.cfg.InstrumentedFunctions {
		functionID := listener.FunctionID(fnIdx)
		opened, ok := t.openOneFunction(fn, cpus, probeRingOwner)
		if !ok {
			continue
		}
		for _, o := range opened {
			t.streamToFunction[o.streamID] = functionID
		}
	}
}

type openedProbe struct {
	streamID uint64
}

// openOneFunction attempts to instrument fn on every cpu, rolling back all
// of its own fds (but not any shared ring it had not yet taken ownership
// of with this attempt's fds) on the first failure.
func (t *Tracer) openOneFunction(fn InstrumentedFunction, cpus []int, probeRingOwner map[int]int) ([]openedProbe, bool) {
	type opened struct {
		fd       int
		ring     *perfutil.RingBuffer // non-nil only if this fd became a new ring owner
		cpu      int
		streamID uint64
	}
	var thisAttempt []opened

	rollback := func() {
		for _, o := range thisAttempt {
			if o.ring != nil {
				_ = o.ring.Close()
				delete(probeRingOwner, o.cpu)
			}
			_ = unix.Close(o.fd)
		}
	}

	for _, cpu := range cpus {
		retRes, err := perfutil.OpenUretprobe(int(t.cfg.TargetPID), cpu, fn.BinaryPath, fn.FileOffset)
		if err != nil {
			log.WithError(err).Warnf("tracer: uretprobe open failed for %s+%#x, skipping function",
				fn.BinaryPath, fn.FileOffset)
			rollback()
			return nil, false
		}
		entryRes, err := perfutil.OpenUprobe(int(t.cfg.TargetPID), cpu, fn.BinaryPath, fn.FileOffset)
		if err != nil {
			log.WithError(err).Warnf("tracer: uprobe open failed for %s+%#x, skipping function",
				fn.BinaryPath, fn.FileOffset)
			_ = unix.Close(retRes.Fd)
			rollback()
			return nil, false
		}

		var newRing *perfutil.RingBuffer
		ownerFd, hasRing := probeRingOwner[cpu]
		if !hasRing {
			rb, err := perfutil.OpenRingBuffer(retRes.Fd, fmt.Sprintf("probes_%d", cpu), ringDataPages)
			if err != nil {
				log.WithError(err).Warnf("tracer: probe ring mmap failed on cpu %d, skipping function", cpu)
				_ = unix.Close(retRes.Fd)
				_ = unix.Close(entryRes.Fd)
				rollback()
				return nil, false
			}
			newRing = rb
			ownerFd = retRes.Fd
			probeRingOwner[cpu] = ownerFd
			if err := perfutil.Redirect(entryRes.Fd, ownerFd); err != nil {
				log.WithError(err).Warnf("tracer: redirect uprobe failed on cpu %d, skipping function", cpu)
				_ = rb.Close()
				delete(probeRingOwner, cpu)
				_ = unix.Close(retRes.Fd)
				_ = unix.Close(entryRes.Fd)
				rollback()
				return nil, false
			}
		} else {
			if err := perfutil.Redirect(retRes.Fd, ownerFd); err != nil {
				log.WithError(err).Warnf("tracer: redirect uretprobe failed on cpu %d, skipping function", cpu)
				_ = unix.Close(retRes.Fd)
				_ = unix.Close(entryRes.Fd)
				rollback()
				return nil, false
			}
			if err := perfutil.Redirect(entryRes.Fd, ownerFd); err != nil {
				log.WithError(err).Warnf("tracer: redirect uprobe failed on cpu %d, skipping function", cpu)
				_ = unix.Close(retRes.Fd)
				_ = unix.Close(entryRes.Fd)
				rollback()
				return nil, false
			}
		}

		thisAttempt = append(thisAttempt,
			opened{fd: retRes.Fd, ring: newRing, cpu: cpu, streamID: retRes.StreamID},
			opened{fd: entryRes.Fd, cpu: cpu, streamID: entryRes.StreamID})
	}

	// Success: commit. Append uretprobe fds before uprobe fds per cpu,
	// matching the attempt order already built above.
	result := make([]openedProbe, 0, len(thisAttempt))
	for _, o := range thisAttempt {
		t.trackFd(o.fd)
		t.enableOrder = append(t.enableOrder, o.fd)
		if o.ring != nil {
			origin := t.nextOrigin
			t.nextOrigin++
			t.rings = append(t.rings, &ringEntry{rb: o.ring, kind: ringProbe, cpu: o.cpu, origin: origin})
		}
		result = append(result, openedProbe{streamID: o.streamID})
	}
	return result, true
}

// openGPU opens the three joined tracepoints system-wide on every cpu,
// sharing one ring buffer per cpu (spec.md §4.D step 4). Unlike probes, a
// single failure anywhere rolls back every gpu fd opened so far across all
// cpus and disables gpu tracing for the whole run, per spec.md §4.D's
// explicit "on any failure during gpu open, close all gpu fds opened so
// far and continue the run with gpu disabled".
func (t *Tracer) openGPU(cpus []int) {
	legSpecs := []struct {
		tp   gpu.Tracepoint
		name string
	}{
		{gpu.TracepointSubmit, gpuSubmit},
		{gpu.TracepointSchedule, gpuSchedule},
		{gpu.TracepointSignal, gpuSignal},
	}

	layouts := make(map[string][2]gpu.FieldLayout, len(legSpecs)) // name -> {context, seqno}
	tracepointIDs := make(map[string]uint64, len(legSpecs))       // name -> kernel tracepoint id
	for _, leg := range legSpecs {
		ctxOff, ctxSize, err := perfutil.FieldOffset(gpuCategory, leg.name, "context")
		if err != nil {
			log.WithError(err).Warn("tracer: gpu tracepoint format unavailable, disabling gpu tracing")
			return
		}
		seqOff, seqSize, err := perfutil.FieldOffset(gpuCategory, leg.name, "seqno")
		if err != nil {
			log.WithError(err).Warn("tracer: gpu tracepoint format unavailable, disabling gpu tracing")
			return
		}
		layouts[leg.name] = [2]gpu.FieldLayout{
			{Offset: ctxOff, Size: ctxSize},
			{Offset: seqOff, Size: seqSize},
		}
		id, err := perfutil.TracepointID(gpuCategory, leg.name)
		if err != nil {
			log.WithError(err).Warn("tracer: gpu tracepoint id unavailable, disabling gpu tracing")
			return
		}
		tracepointIDs[leg.name] = id
	}

	type opened struct {
		fd   int
		ring *perfutil.RingBuffer
		cpu  int
	}
	var all []opened
	var newRings []*ringEntry

	rollback := func() {
		for _, o := range all {
			if o.ring != nil {
				_ = o.ring.Close()
			}
			_ = unix.Close(o.fd)
		}
	}

	for _, cpu := range cpus {
		var ownerFd int
		var ring *perfutil.RingBuffer
		legs := make(map[uint64]gpuLeg, 3)

		for i, leg := range legSpecs {
			res, err := perfutil.OpenTracepoint(-1, cpu, gpuCategory, leg.name)
			if err != nil {
				log.WithError(err).Warn("tracer: gpu tracepoint open failed, disabling gpu tracing")
				rollback()
				return
			}
			all = append(all, opened{fd: res.Fd, cpu: cpu})

			if i == 0 {
				rb, err := perfutil.OpenRingBuffer(res.Fd, fmt.Sprintf("gpu_%d", cpu), ringDataPages)
				if err != nil {
					log.WithError(err).Warn("tracer: gpu ring mmap failed, disabling gpu tracing")
					rollback()
					return
				}
				all[len(all)-1].ring = rb
				ownerFd = res.Fd
				ring = rb
			} else if err := perfutil.Redirect(res.Fd, ownerFd); err != nil {
				log.WithError(err).Warn("tracer: gpu tracepoint redirect failed, disabling gpu tracing")
				rollback()
				return
			}

			layout := layouts[leg.name]
			legs[tracepointIDs[leg.name]] = gpuLeg{tp: leg.tp, ctxField: layout[0], seqnoField: layout[1]}
		}

		newRings = append(newRings, &ringEntry{rb: ring, kind: ringGPU, cpu: cpu, gpuLegs: legs})
	}

	// Success: commit everything.
	for _, o := range all {
		t.trackFd(o.fd)
		t.enableOrder = append(t.enableOrder, o.fd)
	}
	t.rings = append(t.rings, newRings...)

	correlator, err := gpu.New(t.cfg.gpuCacheCapacity(), t.cfg.intervals().GPUEntryTTL(), t.cfg.Listener)
	if err != nil {
		log.WithError(err).Warn("tracer: gpu correlator construction failed, disabling gpu tracing")
		return
	}
	t.gpuCorrelator = correlator
	t.gpuEnabled = true
}
