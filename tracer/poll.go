// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package tracer

import (
	"encoding/binary"

	log "github.com/sirupsen/logrus"

	"github.com/linuxtracer/proctracer/events"
	"github.com/linuxtracer/proctracer/gpu"
	"github.com/linuxtracer/proctracer/listener"
	"github.com/linuxtracer/proctracer/perfutil"
	"github.com/linuxtracer/proctracer/procutil"
	"github.com/linuxtracer/proctracer/util"
)

// drainOne consumes at most one record from r's ring buffer, classifying and
// dispatching it. It reports whether a record was available, so pollLoop's
// round-robin batch loop knows when to move on to the next ring.
func (t *Tracer) drainOne(r *ringEntry) bool {
	hdr, ok := r.rb.ReadHeader()
	if !ok {
		return false
	}

	buf := make([]byte, hdr.Size)
	n, err := r.rb.ConsumeRecord(hdr, buf)
	if err != nil {
		log.WithError(err).Warnf("tracer: failed to consume record from %s, skipping", r.rb.Name())
		return true
	}
	payload := buf[:n]

	switch events.RecordType(hdr.Type) {
	case events.RecordLost:
		t.handleLost(r.rb.Name(), r.cpu, payload)
	case events.RecordSwitch:
		t.handleSwitch(hdr, payload, r)
	case events.RecordSwitchCPUWide:
		t.handleSwitchCPUWide(hdr, payload, r)
	case events.RecordFork:
		t.handleFork(payload, r)
	case events.RecordExit:
		t.handleExit(payload, r)
	case events.RecordMmap:
		t.handleMmap(payload, r)
	case events.RecordSample:
		t.handleSample(hdr, payload, r)
	default:
		log.Debugf("tracer: unhandled record type %d on %s, skipping", hdr.Type, r.rb.Name())
	}
	return true
}

func (t *Tracer) handleLost(bufferName string, cpu int, payload []byte) {
	ev, err := events.DecodeLost(payload, cpu)
	if err != nil {
		log.WithError(err).Warn("tracer: failed to decode LOST record")
		return
	}
	t.stats.AddLost(bufferName, ev.LostCount)
	t.cfg.Listener.OnLost(bufferName, ev.LostCount)
}

func (t *Tracer) handleSwitch(hdr perfutil.RecordHeader, payload []byte, r *ringEntry) {
	ev, err := events.DecodeSwitch(hdr, payload, r.cpu)
	if err != nil {
		log.WithError(err).Warn("tracer: failed to decode SWITCH record")
		return
	}
	t.dispatchSwitch(ev, r.rb.Name())
}

func (t *Tracer) handleSwitchCPUWide(hdr perfutil.RecordHeader, payload []byte, r *ringEntry) {
	ev, err := events.DecodeSwitchCPUWide(hdr, payload, r.cpu)
	if err != nil {
		log.WithError(err).Warn("tracer: failed to decode SWITCH_CPU_WIDE record")
		return
	}
	t.dispatchSwitch(ev, r.rb.Name())
}

// dispatchSwitch forwards a context-switch event directly to the listener,
// bypassing the deferred queue. The context-switch fd is system-wide, so
// records for threads outside the target are dropped here.
func (t *Tracer) dispatchSwitch(ev events.Event, bufferName string) {
	if _, alive := t.liveTIDs[ev.TID]; !alive {
		return
	}
	t.stats.AddSchedSwitch(bufferName)
	if ev.Kind == events.KindContextSwitchIn {
		t.cfg.Listener.OnContextSwitchIn(ev.TID, ev.CPU, ev.Time)
	} else {
		t.cfg.Listener.OnContextSwitchOut(ev.TID, ev.CPU, ev.Time)
	}
}

// handleFork extends the live-thread set and notifies the listener directly.
// The mmap/task fd is already pid-scoped, so every fork it reports belongs
// to the target.
func (t *Tracer) handleFork(payload []byte, r *ringEntry) {
	ev, err := events.DecodeFork(payload, r.cpu)
	if err != nil {
		log.WithError(err).Warn("tracer: failed to decode FORK record")
		return
	}
	t.liveTIDs[ev.ChildTID] = struct{}{}
	t.cfg.Listener.OnTID(ev.ChildTID)
	t.notifyThreadName(ev.ChildTID)
}

// notifyThreadName reads the new thread's comm and forwards it through the
// listener's optional on_thread_name callback, if it implements one
// (a supplement beyond the required on_tid contract). A
// missing/unreadable comm (thread already gone) or a non-printable name is
// silently dropped rather than surfaced as an error, matching the rest of
// the poll loop's tolerance for per-record decode failures.
func (t *Tracer) notifyThreadName(tid util.TID) {
	namer, ok := t.cfg.Listener.(listener.OptionalThreadNamer)
	if !ok {
		return
	}
	name, err := procutil.Comm(t.cfg.TargetPID, tid)
	if err != nil || !util.IsValidString(name) {
		return
	}
	namer.OnThreadName(tid, name)
}

// handleExit retires a thread from the live-thread set, so its later
// context-switch records (the cpu-wide fd may still briefly report its
// final scheduling) are no longer forwarded.
func (t *Tracer) handleExit(payload []byte, r *ringEntry) {
	ev, err := events.DecodeExit(payload, r.cpu)
	if err != nil {
		log.WithError(err).Warn("tracer: failed to decode EXIT record")
		return
	}
	delete(t.liveTIDs, ev.ChildTID)
}

// handleMmap pushes a maps-refresh event into the deferred queue. The unwindvisitor
// re-captures /proc/<pid>/maps itself once this event reaches the front of
// the reordered stream, rather than carrying a snapshot in the event.
func (t *Tracer) handleMmap(payload []byte, r *ringEntry) {
	ev, err := events.DecodeMmap(payload, r.cpu)
	if err != nil {
		log.WithError(err).Warn("tracer: failed to decode MMAP record")
		return
	}
	t.deferredQueue.Push(r.origin, ev)
}

func (t *Tracer) handleSample(hdr perfutil.RecordHeader, payload []byte, r *ringEntry) {
	switch r.kind {
	case ringSampling:
		ev, err := events.DecodeSample(hdr, payload, r.cpu, false)
		if err != nil {
			log.WithError(err).Warn("tracer: failed to decode sampling SAMPLE record")
			return
		}
		t.stats.AddSample(r.rb.Name())
		t.deferredQueue.Push(r.origin, ev)
	case ringProbe:
		ev, err := events.DecodeSample(hdr, payload, r.cpu, true)
		if err != nil {
			log.WithError(err).Warn("tracer: failed to decode probe SAMPLE record")
			return
		}
		if ev.Kind == events.KindUretprobeEntry {
			t.stats.AddUretprobe(r.rb.Name())
		} else {
			t.stats.AddUprobe(r.rb.Name())
		}
		t.deferredQueue.Push(r.origin, ev)
	case ringGPU:
		t.handleGPUSample(hdr, payload, r)
	default:
		log.Debugf("tracer: SAMPLE record on unexpected ring kind %s, skipping", r.kind)
	}
}

// handleGPUSample decodes a raw tracepoint sample and feeds it straight to
// the gpu correlator, bypassing the deferred queue and reordering processor
// entirely: job correlation has its own TTL-bounded join logic and does not
// need global time order across the other event streams.
func (t *Tracer) handleGPUSample(hdr perfutil.RecordHeader, payload []byte, r *ringEntry) {
	ev, err := events.DecodeGPURaw(hdr, payload, r.cpu, 0)
	if err != nil {
		log.WithError(err).Warn("tracer: failed to decode gpu SAMPLE record")
		return
	}
	if len(ev.Raw) < perfutil.CommonTypeOffset+perfutil.CommonTypeSize {
		log.Warn("tracer: gpu raw payload too short for common_type, skipping")
		return
	}
	tpID := uint64(binary.LittleEndian.Uint16(
		ev.Raw[perfutil.CommonTypeOffset : perfutil.CommonTypeOffset+perfutil.CommonTypeSize]))
	leg, ok := r.gpuLegs[tpID]
	if !ok {
		log.Debugf("tracer: gpu record with unrecognized tracepoint id %d, skipping", tpID)
		return
	}

	ctxID := gpu.ReadField(ev.Raw, leg.ctxField)
	seqno := gpu.ReadField(ev.Raw, leg.seqnoField)
	t.stats.AddGPUEvent(r.rb.Name())
	t.gpuCorrelator.Observe(leg.tp, ctxID, seqno, ev.TID, ev.Time)
}
