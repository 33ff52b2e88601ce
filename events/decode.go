// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package events

import (
	"encoding/binary"
	"fmt"
	"math/bits"

	"golang.org/x/sys/unix"

	"github.com/linuxtracer/proctracer/perfutil"
	"github.com/linuxtracer/proctracer/util"
)

// RecordType mirrors the PERF_RECORD_* constants from linux/perf_event.h.
type RecordType uint32

const (
	RecordMmap          RecordType = unix.PERF_RECORD_MMAP
	RecordLost          RecordType = unix.PERF_RECORD_LOST
	RecordFork          RecordType = unix.PERF_RECORD_FORK
	RecordExit          RecordType = unix.PERF_RECORD_EXIT
	RecordSample        RecordType = unix.PERF_RECORD_SAMPLE
	RecordSwitch        RecordType = unix.PERF_RECORD_SWITCH
	RecordSwitchCPUWide RecordType = unix.PERF_RECORD_SWITCH_CPU_WIDE
)

const miscSwitchOut = unix.PERF_RECORD_MISC_SWITCH_OUT

// DecodeSwitch decodes a PERF_RECORD_SWITCH record. This fd is per-cpu and
// not redirected, so it carries only the trailing sample_id suffix
// (pid, tid, time) configured by Sample_type = TID|TIME.
func DecodeSwitch(hdr perfutil.RecordHeader, payload []byte, cpu int) (Event, error) {
	if len(payload) < 16 {
		return Event{}, fmt.Errorf("events: short SWITCH record: %d bytes", len(payload))
	}
	tid := binary.LittleEndian.Uint32(payload[4:8])
	ts := binary.LittleEndian.Uint64(payload[8:16])

	kind := KindContextSwitchIn
	if hdr.Misc&miscSwitchOut != 0 {
		kind = KindContextSwitchOut
	}
	return Event{Kind: kind, Time: ts, TID: util.TID(tid), CPU: cpu}, nil
}

// DecodeSwitchCPUWide decodes a PERF_RECORD_SWITCH_CPU_WIDE record: like
// DecodeSwitch, but prefixed by the next/previous pid and tid of the
// scheduled-in/out thread.
func DecodeSwitchCPUWide(hdr perfutil.RecordHeader, payload []byte, cpu int) (Event, error) {
	if len(payload) < 8+16 {
		return Event{}, fmt.Errorf("events: short SWITCH_CPU_WIDE record: %d bytes", len(payload))
	}
	tid := binary.LittleEndian.Uint32(payload[8+4 : 8+8])
	ts := binary.LittleEndian.Uint64(payload[8+8 : 8+16])

	kind := KindContextSwitchIn
	if hdr.Misc&miscSwitchOut != 0 {
		kind = KindContextSwitchOut
	}
	return Event{Kind: kind, Time: ts, TID: util.TID(tid), CPU: cpu}, nil
}

// DecodeFork decodes a PERF_RECORD_FORK record: pid, ppid, tid, ptid, time.
func DecodeFork(payload []byte, cpu int) (Event, error) {
	if len(payload) < 24 {
		return Event{}, fmt.Errorf("events: short FORK record: %d bytes", len(payload))
	}
	pid := binary.LittleEndian.Uint32(payload[0:4])
	tid := binary.LittleEndian.Uint32(payload[8:12])
	ts := binary.LittleEndian.Uint64(payload[16:24])
	return Event{Kind: KindFork, Time: ts, PID: util.PID(pid), ChildTID: util.TID(tid), CPU: cpu}, nil
}

// DecodeExit decodes a PERF_RECORD_EXIT record, same layout as FORK.
func DecodeExit(payload []byte, cpu int) (Event, error) {
	if len(payload) < 24 {
		return Event{}, fmt.Errorf("events: short EXIT record: %d bytes", len(payload))
	}
	pid := binary.LittleEndian.Uint32(payload[0:4])
	tid := binary.LittleEndian.Uint32(payload[8:12])
	ts := binary.LittleEndian.Uint64(payload[16:24])
	return Event{Kind: KindExit, Time: ts, PID: util.PID(pid), ChildTID: util.TID(tid), CPU: cpu}, nil
}

// DecodeMmap decodes a PERF_RECORD_MMAP record: pid, tid, addr, len, pgoff,
// NUL-padded filename, trailed by the sample_id (pid, tid, time) suffix.
// Only PROT_EXEC mmaps reach this path, since the mmap/task fd is opened
// without mmap_data (spec.md §4.D step 6).
func DecodeMmap(payload []byte, cpu int) (Event, error) {
	const fixed = 4 + 4 + 8 + 8 + 8
	if len(payload) < fixed {
		return Event{}, fmt.Errorf("events: short MMAP record: %d bytes", len(payload))
	}
	tid := binary.LittleEndian.Uint32(payload[4:8])
	addr := binary.LittleEndian.Uint64(payload[8:16])
	length := binary.LittleEndian.Uint64(payload[16:24])
	pgoff := binary.LittleEndian.Uint64(payload[24:32])

	rest := payload[fixed:]
	// The filename is NUL-terminated and padded to an 8-byte boundary;
	// the trailing 16 bytes (tid/pid/time of the sample_id suffix) follow
	// it directly.
	nameEnd := fixed
	for i, b := range rest {
		if b == 0 {
			nameEnd = fixed + i
			break
		}
	}
	filename := string(payload[fixed:nameEnd])

	var ts uint64
	if len(payload) >= 16 {
		ts = binary.LittleEndian.Uint64(payload[len(payload)-8:])
	}

	return Event{
		Kind: KindMmap, Time: ts, TID: util.TID(tid), CPU: cpu,
		MmapAddr: addr, MmapLen: length, MmapFileOffset: pgoff, MmapFilename: filename,
	}, nil
}

// DecodeLost decodes a PERF_RECORD_LOST record: id, lost count.
func DecodeLost(payload []byte, cpu int) (Event, error) {
	if len(payload) < 16 {
		return Event{}, fmt.Errorf("events: short LOST record: %d bytes", len(payload))
	}
	lost := binary.LittleEndian.Uint64(payload[8:16])
	return Event{Kind: KindLost, CPU: cpu, LostCount: lost}, nil
}

// DecodeSample decodes a PERF_RECORD_SAMPLE record produced by a sampling,
// uprobe or uretprobe fd. isProbeRing tells the decoder whether the record
// came from a shared probe ring (spec.md §4.D "Classification of SAMPLE
// records"); gpu tracepoint samples go through DecodeGPURaw instead. The
// uprobe/uretprobe disambiguation itself is purely size-based (spec.md
// §4.C).
func DecodeSample(hdr perfutil.RecordHeader, payload []byte, cpu int, isProbeRing bool) (Event, error) {
	var streamID uint64
	if isProbeRing {
		// Every probe fd is opened with PERF_SAMPLE_IDENTIFIER, which the
		// kernel always places first regardless of what else is present,
		// so several functions' probes can share one redirected ring
		// buffer and still be told apart (spec.md §4.C / perfutil.OpenUprobe).
		if len(payload) < 8 {
			return Event{}, fmt.Errorf("events: short probe SAMPLE identifier: %d bytes", len(payload))
		}
		streamID = binary.LittleEndian.Uint64(payload[0:8])
		payload = payload[8:]
	}

	if len(payload) < 16 {
		return Event{}, fmt.Errorf("events: short SAMPLE record: %d bytes", len(payload))
	}
	tid := binary.LittleEndian.Uint32(payload[4:8])
	ts := binary.LittleEndian.Uint64(payload[8:16])

	base := Event{Time: ts, TID: util.TID(tid), CPU: cpu, StreamID: streamID}

	if isProbeRing && int(hdr.Size) == perfutil.EmptySampleSize {
		base.Kind = KindUretprobeEntry
		return base, nil
	}

	regs, stack, err := decodeRegsAndStack(payload[16:])
	if err != nil {
		return Event{}, err
	}
	base.Regs = regs
	base.Stack = stack
	if isProbeRing {
		base.Kind = KindUprobeWithStack
	} else {
		base.Kind = KindStackSample
	}
	return base, nil
}

// DecodeGPURaw decodes a PERF_RECORD_SAMPLE from a gpu tracepoint fd, which
// is opened with Sample_type = TID|TIME|RAW rather than the regs/stack
// shape uprobes and sampling use.
func DecodeGPURaw(hdr perfutil.RecordHeader, payload []byte, cpu int, tracepointID uint64) (Event, error) {
	if len(payload) < 16 {
		return Event{}, fmt.Errorf("events: short gpu SAMPLE record: %d bytes", len(payload))
	}
	tid := binary.LittleEndian.Uint32(payload[4:8])
	ts := binary.LittleEndian.Uint64(payload[8:16])

	rest := payload[16:]
	if len(rest) < 4 {
		return Event{}, fmt.Errorf("events: short gpu raw size field")
	}
	rawSize := binary.LittleEndian.Uint32(rest[0:4])
	rest = rest[4:]
	if uint64(len(rest)) < uint64(rawSize) {
		return Event{}, fmt.Errorf("events: short gpu raw payload")
	}
	raw := make([]byte, rawSize)
	copy(raw, rest[:rawSize])

	return Event{
		Kind: KindGPUTracepointRaw, Time: ts, TID: util.TID(tid), CPU: cpu,
		TracepointID: tracepointID, Raw: raw,
	}, nil
}

// decodeRegsAndStack parses the PERF_SAMPLE_REGS_USER/PERF_SAMPLE_STACK_USER
// trailer that follows pid/tid/time in a full (non-empty) sample: an ABI
// tag, the selected register values, then a size-prefixed stack dump.
func decodeRegsAndStack(tail []byte) (UserRegisters, []byte, error) {
	const headerLen = 8 // perf_sample_regs_user.abi
	if len(tail) < headerLen {
		return UserRegisters{}, nil, fmt.Errorf("events: short regs_user trailer")
	}
	nregs := bits.OnesCount64(perfutil.AllUserRegsMask())
	regsLen := headerLen + nregs*8
	if len(tail) < regsLen {
		return UserRegisters{}, nil, fmt.Errorf("events: short regs_user payload")
	}
	regVals := tail[headerLen:regsLen]
	bp := binary.LittleEndian.Uint64(regVals[perfutil.RegIndexBP*8 : perfutil.RegIndexBP*8+8])
	sp := binary.LittleEndian.Uint64(regVals[perfutil.RegIndexSP*8 : perfutil.RegIndexSP*8+8])
	ip := binary.LittleEndian.Uint64(regVals[perfutil.RegIndexIP*8 : perfutil.RegIndexIP*8+8])

	rest := tail[regsLen:]
	if len(rest) < 8 {
		return UserRegisters{}, nil, fmt.Errorf("events: short stack_user size field")
	}
	stackSize := binary.LittleEndian.Uint64(rest[0:8])
	rest = rest[8:]
	if uint64(len(rest)) < stackSize {
		return UserRegisters{}, nil, fmt.Errorf("events: short stack_user payload")
	}
	stack := make([]byte, stackSize)
	copy(stack, rest[:stackSize])

	return UserRegisters{IP: ip, SP: sp, BP: bp}, stack, nil
}
