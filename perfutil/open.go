// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package perfutil

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"unsafe"

	"golang.org/x/sys/unix"
)

// allUserRegsMask selects every general-purpose user register perf can
// report in PERF_SAMPLE_REGS_USER, per the architecture's perf_regs.h.
// x86-64 has 27 defined registers (PERF_REG_X86_AX .. PERF_REG_X86_SSP).
const allUserRegsMask = (uint64(1) << 27) - 1

// Indices of ip/sp/bp within the x86-64 perf_regs.h enum, used by
// events.decodeRegsAndStack to pick the three registers the unwinder needs
// out of the full register dump.
const (
	RegIndexBP = 6
	RegIndexSP = 7
	RegIndexIP = 8
)

// AllUserRegsMask reports the register selection mask used when opening
// sampling/uprobe events, so decoders can compute the trailing regs_user
// payload length without re-deriving popcount(mask) themselves.
func AllUserRegsMask() uint64 { return allUserRegsMask }

// EmptySampleSize is the total record size (header included) of a
// PERF_RECORD_SAMPLE carrying only PERF_SAMPLE_IDENTIFIER|PERF_SAMPLE_TID|
// PERF_SAMPLE_TIME: the shape uretprobe samples are opened with. The
// identifier field is what lets events.DecodeSample attribute a probe
// record back to the specific uprobe/uretprobe fd that produced it once
// several functions' probes share one redirected ring buffer;
// events.DecodeSample uses this constant as the authoritative
// uprobe/uretprobe classifier on that shared ring (spec.md §4.C).
const EmptySampleSize = recordHeaderSize + 8 + 4 + 4 + 8

// Kind identifies the shape of a perf event fd. A fd belongs to exactly one
// Kind for its whole lifetime (spec.md §3 invariant).
type Kind int

const (
	KindContextSwitch Kind = iota
	KindMmapTask
	KindSampling
	KindUprobe
	KindUretprobe
	KindGPUTracepoint
)

func (k Kind) String() string {
	switch k {
	case KindContextSwitch:
		return "context-switch"
	case KindMmapTask:
		return "mmap-task"
	case KindSampling:
		return "sampling"
	case KindUprobe:
		return "uprobe"
	case KindUretprobe:
		return "uretprobe"
	case KindGPUTracepoint:
		return "gpu-tracepoint"
	default:
		return "unknown"
	}
}

// SampleStackSize is the number of bytes of user stack perf captures per
// sample, used by sampling and uprobe/uretprobe attachments.
const SampleStackSize = 8192

// CommonTypeOffset and CommonTypeSize locate the common_type field every
// tracepoint's raw payload begins with (struct trace_entry from the
// kernel's tracing ABI), stable across categories. A consumer reading
// several redirected tracepoint fds off one shared ring buffer uses this
// field, rather than PERF_SAMPLE_IDENTIFIER, to tell which fd a given
// PERF_SAMPLE_RAW record came from.
const (
	CommonTypeOffset = 0
	CommonTypeSize   = 2
)

// OpenResult carries the outcome of a successful open: the raw fd and, for
// sample-producing kinds, the kernel-assigned stream id used to attribute
// later records back to this source (spec.md §3).
type OpenResult struct {
	Fd       int
	StreamID uint64
	Kind     Kind
}

// perfEventOpen is the common syscall wrapper; flags always include CLOEXEC
// to avoid fd leaks across exec.
func perfEventOpen(attr *unix.PerfEventAttr, pid, cpu int) (int, error) {
	fd, err := unix.PerfEventOpen(attr, pid, cpu, -1, unix.PERF_FLAG_FD_CLOEXEC)
	if err != nil {
		return -1, fmt.Errorf("perf_event_open: %w", err)
	}
	return fd, nil
}

func streamID(fd int) (uint64, error) {
	var id uint64
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), unix.PERF_EVENT_IOC_ID,
		uintptr(unsafe.Pointer(&id)))
	if errno != 0 {
		return 0, fmt.Errorf("PERF_EVENT_IOC_ID: %w", errno)
	}
	return id, nil
}

// OpenContextSwitch opens a cpu-wide context-switch event: system-wide
// (pid -1) so it observes every thread scheduled on cpu, regardless of
// target.
func OpenContextSwitch(cpu int) (OpenResult, error) {
	attr := unix.PerfEventAttr{
		Type:        unix.PERF_TYPE_SOFTWARE,
		Config:      unix.PERF_COUNT_SW_DUMMY,
		Sample_type: unix.PERF_SAMPLE_TID | unix.PERF_SAMPLE_TIME,
		Bits:        unix.PerfBitContextSwitch | unix.PerfBitDisabled,
		Wakeup:      1,
	}
	fd, err := perfEventOpen(&attr, -1, cpu)
	if err != nil {
		return OpenResult{}, err
	}
	return OpenResult{Fd: fd, Kind: KindContextSwitch}, nil
}

// OpenMmapTask opens an fd that reports PROT_EXEC mmap events and fork/exit
// notifications for pid on cpu.
func OpenMmapTask(pid, cpu int) (OpenResult, error) {
	attr := unix.PerfEventAttr{
		Type:        unix.PERF_TYPE_SOFTWARE,
		Config:      unix.PERF_COUNT_SW_DUMMY,
		Sample_type: unix.PERF_SAMPLE_TID | unix.PERF_SAMPLE_TIME,
		Bits:        unix.PerfBitMmap | unix.PerfBitTask | unix.PerfBitDisabled,
		Wakeup:      1,
	}
	fd, err := perfEventOpen(&attr, pid, cpu)
	if err != nil {
		return OpenResult{}, err
	}
	return OpenResult{Fd: fd, Kind: KindMmapTask}, nil
}

// OpenSampling opens a cpu-clock timer stack-sampling event for pid on cpu,
// firing every periodNs nanoseconds and capturing user registers and a user
// stack snapshot with every sample.
func OpenSampling(pid, cpu int, periodNs uint64) (OpenResult, error) {
	attr := unix.PerfEventAttr{
		Type:   unix.PERF_TYPE_SOFTWARE,
		Config: unix.PERF_COUNT_SW_CPU_CLOCK,
		Sample_type: unix.PERF_SAMPLE_TID | unix.PERF_SAMPLE_TIME |
			unix.PERF_SAMPLE_REGS_USER | unix.PERF_SAMPLE_STACK_USER,
		Sample_regs_user:  allUserRegsMask,
		Sample_stack_user: uint32(SampleStackSize),
		Bits:              unix.PerfBitDisabled,
		Wakeup:            1,
	}
	attr.Sample = periodNs
	fd, err := perfEventOpen(&attr, pid, cpu)
	if err != nil {
		return OpenResult{}, err
	}
	id, err := streamID(fd)
	if err != nil {
		_ = unix.Close(fd)
		return OpenResult{}, err
	}
	return OpenResult{Fd: fd, StreamID: id, Kind: KindSampling}, nil
}

// openProbe opens a uprobe or uretprobe at the given binary path and file
// offset, attached to pid on cpu.
func openProbe(pid, cpu int, binaryPath string, offset uint64, retprobe bool) (OpenResult, error) {
	etype, err := uprobePMUType()
	if err != nil {
		return OpenResult{}, err
	}

	var config uint64
	if retprobe {
		config = 1 // PERF_PROBE_CONFIG_IS_RETPROBE, per uprobe_type sysfs format
	}

	// The kernel's perf_uprobe PMU reads the target path out of the calling
	// process's memory at open time: config1/config2 (Ext1/Ext2) carry the
	// address of a NUL-terminated path string and the file offset
	// respectively. The byte slice must stay alive (and its address stable)
	// across the syscall, hence the explicit Pointer/KeepAlive pairing.
	//
	// Every probe fd carries PERF_SAMPLE_IDENTIFIER so a record can be
	// attributed back to the specific fd that produced it once several
	// functions' probes are redirected onto one shared per-cpu ring buffer
	// (events.DecodeSample reads this leading field as the record's
	// StreamID). Entry (uprobe) samples additionally carry user registers
	// and a stack dump so the unwinder has something to work with; return
	// (uretprobe) samples only need a timestamp to close out the matching
	// entry, so their Sample_type is deliberately narrower. This size
	// difference is what lets events.DecodeSample tell uprobe and
	// uretprobe records apart on the shared ring (spec.md §4.C).
	sampleType := uint64(unix.PERF_SAMPLE_IDENTIFIER | unix.PERF_SAMPLE_TID | unix.PERF_SAMPLE_TIME)
	var sampleRegsUser uint64
	var sampleStackUser uint32
	if !retprobe {
		sampleType |= unix.PERF_SAMPLE_REGS_USER | unix.PERF_SAMPLE_STACK_USER
		sampleRegsUser = allUserRegsMask
		sampleStackUser = uint32(SampleStackSize)
	}

	pathBuf := append([]byte(binaryPath), 0)
	attr := unix.PerfEventAttr{
		Type:              etype,
		Config:            config,
		Sample_type:       sampleType,
		Sample_regs_user:  sampleRegsUser,
		Sample_stack_user: sampleStackUser,
		Bits:              unix.PerfBitDisabled,
		Wakeup:            1,
		Ext1:              uint64(uintptr(unsafe.Pointer(&pathBuf[0]))),
		Ext2:              offset,
	}

	fd, err := perfEventOpen(&attr, pid, cpu)
	runtime.KeepAlive(pathBuf)
	if err != nil {
		kind := "uprobe"
		if retprobe {
			kind = "uretprobe"
		}
		return OpenResult{}, fmt.Errorf("open %s at %s+%#x: %w", kind, binaryPath, offset, err)
	}
	id, err := streamID(fd)
	if err != nil {
		_ = unix.Close(fd)
		return OpenResult{}, err
	}
	kind := KindUprobe
	if retprobe {
		kind = KindUretprobe
	}
	return OpenResult{Fd: fd, StreamID: id, Kind: kind}, nil
}

// OpenUprobe opens a uprobe firing on entry to the function at binaryPath's
// file offset.
func OpenUprobe(pid, cpu int, binaryPath string, offset uint64) (OpenResult, error) {
	return openProbe(pid, cpu, binaryPath, offset, false)
}

// OpenUretprobe opens a uretprobe firing on return from the function at
// binaryPath's file offset.
func OpenUretprobe(pid, cpu int, binaryPath string, offset uint64) (OpenResult, error) {
	return openProbe(pid, cpu, binaryPath, offset, true)
}

// OpenTracepoint opens a kernel static tracepoint identified by
// category/name, e.g. "amdgpu", "amdgpu_cs_ioctl".
func OpenTracepoint(pid, cpu int, category, name string) (OpenResult, error) {
	id, err := tracepointID(category, name)
	if err != nil {
		return OpenResult{}, err
	}
	attr := unix.PerfEventAttr{
		Type:        unix.PERF_TYPE_TRACEPOINT,
		Config:      id,
		Sample_type: unix.PERF_SAMPLE_TID | unix.PERF_SAMPLE_TIME | unix.PERF_SAMPLE_RAW,
		Bits:        unix.PerfBitDisabled,
		Wakeup:      1,
	}
	fd, err := perfEventOpen(&attr, pid, cpu)
	if err != nil {
		return OpenResult{}, fmt.Errorf("open tracepoint %s/%s: %w", category, name, err)
	}
	sid, err := streamID(fd)
	if err != nil {
		_ = unix.Close(fd)
		return OpenResult{}, err
	}
	return OpenResult{Fd: fd, StreamID: sid, Kind: KindGPUTracepoint}, nil
}

// TracepointID resolves the numeric tracepoint id for category/name, the
// same id the kernel stamps into every raw sample's leading common_type
// field (struct trace_entry), so a consumer reading PERF_SAMPLE_RAW off a
// shared ring buffer can tell which of several redirected tracepoint fds
// produced a given record without relying on PERF_SAMPLE_IDENTIFIER.
func TracepointID(category, name string) (uint64, error) {
	return tracepointID(category, name)
}

// tracepointID resolves the numeric tracepoint id for category/name from
// debugfs/tracefs, as documented by perf_event_open(2).
func tracepointID(category, name string) (uint64, error) {
	path := "/sys/kernel/debug/tracing/events/" + category + "/" + name + "/id"
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read tracepoint id for %s/%s: %w", category, name, err)
	}
	id, err := strconv.ParseUint(strings.TrimSpace(string(raw)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse tracepoint id for %s/%s: %w", category, name, err)
	}
	return id, nil
}

// FieldOffset locates one field's byte offset and size within a tracepoint's
// raw sample payload, by reading its tracefs "format" description (the same
// text format `perf script` and `libtraceevent` parse). Every tracepoint
// under category/name documents its fields there as lines of the shape
// "field:u64 seqno;	offset:16;	size:8;	signed:0;".
func FieldOffset(category, name, field string) (offset, size int, err error) {
	path := "/sys/kernel/debug/tracing/events/" + category + "/" + name + "/format"
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, 0, fmt.Errorf("read tracepoint format for %s/%s: %w", category, name, err)
	}
	for _, line := range strings.Split(string(raw), "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "field:") {
			continue
		}
		decl, rest, ok := strings.Cut(strings.TrimPrefix(line, "field:"), ";")
		if !ok || !strings.HasSuffix(strings.TrimSpace(decl), field) {
			continue
		}
		offset, err = fieldIntAttr(rest, "offset")
		if err != nil {
			return 0, 0, err
		}
		size, err = fieldIntAttr(rest, "size")
		if err != nil {
			return 0, 0, err
		}
		return offset, size, nil
	}
	return 0, 0, fmt.Errorf("field %q not found in %s/%s format", field, category, name)
}

func fieldIntAttr(rest, attr string) (int, error) {
	for _, part := range strings.Split(rest, ";") {
		part = strings.TrimSpace(part)
		key, val, ok := strings.Cut(part, ":")
		if !ok || key != attr {
			continue
		}
		return strconv.Atoi(strings.TrimSpace(val))
	}
	return 0, fmt.Errorf("attribute %q not present", attr)
}

// uprobePMUType resolves the dynamic PMU type for uprobes, registered by the
// kernel's uprobe subsystem under /sys/bus/event_source/devices/uprobe/type.
func uprobePMUType() (uint32, error) {
	raw, err := os.ReadFile("/sys/bus/event_source/devices/uprobe/type")
	if err != nil {
		return 0, fmt.Errorf("uprobe PMU not available (need CONFIG_UPROBE_EVENTS): %w", err)
	}
	v, err := strconv.ParseUint(strings.TrimSpace(string(raw)), 10, 32)
	if err != nil {
		return 0, fmt.Errorf("parse uprobe PMU type: %w", err)
	}
	return uint32(v), nil
}
