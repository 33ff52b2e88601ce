// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package perfutil wraps the raw Linux perf_event_open(2) / mmap(2) / ioctl(2)
// interface: mapping one kernel ring buffer into user memory and opening the
// various perf event shapes the tracer engine needs (context switches,
// sampling, uprobes/uretprobes, tracepoints, mmap/task notifications).
package perfutil

import (
	"errors"
	"fmt"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// RecordHeader is the fixed 8-byte header that precedes every record in a
// perf ring buffer: perf_event_header from linux/perf_event.h.
type RecordHeader struct {
	Type uint32
	Misc uint16
	Size uint16
}

const recordHeaderSize = 8

var errRingClosed = errors.New("perfutil: ring buffer is closed")

// RingBuffer is one kernel ring mapped into user memory, owned by exactly one
// perf event fd. Other fds may be redirected into it with Redirect so that
// several sources share one consumer: every fd that emits records is either
// the owner of a ring buffer or redirected to exactly one ring buffer.
type RingBuffer struct {
	name string
	fd   int

	meta  *unix.PerfEventMmapPage
	mmap  []byte // the whole mmap'd region, including the metadata page
	data  []byte // the data (ring) portion, aliases mmap[pageSize:]
	dsize uint64 // len(data), always a power of two
}

// OpenRingBuffer mmaps nDataPages (plus one metadata page) of ring buffer
// backing fd, the owning perf event file descriptor. nDataPages must be a
// power of two.
func OpenRingBuffer(fd int, name string, nDataPages int) (*RingBuffer, error) {
	pageSize := unix.Getpagesize()
	size := (nDataPages + 1) * pageSize

	mmap, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap ring buffer %q: %w", name, err)
	}

	return &RingBuffer{
		name:  name,
		fd:    fd,
		meta:  (*unix.PerfEventMmapPage)(unsafe.Pointer(&mmap[0])),
		mmap:  mmap,
		data:  mmap[pageSize:],
		dsize: uint64(nDataPages * pageSize),
	}, nil
}

// Name returns the diagnostic name used in logs and statistics.
func (r *RingBuffer) Name() string { return r.name }

// FileDescriptor returns the owning perf event fd.
func (r *RingBuffer) FileDescriptor() int { return r.fd }

// IsOpen reports whether the ring buffer still has live mmap backing.
func (r *RingBuffer) IsOpen() bool { return r.mmap != nil }

// HasNewData reports whether a full record is currently available for
// consumption. It never returns true for a torn/partial record: the kernel
// only advances Data_head after a record is fully written.
func (r *RingBuffer) HasNewData() bool {
	if !r.IsOpen() {
		return false
	}
	head := atomic.LoadUint64(&r.meta.Data_head)
	tail := atomic.LoadUint64(&r.meta.Data_tail)
	return head != tail
}

// ReadHeader peeks the header of the next unconsumed record without
// advancing the read cursor. ok is false if no record is available.
func (r *RingBuffer) ReadHeader() (hdr RecordHeader, ok bool) {
	if !r.HasNewData() {
		return RecordHeader{}, false
	}
	tail := atomic.LoadUint64(&r.meta.Data_tail)
	var raw [recordHeaderSize]byte
	r.copyFrom(tail, raw[:])
	hdr = *(*RecordHeader)(unsafe.Pointer(&raw[0]))
	return hdr, true
}

// ConsumeRecord copies the record payload (the bytes following the header)
// described by hdr into dst and advances the read cursor past the whole
// record. dst must be at least int(hdr.Size)-8 bytes. The record is either
// fully consumed or (on a too-small dst) left untouched and an error is
// returned — callers never observe a partially advanced cursor.
func (r *RingBuffer) ConsumeRecord(hdr RecordHeader, dst []byte) (int, error) {
	if !r.IsOpen() {
		return 0, errRingClosed
	}
	payload := int(hdr.Size) - recordHeaderSize
	if payload < 0 {
		return 0, fmt.Errorf("perfutil: corrupt record header, size=%d", hdr.Size)
	}
	if len(dst) < payload {
		return 0, fmt.Errorf("perfutil: dst too small: have %d, need %d", len(dst), payload)
	}
	tail := atomic.LoadUint64(&r.meta.Data_tail)
	r.copyFrom(tail+recordHeaderSize, dst[:payload])
	atomic.AddUint64(&r.meta.Data_tail, uint64(hdr.Size))
	return payload, nil
}

// SkipRecord advances the read cursor past a record without copying its
// payload anywhere, e.g. for record types this engine does not decode.
func (r *RingBuffer) SkipRecord(hdr RecordHeader) {
	atomic.AddUint64(&r.meta.Data_tail, uint64(hdr.Size))
}

// copyFrom copies len(dst) bytes starting at ring-relative offset off,
// transparently handling wrap-around across the end of the ring.
func (r *RingBuffer) copyFrom(off uint64, dst []byte) {
	start := off % r.dsize
	n := copy(dst, r.data[start:])
	if n < len(dst) {
		copy(dst[n:], r.data[:len(dst)-n])
	}
}

// Close unmaps the ring buffer. It does not close the owning fd; callers
// close fds explicitly during the tracer's close phase.
func (r *RingBuffer) Close() error {
	if r.mmap == nil {
		return nil
	}
	err := unix.Munmap(r.mmap)
	r.mmap = nil
	r.data = nil
	r.meta = nil
	return err
}
