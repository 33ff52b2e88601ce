// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package perfutil

import (
	"encoding/binary"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// newTestRingBuffer backs a RingBuffer with a memfd instead of a real perf
// event fd: OpenRingBuffer only needs something mmap-able, and memfd_create
// gives the test full control over the ring's metadata page and data region
// without opening a perf event.
func newTestRingBuffer(t *testing.T, nDataPages int) *RingBuffer {
	t.Helper()

	fd, err := unix.MemfdCreate("ring_test", 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = unix.Close(fd) })

	pageSize := unix.Getpagesize()
	require.NoError(t, unix.Ftruncate(fd, int64((nDataPages+1)*pageSize)))

	rb, err := OpenRingBuffer(fd, "test_ring", nDataPages)
	require.NoError(t, err)
	t.Cleanup(func() { _ = rb.Close() })
	return rb
}

func encodeRecordHeader(typ uint32, misc uint16, size uint16) []byte {
	b := make([]byte, recordHeaderSize)
	binary.LittleEndian.PutUint32(b[0:4], typ)
	binary.LittleEndian.PutUint16(b[4:6], misc)
	binary.LittleEndian.PutUint16(b[6:8], size)
	return b
}

func TestRingBufferReadHeaderConsumeRecordRoundTrip(t *testing.T) {
	rb := newTestRingBuffer(t, 1)

	payload := []byte("hello123")
	record := append(encodeRecordHeader(7, 0, uint16(recordHeaderSize+len(payload))), payload...)
	copy(rb.data, record)
	atomic.StoreUint64(&rb.meta.Data_head, uint64(len(record)))

	require.True(t, rb.HasNewData())

	hdr, ok := rb.ReadHeader()
	require.True(t, ok)
	require.Equal(t, uint32(7), hdr.Type)
	require.Equal(t, uint16(recordHeaderSize+len(payload)), hdr.Size)

	dst := make([]byte, len(payload))
	n, err := rb.ConsumeRecord(hdr, dst)
	require.NoError(t, err)
	require.Equal(t, len(payload), n)
	require.Equal(t, payload, dst[:n])

	require.Equal(t, uint64(len(record)), atomic.LoadUint64(&rb.meta.Data_tail))
	require.False(t, rb.HasNewData())
}

// TestRingBufferCopyFromWrapsAroundRingEnd writes a record that straddles
// the end of the data region: the header peek exercises copyFrom's
// wrap-around path, and the payload, which lies wholly past the wrap point,
// is read back through the offset's modulo.
func TestRingBufferCopyFromWrapsAroundRingEnd(t *testing.T) {
	rb := newTestRingBuffer(t, 1)

	payload := []byte("wraptest")
	record := append(encodeRecordHeader(9, 0, uint16(recordHeaderSize+len(payload))), payload...)

	tailStart := rb.dsize - 4 // header splits 4 bytes at the end, 4 at the start
	firstPart := int(rb.dsize - tailStart)
	copy(rb.data[tailStart:], record[:firstPart])
	copy(rb.data[:len(record)-firstPart], record[firstPart:])

	atomic.StoreUint64(&rb.meta.Data_tail, tailStart)
	atomic.StoreUint64(&rb.meta.Data_head, tailStart+uint64(len(record)))

	hdr, ok := rb.ReadHeader()
	require.True(t, ok)
	require.Equal(t, uint32(9), hdr.Type)
	require.Equal(t, uint16(recordHeaderSize+len(payload)), hdr.Size)

	dst := make([]byte, len(payload))
	n, err := rb.ConsumeRecord(hdr, dst)
	require.NoError(t, err)
	require.Equal(t, payload, dst[:n])
	require.Equal(t, tailStart+uint64(len(record)), atomic.LoadUint64(&rb.meta.Data_tail))
}

func TestRingBufferSkipRecordAdvancesTailWithoutCopy(t *testing.T) {
	rb := newTestRingBuffer(t, 1)

	first := encodeRecordHeader(1, 0, uint16(recordHeaderSize)) // header only, no payload
	second := append(encodeRecordHeader(2, 0, uint16(recordHeaderSize+4)), []byte("abcd")...)

	copy(rb.data, first)
	copy(rb.data[len(first):], second)
	atomic.StoreUint64(&rb.meta.Data_head, uint64(len(first)+len(second)))

	hdr1, ok := rb.ReadHeader()
	require.True(t, ok)
	require.Equal(t, uint32(1), hdr1.Type)

	rb.SkipRecord(hdr1)
	require.Equal(t, uint64(len(first)), atomic.LoadUint64(&rb.meta.Data_tail))

	hdr2, ok := rb.ReadHeader()
	require.True(t, ok)
	require.Equal(t, uint32(2), hdr2.Type)

	dst := make([]byte, 4)
	n, err := rb.ConsumeRecord(hdr2, dst)
	require.NoError(t, err)
	require.Equal(t, []byte("abcd"), dst[:n])
	require.False(t, rb.HasNewData())
}

// TestRingBufferConsumeRecordLeavesTailUntouchedOnSmallDst checks the "no
// partial records in flight" guarantee on the error path: a dst too small
// to hold the payload must not advance the read cursor.
func TestRingBufferConsumeRecordLeavesTailUntouchedOnSmallDst(t *testing.T) {
	rb := newTestRingBuffer(t, 1)

	payload := []byte("12345678")
	record := append(encodeRecordHeader(3, 0, uint16(recordHeaderSize+len(payload))), payload...)
	copy(rb.data, record)
	atomic.StoreUint64(&rb.meta.Data_head, uint64(len(record)))

	hdr, ok := rb.ReadHeader()
	require.True(t, ok)

	_, err := rb.ConsumeRecord(hdr, make([]byte, 4))
	require.Error(t, err)
	require.Equal(t, uint64(0), atomic.LoadUint64(&rb.meta.Data_tail))
}

func TestRingBufferConsumeRecordRejectsCorruptHeader(t *testing.T) {
	rb := newTestRingBuffer(t, 1)

	_, err := rb.ConsumeRecord(RecordHeader{Size: 4}, make([]byte, 8))
	require.Error(t, err)
}

func TestRingBufferConsumeRecordAfterCloseFails(t *testing.T) {
	rb := newTestRingBuffer(t, 1)
	require.NoError(t, rb.Close())

	_, err := rb.ConsumeRecord(RecordHeader{Size: recordHeaderSize}, nil)
	require.ErrorIs(t, err, errRingClosed)
}
