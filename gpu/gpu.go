// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package gpu implements spec.md §4.H: correlating the three GPU driver
// tracepoints (amdgpu_cs_ioctl submit, amdgpu_sched_run_job schedule,
// dma_fence_signaled signal) into a single joined job event, keyed by
// (context, seqno) and bounded by a TTL so a job whose later tracepoints
// never arrive does not accumulate forever.
package gpu

import (
	"encoding/binary"
	"time"

	lru "github.com/elastic/go-freelru"
	"github.com/zeebo/xxh3"

	"github.com/linuxtracer/proctracer/listener"
	"github.com/linuxtracer/proctracer/util"
)

// Tracepoint identifies which of the three joined tracepoints a raw GPU
// event came from.
type Tracepoint int

const (
	TracepointSubmit Tracepoint = iota
	TracepointSchedule
	TracepointSignal
)

// key is the join key: (context, seqno) is unique per in-flight job on a
// given DRM fence context (spec.md §4.H).
type key struct {
	context uint64
	seqno   uint64
}

func hashKey(k key) uint32 {
	var buf [16]byte
	binary.LittleEndian.PutUint64(buf[0:8], k.context)
	binary.LittleEndian.PutUint64(buf[8:16], k.seqno)
	return uint32(xxh3.Hash(buf[:]))
}

// partial accumulates the tracepoints seen so far for one job.
type partial struct {
	submitTime, scheduleTime, signalTime uint64
	tid                                  util.TID
	have                                 uint8 // bitmask of TracepointSubmit/Schedule/Signal seen
}

const allSeen = 1<<TracepointSubmit | 1<<TracepointSchedule | 1<<TracepointSignal

// Correlator joins raw GPU tracepoint events by (context, seqno) and emits
// listener.OnGPUJob once all three legs of a job have arrived. Entries that
// never complete are evicted after ttl.
type Correlator struct {
	cache *lru.LRU[key, partial]
	out   listener.Listener
}

// New constructs a Correlator with the given capacity and completion TTL
// (times.DefaultGPUEntryTTL by default, per SPEC_FULL.md §5).
func New(capacity uint32, ttl time.Duration, out listener.Listener) (*Correlator, error) {
	cache, err := lru.New[key, partial](capacity, hashKey)
	if err != nil {
		return nil, err
	}
	cache.SetLifetime(ttl)
	return &Correlator{cache: cache, out: out}, nil
}

// Observe records one raw tracepoint leg for (context, seqno), emitting the
// joined OnGPUJob event once submit, schedule and signal have all been
// seen. tid is the thread whose context the tracepoint fired in: the
// emitted job carries the signal leg's tid, which overrides the submit
// leg's; the schedule leg's tid is not recorded.
func (c *Correlator) Observe(tp Tracepoint, ctxID, seqno uint64, tid util.TID, ts uint64) {
	k := key{context: ctxID, seqno: seqno}
	p, _ := c.cache.Get(k)

	switch tp {
	case TracepointSubmit:
		p.submitTime = ts
		if p.tid == 0 {
			p.tid = tid
		}
	case TracepointSchedule:
		p.scheduleTime = ts
	case TracepointSignal:
		p.signalTime = ts
		p.tid = tid
	}
	p.have |= 1 << tp

	if p.have != allSeen {
		c.cache.Add(k, p)
		return
	}

	c.cache.Remove(k)
	c.out.OnGPUJob(p.submitTime, p.scheduleTime, p.signalTime, ctxID, seqno, p.tid)
}

// PurgeExpired evicts entries older than the configured TTL; called by the
// tracer engine's poll loop after every round-robin pass (spec.md §4.H
// garbage collection).
func (c *Correlator) PurgeExpired() {
	c.cache.PurgeExpired()
}

// Len reports the number of in-flight (incomplete) jobs currently tracked.
func (c *Correlator) Len() int {
	return c.cache.Len()
}

// FieldLayout records where one join-key field (context or seqno) lives
// within a tracepoint's raw payload, resolved once at open time from the
// tracepoint's tracefs format description (perfutil.FieldOffset).
type FieldLayout struct {
	Offset, Size int
}

// ReadField extracts the little-endian integer at layout's offset/size from
// a raw tracepoint payload. Supports the 4- and 8-byte widths amdgpu's
// context/seqno fields are declared with.
func ReadField(raw []byte, layout FieldLayout) uint64 {
	if layout.Offset < 0 || layout.Offset+layout.Size > len(raw) {
		return 0
	}
	field := raw[layout.Offset : layout.Offset+layout.Size]
	switch layout.Size {
	case 4:
		return uint64(binary.LittleEndian.Uint32(field))
	case 8:
		return binary.LittleEndian.Uint64(field)
	default:
		return 0
	}
}
