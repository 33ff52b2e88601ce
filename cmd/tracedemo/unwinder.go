// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"encoding/binary"

	"github.com/linuxtracer/proctracer/events"
	"github.com/linuxtracer/proctracer/listener"
	"github.com/linuxtracer/proctracer/memmap"
)

// maxFrames bounds a single walk against a corrupted or cyclic frame chain.
const maxFrames = 128

// frameUnwinder walks the classic x86-64 frame-pointer chain (saved bp at
// [bp], return address at [bp+8]) over the stack bytes a sample already
// carries, stopping once bp leaves the captured range or a mapped,
// executable region can no longer be found for a return address.
//
// This is deliberately the simplest unwinder that can exercise
// unwind.Unwinder: the tracer engine treats call-stack reconstruction as an
// injected dependency, not something it implements itself.
type frameUnwinder struct{}

func (frameUnwinder) Unwind(regs events.UserRegisters, stack []byte, maps *memmap.Snapshot) []listener.Frame {
	frames := make([]listener.Frame, 0, 8)
	if _, ok := maps.FindByAddress(regs.IP); ok {
		frames = append(frames, listener.Frame{IP: regs.IP})
	}

	bp := regs.BP
	sp := regs.SP
	for i := 0; i < maxFrames; i++ {
		if bp < sp || bp-sp+16 > uint64(len(stack)) {
			break
		}
		off := bp - sp
		savedBP := binary.LittleEndian.Uint64(stack[off : off+8])
		retAddr := binary.LittleEndian.Uint64(stack[off+8 : off+16])

		if m, ok := maps.FindByAddress(retAddr); !ok || m.Prot&memmap.ProtExec == 0 {
			break
		}
		frames = append(frames, listener.Frame{IP: retAddr})

		if savedBP <= bp {
			break
		}
		bp = savedBP
	}
	return frames
}
