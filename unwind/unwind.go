// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package unwind declares the external collaborator spec.md §1 excludes
// from this specification's scope: native call-stack unwinding is treated
// as a pure function (raw sample + memory map) -> call stack, implemented
// elsewhere and injected into unwindvisitor.Visitor.
package unwind

import (
	"github.com/linuxtracer/proctracer/events"
	"github.com/linuxtracer/proctracer/listener"
	"github.com/linuxtracer/proctracer/memmap"
)

// Unwinder reconstructs a call stack from a sampled register file and raw
// stack bytes, resolved against maps. Implementations are free to use DWARF
// CFI, frame-pointer walking, or any other technique; unwindvisitor only
// depends on this interface.
type Unwinder interface {
	Unwind(regs events.UserRegisters, stack []byte, maps *memmap.Snapshot) []listener.Frame
}
