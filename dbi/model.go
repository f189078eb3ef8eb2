// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package dbi abstracts the dynamic-binary-instrumentation host the tracing
// client runs inside: the decoded instruction and basic-block model, the
// callback surface, TLS slot allocation and the string-loop expansion
// utility. Sim is an in-process reference host that drives the callbacks and
// executes injected code on simulated application threads.
package dbi // import "go.opentelemetry.io/memtracer/dbi"

import "go.opentelemetry.io/memtracer/codegen"

// InstrKind classifies an application instruction for trace typing.
type InstrKind uint8

const (
	KindRegular InstrKind = iota
	KindDirectJump
	KindIndirectJump
	KindCondJump
	KindDirectCall
	KindIndirectCall
	KindReturn
)

// MemRef is one memory operand of an application instruction.
type MemRef struct {
	// Operand is resolved to an effective address by the executing thread.
	Operand codegen.MemOperand
	Size    uint8
	IsWrite bool
	// Prefetch marks software-prefetch references.
	Prefetch bool
}

// Instr is a decoded application instruction as the host presents it.
type Instr struct {
	PC     uint64
	Length uint8
	// IsApp distinguishes application instructions from ones the host (or an
	// earlier client pass) inserted.
	IsApp   bool
	Kind    InstrKind
	Pred    codegen.Pred
	MemRefs []MemRef

	// ExclusiveStore marks the store half of a load-exclusive/store-exclusive
	// pair. StoreBaseClobbered is set when the store also writes its own base
	// register, in which case its instrumentation cannot be deferred.
	ExclusiveStore     bool
	StoreBaseClobbered bool

	// Bytes is the raw encoding, available for debug disassembly.
	Bytes []byte
}

// ReadsMemory reports whether the instruction has a load operand.
func (in *Instr) ReadsMemory() bool {
	for i := range in.MemRefs {
		if !in.MemRefs[i].IsWrite {
			return true
		}
	}
	return false
}

// WritesMemory reports whether the instruction has a store operand.
func (in *Instr) WritesMemory() bool {
	for i := range in.MemRefs {
		if in.MemRefs[i].IsWrite {
			return true
		}
	}
	return false
}

// IsMemRef reports whether the instruction references memory at all.
func (in *Instr) IsMemRef() bool { return len(in.MemRefs) > 0 }

// Block is one basic block the host hands to the instrumentation passes.
type Block struct {
	Tag    uint64
	Instrs []*Instr

	// RepString is set on blocks that are a string-loop expansion.
	RepString bool
}

// IsFirst reports whether in is the first instruction of the block.
func (bb *Block) IsFirst(in *Instr) bool {
	return len(bb.Instrs) > 0 && bb.Instrs[0] == in
}

// IsLast reports whether in is the last instruction of the block.
func (bb *Block) IsLast(in *Instr) bool {
	return len(bb.Instrs) > 0 && bb.Instrs[len(bb.Instrs)-1] == in
}

// ExpandRepString runs the host's string-loop expansion on bb and reports
// whether the block is a string-loop expansion. The expansion itself is the
// host utility's job; the client only observes the flag.
func ExpandRepString(bb *Block) bool {
	return bb.RepString
}

// Module describes a loaded application module.
type Module struct {
	Path  string
	Base  uint64
	Size  uint64
	Entry uint64
}

// Operand is the Sim host's memory-operand handle: it names a memory
// reference of a block by position, and the executing thread binds it to a
// concrete address per block execution.
type Operand struct {
	InstrIndex int
	RefIndex   int
}

// BindOperands assigns Sim operand handles to every memory reference of bb.
// Workload builders call it once after assembling the block.
func BindOperands(bb *Block) {
	for i, in := range bb.Instrs {
		for j := range in.MemRefs {
			in.MemRefs[j].Operand = Operand{InstrIndex: i, RefIndex: j}
		}
	}
}
