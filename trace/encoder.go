// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package trace // import "go.opentelemetry.io/memtracer/trace"

import (
	"go.opentelemetry.io/memtracer/codegen"
	"go.opentelemetry.io/memtracer/dbi"
)

// Encoder is the record-layout capability shared by the online and offline
// variants. Append* write finished records into a caller-supplied buffer and
// return the bytes written; Instrument* emit injected code that writes
// records at buf_ptr+adjust and return the new adjust; GetEntry*/SetEntryAddr
// inspect and rewrite records in place for the flush engine.
type Encoder interface {
	SizeofEntry() int

	AppendThreadHeader(buf []byte, tid int) int
	AppendTID(buf []byte, tid int) int
	AppendPID(buf []byte, pid int) int
	AppendThreadExit(buf []byte, tid int) int
	AppendIFlush(buf []byte, start, size uint64) int
	// AppendUnitHeader writes the leading record of a flush unit.
	AppendUnitHeader(buf []byte, tid int) int

	InstrumentInstr(b *codegen.Builder, field *any, regPtr, regTmp codegen.Reg,
		adjust int, in *dbi.Instr) int
	InstrumentIBundle(b *codegen.Builder, regPtr, regTmp codegen.Reg,
		adjust int, instrs []*dbi.Instr) int
	InstrumentMemref(b *codegen.Builder, regPtr, regTmp codegen.Reg,
		adjust int, in *dbi.Instr, ref *dbi.MemRef, pred codegen.Pred) int
	// InsertObtainAddr emits code that materializes the effective address of
	// ref into dst.
	InsertObtainAddr(b *codegen.Builder, dst, scratch codegen.Reg, ref *dbi.MemRef)

	GetEntryType(buf []byte) Type
	GetEntrySize(buf []byte) int
	GetEntryAddr(buf []byte) uint64
	SetEntryAddr(buf []byte, addr uint64)

	// BBAnalysis is the analysis-phase hook for encoder-private bookkeeping.
	BBAnalysis(field *any, bb *dbi.Block, repstr bool)
}

// baseEncoder carries the parts of the record layout both variants share.
type baseEncoder struct {
	// instrTypes selects fine-grained instruction typing for the entries;
	// without it every instruction fetch is a plain TypeInstr.
	instrTypes bool
}

func (e *baseEncoder) SizeofEntry() int { return EntrySize }

func (e *baseEncoder) AppendThreadHeader(buf []byte, tid int) int {
	return putEntry(buf, TypeHeader, Version, uint64(tid))
}

func (e *baseEncoder) AppendTID(buf []byte, tid int) int {
	return putEntry(buf, TypeThread, 4, uint64(tid))
}

func (e *baseEncoder) AppendPID(buf []byte, pid int) int {
	return putEntry(buf, TypePID, 4, uint64(pid))
}

func (e *baseEncoder) AppendThreadExit(buf []byte, tid int) int {
	return putEntry(buf, TypeThreadExit, 4, uint64(tid))
}

func (e *baseEncoder) AppendIFlush(buf []byte, start, size uint64) int {
	n := putEntry(buf, TypeIFlush, 0, start)
	// The range size exceeds the 16-bit size field; it rides in the address
	// word of a second entry.
	return n + putEntry(buf[n:], TypeIFlush, 1, size)
}

// AppendUnitHeader writes a thread record: consumers resynchronize units on
// it.
func (e *baseEncoder) AppendUnitHeader(buf []byte, tid int) int {
	return e.AppendTID(buf, tid)
}

func (e *baseEncoder) GetEntryType(buf []byte) Type     { return entryType(buf) }
func (e *baseEncoder) GetEntrySize(buf []byte) int      { return entrySize(buf) }
func (e *baseEncoder) GetEntryAddr(buf []byte) uint64   { return entryAddr(buf) }
func (e *baseEncoder) SetEntryAddr(buf []byte, a uint64) { setEntryAddr(buf, a) }

// instrEntryType maps an instruction to its record type.
func (e *baseEncoder) instrEntryType(in *dbi.Instr) Type {
	if !e.instrTypes {
		return TypeInstr
	}
	switch in.Kind {
	case dbi.KindDirectJump:
		return TypeInstrDirectJump
	case dbi.KindIndirectJump:
		return TypeInstrIndirectJump
	case dbi.KindCondJump:
		return TypeInstrConditionalJump
	case dbi.KindDirectCall:
		return TypeInstrDirectCall
	case dbi.KindIndirectCall:
		return TypeInstrIndirectCall
	case dbi.KindReturn:
		return TypeInstrReturn
	default:
		return TypeInstr
	}
}

// InstrumentInstr emits code writing one instruction entry at regPtr+adjust.
func (e *baseEncoder) InstrumentInstr(b *codegen.Builder, _ *any,
	regPtr, regTmp codegen.Reg, adjust int, in *dbi.Instr) int {
	b.MovImm(regTmp, headerWord(e.instrEntryType(in), uint16(in.Length)))
	b.Store(regPtr, int32(adjust), regTmp)
	b.MovImm(regTmp, in.PC)
	b.Store(regPtr, int32(adjust+8), regTmp)
	return adjust + EntrySize
}

// InstrumentIBundle emits packed bundle records summarizing instrs: the size
// field counts instructions, the address word carries one length byte each.
func (e *baseEncoder) InstrumentIBundle(b *codegen.Builder,
	regPtr, regTmp codegen.Reg, adjust int, instrs []*dbi.Instr) int {
	for len(instrs) > 0 {
		n := len(instrs)
		if n > bundleCapacity {
			n = bundleCapacity
		}
		var lengths uint64
		for i := 0; i < n; i++ {
			lengths |= uint64(instrs[i].Length) << (8 * i)
		}
		b.MovImm(regTmp, headerWord(TypeInstrBundle, uint16(n)))
		b.Store(regPtr, int32(adjust), regTmp)
		b.MovImm(regTmp, lengths)
		b.Store(regPtr, int32(adjust+8), regTmp)
		adjust += EntrySize
		instrs = instrs[n:]
	}
	return adjust
}

// InstrumentMemref emits code writing one memref entry. The record write is
// unconditional; predication is honored by the caller's buffer-pointer
// update, so a predicated-off reference leaves only an overwritable slot.
func (e *baseEncoder) InstrumentMemref(b *codegen.Builder,
	regPtr, regTmp codegen.Reg, adjust int, _ *dbi.Instr, ref *dbi.MemRef,
	_ codegen.Pred) int {
	typ := TypeLoad
	switch {
	case ref.Prefetch:
		typ = TypePrefetch
	case ref.IsWrite:
		typ = TypeStore
	}
	e.InsertObtainAddr(b, regTmp, codegen.RegNone, ref)
	b.Store(regPtr, int32(adjust+8), regTmp)
	b.MovImm(regTmp, headerWord(typ, uint16(ref.Size)))
	b.Store(regPtr, int32(adjust), regTmp)
	return adjust + EntrySize
}

func (e *baseEncoder) InsertObtainAddr(b *codegen.Builder, dst,
	_ codegen.Reg, ref *dbi.MemRef) {
	b.Lea(dst, ref.Operand)
}

func (e *baseEncoder) BBAnalysis(field *any, _ *dbi.Block, repstr bool) {
	*field = repstr
}
