// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package codegen // import "go.opentelemetry.io/memtracer/codegen"

import "fmt"

// WordSize is the machine word width the emitted code operates on.
const WordSize = 8

// Machine is the thread-side state injected code executes against. The
// simulated host implements it per application thread; every method runs on
// that thread only.
type Machine interface {
	// ReadTLS and WriteTLS access the raw TLS slots the client allocated.
	ReadTLS(slot int) uint64
	WriteTLS(slot int, val uint64)

	// Load and Store access one machine word of application-visible memory.
	Load(addr uint64) uint64
	Store(addr uint64, val uint64)

	// ResolveOperand materializes the effective address of an application
	// memory operand for the current execution of the block.
	ResolveOperand(op MemOperand) uint64

	// PredHolds reports whether a predicate holds for the current execution.
	PredHolds(p Pred) bool

	// CallContext is the value passed to clean-call targets.
	CallContext() any
}

// Run executes p against m. It is the reference executor: a real host would
// lower the program to native code, but the semantics are fixed here.
func Run(p *Program, m Machine) error {
	var regs [64]uint64
	var flagsEq bool

	pc := 0
	for pc < len(p.Code) {
		in := &p.Code[pc]
		if in.Pred != PredNone && !m.PredHolds(in.Pred) {
			pc++
			continue
		}
		switch in.Op {
		case OpNop, OpLabel:
		case OpMovImm:
			regs[in.Dst] = in.Imm
		case OpMov:
			regs[in.Dst] = regs[in.Src]
		case OpAddImm:
			regs[in.Dst] += in.Imm
		case OpShrImm:
			regs[in.Dst] >>= in.Imm
		case OpAndImm:
			regs[in.Dst] &= in.Imm
		case OpAddShifted:
			regs[in.Dst] = regs[in.Src] + (regs[in.Src2] << in.Imm)
		case OpLoad:
			regs[in.Dst] = m.Load(regs[in.Src] + uint64(int64(in.Disp)))
		case OpStore:
			m.Store(regs[in.Dst]+uint64(int64(in.Disp)), regs[in.Src])
		case OpLoadTLS:
			regs[in.Dst] = m.ReadTLS(in.Slot)
		case OpStoreTLS:
			m.WriteTLS(in.Slot, regs[in.Src])
		case OpLea:
			regs[in.Dst] = m.ResolveOperand(in.Operand)
		case OpCmp:
			flagsEq = regs[in.Src] == regs[in.Src2]
		case OpCmpImm:
			flagsEq = regs[in.Src] == in.Imm
		case OpJump:
			pc = p.labelIdx[in.Label]
			continue
		case OpJumpEq:
			if flagsEq {
				pc = p.labelIdx[in.Label]
				continue
			}
		case OpJumpIfZero:
			if regs[in.Src] == 0 {
				pc = p.labelIdx[in.Label]
				continue
			}
		case OpJumpPredNot:
			if !m.PredHolds(in.PredArg) {
				pc = p.labelIdx[in.Label]
				continue
			}
		case OpSaveFlags:
			if flagsEq {
				regs[in.Dst] = 1
			} else {
				regs[in.Dst] = 0
			}
		case OpRestFlags:
			flagsEq = regs[in.Src] != 0
		case OpCleanCall:
			p.Calls[in.Call](m.CallContext())
		default:
			return fmt.Errorf("unknown op %d at %d", in.Op, pc)
		}
		pc++
	}
	return nil
}
