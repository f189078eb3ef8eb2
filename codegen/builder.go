// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package codegen // import "go.opentelemetry.io/memtracer/codegen"

import (
	"errors"
	"fmt"
)

// ErrNoScratchRegister is returned when register reservation fails. The
// planner treats this as fatal: without scratch registers it cannot emit
// correct instrumentation.
var ErrNoScratchRegister = errors.New("no scratch register available")

// Builder accumulates the injected code for one basic block. It hands out
// virtual scratch registers under reservation discipline and emits Instrs
// into a Program.
type Builder struct {
	arch *Arch

	code     []Instr
	calls    []CleanCallFn
	reserved []bool
	flags    bool
	labels   int
}

// NewBuilder returns an empty builder targeting arch.
func NewBuilder(arch *Arch) *Builder {
	return &Builder{
		arch:     arch,
		reserved: make([]bool, arch.NumRegs),
	}
}

// Arch returns the target architecture.
func (b *Builder) Arch() *Arch { return b.arch }

// ReserveRegister reserves a scratch register satisfying class.
func (b *Builder) ReserveRegister(class RegClass) (Reg, error) {
	for i := range b.reserved {
		r := Reg(i)
		if b.reserved[i] {
			continue
		}
		if class == ClassZeroBranch && b.arch.HasZeroBranch && !b.arch.ZeroBranchOK(r) {
			continue
		}
		b.reserved[i] = true
		return r, nil
	}
	return RegNone, fmt.Errorf("%w: class %d", ErrNoScratchRegister, class)
}

// UnreserveRegister releases a previously reserved register.
func (b *Builder) UnreserveRegister(r Reg) {
	if int(r) < len(b.reserved) {
		b.reserved[r] = false
	}
}

// ReserveFlags reserves the arithmetic flags for explicit use.
func (b *Builder) ReserveFlags() error {
	if b.flags {
		return errors.New("flags already reserved")
	}
	b.flags = true
	return nil
}

// UnreserveFlags releases the arithmetic flags.
func (b *Builder) UnreserveFlags() { b.flags = false }

// NewLabel allocates a label; place it with PlaceLabel.
func (b *Builder) NewLabel() Label {
	b.labels++
	return Label(b.labels)
}

// PlaceLabel emits the position of l.
func (b *Builder) PlaceLabel(l Label) {
	b.emit(Instr{Op: OpLabel, Label: l})
}

// Mark returns a position usable with TagPred.
func (b *Builder) Mark() int { return len(b.code) }

// TagPred applies pred to every instruction emitted since mark. Only valid
// on architectures with general predication.
func (b *Builder) TagPred(mark int, pred Pred) {
	if !b.arch.HasPredication || pred == PredNone {
		return
	}
	for i := mark; i < len(b.code); i++ {
		b.code[i].Pred = pred
	}
}

func (b *Builder) emit(in Instr) { b.code = append(b.code, in) }

// MovImm emits Dst = imm.
func (b *Builder) MovImm(dst Reg, imm uint64) {
	b.emit(Instr{Op: OpMovImm, Dst: dst, Imm: imm})
}

// Mov emits dst = src.
func (b *Builder) Mov(dst, src Reg) {
	b.emit(Instr{Op: OpMov, Dst: dst, Src: src})
}

// AddImm emits dst += imm.
func (b *Builder) AddImm(dst Reg, imm int64) {
	b.emit(Instr{Op: OpAddImm, Dst: dst, Imm: uint64(imm)})
}

// ShrImm emits dst >>= imm.
func (b *Builder) ShrImm(dst Reg, imm uint) {
	b.emit(Instr{Op: OpShrImm, Dst: dst, Imm: uint64(imm)})
}

// AndImm emits dst &= imm.
func (b *Builder) AndImm(dst Reg, imm uint64) {
	b.emit(Instr{Op: OpAndImm, Dst: dst, Imm: imm})
}

// AddShifted emits dst = src + (src2 << shift).
func (b *Builder) AddShifted(dst, src, src2 Reg, shift uint) {
	b.emit(Instr{Op: OpAddShifted, Dst: dst, Src: src, Src2: src2, Imm: uint64(shift)})
}

// Load emits dst = one machine word at [src+disp].
func (b *Builder) Load(dst, src Reg, disp int32) {
	b.emit(Instr{Op: OpLoad, Dst: dst, Src: src, Disp: disp})
}

// Store emits one machine word of src to [dst+disp].
func (b *Builder) Store(dst Reg, disp int32, src Reg) {
	b.emit(Instr{Op: OpStore, Dst: dst, Disp: disp, Src: src})
}

// LoadTLS emits dst = tls[slot].
func (b *Builder) LoadTLS(dst Reg, slot int) {
	b.emit(Instr{Op: OpLoadTLS, Dst: dst, Slot: slot})
}

// StoreTLS emits tls[slot] = src.
func (b *Builder) StoreTLS(slot int, src Reg) {
	b.emit(Instr{Op: OpStoreTLS, Slot: slot, Src: src})
}

// Lea emits dst = effective address of op.
func (b *Builder) Lea(dst Reg, op MemOperand) {
	b.emit(Instr{Op: OpLea, Dst: dst, Operand: op})
}

// Cmp emits a comparison of src and src2 into the flags.
func (b *Builder) Cmp(src, src2 Reg) {
	b.emit(Instr{Op: OpCmp, Src: src, Src2: src2})
}

// CmpImm emits a comparison of src against imm into the flags.
func (b *Builder) CmpImm(src Reg, imm uint64) {
	b.emit(Instr{Op: OpCmpImm, Src: src, Imm: imm})
}

// Jump emits an unconditional branch to l.
func (b *Builder) Jump(l Label) {
	b.emit(Instr{Op: OpJump, Label: l})
}

// JumpEq emits a branch to l taken when the flags compare equal.
func (b *Builder) JumpEq(l Label) {
	b.emit(Instr{Op: OpJumpEq, Label: l})
}

// JumpIfZero emits the compact branch-if-zero to l. src must satisfy
// ClassZeroBranch on the target.
func (b *Builder) JumpIfZero(src Reg, l Label) error {
	if !b.arch.ZeroBranchOK(src) {
		return fmt.Errorf("register %d not eligible for branch-if-zero on %s",
			src, b.arch.Name)
	}
	b.emit(Instr{Op: OpJumpIfZero, Src: src, Label: l})
	return nil
}

// JumpPredNot emits a branch to l taken when pred does not hold.
func (b *Builder) JumpPredNot(pred Pred, l Label) {
	b.emit(Instr{Op: OpJumpPredNot, PredArg: pred, Label: l})
}

// SaveFlags emits dst = flags.
func (b *Builder) SaveFlags(dst Reg) {
	b.emit(Instr{Op: OpSaveFlags, Dst: dst})
}

// RestoreFlags emits flags = src.
func (b *Builder) RestoreFlags(src Reg) {
	b.emit(Instr{Op: OpRestFlags, Src: src})
}

// CleanCall emits a call to fn with saved machine state.
func (b *Builder) CleanCall(fn CleanCallFn) {
	b.emit(Instr{Op: OpCleanCall, Call: len(b.calls)})
	b.calls = append(b.calls, fn)
}

// Finish resolves labels and returns the immutable program.
func (b *Builder) Finish() (*Program, error) {
	labelIdx := make([]int, b.labels+1)
	for i := range labelIdx {
		labelIdx[i] = -1
	}
	for i, in := range b.code {
		if in.Op == OpLabel {
			labelIdx[in.Label] = i
		}
	}
	for _, in := range b.code {
		switch in.Op {
		case OpJump, OpJumpEq, OpJumpIfZero, OpJumpPredNot:
			if in.Label <= 0 || labelIdx[in.Label] < 0 {
				return nil, fmt.Errorf("unplaced label %d", in.Label)
			}
		}
	}
	return &Program{
		Code:     b.code,
		Calls:    b.calls,
		arch:     b.arch,
		labelIdx: labelIdx,
	}, nil
}
