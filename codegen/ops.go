// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package codegen models the code-building capability a DBI host exposes to
// its clients: virtual registers with reservation constraints, loads and
// stores, TLS slot access, labels and branches, predicate tagging and clean
// calls. The instrumentation planner is written against Builder, and the
// emitted Program is executed by the host on the application's own threads.
// Run is the reference executor used by the simulated host and the tests.
package codegen // import "go.opentelemetry.io/memtracer/codegen"

// Reg identifies a virtual scratch register.
type Reg uint8

// RegNone is returned when no register was reserved.
const RegNone Reg = 0xff

// Label marks a branch target inside one emitted program.
type Label int

// Pred is an opaque predicate tag assigned by the host to a conditionally
// executed application instruction. PredNone means unconditional.
type Pred uint8

// PredNone marks an instruction without a predicate.
const PredNone Pred = 0

// RegClass constrains register reservation.
type RegClass uint8

const (
	// ClassAny accepts any free scratch register.
	ClassAny RegClass = iota
	// ClassZeroBranch requires a register eligible for the compact
	// branch-if-zero encoding, so the fullness check's jump reaches
	// across the clean call.
	ClassZeroBranch
)

// MemOperand is an opaque handle for an application memory operand. The
// host's machine resolves it to an effective address at execution time.
type MemOperand any

// CleanCallFn is the target of an emitted clean call. The host invokes it
// with saved register and flag state, passing its thread context.
type CleanCallFn func(ctx any)

// Op enumerates the emitted operations.
type Op uint8

const (
	OpNop Op = iota
	OpLabel
	OpMovImm      // Dst = Imm
	OpMov         // Dst = Src
	OpAddImm      // Dst = Dst + Imm
	OpShrImm      // Dst = Dst >> Imm
	OpAndImm      // Dst = Dst & Imm
	OpAddShifted  // Dst = Src + (Src2 << Imm)
	OpLoad        // Dst = mem[Src + Disp], one machine word
	OpStore       // mem[Dst + Disp] = Src, one machine word
	OpLoadTLS     // Dst = tls[Slot]
	OpStoreTLS    // tls[Slot] = Src
	OpLea         // Dst = effective address of Operand
	OpCmp         // flags = (Src == Src2)
	OpCmpImm      // flags = (Src == Imm)
	OpJump        // goto Label
	OpJumpEq      // if flags.eq goto Label
	OpJumpIfZero  // if Src == 0 goto Label (compact encoding)
	OpJumpPredNot // if !pred(PredArg) goto Label
	OpSaveFlags   // Dst = flags
	OpRestFlags   // flags = Src
	OpCleanCall   // invoke Calls[Call]
)

// Instr is one emitted operation. Pred gates execution: when non-zero the
// operation only runs if the machine reports the predicate as holding.
type Instr struct {
	Op      Op
	Dst     Reg
	Src     Reg
	Src2    Reg
	Imm     uint64
	Disp    int32
	Slot    int
	Label   Label
	Pred    Pred
	PredArg Pred
	Call    int
	Operand MemOperand
}

// Program is a finished straight-line injected-code sequence for one basic
// block. It is immutable after Finish and shared across threads.
type Program struct {
	Code  []Instr
	Calls []CleanCallFn

	arch     *Arch
	labelIdx []int
}

// Arch returns the architecture the program was emitted for.
func (p *Program) Arch() *Arch { return p.arch }
