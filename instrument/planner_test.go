// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package instrument

import (
	"testing"

	"github.com/stretchr/testify/require"

	"go.opentelemetry.io/memtracer/codegen"
	"go.opentelemetry.io/memtracer/dbi"
	"go.opentelemetry.io/memtracer/l0filter"
	"go.opentelemetry.io/memtracer/trace"
)

var testTLS = TLSSlots{BufPtr: 0, DCache: 1, ICache: 2}

// emitBlock runs the three instrumentation phases over bb and returns the
// emitted program.
func emitBlock(t *testing.T, p *Planner, arch *codegen.Arch, bb *dbi.Block) *codegen.Program {
	t.Helper()
	b := codegen.NewBuilder(arch)
	ud := p.BBApp2App(bb)
	p.BBAnalysis(bb, ud)
	for _, in := range bb.Instrs {
		require.NoError(t, p.BBInstr(b, bb, in, ud))
	}
	prog, err := b.Finish()
	require.NoError(t, err)
	return prog
}

func opCount(p *codegen.Program, op codegen.Op) int {
	n := 0
	for i := range p.Code {
		if p.Code[i].Op == op {
			n++
		}
	}
	return n
}

func hasOp(p *codegen.Program, op codegen.Op) bool { return opCount(p, op) > 0 }

func plainInstr(pc uint64) *dbi.Instr {
	return &dbi.Instr{PC: pc, Length: 4, IsApp: true, Kind: dbi.KindRegular}
}

func loadInstr(pc uint64) *dbi.Instr {
	in := &dbi.Instr{PC: pc, Length: 4, IsApp: true, Kind: dbi.KindRegular,
		MemRefs: []dbi.MemRef{{Size: 8}}}
	return in
}

func newBlock(instrs ...*dbi.Instr) *dbi.Block {
	bb := &dbi.Block{Tag: instrs[0].PC, Instrs: instrs}
	dbi.BindOperands(bb)
	return bb
}

func newPlanner(arch *codegen.Arch, cfg Config) *Planner {
	return NewPlanner(trace.NewOnlineEncoder(cfg.OnlineInstrTypes), arch, cfg,
		testTLS, func(any) {})
}

func TestDelayAndBundle(t *testing.T) {
	p := newPlanner(codegen.AMD64, Config{})
	bb := newBlock(plainInstr(0x100), plainInstr(0x104), plainInstr(0x108),
		loadInstr(0x10c))
	prog := emitBlock(t, p, codegen.AMD64, bb)

	// One buffer-pointer load for the whole block: the three plain
	// instructions were delayed and flushed at the memref instruction.
	require.Equal(t, 1, opCount(prog, codegen.OpLoadTLS))
	// Records: delayed-first instr + bundle(2) + instr + memref = 4 entries,
	// two stores each.
	require.Equal(t, 8, opCount(prog, codegen.OpStore))
	// One fold of the accumulated adjustment.
	require.Equal(t, 1, opCount(prog, codegen.OpAddImm))
	require.Equal(t, int64(4*trace.EntrySize), findAddImm(prog))
	// Fullness check: compact branch-if-zero on amd64, no flags traffic.
	require.True(t, hasOp(prog, codegen.OpJumpIfZero))
	require.False(t, hasOp(prog, codegen.OpSaveFlags))
	require.Equal(t, 1, opCount(prog, codegen.OpCleanCall))
}

func findAddImm(p *codegen.Program) int64 {
	for i := range p.Code {
		if p.Code[i].Op == codegen.OpAddImm {
			return int64(p.Code[i].Imm)
		}
	}
	return -1
}

func TestNoBundleUnderPhysical(t *testing.T) {
	p := newPlanner(codegen.AMD64, Config{UsePhysical: true})
	bb := newBlock(plainInstr(0x100), plainInstr(0x104), plainInstr(0x108),
		loadInstr(0x10c))
	prog := emitBlock(t, p, codegen.AMD64, bb)

	// A bundle may straddle pages: every delayed instruction gets its own
	// full entry instead. 3 delayed + instr + memref = 5 entries.
	require.Equal(t, 10, opCount(prog, codegen.OpStore))
}

func TestNoDelayWithInstrTypes(t *testing.T) {
	p := newPlanner(codegen.AMD64, Config{OnlineInstrTypes: true})
	ret := &dbi.Instr{PC: 0x100, Length: 1, IsApp: true, Kind: dbi.KindReturn}
	bb := newBlock(ret, loadInstr(0x104))
	prog := emitBlock(t, p, codegen.AMD64, bb)

	// The typed return cannot be bundled, so it is instrumented on its own:
	// two pointer loads, no bundle records.
	require.Equal(t, 2, opCount(prog, codegen.OpLoadTLS))
}

func TestFlagsFullnessCheckWithoutZeroBranch(t *testing.T) {
	p := newPlanner(codegen.ARM, Config{})
	bb := newBlock(loadInstr(0x100))
	prog := emitBlock(t, p, codegen.ARM, bb)

	require.False(t, hasOp(prog, codegen.OpJumpIfZero))
	require.True(t, hasOp(prog, codegen.OpSaveFlags))
	require.True(t, hasOp(prog, codegen.OpCmpImm))
	require.True(t, hasOp(prog, codegen.OpRestFlags))
	require.Equal(t, 1, opCount(prog, codegen.OpCleanCall))
}

func TestOfflineFirstInstrNotDelayed(t *testing.T) {
	p := newPlanner(codegen.AMD64, Config{Offline: true})
	bb := newBlock(plainInstr(0x100), plainInstr(0x104), loadInstr(0x108))
	prog := emitBlock(t, p, codegen.AMD64, bb)

	// Offline wants a full entry for the block's first instruction, so only
	// the second plain instruction is delayed: first instr entry + delayed
	// instr entry + instr + memref = 4 entries. The delayed run of one gets
	// no bundle record.
	require.Equal(t, 8, opCount(prog, codegen.OpStore))
	// Two instrumentation sites -> two pointer loads.
	require.Equal(t, 2, opCount(prog, codegen.OpLoadTLS))
}

func TestExclusiveStoreDeferred(t *testing.T) {
	strex := &dbi.Instr{PC: 0x100, Length: 4, IsApp: true, Kind: dbi.KindRegular,
		ExclusiveStore: true,
		MemRefs:        []dbi.MemRef{{Size: 8, IsWrite: true}}}
	next := plainInstr(0x104)
	bb := newBlock(strex, next)

	p := newPlanner(codegen.ARM, Config{})
	b := codegen.NewBuilder(codegen.ARM)
	ud := p.BBApp2App(bb)
	p.BBAnalysis(bb, ud)

	// The exclusive store itself emits nothing.
	require.NoError(t, p.BBInstr(b, bb, strex, ud))
	require.Equal(t, 0, b.Mark())

	// Its entries appear with the next instruction's instrumentation.
	require.NoError(t, p.BBInstr(b, bb, next, ud))
	prog, err := b.Finish()
	require.NoError(t, err)
	// strex instr + strex memref + plain instr = 3 entries.
	require.Equal(t, 6, opCount(prog, codegen.OpStore))
}

func TestExclusiveStoreClobberedBaseNotDeferred(t *testing.T) {
	strex := &dbi.Instr{PC: 0x100, Length: 4, IsApp: true, Kind: dbi.KindRegular,
		ExclusiveStore: true, StoreBaseClobbered: true,
		MemRefs: []dbi.MemRef{{Size: 8, IsWrite: true}}}
	bb := newBlock(strex, plainInstr(0x104))

	p := newPlanner(codegen.ARM, Config{})
	b := codegen.NewBuilder(codegen.ARM)
	ud := p.BBApp2App(bb)
	require.NoError(t, p.BBInstr(b, bb, strex, ud))
	// Instrumented in place.
	require.NotEqual(t, 0, b.Mark())
}

func TestRepstrSuppressesDuplicateFetch(t *testing.T) {
	// A string-loop expansion presents the same app PC on every iteration
	// instruction; only the memref instruction gets entries, and no
	// per-iteration instruction fetch is emitted.
	mem := loadInstr(0x100)
	dup := plainInstr(0x100)
	bb := &dbi.Block{Tag: 0x100, Instrs: []*dbi.Instr{mem, dup}, RepString: true}
	dbi.BindOperands(bb)

	p := newPlanner(codegen.AMD64, Config{})
	b := codegen.NewBuilder(codegen.AMD64)
	ud := p.BBApp2App(bb)
	p.BBAnalysis(bb, ud)
	require.NoError(t, p.BBInstr(b, bb, mem, ud))
	require.NoError(t, p.BBInstr(b, bb, dup, ud))
	prog, err := b.Finish()
	require.NoError(t, err)

	// The memref instruction keeps its pre-memref instr entry plus the
	// memref entry; the duplicate-PC trailing instruction emits nothing at
	// all, so the block-end fullness check is absent too.
	require.Equal(t, 4, opCount(prog, codegen.OpStore))
	require.Equal(t, 0, opCount(prog, codegen.OpCleanCall))
}

func TestFilterProbeShape(t *testing.T) {
	fcfg := &l0filter.Config{ISize: 4096, DSize: 4096, LineSize: 64}
	p := newPlanner(codegen.AMD64, Config{Filter: fcfg})
	bb := newBlock(loadInstr(0x100))
	prog := emitBlock(t, p, codegen.AMD64, bb)

	// Two probes (ifetch + data), each: tag shift, index mask, scaled array
	// address, tag load/compare, hit branch, miss fill.
	require.Equal(t, 2, opCount(prog, codegen.OpShrImm))
	require.Equal(t, 2, opCount(prog, codegen.OpAndImm))
	require.Equal(t, 2, opCount(prog, codegen.OpAddShifted))
	require.Equal(t, 2, opCount(prog, codegen.OpJumpEq))
	// Pointer loads: one per emission site after its probe, plus the
	// block-end reload for the fullness check. Array-base loads add two
	// more TLS reads.
	require.Equal(t, 5, opCount(prog, codegen.OpLoadTLS))
}

func TestFilterSameLineSkipsProbe(t *testing.T) {
	fcfg := &l0filter.Config{ISize: 4096, DSize: 4096, LineSize: 64}
	p := newPlanner(codegen.AMD64, Config{Filter: fcfg})
	// Two plain instructions on one cache line: the second skips even the
	// array probe.
	bb := newBlock(plainInstr(0x100), plainInstr(0x104))
	prog := emitBlock(t, p, codegen.AMD64, bb)
	require.Equal(t, 1, opCount(prog, codegen.OpShrImm))
}

func TestPredicatedMemrefWithoutPredication(t *testing.T) {
	in := &dbi.Instr{PC: 0x100, Length: 4, IsApp: true, Kind: dbi.KindRegular,
		Pred:    codegen.Pred(2),
		MemRefs: []dbi.MemRef{{Size: 8}}}
	bb := newBlock(in)
	p := newPlanner(codegen.AMD64, Config{})
	prog := emitBlock(t, p, codegen.AMD64, bb)
	// No general predication: a skip branch guards the record write and the
	// pointer update together.
	require.True(t, hasOp(prog, codegen.OpJumpPredNot))
}

func TestPredicatedMemrefWithPredication(t *testing.T) {
	in := &dbi.Instr{PC: 0x100, Length: 4, IsApp: true, Kind: dbi.KindRegular,
		Pred:    codegen.Pred(2),
		MemRefs: []dbi.MemRef{{Size: 8}}}
	bb := newBlock(in)
	p := newPlanner(codegen.ARM, Config{})
	prog := emitBlock(t, p, codegen.ARM, bb)
	// The pointer update inherits the predicate instead of a skip branch.
	require.False(t, hasOp(prog, codegen.OpJumpPredNot))
	tagged := 0
	for i := range prog.Code {
		if prog.Code[i].Pred != codegen.PredNone {
			tagged++
		}
	}
	require.NotZero(t, tagged)
}
