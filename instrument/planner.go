// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package instrument decides, per basic block, what code to inject: which
// instructions get full entries, which are delayed and bundled, where the
// inline L0 filter probes go, and where the buffer fullness check and clean
// call land. It is written against the codegen capability and an encoder
// variant, and is portable across targets up to the arch-specific fullness
// check idiom.
package instrument // import "go.opentelemetry.io/memtracer/instrument"

import (
	"fmt"

	"go.opentelemetry.io/memtracer/codegen"
	"go.opentelemetry.io/memtracer/dbi"
	"go.opentelemetry.io/memtracer/l0filter"
	"go.opentelemetry.io/memtracer/trace"
)

// MaxDelayInstrs caps how many simple instructions are held back for
// bundling. The delay buffer must fit in the per-block user data.
const MaxDelayInstrs = 32

// Config selects the planner's behavior.
type Config struct {
	Offline bool
	// UsePhysical disables bundle records, since a bundle may straddle
	// pages and cannot carry a single translated address.
	UsePhysical bool
	// OnlineInstrTypes is set when online consumers want fine-grained
	// instruction typing; it disables bundling for online runs.
	OnlineInstrTypes bool
	// Filter enables the inline L0 filter when non-nil.
	Filter *l0filter.Config
}

// TLSSlots names the raw TLS slots injected code uses.
type TLSSlots struct {
	BufPtr int
	DCache int
	ICache int
}

// Planner produces the injected code for each basic block.
type Planner struct {
	enc   trace.Encoder
	arch  *codegen.Arch
	cfg   Config
	tls   TLSSlots
	flush codegen.CleanCallFn
}

// NewPlanner returns a planner emitting via enc for arch. flush is the
// clean-call target invoked when the fullness check trips.
func NewPlanner(enc trace.Encoder, arch *codegen.Arch, cfg Config,
	tls TLSSlots, flush codegen.CleanCallFn) *Planner {
	return &Planner{enc: enc, arch: arch, cfg: cfg, tls: tls, flush: flush}
}

// blockState is the per-block user data alive only while one block is being
// instrumented.
type blockState struct {
	lastAppPC uint64
	strex     *dbi.Instr
	delay     []*dbi.Instr
	repstr    bool
	encField  any
}

// BBApp2App is the pre-mangle pass: it runs the host's string-loop
// expansion and allocates the per-block state.
func (p *Planner) BBApp2App(bb *dbi.Block) any {
	return &blockState{repstr: dbi.ExpandRepString(bb)}
}

// BBAnalysis lets the encoder compute per-block state.
func (p *Planner) BBAnalysis(bb *dbi.Block, ud any) {
	s := ud.(*blockState)
	p.enc.BBAnalysis(&s.encField, bb, s.repstr)
}

// canDelay reports whether in can be held back for bundling.
func (p *Planner) canDelay(bb *dbi.Block, in *dbi.Instr, s *blockState) bool {
	if p.cfg.Offline && bb.IsFirst(in) {
		// Offline wants a full instr entry for the start of the block.
		return false
	}
	if in.IsMemRef() || bb.IsLast(in) {
		return false
	}
	if !p.cfg.Offline && p.cfg.OnlineInstrTypes {
		// Online consumers that asked for instruction types get no bundles.
		return false
	}
	// Don't bundle instructions whose types we keep separate.
	if in.Kind != dbi.KindRegular &&
		(p.cfg.Offline || p.cfg.OnlineInstrTypes) {
		return false
	}
	return s.strex == nil && p.cfg.Filter == nil && len(s.delay) < MaxDelayInstrs
}

// BBInstr is the per-instruction pass.
func (p *Planner) BBInstr(b *codegen.Builder, bb *dbi.Block, in *dbi.Instr,
	ud any) error {
	s := ud.(*blockState)
	filterOn := p.cfg.Filter != nil

	if filterOn && s.repstr && bb.IsFirst(in) {
		// The control flow a string-loop expansion adds jumps over lazily
		// placed flags spills, so force the spill up front.
		if err := b.ReserveFlags(); err != nil {
			return err
		}
		b.UnreserveFlags()
	}

	// Skip non-app instructions and repeated app PCs from string-loop
	// iterations, unless a deferred exclusive store is pending or offline
	// mode still needs the block's first instr entry.
	if (!in.IsApp || s.lastAppPC == in.PC) && s.strex == nil &&
		(!p.cfg.Offline || !bb.IsFirst(in)) {
		return nil
	}

	// Defer an exclusive store with a clean destination so the injected
	// code does not separate the load-exclusive/store-exclusive pair.
	if s.strex == nil && in.ExclusiveStore && !in.StoreBaseClobbered {
		s.strex = in
		s.lastAppPC = in.PC
		return nil
	}

	if p.canDelay(bb, in, s) {
		s.delay = append(s.delay, in)
		return nil
	}

	pred := in.Pred

	// Two scratch registers per instrumented instruction. The primary must
	// take the compact branch-if-zero encoding so the fullness check's jump
	// reaches across the clean call; without that encoding the secondary
	// holds the saved flags instead.
	ptrClass := codegen.ClassAny
	if p.arch.HasZeroBranch {
		ptrClass = codegen.ClassZeroBranch
	}
	regPtr, err := b.ReserveRegister(ptrClass)
	if err != nil {
		return fmt.Errorf("reserving buffer-pointer scratch: %w", err)
	}
	regTmp, err := b.ReserveRegister(codegen.ClassAny)
	if err != nil {
		return fmt.Errorf("reserving scratch: %w", err)
	}

	if !filterOn {
		// The filter path loads the pointer after its own check.
		p.insertLoadBufPtr(b, regPtr)
	}

	adjust := 0
	if len(s.delay) > 0 {
		adjust = p.instrumentDelay(b, s, regPtr, regTmp, adjust)
	}

	if s.strex != nil {
		adjust, err = p.instrumentInstr(b, s, regPtr, regTmp, adjust, s.strex)
		if err != nil {
			return err
		}
		for i := range s.strex.MemRefs {
			ref := &s.strex.MemRefs[i]
			if !ref.IsWrite {
				continue
			}
			adjust, err = p.instrumentMemref(b, s, regPtr, regTmp, adjust,
				s.strex, ref, s.strex.Pred)
			if err != nil {
				return err
			}
		}
		s.strex = nil
	}

	// The instruction entry doubles as the PC provider for the memref
	// entries that follow it. A string-loop expansion without a memref gets
	// no per-iteration fetch entry.
	isMemref := in.IsMemRef()
	if isMemref || !s.repstr {
		adjust, err = p.instrumentInstr(b, s, regPtr, regTmp, adjust, in)
		if err != nil {
			return err
		}
	}
	s.lastAppPC = in.PC

	if isMemref {
		if pred != codegen.PredNone && adjust != 0 {
			// The predicated code below may not execute; fold what is
			// unconditionally written first.
			p.insertUpdateBufPtr(b, regPtr, codegen.PredNone, adjust)
			adjust = 0
		}
		for _, wantWrite := range []bool{false, true} {
			for i := range in.MemRefs {
				ref := &in.MemRefs[i]
				if ref.IsWrite != wantWrite {
					continue
				}
				adjust, err = p.instrumentMemref(b, s, regPtr, regTmp, adjust,
					in, ref, pred)
				if err != nil {
					return err
				}
			}
		}
		if adjust != 0 {
			p.insertUpdateBufPtr(b, regPtr, pred, adjust)
		}
	} else if adjust != 0 {
		p.insertUpdateBufPtr(b, regPtr, codegen.PredNone, adjust)
	}

	if bb.IsLast(in) {
		if filterOn {
			p.insertLoadBufPtr(b, regPtr)
		}
		if err := p.instrumentCleanCall(b, regPtr, regTmp); err != nil {
			return err
		}
	}

	b.UnreserveRegister(regPtr)
	b.UnreserveRegister(regTmp)
	return nil
}

func (p *Planner) insertLoadBufPtr(b *codegen.Builder, regPtr codegen.Reg) {
	b.LoadTLS(regPtr, p.tls.BufPtr)
}

// insertUpdateBufPtr folds adjust into the buffer pointer. With general
// predication the update inherits pred; the filter path never passes a
// predicate here because it guards the whole sequence with a skip branch.
func (p *Planner) insertUpdateBufPtr(b *codegen.Builder, regPtr codegen.Reg,
	pred codegen.Pred, adjust int) {
	if adjust == 0 {
		return
	}
	mark := b.Mark()
	b.AddImm(regPtr, int64(adjust))
	b.StoreTLS(p.tls.BufPtr, regPtr)
	if p.arch.HasPredication && p.cfg.Filter == nil {
		b.TagPred(mark, pred)
	}
}

// instrumentDelay flushes the delay buffer: a full entry for the first
// instruction and a bundle summarizing the rest, except under physical
// addressing where every instruction gets a full entry.
func (p *Planner) instrumentDelay(b *codegen.Builder, s *blockState,
	regPtr, regTmp codegen.Reg, adjust int) int {
	if s.repstr {
		// The expansion turns one string instruction into a loop; the
		// pre-memref instr entry suffices for the whole block.
		s.delay = nil
		return adjust
	}
	p.debugDisasm(s.delay)
	adjust = p.enc.InstrumentInstr(b, &s.encField, regPtr, regTmp, adjust,
		s.delay[0])
	if p.cfg.UsePhysical {
		for _, in := range s.delay[1:] {
			adjust = p.enc.InstrumentInstr(b, &s.encField, regPtr, regTmp,
				adjust, in)
		}
	} else {
		adjust = p.enc.InstrumentIBundle(b, regPtr, regTmp, adjust, s.delay[1:])
	}
	s.delay = nil
	return adjust
}

// instrumentInstr emits the instruction entry for app, going through the
// filter when enabled.
func (p *Planner) instrumentInstr(b *codegen.Builder, s *blockState,
	regPtr, regTmp codegen.Reg, adjust int, app *dbi.Instr) (int, error) {
	skip := b.NewLabel()
	regThird := codegen.RegNone
	if p.cfg.Filter != nil {
		var err error
		regThird, err = p.insertFilterCheck(b, s, regPtr, regTmp, nil, app,
			skip, codegen.PredNone)
		if err != nil {
			return adjust, err
		}
		if regThird == codegen.RegNone {
			// Still on the previous instruction's cache line.
			return adjust, nil
		}
		p.insertLoadBufPtr(b, regPtr)
	}
	adjust = p.enc.InstrumentInstr(b, &s.encField, regPtr, regTmp, adjust, app)
	if p.cfg.Filter != nil {
		if adjust != 0 {
			// Filter hits and misses break up the combined adjustment.
			p.insertUpdateBufPtr(b, regPtr, codegen.PredNone, adjust)
			adjust = 0
		}
		b.PlaceLabel(skip)
		// Scratch restores must be on all paths, so they follow the skip
		// target.
		b.UnreserveRegister(regThird)
		b.UnreserveFlags()
	}
	return adjust, nil
}

// instrumentMemref emits one memref entry, going through the filter when
// enabled and honoring the predicate.
func (p *Planner) instrumentMemref(b *codegen.Builder, s *blockState,
	regPtr, regTmp codegen.Reg, adjust int, app *dbi.Instr, ref *dbi.MemRef,
	pred codegen.Pred) (int, error) {
	skip := b.NewLabel()
	regThird := codegen.RegNone
	usedSkip := false
	if p.cfg.Filter != nil {
		var err error
		regThird, err = p.insertFilterCheck(b, s, regPtr, regTmp, ref, app,
			skip, pred)
		if err != nil {
			return adjust, err
		}
		p.insertLoadBufPtr(b, regPtr)
		usedSkip = true
	} else if pred != codegen.PredNone && !p.arch.HasPredication {
		// No general predication: a skip branch makes the record write and
		// the pointer update conditional together.
		b.JumpPredNot(pred, skip)
		usedSkip = true
	}
	adjust = p.enc.InstrumentMemref(b, regPtr, regTmp, adjust, app, ref, pred)
	if usedSkip && adjust != 0 {
		p.insertUpdateBufPtr(b, regPtr, codegen.PredNone, adjust)
		adjust = 0
	}
	if usedSkip {
		b.PlaceLabel(skip)
	}
	if p.cfg.Filter != nil {
		if regThird != codegen.RegNone {
			b.UnreserveRegister(regThird)
		}
		b.UnreserveFlags()
	}
	return adjust, nil
}

// insertFilterCheck emits the inline direct-mapped probe. ref is nil for
// instruction fetches. It returns the third scratch register the caller must
// release after the skip target, or RegNone when the instrumentation should
// be skipped entirely.
func (p *Planner) insertFilterCheck(b *codegen.Builder, s *blockState,
	regPtr, regAddr codegen.Reg, ref *dbi.MemRef, app *dbi.Instr,
	skip codegen.Label, pred codegen.Pred) (codegen.Reg, error) {
	cfg := p.cfg.Filter
	isICache := ref == nil
	mask := cfg.DMask()
	slot := p.tls.DCache
	if isICache {
		mask = cfg.IMask()
		slot = p.tls.ICache
		// An instruction on the same line as its predecessor cannot miss;
		// skip even the array probe. Line-straddling instructions count
		// only toward their first line.
		if s.lastAppPC != 0 && cfg.Line(s.lastAppPC) == cfg.Line(app.PC) {
			return codegen.RegNone, nil
		}
		s.lastAppPC = app.PC
	}
	if err := b.ReserveFlags(); err != nil {
		return codegen.RegNone, err
	}
	regIdx, err := b.ReserveRegister(codegen.ClassAny)
	if err != nil {
		return codegen.RegNone, fmt.Errorf("reserving filter scratch: %w", err)
	}
	if pred != codegen.PredNone {
		// The probe contains a conditional branch, so it cannot inherit the
		// predicate; jump over everything when the reference won't execute.
		b.JumpPredNot(pred, skip)
	}
	if isICache {
		b.MovImm(regAddr, app.PC)
	} else {
		p.enc.InsertObtainAddr(b, regAddr, regPtr, ref)
	}
	b.ShrImm(regAddr, cfg.LineBits())
	b.Mov(regIdx, regAddr)
	b.AndImm(regIdx, mask)
	b.LoadTLS(regPtr, slot)
	b.AddShifted(regPtr, regPtr, regIdx, 3)
	b.Load(regIdx, regPtr, 0)
	b.Cmp(regIdx, regAddr)
	b.JumpEq(skip)
	// Miss: replace the slot with the new line's tag.
	b.Store(regPtr, 0, regAddr)
	return regIdx, nil
}

// instrumentCleanCall injects the fullness check: read the word at the
// write pointer, skip the clean call while it is zero. Correctness rests on
// the payload beyond the last record being zero and the redzone non-zero.
func (p *Planner) instrumentCleanCall(b *codegen.Builder,
	regPtr, regTmp codegen.Reg) error {
	skip := b.NewLabel()
	b.Load(regPtr, regPtr, 0)
	if p.arch.HasZeroBranch {
		if err := b.JumpIfZero(regPtr, skip); err != nil {
			return err
		}
	} else {
		b.SaveFlags(regTmp)
		b.CmpImm(regPtr, 0)
		b.JumpEq(skip)
	}
	b.CleanCall(p.flush)
	b.PlaceLabel(skip)
	if !p.arch.HasZeroBranch {
		b.RestoreFlags(regTmp)
	}
	return nil
}
