// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package dbi // import "go.opentelemetry.io/memtracer/dbi"

import (
	"fmt"
	"os"
	"sync"

	"go.opentelemetry.io/memtracer/codegen"
)

// Syscall numbers the reference host reports to the pre-syscall callback.
// They are host-virtual, not OS numbers.
const (
	SysFork = iota + 1
	SysCacheFlush
)

// Callbacks is the client registration surface, the equivalent of the host's
// event API. The three BB callbacks run in instrumentation order per block;
// the lifecycle callbacks run on the affected application thread.
type Callbacks struct {
	ThreadInit func(t *Thread)
	ThreadExit func(t *Thread)
	// PreSyscall observes syscall entry. Sim ignores the returned value; no
	// syscall is suppressed.
	PreSyscall func(t *Thread, sysnum int, args []uint64) bool
	ForkInit   func(t *Thread)
	Exit       func()

	// BBApp2App runs before any other pass and returns per-block user data.
	BBApp2App func(bb *Block) any
	// BBAnalysis lets the client compute per-block state.
	BBAnalysis func(bb *Block, ud any)
	// BBInstr runs once per instruction and emits injected code.
	BBInstr func(b *codegen.Builder, bb *Block, in *Instr, ud any) error
	// ModuleLoad observes application module load events.
	ModuleLoad func(mod *Module)
}

// BlockExec binds one execution of a block to concrete operand values.
type BlockExec struct {
	Block *Block
	// Addrs[i][j] is the effective address of instruction i's memory
	// reference j for this execution.
	Addrs [][]uint64
	// PredsTaken records which predicates hold for this execution.
	PredsTaken map[codegen.Pred]bool
}

// Sim is the in-process reference host. It owns the per-block program cache
// and drives the client callbacks the way the real host would: block
// instrumentation is serialized, injected code runs on the calling thread.
type Sim struct {
	arch *codegen.Arch
	cbs  Callbacks

	mu       sync.Mutex
	progs    map[uint64]*codegen.Program
	tlsSlots int
	pid      int
	nextTID  int
}

// NewSim returns a host targeting arch.
func NewSim(arch *codegen.Arch) *Sim {
	return &Sim{
		arch:    arch,
		progs:   make(map[uint64]*codegen.Program),
		pid:     os.Getpid(),
		nextTID: 1,
	}
}

// Arch returns the host's target architecture.
func (s *Sim) Arch() *codegen.Arch { return s.arch }

// Pid returns the simulated process id.
func (s *Sim) Pid() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pid
}

// AllocTLSSlots reserves n raw TLS slots and returns the first slot index.
func (s *Sim) AllocTLSSlots(n int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	base := s.tlsSlots
	s.tlsSlots += n
	return base
}

// Register installs the client callbacks. Call once before creating threads.
func (s *Sim) Register(cbs Callbacks) { s.cbs = cbs }

// NewThread creates an application thread and fires the thread-init event.
func (s *Sim) NewThread() *Thread {
	s.mu.Lock()
	t := &Thread{id: s.nextTID, sim: s, nextBase: threadRegionBase}
	s.nextTID++
	s.mu.Unlock()
	if s.cbs.ThreadInit != nil {
		s.cbs.ThreadInit(t)
	}
	return t
}

// ExitThread fires the thread-exit event.
func (s *Sim) ExitThread(t *Thread) {
	if s.cbs.ThreadExit != nil {
		s.cbs.ThreadExit(t)
	}
}

// SyscallEntry reports syscall entry on t.
func (s *Sim) SyscallEntry(t *Thread, sysnum int, args ...uint64) {
	if s.cbs.PreSyscall != nil {
		s.cbs.PreSyscall(t, sysnum, args)
	}
}

// Fork simulates a fork taken by t: the pre-syscall event fires in the
// parent, then the fork-init event fires with t continuing as the child's
// initial thread under a fresh pid.
func (s *Sim) Fork(t *Thread) {
	if s.cbs.PreSyscall != nil {
		s.cbs.PreSyscall(t, SysFork, nil)
	}
	s.mu.Lock()
	s.pid++
	s.mu.Unlock()
	if s.cbs.ForkInit != nil {
		s.cbs.ForkInit(t)
	}
}

// Exit fires the process-exit event and drops the registered callbacks.
func (s *Sim) Exit() {
	if s.cbs.Exit != nil {
		s.cbs.Exit()
	}
	s.cbs = Callbacks{}
}

// LoadModule reports a module-load event.
func (s *Sim) LoadModule(mod *Module) {
	if s.cbs.ModuleLoad != nil {
		s.cbs.ModuleLoad(mod)
	}
}

// instrument runs the client's instrumentation passes over bb, caching the
// result per block tag the way the host's code cache would.
func (s *Sim) instrument(bb *Block) (*codegen.Program, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.progs[bb.Tag]; ok {
		return p, nil
	}
	var ud any
	if s.cbs.BBApp2App != nil {
		ud = s.cbs.BBApp2App(bb)
	}
	if s.cbs.BBAnalysis != nil {
		s.cbs.BBAnalysis(bb, ud)
	}
	b := codegen.NewBuilder(s.arch)
	if s.cbs.BBInstr != nil {
		for _, in := range bb.Instrs {
			if err := s.cbs.BBInstr(b, bb, in, ud); err != nil {
				return nil, fmt.Errorf("instrumenting block %#x: %w", bb.Tag, err)
			}
		}
	}
	p, err := b.Finish()
	if err != nil {
		return nil, fmt.Errorf("assembling block %#x: %w", bb.Tag, err)
	}
	s.progs[bb.Tag] = p
	return p, nil
}

// Run executes one block instance on t: the injected code runs to completion
// on the calling goroutine, exactly as it would on the application thread.
func (s *Sim) Run(t *Thread, exec *BlockExec) error {
	p, err := s.instrument(exec.Block)
	if err != nil {
		return err
	}
	t.cur = exec
	err = codegen.Run(p, t)
	t.cur = nil
	return err
}
