// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package dbi

import (
	"testing"

	"github.com/stretchr/testify/require"

	"go.opentelemetry.io/memtracer/codegen"
)

func TestThreadRegions(t *testing.T) {
	s := NewSim(codegen.ARM64)
	th := s.NewThread()

	data := make([]byte, 64)
	base := th.MapRegion(data)

	th.Store(base+8, 0x1122334455667788)
	require.Equal(t, uint64(0x1122334455667788), th.Load(base+8))
	require.Equal(t, byte(0x88), data[8])
	require.Equal(t, byte(0x11), data[15])

	th.UnmapRegion(base)
	require.Panics(t, func() { th.Load(base + 8) })
}

func TestThreadTLS(t *testing.T) {
	s := NewSim(codegen.ARM64)
	base := s.AllocTLSSlots(3)
	require.Equal(t, 0, base)
	require.Equal(t, 3, s.AllocTLSSlots(1))

	th := s.NewThread()
	require.Zero(t, th.ReadTLS(2))
	th.WriteTLS(2, 42)
	require.Equal(t, uint64(42), th.ReadTLS(2))
}

func TestSimInstrumentationPhasesAndCaching(t *testing.T) {
	s := NewSim(codegen.ARM64)

	var app2app, analysis, perInstr int
	s.Register(Callbacks{
		BBApp2App: func(bb *Block) any {
			app2app++
			return "ud"
		},
		BBAnalysis: func(bb *Block, ud any) {
			analysis++
			require.Equal(t, "ud", ud)
		},
		BBInstr: func(b *codegen.Builder, bb *Block, in *Instr, ud any) error {
			perInstr++
			return nil
		},
	})

	bb := &Block{Tag: 1, Instrs: []*Instr{{IsApp: true}, {IsApp: true}}}
	th := s.NewThread()
	require.NoError(t, s.Run(th, &BlockExec{Block: bb}))
	require.NoError(t, s.Run(th, &BlockExec{Block: bb}))

	// The second execution hits the program cache.
	require.Equal(t, 1, app2app)
	require.Equal(t, 1, analysis)
	require.Equal(t, 2, perInstr)
}

func TestOperandBinding(t *testing.T) {
	s := NewSim(codegen.ARM64)
	bb := &Block{Tag: 2, Instrs: []*Instr{
		{IsApp: true, MemRefs: []MemRef{{Size: 8}, {Size: 4, IsWrite: true}}},
	}}
	BindOperands(bb)
	require.Equal(t, Operand{InstrIndex: 0, RefIndex: 1}, bb.Instrs[0].MemRefs[1].Operand)

	var got []uint64
	s.Register(Callbacks{
		BBInstr: func(b *codegen.Builder, _ *Block, in *Instr, _ any) error {
			r, err := b.ReserveRegister(codegen.ClassAny)
			require.NoError(t, err)
			for i := range in.MemRefs {
				b.Lea(r, in.MemRefs[i].Operand)
			}
			b.CleanCall(func(ctx any) {
				th := ctx.(*Thread)
				got = append(got,
					th.ResolveOperand(in.MemRefs[0].Operand),
					th.ResolveOperand(in.MemRefs[1].Operand))
			})
			return nil
		},
	})
	th := s.NewThread()
	require.NoError(t, s.Run(th, &BlockExec{
		Block: bb,
		Addrs: [][]uint64{{0x1000, 0x2000}},
	}))
	require.Equal(t, []uint64{0x1000, 0x2000}, got)
}

func TestForkBumpsPid(t *testing.T) {
	s := NewSim(codegen.ARM64)
	var preSyscall, forkInit int
	s.Register(Callbacks{
		PreSyscall: func(th *Thread, sysnum int, args []uint64) bool {
			require.Equal(t, SysFork, sysnum)
			preSyscall++
			return true
		},
		ForkInit: func(th *Thread) { forkInit++ },
	})
	pid := s.Pid()
	th := s.NewThread()
	s.Fork(th)
	require.Equal(t, pid+1, s.Pid())
	require.Equal(t, 1, preSyscall)
	require.Equal(t, 1, forkInit)
}

func TestExpandRepString(t *testing.T) {
	require.True(t, ExpandRepString(&Block{RepString: true}))
	require.False(t, ExpandRepString(&Block{}))
}
