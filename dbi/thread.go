// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package dbi // import "go.opentelemetry.io/memtracer/dbi"

import (
	"encoding/binary"

	log "github.com/sirupsen/logrus"

	"go.opentelemetry.io/memtracer/codegen"
)

// threadRegionBase is where per-thread region mappings start. The value is
// arbitrary; it only needs to keep mapped regions clear of address zero so
// that null tags in the filter arrays never alias a real line.
const threadRegionBase = 0x7f00_0000_0000

type region struct {
	base uint64
	data []byte
}

// Thread is one simulated application thread. All of its state is strictly
// thread-local; the host never shares a Thread across OS threads.
type Thread struct {
	id  int
	sim *Sim

	tls      []uint64
	regions  []region
	nextBase uint64

	// ClientData is the client's per-thread state, the equivalent of the
	// host TLS field.
	ClientData any

	cur *BlockExec
}

// ID returns the thread identifier.
func (t *Thread) ID() int { return t.id }

// MapRegion maps data into the thread's address space and returns its base.
func (t *Thread) MapRegion(data []byte) uint64 {
	base := t.nextBase
	t.nextBase += uint64(len(data)) + 0x1000
	t.regions = append(t.regions, region{base: base, data: data})
	return base
}

// UnmapRegion removes a mapping established with MapRegion.
func (t *Thread) UnmapRegion(base uint64) {
	for i := range t.regions {
		if t.regions[i].base == base {
			t.regions = append(t.regions[:i], t.regions[i+1:]...)
			return
		}
	}
}

func (t *Thread) locate(addr uint64) ([]byte, bool) {
	for i := range t.regions {
		r := &t.regions[i]
		if addr >= r.base && addr+codegen.WordSize <= r.base+uint64(len(r.data)) {
			return r.data[addr-r.base:], true
		}
	}
	return nil, false
}

// ReadTLS implements codegen.Machine.
func (t *Thread) ReadTLS(slot int) uint64 {
	if slot >= len(t.tls) {
		return 0
	}
	return t.tls[slot]
}

// WriteTLS implements codegen.Machine.
func (t *Thread) WriteTLS(slot int, val uint64) {
	for slot >= len(t.tls) {
		t.tls = append(t.tls, 0)
	}
	t.tls[slot] = val
}

// Load implements codegen.Machine.
func (t *Thread) Load(addr uint64) uint64 {
	data, ok := t.locate(addr)
	if !ok {
		log.Panicf("thread %d: wild load at %#x", t.id, addr)
	}
	return binary.LittleEndian.Uint64(data)
}

// Store implements codegen.Machine.
func (t *Thread) Store(addr, val uint64) {
	data, ok := t.locate(addr)
	if !ok {
		log.Panicf("thread %d: wild store at %#x", t.id, addr)
	}
	binary.LittleEndian.PutUint64(data, val)
}

// ResolveOperand implements codegen.Machine.
func (t *Thread) ResolveOperand(op codegen.MemOperand) uint64 {
	o, ok := op.(Operand)
	if !ok || t.cur == nil {
		log.Panicf("thread %d: unresolvable operand %v", t.id, op)
	}
	return t.cur.Addrs[o.InstrIndex][o.RefIndex]
}

// PredHolds implements codegen.Machine.
func (t *Thread) PredHolds(p codegen.Pred) bool {
	if p == codegen.PredNone || t.cur == nil {
		return true
	}
	return t.cur.PredsTaken[p]
}

// CallContext implements codegen.Machine. Clean-call targets receive the
// executing thread.
func (t *Thread) CallContext() any { return t }
