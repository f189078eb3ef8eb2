// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package tracer // import "go.opentelemetry.io/memtracer/tracer"

import (
	log "github.com/sirupsen/logrus"

	"go.opentelemetry.io/memtracer/dbi"
	"go.opentelemetry.io/memtracer/trace"
)

// memtrace drains the thread's buffer to the sink. skipSizeCap forces the
// write past the byte cap so the thread-exit marker always goes out.
func (t *Tracer) memtrace(th *dbi.Thread, skipSizeCap bool) {
	ts := state(th)
	data := ts.buf.Data
	off := int(th.ReadTLS(t.tls.BufPtr) - ts.bufBase)

	// Nothing to write: e.g. a syscall flush right after a reset.
	if off == t.hdrSlotsSize {
		return
	}

	// The reserved slot takes the unit header, unless this is the thread's
	// very first offline buffer, which already starts with its headers.
	headerSize := t.hdrSlotsSize
	if ts.numRefs == 0 && t.opts.Offline {
		headerSize = ts.initHeaderSize
	} else {
		t.enc.AppendUnitHeader(data, th.ID())
	}

	pipeStart, pipeEnd := 0, 0
	doWrite := true
	capSize := t.maxTraceSize.Load()
	if !skipSizeCap && capSize > 0 && ts.bytesWritten > capSize {
		// The cap is not exact: one buffer beyond is allowed, and beyond
		// the limit we still instrument and drain to reset state.
		doWrite = false
	} else {
		ts.bytesWritten += uint64(off)
	}

	if doWrite {
		entrySize := t.enc.SizeofEntry()
		for mem := headerSize; mem < off; mem += entrySize {
			ts.numRefs++
			rec := data[mem:]
			if t.havePhys && t.opts.UsePhysical {
				typ := t.enc.GetEntryType(rec)
				if typ != trace.TypeThread && typ != trace.TypeThreadExit &&
					typ != trace.TypePID {
					virt := t.enc.GetEntryAddr(rec)
					if phys := t.phys.Virtual2Physical(virt); phys != 0 {
						t.enc.SetEntryAddr(rec, phys)
					} else {
						// Kernel pages and wild accesses don't translate;
						// keep the virtual address.
						log.Debugf("virtual2physical translation failure for "+
							"<%2d, %2d, %#x>", typ, t.enc.GetEntrySize(rec), virt)
					}
				}
			}
			if !t.opts.Offline {
				// Split the buffer into atomic pipe writes, only at
				// boundaries before an instruction record so an
				// instruction and its memrefs never separate.
				if t.enc.GetEntryType(rec).IsInstr() {
					if mem-pipeStart > t.sink.AtomicWriteSize() {
						pipeStart = t.atomicPipeWrite(th, data, pipeStart,
							pipeEnd)
					}
					pipeEnd = mem
				}
			}
		}
		if t.opts.Offline {
			t.writeTraceData(ts, data[pipeStart:off])
		} else {
			// The trailing records (an instr plus its memrefs) may exceed
			// the ceiling on their own, needing two writes.
			if off-pipeStart > t.sink.AtomicWriteSize() {
				pipeStart = t.atomicPipeWrite(th, data, pipeStart, pipeEnd)
			}
			if off-pipeStart > t.hdrSlotsSize {
				t.atomicPipeWrite(th, data, pipeStart, off)
			}
		}
	}

	if doWrite && t.fileOps.HandoffBuffer != nil {
		// The handoff owner has the buffer now; we need a new one.
		th.UnmapRegion(ts.bufBase)
		t.createBuffer(ts)
	} else {
		// Instrumentation skips the clean call when the word at the write
		// pointer is zero, so the payload must read zero again and the
		// redzone non-zero.
		ts.buf.Reset(off)
	}
	th.WriteTLS(t.tls.BufPtr, ts.bufBase+uint64(t.hdrSlotsSize))
}

// atomicPipeWrite sends data[start:end] as one atomic pipe write and
// returns the new segment start, which re-begins with a unit header so the
// consumer can resync.
func (t *Tracer) atomicPipeWrite(th *dbi.Thread, data []byte, start, end int) int {
	towrite := end - start
	if towrite > t.sink.AtomicWriteSize() || towrite <= t.hdrSlotsSize {
		t.fatalf("bad atomic pipe write size %d", towrite)
		return start
	}
	if n, err := t.sink.Write(data[start:end]); err != nil || n < towrite {
		t.fatalf("failed to write trace to pipe: wrote %d of %d: %v",
			n, towrite, err)
		return start
	}
	start = end - t.hdrSlotsSize
	t.enc.AppendTID(data[start:], th.ID())
	return start
}

// writeTraceData routes a flushed segment to the thread file, or hands the
// whole buffer off when a handoff callback is installed.
func (t *Tracer) writeTraceData(ts *threadState, seg []byte) {
	if t.fileOps.HandoffBuffer != nil {
		if !t.fileOps.HandoffBuffer(ts.file, ts.buf.Data, len(seg),
			ts.buf.Size()) {
			t.fatalf("failed to hand off trace")
		}
		return
	}
	if n, err := t.fileOps.Write(ts.file, seg); err != nil || n < len(seg) {
		t.fatalf("failed to write trace: wrote %d of %d: %v", n, len(seg), err)
	}
}
