// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package tracer // import "go.opentelemetry.io/memtracer/tracer"

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"

	"go.opentelemetry.io/memtracer/dbi"
	"go.opentelemetry.io/memtracer/l0filter"
	"go.opentelemetry.io/memtracer/trace"
	"go.opentelemetry.io/memtracer/tracebuf"
)

// threadState is the tracer's per-thread state. It is reachable only from
// the owning thread's ClientData; no cross-thread access ever occurs.
type threadState struct {
	thread *dbi.Thread

	buf     *tracebuf.Buffer
	bufBase uint64

	numRefs      uint64
	bytesWritten uint64

	file           File
	initHeaderSize int

	numBuffers  int
	reserve     *tracebuf.Buffer
	reserveBase uint64

	filter *l0filter.Arrays
	iBase  uint64
	dBase  uint64
}

func state(th *dbi.Thread) *threadState {
	return th.ClientData.(*threadState)
}

// createBuffer installs a fresh primary buffer, falling back to the reserve
// buffer when allocation fails: instrumentation cannot fail, so it always
// needs a destination, even one that is never written out.
func (t *Tracer) createBuffer(ts *threadState) {
	buf := tracebuf.New(t.alloc, t.payloadSize, t.redzoneSize, t.hdrSlotsSize)
	if buf == nil {
		if ts.reserve == nil {
			t.fatalf("out of memory and cannot recover")
			return
		}
		log.Warnf("Out of memory: truncating further tracing.")
		ts.buf = ts.reserve
		ts.bufBase = ts.reserveBase
		// Avoid future buffer output.
		t.maxTraceSize.Store(ts.bytesWritten - 1)
		return
	}
	ts.buf = buf
	ts.bufBase = ts.thread.MapRegion(buf.Data)
	ts.numBuffers++
	if ts.numBuffers == 2 {
		// A reserve buffer lets us keep running the same instrumentation
		// after a later allocation failure and just never write it out.
		// Idle threads never reach a second buffer, so they don't pay for
		// it.
		if r := tracebuf.New(t.alloc, t.payloadSize, t.redzoneSize,
			t.hdrSlotsSize); r != nil {
			ts.reserve = r
			ts.reserveBase = ts.thread.MapRegion(r.Data)
		}
	}
}

func (t *Tracer) threadInit(th *dbi.Thread) {
	ts := &threadState{thread: th}
	th.ClientData = ts
	t.createBuffer(ts)
	t.initThreadInProcess(th)
}

// initThreadInProcess runs at thread init and again at fork init, where the
// child needs a new offline file or a new registration triple online.
func (t *Tracer) initThreadInProcess(th *dbi.Thread) {
	ts := state(th)
	tid := th.ID()
	if t.opts.Offline {
		var f File
		var name string
		ok := false
		for i := 0; i < nameTries; i++ {
			name = filepath.Join(t.logDir,
				fmt.Sprintf("%s.%d.%04d.raw", outFilePrefix, tid, i))
			var err error
			f, err = t.fileOps.Open(name, os.O_WRONLY|os.O_CREATE|os.O_EXCL)
			if err == nil {
				ok = true
				break
			}
		}
		if !ok {
			t.fatalf("failed to create trace file %s", name)
			return
		}
		ts.file = f
		log.Debugf("Created thread trace file %s", name)

		// The initial headers go at the top of the first buffer; the first
		// flush skips the unit-header insertion because of them.
		n := t.enc.AppendThreadHeader(ts.buf.Data, tid)
		ts.initHeaderSize = n
		n += t.enc.AppendTID(ts.buf.Data[n:], tid)
		n += t.enc.AppendPID(ts.buf.Data[n:], t.host.Pid())
		th.WriteTLS(t.tls.BufPtr, ts.bufBase+uint64(n))
	} else {
		// Register this thread with the simulator through the normal
		// flush path.
		var reg [3 * trace.EntrySize]byte
		n := t.enc.AppendThreadHeader(reg[:], tid)
		n += t.enc.AppendTID(reg[n:], tid)
		n += t.enc.AppendPID(reg[n:], t.host.Pid())
		t.atomicPipeWrite(th, reg[:], 0, n)
		th.WriteTLS(t.tls.BufPtr, ts.bufBase+uint64(t.hdrSlotsSize))
	}

	if t.filterCfg != nil {
		ts.filter = l0filter.NewArrays(t.filterCfg)
		ts.dBase = th.MapRegion(ts.filter.DCache)
		ts.iBase = th.MapRegion(ts.filter.ICache)
		th.WriteTLS(t.tls.DCache, ts.dBase)
		th.WriteTLS(t.tls.ICache, ts.iBase)
	}
}

func (t *Tracer) threadExit(th *dbi.Thread) {
	ts := state(th)
	capSize := t.maxTraceSize.Load()
	if capSize > 0 && ts.bytesWritten > capSize {
		// Over the limit: still emit the exit marker, but nothing else.
		th.WriteTLS(t.tls.BufPtr, ts.bufBase+uint64(t.hdrSlotsSize))
	}
	ptr := th.ReadTLS(t.tls.BufPtr)
	off := int(ptr - ts.bufBase)
	n := t.enc.AppendThreadExit(ts.buf.Data[off:], th.ID())
	th.WriteTLS(t.tls.BufPtr, ptr+uint64(n))

	t.memtrace(th, true)

	if t.opts.Offline {
		if err := t.fileOps.Close(ts.file); err != nil {
			log.Errorf("Failed to close trace file: %v", err)
		}
	}

	if ts.filter != nil {
		th.UnmapRegion(ts.iBase)
		th.UnmapRegion(ts.dBase)
		ts.filter = nil
	}

	refs := t.numRefs.Lock()
	*refs += ts.numRefs
	t.numRefs.Unlock(&refs)

	th.UnmapRegion(ts.bufBase)
	if ts.reserve != nil && ts.reserveBase != ts.bufBase {
		th.UnmapRegion(ts.reserveBase)
	}
	th.ClientData = nil
}

// preSyscall flushes before the kernel runs, and records an iflush range
// for cache-flush syscalls on targets that expose one.
func (t *Tracer) preSyscall(th *dbi.Thread, sysnum int, args []uint64) bool {
	if sysnum == dbi.SysCacheFlush && len(args) >= 2 && args[1] > args[0] {
		ts := state(th)
		ptr := th.ReadTLS(t.tls.BufPtr)
		off := int(ptr - ts.bufBase)
		n := t.enc.AppendIFlush(ts.buf.Data[off:], args[0], args[1]-args[0])
		th.WriteTLS(t.tls.BufPtr, ptr+uint64(n))
	}
	if t.fileOps.HandoffBuffer == nil {
		t.memtrace(th, false)
	}
	return true
}

// forkInit reinitializes this thread as the child's initial thread:
// outstanding data was flushed before the fork syscall, so only fresh
// output state is needed.
func (t *Tracer) forkInit(th *dbi.Thread) {
	ts := state(th)
	// Only count references made in the new process. This also re-arms the
	// offline first-flush header path.
	ts.numRefs = 0
	if t.opts.Offline {
		if err := t.fileOps.Close(ts.file); err != nil {
			log.Debugf("Failed to close inherited trace file: %v", err)
		}
		if err := t.fileOps.Close(t.moduleFile); err != nil {
			log.Debugf("Failed to close inherited module list: %v", err)
		}
		if err := t.initOfflineDir(); err != nil {
			t.fatalf("failed to create a subdir in %s: %v", t.opts.OutDir, err)
			return
		}
		t.offEnc.SetModuleFile(t.moduleFile)
	}
	t.initThreadInProcess(th)
}

func (t *Tracer) processExit() {
	log.Debugf("memtracer exiting process %d; traced %d references.",
		t.host.Pid(), t.NumRefs())

	if t.opts.Offline {
		if err := t.fileOps.Close(t.moduleFile); err != nil {
			log.Errorf("Failed to close module list: %v", err)
		}
	} else if t.pipe != nil {
		if err := t.pipe.Close(); err != nil {
			log.Errorf("Failed to close pipe: %v", err)
		}
	} else if c, ok := t.sink.(io.Closer); ok {
		_ = c.Close()
	}

	if t.fileOps.Exit != nil {
		t.fileOps.Exit(t.fileOps.ExitArg)
	}

	if t.phys != nil {
		t.phys.Close()
		t.phys = nil
	}
}
