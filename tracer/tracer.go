// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package tracer is the core of the memory-tracing client: it owns the
// per-thread trace buffers, routes flushed records to per-thread files
// (offline) or the shared named pipe (online), and wires the
// instrumentation planner into the host's callback surface. Injected code
// runs on the application's own threads; everything per-thread here is
// strictly thread-local.
package tracer // import "go.opentelemetry.io/memtracer/tracer"

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"go.opentelemetry.io/memtracer/codegen"
	"go.opentelemetry.io/memtracer/dbi"
	"go.opentelemetry.io/memtracer/instrument"
	"go.opentelemetry.io/memtracer/ipc"
	"go.opentelemetry.io/memtracer/l0filter"
	"go.opentelemetry.io/memtracer/physaddr"
	"go.opentelemetry.io/memtracer/trace"
	"go.opentelemetry.io/memtracer/tracebuf"
	"go.opentelemetry.io/memtracer/xsync"
)

const (
	// DefaultBufferEntries is how many records a trace buffer holds. It
	// must be big enough to absorb all entries between clean calls.
	DefaultBufferEntries = 4096

	// bufHdrSlots is the record count reserved at the buffer start for the
	// unit header inserted at flush time.
	bufHdrSlots = 1

	// nameTries bounds the unique-name retry loops for the output
	// directory and the per-thread trace files.
	nameTries = 10000

	outFilePrefix = "memtrace"
	rawSubdir     = "raw"
	// ModuleListFilename is the well-known module-list name inside the raw
	// subdirectory.
	ModuleListFilename = "modules.log"
)

// Host is the slice of the DBI host the tracer needs directly; everything
// else arrives through the registered callbacks.
type Host interface {
	AllocTLSSlots(n int) int
	Pid() int
}

// Sink is the online transport: a byte-oriented write plus the ceiling
// under which writes are atomic.
type Sink interface {
	Write(p []byte) (int, error)
	AtomicWriteSize() int
}

// Options are the client options.
type Options struct {
	// Offline selects per-thread trace files under OutDir; otherwise
	// records stream to the named pipe at IPCName.
	Offline bool
	IPCName string
	OutDir  string

	// UsePhysical rewrites record addresses to physical at flush time.
	UsePhysical bool

	// L0Filter enables the inline filter with the given geometry.
	L0Filter bool
	L0ISize  uint64
	L0DSize  uint64
	LineSize uint64

	// MaxTraceSize is the soft per-thread byte cap; zero disables it.
	MaxTraceSize uint64

	// OnlineInstrTypes requests fine-grained instruction typing online,
	// which disables bundling.
	OnlineInstrTypes bool

	// Verbose is the diagnostic level.
	Verbose int

	// BufferEntries overrides DefaultBufferEntries.
	BufferEntries int

	// Sink overrides the named pipe; for embedded consumers and tests.
	Sink Sink

	// Allocator overrides the buffer allocator; for tests.
	Allocator tracebuf.Allocator

	// Fatalf overrides the unrecoverable-error handler; for tests. It must
	// not return.
	Fatalf func(format string, args ...any)
}

// Validate rejects option combinations the client cannot run with.
func (o *Options) Validate() error {
	if !o.Offline && o.IPCName == "" && o.Sink == nil {
		return errors.New("ipc_name is required for online tracing")
	}
	if o.Offline && o.OutDir == "" {
		return errors.New("outdir is required for offline tracing")
	}
	if o.L0Filter {
		cfg := l0filter.Config{ISize: o.L0ISize, DSize: o.L0DSize,
			LineSize: o.LineSize}
		if err := cfg.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Tracer is the tracing client instance.
type Tracer struct {
	opts Options
	host Host
	arch *codegen.Arch

	enc     trace.Encoder
	offEnc  *trace.OfflineEncoder
	sink    Sink
	pipe    *ipc.Pipe
	fileOps FileOps
	planner *instrument.Planner

	phys     *physaddr.Resolver
	havePhys bool

	filterCfg *l0filter.Config
	tls       instrument.TLSSlots

	payloadSize  int
	redzoneSize  int
	maxBufSize   int
	hdrSlotsSize int

	alloc  tracebuf.Allocator
	fatalf func(format string, args ...any)

	logDir      string
	modListPath string
	moduleFile  File

	// numRefs aggregates every exited thread's reference count.
	numRefs xsync.Mutex[uint64]

	// maxTraceSize is the live byte cap; the OOM policy lowers it to stop
	// output when a thread falls back to its reserve buffer.
	maxTraceSize atomic.Uint64

	runID string
}

// New builds a tracer for host. It opens the sink (pipe or output
// directory) immediately, so configuration errors surface before any
// application code runs.
func New(host Host, arch *codegen.Arch, opts Options) (*Tracer, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	t := &Tracer{
		opts:    opts,
		host:    host,
		arch:    arch,
		fileOps: defaultFileOps(),
		alloc:   opts.Allocator,
		fatalf:  opts.Fatalf,
		runID:   uuid.NewString(),
	}
	if t.alloc == nil {
		t.alloc = tracebuf.DefaultAllocator
	}
	if t.fatalf == nil {
		t.fatalf = log.Fatalf
	}
	t.maxTraceSize.Store(opts.MaxTraceSize)

	entries := opts.BufferEntries
	if entries <= 0 {
		entries = DefaultBufferEntries
	}
	t.payloadSize = trace.EntrySize * entries
	t.redzoneSize = trace.EntrySize * entries
	t.maxBufSize = t.payloadSize + t.redzoneSize
	t.hdrSlotsSize = trace.EntrySize * bufHdrSlots

	if opts.Offline {
		if err := t.initOfflineDir(); err != nil {
			return nil, err
		}
		offEnc, err := trace.NewOfflineEncoder(t.moduleFile,
			func(f any, p []byte) (int, error) { return t.fileOps.Write(f, p) },
			t.runID)
		if err != nil {
			return nil, err
		}
		t.offEnc = offEnc
		t.enc = offEnc
	} else {
		t.enc = trace.NewOnlineEncoder(opts.OnlineInstrTypes)
		if opts.Sink != nil {
			t.sink = opts.Sink
		} else {
			pipe := ipc.NewPipe(opts.IPCName)
			if err := pipe.OpenForWrite(); err != nil {
				return nil, err
			}
			pipe.MaximizeBuffer()
			t.pipe = pipe
			t.sink = pipe
		}
	}

	if opts.L0Filter {
		t.filterCfg = &l0filter.Config{ISize: opts.L0ISize,
			DSize: opts.L0DSize, LineSize: opts.LineSize}
	}

	base := host.AllocTLSSlots(3)
	t.tls = instrument.TLSSlots{BufPtr: base, DCache: base + 1, ICache: base + 2}

	t.planner = instrument.NewPlanner(t.enc, arch, instrument.Config{
		Offline:          opts.Offline,
		UsePhysical:      opts.UsePhysical,
		OnlineInstrTypes: opts.OnlineInstrTypes,
		Filter:           t.filterCfg,
	}, t.tls, t.cleanCall)

	if opts.UsePhysical {
		phys, err := physaddr.NewResolver()
		if err != nil {
			log.Warnf("Unable to open pagemap: using virtual addresses: %v", err)
		} else {
			t.phys = phys
			t.havePhys = true
		}
	}
	return t, nil
}

// Callbacks returns the full host registration set.
func (t *Tracer) Callbacks() dbi.Callbacks {
	return dbi.Callbacks{
		ThreadInit: t.threadInit,
		ThreadExit: t.threadExit,
		PreSyscall: t.preSyscall,
		ForkInit:   t.forkInit,
		Exit:       t.processExit,
		BBApp2App:  t.planner.BBApp2App,
		BBAnalysis: t.planner.BBAnalysis,
		BBInstr:    t.planner.BBInstr,
		ModuleLoad: t.moduleLoad,
	}
}

// ModuleListPath returns the module-list file path for offline runs.
func (t *Tracer) ModuleListPath() string { return t.modListPath }

// CustomModuleData installs the producer triple attached to each module
// record. The first registrant wins.
func (t *Tracer) CustomModuleData(c *trace.CustomModuleData) error {
	if t.offEnc == nil {
		return errors.New("custom module data requires offline tracing")
	}
	t.offEnc.SetCustomModuleData(c)
	return nil
}

func (t *Tracer) moduleLoad(mod *dbi.Module) {
	if t.offEnc != nil {
		t.offEnc.OnModuleLoad(mod)
	}
}

// initOfflineDir creates the unique run directory, the raw-traces
// subdirectory and the module-list file.
func (t *Tracer) initOfflineDir() error {
	var dir string
	ok := false
	for i := 0; i < nameTries; i++ {
		dir = filepath.Join(t.opts.OutDir,
			fmt.Sprintf("%s.%d.%04d.dir", outFilePrefix, t.host.Pid(), i))
		if err := t.fileOps.CreateDir(dir); err == nil {
			ok = true
			break
		}
	}
	if !ok {
		return fmt.Errorf("failed to create a subdir in %s", t.opts.OutDir)
	}
	t.logDir = filepath.Join(dir, rawSubdir)
	if err := t.fileOps.CreateDir(t.logDir); err != nil {
		return fmt.Errorf("failed to create %s: %w", t.logDir, err)
	}
	log.Debugf("Log directory is %s", t.logDir)
	t.modListPath = filepath.Join(t.logDir, ModuleListFilename)
	f, err := t.fileOps.Open(t.modListPath,
		os.O_WRONLY|os.O_CREATE|os.O_EXCL)
	if err != nil {
		return fmt.Errorf("failed to create module list %s: %w",
			t.modListPath, err)
	}
	t.moduleFile = f
	return nil
}

// cleanCall is the clean-call target the fullness check invokes.
func (t *Tracer) cleanCall(ctx any) {
	t.memtrace(ctx.(*dbi.Thread), false)
}

// NumRefs returns the global reference count aggregated from exited
// threads.
func (t *Tracer) NumRefs() uint64 {
	refs := t.numRefs.Lock()
	defer t.numRefs.Unlock(&refs)
	return *refs
}
