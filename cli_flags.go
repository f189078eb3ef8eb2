// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"flag"
	"os"

	"github.com/peterbourgon/ff/v3"

	"go.opentelemetry.io/memtracer/internal/controller"
)

const (
	// Default values for CLI flags
	defaultLineSize    = 64
	defaultL0ISize     = 32 * 1024
	defaultL0DSize     = 32 * 1024
	defaultDemoThreads = 2
	defaultDemoBlocks  = 1000
)

// Help strings for command line arguments
var (
	offlineHelp = "Write per-thread raw trace files under -outdir instead of " +
		"streaming records to the named pipe."
	ipcNameHelp = "Path of the named pipe shared with the simulator. " +
		"Required for online tracing."
	outdirHelp  = "Root directory for offline traces. Required with -offline."
	physHelp    = "Translate virtual addresses to physical at flush time."
	l0FilterHelp = "Enable the inline L0 filter: references hitting a " +
		"recently-seen cache line emit no records."
	l0ISizeHelp = "Instruction-fetch filter size in bytes (power of two)."
	l0DSizeHelp = "Data filter size in bytes (power of two)."
	lineSizeHelp = "Cache line size in bytes for the filter (power of two)."
	maxSizeHelp = "Soft per-thread trace size cap in bytes; 0 disables it. " +
		"Actual output may exceed the cap by up to one buffer."
	instrTypesHelp = "Emit fine-grained instruction typing online; disables " +
		"instruction bundling."
	verboseHelp = "Diagnostic level (0-2)."
	bufEntriesHelp = "Records per trace buffer. Must be big enough to hold " +
		"all entries between clean calls."
	archHelp        = "Architecture profile to instrument for (amd64, arm, arm64)."
	versionHelp     = "Show version."
	demoThreadsHelp = "Number of application threads the reference workload runs."
	demoBlocksHelp  = "Number of block executions per reference-workload thread."
)

func parseArgs() (*controller.Config, error) {
	var args controller.Config

	fs := flag.NewFlagSet("memtracer", flag.ExitOnError)

	// Please keep the parameters ordered alphabetically in the source-code.
	fs.StringVar(&args.Arch, "arch", "amd64", archHelp)
	fs.IntVar(&args.BufferEntries, "buffer-entries", 0, bufEntriesHelp)
	fs.IntVar(&args.DemoBlocks, "demo-blocks", defaultDemoBlocks, demoBlocksHelp)
	fs.IntVar(&args.DemoThreads, "demo-threads", defaultDemoThreads,
		demoThreadsHelp)
	fs.StringVar(&args.IPCName, "ipc-name", "", ipcNameHelp)
	fs.BoolVar(&args.L0Filter, "l0-filter", false, l0FilterHelp)
	fs.Uint64Var(&args.L0DSize, "l0d-size", defaultL0DSize, l0DSizeHelp)
	fs.Uint64Var(&args.L0ISize, "l0i-size", defaultL0ISize, l0ISizeHelp)
	fs.Uint64Var(&args.LineSize, "line-size", defaultLineSize, lineSizeHelp)
	fs.Uint64Var(&args.MaxTraceSize, "max-trace-size", 0, maxSizeHelp)
	fs.BoolVar(&args.Offline, "offline", false, offlineHelp)
	fs.BoolVar(&args.OnlineInstrTypes, "online-instr-types", false,
		instrTypesHelp)
	fs.StringVar(&args.OutDir, "outdir", "", outdirHelp)
	fs.BoolVar(&args.UsePhysical, "use-physical", false, physHelp)
	fs.IntVar(&args.Verbose, "v", 0, "Shorthand for -verbose.")
	fs.IntVar(&args.Verbose, "verbose", 0, verboseHelp)
	fs.BoolVar(&args.Version, "version", false, versionHelp)

	fs.Usage = func() {
		fs.PrintDefaults()
	}

	args.Fs = fs

	return &args, ff.Parse(fs, os.Args[1:],
		ff.WithEnvVarPrefix("MEMTRACER"),
		ff.WithConfigFileFlag("config"),
		ff.WithConfigFileParser(ff.PlainParser),
		ff.WithIgnoreUndefined(true),
		ff.WithAllowMissingConfigFile(true),
	)
}
