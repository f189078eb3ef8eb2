// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package controller // import "go.opentelemetry.io/memtracer/internal/controller"

import (
	"flag"
	"fmt"

	log "github.com/sirupsen/logrus"

	"go.opentelemetry.io/memtracer/tracer"
)

// Config holds the client configuration.
type Config struct {
	Offline          bool
	IPCName          string
	OutDir           string
	UsePhysical      bool
	L0Filter         bool
	L0ISize          uint64
	L0DSize          uint64
	LineSize         uint64
	MaxTraceSize     uint64
	OnlineInstrTypes bool
	Verbose          int
	BufferEntries    int
	Arch             string
	Version          bool

	// Demo workload shape for the reference driver.
	DemoThreads int
	DemoBlocks  int

	Fs *flag.FlagSet
}

// Dump logs all flag values at debug level for verbose runs.
func (cfg *Config) Dump() {
	log.Debug("Config:")
	cfg.Fs.VisitAll(func(f *flag.Flag) {
		log.Debug(fmt.Sprintf("%s: %v", f.Name, f.Value))
	})
}

// TracerOptions converts the configuration into tracer options.
func (cfg *Config) TracerOptions() tracer.Options {
	return tracer.Options{
		Offline:          cfg.Offline,
		IPCName:          cfg.IPCName,
		OutDir:           cfg.OutDir,
		UsePhysical:      cfg.UsePhysical,
		L0Filter:         cfg.L0Filter,
		L0ISize:          cfg.L0ISize,
		L0DSize:          cfg.L0DSize,
		LineSize:         cfg.LineSize,
		MaxTraceSize:     cfg.MaxTraceSize,
		OnlineInstrTypes: cfg.OnlineInstrTypes,
		Verbose:          cfg.Verbose,
		BufferEntries:    cfg.BufferEntries,
	}
}

// Validate runs the same checks the tracer will, so usage errors surface
// before anything is created.
func (cfg *Config) Validate() error {
	opts := cfg.TracerOptions()
	return opts.Validate()
}
