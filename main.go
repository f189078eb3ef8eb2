// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// memtracer is the reference driver for the tracing client: it builds the
// client against the simulated host and replays a synthetic workload
// through it. Consumers developing against the pipe protocol or the raw
// offline format can use it to produce well-formed traces without a real
// instrumentation host.
package main

import (
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"go.opentelemetry.io/memtracer/dbi"
	"go.opentelemetry.io/memtracer/internal/controller"
)

const version = "0.1.0"

const (
	exitSuccess = 0
	exitFailure = 1
)

func main() {
	os.Exit(mainWithExitCode())
}

func mainWithExitCode() int {
	cfg, err := parseArgs()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failure to parse arguments: %v\n", err)
		return exitFailure
	}

	if cfg.Version {
		fmt.Printf("memtracer %s\n", version)
		return exitSuccess
	}

	switch {
	case cfg.Verbose >= 2:
		log.SetLevel(log.TraceLevel)
	case cfg.Verbose >= 1:
		log.SetLevel(log.DebugLevel)
		cfg.Dump()
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Usage error: %v\n", err)
		cfg.Fs.Usage()
		return exitFailure
	}

	c := controller.New(cfg)
	if err := c.Start(); err != nil {
		log.Errorf("Failed to start: %v", err)
		return exitFailure
	}
	defer c.Shutdown()

	if err := runWorkload(c.Host(), cfg.DemoThreads, cfg.DemoBlocks); err != nil {
		log.Errorf("Workload failed: %v", err)
		return exitFailure
	}
	return exitSuccess
}

// workloadBlock is a small block mixing plain instructions with a load and
// a store, enough to exercise bundling, memref emission and the fullness
// check.
func workloadBlock() *dbi.Block {
	bb := &dbi.Block{
		Tag: 0x4000,
		Instrs: []*dbi.Instr{
			{PC: 0x4000, Length: 3, IsApp: true, Kind: dbi.KindRegular},
			{PC: 0x4003, Length: 2, IsApp: true, Kind: dbi.KindRegular},
			{PC: 0x4005, Length: 4, IsApp: true, Kind: dbi.KindRegular,
				MemRefs: []dbi.MemRef{{Size: 8}}},
			{PC: 0x4009, Length: 4, IsApp: true, Kind: dbi.KindRegular,
				MemRefs: []dbi.MemRef{{Size: 8, IsWrite: true}}},
		},
	}
	dbi.BindOperands(bb)
	return bb
}

// runWorkload drives threads application threads through blocks executions
// each, touching a strided data region so the filter (when enabled) sees
// both hits and misses.
func runWorkload(host *dbi.Sim, threads, blocks int) error {
	bb := workloadBlock()
	var g errgroup.Group
	for i := 0; i < threads; i++ {
		base := uint64(0x10_0000 * (i + 1))
		g.Go(func() error {
			t := host.NewThread()
			for j := 0; j < blocks; j++ {
				addr := base + uint64(j%512)*8
				exec := &dbi.BlockExec{
					Block: bb,
					Addrs: [][]uint64{nil, nil, {addr}, {addr + 0x8000}},
				}
				if err := host.Run(t, exec); err != nil {
					return err
				}
			}
			host.ExitThread(t)
			return nil
		})
	}
	return g.Wait()
}
