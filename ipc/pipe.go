// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package ipc wraps the named pipe the online tracer shares with the
// simulator. The transport contract is small: a byte-oriented write and an
// atomic-write ceiling under which the OS guarantees writes from multiple
// writers never interleave.
package ipc // import "go.opentelemetry.io/memtracer/ipc"

import (
	"fmt"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// AtomicWriteSize is the pipe's atomic-write ceiling. POSIX guarantees at
// least 512; Linux guarantees 4096.
const AtomicWriteSize = 4096

// Pipe is the write side of the named pipe. The consumer creates the pipe
// and holds the read side open before the traced process starts.
type Pipe struct {
	path string
	fd   int
}

// NewPipe returns an unopened pipe for path.
func NewPipe(path string) *Pipe {
	return &Pipe{path: path, fd: -1}
}

// Path returns the pipe path.
func (p *Pipe) Path() string { return p.path }

// Create makes the FIFO node if it does not already exist.
func (p *Pipe) Create() error {
	err := unix.Mkfifo(p.path, 0o666)
	if err != nil && err != unix.EEXIST {
		return fmt.Errorf("mkfifo %s: %w", p.path, err)
	}
	return nil
}

// OpenForWrite opens the pipe write-only. It blocks until a reader is
// present, which is the rendezvous with the simulator.
func (p *Pipe) OpenForWrite() error {
	fd, err := unix.Open(p.path, unix.O_WRONLY, 0)
	if err != nil {
		return fmt.Errorf("failed to open pipe %s: %w", p.path, err)
	}
	p.fd = fd
	return nil
}

// AtomicWriteSize returns the ceiling under which a single write is
// delivered without interleaving.
func (p *Pipe) AtomicWriteSize() int { return AtomicWriteSize }

// MaximizeBuffer grows the kernel pipe buffer to reduce writer stalls.
// Failure is not fatal; tracing just runs with the default buffer.
func (p *Pipe) MaximizeBuffer() {
	if !maximizeBuffer(p.fd) {
		log.Debugf("Failed to maximize pipe buffer: performance may suffer.")
	}
}

// Write issues one write syscall; atomicity holds only for len(b) up to the
// atomic-write ceiling.
func (p *Pipe) Write(b []byte) (int, error) {
	return unix.Write(p.fd, b)
}

// Close closes the write side.
func (p *Pipe) Close() error {
	if p.fd < 0 {
		return nil
	}
	err := unix.Close(p.fd)
	p.fd = -1
	return err
}
