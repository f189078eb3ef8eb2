// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package ipc

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestPipeRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "memtrace.pipe")
	p := NewPipe(path)
	require.Equal(t, path, p.Path())
	require.NoError(t, p.Create())
	// Creating an existing FIFO is fine.
	require.NoError(t, p.Create())

	// Hold a non-blocking read side open so the writer open succeeds, the
	// way the simulator holds the pipe before the traced process starts.
	rfd, err := unix.Open(path, unix.O_RDONLY|unix.O_NONBLOCK, 0)
	require.NoError(t, err)
	defer unix.Close(rfd)

	require.NoError(t, p.OpenForWrite())
	p.MaximizeBuffer()

	msg := []byte("framed")
	n, err := p.Write(msg)
	require.NoError(t, err)
	require.Equal(t, len(msg), n)

	buf := make([]byte, 64)
	rn, err := unix.Read(rfd, buf)
	require.NoError(t, err)
	require.Equal(t, msg, buf[:rn])

	require.NoError(t, p.Close())
	require.NoError(t, p.Close())
}

func TestAtomicWriteSize(t *testing.T) {
	p := NewPipe("unused")
	// POSIX guarantees 512; Linux 4096. The tracer never writes more in
	// one call.
	require.GreaterOrEqual(t, p.AtomicWriteSize(), 512)
}

func TestOpenMissingPipe(t *testing.T) {
	p := NewPipe(filepath.Join(t.TempDir(), "missing.pipe"))
	require.Error(t, p.OpenForWrite())
}
