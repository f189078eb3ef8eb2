// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package tracer // import "go.opentelemetry.io/memtracer/tracer"

import (
	"errors"
	"os"
)

// File is an opaque file handle flowing through the file-ops vtable.
// The default operations use *os.File; replaced operations may use any
// handle type of their own.
type File any

// HandoffFunc takes ownership of a full trace buffer. used is the byte
// count of valid data, alloc the full allocation size. Returning false
// aborts tracing.
type HandoffFunc func(f File, buf []byte, used, alloc int) bool

// FileOps is the installable file-operations vtable. Every field is
// optional in ReplaceFileOps; unset fields keep their current value.
type FileOps struct {
	Open      func(path string, flags int) (File, error)
	Read      func(f File, p []byte) (int, error)
	Write     func(f File, p []byte) (int, error)
	Close     func(f File) error
	CreateDir func(path string) error

	// HandoffBuffer, when set, transfers buffer ownership to the consumer
	// at flush time instead of writing to the thread file.
	HandoffBuffer HandoffFunc
	// Exit runs with ExitArg at process exit.
	Exit    func(arg any)
	ExitArg any
}

var errNotOSFile = errors.New("handle is not an *os.File")

func defaultFileOps() FileOps {
	return FileOps{
		Open: func(path string, flags int) (File, error) {
			return os.OpenFile(path, flags, 0o644)
		},
		Read: func(f File, p []byte) (int, error) {
			of, ok := f.(*os.File)
			if !ok {
				return 0, errNotOSFile
			}
			return of.Read(p)
		},
		Write: func(f File, p []byte) (int, error) {
			of, ok := f.(*os.File)
			if !ok {
				return 0, errNotOSFile
			}
			return of.Write(p)
		},
		Close: func(f File) error {
			of, ok := f.(*os.File)
			if !ok {
				return errNotOSFile
			}
			return of.Close()
		},
		CreateDir: func(path string) error {
			return os.Mkdir(path, 0o755)
		},
	}
}

// ReplaceFileOps overrides the OS-backed defaults with any non-nil fields
// of ops. Call before the first thread starts.
func (t *Tracer) ReplaceFileOps(ops FileOps) {
	if ops.Open != nil {
		t.fileOps.Open = ops.Open
	}
	if ops.Read != nil {
		t.fileOps.Read = ops.Read
	}
	if ops.Write != nil {
		t.fileOps.Write = ops.Write
	}
	if ops.Close != nil {
		t.fileOps.Close = ops.Close
	}
	if ops.CreateDir != nil {
		t.fileOps.CreateDir = ops.CreateDir
	}
}

// BufferHandoff registers buffer-handoff mode: the consumer takes ownership
// of each flushed buffer and exitCb runs with arg at process exit.
func (t *Tracer) BufferHandoff(handoff HandoffFunc, exitCb func(any), arg any) {
	t.fileOps.HandoffBuffer = handoff
	t.fileOps.Exit = exitCb
	t.fileOps.ExitArg = arg
}
