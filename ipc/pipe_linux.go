// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package ipc // import "go.opentelemetry.io/memtracer/ipc"

import "golang.org/x/sys/unix"

// maxPipeBuffer is the ceiling we ask the kernel for. Values above
// /proc/sys/fs/pipe-max-size fail for unprivileged processes, so halve on
// failure until one sticks.
const maxPipeBuffer = 1 << 20

func maximizeBuffer(fd int) bool {
	for size := maxPipeBuffer; size >= 1<<16; size /= 2 {
		if _, err := unix.FcntlInt(uintptr(fd), unix.F_SETPIPE_SZ, size); err == nil {
			return true
		}
	}
	return false
}
