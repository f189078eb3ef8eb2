// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package physaddr // import "go.opentelemetry.io/memtracer/physaddr"

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/sys/unix"
)

const pagemapPath = "/proc/self/pagemap"

type pagemap struct {
	fd int
}

func openPagemap() (pagemap, error) {
	fd, err := unix.Open(pagemapPath, unix.O_RDONLY, 0)
	if err != nil {
		return pagemap{fd: -1}, fmt.Errorf("unable to open %s: %w", pagemapPath, err)
	}
	return pagemap{fd: fd}, nil
}

// entry reads the 8-byte pagemap entry for vpage.
func (pm pagemap) entry(vpage uint64) (uint64, error) {
	var buf [8]byte
	n, err := unix.Pread(pm.fd, buf[:], int64(vpage*8))
	if err != nil {
		return 0, err
	}
	if n != len(buf) {
		return 0, fmt.Errorf("short pagemap read: %d", n)
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

func (pm pagemap) close() {
	if pm.fd >= 0 {
		_ = unix.Close(pm.fd)
	}
}
