// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package physaddr

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"
)

func TestVirtual2Physical(t *testing.T) {
	r, err := NewResolver()
	if err != nil {
		t.Skipf("no page-map view: %v", err)
	}
	defer r.Close()

	// A touched heap page is present; translation either succeeds with the
	// page offset preserved, or reports failure as zero (unprivileged
	// readers see zeroed frame numbers).
	buf := make([]byte, 4096)
	buf[123] = 1
	v := uint64(uintptr(unsafe.Pointer(&buf[123])))
	phys := r.Virtual2Physical(v)
	if phys == 0 {
		t.Skip("page frame numbers hidden; need privileges")
	}
	require.Equal(t, v&0xfff, phys&0xfff)

	// Cached translation agrees with the first.
	require.Equal(t, phys, r.Virtual2Physical(v))
}

func TestTranslationFailure(t *testing.T) {
	r, err := NewResolver()
	if err != nil {
		t.Skipf("no page-map view: %v", err)
	}
	defer r.Close()

	// Nothing is mapped at the last user page, just below the canonical hole.
	require.Zero(t, r.Virtual2Physical(0x0000_7fff_ffff_f000))
}
