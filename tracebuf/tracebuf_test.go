// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package tracebuf

import (
	"testing"

	"github.com/stretchr/testify/require"
)

const (
	payload = 1024
	redzone = 1024
	hdr     = 16
)

func requireInvariant(t *testing.T, b *Buffer) {
	t.Helper()
	for i := 0; i < b.PayloadSize(); i++ {
		require.Zerof(t, b.Data[i], "payload byte %d not zero", i)
	}
	for i := b.PayloadSize(); i < b.Size(); i++ {
		require.EqualValuesf(t, Sentinel, b.Data[i], "redzone byte %d not sentinel", i)
	}
}

func TestNewBufferInvariant(t *testing.T) {
	b := New(DefaultAllocator, payload, redzone, hdr)
	require.NotNil(t, b)
	require.Equal(t, payload+redzone, b.Size())
	require.Equal(t, hdr, b.HdrSize())
	requireInvariant(t, b)
}

func TestResetRestoresInvariant(t *testing.T) {
	tests := map[string]struct {
		ptrOff int
	}{
		"stopped inside payload":   {ptrOff: 512},
		"stopped at redzone":       {ptrOff: payload},
		"overran into the redzone": {ptrOff: payload + 128},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			b := New(DefaultAllocator, payload, redzone, hdr)
			// Simulate emitted records up to ptrOff.
			for i := 0; i < tc.ptrOff; i++ {
				b.Data[i] = 0xab
			}
			b.Reset(tc.ptrOff)
			requireInvariant(t, b)
		})
	}
}

func TestAllocationFailure(t *testing.T) {
	failing := func(size int) []byte { return nil }
	require.Nil(t, New(failing, payload, redzone, hdr))
}
