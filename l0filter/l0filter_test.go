// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package l0filter

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestConfigValidate(t *testing.T) {
	tests := map[string]struct {
		cfg     Config
		wantErr bool
	}{
		"valid":              {cfg: Config{ISize: 32768, DSize: 32768, LineSize: 64}},
		"line not power":     {cfg: Config{ISize: 32768, DSize: 32768, LineSize: 48}, wantErr: true},
		"zero size":          {cfg: Config{ISize: 0, DSize: 32768, LineSize: 64}, wantErr: true},
		"size below line":    {cfg: Config{ISize: 32, DSize: 32768, LineSize: 64}, wantErr: true},
		"non-power size":     {cfg: Config{ISize: 32768, DSize: 1000, LineSize: 64}, wantErr: true},
		"single line filter": {cfg: Config{ISize: 64, DSize: 64, LineSize: 64}},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			err := tc.cfg.Validate()
			if tc.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestGeometry(t *testing.T) {
	cfg := Config{ISize: 32768, DSize: 16384, LineSize: 64}
	require.NoError(t, cfg.Validate())
	require.Equal(t, uint(6), cfg.LineBits())
	require.Equal(t, uint64(512), cfg.IEntries())
	require.Equal(t, uint64(256), cfg.DEntries())
	require.Equal(t, uint64(511), cfg.IMask())
	require.Equal(t, uint64(255), cfg.DMask())
	require.Equal(t, uint64(0x40), cfg.Line(0x1000))
	require.Equal(t, uint64(0x41), cfg.Line(0x1040))
	// Straddling references count only toward their first line.
	require.Equal(t, uint64(0x40), cfg.Line(0x103f))
}

func TestNewArrays(t *testing.T) {
	cfg := Config{ISize: 4096, DSize: 8192, LineSize: 64}
	a := NewArrays(&cfg)
	require.Len(t, a.ICache, 64*8)
	require.Len(t, a.DCache, 128*8)
	for _, b := range a.ICache {
		require.Zero(t, b)
	}
}
