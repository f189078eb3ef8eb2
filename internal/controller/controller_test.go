// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package controller

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestArchProfile(t *testing.T) {
	tests := map[string]struct {
		name    string
		wantErr bool
	}{
		"default":  {name: ""},
		"amd64":    {name: "amd64"},
		"arm":      {name: "arm"},
		"arm64":    {name: "arm64"},
		"unknown":  {name: "riscv64", wantErr: true},
		"gibberish": {name: "xyzzy", wantErr: true},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			arch, err := archProfile(tc.name)
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.NotNil(t, arch)
		})
	}
}

func TestControllerOfflineStartShutdown(t *testing.T) {
	cfg := &Config{
		Offline: true,
		OutDir:  t.TempDir(),
	}
	require.NoError(t, cfg.Validate())

	c := New(cfg)
	require.NoError(t, c.Start())
	require.NotNil(t, c.Host())
	require.NotNil(t, c.Tracer())

	// One thread through the lifecycle, then shut down.
	th := c.Host().NewThread()
	c.Host().ExitThread(th)
	c.Shutdown()
}

func TestConfigValidate(t *testing.T) {
	cfg := &Config{Offline: true}
	require.Error(t, cfg.Validate())

	cfg = &Config{IPCName: "/tmp/pipe"}
	require.NoError(t, cfg.Validate())
}
