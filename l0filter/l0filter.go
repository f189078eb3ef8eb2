// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package l0filter implements the inline "L0 filter": two direct-mapped,
// line-granular tag arrays per thread, one for instruction fetches and one
// for data references. Injected code probes them to suppress records for
// references that hit a recently-seen cache line.
package l0filter // import "go.opentelemetry.io/memtracer/l0filter"

import (
	"fmt"
	"math/bits"

	"go.opentelemetry.io/memtracer/codegen"
)

// Config sizes the filter. Sizes are in bytes and must be powers of two.
type Config struct {
	ISize    uint64
	DSize    uint64
	LineSize uint64
}

// Validate checks the sizing constraints.
func (c *Config) Validate() error {
	for _, v := range []struct {
		name string
		val  uint64
	}{{"L0I_size", c.ISize}, {"L0D_size", c.DSize}, {"line_size", c.LineSize}} {
		if v.val == 0 || v.val&(v.val-1) != 0 {
			return fmt.Errorf("%s must be a non-zero power of two, got %d",
				v.name, v.val)
		}
	}
	if c.ISize < c.LineSize || c.DSize < c.LineSize {
		return fmt.Errorf("filter sizes must be at least one line (%d)", c.LineSize)
	}
	return nil
}

// LineBits returns log2(line_size).
func (c *Config) LineBits() uint {
	return uint(bits.TrailingZeros64(c.LineSize))
}

// IEntries returns the instruction array entry count.
func (c *Config) IEntries() uint64 { return c.ISize / c.LineSize }

// DEntries returns the data array entry count.
func (c *Config) DEntries() uint64 { return c.DSize / c.LineSize }

// IMask returns the instruction array index mask.
func (c *Config) IMask() uint64 { return c.IEntries() - 1 }

// DMask returns the data array index mask.
func (c *Config) DMask() uint64 { return c.DEntries() - 1 }

// Line returns the cache line of addr. References that straddle lines are
// treated as touching only the first line; that simplification is part of
// the filter's contract.
func (c *Config) Line(addr uint64) uint64 { return addr >> c.LineBits() }

// Arrays is one thread's pair of tag arrays. The backing words are mapped
// into the thread's address space so injected code can probe them; the
// arrays are strictly thread-local.
type Arrays struct {
	ICache []byte
	DCache []byte
}

// NewArrays allocates zeroed tag arrays for one thread.
func NewArrays(c *Config) *Arrays {
	return &Arrays{
		ICache: make([]byte, c.IEntries()*codegen.WordSize),
		DCache: make([]byte, c.DEntries()*codegen.WordSize),
	}
}
