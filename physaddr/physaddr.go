// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package physaddr resolves virtual addresses to physical ones through the
// OS page-map view of the traced process. Translation failure is expected
// for kernel pages and wild accesses and is reported as address zero.
package physaddr // import "go.opentelemetry.io/memtracer/physaddr"

import (
	lru "github.com/elastic/go-freelru"
)

// translationCacheSize bounds the page-translation cache. One entry covers a
// whole page, so this absorbs the hot working set of most applications.
const translationCacheSize = 8192

const (
	pageShift = 12
	pageSize  = 1 << pageShift
	pageMask  = pageSize - 1

	// Per the pagemap format: bit 63 flags a present page, bits 0-54 hold
	// the page frame number.
	pagemapPresent = uint64(1) << 63
	pagemapPFNMask = (uint64(1) << 55) - 1
)

// Resolver translates virtual addresses via the page-map view opened at
// construction.
type Resolver struct {
	pm    pagemap
	cache *lru.LRU[uint64, uint64]
}

// NewResolver opens the OS page-map view. It fails on platforms without one
// or when the process lacks access.
func NewResolver() (*Resolver, error) {
	pm, err := openPagemap()
	if err != nil {
		return nil, err
	}
	cache, err := lru.New[uint64, uint64](translationCacheSize,
		func(k uint64) uint32 { return uint32(k ^ k>>29) })
	if err != nil {
		pm.close()
		return nil, err
	}
	return &Resolver{pm: pm, cache: cache}, nil
}

// Virtual2Physical returns the physical address backing v, or 0 when the
// translation fails.
func (r *Resolver) Virtual2Physical(v uint64) uint64 {
	vpage := v >> pageShift
	if ppage, ok := r.cache.Get(vpage); ok {
		return ppage<<pageShift | v&pageMask
	}
	entry, err := r.pm.entry(vpage)
	if err != nil || entry&pagemapPresent == 0 {
		return 0
	}
	ppage := entry & pagemapPFNMask
	if ppage == 0 {
		// PFNs are zeroed for unprivileged readers.
		return 0
	}
	r.cache.Add(vpage, ppage)
	return ppage<<pageShift | v&pageMask
}

// Close releases the page-map handle.
func (r *Resolver) Close() {
	r.pm.close()
}
