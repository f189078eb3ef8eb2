// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package trace // import "go.opentelemetry.io/memtracer/trace"

import (
	"fmt"
	"os"

	lru "github.com/elastic/go-freelru"
	sha256 "github.com/minio/sha256-simd"
	log "github.com/sirupsen/logrus"
	"github.com/zeebo/xxh3"

	"go.opentelemetry.io/memtracer/dbi"
)

// seenModuleCacheSize bounds the dedup cache for module-load events. Real
// applications load a few hundred modules; the cache only needs to absorb
// reload churn.
const seenModuleCacheSize = 4096

// CustomModuleData is the producer-supplied triple the offline encoder calls
// during module-load events to attach custom bytes to each module record.
type CustomModuleData struct {
	Load  func(mod *dbi.Module) any
	Print func(data any) string
	Free  func(data any)
}

// WriteFunc writes data to an open file handle; it has the file-ops vtable
// write signature so replaced file operations carry over to the module list.
type WriteFunc func(f any, data []byte) (int, error)

// OfflineEncoder produces raw per-thread trace files and owns the module
// list: every module observed for the first time is appended to the
// module-list file so post-processing can map instruction addresses back to
// their images.
type OfflineEncoder struct {
	baseEncoder

	moduleFile any
	write      WriteFunc

	seen       *lru.LRU[uint64, int]
	nextModule int
	custom     *CustomModuleData
	runID      string
}

var _ Encoder = (*OfflineEncoder)(nil)

// NewOfflineEncoder returns the offline variant writing module records to
// moduleFile through write. runID identifies this run in the module-list
// header.
func NewOfflineEncoder(moduleFile any, write WriteFunc,
	runID string) (*OfflineEncoder, error) {
	seen, err := lru.New[uint64, int](seenModuleCacheSize,
		func(k uint64) uint32 { return uint32(k) })
	if err != nil {
		return nil, err
	}
	e := &OfflineEncoder{
		// Offline consumers always get fine-grained instruction typing.
		baseEncoder: baseEncoder{instrTypes: true},
		moduleFile:  moduleFile,
		write:       write,
		seen:        seen,
		runID:       runID,
	}
	hdr := fmt.Sprintf("module list version %d, run %s\n", Version, runID)
	if _, err := e.write(e.moduleFile, []byte(hdr)); err != nil {
		return nil, fmt.Errorf("writing module list header: %w", err)
	}
	return e, nil
}

// SetModuleFile redirects module records to a fresh file, as after a fork.
// Previously observed modules are recorded again into the new file.
func (e *OfflineEncoder) SetModuleFile(moduleFile any) {
	e.moduleFile = moduleFile
	e.seen.Purge()
	e.nextModule = 0
	hdr := fmt.Sprintf("module list version %d, run %s\n", Version, e.runID)
	if _, err := e.write(e.moduleFile, []byte(hdr)); err != nil {
		log.Errorf("Failed to write module list header: %v", err)
	}
}

// SetCustomModuleData installs the producer triple. The first registrant
// wins; later registrations are ignored.
func (e *OfflineEncoder) SetCustomModuleData(c *CustomModuleData) {
	if e.custom != nil {
		return
	}
	e.custom = c
}

func moduleKey(mod *dbi.Module) uint64 {
	h := xxh3.HashString(mod.Path)
	return h ^ mod.Base
}

// OnModuleLoad records a newly observed module in the module-list file. The
// host serializes module-load callbacks, so no lock is taken.
func (e *OfflineEncoder) OnModuleLoad(mod *dbi.Module) {
	key := moduleKey(mod)
	if _, ok := e.seen.Get(key); ok {
		return
	}
	idx := e.nextModule
	e.nextModule++
	e.seen.Add(key, idx)

	custom := ""
	if e.custom != nil {
		data := e.custom.Load(mod)
		custom = ", " + e.custom.Print(data)
		e.custom.Free(data)
	}
	line := fmt.Sprintf("%d, %#x, %#x, %s, %s%s\n",
		idx, mod.Base, mod.Size, moduleChecksum(mod.Path), mod.Path, custom)
	if _, err := e.write(e.moduleFile, []byte(line)); err != nil {
		log.Errorf("Failed to record module %s: %v", mod.Path, err)
	}
}

// moduleChecksum hashes the module image so post-processing can verify it is
// looking at the same binary. Unreadable images get a zero checksum.
func moduleChecksum(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return "0"
	}
	sum := sha256.Sum256(data)
	return fmt.Sprintf("%x", sum[:8])
}
