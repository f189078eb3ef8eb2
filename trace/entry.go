// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package trace defines the fixed-width trace record stream and the two
// encoder variants that produce it: online (named pipe consumers) and
// offline (raw per-thread files plus a module list). The record layout is
// the consumer-visible wire contract; Decoder reads it back independently
// of the encoders.
package trace // import "go.opentelemetry.io/memtracer/trace"

import "encoding/binary"

// Type tags one trace record.
type Type uint16

const (
	TypeLoad Type = iota
	TypeStore
	TypePrefetch
	TypeInstr
	TypeInstrDirectJump
	TypeInstrIndirectJump
	TypeInstrConditionalJump
	TypeInstrDirectCall
	TypeInstrIndirectCall
	TypeInstrReturn
	TypeInstrBundle
	TypeIFlush
	TypeThread
	TypeThreadExit
	TypePID
	TypeHeader
	// TypeMarker is reserved for encoder-internal markers and never reaches
	// consumers.
	TypeMarker
)

// IsInstr reports whether t is an instruction-fetch record type.
func (t Type) IsInstr() bool {
	return t >= TypeInstr && t <= TypeInstrReturn
}

// Version identifies the record layout; it rides in the size field of the
// thread header record.
const Version = 1

// EntrySize is the fixed record width in bytes: a header word packing type
// and size, then the address word.
const EntrySize = 16

// headerWord packs the type and size fields of a record.
func headerWord(typ Type, size uint16) uint64 {
	return uint64(typ) | uint64(size)<<16
}

// putEntry encodes one record at buf[0:EntrySize] and returns EntrySize.
func putEntry(buf []byte, typ Type, size uint16, addr uint64) int {
	binary.LittleEndian.PutUint64(buf, headerWord(typ, size))
	binary.LittleEndian.PutUint64(buf[8:], addr)
	return EntrySize
}

func entryType(buf []byte) Type {
	return Type(binary.LittleEndian.Uint16(buf))
}

func entrySize(buf []byte) int {
	return int(binary.LittleEndian.Uint16(buf[2:]))
}

func entryAddr(buf []byte) uint64 {
	return binary.LittleEndian.Uint64(buf[8:])
}

func setEntryAddr(buf []byte, addr uint64) {
	binary.LittleEndian.PutUint64(buf[8:], addr)
}

// bundleCapacity is how many instruction lengths one bundle record packs:
// one byte per instruction in the address word.
const bundleCapacity = 8
