// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package tracebuf implements the per-thread trace buffer: a header slot,
// a payload region that injected code appends records to, and a trailing
// redzone filled with a non-zero sentinel. Generated code detects fullness
// by reading one word at the write pointer: zero means payload, non-zero
// means the redzone was reached.
package tracebuf // import "go.opentelemetry.io/memtracer/tracebuf"

// Sentinel is the redzone fill byte.
const Sentinel = 0xff

// Allocator obtains zeroed buffer memory; it returns nil on allocation
// failure. Instrumented code cannot tolerate a failed allocation mid-block,
// which is why allocation failure is surfaced as nil here and handled by the
// reserve-buffer policy above.
type Allocator func(size int) []byte

// DefaultAllocator allocates from the Go heap.
func DefaultAllocator(size int) []byte { return make([]byte, size) }

// Buffer is one trace buffer: payload followed by redzone. The write
// pointer itself lives in a TLS slot owned by the tracer; Buffer only owns
// the memory and the sentinel discipline.
type Buffer struct {
	Data []byte

	payloadSize int
	redzoneSize int
	hdrSize     int
}

// New allocates a buffer via alloc. Returns nil when alloc fails.
func New(alloc Allocator, payloadSize, redzoneSize, hdrSize int) *Buffer {
	data := alloc(payloadSize + redzoneSize)
	if data == nil {
		return nil
	}
	b := &Buffer{
		Data:        data,
		payloadSize: payloadSize,
		redzoneSize: redzoneSize,
		hdrSize:     hdrSize,
	}
	b.fillRedzone(payloadSize + redzoneSize)
	return b
}

// PayloadSize returns the payload region size in bytes.
func (b *Buffer) PayloadSize() int { return b.payloadSize }

// RedzoneSize returns the redzone size in bytes.
func (b *Buffer) RedzoneSize() int { return b.redzoneSize }

// HdrSize returns the reserved header-slot size at the buffer start.
func (b *Buffer) HdrSize() int { return b.hdrSize }

// Size returns the total buffer size.
func (b *Buffer) Size() int { return len(b.Data) }

func (b *Buffer) fillRedzone(end int) {
	for i := b.payloadSize; i < end; i++ {
		b.Data[i] = Sentinel
	}
}

// Reset prepares the buffer for refilling after a flush that consumed
// records up to ptrOff: the payload is zeroed and any redzone bytes the last
// block overran are restored to the sentinel.
func (b *Buffer) Reset(ptrOff int) {
	clear(b.Data[:b.payloadSize])
	if ptrOff > b.payloadSize {
		b.fillRedzone(ptrOff)
	}
}
