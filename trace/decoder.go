// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package trace // import "go.opentelemetry.io/memtracer/trace"

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Record is one decoded trace record attributed to its emitting thread.
type Record struct {
	TID  int
	Type Type
	Size int
	Addr uint64
}

// Decoder reads the record stream back using only the wire contract: fixed
// 16-byte records, with thread and thread-header records opening flush units
// that attribute everything up to the next unit boundary.
type Decoder struct {
	r   io.Reader
	tid int
}

// NewDecoder returns a decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: r}
}

// Next returns the next record, or io.EOF at end of stream.
func (d *Decoder) Next() (Record, error) {
	var buf [EntrySize]byte
	if _, err := io.ReadFull(d.r, buf[:]); err != nil {
		if err == io.ErrUnexpectedEOF {
			return Record{}, fmt.Errorf("truncated record: %w", err)
		}
		return Record{}, err
	}
	hdr := binary.LittleEndian.Uint64(buf[:8])
	rec := Record{
		Type: Type(uint16(hdr)),
		Size: int(uint16(hdr >> 16)),
		Addr: binary.LittleEndian.Uint64(buf[8:]),
	}
	if rec.Type == TypeThread || rec.Type == TypeHeader {
		d.tid = int(rec.Addr)
	}
	rec.TID = d.tid
	return rec, nil
}

// ReadAll decodes records until EOF.
func (d *Decoder) ReadAll() ([]Record, error) {
	var recs []Record
	for {
		rec, err := d.Next()
		if err == io.EOF {
			return recs, nil
		}
		if err != nil {
			return recs, err
		}
		recs = append(recs, rec)
	}
}
