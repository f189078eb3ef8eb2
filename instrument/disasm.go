// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package instrument // import "go.opentelemetry.io/memtracer/instrument"

import (
	log "github.com/sirupsen/logrus"
	"golang.org/x/arch/x86/x86asm"

	"go.opentelemetry.io/memtracer/dbi"
)

// debugDisasm decodes, at trace level, the first delayed instruction that
// carries raw bytes; the rest are not decoded. It produces no output at
// normal log levels.
func (p *Planner) debugDisasm(instrs []*dbi.Instr) {
	if p.arch.Name != "amd64" || !log.IsLevelEnabled(log.TraceLevel) {
		return
	}
	for _, in := range instrs {
		if len(in.Bytes) == 0 {
			continue
		}
		inst, err := x86asm.Decode(in.Bytes, 64)
		if err != nil {
			log.Tracef("delay instr %#x: undecodable: %v", in.PC, err)
			break
		}
		log.Tracef("delay instr %#x: %s", in.PC, inst.String())
		// TODO: decide whether every delayed instruction should be decoded
		// here rather than just the first.
		break
	}
}
