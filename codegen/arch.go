// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package codegen // import "go.opentelemetry.io/memtracer/codegen"

// Arch describes the properties of a target architecture that the
// instrumentation planner needs to know about. Everything else about the
// target is hidden behind the Builder/Machine pair.
type Arch struct {
	Name string

	// NumRegs is the number of scratch-eligible registers the host exposes.
	NumRegs int

	// HasZeroBranch is true when the target has a compact branch-if-zero
	// instruction (jecxz, cbz). The buffer fullness check uses it so that
	// the jump over the clean call does not need the flags.
	HasZeroBranch bool

	// ZeroBranchRegs lists the registers eligible for the shortest
	// branch-if-zero encoding. Empty means any register.
	ZeroBranchRegs []Reg

	// HasPredication is true when the target supports general predicated
	// execution. With it, conditionally-emitted stores inherit the source
	// instruction's predicate; without it the planner inserts a skip branch.
	HasPredication bool
}

// The register files below are profiles, not exhaustive descriptions:
// register numbering is virtual and the host maps it to hardware.

// AMD64 models an x86-64 host: jecxz exists but only reaches from XCX,
// and there is no general predication.
var AMD64 = &Arch{
	Name:           "amd64",
	NumRegs:        16,
	HasZeroBranch:  true,
	ZeroBranchRegs: []Reg{1},
}

// ARM models an ARM A32 host: no compact branch-if-zero, so the fullness
// check spills the flags, and general predication is available.
var ARM = &Arch{
	Name:           "arm",
	NumRegs:        16,
	HasPredication: true,
}

// ARM64 models an AArch64 host: cbz takes any register, no predication.
var ARM64 = &Arch{
	Name:          "arm64",
	NumRegs:       32,
	HasZeroBranch: true,
}

// ZeroBranchOK reports whether r can be the operand of the compact
// branch-if-zero encoding on this architecture.
func (a *Arch) ZeroBranchOK(r Reg) bool {
	if !a.HasZeroBranch {
		return false
	}
	if len(a.ZeroBranchRegs) == 0 {
		return true
	}
	for _, zr := range a.ZeroBranchRegs {
		if zr == r {
			return true
		}
	}
	return false
}
