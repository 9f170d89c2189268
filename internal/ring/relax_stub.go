//go:build !amd64 || noasm

// Portable fall-back for non-amd64 builds or when assembly stubs are
// disabled. Grounded on ring/relax_stub.go.
package ring

import "runtime"

// cpuRelax yields the scheduler on targets without a dedicated pause
// instruction wired up here.
func cpuRelax() { runtime.Gosched() }
