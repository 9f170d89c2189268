//go:build amd64 && !noasm

// Go declaration for cpuRelax on amd64. The implementation lives in
// relax_amd64.s and emits a single PAUSE instruction so busy-wait loops
// back off politely while remaining in userspace.
//
// Grounded on ring/relax_amd64.go.
package ring

//go:noescape
func cpuRelax()
