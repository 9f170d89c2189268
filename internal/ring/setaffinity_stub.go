//go:build !linux

// Non-Linux stub: CPU pinning is a Linux-specific optimization here, so
// other targets simply run unpinned. Grounded on ring32/setaffinity_stub.go.
package ring

// Pin is a no-op outside Linux.
func Pin(cpu int) {}

func setAffinity(cpu int) {}
