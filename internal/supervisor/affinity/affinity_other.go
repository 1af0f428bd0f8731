//go:build !linux

// Package affinity pins the process to a CPU core where the OS permits.
package affinity

// Pin is a no-op on platforms without sched_setaffinity.
func Pin(int) error { return nil }
