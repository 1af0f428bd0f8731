//go:build linux

// Package affinity pins the process to a CPU core where the OS permits.
package affinity

import (
	"runtime"

	"golang.org/x/sys/unix"

	"github.com/quantfeeds/collector/errs"
)

// Pin restricts the process to the given core index. A negative index is a
// no-op.
func Pin(core int) error {
	if core < 0 {
		return nil
	}
	if core >= runtime.NumCPU() {
		return errs.New("affinity", errs.CodeInvalid,
			errs.WithMessage("core index beyond available CPUs"))
	}
	var set unix.CPUSet
	set.Zero()
	set.Set(core)
	if err := unix.SchedSetaffinity(0, &set); err != nil {
		return errs.New("affinity", errs.CodeUnavailable,
			errs.WithMessage("sched_setaffinity"), errs.WithCause(err))
	}
	return nil
}
