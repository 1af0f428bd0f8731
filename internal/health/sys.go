package health

import (
	"os"

	"github.com/shirou/gopsutil/v4/process"

	"github.com/quantfeeds/collector/internal/observability"
)

// sysSampler reports process CPU, RSS, and IO deltas between reports.
type sysSampler struct {
	proc *process.Process

	lastReadBytes  uint64
	lastWriteBytes uint64
}

func newSysSampler() *sysSampler {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		observability.Log().Warn("sys sampler unavailable", observability.F("error", err.Error()))
		return &sysSampler{}
	}
	return &sysSampler{proc: proc}
}

func (s *sysSampler) report() {
	if s.proc == nil {
		return
	}
	fields := make([]observability.Field, 0, 4)

	if cpu, err := s.proc.CPUPercent(); err == nil {
		fields = append(fields, observability.F("cpu_pct", cpu))
	}
	if mem, err := s.proc.MemoryInfo(); err == nil && mem != nil {
		fields = append(fields, observability.F("rss_mb", float64(mem.RSS)/(1<<20)))
	}
	if io, err := s.proc.IOCounters(); err == nil && io != nil {
		fields = append(fields,
			observability.F("io_read_mb", float64(io.ReadBytes-s.lastReadBytes)/(1<<20)),
			observability.F("io_write_mb", float64(io.WriteBytes-s.lastWriteBytes)/(1<<20)))
		s.lastReadBytes = io.ReadBytes
		s.lastWriteBytes = io.WriteBytes
	}
	if len(fields) == 0 {
		return
	}
	observability.Log().Info("[sys]", fields...)
}
