package monitor

import (
	"os"

	"github.com/rotisserie/eris"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/process"
)

// Sampler reads current system usage. The gopsutil implementation is the
// default; tests inject a fake.
type Sampler interface {
	Sample() (memMB, memPercent, cpuPercent float64, err error)
}

type gopsutilSampler struct {
	proc *process.Process
}

// NewSystemSampler creates a Sampler backed by the host's process and
// memory APIs. An error here puts the monitor into degraded mode.
func NewSystemSampler() (Sampler, error) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, eris.Wrap(err, "monitor: open process handle")
	}
	return &gopsutilSampler{proc: proc}, nil
}

func (s *gopsutilSampler) Sample() (float64, float64, float64, error) {
	info, err := s.proc.MemoryInfo()
	if err != nil {
		return 0, 0, 0, eris.Wrap(err, "monitor: read process memory")
	}
	memMB := float64(info.RSS) / (1024 * 1024)

	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0, 0, 0, eris.Wrap(err, "monitor: read system memory")
	}
	var memPercent float64
	if vm.Total > 0 {
		memPercent = float64(info.RSS) / float64(vm.Total) * 100
	}

	// Non-blocking read: percent since the previous call.
	cpuPcts, err := cpu.Percent(0, false)
	if err != nil {
		return 0, 0, 0, eris.Wrap(err, "monitor: read cpu")
	}
	var cpuPercent float64
	if len(cpuPcts) > 0 {
		cpuPercent = cpuPcts[0]
	}

	return memMB, memPercent, cpuPercent, nil
}
