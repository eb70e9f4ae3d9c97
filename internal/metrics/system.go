package metrics

import (
	"fmt"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
)

// System is a host-wide usage snapshot.
type System struct {
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryPercent float64 `json:"memory_percent"`
	MemoryUsedMB  float64 `json:"memory_used_mb"`
	MemoryTotalMB float64 `json:"memory_total_mb"`
	NumCPU        int     `json:"num_cpu"`
}

// SystemStats reads host CPU and memory usage. CPU percent is measured since
// the previous call.
func SystemStats() (System, error) {
	pcts, err := cpu.Percent(0, false)
	if err != nil {
		return System{}, fmt.Errorf("cpu percent: %w", err)
	}
	vm, err := mem.VirtualMemory()
	if err != nil {
		return System{}, fmt.Errorf("virtual memory: %w", err)
	}
	n, err := cpu.Counts(true)
	if err != nil {
		n = 0
	}
	var c float64
	if len(pcts) > 0 {
		c = pcts[0]
	}
	return System{
		CPUPercent:    Round1(c),
		MemoryPercent: Round1(vm.UsedPercent),
		MemoryUsedMB:  Round1(float64(vm.Used) / 1024 / 1024),
		MemoryTotalMB: Round1(float64(vm.Total) / 1024 / 1024),
		NumCPU:        n,
	}, nil
}
