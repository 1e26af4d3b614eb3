package ml

import (
	"context"
	"fmt"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

const (
	minGridCPUs   = 2
	minGridMemory = 1 << 30
)

// Hardware describes the host as far as grid search cares.
type Hardware struct {
	CPUs        int    `json:"cpus"`
	MemoryBytes uint64 `json:"memory_bytes"`
	GridSearch  bool   `json:"grid_search"`
	Reason      string `json:"reason,omitempty"`
}

// ProbeHardware inspects the host. A failed probe is advisory: grid search
// stays enabled and the reason is recorded.
func ProbeHardware(ctx context.Context) Hardware {
	hw := Hardware{GridSearch: true}
	if n, err := cpu.CountsWithContext(ctx, true); err == nil {
		hw.CPUs = n
	} else {
		hw.Reason = fmt.Sprintf("cpu probe failed: %v", err)
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		hw.MemoryBytes = vm.Total
	} else if hw.Reason == "" {
		hw.Reason = fmt.Sprintf("memory probe failed: %v", err)
	}
	return hw.evaluate()
}

func (hw Hardware) evaluate() Hardware {
	switch {
	case hw.CPUs > 0 && hw.CPUs < minGridCPUs:
		hw.GridSearch = false
		hw.Reason = fmt.Sprintf("%d logical CPUs", hw.CPUs)
	case hw.MemoryBytes > 0 && hw.MemoryBytes < minGridMemory:
		hw.GridSearch = false
		hw.Reason = fmt.Sprintf("%d MiB memory", hw.MemoryBytes>>20)
	}
	return hw
}
