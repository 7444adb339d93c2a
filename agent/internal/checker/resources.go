package checker

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/fleet-net/comply-mon/pkg/types"
)

// collectResources samples CPU, memory, and root filesystem usage.
func (c *Checker) collectResources(ctx context.Context) (*types.ResourceUsage, error) {
	// Short sampling window so collection doesn't stall the report cycle.
	cpuPercents, err := cpu.PercentWithContext(ctx, 100*time.Millisecond, false)
	if err != nil {
		return nil, fmt.Errorf("sampling cpu: %w", err)
	}
	var cpuPercent float64
	if len(cpuPercents) > 0 {
		cpuPercent = cpuPercents[0]
	}

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading memory: %w", err)
	}

	root := "/"
	if runtime.GOOS == "windows" {
		root = "C:"
	}
	du, err := disk.UsageWithContext(ctx, root)
	if err != nil {
		return nil, fmt.Errorf("reading disk usage: %w", err)
	}

	return &types.ResourceUsage{
		CPUPercent:       cpuPercent,
		MemoryPercent:    vm.UsedPercent,
		DiskUsagePercent: du.UsedPercent,
	}, nil
}
