package checks

import (
	"context"
	"fmt"
	"runtime"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"

	"rmagent/internal/event"
)

// CPUCheck reports total CPU utilization in percent.
// Params: name check name; thresholds on utilization percent.
// Returns: CPU check instance.
type CPUCheck struct {
	name       string
	thresholds Thresholds
}

// NewCPUCheck creates a CPU check.
// Params: name check name; thresholds on utilization percent.
// Returns: configured CPU check.
func NewCPUCheck(name string, thresholds Thresholds) *CPUCheck {
	return &CPUCheck{name: name, thresholds: thresholds}
}

// Name returns the check name.
func (c *CPUCheck) Name() string {
	return c.name
}

// Run reads CPU utilization since the previous call.
// Params: ctx for cancellation.
// Returns: utilization result or error.
func (c *CPUCheck) Run(ctx context.Context) (event.TickResult, error) {
	total, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return event.TickResult{}, fmt.Errorf("read total CPU percent: %w", err)
	}
	if len(total) == 0 {
		return event.TickResult{}, fmt.Errorf("read total CPU percent: empty result")
	}

	util := total[0]
	return event.TickResult{
		State:       c.thresholds.State(util),
		Description: fmt.Sprintf("%.1f%% cpu used", util),
		Metric:      util,
	}, nil
}

// RAMCheck reports used RAM in percent.
// Params: name check name; thresholds on utilization percent.
// Returns: RAM check instance.
type RAMCheck struct {
	name       string
	thresholds Thresholds
}

// NewRAMCheck creates a RAM check.
// Params: name check name; thresholds on utilization percent.
// Returns: configured RAM check.
func NewRAMCheck(name string, thresholds Thresholds) *RAMCheck {
	return &RAMCheck{name: name, thresholds: thresholds}
}

// Name returns the check name.
func (c *RAMCheck) Name() string {
	return c.name
}

// Run reads RAM state from the kernel.
// Params: ctx for cancellation.
// Returns: utilization result or error.
func (c *RAMCheck) Run(ctx context.Context) (event.TickResult, error) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return event.TickResult{}, fmt.Errorf("read virtual memory: %w", err)
	}

	util := percentOf(vm.Used, vm.Total)
	return event.TickResult{
		State:       c.thresholds.State(util),
		Description: fmt.Sprintf("%.1f%% ram used, %s of %s", util, humanBytes(vm.Used), humanBytes(vm.Total)),
		Metric:      util,
	}, nil
}

// SwapCheck reports used swap in percent.
// Params: name check name; thresholds on utilization percent.
// Returns: swap check instance.
type SwapCheck struct {
	name       string
	thresholds Thresholds
}

// NewSwapCheck creates a swap check.
// Params: name check name; thresholds on utilization percent.
// Returns: configured swap check.
func NewSwapCheck(name string, thresholds Thresholds) *SwapCheck {
	return &SwapCheck{name: name, thresholds: thresholds}
}

// Name returns the check name.
func (c *SwapCheck) Name() string {
	return c.name
}

// Run reads swap state; hosts without swap report 0%.
// Params: ctx for cancellation.
// Returns: utilization result or error.
func (c *SwapCheck) Run(ctx context.Context) (event.TickResult, error) {
	sm, err := mem.SwapMemoryWithContext(ctx)
	if err != nil {
		return event.TickResult{}, fmt.Errorf("read swap memory: %w", err)
	}

	util := percentOf(sm.Used, sm.Total)
	return event.TickResult{
		State:       c.thresholds.State(util),
		Description: fmt.Sprintf("%.1f%% swap used, %s of %s", util, humanBytes(sm.Used), humanBytes(sm.Total)),
		Metric:      util,
	}, nil
}

// LoadCheck reports the 1-minute load average divided by the CPU count.
// Params: name check name; thresholds on per-core load.
// Returns: load check instance.
type LoadCheck struct {
	name       string
	thresholds Thresholds
	cores      int
}

// NewLoadCheck creates a load check.
// Params: name check name; thresholds on per-core load.
// Returns: configured load check.
func NewLoadCheck(name string, thresholds Thresholds) *LoadCheck {
	return &LoadCheck{name: name, thresholds: thresholds, cores: runtime.NumCPU()}
}

// Name returns the check name.
func (c *LoadCheck) Name() string {
	return c.name
}

// Run reads load averages.
// Params: ctx for cancellation.
// Returns: per-core load result or error.
func (c *LoadCheck) Run(ctx context.Context) (event.TickResult, error) {
	avg, err := load.AvgWithContext(ctx)
	if err != nil {
		return event.TickResult{}, fmt.Errorf("read load average: %w", err)
	}

	perCore := avg.Load1
	if c.cores > 0 {
		perCore = avg.Load1 / float64(c.cores)
	}
	return event.TickResult{
		State:       c.thresholds.State(perCore),
		Description: fmt.Sprintf("load %.2f %.2f %.2f on %d cores", avg.Load1, avg.Load5, avg.Load15, c.cores),
		Metric:      perCore,
	}, nil
}

// percentOf returns used/total in percent; 0 when total is 0.
func percentOf(used, total uint64) float64 {
	if total == 0 {
		return 0
	}
	return float64(used) / float64(total) * 100
}

// humanBytes formats a byte count with a binary unit.
func humanBytes(n uint64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := uint64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
