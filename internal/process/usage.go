package process

import (
	"context"

	gopsproc "github.com/shirou/gopsutil/v4/process"
)

// Usage is a resource sample of a running process.
type Usage struct {
	CPUPercent float64 `json:"cpu_percent"`
	MemoryRSS  uint64  `json:"memory_rss"`
	MemoryMB   float64 `json:"memory_mb"`
	NumThreads int32   `json:"num_threads"`
}

// ReadUsage samples CPU and memory of pid via gopsutil.
func ReadUsage(ctx context.Context, pid int) (Usage, error) {
	p, err := gopsproc.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return Usage{}, err
	}
	var u Usage
	if cpu, err := p.CPUPercentWithContext(ctx); err == nil {
		u.CPUPercent = cpu
	}
	mem, err := p.MemoryInfoWithContext(ctx)
	if err != nil {
		return u, err
	}
	u.MemoryRSS = mem.RSS
	u.MemoryMB = float64(mem.RSS) / 1024 / 1024
	if n, err := p.NumThreadsWithContext(ctx); err == nil {
		u.NumThreads = n
	}
	return u, nil
}
