package diagnostics

import (
	"context"
	"fmt"

	"github.com/shirou/gopsutil/v3/process"
)

// ProcessStats is a point-in-time view of one process.
type ProcessStats struct {
	PID        int     `json:"pid"`
	RSSMB      float64 `json:"rss_mb"`
	CPUPercent float64 `json:"cpu_percent"`
	Threads    int32   `json:"threads"`
	OpenFDs    int32   `json:"open_fds,omitempty"`
}

// CollectProcess reads usage for pid. CPUPercent is averaged over the
// process lifetime.
func CollectProcess(ctx context.Context, pid int) (ProcessStats, error) {
	p, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return ProcessStats{}, fmt.Errorf("inspecting process %d: %w", pid, err)
	}

	stats := ProcessStats{PID: pid}
	if mi, err := p.MemoryInfoWithContext(ctx); err == nil && mi != nil {
		stats.RSSMB = float64(mi.RSS) / 1024 / 1024
	}
	if pct, err := p.CPUPercentWithContext(ctx); err == nil {
		stats.CPUPercent = pct
	}
	if n, err := p.NumThreadsWithContext(ctx); err == nil {
		stats.Threads = n
	}
	if n, err := p.NumFDsWithContext(ctx); err == nil {
		stats.OpenFDs = n
	}
	return stats, nil
}
