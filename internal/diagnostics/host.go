package diagnostics

import (
	"context"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
)

// DefaultSampleTTL bounds how often the host is sampled.
const DefaultSampleTTL = 2 * time.Second

// HostMetrics is the host section of the health report.
type HostMetrics struct {
	CPU     CPUStats    `json:"cpu"`
	Memory  MemoryStats `json:"memory"`
	Load    *LoadStats  `json:"load,omitempty"`
	Server  ServerStats `json:"server"`
	Sampled time.Time   `json:"sampled_at"`
}

// CPUStats describes host CPUs. Percent is host-wide usage since the
// previous sample; the first sample reports zero.
type CPUStats struct {
	Model   string  `json:"model,omitempty"`
	Threads int     `json:"threads"`
	Percent float64 `json:"percent"`
}

// MemoryStats is host memory in MB.
type MemoryStats struct {
	TotalMB float64 `json:"total_mb"`
	UsedMB  float64 `json:"used_mb"`
	Percent float64 `json:"percent"`
}

// LoadStats is the Unix load average. Absent on platforms without one.
type LoadStats struct {
	Avg1  float64 `json:"avg_1"`
	Avg5  float64 `json:"avg_5"`
	Avg15 float64 `json:"avg_15"`
}

// ServerStats describes the fnhost process itself.
type ServerStats struct {
	Goroutines int     `json:"goroutines"`
	HeapMB     float64 `json:"heap_mb"`
	Uptime     string  `json:"uptime"`
}

// HostCollector samples host statistics and serves cached samples to
// callers that arrive within the sample TTL.
type HostCollector struct {
	mu        sync.Mutex
	ttl       time.Duration
	startedAt time.Time
	last      *HostMetrics

	cpuTotal float64
	cpuIdle  float64

	hwOnce  sync.Once
	model   string
	threads int
}

// NewHostCollector creates a collector. A non-positive ttl uses DefaultSampleTTL.
func NewHostCollector(ttl time.Duration) *HostCollector {
	if ttl <= 0 {
		ttl = DefaultSampleTTL
	}
	return &HostCollector{ttl: ttl, startedAt: time.Now()}
}

// Collect returns host statistics, sampling when the cached sample is stale.
func (c *HostCollector) Collect(ctx context.Context) HostMetrics {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	if c.last != nil && now.Sub(c.last.Sampled) < c.ttl {
		out := *c.last
		out.Server = c.serverStats()
		return out
	}

	m := HostMetrics{Sampled: now}
	c.hardware(ctx)
	m.CPU = CPUStats{Model: c.model, Threads: c.threads, Percent: c.cpuPercent(ctx)}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		m.Memory = MemoryStats{
			TotalMB: toMB(vm.Total),
			UsedMB:  toMB(vm.Used),
			Percent: vm.UsedPercent,
		}
	}
	if avg, err := load.AvgWithContext(ctx); err == nil {
		m.Load = &LoadStats{Avg1: avg.Load1, Avg5: avg.Load5, Avg15: avg.Load15}
	}
	m.Server = c.serverStats()

	c.last = &m
	return m
}

func (c *HostCollector) hardware(ctx context.Context) {
	c.hwOnce.Do(func() {
		if infos, err := cpu.InfoWithContext(ctx); err == nil && len(infos) > 0 {
			c.model = strings.TrimSpace(infos[0].ModelName)
		}
		if n, err := cpu.CountsWithContext(ctx, true); err == nil && n > 0 {
			c.threads = n
		} else {
			c.threads = runtime.NumCPU()
		}
	})
}

// cpuPercent computes usage from the delta of aggregate CPU times.
func (c *HostCollector) cpuPercent(ctx context.Context) float64 {
	times, err := cpu.TimesWithContext(ctx, false)
	if err != nil || len(times) == 0 {
		return 0
	}
	t := times[0]
	total := t.User + t.Nice + t.System + t.Idle + t.Iowait + t.Irq + t.Softirq + t.Steal
	idle := t.Idle + t.Iowait

	var pct float64
	if c.cpuTotal > 0 {
		if dt := total - c.cpuTotal; dt > 0 {
			pct = (1 - (idle-c.cpuIdle)/dt) * 100
		}
	}
	c.cpuTotal, c.cpuIdle = total, idle
	return pct
}

func (c *HostCollector) serverStats() ServerStats {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return ServerStats{
		Goroutines: runtime.NumGoroutine(),
		HeapMB:     toMB(ms.HeapAlloc),
		Uptime:     time.Since(c.startedAt).Round(time.Second).String(),
	}
}

func toMB(b uint64) float64 {
	return float64(b) / 1024 / 1024
}
