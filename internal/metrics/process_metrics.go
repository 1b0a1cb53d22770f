package metrics

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v4/process"
)

// ProcessMetrics holds CPU and memory metrics for a single process
type ProcessMetrics struct {
	PID        int32     `json:"pid"`
	Name       string    `json:"name"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryMB   float64   `json:"memory_mb"`
	MemoryRSS  uint64    `json:"memory_rss"`
	MemoryVMS  uint64    `json:"memory_vms"`
	Timestamp  time.Time `json:"timestamp"`
	NumThreads int32     `json:"num_threads"`
	NumFDs     int32     `json:"num_fds,omitempty"` // Unix only
	CreateTime time.Time `json:"create_time"`
}

var (
	processCPUPercent = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "browsertools",
			Subsystem: "process",
			Name:      "cpu_percent",
			Help:      "CPU usage of a session-owned process.",
		}, []string{"role"},
	)
	processMemoryMB = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "browsertools",
			Subsystem: "process",
			Name:      "memory_mb",
			Help:      "Resident memory of a session-owned process in MB.",
		}, []string{"role"},
	)
	processNumThreads = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "browsertools",
			Subsystem: "process",
			Name:      "num_threads",
			Help:      "Thread count of a session-owned process.",
		}, []string{"role"},
	)
)

// Sample reads CPU and memory figures for pid. role labels the process
// ("browser", "tunnel", "watchdog") in logs and gauges.
func Sample(ctx context.Context, role string, pid int) (ProcessMetrics, error) {
	proc, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return ProcessMetrics{}, fmt.Errorf("failed to create process handle: %w", err)
	}

	// CPU percent is averaged over the process lifetime on the first call
	cpuPercent, err := proc.CPUPercentWithContext(ctx)
	if err != nil {
		slog.Debug("Failed to get CPU percent", "role", role, "pid", pid, "error", err)
		cpuPercent = 0
	}

	memInfo, err := proc.MemoryInfoWithContext(ctx)
	if err != nil {
		return ProcessMetrics{}, fmt.Errorf("failed to get memory info: %w", err)
	}

	numThreads, err := proc.NumThreadsWithContext(ctx)
	if err != nil {
		slog.Debug("Failed to get thread count", "role", role, "pid", pid, "error", err)
		numThreads = 0
	}

	m := ProcessMetrics{
		PID:        int32(pid),
		Name:       role,
		CPUPercent: cpuPercent,
		MemoryMB:   float64(memInfo.RSS) / 1024 / 1024,
		MemoryRSS:  memInfo.RSS,
		MemoryVMS:  memInfo.VMS,
		Timestamp:  time.Now(),
		NumThreads: numThreads,
	}
	if ms, err := proc.CreateTimeWithContext(ctx); err == nil {
		m.CreateTime = time.UnixMilli(ms)
	}
	if runtime.GOOS != "windows" {
		if numFDs, err := proc.NumFDsWithContext(ctx); err == nil {
			m.NumFDs = numFDs
		}
	}
	return m, nil
}

// ObserveProcess publishes a sample through the process gauges.
func ObserveProcess(m ProcessMetrics) {
	if !regOK.Load() {
		return
	}
	processCPUPercent.WithLabelValues(m.Name).Set(m.CPUPercent)
	processMemoryMB.WithLabelValues(m.Name).Set(m.MemoryMB)
	processNumThreads.WithLabelValues(m.Name).Set(float64(m.NumThreads))
}
