package server

import (
	"math"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/mem"
)

// HostStats is the host summary reported by /api/health.
type HostStats struct {
	Hostname       string  `json:"hostname,omitempty"`
	OS             string  `json:"os,omitempty"`
	UptimeSeconds  uint64  `json:"uptime_seconds"`
	CPUCount       int     `json:"cpu_count"`
	MemUsedPercent float64 `json:"mem_used_percent"`
	// DiskUsedPercent is the fullest partition; the session store lives on one of them.
	DiskUsedPercent float64 `json:"disk_used_percent"`
	Goroutines      int     `json:"goroutines"`
}

// collectHostStats gathers what gopsutil can report; fields it cannot read
// stay zero.
func collectHostStats() HostStats {
	stats := HostStats{Goroutines: runtime.NumGoroutine()}

	if info, err := host.Info(); err == nil {
		stats.Hostname = info.Hostname
		stats.OS = info.Platform + " " + info.PlatformVersion
		stats.UptimeSeconds = info.Uptime
	}
	if n, err := cpu.Counts(true); err == nil {
		stats.CPUCount = n
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		stats.MemUsedPercent = vm.UsedPercent
	}
	stats.DiskUsedPercent = fullestPartition()
	return stats
}

func fullestPartition() float64 {
	partitions, err := disk.Partitions(false)
	if err != nil {
		return 0
	}
	var max float64
	for _, p := range partitions {
		usage, err := disk.Usage(p.Mountpoint)
		if err != nil {
			continue
		}
		max = math.Max(max, usage.UsedPercent)
	}
	return max
}

type healthResponse struct {
	Status  string    `json:"status"`
	Version string    `json:"version"`
	Time    time.Time `json:"time"`
	Views   int       `json:"views"`
	Host    HostStats `json:"host"`
}
