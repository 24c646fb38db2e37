package telemetry

import (
	"context"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
)

// HostMonitor periodically records host and process gauges.
type HostMonitor struct {
	collector *Collector
	interval  time.Duration
	diskPath  string
	startTime time.Time
}

// NewHostMonitor creates a monitor sampling every interval. diskPath is the
// filesystem reported by relaynode_host_disk_used_percent (usually the work dir).
func NewHostMonitor(collector *Collector, interval time.Duration, diskPath string) *HostMonitor {
	if diskPath == "" {
		diskPath = "/"
	}
	return &HostMonitor{
		collector: collector,
		interval:  interval,
		diskPath:  diskPath,
		startTime: time.Now(),
	}
}

// Run samples until ctx is cancelled.
func (hm *HostMonitor) Run(ctx context.Context) {
	if !hm.collector.Enabled() || hm.interval <= 0 {
		return
	}
	ticker := time.NewTicker(hm.interval)
	defer ticker.Stop()

	hm.Record(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			hm.Record(ctx)
		}
	}
}

// Record takes one sample. Probes that fail on this platform are skipped.
func (hm *HostMonitor) Record(ctx context.Context) {
	labels := map[string]string{"component": "host"}

	if avg, err := load.AvgWithContext(ctx); err == nil && avg != nil {
		hm.collector.Gauge("relaynode_host_load1", avg.Load1, labels)
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil && vm != nil {
		hm.collector.Gauge("relaynode_host_memory_used_percent", vm.UsedPercent, labels)
	}
	if du, err := disk.UsageWithContext(ctx, hm.diskPath); err == nil && du != nil {
		hm.collector.Gauge("relaynode_host_disk_used_percent", du.UsedPercent, labels)
	}
	if perc, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(perc) > 0 {
		hm.collector.Gauge("relaynode_host_cpu_percent", perc[0], labels)
	}

	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	process := map[string]string{"component": "process"}
	hm.collector.Gauge("relaynode_memory_heap_bytes", float64(m.HeapAlloc), process)
	hm.collector.Gauge("relaynode_goroutines", float64(runtime.NumGoroutine()), process)
	hm.collector.Gauge("relaynode_uptime_seconds", time.Since(hm.startTime).Seconds(), process)
}

// TimerScope measures a duration into the global collector.
type TimerScope struct {
	startTime time.Time
	name      string
	labels    map[string]string
	collector *Collector
}

// NewTimerScope creates a new timer scope
func NewTimerScope(name string, labels map[string]string) *TimerScope {
	return &TimerScope{
		startTime: time.Now(),
		name:      name,
		labels:    labels,
		collector: GetGlobal(),
	}
}

// End completes the timer and records the duration
func (ts *TimerScope) End() time.Duration {
	duration := time.Since(ts.startTime)
	ts.collector.Timer(ts.name, duration, ts.labels)
	return duration
}
