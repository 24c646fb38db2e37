package identity

import (
	"context"
	"runtime"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
)

// ProbeSystem describes the host OS, processor and architecture. Fields the
// probe cannot read fall back to the Go runtime's view.
func ProbeSystem() SystemInfo {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	info := SystemInfo{
		OS:           runtime.GOOS,
		Architecture: runtime.GOARCH,
	}
	if hi, err := host.InfoWithContext(ctx); err == nil && hi != nil {
		if hi.Platform != "" {
			info.OS = strings.TrimSpace(hi.OS + " " + hi.Platform + " " + hi.PlatformVersion)
		} else if hi.OS != "" {
			info.OS = hi.OS
		}
		if hi.KernelArch != "" {
			info.Architecture = hi.KernelArch
		}
	}
	if cpus, err := cpu.InfoWithContext(ctx); err == nil && len(cpus) > 0 {
		info.Processor = strings.TrimSpace(cpus[0].ModelName)
	}
	if info.Processor == "" {
		info.Processor = runtime.GOARCH
	}
	return info
}
