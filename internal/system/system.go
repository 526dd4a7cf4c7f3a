package system

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

// Stats is a point-in-time view of the process and host.
type Stats struct {
	Uptime         string  `json:"uptime"`
	Goroutines     int     `json:"goroutines"`
	RSSBytes       uint64  `json:"rss_bytes"`
	HostMemTotal   uint64  `json:"host_mem_total_bytes"`
	HostMemUsedPct float64 `json:"host_mem_used_percent"`
}

type Monitor struct {
	started time.Time
	proc    *process.Process
}

func NewMonitor() (*Monitor, error) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, fmt.Errorf("failed to inspect own process: %w", err)
	}
	return &Monitor{started: time.Now(), proc: proc}, nil
}

func (m *Monitor) Snapshot(ctx context.Context) (Stats, error) {
	st := Stats{
		Uptime:     time.Since(m.started).Round(time.Second).String(),
		Goroutines: runtime.NumGoroutine(),
	}

	info, err := m.proc.MemoryInfoWithContext(ctx)
	if err != nil {
		return st, fmt.Errorf("failed to read process memory: %w", err)
	}
	st.RSSBytes = info.RSS

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return st, fmt.Errorf("failed to read host memory: %w", err)
	}
	st.HostMemTotal = vm.Total
	st.HostMemUsedPct = vm.UsedPercent
	return st, nil
}
