package monitor

import (
	"fmt"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// ProcessStats is a point-in-time view of the server process.
type ProcessStats struct {
	PID        int32   `json:"pid"`
	RSSBytes   uint64  `json:"rssBytes"`
	CPUPercent float64 `json:"cpuPercent"`
	NumThreads int32   `json:"numThreads"`
	Goroutines int     `json:"goroutines"`
}

// Health samples the current process. Samples are cached for minInterval.
type Health struct {
	proc        *process.Process
	started     time.Time
	minInterval time.Duration

	mu     sync.Mutex
	last   ProcessStats
	lastAt time.Time
}

func NewHealth(minInterval time.Duration) (*Health, error) {
	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, fmt.Errorf("open self process: %w", err)
	}
	return &Health{
		proc:        p,
		started:     time.Now(),
		minInterval: minInterval,
	}, nil
}

// Uptime is the time since NewHealth.
func (h *Health) Uptime() time.Duration {
	return time.Since(h.started)
}

// Sample returns process statistics. Fields gopsutil cannot read on this
// platform are left zero.
func (h *Health) Sample() ProcessStats {
	h.mu.Lock()
	defer h.mu.Unlock()

	now := time.Now()
	if !h.lastAt.IsZero() && now.Sub(h.lastAt) < h.minInterval {
		s := h.last
		s.Goroutines = runtime.NumGoroutine()
		return s
	}

	s := ProcessStats{
		PID:        h.proc.Pid,
		Goroutines: runtime.NumGoroutine(),
	}
	if mem, err := h.proc.MemoryInfo(); err == nil {
		s.RSSBytes = mem.RSS
	}
	if cpu, err := h.proc.CPUPercent(); err == nil {
		s.CPUPercent = cpu
	}
	if n, err := h.proc.NumThreads(); err == nil {
		s.NumThreads = n
	}

	h.last = s
	h.lastAt = now
	return s
}
