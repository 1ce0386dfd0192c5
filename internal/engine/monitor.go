package engine

import (
	"context"
	"os"
	"runtime"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/process"

	"perp-breakout/internal/config"
)

// sustainedHardSamples hard-breach samples in a row demote the orchestra
// to PAUSED.
const sustainedHardSamples = 3

// cpuSoftPercent is the process CPU level above which the cycle delay grows.
const cpuSoftPercent = 80.0

// ResourceSample is one reading of process resource usage.
type ResourceSample struct {
	RSSMB       float64   `json:"rss_mb"`
	CPUPercent  float64   `json:"cpu_percent"`
	Goroutines  int       `json:"goroutines"`
	Threads     int32     `json:"threads"`
	DiskUsedPct float64   `json:"disk_used_pct"`
	Ts          time.Time `json:"ts"`
}

// ResourceMonitor samples process CPU, RSS, goroutines, threads and disk
// usage of the diagnostics directory on a fixed interval and grades RSS
// against the configured memory cap. At the soft fraction it runs the
// release hook (cache clears) and returns memory to the OS; at the hard
// fraction it logs critical, and sustained hard breaches surface through
// SustainedHard so the orchestra can demote itself.
type ResourceMonitor struct {
	proc     *process.Process
	diskPath string
	interval time.Duration
	softMB   float64
	hardMB   float64
	release  func()
	logger   zerolog.Logger

	mu      sync.Mutex
	last    ResourceSample
	soft    bool
	hardRun int
}

// NewResourceMonitor builds a monitor over the current process. release is
// invoked on every sample taken at or above the soft threshold; pass the
// cache-shedding pass of the engine.
func NewResourceMonitor(cfg config.EngineConfig, diskPath string, release func(), logger zerolog.Logger) *ResourceMonitor {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		logger.Warn().Err(err).Msg("resource monitor: no process handle, RSS grading disabled")
	}
	return &ResourceMonitor{
		proc:     proc,
		diskPath: diskPath,
		interval: cfg.ResourceInterval,
		softMB:   cfg.MemoryCapMB * cfg.SoftRSSFraction,
		hardMB:   cfg.MemoryCapMB * cfg.HardRSSFraction,
		release:  release,
		logger:   logger.With().Str("component", "resources").Logger(),
	}
}

// Run samples on the configured interval until ctx is cancelled. The first
// sample is taken immediately so CPUPercent has a baseline to diff against.
func (m *ResourceMonitor) Run(ctx context.Context) error {
	interval := m.interval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.sample()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.sample()
		}
	}
}

func (m *ResourceMonitor) sample() {
	s := ResourceSample{Goroutines: runtime.NumGoroutine(), Ts: time.Now()}
	if m.proc != nil {
		if mi, err := m.proc.MemoryInfo(); err == nil && mi != nil {
			s.RSSMB = float64(mi.RSS) / (1024 * 1024)
		}
		if cpu, err := m.proc.CPUPercent(); err == nil {
			s.CPUPercent = cpu
		}
		if th, err := m.proc.NumThreads(); err == nil {
			s.Threads = th
		}
	}
	if m.diskPath != "" {
		if du, err := disk.Usage(m.diskPath); err == nil && du != nil {
			s.DiskUsedPct = du.UsedPercent
		}
	}
	m.observe(s)
}

// observe grades a sample and reacts. Split from sample so tests can feed
// synthetic readings.
func (m *ResourceMonitor) observe(s ResourceSample) {
	soft := m.softMB > 0 && s.RSSMB >= m.softMB
	hard := m.hardMB > 0 && s.RSSMB >= m.hardMB

	m.mu.Lock()
	m.last = s
	enteredSoft := soft && !m.soft
	m.soft = soft
	if hard {
		m.hardRun++
	} else {
		m.hardRun = 0
	}
	hardRun := m.hardRun
	m.mu.Unlock()

	switch {
	case hard:
		m.logger.Error().
			Float64("rss_mb", s.RSSMB).
			Float64("hard_mb", m.hardMB).
			Int("consecutive", hardRun).
			Msg("memory hard threshold breached")
	case enteredSoft:
		m.logger.Warn().
			Float64("rss_mb", s.RSSMB).
			Float64("soft_mb", m.softMB).
			Msg("memory soft threshold breached, shedding caches")
	}

	if soft {
		if m.release != nil {
			m.release()
		}
		debug.FreeOSMemory()
	}
}

// Last returns the most recent sample.
func (m *ResourceMonitor) Last() ResourceSample {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}

// UnderPressure reports whether RSS sits at or above the soft threshold.
// The scanner consults it to skip cache writes between batches.
func (m *ResourceMonitor) UnderPressure() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.soft
}

// SustainedHard reports whether the hard threshold held for the last
// sustainedHardSamples samples.
func (m *ResourceMonitor) SustainedHard() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hardRun >= sustainedHardSamples
}

// Strained reports whether the cycle delay should grow: CPU hot or memory
// at the soft threshold.
func (m *ResourceMonitor) Strained() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.soft || m.last.CPUPercent >= cpuSoftPercent
}
