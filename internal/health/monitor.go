package health

import (
	"context"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sai-cam/sai-cam/config"
	"github.com/sai-cam/sai-cam/internal/capture"
	"github.com/sai-cam/sai-cam/internal/logger"
	"github.com/sai-cam/sai-cam/internal/storage"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
	gopsnet "github.com/shirou/gopsutil/v3/net"
)

// cameraRefreshInterval is the fast loop that refreshes the cached
// per-camera state; system metrics refresh on the configured slow interval.
const cameraRefreshInterval = time.Second

// SystemMetrics is one sample of host resource usage.
type SystemMetrics struct {
	CPUPercent    float64   `json:"cpu_percent"`
	MemoryPercent float64   `json:"memory_percent"`
	MemoryUsedMB  float64   `json:"memory_used_mb"`
	MemoryTotalMB float64   `json:"memory_total_mb"`
	DiskPercent   float64   `json:"disk_percent"`
	DiskUsedGB    float64   `json:"disk_used_gb"`
	DiskTotalGB   float64   `json:"disk_total_gb"`
	Temperature   float64   `json:"temperature,omitempty"`
	UptimeSeconds uint64    `json:"uptime_seconds"`
	BytesSent     uint64    `json:"bytes_sent"`
	BytesReceived uint64    `json:"bytes_received"`
	SampledAt     time.Time `json:"sampled_at"`
}

// ThreadCensus counts live goroutines and camera workers.
type ThreadCensus struct {
	Goroutines    int `json:"goroutines"`
	CameraWorkers int `json:"camera_workers"`
}

// Snapshot is the full health view served over the IPC socket. Never
// persisted; computed from caches on demand.
type Snapshot struct {
	Stale         bool                   `json:"stale,omitempty"`
	System        SystemMetrics          `json:"system"`
	SystemStale   bool                   `json:"system_stale,omitempty"`
	Cameras       []capture.CameraStatus `json:"cameras"`
	CamerasStale  bool                   `json:"cameras_stale,omitempty"`
	Threads       ThreadCensus           `json:"threads"`
	Storage       storage.Totals         `json:"storage"`
	UploadBacklog int                    `json:"upload_backlog"`
	GeneratedAt   time.Time              `json:"generated_at"`
}

// BacklogFunc reports the upload queue depth.
type BacklogFunc func() int

// Monitor samples system metrics and caches per-camera state so IPC
// requests are always served from memory, never by touching cameras or
// blocking on gopsutil.
type Monitor struct {
	cfg     *config.MonitoringConfig
	coord   *capture.Coordinator
	store   *storage.Manager
	backlog BacklogFunc
	log     logger.Logger
	rl      *logger.RateLimited

	mu            sync.RWMutex
	system        SystemMetrics
	cameras       []capture.CameraStatus
	camerasAt     time.Time
	storageTotals storage.Totals
	storageAt     time.Time
}

// NewMonitor wires the monitor to its data sources
func NewMonitor(cfg *config.MonitoringConfig, coord *capture.Coordinator, store *storage.Manager, backlog BacklogFunc, log logger.Logger) *Monitor {
	if backlog == nil {
		backlog = func() int { return 0 }
	}
	return &Monitor{
		cfg:     cfg,
		coord:   coord,
		store:   store,
		backlog: backlog,
		log:     log,
		rl:      logger.NewRateLimited(log, time.Minute),
	}
}

// Run samples until ctx is cancelled: system metrics on the configured slow
// interval, camera state every second.
func (m *Monitor) Run(ctx context.Context) {
	m.sampleSystem()
	m.refreshCameras()
	m.refreshStorage()

	slow := time.NewTicker(m.cfg.HealthCheckInterval)
	fast := time.NewTicker(cameraRefreshInterval)
	defer slow.Stop()
	defer fast.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-slow.C:
			m.sampleSystem()
			m.refreshStorage()
		case <-fast.C:
			m.refreshCameras()
		}
	}
}

// sampleSystem takes one gopsutil sample and warns on threshold breaches
func (m *Monitor) sampleSystem() {
	s := SystemMetrics{SampledAt: time.Now()}

	if percents, err := cpu.Percent(time.Second, false); err == nil && len(percents) > 0 {
		s.CPUPercent = percents[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		s.MemoryPercent = vm.UsedPercent
		s.MemoryUsedMB = float64(vm.Used) / (1 << 20)
		s.MemoryTotalMB = float64(vm.Total) / (1 << 20)
	}
	if du, err := disk.Usage("/"); err == nil {
		s.DiskPercent = du.UsedPercent
		s.DiskUsedGB = float64(du.Used) / (1 << 30)
		s.DiskTotalGB = float64(du.Total) / (1 << 30)
	}
	if up, err := host.Uptime(); err == nil {
		s.UptimeSeconds = up
	}
	if counters, err := gopsnet.IOCounters(false); err == nil && len(counters) > 0 {
		s.BytesSent = counters[0].BytesSent
		s.BytesReceived = counters[0].BytesRecv
	}
	s.Temperature = readTemperature()

	m.checkThresholds(&s)

	m.mu.Lock()
	m.system = s
	m.mu.Unlock()
}

func (m *Monitor) checkThresholds(s *SystemMetrics) {
	if m.cfg.MaxCPUPercent > 0 && s.CPUPercent > m.cfg.MaxCPUPercent {
		m.rl.Warnf("high_cpu", time.Minute, "High CPU usage", "cpu_percent", s.CPUPercent)
	}
	if m.cfg.MaxMemoryPercent > 0 && s.MemoryPercent > m.cfg.MaxMemoryPercent {
		m.rl.Warnf("high_memory", time.Minute, "High memory usage", "memory_percent", s.MemoryPercent)
	}
	if m.cfg.MaxDiskPercent > 0 && s.DiskPercent > m.cfg.MaxDiskPercent {
		m.rl.Warnf("high_disk", time.Minute, "High disk usage", "disk_percent", s.DiskPercent)
	}
	if m.cfg.MaxTemperature > 0 && s.Temperature > m.cfg.MaxTemperature {
		m.rl.Warnf("high_temp", time.Minute, "High temperature", "temperature", s.Temperature)
	}
}

func (m *Monitor) refreshCameras() {
	snap := m.coord.Snapshot()
	m.mu.Lock()
	m.cameras = snap
	m.camerasAt = time.Now()
	m.mu.Unlock()
}

func (m *Monitor) refreshStorage() {
	totals := m.store.GetTotals()
	m.mu.Lock()
	m.storageTotals = totals
	m.storageAt = time.Now()
	m.mu.Unlock()
}

// Full composes the complete snapshot from caches. A cache older than
// twice its refresh interval is flagged stale rather than refreshed
// inline, so the IPC handler never blocks.
func (m *Monitor) Full() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := time.Now()
	systemStale := now.Sub(m.system.SampledAt) > 2*m.cfg.HealthCheckInterval
	camerasStale := now.Sub(m.camerasAt) > 2*cameraRefreshInterval
	return Snapshot{
		Stale:        systemStale || camerasStale,
		System:       m.system,
		SystemStale:  systemStale,
		Cameras:      m.cameras,
		CamerasStale: camerasStale,
		Threads: ThreadCensus{
			Goroutines:    runtime.NumGoroutine(),
			CameraWorkers: m.coord.WorkerCount(),
		},
		Storage:       m.storageTotals,
		UploadBacklog: m.backlog(),
		GeneratedAt:   now,
	}
}

// Cameras returns the cached per-camera state
func (m *Monitor) Cameras() []capture.CameraStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cameras
}

// System returns the cached system metrics
func (m *Monitor) System() SystemMetrics {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.system
}

// Threads returns the current thread census
func (m *Monitor) Threads() ThreadCensus {
	return ThreadCensus{
		Goroutines:    runtime.NumGoroutine(),
		CameraWorkers: m.coord.WorkerCount(),
	}
}

// readTemperature reads the SoC temperature. The thermal zone file covers
// most ARM boards; vcgencmd is the Raspberry Pi fallback.
func readTemperature() float64 {
	if raw, err := os.ReadFile("/sys/class/thermal/thermal_zone0/temp"); err == nil {
		if milli, err := strconv.ParseFloat(strings.TrimSpace(string(raw)), 64); err == nil {
			return milli / 1000.0
		}
	}

	out, err := exec.Command("vcgencmd", "measure_temp").Output()
	if err != nil {
		return 0
	}
	// vcgencmd output: temp=42.8'C
	s := strings.TrimSpace(string(out))
	s = strings.TrimPrefix(s, "temp=")
	s = strings.TrimSuffix(s, "'C")
	if temp, err := strconv.ParseFloat(s, 64); err == nil {
		return temp
	}
	return 0
}
