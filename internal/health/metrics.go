package health

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	gnet "github.com/shirou/gopsutil/v3/net"
	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"
)

var (
	checksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "camward_health_checks_total",
			Help: "Total health check executions by check and resulting status.",
		},
		[]string{"check", "status"},
	)

	recoveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "camward_health_recoveries_total",
			Help: "Total recovery attempts by check and result.",
		},
		[]string{"check", "result"},
	)

	alertsSentTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "camward_health_alerts_sent_total",
			Help: "Total alerts delivered to the webhook.",
		},
	)
)

func init() {
	prometheus.MustRegister(checksTotal, recoveriesTotal, alertsSentTotal)
}

// Metrics is one host resource sample. Field names are the wire format of
// the metrics blocks in health_report.json.
type Metrics struct {
	Timestamp     string            `json:"timestamp"`
	CPUPercent    float64           `json:"cpu_percent"`
	MemoryPercent float64           `json:"memory_percent"`
	DiskPercent   float64           `json:"disk_percent"`
	NetworkIO     map[string]uint64 `json:"network_io"`
	ProcessCount  int               `json:"process_count"`
	OpenFiles     int               `json:"open_files"`
}

// SampleFunc produces one host metrics sample.
type SampleFunc func(ctx context.Context) (*Metrics, error)

// CollectMetrics samples the host via gopsutil. The open file count covers
// this process only; a host-wide walk is too expensive per sample.
func CollectMetrics(ctx context.Context) (*Metrics, error) {
	cpuPcts, err := cpu.PercentWithContext(ctx, time.Second, false)
	if err != nil || len(cpuPcts) == 0 {
		return nil, fmt.Errorf("sample cpu: %w", err)
	}
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("sample memory: %w", err)
	}
	du, err := disk.UsageWithContext(ctx, "/")
	if err != nil {
		return nil, fmt.Errorf("sample disk: %w", err)
	}

	netIO := map[string]uint64{}
	if counters, err := gnet.IOCountersWithContext(ctx, false); err == nil && len(counters) > 0 {
		netIO["bytes_sent"] = counters[0].BytesSent
		netIO["bytes_recv"] = counters[0].BytesRecv
		netIO["packets_sent"] = counters[0].PacketsSent
		netIO["packets_recv"] = counters[0].PacketsRecv
	}

	processCount := 0
	if pids, err := process.PidsWithContext(ctx); err == nil {
		processCount = len(pids)
	}

	openFiles := 0
	if self, err := process.NewProcessWithContext(ctx, int32(os.Getpid())); err == nil {
		if n, err := self.NumFDsWithContext(ctx); err == nil {
			openFiles = int(n)
		}
	}

	return &Metrics{
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		CPUPercent:    cpuPcts[0],
		MemoryPercent: vm.UsedPercent,
		DiskPercent:   du.UsedPercent,
		NetworkIO:     netIO,
		ProcessCount:  processCount,
		OpenFiles:     openFiles,
	}, nil
}

// metricsLoop samples on a fixed cadence and prunes history past the
// retention window.
func (m *Monitor) metricsLoop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.metricsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sample, err := m.sample(ctx)
			if err != nil {
				m.logger.Error("metrics collection failed", zap.Error(err))
				continue
			}
			m.recordMetrics(*sample)
		}
	}
}

func (m *Monitor) recordMetrics(sample Metrics) {
	cutoff := m.now().UTC().Add(-m.metricsRetention)

	m.mu.Lock()
	defer m.mu.Unlock()

	m.history = append(m.history, sample)
	kept := m.history[:0]
	for _, s := range m.history {
		ts, err := time.Parse(time.RFC3339, s.Timestamp)
		if err == nil && ts.Before(cutoff) {
			continue
		}
		kept = append(kept, s)
	}
	m.history = kept
}
