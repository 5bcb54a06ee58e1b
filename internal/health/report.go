package health

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"
)

// reportHistorySize caps how many metric samples a report embeds.
const reportHistorySize = 20

// Report is the on-disk health_report.json document.
type Report struct {
	Overall
	Timestamp      string    `json:"timestamp"`
	MetricsHistory []Metrics `json:"metrics_history"`
}

// BuildReport captures the aggregate state plus the tail of the metrics
// history.
func (m *Monitor) BuildReport() *Report {
	overall := m.Snapshot()

	m.mu.Lock()
	start := max(len(m.history)-reportHistorySize, 0)
	history := make([]Metrics, len(m.history)-start)
	copy(history, m.history[start:])
	m.mu.Unlock()

	return &Report{
		Overall:        overall,
		Timestamp:      m.now().UTC().Format(time.RFC3339),
		MetricsHistory: history,
	}
}

// SaveReport writes the current health state as health_report.json.
func (m *Monitor) SaveReport(path string) error {
	raw, err := json.MarshalIndent(m.BuildReport(), "", "  ")
	if err != nil {
		return fmt.Errorf("marshal health report: %w", err)
	}
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return fmt.Errorf("write health report: %w", err)
	}
	m.logger.Info("saved health report", zap.String("path", path))
	return nil
}
