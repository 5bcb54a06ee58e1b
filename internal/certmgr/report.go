package certmgr

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"
)

const expiryWarningDays = 30

// Report is the on-disk certificate_report.json document.
type Report struct {
	Timestamp    float64                 `json:"timestamp"`
	ScanDate     string                  `json:"scan_date"`
	Certificates map[string]*Certificate `json:"certificates"`
	Summary      Summary                 `json:"summary"`
}

// Summary aggregates the scan for dashboards and the health monitor.
type Summary struct {
	TotalCertificates int `json:"total_certificates"`
	SelfSigned        int `json:"self_signed"`
	Valid             int `json:"valid"`
	ExpiringSoon      int `json:"expiring_soon"`
}

// BuildReport assembles a Report from a scan result.
func (m *Manager) BuildReport(certs map[string]*Certificate) *Report {
	if certs == nil {
		certs = map[string]*Certificate{}
	}

	summary := Summary{TotalCertificates: len(certs)}
	for _, cert := range certs {
		if cert.IsSelfSigned {
			summary.SelfSigned++
		}
		if cert.IsValid {
			summary.Valid++
		}
		if cert.DaysUntilExpiry < expiryWarningDays {
			summary.ExpiringSoon++
		}
	}

	now := m.now().UTC()
	return &Report{
		Timestamp:    float64(now.UnixNano()) / float64(time.Second),
		ScanDate:     now.Format(time.RFC3339),
		Certificates: certs,
		Summary:      summary,
	}
}

// SaveReport writes the scan result as certificate_report.json at path.
func (m *Manager) SaveReport(certs map[string]*Certificate, path string) error {
	raw, err := json.MarshalIndent(m.BuildReport(certs), "", "  ")
	if err != nil {
		return fmt.Errorf("marshal certificate report: %w", err)
	}
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return fmt.Errorf("write certificate report: %w", err)
	}
	m.logger.Info("saved certificate report", zap.String("path", path))
	return nil
}

// LoadReport reads a previously written certificate report.
func LoadReport(path string) (*Report, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read certificate report: %w", err)
	}
	var report Report
	if err := json.Unmarshal(raw, &report); err != nil {
		return nil, fmt.Errorf("parse certificate report: %w", err)
	}
	return &report, nil
}
