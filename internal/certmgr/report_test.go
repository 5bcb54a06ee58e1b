package certmgr

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildReportSummary(t *testing.T) {
	m := newTestManager(t)

	certs := map[string]*Certificate{
		"192.168.1.50": {IsSelfSigned: true, IsValid: true, DaysUntilExpiry: 200},
		"192.168.1.51": {IsSelfSigned: true, IsValid: false, DaysUntilExpiry: 10},
		"192.168.1.52": {IsSelfSigned: false, IsValid: true, DaysUntilExpiry: -3},
	}

	report := m.BuildReport(certs)

	assert.Equal(t, 3, report.Summary.TotalCertificates)
	assert.Equal(t, 2, report.Summary.SelfSigned)
	assert.Equal(t, 2, report.Summary.Valid)
	assert.Equal(t, 2, report.Summary.ExpiringSoon, "expired counts as expiring")
	assert.Greater(t, report.Timestamp, 0.0)
	assert.NotEmpty(t, report.ScanDate)
}

func TestSaveReportWireFormat(t *testing.T) {
	m := newTestManager(t)
	path := filepath.Join(t.TempDir(), "certificate_report.json")

	certs := map[string]*Certificate{
		"192.168.1.50": {
			Subject:          "axis-device",
			Issuer:           "axis-device",
			SerialNumber:     "7",
			NotBefore:        time.Now().Add(-time.Hour),
			NotAfter:         time.Now().Add(24 * time.Hour),
			Fingerprint:      "abc123",
			IsSelfSigned:     true,
			IsValid:          true,
			ValidationErrors: []string{},
			SANNames:         []string{"192.168.1.50"},
			KeyUsage:         []string{"Digital Signature"},
			DaysUntilExpiry:  0,
		},
	}
	require.NoError(t, m.SaveReport(certs, path))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(raw, &doc))
	for _, key := range []string{"timestamp", "scan_date", "certificates", "summary"} {
		require.Contains(t, doc, key)
	}

	entry := doc["certificates"].(map[string]any)["192.168.1.50"].(map[string]any)
	for _, key := range []string{
		"subject", "issuer", "serial_number", "not_before", "not_after",
		"fingerprint", "is_self_signed", "is_valid", "validation_errors",
		"san_names", "key_usage", "days_until_expiry",
	} {
		assert.Contains(t, entry, key)
	}

	summary := doc["summary"].(map[string]any)
	for _, key := range []string{"total_certificates", "self_signed", "valid", "expiring_soon"} {
		assert.Contains(t, summary, key)
	}
}

func TestSaveReportEmptyScan(t *testing.T) {
	m := newTestManager(t)
	path := filepath.Join(t.TempDir(), "certificate_report.json")

	require.NoError(t, m.SaveReport(nil, path))

	report, err := LoadReport(path)
	require.NoError(t, err)
	assert.Zero(t, report.Summary.TotalCertificates)
	assert.NotNil(t, report.Certificates)
}

func TestLoadReportMissingFile(t *testing.T) {
	_, err := LoadReport(filepath.Join(t.TempDir(), "absent.json"))
	require.Error(t, err)
}
