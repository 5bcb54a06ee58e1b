package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "root", cfg.Username)
	assert.Equal(t, "admin", cfg.Password)
	assert.Equal(t, "192.168.1.0/24", cfg.Network)
	assert.Equal(t, "discovered_cameras.json", cfg.Paths.CameraSnapshot)
	assert.Equal(t, "websocket_config.json", cfg.Paths.WebSocketConfig)
	assert.Equal(t, "certificate_report.json", cfg.Paths.CertReport)
	assert.Equal(t, "health_report.json", cfg.Paths.HealthReport)
	assert.Equal(t, 80.0, cfg.Health.Thresholds.CPUPercent)
	assert.Equal(t, 85.0, cfg.Health.Thresholds.MemoryPercent)
	assert.Equal(t, 90.0, cfg.Health.Thresholds.DiskPercent)
	assert.Zero(t, cfg.Discovery.Interval)
	assert.Empty(t, cfg.MetricsAddr, "metrics server is off unless addressed")
	assert.Empty(t, cfg.Health.Service.Name)
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "camward.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"username": "operator",
		"password": "hunter2",
		"network": "10.20.0.0/16",
		"discovery": {"interval": "15m"},
		"health": {
			"thresholds": {"cpu_percent": 70},
			"webhook_url": "http://alerts.internal/hook"
		}
	}`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "operator", cfg.Username)
	assert.Equal(t, "hunter2", cfg.Password)
	assert.Equal(t, "10.20.0.0/16", cfg.Network)
	assert.Equal(t, 15*time.Minute, cfg.Discovery.Interval)
	assert.Equal(t, 70.0, cfg.Health.Thresholds.CPUPercent)
	assert.Equal(t, 85.0, cfg.Health.Thresholds.MemoryPercent, "unset keys keep defaults")
	assert.Equal(t, "http://alerts.internal/hook", cfg.Health.WebhookURL)
}

func TestLoadMetricsAndServiceCheck(t *testing.T) {
	path := filepath.Join(t.TempDir(), "camward.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"metrics_addr": "127.0.0.1:9464",
		"health": {
			"service": {
				"name": "recorder",
				"health_url": "http://127.0.0.1:8080/health",
				"pattern": "recorder",
				"command": ["/usr/local/bin/recorder", "--daemon"]
			}
		}
	}`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9464", cfg.MetricsAddr)
	assert.Equal(t, "recorder", cfg.Health.Service.Name)
	assert.Equal(t, "http://127.0.0.1:8080/health", cfg.Health.Service.HealthURL)
	assert.Equal(t, "recorder", cfg.Health.Service.Pattern)
	assert.Equal(t, []string{"/usr/local/bin/recorder", "--daemon"}, cfg.Health.Service.Command)
}

func TestLoadExplicitFileMustExist(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.json"))
	require.Error(t, err)
}

func TestLoadRejectsMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "camward.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadRejectsEmptyCredentials(t *testing.T) {
	path := filepath.Join(t.TempDir(), "camward.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"username": ""}`), 0o644))

	_, err := Load(path)
	require.Error(t, err)
}
