package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/camward/camward/internal/certmgr"
	"github.com/camward/camward/internal/discovery"
	"github.com/camward/camward/internal/endpoint"
	"github.com/camward/camward/internal/testutil"
	"github.com/camward/camward/pkg/models"
)

func TestSystemResourcesCheck(t *testing.T) {
	tests := []struct {
		name   string
		sample Metrics
		err    error
		want   Status
	}{
		{name: "all under thresholds", sample: Metrics{CPUPercent: 20, MemoryPercent: 40, DiskPercent: 50}, want: StatusHealthy},
		{name: "cpu over threshold", sample: Metrics{CPUPercent: 85, MemoryPercent: 40, DiskPercent: 50}, want: StatusDegraded},
		{name: "disk over threshold", sample: Metrics{CPUPercent: 20, MemoryPercent: 40, DiskPercent: 95}, want: StatusDegraded},
		{name: "cpu critical", sample: Metrics{CPUPercent: 97, MemoryPercent: 40, DiskPercent: 50}, want: StatusCritical},
		{name: "memory critical", sample: Metrics{CPUPercent: 20, MemoryPercent: 98, DiskPercent: 50}, want: StatusCritical},
		{name: "sampler failure", err: errors.New("no procfs"), want: StatusUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sampler := func(context.Context) (*Metrics, error) {
				if tt.err != nil {
					return nil, tt.err
				}
				s := tt.sample
				return &s, nil
			}
			check := SystemResourcesCheck(DefaultThresholds(), sampler, testutil.Logger())

			status, err := check.Run(context.Background())
			if tt.err != nil {
				require.Error(t, err)
			}
			assert.Equal(t, tt.want, status)
		})
	}
}

// closedPort returns a loopback address nothing listens on.
func closedPort(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

func TestCameraConnectivityCheck(t *testing.T) {
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer up.Close()
	upAddr := strings.TrimPrefix(up.URL, "http://")
	downAddr := closedPort(t)

	writeSnapshot := func(t *testing.T, ips ...string) string {
		path := filepath.Join(t.TempDir(), "discovered_cameras.json")
		devices := make([]models.Device, len(ips))
		for i, ip := range ips {
			devices[i] = models.Device{IP: ip}
		}
		require.NoError(t, discovery.SaveSnapshot(path, devices))
		return path
	}

	tests := []struct {
		name string
		ips  []string
		want Status
	}{
		{name: "all reachable", ips: []string{upAddr, upAddr}, want: StatusHealthy},
		{name: "under half failed", ips: []string{upAddr, upAddr, downAddr}, want: StatusUnhealthy},
		{name: "most failed", ips: []string{upAddr, downAddr, downAddr}, want: StatusCritical},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			check := CameraConnectivityCheck(writeSnapshot(t, tt.ips...), http.DefaultClient, nil)
			status, err := check.Run(context.Background())
			require.NoError(t, err)
			assert.Equal(t, tt.want, status)
		})
	}

	t.Run("missing snapshot is unknown", func(t *testing.T) {
		check := CameraConnectivityCheck(filepath.Join(t.TempDir(), "absent.json"), http.DefaultClient, nil)
		status, err := check.Run(context.Background())
		require.NoError(t, err)
		assert.Equal(t, StatusUnknown, status)
	})

	t.Run("degraded under ten percent", func(t *testing.T) {
		ips := make([]string, 11)
		for i := range ips {
			ips[i] = upAddr
		}
		ips[0] = downAddr

		check := CameraConnectivityCheck(writeSnapshot(t, ips...), http.DefaultClient, nil)
		status, err := check.Run(context.Background())
		require.NoError(t, err)
		assert.Equal(t, StatusDegraded, status)
	})
}

func writeEndpointConfig(t *testing.T, validated ...bool) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "websocket_config.json")

	eps := make([]endpoint.Candidate, len(validated))
	for i, v := range validated {
		eps[i] = endpoint.Candidate{URL: fmt.Sprintf("ws://cam-%d/ws", i), Validated: v}
	}
	writeJSON(t, path, endpoint.Config{Timestamp: 1, Endpoints: eps})
	return path
}

func writeJSON(t *testing.T, path string, v any) {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, raw, 0o644))
}

func TestWebSocketEndpointCheck(t *testing.T) {
	tests := []struct {
		name      string
		validated []bool
		want      Status
	}{
		{name: "all validated", validated: []bool{true, true}, want: StatusHealthy},
		{name: "majority validated", validated: []bool{true, true, false}, want: StatusDegraded},
		{name: "minority validated", validated: []bool{true, false, false}, want: StatusUnhealthy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			check := WebSocketEndpointCheck(writeEndpointConfig(t, tt.validated...), nil)
			status, err := check.Run(context.Background())
			require.NoError(t, err)
			assert.Equal(t, tt.want, status)
		})
	}

	t.Run("missing config is unknown", func(t *testing.T) {
		check := WebSocketEndpointCheck(filepath.Join(t.TempDir(), "absent.json"), nil)
		status, err := check.Run(context.Background())
		require.NoError(t, err)
		assert.Equal(t, StatusUnknown, status)
	})
}

func writeCertReport(t *testing.T, summary certmgr.Summary) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "certificate_report.json")
	writeJSON(t, path, certmgr.Report{
		Timestamp:    1,
		ScanDate:     "2026-08-28T00:00:00Z",
		Certificates: map[string]*certmgr.Certificate{},
		Summary:      summary,
	})
	return path
}

func TestCertificateCheck(t *testing.T) {
	tests := []struct {
		name    string
		summary certmgr.Summary
		want    Status
	}{
		{
			name:    "all valid",
			summary: certmgr.Summary{TotalCertificates: 10, Valid: 10},
			want:    StatusHealthy,
		},
		{
			name:    "expiring soon degrades",
			summary: certmgr.Summary{TotalCertificates: 10, Valid: 10, ExpiringSoon: 2},
			want:    StatusDegraded,
		},
		{
			name:    "validity under ninety percent",
			summary: certmgr.Summary{TotalCertificates: 10, Valid: 8},
			want:    StatusDegraded,
		},
		{
			name:    "validity under seventy percent",
			summary: certmgr.Summary{TotalCertificates: 10, Valid: 5},
			want:    StatusUnhealthy,
		},
		{
			name:    "empty scan is unknown",
			summary: certmgr.Summary{},
			want:    StatusUnknown,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			check := CertificateCheck(writeCertReport(t, tt.summary))
			status, err := check.Run(context.Background())
			require.NoError(t, err)
			assert.Equal(t, tt.want, status)
		})
	}

	t.Run("missing report is unknown", func(t *testing.T) {
		check := CertificateCheck(filepath.Join(t.TempDir(), "absent.json"))
		status, err := check.Run(context.Background())
		require.NoError(t, err)
		assert.Equal(t, StatusUnknown, status)
	})
}

func TestServiceCheck(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
		want    Status
	}{
		{
			name: "healthy body",
			handler: func(w http.ResponseWriter, r *http.Request) {
				fmt.Fprint(w, `{"status":"healthy"}`)
			},
			want: StatusHealthy,
		},
		{
			name: "wrong body",
			handler: func(w http.ResponseWriter, r *http.Request) {
				fmt.Fprint(w, `{"status":"starting"}`)
			},
			want: StatusUnhealthy,
		},
		{
			name:    "non-200",
			handler: func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusServiceUnavailable) },
			want:    StatusUnhealthy,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()

			check := ServiceCheck("config_service", srv.URL+"/api/health", srv.Client(), nil)
			status, err := check.Run(context.Background())
			require.NoError(t, err)
			assert.Equal(t, tt.want, status)
		})
	}

	t.Run("unreachable service", func(t *testing.T) {
		check := ServiceCheck("config_service", "http://"+closedPort(t)+"/api/health", http.DefaultClient, nil)
		status, err := check.Run(context.Background())
		require.NoError(t, err)
		assert.Equal(t, StatusUnhealthy, status)
	})
}
