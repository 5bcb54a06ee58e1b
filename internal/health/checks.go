package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os/exec"
	"runtime"
	"strings"
	"time"

	probing "github.com/prometheus-community/pro-bing"
	"github.com/shirou/gopsutil/v3/net"
	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"

	"github.com/camward/camward/internal/certmgr"
	"github.com/camward/camward/internal/discovery"
	"github.com/camward/camward/internal/endpoint"
)

const (
	deviceProbeTimeout = 5 * time.Second
	deviceInfoPath     = "/axis-cgi/basicdeviceinfo.cgi"
)

// SystemResourcesCheck degrades when host usage crosses the thresholds and
// goes critical past 95% cpu or memory.
func SystemResourcesCheck(t Thresholds, sample SampleFunc, logger *zap.Logger) Check {
	return Check{
		Name:     "system_resources",
		Interval: 30 * time.Second,
		Run: func(ctx context.Context) (Status, error) {
			s, err := sample(ctx)
			if err != nil {
				return StatusUnknown, err
			}
			if s.CPUPercent > 95 || s.MemoryPercent > 95 {
				return StatusCritical, nil
			}
			if s.CPUPercent > t.CPUPercent ||
				s.MemoryPercent > t.MemoryPercent ||
				s.DiskPercent > t.DiskPercent {
				return StatusDegraded, nil
			}
			return StatusHealthy, nil
		},
		Recover: RecoverSystemResources(logger),
	}
}

// RecoverSystemResources frees what it safely can: flushes dirty pages,
// reaps zombie processes and forces a garbage collection cycle.
func RecoverSystemResources(logger *zap.Logger) RecoverFunc {
	return func(ctx context.Context) error {
		logger.Info("attempting to free system resources")

		if runtime.GOOS != "windows" {
			if err := exec.CommandContext(ctx, "sync").Run(); err != nil {
				logger.Warn("sync failed", zap.Error(err))
			}
		}

		procs, err := process.ProcessesWithContext(ctx)
		if err == nil {
			for _, p := range procs {
				statuses, err := p.StatusWithContext(ctx)
				if err != nil {
					continue
				}
				for _, s := range statuses {
					if s == process.Zombie {
						p.KillWithContext(ctx) //nolint:errcheck
					}
				}
			}
		}

		runtime.GC()
		return nil
	}
}

// CameraConnectivityCheck probes every device from the discovery snapshot
// and grades the fleet by its failure ratio: none failed is healthy, under
// 10% degraded, under 50% unhealthy, anything worse critical.
func CameraConnectivityCheck(snapshotPath string, client *http.Client, recoverFn RecoverFunc) Check {
	return Check{
		Name:     "camera_connectivity",
		Interval: 60 * time.Second,
		Timeout:  2 * time.Minute,
		Run: func(ctx context.Context) (Status, error) {
			snap, err := discovery.LoadSnapshot(snapshotPath)
			if err != nil || len(snap.Cameras) == 0 {
				return StatusUnknown, nil
			}

			failed := 0
			for _, cam := range snap.Cameras {
				if !deviceReachable(ctx, client, cam.IP) {
					failed++
				}
			}

			ratio := float64(failed) / float64(len(snap.Cameras))
			switch {
			case ratio == 0:
				return StatusHealthy, nil
			case ratio < 0.1:
				return StatusDegraded, nil
			case ratio < 0.5:
				return StatusUnhealthy, nil
			default:
				return StatusCritical, nil
			}
		},
		Recover: recoverFn,
	}
}

func deviceReachable(ctx context.Context, client *http.Client, ip string) bool {
	rctx, cancel := context.WithTimeout(ctx, deviceProbeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(rctx, http.MethodGet,
		fmt.Sprintf("http://%s%s", ip, deviceInfoPath), nil)
	if err != nil {
		return false
	}
	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusUnauthorized
}

// WebSocketEndpointCheck grades the negotiated endpoint set by its
// validated ratio.
func WebSocketEndpointCheck(configPath string, recoverFn RecoverFunc) Check {
	return Check{
		Name:     "websocket_health",
		Interval: 30 * time.Second,
		Run: func(ctx context.Context) (Status, error) {
			cfg, err := endpoint.LoadConfig(configPath)
			if err != nil || len(cfg.Endpoints) == 0 {
				return StatusUnknown, nil
			}

			valid := 0
			for _, ep := range cfg.Endpoints {
				if ep.Validated {
					valid++
				}
			}
			switch {
			case valid == len(cfg.Endpoints):
				return StatusHealthy, nil
			case float64(valid) > float64(len(cfg.Endpoints))*0.5:
				return StatusDegraded, nil
			default:
				return StatusUnhealthy, nil
			}
		},
		Recover: recoverFn,
	}
}

// CertificateCheck reads the last certificate report. Anything expiring
// within the warning window degrades the check regardless of validity.
func CertificateCheck(reportPath string) Check {
	return Check{
		Name:     "certificate_validity",
		Interval: time.Hour,
		Run: func(ctx context.Context) (Status, error) {
			report, err := certmgr.LoadReport(reportPath)
			if err != nil {
				return StatusUnknown, nil
			}

			if report.Summary.ExpiringSoon > 0 {
				return StatusDegraded, nil
			}
			if report.Summary.TotalCertificates == 0 {
				return StatusUnknown, nil
			}

			ratio := float64(report.Summary.Valid) / float64(report.Summary.TotalCertificates)
			switch {
			case ratio >= 0.9:
				return StatusHealthy, nil
			case ratio >= 0.7:
				return StatusDegraded, nil
			default:
				return StatusUnhealthy, nil
			}
		},
	}
}

// NetworkInterfaceCheck degrades when any interface is down and goes
// unhealthy past a 5% packet error rate.
func NetworkInterfaceCheck() Check {
	return Check{
		Name:     "network_health",
		Interval: 60 * time.Second,
		Run: func(ctx context.Context) (Status, error) {
			ifaces, err := net.InterfacesWithContext(ctx)
			if err != nil {
				return StatusUnknown, nil
			}
			for _, iface := range ifaces {
				up := false
				for _, flag := range iface.Flags {
					if flag == "up" {
						up = true
						break
					}
				}
				if !up {
					return StatusDegraded, nil
				}
			}

			counters, err := net.IOCountersWithContext(ctx, false)
			if err != nil || len(counters) == 0 {
				return StatusHealthy, nil
			}
			total := counters[0].PacketsSent + counters[0].PacketsRecv
			if total == 0 {
				return StatusHealthy, nil
			}
			errRate := float64(counters[0].Errin+counters[0].Errout) / float64(total)
			switch {
			case errRate > 0.05:
				return StatusUnhealthy, nil
			case errRate > 0.01:
				return StatusDegraded, nil
			default:
				return StatusHealthy, nil
			}
		},
	}
}

// PingCheck grades ICMP reachability of one target: full delivery is
// healthy, partial loss degraded, total loss unhealthy.
func PingCheck(target string) Check {
	return Check{
		Name:     "ping_" + target,
		Interval: 60 * time.Second,
		Run: func(ctx context.Context) (Status, error) {
			pinger, err := probing.NewPinger(target)
			if err != nil {
				return StatusUnknown, fmt.Errorf("create pinger: %w", err)
			}
			pinger.Count = 3
			pinger.Timeout = 5 * time.Second
			pinger.SetPrivileged(runtime.GOOS == "windows")

			done := make(chan error, 1)
			go func() { done <- pinger.Run() }()

			select {
			case err := <-done:
				if err != nil {
					return StatusUnhealthy, nil
				}
				stats := pinger.Statistics()
				switch {
				case stats.PacketsRecv == 0:
					return StatusUnhealthy, nil
				case stats.PacketLoss > 0:
					return StatusDegraded, nil
				default:
					return StatusHealthy, nil
				}
			case <-ctx.Done():
				pinger.Stop()
				return StatusUnknown, ctx.Err()
			}
		},
	}
}

// ServiceCheck probes an HTTP health endpoint that answers
// {"status":"healthy"}. The optional restart recovery is wired by the
// caller via RestartService.
func ServiceCheck(name, healthURL string, client *http.Client, recoverFn RecoverFunc) Check {
	return Check{
		Name:     name,
		Interval: 30 * time.Second,
		Run: func(ctx context.Context) (Status, error) {
			return serviceStatus(ctx, client, healthURL), nil
		},
		Recover: recoverFn,
	}
}

func serviceStatus(ctx context.Context, client *http.Client, healthURL string) Status {
	rctx, cancel := context.WithTimeout(ctx, deviceProbeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(rctx, http.MethodGet, healthURL, nil)
	if err != nil {
		return StatusUnhealthy
	}
	resp, err := client.Do(req)
	if err != nil {
		return StatusUnhealthy
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return StatusUnhealthy
	}
	var body struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil || body.Status != "healthy" {
		return StatusUnhealthy
	}
	return StatusHealthy
}

// RestartService terminates any process whose command line contains
// pattern, relaunches it with command, and verifies the health endpoint
// comes back.
func RestartService(logger *zap.Logger, pattern string, command []string, healthURL string, client *http.Client) RecoverFunc {
	return func(ctx context.Context) error {
		logger.Info("restarting service", zap.String("pattern", pattern))

		procs, err := process.ProcessesWithContext(ctx)
		if err == nil {
			for _, p := range procs {
				cmdline, err := p.CmdlineWithContext(ctx)
				if err != nil || !strings.Contains(cmdline, pattern) {
					continue
				}
				if err := p.TerminateWithContext(ctx); err != nil {
					logger.Warn("terminate failed",
						zap.Int32("pid", p.Pid), zap.Error(err))
				}
			}
		}
		select {
		case <-time.After(2 * time.Second):
		case <-ctx.Done():
			return ctx.Err()
		}

		if len(command) == 0 {
			return fmt.Errorf("no restart command for %s", pattern)
		}
		cmd := exec.Command(command[0], command[1:]...)
		if err := cmd.Start(); err != nil {
			return fmt.Errorf("start %s: %w", command[0], err)
		}
		if err := cmd.Process.Release(); err != nil {
			return fmt.Errorf("release %s: %w", command[0], err)
		}

		select {
		case <-time.After(5 * time.Second):
		case <-ctx.Done():
			return ctx.Err()
		}

		if status := serviceStatus(ctx, client, healthURL); status != StatusHealthy {
			return fmt.Errorf("service %s did not come back healthy", pattern)
		}
		return nil
	}
}
