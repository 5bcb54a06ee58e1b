// Package orchestrator drives the full auto-configuration pass: discover
// the fleet, negotiate streaming endpoints, audit certificates, then hand
// off to continuous health monitoring.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/camward/camward/internal/certmgr"
	"github.com/camward/camward/internal/config"
	"github.com/camward/camward/internal/discovery"
	"github.com/camward/camward/internal/endpoint"
	"github.com/camward/camward/internal/health"
	"github.com/camward/camward/internal/store"
	"github.com/camward/camward/pkg/models"
)

const certExpiryWarningDays = 30

var errNoDevices = errors.New("recovery discovered no devices")

// Compile-time interface guards.
var (
	_ discoverer  = (*discovery.Engine)(nil)
	_ negotiator  = (*endpoint.Negotiator)(nil)
	_ certManager = (*certmgr.Manager)(nil)
)

type discoverer interface {
	Discover(ctx context.Context, cidr string) ([]models.Device, error)
	SetEndpointURLs(ip, websocketURL string)
	Devices() []models.Device
}

type negotiator interface {
	NegotiateEndpoints(ctx context.Context, devices []models.Device) (map[string]endpoint.Candidate, error)
	TestStreamQuality(ctx context.Context, c endpoint.Candidate) endpoint.QualityReport
	SaveConfig(path string) error
}

type certManager interface {
	ScanCertificates(ctx context.Context, devices []models.Device) map[string]*certmgr.Certificate
	CreateCABundle(includeSelfSigned bool) (string, error)
	MonitorExpiry(ctx context.Context, devices []models.Device, warningDays int) []certmgr.ExpiringCert
	SaveReport(certs map[string]*certmgr.Certificate, path string) error
}

// Orchestrator owns the configured components and the run loop.
type Orchestrator struct {
	cfg    *config.Config
	logger *zap.Logger

	discovery  discoverer
	negotiator negotiator
	certs      certManager
	monitor    *health.Monitor
	ledger     *store.Store // nil disables the scan ledger

	statusInterval time.Duration
}

// New wires the real components from the resolved configuration.
func New(cfg *config.Config, logger *zap.Logger) (*Orchestrator, error) {
	certs, err := certmgr.New(cfg.Paths.CertDir, logger)
	if err != nil {
		return nil, err
	}

	var ledger *store.Store
	if cfg.Paths.Database != "" {
		ledger, err = store.New(cfg.Paths.Database)
		if err != nil {
			return nil, err
		}
	}

	return &Orchestrator{
		cfg:            cfg,
		logger:         logger.Named("orchestrator"),
		discovery:      discovery.New(cfg.Username, cfg.Password, logger),
		negotiator:     endpoint.New(cfg.Username, cfg.Password, logger),
		certs:          certs,
		monitor:        health.NewMonitor(health.Config{Thresholds: cfg.Health.Thresholds, WebhookURL: cfg.Health.WebhookURL}, logger),
		ledger:         ledger,
		statusInterval: time.Minute,
	}, nil
}

// Close releases held resources.
func (o *Orchestrator) Close() error {
	if o.ledger != nil {
		return o.ledger.Close()
	}
	return nil
}

// Run executes the configuration phases and then blocks monitoring the
// fleet until ctx is cancelled. A network with no devices is not an error;
// monitoring continues and periodic re-discovery may still find them.
func (o *Orchestrator) Run(ctx context.Context) error {
	devices, err := o.runDiscoveryPhase(ctx)
	if err != nil {
		return err
	}

	if len(devices) == 0 {
		o.logger.Warn("no devices discovered, continuing with monitoring only")
	} else {
		o.runEndpointPhase(ctx, devices)
		o.runCertificatePhase(ctx, devices)
	}

	o.startHealthMonitoring(ctx)

	var metricsSrv *http.Server
	if o.cfg.MetricsAddr != "" {
		srv, addr, err := o.startMetricsServer()
		if err != nil {
			o.logger.Error("metrics server unavailable", zap.Error(err))
		} else {
			metricsSrv = srv
			o.logger.Info("metrics server listening", zap.String("addr", addr))
		}
	}

	statusTicker := time.NewTicker(o.statusInterval)
	defer statusTicker.Stop()

	var rediscover <-chan time.Time
	if o.cfg.Discovery.Interval > 0 {
		t := time.NewTicker(o.cfg.Discovery.Interval)
		defer t.Stop()
		rediscover = t.C
	}

	o.logger.Info("auto-configuration complete",
		zap.Int("devices", len(devices)),
		zap.String("network", o.cfg.Network),
	)

	for {
		select {
		case <-ctx.Done():
			o.monitor.Stop()
			if metricsSrv != nil {
				sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				if err := metricsSrv.Shutdown(sctx); err != nil {
					o.logger.Error("metrics server shutdown", zap.Error(err))
				}
				cancel()
			}
			if err := o.monitor.SaveReport(o.cfg.Paths.HealthReport); err != nil {
				o.logger.Error("final health report", zap.Error(err))
			}
			return nil
		case <-statusTicker.C:
			o.logStatus()
		case <-rediscover:
			if devices, err := o.runDiscoveryPhase(ctx); err == nil && len(devices) > 0 {
				o.runEndpointPhase(ctx, devices)
				o.runCertificatePhase(ctx, devices)
			}
		}
	}
}

// runDiscoveryPhase discovers the fleet, persists the snapshot and records
// the pass in the scan ledger.
func (o *Orchestrator) runDiscoveryPhase(ctx context.Context) ([]models.Device, error) {
	o.logger.Info("phase: device discovery", zap.String("network", o.cfg.Network))

	var scanID string
	if o.ledger != nil {
		id, err := o.ledger.BeginScan(ctx, o.cfg.Network)
		if err != nil {
			o.logger.Warn("scan ledger unavailable", zap.Error(err))
		} else {
			scanID = id
		}
	}

	devices, err := o.discovery.Discover(ctx, o.cfg.Network)
	if err != nil {
		if scanID != "" {
			if ferr := o.ledger.FailScan(ctx, scanID); ferr != nil {
				o.logger.Warn("mark scan failed", zap.Error(ferr))
			}
		}
		return nil, err
	}

	for _, dev := range devices {
		o.logger.Info("discovered device",
			zap.String("name", dev.Name),
			zap.String("ip", dev.IP),
			zap.String("model", dev.Model),
			zap.String("serial", dev.Serial),
			zap.String("rtsp_url", dev.RTSPURL),
		)
	}

	// A failed snapshot write loses persistence, not the discovery result;
	// later phases still get the in-memory device set.
	if err := discovery.SaveSnapshot(o.cfg.Paths.CameraSnapshot, devices); err != nil {
		o.logger.Error("save camera snapshot", zap.Error(err))
	}
	if scanID != "" {
		if err := o.ledger.CompleteScan(ctx, scanID, devices); err != nil {
			o.logger.Warn("record scan", zap.Error(err))
		}
	}
	return devices, nil
}

// runEndpointPhase negotiates WebSocket endpoints, samples stream quality
// on each winner and re-saves the snapshot with the selected URLs.
func (o *Orchestrator) runEndpointPhase(ctx context.Context, devices []models.Device) {
	o.logger.Info("phase: websocket negotiation", zap.Int("devices", len(devices)))

	winners, err := o.negotiator.NegotiateEndpoints(ctx, devices)
	if err != nil {
		o.logger.Error("endpoint negotiation aborted", zap.Error(err))
		return
	}

	for ip, winner := range winners {
		o.discovery.SetEndpointURLs(ip, winner.URL)

		quality := o.negotiator.TestStreamQuality(ctx, winner)
		o.logger.Info("endpoint configured",
			zap.String("ip", ip),
			zap.String("url", winner.URL),
			zap.Float64("latency_ms", winner.Latency),
			zap.Float64("fps", quality.FPS),
			zap.Float64("bitrate_kbps", quality.Bitrate),
		)
	}

	if err := o.negotiator.SaveConfig(o.cfg.Paths.WebSocketConfig); err != nil {
		o.logger.Error("save websocket config", zap.Error(err))
	}
	if err := discovery.SaveSnapshot(o.cfg.Paths.CameraSnapshot, o.discovery.Devices()); err != nil {
		o.logger.Error("refresh camera snapshot", zap.Error(err))
	}
}

// runCertificatePhase scans device certificates, refreshes the CA bundle
// and writes the certificate report.
func (o *Orchestrator) runCertificatePhase(ctx context.Context, devices []models.Device) {
	o.logger.Info("phase: certificate audit", zap.Int("devices", len(devices)))

	certs := o.certs.ScanCertificates(ctx, devices)
	for host, cert := range certs {
		o.logger.Info("certificate scanned",
			zap.String("host", host),
			zap.String("subject", cert.Subject),
			zap.Bool("valid", cert.IsValid),
			zap.Bool("self_signed", cert.IsSelfSigned),
			zap.Time("expires", cert.NotAfter),
		)
	}

	if _, err := o.certs.CreateCABundle(true); err != nil {
		o.logger.Error("create ca bundle", zap.Error(err))
	}
	if expiring := o.certs.MonitorExpiry(ctx, devices, certExpiryWarningDays); len(expiring) > 0 {
		o.logger.Warn("certificates expiring soon", zap.Int("count", len(expiring)))
	}
	if err := o.certs.SaveReport(certs, o.cfg.Paths.CertReport); err != nil {
		o.logger.Error("save certificate report", zap.Error(err))
	}
}

// startHealthMonitoring registers the built-in checks and launches the
// monitor in the background.
func (o *Orchestrator) startHealthMonitoring(ctx context.Context) {
	o.logger.Info("phase: health monitoring")

	client := &http.Client{Timeout: 5 * time.Second}

	o.monitor.Register(health.SystemResourcesCheck(
		o.cfg.Health.Thresholds, health.CollectMetrics, o.logger))
	o.monitor.Register(health.CameraConnectivityCheck(
		o.cfg.Paths.CameraSnapshot, client, o.recoverConnectivity))
	o.monitor.Register(health.WebSocketEndpointCheck(
		o.cfg.Paths.WebSocketConfig, o.recoverEndpoints))
	o.monitor.Register(health.CertificateCheck(o.cfg.Paths.CertReport))
	o.monitor.Register(health.NetworkInterfaceCheck())
	if o.cfg.Health.PingTarget != "" {
		o.monitor.Register(health.PingCheck(o.cfg.Health.PingTarget))
	}
	if svc := o.cfg.Health.Service; svc.Name != "" && svc.HealthURL != "" {
		var recoverFn health.RecoverFunc
		if svc.Pattern != "" && len(svc.Command) > 0 {
			recoverFn = health.RestartService(o.logger, svc.Pattern, svc.Command, svc.HealthURL, client)
		}
		o.monitor.Register(health.ServiceCheck(svc.Name, svc.HealthURL, client, recoverFn))
	}

	o.monitor.Start(ctx)
}

// startMetricsServer serves the prometheus registry on /metrics at the
// configured listen address.
func (o *Orchestrator) startMetricsServer() (*http.Server, string, error) {
	ln, err := net.Listen("tcp", o.cfg.MetricsAddr)
	if err != nil {
		return nil, "", fmt.Errorf("metrics listener %s: %w", o.cfg.MetricsAddr, err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Handler: mux}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			o.logger.Error("metrics server", zap.Error(err))
		}
	}()
	return srv, ln.Addr().String(), nil
}

// recoverConnectivity re-runs discovery when the fleet stops answering.
func (o *Orchestrator) recoverConnectivity(ctx context.Context) error {
	o.logger.Info("recovery: re-running device discovery")
	devices, err := o.runDiscoveryPhase(ctx)
	if err != nil {
		return err
	}
	if len(devices) == 0 {
		return errNoDevices
	}
	return nil
}

// recoverEndpoints renegotiates WebSocket endpoints from the last
// snapshot.
func (o *Orchestrator) recoverEndpoints(ctx context.Context) error {
	o.logger.Info("recovery: renegotiating websocket endpoints")
	snap, err := discovery.LoadSnapshot(o.cfg.Paths.CameraSnapshot)
	if err != nil {
		return err
	}
	o.runEndpointPhase(ctx, snap.Cameras)
	return nil
}

func (o *Orchestrator) logStatus() {
	snap := o.monitor.Snapshot()
	o.logger.Info("system status",
		zap.String("overall", string(snap.OverallStatus)),
		zap.Int("alerts_pending", snap.AlertsPending),
		zap.Strings("recovering", snap.RecoveryInProgress),
	)
	for name, check := range snap.Checks {
		o.logger.Info("check status",
			zap.String("check", name),
			zap.String("status", string(check.Status)),
			zap.Int("consecutive_failures", check.ConsecutiveFailures),
		)
	}
	if snap.Metrics != nil {
		o.logger.Info("system metrics",
			zap.Float64("cpu_percent", snap.Metrics.CPUPercent),
			zap.Float64("memory_percent", snap.Metrics.MemoryPercent),
			zap.Float64("disk_percent", snap.Metrics.DiskPercent),
		)
	}
}
