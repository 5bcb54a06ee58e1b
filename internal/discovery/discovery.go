// Package discovery locates network video devices on the local network.
//
// Several independent probes run concurrently (SSDP multicast, WS-Discovery
// broadcast, mDNS, and an optional subnet scan); their candidate IPs are
// unioned and each candidate is then interrogated over VAPIX HTTP for
// identity, capabilities, and a working RTSP URL. A probe that fails only
// loses its own contribution, it never aborts the discovery run.
package discovery

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/camward/camward/internal/digest"
	"github.com/camward/camward/pkg/models"
)

// ErrInvalidCIDR is the only fatal discovery error: the caller handed us a
// network range we cannot parse.
var ErrInvalidCIDR = errors.New("discovery: invalid network CIDR")

const (
	// probeWindow is how long each discovery probe listens for replies.
	probeWindow = 3 * time.Second

	// deviceProbeLimit caps concurrent per-IP interrogations so a /16 union
	// cannot exhaust file descriptors.
	deviceProbeLimit = 50

	deviceInfoTimeout = 5 * time.Second
	capabilityTimeout = 2 * time.Second
)

// prober contributes a set of candidate device IPs. Implementations must
// honor ctx and return whatever they found alongside any error; the engine
// logs failures and keeps the partial result.
type prober interface {
	Name() string
	Probe(ctx context.Context) ([]string, error)
}

// Engine discovers devices and owns the in-memory registry of everything
// found so far, keyed by IP.
type Engine struct {
	auth     *digest.Client
	username string
	password string
	client   *http.Client
	logger   *zap.Logger

	// probes are the fixed-cardinality LAN probes. The subnet scanner is
	// constructed per Discover call because it depends on the CIDR argument.
	probes []prober

	mu      sync.Mutex
	devices map[string]*models.Device
}

// New constructs an Engine authenticating with the given device credentials.
func New(username, password string, logger *zap.Logger) *Engine {
	e := &Engine{
		auth:     digest.NewClient(username, password),
		username: username,
		password: password,
		client: &http.Client{
			Timeout: deviceInfoTimeout,
			Transport: &http.Transport{
				// Fleet devices ship self-signed certificates; trust is
				// inspected separately by the certificate manager.
				TLSClientConfig: &tls.Config{InsecureSkipVerify: true}, //nolint:gosec
				DialContext: (&net.Dialer{
					Timeout: 2 * time.Second,
				}).DialContext,
				MaxIdleConnsPerHost: 4,
			},
		},
		logger:  logger,
		devices: make(map[string]*models.Device),
	}
	e.probes = []prober{
		newSSDPProbe(logger),
		newWSDiscoveryProbe(logger),
		newMDNSProbe(logger),
	}
	return e
}

// Discover runs all probes, unions their candidates, and interrogates each
// candidate for device details. networkCIDR may be empty to skip the subnet
// scan. The returned slice is sorted by IP so repeated runs over an
// unchanged network yield identical output.
func (e *Engine) Discover(ctx context.Context, networkCIDR string) ([]models.Device, error) {
	probes := e.probes
	if networkCIDR != "" {
		scanner, err := newSubnetScanner(networkCIDR, e.client, e.logger)
		if err != nil {
			return nil, err
		}
		probes = append(append([]prober{}, probes...), scanner)
	}

	candidates := e.runProbes(ctx, probes)
	e.logger.Info("discovery probes complete", zap.Int("candidates", len(candidates)))

	devices := e.probeCandidates(ctx, candidates)

	sort.Slice(devices, func(i, j int) bool { return devices[i].IP < devices[j].IP })
	return devices, nil
}

// Devices returns a snapshot of every device discovered so far, sorted by IP.
func (e *Engine) Devices() []models.Device {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]models.Device, 0, len(e.devices))
	for _, d := range e.devices {
		out = append(out, *d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IP < out[j].IP })
	return out
}

// SetEndpointURLs records the negotiated stream endpoints on the registry
// entry for ip, if one exists.
func (e *Engine) SetEndpointURLs(ip, websocketURL string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if d, ok := e.devices[ip]; ok {
		d.WebSocketURL = websocketURL
	}
}

// runProbes executes every prober concurrently and unions the candidate IPs.
func (e *Engine) runProbes(ctx context.Context, probes []prober) []string {
	type result struct {
		name string
		ips  []string
		err  error
	}

	results := make(chan result, len(probes))
	for _, p := range probes {
		go func(p prober) {
			ips, err := p.Probe(ctx)
			results <- result{name: p.Name(), ips: ips, err: err}
		}(p)
	}

	seen := make(map[string]struct{})
	for range probes {
		r := <-results
		if r.err != nil {
			e.logger.Warn("discovery probe failed",
				zap.String("probe", r.name),
				zap.Error(r.err),
			)
		}
		for _, ip := range r.ips {
			seen[ip] = struct{}{}
		}
		e.logger.Debug("discovery probe finished",
			zap.String("probe", r.name),
			zap.Int("candidates", len(r.ips)),
		)
	}

	ips := make([]string, 0, len(seen))
	for ip := range seen {
		ips = append(ips, ip)
	}
	sort.Strings(ips)
	return ips
}

// probeCandidates interrogates each candidate IP with bounded concurrency
// and upserts successful results into the registry. Candidates that yield no
// device info are dropped.
func (e *Engine) probeCandidates(ctx context.Context, ips []string) []models.Device {
	var (
		mu      sync.Mutex
		devices []models.Device
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(deviceProbeLimit)
	for _, ip := range ips {
		ip := ip
		g.Go(func() error {
			dev := e.probeDevice(gctx, ip)
			if dev == nil {
				return nil
			}
			mu.Lock()
			devices = append(devices, *dev)
			mu.Unlock()
			return nil
		})
	}
	// Workers never return errors; per-IP failures just drop the candidate.
	_ = g.Wait()

	return devices
}

// probeDevice fetches identity, capabilities, and an RTSP URL for one IP.
// Returns nil when the device never produced identity information.
func (e *Engine) probeDevice(ctx context.Context, ip string) *models.Device {
	dev, err := e.GetDeviceInfo(ctx, ip)
	if err != nil {
		e.logger.Debug("device info probe failed", zap.String("ip", ip), zap.Error(err))
		return nil
	}

	dev.Capabilities = e.GetCapabilities(ctx, ip)

	if rtspURL, ok := e.discoverRTSPURL(ctx, ip); ok {
		dev.RTSPURL = rtspURL
	}

	e.mu.Lock()
	e.devices[ip] = dev
	e.mu.Unlock()

	e.logger.Info("device discovered",
		zap.String("ip", ip),
		zap.String("model", dev.Model),
		zap.String("name", dev.Name),
	)
	return dev
}

func hostURL(scheme, ip, path string) string {
	return fmt.Sprintf("%s://%s%s", scheme, ip, path)
}
