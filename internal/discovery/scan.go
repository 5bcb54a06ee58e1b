package discovery

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

const (
	connectTimeout = 500 * time.Millisecond

	// scanLimit caps in-flight sockets during a subnet sweep.
	scanLimit = 50
)

// scanPorts are the services a fleet device is expected to expose.
var scanPorts = []int{80, 443, 554}

// subnetScanner brute-forces a CIDR range: a quick TCP connect on the usual
// device ports followed by one unauthenticated HTTP fingerprint request.
type subnetScanner struct {
	network *net.IPNet
	cidr    string
	client  *http.Client
	limiter *rate.Limiter
	logger  *zap.Logger
}

// newSubnetScanner validates the CIDR up front; a bad range is the one fatal
// discovery error.
func newSubnetScanner(cidr string, client *http.Client, logger *zap.Logger) (*subnetScanner, error) {
	_, network, err := net.ParseCIDR(cidr)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrInvalidCIDR, cidr, err)
	}
	return &subnetScanner{
		network: network,
		cidr:    cidr,
		// Smooths connect bursts so a large range does not slam the switch
		// fabric all at once.
		limiter: rate.NewLimiter(rate.Limit(200), scanLimit),
		client:  client,
		logger:  logger.Named("scan"),
	}, nil
}

func (s *subnetScanner) Name() string { return "subnet-scan" }

// Probe sweeps every host address in the range with bounded concurrency and
// returns the addresses that look like fleet devices.
func (s *subnetScanner) Probe(ctx context.Context) ([]string, error) {
	hosts := hostAddrs(s.network)
	s.logger.Info("subnet scan starting",
		zap.String("cidr", s.cidr),
		zap.Int("hosts", len(hosts)),
	)

	var (
		mu    sync.Mutex
		found []string
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(scanLimit)
	for _, ip := range hosts {
		ip := ip
		g.Go(func() error {
			if err := s.limiter.Wait(gctx); err != nil {
				return nil //nolint:nilerr // cancellation just ends the sweep
			}
			if s.checkHost(gctx, ip) {
				mu.Lock()
				found = append(found, ip)
				mu.Unlock()
				s.logger.Info("scan found device", zap.String("ip", ip))
			}
			return nil
		})
	}
	_ = g.Wait()

	return found, nil
}

// checkHost reports whether ip has a device port open and answers the
// fingerprint request like a fleet device.
func (s *subnetScanner) checkHost(ctx context.Context, ip string) bool {
	for _, port := range scanPorts {
		conn, err := net.DialTimeout("tcp", net.JoinHostPort(ip, fmt.Sprintf("%d", port)), connectTimeout)
		if err != nil {
			continue
		}
		conn.Close()

		if s.verifyDevice(ctx, ip, port) {
			return true
		}
	}
	return false
}

// verifyDevice issues one unauthenticated GET against the device-info
// endpoint. A 200 or 401, or a body carrying the vendor token, marks the
// host as a candidate.
func (s *subnetScanner) verifyDevice(ctx context.Context, ip string, port int) bool {
	scheme := "http"
	if port == 443 {
		scheme = "https"
	}
	url := fmt.Sprintf("%s://%s%s", scheme, net.JoinHostPort(ip, fmt.Sprintf("%d", port)), deviceInfoPath)

	vctx, cancel := context.WithTimeout(ctx, capabilityTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(vctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusUnauthorized {
		return true
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return strings.Contains(strings.ToLower(string(body)), vendorToken)
}

// hostAddrs expands an IPv4 network into its host addresses, excluding the
// network and broadcast addresses for ranges wider than /31.
func hostAddrs(network *net.IPNet) []string {
	ip := network.IP.To4()
	if ip == nil {
		return nil
	}

	ones, bits := network.Mask.Size()
	total := 1 << (bits - ones)

	var hosts []string
	for i := 0; i < total; i++ {
		// Skip network (first) and broadcast (last) for conventional ranges.
		if total > 2 && (i == 0 || i == total-1) {
			continue
		}
		addr := make(net.IP, len(ip))
		copy(addr, ip)
		for j, v := len(addr)-1, i; j >= 0 && v > 0; j-- {
			addr[j] += byte(v & 0xff)
			v >>= 8
		}
		hosts = append(hosts, addr.String())
	}
	return hosts
}
