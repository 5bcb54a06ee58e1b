package discovery

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/ipv4"
)

const (
	ssdpMulticastAddr = "239.255.255.250:1900"

	// ssdpSearchRequest is the exact M-SEARCH datagram devices answer to.
	// The framing is part of the wire contract and must not be reformatted.
	ssdpSearchRequest = "M-SEARCH * HTTP/1.1\r\n" +
		"HOST: 239.255.255.250:1900\r\n" +
		"MAN: \"ssdp:discover\"\r\n" +
		"MX: 3\r\n" +
		"ST: urn:axis-com:service:BasicService:1\r\n" +
		"\r\n"

	// vendorToken marks a reply as coming from a fleet device.
	vendorToken = "axis"
)

// ssdpProbe discovers devices over SSDP/UPnP multicast.
type ssdpProbe struct {
	logger *zap.Logger
}

func newSSDPProbe(logger *zap.Logger) *ssdpProbe {
	return &ssdpProbe{logger: logger}
}

func (p *ssdpProbe) Name() string { return "ssdp" }

// Probe multicasts an M-SEARCH and collects responder IPs for the probe
// window. Replies that do not carry the vendor token are ignored.
func (p *ssdpProbe) Probe(ctx context.Context) ([]string, error) {
	conn, err := net.ListenPacket("udp4", ":0")
	if err != nil {
		return nil, fmt.Errorf("ssdp: listen: %w", err)
	}
	defer conn.Close()

	// Keep the search on the local segment.
	pc := ipv4.NewPacketConn(conn)
	_ = pc.SetMulticastTTL(2)

	dst, err := net.ResolveUDPAddr("udp4", ssdpMulticastAddr)
	if err != nil {
		return nil, fmt.Errorf("ssdp: resolve multicast addr: %w", err)
	}

	if _, err := conn.WriteTo([]byte(ssdpSearchRequest), dst); err != nil {
		return nil, fmt.Errorf("ssdp: send M-SEARCH: %w", err)
	}

	return collectUDPResponders(ctx, conn, probeWindow, func(payload []byte) bool {
		return bytes.Contains(bytes.ToLower(payload), []byte(vendorToken))
	}, p.logger.Named("ssdp"))
}

// collectUDPResponders reads datagrams from conn until the window closes or
// ctx is cancelled, returning the distinct source IPs whose payload passes
// the match function. Shared by the SSDP and WS-Discovery probes.
func collectUDPResponders(ctx context.Context, conn net.PacketConn, window time.Duration,
	match func([]byte) bool, logger *zap.Logger) ([]string, error) {

	deadline := time.Now().Add(window)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	if err := conn.SetReadDeadline(deadline); err != nil {
		return nil, err
	}

	seen := make(map[string]struct{})
	buf := make([]byte, 65535)
	for {
		if ctx.Err() != nil {
			break
		}
		n, addr, err := conn.ReadFrom(buf)
		if err != nil {
			// Deadline expiry ends the listen window; anything else was
			// still a best-effort probe.
			if ne, ok := err.(net.Error); !ok || !ne.Timeout() {
				logger.Debug("read failed", zap.Error(err))
			}
			break
		}
		if !match(buf[:n]) {
			continue
		}

		ip := addrIP(addr)
		if ip == "" {
			continue
		}
		if _, dup := seen[ip]; !dup {
			seen[ip] = struct{}{}
			logger.Info("device responded", zap.String("ip", ip))
		}
	}

	ips := make([]string, 0, len(seen))
	for ip := range seen {
		ips = append(ips, ip)
	}
	return ips, nil
}

func addrIP(addr net.Addr) string {
	if udp, ok := addr.(*net.UDPAddr); ok {
		return udp.IP.String()
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return ""
	}
	return host
}
