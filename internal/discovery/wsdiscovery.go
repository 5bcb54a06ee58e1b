package discovery

import (
	"bytes"
	"context"
	"fmt"
	"net"

	"go.uber.org/zap"
)

const wsDiscoveryPort = 3702

// wsDiscoveryProbeEnvelope is the SOAP Probe broadcast on UDP 3702. Vendors
// answering the Axis discovery protocol match on the WS-Discovery namespace
// and the NetworkVideoTransmitter type, so the envelope is fixed verbatim.
const wsDiscoveryProbeEnvelope = `<?xml version="1.0" encoding="UTF-8"?>
<Envelope xmlns="http://www.w3.org/2003/05/soap-envelope">
    <Body>
        <Probe xmlns="http://schemas.xmlsoap.org/ws/2005/04/discovery">
            <Types>tdn:NetworkVideoTransmitter</Types>
        </Probe>
    </Body>
</Envelope>`

// wsDiscoveryProbe discovers devices via WS-Discovery/ADP UDP broadcast.
type wsDiscoveryProbe struct {
	logger *zap.Logger
}

func newWSDiscoveryProbe(logger *zap.Logger) *wsDiscoveryProbe {
	return &wsDiscoveryProbe{logger: logger}
}

func (p *wsDiscoveryProbe) Name() string { return "ws-discovery" }

// Probe broadcasts the SOAP Probe envelope and collects responder IPs for
// the probe window. A reply matches on the vendor token or the
// NetworkVideoTransmitter type string.
func (p *wsDiscoveryProbe) Probe(ctx context.Context) ([]string, error) {
	conn, err := net.ListenPacket("udp4", ":0")
	if err != nil {
		return nil, fmt.Errorf("ws-discovery: listen: %w", err)
	}
	defer conn.Close()

	dst := &net.UDPAddr{IP: net.IPv4bcast, Port: wsDiscoveryPort}
	if _, err := conn.WriteTo([]byte(wsDiscoveryProbeEnvelope), dst); err != nil {
		return nil, fmt.Errorf("ws-discovery: broadcast probe: %w", err)
	}

	return collectUDPResponders(ctx, conn, probeWindow, matchWSDiscoveryReply,
		p.logger.Named("ws-discovery"))
}

func matchWSDiscoveryReply(payload []byte) bool {
	return bytes.Contains(bytes.ToLower(payload), []byte(vendorToken)) ||
		bytes.Contains(payload, []byte("NetworkVideoTransmitter"))
}
