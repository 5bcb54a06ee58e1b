package discovery

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"net/url"
	"time"

	"go.uber.org/zap"
)

// rtspPaths are tried in order; the first URL answering an OPTIONS request
// with 200 wins.
var rtspPaths = []string{
	"/axis-media/media.amp",
	"/mpeg4/media.amp",
	"/h264/media.amp",
	"/stream1",
	"/live/stream1",
	"/MediaInput/stream_1",
}

const (
	rtspDefaultPort = 554
	rtspTimeout     = 2 * time.Second

	// rtspOptionsRequest is the probe sent per candidate URL. CSeq and the
	// CRLF framing are part of the wire contract.
	rtspOptionsRequest = "OPTIONS %s RTSP/1.0\r\nCSeq: 1\r\n\r\n"
)

var rtspOKPrefix = []byte("RTSP/1.0 200")

// discoverRTSPURL walks the known stream paths and returns the first
// credentialed RTSP URL the device accepts.
func (e *Engine) discoverRTSPURL(ctx context.Context, ip string) (string, bool) {
	for _, path := range rtspPaths {
		candidate := fmt.Sprintf("rtsp://%s:%s@%s%s", e.username, e.password, ip, path)
		if e.testRTSPURL(ctx, candidate) {
			e.logger.Debug("rtsp url found", zap.String("ip", ip), zap.String("path", path))
			return candidate, true
		}
	}
	return "", false
}

// testRTSPURL sends a raw OPTIONS request over TCP and accepts the URL when
// the device answers RTSP/1.0 200.
func (e *Engine) testRTSPURL(ctx context.Context, rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	port := u.Port()
	if port == "" {
		port = fmt.Sprintf("%d", rtspDefaultPort)
	}

	d := net.Dialer{Timeout: rtspTimeout}
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(u.Hostname(), port))
	if err != nil {
		return false
	}
	defer conn.Close()

	_ = conn.SetDeadline(time.Now().Add(rtspTimeout))
	if _, err := fmt.Fprintf(conn, rtspOptionsRequest, rawURL); err != nil {
		return false
	}

	buf := make([]byte, 1024)
	n, err := conn.Read(buf)
	if err != nil {
		return false
	}
	return bytes.Contains(buf[:n], rtspOKPrefix)
}
