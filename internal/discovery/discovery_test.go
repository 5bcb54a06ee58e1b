package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/camward/camward/internal/testutil"
)

// stubProbe is a prober returning a fixed candidate set, optionally with an
// error alongside it.
type stubProbe struct {
	name string
	ips  []string
	err  error
}

func (s *stubProbe) Name() string                                { return s.name }
func (s *stubProbe) Probe(context.Context) ([]string, error) { return s.ips, s.err }

// deviceServer fakes a fleet device: device info behind a Digest challenge
// plus a couple of capability endpoints.
func deviceServer(t *testing.T, info string) (*httptest.Server, string) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case deviceInfoPath:
			if r.Header.Get("Authorization") == "" {
				w.Header().Set("WWW-Authenticate", `Digest realm="AXIS_TEST", nonce="n1", qop="auth"`)
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			fmt.Fprint(w, info)
		case "/axis-cgi/streamprofile.cgi":
			w.WriteHeader(http.StatusOK)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)
	return srv, strings.TrimPrefix(srv.URL, "http://")
}

func TestDiscoverUnionsProbes(t *testing.T) {
	_, host := deviceServer(t, "model=M3067\nmacaddress=AA:BB:CC:DD:EE:FF")

	e := New("root", "pass", testutil.Logger())
	e.probes = []prober{
		&stubProbe{name: "a", ips: []string{host}},
		&stubProbe{name: "b", ips: []string{host}}, // duplicate unioned away
		&stubProbe{name: "c", err: errors.New("boom")},
	}

	devices, err := e.Discover(context.Background(), "")
	require.NoError(t, err, "a failing probe must not abort discovery")
	require.Len(t, devices, 1)
	assert.Equal(t, host, devices[0].IP)
	assert.Equal(t, "M3067", devices[0].Model)
	assert.True(t, devices[0].Capabilities.RTSP)
}

// TestDiscoverIdempotent runs discovery twice over an unchanged "network"
// and requires identical records.
func TestDiscoverIdempotent(t *testing.T) {
	_, host := deviceServer(t, "model=M3067\nserialnumber=S1\nhostname=cam-a")

	e := New("root", "pass", testutil.Logger())
	e.probes = []prober{&stubProbe{name: "fixed", ips: []string{host}}}

	first, err := e.Discover(context.Background(), "")
	require.NoError(t, err)
	second, err := e.Discover(context.Background(), "")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Len(t, e.Devices(), 1, "re-probing the same ip is an upsert, not an append")
}

func TestDiscoverCandidateWithoutInfoDropped(t *testing.T) {
	e := New("root", "pass", testutil.Logger())
	e.probes = []prober{&stubProbe{name: "fixed", ips: []string{"192.0.2.1:1"}}}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	devices, err := e.Discover(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, devices, "no partial device without identity info")
}

func TestDiscoverInvalidCIDR(t *testing.T) {
	e := New("root", "pass", testutil.Logger())

	_, err := e.Discover(context.Background(), "not-a-cidr")
	require.ErrorIs(t, err, ErrInvalidCIDR)
}

func TestSetEndpointURLs(t *testing.T) {
	_, host := deviceServer(t, "model=M3067")

	e := New("root", "pass", testutil.Logger())
	e.probes = []prober{&stubProbe{name: "fixed", ips: []string{host}}}

	_, err := e.Discover(context.Background(), "")
	require.NoError(t, err)

	e.SetEndpointURLs(host, "wss://cam/ws")
	devs := e.Devices()
	require.Len(t, devs, 1)
	assert.Equal(t, "wss://cam/ws", devs[0].WebSocketURL)

	// Unknown IP is a no-op.
	e.SetEndpointURLs("198.51.100.7", "ws://nope")
	assert.Len(t, e.Devices(), 1)
}

// TestCollectUDPResponders sends matching and non-matching datagrams at a
// listener and checks only the matching sender registers.
func TestCollectUDPResponders(t *testing.T) {
	listener, err := net.ListenPacket("udp4", "127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()

	sender, err := net.ListenPacket("udp4", "127.0.0.1:0")
	require.NoError(t, err)
	defer sender.Close()

	dst := listener.LocalAddr()
	_, err = sender.WriteTo([]byte("HTTP/1.1 200 OK\r\nSERVER: AXIS something\r\n\r\n"), dst)
	require.NoError(t, err)
	_, err = sender.WriteTo([]byte("HTTP/1.1 200 OK\r\nSERVER: other vendor\r\n\r\n"), dst)
	require.NoError(t, err)

	ips, err := collectUDPResponders(context.Background(), listener, 500*time.Millisecond,
		func(payload []byte) bool {
			return strings.Contains(strings.ToLower(string(payload)), vendorToken)
		}, testutil.Logger())
	require.NoError(t, err)

	require.Len(t, ips, 1)
	assert.Equal(t, "127.0.0.1", ips[0])
}

func TestSSDPSearchRequestFraming(t *testing.T) {
	// The datagram is a wire contract; lock the exact bytes.
	want := "M-SEARCH * HTTP/1.1\r\n" +
		"HOST: 239.255.255.250:1900\r\n" +
		"MAN: \"ssdp:discover\"\r\n" +
		"MX: 3\r\n" +
		"ST: urn:axis-com:service:BasicService:1\r\n\r\n"
	assert.Equal(t, want, ssdpSearchRequest)
}

func TestMatchWSDiscoveryReply(t *testing.T) {
	assert.True(t, matchWSDiscoveryReply([]byte("<Envelope>AXIS P3245</Envelope>")))
	assert.True(t, matchWSDiscoveryReply([]byte("<Types>tdn:NetworkVideoTransmitter</Types>")))
	assert.False(t, matchWSDiscoveryReply([]byte("<Envelope>unrelated</Envelope>")))
}
