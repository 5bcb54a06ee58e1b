package discovery

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/camward/camward/internal/testutil"
)

func TestParseDeviceInfo(t *testing.T) {
	tests := []struct {
		name string
		body string
		ip   string
		want func(t *testing.T, got map[string]string)
	}{
		{
			name: "typical response",
			body: "macaddress=AA:BB:CC:DD:EE:FF\nmodel=M3067\nserialnumber=ACCC8E000001\nversion=10.12.1\nhostname=lobby-cam",
			ip:   "192.168.1.50",
			want: func(t *testing.T, got map[string]string) {
				assert.Equal(t, "AA:BB:CC:DD:EE:FF", got["mac"])
				assert.Equal(t, "M3067", got["model"])
				assert.Equal(t, "ACCC8E000001", got["serial"])
				assert.Equal(t, "10.12.1", got["firmware"])
				assert.Equal(t, "lobby-cam", got["name"])
			},
		},
		{
			name: "partial response keeps placeholders",
			body: "macaddress=AA:BB:CC:DD:EE:FF\nmodel=M3067",
			ip:   "192.168.1.50",
			want: func(t *testing.T, got map[string]string) {
				assert.Equal(t, "AA:BB:CC:DD:EE:FF", got["mac"])
				assert.Equal(t, "M3067", got["model"])
				assert.Equal(t, "unknown", got["serial"])
				assert.Equal(t, "unknown", got["firmware"])
				assert.Equal(t, "axis-192.168.1.50", got["name"])
			},
		},
		{
			name: "garbage lines ignored",
			body: "no equals here\n=empty key\nmodel=P3245\n",
			ip:   "10.0.0.9",
			want: func(t *testing.T, got map[string]string) {
				assert.Equal(t, "P3245", got["model"])
				assert.Equal(t, "unknown", got["mac"])
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dev := parseDeviceInfo(tt.body, tt.ip)
			require.NotNil(t, dev)
			assert.Equal(t, tt.ip, dev.IP)
			tt.want(t, map[string]string{
				"mac":      dev.MAC,
				"model":    dev.Model,
				"serial":   dev.Serial,
				"firmware": dev.Firmware,
				"name":     dev.Name,
			})
		})
	}
}

// TestGetDeviceInfoDigestRetry exercises the full challenge round-trip: the
// device answers 401 with a Digest challenge, and the retry must carry a
// well-formed Authorization header.
func TestGetDeviceInfoDigestRetry(t *testing.T) {
	const body = "macaddress=AA:BB:CC:DD:EE:FF\nmodel=M3067\nhostname=dock-cam"

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, deviceInfoPath, r.URL.Path)

		auth := r.Header.Get("Authorization")
		if auth == "" {
			w.Header().Set("WWW-Authenticate", `Digest realm="AXIS_TEST", nonce="abc123", qop="auth"`)
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		assert.True(t, strings.HasPrefix(auth, "Digest "))
		assert.Contains(t, auth, `username="root"`)
		assert.Contains(t, auth, `realm="AXIS_TEST"`)
		assert.Contains(t, auth, `uri="`+deviceInfoPath+`"`)
		assert.Contains(t, auth, "response=")
		fmt.Fprint(w, body)
	}))
	defer srv.Close()

	e := New("root", "pass", testutil.Logger())
	host := strings.TrimPrefix(srv.URL, "http://")

	dev, err := e.GetDeviceInfo(context.Background(), host)
	require.NoError(t, err)
	assert.Equal(t, "AA:BB:CC:DD:EE:FF", dev.MAC)
	assert.Equal(t, "M3067", dev.Model)
	assert.Equal(t, "dock-cam", dev.Name)
}

func TestGetDeviceInfoUnreachable(t *testing.T) {
	e := New("root", "pass", testutil.Logger())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	// Reserved TEST-NET address: nothing listens there.
	_, err := e.GetDeviceInfo(ctx, "192.0.2.1:1")
	require.Error(t, err)
}

func TestGetCapabilities(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/axis-cgi/streamprofile.cgi":
			w.WriteHeader(http.StatusOK)
		case "/axis-cgi/com/ptz.cgi":
			w.WriteHeader(http.StatusUnauthorized)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	e := New("root", "pass", testutil.Logger())
	host := strings.TrimPrefix(srv.URL, "http://")

	caps := e.GetCapabilities(context.Background(), host)
	assert.True(t, caps.RTSP, "200 marks the capability present")
	assert.True(t, caps.PTZ, "401 also marks the capability present")
	assert.False(t, caps.ONVIF)
	assert.False(t, caps.Audio)
	assert.False(t, caps.MotionDetection)
	assert.False(t, caps.Analytics)
}
