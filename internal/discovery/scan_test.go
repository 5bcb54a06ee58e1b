package discovery

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/camward/camward/internal/testutil"
)

func TestNewSubnetScannerInvalidCIDR(t *testing.T) {
	_, err := newSubnetScanner("256.1.2.3/24", http.DefaultClient, testutil.Logger())
	require.ErrorIs(t, err, ErrInvalidCIDR)

	_, err = newSubnetScanner("garbage", http.DefaultClient, testutil.Logger())
	require.ErrorIs(t, err, ErrInvalidCIDR)
}

func TestHostAddrs(t *testing.T) {
	tests := []struct {
		cidr      string
		wantCount int
		wantFirst string
		wantLast  string
	}{
		{"192.168.1.0/24", 254, "192.168.1.1", "192.168.1.254"},
		{"10.0.0.0/30", 2, "10.0.0.1", "10.0.0.2"},
		{"10.0.0.4/31", 2, "10.0.0.4", "10.0.0.5"},
		{"192.168.0.0/23", 510, "192.168.0.1", "192.168.1.254"},
	}

	for _, tt := range tests {
		t.Run(tt.cidr, func(t *testing.T) {
			_, network, err := net.ParseCIDR(tt.cidr)
			require.NoError(t, err)

			hosts := hostAddrs(network)
			require.Len(t, hosts, tt.wantCount)
			assert.Equal(t, tt.wantFirst, hosts[0])
			assert.Equal(t, tt.wantLast, hosts[len(hosts)-1])
		})
	}
}

func TestVerifyDevice(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
		want    bool
	}{
		{
			name:    "200 is a candidate",
			handler: func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) },
			want:    true,
		},
		{
			name:    "401 is a candidate",
			handler: func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusUnauthorized) },
			want:    true,
		},
		{
			name: "other status with vendor token in body is a candidate",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusForbidden)
				w.Write([]byte("AXIS device")) //nolint:errcheck
			},
			want: true,
		},
		{
			name: "other status without token is not",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusNotFound)
				w.Write([]byte("nginx")) //nolint:errcheck
			},
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()

			host, portStr, err := net.SplitHostPort(strings.TrimPrefix(srv.URL, "http://"))
			require.NoError(t, err)

			s, err := newSubnetScanner("127.0.0.0/8", srv.Client(), testutil.Logger())
			require.NoError(t, err)

			port, err := strconv.Atoi(portStr)
			require.NoError(t, err)
			assert.Equal(t, tt.want, s.verifyDevice(context.Background(), host, port))
		})
	}
}
