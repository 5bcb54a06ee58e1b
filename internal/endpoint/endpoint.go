// Package endpoint negotiates a working WebSocket streaming endpoint per
// discovered device.
//
// For every device the negotiator enumerates model-aware candidate paths
// over both ws and wss, validates each with a short authenticated handshake,
// and selects one winner: secure protocol first, lowest latency within the
// same tier. Validation is deliberately lenient: a socket that connects and
// stays silent still counts, because many device firmwares accept the
// upgrade and only start talking once a stream is requested.
package endpoint

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/camward/camward/pkg/models"
)

// Candidate is one (device, path, protocol) combination under negotiation.
// The JSON field names are the wire format of websocket_config.json.
type Candidate struct {
	URL       string            `json:"url"`
	Protocol  string            `json:"protocol"`
	Path      string            `json:"path"`
	Params    map[string]string `json:"params"`
	AuthType  string            `json:"auth_type"`
	SSLVerify bool              `json:"ssl_verify"`
	Validated bool              `json:"validated"`
	Latency   float64           `json:"latency"` // milliseconds
	Error     string            `json:"error,omitempty"`
}

// Negotiator validates and selects WebSocket endpoints for a device fleet.
type Negotiator struct {
	username string
	password string
	logger   *zap.Logger

	dialTimeout   time.Duration
	replyWindow   time.Duration
	qualityWindow time.Duration

	mu        sync.Mutex
	endpoints []Candidate // every validated endpoint, for the config snapshot
}

// New constructs a Negotiator using the fleet credentials.
func New(username, password string, logger *zap.Logger) *Negotiator {
	return &Negotiator{
		username:      username,
		password:      password,
		logger:        logger,
		dialTimeout:   5 * time.Second,
		replyWindow:   2 * time.Second,
		qualityWindow: 5 * time.Second,
	}
}

// NegotiateEndpoints negotiates every device concurrently and returns the
// winning candidate per device IP. A device with no validated candidate is
// simply absent from the result; that is not an error.
func (n *Negotiator) NegotiateEndpoints(ctx context.Context, devices []models.Device) (map[string]Candidate, error) {
	var (
		mu      sync.Mutex
		winners = make(map[string]Candidate)
	)

	g, gctx := errgroup.WithContext(ctx)
	for _, dev := range devices {
		dev := dev
		g.Go(func() error {
			candidates := n.DiscoverEndpoints(gctx, dev.IP, dev.Model)
			winner, ok := SelectOptimal(candidates)
			if !ok {
				n.logger.Warn("no validated websocket endpoint",
					zap.String("ip", dev.IP), zap.String("model", dev.Model))
				return nil
			}
			mu.Lock()
			winners[dev.IP] = winner
			mu.Unlock()
			n.logger.Info("websocket endpoint selected",
				zap.String("ip", dev.IP),
				zap.String("url", winner.URL),
				zap.Float64("latency_ms", winner.Latency),
			)
			return nil
		})
	}
	_ = g.Wait()

	return winners, ctx.Err()
}

// DiscoverEndpoints tries every candidate path over ws and wss for one
// device, returning the validated candidates.
func (n *Negotiator) DiscoverEndpoints(ctx context.Context, ip, model string) []Candidate {
	var validated []Candidate

	for _, protocol := range []string{"ws", "wss"} {
		for _, spec := range candidatePaths(model) {
			c := Candidate{
				URL:       buildURL(protocol, ip, spec),
				Protocol:  protocol,
				Path:      spec.path,
				Params:    spec.params,
				AuthType:  spec.auth,
				SSLVerify: spec.sslVerify,
			}
			n.validate(ctx, &c)

			if c.Validated {
				validated = append(validated, c)
				n.logger.Debug("endpoint validated", zap.String("url", c.URL))
			} else {
				n.logger.Debug("endpoint rejected",
					zap.String("url", c.URL), zap.String("error", c.Error))
			}
		}
	}

	n.mu.Lock()
	n.endpoints = append(n.endpoints, validated...)
	n.mu.Unlock()

	return validated
}

// SelectOptimal picks the winner from a candidate set: validated only, wss
// before ws, then lowest latency, with URL as the final tiebreak so the
// choice is deterministic for a fixed set.
func SelectOptimal(candidates []Candidate) (Candidate, bool) {
	valid := make([]Candidate, 0, len(candidates))
	for _, c := range candidates {
		if c.Validated {
			valid = append(valid, c)
		}
	}
	if len(valid) == 0 {
		return Candidate{}, false
	}

	sort.Slice(valid, func(i, j int) bool {
		si, sj := valid[i].Protocol == "wss", valid[j].Protocol == "wss"
		if si != sj {
			return si
		}
		if valid[i].Latency != valid[j].Latency {
			return valid[i].Latency < valid[j].Latency
		}
		return valid[i].URL < valid[j].URL
	})
	return valid[0], true
}

// validate attempts the handshake and marks the candidate. The latency is
// wall-clock from connect start to the validation decision.
func (n *Negotiator) validate(ctx context.Context, c *Candidate) {
	start := time.Now()

	dctx, cancel := context.WithTimeout(ctx, n.dialTimeout)
	defer cancel()

	conn, resp, err := websocket.Dial(dctx, c.URL, &websocket.DialOptions{
		HTTPHeader: n.authHeader(c.AuthType),
		HTTPClient: n.httpClient(c.SSLVerify),
	})
	if err != nil {
		c.Error = err.Error()
		if resp != nil {
			switch resp.StatusCode {
			case http.StatusUnauthorized:
				c.Error = fmt.Sprintf("invalid status code: %d (authentication required)", resp.StatusCode)
			case http.StatusForbidden:
				c.Error = fmt.Sprintf("invalid status code: %d (forbidden, check credentials)", resp.StatusCode)
			}
		}
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")
	conn.SetReadLimit(10 << 20)

	ping := map[string]any{
		"type":      "ping",
		"timestamp": float64(time.Now().UnixNano()) / float64(time.Second),
	}
	if err := wsjson.Write(dctx, conn, ping); err != nil {
		c.Error = fmt.Sprintf("send ping: %v", err)
		return
	}

	rctx, rcancel := context.WithTimeout(ctx, n.replyWindow)
	defer rcancel()
	_, _, err = conn.Read(rctx)
	switch {
	case err == nil:
		// Device answered the ping.
	case errors.Is(err, context.DeadlineExceeded):
		// No reply, but the socket held: accepted as validated.
	default:
		c.Error = err.Error()
		return
	}

	c.Validated = true
	c.Latency = float64(time.Since(start)) / float64(time.Millisecond)
}

// authHeader builds the handshake Authorization header. A Digest challenge
// cannot be answered inside a single WebSocket upgrade, so digest paths fall
// back to Basic; token paths send the password as a bearer token.
func (n *Negotiator) authHeader(authType string) http.Header {
	h := http.Header{}
	switch authType {
	case "token":
		h.Set("Authorization", "Bearer "+n.password)
	default: // basic, and the digest fallback
		creds := base64.StdEncoding.EncodeToString([]byte(n.username + ":" + n.password))
		h.Set("Authorization", "Basic "+creds)
	}
	return h
}

func (n *Negotiator) httpClient(sslVerify bool) *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: !sslVerify}, //nolint:gosec
		},
	}
}

func buildURL(protocol, ip string, spec pathSpec) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s://%s%s", protocol, ip, spec.path)
	if len(spec.params) > 0 {
		keys := make([]string, 0, len(spec.params))
		for k := range spec.params {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		sep := "?"
		for _, k := range keys {
			fmt.Fprintf(&sb, "%s%s=%s", sep, k, spec.params[k])
			sep = "&"
		}
	}
	return sb.String()
}
