package discovery

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/camward/camward/pkg/models"
)

// deviceInfoPath is the VAPIX endpoint reporting device identity as
// line-oriented key=value pairs.
const deviceInfoPath = "/axis-cgi/basicdeviceinfo.cgi"

// capabilityEndpoints maps VAPIX feature endpoints to the capability flag
// they prove. A 200 or 401 from the endpoint means the feature exists.
var capabilityEndpoints = []struct {
	path string
	set  func(*models.Capabilities)
}{
	{"/axis-cgi/streamprofile.cgi", func(c *models.Capabilities) { c.RTSP = true }},
	{"/onvif/device_service", func(c *models.Capabilities) { c.ONVIF = true }},
	{"/axis-cgi/motion/motiondata.cgi", func(c *models.Capabilities) { c.MotionDetection = true }},
	{"/axis-cgi/audio/audiodata.cgi", func(c *models.Capabilities) { c.Audio = true }},
	{"/axis-cgi/com/ptz.cgi", func(c *models.Capabilities) { c.PTZ = true }},
	{"/axis-cgi/analytics/analytics.cgi", func(c *models.Capabilities) { c.Analytics = true }},
}

// GetDeviceInfo fetches identity details for one device, trying HTTP before
// HTTPS and answering a Digest challenge when the device demands auth.
func (e *Engine) GetDeviceInfo(ctx context.Context, ip string) (*models.Device, error) {
	var lastErr error
	for _, scheme := range []string{"http", "https"} {
		body, err := e.fetchDeviceInfo(ctx, scheme, ip)
		if err != nil {
			lastErr = err
			continue
		}
		return parseDeviceInfo(body, ip), nil
	}
	return nil, fmt.Errorf("device info %s: %w", ip, lastErr)
}

// fetchDeviceInfo performs the GET, retrying once with a Digest
// Authorization header when challenged.
func (e *Engine) fetchDeviceInfo(ctx context.Context, scheme, ip string) (string, error) {
	url := hostURL(scheme, ip, deviceInfoPath)

	resp, err := e.get(ctx, url, "")
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		return readBody(resp.Body)

	case http.StatusUnauthorized:
		challenge := resp.Header.Get("WWW-Authenticate")
		io.Copy(io.Discard, resp.Body) //nolint:errcheck
		resp.Body.Close()

		authHeader, err := e.auth.BuildAuthHeader(challenge, http.MethodGet, deviceInfoPath)
		if err != nil {
			return "", fmt.Errorf("auth challenge from %s: %w", ip, err)
		}

		authed, err := e.get(ctx, url, authHeader)
		if err != nil {
			return "", err
		}
		defer authed.Body.Close()
		if authed.StatusCode != http.StatusOK {
			return "", fmt.Errorf("device info %s: status %d after auth", url, authed.StatusCode)
		}
		return readBody(authed.Body)

	default:
		return "", fmt.Errorf("device info %s: status %d", url, resp.StatusCode)
	}
}

// GetCapabilities probes the fixed capability endpoints. It never fails: an
// endpoint that does not answer simply leaves its flag false.
func (e *Engine) GetCapabilities(ctx context.Context, ip string) models.Capabilities {
	var (
		mu   sync.Mutex
		caps models.Capabilities
		wg   sync.WaitGroup
	)

	for _, ep := range capabilityEndpoints {
		wg.Add(1)
		go func(path string, set func(*models.Capabilities)) {
			defer wg.Done()

			cctx, cancel := context.WithTimeout(ctx, capabilityTimeout)
			defer cancel()

			resp, err := e.get(cctx, hostURL("http", ip, path), "")
			if err != nil {
				return
			}
			io.Copy(io.Discard, resp.Body) //nolint:errcheck
			resp.Body.Close()

			if resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusUnauthorized {
				mu.Lock()
				set(&caps)
				mu.Unlock()
			}
		}(ep.path, ep.set)
	}
	wg.Wait()

	e.logger.Debug("capabilities probed", zap.String("ip", ip),
		zap.Bool("rtsp", caps.RTSP), zap.Bool("ptz", caps.PTZ))
	return caps
}

// parseDeviceInfo converts a key=value response body into a Device. Unknown
// keys are ignored; missing keys keep their placeholder defaults.
func parseDeviceInfo(body, ip string) *models.Device {
	dev := models.NewDevice(ip)

	for _, line := range strings.Split(body, "\n") {
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		value = strings.TrimSpace(value)
		if value == "" {
			continue
		}
		switch strings.ToLower(strings.TrimSpace(key)) {
		case "macaddress":
			dev.MAC = value
		case "model":
			dev.Model = value
		case "serialnumber":
			dev.Serial = value
		case "version":
			dev.Firmware = value
		case "hostname":
			dev.Name = value
		}
	}
	return dev
}

func (e *Engine) get(ctx context.Context, url, authorization string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	if authorization != "" {
		req.Header.Set("Authorization", authorization)
	}
	return e.client.Do(req)
}

func readBody(r io.Reader) (string, error) {
	b, err := io.ReadAll(io.LimitReader(r, 1<<20))
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	return string(b), nil
}
