package endpoint

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"
)

const qualityReadTimeout = time.Second

// QualityReport summarizes a short sampling window on a validated endpoint.
// Field names match the per-endpoint quality block of websocket_config.json.
type QualityReport struct {
	FPS        float64 `json:"fps"`
	Resolution string  `json:"resolution"`
	Codec      string  `json:"codec"`
	Bitrate    float64 `json:"bitrate"` // kbps
	PacketLoss float64 `json:"packet_loss"`
	Jitter     float64 `json:"jitter"` // milliseconds
	Error      string  `json:"error,omitempty"`
}

// streamMetadata is the self-describing header some firmwares emit as the
// first text frame of a stream.
type streamMetadata struct {
	Resolution string `json:"resolution"`
	Codec      string `json:"codec"`
}

// TestStreamQuality connects to a validated endpoint and samples frames for
// the quality window, deriving fps, bitrate and inter-frame jitter. A
// silent stream yields a zeroed report rather than an error.
func (n *Negotiator) TestStreamQuality(ctx context.Context, c Candidate) QualityReport {
	report := QualityReport{Resolution: "unknown", Codec: "unknown"}

	dctx, cancel := context.WithTimeout(ctx, n.dialTimeout)
	defer cancel()

	conn, _, err := websocket.Dial(dctx, c.URL, &websocket.DialOptions{
		HTTPHeader: n.authHeader(c.AuthType),
		HTTPClient: n.httpClient(c.SSLVerify),
	})
	if err != nil {
		report.Error = err.Error()
		return report
	}
	defer conn.Close(websocket.StatusNormalClosure, "")
	conn.SetReadLimit(10 << 20)

	var (
		frames   int
		bytesRx  int
		arrivals []time.Time
		start    = time.Now()
	)

	for time.Since(start) < n.qualityWindow {
		rctx, rcancel := context.WithTimeout(ctx, qualityReadTimeout)
		typ, payload, err := conn.Read(rctx)
		rcancel()
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			break
		}

		frames++
		bytesRx += len(payload)
		arrivals = append(arrivals, time.Now())

		if typ == websocket.MessageText {
			var meta streamMetadata
			if json.Unmarshal(payload, &meta) == nil {
				if meta.Resolution != "" {
					report.Resolution = meta.Resolution
				}
				if meta.Codec != "" {
					report.Codec = meta.Codec
				}
			}
		}
	}

	elapsed := time.Since(start).Seconds()
	if elapsed > 0 {
		report.FPS = float64(frames) / elapsed
		report.Bitrate = float64(bytesRx) * 8 / elapsed / 1000
	}
	report.Jitter = interArrivalJitter(arrivals)

	n.logger.Debug("stream quality sampled",
		zap.String("url", c.URL),
		zap.Int("frames", frames),
		zap.Float64("fps", report.FPS),
		zap.Float64("bitrate_kbps", report.Bitrate),
	)
	return report
}

// interArrivalJitter is the standard deviation of inter-frame gaps in
// milliseconds. Fewer than three frames gives no usable gap distribution.
func interArrivalJitter(arrivals []time.Time) float64 {
	if len(arrivals) < 3 {
		return 0
	}

	gaps := make([]float64, 0, len(arrivals)-1)
	var mean float64
	for i := 1; i < len(arrivals); i++ {
		g := float64(arrivals[i].Sub(arrivals[i-1])) / float64(time.Millisecond)
		gaps = append(gaps, g)
		mean += g
	}
	mean /= float64(len(gaps))

	var variance float64
	for _, g := range gaps {
		variance += (g - mean) * (g - mean)
	}
	variance /= float64(len(gaps))

	return math.Sqrt(variance)
}
