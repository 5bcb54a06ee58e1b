package models

import "fmt"

// Capabilities records which optional feature endpoints a device answered for.
// A capability is true when its endpoint returned 200 or 401 during probing;
// absence of any response leaves it false.
type Capabilities struct {
	RTSP            bool `json:"rtsp"`
	ONVIF           bool `json:"onvif"`
	MotionDetection bool `json:"motion_detection"`
	Audio           bool `json:"audio"`
	PTZ             bool `json:"ptz"`
	Analytics       bool `json:"analytics"`
}

// Device represents a discovered network video device. Devices are keyed by
// IP: re-probing the same address overwrites the existing record.
type Device struct {
	IP           string       `json:"ip"`
	MAC          string       `json:"mac"`
	Model        string       `json:"model"`
	Serial       string       `json:"serial"`
	Firmware     string       `json:"firmware"`
	Name         string       `json:"name"`
	RTSPURL      string       `json:"rtsp_url,omitempty"`
	WebSocketURL string       `json:"websocket_url,omitempty"`
	Capabilities Capabilities `json:"capabilities"`
}

// NewDevice returns a Device for the given IP with every identity field
// populated. Fields the device never reported keep their placeholder values
// rather than empty strings.
func NewDevice(ip string) *Device {
	return &Device{
		IP:       ip,
		MAC:      "unknown",
		Model:    "unknown",
		Serial:   "unknown",
		Firmware: "unknown",
		Name:     fmt.Sprintf("axis-%s", ip),
	}
}
