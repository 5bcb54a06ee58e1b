package endpoint

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Config is the on-disk record of every validated endpoint, written as
// websocket_config.json. Downstream consumers key off "url" and
// "validated".
type Config struct {
	Timestamp float64     `json:"timestamp"`
	Endpoints []Candidate `json:"endpoints"`
}

// SaveConfig writes the accumulated validated endpoints to path.
func (n *Negotiator) SaveConfig(path string) error {
	n.mu.Lock()
	endpoints := make([]Candidate, len(n.endpoints))
	copy(endpoints, n.endpoints)
	n.mu.Unlock()

	cfg := Config{
		Timestamp: float64(time.Now().UnixNano()) / float64(time.Second),
		Endpoints: endpoints,
	}

	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal websocket config: %w", err)
	}
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return fmt.Errorf("write websocket config: %w", err)
	}
	return nil
}

// LoadConfig reads a previously written endpoint configuration.
func LoadConfig(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read websocket config: %w", err)
	}
	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse websocket config: %w", err)
	}
	return &cfg, nil
}
