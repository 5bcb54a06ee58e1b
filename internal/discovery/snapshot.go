package discovery

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/camward/camward/pkg/models"
)

// Snapshot is the on-disk form of a discovery run. The same file is read
// back on restart and by the connectivity health check.
type Snapshot struct {
	Timestamp float64         `json:"timestamp"`
	Cameras   []models.Device `json:"cameras"`
}

// SaveSnapshot writes the device set to path, overwriting any previous
// snapshot.
func SaveSnapshot(path string, devices []models.Device) error {
	snap := Snapshot{
		Timestamp: float64(time.Now().UnixNano()) / float64(time.Second),
		Cameras:   devices,
	}
	if snap.Cameras == nil {
		snap.Cameras = []models.Device{}
	}

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write snapshot %s: %w", path, err)
	}
	return nil
}

// LoadSnapshot reads a snapshot previously written by SaveSnapshot.
func LoadSnapshot(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read snapshot %s: %w", path, err)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("parse snapshot %s: %w", path, err)
	}
	return &snap, nil
}
