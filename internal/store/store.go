// Package store persists discovery runs in SQLite so the fleet's history
// survives restarts. Each discovery pass becomes one scan row plus a row
// per device seen.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // Pure-Go SQLite driver

	"github.com/camward/camward/pkg/models"
)

// Migration is one schema step, applied in ascending Version order.
type Migration struct {
	Version     int
	Description string
	SQL         string
}

var migrations = []Migration{
	{
		Version:     1,
		Description: "create scans and scan_devices",
		SQL: `
			CREATE TABLE IF NOT EXISTS scans (
				id            TEXT PRIMARY KEY,
				network       TEXT NOT NULL,
				started_at    DATETIME NOT NULL,
				finished_at   DATETIME,
				devices_found INTEGER NOT NULL DEFAULT 0,
				status        TEXT NOT NULL DEFAULT 'running'
			);
			CREATE TABLE IF NOT EXISTS scan_devices (
				scan_id       TEXT NOT NULL REFERENCES scans(id) ON DELETE CASCADE,
				ip            TEXT NOT NULL,
				mac           TEXT NOT NULL,
				model         TEXT NOT NULL,
				serial        TEXT NOT NULL,
				firmware      TEXT NOT NULL,
				name          TEXT NOT NULL,
				rtsp_url      TEXT NOT NULL DEFAULT '',
				websocket_url TEXT NOT NULL DEFAULT '',
				capabilities  TEXT NOT NULL DEFAULT '{}',
				PRIMARY KEY (scan_id, ip)
			);
			CREATE INDEX IF NOT EXISTS idx_scan_devices_ip ON scan_devices(ip);
		`,
	},
}

// Store is a SQLite-backed scan ledger.
type Store struct {
	db   *sql.DB
	mu   sync.Mutex // serialize migrations
	once sync.Once
}

// New opens (or creates) the database at path and applies the recommended
// pragmas plus any pending migrations.
func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", path, err)
	}

	// SQLite performs best with a single write connection. WAL enables
	// concurrent readers.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite %q: %w", path, err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("exec %q: %w", p, err)
		}
	}

	s := &Store{db: db}
	if err := s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate(ctx context.Context) error {
	var onceErr error
	s.once.Do(func() {
		_, onceErr = s.db.ExecContext(ctx, `
			CREATE TABLE IF NOT EXISTS _migrations (
				version     INTEGER PRIMARY KEY,
				description TEXT NOT NULL,
				applied_at  DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
			)
		`)
	})
	if onceErr != nil {
		return fmt.Errorf("create migrations table: %w", onceErr)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, m := range migrations {
		var count int
		if err := s.db.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM _migrations WHERE version = ?", m.Version,
		).Scan(&count); err != nil {
			return fmt.Errorf("check migration %d: %w", m.Version, err)
		}
		if count > 0 {
			continue
		}
		if err := s.tx(ctx, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, m.SQL); err != nil {
				return err
			}
			_, err := tx.ExecContext(ctx,
				"INSERT INTO _migrations (version, description) VALUES (?, ?)",
				m.Version, m.Description)
			return err
		}); err != nil {
			return fmt.Errorf("migration %d (%s): %w", m.Version, m.Description, err)
		}
	}
	return nil
}

// tx executes fn in a transaction, committing on nil and rolling back
// otherwise.
func (s *Store) tx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("rollback failed: %v (original: %w)", rbErr, err)
		}
		return err
	}
	return tx.Commit()
}

// ScanRecord is one discovery pass as persisted.
type ScanRecord struct {
	ID           string
	Network      string
	StartedAt    time.Time
	FinishedAt   *time.Time
	DevicesFound int
	Status       string
}

// BeginScan opens a new scan row and returns its id.
func (s *Store) BeginScan(ctx context.Context, network string) (string, error) {
	id := uuid.NewString()
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO scans (id, network, started_at) VALUES (?, ?, ?)",
		id, network, time.Now().UTC())
	if err != nil {
		return "", fmt.Errorf("begin scan: %w", err)
	}
	return id, nil
}

// CompleteScan records the discovered devices and closes the scan row.
func (s *Store) CompleteScan(ctx context.Context, scanID string, devices []models.Device) error {
	return s.tx(ctx, func(tx *sql.Tx) error {
		for _, d := range devices {
			caps, err := json.Marshal(d.Capabilities)
			if err != nil {
				return fmt.Errorf("marshal capabilities for %s: %w", d.IP, err)
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT OR REPLACE INTO scan_devices
					(scan_id, ip, mac, model, serial, firmware, name, rtsp_url, websocket_url, capabilities)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				scanID, d.IP, d.MAC, d.Model, d.Serial, d.Firmware, d.Name,
				d.RTSPURL, d.WebSocketURL, string(caps),
			); err != nil {
				return fmt.Errorf("insert device %s: %w", d.IP, err)
			}
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE scans SET finished_at = ?, devices_found = ?, status = 'complete'
			WHERE id = ?`,
			time.Now().UTC(), len(devices), scanID)
		if err != nil {
			return fmt.Errorf("complete scan: %w", err)
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return fmt.Errorf("scan %s not found", scanID)
		}
		return nil
	})
}

// FailScan marks a scan as failed without recording devices.
func (s *Store) FailScan(ctx context.Context, scanID string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE scans SET finished_at = ?, status = 'failed' WHERE id = ?",
		time.Now().UTC(), scanID)
	if err != nil {
		return fmt.Errorf("fail scan: %w", err)
	}
	return nil
}

// ListScans returns the most recent scans, newest first.
func (s *Store) ListScans(ctx context.Context, limit int) ([]ScanRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, network, started_at, finished_at, devices_found, status
		FROM scans ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list scans: %w", err)
	}
	defer rows.Close()

	var scans []ScanRecord
	for rows.Next() {
		var rec ScanRecord
		var finished sql.NullTime
		if err := rows.Scan(&rec.ID, &rec.Network, &rec.StartedAt,
			&finished, &rec.DevicesFound, &rec.Status); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		if finished.Valid {
			rec.FinishedAt = &finished.Time
		}
		scans = append(scans, rec)
	}
	return scans, rows.Err()
}

// ScanDevices returns the devices recorded for one scan, ordered by IP.
func (s *Store) ScanDevices(ctx context.Context, scanID string) ([]models.Device, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT ip, mac, model, serial, firmware, name, rtsp_url, websocket_url, capabilities
		FROM scan_devices WHERE scan_id = ? ORDER BY ip`, scanID)
	if err != nil {
		return nil, fmt.Errorf("scan devices: %w", err)
	}
	defer rows.Close()

	var devices []models.Device
	for rows.Next() {
		var d models.Device
		var caps string
		if err := rows.Scan(&d.IP, &d.MAC, &d.Model, &d.Serial, &d.Firmware,
			&d.Name, &d.RTSPURL, &d.WebSocketURL, &caps); err != nil {
			return nil, fmt.Errorf("device row: %w", err)
		}
		if err := json.Unmarshal([]byte(caps), &d.Capabilities); err != nil {
			return nil, fmt.Errorf("capabilities for %s: %w", d.IP, err)
		}
		devices = append(devices, d)
	}
	return devices, rows.Err()
}
