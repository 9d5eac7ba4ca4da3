// Package store is the durable ledger behind the gateway: registered
// devices, authorization sessions, and the activity log. Backed by
// SQLite via the pure-Go modernc driver so the gateway cross-compiles
// for small enforcement boxes without CGO.
//
// Sessions are never deleted; terminated records stay as history. The
// session table, not the packet filter, is the source of truth for what
// was authorized and when.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/castgate/castgate/internal/logging"
)

// Common errors.
var (
	ErrNotFound      = errors.New("record not found")
	ErrDuplicateRoom = errors.New("room already registered")
)

// DeviceStatus is the admin-controlled enabled flag of a device.
type DeviceStatus string

const (
	DeviceActive   DeviceStatus = "active"
	DeviceInactive DeviceStatus = "inactive"
)

// Device is a registered casting receiver, keyed by room.
type Device struct {
	Room       string       `json:"room"`
	Name       string       `json:"name"`
	IPAddress  string       `json:"ip_address"`
	MACAddress string       `json:"mac_address,omitempty"`
	Status     DeviceStatus `json:"status"`
	CreatedAt  time.Time    `json:"created_at"`
}

// Session is one granted authorization window between a client and a
// target device.
type Session struct {
	ID           string    `json:"id"`
	Room         string    `json:"room"`
	ClientIP     string    `json:"client_ip"`
	TargetIP     string    `json:"target_ip"`
	CreatedAt    time.Time `json:"created_at"`
	ExpiresAt    time.Time `json:"expires_at"`
	Active       bool      `json:"active"`
	UserAgent    string    `json:"user_agent,omitempty"`
	LastActivity time.Time `json:"last_activity"`
}

// ActivityEntry is one persisted log line.
type ActivityEntry struct {
	ID        int64     `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	SessionID string    `json:"session_id,omitempty"`
	SourceIP  string    `json:"source_ip,omitempty"`
}

// Store wraps the SQLite database.
type Store struct {
	db     *sql.DB
	logger *logging.Logger
}

// Open opens (and if needed creates) the database at path and applies
// the schema.
func Open(path string, logger *logging.Logger) (*Store, error) {
	if logger == nil {
		logger = logging.Default()
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// WAL keeps the sweeper's writes from blocking request reads.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply %q: %w", p, err)
		}
	}

	s := &Store{db: db, logger: logger.WithComponent("store")}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS devices (
			room        TEXT PRIMARY KEY,
			name        TEXT NOT NULL,
			ip_address  TEXT NOT NULL,
			mac_address TEXT NOT NULL DEFAULT '',
			status      TEXT NOT NULL DEFAULT 'active',
			created_at  INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS sessions (
			id            TEXT PRIMARY KEY,
			room          TEXT NOT NULL,
			client_ip     TEXT NOT NULL,
			target_ip     TEXT NOT NULL,
			created_at    INTEGER NOT NULL,
			expires_at    INTEGER NOT NULL,
			active        INTEGER NOT NULL DEFAULT 1,
			user_agent    TEXT NOT NULL DEFAULT '',
			last_activity INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_active_expires ON sessions(active, expires_at)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_room_active ON sessions(room, active)`,
		`CREATE TABLE IF NOT EXISTS activity_log (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			ts         INTEGER NOT NULL,
			level      TEXT NOT NULL,
			message    TEXT NOT NULL,
			session_id TEXT NOT NULL DEFAULT '',
			source_ip  TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_activity_ts ON activity_log(ts)`,
	}
	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}
