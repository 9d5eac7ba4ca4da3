package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// CreateDevice registers a device. The room key is unique; registering
// the same room twice returns ErrDuplicateRoom.
func (s *Store) CreateDevice(ctx context.Context, d Device) error {
	if d.Status == "" {
		d.Status = DeviceActive
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO devices (room, name, ip_address, mac_address, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		d.Room, d.Name, d.IPAddress, d.MACAddress, string(d.Status), d.CreatedAt.Unix())
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return ErrDuplicateRoom
		}
		return fmt.Errorf("create device %s: %w", d.Room, err)
	}
	return nil
}

// FindDeviceByRoom returns the device registered for room, or
// ErrNotFound.
func (s *Store) FindDeviceByRoom(ctx context.Context, room string) (*Device, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT room, name, ip_address, mac_address, status, created_at
		 FROM devices WHERE room = ?`, room)
	return scanDevice(row)
}

// ListDevices returns devices ordered by room. With enabledOnly set,
// disabled devices are filtered out.
func (s *Store) ListDevices(ctx context.Context, enabledOnly bool) ([]Device, error) {
	query := `SELECT room, name, ip_address, mac_address, status, created_at FROM devices`
	var args []any
	if enabledOnly {
		query += ` WHERE status = ?`
		args = append(args, string(DeviceActive))
	}
	query += ` ORDER BY room`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	defer rows.Close()

	var devices []Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		devices = append(devices, *d)
	}
	return devices, rows.Err()
}

// SetDeviceStatus enables or disables a device.
func (s *Store) SetDeviceStatus(ctx context.Context, room string, status DeviceStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE devices SET status = ? WHERE room = ?`, string(status), room)
	if err != nil {
		return fmt.Errorf("set device status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteDevice removes a device registration. Session history for the
// room is retained.
func (s *Store) DeleteDevice(ctx context.Context, room string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM devices WHERE room = ?`, room)
	if err != nil {
		return fmt.Errorf("delete device %s: %w", room, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// CountDevices returns the number of enabled devices.
func (s *Store) CountDevices(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM devices WHERE status = ?`, string(DeviceActive)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count devices: %w", err)
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDevice(row rowScanner) (*Device, error) {
	var d Device
	var status string
	var createdAt int64
	err := row.Scan(&d.Room, &d.Name, &d.IPAddress, &d.MACAddress, &status, &createdAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan device: %w", err)
	}
	d.Status = DeviceStatus(status)
	d.CreatedAt = unixTime(createdAt)
	return &d, nil
}
