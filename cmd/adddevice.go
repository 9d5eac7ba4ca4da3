package cmd

import (
	"context"
	"fmt"

	"github.com/castgate/castgate/internal/clock"
	"github.com/castgate/castgate/internal/store"
	"github.com/castgate/castgate/internal/validation"
)

// RunAddDevice registers a device directly in the database. Handy for
// initial provisioning before the admin API has credentials.
func RunAddDevice(configPath, room, name, ip, mac string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger := newLogger(cfg)

	if room == "" || ip == "" {
		return fmt.Errorf("-room and -ip are required")
	}
	if err := validation.ValidateIdentifier(room); err != nil {
		return fmt.Errorf("room key: %w", err)
	}
	if !validation.IsIPv4(ip) {
		return fmt.Errorf("%q is not an IPv4 address", ip)
	}
	if !validation.IsInNetwork(ip, cfg.TargetSubnet) {
		return fmt.Errorf("device address %s is outside the target subnet %s", ip, cfg.TargetSubnet)
	}
	if name == "" {
		name = room
	}

	st, err := store.Open(cfg.DatabasePath, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	err = st.CreateDevice(context.Background(), store.Device{
		Room:       room,
		Name:       name,
		IPAddress:  ip,
		MACAddress: mac,
		Status:     store.DeviceActive,
		CreatedAt:  clock.Now(),
	})
	if err != nil {
		return err
	}

	fmt.Printf("device registered: room=%s ip=%s\n", room, ip)
	return nil
}
