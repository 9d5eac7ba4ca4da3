// Package config loads the gateway configuration from an HCL file,
// fills in defaults, and lets secrets be supplied through the
// environment instead of the config file.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/hashicorp/hcl/v2/hclsimple"

	"github.com/castgate/castgate/internal/validation"
)

// Config is the top-level gateway configuration.
type Config struct {
	// Network policy
	ClientSubnet string `hcl:"client_subnet,optional" json:"client_subnet"`
	TargetSubnet string `hcl:"target_subnet,optional" json:"target_subnet"`

	// Management endpoint the base rule set keeps reachable
	ManagementIP   string `hcl:"management_ip,optional" json:"management_ip"`
	ManagementPort int    `hcl:"management_port,optional" json:"management_port"`

	// Session policy
	SessionHours         int `hcl:"session_hours,optional" json:"session_hours"`
	SweepIntervalSeconds int `hcl:"sweep_interval_seconds,optional" json:"sweep_interval_seconds"`

	// Packet filter namespace
	Firewall *FirewallConfig `hcl:"firewall,block" json:"firewall,omitempty"`

	// HTTP API
	Listen string `hcl:"listen,optional" json:"listen"`

	// Storage
	DatabasePath string `hcl:"database_path,optional" json:"database_path"`

	// Admin auth. Both can come from the environment instead
	// (CASTGATE_ADMIN_PASSWORD_HASH, CASTGATE_TOKEN_SECRET).
	AdminPasswordHash string `hcl:"admin_password_hash,optional" json:"-"`
	TokenSecret       string `hcl:"token_secret,optional" json:"-"`

	// Reachability probing
	Probe *ProbeConfig `hcl:"probe,block" json:"probe,omitempty"`

	// Logging
	LogLevel  string `hcl:"log_level,optional" json:"log_level"`
	LogFormat string `hcl:"log_format,optional" json:"log_format"` // "console" or "json"

	// Activity log retention
	ActivityRetentionDays int `hcl:"activity_retention_days,optional" json:"activity_retention_days"`
}

// FirewallConfig names the nft objects the gateway manages.
type FirewallConfig struct {
	Family string `hcl:"family,optional" json:"family"`
	Table  string `hcl:"table,optional" json:"table"`
	Set    string `hcl:"set,optional" json:"set"`
}

// ProbeConfig tunes the reachability prober.
type ProbeConfig struct {
	TCPPorts []int `hcl:"tcp_ports,optional" json:"tcp_ports"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		ClientSubnet:          "192.168.10.0/24",
		TargetSubnet:          "192.168.20.0/24",
		ManagementIP:          "192.168.10.1",
		ManagementPort:        3000,
		SessionHours:          2,
		SweepIntervalSeconds:  30,
		Firewall:              &FirewallConfig{Family: "ip", Table: "castgate", Set: "authorized_pairs"},
		Listen:                ":3000",
		DatabasePath:          "castgate.db",
		Probe:                 &ProbeConfig{TCPPorts: []int{8008, 8009, 8443}},
		LogLevel:              "info",
		LogFormat:             "console",
		ActivityRetentionDays: 30,
	}
}

// Load reads path, overlays it onto the defaults, applies environment
// overrides, and validates the result. An empty path yields the
// defaults plus environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		var file Config
		if err := hclsimple.DecodeFile(path, nil, &file); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		cfg.merge(&file)
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// merge overlays non-zero fields from file onto c.
func (c *Config) merge(file *Config) {
	if file.ClientSubnet != "" {
		c.ClientSubnet = file.ClientSubnet
	}
	if file.TargetSubnet != "" {
		c.TargetSubnet = file.TargetSubnet
	}
	if file.ManagementIP != "" {
		c.ManagementIP = file.ManagementIP
	}
	if file.ManagementPort != 0 {
		c.ManagementPort = file.ManagementPort
	}
	if file.SessionHours != 0 {
		c.SessionHours = file.SessionHours
	}
	if file.SweepIntervalSeconds != 0 {
		c.SweepIntervalSeconds = file.SweepIntervalSeconds
	}
	if file.Firewall != nil {
		if file.Firewall.Family != "" {
			c.Firewall.Family = file.Firewall.Family
		}
		if file.Firewall.Table != "" {
			c.Firewall.Table = file.Firewall.Table
		}
		if file.Firewall.Set != "" {
			c.Firewall.Set = file.Firewall.Set
		}
	}
	if file.Listen != "" {
		c.Listen = file.Listen
	}
	if file.DatabasePath != "" {
		c.DatabasePath = file.DatabasePath
	}
	if file.AdminPasswordHash != "" {
		c.AdminPasswordHash = file.AdminPasswordHash
	}
	if file.TokenSecret != "" {
		c.TokenSecret = file.TokenSecret
	}
	if file.Probe != nil && len(file.Probe.TCPPorts) > 0 {
		c.Probe.TCPPorts = file.Probe.TCPPorts
	}
	if file.LogLevel != "" {
		c.LogLevel = file.LogLevel
	}
	if file.LogFormat != "" {
		c.LogFormat = file.LogFormat
	}
	if file.ActivityRetentionDays != 0 {
		c.ActivityRetentionDays = file.ActivityRetentionDays
	}
}

// applyEnv lets secrets and deployment-specific values come from the
// environment so the config file can be checked in without them.
func (c *Config) applyEnv() {
	if v := os.Getenv("CASTGATE_ADMIN_PASSWORD_HASH"); v != "" {
		c.AdminPasswordHash = v
	}
	if v := os.Getenv("CASTGATE_TOKEN_SECRET"); v != "" {
		c.TokenSecret = v
	}
	if v := os.Getenv("CASTGATE_LISTEN"); v != "" {
		c.Listen = v
	}
	if v := os.Getenv("CASTGATE_DATABASE_PATH"); v != "" {
		c.DatabasePath = v
	}
}

// Validate checks the configuration for values the gateway cannot run
// with.
func (c *Config) Validate() error {
	if err := validateCIDR(c.ClientSubnet); err != nil {
		return fmt.Errorf("client_subnet: %w", err)
	}
	if err := validateCIDR(c.TargetSubnet); err != nil {
		return fmt.Errorf("target_subnet: %w", err)
	}
	if !validation.IsIPv4(c.ManagementIP) {
		return fmt.Errorf("management_ip: %q is not an IPv4 address", c.ManagementIP)
	}
	if err := validation.ValidatePortNumber(c.ManagementPort); err != nil {
		return fmt.Errorf("management_port: %w", err)
	}
	if c.SessionHours <= 0 {
		return fmt.Errorf("session_hours must be positive, got %d", c.SessionHours)
	}
	if c.SweepIntervalSeconds <= 0 {
		return fmt.Errorf("sweep_interval_seconds must be positive, got %d", c.SweepIntervalSeconds)
	}
	if c.Firewall.Family != "ip" && c.Firewall.Family != "inet" {
		return fmt.Errorf("firewall family must be ip or inet, got %q", c.Firewall.Family)
	}
	if err := validation.ValidateIdentifier(c.Firewall.Table); err != nil {
		return fmt.Errorf("firewall table: %w", err)
	}
	if err := validation.ValidateIdentifier(c.Firewall.Set); err != nil {
		return fmt.Errorf("firewall set: %w", err)
	}
	for _, p := range c.Probe.TCPPorts {
		if err := validation.ValidatePortNumber(p); err != nil {
			return fmt.Errorf("probe tcp_ports: %w", err)
		}
	}
	if c.ActivityRetentionDays < 0 {
		return fmt.Errorf("activity_retention_days must not be negative, got %d", c.ActivityRetentionDays)
	}
	return nil
}

// validateCIDR accepts dotted-quad IPv4 CIDR notation only.
func validateCIDR(cidr string) error {
	parts := strings.Split(cidr, "/")
	if len(parts) != 2 || !validation.IsIPv4(parts[0]) {
		return fmt.Errorf("%q is not IPv4 CIDR notation", cidr)
	}
	// Membership math rejects bad prefixes; checking the network against
	// itself exercises the same parser.
	if !validation.IsInNetwork(parts[0], cidr) {
		return fmt.Errorf("%q is not IPv4 CIDR notation", cidr)
	}
	return nil
}
