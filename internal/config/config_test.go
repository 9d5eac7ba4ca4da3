package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "castgate.hcl")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.ClientSubnet != "192.168.10.0/24" || cfg.TargetSubnet != "192.168.20.0/24" {
		t.Errorf("unexpected subnets: %s, %s", cfg.ClientSubnet, cfg.TargetSubnet)
	}
	if cfg.SessionHours != 2 {
		t.Errorf("session_hours = %d, want 2", cfg.SessionHours)
	}
	if cfg.SweepIntervalSeconds != 30 {
		t.Errorf("sweep_interval_seconds = %d, want 30", cfg.SweepIntervalSeconds)
	}
	if cfg.Firewall.Table != "castgate" || cfg.Firewall.Set != "authorized_pairs" {
		t.Errorf("unexpected firewall names: %+v", cfg.Firewall)
	}
	if len(cfg.Probe.TCPPorts) != 3 || cfg.Probe.TCPPorts[0] != 8008 {
		t.Errorf("unexpected probe ports: %v", cfg.Probe.TCPPorts)
	}
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
client_subnet  = "10.1.0.0/16"
session_hours  = 4
management_ip  = "10.1.0.1"

firewall {
  family = "inet"
  table  = "gateway"
}

probe {
  tcp_ports = [8443]
}
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.ClientSubnet != "10.1.0.0/16" {
		t.Errorf("client_subnet = %s", cfg.ClientSubnet)
	}
	if cfg.SessionHours != 4 {
		t.Errorf("session_hours = %d", cfg.SessionHours)
	}
	// Unset fields keep their defaults.
	if cfg.TargetSubnet != "192.168.20.0/24" {
		t.Errorf("target_subnet default lost: %s", cfg.TargetSubnet)
	}
	if cfg.Firewall.Family != "inet" || cfg.Firewall.Table != "gateway" {
		t.Errorf("firewall block not merged: %+v", cfg.Firewall)
	}
	if cfg.Firewall.Set != "authorized_pairs" {
		t.Errorf("firewall set default lost: %s", cfg.Firewall.Set)
	}
	if len(cfg.Probe.TCPPorts) != 1 || cfg.Probe.TCPPorts[0] != 8443 {
		t.Errorf("probe ports not merged: %v", cfg.Probe.TCPPorts)
	}
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("CASTGATE_TOKEN_SECRET", "from-env")
	t.Setenv("CASTGATE_LISTEN", ":9000")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.TokenSecret != "from-env" {
		t.Errorf("token secret not taken from environment")
	}
	if cfg.Listen != ":9000" {
		t.Errorf("listen = %s, want :9000", cfg.Listen)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"bad client subnet", func(c *Config) { c.ClientSubnet = "not-a-cidr" }, "client_subnet"},
		{"bad target subnet", func(c *Config) { c.TargetSubnet = "192.168.20.0/40" }, "target_subnet"},
		{"bad management ip", func(c *Config) { c.ManagementIP = "localhost" }, "management_ip"},
		{"bad management port", func(c *Config) { c.ManagementPort = 70000 }, "management_port"},
		{"zero session hours", func(c *Config) { c.SessionHours = 0 }, "session_hours"},
		{"zero sweep interval", func(c *Config) { c.SweepIntervalSeconds = 0 }, "sweep_interval"},
		{"bad family", func(c *Config) { c.Firewall.Family = "ip6" }, "family"},
		{"unsafe table name", func(c *Config) { c.Firewall.Table = "castgate; drop" }, "table"},
		{"bad probe port", func(c *Config) { c.Probe.TCPPorts = []int{0} }, "tcp_ports"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestLoadRejectsMalformedFile(t *testing.T) {
	path := writeConfig(t, `client_subnet = `)
	if _, err := Load(path); err == nil {
		t.Error("expected parse error")
	}
}
