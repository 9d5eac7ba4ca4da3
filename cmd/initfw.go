package cmd

import (
	"fmt"

	"github.com/castgate/castgate/internal/firewall"
)

// RunInitFirewall installs the base rule set and exits. Useful for
// verifying nft permissions before starting the daemon.
func RunInitFirewall(configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger := newLogger(cfg)

	orch, err := firewall.New(firewall.Config{
		Family:         cfg.Firewall.Family,
		Table:          cfg.Firewall.Table,
		Set:            cfg.Firewall.Set,
		ClientSubnet:   cfg.ClientSubnet,
		ManagementIP:   cfg.ManagementIP,
		ManagementPort: cfg.ManagementPort,
	}, logger)
	if err != nil {
		return err
	}
	if err := orch.Init(); err != nil {
		return err
	}

	pairs, err := orch.ListPairs()
	if err != nil {
		return fmt.Errorf("rule set installed but listing failed: %w", err)
	}
	fmt.Printf("base rule set installed (%s %s, set %s, %d pairs)\n",
		cfg.Firewall.Family, cfg.Firewall.Table, cfg.Firewall.Set, len(pairs))
	return nil
}
