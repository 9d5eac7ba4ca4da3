// Package cmd implements the castgate subcommands.
package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/castgate/castgate/internal/api"
	"github.com/castgate/castgate/internal/auth"
	"github.com/castgate/castgate/internal/config"
	"github.com/castgate/castgate/internal/firewall"
	"github.com/castgate/castgate/internal/logging"
	"github.com/castgate/castgate/internal/metrics"
	"github.com/castgate/castgate/internal/netcheck"
	"github.com/castgate/castgate/internal/scheduler"
	"github.com/castgate/castgate/internal/session"
	"github.com/castgate/castgate/internal/store"
)

// Version is the build version, overridden at link time.
var Version = "dev"

// RunServe starts the gateway daemon: firewall base rules, store, API
// server, and the background sweep and retention tasks.
func RunServe(configPath string, skipFirewallInit bool) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	logger := newLogger(cfg)
	logger.Info("castgate starting", "version", Version)

	if cfg.TokenSecret == "" {
		return fmt.Errorf("token_secret is not configured (set CASTGATE_TOKEN_SECRET)")
	}
	tokens, err := auth.NewTokenManager(cfg.TokenSecret)
	if err != nil {
		return err
	}

	st, err := store.Open(cfg.DatabasePath, logger)
	if err != nil {
		return err
	}
	defer st.Close()

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
	if !skipFirewallInit {
		if err := orch.Init(); err != nil {
			return fmt.Errorf("install base rule set: %w", err)
		}
	}

	prober := netcheck.New(netcheck.Config{TCPPorts: cfg.Probe.TCPPorts}, logger)

	manager := session.NewManager(session.Config{
		ClientSubnet:    cfg.ClientSubnet,
		TargetSubnet:    cfg.TargetSubnet,
		SessionDuration: time.Duration(cfg.SessionHours) * time.Hour,
	}, st, orch, logger)

	sched := scheduler.New(logger)
	err = sched.AddTask(&scheduler.Task{
		ID:          "expiry-sweep",
		Name:        "expiry sweep",
		Description: "terminate sessions whose expiry has passed",
		Schedule:    scheduler.Every(time.Duration(cfg.SweepIntervalSeconds) * time.Second),
		RunOnStart:  true,
		Timeout:     time.Duration(cfg.SweepIntervalSeconds) * time.Second,
		OnSkip:      metrics.Get().SweepSkipped.Inc,
		Func: func(ctx context.Context) error {
			_, err := manager.SweepExpired(ctx)
			return err
		},
	})
	if err != nil {
		return err
	}
	if cfg.ActivityRetentionDays > 0 {
		retention := time.Duration(cfg.ActivityRetentionDays) * 24 * time.Hour
		err = sched.AddTask(&scheduler.Task{
			ID:          "activity-prune",
			Name:        "activity log retention",
			Description: "prune activity log entries past retention",
			Schedule:    scheduler.Daily(3, 30),
			Func: func(ctx context.Context) error {
				n, err := st.PruneActivityBefore(ctx, time.Now().Add(-retention))
				if err == nil && n > 0 {
					logger.Info("activity log pruned", "removed", n)
				}
				return err
			},
		})
		if err != nil {
			return err
		}
	}
	sched.Start()
	defer sched.Stop()

	server := api.NewServer(api.ServerOptions{
		Config:   cfg,
		Store:    st,
		Sessions: manager,
		Prober:   prober,
		Filter:   orch,
		Tokens:   tokens,
		Logger:   logger,
	})

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig.String())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(ctx)
}

func loadConfig(path string) (*config.Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		// Run on defaults plus environment when no file is present.
		return config.Load("")
	}
	return config.Load(path)
}

func newLogger(cfg *config.Config) *logging.Logger {
	logger := logging.New(logging.Config{
		Level:  logging.ParseLevel(cfg.LogLevel),
		Output: os.Stderr,
		JSON:   cfg.LogFormat == "json",
	})
	logging.SetDefault(logger)
	return logger
}
