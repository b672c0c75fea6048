package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/foundry-forge/oms/internal/config"
	"github.com/foundry-forge/oms/internal/db"
	"github.com/foundry-forge/oms/pkg/outbox"
	"github.com/foundry-forge/oms/pkg/outbox/router"
	"github.com/foundry-forge/oms/pkg/outbox/target"
)

// Outbox retention for the daily cleanup pass.
const publishedRetention = 7 * 24 * time.Hour

func main() {
	configPath := flag.String("config", "config.hcl", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := hclog.New(&hclog.LoggerOptions{
		Name:  "oms-relay",
		Level: hclog.LevelFromString(cfg.LogLevel),
	})
	logger.Info("starting oms-relay", "config", *configPath)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	if err := run(ctx, cancel, sigCh, cfg, logger); err != nil {
		logger.Error("relay failed", "error", err)
		os.Exit(1)
	}
	logger.Info("oms-relay stopped gracefully")
}

func run(ctx context.Context, cancel context.CancelFunc, sigCh chan os.Signal, cfg *config.Config, logger hclog.Logger) error {
	database, err := db.Open(cfg.Store, logger)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}

	rt, err := buildRouter(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer rt.Stop()
	rt.StartHealthChecks(ctx, 30*time.Second)

	relay, err := outbox.New(outbox.Config{
		DB:           database,
		Router:       rt,
		PollInterval: time.Duration(cfg.Outbox.PollIntervalMS) * time.Millisecond,
		BatchSize:    cfg.Outbox.BatchSize,
		Logger:       logger,
	})
	if err != nil {
		return fmt.Errorf("failed to create relay: %w", err)
	}

	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", "signal", sig)
		relay.Stop()
		cancel()
	}()

	go runCleanup(ctx, relay, logger)

	if err := relay.Start(ctx); err != nil && err != context.Canceled {
		return err
	}
	return nil
}

// buildRouter registers every configured publish target. The message bus is
// mandatory; the cloud bus and event log join when configured and
// multi-platform routing is on.
func buildRouter(ctx context.Context, cfg *config.Config, logger hclog.Logger) (*router.Router, error) {
	rt := router.New(logger)

	bus, err := target.NewNATSTarget(target.NATSConfig{
		URL:        cfg.Bus.URL,
		StreamName: cfg.Bus.StreamName,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to connect message bus: %w", err)
	}
	if err := rt.RegisterTarget(bus); err != nil {
		return nil, err
	}

	if !cfg.MultiPlatformRouting {
		return rt, nil
	}

	if cfg.CloudBus != nil && cfg.CloudBus.Name != "" {
		cloud, err := target.NewEventBridgeTarget(ctx, target.EventBridgeConfig{
			BusName: cfg.CloudBus.Name,
			Region:  cfg.CloudBus.Region,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to connect cloud bus: %w", err)
		}
		if err := rt.RegisterTarget(cloud); err != nil {
			return nil, err
		}
	}

	if cfg.EventLog != nil && len(cfg.EventLog.Brokers) > 0 {
		archive, err := target.NewKafkaTarget(target.KafkaConfig{
			Brokers: cfg.EventLog.Brokers,
			Topic:   cfg.EventLog.Topic,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to connect event log: %w", err)
		}
		if err := rt.RegisterTarget(archive); err != nil {
			return nil, err
		}
	}

	return rt, nil
}

// runCleanup prunes published outbox rows once a day.
func runCleanup(ctx context.Context, relay *outbox.Relay, logger hclog.Logger) {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := relay.CleanupOldEvents(publishedRetention); err != nil {
				logger.Error("outbox cleanup failed", "error", err)
			}
		}
	}
}
