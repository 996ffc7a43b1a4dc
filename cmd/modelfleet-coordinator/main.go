// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/modelfleet/lib/bus"
	"github.com/bureau-foundation/modelfleet/lib/clock"
	"github.com/bureau-foundation/modelfleet/lib/config"
	"github.com/bureau-foundation/modelfleet/lib/process"
	"github.com/bureau-foundation/modelfleet/lib/registry"
	"github.com/bureau-foundation/modelfleet/lib/version"
)

const binaryName = "modelfleet-coordinator"

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	var (
		configPath  string
		showVersion bool
		noRound     bool
		resetBest   bool
	)
	flagSet := pflag.NewFlagSet(binaryName, pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "path to the coordinator config file (default: $"+config.EnvironmentVariable+")")
	flagSet.BoolVar(&showVersion, "version", false, "print version information and exit")
	flagSet.BoolVar(&noRound, "no-round", false, "run selection only, without a timed training round")
	flagSet.BoolVar(&resetBest, "reset", false, "discard the persisted best model before starting")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}
	if showVersion {
		version.Print(binaryName)
		return nil
	}
	if args := flagSet.Args(); len(args) > 0 {
		return fmt.Errorf("unexpected argument: %s", args[0])
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if noRound {
		cfg.Round.Enabled = false
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	logger, err := newLogger(cfg.Log, os.Stderr)
	if err != nil {
		return err
	}
	if err := cfg.EnsurePaths(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	realClock := clock.Real()
	registryStore, err := registry.OpenStore(registry.StoreConfig{
		Path:   cfg.Paths.Database,
		Clock:  realClock,
		Logger: logger,
	})
	if err != nil {
		return err
	}
	defer registryStore.Close()

	client, err := bus.Connect(ctx, bus.Config{
		Address:        cfg.Broker.Address,
		Username:       cfg.Broker.Username,
		Password:       cfg.Broker.Password,
		ClientIDPrefix: cfg.Broker.ClientIDPrefix,
		QoS:            byte(cfg.Broker.QoS),
		ConnectTimeout: cfg.Broker.ConnectTimeout,
		Logger:         logger,
	})
	if err != nil {
		return err
	}
	defer client.Close()

	coordinator, err := newCoordinator(coordinatorConfig{
		Config:    cfg,
		Registry:  registryStore,
		Bus:       client,
		Clock:     realClock,
		Logger:    logger,
		ResetBest: resetBest,
	})
	if err != nil {
		return err
	}

	logger.Info("coordinator starting",
		"version", version.Info(),
		"broker", cfg.Broker.Address,
		"watch_dir", cfg.Paths.WatchDir,
		"round", cfg.Round.Enabled,
	)
	err = coordinator.run(ctx)
	logger.Info("coordinator stopped")
	return err
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFile(path)
	}
	return config.Load()
}

// newLogger builds the process logger from the log section.
func newLogger(cfg config.LogConfig, output io.Writer) (*slog.Logger, error) {
	level, err := cfg.SlogLevel()
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	options := &slog.HandlerOptions{Level: level}
	switch cfg.Format {
	case "text":
		return slog.New(slog.NewTextHandler(output, options)), nil
	case "json", "":
		return slog.New(slog.NewJSONHandler(output, options)), nil
	default:
		return nil, fmt.Errorf("unknown log format %q", cfg.Format)
	}
}
