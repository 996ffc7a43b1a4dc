// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/bureau-foundation/modelfleet/lib/bus"
	"github.com/bureau-foundation/modelfleet/lib/clock"
	"github.com/bureau-foundation/modelfleet/lib/config"
	"github.com/bureau-foundation/modelfleet/lib/dispatch"
	"github.com/bureau-foundation/modelfleet/lib/modelstore"
	"github.com/bureau-foundation/modelfleet/lib/onboard"
	"github.com/bureau-foundation/modelfleet/lib/protocol"
	"github.com/bureau-foundation/modelfleet/lib/registry"
	"github.com/bureau-foundation/modelfleet/lib/round"
	"github.com/bureau-foundation/modelfleet/lib/selector"
	"github.com/bureau-foundation/modelfleet/lib/status"
	"github.com/bureau-foundation/modelfleet/lib/watcher"
)

// messageBus is the part of the MQTT client the coordinator uses.
type messageBus interface {
	protocol.Publisher
	Subscribe(filter string, handler bus.Handler) error
}

type coordinatorConfig struct {
	Config   *config.Config
	Registry registry.Registry
	Bus      messageBus
	Clock    clock.Clock
	Logger   *slog.Logger

	// ResetBest discards the persisted best model instead of
	// restoring it.
	ResetBest bool
}

// coordinator owns the long-running components and their lifetimes.
type coordinator struct {
	logger     *slog.Logger
	bus        messageBus
	topics     protocol.Topics
	dispatcher *dispatch.Dispatcher
	selector   *selector.Selector
	watcher    *watcher.Watcher
	round      *round.Controller
	status     *status.Server
}

func newCoordinator(cc coordinatorConfig) (*coordinator, error) {
	cfg := cc.Config
	topics := cfg.Broker.Topics()
	sender := &protocol.Sender{Publisher: cc.Bus, Topics: topics, Logger: cc.Logger}

	store, err := modelstore.New(modelstore.Config{
		Root:             cfg.Paths.StoreDir,
		DistributionDir:  cfg.Paths.DistributionDir,
		DistributionFile: cfg.Paths.DistributionFile,
		ArchiveDir:       cfg.Paths.ArchiveDir,
		Logger:           cc.Logger,
	})
	if err != nil {
		return nil, err
	}

	modelSelector, err := selector.New(selector.Config{
		Registry:         cc.Registry,
		Store:            store,
		Sender:           sender,
		Clock:            cc.Clock,
		Logger:           cc.Logger.With("component", "selector"),
		Interval:         cfg.Selector.Interval,
		ThresholdPercent: cfg.Selector.ThresholdPercent,
		FileGrace:        cfg.Selector.FileGrace,
		StatePath:        cfg.Paths.StateFile,
	})
	if err != nil {
		return nil, err
	}
	if cc.ResetBest {
		err = modelSelector.Reset()
	} else {
		err = modelSelector.Restore()
	}
	if err != nil {
		return nil, err
	}

	dropWatcher, err := watcher.New(watcher.Config{
		Directory:   cfg.Paths.WatchDir,
		Separator:   cfg.Watcher.Separator,
		SettleDelay: cfg.Watcher.SettleDelay,
		Store:       store,
		Clock:       cc.Clock,
		Logger:      cc.Logger.With("component", "watcher"),
		// A newly stored file may be the one a pending candidate is
		// waiting for.
		OnRelocated: func(watcher.Relocation) { modelSelector.Nudge() },
	})
	if err != nil {
		return nil, err
	}

	hyperparameters := cfg.Round.Hyperparameters
	hyperparameters.DistributionFile = cfg.Paths.DistributionFile

	c := &coordinator{
		logger:   cc.Logger,
		bus:      cc.Bus,
		topics:   topics,
		selector: modelSelector,
		watcher:  dropWatcher,
		dispatcher: &dispatch.Dispatcher{
			Registry: cc.Registry,
			Onboarder: &onboard.Handler{
				Registry:        cc.Registry,
				Sender:          sender,
				Hyperparameters: hyperparameters,
				Logger:          cc.Logger.With("component", "onboard"),
			},
			Topics:  topics,
			Weights: cfg.Selector.Weights,
			Logger:  cc.Logger.With("component", "dispatch"),
		},
	}

	var roundSource status.RoundSource
	if cfg.Round.Enabled {
		c.round, err = round.New(round.Config{
			Sender:          sender,
			Hyperparameters: hyperparameters,
			AnnounceDelay:   cfg.Round.AnnounceDelay,
			Duration:        cfg.Round.Duration,
			Clock:           cc.Clock,
			Logger:          cc.Logger.With("component", "round"),
		})
		if err != nil {
			return nil, err
		}
		roundSource = c.round
	}

	if cfg.Status.Address != "" {
		c.status = status.NewServer(status.ServerConfig{
			Address: cfg.Status.Address,
			Handler: status.NewHandler(status.HandlerConfig{
				Best:    modelSelector,
				Round:   roundSource,
				Clock:   cc.Clock,
				Started: cc.Clock.Now(),
			}),
			Logger: cc.Logger.With("component", "status"),
		})
	}
	return c, nil
}

// run starts every component and blocks until ctx is cancelled, the
// round completes, or a component fails. All components have stopped
// when it returns.
func (c *coordinator) run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := c.bus.Subscribe(c.topics.InboundFilter(), c.dispatcher.Handle); err != nil {
		return fmt.Errorf("subscribing to agent results: %w", err)
	}

	var (
		wg       sync.WaitGroup
		errMu    sync.Mutex
		failures []error
	)
	fail := func(component string, err error) {
		c.logger.Error("component failed, shutting down", "component", component, "error", err)
		errMu.Lock()
		failures = append(failures, fmt.Errorf("%s: %w", component, err))
		errMu.Unlock()
		cancel()
	}

	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := c.watcher.Run(ctx); err != nil {
			fail("watcher", err)
		}
	}()
	go func() {
		defer wg.Done()
		c.selector.Run(ctx)
	}()

	var roundDone <-chan struct{}
	if c.round != nil {
		roundDone = c.round.Done()
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := c.round.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				fail("round", err)
			}
		}()
	}

	if c.status != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := c.status.Serve(ctx); err != nil {
				fail("status", err)
			}
		}()
	}

	select {
	case <-ctx.Done():
	case <-roundDone:
		c.logger.Info("training round complete, shutting down")
		cancel()
	}
	wg.Wait()
	return errors.Join(failures...)
}
