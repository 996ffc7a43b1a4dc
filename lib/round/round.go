// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package round runs the single timed training round of a coordinator
// process.
//
// The round moves through four phases: start, announced_stop, training
// and stopped. After the announce delay it broadcasts StopTrain so any
// agent still running a previous round halts, then broadcasts Setup
// with the round's hyperparameters. When the round duration has
// elapsed it broadcasts StopTrain again and closes [Controller.Done].
package round

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bureau-foundation/modelfleet/lib/clock"
	"github.com/bureau-foundation/modelfleet/lib/protocol"
)

// Phase is a round state.
type Phase string

const (
	PhaseStart         Phase = "start"
	PhaseAnnouncedStop Phase = "announced_stop"
	PhaseTraining      Phase = "training"
	PhaseStopped       Phase = "stopped"
)

// Transition records entering a phase.
type Transition struct {
	Phase Phase     `json:"phase"`
	At    time.Time `json:"at"`
}

// Status is a snapshot of the round.
type Status struct {
	Phase Phase `json:"phase"`

	// TrainingStarted is zero until the training phase begins.
	TrainingStarted time.Time     `json:"training_started,omitzero"`
	Duration        time.Duration `json:"duration"`
	Transitions     []Transition  `json:"transitions"`
}

// Config configures a Controller.
type Config struct {
	Sender          *protocol.Sender
	Hyperparameters protocol.Hyperparameters
	AnnounceDelay   time.Duration
	Duration        time.Duration
	Clock           clock.Clock
	Logger          *slog.Logger

	// OnPhase, if set, is called synchronously on every transition.
	OnPhase func(Transition)
}

// Controller drives one round. Create with New.
type Controller struct {
	sender          *protocol.Sender
	hyperparameters protocol.Hyperparameters
	announceDelay   time.Duration
	duration        time.Duration
	clock           clock.Clock
	logger          *slog.Logger
	onPhase         func(Transition)

	started  atomic.Bool
	done     chan struct{}
	doneOnce sync.Once

	mu     sync.Mutex
	status Status
}

// New validates cfg and returns a Controller that has not started.
func New(cfg Config) (*Controller, error) {
	switch {
	case cfg.Sender == nil:
		return nil, fmt.Errorf("round: Sender is required")
	case cfg.Clock == nil:
		return nil, fmt.Errorf("round: Clock is required")
	case cfg.Logger == nil:
		return nil, fmt.Errorf("round: Logger is required")
	case cfg.AnnounceDelay < 0:
		return nil, fmt.Errorf("round: AnnounceDelay must not be negative")
	case cfg.Duration <= 0:
		return nil, fmt.Errorf("round: Duration must be positive")
	}
	return &Controller{
		sender:          cfg.Sender,
		hyperparameters: cfg.Hyperparameters,
		announceDelay:   cfg.AnnounceDelay,
		duration:        cfg.Duration,
		clock:           cfg.Clock,
		logger:          cfg.Logger,
		onPhase:         cfg.OnPhase,
		done:            make(chan struct{}),
		status:          Status{Duration: cfg.Duration},
	}, nil
}

// Done is closed when the round reaches the stopped phase. It is never
// closed if the round is cancelled first.
func (c *Controller) Done() <-chan struct{} { return c.done }

// Status returns a snapshot of the round's progress.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	status := c.status
	status.Transitions = append([]Transition(nil), c.status.Transitions...)
	return status
}

// Run executes the round. It returns nil once the round has stopped or
// ctx.Err() if cancelled before that.
func (c *Controller) Run(ctx context.Context) error {
	if !c.started.CompareAndSwap(false, true) {
		return errors.New("round: Run called more than once")
	}

	c.enter(PhaseStart)
	if err := c.wait(ctx, c.announceDelay); err != nil {
		return err
	}

	c.sender.Broadcast(protocol.StopTrain{})
	c.enter(PhaseAnnouncedStop)

	c.sender.Broadcast(protocol.Setup{Hyperparameters: c.hyperparameters})
	c.enter(PhaseTraining)

	if err := c.wait(ctx, c.duration); err != nil {
		return err
	}

	c.sender.Broadcast(protocol.StopTrain{})
	c.enter(PhaseStopped)
	c.doneOnce.Do(func() { close(c.done) })
	return nil
}

func (c *Controller) wait(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		c.logger.Info("round cancelled", "phase", c.Status().Phase)
		return ctx.Err()
	case <-c.clock.After(d):
		return nil
	}
}

func (c *Controller) enter(phase Phase) {
	transition := Transition{Phase: phase, At: c.clock.Now().UTC()}
	c.mu.Lock()
	c.status.Phase = phase
	c.status.Transitions = append(c.status.Transitions, transition)
	if phase == PhaseTraining {
		c.status.TrainingStarted = transition.At
	}
	c.mu.Unlock()

	attributes := []any{"phase", phase}
	switch phase {
	case PhaseTraining:
		attributes = append(attributes,
			"duration", c.duration,
			"max_iterations", c.hyperparameters.MaxIterations,
			"seed", c.hyperparameters.Seed,
		)
	case PhaseStart:
		attributes = append(attributes, "announce_delay", c.announceDelay)
	}
	c.logger.Info("round phase", attributes...)

	if c.onPhase != nil {
		c.onPhase(transition)
	}
}
