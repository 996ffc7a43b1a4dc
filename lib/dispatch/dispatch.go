// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package dispatch routes inbound agent messages to their handlers.
//
// Every message arrives on an agent's results topic. The Dispatcher
// identifies the agent from the topic, parses the payload and acts on
// it: test results become registry submissions, NewUser announcements
// go to onboarding, and loop telemetry is logged. Malformed or unknown
// messages are logged and dropped without affecting later messages.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/bureau-foundation/modelfleet/lib/protocol"
	"github.com/bureau-foundation/modelfleet/lib/registry"
)

// Onboarder registers a newly announced agent.
type Onboarder interface {
	Onboard(ctx context.Context, agent string) error
}

// Dispatcher handles inbound messages. It holds no mutable state and is
// safe for concurrent use.
type Dispatcher struct {
	Registry  registry.Registry
	Onboarder Onboarder
	Topics    protocol.Topics
	Weights   registry.Weights
	Logger    *slog.Logger
}

// Handle processes one message. Topics that are not results topics and
// payloads that cannot be parsed are dropped with a nil return; errors
// are reserved for failures of the registry or onboarding.
func (d *Dispatcher) Handle(ctx context.Context, topic string, payload []byte) error {
	agent, ok := d.Topics.Agent(topic)
	if !ok {
		d.Logger.Debug("ignoring message on unexpected topic", "topic", topic)
		return nil
	}

	message, err := protocol.Parse(string(payload))
	if err != nil {
		var malformed *protocol.MalformedError
		if errors.As(err, &malformed) {
			d.Logger.Warn("dropping malformed message",
				"agent", agent,
				"command", malformed.Command,
				"reason", malformed.Reason,
			)
			return nil
		}
		return err
	}

	switch message := message.(type) {
	case protocol.TestResult:
		return d.recordResult(ctx, agent, message)

	case protocol.LoopStarted:
		d.Logger.Info("agent training loop started", "agent", agent, "detail", message.Detail)
		return nil

	case protocol.LoopStopped:
		d.Logger.Info("agent training loop stopped", "agent", agent, "detail", message.Detail)
		return nil

	case protocol.NewUser:
		if message.Agent != agent {
			d.Logger.Warn("NewUser announces a different agent than its topic",
				"agent", message.Agent,
				"topic_agent", agent,
			)
		}
		if err := d.Onboarder.Onboard(ctx, message.Agent); err != nil {
			return fmt.Errorf("onboarding %s: %w", message.Agent, err)
		}
		return nil

	case protocol.Unknown:
		d.Logger.Warn("dropping unknown command", "agent", agent, "command", message.Name)
		return nil

	default:
		return fmt.Errorf("dispatch: unhandled message type %T", message)
	}
}

func (d *Dispatcher) recordResult(ctx context.Context, agent string, result protocol.TestResult) error {
	score := d.Weights.Score(result.RewardMean, result.RewardStd)
	submission, err := d.Registry.InsertSubmission(ctx, registry.NewSubmission{
		Agent:      agent,
		Filename:   result.Filename,
		RewardMean: result.RewardMean,
		RewardStd:  result.RewardStd,
		Score:      score,
	})
	if err != nil {
		return err
	}
	d.Logger.Info("test result recorded",
		"agent", agent,
		"filename", result.Filename,
		"reward_mean", result.RewardMean,
		"reward_std", result.RewardStd,
		"score", score,
		"submission", submission.ID,
	)
	return nil
}
