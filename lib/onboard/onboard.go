// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package onboard registers agents that announce themselves and hands
// them the active round settings.
package onboard

import (
	"context"
	"log/slog"

	"github.com/bureau-foundation/modelfleet/lib/protocol"
	"github.com/bureau-foundation/modelfleet/lib/registry"
)

// Handler onboards agents. All fields are required.
type Handler struct {
	Registry        registry.Registry
	Sender          *protocol.Sender
	Hyperparameters protocol.Hyperparameters
	Logger          *slog.Logger
}

// Onboard records agent in the registry and sends it Setup. An agent
// that is already registered still receives Setup, so a restarted
// agent can rejoin the current round. A registry failure is returned
// and no Setup is sent.
func (h *Handler) Onboard(ctx context.Context, agent string) error {
	created, err := h.Registry.InsertAgent(ctx, agent)
	if err != nil {
		return err
	}
	if created {
		h.Logger.Info("agent registered", "agent", agent)
	} else {
		h.Logger.Info("agent already registered, resending setup", "agent", agent)
	}
	h.Sender.SendTo(agent, protocol.Setup{Hyperparameters: h.Hyperparameters})
	return nil
}
