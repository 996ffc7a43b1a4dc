// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"log/slog"
	"strings"
)

// Topics is the topic layout shared by the coordinator and agents.
type Topics struct {
	// CommandSuffix is appended to an agent id to form that agent's
	// command topic: "<agent>/<CommandSuffix>".
	CommandSuffix string

	// Broadcast is the topic every agent subscribes to in addition to
	// its own command topic.
	Broadcast string

	// InboundSuffix is the second segment of topics agents publish
	// on: "<agent>/<InboundSuffix>".
	InboundSuffix string
}

// DefaultTopics returns the layout deployed agents use.
func DefaultTopics() Topics {
	return Topics{
		CommandSuffix: "Commands",
		Broadcast:     "all/Commands",
		InboundSuffix: "Results",
	}
}

// Command returns the command topic of agent.
func (t Topics) Command(agent string) string {
	return agent + "/" + t.CommandSuffix
}

// InboundFilter is the wildcard subscription covering every agent's
// inbound topic.
func (t Topics) InboundFilter() string {
	return "+/" + t.InboundSuffix
}

// Agent extracts the sending agent from an inbound topic. It reports
// false for any topic that is not exactly "<agent>/<InboundSuffix>"
// with a non-empty, wildcard-free agent segment.
func (t Topics) Agent(topic string) (string, bool) {
	segments := strings.Split(topic, "/")
	if len(segments) != 2 || segments[1] != t.InboundSuffix {
		return "", false
	}
	agent := segments[0]
	if agent == "" || strings.ContainsAny(agent, "+#") {
		return "", false
	}
	return agent, true
}

// Publisher sends a payload to a topic without waiting for delivery.
// Implementations log their own failures; nothing is reported back.
type Publisher interface {
	Publish(topic string, payload []byte)
}

// Sender publishes outbound commands using the topic layout.
type Sender struct {
	Publisher Publisher
	Topics    Topics
	Logger    *slog.Logger
}

// SendTo publishes cmd on agent's command topic.
func (s *Sender) SendTo(agent string, cmd Outbound) {
	s.publish(s.Topics.Command(agent), cmd)
}

// Broadcast publishes cmd on the broadcast topic.
func (s *Sender) Broadcast(cmd Outbound) {
	s.publish(s.Topics.Broadcast, cmd)
}

func (s *Sender) publish(topic string, cmd Outbound) {
	payload := cmd.Encode()
	if s.Logger != nil {
		s.Logger.Debug("publishing command", "topic", topic, "payload", payload)
	}
	s.Publisher.Publish(topic, []byte(payload))
}
