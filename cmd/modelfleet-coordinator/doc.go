// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// modelfleet-coordinator keeps a fleet of training agents on the best
// model any of them has produced.
//
// Agents upload model files to a drop directory and report evaluation
// results over MQTT. The coordinator files each upload under its agent,
// records every result in a SQLite registry, and periodically promotes
// the highest-scoring model that beats the current best by the
// configured threshold, telling every other agent to continue from it.
// Unless started with --no-round, it also runs one timed training
// round and exits when the round ends.
//
// Usage:
//
//	modelfleet-coordinator --config /etc/modelfleet/coordinator.yaml
package main
