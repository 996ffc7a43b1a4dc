// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package selector picks the best model submitted by the fleet and
// distributes it.
//
// On every tick the [Selector] reads the newest submission of each
// agent from the registry and chooses a candidate:
//
//   - no submissions: nothing to do;
//   - exactly one: it becomes the provisional best without any
//     threshold (bootstrap);
//   - several: the highest score wins; equal scores keep the first in
//     registry order (agent name ascending).
//
// A candidate that is already the best model is ignored. Otherwise it
// must beat the current best by the improvement threshold:
//
//	candidate.Score >= best.Score * (1 + threshold/100)
//
// Promotion copies the candidate's file to the distribution path and
// sends NewModel to every agent except its owner. Because the file and
// the metrics arrive on independent channels, a missing file gets one
// bounded grace wait; if it is still missing the tick gives up and the
// next tick reconsiders the same candidate. Files that can never be
// used (invalid name, not a regular file) mark the submission unusable
// and it is excluded from later ticks.
//
// The selector owns the BestModel. It is persisted to a CBOR state file
// after each promotion and restored by [Selector.Restore] at startup.
package selector
