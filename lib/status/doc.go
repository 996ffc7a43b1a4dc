// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package status serves the coordinator's read-only HTTP endpoint.
//
//	GET /healthz  -> 200 "ok"
//	GET /status   -> JSON snapshot of the best model and the round
//
// The endpoint is optional and only binds when an address is
// configured. It never changes coordinator state.
package status
