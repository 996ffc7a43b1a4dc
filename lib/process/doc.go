// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package process holds the entrypoint helpers for modelfleet
// binaries: the one place raw stderr output is allowed, for errors
// that happen before the structured logger exists.
package process
