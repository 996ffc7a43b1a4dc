// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package modelstore owns the on-disk layout of model files:
//
//	<root>/<agent>/<filename>          per-agent store (filled by the watcher)
//	<distribution dir>/<file>          the single well-known best model
//	<archive dir>/<blake3>.zst         optional history of promoted models
//
// Model files and their metadata travel on independent channels, so a
// file may be reported before it lands. [Store.Resolve] answers with a
// [Status] that separates "not yet available" (worth waiting for) from
// "unavailable" (will not fix itself).
//
// Every write is atomic: data goes to a temporary file in the target
// directory, is fsynced, then renamed into place. Agents downloading
// the distribution file never observe a partial copy.
package modelstore
