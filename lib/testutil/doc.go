// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil holds the channel helpers shared by modelfleet
// tests.
//
// [RequireReceive] and [RequireClosed] wrap the select-with-timeout
// safety valve so a broken goroutine fails the test instead of hanging
// it. They are the only place tests touch the wall clock; everything
// else runs on lib/clock's FakeClock.
//
// [Eventually] polls a condition for effects that have no channel to
// wait on, such as a file the watcher moves on disk.
//
// All helpers call t.Fatalf on failure.
package testutil
