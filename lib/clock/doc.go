// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock is the injectable time source used by the selector
// loop, the round controller and the file watcher.
//
// Components hold a Clock field instead of calling time.Now, time.After,
// time.NewTicker or time.Sleep. Production wiring passes Real(). Tests
// pass Fake(start) and move time forward with Advance:
//
//	c := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
//	go controller.Run(ctx)
//	c.WaitForTimers(1)        // the controller is now sleeping
//	c.Advance(10 * time.Second)
//
// WaitForTimers closes the gap between a goroutine registering a wait
// and the test advancing the clock, so no test needs a real sleep.
package clock
