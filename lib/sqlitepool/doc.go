// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package sqlitepool opens the SQLite connection pool behind the model
// registry. It wraps zombiezen.com/go/sqlite's sqlitex.Pool and applies
// the same pragmas to every connection:
//
//   - journal_mode=WAL: the selector's reads never block the bus
//     handlers' inserts.
//   - synchronous=NORMAL: committed rows survive a process crash.
//   - busy_timeout=5000: concurrent writers wait for the lock instead
//     of failing with SQLITE_BUSY.
//   - foreign_keys=ON: submissions must reference a registered agent.
//
// Connections are not safe for concurrent use. Each goroutine Takes
// its own connection and Puts it back:
//
//	conn, err := pool.Take(ctx)
//	if err != nil {
//	    return err
//	}
//	defer pool.Put(conn)
package sqlitepool
