// Copyright 2026 The Freeflow Authors
// SPDX-License-Identifier: Apache-2.0

// Package sqlitepool opens the SQLite connection pool behind the
// local key/value store.
//
// It wraps zombiezen.com/go/sqlite's sqlitex.Pool. Callers [Pool.Take]
// a connection, do their work, and [Pool.Put] it back. A connection is
// owned by one goroutine between Take and Put.
//
// # Pragmas
//
// Every connection is prepared with:
//
//   - journal_mode=WAL so the UI can read history while the sync path
//     writes.
//   - synchronous=NORMAL. A process crash loses nothing; a power loss
//     may lose the last transaction, which a later sync repairs.
//   - busy_timeout=5000.
//   - max_page_count, when [Config.MaxPages] is set. Writes past the
//     limit fail with SQLITE_FULL, which [IsFull] detects. This is how
//     the client models a bounded browser-style storage quota.
package sqlitepool
