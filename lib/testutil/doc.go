// Copyright 2026 The Freeflow Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil holds helpers shared by Freeflow tests.
//
// [RequireReceive], [RequireSend] and [RequireClosed] bound a channel
// operation with a wall-clock timeout so a broken test fails instead of
// hanging. [Eventually] polls a condition for the few tests that drive
// real pion connections and cannot use a fake clock. These are the only
// places tests touch real time.
//
// [UniqueID] returns distinct identifiers for peers and messages.
// [Logger] returns a logger that discards output.
package testutil
