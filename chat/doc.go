// Copyright 2026 The Freeflow Authors
// SPDX-License-Identifier: Apache-2.0

// Package chat assembles the peer link for one local user.
//
// A [Client] owns a signaling transport, the consent registry, the
// message store and the peer negotiator, and wires them together: the
// registry asks the negotiator whether a peer's channel is live, and
// the negotiator records connection status back into the registry.
// User interfaces talk only to the Client.
//
// The Client also tracks the relay's online roster and handles logout
// in both directions. Logging out notifies connected peers, closes
// every session and purges the local user's persisted state. A peer's
// logout notification closes that peer's session.
package chat
