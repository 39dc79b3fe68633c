// Copyright 2026 The Freeflow Authors
// SPDX-License-Identifier: Apache-2.0

// Package signaling is the client side of the relay connection used to
// bootstrap peer channels.
//
// A [Transport] keeps one duplex socket to the relay open for the local
// peer. It moves through Disconnected, Connecting, Open and Stable;
// Stable is entered a fixed interval after Open, and negotiation
// traffic waits for it because a freshly opened socket often bounces.
// Unexpected closes are repaired with exponential backoff until the
// attempt budget runs out, at which point a fatal state event carrying
// [ErrRelayUnreachable] is published.
//
// Messages on the socket are [Envelope] values, a closed set of JSON
// objects discriminated by their "type" field. [Decode] switches over
// every known kind; an unknown kind is an error rather than a silently
// ignored map. Envelopes addressed to a peer other than the local one
// are dropped before any handler sees them.
//
// Dialing is behind [Dialer]: [WebSocketDialer] for a real relay,
// [MemoryRelay] for tests.
package signaling
