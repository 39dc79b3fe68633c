// Copyright 2026 The Freeflow Authors
// SPDX-License-Identifier: Apache-2.0

// Package peer negotiates and runs the direct data channel to each
// remote peer.
//
// A [Negotiator] owns one session per remote peer. The side that asked
// for the connection offers once the remote registry accepts; the other
// side answers. Descriptions and ICE candidates travel over the shared
// signaling transport, which drops envelopes whenever the relay socket
// bounces, so every send goes through [retry.Do]: descriptions get
// DescriptionAttempts tries, candidates CandidateAttempts. A
// description that exhausts its attempts is kept and re-sent the next
// time the transport reaches Stable.
//
// Inbound candidates that arrive before the remote description are
// queued on the session and applied in receipt order once it is set.
// Relay handlers run on the transport's read loop, so receipt order is
// the order the relay delivered them.
//
// When the data channel opens the peer becomes connected in the
// registry and, after SettleDelay, the sync handshake starts: each side
// sends sync_request with the newest timestamp it holds for the peer,
// and the other side answers with the messages it wrote itself after
// that point. Duplicates are dropped by id, so a repeated sync_response
// stores and announces each message once.
//
// The PeerConnection is abstracted behind [Connection] and [Channel].
// [PionFactory] provides the pion/webrtc implementation; tests supply
// fakes.
package peer
