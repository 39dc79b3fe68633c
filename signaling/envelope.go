// Copyright 2026 The Freeflow Authors
// SPDX-License-Identifier: Apache-2.0

package signaling

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/pion/webrtc/v4"
)

// PeerID identifies a user to the relay and to other peers.
type PeerID string

// Kind is an envelope's "type" discriminator.
type Kind string

const (
	KindPresence           Kind = "presence"
	KindConnectionRequest  Kind = "connection_request"
	KindConnectionAccepted Kind = "connection_accepted"
	KindConnectionRejected Kind = "connection_rejected"
	KindOffer              Kind = "offer"
	KindAnswer             Kind = "answer"
	KindCandidate          Kind = "candidate"
	KindLogoutNotification Kind = "logout_notification"
	KindOnlineUsers        Kind = "online_users"
)

// Critical reports whether losing an envelope of this kind would stall
// a negotiation. Sends of critical kinds on a closed socket trigger a
// one-shot reconnect instead of failing immediately.
func (k Kind) Critical() bool {
	switch k {
	case KindOffer, KindAnswer, KindCandidate, KindConnectionAccepted:
		return true
	}
	return false
}

// ErrUnknownKind is returned by Decode for a type it does not know.
var ErrUnknownKind = errors.New("signaling: unknown envelope type")

// Envelope is one relay message. The concrete types below are the only
// implementations.
type Envelope interface {
	Kind() Kind
}

// Presence announces the local peer after every successful open.
type Presence struct {
	PeerID      PeerID `json:"peerId"`
	DisplayName string `json:"displayName"`
}

// ConnectionRequest asks To for consent to open a peer channel.
type ConnectionRequest struct {
	From            PeerID `json:"fromPeerId"`
	FromDisplayName string `json:"fromDisplayName"`
	To              PeerID `json:"toPeerId"`
}

// ConnectionAccepted grants a ConnectionRequest. The requester then
// sends the offer.
type ConnectionAccepted struct {
	From PeerID `json:"fromPeerId"`
	To   PeerID `json:"toPeerId"`
}

// ConnectionRejected refuses a request. Reason is informational.
type ConnectionRejected struct {
	From   PeerID `json:"fromPeerId"`
	To     PeerID `json:"toPeerId"`
	Reason string `json:"reason"`
}

// Offer carries the offerer's session description.
type Offer struct {
	From        PeerID                    `json:"fromPeerId"`
	To          PeerID                    `json:"toPeerId"`
	Description webrtc.SessionDescription `json:"description"`
}

// Answer carries the answerer's session description.
type Answer struct {
	From        PeerID                    `json:"fromPeerId"`
	To          PeerID                    `json:"toPeerId"`
	Description webrtc.SessionDescription `json:"description"`
}

// Candidate carries one trickled ICE candidate.
type Candidate struct {
	From      PeerID                  `json:"fromPeerId"`
	To        PeerID                  `json:"toPeerId"`
	Candidate webrtc.ICECandidateInit `json:"candidate"`
}

// LogoutNotification tells connected peers that From is signing out.
// Timestamp is Unix milliseconds.
type LogoutNotification struct {
	From      PeerID   `json:"fromPeerId"`
	To        []PeerID `json:"toPeerIds"`
	Timestamp int64    `json:"timestamp"`
}

// OnlineUsers is the relay's roster broadcast. Clients never send it.
type OnlineUsers struct {
	Users []PeerID `json:"users"`
}

func (Presence) Kind() Kind           { return KindPresence }
func (ConnectionRequest) Kind() Kind  { return KindConnectionRequest }
func (ConnectionAccepted) Kind() Kind { return KindConnectionAccepted }
func (ConnectionRejected) Kind() Kind { return KindConnectionRejected }
func (Offer) Kind() Kind              { return KindOffer }
func (Answer) Kind() Kind             { return KindAnswer }
func (Candidate) Kind() Kind          { return KindCandidate }
func (LogoutNotification) Kind() Kind { return KindLogoutNotification }
func (OnlineUsers) Kind() Kind        { return KindOnlineUsers }

// Route returns the sender and, for point-to-point kinds, the single
// recipient. addressed is false for broadcasts and multi-recipient
// kinds, which every local handler may see.
func Route(envelope Envelope) (from, to PeerID, addressed bool) {
	switch e := envelope.(type) {
	case Presence:
		return e.PeerID, "", false
	case ConnectionRequest:
		return e.From, e.To, true
	case ConnectionAccepted:
		return e.From, e.To, true
	case ConnectionRejected:
		return e.From, e.To, true
	case Offer:
		return e.From, e.To, true
	case Answer:
		return e.From, e.To, true
	case Candidate:
		return e.From, e.To, true
	case LogoutNotification:
		return e.From, "", false
	case OnlineUsers:
		return "", "", false
	default:
		panic(fmt.Sprintf("signaling: Route called with unhandled envelope %T", envelope))
	}
}

// Encode renders envelope as a JSON object with its "type" field.
func Encode(envelope Envelope) ([]byte, error) {
	body, err := json.Marshal(envelope)
	if err != nil {
		return nil, fmt.Errorf("encoding %s: %w", envelope.Kind(), err)
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, fmt.Errorf("encoding %s: %w", envelope.Kind(), err)
	}
	kind, _ := json.Marshal(envelope.Kind())
	fields["type"] = kind
	return json.Marshal(fields)
}

// Decode parses one relay message.
func Decode(data []byte) (Envelope, error) {
	var header struct {
		Type Kind `json:"type"`
	}
	if err := json.Unmarshal(data, &header); err != nil {
		return nil, fmt.Errorf("decoding envelope: %w", err)
	}

	switch header.Type {
	case KindPresence:
		return decodeAs[Presence](data)
	case KindConnectionRequest:
		return decodeAs[ConnectionRequest](data)
	case KindConnectionAccepted:
		return decodeAs[ConnectionAccepted](data)
	case KindConnectionRejected:
		return decodeAs[ConnectionRejected](data)
	case KindOffer:
		return decodeAs[Offer](data)
	case KindAnswer:
		return decodeAs[Answer](data)
	case KindCandidate:
		return decodeAs[Candidate](data)
	case KindLogoutNotification:
		return decodeAs[LogoutNotification](data)
	case KindOnlineUsers:
		return decodeAs[OnlineUsers](data)
	default:
		return nil, fmt.Errorf("%w %q", ErrUnknownKind, header.Type)
	}
}

func decodeAs[T Envelope](data []byte) (Envelope, error) {
	var envelope T
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", envelope.Kind(), err)
	}
	return envelope, nil
}
