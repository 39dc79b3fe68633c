// Copyright 2026 The Freeflow Authors
// SPDX-License-Identifier: Apache-2.0

package registry

import (
	"fmt"
	"slices"
	"time"

	"github.com/freeflow-chat/freeflow/signaling"
)

// Status is a peer's position in the consent state machine.
type Status string

const (
	StatusNone         Status = "none"
	StatusRequested    Status = "requested"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
)

// transitions lists the legal successors of each status. Setting a
// peer to its current status is always allowed and changes nothing but
// the activity time.
var transitions = map[Status][]Status{
	StatusNone:         {StatusRequested, StatusConnecting},
	StatusRequested:    {StatusConnecting, StatusNone},
	StatusConnecting:   {StatusConnected, StatusDisconnected, StatusNone},
	StatusConnected:    {StatusConnecting, StatusDisconnected, StatusNone},
	StatusDisconnected: {StatusRequested, StatusConnecting, StatusNone},
}

// InvalidTransitionError reports a rejected status change.
type InvalidTransitionError struct {
	Peer     signaling.PeerID
	From, To Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("registry: %s cannot move from %s to %s", e.Peer, e.From, e.To)
}

func canTransition(from, to Status) bool {
	return from == to || slices.Contains(transitions[from], to)
}

// Connection is the registry's record of one peer.
type Connection struct {
	Peer         signaling.PeerID
	Status       Status
	DisplayName  string
	LastActivity time.Time
}

// ConnectionRequest is an incoming request awaiting a user decision.
type ConnectionRequest struct {
	From            signaling.PeerID
	FromDisplayName string
	ReceivedAt      time.Time
}

// StatusEvent is published after every status change.
type StatusEvent struct {
	Peer   signaling.PeerID
	Status Status
}
