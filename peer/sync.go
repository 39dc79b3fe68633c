// Copyright 2026 The Freeflow Authors
// SPDX-License-Identifier: Apache-2.0

package peer

import (
	"context"
	"fmt"
	"time"

	"github.com/freeflow-chat/freeflow/messagestore"
	"github.com/freeflow-chat/freeflow/signaling"
)

func (n *Negotiator) requestSync(s *session) {
	n.mu.Lock()
	s.settleTimer = nil
	ready := s.open && !s.closed
	n.mu.Unlock()
	if !ready {
		return
	}

	request := SyncRequest{}
	if latest, ok := n.messages.Latest(context.Background(), s.peer); ok {
		milliseconds := latest.UnixMilli()
		request.LastMessageTimestamp = &milliseconds
	}
	if err := n.sendPayload(s, request); err != nil {
		n.logger.Warn("sending sync request failed", "peer", s.peer, "error", err)
	}
}

func (n *Negotiator) receive(s *session, data []byte) {
	payload, err := DecodePayload(data)
	if err != nil {
		n.logger.Warn("dropping undecodable frame", "peer", s.peer, "error", err)
		return
	}

	ctx := context.Background()
	switch payload := payload.(type) {
	case ChatMessage:
		n.store(ctx, s.peer, payload.received(s.peer), false)

	case SyncRequest:
		var since *time.Time
		if payload.LastMessageTimestamp != nil {
			at := time.UnixMilli(*payload.LastMessageTimestamp).UTC()
			since = &at
		}
		own := n.messages.SelfAuthoredSince(ctx, s.peer, since)
		response := SyncResponse{Messages: make([]ChatMessage, 0, len(own))}
		for _, message := range own {
			response.Messages = append(response.Messages, chatMessageFrom(message))
		}
		if err := n.sendPayload(s, response); err != nil {
			n.logger.Warn("sending sync response failed", "peer", s.peer, "error", err)
			return
		}
		n.logger.Debug("sync response sent", "peer", s.peer, "messages", len(own))

	case SyncResponse:
		recovered := 0
		for _, message := range payload.Messages {
			if n.store(ctx, s.peer, message.received(s.peer), true) {
				recovered++
			}
		}
		n.logger.Info("sync complete", "peer", s.peer, "received", len(payload.Messages), "new", recovered)
	}
}

// store appends message and announces it. Known ids are dropped
// silently.
func (n *Negotiator) store(ctx context.Context, peer signaling.PeerID, message messagestore.Message, synced bool) bool {
	if !n.messages.Append(ctx, peer, message) {
		return false
	}
	n.messageEvents.Publish(MessageEvent{Peer: peer, Message: message, Synced: synced})
	return true
}

func (n *Negotiator) sendPayload(s *session, payload Payload) error {
	if s == nil {
		return ErrNotConnected
	}
	n.mu.Lock()
	channel := s.channel
	open := s.open && !s.closed
	n.mu.Unlock()
	if !open || channel == nil {
		return ErrNotConnected
	}

	data, err := EncodePayload(payload)
	if err != nil {
		return err
	}
	if err := channel.Send(data); err != nil {
		return fmt.Errorf("sending %s to %s: %w", payload.PayloadType(), s.peer, err)
	}
	return nil
}
