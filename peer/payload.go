// Copyright 2026 The Freeflow Authors
// SPDX-License-Identifier: Apache-2.0

package peer

import (
	"errors"
	"fmt"
	"time"

	"github.com/freeflow-chat/freeflow/lib/codec"
	"github.com/freeflow-chat/freeflow/messagestore"
	"github.com/freeflow-chat/freeflow/signaling"
)

// PayloadType tags a data-channel frame.
type PayloadType string

const (
	PayloadChatMessage  PayloadType = "chat_message"
	PayloadSyncRequest  PayloadType = "sync_request"
	PayloadSyncResponse PayloadType = "sync_response"
)

// ErrUnknownPayload is returned when decoding a frame with an
// unrecognized type tag.
var ErrUnknownPayload = errors.New("peer: unknown payload type")

// Payload is one data-channel frame body.
type Payload interface {
	PayloadType() PayloadType
}

// ChatMessage is one message sent over the data channel. Timestamp is
// Unix milliseconds.
type ChatMessage struct {
	ID        string           `cbor:"id"`
	Author    signaling.PeerID `cbor:"author"`
	Content   string           `cbor:"content"`
	Timestamp int64            `cbor:"timestamp"`
}

// SyncRequest asks for the other side's messages newer than
// LastMessageTimestamp (Unix milliseconds). Nil asks for all of them.
type SyncRequest struct {
	LastMessageTimestamp *int64 `cbor:"lastMessageTimestamp"`
}

// SyncResponse answers a SyncRequest.
type SyncResponse struct {
	Messages []ChatMessage `cbor:"messages"`
}

func (ChatMessage) PayloadType() PayloadType  { return PayloadChatMessage }
func (SyncRequest) PayloadType() PayloadType  { return PayloadSyncRequest }
func (SyncResponse) PayloadType() PayloadType { return PayloadSyncResponse }

// frame is the wire form: the type tag plus the undecoded body.
type frame struct {
	Type PayloadType      `cbor:"type"`
	Body codec.RawMessage `cbor:"body"`
}

// EncodePayload encodes payload as a tagged frame.
func EncodePayload(payload Payload) ([]byte, error) {
	body, err := codec.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding %s: %w", payload.PayloadType(), err)
	}
	return codec.Marshal(frame{Type: payload.PayloadType(), Body: body})
}

// DecodePayload decodes a frame produced by EncodePayload.
func DecodePayload(data []byte) (Payload, error) {
	var wire frame
	if err := codec.Unmarshal(data, &wire); err != nil {
		return nil, fmt.Errorf("decoding frame: %w", err)
	}
	switch wire.Type {
	case PayloadChatMessage:
		return decodeBody[ChatMessage](wire)
	case PayloadSyncRequest:
		return decodeBody[SyncRequest](wire)
	case PayloadSyncResponse:
		return decodeBody[SyncResponse](wire)
	default:
		return nil, fmt.Errorf("%w %q", ErrUnknownPayload, wire.Type)
	}
}

func decodeBody[T Payload](wire frame) (Payload, error) {
	var payload T
	if err := codec.Unmarshal(wire.Body, &payload); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", wire.Type, err)
	}
	return payload, nil
}

func chatMessageFrom(message messagestore.Message) ChatMessage {
	return ChatMessage{
		ID:        message.ID,
		Author:    message.Author,
		Content:   message.Content,
		Timestamp: message.Timestamp.UnixMilli(),
	}
}

// received converts a frame from peer into a stored message. The
// author is the sending peer regardless of what the frame claims.
func (m ChatMessage) received(peer signaling.PeerID) messagestore.Message {
	return messagestore.Message{
		ID:        m.ID,
		Author:    peer,
		Content:   m.Content,
		Timestamp: time.UnixMilli(m.Timestamp).UTC(),
		IsSelf:    false,
	}
}
