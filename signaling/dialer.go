// Copyright 2026 The Freeflow Authors
// SPDX-License-Identifier: Apache-2.0

package signaling

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/freeflow-chat/freeflow/lib/version"
)

// Conn is one open relay socket carrying whole text messages.
// ReadMessage is called from a single goroutine; WriteMessage may be
// called concurrently.
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

// Dialer opens relay sockets on behalf of the local peer.
type Dialer interface {
	Dial(ctx context.Context, self PeerID) (Conn, error)
}

// WebSocketDialer connects to a relay over WebSocket.
type WebSocketDialer struct {
	// URL is the relay endpoint. The local peer id is appended as the
	// peerId query parameter.
	URL string

	// HandshakeTimeout bounds the opening handshake. Zero uses 10s.
	HandshakeTimeout time.Duration
}

// Dial opens the socket.
func (d *WebSocketDialer) Dial(ctx context.Context, self PeerID) (Conn, error) {
	endpoint, err := url.Parse(d.URL)
	if err != nil {
		return nil, fmt.Errorf("parsing relay url: %w", err)
	}
	query := endpoint.Query()
	query.Set("peerId", string(self))
	endpoint.RawQuery = query.Encode()

	timeout := d.HandshakeTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: timeout,
	}
	header := http.Header{}
	header.Set("User-Agent", version.UserAgent())

	socket, response, err := dialer.DialContext(ctx, endpoint.String(), header)
	if err != nil {
		if response != nil {
			return nil, fmt.Errorf("dialing relay %s: %w (status %s)", endpoint.Redacted(), err, response.Status)
		}
		return nil, fmt.Errorf("dialing relay %s: %w", endpoint.Redacted(), err)
	}
	return &webSocketConn{socket: socket}, nil
}

type webSocketConn struct {
	socket  *websocket.Conn
	writeMu sync.Mutex
}

func (c *webSocketConn) ReadMessage() ([]byte, error) {
	for {
		messageType, data, err := c.socket.ReadMessage()
		if err != nil {
			return nil, err
		}
		if messageType == websocket.TextMessage || messageType == websocket.BinaryMessage {
			return data, nil
		}
	}
}

func (c *webSocketConn) WriteMessage(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.socket.WriteMessage(websocket.TextMessage, data)
}

func (c *webSocketConn) Close() error {
	c.writeMu.Lock()
	_ = c.socket.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()
	return c.socket.Close()
}
