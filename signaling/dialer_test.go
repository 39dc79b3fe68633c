// Copyright 2026 The Freeflow Authors
// SPDX-License-Identifier: Apache-2.0

package signaling

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"

	"github.com/freeflow-chat/freeflow/lib/clock"
	"github.com/freeflow-chat/freeflow/lib/testutil"
	"github.com/freeflow-chat/freeflow/lib/version"
)

// rosterServer upgrades one socket, waits for presence and answers with
// an online_users roster naming the announced peer.
func rosterServer(t *testing.T, userAgents chan<- string) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		userAgents <- request.Header.Get("User-Agent")
		socket, err := upgrader.Upgrade(writer, request, nil)
		if err != nil {
			return
		}
		defer socket.Close()

		_, data, err := socket.ReadMessage()
		if err != nil {
			return
		}
		envelope, err := Decode(data)
		if err != nil {
			return
		}
		presence, ok := envelope.(Presence)
		if !ok || PeerID(request.URL.Query().Get("peerId")) != presence.PeerID {
			return
		}
		roster, _ := Encode(OnlineUsers{Users: []PeerID{presence.PeerID}})
		if err := socket.WriteMessage(websocket.TextMessage, roster); err != nil {
			return
		}
		// Hold the socket until the client closes it.
		for {
			if _, _, err := socket.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(server.Close)
	return server
}

func TestWebSocketDialerCarriesEnvelopes(t *testing.T) {
	userAgents := make(chan string, 1)
	server := rosterServer(t, userAgents)

	transport := New(Config{
		Self:   "alice",
		Dialer: &WebSocketDialer{URL: "ws" + strings.TrimPrefix(server.URL, "http") + "/signaling"},
		Clock:  clock.Fake(epoch),
		Logger: testutil.Logger(),
	})
	defer transport.Close()
	rosters := collect(transport, KindOnlineUsers)

	if err := transport.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if agent := testutil.RequireReceive(t, userAgents, waitTimeout, "handshake"); agent != version.UserAgent() {
		t.Errorf("User-Agent = %q", agent)
	}
	roster := testutil.RequireReceive(t, rosters, waitTimeout, "waiting for roster").(OnlineUsers)
	if len(roster.Users) != 1 || roster.Users[0] != "alice" {
		t.Fatalf("roster = %v", roster.Users)
	}
}

func TestWebSocketDialerReportsRefusal(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	defer server.Close()

	dialer := &WebSocketDialer{URL: "ws" + strings.TrimPrefix(server.URL, "http")}
	if _, err := dialer.Dial(context.Background(), "alice"); err == nil {
		t.Fatal("expected handshake failure against a non-websocket endpoint")
	}
}
