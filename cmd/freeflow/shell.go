// Copyright 2026 The Freeflow Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/freeflow-chat/freeflow/messagestore"
	"github.com/freeflow-chat/freeflow/registry"
	"github.com/freeflow-chat/freeflow/signaling"
)

// chatClient is the part of chat.Client the shell drives.
type chatClient interface {
	Self() signaling.PeerID
	RequestConnection(ctx context.Context, peer signaling.PeerID) error
	AcceptConnectionRequest(ctx context.Context, peer signaling.PeerID) error
	RejectConnectionRequest(ctx context.Context, peer signaling.PeerID) error
	IgnoreConnectionRequest(ctx context.Context, peer signaling.PeerID)
	Unblacklist(ctx context.Context, peer signaling.PeerID) error
	Disconnect(peer signaling.PeerID)
	SendMessage(ctx context.Context, peer signaling.PeerID, content string) (messagestore.Message, bool)
	GetMessages(ctx context.Context, peer signaling.PeerID) []messagestore.Message
	MarkRead(ctx context.Context, peer signaling.PeerID)
	PendingRequests() []registry.ConnectionRequest
	ConnectedPeers() []signaling.PeerID
	OnlinePeers() []signaling.PeerID
	Blacklisted() []signaling.PeerID
	Logout(ctx context.Context) error
}

// errQuit ends the read loop without an error exit.
var errQuit = errors.New("quit")

const helpText = `commands:
  /connect <peer>     ask peer to connect and wait for the channel
  /accept <peer>      accept a pending request
  /reject <peer>      reject and block a peer
  /ignore <peer>      drop a pending request silently
  /unblock <peer>     remove a peer from the blacklist
  /chat <peer>        send plain lines to peer
  /history [peer]     show the conversation and mark it read
  /disconnect <peer>  close the channel to peer
  /requests           list pending requests
  /peers              list connected and online peers
  /logout             notify peers, erase local history and exit
  /quit               exit keeping local history
`

// shell runs one line-oriented chat session. Event handlers print
// through it concurrently with command output.
type shell struct {
	client chatClient

	mu      sync.Mutex
	out     io.Writer
	current signaling.PeerID
}

func newShell(client chatClient, out io.Writer) *shell {
	return &shell{client: client, out: out}
}

func (s *shell) printf(format string, args ...any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintf(s.out, format, args...)
}

func (s *shell) selected() signaling.PeerID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// execute runs one input line. It returns errQuit when the session
// should end.
func (s *shell) execute(ctx context.Context, line string) error {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}
	if !strings.HasPrefix(line, "/") {
		return s.send(ctx, line)
	}

	fields := strings.Fields(line)
	command, args := fields[0], fields[1:]
	argument := func() (signaling.PeerID, error) {
		if len(args) != 1 {
			return "", fmt.Errorf("usage: %s <peer>", command)
		}
		return signaling.PeerID(args[0]), nil
	}

	switch command {
	case "/help":
		s.printf("%s", helpText)

	case "/connect":
		peer, err := argument()
		if err != nil {
			return err
		}
		s.printf("requesting connection to %s\n", peer)
		if err := s.client.RequestConnection(ctx, peer); err != nil {
			return fmt.Errorf("connecting to %s: %w", peer, err)
		}
		s.mu.Lock()
		s.current = peer
		s.mu.Unlock()
		s.printf("connected to %s\n", peer)

	case "/accept":
		peer, err := argument()
		if err != nil {
			return err
		}
		if err := s.client.AcceptConnectionRequest(ctx, peer); err != nil {
			return fmt.Errorf("accepting %s: %w", peer, err)
		}
		s.mu.Lock()
		s.current = peer
		s.mu.Unlock()
		s.printf("accepted %s, waiting for their offer\n", peer)

	case "/reject":
		peer, err := argument()
		if err != nil {
			return err
		}
		if err := s.client.RejectConnectionRequest(ctx, peer); err != nil {
			return fmt.Errorf("rejecting %s: %w", peer, err)
		}
		s.printf("rejected and blocked %s\n", peer)

	case "/ignore":
		peer, err := argument()
		if err != nil {
			return err
		}
		s.client.IgnoreConnectionRequest(ctx, peer)
		s.printf("ignored %s\n", peer)

	case "/unblock":
		peer, err := argument()
		if err != nil {
			return err
		}
		if err := s.client.Unblacklist(ctx, peer); err != nil {
			return fmt.Errorf("unblocking %s: %w", peer, err)
		}
		s.printf("unblocked %s\n", peer)

	case "/chat":
		peer, err := argument()
		if err != nil {
			return err
		}
		s.mu.Lock()
		s.current = peer
		s.mu.Unlock()
		s.printf("chatting with %s\n", peer)

	case "/history":
		peer := s.selected()
		if len(args) == 1 {
			peer = signaling.PeerID(args[0])
		}
		if peer == "" {
			return errors.New("usage: /history <peer>")
		}
		s.printHistory(ctx, peer)

	case "/disconnect":
		peer, err := argument()
		if err != nil {
			return err
		}
		s.client.Disconnect(peer)
		s.printf("disconnected from %s\n", peer)

	case "/requests":
		requests := s.client.PendingRequests()
		if len(requests) == 0 {
			s.printf("no pending requests\n")
		}
		for _, request := range requests {
			s.printf("  %s (%s) at %s\n", request.From, request.FromDisplayName, request.ReceivedAt.Format(time.Kitchen))
		}

	case "/peers":
		s.printf("connected: %s\n", joinPeers(s.client.ConnectedPeers()))
		s.printf("online:    %s\n", joinPeers(s.client.OnlinePeers()))
		if blocked := s.client.Blacklisted(); len(blocked) > 0 {
			s.printf("blocked:   %s\n", joinPeers(blocked))
		}

	case "/logout":
		if err := s.client.Logout(ctx); err != nil {
			return fmt.Errorf("logging out: %w", err)
		}
		s.printf("logged out\n")
		return errQuit

	case "/quit":
		return errQuit

	default:
		return fmt.Errorf("unknown command %s (try /help)", command)
	}
	return nil
}

func (s *shell) send(ctx context.Context, content string) error {
	peer := s.selected()
	if peer == "" {
		return errors.New("no conversation selected (use /chat <peer>)")
	}
	if _, ok := s.client.SendMessage(ctx, peer, content); !ok {
		return fmt.Errorf("not connected to %s", peer)
	}
	return nil
}

func (s *shell) printHistory(ctx context.Context, peer signaling.PeerID) {
	messages := s.client.GetMessages(ctx, peer)
	if len(messages) == 0 {
		s.printf("no messages with %s\n", peer)
	}
	for _, message := range messages {
		s.printMessage(message)
	}
	s.client.MarkRead(ctx, peer)
}

func (s *shell) printMessage(message messagestore.Message) {
	author := string(message.Author)
	if message.IsSelf {
		author = "you"
	}
	s.printf("[%s] %s: %s\n", message.Timestamp.Local().Format(time.Kitchen), author, message.Content)
}

func joinPeers(peers []signaling.PeerID) string {
	if len(peers) == 0 {
		return "-"
	}
	names := make([]string, len(peers))
	for index, peer := range peers {
		names[index] = string(peer)
	}
	return strings.Join(names, ", ")
}
