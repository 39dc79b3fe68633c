// Copyright 2026 The Freeflow Authors
// SPDX-License-Identifier: Apache-2.0

package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/freeflow-chat/freeflow/lib/clock"
	"github.com/freeflow-chat/freeflow/lib/eventbus"
	"github.com/freeflow-chat/freeflow/lib/kvstore"
	"github.com/freeflow-chat/freeflow/messagestore"
	"github.com/freeflow-chat/freeflow/peer"
	"github.com/freeflow-chat/freeflow/registry"
	"github.com/freeflow-chat/freeflow/signaling"
)

// ErrLoggedOut is returned by operations on a Client after Logout.
var ErrLoggedOut = errors.New("chat: logged out")

// Config holds a Client's dependencies.
type Config struct {
	Self        signaling.PeerID
	DisplayName string

	// Dialer opens the relay socket. Required.
	Dialer signaling.Dialer

	// Backend persists the registry and message store. Required.
	Backend kvstore.Store

	// Factory creates peer connections. Required.
	Factory peer.Factory

	// MessageCap bounds each peer's history. Zero uses the store
	// default.
	MessageCap int

	// Signaling tunes the relay transport. Its identity, dialer, clock
	// and logger are taken from this Config.
	Signaling signaling.Config

	// Negotiation tunes the negotiator. Its dependencies are filled in
	// by New.
	Negotiation peer.Config

	Clock  clock.Clock
	Logger *slog.Logger
}

// PresenceEvent carries the relay's current roster, excluding the
// local user.
type PresenceEvent struct {
	Online []signaling.PeerID
}

// Client is the peer link for one local user.
type Client struct {
	self   signaling.PeerID
	clock  clock.Clock
	logger *slog.Logger

	transport  *signaling.Transport
	registry   *registry.Registry
	messages   *messagestore.Store
	negotiator *peer.Negotiator

	presence      *eventbus.Bus[PresenceEvent]
	subscriptions []*eventbus.Subscription

	mu        sync.Mutex
	online    []signaling.PeerID
	loggedOut bool
	closed    bool
}

// New builds a Client and loads the local user's persisted state. It
// does not touch the network; call Connect.
func New(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.Self == "" {
		return nil, errors.New("chat: Self is required")
	}
	if cfg.Dialer == nil || cfg.Backend == nil || cfg.Factory == nil {
		return nil, errors.New("chat: Dialer, Backend and Factory are required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	if cfg.DisplayName == "" {
		cfg.DisplayName = string(cfg.Self)
	}

	transportConfig := cfg.Signaling
	transportConfig.Self = cfg.Self
	transportConfig.DisplayName = cfg.DisplayName
	transportConfig.Dialer = cfg.Dialer
	transportConfig.Clock = cfg.Clock
	transportConfig.Logger = cfg.Logger

	c := &Client{
		self:      cfg.Self,
		clock:     cfg.Clock,
		logger:    cfg.Logger.With("component", "chat", "self", cfg.Self),
		transport: signaling.New(transportConfig),
	}
	c.presence = eventbus.New[PresenceEvent]("chat-presence", c.logger)

	var err error
	c.registry, err = registry.New(ctx, registry.Config{
		Self:        cfg.Self,
		DisplayName: cfg.DisplayName,
		Relay:       c.transport,
		Backend:     cfg.Backend,
		Clock:       cfg.Clock,
		Logger:      cfg.Logger,
		Live:        c.isLive,
	})
	if err != nil {
		return nil, fmt.Errorf("loading connection registry: %w", err)
	}
	c.messages = messagestore.New(messagestore.Config{
		Backend: cfg.Backend,
		Owner:   cfg.Self,
		Cap:     cfg.MessageCap,
		Logger:  cfg.Logger,
	})

	negotiation := cfg.Negotiation
	negotiation.Transport = c.transport
	negotiation.Registry = c.registry
	negotiation.Messages = c.messages
	negotiation.Factory = cfg.Factory
	negotiation.Clock = cfg.Clock
	negotiation.Logger = cfg.Logger
	c.negotiator = peer.New(negotiation)

	c.subscriptions = []*eventbus.Subscription{
		c.transport.On(signaling.KindOnlineUsers, func(envelope signaling.Envelope) {
			c.handleOnlineUsers(envelope.(signaling.OnlineUsers))
		}),
		c.transport.On(signaling.KindLogoutNotification, func(envelope signaling.Envelope) {
			c.handleLogoutNotification(envelope.(signaling.LogoutNotification))
		}),
	}
	return c, nil
}

// isLive is the registry's view of the negotiator. It is only called
// once New has returned.
func (c *Client) isLive(peerID signaling.PeerID) bool {
	return c.negotiator != nil && c.negotiator.IsConnectedTo(peerID)
}

// Self returns the local peer id.
func (c *Client) Self() signaling.PeerID { return c.self }

// Connect opens the relay socket and announces the local user.
func (c *Client) Connect(ctx context.Context) error {
	if err := c.usable(); err != nil {
		return err
	}
	return c.transport.Connect(ctx)
}

// WaitStable blocks until the relay socket is Stable.
func (c *Client) WaitStable(ctx context.Context) error {
	return c.transport.WaitStable(ctx)
}

// RequestConnection asks peerID to connect and blocks until the data
// channel opens, the peer refuses, or the attempt times out.
func (c *Client) RequestConnection(ctx context.Context, peerID signaling.PeerID) error {
	if err := c.usable(); err != nil {
		return err
	}
	return c.negotiator.RequestConnection(ctx, peerID)
}

// AcceptConnectionRequest grants peerID's pending request. The peer
// then sends its offer.
func (c *Client) AcceptConnectionRequest(ctx context.Context, peerID signaling.PeerID) error {
	if err := c.usable(); err != nil {
		return err
	}
	return c.registry.Accept(ctx, peerID)
}

// RejectConnectionRequest refuses peerID and blacklists it.
func (c *Client) RejectConnectionRequest(ctx context.Context, peerID signaling.PeerID) error {
	if err := c.usable(); err != nil {
		return err
	}
	return c.registry.RejectAndBlacklist(ctx, peerID)
}

// IgnoreConnectionRequest drops peerID's pending request without
// answering.
func (c *Client) IgnoreConnectionRequest(ctx context.Context, peerID signaling.PeerID) {
	if c.usable() != nil {
		return
	}
	c.registry.Ignore(ctx, peerID)
}

// Unblacklist lets peerID send requests again.
func (c *Client) Unblacklist(ctx context.Context, peerID signaling.PeerID) error {
	if err := c.usable(); err != nil {
		return err
	}
	return c.registry.Unblacklist(ctx, peerID)
}

// Disconnect closes the session with peerID.
func (c *Client) Disconnect(peerID signaling.PeerID) {
	c.negotiator.ClosePeer(peerID)
}

// SendMessage sends content to peerID. ok is false when no channel to
// the peer is open; the message is then not stored.
func (c *Client) SendMessage(ctx context.Context, peerID signaling.PeerID, content string) (messagestore.Message, bool) {
	if c.usable() != nil {
		return messagestore.Message{}, false
	}
	return c.negotiator.SendMessage(ctx, peerID, content)
}

// GetMessages returns peerID's history in timestamp order.
func (c *Client) GetMessages(ctx context.Context, peerID signaling.PeerID) []messagestore.Message {
	return c.messages.SortedByTime(ctx, peerID)
}

// UnreadCount returns messages received from peerID since MarkRead.
func (c *Client) UnreadCount(ctx context.Context, peerID signaling.PeerID) int {
	return c.messages.UnreadCount(ctx, peerID)
}

// MarkRead clears peerID's unread count.
func (c *Client) MarkRead(ctx context.Context, peerID signaling.PeerID) {
	c.messages.MarkRead(ctx, peerID)
}

// Conversations returns every peer with stored history.
func (c *Client) Conversations(ctx context.Context) []signaling.PeerID {
	return c.messages.Peers(ctx)
}

func (c *Client) PendingRequests() []registry.ConnectionRequest { return c.registry.PendingRequests() }
func (c *Client) Connections() []registry.Connection            { return c.registry.Connections() }
func (c *Client) Blacklisted() []signaling.PeerID               { return c.registry.Blacklisted() }
func (c *Client) ConnectedPeers() []signaling.PeerID            { return c.negotiator.ConnectedPeers() }
func (c *Client) IsConnectedTo(peerID signaling.PeerID) bool {
	return c.negotiator.IsConnectedTo(peerID)
}

// OnlinePeers returns the last roster the relay broadcast.
func (c *Client) OnlinePeers() []signaling.PeerID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.online)
}

// OnRequest registers handler for connection requests that need a
// decision.
func (c *Client) OnRequest(handler func(registry.ConnectionRequest)) *eventbus.Subscription {
	return c.registry.OnRequest(handler)
}

// OnStatus registers handler for consent status changes.
func (c *Client) OnStatus(handler func(registry.StatusEvent)) *eventbus.Subscription {
	return c.registry.OnStatus(handler)
}

// OnChannel registers handler for data channel open and close.
func (c *Client) OnChannel(handler func(peer.StateEvent)) *eventbus.Subscription {
	return c.negotiator.OnState(handler)
}

// OnMessage registers handler for new inbound messages.
func (c *Client) OnMessage(handler func(peer.MessageEvent)) *eventbus.Subscription {
	return c.negotiator.OnMessage(handler)
}

// OnRelayState registers handler for relay socket state changes.
func (c *Client) OnRelayState(handler func(signaling.StateEvent)) *eventbus.Subscription {
	return c.transport.OnState(handler)
}

// OnPresence registers handler for roster updates.
func (c *Client) OnPresence(handler func(PresenceEvent)) *eventbus.Subscription {
	return c.presence.Subscribe(handler)
}

// Logout tells connected peers the local user is leaving, closes every
// session, purges the local user's registry and message history, and
// closes the relay socket. The Client is unusable afterwards.
func (c *Client) Logout(ctx context.Context) error {
	c.mu.Lock()
	if c.loggedOut {
		c.mu.Unlock()
		return nil
	}
	c.loggedOut = true
	c.mu.Unlock()

	if connected := c.negotiator.ConnectedPeers(); len(connected) > 0 {
		notification := signaling.LogoutNotification{
			From:      c.self,
			To:        connected,
			Timestamp: c.clock.Now().UnixMilli(),
		}
		if err := c.transport.Send(ctx, notification); err != nil {
			c.logger.Warn("logout notification not sent", "peers", connected, "error", err)
		}
	}

	c.negotiator.Close()
	var errs []error
	if err := c.registry.ClearAll(ctx); err != nil {
		errs = append(errs, fmt.Errorf("purging connection registry: %w", err))
	}
	c.messages.ClearAll(ctx)
	c.logger.Info("logged out")
	if err := c.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Close shuts the Client down without purging persisted state.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	subscriptions := c.subscriptions
	c.subscriptions = nil
	c.mu.Unlock()

	for _, subscription := range subscriptions {
		subscription.Cancel()
	}
	c.negotiator.Close()
	c.registry.Close()
	c.presence.Reset()
	return c.transport.Close()
}

func (c *Client) usable() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.loggedOut {
		return ErrLoggedOut
	}
	if c.closed {
		return signaling.ErrClosed
	}
	return nil
}

func (c *Client) handleOnlineUsers(envelope signaling.OnlineUsers) {
	online := make([]signaling.PeerID, 0, len(envelope.Users))
	for _, user := range envelope.Users {
		if user != c.self && !slices.Contains(online, user) {
			online = append(online, user)
		}
	}
	slices.Sort(online)

	c.mu.Lock()
	c.online = online
	c.mu.Unlock()
	c.presence.Publish(PresenceEvent{Online: slices.Clone(online)})
}

func (c *Client) handleLogoutNotification(envelope signaling.LogoutNotification) {
	if envelope.From == c.self {
		return
	}
	if !slices.Contains(envelope.To, c.self) {
		c.logger.Warn("ignoring logout notification addressed elsewhere", "peer", envelope.From, "to", envelope.To)
		return
	}
	c.logger.Info("peer logged out", "peer", envelope.From)
	c.negotiator.ClosePeer(envelope.From)
}
