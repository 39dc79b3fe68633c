// Copyright 2026 The Freeflow Authors
// SPDX-License-Identifier: Apache-2.0

// Package registry decides which peers may open a channel to the local
// user and remembers those decisions.
//
// The registry owns two tables: the per-peer connection status with its
// last activity time, and the blacklist. Both are persisted under the
// local user's namespace and survive restarts; [Registry.ClearAll]
// purges them on logout. Incoming connection requests are filtered
// here: requests from blacklisted, already connected or already pending
// peers are answered with connection_rejected and never reach the user.
// A request from a peer whose last known status was connected, but that
// has no live channel, is accepted without prompting.
//
// Status changes go through a transition table; an illegal change is
// an [*InvalidTransitionError] and leaves the table untouched.
package registry

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/freeflow-chat/freeflow/lib/clock"
	"github.com/freeflow-chat/freeflow/lib/eventbus"
	"github.com/freeflow-chat/freeflow/lib/kvstore"
	"github.com/freeflow-chat/freeflow/signaling"
)

var (
	// ErrNoPendingRequest is returned by Accept for a peer with no
	// request awaiting a decision.
	ErrNoPendingRequest = errors.New("registry: no pending request from peer")

	// ErrBlacklisted is returned when asking to connect to a peer the
	// local user has blacklisted.
	ErrBlacklisted = errors.New("registry: peer is blacklisted")

	// ErrAlreadyConnected is returned when asking to connect to a peer
	// with a live channel.
	ErrAlreadyConnected = errors.New("registry: already connected to peer")

	// ErrSelf is returned when asking to connect to the local user.
	ErrSelf = errors.New("registry: cannot connect to self")
)

// Rejection reasons carried in connection_rejected.
const (
	ReasonBlocked          = "blocked"
	ReasonAlreadyConnected = "already_connected"
	ReasonDuplicate        = "duplicate_request"
)

// Relay is the part of the signaling transport the registry uses.
type Relay interface {
	Send(ctx context.Context, envelope signaling.Envelope) error
	On(kind signaling.Kind, handler func(signaling.Envelope)) *eventbus.Subscription
}

// Config holds a Registry's dependencies.
type Config struct {
	Self        signaling.PeerID
	DisplayName string
	Relay       Relay
	Backend     kvstore.Store
	Clock       clock.Clock
	Logger      *slog.Logger

	// Live reports whether a peer channel is open right now. It
	// separates a live duplicate request from a returning peer.
	Live func(signaling.PeerID) bool
}

// Registry is the consent state machine for one local user.
type Registry struct {
	self        signaling.PeerID
	displayName string
	relay       Relay
	backend     kvstore.Store
	clock       clock.Clock
	logger      *slog.Logger
	live        func(signaling.PeerID) bool

	connectionsKey string
	blacklistKey   string

	requests *eventbus.Bus[ConnectionRequest]
	statuses *eventbus.Bus[StatusEvent]

	subscription *eventbus.Subscription

	mu          sync.Mutex
	connections map[signaling.PeerID]Connection
	blacklist   map[signaling.PeerID]bool
	pending     map[signaling.PeerID]ConnectionRequest
	// outbound holds peers we asked to connect and have not heard back
	// from. Only they may answer with connection_accepted.
	outbound map[signaling.PeerID]bool
}

type connectionRecord struct {
	Status         string `cbor:"status"`
	DisplayName    string `cbor:"displayName,omitempty"`
	LastActivityMs int64  `cbor:"lastActivity"`
}

// New loads the persisted tables and subscribes to connection_request.
func New(ctx context.Context, cfg Config) (*Registry, error) {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	if cfg.Live == nil {
		cfg.Live = func(signaling.PeerID) bool { return false }
	}
	if cfg.DisplayName == "" {
		cfg.DisplayName = string(cfg.Self)
	}

	logger := cfg.Logger.With("component", "registry")
	namespace := kvstore.UserPrefix(string(cfg.Self)) + "registry/"
	r := &Registry{
		self:           cfg.Self,
		displayName:    cfg.DisplayName,
		relay:          cfg.Relay,
		backend:        cfg.Backend,
		clock:          cfg.Clock,
		logger:         logger,
		live:           cfg.Live,
		connectionsKey: namespace + "connections",
		blacklistKey:   namespace + "blacklist",
		requests:       eventbus.New[ConnectionRequest]("registry-requests", logger),
		statuses:       eventbus.New[StatusEvent]("registry-status", logger),
		connections:    make(map[signaling.PeerID]Connection),
		blacklist:      make(map[signaling.PeerID]bool),
		pending:        make(map[signaling.PeerID]ConnectionRequest),
		outbound:       make(map[signaling.PeerID]bool),
	}
	if err := r.load(ctx); err != nil {
		return nil, err
	}

	r.subscription = cfg.Relay.On(signaling.KindConnectionRequest, func(envelope signaling.Envelope) {
		request := envelope.(signaling.ConnectionRequest)
		r.HandleIncomingRequest(context.Background(), request.From, request.FromDisplayName)
	})
	return r, nil
}

// Close stops handling relay traffic and drops every OnRequest and
// OnStatus subscriber.
func (r *Registry) Close() {
	r.subscription.Cancel()
	dropped := r.requests.Reset() + r.statuses.Reset()
	r.logger.Debug("registry closed", "dropped_subscribers", dropped)
}

// OnRequest registers handler for requests that need a user decision.
func (r *Registry) OnRequest(handler func(ConnectionRequest)) *eventbus.Subscription {
	return r.requests.Subscribe(handler)
}

// OnStatus registers handler for status changes.
func (r *Registry) OnStatus(handler func(StatusEvent)) *eventbus.Subscription {
	return r.statuses.Subscribe(handler)
}

// RequestConnection asks peer for consent. If peer already has a
// request pending with us, this accepts it instead.
func (r *Registry) RequestConnection(ctx context.Context, peer signaling.PeerID) error {
	if peer == r.self {
		return ErrSelf
	}
	if r.live(peer) {
		return ErrAlreadyConnected
	}

	r.mu.Lock()
	if r.blacklist[peer] {
		r.mu.Unlock()
		return ErrBlacklisted
	}
	if _, ok := r.pending[peer]; ok {
		r.mu.Unlock()
		return r.Accept(ctx, peer)
	}
	previous := r.statusLocked(peer)
	event, err := r.setStatusLocked(ctx, peer, StatusConnecting)
	if err != nil {
		r.mu.Unlock()
		return err
	}
	r.outbound[peer] = true
	r.mu.Unlock()
	r.publish(event)

	err = r.relay.Send(ctx, signaling.ConnectionRequest{
		From:            r.self,
		FromDisplayName: r.displayName,
		To:              peer,
	})
	if err != nil {
		r.mu.Lock()
		delete(r.outbound, peer)
		event, revertErr := r.setStatusLocked(ctx, peer, previous)
		r.mu.Unlock()
		if revertErr == nil {
			r.publish(event)
		}
		return fmt.Errorf("sending connection request to %s: %w", peer, err)
	}
	r.logger.Info("connection requested", "peer", peer)
	return nil
}

// HandleIncomingRequest filters a connection_request. It returns true
// when the request was accepted for processing: either surfaced to the
// user as pending, or auto-accepted for a returning peer. It returns
// false, after sending connection_rejected, for blacklisted, live or
// already pending peers.
func (r *Registry) HandleIncomingRequest(ctx context.Context, peer signaling.PeerID, displayName string) bool {
	if displayName == "" {
		displayName = string(peer)
	}

	live := r.live(peer)

	r.mu.Lock()
	_, alreadyPending := r.pending[peer]
	reason := ""
	switch {
	case r.blacklist[peer]:
		reason = ReasonBlocked
	case alreadyPending:
		reason = ReasonDuplicate
	case live:
		reason = ReasonAlreadyConnected
	}
	if reason != "" {
		r.mu.Unlock()
		r.logger.Info("rejecting connection request", "peer", peer, "reason", reason)
		r.sendRejection(ctx, peer, reason)
		return false
	}

	if r.statusLocked(peer) == StatusConnected {
		event, err := r.setStatusLocked(ctx, peer, StatusConnecting)
		r.mu.Unlock()
		if err != nil {
			r.logger.Error("auto-accepting returning peer failed", "peer", peer, "error", err)
			return false
		}
		r.publish(event)
		r.logger.Info("auto-accepting returning peer", "peer", peer)
		if err := r.relay.Send(ctx, signaling.ConnectionAccepted{From: r.self, To: peer}); err != nil {
			r.logger.Warn("sending connection_accepted failed", "peer", peer, "error", err)
		}
		return true
	}

	request := ConnectionRequest{From: peer, FromDisplayName: displayName, ReceivedAt: r.clock.Now()}
	r.pending[peer] = request
	var event *StatusEvent
	if r.statusLocked(peer) != StatusConnecting {
		var err error
		event, err = r.setStatusLocked(ctx, peer, StatusRequested)
		if err != nil {
			r.logger.Warn("recording requested status failed", "peer", peer, "error", err)
		}
	}
	r.mu.Unlock()

	r.publish(event)
	r.logger.Info("connection request pending", "peer", peer)
	r.requests.Publish(request)
	return true
}

// Accept grants peer's pending request. If the new status cannot be
// persisted the request stays pending and Accept may be retried.
func (r *Registry) Accept(ctx context.Context, peer signaling.PeerID) error {
	r.mu.Lock()
	if _, ok := r.pending[peer]; !ok {
		r.mu.Unlock()
		return ErrNoPendingRequest
	}
	event, err := r.setStatusLocked(ctx, peer, StatusConnecting)
	if err != nil {
		r.mu.Unlock()
		return err
	}
	delete(r.pending, peer)
	delete(r.outbound, peer)
	r.mu.Unlock()
	r.publish(event)

	if err := r.relay.Send(ctx, signaling.ConnectionAccepted{From: r.self, To: peer}); err != nil {
		return fmt.Errorf("sending connection_accepted to %s: %w", peer, err)
	}
	r.logger.Info("connection request accepted", "peer", peer)
	return nil
}

// RejectAndBlacklist refuses peer's request and blocks future ones.
// The peer's status is reset. If the blacklist cannot be persisted
// nothing changes and the request stays pending.
func (r *Registry) RejectAndBlacklist(ctx context.Context, peer signaling.PeerID) error {
	r.mu.Lock()
	if !r.blacklist[peer] {
		r.blacklist[peer] = true
		if err := r.persistBlacklistLocked(ctx); err != nil {
			delete(r.blacklist, peer)
			r.mu.Unlock()
			return err
		}
	}
	delete(r.pending, peer)
	delete(r.outbound, peer)
	event := r.resetLocked(ctx, peer)
	r.mu.Unlock()
	r.publish(event)

	r.logger.Info("peer blacklisted", "peer", peer)
	r.sendRejection(ctx, peer, ReasonBlocked)
	return nil
}

// Ignore drops peer's pending request without answering it.
func (r *Registry) Ignore(ctx context.Context, peer signaling.PeerID) {
	r.mu.Lock()
	_, wasPending := r.pending[peer]
	delete(r.pending, peer)
	var event *StatusEvent
	if wasPending && r.statusLocked(peer) == StatusRequested {
		event = r.resetLocked(ctx, peer)
	}
	r.mu.Unlock()
	r.publish(event)
}

// UpdateStatus moves peer to status and records the activity time.
func (r *Registry) UpdateStatus(ctx context.Context, peer signaling.PeerID, status Status) error {
	r.mu.Lock()
	if status != StatusConnecting {
		delete(r.outbound, peer)
	}
	event, err := r.setStatusLocked(ctx, peer, status)
	r.mu.Unlock()
	if err != nil {
		return err
	}
	r.publish(event)
	return nil
}

// AcknowledgeAcceptance records peer's connection_accepted. It returns
// false, and changes nothing, unless we asked peer to connect.
func (r *Registry) AcknowledgeAcceptance(peer signaling.PeerID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.outbound[peer] || r.blacklist[peer] {
		r.logger.Warn("ignoring unsolicited connection_accepted", "peer", peer)
		return false
	}
	delete(r.outbound, peer)
	return true
}

// AcknowledgeRejection records peer's connection_rejected and resets
// the peer. It returns false if we had not asked peer to connect.
func (r *Registry) AcknowledgeRejection(ctx context.Context, peer signaling.PeerID) bool {
	r.mu.Lock()
	if !r.outbound[peer] && r.statusLocked(peer) != StatusConnecting {
		r.mu.Unlock()
		return false
	}
	delete(r.outbound, peer)
	event := r.resetLocked(ctx, peer)
	r.mu.Unlock()
	r.publish(event)
	return true
}

// AllowsNegotiation reports whether an offer from peer may be
// answered: only peers in the connecting state have consent.
func (r *Registry) AllowsNegotiation(peer signaling.PeerID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return !r.blacklist[peer] && r.statusLocked(peer) == StatusConnecting
}

// IsBlacklisted reports whether peer is blocked.
func (r *Registry) IsBlacklisted(peer signaling.PeerID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.blacklist[peer]
}

// Unblacklist removes peer from the blacklist.
func (r *Registry) Unblacklist(ctx context.Context, peer signaling.PeerID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.blacklist[peer] {
		return nil
	}
	delete(r.blacklist, peer)
	if err := r.persistBlacklistLocked(ctx); err != nil {
		r.blacklist[peer] = true
		return err
	}
	return nil
}

// Blacklisted returns the blocked peers in sorted order.
func (r *Registry) Blacklisted() []signaling.PeerID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Sorted(maps.Keys(r.blacklist))
}

// PendingRequests returns requests awaiting a decision, oldest first.
func (r *Registry) PendingRequests() []ConnectionRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	requests := slices.Collect(maps.Values(r.pending))
	slices.SortFunc(requests, func(a, b ConnectionRequest) int {
		return cmp.Or(a.ReceivedAt.Compare(b.ReceivedAt), cmp.Compare(a.From, b.From))
	})
	return requests
}

// Connection returns peer's record. ok is false for StatusNone.
func (r *Registry) Connection(peer signaling.PeerID) (Connection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	connection, ok := r.connections[peer]
	return connection, ok
}

// Connections returns every record, sorted by peer.
func (r *Registry) Connections() []Connection {
	r.mu.Lock()
	defer r.mu.Unlock()
	connections := slices.Collect(maps.Values(r.connections))
	slices.SortFunc(connections, func(a, b Connection) int { return cmp.Compare(a.Peer, b.Peer) })
	return connections
}

// ConnectedPeers returns peers whose status is connected.
func (r *Registry) ConnectedPeers() []signaling.PeerID {
	r.mu.Lock()
	defer r.mu.Unlock()
	var peers []signaling.PeerID
	for peer, connection := range r.connections {
		if connection.Status == StatusConnected {
			peers = append(peers, peer)
		}
	}
	slices.Sort(peers)
	return peers
}

// ClearAll forgets every peer, request and blacklist entry of the
// local user, in memory and on disk.
func (r *Registry) ClearAll(ctx context.Context) error {
	r.mu.Lock()
	peers := slices.Collect(maps.Keys(r.connections))
	clear(r.connections)
	clear(r.blacklist)
	clear(r.pending)
	clear(r.outbound)
	err := errors.Join(
		r.backend.Delete(ctx, r.connectionsKey),
		r.backend.Delete(ctx, r.blacklistKey),
	)
	r.mu.Unlock()

	slices.Sort(peers)
	for _, peer := range peers {
		r.statuses.Publish(StatusEvent{Peer: peer, Status: StatusNone})
	}
	if err != nil {
		return fmt.Errorf("purging registry: %w", err)
	}
	return nil
}

func (r *Registry) sendRejection(ctx context.Context, peer signaling.PeerID, reason string) {
	err := r.relay.Send(ctx, signaling.ConnectionRejected{From: r.self, To: peer, Reason: reason})
	if err != nil {
		r.logger.Warn("sending connection_rejected failed", "peer", peer, "error", err)
	}
}

func (r *Registry) publish(event *StatusEvent) {
	if event != nil {
		r.statuses.Publish(*event)
	}
}

func (r *Registry) statusLocked(peer signaling.PeerID) Status {
	if connection, ok := r.connections[peer]; ok {
		return connection.Status
	}
	return StatusNone
}

// setStatusLocked applies a validated transition and persists it. The
// returned event is nil when the status did not change. A failed write
// restores the previous record.
func (r *Registry) setStatusLocked(ctx context.Context, peer signaling.PeerID, status Status) (*StatusEvent, error) {
	from := r.statusLocked(peer)
	if !canTransition(from, status) {
		return nil, &InvalidTransitionError{Peer: peer, From: from, To: status}
	}

	previous, existed := r.connections[peer]
	if status == StatusNone {
		delete(r.connections, peer)
	} else {
		connection := r.connections[peer]
		connection.Peer = peer
		connection.Status = status
		connection.LastActivity = r.clock.Now()
		if request, ok := r.pending[peer]; ok {
			connection.DisplayName = request.FromDisplayName
		}
		r.connections[peer] = connection
	}
	if err := r.persistConnectionsLocked(ctx); err != nil {
		if existed {
			r.connections[peer] = previous
		} else {
			delete(r.connections, peer)
		}
		return nil, err
	}
	if from == status {
		return nil, nil
	}
	r.logger.Debug("peer status changed", "peer", peer, "from", from, "to", status)
	return &StatusEvent{Peer: peer, Status: status}, nil
}

func (r *Registry) resetLocked(ctx context.Context, peer signaling.PeerID) *StatusEvent {
	event, err := r.setStatusLocked(ctx, peer, StatusNone)
	if err != nil {
		r.logger.Warn("resetting peer failed", "peer", peer, "error", err)
	}
	return event
}

func (r *Registry) persistConnectionsLocked(ctx context.Context) error {
	records := make(map[string]connectionRecord, len(r.connections))
	for peer, connection := range r.connections {
		records[string(peer)] = connectionRecord{
			Status:         string(connection.Status),
			DisplayName:    connection.DisplayName,
			LastActivityMs: connection.LastActivity.UnixMilli(),
		}
	}
	if err := kvstore.PutRecord(ctx, r.backend, r.connectionsKey, records); err != nil {
		return fmt.Errorf("persisting connection table: %w", err)
	}
	return nil
}

func (r *Registry) persistBlacklistLocked(ctx context.Context) error {
	peers := slices.Sorted(maps.Keys(r.blacklist))
	if err := kvstore.PutRecord(ctx, r.backend, r.blacklistKey, peers); err != nil {
		return fmt.Errorf("persisting blacklist: %w", err)
	}
	return nil
}

// load restores both tables. A peer that was mid-handshake when the
// process stopped comes back as StatusNone; only settled statuses
// survive.
func (r *Registry) load(ctx context.Context) error {
	var records map[string]connectionRecord
	if _, err := kvstore.GetRecord(ctx, r.backend, r.connectionsKey, &records); err != nil {
		return fmt.Errorf("loading connection table: %w", err)
	}
	for peer, record := range records {
		status := Status(record.Status)
		if status != StatusConnected && status != StatusDisconnected {
			continue
		}
		r.connections[signaling.PeerID(peer)] = Connection{
			Peer:         signaling.PeerID(peer),
			Status:       status,
			DisplayName:  record.DisplayName,
			LastActivity: time.UnixMilli(record.LastActivityMs).UTC(),
		}
	}

	var blacklist []signaling.PeerID
	if _, err := kvstore.GetRecord(ctx, r.backend, r.blacklistKey, &blacklist); err != nil {
		return fmt.Errorf("loading blacklist: %w", err)
	}
	for _, peer := range blacklist {
		r.blacklist[peer] = true
	}
	r.logger.Info("registry loaded",
		"connections", len(r.connections),
		"blacklisted", len(r.blacklist),
	)
	return nil
}
