// Copyright 2026 The Freeflow Authors
// SPDX-License-Identifier: Apache-2.0

package peer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/freeflow-chat/freeflow/lib/clock"
	"github.com/freeflow-chat/freeflow/lib/eventbus"
	"github.com/freeflow-chat/freeflow/lib/retry"
	"github.com/freeflow-chat/freeflow/messagestore"
	"github.com/freeflow-chat/freeflow/registry"
	"github.com/freeflow-chat/freeflow/signaling"
)

var (
	// ErrConnectTimeout is returned by RequestConnection when the data
	// channel did not open within ConnectTimeout of the request.
	ErrConnectTimeout = errors.New("peer: connection not established in time")

	// ErrRejected is returned by RequestConnection when the remote
	// user refused the request.
	ErrRejected = errors.New("peer: connection request rejected")

	// ErrSessionClosed is returned by RequestConnection when the
	// session was closed before its channel opened.
	ErrSessionClosed = errors.New("peer: session closed")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("peer: negotiator closed")

	// ErrNotConnected is returned when sending on a peer without an
	// open channel.
	ErrNotConnected = errors.New("peer: no open channel to peer")

	errRelayUnstable = errors.New("relay not stable")
)

// Transport is the part of the signaling transport the negotiator uses.
type Transport interface {
	Self() signaling.PeerID
	Send(ctx context.Context, envelope signaling.Envelope) error
	On(kind signaling.Kind, handler func(signaling.Envelope)) *eventbus.Subscription
	OnState(handler func(signaling.StateEvent)) *eventbus.Subscription
	IsStable() bool
}

// Registry is the consent state the negotiator consults and updates.
type Registry interface {
	RequestConnection(ctx context.Context, peer signaling.PeerID) error
	AcknowledgeAcceptance(peer signaling.PeerID) bool
	AcknowledgeRejection(ctx context.Context, peer signaling.PeerID) bool
	AllowsNegotiation(peer signaling.PeerID) bool
	UpdateStatus(ctx context.Context, peer signaling.PeerID, status registry.Status) error
}

// MessageLog is the message history the sync handshake reads and
// extends.
type MessageLog interface {
	Append(ctx context.Context, peer signaling.PeerID, message messagestore.Message) bool
	Latest(ctx context.Context, peer signaling.PeerID) (time.Time, bool)
	SelfAuthoredSince(ctx context.Context, peer signaling.PeerID, since *time.Time) []messagestore.Message
}

// ChannelState is the data channel's position as seen by subscribers.
type ChannelState int

const (
	ChannelOpen ChannelState = iota + 1
	ChannelClosed
)

func (s ChannelState) String() string {
	switch s {
	case ChannelOpen:
		return "open"
	case ChannelClosed:
		return "closed"
	default:
		return fmt.Sprintf("ChannelState(%d)", int(s))
	}
}

// StateEvent reports a channel opening or a session ending. Err is set
// when the session ended because of a failure or timeout.
type StateEvent struct {
	Peer  signaling.PeerID
	State ChannelState
	Err   error
}

// MessageEvent reports a newly stored inbound message. Synced is true
// for messages recovered by the sync handshake.
type MessageEvent struct {
	Peer    signaling.PeerID
	Message messagestore.Message
	Synced  bool
}

// Config holds a Negotiator's dependencies and timing. Zero durations
// and counts take the defaults noted on each field.
type Config struct {
	Transport Transport
	Registry  Registry
	Messages  MessageLog
	Factory   Factory
	Clock     clock.Clock
	Logger    *slog.Logger

	// DescriptionAttempts bounds sends of an offer or answer. Default 3.
	DescriptionAttempts int

	// CandidateAttempts bounds sends of one local candidate. Default 5.
	CandidateAttempts int

	// RetryBaseDelay is the first backoff between send attempts; later
	// ones double. Default 1s.
	RetryBaseDelay time.Duration

	// SettleDelay separates channel open from the sync request.
	// Default 500ms.
	SettleDelay time.Duration

	// ConnectTimeout bounds RequestConnection, measured from the
	// request. Default 8s.
	ConnectTimeout time.Duration

	// CandidateQueueLimit bounds remote candidates held before the
	// remote description is set. Candidates past the limit are dropped
	// with a warning. Default 64.
	CandidateQueueLimit int
}

// Negotiator runs one negotiation session and data channel per remote
// peer over a shared signaling transport.
type Negotiator struct {
	self      signaling.PeerID
	transport Transport
	registry  Registry
	messages  MessageLog
	factory   Factory
	clock     clock.Clock
	logger    *slog.Logger

	descriptionPolicy retry.Policy
	candidatePolicy   retry.Policy
	settleDelay       time.Duration
	connectTimeout    time.Duration
	queueLimit        int

	states        *eventbus.Bus[StateEvent]
	messageEvents *eventbus.Bus[MessageEvent]
	subscriptions []*eventbus.Subscription

	mu       sync.Mutex
	sessions map[signaling.PeerID]*session
	attempts map[signaling.PeerID]*attempt
	closed   bool
}

// outgoing is one relay envelope waiting in a session's send order.
type outgoing struct {
	envelope  signaling.Envelope
	policy    retry.Policy
	operation string
}

type session struct {
	peer   signaling.PeerID
	ctx    context.Context
	cancel context.CancelFunc
	wake   chan struct{}

	// negotiate serializes description and candidate application.
	// It may be held while taking Negotiator.mu, never the reverse.
	negotiate sync.Mutex
	outbound  bool
	remoteSet bool
	queued    []webrtc.ICECandidateInit

	// Guarded by Negotiator.mu. connection is also only written with
	// negotiate held.
	connection        Connection
	channel           Channel
	open              bool
	closed            bool
	descriptionQueued bool
	outbox            []outgoing
	held              []outgoing
	stashed           []outgoing
	settleTimer       *clock.Timer
}

// attempt is an outbound RequestConnection awaiting its channel.
type attempt struct {
	once sync.Once
	done chan struct{}
	err  error

	mu       sync.Mutex
	timer    *clock.Timer
	resolved bool
}

func newAttempt() *attempt {
	return &attempt{done: make(chan struct{})}
}

func (a *attempt) arm(timer *clock.Timer) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.resolved {
		timer.Stop()
		return
	}
	a.timer = timer
}

func (a *attempt) resolve(err error) {
	a.once.Do(func() {
		a.mu.Lock()
		a.resolved = true
		timer := a.timer
		a.mu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		a.err = err
		close(a.done)
	})
}

// New returns a Negotiator and subscribes it to the transport.
func New(cfg Config) *Negotiator {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	if cfg.DescriptionAttempts <= 0 {
		cfg.DescriptionAttempts = 3
	}
	if cfg.CandidateAttempts <= 0 {
		cfg.CandidateAttempts = 5
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = time.Second
	}
	if cfg.SettleDelay <= 0 {
		cfg.SettleDelay = 500 * time.Millisecond
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 8 * time.Second
	}
	if cfg.CandidateQueueLimit <= 0 {
		cfg.CandidateQueueLimit = 64
	}

	logger := cfg.Logger.With("component", "peer")
	n := &Negotiator{
		self:              cfg.Transport.Self(),
		transport:         cfg.Transport,
		registry:          cfg.Registry,
		messages:          cfg.Messages,
		factory:           cfg.Factory,
		clock:             cfg.Clock,
		logger:            logger,
		descriptionPolicy: retry.Policy{Attempts: cfg.DescriptionAttempts, BaseDelay: cfg.RetryBaseDelay},
		candidatePolicy:   retry.Policy{Attempts: cfg.CandidateAttempts, BaseDelay: cfg.RetryBaseDelay},
		settleDelay:       cfg.SettleDelay,
		connectTimeout:    cfg.ConnectTimeout,
		queueLimit:        cfg.CandidateQueueLimit,
		states:            eventbus.New[StateEvent]("peer-state", logger),
		messageEvents:     eventbus.New[MessageEvent]("peer-messages", logger),
		sessions:          make(map[signaling.PeerID]*session),
		attempts:          make(map[signaling.PeerID]*attempt),
	}

	n.subscriptions = []*eventbus.Subscription{
		cfg.Transport.On(signaling.KindConnectionAccepted, func(envelope signaling.Envelope) {
			n.handleAccepted(envelope.(signaling.ConnectionAccepted))
		}),
		cfg.Transport.On(signaling.KindConnectionRejected, func(envelope signaling.Envelope) {
			n.handleRejected(envelope.(signaling.ConnectionRejected))
		}),
		cfg.Transport.On(signaling.KindOffer, func(envelope signaling.Envelope) {
			n.handleOffer(envelope.(signaling.Offer))
		}),
		cfg.Transport.On(signaling.KindAnswer, func(envelope signaling.Envelope) {
			n.handleAnswer(envelope.(signaling.Answer))
		}),
		cfg.Transport.On(signaling.KindCandidate, func(envelope signaling.Envelope) {
			n.handleCandidate(envelope.(signaling.Candidate))
		}),
		cfg.Transport.OnState(n.handleTransportState),
	}
	return n
}

// OnState registers handler for channel open and session end events.
func (n *Negotiator) OnState(handler func(StateEvent)) *eventbus.Subscription {
	return n.states.Subscribe(handler)
}

// OnMessage registers handler for newly stored inbound messages.
func (n *Negotiator) OnMessage(handler func(MessageEvent)) *eventbus.Subscription {
	return n.messageEvents.Subscribe(handler)
}

// RequestConnection asks peer to connect and blocks until the data
// channel opens. It fails with ErrRejected if peer refuses and with
// ErrConnectTimeout if the channel is not open ConnectTimeout after the
// request. Concurrent calls for one peer share the outcome.
func (n *Negotiator) RequestConnection(ctx context.Context, peer signaling.PeerID) error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return ErrClosed
	}
	pending, joined := n.attempts[peer]
	if !joined {
		pending = newAttempt()
		n.attempts[peer] = pending
	}
	n.mu.Unlock()

	if !joined {
		if err := n.registry.RequestConnection(ctx, peer); err != nil {
			n.mu.Lock()
			if n.attempts[peer] == pending {
				delete(n.attempts, peer)
			}
			n.mu.Unlock()
			pending.resolve(err)
			return err
		}
		pending.arm(n.clock.AfterFunc(n.connectTimeout, func() {
			n.connectTimedOut(peer, pending)
		}))
	}

	select {
	case <-pending.done:
		return pending.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SendMessage sends content to peer over its open channel and stores it
// as a self-authored message. ok is false, and nothing is stored, when
// no channel is open or the send fails.
func (n *Negotiator) SendMessage(ctx context.Context, peer signaling.PeerID, content string) (message messagestore.Message, ok bool) {
	message = messagestore.NewMessage(n.self, content, n.clock.Now(), true)
	if err := n.sendPayload(n.session(peer), chatMessageFrom(message)); err != nil {
		n.logger.Debug("message not sent", "peer", peer, "error", err)
		return message, false
	}
	n.messages.Append(ctx, peer, message)
	return message, true
}

// IsConnectedTo reports whether a data channel to peer is open.
func (n *Negotiator) IsConnectedTo(peer signaling.PeerID) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	s, ok := n.sessions[peer]
	return ok && s.open
}

// ConnectedPeers returns peers with an open channel, sorted.
func (n *Negotiator) ConnectedPeers() []signaling.PeerID {
	n.mu.Lock()
	defer n.mu.Unlock()
	var peers []signaling.PeerID
	for peer, s := range n.sessions {
		if s.open {
			peers = append(peers, peer)
		}
	}
	slices.Sort(peers)
	return peers
}

// ClosePeer tears down peer's session, including its retry loops,
// timers and queued candidates, and marks the peer disconnected.
func (n *Negotiator) ClosePeer(peer signaling.PeerID) {
	n.mu.Lock()
	s := n.sessions[peer]
	_, waiting := n.attempts[peer]
	n.mu.Unlock()

	closed := s != nil && n.closeSession(s)
	if closed || waiting {
		n.reportClosed(peer, nil, true)
	}
}

// CloseAll tears down every session.
func (n *Negotiator) CloseAll() {
	n.mu.Lock()
	peers := slices.Collect(maps.Keys(n.sessions))
	for peer := range n.attempts {
		if !slices.Contains(peers, peer) {
			peers = append(peers, peer)
		}
	}
	n.mu.Unlock()

	slices.Sort(peers)
	for _, peer := range peers {
		n.ClosePeer(peer)
	}
}

// Close stops handling relay traffic and tears down every session.
// State and message subscribers see the final ChannelClosed events and
// are then dropped.
func (n *Negotiator) Close() {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	n.closed = true
	subscriptions := n.subscriptions
	n.subscriptions = nil
	n.mu.Unlock()

	for _, subscription := range subscriptions {
		subscription.Cancel()
	}
	n.CloseAll()
	dropped := n.states.Reset() + n.messageEvents.Reset()
	n.logger.Debug("negotiator closed", "dropped_subscribers", dropped)
}

func (n *Negotiator) connectTimedOut(peer signaling.PeerID, pending *attempt) {
	n.mu.Lock()
	if n.attempts[peer] != pending {
		n.mu.Unlock()
		return
	}
	s := n.sessions[peer]
	n.mu.Unlock()

	n.logger.Warn("connection attempt timed out", "peer", peer, "timeout", n.connectTimeout)
	if s != nil {
		n.closeSession(s)
	}
	n.reportClosed(peer, ErrConnectTimeout, true)
}

// fail tears s down after a negotiation error.
func (n *Negotiator) fail(s *session, err error) {
	if !n.closeSession(s) {
		return
	}
	n.logger.Warn("negotiation failed", "peer", s.peer, "error", err)
	n.reportClosed(s.peer, err, true)
}

// closeSession releases everything s holds. It returns false if s was
// already closed.
func (n *Negotiator) closeSession(s *session) bool {
	n.mu.Lock()
	if s.closed {
		n.mu.Unlock()
		return false
	}
	s.closed = true
	s.open = false
	if n.sessions[s.peer] == s {
		delete(n.sessions, s.peer)
	}
	s.cancel()
	timer := s.settleTimer
	s.settleTimer = nil
	s.outbox = nil
	s.held = nil
	s.stashed = nil
	connection := s.connection
	channel := s.channel
	n.mu.Unlock()

	if timer != nil {
		timer.Stop()
	}
	if channel != nil {
		channel.Close()
	}
	if connection != nil {
		connection.Close()
	}
	return true
}

// reportClosed settles a waiting RequestConnection with cause, marks
// the peer disconnected when markDisconnected is set, and publishes
// the end of the session.
func (n *Negotiator) reportClosed(peer signaling.PeerID, cause error, markDisconnected bool) {
	n.mu.Lock()
	pending := n.attempts[peer]
	delete(n.attempts, peer)
	n.mu.Unlock()

	if pending != nil {
		pending.resolve(errorOr(cause, ErrSessionClosed))
	}
	if markDisconnected {
		err := n.registry.UpdateStatus(context.Background(), peer, registry.StatusDisconnected)
		var invalid *registry.InvalidTransitionError
		if err != nil && !errors.As(err, &invalid) {
			n.logger.Warn("recording disconnected status failed", "peer", peer, "error", err)
		}
	}
	n.states.Publish(StateEvent{Peer: peer, State: ChannelClosed, Err: cause})
}

func (n *Negotiator) acquireSession(peer signaling.PeerID) *session {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return nil
	}
	if s, ok := n.sessions[peer]; ok {
		return s
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &session{
		peer:   peer,
		ctx:    ctx,
		cancel: cancel,
		wake:   make(chan struct{}, 1),
	}
	n.sessions[peer] = s
	go n.sendLoop(s)
	return s
}

func (n *Negotiator) session(peer signaling.PeerID) *session {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.sessions[peer]
}

func (n *Negotiator) connectionOf(s *session) Connection {
	n.mu.Lock()
	defer n.mu.Unlock()
	return s.connection
}

func errorOr(err, fallback error) error {
	if err != nil {
		return err
	}
	return fallback
}
