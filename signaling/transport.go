// Copyright 2026 The Freeflow Authors
// SPDX-License-Identifier: Apache-2.0

package signaling

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/freeflow-chat/freeflow/lib/clock"
	"github.com/freeflow-chat/freeflow/lib/eventbus"
)

var (
	// ErrNotOpen is returned by Send when the socket is not open and
	// the envelope kind does not warrant a reconnect.
	ErrNotOpen = errors.New("signaling: relay socket not open")

	// ErrRelayUnreachable is carried by the fatal state event published
	// once reconnect attempts are exhausted.
	ErrRelayUnreachable = errors.New("signaling: cannot reach relay")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("signaling: transport closed")
)

// State is the relay socket's lifecycle position.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateOpen
	StateStable
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateStable:
		return "stable"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// StateEvent reports a state change. Err is ErrRelayUnreachable on the
// final event after reconnects are exhausted, nil otherwise.
type StateEvent struct {
	State State
	Err   error
}

// Config holds a Transport's dependencies and timing.
type Config struct {
	Self        PeerID
	DisplayName string
	Dialer      Dialer
	Clock       clock.Clock
	Logger      *slog.Logger

	// StableDelay separates Open from Stable. Default 1s.
	StableDelay time.Duration

	// ReconnectBaseDelay is the first reconnect backoff. Default 1s.
	ReconnectBaseDelay time.Duration

	// ReconnectMaxDelay caps a reconnect backoff. Default 30s.
	ReconnectMaxDelay time.Duration

	// ReconnectAttempts bounds consecutive reconnects. Default 5.
	ReconnectAttempts int
}

// Transport is the reconnecting relay connection for one local peer.
// One Transport is shared by every peer session; handlers registered
// with On see only envelopes addressed to Self (or broadcast).
type Transport struct {
	self        PeerID
	displayName string
	dialer      Dialer
	clock       clock.Clock
	logger      *slog.Logger

	stableDelay       time.Duration
	reconnectBase     time.Duration
	reconnectMax      time.Duration
	reconnectAttempts int

	states *eventbus.Bus[StateEvent]

	handlersMu sync.Mutex
	handlers   map[Kind]*eventbus.Bus[Envelope]

	mu             sync.Mutex
	state          State
	conn           Conn
	generation     uint64
	attempts       int
	closed         bool
	stableTimer    *clock.Timer
	reconnectTimer *clock.Timer
	// stableCh is closed on entering Stable and replaced on leaving it.
	stableCh chan struct{}
	done     chan struct{}
}

// New returns a disconnected Transport. Call Connect to open it.
func New(cfg Config) *Transport {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	if cfg.StableDelay == 0 {
		cfg.StableDelay = time.Second
	}
	if cfg.ReconnectBaseDelay <= 0 {
		cfg.ReconnectBaseDelay = time.Second
	}
	if cfg.ReconnectMaxDelay <= 0 {
		cfg.ReconnectMaxDelay = 30 * time.Second
	}
	if cfg.ReconnectAttempts <= 0 {
		cfg.ReconnectAttempts = 5
	}
	if cfg.DisplayName == "" {
		cfg.DisplayName = string(cfg.Self)
	}

	logger := cfg.Logger.With("component", "signaling", "self", cfg.Self)
	return &Transport{
		self:              cfg.Self,
		displayName:       cfg.DisplayName,
		dialer:            cfg.Dialer,
		clock:             cfg.Clock,
		logger:            logger,
		stableDelay:       cfg.StableDelay,
		reconnectBase:     cfg.ReconnectBaseDelay,
		reconnectMax:      cfg.ReconnectMaxDelay,
		reconnectAttempts: cfg.ReconnectAttempts,
		states:            eventbus.New[StateEvent]("signaling-state", logger),
		handlers:          make(map[Kind]*eventbus.Bus[Envelope]),
		stableCh:          make(chan struct{}),
		done:              make(chan struct{}),
	}
}

// Self returns the local peer id.
func (t *Transport) Self() PeerID { return t.self }

// DisplayName returns the name announced in presence.
func (t *Transport) DisplayName() string { return t.displayName }

// Connect opens the socket and announces presence. A failed initial
// dial is returned without scheduling reconnects; reconnection applies
// to sockets that close after opening.
func (t *Transport) Connect(ctx context.Context) error {
	t.mu.Lock()
	t.attempts = 0
	t.mu.Unlock()
	return t.dial(ctx)
}

// On registers handler for inbound envelopes of kind. Handlers run on
// the read goroutine, in receipt order, and must not block on further
// inbound traffic.
func (t *Transport) On(kind Kind, handler func(Envelope)) *eventbus.Subscription {
	return t.bus(kind).Subscribe(handler)
}

// OnState registers handler for state changes.
func (t *Transport) OnState(handler func(StateEvent)) *eventbus.Subscription {
	return t.states.Subscribe(handler)
}

// State returns the current state.
func (t *Transport) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// IsOpen reports whether envelopes can be written now.
func (t *Transport) IsOpen() bool {
	return t.State() >= StateOpen
}

// IsStable reports whether the socket has stayed open for StableDelay.
func (t *Transport) IsStable() bool {
	return t.State() == StateStable
}

// WaitStable blocks until the socket is Stable, ctx ends, or the
// transport is closed.
func (t *Transport) WaitStable(ctx context.Context) error {
	t.mu.Lock()
	if t.state == StateStable {
		t.mu.Unlock()
		return nil
	}
	stable := t.stableCh
	t.mu.Unlock()

	select {
	case <-stable:
		return nil
	case <-t.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Send writes envelope. On a socket that is not open, critical kinds
// get one reconnect-then-resend attempt; other kinds fail with
// ErrNotOpen. Nothing is queued.
func (t *Transport) Send(ctx context.Context, envelope Envelope) error {
	data, err := Encode(envelope)
	if err != nil {
		return err
	}

	err = t.write(data)
	if err == nil || !errors.Is(err, ErrNotOpen) {
		return err
	}
	if !envelope.Kind().Critical() {
		return err
	}

	t.logger.Info("relay not open, reconnecting before critical send", "kind", envelope.Kind())
	if dialErr := t.dial(ctx); dialErr != nil {
		return fmt.Errorf("sending %s: %w", envelope.Kind(), dialErr)
	}
	return t.write(data)
}

// Close shuts the socket and stops reconnecting. Handlers stay
// registered but receive nothing further.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.stopTimersLocked()
	conn := t.conn
	t.conn = nil
	t.generation++
	changed := t.setStateLocked(StateDisconnected)
	close(t.done)
	t.mu.Unlock()

	var err error
	if conn != nil {
		err = conn.Close()
	}
	if changed {
		t.states.Publish(StateEvent{State: StateDisconnected})
	}
	t.logger.Info("relay transport closed")
	return err
}

func (t *Transport) write(data []byte) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	conn := t.conn
	open := t.state >= StateOpen
	t.mu.Unlock()

	if !open || conn == nil {
		return ErrNotOpen
	}
	if err := conn.WriteMessage(data); err != nil {
		return fmt.Errorf("%w: %v", ErrNotOpen, err)
	}
	return nil
}

// dial opens a socket unless one is already open or opening.
func (t *Transport) dial(ctx context.Context) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	switch t.state {
	case StateOpen, StateStable:
		t.mu.Unlock()
		return nil
	case StateConnecting:
		t.mu.Unlock()
		return ErrNotOpen
	}
	t.setStateLocked(StateConnecting)
	t.mu.Unlock()
	t.states.Publish(StateEvent{State: StateConnecting})

	conn, err := t.dialer.Dial(ctx, t.self)
	if err != nil {
		t.mu.Lock()
		changed := !t.closed && t.setStateLocked(StateDisconnected)
		t.mu.Unlock()
		if changed {
			t.states.Publish(StateEvent{State: StateDisconnected})
		}
		return fmt.Errorf("connecting to relay: %w", err)
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		conn.Close()
		return ErrClosed
	}
	t.generation++
	generation := t.generation
	t.conn = conn
	t.attempts = 0
	if t.reconnectTimer != nil {
		t.reconnectTimer.Stop()
		t.reconnectTimer = nil
	}
	t.setStateLocked(StateOpen)
	t.mu.Unlock()

	t.logger.Info("relay socket open")
	t.states.Publish(StateEvent{State: StateOpen})

	presence, err := Encode(Presence{PeerID: t.self, DisplayName: t.displayName})
	if err == nil {
		err = conn.WriteMessage(presence)
	}
	if err != nil {
		t.logger.Warn("announcing presence failed", "error", err)
	}

	go t.readLoop(conn, generation)
	t.armStable(generation)
	return nil
}

func (t *Transport) armStable(generation uint64) {
	timer := t.clock.AfterFunc(t.stableDelay, func() { t.markStable(generation) })
	t.mu.Lock()
	if t.generation == generation && t.state == StateOpen {
		t.stableTimer = timer
	} else {
		timer.Stop()
	}
	t.mu.Unlock()
}

func (t *Transport) markStable(generation uint64) {
	t.mu.Lock()
	if t.generation != generation || t.state != StateOpen {
		t.mu.Unlock()
		return
	}
	t.stableTimer = nil
	t.setStateLocked(StateStable)
	t.mu.Unlock()

	t.logger.Debug("relay socket stable")
	t.states.Publish(StateEvent{State: StateStable})
}

func (t *Transport) readLoop(conn Conn, generation uint64) {
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			t.connectionLost(generation, err)
			return
		}

		envelope, err := Decode(data)
		if err != nil {
			t.logger.Warn("discarding undecodable relay message", "error", err)
			continue
		}
		if _, to, addressed := Route(envelope); addressed && to != t.self {
			t.logger.Debug("dropping envelope addressed to another peer",
				"kind", envelope.Kind(),
				"to", to,
			)
			continue
		}
		t.bus(envelope.Kind()).Publish(envelope)
	}
}

func (t *Transport) connectionLost(generation uint64, cause error) {
	t.mu.Lock()
	if t.closed || t.generation != generation {
		t.mu.Unlock()
		return
	}
	conn := t.conn
	t.conn = nil
	t.stopTimersLocked()
	t.setStateLocked(StateDisconnected)
	t.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	t.logger.Warn("relay socket closed", "error", cause)
	t.states.Publish(StateEvent{State: StateDisconnected})
	t.scheduleReconnect()
}

func (t *Transport) scheduleReconnect() {
	t.mu.Lock()
	if t.closed || t.state != StateDisconnected {
		t.mu.Unlock()
		return
	}
	t.attempts++
	attempt := t.attempts
	if attempt > t.reconnectAttempts {
		t.mu.Unlock()
		t.logger.Error("relay unreachable, giving up", "attempts", t.reconnectAttempts)
		t.states.Publish(StateEvent{State: StateDisconnected, Err: ErrRelayUnreachable})
		return
	}
	delay := t.reconnectBase << (attempt - 1)
	if delay > t.reconnectMax || delay <= 0 {
		delay = t.reconnectMax
	}
	t.mu.Unlock()

	t.logger.Info("scheduling relay reconnect", "attempt", attempt, "backoff", delay)
	timer := t.clock.AfterFunc(delay, t.reconnect)

	t.mu.Lock()
	if t.closed || t.state != StateDisconnected {
		timer.Stop()
	} else {
		t.reconnectTimer = timer
	}
	t.mu.Unlock()
}

func (t *Transport) reconnect() {
	t.mu.Lock()
	t.reconnectTimer = nil
	pending := !t.closed && t.state == StateDisconnected
	t.mu.Unlock()
	if !pending {
		return
	}

	if err := t.dial(context.Background()); err != nil {
		t.logger.Warn("relay reconnect failed", "error", err)
		t.scheduleReconnect()
	}
}

func (t *Transport) bus(kind Kind) *eventbus.Bus[Envelope] {
	t.handlersMu.Lock()
	defer t.handlersMu.Unlock()
	bus, ok := t.handlers[kind]
	if !ok {
		bus = eventbus.New[Envelope]("signaling-"+string(kind), t.logger)
		t.handlers[kind] = bus
	}
	return bus
}

// setStateLocked records the new state and reports whether it changed.
func (t *Transport) setStateLocked(state State) bool {
	if t.state == state {
		return false
	}
	if t.state == StateStable {
		t.stableCh = make(chan struct{})
	}
	t.state = state
	if state == StateStable {
		close(t.stableCh)
	}
	return true
}

func (t *Transport) stopTimersLocked() {
	if t.stableTimer != nil {
		t.stableTimer.Stop()
		t.stableTimer = nil
	}
	if t.reconnectTimer != nil {
		t.reconnectTimer.Stop()
		t.reconnectTimer = nil
	}
}
