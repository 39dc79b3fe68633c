// Copyright 2026 The Freeflow Authors
// SPDX-License-Identifier: Apache-2.0

package peer

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/freeflow-chat/freeflow/lib/clock"
	"github.com/freeflow-chat/freeflow/lib/eventbus"
	"github.com/freeflow-chat/freeflow/lib/kvstore"
	"github.com/freeflow-chat/freeflow/lib/testutil"
	"github.com/freeflow-chat/freeflow/messagestore"
	"github.com/freeflow-chat/freeflow/registry"
	"github.com/freeflow-chat/freeflow/signaling"
)

var epoch = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

// fakeTransport records sent envelopes and lets tests deliver inbound
// ones and flip stability.
type fakeTransport struct {
	self signaling.PeerID

	mu           sync.Mutex
	stable       bool
	stableChecks int
	sendErr      error
	sendAttempts int
	sent         []signaling.Envelope
	handlers     map[signaling.Kind]*eventbus.Bus[signaling.Envelope]

	states *eventbus.Bus[signaling.StateEvent]
}

func newFakeTransport(self signaling.PeerID) *fakeTransport {
	return &fakeTransport{
		self:     self,
		stable:   true,
		handlers: make(map[signaling.Kind]*eventbus.Bus[signaling.Envelope]),
		states:   eventbus.New[signaling.StateEvent]("fake-state", nil),
	}
}

func (f *fakeTransport) Self() signaling.PeerID { return f.self }

func (f *fakeTransport) Send(_ context.Context, envelope signaling.Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sendAttempts++
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, envelope)
	return nil
}

func (f *fakeTransport) failSends(err error) {
	f.mu.Lock()
	f.sendErr = err
	f.mu.Unlock()
}

func (f *fakeTransport) attempts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sendAttempts
}

func (f *fakeTransport) On(kind signaling.Kind, handler func(signaling.Envelope)) *eventbus.Subscription {
	return f.bus(kind).Subscribe(handler)
}

func (f *fakeTransport) OnState(handler func(signaling.StateEvent)) *eventbus.Subscription {
	return f.states.Subscribe(handler)
}

func (f *fakeTransport) IsStable() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stableChecks++
	return f.stable
}

func (f *fakeTransport) bus(kind signaling.Kind) *eventbus.Bus[signaling.Envelope] {
	f.mu.Lock()
	defer f.mu.Unlock()
	bus, ok := f.handlers[kind]
	if !ok {
		bus = eventbus.New[signaling.Envelope](string(kind), nil)
		f.handlers[kind] = bus
	}
	return bus
}

func (f *fakeTransport) deliver(envelope signaling.Envelope) {
	f.bus(envelope.Kind()).Publish(envelope)
}

func (f *fakeTransport) setStable(stable bool) {
	f.mu.Lock()
	f.stable = stable
	f.mu.Unlock()
	state := signaling.StateOpen
	if stable {
		state = signaling.StateStable
	}
	f.states.Publish(signaling.StateEvent{State: state})
}

func (f *fakeTransport) checks() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stableChecks
}

func (f *fakeTransport) sentOfKind(kind signaling.Kind) []signaling.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	var matching []signaling.Envelope
	for _, envelope := range f.sent {
		if envelope.Kind() == kind {
			matching = append(matching, envelope)
		}
	}
	return matching
}

func (f *fakeTransport) sentKinds() []signaling.Kind {
	f.mu.Lock()
	defer f.mu.Unlock()
	var kinds []signaling.Kind
	for _, envelope := range f.sent {
		kinds = append(kinds, envelope.Kind())
	}
	return kinds
}

// fakeFactory hands out fakeConnections and remembers them.
type fakeFactory struct {
	mu          sync.Mutex
	connections []*fakeConnection
}

func (f *fakeFactory) NewConnection() (Connection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	connection := &fakeConnection{}
	f.connections = append(f.connections, connection)
	return connection, nil
}

func (f *fakeFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.connections)
}

func (f *fakeFactory) last(t *testing.T) *fakeConnection {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.connections) == 0 {
		t.Fatal("no connection created")
	}
	return f.connections[len(f.connections)-1]
}

var errNoRemoteDescription = errors.New("fake: candidate before remote description")

// fakeConnection records the order of remote description and candidate
// application, and lets tests fire its callbacks.
type fakeConnection struct {
	mu            sync.Mutex
	events        []string
	local         *webrtc.SessionDescription
	remote        *webrtc.SessionDescription
	channels      []*fakeChannel
	closed        bool
	onCandidate   func(webrtc.ICECandidateInit)
	onState       func(webrtc.PeerConnectionState)
	onDataChannel func(Channel)
}

func (c *fakeConnection) CreateDataChannel(label string) (Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	channel := newFakeChannel(label)
	c.channels = append(c.channels, channel)
	return channel, nil
}

func (c *fakeConnection) OnDataChannel(handler func(Channel)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onDataChannel = handler
}

func (c *fakeConnection) OnICECandidate(handler func(webrtc.ICECandidateInit)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onCandidate = handler
}

func (c *fakeConnection) OnConnectionStateChange(handler func(webrtc.PeerConnectionState)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onState = handler
}

func (c *fakeConnection) CreateOffer() (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0 offer"}, nil
}

func (c *fakeConnection) CreateAnswer() (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0 answer"}, nil
}

func (c *fakeConnection) SetLocalDescription(description webrtc.SessionDescription) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.local = &description
	c.events = append(c.events, "local:"+description.Type.String())
	return nil
}

func (c *fakeConnection) SetRemoteDescription(description webrtc.SessionDescription) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.remote = &description
	c.events = append(c.events, "remote:"+description.Type.String())
	return nil
}

func (c *fakeConnection) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.remote == nil {
		c.events = append(c.events, "early:"+candidate.Candidate)
		return errNoRemoteDescription
	}
	c.events = append(c.events, "candidate:"+candidate.Candidate)
	return nil
}

func (c *fakeConnection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConnection) eventLog() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.events)
}

func (c *fakeConnection) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConnection) emitCandidate(candidate string) {
	c.mu.Lock()
	handler := c.onCandidate
	c.mu.Unlock()
	handler(webrtc.ICECandidateInit{Candidate: candidate})
}

func (c *fakeConnection) setState(state webrtc.PeerConnectionState) {
	c.mu.Lock()
	handler := c.onState
	c.mu.Unlock()
	handler(state)
}

// remoteChannel simulates the offering side opening a data channel.
func (c *fakeConnection) remoteChannel() *fakeChannel {
	channel := newFakeChannel(ChannelLabel)
	c.mu.Lock()
	c.channels = append(c.channels, channel)
	handler := c.onDataChannel
	c.mu.Unlock()
	handler(channel)
	return channel
}

func (c *fakeConnection) channel(t *testing.T) *fakeChannel {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.channels) == 0 {
		t.Fatal("no data channel on connection")
	}
	return c.channels[0]
}

// fakeChannel records sent frames on a buffered channel.
type fakeChannel struct {
	label string
	sent  chan []byte

	mu        sync.Mutex
	closed    bool
	onOpen    func()
	onClose   func()
	onMessage func([]byte)
}

func newFakeChannel(label string) *fakeChannel {
	return &fakeChannel{label: label, sent: make(chan []byte, 64)}
}

func (c *fakeChannel) Label() string { return c.label }

func (c *fakeChannel) OnOpen(handler func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onOpen = handler
}

func (c *fakeChannel) OnClose(handler func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onClose = handler
}

func (c *fakeChannel) OnMessage(handler func([]byte)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onMessage = handler
}

func (c *fakeChannel) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("fake: channel closed")
	}
	c.sent <- slices.Clone(data)
	return nil
}

func (c *fakeChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeChannel) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeChannel) open() {
	c.mu.Lock()
	handler := c.onOpen
	c.mu.Unlock()
	handler()
}

func (c *fakeChannel) remoteClose() {
	c.mu.Lock()
	handler := c.onClose
	c.mu.Unlock()
	handler()
}

func (c *fakeChannel) deliver(t *testing.T, payload Payload) {
	t.Helper()
	data, err := EncodePayload(payload)
	if err != nil {
		t.Fatalf("EncodePayload: %v", err)
	}
	c.mu.Lock()
	handler := c.onMessage
	c.mu.Unlock()
	handler(data)
}

func (c *fakeChannel) nextPayload(t *testing.T) Payload {
	t.Helper()
	data := testutil.RequireReceive(t, c.sent, 5*time.Second, "waiting for data channel frame")
	payload, err := DecodePayload(data)
	if err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	return payload
}

// harness is one local peer with a real registry and message store
// over a fake transport, fake PeerConnections and a fake clock.
type harness struct {
	self       signaling.PeerID
	transport  *fakeTransport
	factory    *fakeFactory
	clock      *clock.FakeClock
	registry   *registry.Registry
	messages   *messagestore.Store
	negotiator *Negotiator

	mu       sync.Mutex
	states   []StateEvent
	received []MessageEvent
}

func newHarness(t *testing.T, self signaling.PeerID) *harness {
	t.Helper()
	ctx := context.Background()
	h := &harness{
		self:      self,
		transport: newFakeTransport(self),
		factory:   &fakeFactory{},
		clock:     clock.Fake(epoch),
	}
	backend := kvstore.NewMemoryStore()

	var err error
	h.registry, err = registry.New(ctx, registry.Config{
		Self:    self,
		Relay:   h.transport,
		Backend: backend,
		Clock:   h.clock,
		Logger:  testutil.Logger(),
		Live:    func(peer signaling.PeerID) bool { return h.negotiator.IsConnectedTo(peer) },
	})
	if err != nil {
		t.Fatalf("registry.New: %v", err)
	}
	h.messages = messagestore.New(messagestore.Config{Backend: backend, Owner: self, Logger: testutil.Logger()})
	h.negotiator = New(Config{
		Transport: h.transport,
		Registry:  h.registry,
		Messages:  h.messages,
		Factory:   h.factory,
		Clock:     h.clock,
		Logger:    testutil.Logger(),
	})
	t.Cleanup(h.negotiator.Close)
	t.Cleanup(h.registry.Close)

	h.negotiator.OnState(func(event StateEvent) {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.states = append(h.states, event)
	})
	h.negotiator.OnMessage(func(event MessageEvent) {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.received = append(h.received, event)
	})
	return h
}

func (h *harness) stateEvents() []StateEvent {
	h.mu.Lock()
	defer h.mu.Unlock()
	return slices.Clone(h.states)
}

func (h *harness) messageEvents() []MessageEvent {
	h.mu.Lock()
	defer h.mu.Unlock()
	return slices.Clone(h.received)
}

func (h *harness) status(peer signaling.PeerID) registry.Status {
	if connection, ok := h.registry.Connection(peer); ok {
		return connection.Status
	}
	return registry.StatusNone
}

// acceptFrom makes peer's connection request pending and accepts it, so
// the local side will answer peer's offer.
func (h *harness) acceptFrom(t *testing.T, peer signaling.PeerID) {
	t.Helper()
	h.transport.deliver(signaling.ConnectionRequest{From: peer, FromDisplayName: string(peer), To: h.self})
	if err := h.registry.Accept(context.Background(), peer); err != nil {
		t.Fatalf("Accept(%s): %v", peer, err)
	}
}

// answerOffer runs the answering side up to an open channel.
func (h *harness) answerOffer(t *testing.T, peer signaling.PeerID) (*fakeConnection, *fakeChannel) {
	t.Helper()
	h.acceptFrom(t, peer)
	h.transport.deliver(signaling.Offer{
		From:        peer,
		To:          h.self,
		Description: webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0 remote offer"},
	})
	connection := h.factory.last(t)
	channel := connection.remoteChannel()
	channel.open()
	return connection, channel
}
