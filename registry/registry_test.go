// Copyright 2026 The Freeflow Authors
// SPDX-License-Identifier: Apache-2.0

package registry

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/freeflow-chat/freeflow/lib/clock"
	"github.com/freeflow-chat/freeflow/lib/eventbus"
	"github.com/freeflow-chat/freeflow/lib/kvstore"
	"github.com/freeflow-chat/freeflow/lib/testutil"
	"github.com/freeflow-chat/freeflow/signaling"
)

var epoch = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

// fakeRelay records sent envelopes and lets tests deliver inbound ones.
type fakeRelay struct {
	mu       sync.Mutex
	sent     []signaling.Envelope
	sendErr  error
	handlers map[signaling.Kind]*eventbus.Bus[signaling.Envelope]
}

func newFakeRelay() *fakeRelay {
	return &fakeRelay{handlers: make(map[signaling.Kind]*eventbus.Bus[signaling.Envelope])}
}

func (f *fakeRelay) Send(_ context.Context, envelope signaling.Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, envelope)
	return nil
}

func (f *fakeRelay) On(kind signaling.Kind, handler func(signaling.Envelope)) *eventbus.Subscription {
	return f.bus(kind).Subscribe(handler)
}

func (f *fakeRelay) bus(kind signaling.Kind) *eventbus.Bus[signaling.Envelope] {
	f.mu.Lock()
	defer f.mu.Unlock()
	bus, ok := f.handlers[kind]
	if !ok {
		bus = eventbus.New[signaling.Envelope](string(kind), nil)
		f.handlers[kind] = bus
	}
	return bus
}

func (f *fakeRelay) deliver(envelope signaling.Envelope) {
	f.bus(envelope.Kind()).Publish(envelope)
}

func (f *fakeRelay) sentEnvelopes() []signaling.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.sent)
}

func (f *fakeRelay) lastSent(t *testing.T) signaling.Envelope {
	t.Helper()
	sent := f.sentEnvelopes()
	if len(sent) == 0 {
		t.Fatal("nothing was sent")
	}
	return sent[len(sent)-1]
}

type harness struct {
	registry *Registry
	relay    *fakeRelay
	backend  *kvstore.MemoryStore
	live     map[signaling.PeerID]bool
	requests []ConnectionRequest
	statuses []StatusEvent
}

func newHarness(t *testing.T, backend *kvstore.MemoryStore) *harness {
	t.Helper()
	h := &harness{relay: newFakeRelay(), backend: backend, live: make(map[signaling.PeerID]bool)}
	registry, err := New(context.Background(), Config{
		Self:        "alice",
		DisplayName: "Alice",
		Relay:       h.relay,
		Backend:     backend,
		Clock:       clock.Fake(epoch),
		Logger:      testutil.Logger(),
		Live:        func(peer signaling.PeerID) bool { return h.live[peer] },
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(registry.Close)
	registry.OnRequest(func(request ConnectionRequest) { h.requests = append(h.requests, request) })
	registry.OnStatus(func(event StatusEvent) { h.statuses = append(h.statuses, event) })
	h.registry = registry
	return h
}

func status(r *Registry, peer signaling.PeerID) Status {
	if connection, ok := r.Connection(peer); ok {
		return connection.Status
	}
	return StatusNone
}

// connectBob drives bob through a full outbound handshake to connected.
func connectBob(t *testing.T, h *harness) {
	t.Helper()
	ctx := context.Background()
	if err := h.registry.RequestConnection(ctx, "bob"); err != nil {
		t.Fatalf("RequestConnection: %v", err)
	}
	if !h.registry.AcknowledgeAcceptance("bob") {
		t.Fatal("AcknowledgeAcceptance(bob) = false")
	}
	if err := h.registry.UpdateStatus(ctx, "bob", StatusConnected); err != nil {
		t.Fatalf("UpdateStatus(connected): %v", err)
	}
}

func TestIncomingRequestBecomesPending(t *testing.T) {
	h := newHarness(t, kvstore.NewMemoryStore())

	h.relay.deliver(signaling.ConnectionRequest{From: "bob", FromDisplayName: "Bob", To: "alice"})

	pending := h.registry.PendingRequests()
	if len(pending) != 1 || pending[0].From != "bob" || pending[0].FromDisplayName != "Bob" || !pending[0].ReceivedAt.Equal(epoch) {
		t.Fatalf("PendingRequests() = %+v", pending)
	}
	if len(h.requests) != 1 {
		t.Fatalf("request events = %d, want 1", len(h.requests))
	}
	if got := status(h.registry, "bob"); got != StatusRequested {
		t.Fatalf("status = %s, want requested", got)
	}
	if len(h.relay.sentEnvelopes()) != 0 {
		t.Fatal("pending request must not be answered yet")
	}
}

func TestBlacklistSupersedesRequest(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, kvstore.NewMemoryStore())

	h.registry.HandleIncomingRequest(ctx, "mallory", "Mallory")
	if err := h.registry.RejectAndBlacklist(ctx, "mallory"); err != nil {
		t.Fatalf("RejectAndBlacklist: %v", err)
	}
	rejection, ok := h.relay.lastSent(t).(signaling.ConnectionRejected)
	if !ok || rejection.To != "mallory" || rejection.Reason != ReasonBlocked {
		t.Fatalf("sent %+v, want connection_rejected to mallory", h.relay.lastSent(t))
	}
	h.requests = nil

	if h.registry.HandleIncomingRequest(ctx, "mallory", "Mallory") {
		t.Fatal("HandleIncomingRequest from blacklisted peer returned true")
	}
	if len(h.registry.PendingRequests()) != 0 || len(h.requests) != 0 {
		t.Fatal("blacklisted request reached the user")
	}
	if _, ok := h.relay.lastSent(t).(signaling.ConnectionRejected); !ok {
		t.Fatal("blacklisted request was not rejected")
	}
	if got := status(h.registry, "mallory"); got != StatusNone {
		t.Fatalf("status = %s, want none", got)
	}
}

func TestDuplicatePendingRequestRejected(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, kvstore.NewMemoryStore())

	if !h.registry.HandleIncomingRequest(ctx, "bob", "Bob") {
		t.Fatal("first request refused")
	}
	if h.registry.HandleIncomingRequest(ctx, "bob", "Bob") {
		t.Fatal("duplicate request accepted")
	}
	if len(h.requests) != 1 {
		t.Fatalf("user prompted %d times", len(h.requests))
	}
	rejection := h.relay.lastSent(t).(signaling.ConnectionRejected)
	if rejection.Reason != ReasonDuplicate {
		t.Fatalf("reason = %q", rejection.Reason)
	}
}

func TestLivePeerRequestRejected(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, kvstore.NewMemoryStore())
	connectBob(t, h)
	h.live["bob"] = true

	if h.registry.HandleIncomingRequest(ctx, "bob", "Bob") {
		t.Fatal("request from live peer accepted")
	}
	rejection := h.relay.lastSent(t).(signaling.ConnectionRejected)
	if rejection.Reason != ReasonAlreadyConnected {
		t.Fatalf("reason = %q", rejection.Reason)
	}
	if got := status(h.registry, "bob"); got != StatusConnected {
		t.Fatalf("status = %s, want connected", got)
	}
}

func TestReturningPeerAutoAccepted(t *testing.T) {
	ctx := context.Background()
	backend := kvstore.NewMemoryStore()
	connectBob(t, newHarness(t, backend))

	restarted := newHarness(t, backend)
	if got := status(restarted.registry, "bob"); got != StatusConnected {
		t.Fatalf("status after restart = %s, want connected", got)
	}

	if !restarted.registry.HandleIncomingRequest(ctx, "bob", "Bob") {
		t.Fatal("returning peer refused")
	}
	if len(restarted.registry.PendingRequests()) != 0 || len(restarted.requests) != 0 {
		t.Fatal("returning peer was prompted")
	}
	accepted, ok := restarted.relay.lastSent(t).(signaling.ConnectionAccepted)
	if !ok || accepted.To != "bob" || accepted.From != "alice" {
		t.Fatalf("sent %+v, want connection_accepted to bob", restarted.relay.lastSent(t))
	}
	if got := status(restarted.registry, "bob"); got != StatusConnecting {
		t.Fatalf("status = %s, want connecting", got)
	}
	if !restarted.registry.AllowsNegotiation("bob") {
		t.Fatal("auto-accepted peer may not negotiate")
	}
}

func TestAcceptSendsAcceptance(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, kvstore.NewMemoryStore())

	if err := h.registry.Accept(ctx, "bob"); !errors.Is(err, ErrNoPendingRequest) {
		t.Fatalf("Accept without request = %v", err)
	}

	h.registry.HandleIncomingRequest(ctx, "bob", "Bob")
	if err := h.registry.Accept(ctx, "bob"); err != nil {
		t.Fatalf("Accept: %v", err)
	}
	if _, ok := h.relay.lastSent(t).(signaling.ConnectionAccepted); !ok {
		t.Fatalf("sent %+v", h.relay.lastSent(t))
	}
	if len(h.registry.PendingRequests()) != 0 {
		t.Fatal("pending entry survived Accept")
	}
	connection, _ := h.registry.Connection("bob")
	if connection.Status != StatusConnecting || connection.DisplayName != "Bob" {
		t.Fatalf("connection = %+v", connection)
	}
	want := []StatusEvent{{Peer: "bob", Status: StatusRequested}, {Peer: "bob", Status: StatusConnecting}}
	if !slices.Equal(h.statuses, want) {
		t.Fatalf("status events = %+v, want %+v", h.statuses, want)
	}
}

func TestAcceptRetriableAfterStorageFailure(t *testing.T) {
	ctx := context.Background()
	backend := kvstore.NewMemoryStore()
	h := newHarness(t, backend)
	h.registry.HandleIncomingRequest(ctx, "bob", "Bob")

	backend.MaxBytes = 1
	if err := h.registry.Accept(ctx, "bob"); !errors.Is(err, kvstore.ErrQuotaExceeded) {
		t.Fatalf("Accept on a full store = %v, want ErrQuotaExceeded", err)
	}
	if pending := h.registry.PendingRequests(); len(pending) != 1 || pending[0].From != "bob" {
		t.Fatalf("PendingRequests() after failed Accept = %+v", pending)
	}
	if got := status(h.registry, "bob"); got != StatusRequested {
		t.Fatalf("status after failed Accept = %s, want requested", got)
	}
	if h.registry.AllowsNegotiation("bob") {
		t.Fatal("failed Accept granted negotiation")
	}
	if sent := h.relay.sentEnvelopes(); len(sent) != 0 {
		t.Fatalf("failed Accept sent %+v", sent)
	}

	backend.MaxBytes = 0
	if err := h.registry.Accept(ctx, "bob"); err != nil {
		t.Fatalf("retried Accept: %v", err)
	}
	if _, ok := h.relay.lastSent(t).(signaling.ConnectionAccepted); !ok {
		t.Fatalf("sent %+v, want connection_accepted", h.relay.lastSent(t))
	}
	if got := status(h.registry, "bob"); got != StatusConnecting {
		t.Fatalf("status = %s, want connecting", got)
	}
	want := []StatusEvent{{Peer: "bob", Status: StatusRequested}, {Peer: "bob", Status: StatusConnecting}}
	if !slices.Equal(h.statuses, want) {
		t.Fatalf("status events = %+v, want %+v", h.statuses, want)
	}
}

func TestRejectRetriableAfterStorageFailure(t *testing.T) {
	ctx := context.Background()
	backend := kvstore.NewMemoryStore()
	h := newHarness(t, backend)
	h.registry.HandleIncomingRequest(ctx, "mallory", "Mallory")

	backend.MaxBytes = 1
	if err := h.registry.RejectAndBlacklist(ctx, "mallory"); !errors.Is(err, kvstore.ErrQuotaExceeded) {
		t.Fatalf("RejectAndBlacklist on a full store = %v, want ErrQuotaExceeded", err)
	}
	if h.registry.IsBlacklisted("mallory") {
		t.Fatal("blacklist entry survived a failed write")
	}
	if len(h.registry.PendingRequests()) != 1 {
		t.Fatal("failed RejectAndBlacklist dropped the request")
	}
	if sent := h.relay.sentEnvelopes(); len(sent) != 0 {
		t.Fatalf("failed RejectAndBlacklist sent %+v", sent)
	}

	backend.MaxBytes = 0
	if err := h.registry.RejectAndBlacklist(ctx, "mallory"); err != nil {
		t.Fatalf("retried RejectAndBlacklist: %v", err)
	}
	if !h.registry.IsBlacklisted("mallory") || len(h.registry.PendingRequests()) != 0 {
		t.Fatal("retried RejectAndBlacklist did not take effect")
	}
	if rejection, ok := h.relay.lastSent(t).(signaling.ConnectionRejected); !ok || rejection.Reason != ReasonBlocked {
		t.Fatalf("sent %+v, want connection_rejected", h.relay.lastSent(t))
	}
	if got := newHarness(t, backend).registry.Blacklisted(); !slices.Equal(got, []signaling.PeerID{"mallory"}) {
		t.Fatalf("Blacklisted() after restart = %v", got)
	}
}

func TestIgnoreDropsSilently(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, kvstore.NewMemoryStore())

	h.registry.HandleIncomingRequest(ctx, "bob", "Bob")
	h.registry.Ignore(ctx, "bob")

	if len(h.registry.PendingRequests()) != 0 {
		t.Fatal("pending entry survived Ignore")
	}
	if len(h.relay.sentEnvelopes()) != 0 {
		t.Fatal("Ignore sent an envelope")
	}
	if got := status(h.registry, "bob"); got != StatusNone {
		t.Fatalf("status = %s, want none", got)
	}
	if !h.registry.HandleIncomingRequest(ctx, "bob", "Bob") {
		t.Fatal("ignored peer cannot ask again")
	}
}

func TestRequestConnection(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, kvstore.NewMemoryStore())

	if err := h.registry.RequestConnection(ctx, "alice"); !errors.Is(err, ErrSelf) {
		t.Fatalf("request to self = %v", err)
	}
	if err := h.registry.RequestConnection(ctx, "bob"); err != nil {
		t.Fatalf("RequestConnection: %v", err)
	}
	request := h.relay.lastSent(t).(signaling.ConnectionRequest)
	if request.From != "alice" || request.FromDisplayName != "Alice" || request.To != "bob" {
		t.Fatalf("request = %+v", request)
	}
	if got := status(h.registry, "bob"); got != StatusConnecting {
		t.Fatalf("status = %s", got)
	}

	h.registry.RejectAndBlacklist(ctx, "mallory")
	if err := h.registry.RequestConnection(ctx, "mallory"); !errors.Is(err, ErrBlacklisted) {
		t.Fatalf("request to blacklisted peer = %v", err)
	}

	h.live["carol"] = true
	if err := h.registry.RequestConnection(ctx, "carol"); !errors.Is(err, ErrAlreadyConnected) {
		t.Fatalf("request to live peer = %v", err)
	}
}

func TestRequestConnectionRevertsWhenSendFails(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, kvstore.NewMemoryStore())
	h.relay.sendErr = signaling.ErrNotOpen

	if err := h.registry.RequestConnection(ctx, "bob"); !errors.Is(err, signaling.ErrNotOpen) {
		t.Fatalf("RequestConnection = %v", err)
	}
	if got := status(h.registry, "bob"); got != StatusNone {
		t.Fatalf("status = %s, want none", got)
	}
	if h.registry.AcknowledgeAcceptance("bob") {
		t.Fatal("failed request left an outbound entry")
	}
}

func TestRequestConnectionAcceptsCrossingRequest(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, kvstore.NewMemoryStore())

	h.registry.HandleIncomingRequest(ctx, "bob", "Bob")
	if err := h.registry.RequestConnection(ctx, "bob"); err != nil {
		t.Fatalf("RequestConnection: %v", err)
	}
	if _, ok := h.relay.lastSent(t).(signaling.ConnectionAccepted); !ok {
		t.Fatalf("sent %+v, want connection_accepted", h.relay.lastSent(t))
	}
}

func TestAcknowledgementsRequireOutboundRequest(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, kvstore.NewMemoryStore())

	if h.registry.AcknowledgeAcceptance("bob") {
		t.Fatal("unsolicited acceptance honoured")
	}
	if h.registry.AcknowledgeRejection(ctx, "bob") {
		t.Fatal("unsolicited rejection honoured")
	}

	h.registry.RequestConnection(ctx, "bob")
	if !h.registry.AcknowledgeRejection(ctx, "bob") {
		t.Fatal("rejection of our request ignored")
	}
	if got := status(h.registry, "bob"); got != StatusNone {
		t.Fatalf("status after rejection = %s", got)
	}
	if h.registry.AcknowledgeAcceptance("bob") {
		t.Fatal("acceptance after rejection honoured")
	}
}

func TestUpdateStatusValidatesTransitions(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, kvstore.NewMemoryStore())

	err := h.registry.UpdateStatus(ctx, "bob", StatusConnected)
	var invalid *InvalidTransitionError
	if !errors.As(err, &invalid) || invalid.From != StatusNone || invalid.To != StatusConnected {
		t.Fatalf("UpdateStatus(none->connected) = %v", err)
	}

	connectBob(t, h)
	if err := h.registry.UpdateStatus(ctx, "bob", StatusDisconnected); err != nil {
		t.Fatalf("connected->disconnected: %v", err)
	}
	if err := h.registry.UpdateStatus(ctx, "bob", StatusConnected); err == nil {
		t.Fatal("disconnected->connected allowed without a new handshake")
	}
	if got := h.registry.ConnectedPeers(); len(got) != 0 {
		t.Fatalf("ConnectedPeers() = %v", got)
	}
}

func TestPersistenceAndClearAll(t *testing.T) {
	ctx := context.Background()
	backend := kvstore.NewMemoryStore()
	h := newHarness(t, backend)
	connectBob(t, h)
	h.registry.RejectAndBlacklist(ctx, "mallory")
	h.registry.RejectAndBlacklist(ctx, "eve")
	h.registry.HandleIncomingRequest(ctx, "carol", "Carol")

	restarted := newHarness(t, backend)
	if got := restarted.registry.Blacklisted(); !slices.Equal(got, []signaling.PeerID{"eve", "mallory"}) {
		t.Fatalf("Blacklisted() after restart = %v", got)
	}
	if got := restarted.registry.ConnectedPeers(); !slices.Equal(got, []signaling.PeerID{"bob"}) {
		t.Fatalf("ConnectedPeers() after restart = %v", got)
	}
	if _, ok := restarted.registry.Connection("carol"); ok {
		t.Fatal("ephemeral requested status survived restart")
	}

	if err := restarted.registry.Unblacklist(ctx, "eve"); err != nil {
		t.Fatalf("Unblacklist: %v", err)
	}
	if restarted.registry.IsBlacklisted("eve") || !restarted.registry.IsBlacklisted("mallory") {
		t.Fatal("Unblacklist removed the wrong peer")
	}

	if err := restarted.registry.ClearAll(ctx); err != nil {
		t.Fatalf("ClearAll: %v", err)
	}
	if keys, _ := backend.Keys(ctx, kvstore.UserPrefix("alice")); len(keys) != 0 {
		t.Fatalf("keys after ClearAll = %v", keys)
	}
	empty := newHarness(t, backend)
	if len(empty.registry.Blacklisted()) != 0 || len(empty.registry.Connections()) != 0 {
		t.Fatal("ClearAll did not purge persisted state")
	}
}
