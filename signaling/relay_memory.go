// Copyright 2026 The Freeflow Authors
// SPDX-License-Identifier: Apache-2.0

package signaling

import (
	"context"
	"errors"
	"io"
	"slices"
	"sync"
)

// ErrRelayDown is returned by MemoryRelay.Dial while the relay is
// marked unreachable.
var ErrRelayDown = errors.New("signaling: memory relay unreachable")

// MemoryRelay is an in-process relay with the production routing
// contract: point-to-point envelopes go to the connection registered
// for their toPeerId, logout notifications go to each listed peer, and
// every presence triggers an online_users broadcast. Envelopes for
// absent peers are dropped, as the real relay does.
//
// Tests use SetReachable and Disconnect to simulate relay outages.
type MemoryRelay struct {
	mu        sync.Mutex
	reachable bool
	conns     map[PeerID]*memoryConn
	online    []PeerID
	delivered []Envelope
	dropKinds map[Kind]int
}

// NewMemoryRelay returns a reachable relay with no peers.
func NewMemoryRelay() *MemoryRelay {
	return &MemoryRelay{
		reachable: true,
		conns:     make(map[PeerID]*memoryConn),
		dropKinds: make(map[Kind]int),
	}
}

// Dial registers self. An existing connection for self is closed.
func (r *MemoryRelay) Dial(ctx context.Context, self PeerID) (Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.reachable {
		return nil, ErrRelayDown
	}
	if previous, ok := r.conns[self]; ok {
		previous.shutdown()
	}
	conn := &memoryConn{
		relay:   r,
		self:    self,
		inbound: make(chan []byte, 256),
		closed:  make(chan struct{}),
	}
	r.conns[self] = conn
	return conn, nil
}

// SetReachable controls whether Dial succeeds.
func (r *MemoryRelay) SetReachable(reachable bool) {
	r.mu.Lock()
	r.reachable = reachable
	r.mu.Unlock()
}

// Disconnect closes peer's socket from the relay side.
func (r *MemoryRelay) Disconnect(peer PeerID) {
	r.mu.Lock()
	conn, ok := r.conns[peer]
	if ok {
		r.unregisterLocked(conn)
	}
	r.mu.Unlock()
	if ok {
		conn.shutdown()
	}
}

// DropNext silently discards the next count envelopes of kind.
func (r *MemoryRelay) DropNext(kind Kind, count int) {
	r.mu.Lock()
	r.dropKinds[kind] += count
	r.mu.Unlock()
}

// Inject delivers raw bytes to peer as if the relay had sent them.
func (r *MemoryRelay) Inject(peer PeerID, data []byte) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	conn, ok := r.conns[peer]
	if !ok {
		return false
	}
	return conn.deliver(data)
}

// Online returns the peers that have announced presence.
func (r *MemoryRelay) Online() []PeerID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.online)
}

// Delivered returns every envelope the relay has forwarded, in order.
func (r *MemoryRelay) Delivered() []Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.delivered)
}

// DeliveredOfKind filters Delivered by kind.
func (r *MemoryRelay) DeliveredOfKind(kind Kind) []Envelope {
	var matched []Envelope
	for _, envelope := range r.Delivered() {
		if envelope.Kind() == kind {
			matched = append(matched, envelope)
		}
	}
	return matched
}

func (r *MemoryRelay) route(sender *memoryConn, data []byte) error {
	envelope, err := Decode(data)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conns[sender.self] != sender {
		return io.ErrClosedPipe
	}
	if r.dropKinds[envelope.Kind()] > 0 {
		r.dropKinds[envelope.Kind()]--
		return nil
	}

	switch e := envelope.(type) {
	case Presence:
		if !slices.Contains(r.online, sender.self) {
			r.online = append(r.online, sender.self)
		}
		r.broadcastOnlineLocked()
	case LogoutNotification:
		for _, recipient := range e.To {
			r.forwardLocked(recipient, envelope, data)
		}
	default:
		if _, to, addressed := Route(envelope); addressed {
			r.forwardLocked(to, envelope, data)
		}
	}
	return nil
}

func (r *MemoryRelay) forwardLocked(to PeerID, envelope Envelope, data []byte) {
	conn, ok := r.conns[to]
	if !ok {
		return
	}
	if conn.deliver(data) {
		r.delivered = append(r.delivered, envelope)
	}
}

func (r *MemoryRelay) broadcastOnlineLocked() {
	roster := OnlineUsers{Users: slices.Clone(r.online)}
	data, err := Encode(roster)
	if err != nil {
		return
	}
	for _, conn := range r.conns {
		conn.deliver(data)
	}
}

func (r *MemoryRelay) unregisterLocked(conn *memoryConn) {
	if r.conns[conn.self] != conn {
		return
	}
	delete(r.conns, conn.self)
	if index := slices.Index(r.online, conn.self); index >= 0 {
		r.online = slices.Delete(r.online, index, index+1)
		r.broadcastOnlineLocked()
	}
}

type memoryConn struct {
	relay   *MemoryRelay
	self    PeerID
	inbound chan []byte

	closeOnce sync.Once
	closed    chan struct{}
}

func (c *memoryConn) ReadMessage() ([]byte, error) {
	select {
	case data := <-c.inbound:
		return data, nil
	case <-c.closed:
		// Drain what was delivered before the close.
		select {
		case data := <-c.inbound:
			return data, nil
		default:
			return nil, io.EOF
		}
	}
}

func (c *memoryConn) WriteMessage(data []byte) error {
	select {
	case <-c.closed:
		return io.ErrClosedPipe
	default:
	}
	return c.relay.route(c, data)
}

func (c *memoryConn) Close() error {
	c.relay.mu.Lock()
	c.relay.unregisterLocked(c)
	c.relay.mu.Unlock()
	c.shutdown()
	return nil
}

func (c *memoryConn) shutdown() {
	c.closeOnce.Do(func() { close(c.closed) })
}

// deliver queues data unless the connection is closed or its buffer is
// full. Called with the relay lock held.
func (c *memoryConn) deliver(data []byte) bool {
	select {
	case <-c.closed:
		return false
	default:
	}
	select {
	case c.inbound <- data:
		return true
	default:
		return false
	}
}
