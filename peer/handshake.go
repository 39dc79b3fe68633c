// Copyright 2026 The Freeflow Authors
// SPDX-License-Identifier: Apache-2.0

package peer

import (
	"context"
	"errors"
	"fmt"

	"github.com/pion/webrtc/v4"

	"github.com/freeflow-chat/freeflow/lib/retry"
	"github.com/freeflow-chat/freeflow/registry"
	"github.com/freeflow-chat/freeflow/signaling"
)

func (n *Negotiator) handleAccepted(envelope signaling.ConnectionAccepted) {
	if !n.registry.AcknowledgeAcceptance(envelope.From) {
		return
	}
	n.logger.Info("connection accepted, offering", "peer", envelope.From)
	n.startOffer(envelope.From)
}

func (n *Negotiator) handleRejected(envelope signaling.ConnectionRejected) {
	peer := envelope.From
	if !n.registry.AcknowledgeRejection(context.Background(), peer) {
		return
	}
	n.logger.Info("connection request rejected", "peer", peer, "reason", envelope.Reason)
	if s := n.session(peer); s != nil {
		n.closeSession(s)
	}
	n.reportClosed(peer, ErrRejected, false)
}

func (n *Negotiator) startOffer(peer signaling.PeerID) {
	s := n.acquireSession(peer)
	if s == nil {
		return
	}
	s.negotiate.Lock()
	defer s.negotiate.Unlock()
	if n.connectionOf(s) != nil {
		n.logger.Debug("negotiation already in progress", "peer", peer)
		return
	}
	s.outbound = true

	connection, err := n.newConnection(s)
	if err != nil {
		n.fail(s, err)
		return
	}
	channel, err := connection.CreateDataChannel(ChannelLabel)
	if err != nil {
		n.fail(s, err)
		return
	}
	n.attachChannel(s, channel)

	offer, err := connection.CreateOffer()
	if err != nil {
		n.fail(s, fmt.Errorf("creating offer: %w", err))
		return
	}
	if err := connection.SetLocalDescription(offer); err != nil {
		n.fail(s, fmt.Errorf("setting local description: %w", err))
		return
	}
	n.queueDescription(s, signaling.Offer{From: n.self, To: peer, Description: offer}, "send offer")
}

func (n *Negotiator) handleOffer(envelope signaling.Offer) {
	peer := envelope.From
	if !n.registry.AllowsNegotiation(peer) {
		n.logger.Warn("ignoring offer from peer without consent", "peer", peer)
		return
	}

	s := n.acquireSession(peer)
	if s == nil {
		return
	}
	s.negotiate.Lock()
	if n.connectionOf(s) != nil {
		// Both sides offered. The smaller peer id keeps its own offer.
		keepOurs := s.outbound && !s.remoteSet && n.self < peer
		s.negotiate.Unlock()
		if keepOurs {
			n.logger.Info("ignoring crossing offer", "peer", peer)
			return
		}
		n.logger.Info("replacing session with remote offer", "peer", peer)
		n.closeSession(s)
		if s = n.acquireSession(peer); s == nil {
			return
		}
		s.negotiate.Lock()
	}
	defer s.negotiate.Unlock()

	connection, err := n.newConnection(s)
	if err != nil {
		n.fail(s, err)
		return
	}
	if err := connection.SetRemoteDescription(envelope.Description); err != nil {
		n.fail(s, fmt.Errorf("applying offer: %w", err))
		return
	}
	n.remoteDescriptionApplied(s, connection)

	answer, err := connection.CreateAnswer()
	if err != nil {
		n.fail(s, fmt.Errorf("creating answer: %w", err))
		return
	}
	if err := connection.SetLocalDescription(answer); err != nil {
		n.fail(s, fmt.Errorf("setting local description: %w", err))
		return
	}
	n.queueDescription(s, signaling.Answer{From: n.self, To: peer, Description: answer}, "send answer")
}

func (n *Negotiator) handleAnswer(envelope signaling.Answer) {
	peer := envelope.From
	s := n.session(peer)
	if s == nil {
		n.logger.Debug("ignoring answer without session", "peer", peer)
		return
	}
	s.negotiate.Lock()
	defer s.negotiate.Unlock()

	connection := n.connectionOf(s)
	if connection == nil || !s.outbound || s.remoteSet {
		n.logger.Warn("ignoring unexpected answer", "peer", peer)
		return
	}
	if err := connection.SetRemoteDescription(envelope.Description); err != nil {
		n.fail(s, fmt.Errorf("applying answer: %w", err))
		return
	}
	n.remoteDescriptionApplied(s, connection)
}

func (n *Negotiator) handleCandidate(envelope signaling.Candidate) {
	peer := envelope.From
	s := n.session(peer)
	if s == nil {
		if !n.registry.AllowsNegotiation(peer) {
			n.logger.Debug("dropping candidate from peer without consent", "peer", peer)
			return
		}
		if s = n.acquireSession(peer); s == nil {
			return
		}
	}

	s.negotiate.Lock()
	defer s.negotiate.Unlock()
	if s.remoteSet {
		if err := n.connectionOf(s).AddICECandidate(envelope.Candidate); err != nil {
			n.logger.Warn("applying candidate failed", "peer", peer, "error", err)
		}
		return
	}
	if len(s.queued) >= n.queueLimit {
		n.logger.Warn("candidate queue full, dropping candidate", "peer", peer, "limit", n.queueLimit)
		return
	}
	s.queued = append(s.queued, envelope.Candidate)
}

// remoteDescriptionApplied applies the queued candidates in receipt
// order. The caller holds s.negotiate.
func (n *Negotiator) remoteDescriptionApplied(s *session, connection Connection) {
	s.remoteSet = true
	queued := s.queued
	s.queued = nil
	for _, candidate := range queued {
		if err := connection.AddICECandidate(candidate); err != nil {
			n.logger.Warn("applying queued candidate failed", "peer", s.peer, "error", err)
		}
	}
	if len(queued) > 0 {
		n.logger.Debug("queued candidates applied", "peer", s.peer, "count", len(queued))
	}
}

// newConnection creates s's PeerConnection and wires its callbacks.
// The caller holds s.negotiate.
func (n *Negotiator) newConnection(s *session) (Connection, error) {
	connection, err := n.factory.NewConnection()
	if err != nil {
		return nil, err
	}
	connection.OnICECandidate(func(candidate webrtc.ICECandidateInit) {
		n.localCandidate(s, candidate)
	})
	connection.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		n.connectionStateChanged(s, state)
	})
	connection.OnDataChannel(func(channel Channel) {
		n.attachChannel(s, channel)
	})

	n.mu.Lock()
	if s.closed {
		n.mu.Unlock()
		connection.Close()
		return nil, ErrSessionClosed
	}
	s.connection = connection
	n.mu.Unlock()
	return connection, nil
}

func (n *Negotiator) attachChannel(s *session, channel Channel) {
	n.mu.Lock()
	if s.closed || s.channel != nil {
		n.mu.Unlock()
		n.logger.Debug("closing surplus data channel", "peer", s.peer, "label", channel.Label())
		channel.Close()
		return
	}
	s.channel = channel
	n.mu.Unlock()

	channel.OnOpen(func() { n.channelOpened(s) })
	channel.OnClose(func() {
		if n.closeSession(s) {
			n.logger.Info("data channel closed", "peer", s.peer)
			n.reportClosed(s.peer, nil, true)
		}
	})
	channel.OnMessage(func(data []byte) { n.receive(s, data) })
}

func (n *Negotiator) channelOpened(s *session) {
	n.mu.Lock()
	if s.closed || s.open {
		n.mu.Unlock()
		return
	}
	s.open = true
	pending := n.attempts[s.peer]
	delete(n.attempts, s.peer)
	n.mu.Unlock()

	if pending != nil {
		pending.resolve(nil)
	}
	if err := n.registry.UpdateStatus(context.Background(), s.peer, registry.StatusConnected); err != nil {
		n.logger.Warn("recording connected status failed", "peer", s.peer, "error", err)
	}
	n.logger.Info("data channel open", "peer", s.peer)
	n.states.Publish(StateEvent{Peer: s.peer, State: ChannelOpen})

	timer := n.clock.AfterFunc(n.settleDelay, func() { n.requestSync(s) })
	n.mu.Lock()
	if s.closed {
		timer.Stop()
	} else {
		s.settleTimer = timer
	}
	n.mu.Unlock()
}

func (n *Negotiator) connectionStateChanged(s *session, state webrtc.PeerConnectionState) {
	n.logger.Debug("peer connection state", "peer", s.peer, "state", state.String())
	switch state {
	case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
		n.fail(s, fmt.Errorf("peer connection %s", state))
	}
}

func (n *Negotiator) localCandidate(s *session, candidate webrtc.ICECandidateInit) {
	out := outgoing{
		envelope:  signaling.Candidate{From: n.self, To: s.peer, Candidate: candidate},
		policy:    n.candidatePolicy,
		operation: "send candidate",
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if s.closed {
		return
	}
	if !s.descriptionQueued {
		s.held = append(s.held, out)
		return
	}
	n.enqueueLocked(s, out)
}

// queueDescription puts the offer or answer in s's send order, followed
// by any local candidates gathered before it.
func (n *Negotiator) queueDescription(s *session, envelope signaling.Envelope, operation string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if s.closed {
		return
	}
	s.descriptionQueued = true
	n.enqueueLocked(s, outgoing{envelope: envelope, policy: n.descriptionPolicy, operation: operation})
	for _, out := range s.held {
		n.enqueueLocked(s, out)
	}
	s.held = nil
}

func (n *Negotiator) enqueueLocked(s *session, out outgoing) {
	s.outbox = append(s.outbox, out)
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (n *Negotiator) nextOutgoing(s *session) (outgoing, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(s.outbox) == 0 {
		return outgoing{}, false
	}
	out := s.outbox[0]
	s.outbox = s.outbox[1:]
	return out, true
}

// sendLoop sends s's envelopes in order. An envelope that exhausts its
// attempts is stashed until the transport next reaches Stable.
func (n *Negotiator) sendLoop(s *session) {
	for s.ctx.Err() == nil {
		out, ok := n.nextOutgoing(s)
		if !ok {
			select {
			case <-s.ctx.Done():
			case <-s.wake:
			}
			continue
		}

		err := retry.Do(s.ctx, n.clock, out.policy, n.logger, out.operation, func(ctx context.Context, _ int) error {
			if !n.transport.IsStable() {
				return errRelayUnstable
			}
			err := n.transport.Send(ctx, out.envelope)
			if errors.Is(err, signaling.ErrClosed) {
				return retry.Permanent(err)
			}
			return err
		})
		if err == nil || s.ctx.Err() != nil {
			continue
		}
		if errors.Is(err, signaling.ErrClosed) {
			n.logger.Debug("transport closed, dropping envelope", "peer", s.peer, "kind", out.envelope.Kind())
			continue
		}
		n.logger.Warn("relay send exhausted, waiting for stable relay",
			"peer", s.peer,
			"kind", out.envelope.Kind(),
			"error", err,
		)
		n.mu.Lock()
		if !s.closed {
			s.stashed = append(s.stashed, out)
		}
		n.mu.Unlock()
	}
}

func (n *Negotiator) handleTransportState(event signaling.StateEvent) {
	if event.State != signaling.StateStable {
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, s := range n.sessions {
		if len(s.stashed) == 0 {
			continue
		}
		n.logger.Info("relay stable, resending stashed envelopes", "peer", s.peer, "count", len(s.stashed))
		for _, out := range s.stashed {
			n.enqueueLocked(s, out)
		}
		s.stashed = nil
	}
}
