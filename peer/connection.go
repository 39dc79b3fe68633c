// Copyright 2026 The Freeflow Authors
// SPDX-License-Identifier: Apache-2.0

package peer

import (
	"fmt"

	"github.com/pion/webrtc/v4"
)

// ChannelLabel names the data channel the offering side creates.
const ChannelLabel = "messageChannel"

// Connection is the negotiation surface of one PeerConnection.
// Callbacks may fire on any goroutine but never from inside a method
// call on the same Connection.
type Connection interface {
	CreateDataChannel(label string) (Channel, error)
	OnDataChannel(handler func(Channel))

	// OnICECandidate reports each gathered local candidate. The end of
	// gathering is not reported.
	OnICECandidate(handler func(webrtc.ICECandidateInit))
	OnConnectionStateChange(handler func(webrtc.PeerConnectionState))

	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(description webrtc.SessionDescription) error
	SetRemoteDescription(description webrtc.SessionDescription) error
	AddICECandidate(candidate webrtc.ICECandidateInit) error
	Close() error
}

// Channel is an ordered, reliable data channel.
type Channel interface {
	Label() string
	OnOpen(handler func())
	OnClose(handler func())
	OnMessage(handler func(data []byte))
	Send(data []byte) error
	Close() error
}

// Factory creates PeerConnections.
type Factory interface {
	NewConnection() (Connection, error)
}

// PionFactory creates pion/webrtc PeerConnections.
type PionFactory struct {
	api *webrtc.API
	ice ICEConfig
}

// NewPionFactory returns a factory using ice for every connection.
// Loopback candidates are included so two clients on one machine can
// reach each other.
func NewPionFactory(ice ICEConfig) *PionFactory {
	settingEngine := webrtc.SettingEngine{}
	settingEngine.SetIncludeLoopbackCandidate(true)
	return &PionFactory{
		api: webrtc.NewAPI(webrtc.WithSettingEngine(settingEngine)),
		ice: ice,
	}
}

func (f *PionFactory) NewConnection() (Connection, error) {
	connection, err := f.api.NewPeerConnection(webrtc.Configuration{ICEServers: f.ice.Servers})
	if err != nil {
		return nil, fmt.Errorf("creating PeerConnection: %w", err)
	}
	return &pionConnection{connection: connection}, nil
}

type pionConnection struct {
	connection *webrtc.PeerConnection
}

func (c *pionConnection) CreateDataChannel(label string) (Channel, error) {
	ordered := true
	channel, err := c.connection.CreateDataChannel(label, &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		return nil, fmt.Errorf("creating data channel %s: %w", label, err)
	}
	return &pionChannel{channel: channel}, nil
}

func (c *pionConnection) OnDataChannel(handler func(Channel)) {
	c.connection.OnDataChannel(func(channel *webrtc.DataChannel) {
		handler(&pionChannel{channel: channel})
	})
}

func (c *pionConnection) OnICECandidate(handler func(webrtc.ICECandidateInit)) {
	c.connection.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		if candidate == nil {
			return
		}
		handler(candidate.ToJSON())
	})
}

func (c *pionConnection) OnConnectionStateChange(handler func(webrtc.PeerConnectionState)) {
	c.connection.OnConnectionStateChange(handler)
}

func (c *pionConnection) CreateOffer() (webrtc.SessionDescription, error) {
	return c.connection.CreateOffer(nil)
}

func (c *pionConnection) CreateAnswer() (webrtc.SessionDescription, error) {
	return c.connection.CreateAnswer(nil)
}

func (c *pionConnection) SetLocalDescription(description webrtc.SessionDescription) error {
	return c.connection.SetLocalDescription(description)
}

func (c *pionConnection) SetRemoteDescription(description webrtc.SessionDescription) error {
	return c.connection.SetRemoteDescription(description)
}

func (c *pionConnection) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	return c.connection.AddICECandidate(candidate)
}

func (c *pionConnection) Close() error {
	return c.connection.Close()
}

type pionChannel struct {
	channel *webrtc.DataChannel
}

func (c *pionChannel) Label() string          { return c.channel.Label() }
func (c *pionChannel) OnOpen(handler func())  { c.channel.OnOpen(handler) }
func (c *pionChannel) OnClose(handler func()) { c.channel.OnClose(handler) }
func (c *pionChannel) Send(data []byte) error { return c.channel.Send(data) }
func (c *pionChannel) Close() error           { return c.channel.Close() }

func (c *pionChannel) OnMessage(handler func([]byte)) {
	c.channel.OnMessage(func(message webrtc.DataChannelMessage) {
		handler(message.Data)
	})
}
