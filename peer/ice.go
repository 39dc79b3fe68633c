// Copyright 2026 The Freeflow Authors
// SPDX-License-Identifier: Apache-2.0

package peer

import "github.com/pion/webrtc/v4"

// ICEConfig holds the STUN/TURN servers used while gathering
// candidates.
type ICEConfig struct {
	// Servers is tried in order by pion.
	Servers []webrtc.ICEServer
}

// ICEConfigFromURLs builds an ICEConfig from credential-free server
// URLs such as "stun:stun.l.google.com:19302". No URLs means host
// candidates only, which is enough on one machine or one LAN.
func ICEConfigFromURLs(urls []string) ICEConfig {
	if len(urls) == 0 {
		return ICEConfig{}
	}
	return ICEConfig{Servers: []webrtc.ICEServer{{URLs: urls}}}
}
