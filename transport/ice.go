// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"net/url"
	"strings"

	"github.com/pion/webrtc/v4"
)

// ICEConfig holds ICE server configuration for mesh links.
type ICEConfig struct {
	// Servers is tried in order during candidate gathering. Empty
	// means host candidates only, which is enough on one machine or
	// one LAN.
	Servers []webrtc.ICEServer
}

// ICEConfigFromURLs builds an ICEConfig from configured server URLs
// such as "stun:stun.example.org:3478". TURN credentials may be given
// as a user-info prefix: "turn:user:secret@turn.example.org:3478".
func ICEConfigFromURLs(urls []string) ICEConfig {
	var config ICEConfig
	for _, raw := range urls {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		server := webrtc.ICEServer{URLs: []string{raw}}
		scheme, rest, ok := strings.Cut(raw, ":")
		if ok && (scheme == "turn" || scheme == "turns") {
			if credentials, host, found := strings.Cut(rest, "@"); found {
				username, password, _ := strings.Cut(credentials, ":")
				server.URLs = []string{scheme + ":" + host}
				server.Username, _ = url.PathUnescape(username)
				server.Credential, _ = url.PathUnescape(password)
			}
		}
		config.Servers = append(config.Servers, server)
	}
	return config
}
