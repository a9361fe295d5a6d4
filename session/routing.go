// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"github.com/bureau-foundation/tabletop/lib/action"
	"github.com/bureau-foundation/tabletop/transport"
)

// forward sends an action to the peers its audience and the network
// hub call for, skipping except. Actions with a peer key are
// throttled on the key.
func (m *membership) forward(outgoing action.Action, except ...string) {
	options := transport.SendOptions{
		Except:      except,
		ThrottleKey: outgoing.ThrottleKey(),
	}
	// Shared logs route structurally by audience.
	if m.node.Topology() == transport.PointToPoint {
		recipients, ok := m.route(outgoing.Audience)
		if !ok {
			m.logger.Debug("no peers in audience", "action", outgoing.ID, "audience", outgoing.Audience)
			return
		}
		options.Only = recipients
	}

	data, err := action.Encode(outgoing)
	if err != nil {
		m.logger.Error("encoding action failed", "action", outgoing.ID, "kind", outgoing.Kind(), "error", err)
		return
	}
	m.send(data, options)
}

// route picks recipients for an audience. Nil recipients with ok set
// means every connected peer. Players go through the hub, the GM peer
// they route everything through, when one is connected.
func (m *membership) route(audience action.Audience) (recipients []string, ok bool) {
	requireVerified := m.session.requireVerified()
	if !m.channel.IsGM() {
		if hub, found := m.registry.Hub(requireVerified); found {
			return []string{hub}, true
		}
		// GM-only traffic never falls back to reaching players.
		if audience == action.AudienceGM {
			return nil, false
		}
		return nil, true
	}

	switch audience {
	case action.AudienceGM:
		recipients = m.registry.GMPeers(requireVerified)
	case action.AudiencePlayers:
		recipients = m.registry.PlayerPeers()
	default:
		return nil, true
	}
	return recipients, len(recipients) > 0
}
