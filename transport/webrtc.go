// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/bureau-foundation/tabletop/lib/clock"
)

// iceGatherTimeout is the maximum time to wait for ICE candidate
// gathering before giving up on a link.
const iceGatherTimeout = 15 * time.Second

// dataChannelLabel names the single data channel each link carries.
const dataChannelLabel = "tabletop"

var errLinkNotOpen = errors.New("data channel not open")

// Compile-time interface checks.
var (
	_ LinkFactory = (*PionLinkFactory)(nil)
	_ Link        = (*pionLink)(nil)
)

// PionLinkFactory creates mesh links on pion/webrtc data channels.
// Signalling uses vanilla ICE: all candidates are gathered before the
// description is published, so one offer and one answer suffice.
type PionLinkFactory struct {
	ICE    ICEConfig
	Clock  clock.Clock
	Logger *slog.Logger
}

// NewLink implements LinkFactory.
func (f *PionLinkFactory) NewLink(initiator bool, events LinkEvents) (Link, error) {
	clk := f.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := f.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	// Loopback candidates keep same-machine peers and tests working
	// where loopback is the only interface.
	settingEngine := webrtc.SettingEngine{}
	settingEngine.SetIncludeLoopbackCandidate(true)
	api := webrtc.NewAPI(webrtc.WithSettingEngine(settingEngine))

	connection, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: f.ICE.Servers})
	if err != nil {
		return nil, fmt.Errorf("creating PeerConnection: %w", err)
	}
	link := &pionLink{
		connection: connection,
		initiator:  initiator,
		events:     events,
		clock:      clk,
		logger:     logger,
		done:       make(chan struct{}),
	}
	connection.OnConnectionStateChange(link.handleStateChange)
	if !initiator {
		connection.OnDataChannel(link.attach)
	}
	return link, nil
}

type pionLink struct {
	connection *webrtc.PeerConnection
	initiator  bool
	events     LinkEvents
	clock      clock.Clock
	logger     *slog.Logger

	mu      sync.Mutex
	channel *webrtc.DataChannel

	closeOnce sync.Once
	done      chan struct{}
}

// Start creates the data channel and the offer.
func (l *pionLink) Start() error {
	if !l.initiator {
		return nil
	}
	ordered := true
	channel, err := l.connection.CreateDataChannel(dataChannelLabel, &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		return fmt.Errorf("creating data channel: %w", err)
	}
	l.attach(channel)

	offer, err := l.connection.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("creating SDP offer: %w", err)
	}
	return l.publishLocal(offer)
}

// Signal applies a remote offer (answering it) or answer.
func (l *pionLink) Signal(raw json.RawMessage) error {
	var description webrtc.SessionDescription
	if err := json.Unmarshal(raw, &description); err != nil {
		return fmt.Errorf("decoding session description: %w", err)
	}
	if err := l.connection.SetRemoteDescription(description); err != nil {
		return fmt.Errorf("setting remote description: %w", err)
	}
	if description.Type != webrtc.SDPTypeOffer {
		return nil
	}
	answer, err := l.connection.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("creating SDP answer: %w", err)
	}
	return l.publishLocal(answer)
}

// publishLocal sets the local description and hands it to the mesh
// once gathering completes.
func (l *pionLink) publishLocal(description webrtc.SessionDescription) error {
	gatherComplete := webrtc.GatheringCompletePromise(l.connection)
	if err := l.connection.SetLocalDescription(description); err != nil {
		return fmt.Errorf("setting local description: %w", err)
	}
	go func() {
		select {
		case <-gatherComplete:
		case <-l.clock.After(iceGatherTimeout):
			l.fail(fmt.Errorf("ICE gathering timed out after %s", iceGatherTimeout))
			return
		case <-l.done:
			return
		}
		complete, err := json.Marshal(l.connection.LocalDescription())
		if err != nil {
			l.fail(fmt.Errorf("encoding session description: %w", err))
			return
		}
		l.events.LinkSignal(complete)
	}()
	return nil
}

func (l *pionLink) attach(channel *webrtc.DataChannel) {
	if channel.Label() != dataChannelLabel {
		channel.Close()
		return
	}
	channel.OnOpen(func() {
		l.mu.Lock()
		l.channel = channel
		l.mu.Unlock()
		l.events.LinkConnected()
	})
	channel.OnMessage(func(message webrtc.DataChannelMessage) {
		l.events.LinkData(message.Data)
	})
	channel.OnClose(func() { l.fail(nil) })
}

func (l *pionLink) handleStateChange(state webrtc.PeerConnectionState) {
	l.logger.Debug("peer connection state change", "state", state.String())
	switch state {
	case webrtc.PeerConnectionStateFailed:
		l.fail(errors.New("peer connection failed"))
	case webrtc.PeerConnectionStateClosed:
		l.fail(nil)
	}
}

// Send implements Link.
func (l *pionLink) Send(data []byte) error {
	l.mu.Lock()
	channel := l.channel
	l.mu.Unlock()
	if channel == nil {
		return errLinkNotOpen
	}
	return channel.Send(data)
}

// Close implements Link.
func (l *pionLink) Close() error {
	l.fail(nil)
	return nil
}

// fail closes the connection once and reports it.
func (l *pionLink) fail(err error) {
	l.closeOnce.Do(func() {
		close(l.done)
		go func() {
			if closeErr := l.connection.Close(); closeErr != nil {
				l.logger.Debug("closing peer connection", "error", closeErr)
			}
		}()
		l.events.LinkClosed(err)
	})
}
