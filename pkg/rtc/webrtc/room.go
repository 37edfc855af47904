// Package webrtc provides an [rtc.Room] implementation backed by WebRTC.
// It enables browser-based voice sessions against the assistant without any
// third-party media platform.
//
// The room runs a signaling server that accepts WebRTC peer connections.
// Each connected peer maps to a participant with a dedicated input audio
// stream, a dedicated output audio track, and a bidirectional data channel
// carrying the UI protocol frames.
//
// This is an alpha implementation that abstracts WebRTC peer connection
// handling behind the [PeerTransport] interface. The actual pion/webrtc
// integration can be added later as a concrete PeerTransport.
package webrtc

import (
	"context"

	"github.com/axel-sirota/polyglot-rag-assistant-sub002/pkg/rtc"
)

// Compile-time interface assertions.
var _ rtc.Room = (*Room)(nil)
var _ rtc.RoomHandle = (*Session)(nil)

// Option configures a [Room].
type Option func(*Room)

// WithSTUNServers sets the STUN server URLs used during ICE negotiation.
// Defaults to ["stun:stun.l.google.com:19302"].
func WithSTUNServers(servers ...string) Option {
	return func(r *Room) {
		r.stunServers = servers
	}
}

// WithSampleRate sets the audio sample rate in Hz. Defaults to 48000.
func WithSampleRate(rate int) Option {
	return func(r *Room) {
		r.sampleRate = rate
	}
}

// Room implements [rtc.Room] using WebRTC as the transport layer. Each call
// to [Room.Connect] returns a new [Session] that manages WebRTC peer
// connections for the specified room name. Multiple calls with the same name
// each produce an independent Session.
//
// Room is safe for concurrent use.
type Room struct {
	stunServers []string // STUN server URLs for ICE negotiation; immutable after New
	sampleRate  int      // audio sample rate in Hz; immutable after New
}

// New creates a new WebRTC Room with the given options applied.
func New(opts ...Option) *Room {
	r := &Room{
		stunServers: []string{"stun:stun.l.google.com:19302"},
		sampleRate:  48000,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Connect creates a new [Session] for the room identified by roomName.
// The supplied ctx governs the connection-setup phase only; once the Session
// is returned it lives until [Session.Disconnect] is called explicitly.
func (r *Room) Connect(_ context.Context, roomName string) (rtc.RoomHandle, error) {
	return newSession(roomName, r.sampleRate, r.stunServers), nil
}
