// Package rtc defines the interfaces and types for real-time room
// connectivity and stream management.
//
// The two primary abstractions are:
//
//   - [Room] — connects to a named room and returns a [RoomHandle].
//   - [RoomHandle] — represents an active session in that room, giving
//     callers per-participant input audio streams, per-participant output
//     audio, a bidirectional data channel, and lifecycle events.
//
// Implementations of these interfaces are provided by transport-specific
// adapter packages (e.g., rtc/webrtc). The interfaces are intentionally
// narrow to keep the session orchestrator decoupled from transport details.
//
// This package lives under pkg/ because external code (alternative transport
// adapters) is expected to implement [Room] and [RoomHandle].
package rtc

import (
	"context"

	"github.com/axel-sirota/polyglot-rag-assistant-sub002/pkg/audio"
)

// EventType classifies participant lifecycle events emitted by a
// [RoomHandle].
type EventType int

const (
	// EventJoin is emitted when a participant enters the room.
	EventJoin EventType = iota

	// EventLeave is emitted when a participant leaves the room.
	EventLeave
)

// String returns the human-readable name of the event type.
func (e EventType) String() string {
	switch e {
	case EventJoin:
		return "JOIN"
	case EventLeave:
		return "LEAVE"
	default:
		return "UNKNOWN"
	}
}

// Event describes a participant lifecycle change in a room. Callbacks
// registered via [RoomHandle.OnParticipantChange] receive values of this
// type.
type Event struct {
	// Type indicates whether the participant joined or left.
	Type EventType

	// Identity is the unique participant identity within the room.
	Identity string

	// Name is the human-readable display name of the participant.
	Name string
}

// DataMessage is one payload received on a participant's data channel.
type DataMessage struct {
	// Identity is the sending participant.
	Identity string

	// Payload is the raw message bytes (length-prefixed protocol frames).
	Payload []byte
}

// RoomHandle represents an active session in a room.
//
// A RoomHandle is obtained by calling [Room.Connect] and remains valid until
// [RoomHandle.Disconnect] is called. All channels returned by RoomHandle
// methods are closed automatically when the session terminates.
//
// Implementations must be safe for concurrent use.
type RoomHandle interface {
	// InputStreams returns a snapshot of the current per-participant audio
	// channels. The map key is the participant identity; the value is a
	// read-only channel that delivers [audio.Frame] values as they arrive
	// from that participant. A new entry appears for each joining
	// participant and is removed (channel closed) when that participant
	// leaves.
	//
	// Callers should call InputStreams again after receiving an [EventJoin]
	// event to pick up newly added channels.
	InputStreams() map[string]<-chan audio.Frame

	// SendAudio delivers one assistant audio frame to the given participant.
	// Frames are sent on the participant's dedicated output track; sends to
	// unknown participants or after Disconnect are dropped with an error.
	// SendAudio must not block on a slow participant — implementations drop
	// frames under backpressure.
	SendAudio(identity string, frame audio.Frame) error

	// SendData delivers one data-channel payload to the given participant.
	SendData(ctx context.Context, identity string, payload []byte) error

	// DataMessages returns the channel of inbound data-channel payloads from
	// all participants. The channel is closed on Disconnect.
	DataMessages() <-chan DataMessage

	// OnParticipantChange registers cb as the callback to invoke whenever a
	// participant joins or leaves the room. Only one callback may be
	// registered at a time; subsequent calls replace the previous
	// registration. The callback is invoked on an internal goroutine —
	// callers must not block.
	OnParticipantChange(cb func(Event))

	// Disconnect cleanly tears down the session, drains pending frames, and
	// closes all channels. It is safe to call Disconnect more than once;
	// subsequent calls are no-ops and return nil.
	Disconnect() error
}

// Room is the entry point for a real-time room provider. Implementations
// wrap transport-specific stacks and expose a uniform [RoomHandle]
// abstraction.
//
// Implementations must be safe for concurrent use.
type Room interface {
	// Connect joins the room identified by roomName and returns an active
	// [RoomHandle]. The supplied ctx governs the lifetime of the connection
	// attempt only; once connected, the handle remains alive until
	// [RoomHandle.Disconnect] is called explicitly.
	//
	// Returns an error if the connection cannot be established (auth
	// failure, unknown room, network error, etc.).
	Connect(ctx context.Context, roomName string) (RoomHandle, error)
}
