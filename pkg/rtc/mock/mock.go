// Package mock provides in-memory mock implementations of the [rtc.Room] and
// [rtc.RoomHandle] interfaces for use in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so
// that tests can assert on call counts and arguments, and they expose
// exported fields that the test can set to control return values.
//
// Typical usage:
//
//	handle := mock.NewHandle()
//	handle.AddInput("user-1", make(chan audio.Frame, 16))
//	room := &mock.Room{ConnectResult: handle}
//	got, err := room.Connect(ctx, "room-42")
package mock

import (
	"context"
	"sync"

	"github.com/axel-sirota/polyglot-rag-assistant-sub002/pkg/audio"
	"github.com/axel-sirota/polyglot-rag-assistant-sub002/pkg/rtc"
)

// ─── Handle ───────────────────────────────────────────────────────────────────

// SendAudioCall records the arguments of a single [Handle.SendAudio] invocation.
type SendAudioCall struct {
	// Identity is the participant the frame was sent to.
	Identity string
	// Frame is the audio frame passed to SendAudio.
	Frame audio.Frame
}

// SendDataCall records the arguments of a single [Handle.SendData] invocation.
type SendDataCall struct {
	// Identity is the participant the payload was sent to.
	Identity string
	// Payload is a copy of the bytes passed to SendData.
	Payload []byte
}

// Handle is a mock implementation of [rtc.RoomHandle].
// Set the exported Result/Err fields before use; inspect the *Calls fields after.
type Handle struct {
	mu sync.Mutex

	// Inputs is returned by [Handle.InputStreams]. Manage it with AddInput
	// and RemoveInput, or set it directly before use.
	Inputs map[string]<-chan audio.Frame

	// DataCh is returned by [Handle.DataMessages]. Tests send inbound
	// payloads here and close it to simulate session teardown.
	DataCh chan rtc.DataMessage

	// SendAudioErr is returned by [Handle.SendAudio].
	SendAudioErr error

	// SendDataErr is returned by [Handle.SendData].
	SendDataErr error

	// DisconnectErr is returned by [Handle.Disconnect].
	DisconnectErr error

	// SendAudioCalls records all SendAudio invocations.
	SendAudioCalls []SendAudioCall

	// SendDataCalls records all SendData invocations.
	SendDataCalls []SendDataCall

	// CallCountDisconnect records how many times Disconnect was called.
	CallCountDisconnect int

	// RecordedCallbacks holds the callbacks registered via OnParticipantChange,
	// in order of registration.
	RecordedCallbacks []func(rtc.Event)
}

// NewHandle returns a Handle with an empty input map and a buffered data
// channel ready for scripting.
func NewHandle() *Handle {
	return &Handle{
		Inputs: make(map[string]<-chan audio.Frame),
		DataCh: make(chan rtc.DataMessage, 32),
	}
}

// AddInput registers ch as the input stream for identity.
func (h *Handle) AddInput(identity string, ch <-chan audio.Frame) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.Inputs == nil {
		h.Inputs = make(map[string]<-chan audio.Frame)
	}
	h.Inputs[identity] = ch
}

// RemoveInput removes the input stream for identity.
func (h *Handle) RemoveInput(identity string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.Inputs, identity)
}

// InputStreams implements [rtc.RoomHandle]. Returns a snapshot of Inputs.
func (h *Handle) InputStreams() map[string]<-chan audio.Frame {
	h.mu.Lock()
	defer h.mu.Unlock()
	snap := make(map[string]<-chan audio.Frame, len(h.Inputs))
	for id, ch := range h.Inputs {
		snap[id] = ch
	}
	return snap
}

// SendAudio implements [rtc.RoomHandle]. Records the call and returns SendAudioErr.
func (h *Handle) SendAudio(identity string, frame audio.Frame) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.SendAudioCalls = append(h.SendAudioCalls, SendAudioCall{Identity: identity, Frame: frame})
	return h.SendAudioErr
}

// SendData implements [rtc.RoomHandle]. Records a copy of the payload and
// returns SendDataErr.
func (h *Handle) SendData(_ context.Context, identity string, payload []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	cp := make([]byte, len(payload))
	copy(cp, payload)
	h.SendDataCalls = append(h.SendDataCalls, SendDataCall{Identity: identity, Payload: cp})
	return h.SendDataErr
}

// DataMessages implements [rtc.RoomHandle]. Returns DataCh.
func (h *Handle) DataMessages() <-chan rtc.DataMessage {
	return h.DataCh
}

// OnParticipantChange implements [rtc.RoomHandle].
// The callback is appended to RecordedCallbacks. To simulate events in tests,
// call [Handle.EmitEvent].
func (h *Handle) OnParticipantChange(cb func(rtc.Event)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.RecordedCallbacks = append(h.RecordedCallbacks, cb)
}

// Disconnect implements [rtc.RoomHandle]. Returns DisconnectErr.
func (h *Handle) Disconnect() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.CallCountDisconnect++
	return h.DisconnectErr
}

// EmitEvent calls all registered participant-change callbacks with the given
// event. Use this in tests to simulate participants joining or leaving.
func (h *Handle) EmitEvent(ev rtc.Event) {
	h.mu.Lock()
	cbs := make([]func(rtc.Event), len(h.RecordedCallbacks))
	copy(cbs, h.RecordedCallbacks)
	h.mu.Unlock()
	for _, cb := range cbs {
		cb(ev)
	}
}

// DataSent returns a snapshot of SendDataCalls, safe to read while the
// handle is in use.
func (h *Handle) DataSent() []SendDataCall {
	h.mu.Lock()
	defer h.mu.Unlock()
	snap := make([]SendDataCall, len(h.SendDataCalls))
	copy(snap, h.SendDataCalls)
	return snap
}

// AudioSent returns a snapshot of SendAudioCalls, safe to read while the
// handle is in use.
func (h *Handle) AudioSent() []SendAudioCall {
	h.mu.Lock()
	defer h.mu.Unlock()
	snap := make([]SendAudioCall, len(h.SendAudioCalls))
	copy(snap, h.SendAudioCalls)
	return snap
}

var _ rtc.RoomHandle = (*Handle)(nil)

// ─── Room ─────────────────────────────────────────────────────────────────────

// ConnectCall records the arguments of a single [Room.Connect] invocation.
type ConnectCall struct {
	// RoomName is the roomName argument passed to Connect.
	RoomName string
}

// Room is a mock implementation of [rtc.Room].
type Room struct {
	mu sync.Mutex

	// ConnectResult is the [rtc.RoomHandle] returned by Connect. If nil and
	// ConnectError is nil, a new [Handle] is returned.
	ConnectResult rtc.RoomHandle

	// ConnectError is the error returned by Connect.
	ConnectError error

	// ConnectCalls records all Connect invocations.
	ConnectCalls []ConnectCall
}

// Connect implements [rtc.Room]. Records the call and returns ConnectResult / ConnectError.
func (r *Room) Connect(_ context.Context, roomName string) (rtc.RoomHandle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ConnectCalls = append(r.ConnectCalls, ConnectCall{RoomName: roomName})
	if r.ConnectError != nil {
		return nil, r.ConnectError
	}
	if r.ConnectResult != nil {
		return r.ConnectResult, nil
	}
	return NewHandle(), nil
}

var _ rtc.Room = (*Room)(nil)
