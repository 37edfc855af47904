package webrtc

import (
	"context"

	"github.com/axel-sirota/polyglot-rag-assistant-sub002/pkg/audio"
)

// PeerTransport abstracts the WebRTC peer connection.
// This decouples the room logic from the pion/webrtc dependency and
// allows testing without pion. The actual pion integration can be added
// later as a concrete PeerTransport implementation.
type PeerTransport interface {
	// CreateOffer creates an SDP offer for a new peer.
	CreateOffer(ctx context.Context) (sdpOffer string, err error)

	// AcceptAnswer processes the remote peer's SDP answer.
	AcceptAnswer(ctx context.Context, sdpAnswer string) error

	// AddICECandidate adds a remote ICE candidate.
	AddICECandidate(candidate string) error

	// AudioInput returns the channel delivering audio frames received from this peer.
	AudioInput() <-chan audio.Frame

	// SendAudio sends an audio frame to this peer.
	SendAudio(frame audio.Frame) error

	// DataInput returns the channel delivering data-channel payloads received
	// from this peer.
	DataInput() <-chan []byte

	// SendData sends one data-channel payload to this peer.
	SendData(ctx context.Context, payload []byte) error

	// Close tears down the peer connection and releases resources.
	Close() error
}

// mockTransport is a [PeerTransport] used for testing and as the default
// transport in the alpha implementation. It exposes channels that tests
// can write to (simulate peer audio and data input) and read from (verify
// sent frames and payloads).
type mockTransport struct {
	audioIn  chan audio.Frame
	audioOut chan audio.Frame
	dataIn   chan []byte
	dataOut  chan []byte
	closed   chan struct{}
}

func newMockTransport() *mockTransport {
	return &mockTransport{
		audioIn:  make(chan audio.Frame, 16),
		audioOut: make(chan audio.Frame, 64),
		dataIn:   make(chan []byte, 16),
		dataOut:  make(chan []byte, 16),
		closed:   make(chan struct{}),
	}
}

func (m *mockTransport) CreateOffer(_ context.Context) (string, error) {
	return "v=0\r\no=- 0 0 IN IP4 127.0.0.1\r\ns=WebRTC Audio\r\n", nil
}

func (m *mockTransport) AcceptAnswer(_ context.Context, _ string) error {
	return nil
}

func (m *mockTransport) AddICECandidate(_ string) error {
	return nil
}

func (m *mockTransport) AudioInput() <-chan audio.Frame {
	return m.audioIn
}

func (m *mockTransport) SendAudio(frame audio.Frame) error {
	select {
	case m.audioOut <- frame:
	case <-m.closed:
	}
	return nil
}

func (m *mockTransport) DataInput() <-chan []byte {
	return m.dataIn
}

func (m *mockTransport) SendData(ctx context.Context, payload []byte) error {
	select {
	case m.dataOut <- payload:
		return nil
	case <-m.closed:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *mockTransport) Close() error {
	select {
	case <-m.closed:
		// already closed; no-op
	default:
		close(m.closed)
	}
	return nil
}
