package webrtc

import (
	"context"
	"fmt"
	"sync"

	"github.com/axel-sirota/polyglot-rag-assistant-sub002/pkg/audio"
	"github.com/axel-sirota/polyglot-rag-assistant-sub002/pkg/rtc"
)

const (
	inputChannelBuffer  = 64
	outputChannelBuffer = 64
	dataChannelBuffer   = 32
)

// peer holds the runtime state for a single connected WebRTC peer.
type peer struct {
	identity  string
	name      string
	transport PeerTransport
	inputCh   chan audio.Frame
	outputCh  chan audio.Frame
	done      chan struct{} // closed by RemovePeer/Disconnect to signal goroutines
}

// Session manages WebRTC peer connections for a single room. It implements
// [rtc.RoomHandle].
//
// Each peer gets a dedicated output audio channel so one slow participant
// cannot stall playback for another; frames sent to a full channel are
// dropped rather than blocking the caller's audio path.
//
// Session is safe for concurrent use.
type Session struct {
	roomName    string
	sampleRate  int
	stunServers []string

	mu           sync.RWMutex
	peers        map[string]*peer
	inputStreams map[string]chan audio.Frame
	onChange     func(rtc.Event)
	disconnected bool

	dataCh  chan rtc.DataMessage
	dataWG  sync.WaitGroup // tracks readPeerData goroutines; dataCh closes after they exit
	dropped map[string]int // output frames dropped per peer under backpressure

	ctx          context.Context
	cancel       context.CancelFunc
	newTransport func(identity string) PeerTransport // injectable; defaults to mockTransport
}

func newSession(roomName string, sampleRate int, stunServers []string) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		roomName:     roomName,
		sampleRate:   sampleRate,
		stunServers:  stunServers,
		peers:        make(map[string]*peer),
		inputStreams: make(map[string]chan audio.Frame),
		dataCh:       make(chan rtc.DataMessage, dataChannelBuffer),
		dropped:      make(map[string]int),
		ctx:          ctx,
		cancel:       cancel,
		newTransport: func(_ string) PeerTransport {
			return newMockTransport()
		},
	}
}

// InputStreams returns a consistent snapshot of the per-participant audio
// channels. The map key is the participant identity; the value is the
// read-only input channel.
//
// Callers should call InputStreams again after receiving an [rtc.EventJoin]
// event to pick up newly added channels.
func (s *Session) InputStreams() map[string]<-chan audio.Frame {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := make(map[string]<-chan audio.Frame, len(s.inputStreams))
	for id, ch := range s.inputStreams {
		snap[id] = ch
	}
	return snap
}

// SendAudio queues one assistant audio frame on the participant's dedicated
// output track. If the peer's output channel is full the frame is dropped
// and nil is returned; audio playback must never block the sender.
func (s *Session) SendAudio(identity string, frame audio.Frame) error {
	s.mu.RLock()
	if s.disconnected {
		s.mu.RUnlock()
		return fmt.Errorf("webrtc: session %q is disconnected", s.roomName)
	}
	p, exists := s.peers[identity]
	s.mu.RUnlock()
	if !exists {
		return fmt.Errorf("webrtc: peer %q not found in room %q", identity, s.roomName)
	}

	select {
	case p.outputCh <- frame:
	default:
		// Channel full — drop frame rather than block.
		s.mu.Lock()
		s.dropped[identity]++
		s.mu.Unlock()
	}
	return nil
}

// SendData delivers one data-channel payload to the given participant.
func (s *Session) SendData(ctx context.Context, identity string, payload []byte) error {
	s.mu.RLock()
	if s.disconnected {
		s.mu.RUnlock()
		return fmt.Errorf("webrtc: session %q is disconnected", s.roomName)
	}
	p, exists := s.peers[identity]
	s.mu.RUnlock()
	if !exists {
		return fmt.Errorf("webrtc: peer %q not found in room %q", identity, s.roomName)
	}
	if err := p.transport.SendData(ctx, payload); err != nil {
		return fmt.Errorf("webrtc: send data to peer %q: %w", identity, err)
	}
	return nil
}

// DataMessages returns the channel of inbound data-channel payloads from all
// participants. The channel is closed after Disconnect once the per-peer
// forwarders have exited.
func (s *Session) DataMessages() <-chan rtc.DataMessage {
	return s.dataCh
}

// OnParticipantChange registers cb as the participant lifecycle callback.
// Subsequent calls replace the previous registration.
// The callback is invoked on an internal goroutine — callers must not block.
func (s *Session) OnParticipantChange(cb func(rtc.Event)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onChange = cb
}

// DroppedFrames returns the number of output frames dropped for the given
// participant because their output channel was full.
func (s *Session) DroppedFrames(identity string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dropped[identity]
}

// Disconnect cleanly tears down all peer connections and stops internal
// goroutines. It is safe to call more than once; subsequent calls return nil.
func (s *Session) Disconnect() error {
	s.mu.Lock()
	if s.disconnected {
		s.mu.Unlock()
		return nil
	}
	s.disconnected = true

	// Cancel the context to stop all per-peer goroutines.
	s.cancel()

	// Signal each peer's goroutines to stop and release the transport.
	for identity, p := range s.peers {
		close(p.done)
		_ = p.transport.Close()
		delete(s.peers, identity)
		delete(s.inputStreams, identity)
	}
	s.mu.Unlock()

	// Close the data channel only after every readPeerData forwarder has
	// exited; closing earlier would race with their sends.
	go func() {
		s.dataWG.Wait()
		close(s.dataCh)
	}()
	return nil
}

// AddPeer registers a new WebRTC peer for this session. In a full pion
// implementation this would be called by the signaling handler after the
// WebRTC handshake completes. For this alpha it is a public method for testing.
//
// Returns the read-only input channel for audio arriving from this peer,
// or an error if the session is disconnected or the peer already exists.
func (s *Session) AddPeer(identity, name string) (<-chan audio.Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.disconnected {
		return nil, fmt.Errorf("webrtc: session %q is disconnected", s.roomName)
	}
	if _, exists := s.peers[identity]; exists {
		return nil, fmt.Errorf("webrtc: peer %q is already connected in room %q", identity, s.roomName)
	}

	transport := s.newTransport(identity)
	p := &peer{
		identity:  identity,
		name:      name,
		transport: transport,
		inputCh:   make(chan audio.Frame, inputChannelBuffer),
		outputCh:  make(chan audio.Frame, outputChannelBuffer),
		done:      make(chan struct{}),
	}
	s.peers[identity] = p
	s.inputStreams[identity] = p.inputCh

	go s.readPeerInput(p)
	go s.forwardPeerOutput(p)
	s.dataWG.Add(1)
	go s.readPeerData(p)

	if cb := s.onChange; cb != nil {
		go cb(rtc.Event{Type: rtc.EventJoin, Identity: identity, Name: name})
	}
	return p.inputCh, nil
}

// RemovePeer disconnects and removes the peer identified by identity.
func (s *Session) RemovePeer(identity string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.disconnected {
		return fmt.Errorf("webrtc: session %q is disconnected", s.roomName)
	}
	p, exists := s.peers[identity]
	if !exists {
		return fmt.Errorf("webrtc: peer %q not found in room %q", identity, s.roomName)
	}

	// Signal the per-peer goroutines to stop (readPeerInput closes inputCh via defer).
	close(p.done)
	_ = p.transport.Close()
	delete(s.peers, identity)
	delete(s.inputStreams, identity)

	if cb := s.onChange; cb != nil {
		name := p.name
		go cb(rtc.Event{Type: rtc.EventLeave, Identity: identity, Name: name})
	}
	return nil
}

// readPeerInput reads audio frames from the peer's transport, normalizes them
// to the session's transport format (mono at the configured sample rate), and
// forwards them to the peer's inputCh until the peer is removed or the session
// is closed. It closes inputCh on exit to signal any downstream consumer.
func (s *Session) readPeerInput(p *peer) {
	defer close(p.inputCh)
	audioIn := audio.ConvertStream(p.transport.AudioInput(),
		audio.Format{SampleRate: s.sampleRate, Channels: 1})
	for {
		select {
		case <-p.done:
			return
		case <-s.ctx.Done():
			return
		case frame, ok := <-audioIn:
			if !ok {
				return
			}
			select {
			case p.inputCh <- frame:
			case <-p.done:
				return
			case <-s.ctx.Done():
				return
			}
		}
	}
}

// forwardPeerOutput drains the peer's output channel and sends each frame to
// the peer's transport.
func (s *Session) forwardPeerOutput(p *peer) {
	for {
		select {
		case <-p.done:
			return
		case <-s.ctx.Done():
			return
		case frame := <-p.outputCh:
			_ = p.transport.SendAudio(frame)
		}
	}
}

// readPeerData forwards data-channel payloads from the peer's transport to
// the session-wide data channel, tagged with the sender identity.
func (s *Session) readPeerData(p *peer) {
	defer s.dataWG.Done()
	dataIn := p.transport.DataInput()
	for {
		select {
		case <-p.done:
			return
		case <-s.ctx.Done():
			return
		case payload, ok := <-dataIn:
			if !ok {
				return
			}
			select {
			case s.dataCh <- rtc.DataMessage{Identity: p.identity, Payload: payload}:
			case <-p.done:
				return
			case <-s.ctx.Done():
				return
			}
		}
	}
}
