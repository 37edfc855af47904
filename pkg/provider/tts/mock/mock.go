// Package mock provides a test double for the tts.Provider interface.
//
// Use Provider to feed deterministic PCM output for pipeline tests and to
// inspect the text fragments the caller streamed into synthesis.
package mock

import (
	"context"
	"sync"

	"github.com/axel-sirota/polyglot-rag-assistant-sub002/pkg/provider/tts"
	"github.com/axel-sirota/polyglot-rag-assistant-sub002/pkg/types"
)

// SynthesizeCall records a single invocation of SynthesizeStream.
type SynthesizeCall struct {
	// Ctx is the context passed to SynthesizeStream.
	Ctx context.Context
	// Voice is the voice profile passed to SynthesizeStream.
	Voice types.VoiceProfile
	// Texts collects every fragment read from the text channel, in order.
	// Populated asynchronously as the mock drains the channel; read it only
	// after the audio channel has closed.
	Texts []string
}

// Provider is a mock implementation of tts.Provider. For every text fragment
// consumed it emits AudioPerChunk on the audio channel (a fixed stand-in for
// synthesised PCM).
type Provider struct {
	mu sync.Mutex

	// AudioPerChunk is the PCM emitted per consumed text fragment. Defaults
	// to 320 zero bytes (10 ms of 16 kHz mono) when nil.
	AudioPerChunk []byte

	// SynthesizeErr, if non-nil, is returned by SynthesizeStream.
	SynthesizeErr error

	// Voices is returned by ListVoices.
	Voices []types.VoiceProfile

	// ListVoicesErr, if non-nil, is returned by ListVoices.
	ListVoicesErr error

	// SynthesizeCalls records every call to SynthesizeStream.
	SynthesizeCalls []*SynthesizeCall
}

// SynthesizeStream records the call and echoes AudioPerChunk for every text
// fragment until the text channel closes.
func (p *Provider) SynthesizeStream(ctx context.Context, text <-chan string, voice types.VoiceProfile) (<-chan []byte, error) {
	p.mu.Lock()
	if p.SynthesizeErr != nil {
		err := p.SynthesizeErr
		p.mu.Unlock()
		return nil, err
	}
	call := &SynthesizeCall{Ctx: ctx, Voice: voice}
	p.SynthesizeCalls = append(p.SynthesizeCalls, call)
	chunk := p.AudioPerChunk
	p.mu.Unlock()

	if chunk == nil {
		chunk = make([]byte, 320)
	}

	audio := make(chan []byte, 16)
	go func() {
		defer close(audio)
		for {
			select {
			case <-ctx.Done():
				return
			case t, ok := <-text:
				if !ok {
					return
				}
				p.mu.Lock()
				call.Texts = append(call.Texts, t)
				p.mu.Unlock()

				out := make([]byte, len(chunk))
				copy(out, chunk)
				select {
				case audio <- out:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return audio, nil
}

// ListVoices returns Voices, ListVoicesErr.
func (p *Provider) ListVoices(_ context.Context) ([]types.VoiceProfile, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Voices, p.ListVoicesErr
}

// SynthesizeCallCount returns the number of SynthesizeStream calls.
// Thread-safe.
func (p *Provider) SynthesizeCallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.SynthesizeCalls)
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.SynthesizeCalls = nil
}

// Ensure Provider implements tts.Provider at compile time.
var _ tts.Provider = (*Provider)(nil)
