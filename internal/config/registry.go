package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/axel-sirota/polyglot-rag-assistant-sub002/pkg/provider/llm"
	"github.com/axel-sirota/polyglot-rag-assistant-sub002/pkg/provider/realtime"
	"github.com/axel-sirota/polyglot-rag-assistant-sub002/pkg/provider/stt"
	"github.com/axel-sirota/polyglot-rag-assistant-sub002/pkg/provider/tts"
	"github.com/axel-sirota/polyglot-rag-assistant-sub002/pkg/provider/vad"
)

// ErrProviderNotRegistered is returned by the Create* methods when no factory
// is registered under the requested name. Callers that treat unknown
// providers as optional (the entry point skips stages the deployment does not
// use) should test for it with [errors.Is].
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Registry maps provider names from the configuration file to factory
// functions that construct the concrete implementations. The entry point
// registers the built-in factories at startup; embedding applications can
// register their own before calling the Create* methods.
//
// Registry is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	stt      map[string]func(ProviderEntry) (stt.Provider, error)
	llm      map[string]func(ProviderEntry) (llm.Provider, error)
	tts      map[string]func(ProviderEntry) (tts.Provider, error)
	vad      map[string]func(ProviderEntry) (vad.Engine, error)
	realtime map[string]func(ProviderEntry) (realtime.Provider, error)
}

// NewRegistry creates an empty provider registry.
func NewRegistry() *Registry {
	return &Registry{
		stt:      make(map[string]func(ProviderEntry) (stt.Provider, error)),
		llm:      make(map[string]func(ProviderEntry) (llm.Provider, error)),
		tts:      make(map[string]func(ProviderEntry) (tts.Provider, error)),
		vad:      make(map[string]func(ProviderEntry) (vad.Engine, error)),
		realtime: make(map[string]func(ProviderEntry) (realtime.Provider, error)),
	}
}

// RegisterSTT registers a speech-to-text provider factory under name.
func (r *Registry) RegisterSTT(name string, factory func(ProviderEntry) (stt.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stt[name] = factory
}

// RegisterLLM registers a chat model provider factory under name.
func (r *Registry) RegisterLLM(name string, factory func(ProviderEntry) (llm.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.llm[name] = factory
}

// RegisterTTS registers a text-to-speech provider factory under name.
func (r *Registry) RegisterTTS(name string, factory func(ProviderEntry) (tts.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tts[name] = factory
}

// RegisterVAD registers a voice-activity-detection factory under name.
func (r *Registry) RegisterVAD(name string, factory func(ProviderEntry) (vad.Engine, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.vad[name] = factory
}

// RegisterRealtime registers a fused speech-to-speech provider factory under
// name.
func (r *Registry) RegisterRealtime(name string, factory func(ProviderEntry) (realtime.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.realtime[name] = factory
}

// CreateSTT constructs the STT provider named in entry.
func (r *Registry) CreateSTT(entry ProviderEntry) (stt.Provider, error) {
	r.mu.RLock()
	factory, ok := r.stt[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: stt %q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreateLLM constructs the LLM provider named in entry.
func (r *Registry) CreateLLM(entry ProviderEntry) (llm.Provider, error) {
	r.mu.RLock()
	factory, ok := r.llm[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: llm %q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreateTTS constructs the TTS provider named in entry.
func (r *Registry) CreateTTS(entry ProviderEntry) (tts.Provider, error) {
	r.mu.RLock()
	factory, ok := r.tts[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: tts %q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreateVAD constructs the VAD engine named in entry.
func (r *Registry) CreateVAD(entry ProviderEntry) (vad.Engine, error) {
	r.mu.RLock()
	factory, ok := r.vad[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: vad %q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreateRealtime constructs the realtime provider named in entry.
func (r *Registry) CreateRealtime(entry ProviderEntry) (realtime.Provider, error) {
	r.mu.RLock()
	factory, ok := r.realtime[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: realtime %q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}
