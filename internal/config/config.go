// Package config provides the configuration schema, loader, env overlay, and
// hot-reload watcher for the voice assistant.
package config

import (
	"time"

	"github.com/axel-sirota/polyglot-rag-assistant-sub002/pkg/types"
)

// LogLevel controls log verbosity for the assistant server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Engine selects the conversation pipeline mode.
type Engine string

const (
	// EngineCascade uses the STT → LLM → TTS pipeline.
	EngineCascade Engine = "cascade"

	// EngineRealtime uses a fused speech-to-speech model.
	EngineRealtime Engine = "realtime"
)

// IsValid reports whether e is a recognised engine mode.
func (e Engine) IsValid() bool {
	return e == EngineCascade || e == EngineRealtime
}

// Config is the root configuration structure. It is typically loaded from a
// YAML file using [Load] or [LoadFromReader], then overlaid with environment
// variables via [ApplyEnv].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Room      RoomConfig      `yaml:"room"`
	Engine    Engine          `yaml:"engine"`
	Providers ProvidersConfig `yaml:"providers"`
	Languages LanguagesConfig `yaml:"languages"`
	Audio     AudioConfig     `yaml:"audio"`
	Session   SessionConfig   `yaml:"session"`
	Timeouts  TimeoutsConfig  `yaml:"timeouts"`
	Flights   FlightsConfig   `yaml:"flights"`
}

// ServerConfig holds network and logging settings for the assistant server.
type ServerConfig struct {
	// ListenAddr is the TCP address the HTTP server (signaling, health,
	// metrics) listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`
}

// RoomConfig holds the real-time room connection settings.
type RoomConfig struct {
	// URL is the room server endpoint (e.g., "wss://voice.example.com").
	URL string `yaml:"url"`

	// Name is the room the assistant joins.
	Name string `yaml:"name"`

	// APIKey and APISecret authenticate token minting requests.
	APIKey    string `yaml:"api_key"`
	APISecret string `yaml:"api_secret"`
}

// ProvidersConfig declares which provider implementation to use for each
// pipeline stage.
type ProvidersConfig struct {
	STT      ProviderEntry `yaml:"stt"`
	LLM      ProviderEntry `yaml:"llm"`
	TTS      ProviderEntry `yaml:"tts"`
	VAD      ProviderEntry `yaml:"vad"`
	Realtime ProviderEntry `yaml:"realtime"`

	// LLMByLanguage optionally routes specific languages to dedicated LLM
	// providers. Keys are lowercase ISO-639-1 codes.
	LLMByLanguage map[string]ProviderEntry `yaml:"llm_by_language"`
}

// ProviderEntry is the common configuration block shared by all provider types.
type ProviderEntry struct {
	// Name selects the provider implementation (e.g., "openai", "anyllm").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API if any.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	// Leave empty to use the provider's built-in default.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider (e.g., "gpt-4o").
	Model string `yaml:"model"`

	// Options holds provider-specific configuration values not covered by the
	// standard fields above.
	Options map[string]any `yaml:"options"`
}

// LanguagesConfig governs the per-participant language policy.
type LanguagesConfig struct {
	// Default is the ISO-639-1 code sessions start in (e.g., "en").
	Default string `yaml:"default"`

	// Denylist lists language codes the assistant must never switch into.
	// Detected speech in a denied language gets a polite refusal in the
	// current session language.
	Denylist []string `yaml:"denylist"`

	// SwitchThreshold is how many consecutive final transcripts in a new
	// language are required before the session language switches. Defaults
	// to 3.
	SwitchThreshold int `yaml:"switch_threshold"`

	// MinConfidence is the minimum language-detection confidence for a final
	// transcript to count toward a switch. Defaults to 0.8.
	MinConfidence float64 `yaml:"min_confidence"`

	// ModelDenylist maps a language code to model and voice identifiers that
	// must not serve it. A per-language selection naming a denied identifier
	// falls back to the multilingual models.
	ModelDenylist map[string][]string `yaml:"model_denylist"`
}

// AudioConfig holds VAD tuning and interruption behaviour.
type AudioConfig struct {
	// Environment selects the VAD tuning profile: quiet, medium, or noisy.
	// Defaults to medium.
	Environment types.Environment `yaml:"environment"`

	// InterruptionsEnabled is the default barge-in toggle for new sessions.
	// Participants can flip it per-session over the data channel.
	InterruptionsEnabled bool `yaml:"interruptions_enabled"`
}

// SessionConfig holds per-participant session state settings.
type SessionConfig struct {
	// TTL is how long an idle session's state is retained. Defaults to 30m.
	TTL time.Duration `yaml:"ttl"`

	// PostgresDSN optionally enables the Postgres-backed session store.
	// Empty means in-memory only.
	PostgresDSN string `yaml:"postgres_dsn"`
}

// TimeoutsConfig holds the latency budgets for model and tool calls.
type TimeoutsConfig struct {
	// LLMSoft is the budget after which a status notice is sent to the
	// participant while the model keeps working. Defaults to 20s.
	LLMSoft time.Duration `yaml:"llm_soft"`

	// LLMHard is the budget after which the model call is abandoned and the
	// session apologises. Defaults to 40s.
	LLMHard time.Duration `yaml:"llm_hard"`

	// ToolPrimary bounds the primary flight-search backend call. Defaults to 5s.
	ToolPrimary time.Duration `yaml:"tool_primary"`

	// ToolFallback bounds each fallback backend call. Defaults to 10s.
	ToolFallback time.Duration `yaml:"tool_fallback"`
}

// FlightsConfig holds the flight-search backend settings.
type FlightsConfig struct {
	// APIURL is the primary flight-search API endpoint.
	APIURL string `yaml:"api_url"`

	// APIKey authenticates requests to the primary API.
	APIKey string `yaml:"api_key"`

	// FallbackAPIURL optionally names a secondary flight-search endpoint the
	// dispatcher tries when the primary fails.
	FallbackAPIURL string `yaml:"fallback_api_url"`

	// FallbackAPIKey authenticates requests to the fallback API.
	FallbackAPIKey string `yaml:"fallback_api_key"`

	// EnableMockFallback allows the dispatcher to fall back to deterministic
	// mock results when every live backend fails, so the conversation can
	// continue.
	EnableMockFallback bool `yaml:"enable_mock_fallback"`
}
