package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/axel-sirota/polyglot-rag-assistant-sub002/pkg/types"
	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"stt":      {"deepgram", "whisper", "mock"},
	"llm":      {"openai", "anyllm", "anthropic", "gemini", "ollama", "mistral", "groq", "mock"},
	"tts":      {"elevenlabs", "openai", "mock"},
	"vad":      {"energy", "mock"},
	"realtime": {"openai-realtime", "mock"},
}

// Default values applied by [ApplyDefaults].
const (
	DefaultSessionTTL      = 30 * time.Minute
	DefaultLLMSoftTimeout  = 20 * time.Second
	DefaultLLMHardTimeout  = 40 * time.Second
	DefaultToolPrimary     = 5 * time.Second
	DefaultToolFallback    = 10 * time.Second
	DefaultLanguage        = "en"
	DefaultSwitchThreshold = 3
	DefaultMinConfidence   = 0.8
)

// Load reads the YAML configuration file at path, applies environment
// variable overrides and defaults, and returns a validated [Config].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, overlays environment
// variables, fills defaults, and validates the result. Useful in tests where
// configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := ApplyEnv(cfg); err != nil {
		return nil, err
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overlays environment variables onto cfg. Environment values take
// precedence over the YAML file so deployments can override credentials and
// tuning without editing the file.
func ApplyEnv(cfg *Config) error {
	var errs []error

	setStr := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}
	setBool := func(key string, dst *bool) {
		if v, ok := os.LookupEnv(key); ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("config: %s=%q is not a boolean", key, v))
				return
			}
			*dst = b
		}
	}
	setMillis := func(key string, dst *time.Duration) {
		if v, ok := os.LookupEnv(key); ok {
			ms, err := strconv.Atoi(v)
			if err != nil || ms < 0 {
				errs = append(errs, fmt.Errorf("config: %s=%q is not a millisecond count", key, v))
				return
			}
			*dst = time.Duration(ms) * time.Millisecond
		}
	}

	setStr("ROOM_URL", &cfg.Room.URL)
	setStr("ROOM_API_KEY", &cfg.Room.APIKey)
	setStr("ROOM_API_SECRET", &cfg.Room.APISecret)
	setStr("FLIGHT_API_URL", &cfg.Flights.APIURL)
	setStr("FLIGHT_FALLBACK_API_URL", &cfg.Flights.FallbackAPIURL)
	setStr("DEFAULT_LANGUAGE", &cfg.Languages.Default)
	setBool("INTERRUPTIONS_ENABLED_DEFAULT", &cfg.Audio.InterruptionsEnabled)
	setBool("ENABLE_MOCK_FALLBACK", &cfg.Flights.EnableMockFallback)
	setMillis("LLM_SOFT_TIMEOUT_MS", &cfg.Timeouts.LLMSoft)
	setMillis("LLM_HARD_TIMEOUT_MS", &cfg.Timeouts.LLMHard)
	setMillis("TOOL_PRIMARY_TIMEOUT_MS", &cfg.Timeouts.ToolPrimary)
	setMillis("TOOL_FALLBACK_TIMEOUT_MS", &cfg.Timeouts.ToolFallback)

	if v, ok := os.LookupEnv("VAD_PROFILE"); ok {
		cfg.Audio.Environment = types.Environment(v)
	}
	if v, ok := os.LookupEnv("SESSION_TTL_MINUTES"); ok {
		minutes, err := strconv.Atoi(v)
		if err != nil || minutes <= 0 {
			errs = append(errs, fmt.Errorf("config: SESSION_TTL_MINUTES=%q is not a positive minute count", v))
		} else {
			cfg.Session.TTL = time.Duration(minutes) * time.Minute
		}
	}
	if v, ok := os.LookupEnv("LANGUAGE_DENYLIST_JSON"); ok {
		var denylist []string
		if err := json.Unmarshal([]byte(v), &denylist); err != nil {
			errs = append(errs, fmt.Errorf("config: LANGUAGE_DENYLIST_JSON is not a JSON string array: %w", err))
		} else {
			cfg.Languages.Denylist = denylist
		}
	}

	return errors.Join(errs...)
}

// ApplyDefaults fills zero-valued fields with their documented defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Engine == "" {
		cfg.Engine = EngineCascade
	}
	if cfg.Languages.Default == "" {
		cfg.Languages.Default = DefaultLanguage
	}
	if cfg.Languages.SwitchThreshold == 0 {
		cfg.Languages.SwitchThreshold = DefaultSwitchThreshold
	}
	if cfg.Languages.MinConfidence == 0 {
		cfg.Languages.MinConfidence = DefaultMinConfidence
	}
	if cfg.Audio.Environment == "" {
		cfg.Audio.Environment = types.EnvMedium
	}
	if cfg.Session.TTL == 0 {
		cfg.Session.TTL = DefaultSessionTTL
	}
	if cfg.Timeouts.LLMSoft == 0 {
		cfg.Timeouts.LLMSoft = DefaultLLMSoftTimeout
	}
	if cfg.Timeouts.LLMHard == 0 {
		cfg.Timeouts.LLMHard = DefaultLLMHardTimeout
	}
	if cfg.Timeouts.ToolPrimary == 0 {
		cfg.Timeouts.ToolPrimary = DefaultToolPrimary
	}
	if cfg.Timeouts.ToolFallback == 0 {
		cfg.Timeouts.ToolFallback = DefaultToolFallback
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Engine != "" && !cfg.Engine.IsValid() {
		errs = append(errs, fmt.Errorf("engine %q is invalid; valid values: cascade, realtime", cfg.Engine))
	}

	// Provider name validation — warn for unknown provider names.
	validateProviderName("stt", cfg.Providers.STT.Name)
	validateProviderName("llm", cfg.Providers.LLM.Name)
	validateProviderName("tts", cfg.Providers.TTS.Name)
	validateProviderName("vad", cfg.Providers.VAD.Name)
	validateProviderName("realtime", cfg.Providers.Realtime.Name)
	for lang, entry := range cfg.Providers.LLMByLanguage {
		if lang != strings.ToLower(lang) {
			errs = append(errs, fmt.Errorf("providers.llm_by_language key %q must be lowercase", lang))
		}
		validateProviderName("llm", entry.Name)
	}

	// Engine ↔ provider cross-validation.
	switch cfg.Engine {
	case EngineCascade:
		if cfg.Providers.STT.Name == "" {
			errs = append(errs, errors.New("engine \"cascade\" requires an STT provider but providers.stt is not configured"))
		}
		if cfg.Providers.LLM.Name == "" {
			errs = append(errs, errors.New("engine \"cascade\" requires an LLM provider but providers.llm is not configured"))
		}
		if cfg.Providers.TTS.Name == "" {
			errs = append(errs, errors.New("engine \"cascade\" requires a TTS provider but providers.tts is not configured"))
		}
	case EngineRealtime:
		if cfg.Providers.Realtime.Name == "" {
			errs = append(errs, errors.New("engine \"realtime\" requires a realtime provider but providers.realtime is not configured"))
		}
	}

	// Languages
	if cfg.Languages.Default != "" && len(cfg.Languages.Default) != 2 {
		errs = append(errs, fmt.Errorf("languages.default %q is not an ISO-639-1 code", cfg.Languages.Default))
	}
	for i, code := range cfg.Languages.Denylist {
		if len(code) != 2 {
			errs = append(errs, fmt.Errorf("languages.denylist[%d] %q is not an ISO-639-1 code", i, code))
		}
	}
	if slices.Contains(cfg.Languages.Denylist, strings.ToLower(cfg.Languages.Default)) {
		errs = append(errs, fmt.Errorf("languages.default %q must not appear in languages.denylist", cfg.Languages.Default))
	}
	if cfg.Languages.SwitchThreshold < 0 {
		errs = append(errs, fmt.Errorf("languages.switch_threshold %d must not be negative", cfg.Languages.SwitchThreshold))
	}
	if cfg.Languages.MinConfidence < 0 || cfg.Languages.MinConfidence > 1 {
		errs = append(errs, fmt.Errorf("languages.min_confidence %.2f is out of range [0, 1]", cfg.Languages.MinConfidence))
	}

	// Audio
	if cfg.Audio.Environment != "" && !cfg.Audio.Environment.IsValid() {
		errs = append(errs, fmt.Errorf("audio.environment %q is invalid; valid values: quiet, medium, noisy", cfg.Audio.Environment))
	}

	// Timeouts must be ordered sanely.
	if cfg.Timeouts.LLMSoft > cfg.Timeouts.LLMHard {
		errs = append(errs, fmt.Errorf("timeouts.llm_soft %v must not exceed timeouts.llm_hard %v", cfg.Timeouts.LLMSoft, cfg.Timeouts.LLMHard))
	}

	// Flights availability warning only — mock fallback may carry a session.
	if cfg.Flights.APIURL == "" && !cfg.Flights.EnableMockFallback {
		slog.Warn("flights.api_url is empty and mock fallback is disabled; flight searches will always fail")
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name — may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
