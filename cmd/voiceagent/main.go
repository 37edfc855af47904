// Command voiceagent runs the flight-search voice assistant server: it joins
// the configured room, serves signaling and observability endpoints over
// HTTP, and hosts one conversation pipeline per remote participant.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"

	"github.com/axel-sirota/polyglot-rag-assistant-sub002/internal/app"
	"github.com/axel-sirota/polyglot-rag-assistant-sub002/internal/config"
	"github.com/axel-sirota/polyglot-rag-assistant-sub002/internal/engine"
	cascadeeng "github.com/axel-sirota/polyglot-rag-assistant-sub002/internal/engine/cascade"
	realtimeeng "github.com/axel-sirota/polyglot-rag-assistant-sub002/internal/engine/realtime"
	"github.com/axel-sirota/polyglot-rag-assistant-sub002/internal/flight"
	"github.com/axel-sirota/polyglot-rag-assistant-sub002/internal/health"
	"github.com/axel-sirota/polyglot-rag-assistant-sub002/internal/langpolicy"
	"github.com/axel-sirota/polyglot-rag-assistant-sub002/internal/observe"
	"github.com/axel-sirota/polyglot-rag-assistant-sub002/internal/pipeline"
	"github.com/axel-sirota/polyglot-rag-assistant-sub002/internal/session"
	"github.com/axel-sirota/polyglot-rag-assistant-sub002/internal/tools"
	"github.com/axel-sirota/polyglot-rag-assistant-sub002/pkg/provider/llm"
	"github.com/axel-sirota/polyglot-rag-assistant-sub002/pkg/provider/llm/anyllm"
	oaillm "github.com/axel-sirota/polyglot-rag-assistant-sub002/pkg/provider/llm/openai"
	rt "github.com/axel-sirota/polyglot-rag-assistant-sub002/pkg/provider/realtime"
	oairt "github.com/axel-sirota/polyglot-rag-assistant-sub002/pkg/provider/realtime/openai"
	"github.com/axel-sirota/polyglot-rag-assistant-sub002/pkg/provider/vad"
	"github.com/axel-sirota/polyglot-rag-assistant-sub002/pkg/provider/vad/energy"
	"github.com/axel-sirota/polyglot-rag-assistant-sub002/pkg/rtc"
	"github.com/axel-sirota/polyglot-rag-assistant-sub002/pkg/rtc/webrtc"
)

// instructions is the base system prompt for every session. The engines
// append the active language on top of it.
const instructions = `You are a friendly, efficient flight-search voice assistant.
Help callers find flights: collect origin, destination, dates, passenger count,
and cabin class, then use the search_flights tool. Keep replies short and
conversational; this is a voice interface. Always answer in the caller's language.`

// farewell is sent to connected participants when the server shuts down.
const farewell = "The assistant is going offline for a moment. Thanks for flying with us!"

// defaultSelections maps languages to the model/voice pair used for them.
// Languages not listed fall back to the multilingual selection.
var defaultSelections = map[string]langpolicy.ModelSelection{
	"en": {STTModel: "nova-2-general", TTSVoice: "alloy"},
	"es": {STTModel: "nova-2-general", TTSVoice: "coral"},
	"fr": {STTModel: "nova-2-general", TTSVoice: "ballad"},
	"de": {STTModel: "nova-2-general", TTSVoice: "verse"},
}

var multilingualFallback = langpolicy.ModelSelection{STTModel: "nova-2-general", TTSVoice: "alloy"}

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "voiceagent: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "voiceagent: %v\n", err)
		}
		return 1
	}

	level := new(slog.LevelVar)
	level.Set(logLevel(cfg.Server.LogLevel))
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	logger.Info("voiceagent starting",
		"config", *configPath,
		"engine", cfg.Engine,
		"room", cfg.Room.Name,
		"listen_addr", cfg.Server.ListenAddr,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Observability ─────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "voiceagent"})
	if err != nil {
		logger.Error("initialising telemetry", "error", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown", "error", err)
		}
	}()

	metrics, err := observe.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		logger.Error("creating metrics", "error", err)
		return 1
	}

	// ── Providers ─────────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	eng, err := buildEngine(cfg, reg, logger)
	if err != nil {
		logger.Error("building conversation engine", "error", err)
		return 1
	}

	vadEngine, err := buildVAD(cfg, reg)
	if err != nil {
		logger.Error("building vad engine", "error", err)
		return 1
	}

	// ── Session store ─────────────────────────────────────────────────────────
	defaults := session.Defaults{
		Language:             "", // language locks on first confident detection
		Environment:          cfg.Audio.Environment,
		InterruptionsEnabled: cfg.Audio.InterruptionsEnabled,
	}
	var (
		store   session.Store
		memory  *session.MemoryStore
		pgStore *session.PostgresStore
	)
	if cfg.Session.PostgresDSN != "" {
		pgStore, err = session.NewPostgresStore(ctx, cfg.Session.PostgresDSN,
			session.WithPostgresTTL(cfg.Session.TTL),
			session.WithPostgresDefaults(defaults),
		)
		if err != nil {
			logger.Error("connecting session store", "error", err)
			return 1
		}
		store = pgStore
		logger.Info("session store: postgres")
	} else {
		memory = session.NewMemoryStore(
			session.WithTTL(cfg.Session.TTL),
			session.WithDefaults(defaults),
		)
		store = memory
		logger.Info("session store: in-memory", "ttl", cfg.Session.TTL)
	}
	defer store.Close()

	// ── Language policy ───────────────────────────────────────────────────────
	policy, err := langpolicy.New(langpolicy.Config{
		Default:         cfg.Languages.Default,
		Denylist:        cfg.Languages.Denylist,
		MinConfidence:   cfg.Languages.MinConfidence,
		SwitchThreshold: cfg.Languages.SwitchThreshold,
		Table:           defaultSelections,
		ModelDenylist:   cfg.Languages.ModelDenylist,
		Fallback:        multilingualFallback,
	})
	if err != nil {
		logger.Error("building language policy", "error", err)
		return 1
	}

	// ── Flight search tool ────────────────────────────────────────────────────
	toolReg := tools.NewRegistry()
	dispatcher, err := buildDispatcher(cfg, metrics, logger)
	if err != nil {
		logger.Error("building flight dispatcher", "error", err)
		return 1
	}
	if err := tools.RegisterFlightSearch(toolReg, dispatcher); err != nil {
		logger.Error("registering flight search tool", "error", err)
		return 1
	}

	// ── Room transport + signaling ────────────────────────────────────────────
	room := webrtc.New(webrtc.WithSampleRate(pipeline.DefaultTransportRate))
	signaling := webrtc.NewSignalingServer(room, webrtc.WithPublicURL(cfg.Room.URL))

	var tokenClient *rtc.TokenClient
	if cfg.Room.URL != "" && cfg.Room.APIKey != "" {
		tokenClient, err = rtc.NewTokenClient(
			strings.TrimRight(cfg.Room.URL, "/")+"/token",
			cfg.Room.APIKey, cfg.Room.APISecret,
		)
		if err != nil {
			logger.Error("building token client", "error", err)
			return 1
		}
	}

	// ── HTTP server: signaling, health, metrics ───────────────────────────────
	checkers := buildCheckers(cfg, pgStore)
	healthHandler := health.New(checkers...)

	mux := http.NewServeMux()
	mux.Handle("/", signaling.Handler())
	mux.HandleFunc("GET /healthz", healthHandler.Healthz)
	mux.HandleFunc("GET /readyz", healthHandler.Readyz)
	mux.Handle("GET /metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           observe.Middleware(metrics)(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server", "error", err)
			stop()
		}
	}()

	// ── Config hot-reload ─────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
		applyReload(config.Diff(old, new), new, level, memory, logger)
	})
	if err != nil {
		logger.Warn("config watcher disabled", "error", err)
	} else {
		defer watcher.Stop()
	}

	// ── Room session manager ──────────────────────────────────────────────────
	manager, err := app.New(app.ManagerConfig{
		RoomName:     cfg.Room.Name,
		Room:         room,
		Tokens:       tokenClient,
		Engine:       eng,
		VAD:          vadEngine,
		Store:        store,
		Languages:    policy,
		Tools:        toolReg,
		Metrics:      metrics,
		Logger:       logger,
		Instructions: instructions,
		Farewell:     farewell,
		Pipeline: pipeline.Config{
			SoftBudget: cfg.Timeouts.LLMSoft,
		},
	})
	if err != nil {
		logger.Error("building room manager", "error", err)
		return 1
	}

	logger.Info("server ready — press Ctrl+C to shut down")
	if err := manager.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("room manager", "error", err)
		return 1
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server shutdown", "error", err)
	}
	logger.Info("goodbye")
	return 0
}

// registerBuiltinProviders wires the provider factories that ship with the
// server. Deployments embedding this as a library can register more before
// building the engine.
func registerBuiltinProviders(reg *config.Registry) {
	// OpenAI chat via the native SDK; everything else through any-llm.
	reg.RegisterLLM("openai", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []oaillm.Option
		if entry.BaseURL != "" {
			opts = append(opts, oaillm.WithBaseURL(entry.BaseURL))
		}
		return oaillm.New(entry.APIKey, entry.Model, opts...)
	})
	for _, name := range []string{"anthropic", "gemini", "mistral", "groq"} {
		reg.RegisterLLM(name, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			return anyllm.New(entry.Name, entry.Model, opts...)
		})
	}
	// ollama is a local server: BaseURL for the address, no API key.
	reg.RegisterLLM("ollama", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []anyllmlib.Option
		if entry.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
		}
		return anyllm.NewOllama(entry.Model, opts...)
	})

	reg.RegisterVAD("energy", func(config.ProviderEntry) (vad.Engine, error) {
		return energy.New(), nil
	})

	reg.RegisterRealtime("openai-realtime", func(entry config.ProviderEntry) (rt.Provider, error) {
		var opts []oairt.Option
		if entry.Model != "" {
			opts = append(opts, oairt.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, oairt.WithBaseURL(entry.BaseURL))
		}
		return oairt.New(entry.APIKey, opts...), nil
	})

	// STT and TTS have no built-in implementations yet; the cascade engine
	// expects them to be registered by the embedding deployment.
}

// buildEngine constructs the conversation engine selected by cfg.Engine.
func buildEngine(cfg *config.Config, reg *config.Registry, logger *slog.Logger) (engine.Engine, error) {
	switch cfg.Engine {
	case config.EngineRealtime:
		provider, err := reg.CreateRealtime(cfg.Providers.Realtime)
		if err != nil {
			return nil, fmt.Errorf("realtime provider %q: %w", cfg.Providers.Realtime.Name, err)
		}
		return realtimeeng.New(realtimeeng.Config{Provider: provider})

	case config.EngineCascade:
		sttProvider, err := reg.CreateSTT(cfg.Providers.STT)
		if err != nil {
			return nil, fmt.Errorf("stt provider %q: %w", cfg.Providers.STT.Name, err)
		}
		ttsProvider, err := reg.CreateTTS(cfg.Providers.TTS)
		if err != nil {
			return nil, fmt.Errorf("tts provider %q: %w", cfg.Providers.TTS.Name, err)
		}
		llmProvider, err := buildLLM(cfg, reg, logger)
		if err != nil {
			return nil, err
		}
		return cascadeeng.New(cascadeeng.Config{
			STT:         sttProvider,
			LLM:         llmProvider,
			TTS:         ttsProvider,
			HardTimeout: cfg.Timeouts.LLMHard,
		})

	default:
		return nil, fmt.Errorf("unknown engine mode %q", cfg.Engine)
	}
}

// buildLLM constructs the default chat provider and, when per-language models
// are configured, wraps them in a router.
func buildLLM(cfg *config.Config, reg *config.Registry, logger *slog.Logger) (llm.Provider, error) {
	base, err := reg.CreateLLM(cfg.Providers.LLM)
	if err != nil {
		return nil, fmt.Errorf("llm provider %q: %w", cfg.Providers.LLM.Name, err)
	}
	if len(cfg.Providers.LLMByLanguage) == 0 {
		return base, nil
	}
	byLang := make(map[string]llm.Provider, len(cfg.Providers.LLMByLanguage))
	for lang, entry := range cfg.Providers.LLMByLanguage {
		p, err := reg.CreateLLM(entry)
		if err != nil {
			return nil, fmt.Errorf("llm provider %q for language %q: %w", entry.Name, lang, err)
		}
		byLang[lang] = p
	}
	return llm.NewRouter(base, byLang, logger)
}

// buildVAD constructs the configured VAD engine, defaulting to the energy
// detector.
func buildVAD(cfg *config.Config, reg *config.Registry) (vad.Engine, error) {
	entry := cfg.Providers.VAD
	if entry.Name == "" {
		entry.Name = "energy"
	}
	v, err := reg.CreateVAD(entry)
	if err != nil {
		return nil, fmt.Errorf("vad provider %q: %w", entry.Name, err)
	}
	return v, nil
}

// buildDispatcher wires the flight-search fallback ladder from config. With
// no API endpoint configured the mock backend serves as primary so local
// development works out of the box.
func buildDispatcher(cfg *config.Config, metrics *observe.Metrics, logger *slog.Logger) (*tools.Dispatcher, error) {
	var primary flight.Searcher
	if cfg.Flights.APIURL != "" {
		client, err := flight.NewHTTPClient(cfg.Flights.APIURL, flight.WithAPIKey(cfg.Flights.APIKey))
		if err != nil {
			return nil, err
		}
		primary = flight.NewResilientSearcher(client)
	} else {
		logger.Warn("no flight API configured, serving mock flight data")
		primary = flight.NewMockSearcher()
	}
	var secondary flight.Searcher
	if cfg.Flights.FallbackAPIURL != "" {
		client, err := flight.NewHTTPClient(cfg.Flights.FallbackAPIURL, flight.WithAPIKey(cfg.Flights.FallbackAPIKey))
		if err != nil {
			return nil, err
		}
		secondary = flight.NewResilientSearcher(client)
	}
	return tools.NewDispatcher(tools.DispatcherConfig{
		Primary:         primary,
		Secondary:       secondary,
		EnableMock:      cfg.Flights.EnableMockFallback,
		PrimaryTimeout:  cfg.Timeouts.ToolPrimary,
		FallbackTimeout: cfg.Timeouts.ToolFallback,
		Metrics:         metrics,
	})
}

// buildCheckers assembles the readiness probes for the configured
// dependencies.
func buildCheckers(cfg *config.Config, pg *session.PostgresStore) []health.Checker {
	var checkers []health.Checker
	if cfg.Flights.APIURL != "" {
		checkers = append(checkers, health.FlightAPIChecker(cfg.Flights.APIURL, nil))
	}
	if cfg.Room.URL != "" {
		checkers = append(checkers, health.RoomChecker(cfg.Room.URL, nil))
	}
	if pg != nil {
		checkers = append(checkers, health.SessionStoreChecker(pg.Pool()))
	}
	return checkers
}

// applyReload applies the hot-reloadable parts of a config change.
func applyReload(diff config.ConfigDiff, cfg *config.Config, level *slog.LevelVar, memory *session.MemoryStore, logger *slog.Logger) {
	if !diff.Any() {
		return
	}
	if diff.LogLevelChanged {
		level.Set(logLevel(diff.NewLogLevel))
		logger.Info("log level changed", "level", diff.NewLogLevel)
	}
	if (diff.EnvironmentChanged || diff.InterruptionsChanged) && memory != nil {
		memory.SetDefaults(session.Defaults{
			Environment:          cfg.Audio.Environment,
			InterruptionsEnabled: cfg.Audio.InterruptionsEnabled,
		})
		logger.Info("session defaults updated",
			"environment", cfg.Audio.Environment,
			"interruptions", cfg.Audio.InterruptionsEnabled,
		)
	}
	if diff.LanguagesChanged || diff.TimeoutsChanged || diff.MockFallbackChanged {
		// These feed components fixed at construction time; new sessions pick
		// them up after a restart.
		logger.Warn("config change requires restart to fully apply",
			"languages", diff.LanguagesChanged,
			"timeouts", diff.TimeoutsChanged,
			"mock_fallback", diff.MockFallbackChanged,
		)
	}
}

func logLevel(l config.LogLevel) slog.Level {
	switch l {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
