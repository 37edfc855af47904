// Package app wires the room-facing lifecycle: join the room, run one
// pipeline orchestrator per remote participant, and tear everything down
// gracefully on shutdown.
//
// Participant session state deliberately outlives room presence: a leave
// cancels the participant's orchestrator but never evicts the session store,
// so a reconnect within the TTL resumes the conversation.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/axel-sirota/polyglot-rag-assistant-sub002/internal/engine"
	"github.com/axel-sirota/polyglot-rag-assistant-sub002/internal/langpolicy"
	"github.com/axel-sirota/polyglot-rag-assistant-sub002/internal/observe"
	"github.com/axel-sirota/polyglot-rag-assistant-sub002/internal/pipeline"
	"github.com/axel-sirota/polyglot-rag-assistant-sub002/internal/session"
	"github.com/axel-sirota/polyglot-rag-assistant-sub002/internal/tools"
	"github.com/axel-sirota/polyglot-rag-assistant-sub002/pkg/audio"
	"github.com/axel-sirota/polyglot-rag-assistant-sub002/pkg/datachan"
	"github.com/axel-sirota/polyglot-rag-assistant-sub002/pkg/provider/vad"
	"github.com/axel-sirota/polyglot-rag-assistant-sub002/pkg/rtc"
	"github.com/axel-sirota/polyglot-rag-assistant-sub002/pkg/types"
)

// DefaultDrainTimeout bounds how long shutdown waits for orchestrators to
// unwind in-flight work before the room is disconnected.
const DefaultDrainTimeout = 2 * time.Second

// ManagerConfig assembles the room manager's collaborators.
type ManagerConfig struct {
	// RoomName is the room to join. A deployment may suffix it with a
	// language code; the manager treats the name as opaque. Required.
	RoomName string

	// Room is the room provider. Required.
	Room rtc.Room

	// Tokens optionally mints a join token before connecting. The grant is
	// logged; transport-level auth is the Room implementation's concern.
	Tokens *rtc.TokenClient

	// AgentIdentity names the agent participant when minting tokens.
	AgentIdentity string

	// Engine builds per-participant conversation sessions. Required.
	Engine engine.Engine

	// VAD is the local voice activity detector factory. Required.
	VAD vad.Engine

	// Store holds participant session state. Required.
	Store session.Store

	// Languages is the shared language policy. Required.
	Languages *langpolicy.Policy

	// Tools is the tool registry. Required.
	Tools *tools.Registry

	// Metrics defaults to observe.DefaultMetrics().
	Metrics *observe.Metrics

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// Instructions is the base system prompt handed to every orchestrator.
	Instructions string

	// Farewell, when non-empty, is sent as a system transcription to every
	// connected participant during shutdown.
	Farewell string

	// DrainTimeout bounds shutdown draining. Default: 2 s.
	DrainTimeout time.Duration

	// Pipeline carries orchestrator tuning passed through to every
	// participant (timing knobs, sample rates). Identity, Room, Input,
	// and the collaborators above are filled in by the manager.
	Pipeline pipeline.Config
}

func (c *ManagerConfig) withDefaults() error {
	switch {
	case c.RoomName == "":
		return errors.New("app: room name is required")
	case c.Room == nil:
		return errors.New("app: room provider is required")
	case c.Engine == nil:
		return errors.New("app: engine is required")
	case c.VAD == nil:
		return errors.New("app: vad engine is required")
	case c.Store == nil:
		return errors.New("app: session store is required")
	case c.Languages == nil:
		return errors.New("app: language policy is required")
	case c.Tools == nil:
		return errors.New("app: tool registry is required")
	}
	if c.Metrics == nil {
		c.Metrics = observe.DefaultMetrics()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = DefaultDrainTimeout
	}
	if c.AgentIdentity == "" {
		c.AgentIdentity = "voice-agent"
	}
	return nil
}

// runner is the per-participant work unit. pipeline.Orchestrator satisfies
// it; tests substitute recording fakes.
type runner interface {
	Run(ctx context.Context) error
}

// Manager owns the room session: one connection, one orchestrator per remote
// participant.
type Manager struct {
	cfg ManagerConfig
	log *slog.Logger

	// newRunner builds the participant work unit; overridable in tests.
	newRunner func(cfg pipeline.Config) (runner, error)

	mu           sync.Mutex
	handle       rtc.RoomHandle
	base         context.Context
	participants map[string]context.CancelFunc
	draining     bool
	wg           sync.WaitGroup
}

// New validates cfg and builds a Manager.
func New(cfg ManagerConfig) (*Manager, error) {
	if err := cfg.withDefaults(); err != nil {
		return nil, err
	}
	return &Manager{
		cfg: cfg,
		log: cfg.Logger.With("room", cfg.RoomName),
		newRunner: func(pc pipeline.Config) (runner, error) {
			return pipeline.New(pc)
		},
		participants: make(map[string]context.CancelFunc),
	}, nil
}

// Run joins the room and serves participants until ctx is cancelled, then
// drains and disconnects. Returns nil on a clean shutdown.
func (m *Manager) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if m.cfg.Tokens != nil {
		grant, err := m.cfg.Tokens.Mint(ctx, rtc.TokenRequest{
			Identity: m.cfg.AgentIdentity,
			Room:     m.cfg.RoomName,
		})
		if err != nil {
			return fmt.Errorf("app: minting join token: %w", err)
		}
		m.log.Info("join token minted", "url", grant.URL)
	}

	handle, err := m.cfg.Room.Connect(ctx, m.cfg.RoomName)
	if err != nil {
		return fmt.Errorf("app: joining room %q: %w", m.cfg.RoomName, err)
	}

	// Participant contexts hang off a base that survives Run's cancellation:
	// shutdown drains in-flight work first and cancels only after the drain
	// window, so orchestrators are not torn down the instant ctx fires.
	base, baseCancel := context.WithCancel(context.WithoutCancel(ctx))
	defer baseCancel()

	m.mu.Lock()
	m.handle = handle
	m.base = base
	m.mu.Unlock()

	handle.OnParticipantChange(func(ev rtc.Event) {
		// Callback runs on the room's goroutine and must not block.
		go m.onParticipant(ev)
	})

	// Participants already in the room when we join.
	for identity, in := range handle.InputStreams() {
		m.startParticipant(identity, in)
	}
	m.log.Info("room joined", "participants", len(handle.InputStreams()))

	<-ctx.Done()
	m.shutdown()
	return nil
}

func (m *Manager) onParticipant(ev rtc.Event) {
	switch ev.Type {
	case rtc.EventJoin:
		m.mu.Lock()
		handle := m.handle
		m.mu.Unlock()
		in, ok := handle.InputStreams()[ev.Identity]
		if !ok {
			m.log.Warn("joined participant has no input stream", "participant", ev.Identity)
			return
		}
		m.startParticipant(ev.Identity, in)
	case rtc.EventLeave:
		// Cancel the orchestrator; session state stays for the TTL so a
		// reconnect resumes the conversation.
		m.stopParticipant(ev.Identity)
	}
}

func (m *Manager) startParticipant(identity string, in <-chan audio.Frame) {
	m.mu.Lock()
	if m.draining {
		m.mu.Unlock()
		return
	}
	if _, running := m.participants[identity]; running {
		m.mu.Unlock()
		return
	}
	pctx, cancel := context.WithCancel(m.base)
	m.participants[identity] = cancel
	handle := m.handle
	m.mu.Unlock()

	pc := m.cfg.Pipeline
	pc.Identity = identity
	pc.Room = handle
	pc.Input = in
	pc.Engine = m.cfg.Engine
	pc.VAD = m.cfg.VAD
	pc.Store = m.cfg.Store
	pc.Languages = m.cfg.Languages
	pc.Tools = m.cfg.Tools
	pc.Metrics = m.cfg.Metrics
	pc.Logger = m.cfg.Logger
	if pc.Instructions == "" {
		pc.Instructions = m.cfg.Instructions
	}

	r, err := m.newRunner(pc)
	if err != nil {
		m.log.Error("starting participant orchestrator", "participant", identity, "error", err)
		m.removeParticipant(identity)
		cancel()
		return
	}

	m.log.Info("participant orchestrator started", "participant", identity)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer m.removeParticipant(identity)
		defer cancel()
		if err := r.Run(pctx); err != nil && !errors.Is(err, context.Canceled) {
			m.log.Error("participant orchestrator failed", "participant", identity, "error", err)
		}
	}()
}

func (m *Manager) stopParticipant(identity string) {
	m.mu.Lock()
	cancel, ok := m.participants[identity]
	m.mu.Unlock()
	if ok {
		m.log.Info("participant left, stopping orchestrator", "participant", identity)
		cancel()
	}
}

func (m *Manager) removeParticipant(identity string) {
	m.mu.Lock()
	delete(m.participants, identity)
	m.mu.Unlock()
}

// shutdown sends the configured farewell, waits up to the drain timeout for
// orchestrators to unwind in-flight work, then cancels whatever is left and
// disconnects. Participant contexts stay live for the drain window so a
// pending flight search or farewell playback can finish.
func (m *Manager) shutdown() {
	m.mu.Lock()
	m.draining = true
	handle := m.handle
	identities := make([]string, 0, len(m.participants))
	cancels := make([]context.CancelFunc, 0, len(m.participants))
	for identity, cancel := range m.participants {
		identities = append(identities, identity)
		cancels = append(cancels, cancel)
	}
	m.mu.Unlock()

	if m.cfg.Farewell != "" {
		for _, identity := range identities {
			m.sendFarewell(handle, identity)
		}
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(m.cfg.DrainTimeout):
		m.log.Warn("drain timeout elapsed with orchestrators still running")
	}

	for _, cancel := range cancels {
		cancel()
	}
	select {
	case <-done:
	case <-time.After(m.cfg.DrainTimeout):
		m.log.Warn("orchestrators still running after drain and cancellation")
	}

	if err := handle.Disconnect(); err != nil {
		m.log.Warn("disconnecting room", "error", err)
	}
	m.log.Info("room session closed")
}

func (m *Manager) sendFarewell(handle rtc.RoomHandle, identity string) {
	env, err := datachan.NewEnvelope(datachan.TypeTranscription, datachan.Transcription{
		Speaker: types.SpeakerSystem,
		Text:    m.cfg.Farewell,
	})
	if err != nil {
		m.log.Warn("encoding farewell", "error", err)
		return
	}
	sender := datachan.NewSender(func(ctx context.Context, data []byte) error {
		return handle.SendData(ctx, identity, data)
	}, datachan.WithLogger(m.log))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := sender.Send(ctx, env); err != nil {
		m.log.Debug("sending farewell", "participant", identity, "error", err)
	}
}
