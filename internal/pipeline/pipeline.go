// Package pipeline runs the per-participant orchestrator: one logical task
// that owns the participant's engine session, turn controller, local VAD, and
// data-channel protocol endpoint.
//
// Three sub-loops run under a single errgroup: the audio loop feeds inbound
// frames through the VAD and into the engine, the engine loop consumes the
// unified event stream, and the data loop decodes inbound data-channel
// messages. Shared state between the loops lives behind one mutex on the
// Orchestrator.
//
// Assistant text always reaches the UI before its audio: every speakable
// chunk goes out as pre_speech_text, and transport of the response's audio is
// gated on the text_displayed acknowledgement (bounded by the render-delay
// window).
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/axel-sirota/polyglot-rag-assistant-sub002/internal/engine"
	"github.com/axel-sirota/polyglot-rag-assistant-sub002/internal/langpolicy"
	"github.com/axel-sirota/polyglot-rag-assistant-sub002/internal/observe"
	"github.com/axel-sirota/polyglot-rag-assistant-sub002/internal/session"
	"github.com/axel-sirota/polyglot-rag-assistant-sub002/internal/tools"
	"github.com/axel-sirota/polyglot-rag-assistant-sub002/internal/turn"
	"github.com/axel-sirota/polyglot-rag-assistant-sub002/pkg/audio"
	"github.com/axel-sirota/polyglot-rag-assistant-sub002/pkg/datachan"
	"github.com/axel-sirota/polyglot-rag-assistant-sub002/pkg/provider/vad"
	"github.com/axel-sirota/polyglot-rag-assistant-sub002/pkg/rtc"
	"github.com/axel-sirota/polyglot-rag-assistant-sub002/pkg/types"
)

// Orchestrator defaults.
const (
	// DefaultThinkingDelay is how long a generation may go without a first
	// delta before the thinking indicator is shown.
	DefaultThinkingDelay = 400 * time.Millisecond

	// DefaultMinTextRenderDelay is the minimum head start pre-speech text
	// gets over its audio.
	DefaultMinTextRenderDelay = 120 * time.Millisecond

	// DefaultTextGateCap bounds how long audio waits for the text_displayed
	// acknowledgement.
	DefaultTextGateCap = 500 * time.Millisecond

	// DefaultChunkGap is the delta-inactivity gap after which buffered
	// assistant text is flushed as a speakable chunk even without a sentence
	// boundary.
	DefaultChunkGap = 200 * time.Millisecond

	// DefaultSoftBudget is the generation age at which a "still working"
	// notice goes to the participant while the model keeps going.
	DefaultSoftBudget = 20 * time.Second

	// DefaultTransportRate is the room-side PCM sample rate.
	DefaultTransportRate = 48000

	// DefaultEngineInRate and DefaultEngineOutRate are the provider-side
	// rates for audio into and out of the engine.
	DefaultEngineInRate  = 16000
	DefaultEngineOutRate = 24000

	// receiverSweep is how often buffered out-of-order envelopes are checked
	// for gap-timeout expiry.
	receiverSweep = 200 * time.Millisecond
)

// Config assembles the collaborators for one participant's orchestrator.
type Config struct {
	// Identity is the participant this orchestrator serves. Required.
	Identity string

	// Metadata is the participant's join metadata language hint, if any.
	Metadata string

	// Room is the connected room handle. Required.
	Room rtc.RoomHandle

	// Input is the participant's inbound audio stream. Required.
	Input <-chan audio.Frame

	// Engine builds the conversation session (cascade or realtime). Required.
	Engine engine.Engine

	// VAD is the local voice activity detector factory. Required.
	VAD vad.Engine

	// Store holds the participant's durable session state. Required.
	Store session.Store

	// Languages is the shared language policy. Required.
	Languages *langpolicy.Policy

	// Tools is the tool registry advertised to the model. Required.
	Tools *tools.Registry

	// Metrics defaults to observe.DefaultMetrics().
	Metrics *observe.Metrics

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// Instructions is the base system prompt.
	Instructions string

	// TransportRate, EngineInRate, and EngineOutRate override the PCM sample
	// rates at the room and provider boundaries.
	TransportRate int
	EngineInRate  int
	EngineOutRate int

	// Timing knobs; zero values take the package defaults.
	ThinkingDelay      time.Duration
	MinTextRenderDelay time.Duration
	TextGateCap        time.Duration
	ChunkGap           time.Duration
	SoftBudget         time.Duration

	// Now overrides the clock, for tests.
	Now func() time.Time
}

func (c *Config) withDefaults() error {
	switch {
	case c.Identity == "":
		return errors.New("pipeline: identity is required")
	case c.Room == nil:
		return errors.New("pipeline: room handle is required")
	case c.Input == nil:
		return errors.New("pipeline: input stream is required")
	case c.Engine == nil:
		return errors.New("pipeline: engine is required")
	case c.VAD == nil:
		return errors.New("pipeline: vad engine is required")
	case c.Store == nil:
		return errors.New("pipeline: session store is required")
	case c.Languages == nil:
		return errors.New("pipeline: language policy is required")
	case c.Tools == nil:
		return errors.New("pipeline: tool registry is required")
	}
	if c.Metrics == nil {
		c.Metrics = observe.DefaultMetrics()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.TransportRate <= 0 {
		c.TransportRate = DefaultTransportRate
	}
	if c.EngineInRate <= 0 {
		c.EngineInRate = DefaultEngineInRate
	}
	if c.EngineOutRate <= 0 {
		c.EngineOutRate = DefaultEngineOutRate
	}
	if c.ThinkingDelay <= 0 {
		c.ThinkingDelay = DefaultThinkingDelay
	}
	if c.MinTextRenderDelay <= 0 {
		c.MinTextRenderDelay = DefaultMinTextRenderDelay
	}
	if c.TextGateCap <= 0 {
		c.TextGateCap = DefaultTextGateCap
	}
	if c.ChunkGap <= 0 {
		c.ChunkGap = DefaultChunkGap
	}
	if c.SoftBudget <= 0 {
		c.SoftBudget = DefaultSoftBudget
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return nil
}

// Orchestrator is the per-participant pipeline driver. Create with [New] and
// run with [Orchestrator.Run]; one orchestrator serves exactly one
// participant for the lifetime of their room presence.
type Orchestrator struct {
	cfg Config
	log *slog.Logger
	now func() time.Time

	sender *datachan.Sender
	recv   *datachan.Receiver
	dec    *datachan.FrameDecoder

	inConv *audio.FormatConverter // transport format → engine input format
	outRs  *audio.Resampler       // engine → transport rate

	// Set during Run.
	ctrl    *turn.Controller
	sess    engine.Session
	vadSess vad.SessionHandle
	runCtx  context.Context

	mu            sync.Mutex
	lock          langpolicy.Lock
	gen           *generation
	dropped       map[string]struct{}
	ackBySpeech   map[string]string
	toolStarted   map[string]time.Time
	speechStartAt time.Time
	lastPartialAt time.Time
	lastState     string
}

// New validates cfg and builds an orchestrator. The heavy lifting (session
// state, engine session, VAD session) is deferred to [Orchestrator.Run].
func New(cfg Config) (*Orchestrator, error) {
	if err := cfg.withDefaults(); err != nil {
		return nil, err
	}

	o := &Orchestrator{
		cfg:         cfg,
		log:         cfg.Logger.With("participant", cfg.Identity),
		now:         cfg.Now,
		recv:        datachan.NewReceiver(datachan.WithReceiverLogger(cfg.Logger)),
		dec:         &datachan.FrameDecoder{},
		dropped:     make(map[string]struct{}),
		ackBySpeech: make(map[string]string),
		toolStarted: make(map[string]time.Time),
	}
	o.sender = datachan.NewSender(func(ctx context.Context, data []byte) error {
		return cfg.Room.SendData(ctx, cfg.Identity, data)
	}, datachan.WithLogger(o.log))

	o.inConv = &audio.FormatConverter{
		Target: audio.Format{SampleRate: cfg.EngineInRate, Channels: 1},
	}
	if cfg.EngineOutRate != cfg.TransportRate {
		var err error
		if o.outRs, err = audio.NewResampler(cfg.EngineOutRate, cfg.TransportRate); err != nil {
			return nil, fmt.Errorf("pipeline: output resampler: %w", err)
		}
	}
	return o, nil
}

// Run drives the orchestrator until ctx is cancelled, the participant's
// streams close, or the engine session fails fatally. Session state survives
// Run; only store eviction forgets the participant.
func (o *Orchestrator) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	o.runCtx = ctx

	st, created, err := o.cfg.Store.GetOrCreate(ctx, o.cfg.Identity)
	if err != nil {
		return fmt.Errorf("pipeline: session state: %w", err)
	}

	if st.Language != "" {
		o.lock = langpolicy.Lock{
			Language:       st.Language,
			Locked:         true,
			StreakLanguage: st.StreakLanguage,
			Streak:         st.LanguageStreak,
		}
	} else {
		o.lock = o.cfg.Languages.InitialLock(o.cfg.Metadata)
	}
	lang := o.lock.Language
	sel := o.cfg.Languages.Selection(lang)

	o.ctrl = turn.NewController(turn.Config{
		SampleRate:           o.cfg.TransportRate,
		InterruptionsEnabled: st.InterruptionsEnabled,
		Now:                  o.now,
	})

	o.vadSess, err = o.cfg.VAD.NewSession(vad.ConfigForEnvironment(st.Environment, o.cfg.TransportRate))
	if err != nil {
		return fmt.Errorf("pipeline: vad session: %w", err)
	}
	defer o.vadSess.Close()

	o.sess, err = o.cfg.Engine.Open(ctx, engine.SessionConfig{
		Identity:     o.cfg.Identity,
		Language:     lang,
		Instructions: o.cfg.Instructions,
		Voice:        types.VoiceProfile{ID: sel.TTSVoice, Language: lang},
		Tools:        o.cfg.Tools.Definitions(),
		History:      st.Messages(),
		SampleRate:   o.cfg.EngineInRate,
		Channels:     1,
		OnToolCall:   o.invokeTool,
	})
	if err != nil {
		return fmt.Errorf("pipeline: open engine session: %w", err)
	}
	defer o.sess.Close()

	o.cfg.Metrics.ActiveSessions.Add(ctx, 1)
	defer o.cfg.Metrics.ActiveSessions.Add(ctx, -1)
	if !created {
		o.cfg.Metrics.Reconnects.Add(ctx, 1)
	}

	if err := o.persistLock(ctx); err != nil {
		o.log.Warn("persisting initial language lock", "error", err)
	}
	o.sendTranscription(ctx, types.SpeakerSystem, greetingText(lang, created))
	o.log.Info("orchestrator started",
		"variant", o.cfg.Engine.Variant(), "language", lang, "returning", !created)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return o.audioLoop(ctx) })
	g.Go(func() error { return o.engineLoop(ctx) })
	g.Go(func() error { return o.dataLoop(ctx) })
	err = g.Wait()

	o.mu.Lock()
	o.resetGenerationLocked()
	o.mu.Unlock()

	if touchErr := o.cfg.Store.Touch(context.WithoutCancel(ctx), o.cfg.Identity); touchErr != nil {
		o.log.Warn("touching session on exit", "error", touchErr)
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// invokeTool bridges the engine's tool handler to the registry. Schema
// violations and handler failures come back as structured error results; only
// turn abortion surfaces as a Go error.
func (o *Orchestrator) invokeTool(ctx context.Context, call types.ToolCall) (string, error) {
	res, err := o.cfg.Tools.Invoke(ctx, call)
	if err != nil {
		return "", err
	}
	return res.LLMContent(), nil
}

// ─── Audio loop ───────────────────────────────────────────────────────────────

func (o *Orchestrator) audioLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case frame, ok := <-o.cfg.Input:
			if !ok {
				o.log.Debug("input stream closed")
				return nil
			}
			o.processInputFrame(ctx, frame)
		}
	}
}

func (o *Orchestrator) processInputFrame(ctx context.Context, frame audio.Frame) {
	ev, err := o.vadSess.ProcessFrame(frame.Data)
	if err != nil {
		o.log.Warn("vad frame", "error", err)
	} else {
		speaking := ev.Type == vad.SpeechStart || ev.Type == vad.SpeechContinue
		o.ctrl.ObserveVoiceActivity(speaking, frame.Duration())
		switch ev.Type {
		case vad.SpeechStart:
			o.handleSpeechStart(ctx, turn.SourceLocal)
		case vad.SpeechEnd:
			o.ctrl.OnSpeechStopped()
			o.broadcastState(ctx)
		}
	}

	converted := o.inConv.Convert(frame)
	if len(converted.Data) == 0 {
		// Corrupt frame or resampler warm-up.
		return
	}
	if err := o.sess.SendAudio(converted.Data); err != nil {
		o.cfg.Metrics.RecordDroppedFrames(ctx, "in", 1)
		o.log.Debug("engine audio send", "error", err)
	}
}

// handleSpeechStart arbitrates a speech-start boundary from either detector
// and executes the resulting barge-in, if any.
func (o *Orchestrator) handleSpeechStart(ctx context.Context, src turn.Source) {
	accepted, intr := o.ctrl.OnSpeechStarted(src)
	if !accepted {
		return
	}
	o.mu.Lock()
	o.speechStartAt = o.now()
	o.mu.Unlock()

	if intr != nil {
		o.interrupt(ctx, intr)
	}
	o.broadcastState(ctx)
}

// interrupt executes a barge-in: cancel the generation, truncate the
// provider-side item at the delivered offset, drop the response's remaining
// audio, and rewrite the assistant turn to what was actually spoken.
func (o *Orchestrator) interrupt(ctx context.Context, intr *turn.Interruption) {
	o.cfg.Metrics.RecordInterruption(ctx, o.cfg.Identity)
	o.log.Info("barge-in",
		"response_id", intr.ResponseID, "audio_end_ms", intr.AudioEndMs)

	if err := o.sess.Cancel(); err != nil {
		o.log.Warn("cancelling generation", "error", err)
	}
	if intr.ItemID != "" {
		if err := o.sess.Truncate(intr.ItemID, intr.AudioEndMs); err != nil {
			o.log.Warn("truncating assistant item", "error", err)
		}
	}
	if err := o.sess.ClearInput(); err != nil {
		o.log.Warn("clearing buffered engine input", "error", err)
	}

	o.mu.Lock()
	gen := o.gen
	var spoken, thinkingID string
	if gen != nil {
		o.markDroppedLocked(gen.respID)
		spoken = gen.text.String()
		thinkingID = gen.thinkingID
	}
	o.resetGenerationLocked()
	o.mu.Unlock()

	if thinkingID != "" {
		o.sendMsg(ctx, datachan.TypeHideThinking, datachan.HideThinking{ID: thinkingID})
	}
	if gen == nil || gen.respID == "" {
		return
	}

	if err := o.cfg.Store.Update(ctx, o.cfg.Identity, func(st *session.SessionState) error {
		st.AppendTurn(types.SpeakerAssistant, spoken)
		last := &st.History[len(st.History)-1]
		last.ResponseID = gen.respID
		last.Interrupted = true
		return nil
	}); err != nil {
		o.log.Warn("recording interrupted turn", "error", err)
	}
	o.sendTranscription(ctx, types.SpeakerAssistant, spoken)
}

// ─── Engine loop ──────────────────────────────────────────────────────────────

func (o *Orchestrator) engineLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-o.sess.Events():
			if !ok {
				if err := o.sess.Err(); err != nil {
					return fmt.Errorf("pipeline: engine session: %w", err)
				}
				return nil
			}
			o.handleEngineEvent(ctx, ev)
		}
	}
}

func (o *Orchestrator) handleEngineEvent(ctx context.Context, ev engine.Event) {
	switch ev.Type {
	case engine.EventSpeechStarted:
		o.handleSpeechStart(ctx, turn.SourceProvider)
	case engine.EventSpeechStopped:
		o.ctrl.OnSpeechStopped()
		o.broadcastState(ctx)
	case engine.EventUserPartial:
		o.mu.Lock()
		o.lastPartialAt = o.now()
		o.mu.Unlock()
	case engine.EventUserFinal:
		o.handleUserFinal(ctx, ev)
	case engine.EventAssistantDelta:
		o.handleAssistantDelta(ctx, ev)
	case engine.EventAssistantDone:
		o.handleAssistantDone(ctx, ev)
	case engine.EventAudio:
		o.handleAudio(ctx, ev)
	case engine.EventAudioDone:
		o.handleAudioDone(ctx, ev)
	case engine.EventToolCallStarted:
		o.handleToolStarted(ctx, ev)
	case engine.EventToolCallDone:
		o.handleToolDone(ctx, ev)
	case engine.EventError:
		o.handleEngineError(ctx, ev)
	}
}

func (o *Orchestrator) handleUserFinal(ctx context.Context, ev engine.Event) {
	tr := ev.Transcript

	o.mu.Lock()
	if !o.lastPartialAt.IsZero() {
		o.cfg.Metrics.PartialToFinal.Record(ctx, o.now().Sub(o.lastPartialAt).Seconds())
		o.lastPartialAt = time.Time{}
	}
	o.mu.Unlock()

	o.ctrl.OnFinalTranscript()
	o.broadcastState(ctx)
	o.sendTranscription(ctx, types.SpeakerUser, tr.Text)

	if err := o.cfg.Store.Update(ctx, o.cfg.Identity, func(st *session.SessionState) error {
		st.AppendTurn(types.SpeakerUser, tr.Text)
		return nil
	}); err != nil {
		o.log.Warn("recording user turn", "error", err)
	}

	if tr.Language != "" {
		o.observeLanguage(ctx, tr.Language, tr.LanguageConfidence)
	}
	o.beginGeneration()
}

// observeLanguage folds an STT language detection into the lock and applies a
// resulting switch to the engine session.
func (o *Orchestrator) observeLanguage(ctx context.Context, detected string, confidence float64) {
	o.mu.Lock()
	prev := o.lock.Language
	o.lock = o.cfg.Languages.ObserveDetection(o.lock, detected, confidence)
	next := o.lock.Language
	o.mu.Unlock()

	if err := o.persistLock(ctx); err != nil {
		o.log.Warn("persisting language lock", "error", err)
	}
	if next != prev {
		o.applyLanguage(ctx, next)
	}
}

func (o *Orchestrator) applyLanguage(ctx context.Context, lang string) {
	if err := o.sess.SetLanguage(lang); err != nil {
		o.log.Warn("switching session language", "language", lang, "error", err)
	}
	o.sendStateUpdate(ctx, "language", lang)
	o.log.Info("conversation language switched", "language", lang)
}

func (o *Orchestrator) persistLock(ctx context.Context) error {
	o.mu.Lock()
	lock := o.lock
	o.mu.Unlock()
	return o.cfg.Store.Update(ctx, o.cfg.Identity, func(st *session.SessionState) error {
		st.Language = lock.Language
		st.StreakLanguage = lock.StreakLanguage
		st.LanguageStreak = lock.Streak
		return nil
	})
}

func (o *Orchestrator) handleToolStarted(ctx context.Context, ev engine.Event) {
	o.hideThinking(ctx)

	o.mu.Lock()
	o.toolStarted[ev.ToolCall.ID] = o.now()
	lang := o.lock.Language
	o.mu.Unlock()

	o.sendTranscription(ctx, types.SpeakerSystem, searchingText(lang))
	if err := o.cfg.Store.Update(ctx, o.cfg.Identity, func(st *session.SessionState) error {
		if st.PendingToolCalls == nil {
			st.PendingToolCalls = make(map[string]types.ToolCallStatus)
		}
		st.PendingToolCalls[ev.ToolCall.ID] = types.ToolCallPending
		return nil
	}); err != nil {
		o.log.Warn("recording pending tool call", "error", err)
	}
}

func (o *Orchestrator) handleToolDone(ctx context.Context, ev engine.Event) {
	o.mu.Lock()
	started, ok := o.toolStarted[ev.ToolCall.ID]
	delete(o.toolStarted, ev.ToolCall.ID)
	o.mu.Unlock()

	if ok {
		o.cfg.Metrics.ToolCallDuration.Record(ctx, o.now().Sub(started).Seconds())
	}
	o.log.Debug("tool call resolved",
		"tool", ev.ToolCall.Name, "call_id", ev.ToolCall.ID, "status", ev.ToolStatus)

	if err := o.cfg.Store.Update(ctx, o.cfg.Identity, func(st *session.SessionState) error {
		delete(st.PendingToolCalls, ev.ToolCall.ID)
		return nil
	}); err != nil {
		o.log.Warn("clearing pending tool call", "error", err)
	}
}

// handleEngineError keeps the "one moment" guarantee: the participant hears
// back promptly even when generation fails outright.
func (o *Orchestrator) handleEngineError(ctx context.Context, ev engine.Event) {
	o.log.Error("engine reported failure", "error", ev.Err)

	o.mu.Lock()
	gen := o.gen
	var thinkingID string
	if gen != nil {
		thinkingID = gen.thinkingID
		o.markDroppedLocked(gen.respID)
	}
	lang := o.lock.Language
	o.resetGenerationLocked()
	o.mu.Unlock()

	if thinkingID != "" {
		o.sendMsg(ctx, datachan.TypeHideThinking, datachan.HideThinking{ID: thinkingID})
	}
	o.ctrl.OnResponseDone()
	o.broadcastState(ctx)

	apology := apologyText(lang)
	o.sendTranscription(ctx, types.SpeakerAssistant, apology)
	if err := o.cfg.Store.Update(ctx, o.cfg.Identity, func(st *session.SessionState) error {
		st.AppendTurn(types.SpeakerAssistant, apology)
		return nil
	}); err != nil {
		o.log.Warn("recording apology turn", "error", err)
	}
}

// ─── Data loop ────────────────────────────────────────────────────────────────

func (o *Orchestrator) dataLoop(ctx context.Context) error {
	ticker := time.NewTicker(receiverSweep)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			for _, env := range o.recv.Expire(o.now()) {
				o.handleEnvelope(ctx, env)
			}
		case msg, ok := <-o.cfg.Room.DataMessages():
			if !ok {
				o.log.Debug("data channel closed")
				return nil
			}
			if msg.Identity != o.cfg.Identity {
				continue
			}
			envs, err := o.dec.Feed(msg.Payload)
			if err != nil {
				o.protocolError(ctx, fmt.Errorf("decoding frame: %w", err))
				continue
			}
			for _, env := range envs {
				for _, ordered := range o.recv.Submit(env, o.now()) {
					o.handleEnvelope(ctx, ordered)
				}
			}
		}
	}
}

func (o *Orchestrator) handleEnvelope(ctx context.Context, env datachan.Envelope) {
	switch env.Type {
	case datachan.TypeTextDisplayed:
		p, err := datachan.DecodePayload[datachan.TextDisplayed](env)
		if err != nil {
			o.protocolError(ctx, err)
			return
		}
		o.handleTextDisplayed(p.SpeechID)

	case datachan.TypeTestUserInput:
		p, err := datachan.DecodePayload[datachan.TestUserInput](env)
		if err != nil {
			o.protocolError(ctx, err)
			return
		}
		if err := o.sess.SendText(p.Text); err != nil {
			o.log.Warn("injecting test input", "error", err)
		}

	case datachan.TypeEnvironmentChanged:
		p, err := datachan.DecodePayload[datachan.EnvironmentChanged](env)
		if err != nil {
			o.protocolError(ctx, err)
			return
		}
		o.handleEnvironmentChanged(ctx, p.Environment)

	case datachan.TypeInterruptionToggle:
		p, err := datachan.DecodePayload[datachan.InterruptionToggle](env)
		if err != nil {
			o.protocolError(ctx, err)
			return
		}
		o.ctrl.SetInterruptionsEnabled(p.Enabled)
		if err := o.cfg.Store.Update(ctx, o.cfg.Identity, func(st *session.SessionState) error {
			st.InterruptionsEnabled = p.Enabled
			return nil
		}); err != nil {
			o.log.Warn("persisting interruption toggle", "error", err)
		}
		o.sendStateUpdate(ctx, "interruptions", p.Enabled)

	case datachan.TypeStateUpdate:
		p, err := datachan.DecodePayload[datachan.StateUpdate](env)
		if err != nil {
			o.protocolError(ctx, err)
			return
		}
		o.handleStateUpdate(ctx, p)

	default:
		o.protocolError(ctx, fmt.Errorf("unexpected message type %q", env.Type))
	}
}

// handleTextDisplayed acknowledges the pre-speech message for the speech
// segment and, when it is the gating segment of the live response, releases
// the audio gate.
func (o *Orchestrator) handleTextDisplayed(speechID string) {
	o.mu.Lock()
	msgID := o.ackBySpeech[speechID]
	delete(o.ackBySpeech, speechID)
	var ack chan struct{}
	if gen := o.gen; gen != nil && gen.gateSpeech == speechID && !gen.acked {
		gen.acked = true
		ack = gen.gateAck
	}
	o.mu.Unlock()

	if msgID != "" {
		o.sender.Ack(msgID)
	}
	if ack != nil {
		close(ack)
	}
}

func (o *Orchestrator) handleEnvironmentChanged(ctx context.Context, env types.Environment) {
	if err := o.vadSess.Retune(vad.ConfigForEnvironment(env, o.cfg.TransportRate)); err != nil {
		o.log.Warn("retuning vad", "environment", env, "error", err)
		return
	}
	if err := o.cfg.Store.Update(ctx, o.cfg.Identity, func(st *session.SessionState) error {
		st.Environment = env
		return nil
	}); err != nil {
		o.log.Warn("persisting environment", "error", err)
	}
	o.sendStateUpdate(ctx, "environment", string(env))
	o.log.Info("environment changed", "environment", env)
}

func (o *Orchestrator) handleStateUpdate(ctx context.Context, p datachan.StateUpdate) {
	switch p.Key {
	case "language":
		var lang string
		if err := json.Unmarshal(p.Value, &lang); err != nil {
			o.protocolError(ctx, fmt.Errorf("language value: %w", err))
			return
		}
		o.mu.Lock()
		next, err := o.cfg.Languages.ExplicitSet(o.lock, lang)
		changed := err == nil && next.Language != o.lock.Language
		o.lock = next
		current := o.lock.Language
		o.mu.Unlock()

		if err != nil {
			o.log.Warn("rejected language switch", "requested", lang, "error", err)
			// Re-assert the authoritative value so the UI converges.
			o.sendStateUpdate(ctx, "language", current)
			return
		}
		if perr := o.persistLock(ctx); perr != nil {
			o.log.Warn("persisting language lock", "error", perr)
		}
		if changed {
			o.applyLanguage(ctx, current)
		}
	default:
		o.log.Debug("ignoring state update", "key", p.Key)
	}
}

func (o *Orchestrator) protocolError(ctx context.Context, err error) {
	o.cfg.Metrics.ProtocolErrors.Add(ctx, 1)
	o.log.Warn("data channel protocol violation", "error", err)
}

// ─── Outbound helpers ─────────────────────────────────────────────────────────

// broadcastState pushes the turn state to the UI when it changed since the
// last broadcast.
func (o *Orchestrator) broadcastState(ctx context.Context) {
	s := o.ctrl.State().String()
	o.mu.Lock()
	if s == o.lastState {
		o.mu.Unlock()
		return
	}
	o.lastState = s
	o.mu.Unlock()
	o.sendStateUpdate(ctx, "turn_state", s)
}

func (o *Orchestrator) sendMsg(ctx context.Context, msgType string, payload any) {
	env, err := datachan.NewEnvelope(msgType, payload)
	if err != nil {
		o.log.Warn("encoding data message", "type", msgType, "error", err)
		return
	}
	if err := o.sender.Send(ctx, env); err != nil {
		o.log.Debug("sending data message", "type", msgType, "error", err)
	}
}

func (o *Orchestrator) sendTranscription(ctx context.Context, speaker types.Speaker, text string) {
	if text == "" {
		return
	}
	o.sendMsg(ctx, datachan.TypeTranscription, datachan.Transcription{Speaker: speaker, Text: text})
}

func (o *Orchestrator) sendStateUpdate(ctx context.Context, key string, value any) {
	raw, err := json.Marshal(value)
	if err != nil {
		o.log.Warn("encoding state value", "key", key, "error", err)
		return
	}
	o.sendMsg(ctx, datachan.TypeStateUpdate, datachan.StateUpdate{Key: key, Value: raw})
}
