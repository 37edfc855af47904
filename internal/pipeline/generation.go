package pipeline

import (
	"context"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"

	"github.com/axel-sirota/polyglot-rag-assistant-sub002/internal/engine"
	"github.com/axel-sirota/polyglot-rag-assistant-sub002/internal/session"
	"github.com/axel-sirota/polyglot-rag-assistant-sub002/pkg/audio"
	"github.com/axel-sirota/polyglot-rag-assistant-sub002/pkg/datachan"
	"github.com/axel-sirota/polyglot-rag-assistant-sub002/pkg/types"
)

// generation tracks one assistant response from the moment a final user
// transcript (or injected text) kicks it off until its audio has fully played
// out. Guarded by the orchestrator mutex.
type generation struct {
	respID string
	itemID string

	startedAt  time.Time
	firstDelta bool
	firstAudio bool

	thinkingID    string
	thinkingTimer *time.Timer
	softTimer     *time.Timer
	gapTimer      *time.Timer

	// text is everything streamed so far; pending is the tail not yet
	// flushed as a speakable chunk; synced is what pre_speech_text has
	// already pushed to the UI.
	text    strings.Builder
	pending strings.Builder
	synced  strings.Builder

	finalText string

	// The first speakable chunk opens the audio gate: frames are held until
	// the UI acknowledged the text or the render-delay window elapsed.
	gateSpeech string
	gateAck    chan struct{}
	gateOpen   chan struct{}
	segStarted bool
	acked      bool
}

// beginGeneration opens response tracking after a final user transcript. The
// engine starts generating on its own; this only arms the thinking indicator
// and the soft-budget notice.
func (o *Orchestrator) beginGeneration() {
	o.mu.Lock()
	o.resetGenerationLocked()
	o.newGenerationLocked()
	o.mu.Unlock()
}

// newGenerationLocked creates and installs a fresh generation. Caller holds mu.
func (o *Orchestrator) newGenerationLocked() *generation {
	gen := &generation{
		startedAt: o.now(),
		gateAck:   make(chan struct{}),
		gateOpen:  make(chan struct{}),
	}
	gen.thinkingTimer = time.AfterFunc(o.cfg.ThinkingDelay, o.showThinking)
	gen.softTimer = time.AfterFunc(o.cfg.SoftBudget, o.softNotice)
	o.gen = gen
	return gen
}

// resetGenerationLocked tears down the current generation's timers and
// forgets it. Caller holds mu.
func (o *Orchestrator) resetGenerationLocked() {
	gen := o.gen
	if gen == nil {
		return
	}
	if gen.thinkingTimer != nil {
		gen.thinkingTimer.Stop()
	}
	if gen.softTimer != nil {
		gen.softTimer.Stop()
	}
	if gen.gapTimer != nil {
		gen.gapTimer.Stop()
	}
	o.gen = nil
	clear(o.ackBySpeech)
}

// showThinking fires when the first delta is late.
func (o *Orchestrator) showThinking() {
	o.mu.Lock()
	gen := o.gen
	if gen == nil || gen.firstDelta || gen.thinkingID != "" {
		o.mu.Unlock()
		return
	}
	id := uuid.NewString()
	gen.thinkingID = id
	lang := o.lock.Language
	o.mu.Unlock()

	o.sendMsg(o.runCtx, datachan.TypeThinking, datachan.Thinking{ID: id, Text: thinkingText(lang)})
}

// hideThinking removes the indicator on the first delta or tool call. The
// indicator is ephemeral UI state and never enters the conversation history.
func (o *Orchestrator) hideThinking(ctx context.Context) {
	o.mu.Lock()
	gen := o.gen
	var id string
	if gen != nil {
		id = gen.thinkingID
		gen.thinkingID = ""
		if gen.thinkingTimer != nil {
			gen.thinkingTimer.Stop()
		}
	}
	o.mu.Unlock()

	if id != "" {
		o.sendMsg(ctx, datachan.TypeHideThinking, datachan.HideThinking{ID: id})
	}
}

// softNotice tells the participant the model is still working once the soft
// budget elapses without a finished reply.
func (o *Orchestrator) softNotice() {
	o.mu.Lock()
	gen := o.gen
	if gen == nil || gen.finalText != "" {
		o.mu.Unlock()
		return
	}
	lang := o.lock.Language
	o.mu.Unlock()

	o.sendTranscription(o.runCtx, types.SpeakerSystem, stillWorkingText(lang))
}

// flushGap fires after a delta-inactivity gap and speaks whatever text is
// buffered, sentence boundary or not.
func (o *Orchestrator) flushGap() {
	o.mu.Lock()
	gen := o.gen
	var chunk string
	if gen != nil {
		chunk = strings.TrimSpace(gen.pending.String())
		gen.pending.Reset()
	}
	o.mu.Unlock()

	if gen != nil && chunk != "" {
		o.emitPreSpeech(o.runCtx, gen, chunk)
	}
}

// markDroppedLocked records that respID was interrupted, superseded, or
// failed: its late-arriving events must be discarded, never bound to a fresh
// generation. The entry is cleared once the response's audio_done lands.
// Caller holds mu.
func (o *Orchestrator) markDroppedLocked(respID string) {
	if respID != "" {
		o.dropped[respID] = struct{}{}
	}
}

// bindGenerationLocked associates the generation with the response named by
// the event, starting a fresh one when the event belongs to a superseding
// response. Caller holds mu; returns nil for events of a dropped response.
func (o *Orchestrator) bindGenerationLocked(respID, itemID string) *generation {
	if _, dropped := o.dropped[respID]; dropped {
		return nil
	}
	gen := o.gen
	if gen == nil {
		gen = o.newGenerationLocked()
	}
	if respID == "" {
		return gen
	}
	if gen.respID == "" {
		gen.respID = respID
		gen.itemID = itemID
		if gen.itemID == "" {
			gen.itemID = respID
		}
		o.ctrl.BeginResponse(gen.respID, gen.itemID)
		return gen
	}
	if gen.respID != respID {
		// A new response supersedes the tracked one; anything still queued
		// under the old ID must not reach the transport.
		o.markDroppedLocked(gen.respID)
		o.resetGenerationLocked()
		gen = o.newGenerationLocked()
		gen.respID = respID
		gen.itemID = itemID
		if gen.itemID == "" {
			gen.itemID = respID
		}
		o.ctrl.BeginResponse(gen.respID, gen.itemID)
	}
	return gen
}

// audioGenerationLocked resolves the generation an audio event belongs to.
// Unlike text deltas, audio never starts or supersedes a generation: frames
// play only for a response the orchestrator is already tracking, so
// late-buffered audio of a dropped or finished response is discarded here.
// Caller holds mu.
func (o *Orchestrator) audioGenerationLocked(respID, itemID string) *generation {
	if _, dropped := o.dropped[respID]; dropped {
		return nil
	}
	gen := o.gen
	if gen == nil {
		return nil
	}
	if respID == "" || gen.respID == respID {
		return gen
	}
	if gen.respID == "" {
		gen.respID = respID
		gen.itemID = itemID
		if gen.itemID == "" {
			gen.itemID = respID
		}
		o.ctrl.BeginResponse(gen.respID, gen.itemID)
		return gen
	}
	return nil
}

func (o *Orchestrator) handleAssistantDelta(ctx context.Context, ev engine.Event) {
	o.mu.Lock()
	gen := o.bindGenerationLocked(ev.ResponseID, ev.ItemID)
	if gen == nil {
		o.mu.Unlock()
		return
	}
	first := !gen.firstDelta
	gen.firstDelta = true
	gen.text.WriteString(ev.Text)
	gen.pending.WriteString(ev.Text)

	chunks, rest := splitSentences(gen.pending.String())
	gen.pending.Reset()
	gen.pending.WriteString(rest)

	if gen.gapTimer != nil {
		gen.gapTimer.Stop()
	}
	gen.gapTimer = time.AfterFunc(o.cfg.ChunkGap, o.flushGap)
	o.mu.Unlock()

	if first {
		o.hideThinking(ctx)
	}
	for _, chunk := range chunks {
		o.emitPreSpeech(ctx, gen, chunk)
	}
}

// emitPreSpeech runs the pre-speech text protocol for one speakable chunk:
// assign a speech ID, draw the next persisted sequence number, send the text
// reliably, and for the response's first chunk announce the audio segment and
// start the gate countdown.
func (o *Orchestrator) emitPreSpeech(ctx context.Context, gen *generation, text string) {
	var seq uint64
	if err := o.cfg.Store.Update(ctx, o.cfg.Identity, func(st *session.SessionState) error {
		seq = st.NextPreSpeechSeq()
		return nil
	}); err != nil {
		o.log.Warn("advancing pre-speech sequence", "error", err)
		return
	}

	speechID := uuid.NewString()
	env, err := datachan.NewEnvelope(datachan.TypePreSpeechText, datachan.PreSpeechText{
		SpeechID: speechID,
		Sequence: seq,
		Text:     text,
	})
	if err != nil {
		o.log.Warn("encoding pre-speech text", "error", err)
		return
	}

	o.mu.Lock()
	if o.gen != gen {
		o.mu.Unlock()
		return
	}
	o.ackBySpeech[speechID] = env.MsgID
	first := !gen.segStarted
	if first {
		gen.segStarted = true
		gen.gateSpeech = speechID
	}
	if gen.synced.Len() > 0 {
		gen.synced.WriteString(" ")
	}
	gen.synced.WriteString(text)
	o.mu.Unlock()

	if err := o.sender.SendReliable(ctx, env); err != nil {
		o.log.Warn("sending pre-speech text", "error", err)
	}
	if first {
		o.sendMsg(ctx, datachan.TypeSpeechStarting, datachan.SpeechStarting{SpeechID: speechID})
		go o.openGate(ctx, gen)
	}
}

// openGate releases the response's audio after the UI acknowledged the text,
// but never before the minimum render delay and never later than the cap.
func (o *Orchestrator) openGate(ctx context.Context, gen *generation) {
	start := o.now()
	deadline := time.NewTimer(o.cfg.TextGateCap)
	defer deadline.Stop()
	select {
	case <-gen.gateAck:
	case <-deadline.C:
	case <-ctx.Done():
		return
	}
	if rem := o.cfg.MinTextRenderDelay - o.now().Sub(start); rem > 0 {
		select {
		case <-time.After(rem):
		case <-ctx.Done():
			return
		}
	}
	close(gen.gateOpen)
}

func (o *Orchestrator) handleAudio(ctx context.Context, ev engine.Event) {
	o.mu.Lock()
	gen := o.audioGenerationLocked(ev.ResponseID, ev.ItemID)
	if gen == nil {
		o.mu.Unlock()
		return
	}
	if !gen.segStarted {
		// Audio ahead of any speakable text: nothing to render, open the
		// segment immediately.
		gen.segStarted = true
		gen.gateSpeech = uuid.NewString()
		close(gen.gateOpen)
	}
	gate := gen.gateOpen
	startAt := o.speechStartAt
	o.mu.Unlock()

	select {
	case <-gate:
	case <-ctx.Done():
		return
	}

	o.mu.Lock()
	if o.gen != gen {
		// Barged in while the gate was closed; the response's audio is dropped.
		o.mu.Unlock()
		return
	}
	first := !gen.firstAudio
	gen.firstAudio = true
	o.mu.Unlock()

	pcm := ev.PCM
	if o.outRs != nil {
		var err error
		if pcm, err = o.outRs.Process(pcm); err != nil {
			o.log.Warn("output resample", "error", err)
			return
		}
	}
	o.ctrl.ApplyGain(pcm)
	if err := o.cfg.Room.SendAudio(o.cfg.Identity, audio.Frame{
		Data:       pcm,
		SampleRate: o.cfg.TransportRate,
		Channels:   1,
	}); err != nil {
		o.cfg.Metrics.RecordDroppedFrames(ctx, "out", 1)
		o.log.Debug("sending assistant audio", "error", err)
		return
	}
	o.ctrl.OnAudioDelivered(len(pcm) / 2)

	if first {
		if !startAt.IsZero() {
			o.cfg.Metrics.SpeechToFirstAudio.Record(ctx, o.now().Sub(startAt).Seconds())
		}
		o.broadcastState(ctx)
	}
}

func (o *Orchestrator) handleAssistantDone(ctx context.Context, ev engine.Event) {
	o.mu.Lock()
	if _, dropped := o.dropped[ev.ResponseID]; dropped {
		o.mu.Unlock()
		return
	}
	gen := o.gen
	if gen == nil || (ev.ResponseID != "" && gen.respID != "" && ev.ResponseID != gen.respID) {
		o.mu.Unlock()
		return
	}
	if gen.softTimer != nil {
		gen.softTimer.Stop()
	}
	if gen.gapTimer != nil {
		gen.gapTimer.Stop()
	}
	remainder := strings.TrimSpace(gen.pending.String())
	gen.pending.Reset()
	gen.finalText = ev.Text
	if gen.finalText == "" {
		gen.finalText = gen.text.String()
	}
	startedAt := gen.startedAt
	o.mu.Unlock()

	if remainder != "" {
		o.emitPreSpeech(ctx, gen, remainder)
	}
	o.cfg.Metrics.LLMDuration.Record(ctx, o.now().Sub(startedAt).Seconds())
}

// handleAudioDone finalizes the assistant turn: record it in the session
// history and emit the finished transcript line unless pre-speech text
// already synchronized the identical text.
func (o *Orchestrator) handleAudioDone(ctx context.Context, ev engine.Event) {
	o.mu.Lock()
	if _, dropped := o.dropped[ev.ResponseID]; dropped {
		// The interrupted response's event stream has fully played out.
		delete(o.dropped, ev.ResponseID)
		o.mu.Unlock()
		return
	}
	gen := o.gen
	if gen == nil || (ev.ResponseID != "" && gen.respID != "" && ev.ResponseID != gen.respID) {
		o.mu.Unlock()
		return
	}
	final := gen.finalText
	if final == "" {
		final = gen.text.String()
	}
	synced := gen.synced.String()
	respID := gen.respID
	o.resetGenerationLocked()
	o.mu.Unlock()

	o.ctrl.OnResponseDone()
	o.broadcastState(ctx)
	if final == "" {
		return
	}

	if err := o.cfg.Store.Update(ctx, o.cfg.Identity, func(st *session.SessionState) error {
		st.AppendTurn(types.SpeakerAssistant, final)
		st.History[len(st.History)-1].ResponseID = respID
		return nil
	}); err != nil {
		o.log.Warn("recording assistant turn", "error", err)
	}
	if final != synced {
		o.sendTranscription(ctx, types.SpeakerAssistant, final)
	}
}

// splitSentences cuts s into complete sentences, returning the unfinished
// tail. A sentence ends at '.', '!', or '?' followed by whitespace.
func splitSentences(s string) (chunks []string, rest string) {
	runes := []rune(s)
	start := 0
	for i := 0; i < len(runes)-1; i++ {
		if isSentenceEnd(runes[i]) && unicode.IsSpace(runes[i+1]) {
			if chunk := strings.TrimSpace(string(runes[start : i+1])); chunk != "" {
				chunks = append(chunks, chunk)
			}
			start = i + 1
		}
	}
	return chunks, string(runes[start:])
}

func isSentenceEnd(r rune) bool {
	return r == '.' || r == '!' || r == '?'
}
