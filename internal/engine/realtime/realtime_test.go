package realtime

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/axel-sirota/polyglot-rag-assistant-sub002/internal/engine"
	"github.com/axel-sirota/polyglot-rag-assistant-sub002/pkg/provider/realtime"
	rtmock "github.com/axel-sirota/polyglot-rag-assistant-sub002/pkg/provider/realtime/mock"
	"github.com/axel-sirota/polyglot-rag-assistant-sub002/pkg/types"
)

type testRig struct {
	provider *rtmock.Provider
	handle   *rtmock.Session
	sess     engine.Session
}

func newTestRig(t *testing.T, cfg engine.SessionConfig) *testRig {
	t.Helper()

	handle := rtmock.NewSession()
	provider := &rtmock.Provider{Session: handle}
	eng, err := New(Config{Provider: provider})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if cfg.Identity == "" {
		cfg.Identity = "participant-1"
	}
	if cfg.Language == "" {
		cfg.Language = "en"
	}
	sess, err := eng.Open(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { sess.Close() })
	return &testRig{provider: provider, handle: handle, sess: sess}
}

func waitEvent(t *testing.T, ch <-chan engine.Event) engine.Event {
	t.Helper()
	select {
	case ev, ok := <-ch:
		if !ok {
			t.Fatal("event channel closed unexpectedly")
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return engine.Event{}
}

func TestOpen_PassesSessionConfig(t *testing.T) {
	t.Parallel()

	voice := types.VoiceProfile{ID: "alloy", Language: "en"}
	tools := []types.ToolDefinition{{Name: "search_flights"}}
	r := newTestRig(t, engine.SessionConfig{
		Language:     "es",
		Instructions: "be helpful",
		Voice:        voice,
		Tools:        tools,
	})

	if len(r.provider.ConnectCalls) != 1 {
		t.Fatalf("Connect calls = %d, want 1", len(r.provider.ConnectCalls))
	}
	cfg := r.provider.ConnectCalls[0].Cfg
	if cfg.Language != "es" || cfg.Instructions != "be helpful" {
		t.Errorf("config = %+v", cfg)
	}
	if cfg.Voice.ID != "alloy" || len(cfg.Tools) != 1 {
		t.Errorf("voice/tools not forwarded: %+v", cfg)
	}
}

func TestOpen_SeedsHistoryAsContext(t *testing.T) {
	t.Parallel()

	r := newTestRig(t, engine.SessionConfig{
		History: []types.Message{
			{Role: "user", Content: "flights to madrid"},
			{Role: "assistant", Content: "When would you like to travel?"},
		},
	})

	if len(r.handle.InjectCalls) != 1 {
		t.Fatalf("inject calls = %d, want 1", len(r.handle.InjectCalls))
	}
	items := r.handle.InjectCalls[0]
	if len(items) != 2 || items[0].Role != "user" || items[1].Role != "assistant" {
		t.Errorf("items = %+v", items)
	}
}

func TestAudioDeltasForwarded(t *testing.T) {
	t.Parallel()

	r := newTestRig(t, engine.SessionConfig{})
	r.handle.AudioCh <- realtime.AudioDelta{ResponseID: "resp-1", ItemID: "item-1", PCM: []byte{9, 9}}

	ev := waitEvent(t, r.sess.Events())
	if ev.Type != engine.EventAudio {
		t.Fatalf("event = %v, want audio", ev.Type)
	}
	if ev.ResponseID != "resp-1" || ev.ItemID != "item-1" || len(ev.PCM) != 2 {
		t.Errorf("event = %+v", ev)
	}
}

func TestTranscriptMapping(t *testing.T) {
	t.Parallel()

	r := newTestRig(t, engine.SessionConfig{})

	r.handle.TranscriptsCh <- realtime.TranscriptEvent{Speaker: types.SpeakerUser, Text: "book a fl"}
	ev := waitEvent(t, r.sess.Events())
	if ev.Type != engine.EventUserPartial || ev.Transcript.Text != "book a fl" {
		t.Fatalf("event = %+v, want user_partial", ev)
	}

	r.handle.TranscriptsCh <- realtime.TranscriptEvent{Speaker: types.SpeakerUser, Text: "book a flight", Final: true}
	ev = waitEvent(t, r.sess.Events())
	if ev.Type != engine.EventUserFinal || !ev.Transcript.IsFinal {
		t.Fatalf("event = %+v, want user_final", ev)
	}

	r.handle.TranscriptsCh <- realtime.TranscriptEvent{Speaker: types.SpeakerAssistant, Text: "Sure, ", ResponseID: "resp-1"}
	ev = waitEvent(t, r.sess.Events())
	if ev.Type != engine.EventAssistantDelta || ev.ResponseID != "resp-1" {
		t.Fatalf("event = %+v, want assistant_delta resp-1", ev)
	}

	r.handle.TranscriptsCh <- realtime.TranscriptEvent{Speaker: types.SpeakerAssistant, Text: "Sure, where to?", Final: true, ResponseID: "resp-1"}
	ev = waitEvent(t, r.sess.Events())
	if ev.Type != engine.EventAssistantDone || ev.Text != "Sure, where to?" {
		t.Fatalf("event = %+v, want assistant_done", ev)
	}
	ev = waitEvent(t, r.sess.Events())
	if ev.Type != engine.EventAudioDone || ev.ResponseID != "resp-1" {
		t.Fatalf("event = %+v, want audio_done resp-1", ev)
	}
}

func TestSpeechBoundariesForwarded(t *testing.T) {
	t.Parallel()

	r := newTestRig(t, engine.SessionConfig{})

	r.handle.SpeechCh <- realtime.SpeechEvent{Type: realtime.SpeechStarted, AudioMs: 1200}
	ev := waitEvent(t, r.sess.Events())
	if ev.Type != engine.EventSpeechStarted || ev.AudioMs != 1200 {
		t.Fatalf("event = %+v, want speech_started@1200", ev)
	}

	r.handle.SpeechCh <- realtime.SpeechEvent{Type: realtime.SpeechStopped, AudioMs: 3400}
	ev = waitEvent(t, r.sess.Events())
	if ev.Type != engine.EventSpeechStopped || ev.AudioMs != 3400 {
		t.Fatalf("event = %+v, want speech_stopped@3400", ev)
	}
}

func TestToolCallBridge(t *testing.T) {
	t.Parallel()

	var got types.ToolCall
	r := newTestRig(t, engine.SessionConfig{
		OnToolCall: func(_ context.Context, call types.ToolCall) (string, error) {
			got = call
			return `{"status":"success"}`, nil
		},
	})

	if r.handle.Handler == nil {
		t.Fatal("no provider tool handler registered")
	}
	result, err := r.handle.Handler("search_flights", `{"origin":"MIA"}`)
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	if result != `{"status":"success"}` {
		t.Errorf("result = %q", result)
	}
	if got.Name != "search_flights" || got.Arguments != `{"origin":"MIA"}` {
		t.Errorf("call = %+v", got)
	}
	if got.ID == "" {
		t.Error("bridge assigned no call ID")
	}

	ev := waitEvent(t, r.sess.Events())
	if ev.Type != engine.EventToolCallStarted || ev.ToolCall.Name != "search_flights" {
		t.Fatalf("event = %+v, want tool_call_started", ev)
	}
	ev = waitEvent(t, r.sess.Events())
	if ev.Type != engine.EventToolCallDone || ev.ToolStatus != types.ToolCallOK {
		t.Fatalf("event = %+v, want tool_call_done ok", ev)
	}
}

func TestToolCallBridge_NoHandler(t *testing.T) {
	t.Parallel()

	r := newTestRig(t, engine.SessionConfig{})

	_, err := r.handle.Handler("search_flights", `{}`)
	if err == nil {
		t.Fatal("expected error without a registered handler")
	}

	waitEvent(t, r.sess.Events()) // started
	ev := waitEvent(t, r.sess.Events())
	if ev.Type != engine.EventToolCallDone || ev.ToolStatus != types.ToolCallError {
		t.Fatalf("event = %+v, want tool_call_done error", ev)
	}
}

func TestCancelAndTruncateDelegate(t *testing.T) {
	t.Parallel()

	r := newTestRig(t, engine.SessionConfig{})

	if err := r.sess.Cancel(); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if r.handle.CancelCallCount != 1 {
		t.Errorf("cancel calls = %d, want 1", r.handle.CancelCallCount)
	}

	if err := r.sess.Truncate("item-1", 2400); err != nil {
		t.Fatalf("Truncate: %v", err)
	}
	if len(r.handle.TruncateCalls) != 1 || r.handle.TruncateCalls[0].AudioEndMs != 2400 {
		t.Errorf("truncate calls = %+v", r.handle.TruncateCalls)
	}

	if err := r.sess.ClearInput(); err != nil {
		t.Fatalf("ClearInput: %v", err)
	}
	if r.handle.ClearCallCount != 1 {
		t.Errorf("clear input calls = %d, want 1", r.handle.ClearCallCount)
	}
}

func TestAssistantFinalFlushesQueuedAudioFirst(t *testing.T) {
	t.Parallel()

	r := newTestRig(t, engine.SessionConfig{})

	// Two audio deltas sit in the provider's audio channel when the
	// assistant final lands. The bridge must forward both before closing out
	// the response with audio_done.
	r.handle.AudioCh <- realtime.AudioDelta{ResponseID: "resp-1", ItemID: "item-1", PCM: []byte{1, 1}}
	r.handle.AudioCh <- realtime.AudioDelta{ResponseID: "resp-1", ItemID: "item-1", PCM: []byte{2, 2}}
	r.handle.TranscriptsCh <- realtime.TranscriptEvent{
		Speaker: types.SpeakerAssistant, Text: "Here you go.", Final: true, ResponseID: "resp-1",
	}

	var audioSeen int
	for {
		ev := waitEvent(t, r.sess.Events())
		switch ev.Type {
		case engine.EventAudio:
			audioSeen++
		case engine.EventAssistantDone:
		case engine.EventAudioDone:
			if audioSeen != 2 {
				t.Fatalf("audio_done after %d audio deltas, want 2", audioSeen)
			}
			return
		default:
			t.Fatalf("unexpected event %v", ev.Type)
		}
	}
}

func TestSendText_InjectsAndMirrors(t *testing.T) {
	t.Parallel()

	r := newTestRig(t, engine.SessionConfig{})
	if err := r.sess.SendText("find flights to madrid"); err != nil {
		t.Fatalf("SendText: %v", err)
	}

	if len(r.handle.InjectCalls) != 1 {
		t.Fatalf("inject calls = %d, want 1", len(r.handle.InjectCalls))
	}
	item := r.handle.InjectCalls[0][0]
	if item.Role != "user" || item.Content != "find flights to madrid" {
		t.Errorf("item = %+v", item)
	}

	ev := waitEvent(t, r.sess.Events())
	if ev.Type != engine.EventUserFinal || ev.Transcript.Text != "find flights to madrid" {
		t.Errorf("event = %+v, want mirrored user_final", ev)
	}
}

func TestSetLanguage_SteersViaSystemContext(t *testing.T) {
	t.Parallel()

	r := newTestRig(t, engine.SessionConfig{})
	if err := r.sess.SetLanguage("es"); err != nil {
		t.Fatalf("SetLanguage: %v", err)
	}

	if len(r.handle.InjectCalls) != 1 {
		t.Fatalf("inject calls = %d, want 1", len(r.handle.InjectCalls))
	}
	item := r.handle.InjectCalls[0][0]
	if item.Role != "system" || !strings.Contains(item.Content, "es") {
		t.Errorf("item = %+v, want system language note", item)
	}
}

func TestSessionErrorSurfaced(t *testing.T) {
	t.Parallel()

	r := newTestRig(t, engine.SessionConfig{})
	r.handle.ErrVal = errors.New("websocket closed")
	close(r.handle.AudioCh)

	ev := waitEvent(t, r.sess.Events())
	if ev.Type != engine.EventError {
		t.Fatalf("event = %v, want error", ev.Type)
	}
	if !strings.Contains(ev.Err.Error(), "websocket closed") {
		t.Errorf("err = %v", ev.Err)
	}
	if r.sess.Err() == nil {
		t.Error("Err() = nil after fatal session error")
	}
}

func TestClose_DelegatesAndClosesEvents(t *testing.T) {
	t.Parallel()

	r := newTestRig(t, engine.SessionConfig{})
	if err := r.sess.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := r.sess.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if r.handle.CloseCallCount != 1 {
		t.Errorf("provider closes = %d, want 1", r.handle.CloseCallCount)
	}

	select {
	case _, ok := <-r.sess.Events():
		if ok {
			t.Error("event emitted after close")
		}
	case <-time.After(time.Second):
		t.Error("events channel not closed")
	}
}
