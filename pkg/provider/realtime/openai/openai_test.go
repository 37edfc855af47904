package openai_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/axel-sirota/polyglot-rag-assistant-sub002/pkg/provider/realtime"
	"github.com/axel-sirota/polyglot-rag-assistant-sub002/pkg/provider/realtime/openai"
	"github.com/axel-sirota/polyglot-rag-assistant-sub002/pkg/types"
)

// ── Helpers ───────────────────────────────────────────────────────────────────

// wsURL converts an httptest server HTTP URL to a WebSocket URL.
func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// startRealtimeServer launches a test WebSocket server. The handler receives
// the accepted conn. The server is automatically closed when the test
// finishes.
func startRealtimeServer(t *testing.T, handler func(conn *websocket.Conn, r *http.Request)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			InsecureSkipVerify: true,
		})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")
		handler(conn, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

// readJSON reads one WebSocket text frame and decodes it into v.
func readJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("readJSON: %v", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("readJSON unmarshal: %v", err)
	}
}

// writeJSON marshals v and sends it as a text frame.
func writeJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	data, _ := json.Marshal(v)
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Logf("writeJSON: %v (may be expected on close)", err)
	}
}

// connect dials the test server and registers cleanup for the handle.
func connect(t *testing.T, srv *httptest.Server, cfg realtime.SessionConfig) realtime.SessionHandle {
	t.Helper()
	p := openai.New("key", openai.WithBaseURL(wsURL(srv)))
	handle, err := p.Connect(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { handle.Close() })
	return handle
}

// ── Connection tests ──────────────────────────────────────────────────────────

func TestConnect_SendsSessionUpdateWithLanguage(t *testing.T) {
	t.Parallel()

	got := make(chan map[string]any, 1)
	srv := startRealtimeServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		got <- raw
		<-conn.CloseRead(context.Background()).Done()
	})

	connect(t, srv, realtime.SessionConfig{
		Voice:        types.VoiceProfile{ID: "coral"},
		Instructions: "You are a flight search assistant.",
		Language:     "es",
		Tools: []types.ToolDefinition{
			{Name: "search_flights", Description: "Search flights", Parameters: map[string]any{"type": "object"}},
		},
	})

	select {
	case raw := <-got:
		if raw["type"] != "session.update" {
			t.Fatalf("first message type = %v; want session.update", raw["type"])
		}
		sess, _ := raw["session"].(map[string]any)
		if sess["voice"] != "coral" {
			t.Errorf("voice = %v; want coral", sess["voice"])
		}
		if sess["input_audio_format"] != "pcm16" || sess["output_audio_format"] != "pcm16" {
			t.Error("audio formats must both be pcm16")
		}
		tx, _ := sess["input_audio_transcription"].(map[string]any)
		if tx == nil || tx["language"] != "es" {
			t.Errorf("transcription language = %v; want es", tx)
		}
		tools, _ := sess["tools"].([]any)
		if len(tools) != 1 {
			t.Fatalf("tools count = %d; want 1", len(tools))
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for session.update")
	}
}

func TestConnect_ModelInURL(t *testing.T) {
	t.Parallel()

	modelInURL := make(chan string, 1)
	srv := startRealtimeServer(t, func(conn *websocket.Conn, r *http.Request) {
		modelInURL <- r.URL.Query().Get("model")
		var raw map[string]any
		readJSON(t, conn, &raw)
		<-conn.CloseRead(context.Background()).Done()
	})

	p := openai.New("key", openai.WithModel("gpt-4o-mini-realtime"), openai.WithBaseURL(wsURL(srv)))
	handle, err := p.Connect(context.Background(), realtime.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer handle.Close()

	select {
	case m := <-modelInURL:
		if m != "gpt-4o-mini-realtime" {
			t.Errorf("model in URL = %q; want gpt-4o-mini-realtime", m)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout")
	}
}

func TestCapabilities_NonEmpty(t *testing.T) {
	t.Parallel()
	p := openai.New("key")
	caps := p.Capabilities()
	if caps.ContextWindow == 0 {
		t.Error("ContextWindow should be non-zero")
	}
	if caps.InputSampleRate != 24000 || caps.OutputSampleRate != 24000 {
		t.Errorf("sample rates = %d/%d; want 24000/24000", caps.InputSampleRate, caps.OutputSampleRate)
	}
	if len(caps.Voices) == 0 {
		t.Error("Voices should be non-empty")
	}
}

// ── Server event routing ──────────────────────────────────────────────────────

func TestSession_AudioDeltaCarriesIDs(t *testing.T) {
	t.Parallel()

	pcm := []byte{0x01, 0x02, 0x03, 0x04}
	srv := startRealtimeServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		writeJSON(t, conn, map[string]any{
			"type":        "response.audio.delta",
			"response_id": "resp-1",
			"item_id":     "item-1",
			"delta":       base64.StdEncoding.EncodeToString(pcm),
		})
		<-conn.CloseRead(context.Background()).Done()
	})

	handle := connect(t, srv, realtime.SessionConfig{})

	select {
	case delta := <-handle.Audio():
		if delta.ResponseID != "resp-1" || delta.ItemID != "item-1" {
			t.Errorf("IDs = %q/%q; want resp-1/item-1", delta.ResponseID, delta.ItemID)
		}
		if string(delta.PCM) != string(pcm) {
			t.Errorf("PCM = %v; want %v", delta.PCM, pcm)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for audio delta")
	}
}

func TestSession_TranscriptsAndSpeechEvents(t *testing.T) {
	t.Parallel()

	srv := startRealtimeServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		writeJSON(t, conn, map[string]any{"type": "input_audio_buffer.speech_started", "audio_start_ms": 1200})
		writeJSON(t, conn, map[string]any{"type": "input_audio_buffer.speech_stopped", "audio_end_ms": 2400})
		writeJSON(t, conn, map[string]any{
			"type":       "conversation.item.input_audio_transcription.completed",
			"transcript": "flights to madrid",
		})
		writeJSON(t, conn, map[string]any{"type": "response.audio_transcript.delta", "response_id": "r1", "delta": "I found "})
		writeJSON(t, conn, map[string]any{"type": "response.audio_transcript.delta", "response_id": "r1", "delta": "3 flights."})
		writeJSON(t, conn, map[string]any{"type": "response.audio_transcript.done", "response_id": "r1"})
		<-conn.CloseRead(context.Background()).Done()
	})

	handle := connect(t, srv, realtime.SessionConfig{})

	for _, want := range []realtime.SpeechEvent{
		{Type: realtime.SpeechStarted, AudioMs: 1200},
		{Type: realtime.SpeechStopped, AudioMs: 2400},
	} {
		select {
		case ev := <-handle.SpeechEvents():
			if ev != want {
				t.Errorf("speech event = %+v; want %+v", ev, want)
			}
		case <-time.After(3 * time.Second):
			t.Fatal("timeout waiting for speech event")
		}
	}

	// User final, two assistant deltas, then the assistant final.
	var finals []realtime.TranscriptEvent
	deadline := time.After(3 * time.Second)
	for len(finals) < 2 {
		select {
		case ev := <-handle.Transcripts():
			if ev.Final {
				finals = append(finals, ev)
			}
		case <-deadline:
			t.Fatal("timeout waiting for transcripts")
		}
	}

	if finals[0].Speaker != types.SpeakerUser || finals[0].Text != "flights to madrid" {
		t.Errorf("user final = %+v", finals[0])
	}
	if finals[1].Speaker != types.SpeakerAssistant || finals[1].Text != "I found 3 flights." || finals[1].ResponseID != "r1" {
		t.Errorf("assistant final = %+v", finals[1])
	}
}

func TestSession_FunctionCallRoundTrip(t *testing.T) {
	t.Parallel()

	serverGot := make(chan map[string]any, 4)
	srv := startRealtimeServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw) // session.update
		writeJSON(t, conn, map[string]any{
			"type":      "response.function_call_arguments.done",
			"call_id":   "call-1",
			"name":      "search_flights",
			"arguments": `{"origin":"JFK"}`,
		})
		// Expect function_call_output then response.create.
		for i := 0; i < 2; i++ {
			var msg map[string]any
			readJSON(t, conn, &msg)
			serverGot <- msg
		}
		<-conn.CloseRead(context.Background()).Done()
	})

	handle := connect(t, srv, realtime.SessionConfig{})

	called := make(chan struct{})
	handle.OnToolCall(func(name, args string) (string, error) {
		defer close(called)
		if name != "search_flights" || args != `{"origin":"JFK"}` {
			t.Errorf("tool call = %s(%s)", name, args)
		}
		return `{"flights":[]}`, nil
	})

	select {
	case <-called:
	case <-time.After(3 * time.Second):
		t.Fatal("tool handler never invoked")
	}

	first := <-serverGot
	if first["type"] != "conversation.item.create" {
		t.Fatalf("first reply type = %v; want conversation.item.create", first["type"])
	}
	item, _ := first["item"].(map[string]any)
	if item["type"] != "function_call_output" || item["call_id"] != "call-1" || item["output"] != `{"flights":[]}` {
		t.Errorf("function call output item = %+v", item)
	}
	second := <-serverGot
	if second["type"] != "response.create" {
		t.Errorf("second reply type = %v; want response.create", second["type"])
	}
}

// ── Control messages ──────────────────────────────────────────────────────────

func TestSession_ControlMessages(t *testing.T) {
	t.Parallel()

	serverGot := make(chan map[string]any, 8)
	srv := startRealtimeServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw) // session.update
		for {
			var msg map[string]any
			ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			_, data, err := conn.Read(ctx)
			cancel()
			if err != nil {
				return
			}
			if json.Unmarshal(data, &msg) == nil {
				serverGot <- msg
			}
		}
	})

	handle := connect(t, srv, realtime.SessionConfig{})

	if err := handle.SendAudio([]byte{0xAA, 0xBB}); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}
	if err := handle.CancelResponse(); err != nil {
		t.Fatalf("CancelResponse: %v", err)
	}
	if err := handle.TruncateAssistantAudio("item-9", 1850); err != nil {
		t.Fatalf("TruncateAssistantAudio: %v", err)
	}
	if err := handle.ClearInputBuffer(); err != nil {
		t.Fatalf("ClearInputBuffer: %v", err)
	}

	wantTypes := []string{
		"input_audio_buffer.append",
		"response.cancel",
		"conversation.item.truncate",
		"input_audio_buffer.clear",
	}
	for _, want := range wantTypes {
		select {
		case msg := <-serverGot:
			if msg["type"] != want {
				t.Errorf("message type = %v; want %s", msg["type"], want)
			}
			switch want {
			case "input_audio_buffer.append":
				decoded, err := base64.StdEncoding.DecodeString(msg["audio"].(string))
				if err != nil || string(decoded) != string([]byte{0xAA, 0xBB}) {
					t.Errorf("audio payload mismatch: %v (%v)", msg["audio"], err)
				}
			case "conversation.item.truncate":
				if msg["item_id"] != "item-9" || msg["audio_end_ms"] != float64(1850) {
					t.Errorf("truncate payload = %+v", msg)
				}
			}
		case <-time.After(3 * time.Second):
			t.Fatalf("timeout waiting for %s", want)
		}
	}
}

func TestSession_SendAudioAfterClose(t *testing.T) {
	t.Parallel()

	srv := startRealtimeServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		<-conn.CloseRead(context.Background()).Done()
	})

	handle := connect(t, srv, realtime.SessionConfig{})
	if err := handle.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := handle.SendAudio([]byte{1, 2}); err == nil {
		t.Error("SendAudio after Close: want error, got nil")
	}
	// Close is idempotent.
	if err := handle.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}
