package tools

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/axel-sirota/polyglot-rag-assistant-sub002/pkg/types"
)

// echoSchema accepts {"text": string} and requires text.
func echoSchema() *jsonschema.Schema {
	return &jsonschema.Schema{
		Type:     "object",
		Required: []string{"text"},
		Properties: map[string]*jsonschema.Schema{
			"text": {Type: "string"},
		},
	}
}

func newEchoRegistry(t *testing.T, calls *int) *Registry {
	t.Helper()
	reg := NewRegistry()
	err := reg.Register("echo", "echoes its input", echoSchema(),
		func(_ context.Context, raw json.RawMessage) (any, error) {
			if calls != nil {
				*calls++
			}
			var args struct {
				Text string `json:"text"`
			}
			if err := json.Unmarshal(raw, &args); err != nil {
				return nil, err
			}
			return args.Text, nil
		})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	return reg
}

func TestRegistry_Register_Duplicate(t *testing.T) {
	t.Parallel()
	reg := newEchoRegistry(t, nil)

	err := reg.Register("echo", "dup", echoSchema(),
		func(context.Context, json.RawMessage) (any, error) { return nil, nil })
	if err == nil {
		t.Fatal("expected error for duplicate registration")
	}
}

func TestRegistry_Register_NilHandler(t *testing.T) {
	t.Parallel()
	reg := NewRegistry()
	if err := reg.Register("x", "", echoSchema(), nil); err == nil {
		t.Fatal("expected error for nil handler")
	}
}

func TestRegistry_Definitions(t *testing.T) {
	t.Parallel()
	reg := newEchoRegistry(t, nil)

	defs := reg.Definitions()
	if len(defs) != 1 {
		t.Fatalf("definitions = %d, want 1", len(defs))
	}
	if defs[0].Name != "echo" {
		t.Errorf("name = %q, want echo", defs[0].Name)
	}
	if defs[0].Parameters["type"] != "object" {
		t.Errorf("parameters type = %v, want object", defs[0].Parameters["type"])
	}
}

func TestRegistry_Invoke_Success(t *testing.T) {
	t.Parallel()
	reg := newEchoRegistry(t, nil)

	res, err := reg.Invoke(context.Background(), types.ToolCall{
		ID:        "call-1",
		Name:      "echo",
		Arguments: `{"text":"hello"}`,
	})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if res.Status != types.ToolCallOK {
		t.Errorf("status = %q, want ok", res.Status)
	}
	if res.Content != "hello" {
		t.Errorf("content = %v, want hello", res.Content)
	}
	if res.CallID != "call-1" {
		t.Errorf("call_id = %q, want call-1", res.CallID)
	}
}

func TestRegistry_Invoke_UnknownTool(t *testing.T) {
	t.Parallel()
	reg := newEchoRegistry(t, nil)

	res, err := reg.Invoke(context.Background(), types.ToolCall{
		ID: "c", Name: "missing", Arguments: "{}",
	})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if res.Status != types.ToolCallError || res.Error == nil {
		t.Fatalf("result = %+v, want structured error", res)
	}
	if res.Error.Type != ErrTypeUnknownTool {
		t.Errorf("error type = %q, want %q", res.Error.Type, ErrTypeUnknownTool)
	}
}

func TestRegistry_Invoke_ValidationSkipsBackend(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		args string
	}{
		{"malformed_json", `{"text":`},
		{"missing_required", `{}`},
		{"wrong_type", `{"text":42}`},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			calls := 0
			reg := newEchoRegistry(t, &calls)

			res, err := reg.Invoke(context.Background(), types.ToolCall{
				ID: "c", Name: "echo", Arguments: tc.args,
			})
			if err != nil {
				t.Fatalf("Invoke: %v", err)
			}
			if res.Status != types.ToolCallError || res.Error == nil {
				t.Fatalf("result = %+v, want structured error", res)
			}
			if res.Error.Type != ErrTypeInvalidArgs {
				t.Errorf("error type = %q, want %q", res.Error.Type, ErrTypeInvalidArgs)
			}
			if calls != 0 {
				t.Error("handler was called despite invalid arguments")
			}
		})
	}
}

func TestRegistry_Invoke_HandlerError(t *testing.T) {
	t.Parallel()
	reg := NewRegistry()
	_ = reg.Register("boom", "", echoSchema(),
		func(context.Context, json.RawMessage) (any, error) {
			return nil, errors.New("backend down")
		})

	res, err := reg.Invoke(context.Background(), types.ToolCall{
		ID: "c", Name: "boom", Arguments: `{"text":"x"}`,
	})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if res.Error == nil || res.Error.Type != ErrTypeExecution {
		t.Fatalf("result = %+v, want execution error", res)
	}
	if !strings.Contains(res.Error.Message, "backend down") {
		t.Errorf("message = %q, want cause included", res.Error.Message)
	}
}

func TestRegistry_Invoke_ContextCancelled(t *testing.T) {
	t.Parallel()
	reg := NewRegistry()
	_ = reg.Register("slow", "", echoSchema(),
		func(ctx context.Context, _ json.RawMessage) (any, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := reg.Invoke(ctx, types.ToolCall{ID: "c", Name: "slow", Arguments: `{"text":"x"}`})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestResult_LLMContent(t *testing.T) {
	t.Parallel()
	res := Result{
		CallID: "c1",
		Name:   "echo",
		Status: types.ToolCallError,
		Error:  &ToolError{Type: ErrTypeExecution, Message: "nope"},
	}

	var decoded Result
	if err := json.Unmarshal([]byte(res.LLMContent()), &decoded); err != nil {
		t.Fatalf("LLMContent is not valid JSON: %v", err)
	}
	if decoded.Error == nil || decoded.Error.Message != "nope" {
		t.Errorf("decoded = %+v", decoded)
	}
}
