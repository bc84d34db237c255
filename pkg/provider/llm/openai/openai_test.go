package openai

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/MrWong99/attune/pkg/provider/llm"
)

func TestConvertMessage(t *testing.T) {
	tests := []struct {
		name    string
		msg     llm.Message
		check   func(t *testing.T, got any)
		wantErr bool
	}{
		{name: "system", msg: llm.Message{Role: llm.RoleSystem, Content: "Be kind."}},
		{name: "user", msg: llm.Message{Role: llm.RoleUser, Content: "Hello"}},
		{name: "assistant", msg: llm.Message{Role: llm.RoleAssistant, Content: "Hi"}},
		{name: "tool", msg: llm.Message{Role: llm.RoleTool, Content: "{}", ToolCallID: "call_1"}},
		{name: "unknown", msg: llm.Message{Role: "narrator"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := convertMessage(tt.msg)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			var set bool
			switch tt.msg.Role {
			case llm.RoleSystem:
				set = got.OfSystem != nil
			case llm.RoleUser:
				set = got.OfUser != nil
			case llm.RoleAssistant:
				set = got.OfAssistant != nil
			case llm.RoleTool:
				set = got.OfTool != nil && got.OfTool.ToolCallID == "call_1"
			}
			if !set {
				t.Fatalf("variant for role %q not populated", tt.msg.Role)
			}
		})
	}
}

func TestConvertMessage_AssistantToolCalls(t *testing.T) {
	got, err := convertMessage(llm.Message{
		Role:      llm.RoleAssistant,
		ToolCalls: []llm.ToolCall{{ID: "call_1", Name: "flag_crisis", Arguments: `{"severity":"high"}`}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got.OfAssistant.ToolCalls) != 1 || got.OfAssistant.ToolCalls[0].Function.Name != "flag_crisis" {
		t.Fatalf("tool calls = %+v", got.OfAssistant.ToolCalls)
	}
}

func TestModelCapabilities(t *testing.T) {
	tests := []struct {
		model     string
		window    int
		toolCalls bool
	}{
		{"gpt-4o-mini", 128_000, true},
		{"gpt-4", 8_192, true},
		{"o1-mini", 128_000, false},
		{"o3", 200_000, true},
		{"unknown-model", 128_000, true},
	}
	for _, tt := range tests {
		t.Run(tt.model, func(t *testing.T) {
			caps := modelCapabilities(tt.model)
			if caps.ContextWindow != tt.window || caps.SupportsToolCalling != tt.toolCalls {
				t.Fatalf("caps = %+v", caps)
			}
		})
	}
}

func TestComplete(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(data, &body)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id": "chatcmpl-1", "object": "chat.completion", "created": 1, "model": "gpt-4o-mini",
			"choices": [{"index": 0, "finish_reason": "tool_calls", "message": {
				"role": "assistant", "content": "I'm here with you.",
				"tool_calls": [{"id": "call_1", "type": "function", "function": {"name": "flag_crisis", "arguments": "{}"}}]
			}}],
			"usage": {"prompt_tokens": 10, "completion_tokens": 5, "total_tokens": 15}
		}`))
	}))
	defer srv.Close()

	p, err := New("key", "gpt-4o-mini", WithBaseURL(srv.URL))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	resp, err := p.Complete(context.Background(), llm.CompletionRequest{
		SystemPrompt: "You are a calm companion.",
		Messages:     []llm.Message{{Role: llm.RoleUser, Content: "help"}},
		Tools:        []llm.ToolDefinition{{Name: "flag_crisis", Description: "d", Parameters: map[string]any{"type": "object"}}},
		Temperature:  0.4,
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Content != "I'm here with you." || resp.FinishReason != "tool_calls" || resp.Usage.TotalTokens != 15 {
		t.Fatalf("resp = %+v", resp)
	}
	if len(resp.ToolCalls) != 1 || resp.ToolCalls[0].Name != "flag_crisis" {
		t.Fatalf("tool calls = %+v", resp.ToolCalls)
	}
	msgs, _ := body["messages"].([]any)
	if len(msgs) != 2 {
		t.Fatalf("sent %d messages, want system + user", len(msgs))
	}
	if tools, _ := body["tools"].([]any); len(tools) != 1 {
		t.Fatalf("sent %d tools, want 1", len(tools))
	}
}

func TestComplete_Validation(t *testing.T) {
	p, _ := New("key", "gpt-4o-mini")
	if _, err := p.Complete(context.Background(), llm.CompletionRequest{}); err == nil {
		t.Fatal("expected error for empty request")
	}
	if _, err := New("", "m"); err == nil {
		t.Fatal("expected error for empty key")
	}
}

// chatServer answers every request with status and body and counts calls.
func chatServer(t *testing.T, status int, body string) (*httptest.Server, *int, *map[string]any) {
	t.Helper()
	calls := 0
	var sent map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		data, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(data, &sent)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv, &calls, &sent
}

func TestComplete_Refusal(t *testing.T) {
	srv, _, _ := chatServer(t, http.StatusOK, `{
		"id": "c", "object": "chat.completion", "created": 1, "model": "gpt-4o",
		"choices": [{"index": 0, "finish_reason": "stop", "message": {"role": "assistant", "content": null, "refusal": "I can't help with that."}}]
	}`)
	p, err := New("key", "gpt-4o", WithBaseURL(srv.URL))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	resp, err := p.Complete(context.Background(), llm.CompletionRequest{Messages: []llm.Message{{Role: llm.RoleUser, Content: "x"}}})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.FinishReason != FinishRefusal || resp.Content != "I can't help with that." {
		t.Fatalf("resp = %+v", resp)
	}
}

func TestComplete_NoSDKRetriesByDefault(t *testing.T) {
	srv, calls, _ := chatServer(t, http.StatusServiceUnavailable, `{"error": {"message": "overloaded"}}`)
	p, err := New("key", "gpt-4o-mini", WithBaseURL(srv.URL))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := p.Complete(context.Background(), llm.CompletionRequest{Messages: []llm.Message{{Role: llm.RoleUser, Content: "x"}}}); err == nil {
		t.Fatal("expected error")
	}
	if *calls != 1 {
		t.Fatalf("requests = %d, want 1", *calls)
	}
}

func TestComplete_RequestShape(t *testing.T) {
	const okBody = `{"id": "c", "object": "chat.completion", "created": 1, "model": "m",
		"choices": [{"index": 0, "finish_reason": "stop", "message": {"role": "assistant", "content": "ok"}}]}`
	req := llm.CompletionRequest{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "x"}},
		Tools:    []llm.ToolDefinition{{Name: "flag_crisis", Parameters: map[string]any{"type": "object"}}},
	}
	tests := []struct {
		name      string
		model     string
		opts      []Option
		wantTools bool
		wantUser  string
	}{
		{name: "tools and user", model: "gpt-4o", opts: []Option{WithUser("session-abc")}, wantTools: true, wantUser: "session-abc"},
		{name: "tools dropped for o1-mini", model: "o1-mini"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, _, sent := chatServer(t, http.StatusOK, okBody)
			p, err := New("key", tt.model, append(tt.opts, WithBaseURL(srv.URL))...)
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			if _, err := p.Complete(context.Background(), req); err != nil {
				t.Fatalf("Complete: %v", err)
			}
			_, hasTools := (*sent)["tools"]
			if hasTools != tt.wantTools {
				t.Errorf("tools sent = %v, want %v", hasTools, tt.wantTools)
			}
			if tt.wantTools && (*sent)["parallel_tool_calls"] != false {
				t.Errorf("parallel_tool_calls = %v, want false", (*sent)["parallel_tool_calls"])
			}
			if got, _ := (*sent)["user"].(string); got != tt.wantUser {
				t.Errorf("user = %q, want %q", got, tt.wantUser)
			}
		})
	}
}
