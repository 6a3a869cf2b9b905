package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

// ============================================================================
// Complete tests
// ============================================================================

func TestOllamaProvider_Complete_TextOnly(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" || r.Method != http.MethodPost {
			http.Error(w, "unexpected path", http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(ollamaChatResponse{ //nolint:errcheck
			Message:    ollamaChatMessage{Role: "assistant", Content: "hello"},
			DoneReason: "stop",
			Done:       true,
		})
	}))
	defer srv.Close()

	p := NewOllamaProvider(srv.URL, "llama3.2:3b")
	resp, err := p.Complete(context.Background(), Request{Messages: []Message{UserText("hi")}})
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if resp.StopReason != StopEndTurn {
		t.Errorf("expected end_turn, got %q", resp.StopReason)
	}
	if len(resp.Content) != 1 || resp.Content[0].Text != "hello" {
		t.Errorf("unexpected content: %+v", resp.Content)
	}
}

func TestOllamaProvider_Complete_ToolCallsGetIDs(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"message":{"role":"assistant","content":"","tool_calls":[{"function":{"name":"bash","arguments":{"command":"uptime"}}}]},"done":true,"done_reason":"stop"}`)) //nolint:errcheck
	}))
	defer srv.Close()

	p := NewOllamaProvider(srv.URL, "llama3.2:3b")
	resp, err := p.Complete(context.Background(), Request{Messages: []Message{UserText("uptime?")}})
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if resp.StopReason != StopToolUse {
		t.Errorf("expected tool_use stop reason, got %q", resp.StopReason)
	}
	uses := Message{Role: RoleAssistant, Content: resp.Content}.ToolUses()
	if len(uses) != 1 {
		t.Fatalf("expected 1 tool use, got %d", len(uses))
	}
	if uses[0].Name != "bash" || !strings.HasPrefix(uses[0].ID, "call_") {
		t.Errorf("unexpected tool use: %+v", uses[0])
	}
}

func TestOllamaProvider_Complete_SendsToolResultsAsToolMessages(t *testing.T) {
	t.Parallel()

	var got ollamaChatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&got) //nolint:errcheck
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"message":{"role":"assistant","content":"done"},"done":true,"done_reason":"stop"}`)) //nolint:errcheck
	}))
	defer srv.Close()

	p := NewOllamaProvider(srv.URL, "llama3.2:3b")
	_, err := p.Complete(context.Background(), Request{
		System: "sys",
		Messages: []Message{
			UserText("run it"),
			{Role: RoleAssistant, Content: []Block{ToolUseBlock("c1", "bash", json.RawMessage(`{"command":"ls"}`))}},
			{Role: RoleUser, Content: []Block{ToolResultBlock("c1", Payload{Kind: PayloadText, Text: "a.txt"})}},
		},
		Tools: []ToolSchema{{Name: "bash", InputSchema: json.RawMessage(`{"type":"object"}`)}},
	})
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}

	if len(got.Messages) != 4 {
		t.Fatalf("expected 4 messages (system, user, assistant, tool), got %d", len(got.Messages))
	}
	last := got.Messages[3]
	if last.Role != "tool" || last.ToolName != "bash" || last.Content != "a.txt" {
		t.Errorf("unexpected tool message: %+v", last)
	}
	if len(got.Tools) != 1 || got.Tools[0].Function.Name != "bash" {
		t.Errorf("unexpected tools: %+v", got.Tools)
	}
}

func TestOllamaProvider_Complete_ServerError_IsUnavailable(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	p := NewOllamaProvider(srv.URL, "llama3.2:3b")
	_, err := p.Complete(context.Background(), Request{Messages: []Message{UserText("hi")}})
	if !errors.Is(err, ErrUnavailable) {
		t.Errorf("expected ErrUnavailable, got %v", err)
	}
}

// ============================================================================
// HealthCheck tests
// ============================================================================

func TestOllamaProvider_HealthCheck(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/tags" {
			http.Error(w, "nope", http.StatusNotFound)
			return
		}
		w.Write([]byte(`{"models":[]}`)) //nolint:errcheck
	}))
	defer srv.Close()

	if err := NewOllamaProvider(srv.URL, "m").HealthCheck(context.Background()); err != nil {
		t.Errorf("expected healthy, got %v", err)
	}
}
