// Package llm: Ollama HTTP adapter.
// OllamaProvider calls the local Ollama REST API using stdlib net/http.
// Endpoints used:
//   - POST /api/chat: non-streaming chat completion with tool calling
//   - GET  /api/tags: health check (lists available models)
package llm

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/opirc/remoteagent/internal/version"
)

const (
	mimeJSON          = "application/json"
	headerContentType = "Content-Type"
	headerUserAgent   = "User-Agent"
)

// OllamaProvider implements Provider against a running Ollama instance.
type OllamaProvider struct {
	baseURL    string
	model      string
	httpClient *http.Client
}

// NewOllamaProvider creates an OllamaProvider with a 120s default timeout.
func NewOllamaProvider(baseURL, model string) *OllamaProvider {
	return &OllamaProvider{
		baseURL: baseURL,
		model:   model,
		httpClient: &http.Client{
			Timeout: 120 * time.Second,
		},
	}
}

// ─── internal Ollama JSON types ──────────────────────────────────────────────

type ollamaToolCall struct {
	ID       string `json:"id,omitempty"`
	Function struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	} `json:"function"`
}

type ollamaChatMessage struct {
	Role      string           `json:"role"`
	Content   string           `json:"content"`
	Images    []string         `json:"images,omitempty"`
	ToolCalls []ollamaToolCall `json:"tool_calls,omitempty"`
	ToolName  string           `json:"tool_name,omitempty"`
}

type ollamaTool struct {
	Type     string `json:"type"`
	Function struct {
		Name        string          `json:"name"`
		Description string          `json:"description,omitempty"`
		Parameters  json.RawMessage `json:"parameters"`
	} `json:"function"`
}

type ollamaChatRequest struct {
	Model    string              `json:"model"`
	Messages []ollamaChatMessage `json:"messages"`
	Tools    []ollamaTool        `json:"tools,omitempty"`
	Stream   bool                `json:"stream"`
	Options  map[string]any      `json:"options,omitempty"`
}

type ollamaChatResponse struct {
	Message         ollamaChatMessage `json:"message"`
	DoneReason      string            `json:"done_reason"`
	Done            bool              `json:"done"`
	PromptEvalCount int               `json:"prompt_eval_count"`
	EvalCount       int               `json:"eval_count"`
}

// ─── Provider implementation ─────────────────────────────────────────────────

// Complete performs a non-streaming chat via POST /api/chat.
func (p *OllamaProvider) Complete(ctx context.Context, req Request) (*Response, error) {
	model := req.Model
	if model == "" {
		model = p.model
	}

	body, err := json.Marshal(ollamaChatRequest{
		Model:    model,
		Messages: toOllamaMessages(req.System, req.Messages),
		Tools:    toOllamaTools(req.Tools),
		Stream:   false,
		Options:  buildChatOptions(req),
	})
	if err != nil {
		return nil, err
	}

	respBody, postErr := p.doPost(ctx, "/api/chat", body)
	if postErr != nil {
		return nil, postErr
	}
	defer respBody.Close()

	var ollamaResp ollamaChatResponse
	if decodeErr := json.NewDecoder(respBody).Decode(&ollamaResp); decodeErr != nil {
		return nil, fmt.Errorf("decode chat response: %w", decodeErr)
	}
	return fromOllamaResponse(ollamaResp), nil
}

// buildChatOptions converts Request fields into Ollama options map.
func buildChatOptions(req Request) map[string]any {
	if req.MaxTokens == 0 {
		return nil
	}
	return map[string]any{"num_predict": req.MaxTokens}
}

// ModelInfo returns static metadata for this provider/model.
func (p *OllamaProvider) ModelInfo() ModelMeta {
	return ModelMeta{ID: p.model, Provider: "ollama"}
}

// HealthCheck calls GET /api/tags and returns nil if Ollama is reachable.
func (p *OllamaProvider) HealthCheck(ctx context.Context) error {
	url := p.baseURL + "/api/tags"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("ollama healthcheck: build request: %w", err)
	}
	req.Header.Set(headerUserAgent, version.UserAgent())
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: ollama healthcheck: %w", ErrUnavailable, err)
	}
	defer resp.Body.Close() //nolint:errcheck
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: ollama healthcheck: status %d", ErrUnavailable, resp.StatusCode)
	}
	return nil
}

// ─── conversion ──────────────────────────────────────────────────────────────

// toOllamaMessages flattens blocks into Ollama chat messages. Each tool
// result becomes its own "tool" message named after the originating call.
func toOllamaMessages(system string, in []Message) []ollamaChatMessage {
	out := make([]ollamaChatMessage, 0, len(in)+1)
	if system != "" {
		out = append(out, ollamaChatMessage{Role: "system", Content: system})
	}

	toolNames := map[string]string{}
	for _, m := range in {
		if m.IsToolResults() {
			for _, b := range m.Content {
				if b.Type == BlockToolResult {
					out = append(out, toOllamaToolMessage(b, toolNames[b.ToolUseID]))
				}
			}
			continue
		}

		msg := ollamaChatMessage{Role: string(m.Role), Content: m.Text()}
		for _, tu := range m.ToolUses() {
			toolNames[tu.ID] = tu.Name
			var call ollamaToolCall
			call.ID = tu.ID
			call.Function.Name = tu.Name
			call.Function.Arguments = tu.Input
			msg.ToolCalls = append(msg.ToolCalls, call)
		}
		out = append(out, msg)
	}
	return out
}

func toOllamaToolMessage(b Block, name string) ollamaChatMessage {
	msg := ollamaChatMessage{Role: "tool", ToolName: name}
	if b.Payload == nil {
		return msg
	}
	switch b.Payload.Kind {
	case PayloadImage:
		msg.Content = "[image]"
		if b.Payload.Image != nil {
			msg.Images = []string{base64.StdEncoding.EncodeToString(b.Payload.Image.Data)}
		}
	default:
		msg.Content = b.Payload.Text
	}
	return msg
}

func toOllamaTools(in []ToolSchema) []ollamaTool {
	out := make([]ollamaTool, 0, len(in))
	for _, t := range in {
		var ot ollamaTool
		ot.Type = "function"
		ot.Function.Name = t.Name
		ot.Function.Description = t.Description
		ot.Function.Parameters = t.InputSchema
		if len(ot.Function.Parameters) == 0 {
			ot.Function.Parameters = json.RawMessage(`{"type":"object","properties":{}}`)
		}
		out = append(out, ot)
	}
	return out
}

func fromOllamaResponse(r ollamaChatResponse) *Response {
	resp := &Response{
		Usage: Usage{InputTokens: r.PromptEvalCount, OutputTokens: r.EvalCount},
	}
	if r.Message.Content != "" {
		resp.Content = append(resp.Content, TextBlock(r.Message.Content))
	}
	for _, call := range r.Message.ToolCalls {
		id := call.ID
		if id == "" {
			id = "call_" + uuid.NewString()
		}
		args := call.Function.Arguments
		if len(args) == 0 {
			args = json.RawMessage(`{}`)
		}
		resp.Content = append(resp.Content, ToolUseBlock(id, call.Function.Name, args))
	}

	switch {
	case len(r.Message.ToolCalls) > 0:
		resp.StopReason = StopToolUse
	case r.DoneReason == "length":
		resp.StopReason = StopMaxTokens
	case r.DoneReason == "stop" || r.DoneReason == "":
		resp.StopReason = StopEndTurn
	default:
		resp.StopReason = StopOther
	}
	return resp
}

// ─── helpers ─────────────────────────────────────────────────────────────────

// doPost sends a POST request to baseURL+path and returns the response body.
// Caller is responsible for closing the returned ReadCloser.
func (p *OllamaProvider) doPost(ctx context.Context, path string, body []byte) (io.ReadCloser, error) {
	url := p.baseURL + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("ollama post %s: build request: %w", path, err)
	}
	req.Header.Set(headerContentType, mimeJSON)
	req.Header.Set(headerUserAgent, version.UserAgent())

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: ollama post %s: %w", ErrUnavailable, path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		resp.Body.Close() //nolint:errcheck
		if resp.StatusCode >= 500 {
			return nil, fmt.Errorf("%w: ollama post %s: status %d", ErrUnavailable, path, resp.StatusCode)
		}
		return nil, fmt.Errorf("ollama post %s: status %d", path, resp.StatusCode)
	}
	return resp.Body, nil
}
