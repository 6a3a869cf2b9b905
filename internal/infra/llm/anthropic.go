// Package llm: Anthropic Messages API adapter.
// AnthropicProvider converts transcripts and tool schemas to the official
// SDK's parameter types and maps responses back to provider-neutral blocks.
package llm

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const (
	defaultAnthropicModel     = "claude-sonnet-4-20250514"
	defaultAnthropicMaxTokens = 8192
)

// AnthropicConfig configures an AnthropicProvider.
type AnthropicConfig struct {
	APIKey     string
	Model      string
	BaseURL    string // optional, used by tests and proxies
	MaxTokens  int
	Timeout    time.Duration
	MaxRetries int
}

// AnthropicProvider implements Provider against the Anthropic Messages API.
type AnthropicProvider struct {
	client    anthropic.Client
	model     string
	maxTokens int
}

// NewAnthropicProvider creates an AnthropicProvider. Zero values fall back
// to the default model, 8192 max tokens and the SDK's retry policy; a
// negative MaxRetries disables retries.
func NewAnthropicProvider(cfg AnthropicConfig) *AnthropicProvider {
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.Timeout > 0 {
		opts = append(opts, option.WithRequestTimeout(cfg.Timeout))
	}
	switch {
	case cfg.MaxRetries > 0:
		opts = append(opts, option.WithMaxRetries(cfg.MaxRetries))
	case cfg.MaxRetries < 0:
		opts = append(opts, option.WithMaxRetries(0))
	}

	model := cfg.Model
	if model == "" {
		model = defaultAnthropicModel
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultAnthropicMaxTokens
	}

	return &AnthropicProvider{
		client:    anthropic.NewClient(opts...),
		model:     model,
		maxTokens: maxTokens,
	}
}

// ─── Provider implementation ─────────────────────────────────────────────────

// Complete performs one POST /v1/messages call.
func (p *AnthropicProvider) Complete(ctx context.Context, req Request) (*Response, error) {
	model := req.Model
	if model == "" {
		model = p.model
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = p.maxTokens
	}

	msgs, err := toAnthropicMessages(req.Messages)
	if err != nil {
		return nil, fmt.Errorf("anthropic: build messages: %w", err)
	}
	tools, err := toAnthropicTools(req.Tools)
	if err != nil {
		return nil, fmt.Errorf("anthropic: build tools: %w", err)
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: int64(maxTokens),
		Messages:  msgs,
		Tools:     tools,
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}

	msg, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return nil, classifyAnthropicError(err)
	}
	return fromAnthropicMessage(msg), nil
}

// ModelInfo returns static metadata for this provider/model.
func (p *AnthropicProvider) ModelInfo() ModelMeta {
	return ModelMeta{ID: p.model, Provider: "anthropic"}
}

// HealthCheck fetches the configured model's metadata.
func (p *AnthropicProvider) HealthCheck(ctx context.Context) error {
	if _, err := p.client.Models.Get(ctx, p.model, anthropic.ModelGetParams{}); err != nil {
		return fmt.Errorf("anthropic healthcheck: %w", classifyAnthropicError(err))
	}
	return nil
}

// ─── conversion ──────────────────────────────────────────────────────────────

func toAnthropicMessages(in []Message) ([]anthropic.MessageParam, error) {
	out := make([]anthropic.MessageParam, 0, len(in))
	for _, m := range in {
		blocks := make([]anthropic.ContentBlockParamUnion, 0, len(m.Content))
		for _, b := range m.Content {
			cb, err := toAnthropicBlock(b)
			if err != nil {
				return nil, err
			}
			blocks = append(blocks, cb)
		}
		switch m.Role {
		case RoleAssistant:
			out = append(out, anthropic.NewAssistantMessage(blocks...))
		default:
			out = append(out, anthropic.NewUserMessage(blocks...))
		}
	}
	return out, nil
}

func toAnthropicBlock(b Block) (anthropic.ContentBlockParamUnion, error) {
	switch b.Type {
	case BlockText:
		return anthropic.NewTextBlock(b.Text), nil
	case BlockToolUse:
		input := b.Input
		if len(input) == 0 {
			input = json.RawMessage(`{}`)
		}
		return anthropic.NewToolUseBlock(b.ID, input, b.Name), nil
	case BlockToolResult:
		return toAnthropicToolResult(b), nil
	default:
		return anthropic.ContentBlockParamUnion{}, fmt.Errorf("unsupported block type %q", b.Type)
	}
}

func toAnthropicToolResult(b Block) anthropic.ContentBlockParamUnion {
	result := &anthropic.ToolResultBlockParam{ToolUseID: b.ToolUseID}
	if b.Payload == nil {
		return anthropic.ContentBlockParamUnion{OfToolResult: result}
	}

	switch b.Payload.Kind {
	case PayloadImage:
		if b.Payload.Image != nil {
			result.Content = []anthropic.ToolResultBlockParamContentUnion{{
				OfImage: &anthropic.ImageBlockParam{
					Source: anthropic.ImageBlockParamSourceUnion{
						OfBase64: &anthropic.Base64ImageSourceParam{
							Data:      base64.StdEncoding.EncodeToString(b.Payload.Image.Data),
							MediaType: anthropic.Base64ImageSourceMediaType(b.Payload.Image.MediaType),
						},
					},
				},
			}}
		}
	case PayloadError:
		result.IsError = anthropic.Bool(true)
		result.Content = []anthropic.ToolResultBlockParamContentUnion{{
			OfText: &anthropic.TextBlockParam{Text: b.Payload.Text},
		}}
	default:
		result.Content = []anthropic.ToolResultBlockParamContentUnion{{
			OfText: &anthropic.TextBlockParam{Text: b.Payload.Text},
		}}
	}
	return anthropic.ContentBlockParamUnion{OfToolResult: result}
}

type jsonSchemaObject struct {
	Properties any      `json:"properties"`
	Required   []string `json:"required"`
}

func toAnthropicTools(in []ToolSchema) ([]anthropic.ToolUnionParam, error) {
	if len(in) == 0 {
		return nil, nil
	}
	out := make([]anthropic.ToolUnionParam, 0, len(in))
	for _, t := range in {
		var schema jsonSchemaObject
		if len(t.InputSchema) > 0 {
			if err := json.Unmarshal(t.InputSchema, &schema); err != nil {
				return nil, fmt.Errorf("tool %q: invalid input schema: %w", t.Name, err)
			}
		}
		if schema.Properties == nil {
			schema.Properties = map[string]any{}
		}
		tp := &anthropic.ToolParam{
			Name: t.Name,
			InputSchema: anthropic.ToolInputSchemaParam{
				Properties: schema.Properties,
				Required:   schema.Required,
			},
		}
		if t.Description != "" {
			tp.Description = anthropic.String(t.Description)
		}
		out = append(out, anthropic.ToolUnionParam{OfTool: tp})
	}
	return out, nil
}

func fromAnthropicMessage(msg *anthropic.Message) *Response {
	resp := &Response{
		StopReason: fromAnthropicStopReason(msg.StopReason),
		Usage: Usage{
			InputTokens:  int(msg.Usage.InputTokens),
			OutputTokens: int(msg.Usage.OutputTokens),
		},
	}
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			resp.Content = append(resp.Content, TextBlock(block.Text))
		case "tool_use":
			resp.Content = append(resp.Content, ToolUseBlock(block.ID, block.Name, json.RawMessage(block.Input)))
		}
	}
	return resp
}

func fromAnthropicStopReason(r anthropic.StopReason) StopReason {
	switch r {
	case anthropic.StopReasonEndTurn, anthropic.StopReasonStopSequence:
		return StopEndTurn
	case anthropic.StopReasonToolUse:
		return StopToolUse
	case anthropic.StopReasonMaxTokens:
		return StopMaxTokens
	default:
		return StopOther
	}
}

// classifyAnthropicError wraps transport, auth, rate-limit and server
// failures with ErrUnavailable. Malformed requests are returned as is.
func classifyAnthropicError(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case http.StatusBadRequest, http.StatusNotFound, http.StatusRequestEntityTooLarge, http.StatusUnprocessableEntity:
			return fmt.Errorf("anthropic: status %d: %w", apiErr.StatusCode, err)
		}
		return fmt.Errorf("%w: anthropic: status %d: %w", ErrUnavailable, apiErr.StatusCode, err)
	}
	return fmt.Errorf("%w: anthropic: %w", ErrUnavailable, err)
}
