// Package llm defines the model-agnostic model-service abstraction.
// Messages, content blocks and tool schemas here are shared by the
// transcript store, the agent loop and every provider adapter.
package llm

import (
	"encoding/json"
	"strings"
)

// Role is the author of a Message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// BlockType tags the variant held by a Block.
type BlockType string

const (
	BlockText       BlockType = "text"
	BlockToolUse    BlockType = "tool_use"
	BlockToolResult BlockType = "tool_result"
)

// PayloadKind tags the variant held by a tool-result Payload.
type PayloadKind string

const (
	PayloadText  PayloadKind = "text"
	PayloadError PayloadKind = "error"
	PayloadImage PayloadKind = "image"
)

// StopReason is the provider-neutral reason a response ended.
type StopReason string

const (
	StopEndTurn   StopReason = "end_turn"
	StopToolUse   StopReason = "tool_use"
	StopMaxTokens StopReason = "max_tokens"
	StopOther     StopReason = "other"
)

// Image is an inline binary image.
type Image struct {
	MediaType string `json:"media_type"`
	Data      []byte `json:"data"`
}

// Payload is the content of a tool result: exactly one of text, error or image.
type Payload struct {
	Kind  PayloadKind `json:"kind"`
	Text  string      `json:"text,omitempty"`
	Image *Image      `json:"image,omitempty"`
}

// Block is one element of a message's content.
//
//	text:        Text
//	tool_use:    ID, Name, Input
//	tool_result: ToolUseID, Payload
type Block struct {
	Type BlockType `json:"type"`

	Text string `json:"text,omitempty"`

	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	ToolUseID string   `json:"tool_use_id,omitempty"`
	Payload   *Payload `json:"payload,omitempty"`
}

// Message is one transcript entry.
type Message struct {
	Role    Role    `json:"role"`
	Content []Block `json:"content"`
}

// ToolSchema is the model-facing description of a tool.
type ToolSchema struct {
	Name        string
	Description string
	InputSchema json.RawMessage
}

// Request is the input for a single model-service call.
type Request struct {
	// Model overrides the provider default when non-empty.
	Model     string
	System    string
	Messages  []Message
	Tools     []ToolSchema
	MaxTokens int
}

// Usage reports token consumption of one call.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Response is the output of a single model-service call.
type Response struct {
	StopReason StopReason
	Content    []Block
	Usage      Usage
}

// ModelMeta describes the model / provider identity.
type ModelMeta struct {
	ID       string // e.g. "claude-sonnet-4-20250514", "llama3.2:3b"
	Provider string // e.g. "anthropic", "ollama"
}

// ─── constructors ────────────────────────────────────────────────────────────

func TextBlock(text string) Block {
	return Block{Type: BlockText, Text: text}
}

func ToolUseBlock(id, name string, input json.RawMessage) Block {
	return Block{Type: BlockToolUse, ID: id, Name: name, Input: input}
}

func ToolResultBlock(toolUseID string, p Payload) Block {
	return Block{Type: BlockToolResult, ToolUseID: toolUseID, Payload: &p}
}

// UserText builds a plain-text user message.
func UserText(text string) Message {
	return Message{Role: RoleUser, Content: []Block{TextBlock(text)}}
}

// ─── inspection helpers ──────────────────────────────────────────────────────

// ToolUses returns the tool_use blocks of m in order.
func (m Message) ToolUses() []Block {
	var out []Block
	for _, b := range m.Content {
		if b.Type == BlockToolUse {
			out = append(out, b)
		}
	}
	return out
}

// Text joins the text blocks of m with newlines.
func (m Message) Text() string {
	parts := make([]string, 0, len(m.Content))
	for _, b := range m.Content {
		if b.Type == BlockText && b.Text != "" {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// IsToolResults reports whether m carries tool results rather than user input.
func (m Message) IsToolResults() bool {
	if m.Role != RoleUser || len(m.Content) == 0 {
		return false
	}
	for _, b := range m.Content {
		if b.Type == BlockToolResult {
			return true
		}
	}
	return false
}

// Clone returns a deep copy of m so snapshots can be handed out safely.
func (m Message) Clone() Message {
	out := Message{Role: m.Role, Content: make([]Block, len(m.Content))}
	for i, b := range m.Content {
		c := b
		if b.Input != nil {
			c.Input = append(json.RawMessage(nil), b.Input...)
		}
		if b.Payload != nil {
			p := *b.Payload
			if p.Image != nil {
				img := *p.Image
				img.Data = append([]byte(nil), p.Image.Data...)
				p.Image = &img
			}
			c.Payload = &p
		}
		out.Content[i] = c
	}
	return out
}

// CloneMessages deep-copies a message slice.
func CloneMessages(in []Message) []Message {
	out := make([]Message, len(in))
	for i, m := range in {
		out[i] = m.Clone()
	}
	return out
}
