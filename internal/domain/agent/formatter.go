package agent

import (
	"encoding/json"
	"unicode/utf8"

	"github.com/opirc/remoteagent/internal/domain/tool"
	"github.com/opirc/remoteagent/internal/infra/llm"
)

const (
	DefaultMaxTextBytes = 50000
	TruncationMarker    = "\n... (truncated)"
	ErrorPrefix         = "ERROR: "
)

// Formatter turns tool results into tool_result blocks. Text is capped at
// MaxTextBytes; images pass through unchanged.
type Formatter struct {
	MaxTextBytes int
}

func NewFormatter(maxTextBytes int) Formatter {
	if maxTextBytes <= 0 {
		maxTextBytes = DefaultMaxTextBytes
	}
	return Formatter{MaxTextBytes: maxTextBytes}
}

func (f Formatter) Format(toolUseID string, r tool.Result) llm.Block {
	switch r.Kind() {
	case tool.KindError:
		return llm.ToolResultBlock(toolUseID, llm.Payload{
			Kind: llm.PayloadError,
			Text: f.truncate(ErrorPrefix + r.Text()),
		})
	case tool.KindImage:
		data, mediaType := r.ImageData()
		return llm.ToolResultBlock(toolUseID, llm.Payload{
			Kind:  llm.PayloadImage,
			Image: &llm.Image{MediaType: mediaType, Data: data},
		})
	case tool.KindValue:
		raw, err := json.MarshalIndent(r.Value(), "", "  ")
		if err != nil {
			return f.Format(toolUseID, tool.Errorf("result not serializable: %v", err))
		}
		return llm.ToolResultBlock(toolUseID, llm.Payload{Kind: llm.PayloadText, Text: f.truncate(string(raw))})
	default:
		return llm.ToolResultBlock(toolUseID, llm.Payload{Kind: llm.PayloadText, Text: f.truncate(r.Text())})
	}
}

// truncate cuts s to MaxTextBytes on a rune boundary and appends the marker.
func (f Formatter) truncate(s string) string {
	limit := f.MaxTextBytes
	if limit <= 0 {
		limit = DefaultMaxTextBytes
	}
	if len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + TruncationMarker
}
