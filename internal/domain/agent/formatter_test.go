package agent

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opirc/remoteagent/internal/domain/tool"
	"github.com/opirc/remoteagent/internal/infra/llm"
)

func TestFormatter_Text(t *testing.T) {
	b := NewFormatter(0).Format("id1", tool.Text("hello"))
	assert.Equal(t, llm.BlockToolResult, b.Type)
	assert.Equal(t, "id1", b.ToolUseID)
	require.NotNil(t, b.Payload)
	assert.Equal(t, llm.PayloadText, b.Payload.Kind)
	assert.Equal(t, "hello", b.Payload.Text)
}

func TestFormatter_TruncatesLongText(t *testing.T) {
	f := NewFormatter(10)
	b := f.Format("id", tool.Text(strings.Repeat("a", 25)))
	assert.Equal(t, strings.Repeat("a", 10)+TruncationMarker, b.Payload.Text)

	exact := f.Format("id", tool.Text(strings.Repeat("b", 10)))
	assert.Equal(t, strings.Repeat("b", 10), exact.Payload.Text)
}

func TestFormatter_TruncatesOnRuneBoundary(t *testing.T) {
	// "é" is two bytes; a cut at byte 5 would split the third rune.
	f := NewFormatter(5)
	b := f.Format("id", tool.Text("éééééé"))
	kept := strings.TrimSuffix(b.Payload.Text, TruncationMarker)
	assert.True(t, utf8.ValidString(kept))
	assert.Equal(t, "éé", kept)
}

func TestFormatter_ErrorPrefix(t *testing.T) {
	b := NewFormatter(0).Format("id", tool.Error("boom"))
	assert.Equal(t, llm.PayloadError, b.Payload.Kind)
	assert.Equal(t, "ERROR: boom", b.Payload.Text)
}

func TestFormatter_ImagePassesThrough(t *testing.T) {
	data := []byte(strings.Repeat("x", 100))
	b := NewFormatter(10).Format("id", tool.Image(data, "image/png"))
	assert.Equal(t, llm.PayloadImage, b.Payload.Kind)
	require.NotNil(t, b.Payload.Image)
	assert.Equal(t, data, b.Payload.Image.Data)
	assert.Equal(t, "image/png", b.Payload.Image.MediaType)
}

func TestFormatter_ValueAsIndentedJSON(t *testing.T) {
	b := NewFormatter(0).Format("id", tool.Value(map[string]int{"x": 1}))
	assert.Equal(t, llm.PayloadText, b.Payload.Kind)
	assert.Equal(t, "{\n  \"x\": 1\n}", b.Payload.Text)
}

func TestFormatter_UnserializableValueBecomesError(t *testing.T) {
	b := NewFormatter(0).Format("id", tool.Value(make(chan int)))
	assert.Equal(t, llm.PayloadError, b.Payload.Kind)
	assert.True(t, strings.HasPrefix(b.Payload.Text, "ERROR: result not serializable"))
}
