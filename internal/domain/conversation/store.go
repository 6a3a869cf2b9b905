// Package conversation holds per-conversation transcripts.
//
// A transcript is trimmed only in whole units. A unit starts at a user
// message carrying plain input and runs until the next such message, so it
// always contains every tool_use together with its tool_result.
package conversation

import (
	"context"
	"errors"

	"github.com/opirc/remoteagent/internal/infra/llm"
)

// DefaultMaxMessages bounds a transcript to roughly ten exchanges.
const DefaultMaxMessages = 24

var ErrEmptyConversationID = errors.New("conversation id is required")

// TrimPolicy bounds the size of a transcript.
type TrimPolicy struct {
	MaxMessages int
}

func DefaultTrimPolicy() TrimPolicy {
	return TrimPolicy{MaxMessages: DefaultMaxMessages}
}

// Store is an ordered message history keyed by conversation id.
type Store interface {
	Append(ctx context.Context, conversationID string, msg llm.Message) error
	// Read returns a snapshot the caller may modify freely.
	Read(ctx context.Context, conversationID string) ([]llm.Message, error)
	Trim(ctx context.Context, conversationID string, policy TrimPolicy) error
	Clear(ctx context.Context, conversationID string) error
	Conversations(ctx context.Context) ([]string, error)
}

// Pinner is implemented by stores that may evict a conversation on their
// own. A pinned conversation survives eviction until it is unpinned.
type Pinner interface {
	Pin(conversationID string)
	Unpin(conversationID string)
}

// TrimMessages returns the suffix of msgs that policy retains.
func TrimMessages(msgs []llm.Message, policy TrimPolicy) []llm.Message {
	return msgs[trimStart(msgs, policy.MaxMessages):]
}

// trimStart returns the index of the first retained message: the earliest
// unit boundary that fits within max. When even the newest unit is larger
// than max it is kept whole.
func trimStart(msgs []llm.Message, max int) int {
	if max <= 0 || len(msgs) <= max {
		return 0
	}

	last := -1
	for i, m := range msgs {
		if !isUnitStart(m) {
			continue
		}
		if len(msgs)-i <= max {
			return i
		}
		last = i
	}
	if last < 0 {
		return 0
	}
	return last
}

func isUnitStart(m llm.Message) bool {
	return m.Role == llm.RoleUser && !m.IsToolResults()
}
