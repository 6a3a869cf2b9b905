package agent

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/opirc/remoteagent/internal/infra/eventbus"
)

// EventKind names a progress event.
type EventKind string

const (
	EventIterationStart   EventKind = "iteration_start"
	EventToolExecuting    EventKind = "tool_executing"
	EventToolExecuted     EventKind = "tool_executed"
	EventToolError        EventKind = "tool_error"
	EventResponseComplete EventKind = "response_complete"
	EventRunFailed        EventKind = "run_failed"
	EventHistoryCleared   EventKind = "history_cleared"
)

// Event is a progress notification. Fields not relevant to Kind are zero.
type Event struct {
	Kind           EventKind       `json:"kind"`
	ConversationID string          `json:"conversation_id"`
	RunID          string          `json:"run_id,omitempty"`
	Iteration      int             `json:"iteration,omitempty"`
	MaxIterations  int             `json:"max_iterations,omitempty"`
	ToolName       string          `json:"tool_name,omitempty"`
	ToolUseID      string          `json:"tool_use_id,omitempty"`
	Input          json.RawMessage `json:"input,omitempty"`
	ResultKind     string          `json:"result_kind,omitempty"`
	Elapsed        time.Duration   `json:"elapsed_ns,omitempty"`
	Error          string          `json:"error,omitempty"`
	Result         *Result         `json:"result,omitempty"`
	Time           time.Time       `json:"time"`

	// Err carries the typed cause of a tool_error for in-process observers.
	Err error `json:"-"`
}

// Observer receives progress events synchronously from the loop goroutine.
// Implementations must not block.
type Observer interface {
	OnEvent(ctx context.Context, e Event)
}

type ObserverFunc func(ctx context.Context, e Event)

func (f ObserverFunc) OnEvent(ctx context.Context, e Event) { f(ctx, e) }

// Observers fans an event out to each member in order.
type Observers []Observer

func (obs Observers) OnEvent(ctx context.Context, e Event) {
	for _, o := range obs {
		if o != nil {
			o.OnEvent(ctx, e)
		}
	}
}

// LogObserver writes events to a slog.Logger: failed runs at error, tool
// failures at warn, completions at info, everything else at debug.
type LogObserver struct {
	logger *slog.Logger
}

func NewLogObserver(logger *slog.Logger) *LogObserver {
	return &LogObserver{logger: logger}
}

func (o *LogObserver) OnEvent(ctx context.Context, e Event) {
	attrs := []slog.Attr{
		slog.String("conversation_id", e.ConversationID),
		slog.String("run_id", e.RunID),
	}
	switch e.Kind {
	case EventIterationStart:
		attrs = append(attrs, slog.Int("iteration", e.Iteration), slog.Int("max_iterations", e.MaxIterations))
		o.logger.LogAttrs(ctx, slog.LevelDebug, "iteration start", attrs...)
	case EventToolExecuting:
		attrs = append(attrs, slog.String("tool", e.ToolName), slog.String("tool_use_id", e.ToolUseID))
		o.logger.LogAttrs(ctx, slog.LevelDebug, "tool executing", attrs...)
	case EventToolExecuted:
		attrs = append(attrs, slog.String("tool", e.ToolName), slog.String("result", e.ResultKind), slog.Duration("elapsed", e.Elapsed))
		o.logger.LogAttrs(ctx, slog.LevelDebug, "tool executed", attrs...)
	case EventToolError:
		attrs = append(attrs, slog.String("tool", e.ToolName), slog.Duration("elapsed", e.Elapsed), slog.Any("error", e.Err))
		o.logger.LogAttrs(ctx, slog.LevelWarn, "tool error", attrs...)
	case EventResponseComplete:
		if e.Result != nil {
			attrs = append(attrs,
				slog.String("outcome", string(e.Result.Outcome)),
				slog.Int("iterations", e.Result.Iterations),
				slog.Int("tool_calls", e.Result.ToolCallCount),
			)
		}
		o.logger.LogAttrs(ctx, slog.LevelInfo, "response complete", attrs...)
	case EventRunFailed:
		attrs = append(attrs, slog.Any("error", e.Err))
		o.logger.LogAttrs(ctx, slog.LevelError, "run failed", attrs...)
	case EventHistoryCleared:
		o.logger.LogAttrs(ctx, slog.LevelInfo, "history cleared", attrs...)
	}
}

// ConversationTopic is the event-bus topic carrying one conversation's events.
func ConversationTopic(conversationID string) string {
	return "conversation." + conversationID
}

// BusObserver republishes events on the conversation's topic.
type BusObserver struct {
	bus eventbus.EventBus
}

func NewBusObserver(bus eventbus.EventBus) *BusObserver {
	return &BusObserver{bus: bus}
}

func (o *BusObserver) OnEvent(_ context.Context, e Event) {
	o.bus.Publish(ConversationTopic(e.ConversationID), e)
}
