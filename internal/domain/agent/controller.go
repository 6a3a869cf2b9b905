// Package agent runs the tool-use loop: it replays a conversation to the
// model service, executes the tools the model asks for and feeds the
// results back until the model answers, the iteration budget runs out or
// the run is aborted.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/opirc/remoteagent/internal/domain/conversation"
	"github.com/opirc/remoteagent/internal/domain/tool"
	"github.com/opirc/remoteagent/internal/infra/llm"
)

const (
	DefaultMaxIterations = 25
	DefaultMaxTokens     = 8192

	notExecutedTurnEnded = "not executed: turn ended"
)

// Config holds per-deployment loop settings.
type Config struct {
	SystemPrompt  string
	MaxIterations int
	MaxTokens     int
	MaxTextBytes  int
	Trim          conversation.TrimPolicy
}

func DefaultConfig() Config {
	return Config{
		MaxIterations: DefaultMaxIterations,
		MaxTokens:     DefaultMaxTokens,
		MaxTextBytes:  DefaultMaxTextBytes,
		Trim:          conversation.DefaultTrimPolicy(),
	}
}

// ToolGate decides whether a requested tool call may run.
type ToolGate interface {
	Allow(ctx context.Context, toolName string, input json.RawMessage) (allowed bool, reason string, err error)
}

// Result is returned by Process.
type Result struct {
	RunID         string         `json:"run_id"`
	ResponseText  string         `json:"response"`
	Iterations    int            `json:"iterations"`
	ToolCallCount int            `json:"tool_calls"`
	Outcome       Outcome        `json:"outcome"`
	StopReason    llm.StopReason `json:"stop_reason,omitempty"`
	Usage         llm.Usage      `json:"usage"`
	// Note explains an incomplete outcome to the end user.
	Note string `json:"note,omitempty"`
}

// Err maps an incomplete outcome to its sentinel, nil when completed.
func (r *Result) Err() error {
	switch r.Outcome {
	case OutcomeBudgetExhausted:
		return ErrIterationBudgetExceeded
	case OutcomeCancelled:
		return ErrCancelled
	default:
		return nil
	}
}

// Status is a read-only snapshot of the controller.
type Status struct {
	ActiveConversations int      `json:"active_conversations"`
	Running             []string `json:"running"`
	Conversations       int      `json:"conversations"`
	RegisteredTools     int      `json:"registered_tools"`
	Model               string   `json:"model"`
	Provider            string   `json:"provider"`
}

// run is the transient state of one Process call.
type run struct {
	id        string
	started   time.Time
	cancelled atomic.Bool

	iteration     int
	toolCallCount int
	usage         llm.Usage
	toolCalls     []ToolCall
}

// Controller is safe for concurrent use. At most one Process call runs per
// conversation id.
type Controller struct {
	provider  llm.Provider
	store     conversation.Store
	registry  *tool.Registry
	formatter Formatter
	cfg       Config

	observer Observer
	gate     ToolGate
	runs     RunRecorder
	logger   *slog.Logger

	mu     sync.Mutex
	active map[string]*run
}

type Option func(*Controller)

func WithObserver(o Observer) Option      { return func(c *Controller) { c.observer = o } }
func WithToolGate(g ToolGate) Option      { return func(c *Controller) { c.gate = g } }
func WithRunRecorder(r RunRecorder) Option { return func(c *Controller) { c.runs = r } }
func WithLogger(l *slog.Logger) Option    { return func(c *Controller) { c.logger = l } }

func NewController(provider llm.Provider, store conversation.Store, registry *tool.Registry, cfg Config, opts ...Option) *Controller {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = DefaultMaxIterations
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultMaxTokens
	}
	if cfg.Trim.MaxMessages <= 0 {
		cfg.Trim = conversation.DefaultTrimPolicy()
	}

	c := &Controller{
		provider:  provider,
		store:     store,
		registry:  registry,
		formatter: NewFormatter(cfg.MaxTextBytes),
		cfg:       cfg,
		logger:    slog.Default(),
		active:    make(map[string]*run),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.observer == nil {
		c.observer = Observers{}
	}
	return c
}

// Process runs the loop for one user input. A model-service failure is
// returned as an error wrapping ErrModelServiceUnavailable; budget
// exhaustion and cancellation are reported through Result.Outcome.
func (c *Controller) Process(ctx context.Context, conversationID, userText string) (*Result, error) {
	if conversationID == "" {
		return nil, conversation.ErrEmptyConversationID
	}

	r, err := c.acquire(conversationID)
	if err != nil {
		return nil, err
	}
	if p, ok := c.store.(conversation.Pinner); ok {
		p.Pin(conversationID)
		defer p.Unpin(conversationID)
	}
	defer c.release(ctx, conversationID)

	c.recordStart(ctx, r, conversationID, userText)

	if err := c.store.Append(context.WithoutCancel(ctx), conversationID, llm.UserText(userText)); err != nil {
		return nil, c.fail(ctx, r, conversationID, fmt.Errorf("agent: append user message: %w", err))
	}

	res, err := c.loop(ctx, conversationID, r)
	if err != nil {
		return nil, c.fail(ctx, r, conversationID, err)
	}

	c.recordFinish(ctx, r, RunFinish{Status: string(res.Outcome), Response: res.ResponseText})
	c.emit(ctx, Event{Kind: EventResponseComplete, ConversationID: conversationID, RunID: r.id, Result: res})
	return res, nil
}

func (c *Controller) loop(ctx context.Context, conversationID string, r *run) (*Result, error) {
	res := &Result{RunID: r.id}
	lastText := ""
	// transcript writes outlive the caller so a tool_use is never stored
	// without its tool_result
	storeCtx := context.WithoutCancel(ctx)

	for iteration := 1; iteration <= c.cfg.MaxIterations; iteration++ {
		if r.cancelled.Load() || ctx.Err() != nil {
			return c.cancelled(res, r, lastText), nil
		}

		c.emit(ctx, Event{
			Kind:           EventIterationStart,
			ConversationID: conversationID,
			RunID:          r.id,
			Iteration:      iteration,
			MaxIterations:  c.cfg.MaxIterations,
		})

		transcript, err := c.store.Read(storeCtx, conversationID)
		if err != nil {
			return nil, fmt.Errorf("agent: read transcript: %w", err)
		}

		resp, err := c.provider.Complete(ctx, llm.Request{
			System:    c.cfg.SystemPrompt,
			Messages:  transcript,
			Tools:     c.registry.Schemas(),
			MaxTokens: c.cfg.MaxTokens,
		})
		if err != nil {
			if ctx.Err() != nil {
				return c.cancelled(res, r, lastText), nil
			}
			return nil, fmt.Errorf("%w: %w", ErrModelServiceUnavailable, err)
		}
		r.iteration = iteration
		r.usage.InputTokens += resp.Usage.InputTokens
		r.usage.OutputTokens += resp.Usage.OutputTokens
		res.StopReason = resp.StopReason

		assistant := llm.Message{Role: llm.RoleAssistant, Content: resp.Content}
		if len(assistant.Content) > 0 {
			if err := c.store.Append(storeCtx, conversationID, assistant); err != nil {
				return nil, fmt.Errorf("agent: append assistant message: %w", err)
			}
		}

		uses := assistant.ToolUses()
		lastText = assistant.Text()

		if len(uses) == 0 || resp.StopReason == llm.StopEndTurn {
			if len(uses) > 0 {
				if err := c.answerUnexecuted(storeCtx, conversationID, uses); err != nil {
					return nil, err
				}
			}
			return c.finish(res, r, OutcomeCompleted, lastText), nil
		}

		results := make([]llm.Block, 0, len(uses))
		for _, use := range uses {
			results = append(results, c.execute(ctx, conversationID, r, iteration, use))
		}
		if err := c.store.Append(storeCtx, conversationID, llm.Message{Role: llm.RoleUser, Content: results}); err != nil {
			return nil, fmt.Errorf("agent: append tool results: %w", err)
		}
	}

	res = c.finish(res, r, OutcomeBudgetExhausted, lastText)
	res.Note = fmt.Sprintf("Stopped after %d iterations; the task may be incomplete.", c.cfg.MaxIterations)
	return res, nil
}

// execute runs one tool call and always returns its tool_result block.
func (c *Controller) execute(ctx context.Context, conversationID string, r *run, iteration int, use llm.Block) llm.Block {
	r.toolCallCount++
	base := Event{
		ConversationID: conversationID,
		RunID:          r.id,
		Iteration:      iteration,
		ToolName:       use.Name,
		ToolUseID:      use.ID,
	}

	ev := base
	ev.Kind = EventToolExecuting
	ev.Input = use.Input
	c.emit(ctx, ev)

	start := time.Now()
	result, cause := c.invoke(ctx, use)
	elapsed := time.Since(start)

	call := ToolCall{
		ToolUseID:  use.ID,
		ToolName:   use.Name,
		Input:      use.Input,
		ResultKind: result.Kind().String(),
		ElapsedMs:  elapsed.Milliseconds(),
		ExecutedAt: start.UTC(),
	}

	ev = base
	ev.Elapsed = elapsed
	ev.ResultKind = result.Kind().String()
	if result.IsError() {
		if cause == nil {
			cause = fmt.Errorf("%w: %s", ErrToolExecutionFailed, result.Text())
		}
		call.Error = result.Text()
		ev.Kind = EventToolError
		ev.Err = cause
		ev.Error = cause.Error()
	} else {
		ev.Kind = EventToolExecuted
	}
	r.toolCalls = append(r.toolCalls, call)
	c.emit(ctx, ev)

	return c.formatter.Format(use.ID, result)
}

// invoke resolves and runs the handler. Every failure is folded into an
// Error result; the second return value carries the typed cause.
func (c *Controller) invoke(ctx context.Context, use llm.Block) (tool.Result, error) {
	contract, err := c.registry.Lookup(use.Name)
	if err != nil {
		return tool.Errorf("unknown tool: %s", use.Name), err
	}

	if c.gate != nil {
		allowed, reason, gateErr := c.gate.Allow(ctx, use.Name, use.Input)
		if gateErr != nil {
			return tool.Errorf("policy check failed: %v", gateErr), fmt.Errorf("%w: %w", ErrToolBlocked, gateErr)
		}
		if !allowed {
			return tool.Errorf("blocked by policy: %s", reason), fmt.Errorf("%w: %s", ErrToolBlocked, reason)
		}
	}

	input := use.Input
	if len(input) == 0 {
		input = json.RawMessage(`{}`)
	}
	if err := tool.ValidateInput(contract, input); err != nil {
		return tool.Error(err.Error()), fmt.Errorf("%w: %w", ErrToolExecutionFailed, err)
	}
	result, err := safeExecute(ctx, contract.Handler, input)
	if err != nil {
		return tool.Error(err.Error()), fmt.Errorf("%w: %w", ErrToolExecutionFailed, err)
	}
	return result, nil
}

func safeExecute(ctx context.Context, h tool.Handler, input json.RawMessage) (res tool.Result, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v\n%s", p, debug.Stack())
		}
	}()
	return h.Execute(ctx, input)
}

// answerUnexecuted closes tool calls the model requested in a final turn
// so the stored transcript stays valid for the next call.
func (c *Controller) answerUnexecuted(ctx context.Context, conversationID string, uses []llm.Block) error {
	blocks := make([]llm.Block, 0, len(uses))
	for _, use := range uses {
		blocks = append(blocks, c.formatter.Format(use.ID, tool.Error(notExecutedTurnEnded)))
	}
	if err := c.store.Append(ctx, conversationID, llm.Message{Role: llm.RoleUser, Content: blocks}); err != nil {
		return fmt.Errorf("agent: append tool results: %w", err)
	}
	return nil
}

func (c *Controller) finish(res *Result, r *run, outcome Outcome, text string) *Result {
	res.Outcome = outcome
	res.ResponseText = text
	res.Iterations = r.iteration
	res.ToolCallCount = r.toolCallCount
	res.Usage = r.usage
	return res
}

func (c *Controller) cancelled(res *Result, r *run, text string) *Result {
	res = c.finish(res, r, OutcomeCancelled, text)
	res.Note = "Task cancelled."
	return res
}

// ─── lifecycle ───────────────────────────────────────────────────────────────

func (c *Controller) acquire(conversationID string) (*run, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, busy := c.active[conversationID]; busy {
		return nil, fmt.Errorf("%w: %s", ErrBusy, conversationID)
	}
	r := &run{id: uuid.Must(uuid.NewV7()).String(), started: time.Now()}
	c.active[conversationID] = r
	return r, nil
}

// release trims the transcript and frees the conversation. Trimming uses a
// detached context so it also happens when the caller's context is done.
func (c *Controller) release(ctx context.Context, conversationID string) {
	trimCtx := context.WithoutCancel(ctx)
	if err := c.store.Trim(trimCtx, conversationID, c.cfg.Trim); err != nil {
		c.logger.WarnContext(trimCtx, "trim transcript failed", slog.String("conversation_id", conversationID), slog.Any("error", err))
	}

	c.mu.Lock()
	delete(c.active, conversationID)
	c.mu.Unlock()
}

// Abort requests cooperative cancellation. The loop stops before its next
// model call; a running tool finishes. Reports whether a run was found.
func (c *Controller) Abort(conversationID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.active[conversationID]
	if !ok {
		return false
	}
	r.cancelled.Store(true)
	return true
}

// ClearHistory drops the transcript. Clearing under a running loop would
// orphan its pending tool calls, so it fails with ErrBusy.
func (c *Controller) ClearHistory(ctx context.Context, conversationID string) error {
	c.mu.Lock()
	_, busy := c.active[conversationID]
	c.mu.Unlock()
	if busy {
		return fmt.Errorf("%w: %s", ErrBusy, conversationID)
	}

	if err := c.store.Clear(ctx, conversationID); err != nil {
		return fmt.Errorf("agent: clear history: %w", err)
	}
	c.emit(ctx, Event{Kind: EventHistoryCleared, ConversationID: conversationID})
	return nil
}

// Status reports running loops, stored conversations and registered tools.
func (c *Controller) Status(ctx context.Context) Status {
	c.mu.Lock()
	running := make([]string, 0, len(c.active))
	for id := range c.active {
		running = append(running, id)
	}
	c.mu.Unlock()
	sort.Strings(running)

	st := Status{
		ActiveConversations: len(running),
		Running:             running,
		RegisteredTools:     c.registry.Len(),
	}
	if ids, err := c.store.Conversations(ctx); err == nil {
		st.Conversations = len(ids)
	}
	meta := c.provider.ModelInfo()
	st.Model = meta.ID
	st.Provider = meta.Provider
	return st
}

// Tools lists the registered contracts.
func (c *Controller) Tools() []tool.Contract {
	return c.registry.List()
}

// Invoke runs one tool outside any conversation, through the same policy
// gate, input validation and formatting the loop applies.
func (c *Controller) Invoke(ctx context.Context, name string, input json.RawMessage) (llm.Payload, error) {
	if _, err := c.registry.Lookup(name); err != nil {
		return llm.Payload{}, err
	}
	result, _ := c.invoke(ctx, llm.ToolUseBlock("", name, input))
	return *c.formatter.Format("", result).Payload, nil
}

// History returns a snapshot of the transcript.
func (c *Controller) History(ctx context.Context, conversationID string) ([]llm.Message, error) {
	return c.store.Read(ctx, conversationID)
}

// ─── recording ───────────────────────────────────────────────────────────────

func (c *Controller) emit(ctx context.Context, e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	c.observer.OnEvent(ctx, e)
}

func (c *Controller) fail(ctx context.Context, r *run, conversationID string, err error) error {
	c.recordFinish(ctx, r, RunFinish{Status: StatusFailed, Err: err})
	c.emit(ctx, Event{Kind: EventRunFailed, ConversationID: conversationID, RunID: r.id, Error: err.Error(), Err: err})
	return err
}

func (c *Controller) recordStart(ctx context.Context, r *run, conversationID, input string) {
	if c.runs == nil {
		return
	}
	if err := c.runs.StartRun(context.WithoutCancel(ctx), r.id, conversationID, input, r.started); err != nil {
		c.logger.WarnContext(ctx, "record run start failed", slog.String("run_id", r.id), slog.Any("error", err))
	}
}

func (c *Controller) recordFinish(ctx context.Context, r *run, fin RunFinish) {
	if c.runs == nil {
		return
	}
	fin.Iterations = r.iteration
	fin.ToolCalls = r.toolCalls
	fin.Usage = r.usage
	fin.Latency = time.Since(r.started)
	if err := c.runs.FinishRun(context.WithoutCancel(ctx), r.id, fin); err != nil {
		c.logger.WarnContext(ctx, "record run finish failed", slog.String("run_id", r.id), slog.Any("error", err))
	}
}
