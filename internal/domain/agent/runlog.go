package agent

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/opirc/remoteagent/internal/infra/llm"
)

var ErrRunNotFound = errors.New("agent run not found")

// Run status values stored in agent_run.status.
const (
	StatusRunning         = "running"
	StatusCompleted       = string(OutcomeCompleted)
	StatusBudgetExhausted = string(OutcomeBudgetExhausted)
	StatusCancelled       = string(OutcomeCancelled)
	StatusFailed          = "failed"
)

// ToolCall records one tool invocation inside a run.
type ToolCall struct {
	ToolUseID  string          `json:"tool_use_id"`
	ToolName   string          `json:"tool_name"`
	Input      json.RawMessage `json:"input,omitempty"`
	ResultKind string          `json:"result_kind"`
	Error      string          `json:"error,omitempty"`
	ElapsedMs  int64           `json:"elapsed_ms"`
	ExecutedAt time.Time       `json:"executed_at"`
}

// Run is the persisted record of one Process call.
type Run struct {
	ID             string     `json:"id"`
	ConversationID string     `json:"conversation_id"`
	Status         string     `json:"status"`
	Input          string     `json:"input"`
	Response       *string    `json:"response,omitempty"`
	Iterations     int        `json:"iterations"`
	ToolCalls      []ToolCall `json:"tool_calls"`
	InputTokens    int        `json:"input_tokens"`
	OutputTokens   int        `json:"output_tokens"`
	Error          *string    `json:"error,omitempty"`
	LatencyMs      *int64     `json:"latency_ms,omitempty"`
	StartedAt      time.Time  `json:"started_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
}

// RunFinish is what the controller knows when a run ends.
type RunFinish struct {
	Status     string
	Response   string
	Iterations int
	ToolCalls  []ToolCall
	Usage      llm.Usage
	Err        error
	Latency    time.Duration
}

// RunRecorder persists run lifecycles. Recording failures are logged by
// the controller and never fail a run.
type RunRecorder interface {
	StartRun(ctx context.Context, id, conversationID, input string, startedAt time.Time) error
	FinishRun(ctx context.Context, id string, fin RunFinish) error
}

// RunLog is the SQLite RunRecorder.
type RunLog struct {
	db *sql.DB
}

var _ RunRecorder = (*RunLog)(nil)

func NewRunLog(db *sql.DB) *RunLog {
	return &RunLog{db: db}
}

func (l *RunLog) StartRun(ctx context.Context, id, conversationID, input string, startedAt time.Time) error {
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO agent_run (id, conversation_id, status, input, started_at)
		VALUES (?, ?, ?, ?, ?)
	`, id, conversationID, StatusRunning, input, formatTime(startedAt))
	if err != nil {
		return fmt.Errorf("runlog: start %s: %w", id, err)
	}
	return nil
}

func (l *RunLog) FinishRun(ctx context.Context, id string, fin RunFinish) error {
	calls := fin.ToolCalls
	if calls == nil {
		calls = []ToolCall{}
	}
	callsRaw, err := json.Marshal(calls)
	if err != nil {
		return fmt.Errorf("runlog: encode tool calls: %w", err)
	}

	var errText *string
	if fin.Err != nil {
		errText = stringPtr(fin.Err.Error())
	}

	res, err := l.db.ExecContext(ctx, `
		UPDATE agent_run
		SET status = ?, response = ?, iterations = ?, tool_calls = ?,
		    input_tokens = ?, output_tokens = ?, error = ?, latency_ms = ?, completed_at = ?
		WHERE id = ?
	`,
		fin.Status, fin.Response, fin.Iterations, string(callsRaw),
		fin.Usage.InputTokens, fin.Usage.OutputTokens, errText, fin.Latency.Milliseconds(),
		formatTime(time.Now()), id,
	)
	if err != nil {
		return fmt.Errorf("runlog: finish %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrRunNotFound
	}
	return nil
}

func (l *RunLog) GetRun(ctx context.Context, id string) (*Run, error) {
	row := l.db.QueryRowContext(ctx, selectRunColumns+` WHERE id = ?`, id)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	return r, err
}

// ListRuns returns the newest runs of a conversation first.
func (l *RunLog) ListRuns(ctx context.Context, conversationID string, limit int) ([]*Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := l.db.QueryContext(ctx,
		selectRunColumns+` WHERE conversation_id = ? ORDER BY started_at DESC, id DESC LIMIT ?`,
		conversationID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]*Run, 0)
	for rows.Next() {
		r, scanErr := scanRun(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

const selectRunColumns = `
	SELECT id, conversation_id, status, input, response, iterations, tool_calls,
	       input_tokens, output_tokens, error, latency_ms, started_at, completed_at
	FROM agent_run`

type runScanner interface {
	Scan(dest ...any) error
}

type runNullable struct {
	response    sql.NullString
	toolCalls   sql.NullString
	errText     sql.NullString
	latencyMs   sql.NullInt64
	startedAt   string
	completedAt sql.NullString
}

func scanRun(scan runScanner) (*Run, error) {
	var r Run
	var n runNullable

	err := scan.Scan(
		&r.ID, &r.ConversationID, &r.Status, &r.Input, &n.response, &r.Iterations, &n.toolCalls,
		&r.InputTokens, &r.OutputTokens, &n.errText, &n.latencyMs, &n.startedAt, &n.completedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := applyRunNullables(&r, &n); err != nil {
		return nil, err
	}
	return &r, nil
}

func applyRunNullables(r *Run, n *runNullable) error {
	if n.response.Valid {
		r.Response = &n.response.String
	}
	if n.errText.Valid {
		r.Error = &n.errText.String
	}
	if n.latencyMs.Valid {
		r.LatencyMs = &n.latencyMs.Int64
	}
	r.ToolCalls = []ToolCall{}
	if n.toolCalls.Valid && n.toolCalls.String != "" {
		if err := json.Unmarshal([]byte(n.toolCalls.String), &r.ToolCalls); err != nil {
			return fmt.Errorf("runlog: decode tool calls of %s: %w", r.ID, err)
		}
	}

	started, err := time.Parse(timeLayout, n.startedAt)
	if err != nil {
		return fmt.Errorf("runlog: parse started_at of %s: %w", r.ID, err)
	}
	r.StartedAt = started
	if n.completedAt.Valid {
		completed, err := time.Parse(timeLayout, n.completedAt.String)
		if err != nil {
			return fmt.Errorf("runlog: parse completed_at of %s: %w", r.ID, err)
		}
		r.CompletedAt = &completed
	}
	return nil
}

// timeLayout is fixed-width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func stringPtr(s string) *string {
	return &s
}
