package agent

import (
	"errors"

	"github.com/opirc/remoteagent/internal/domain/tool"
)

var (
	// ErrToolNotFound and ErrToolExecutionFailed are recovered inside the
	// loop and reported to the model as tool results; observers see them.
	ErrToolNotFound        = tool.ErrToolNotFound
	ErrToolExecutionFailed = errors.New("tool execution failed")
	ErrToolBlocked         = errors.New("tool call blocked by policy")

	// ErrModelServiceUnavailable is returned by Process.
	ErrModelServiceUnavailable = errors.New("model service unavailable")

	// ErrIterationBudgetExceeded and ErrCancelled back Result.Err.
	ErrIterationBudgetExceeded = errors.New("iteration budget exceeded")
	ErrCancelled               = errors.New("cancelled")

	ErrBusy = errors.New("conversation already has a run in progress")
)

// Outcome is the reason a Process call stopped.
type Outcome string

const (
	OutcomeCompleted       Outcome = "completed"
	OutcomeBudgetExhausted Outcome = "budget_exhausted"
	OutcomeCancelled       Outcome = "cancelled"
)
