// Package policy gates tool calls with an OPA/Rego policy. The policy
// exposes data.remoteagent.tools.decision as {"allow": bool, "reason": string}
// and sees {"tool": name, "input": arguments} as input.
package policy

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/open-policy-agent/opa/v1/rego"
)

const decisionQuery = "data.remoteagent.tools.decision"

//go:embed default.rego
var DefaultModule string

var ErrNoDecision = errors.New("policy produced no decision")

// Decision is the outcome for one tool call.
type Decision struct {
	Allow  bool   `json:"allow"`
	Reason string `json:"reason,omitempty"`
}

// Engine evaluates a prepared Rego query. Safe for concurrent use.
type Engine struct {
	query  rego.PreparedEvalQuery
	source string
}

// NewEngine compiles module. An empty module selects DefaultModule.
func NewEngine(ctx context.Context, module string) (*Engine, error) {
	source := "default.rego"
	if module == "" {
		module = DefaultModule
	}
	return newEngine(ctx, source, module)
}

// LoadEngine compiles the policy file at path, or the default policy when
// path is empty.
func LoadEngine(ctx context.Context, path string) (*Engine, error) {
	if path == "" {
		return NewEngine(ctx, "")
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("policy: read %s: %w", path, err)
	}
	return newEngine(ctx, filepath.Base(path), string(raw))
}

func newEngine(ctx context.Context, source, module string) (*Engine, error) {
	r := rego.New(
		rego.Query(decisionQuery),
		rego.Module(source, module),
	)
	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("policy: prepare %s: %w", source, err)
	}
	return &Engine{query: query, source: source}, nil
}

// Source names the compiled module.
func (e *Engine) Source() string { return e.source }

// Evaluate runs the policy for one tool call.
func (e *Engine) Evaluate(ctx context.Context, toolName string, input json.RawMessage) (Decision, error) {
	args, err := decodeArguments(input)
	if err != nil {
		return Decision{}, err
	}

	results, err := e.query.Eval(ctx, rego.EvalInput(map[string]any{
		"tool":  toolName,
		"input": args,
	}))
	if err != nil {
		return Decision{}, fmt.Errorf("policy: evaluate: %w", err)
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return Decision{}, ErrNoDecision
	}
	return parseDecision(results[0].Expressions[0].Value)
}

// Allow adapts Evaluate to the agent's tool gate.
func (e *Engine) Allow(ctx context.Context, toolName string, input json.RawMessage) (bool, string, error) {
	d, err := e.Evaluate(ctx, toolName, input)
	if err != nil {
		return false, "", err
	}
	return d.Allow, d.Reason, nil
}

// decodeArguments turns the raw call input into a generic object and
// cleans any "path" argument so traversal cannot dodge a prefix rule.
func decodeArguments(input json.RawMessage) (map[string]any, error) {
	args := map[string]any{}
	if len(input) == 0 {
		return args, nil
	}
	if err := json.Unmarshal(input, &args); err != nil {
		return nil, fmt.Errorf("policy: tool input is not a JSON object: %w", err)
	}
	if p, ok := args["path"].(string); ok && p != "" {
		args["path"] = filepath.Clean(p)
	}
	return args, nil
}

func parseDecision(v any) (Decision, error) {
	obj, ok := v.(map[string]any)
	if !ok {
		return Decision{}, fmt.Errorf("policy: decision has type %T, want object", v)
	}
	allow, ok := obj["allow"].(bool)
	if !ok {
		return Decision{}, fmt.Errorf("policy: decision.allow missing or not a boolean")
	}
	reason, _ := obj["reason"].(string)
	return Decision{Allow: allow, Reason: reason}, nil
}
