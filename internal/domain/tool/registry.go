package tool

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"

	"github.com/opirc/remoteagent/internal/infra/llm"
)

var (
	ErrToolNotFound         = errors.New("tool not found")
	ErrInvalidContract      = errors.New("invalid tool contract")
	ErrToolValidationFailed = errors.New("tool input validation failed")
)

const emptyObjectSchema = `{"type":"object","properties":{}}`

// Contract is a declarative tool description plus its handler.
type Contract struct {
	Name        string
	Description string
	InputSchema json.RawMessage
	Handler     Handler
}

// Schema returns the model-facing part of the contract.
func (c Contract) Schema() llm.ToolSchema {
	return llm.ToolSchema{Name: c.Name, Description: c.Description, InputSchema: c.InputSchema}
}

// Registry maps tool names to contracts. Safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	contracts map[string]Contract
}

func NewRegistry() *Registry {
	return &Registry{contracts: make(map[string]Contract)}
}

// Register stores c under c.Name. An existing contract with the same name
// is replaced.
func (r *Registry) Register(c Contract) error {
	if strings.TrimSpace(c.Name) == "" || c.Handler == nil {
		return ErrInvalidContract
	}
	if len(c.InputSchema) == 0 {
		c.InputSchema = json.RawMessage(emptyObjectSchema)
	}
	if !json.Valid(c.InputSchema) {
		return fmt.Errorf("%w: input schema of %q must be valid json", ErrInvalidContract, c.Name)
	}

	r.mu.Lock()
	r.contracts[c.Name] = c
	r.mu.Unlock()
	return nil
}

// Unregister removes name; it reports whether a contract was removed.
func (r *Registry) Unregister(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.contracts[name]; !ok {
		return false
	}
	delete(r.contracts, name)
	return true
}

// Lookup is a case-sensitive exact match.
func (r *Registry) Lookup(name string) (Contract, error) {
	r.mu.RLock()
	c, ok := r.contracts[name]
	r.mu.RUnlock()
	if !ok {
		return Contract{}, fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}
	return c, nil
}

// List returns all contracts sorted by name.
func (r *Registry) List() []Contract {
	r.mu.RLock()
	out := make([]Contract, 0, len(r.contracts))
	for _, c := range r.contracts {
		out = append(out, c)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Schemas returns the model-facing schemas sorted by name, so repeated
// requests present tools in a stable order.
func (r *Registry) Schemas() []llm.ToolSchema {
	list := r.List()
	out := make([]llm.ToolSchema, len(list))
	for i, c := range list {
		out[i] = c.Schema()
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.contracts)
}

// ValidateInput checks input against the minimal subset of JSON schema the
// built-in tools use: required keys, primitive property types and
// additionalProperties=false.
func ValidateInput(c Contract, input json.RawMessage) error {
	if len(input) == 0 {
		input = json.RawMessage(`{}`)
	}

	var in map[string]any
	if err := json.Unmarshal(input, &in); err != nil {
		return fmt.Errorf("%w: input must be a json object", ErrToolValidationFailed)
	}

	var schema map[string]any
	if err := json.Unmarshal(c.InputSchema, &schema); err != nil {
		return fmt.Errorf("%w: invalid schema", ErrToolValidationFailed)
	}

	return validateAgainstMinimalSchema(in, schema)
}

func validateAgainstMinimalSchema(input, schema map[string]any) error {
	for _, key := range extractStringSlice(schema["required"]) {
		if _, ok := input[key]; !ok {
			return fmt.Errorf("%w: missing required field %q", ErrToolValidationFailed, key)
		}
	}

	props, _ := schema["properties"].(map[string]any)
	for key, value := range input {
		def, _ := props[key].(map[string]any)
		expected, _ := def["type"].(string)
		if expected == "" || value == nil {
			continue
		}
		if !hasType(value, expected) {
			return fmt.Errorf("%w: field %q: expected %s", ErrToolValidationFailed, key, expected)
		}
	}

	allowAdditional := true
	if v, ok := schema["additionalProperties"].(bool); ok {
		allowAdditional = v
	}
	if allowAdditional {
		return nil
	}

	for key := range input {
		if _, ok := props[key]; !ok {
			return fmt.Errorf("%w: unknown field %q", ErrToolValidationFailed, key)
		}
	}
	return nil
}

// hasType reports whether a decoded JSON value matches a schema type.
// Unknown types are accepted.
func hasType(value any, expected string) bool {
	switch expected {
	case "string":
		_, ok := value.(string)
		return ok
	case "number":
		_, ok := value.(float64)
		return ok
	case "integer":
		f, ok := value.(float64)
		return ok && f == math.Trunc(f)
	case "boolean":
		_, ok := value.(bool)
		return ok
	case "object":
		_, ok := value.(map[string]any)
		return ok
	case "array":
		_, ok := value.([]any)
		return ok
	}
	return true
}

func extractStringSlice(v any) []string {
	arr, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(arr))
	for _, item := range arr {
		if s, ok := item.(string); ok && strings.TrimSpace(s) != "" {
			out = append(out, s)
		}
	}
	return out
}
