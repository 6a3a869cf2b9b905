// Package llm: Provider interface.
// Adapters (Anthropic, Ollama) implement this interface so the agent loop
// is never coupled to a specific model vendor.
package llm

import (
	"context"
	"errors"
)

// ErrUnavailable marks failures reaching the model service: network, auth,
// rate limiting or an upstream 5xx. Adapters wrap it with %w.
var ErrUnavailable = errors.New("model service unavailable")

// Provider is the model-agnostic interface for tool-using chat completions.
type Provider interface {
	// Complete performs one non-streaming model call.
	Complete(ctx context.Context, req Request) (*Response, error)

	// ModelInfo returns static metadata about the provider/model.
	ModelInfo() ModelMeta

	// HealthCheck returns nil if the provider is reachable and operational.
	HealthCheck(ctx context.Context) error
}
