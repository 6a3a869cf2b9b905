package tool

import (
	"context"
	"encoding/json"
)

// Handler defines the runtime contract for executable tools.
// Input is the raw JSON object the model produced for the call.
type Handler interface {
	Execute(ctx context.Context, input json.RawMessage) (Result, error)
}

// HandlerFunc adapts a plain function to Handler.
type HandlerFunc func(ctx context.Context, input json.RawMessage) (Result, error)

func (f HandlerFunc) Execute(ctx context.Context, input json.RawMessage) (Result, error) {
	return f(ctx, input)
}
