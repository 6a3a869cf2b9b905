// Package ctxkeys holds the request context keys shared by the API
// middleware and handlers. It is a leaf package so both can import it.
package ctxkeys

import "context"

// Key is a named type so values never collide with plain string keys.
type Key string

const (
	// Operator is the authenticated operator, injected by the auth middleware.
	Operator Key = "operator"
)

func WithValue(ctx context.Context, key Key, value string) context.Context {
	return context.WithValue(ctx, key, value)
}

// String returns the value under key, or "" when unset.
func String(ctx context.Context, key Key) string {
	v, _ := ctx.Value(key).(string)
	return v
}
