// Package correlation propagates a correlation id through a
// context.Context across a dispatch and its deferred sends.
package correlation

import (
	"context"

	"github.com/google/uuid"
)

type correlationIDKey struct{}

// With attaches a correlation id to ctx.
func With(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationIDKey{}, id)
}

// Get retrieves the correlation id from ctx, or "" if none is set.
func Get(ctx context.Context) string {
	if id, ok := ctx.Value(correlationIDKey{}).(string); ok {
		return id
	}
	return ""
}

// New generates a fresh correlation id.
func New() string {
	return uuid.New().String()
}

// WithNew attaches a freshly generated correlation id to ctx.
func WithNew(ctx context.Context) (context.Context, string) {
	id := New()
	return With(ctx, id), id
}
