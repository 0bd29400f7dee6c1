// Package correlation carries a per-request correlation id through contexts,
// fetches, and log lines. The id links every log line and authority call
// belonging to one logical admission request or connection.
//
// The id is request-scoped: it lives in the context.Context of the unit of
// work, never in shared process state, so concurrent requests cannot leak
// ids into each other.
package correlation

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
)

// Header is the HTTP header used to receive and propagate correlation ids.
const Header = "X-Correlation-Id"

type ctxKey struct{}

// WithID returns a context carrying the given correlation id. An empty id
// returns the context unchanged.
func WithID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, ctxKey{}, id)
}

// FromContext returns the correlation id carried by ctx, or "" when unset.
func FromContext(ctx context.Context) string {
	id, _ := ctx.Value(ctxKey{}).(string)
	return id
}

// Ensure returns a context that carries a correlation id, generating a new
// one when ctx has none, along with the id in effect.
func Ensure(ctx context.Context) (context.Context, string) {
	if id := FromContext(ctx); id != "" {
		return ctx, id
	}
	id := uuid.NewString()
	return WithID(ctx, id), id
}

// Attr returns a slog attribute for the correlation id in ctx. When no id is
// set it returns an empty-key attribute, which slog drops from output, so
// callers can pass it unconditionally.
func Attr(ctx context.Context) slog.Attr {
	id := FromContext(ctx)
	if id == "" {
		return slog.Attr{}
	}
	return slog.String("correlation_id", id)
}
