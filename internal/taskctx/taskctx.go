// Package taskctx exposes the "current input id" that user-facing log lines
// are stamped with, as task-local state keyed off context.Context rather
// than a process-wide global. This lets multiple drivers run concurrently
// (e.g. under test, or with multiple input slots per the concurrency-limit
// extension) without clobbering each other's notion of "current".
package taskctx

import (
	"context"
	"time"
)

type (
	inputIDKey   struct{}
	startedAtKey struct{}
)

// WithInput returns a context carrying the given input id and its start
// time, for the duration of one handler invocation.
func WithInput(ctx context.Context, inputID string, startedAt time.Time) context.Context {
	ctx = context.WithValue(ctx, inputIDKey{}, inputID)
	ctx = context.WithValue(ctx, startedAtKey{}, startedAt)
	return ctx
}

// InputID returns the current input id, and whether one is set.
func InputID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(inputIDKey{}).(string)
	return v, ok
}

// StartedAt returns the current input's start time, and whether one is set.
func StartedAt(ctx context.Context) (time.Time, bool) {
	v, ok := ctx.Value(startedAtKey{}).(time.Time)
	return v, ok
}
