// Package logging is how reportsync components write logs. Calls take the
// caller's context first, so a handler can pull request-scoped values out
// of it, and everything after the message is alternating keys and values.
package logging

import "context"

type Logger interface {
	Debug(ctx context.Context, msg string, args ...any)
	Info(ctx context.Context, msg string, args ...any)
	Warn(ctx context.Context, msg string, args ...any)
	Error(ctx context.Context, msg string, args ...any)

	// With binds attributes for every later call, e.g. a task or chain id.
	With(args ...any) Logger
}
