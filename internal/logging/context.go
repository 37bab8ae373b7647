package logging

import "context"

type contextKey int

const (
	sessionIDKey contextKey = iota
	loggerKey
)

// WithSessionIDCtx returns a context carrying a session id.
func WithSessionIDCtx(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, sessionIDKey, id)
}

// SessionIDFromCtx returns the session id carried by ctx, if any.
func SessionIDFromCtx(ctx context.Context) string {
	id, _ := ctx.Value(sessionIDKey).(string)
	return id
}

// WithLoggerCtx attaches a logger to ctx.
func WithLoggerCtx(ctx context.Context, l *Logger) context.Context {
	return context.WithValue(ctx, loggerKey, l)
}

// FromCtx returns the logger attached to ctx, falling back to the global
// logger. A session id carried by ctx is applied to the result.
func FromCtx(ctx context.Context) *Logger {
	l, ok := ctx.Value(loggerKey).(*Logger)
	if !ok || l == nil {
		l = Global()
	}
	if id := SessionIDFromCtx(ctx); id != "" && id != l.sessionID {
		l = l.WithSessionID(id)
	}
	return l
}
