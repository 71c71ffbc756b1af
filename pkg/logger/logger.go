package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
)

type contextKey struct{}

type viewerKey struct{}

type viewerInfo struct {
	viewerID  string
	sessionID string
}

func Setup(level string, format string) {
	SetupWriter(os.Stdout, level, format)
}

// SetupWriter installs the default logger writing to w.
func SetupWriter(w io.Writer, level string, format string) {
	var handler slog.Handler
	opts := &slog.HandlerOptions{
		Level: parseLevel(level),
	}
	switch format {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	default:
		handler = slog.NewTextHandler(w, opts)
	}
	slog.SetDefault(slog.New(handler))
}

func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, contextKey{}, requestID)
}

// RequestID returns the request ID stored in ctx, or "".
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(contextKey{}).(string)
	return id
}

// WithViewer tags ctx so that FromContext loggers carry viewer and session.
func WithViewer(ctx context.Context, viewerID, sessionID string) context.Context {
	return context.WithValue(ctx, viewerKey{}, viewerInfo{viewerID: viewerID, sessionID: sessionID})
}

func FromContext(ctx context.Context) *slog.Logger {
	logger := slog.Default()
	if requestID, ok := ctx.Value(contextKey{}).(string); ok {
		logger = logger.With("request_id", requestID)
	}
	if v, ok := ctx.Value(viewerKey{}).(viewerInfo); ok {
		logger = logger.With("viewer_id", v.viewerID, "session_id", v.sessionID)
	}
	return logger
}

func WithComponent(component string) *slog.Logger {
	return slog.Default().With("component", component)
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
