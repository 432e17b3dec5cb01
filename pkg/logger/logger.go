package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"
)

// New returns the process logger for the given APP_ENV.
// local/dev get a colored, human-readable handler at debug level;
// everything else gets JSON at info level for log shipping.
func New(appEnv string) *slog.Logger {
	return NewWithWriter(appEnv, os.Stdout)
}

// NewWithWriter is New with an explicit sink.
func NewWithWriter(appEnv string, w io.Writer) *slog.Logger {
	if isDevEnv(appEnv) {
		return slog.New(tint.NewHandler(w, &tint.Options{
			Level:      slog.LevelDebug,
			TimeFormat: time.RFC3339,
		}))
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: slog.LevelInfo}))
}

func isDevEnv(appEnv string) bool {
	return appEnv == "local" || appEnv == "dev"
}

// Component returns l scoped to a named subsystem.
func Component(l *slog.Logger, name string) *slog.Logger {
	if l == nil {
		l = slog.Default()
	}
	return l.With("component", name)
}

type ctxKey struct{}

// With stores a logger in context.
func With(ctx context.Context, l *slog.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, l)
}

// From gets a logger from context, falling back to slog.Default().
func From(ctx context.Context) *slog.Logger {
	if v := ctx.Value(ctxKey{}); v != nil {
		if l, ok := v.(*slog.Logger); ok && l != nil {
			return l
		}
	}
	return slog.Default()
}

// ShutdownFlush is a placeholder for future log flushing (if a buffered logger is used).
func ShutdownFlush(_ context.Context, _ time.Duration) error { return nil }
