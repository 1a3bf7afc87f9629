package utils

import (
	"context"
	"log/slog"
	"os"
)

// Logger is the logging surface consumed by the mapper subsystems.
// Ctx variants pick up default args attached via WithDefaultArgs.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
	DebugCtx(ctx context.Context, msg string, args ...any)
	InfoCtx(ctx context.Context, msg string, args ...any)
	WarnCtx(ctx context.Context, msg string, args ...any)
	ErrorCtx(ctx context.Context, msg string, args ...any)
}

const prefix = "[sohm] "

type DefaultLogger struct {
	logger *slog.Logger
}

func NewDefaultLogger(level slog.Level) *DefaultLogger {
	return &DefaultLogger{logger: slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))}
}

var defaultArgsKey int

func defaultArgs(ctx context.Context) []any {
	args, _ := ctx.Value(&defaultArgsKey).([]any)
	return args
}

// WithDefaultArgs attaches args that every Ctx log call on this context
// will carry.
func WithDefaultArgs(ctx context.Context, args ...any) context.Context {
	return context.WithValue(ctx, &defaultArgsKey, append(defaultArgs(ctx), args...))
}

func (d *DefaultLogger) log(level slog.Level, msg string, args []any) {
	d.logger.Log(context.Background(), level, prefix+msg, args...)
}

func (d *DefaultLogger) Debug(msg string, args ...any) { d.log(slog.LevelDebug, msg, args) }
func (d *DefaultLogger) Info(msg string, args ...any)  { d.log(slog.LevelInfo, msg, args) }
func (d *DefaultLogger) Warn(msg string, args ...any)  { d.log(slog.LevelWarn, msg, args) }
func (d *DefaultLogger) Error(msg string, args ...any) { d.log(slog.LevelError, msg, args) }

func (d *DefaultLogger) DebugCtx(ctx context.Context, msg string, args ...any) {
	d.log(slog.LevelDebug, msg, append(args, defaultArgs(ctx)...))
}

func (d *DefaultLogger) InfoCtx(ctx context.Context, msg string, args ...any) {
	d.log(slog.LevelInfo, msg, append(args, defaultArgs(ctx)...))
}

func (d *DefaultLogger) WarnCtx(ctx context.Context, msg string, args ...any) {
	d.log(slog.LevelWarn, msg, append(args, defaultArgs(ctx)...))
}

func (d *DefaultLogger) ErrorCtx(ctx context.Context, msg string, args ...any) {
	d.log(slog.LevelError, msg, append(args, defaultArgs(ctx)...))
}
