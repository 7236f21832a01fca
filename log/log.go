// Package log renders sing logger calls through log/slog: colored output on
// stderr plus an optional plain-text file.
package log

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	E "github.com/sagernet/sing/common/exceptions"
	F "github.com/sagernet/sing/common/format"
	"github.com/sagernet/sing/common/logger"

	"github.com/encodeous/tint"
	slogmulti "github.com/samber/slog-multi"
)

const LevelTrace = slog.LevelDebug - 4

var _ logger.ContextLogger = (*Logger)(nil)

type Options struct {
	Level  string
	File   string
	Prefix string
	// Writer replaces stderr for the colored handler.
	Writer  io.Writer
	NoColor bool
}

type Logger struct {
	logger *slog.Logger
	file   *os.File
}

func ParseLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "trace":
		return LevelTrace, nil
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, E.New("unknown log level: ", level)
	}
}

func New(options Options) (*Logger, error) {
	level, err := ParseLevel(options.Level)
	if err != nil {
		return nil, err
	}
	writer := options.Writer
	if writer == nil {
		writer = os.Stderr
	}
	handlers := []slog.Handler{
		tint.NewHandler(writer, &tint.Options{
			Level:        level,
			CustomPrefix: options.Prefix,
			NoColor:      options.NoColor,
			ReplaceAttr: func(groups []string, attr slog.Attr) slog.Attr {
				if attr.Key == slog.LevelKey && attr.Value.Any() == LevelTrace {
					return slog.String(slog.LevelKey, "TRC")
				}
				return attr
			},
		}),
	}
	var file *os.File
	if options.File != "" {
		err = os.MkdirAll(filepath.Dir(options.File), 0o700)
		if err != nil {
			return nil, E.Cause(err, "create log directory")
		}
		file, err = os.OpenFile(options.File, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0o600)
		if err != nil {
			return nil, E.Cause(err, "open log file")
		}
		handlers = append(handlers, slog.NewTextHandler(file, &slog.HandlerOptions{Level: level}))
	}
	return &Logger{
		logger: slog.New(slogmulti.Fanout(handlers...)),
		file:   file,
	}, nil
}

// Slog exposes the underlying structured logger.
func (l *Logger) Slog() *slog.Logger {
	return l.logger
}

func (l *Logger) Close() error {
	if l.file == nil {
		return nil
	}
	return l.file.Close()
}

func (l *Logger) log(ctx context.Context, level slog.Level, args []any) {
	if ctx == nil {
		ctx = context.Background()
	}
	if !l.logger.Enabled(ctx, level) {
		return
	}
	l.logger.Log(ctx, level, F.ToString(args...))
}

func (l *Logger) Trace(args ...any) {
	l.log(context.Background(), LevelTrace, args)
}

func (l *Logger) Debug(args ...any) {
	l.log(context.Background(), slog.LevelDebug, args)
}

func (l *Logger) Info(args ...any) {
	l.log(context.Background(), slog.LevelInfo, args)
}

func (l *Logger) Warn(args ...any) {
	l.log(context.Background(), slog.LevelWarn, args)
}

func (l *Logger) Error(args ...any) {
	l.log(context.Background(), slog.LevelError, args)
}

func (l *Logger) Fatal(args ...any) {
	l.FatalContext(context.Background(), args...)
}

func (l *Logger) Panic(args ...any) {
	l.PanicContext(context.Background(), args...)
}

func (l *Logger) TraceContext(ctx context.Context, args ...any) {
	l.log(ctx, LevelTrace, args)
}

func (l *Logger) DebugContext(ctx context.Context, args ...any) {
	l.log(ctx, slog.LevelDebug, args)
}

func (l *Logger) InfoContext(ctx context.Context, args ...any) {
	l.log(ctx, slog.LevelInfo, args)
}

func (l *Logger) WarnContext(ctx context.Context, args ...any) {
	l.log(ctx, slog.LevelWarn, args)
}

func (l *Logger) ErrorContext(ctx context.Context, args ...any) {
	l.log(ctx, slog.LevelError, args)
}

func (l *Logger) FatalContext(ctx context.Context, args ...any) {
	l.log(ctx, slog.LevelError, args)
	l.Close()
	os.Exit(1)
}

func (l *Logger) PanicContext(ctx context.Context, args ...any) {
	message := F.ToString(args...)
	l.log(ctx, slog.LevelError, []any{message})
	panic(message)
}
