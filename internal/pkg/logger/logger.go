// Package logger wraps log/slog with the attributes the upscaler attaches to
// every record: service, component, job and backend identifiers.
package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

type contextKey string

const (
	RequestIDKey contextKey = "request_id"
	JobIDKey     contextKey = "job_id"
)

// contextAttrs lists the context values FromContext copies onto records,
// in output order.
var contextAttrs = []contextKey{RequestIDKey, JobIDKey}

type Logger struct {
	*slog.Logger
}

type Config struct {
	Level  string // debug, info, warn, error
	Format string // json or text
	// Output is ignored when File is set. Defaults to stdout.
	Output io.Writer

	// File sends records to a size-rotated file.
	File       string
	MaxSizeMB  int
	MaxBackups int

	AddSource   bool
	ServiceName string
}

func New(cfg Config) *Logger {
	out := cfg.Output
	switch {
	case cfg.File != "":
		out = &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			Compress:   true,
		}
	case out == nil:
		out = os.Stdout
	}

	opts := &slog.HandlerOptions{
		Level:       parseLevel(cfg.Level),
		AddSource:   cfg.AddSource,
		ReplaceAttr: utcTime,
	}

	var h slog.Handler = slog.NewJSONHandler(out, opts)
	if cfg.Format == "text" {
		h = slog.NewTextHandler(out, opts)
	}
	if cfg.ServiceName != "" {
		h = h.WithAttrs([]slog.Attr{slog.String("service", cfg.ServiceName)})
	}
	return &Logger{Logger: slog.New(h)}
}

// utcTime renders record timestamps as RFC 3339 in UTC.
func utcTime(_ []string, a slog.Attr) slog.Attr {
	if a.Key != slog.TimeKey {
		return a
	}
	if t, ok := a.Value.Any().(time.Time); ok {
		a.Value = slog.StringValue(t.UTC().Format(time.RFC3339Nano))
	}
	return a
}

// NewDefault is an info-level JSON logger on stdout.
func NewDefault() *Logger {
	return New(Config{Level: "info", ServiceName: "upscaler"})
}

// Discard returns a logger that drops every record.
func Discard() *Logger {
	return &Logger{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
}

func (l *Logger) with(key, value string) *Logger {
	return &Logger{Logger: l.Logger.With(slog.String(key, value))}
}

func (l *Logger) WithRequestID(id string) *Logger { return l.with(string(RequestIDKey), id) }
func (l *Logger) WithJobID(id string) *Logger     { return l.with(string(JobIDKey), id) }
func (l *Logger) WithComponent(name string) *Logger {
	return l.with("component", name)
}

// WithSession tags records with a backend session identity.
func (l *Logger) WithSession(session string) *Logger { return l.with("session_id", session) }

// WithPromptID tags records with the backend's id for a submitted graph.
func (l *Logger) WithPromptID(id string) *Logger { return l.with("prompt_id", id) }

// WithError attaches err's text. A nil err returns l unchanged.
func (l *Logger) WithError(err error) *Logger {
	if err == nil {
		return l
	}
	return l.with("error", err.Error())
}

// FromContext returns l enriched with the request and job ids carried by
// ctx.
func (l *Logger) FromContext(ctx context.Context) *Logger {
	out := l
	for _, key := range contextAttrs {
		if v, ok := ctx.Value(key).(string); ok && v != "" {
			out = out.with(string(key), v)
		}
	}
	return out
}

// LogFatal logs msg at error level and exits with status 1.
func (l *Logger) LogFatal(msg string, err error, args ...any) {
	if err != nil {
		args = append(args, "error", err.Error())
	}
	l.Error(msg, args...)
	os.Exit(1)
}

func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, RequestIDKey, id)
}

func ContextWithJobID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, JobIDKey, id)
}

func parseLevel(level string) slog.Level {
	var l slog.Level
	switch s := strings.ToLower(strings.TrimSpace(level)); s {
	case "warning":
		return slog.LevelWarn
	default:
		if err := l.UnmarshalText([]byte(s)); err != nil {
			return slog.LevelInfo
		}
		return l
	}
}
