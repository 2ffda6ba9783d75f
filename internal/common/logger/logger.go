package logger

import (
	"context"
	"os"
	"sort"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Logger struct {
	service string
	z       *zap.Logger
}

// Init installs the process-wide zap logger used by New. level is one of
// debug, info, warn, error.
func Init(level string) error {
	cfg := zap.NewProductionConfig()
	cfg.EncoderConfig.TimeKey = "timestamp"
	cfg.EncoderConfig.EncodeTime = zapcore.RFC3339NanoTimeEncoder
	cfg.EncoderConfig.LevelKey = "level"
	cfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	cfg.OutputPaths = []string{"stdout"}
	if level != "" {
		lvl, err := zapcore.ParseLevel(level)
		if err != nil {
			return err
		}
		cfg.Level = zap.NewAtomicLevelAt(lvl)
	}
	z, err := cfg.Build(zap.Fields(zap.String("hostname", hostname())))
	if err != nil {
		return err
	}
	zap.ReplaceGlobals(z)
	return nil
}

func New(service string) *Logger {
	return &Logger{service: service, z: zap.L().With(zap.String("service", service))}
}

// NewNop discards everything; tests use it.
func NewNop() *Logger { return &Logger{service: "nop", z: zap.NewNop()} }

// Ctx returns a logger that stamps trace_id and span_id from the active span.
func (l *Logger) Ctx(ctx context.Context) *Logger {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return l
	}
	return &Logger{service: l.service, z: l.z.With(
		zap.String("trace_id", sc.TraceID().String()),
		zap.String("span_id", sc.SpanID().String()),
	)}
}

func (l *Logger) Debug(action string, fields map[string]any) {
	l.z.Debug(action, toZap(action, fields)...)
}

func (l *Logger) Info(action string, fields map[string]any) {
	l.z.Info(action, toZap(action, fields)...)
}

func (l *Logger) Warn(action string, fields map[string]any) {
	l.z.Warn(action, toZap(action, fields)...)
}

func (l *Logger) Error(action string, err error, fields map[string]any) {
	zf := toZap(action, fields)
	if err != nil {
		zf = append(zf, zap.Error(err))
	}
	l.z.Error(action, zf...)
}

func (l *Logger) Sync() { _ = l.z.Sync() }

func toZap(action string, fields map[string]any) []zap.Field {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]zap.Field, 0, len(keys)+1)
	out = append(out, zap.String("action", action))
	for _, k := range keys {
		out = append(out, zap.Any(k, fields[k]))
	}
	return out
}

func hostname() string { h, _ := os.Hostname(); return h }
