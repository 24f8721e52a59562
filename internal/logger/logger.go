package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"os"
	"strings"
	"sync/atomic"

	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploggrpc"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

const (
	LevelTrace = slog.Level(-8)
	LevelDebug = slog.LevelDebug
	LevelInfo  = slog.LevelInfo
	LevelWarn  = slog.LevelWarn
	LevelError = slog.LevelError
)

// Options configures Setup
type Options struct {
	Level string
	// ErrorSampleRate logs 1 of every N warnings and errors. Counters are
	// always incremented.
	ErrorSampleRate int
	OTELEnabled     bool
	ServiceName     string
	// Output defaults to stdout for the JSON handler
	Output io.Writer
}

var (
	logger       = slog.Default()
	programLevel = new(slog.LevelVar)
	sampleRate   atomic.Int32
	shutdownFunc func(context.Context) error
)

// Counters for the metrics endpoint, incremented regardless of sampling
var (
	TotalErrors    atomic.Int64
	TotalWarnings  atomic.Int64
	Total5xxErrors atomic.Int64
	Total4xxErrors atomic.Int64
)

func init() {
	sampleRate.Store(1)
}

// Setup installs the process logger and makes it the slog default. With
// OTELEnabled it bridges slog to an OTLP gRPC exporter and falls back to
// JSON on failure.
func Setup(ctx context.Context, opts Options) (*slog.Logger, error) {
	level, err := ParseLevel(opts.Level)
	if err != nil {
		return nil, err
	}
	programLevel.Set(level)

	if opts.ErrorSampleRate > 0 {
		sampleRate.Store(int32(opts.ErrorSampleRate))
	}

	if opts.OTELEnabled {
		serviceName := opts.ServiceName
		if serviceName == "" {
			serviceName = "rulegate"
		}
		err := setupOTEL(ctx, serviceName)
		if err == nil {
			return logger, nil
		}
		fmt.Fprintf(os.Stderr, "failed to setup OTEL logging, falling back to JSON: %v\n", err)
	}

	out := opts.Output
	if out == nil {
		out = os.Stdout
	}
	install(slog.NewJSONHandler(out, &slog.HandlerOptions{Level: programLevel}))
	return logger, nil
}

func install(handler slog.Handler) {
	logger = slog.New(handler)
	slog.SetDefault(logger)
}

func setupOTEL(ctx context.Context, serviceName string) error {
	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceName(serviceName)))
	if err != nil {
		return fmt.Errorf("failed to create resource: %w", err)
	}

	exporter, err := otlploggrpc.New(ctx)
	if err != nil {
		return fmt.Errorf("failed to create OTLP exporter: %w", err)
	}

	provider := sdklog.NewLoggerProvider(
		sdklog.WithResource(res),
		sdklog.WithProcessor(sdklog.NewBatchProcessor(exporter)),
	)

	install(&levelHandler{
		level:   programLevel,
		handler: otelslog.NewHandler(serviceName, otelslog.WithLoggerProvider(provider)),
	})
	shutdownFunc = provider.Shutdown
	return nil
}

// levelHandler applies programLevel to handlers that have no level option
type levelHandler struct {
	level   slog.Leveler
	handler slog.Handler
}

func (h *levelHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *levelHandler) Handle(ctx context.Context, r slog.Record) error {
	return h.handler.Handle(ctx, r)
}

func (h *levelHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &levelHandler{level: h.level, handler: h.handler.WithAttrs(attrs)}
}

func (h *levelHandler) WithGroup(name string) slog.Handler {
	return &levelHandler{level: h.level, handler: h.handler.WithGroup(name)}
}

// Shutdown flushes the OTEL exporter, if any
func Shutdown(ctx context.Context) error {
	if shutdownFunc != nil {
		return shutdownFunc(ctx)
	}
	return nil
}

func SetLevel(level slog.Level) {
	programLevel.Set(level)
}

// GetLevel reports the level currently in effect
func GetLevel() slog.Level {
	return programLevel.Level()
}

// ParseLevel converts a level name to slog.Level. Empty means info.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "TRACE":
		return LevelTrace, nil
	case "DEBUG":
		return LevelDebug, nil
	case "", "INFO":
		return LevelInfo, nil
	case "WARN", "WARNING":
		return LevelWarn, nil
	case "ERROR":
		return LevelError, nil
	default:
		return LevelInfo, fmt.Errorf("unknown log level: %s", s)
	}
}

func shouldSample() bool {
	rate := sampleRate.Load()
	if rate <= 1 {
		return true
	}
	return rand.Intn(int(rate)) == 0
}

func Debug(msg string, args ...any) {
	logger.Debug(msg, args...)
}

func Info(msg string, args ...any) {
	logger.Info(msg, args...)
}

// Warn is sampled; TotalWarnings is not
func Warn(msg string, args ...any) {
	TotalWarnings.Add(1)
	if shouldSample() {
		logger.Warn(msg, args...)
	}
}

// Error is sampled; TotalErrors is not
func Error(msg string, args ...any) {
	TotalErrors.Add(1)
	if shouldSample() {
		logger.Error(msg, args...)
	}
}

// HTTPStatus counts a response status for the error counters
func HTTPStatus(status int) {
	switch {
	case status >= 500:
		Total5xxErrors.Add(1)
		TotalErrors.Add(1)
	case status >= 400:
		Total4xxErrors.Add(1)
		TotalWarnings.Add(1)
	}
}

// Counters returns a snapshot of the counters
func Counters() map[string]int64 {
	return map[string]int64{
		"errors":   TotalErrors.Load(),
		"warnings": TotalWarnings.Load(),
		"http_5xx": Total5xxErrors.Load(),
		"http_4xx": Total4xxErrors.Load(),
	}
}
