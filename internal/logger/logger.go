package logger

import (
	"context"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// ContextKey is the type for context keys used by the logger
type ContextKey string

const (
	// LoggerKey is the context key for the logger instance
	LoggerKey ContextKey = "logger"
)

// Options controls the output of loggers built by NewWithOptions.
type Options struct {
	// Level is a zerolog level name such as "debug" or "info".
	Level string
	// Format is "console" (default) or "json".
	Format string
}

// New creates a new structured logger with default configuration
func New() zerolog.Logger {
	output := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	}
	return zerolog.New(output).With().Timestamp().Caller().Logger()
}

// NewWithOptions creates a logger honoring the configured level and format.
// Unknown levels fall back to info.
func NewWithOptions(opts Options) zerolog.Logger {
	var log zerolog.Logger
	if strings.EqualFold(opts.Format, "json") {
		log = NewWithWriter(os.Stdout)
	} else {
		log = New()
	}

	level, err := zerolog.ParseLevel(strings.ToLower(opts.Level))
	if err != nil || opts.Level == "" {
		level = zerolog.InfoLevel
	}
	return log.Level(level)
}

// NewWithWriter creates a new structured logger with a custom writer
func NewWithWriter(w io.Writer) zerolog.Logger {
	return zerolog.New(w).With().Timestamp().Caller().Logger()
}

// WithContext adds the logger to the context
func WithContext(ctx context.Context, logger zerolog.Logger) context.Context {
	return context.WithValue(ctx, LoggerKey, logger)
}

// FromContext retrieves the logger from the context or returns a default logger
func FromContext(ctx context.Context) zerolog.Logger {
	if logger, ok := ctx.Value(LoggerKey).(zerolog.Logger); ok {
		return logger
	}
	return New()
}

// WithFields adds structured fields to a logger
func WithFields(logger zerolog.Logger, fields map[string]interface{}) zerolog.Logger {
	ctx := logger.With()
	for k, v := range fields {
		ctx = ctx.Interface(k, v)
	}
	return ctx.Logger()
}

// ForRun returns a context whose logger carries the run id and logical date.
func ForRun(ctx context.Context, runID, logicalDate string) context.Context {
	log := FromContext(ctx).With().
		Str("run_id", runID).
		Str("logical_date", logicalDate).
		Logger()
	return WithContext(ctx, log)
}

// ForStep returns a context whose logger additionally carries the step name.
func ForStep(ctx context.Context, step string) context.Context {
	log := FromContext(ctx).With().Str("step", step).Logger()
	return WithContext(ctx, log)
}
