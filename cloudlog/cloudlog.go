// Package cloudlog builds the structured logger used throughout a
// migration run. The logger is constructed once and threaded explicitly
// through the components that need it via context.Context, rather than
// held in a package-level global, so concurrent migrations (and tests)
// never share mutable state.
package cloudlog

import (
	"context"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/gurre/cloudmig/config"
)

// ctxKey is an unexported type so values stored under it can't collide
// with keys set by other packages.
type ctxKey struct{}

// New builds a zerolog.Logger from a LoggingConfig: debug/info/warn/error
// level, text (console-friendly) or json output, always timestamped.
func New(cfg config.LoggingConfig, output io.Writer) zerolog.Logger {
	if output == nil {
		output = os.Stdout
	}

	var level zerolog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = zerolog.DebugLevel
	case "warn":
		level = zerolog.WarnLevel
	case "error":
		level = zerolog.ErrorLevel
	default:
		level = zerolog.InfoLevel
	}

	base := zerolog.New(output).Level(level).With().Timestamp()
	if cfg.Format == "text" {
		return zerolog.New(zerolog.ConsoleWriter{Out: output, TimeFormat: time.RFC3339}).
			Level(level).With().Timestamp().Logger()
	}
	return base.Logger()
}

// WithContext returns a context carrying logger, retrievable with
// FromContext.
func WithContext(ctx context.Context, logger zerolog.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, logger)
}

// FromContext returns the logger stored in ctx, or a disabled logger if
// none was set — callers never need a nil check, they just get silence.
func FromContext(ctx context.Context) zerolog.Logger {
	if logger, ok := ctx.Value(ctxKey{}).(zerolog.Logger); ok {
		return logger
	}
	return zerolog.Nop()
}

// WithWorker returns a child logger tagging every entry with the
// worker's id.
func WithWorker(logger zerolog.Logger, id int) zerolog.Logger {
	return logger.With().Int("worker", id).Logger()
}

// WithBucket returns a child logger tagging every entry with the source
// bucket currently being migrated.
func WithBucket(logger zerolog.Logger, src string) zerolog.Logger {
	return logger.With().Str("bucket", src).Logger()
}
