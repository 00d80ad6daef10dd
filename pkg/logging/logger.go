// Package logging provides structured logging configuration using zerolog.
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LogLevel represents the logging level.
type LogLevel string

const (
	// LevelDebug logs debug messages and above.
	LevelDebug LogLevel = "debug"

	// LevelInfo logs info messages and above.
	LevelInfo LogLevel = "info"

	// LevelWarn logs warning messages and above.
	LevelWarn LogLevel = "warn"

	// LevelError logs error messages only.
	LevelError LogLevel = "error"
)

// Config holds logger configuration.
type Config struct {
	// Level is the minimum log level to output.
	Level LogLevel

	// Pretty enables human-readable console output (default: false for JSON).
	Pretty bool

	// Output is the writer to output logs to (default: os.Stderr).
	Output io.Writer
}

// DefaultConfig returns a default logger configuration.
func DefaultConfig() Config {
	return Config{
		Level:  LevelInfo,
		Pretty: false,
		Output: os.Stderr,
	}
}

// Setup configures the global zerolog logger.
func Setup(cfg Config) zerolog.Logger {
	// Set global log level
	level := parseLevel(cfg.Level)
	zerolog.SetGlobalLevel(level)

	// Configure output
	var output io.Writer = cfg.Output
	if cfg.Pretty {
		output = zerolog.ConsoleWriter{Out: cfg.Output}
	}

	// Create logger with timestamp
	logger := zerolog.New(output).With().Timestamp().Logger()

	// Set as global logger
	log.Logger = logger

	return logger
}

// parseLevel converts LogLevel to zerolog.Level.
func parseLevel(level LogLevel) zerolog.Level {
	switch strings.ToLower(string(level)) {
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// NewLogger creates a new logger with the given component name.
func NewLogger(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}

// Log Level Guidelines:
//
// Debug: Detailed information for debugging
//   - Interval shrink steps and probe counts
//   - Page-by-page collection progress
//   - Credential fetch and invalidation
//
// Info: Normal operation events
//   - Channel connected / reconnect scheduled
//   - Requests that succeeded after a retry
//   - 401/429 retries (expected upstream behavior)
//
// Warn: Warning conditions that don't prevent operation
//   - 5xx/unknown-status retries
//   - Retry budget exhaustion
//   - Streaming connection loss
//   - Forced intervals accepted at the minimum-span floor
//   - Stale channel cleanup failures
//
// Error: Error conditions requiring attention
//   - Non-recoverable upstream errors (400/404/no response)
//   - Message handler failures and panics
//
// Context Fields:
//   - endpoint: upstream endpoint path
//   - status: HTTP status code
//   - error_class: failure classification (validation, client, auth, rate_limit, server, unknown)
//   - attempt: retry attempt number
//   - delay: backoff duration before the next attempt
//   - interval: half-open time range in wire format
//   - channel_id: push channel identifier
//   - topic: notification topic name
