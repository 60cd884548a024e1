package recording

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger wraps zerolog for structured logging across the SDK.
type Logger struct {
	logger zerolog.Logger
}

// LogConfig configures the SDK logger.
type LogConfig struct {
	Level  string // trace|debug|info|warn|error
	Pretty bool
	Output io.Writer
}

// DefaultLogConfig returns the default logging configuration. The level can
// be overridden with RECORDER_LOG_LEVEL.
func DefaultLogConfig() *LogConfig {
	level := os.Getenv("RECORDER_LOG_LEVEL")
	if level == "" {
		level = "info"
	}
	return &LogConfig{
		Level:  level,
		Pretty: true,
		Output: os.Stderr,
	}
}

// NewLogger creates a structured logger.
func NewLogger(config *LogConfig) *Logger {
	if config == nil {
		config = DefaultLogConfig()
	}

	zerolog.TimeFieldFormat = time.RFC3339

	var logger zerolog.Logger
	if config.Pretty {
		logger = zerolog.New(zerolog.ConsoleWriter{
			Out:        config.Output,
			TimeFormat: time.Kitchen,
		})
	} else {
		logger = zerolog.New(config.Output)
	}

	lvl, err := zerolog.ParseLevel(config.Level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	logger = logger.Level(lvl).With().Timestamp().Logger()

	return &Logger{logger: logger}
}

// NopLogger returns a logger that discards everything. Used as the default
// when the caller injects none.
func NopLogger() *Logger {
	return &Logger{logger: zerolog.Nop()}
}

// WithComponent adds a component field to the logger.
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{logger: l.logger.With().Str("component", component).Logger()}
}

// WithField adds a field to the logger.
func (l *Logger) WithField(key string, value interface{}) *Logger {
	return &Logger{logger: l.logger.With().Interface(key, value).Logger()}
}

// WithError adds an error field to the logger.
func (l *Logger) WithError(err error) *Logger {
	return &Logger{logger: l.logger.With().Err(err).Logger()}
}

func (l *Logger) Trace(msg string) { l.logger.Trace().Msg(msg) }
func (l *Logger) Debug(msg string) { l.logger.Debug().Msg(msg) }
func (l *Logger) Info(msg string)  { l.logger.Info().Msg(msg) }
func (l *Logger) Warn(msg string)  { l.logger.Warn().Msg(msg) }
func (l *Logger) Error(msg string) { l.logger.Error().Msg(msg) }
func (l *Logger) Fatal(msg string) { l.logger.Fatal().Msg(msg) }

func (l *Logger) Debugf(format string, args ...interface{}) {
	l.logger.Debug().Msgf(format, args...)
}

func (l *Logger) Infof(format string, args ...interface{}) {
	l.logger.Info().Msgf(format, args...)
}

func (l *Logger) Warnf(format string, args ...interface{}) {
	l.logger.Warn().Msgf(format, args...)
}

func (l *Logger) Errorf(format string, args ...interface{}) {
	l.logger.Error().Msgf(format, args...)
}

// LogStateEvent logs a phase transition with structured fields.
func (l *Logger) LogStateEvent(from, to Phase, fields map[string]interface{}) {
	l.logger.Info().
		Str("event_type", "state").
		Str("from", string(from)).
		Str("to", string(to)).
		Fields(fields).
		Msg("State transition")
}

// LogConnectionEvent logs connection lifecycle events.
func (l *Logger) LogConnectionEvent(event string, fields map[string]interface{}) {
	l.logger.Info().
		Str("event_type", "connection").
		Str("event", event).
		Fields(fields).
		Msg("Connection event")
}

// LogSessionError logs a SessionError with its code and details.
func (l *Logger) LogSessionError(err *SessionError) {
	l.logger.Error().
		Str("error_code", err.Code).
		Time("at", err.Timestamp).
		Fields(err.Details).
		Msg(err.Message)
}
