// Package logging builds the zerolog loggers used across the tracker.
package logging

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"

	"orb-trader/internal/models"
)

// LogConfig controls where log lines go and how the file rotates.
type LogConfig struct {
	Level      string
	Console    bool
	File       bool
	FilePath   string
	MaxSize    int // megabytes
	MaxBackups int
	MaxAge     int // days
}

func DefaultLogConfig() LogConfig {
	home, _ := os.UserHomeDir()
	return LogConfig{
		Level:      "info",
		Console:    true,
		File:       true,
		FilePath:   filepath.Join(home, ".config", "orb-trader", "logs", "orb.log"),
		MaxSize:    100,
		MaxBackups: 7,
		MaxAge:     30,
	}
}

var levelTags = map[string]string{
	"debug": "\033[36mDBG\033[0m",
	"info":  "\033[32mINF\033[0m",
	"warn":  "\033[33mWRN\033[0m",
	"error": "\033[31mERR\033[0m",
}

func formatLevel(i interface{}) string {
	name, ok := i.(string)
	if !ok {
		return "???"
	}
	if tag, ok := levelTags[name]; ok {
		return tag
	}
	return strings.ToUpper(name)
}

// NewLogger returns a logger built from DefaultLogConfig.
func NewLogger() zerolog.Logger {
	return NewLoggerWithConfig(DefaultLogConfig())
}

// NewLoggerWithConfig writes to stderr and, when enabled, to a rotating
// JSON file. A file that cannot be created is skipped.
func NewLoggerWithConfig(cfg LogConfig) zerolog.Logger {
	var sinks []io.Writer
	if cfg.Console {
		sinks = append(sinks, zerolog.ConsoleWriter{
			Out:         os.Stderr,
			TimeFormat:  time.RFC3339,
			FormatLevel: formatLevel,
		})
	}
	if cfg.File && cfg.FilePath != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.FilePath), 0755); err == nil {
			sinks = append(sinks, &lumberjack.Logger{
				Filename:   cfg.FilePath,
				MaxSize:    cfg.MaxSize,
				MaxBackups: cfg.MaxBackups,
				MaxAge:     cfg.MaxAge,
				Compress:   true,
			})
		}
	}

	var out io.Writer
	switch len(sinks) {
	case 0:
		out = io.Discard
	case 1:
		out = sinks[0]
	default:
		out = zerolog.MultiLevelWriter(sinks...)
	}

	return zerolog.New(out).Level(ParseLevel(cfg.Level)).With().Timestamp().Logger()
}

// ParseLevel maps a config level name to a zerolog level, defaulting to info.
func ParseLevel(level string) zerolog.Level {
	l, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || l == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return l
}

// ContextKey is the type for context keys.
type ContextKey string

// LoggerKey is the context key for the logger.
const LoggerKey ContextKey = "logger"

// WithLogger adds a logger to the context.
func WithLogger(ctx context.Context, logger zerolog.Logger) context.Context {
	return context.WithValue(ctx, LoggerKey, logger)
}

// FromContext retrieves the logger from context.
func FromContext(ctx context.Context) zerolog.Logger {
	if logger, ok := ctx.Value(LoggerKey).(zerolog.Logger); ok {
		return logger
	}
	return zerolog.Nop()
}

// WithSymbol adds a symbol to the logger context.
func WithSymbol(logger zerolog.Logger, symbol string) zerolog.Logger {
	return logger.With().Str("symbol", symbol).Logger()
}

// WithComponent adds a component name to the logger context.
func WithComponent(logger zerolog.Logger, component string) zerolog.Logger {
	return logger.With().Str("component", component).Logger()
}

// LogOpeningRange logs a computed opening range.
func LogOpeningRange(logger zerolog.Logger, r models.OpeningRange) {
	logger.Info().
		Str("event", "opening_range").
		Str("symbol", r.Symbol).
		Float64("high", r.High).
		Float64("low", r.Low).
		Int("window_bars", r.WindowBars).
		Msg("Opening range computed")
}

// LogBar logs a live bar at debug level.
func LogBar(logger zerolog.Logger, symbol string, bar models.Bar) {
	logger.Debug().
		Str("event", "bar").
		Str("symbol", symbol).
		Time("bar_time", bar.Timestamp).
		Float64("open", bar.Open).
		Float64("high", bar.High).
		Float64("low", bar.Low).
		Float64("close", bar.Close).
		Msg("Live bar")
}

// LogBreakout logs a breakout event.
func LogBreakout(logger zerolog.Logger, e models.BreakoutEvent) {
	logger.Info().
		Str("event", "breakout").
		Str("id", e.ID).
		Str("symbol", e.Symbol).
		Time("bar_time", e.Timestamp).
		Float64("close", e.ClosePrice).
		Float64("range_high", e.OpeningRangeHigh).
		Msg("Breakout detected")
}

// LogFetchFailure logs a per-symbol historical fetch failure.
func LogFetchFailure(logger zerolog.Logger, symbol string, duration time.Duration, err error) {
	logger.Warn().
		Str("event", "fetch_failed").
		Str("symbol", symbol).
		Dur("duration", duration).
		Err(err).
		Msg("Historical fetch failed, symbol excluded from monitoring")
}
