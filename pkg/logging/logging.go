// Package logging builds the zap loggers used across microdrum2midi
package logging

import (
	"fmt"
	"io"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// PaneTimeLayout is the timestamp layout of log pane lines
const PaneTimeLayout = "2006-01-02 15:04:05.000"

// New builds a logger at the given level. Development mode uses the console
// encoder; otherwise JSON is written to stderr.
func New(level string, development bool) (*zap.Logger, error) {
	return build(level, development, nil)
}

// NewFile builds a JSON logger appending to path
func NewFile(level, path string) (*zap.Logger, error) {
	return build(level, false, []string{path})
}

func build(level string, development bool, paths []string) (*zap.Logger, error) {
	lvl, err := ParseLevel(level)
	if err != nil {
		return nil, err
	}

	var cfg zap.Config
	if development {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
		cfg.Sampling = nil
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if len(paths) > 0 {
		cfg.OutputPaths = paths
	}

	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}
	return logger, nil
}

// ParseLevel parses a level name, treating an empty string as info
func ParseLevel(level string) (zapcore.Level, error) {
	if strings.TrimSpace(level) == "" {
		return zapcore.InfoLevel, nil
	}
	lvl, err := zapcore.ParseLevel(strings.ToLower(level))
	if err != nil {
		return lvl, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	return lvl, nil
}

// PaneEncoderConfig renders "2024-01-02 15:04:05.000 INFO message key=value" lines
func PaneEncoderConfig() zapcore.EncoderConfig {
	return zapcore.EncoderConfig{
		TimeKey:          "T",
		LevelKey:         "L",
		MessageKey:       "M",
		LineEnding:       zapcore.DefaultLineEnding,
		EncodeLevel:      zapcore.CapitalLevelEncoder,
		EncodeTime:       zapcore.TimeEncoderOfLayout(PaneTimeLayout),
		EncodeDuration:   zapcore.StringDurationEncoder,
		ConsoleSeparator: " ",
	}
}

// Tee returns a logger that also writes one console line per entry at or above
// level to w
func Tee(l *zap.Logger, w io.Writer, level zapcore.LevelEnabler) *zap.Logger {
	pane := zapcore.NewCore(zapcore.NewConsoleEncoder(PaneEncoderConfig()), zapcore.AddSync(w), level)
	return l.WithOptions(zap.WrapCore(func(c zapcore.Core) zapcore.Core {
		return zapcore.NewTee(c, pane)
	}))
}

// Pane returns a logger that only writes pane lines to w
func Pane(w io.Writer, level zapcore.LevelEnabler) *zap.Logger {
	return zap.New(zapcore.NewCore(zapcore.NewConsoleEncoder(PaneEncoderConfig()), zapcore.AddSync(w), level))
}
