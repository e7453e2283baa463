package logger

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is a root logger whose level can be changed after it is built.
type Logger struct {
	*zap.Logger
	level zap.AtomicLevel
}

// NewLogger builds the root logger named after the process. The "json" format
// uses the production encoder with sampling disabled, anything else the
// development console encoder. Logs go to stderr unless outputPaths names other sinks.
func NewLogger(name, level, format string, outputPaths ...string) (*Logger, error) {
	logLevel, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, err
	}

	var cfg zap.Config
	if format == "json" {
		cfg = zap.NewProductionConfig()
		cfg.Sampling = nil
	} else {
		cfg = zap.NewDevelopmentConfig()
	}

	cfg.Level = zap.NewAtomicLevelAt(logLevel)
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if len(outputPaths) > 0 {
		cfg.OutputPaths = outputPaths
	}

	l, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}
	if name != "" {
		l = l.Named(name)
	}
	return &Logger{Logger: l, level: cfg.Level}, nil
}

// SetLevel switches the level of every logger derived from l.
func (l *Logger) SetLevel(level string) error {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return err
	}
	if l.level.Level() != lvl {
		l.level.SetLevel(lvl)
		l.Info("Log level changed", zap.Stringer("level", lvl))
	}
	return nil
}

// Level reports the current level.
func (l *Logger) Level() zapcore.Level { return l.level.Level() }
