// Package logging builds the zap logger used across the server and carries it
// through request contexts.
package logging

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type loggerKeyType struct{}

var (
	defaultLogger     *zap.SugaredLogger
	defaultLoggerOnce sync.Once
)

// NewLogger creates a production logger at the given level ("debug", "info", ...).
// When logToFile is set, output is also appended to app.log.
func NewLogger(level string, logToFile bool) (*zap.SugaredLogger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	config := zap.NewProductionConfig()
	config.Level = zap.NewAtomicLevelAt(lvl)
	config.OutputPaths = []string{"stdout"}
	if logToFile {
		config.OutputPaths = append(config.OutputPaths, "app.log")
	}
	if lvl == zapcore.DebugLevel {
		config.Sampling = nil
	}

	logger, err := config.Build()
	if err != nil {
		return nil, err
	}
	return logger.Sugar(), nil
}

// DefaultLogger is used when no logger was attached to a context.
func DefaultLogger() *zap.SugaredLogger {
	defaultLoggerOnce.Do(func() {
		logger, err := NewLogger("info", false)
		if err != nil {
			logger = zap.NewNop().Sugar()
		}
		defaultLogger = logger
	})
	return defaultLogger
}

func WithLogger(ctx context.Context, logger *zap.SugaredLogger) context.Context {
	return context.WithValue(ctx, loggerKeyType{}, logger)
}

// FromContext returns the logger stored in ctx, or the default logger.
func FromContext(ctx context.Context) *zap.SugaredLogger {
	if logger, ok := ctx.Value(loggerKeyType{}).(*zap.SugaredLogger); ok {
		return logger
	}
	return DefaultLogger()
}
