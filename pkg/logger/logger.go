package logger

import (
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	mu           sync.RWMutex
	globalLogger = zap.NewNop()
)

// Init configures the global logger at the given level ("debug", "info",
// "warn", "error"). Unknown levels fall back to info. Library code stays
// silent until Init is called.
func Init(level string) error {
	cfg := zap.NewProductionConfig()

	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(level)); err != nil {
		zapLevel = zapcore.InfoLevel
	}
	cfg.Level = zap.NewAtomicLevelAt(zapLevel)

	built, err := cfg.Build()
	if err != nil {
		return err
	}

	mu.Lock()
	globalLogger = built
	mu.Unlock()
	return nil
}

// Logger returns the configured global logger.
func Logger() *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return globalLogger
}

// Sync flushes buffered log entries.
func Sync() error {
	return Logger().Sync()
}

// WithModule returns a child logger annotated with the module name.
func WithModule(module string) *zap.Logger {
	return Logger().With(zap.String("module", module))
}

// WithSession annotates a logger with the remote endpoint of a session.
func WithSession(log *zap.Logger, host string, port int) *zap.Logger {
	if log == nil {
		log = Logger()
	}
	return log.With(zap.String("host", host), zap.Int("port", port))
}

// WithChannel annotates a logger with a channel identifier.
func WithChannel(log *zap.Logger, id string) *zap.Logger {
	if log == nil {
		log = Logger()
	}
	return log.With(zap.String("channel_id", id))
}
