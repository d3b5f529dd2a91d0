// Package logging holds the module-wide zap logger used when a session is
// not given its own. Libraries embedding transload usually pass their own
// *zap.Logger through SessionConfig; this package is the fallback.
package logging

import (
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	logger *zap.Logger
	once   sync.Once
	level  = zap.NewAtomicLevelAt(zapcore.WarnLevel) // quiet by default
)

// initLogger performs lazy initialization of the fallback logger.
func initLogger() {
	once.Do(func() {
		config := zap.NewProductionConfig()
		config.Encoding = "console"
		config.DisableStacktrace = true
		config.DisableCaller = true
		config.Level = level

		var err error
		logger, err = config.Build()
		if err != nil {
			// Fall back to a no-op logger instead of panicking.
			logger = zap.NewNop()
		}
	})
}

// SetLevel sets the fallback logger's level.
// verbosity: 0 = warn, 1 = info, 2+ = debug
func SetLevel(verbosity int) {
	switch verbosity {
	case 0:
		level.SetLevel(zapcore.WarnLevel)
	case 1:
		level.SetLevel(zapcore.InfoLevel)
	default:
		level.SetLevel(zapcore.DebugLevel)
	}
}

// Default returns the fallback logger, initializing it on first use.
func Default() *zap.Logger {
	initLogger()
	return logger
}

// Or returns l when non-nil, the fallback logger otherwise.
func Or(l *zap.Logger) *zap.Logger {
	if l != nil {
		return l
	}
	return Default()
}

// Sync flushes any buffered log entries.
func Sync() {
	initLogger()
	_ = logger.Sync()
}
