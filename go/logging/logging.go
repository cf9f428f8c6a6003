// Package logging holds the process-wide logger. All packages in this
// repository log through logging.S(), so that the binaries can switch the
// sink and verbosity in one place.
package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	sugared *zap.SugaredLogger
	level   = zap.NewAtomicLevelAt(zapcore.InfoLevel)
)

func init() {
	DevelopmentMode()
}

// SetLevel adjusts the level of the loggers.
func SetLevel(l zapcore.Level) {
	level.SetLevel(l)
}

// ConsoleMode switches logging output to TTY mode: colored levels, no
// caller annotations.
func ConsoleMode() {
	cfg := zap.NewDevelopmentConfig()
	cfg.Level = level
	cfg.DisableCaller = true
	cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder

	l, err := cfg.Build()
	if err != nil {
		panic(err)
	}
	sugared = l.Sugar()
}

// DevelopmentMode switches logging output to development mode.
func DevelopmentMode() {
	cfg := zap.NewDevelopmentConfig()
	cfg.Level = level

	l, err := cfg.Build()
	if err != nil {
		panic(err)
	}
	sugared = l.Sugar()
}

// S returns the global sugared logger.
func S() *zap.SugaredLogger {
	return sugared
}
