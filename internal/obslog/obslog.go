// Package obslog builds the process-wide structured logger and can tag a
// child logger with a component name as a zap field instead of a string
// prefix.
package obslog

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds the root logger. dev selects zap's human-readable console
// encoding (for local "serve"/"sim" runs with --dev); production builds
// use the default JSON encoding so log shipping doesn't need a parser
// change per deploy.
func New(dev bool) (*zap.Logger, error) {
	if dev {
		cfg := zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		return cfg.Build()
	}
	return zap.NewProduction()
}

// Component returns a child logger tagged with name in a "component"
// field. The supervisor does not hand such loggers to the tasks it
// owns; none of them logs.
func Component(base *zap.Logger, name string) *zap.Logger {
	return base.With(zap.String("component", name))
}
