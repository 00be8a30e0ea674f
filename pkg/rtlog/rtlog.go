// Package rtlog builds the zap logger threaded explicitly through every
// runtime subsystem. Per the design notes (spec §9 "Global mutable
// state"), there is no package-level default logger here — callers always
// receive a *zap.Logger from New and pass it along.
package rtlog

import (
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config selects verbosity and encoding, mirroring the teacher's
// level/format knobs (pkg/logging.Setup) but backed by zap instead of
// log/slog.
type Config struct {
	Level    string // "debug", "info", "warn", "error"
	Encoding string // "json" (machine-parseable) or "console" (human-readable)
}

// New builds a zap.Logger for the given config. On a malformed level it
// falls back to info, matching the teacher's permissive default.
func New(cfg Config) (*zap.Logger, error) {
	var lvl zapcore.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		lvl = zapcore.DebugLevel
	case "warn", "warning":
		lvl = zapcore.WarnLevel
	case "error":
		lvl = zapcore.ErrorLevel
	default:
		lvl = zapcore.InfoLevel
	}

	encoding := strings.ToLower(cfg.Encoding)
	if encoding != "json" && encoding != "console" {
		encoding = "console"
	}

	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(lvl)
	zcfg.Encoding = encoding
	zcfg.EncoderConfig.TimeKey = "ts"
	zcfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	return zcfg.Build()
}

// Nop returns a logger that discards everything, for tests that don't
// care about log output.
func Nop() *zap.Logger {
	return zap.NewNop()
}
