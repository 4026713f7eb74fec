// Package logging builds the zap logger shared by every asset store component.
package logging

import (
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// DebugEnvVar enables verbose lock/version/vision logging when set to a truthy value.
const DebugEnvVar = "ASSETSTORE_DEBUG"

// Config selects level and encoding
type Config struct {
	Level  string
	Format string
}

// DebugFromEnv reports whether ASSETSTORE_DEBUG is set to 1, true, yes or on
func DebugFromEnv() bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(DebugEnvVar))) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

// ParseLevel maps a config string to a zap level, defaulting to info
func ParseLevel(level string) zapcore.Level {
	switch strings.ToLower(level) {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// New builds a logger. debug forces DebugLevel regardless of cfg.Level.
func New(cfg Config, debug bool) (*zap.Logger, error) {
	var zcfg zap.Config
	if cfg.Format == "console" {
		zcfg = zap.NewDevelopmentConfig()
	} else {
		zcfg = zap.NewProductionConfig()
	}

	level := ParseLevel(cfg.Level)
	if debug {
		level = zapcore.DebugLevel
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)
	zcfg.EncoderConfig.TimeKey = "timestamp"
	zcfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := zcfg.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}
	return logger, nil
}

// OrNop returns logger, or a no-op logger when it is nil
func OrNop(logger *zap.Logger) *zap.Logger {
	if logger == nil {
		return zap.NewNop()
	}
	return logger
}
