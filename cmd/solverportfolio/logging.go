package main

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// newLogger builds the root zap logger for one run, mapping the -v flag's
// quiet|error|warning|info vocabulary onto a zap.AtomicLevel.
func newLogger(verbosity string) (*zap.Logger, error) {
	level, err := parseVerbosity(verbosity)
	if err != nil {
		return nil, err
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(level)
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return cfg.Build()
}

func parseVerbosity(v string) (zapcore.Level, error) {
	switch v {
	case "quiet":
		return zapcore.FatalLevel + 1, nil // suppress everything
	case "error":
		return zapcore.ErrorLevel, nil
	case "warning":
		return zapcore.WarnLevel, nil
	case "info", "":
		return zapcore.InfoLevel, nil
	default:
		return 0, fmt.Errorf("unknown -v level %q (want quiet|error|warning|info)", v)
	}
}
