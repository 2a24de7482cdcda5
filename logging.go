// Package pxecore is the runtime aggregate for the pipeline: the
// process-wide state spec.md §5 calls out (TCB table, cwuri,
// opener/SAN registries, logger, config, metrics) collected into one
// explicitly-passed Runtime instead of package globals, per DESIGN
// NOTES §9.
package pxecore

import (
	"fmt"
	"os"

	"github.com/DeRuina/timberjack"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LogConfig controls where and how the process-wide logger writes,
// the Go-native analogue of the FDT/settings-driven logging knobs §1
// treats as external configuration providers.
type LogConfig struct {
	// Level is one of "debug", "info", "warn", "error".
	Level string `toml:"level"`
	// File, if non-empty, rotates log output through timberjack
	// instead of writing to stderr, exactly as caddy's logging.go
	// wires a rotated file WriteSyncer into the zapcore.
	File       string `toml:"file"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days"`
}

// openLogs builds the process-wide *zap.Logger from cfg, mirroring
// caddy's openLogs: a JSON encoder, a level enabler parsed from a
// string, and a WriteSyncer that is either stderr or a rotated file.
func openLogs(cfg LogConfig) (*zap.Logger, error) {
	level, err := parseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encoder := zapcore.NewJSONEncoder(encCfg)

	sink := zapcore.AddSync(os.Stderr)
	if cfg.File != "" {
		sink = zapcore.AddSync(&timberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    orDefault(cfg.MaxSizeMB, 100),
			MaxBackups: orDefault(cfg.MaxBackups, 5),
			MaxAge:     orDefault(cfg.MaxAgeDays, 28),
		})
	}

	core := zapcore.NewCore(encoder, sink, level)
	return zap.New(core, zap.AddCaller()), nil
}

func parseLevel(s string) (zapcore.Level, error) {
	if s == "" {
		return zapcore.InfoLevel, nil
	}
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("pxecore: invalid log level %q: %w", s, err)
	}
	return lvl, nil
}

func orDefault(n, def int) int {
	if n <= 0 {
		return def
	}
	return n
}
