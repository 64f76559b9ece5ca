// Package logging builds the structured zap logger shared by every
// orchestrator subsystem. Components take a *zap.Logger by constructor
// injection rather than reaching for a package-level global.
package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config controls logger construction.
type Config struct {
	Debug  bool   // enable debug level
	Format string // "json" or "console"
}

func DefaultConfig() Config {
	return Config{Debug: false, Format: "console"}
}

// New builds a *zap.Logger for the given config.
func New(cfg Config) (*zap.Logger, error) {
	var zcfg zap.Config
	if cfg.Format == "json" {
		zcfg = zap.NewProductionConfig()
	} else {
		zcfg = zap.NewDevelopmentConfig()
		zcfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	if cfg.Debug {
		zcfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}

	logger, err := zcfg.Build()
	if err != nil {
		return nil, fmt.Errorf("build zap logger: %w", err)
	}
	return logger, nil
}
