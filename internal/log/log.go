// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

// Package log builds the shared zap.Logger every collaborator derives its
// named sub-logger from, matching the teacher's convention of a single
// root logger passed down and specialized with Named/With at each layer
// (pkg/kademlia.NewService's log.Named("dialer"), etc).
package log

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config controls the root logger's verbosity and encoding.
type Config struct {
	Debug bool   // enable debug-level logging
	JSON  bool   // encode as JSON instead of console-friendly text
	Level string // optional explicit level, overrides Debug when set
}

// New builds a root *zap.Logger per cfg.
func New(cfg Config) (*zap.Logger, error) {
	var zapCfg zap.Config
	if cfg.JSON {
		zapCfg = zap.NewProductionConfig()
	} else {
		zapCfg = zap.NewDevelopmentConfig()
	}

	level := zapcore.InfoLevel
	switch {
	case cfg.Level != "":
		if err := level.Set(cfg.Level); err != nil {
			return nil, err
		}
	case cfg.Debug:
		level = zapcore.DebugLevel
	}
	zapCfg.Level = zap.NewAtomicLevelAt(level)

	return zapCfg.Build()
}
