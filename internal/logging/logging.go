// Package logging constructs the structured logger every component takes
// as an explicit constructor argument — no package-level logger, no
// global registry. It is a thin wrapper around chainlink-common/pkg/logger,
// itself a go.uber.org/zap wrapper.
package logging

import (
	"github.com/smartcontractkit/chainlink-common/pkg/logger"
	"go.uber.org/zap"
)

// Config controls the encoder and level of the process-wide logger.
type Config struct {
	Development bool
	JSON        bool
}

// New builds a chainlink-common logger.Logger, sugared for the Infow/
// Errorw/Warnw call style used throughout this repo.
func New(cfg Config) (logger.Logger, error) {
	lggr, err := logger.NewWith(func(zc *zap.Config) {
		zc.Development = cfg.Development
		if cfg.JSON {
			zc.Encoding = "json"
		} else {
			zc.Encoding = "console"
		}
	})
	if err != nil {
		return nil, err
	}
	return logger.Sugared(lggr), nil
}

// Named returns a child logger scoped to a component, e.g. Named(lggr, "getter").
func Named(lggr logger.Logger, name string) logger.Logger {
	return logger.Named(lggr, name)
}
