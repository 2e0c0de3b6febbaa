package bootstrap

import (
	"ticker_daemon/internal/core"
	"ticker_daemon/pkg/logging"
)

// InitLogger initializes the global zap logger based on configuration.
func InitLogger(cfg *Config) (core.ILogger, error) {
	logger, err := logging.NewZapLogger(cfg.System.LogLevel)
	if err != nil {
		return nil, err
	}

	logging.SetGlobalLogger(logger)
	return logger, nil
}
