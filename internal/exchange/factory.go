package exchange

import (
	"fmt"
	"time"

	"ticker_daemon/internal/config"
	"ticker_daemon/internal/core"
	apperrors "ticker_daemon/pkg/errors"
)

// NewFactory builds a core.SocketFactory from the per-exchange websocket
// configuration. Exchanges absent from the map cannot be collected and fail
// handler construction.
func NewFactory(exchanges map[string]config.ExchangeConfig) core.SocketFactory {
	return func(ex *core.UserExchange, creds core.Credentials, logger core.ILogger) (core.ExchangeSocket, error) {
		cfg, ok := exchanges[ex.CatName]
		if !ok {
			return nil, fmt.Errorf("%w: no websocket endpoint configured for %s", apperrors.ErrConfigUnavailable, ex.CatName)
		}
		ping := time.Duration(cfg.PingInterval) * time.Second
		return NewSocket(ex.CatName, cfg.WSURL, creds, ping, logger), nil
	}
}
