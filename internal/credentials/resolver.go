// Package credentials resolves exchange API credentials from configuration.
package credentials

import (
	"ticker_daemon/internal/config"
	"ticker_daemon/internal/core"
)

// Resolver maps an exchange account to the credentials configured for its
// canonical exchange. Ticker streams are public data on most venues, so a
// missing entry resolves to zero credentials rather than an error.
type Resolver struct {
	exchanges map[string]config.ExchangeConfig
	logger    core.ILogger
}

// NewResolver creates a Resolver over the per-exchange configuration.
func NewResolver(exchanges map[string]config.ExchangeConfig, logger core.ILogger) *Resolver {
	return &Resolver{exchanges: exchanges, logger: logger}
}

// Resolve returns the credentials for the exchange account, or zero
// credentials when none are configured.
func (r *Resolver) Resolve(exchange *core.UserExchange) (core.Credentials, error) {
	cfg, ok := r.exchanges[exchange.CatName]
	if !ok {
		r.logger.Debug("no exchange entry, using public access", "exchange", exchange.CatName)
		return core.Credentials{}, nil
	}

	creds := core.Credentials{
		APIKey:    cfg.APIKey.Value(),
		APISecret: cfg.SecretKey.Value(),
	}
	if creds.IsZero() {
		r.logger.Debug("no credentials configured, using public access", "exchange", exchange.CatName)
	}
	return creds, nil
}
