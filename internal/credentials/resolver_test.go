package credentials

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ticker_daemon/internal/config"
	"ticker_daemon/internal/core"
	"ticker_daemon/pkg/logging"
)

func TestResolver_ConfiguredCredentials(t *testing.T) {
	r := NewResolver(map[string]config.ExchangeConfig{
		"kraken": {APIKey: "key123", SecretKey: "secret456"},
	}, logging.GetGlobalLogger())

	creds, err := r.Resolve(&core.UserExchange{CatName: "kraken", Name: "kraken-main"})
	require.NoError(t, err)
	assert.Equal(t, "key123", creds.APIKey)
	assert.Equal(t, "secret456", creds.APISecret)
	assert.False(t, creds.IsZero())
}

func TestResolver_MissingExchangeIsPublicAccess(t *testing.T) {
	r := NewResolver(map[string]config.ExchangeConfig{}, logging.GetGlobalLogger())

	creds, err := r.Resolve(&core.UserExchange{CatName: "kraken"})
	require.NoError(t, err)
	assert.True(t, creds.IsZero(), "absence of credentials is not an error")
}

func TestResolver_EntryWithoutKeys(t *testing.T) {
	r := NewResolver(map[string]config.ExchangeConfig{
		"kraken": {WSURL: "wss://ws.kraken.example"},
	}, logging.GetGlobalLogger())

	creds, err := r.Resolve(&core.UserExchange{CatName: "kraken"})
	require.NoError(t, err)
	assert.True(t, creds.IsZero())
}
