package ticker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ticker_daemon/internal/core"
	"ticker_daemon/internal/mock"
	"ticker_daemon/pkg/logging"
)

type staticProvider struct {
	handlers map[string]*Handler
}

func (p *staticProvider) Handlers() map[string]*Handler { return p.handlers }

func startedHandler(t *testing.T, name string, symbols ...string) (*Handler, *mock.Socket) {
	t.Helper()
	socket := mock.NewSocket()
	logger := logging.GetGlobalLogger()
	manager := NewManager(mock.NewTickCache(), nil, logger)
	ex := &core.UserExchange{ID: 1, UID: 1, CatName: name, Name: name + "-main"}
	h := NewHandler(ex, socket, manager, nil, logger, fastOptions())
	h.AssignSymbols(symbols)
	require.NoError(t, h.Start(context.Background()))
	t.Cleanup(func() { h.Stop(context.Background()) })
	return h, socket
}

func TestRefresher_SingleBulkReadAfterInvalidate(t *testing.T) {
	store := mock.NewConfigStore()
	store.SetSymbols([]*core.SymbolDescriptor{
		{Symbol: "BTC/USD", Exchange: "kraken"},
		{Symbol: "ETH/USDT", Exchange: "binance"},
	})

	h1, _ := startedHandler(t, "kraken", "BTC/USD")
	h2, _ := startedHandler(t, "binance", "ETH/USDT")
	r := NewRefresher(store, &staticProvider{handlers: map[string]*Handler{
		"kraken": h1, "binance": h2,
	}}, nil, logging.GetGlobalLogger(), 0, time.Hour)

	require.NoError(t, r.RefreshOnce(context.Background()))

	assert.Equal(t, 1, store.InvalidateCalls)
	assert.Equal(t, 1, store.GetSymbolsCalls, "one bulk read per cycle regardless of handler count")
}

func TestRefresher_AppliesSymbolChanges(t *testing.T) {
	store := mock.NewConfigStore()
	store.SetSymbols([]*core.SymbolDescriptor{
		{Symbol: "BTC/USD", Exchange: "kraken"},
		{Symbol: "SOL/USD", Exchange: "kraken"},
	})

	h, socket := startedHandler(t, "kraken", "BTC/USD", "ETH/USD")
	r := NewRefresher(store, &staticProvider{handlers: map[string]*Handler{"kraken": h}},
		nil, logging.GetGlobalLogger(), 0, time.Hour)

	require.NoError(t, r.RefreshOnce(context.Background()))

	assert.ElementsMatch(t, []string{"BTC/USD", "SOL/USD"}, socket.SubscribedSymbols())
}

func TestRefresher_EmptySetUnsubscribesEverything(t *testing.T) {
	store := mock.NewConfigStore()

	h, socket := startedHandler(t, "kraken", "BTC/USD")
	r := NewRefresher(store, &staticProvider{handlers: map[string]*Handler{"kraken": h}},
		nil, logging.GetGlobalLogger(), 0, time.Hour)

	require.NoError(t, r.RefreshOnce(context.Background()))

	assert.Empty(t, socket.SubscribedSymbols())
	assert.Equal(t, StateConnected, h.State(), "handler stays connected with no symbols")
}

func TestRefresher_UnmanagedExchangeIsIgnored(t *testing.T) {
	store := mock.NewConfigStore()
	store.SetSymbols([]*core.SymbolDescriptor{
		{Symbol: "BTC/USD", Exchange: "kraken"},
		{Symbol: "DOGE/USD", Exchange: "newexchange"},
	})

	h, socket := startedHandler(t, "kraken", "BTC/USD")
	r := NewRefresher(store, &staticProvider{handlers: map[string]*Handler{"kraken": h}},
		nil, logging.GetGlobalLogger(), 0, time.Hour)

	require.NoError(t, r.RefreshOnce(context.Background()))
	assert.ElementsMatch(t, []string{"BTC/USD"}, socket.SubscribedSymbols())
}

func TestRefresher_AdvancesManagerRefreshStamp(t *testing.T) {
	store := mock.NewConfigStore()
	manager := NewManager(mock.NewTickCache(), nil, logging.GetGlobalLogger())
	r := NewRefresher(store, &staticProvider{handlers: map[string]*Handler{}},
		manager, logging.GetGlobalLogger(), 0, time.Hour)

	require.True(t, manager.Stats().LastRefresh.IsZero())
	require.NoError(t, r.RefreshOnce(context.Background()))
	assert.False(t, manager.Stats().LastRefresh.IsZero())
}

func TestRefresher_RunHonorsInitialDelayAndCancel(t *testing.T) {
	store := mock.NewConfigStore()
	r := NewRefresher(store, &staticProvider{handlers: map[string]*Handler{}},
		nil, logging.GetGlobalLogger(), 5*time.Millisecond, 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	require.Eventually(t, func() bool {
		return store.SymbolsCalls() >= 2
	}, 2*time.Second, 2*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("refresher did not stop on cancel")
	}
}

func TestGroupSymbolsByExchange(t *testing.T) {
	grouped := GroupSymbolsByExchange([]*core.SymbolDescriptor{
		{Symbol: "BTC/USD", Exchange: "kraken"},
		{Symbol: "ETH/USD", Exchange: "kraken"},
		{Symbol: "BTC/USDT", Exchange: "binance"},
	})

	assert.Len(t, grouped, 2)
	assert.ElementsMatch(t, []string{"BTC/USD", "ETH/USD"}, grouped["kraken"])
}
