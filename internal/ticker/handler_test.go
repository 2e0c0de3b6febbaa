package ticker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ticker_daemon/internal/core"
	"ticker_daemon/internal/mock"
	apperrors "ticker_daemon/pkg/errors"
	"ticker_daemon/pkg/logging"
)

func testExchange() *core.UserExchange {
	return &core.UserExchange{ID: 1, UID: 1, CatExchangeID: 1, Name: "kraken-main", CatName: "kraken"}
}

func fastOptions() HandlerOptions {
	return HandlerOptions{MaxAttempts: 3, MaxDelay: 60 * time.Second, BackoffBase: time.Millisecond}
}

func newTestHandler(t *testing.T, socket core.ExchangeSocket, cache core.TickCache, procs core.ProcessCache) *Handler {
	t.Helper()
	logger := logging.GetGlobalLogger()
	var health *HealthReporter
	if procs != nil {
		health = NewHealthReporter(procs, logger)
	}
	manager := NewManager(cache, health, logger)
	return NewHandler(testExchange(), socket, manager, health, logger, fastOptions())
}

func TestHandler_StartSubscribesAndConnects(t *testing.T) {
	socket := mock.NewSocket()
	procs := mock.NewProcessCache()
	h := newTestHandler(t, socket, mock.NewTickCache(), procs)
	h.AssignSymbols([]string{"BTC/USD", "ETH/USD"})

	require.NoError(t, h.Start(context.Background()))
	defer h.Stop(context.Background())

	assert.Equal(t, StateConnected, h.State())
	assert.True(t, h.IsHealthy())
	assert.Equal(t, 2, h.SymbolCount())
	assert.ElementsMatch(t, []string{"BTC/USD", "ETH/USD"}, socket.SubscribedSymbols())

	_, ok := procs.ByComponent("ticker:kraken:BTC/USD")
	assert.True(t, ok, "every subscription gets a health entry")
}

func TestHandler_EventsFlowIntoCache(t *testing.T) {
	socket := mock.NewSocket()
	cache := mock.NewTickCache()
	h := newTestHandler(t, socket, cache, nil)
	h.AssignSymbols([]string{"BTC/USD"})

	require.NoError(t, h.Start(context.Background()))
	defer h.Stop(context.Background())

	socket.Emit("BTC/USD", map[string]any{"price": 50000.0, "time": 1700000000.0})

	tick, err := cache.GetTicker(context.Background(), "kraken", "BTC/USD")
	require.NoError(t, err)
	require.NotNil(t, tick)
	assert.Equal(t, "kraken:BTC/USD", tick.Key())
}

func TestHandler_MalformedEventsAreDroppedNotFatal(t *testing.T) {
	socket := mock.NewSocket()
	cache := mock.NewTickCache()
	h := newTestHandler(t, socket, cache, nil)
	h.AssignSymbols([]string{"BTC/USD"})

	require.NoError(t, h.Start(context.Background()))
	defer h.Stop(context.Background())

	socket.Emit("BTC/USD", map[string]any{"bid": 1.0})
	socket.Emit("BTC/USD", map[string]any{"price": 50000.0})

	tick, _ := cache.GetTicker(context.Background(), "kraken", "BTC/USD")
	require.NotNil(t, tick, "good ticks keep flowing after a bad one")
	assert.Equal(t, StateConnected, h.State())
}

func TestHandler_StartWhileConnectedIsNoop(t *testing.T) {
	socket := mock.NewSocket()
	h := newTestHandler(t, socket, mock.NewTickCache(), nil)
	h.AssignSymbols([]string{"BTC/USD"})

	require.NoError(t, h.Start(context.Background()))
	defer h.Stop(context.Background())

	require.NoError(t, h.Start(context.Background()))

	assert.Equal(t, StateConnected, h.State())
	assert.Equal(t, 1, socket.ConnectCalls(), "second start does not reconnect")
	assert.Equal(t, []string{"BTC/USD"}, socket.SubscribedSymbols(), "second start does not resubscribe")
}

func TestHandler_ReconnectsAfterDrop(t *testing.T) {
	socket := mock.NewSocket()
	h := newTestHandler(t, socket, mock.NewTickCache(), nil)
	h.AssignSymbols([]string{"BTC/USD"})

	require.NoError(t, h.Start(context.Background()))
	defer h.Stop(context.Background())

	socket.DropConnection()

	require.Eventually(t, func() bool {
		return h.State() == StateConnected && h.SymbolCount() == 1
	}, 2*time.Second, 5*time.Millisecond, "handler resubscribes after reconnect")

	assert.GreaterOrEqual(t, socket.ConnectCalls(), 2)
}

func TestHandler_StartFailureRecoversViaBackoff(t *testing.T) {
	socket := mock.NewSocket()
	socket.ConnectFailures = 2
	h := newTestHandler(t, socket, mock.NewTickCache(), nil)
	h.AssignSymbols([]string{"BTC/USD"})

	err := h.Start(context.Background())
	require.ErrorIs(t, err, apperrors.ErrConnectFailed)
	defer h.Stop(context.Background())

	assert.Equal(t, StateError, h.State(), "failed start parks in error until backoff fires")

	require.Eventually(t, func() bool {
		return h.State() == StateConnected
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 3, socket.ConnectCalls())
	assert.Equal(t, int64(0), h.Reconnects(), "counter resets once the connection is back")
}

func TestHandler_ReconnectCountResetsOnRecovery(t *testing.T) {
	socket := mock.NewSocket()
	h := newTestHandler(t, socket, mock.NewTickCache(), nil)
	h.AssignSymbols([]string{"BTC/USD"})

	require.NoError(t, h.Start(context.Background()))
	defer h.Stop(context.Background())
	require.Equal(t, int64(0), h.Reconnects())

	socket.DropConnection()

	require.Eventually(t, func() bool {
		return h.State() == StateConnected && h.SymbolCount() == 1
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, int64(0), h.Reconnects(), "recovered handler reports zero attempts")
}

func TestHandler_ExhaustedReconnectsParkInError(t *testing.T) {
	socket := mock.NewSocket()
	socket.ConnectErr = assert.AnError
	h := newTestHandler(t, socket, mock.NewTickCache(), nil)

	err := h.Start(context.Background())
	require.ErrorIs(t, err, apperrors.ErrConnectFailed)

	require.Eventually(t, func() bool {
		return h.State() == StateError
	}, 2*time.Second, 5*time.Millisecond)

	// Initial attempt plus MaxAttempts from the loop.
	assert.Equal(t, fastOptions().MaxAttempts+1, socket.ConnectCalls())
	assert.Equal(t, int64(fastOptions().MaxAttempts), h.Reconnects())
}

func TestHandler_StopSuppressesReconnect(t *testing.T) {
	socket := mock.NewSocket()
	procs := mock.NewProcessCache()
	h := newTestHandler(t, socket, mock.NewTickCache(), procs)
	h.AssignSymbols([]string{"BTC/USD"})

	require.NoError(t, h.Start(context.Background()))
	h.Stop(context.Background())

	assert.Equal(t, StateDisconnected, h.State())
	assert.False(t, socket.IsConnected())
	assert.Equal(t, 0, procs.Len(), "health entries removed on deliberate stop")

	calls := socket.ConnectCalls()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, calls, socket.ConnectCalls(), "no reconnect after deliberate stop")
}

func TestHandler_UpdateSymbolsReconciles(t *testing.T) {
	socket := mock.NewSocket()
	procs := mock.NewProcessCache()
	h := newTestHandler(t, socket, mock.NewTickCache(), procs)
	h.AssignSymbols([]string{"BTC/USD", "ETH/USD"})

	ctx := context.Background()
	require.NoError(t, h.Start(ctx))
	defer h.Stop(ctx)

	require.NoError(t, h.UpdateSymbols(ctx, []string{"ETH/USD", "SOL/USD"}))

	assert.ElementsMatch(t, []string{"ETH/USD", "SOL/USD"}, socket.SubscribedSymbols())
	assert.Equal(t, 2, h.SymbolCount())

	_, ok := procs.ByComponent("ticker:kraken:BTC/USD")
	assert.False(t, ok, "dropped symbol loses its health entry")
	_, ok = procs.ByComponent("ticker:kraken:SOL/USD")
	assert.True(t, ok)
}

func TestHandler_UpdateSymbolsWhileDisconnectedAppliesOnReconnect(t *testing.T) {
	socket := mock.NewSocket()
	h := newTestHandler(t, socket, mock.NewTickCache(), nil)
	h.AssignSymbols([]string{"BTC/USD"})

	require.NoError(t, h.Start(context.Background()))
	defer h.Stop(context.Background())

	socket.DropConnection()
	require.NoError(t, h.UpdateSymbols(context.Background(), []string{"SOL/USD"}))

	require.Eventually(t, func() bool {
		if h.State() != StateConnected {
			return false
		}
		subs := socket.SubscribedSymbols()
		return len(subs) == 1 && subs[0] == "SOL/USD"
	}, 2*time.Second, 5*time.Millisecond)
}

func TestHandler_BackoffDelayIsCapped(t *testing.T) {
	h := newTestHandler(t, mock.NewSocket(), mock.NewTickCache(), nil)
	h.opts = HandlerOptions{MaxAttempts: 10, MaxDelay: 60 * time.Second, BackoffBase: time.Second}

	assert.Equal(t, 2*time.Second, h.backoffDelay(1))
	assert.Equal(t, 4*time.Second, h.backoffDelay(2))
	assert.Equal(t, 32*time.Second, h.backoffDelay(5))
	assert.Equal(t, 60*time.Second, h.backoffDelay(6))
	assert.Equal(t, 60*time.Second, h.backoffDelay(10))
}
