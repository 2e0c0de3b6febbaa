package ticker

import (
	"context"
	"testing"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ticker_daemon/internal/core"
	"ticker_daemon/internal/mock"
	apperrors "ticker_daemon/pkg/errors"
	"ticker_daemon/pkg/logging"
)

func newTick(exchange, symbol string, price float64) *core.Tick {
	return &core.Tick{
		Symbol:   symbol,
		Exchange: exchange,
		Price:    decimal.NewFromFloat(price),
		Time:     float64(time.Now().UnixNano()) / 1e9,
	}
}

// fastRetryManager swaps the retry executor for one without real backoff so
// retry tests finish quickly.
func fastRetryManager(cache core.TickCache, health *HealthReporter) *Manager {
	m := NewManager(cache, health, logging.GetGlobalLogger())
	policy := retrypolicy.NewBuilder[any]().
		HandleIf(func(_ any, err error) bool { return err != nil }).
		WithDelay(time.Millisecond).
		WithMaxRetries(retryMaxAttempts - 1).
		Build()
	m.retryExec = failsafe.With[any](policy)
	return m
}

func TestManager_ProcessTick(t *testing.T) {
	cache := mock.NewTickCache()
	m := NewManager(cache, nil, logging.GetGlobalLogger())

	ctx := context.Background()
	tick := newTick("kraken", "BTC/USD", 50000)
	require.NoError(t, m.ProcessTick(ctx, tick))

	stored, err := cache.GetTicker(ctx, "kraken", "BTC/USD")
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.True(t, stored.Price.Equal(tick.Price))

	stats := m.Stats()
	assert.Equal(t, int64(1), stats.TickCount)
	assert.Equal(t, int64(0), stats.ErrorCount)
	assert.Equal(t, 1, stats.LatencySamples)
}

func TestManager_ProcessTick_LastWriterWins(t *testing.T) {
	cache := mock.NewTickCache()
	m := NewManager(cache, nil, logging.GetGlobalLogger())

	ctx := context.Background()
	require.NoError(t, m.ProcessTick(ctx, newTick("kraken", "BTC/USD", 100)))
	require.NoError(t, m.ProcessTick(ctx, newTick("kraken", "BTC/USD", 200)))

	stored, _ := cache.GetTicker(ctx, "kraken", "BTC/USD")
	assert.True(t, stored.Price.Equal(decimal.NewFromInt(200)))
}

func TestManager_ProcessTick_DropsInvalid(t *testing.T) {
	cache := mock.NewTickCache()
	m := NewManager(cache, nil, logging.GetGlobalLogger())

	err := m.ProcessTick(context.Background(), &core.Tick{Exchange: "kraken"})
	assert.ErrorIs(t, err, apperrors.ErrMalformedTicker)

	stats := m.Stats()
	assert.Equal(t, int64(0), stats.TickCount)
	assert.Equal(t, int64(1), stats.ErrorCount)
	assert.Equal(t, 0, cache.Writes())
}

func TestManager_ProcessTick_CacheErrorMarksHealth(t *testing.T) {
	cache := mock.NewTickCache()
	cache.FailWrites = true
	procs := mock.NewProcessCache()
	health := NewHealthReporter(procs, logging.GetGlobalLogger())
	m := NewManager(cache, health, logging.GetGlobalLogger())

	ctx := context.Background()
	require.NoError(t, health.RegisterSubscription(ctx, "kraken", "BTC/USD"))

	err := m.ProcessTick(ctx, newTick("kraken", "BTC/USD", 100))
	assert.ErrorIs(t, err, apperrors.ErrCacheUnavailable)

	rec, ok := procs.ByComponent("ticker:kraken:BTC/USD")
	require.True(t, ok)
	assert.Equal(t, core.ProcessError, rec.Status)
	assert.Equal(t, int64(1), m.Stats().ErrorCount)
}

func TestManager_ProcessTickWithRetry_Recovers(t *testing.T) {
	cache := mock.NewTickCache()
	cache.FailWrites = true
	m := fastRetryManager(cache, nil)

	ctx := context.Background()
	done := make(chan error, 1)
	go func() {
		done <- m.ProcessTickWithRetry(ctx, newTick("kraken", "BTC/USD", 100))
	}()

	// Let the first attempt fail, then heal the cache.
	time.Sleep(5 * time.Millisecond)
	cache.SetFailWrites(false)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("retry did not complete")
	}

	stats := m.Stats()
	assert.Equal(t, int64(1), stats.TickCount)
	assert.Equal(t, int64(1), stats.RecoveryCount)
}

func TestManager_ProcessTickWithRetry_GivesUp(t *testing.T) {
	cache := mock.NewTickCache()
	cache.FailWrites = true
	m := fastRetryManager(cache, nil)

	err := m.ProcessTickWithRetry(context.Background(), newTick("kraken", "BTC/USD", 100))
	assert.ErrorIs(t, err, apperrors.ErrCacheUnavailable)
	assert.Equal(t, retryMaxAttempts, cache.Writes())
	assert.Equal(t, int64(0), m.Stats().RecoveryCount)
}

func TestManager_ProcessBatch(t *testing.T) {
	cache := mock.NewTickCache()
	m := NewManager(cache, nil, logging.GetGlobalLogger())

	ctx := context.Background()
	ticks := []*core.Tick{
		newTick("kraken", "BTC/USD", 100),
		{Exchange: "kraken", Symbol: "BAD"},
		newTick("kraken", "ETH/USD", 200),
	}
	require.NoError(t, m.ProcessBatch(ctx, ticks))

	assert.Equal(t, 1, cache.Writes(), "valid ticks go out in one operation")
	all, _ := cache.GetAllTickers(ctx)
	assert.Len(t, all, 2)

	stats := m.Stats()
	assert.Equal(t, int64(2), stats.TickCount)
	assert.Equal(t, int64(1), stats.ErrorCount)
}

func TestManager_ProcessBatch_AllInvalidSkipsWrite(t *testing.T) {
	cache := mock.NewTickCache()
	m := NewManager(cache, nil, logging.GetGlobalLogger())

	err := m.ProcessBatch(context.Background(), []*core.Tick{{Exchange: "kraken"}})
	require.NoError(t, err)
	assert.Equal(t, 0, cache.Writes())
}

func TestManager_StatsPerExchange(t *testing.T) {
	cache := mock.NewTickCache()
	m := NewManager(cache, nil, logging.GetGlobalLogger())

	ctx := context.Background()
	require.NoError(t, m.ProcessTick(ctx, newTick("kraken", "BTC/USD", 100)))
	require.NoError(t, m.ProcessTick(ctx, newTick("kraken", "ETH/USD", 200)))
	require.NoError(t, m.ProcessTick(ctx, newTick("binance", "BTC/USDT", 100)))
	m.NoteMalformed(ctx, "binance", assert.AnError)

	stats := m.Stats()
	require.Contains(t, stats.Exchanges, "kraken")
	require.Contains(t, stats.Exchanges, "binance")

	kraken := stats.Exchanges["kraken"]
	assert.Equal(t, int64(2), kraken.Ticks)
	assert.Equal(t, int64(0), kraken.Errors)
	assert.Equal(t, 2, kraken.Symbols)
	assert.False(t, kraken.LastSeen.IsZero())

	binance := stats.Exchanges["binance"]
	assert.Equal(t, int64(1), binance.Ticks)
	assert.Equal(t, int64(1), binance.Errors)
	assert.Equal(t, 1, binance.Symbols)
}

func TestManager_StatsLastRefresh(t *testing.T) {
	m := NewManager(mock.NewTickCache(), nil, logging.GetGlobalLogger())

	require.True(t, m.Stats().LastRefresh.IsZero())
	m.MarkRefresh()
	assert.False(t, m.Stats().LastRefresh.IsZero())
}

func TestManager_StatsPercentiles(t *testing.T) {
	cache := mock.NewTickCache()
	m := NewManager(cache, nil, logging.GetGlobalLogger())

	ctx := context.Background()
	for i := 0; i < 100; i++ {
		require.NoError(t, m.ProcessTick(ctx, newTick("kraken", "BTC/USD", 100)))
	}

	stats := m.Stats()
	assert.Equal(t, 100, stats.LatencySamples)
	assert.LessOrEqual(t, stats.P50LatencyMs, stats.P99LatencyMs)
	assert.LessOrEqual(t, stats.P99LatencyMs, stats.MaxLatencyMs)
	assert.Greater(t, stats.AvgLatencyMs, 0.0)
}

func TestPercentile(t *testing.T) {
	sorted := []float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}

	assert.Equal(t, 5.0, percentile(sorted, 0.50))
	assert.Equal(t, 10.0, percentile(sorted, 0.99))
	assert.Equal(t, 1.0, percentile(sorted, 0.01))
	assert.Equal(t, 7.0, percentile([]float64{7}, 0.50))
	assert.Equal(t, 0.0, percentile(nil, 0.50))
}

func TestManager_PerformanceMetrics(t *testing.T) {
	cache := mock.NewTickCache()
	m := NewManager(cache, nil, logging.GetGlobalLogger())

	ctx := context.Background()
	for i := 0; i < 10; i++ {
		require.NoError(t, m.ProcessTick(ctx, newTick("kraken", "BTC/USD", 100)))
	}
	require.NoError(t, m.ProcessTick(ctx, newTick("binance", "BTC/USDT", 100)))

	metrics := m.PerformanceMetrics()
	require.Contains(t, metrics, "kraken")
	require.Contains(t, metrics, "binance")

	kraken := metrics["kraken"]
	assert.Equal(t, int64(10), kraken.Processed)
	assert.LessOrEqual(t, kraken.MinLatencyMs, kraken.P50LatencyMs)
	assert.LessOrEqual(t, kraken.P50LatencyMs, kraken.P99LatencyMs)
	assert.LessOrEqual(t, kraken.P99LatencyMs, kraken.MaxLatencyMs)
	assert.Equal(t, int64(1), metrics["binance"].Processed)
}

func TestManager_GetSymbolTickers(t *testing.T) {
	cache := mock.NewTickCache()
	m := NewManager(cache, nil, logging.GetGlobalLogger())

	ctx := context.Background()
	require.NoError(t, m.ProcessTick(ctx, newTick("kraken", "BTC/USD", 100)))
	require.NoError(t, m.ProcessTick(ctx, newTick("binance", "BTC/USD", 101)))
	require.NoError(t, m.ProcessTick(ctx, newTick("kraken", "ETH/USD", 200)))

	ticks, err := m.GetSymbolTickers(ctx, "BTC/USD")
	require.NoError(t, err)
	require.Len(t, ticks, 2)
	exchanges := []string{ticks[0].Exchange, ticks[1].Exchange}
	assert.ElementsMatch(t, []string{"kraken", "binance"}, exchanges)
}

func TestManager_GetFreshTickers(t *testing.T) {
	cache := mock.NewTickCache()
	m := NewManager(cache, nil, logging.GetGlobalLogger())

	ctx := context.Background()
	stale := newTick("kraken", "OLD/USD", 100)
	stale.Time -= 3600
	require.NoError(t, m.ProcessTick(ctx, stale))
	require.NoError(t, m.ProcessTick(ctx, newTick("kraken", "BTC/USD", 100)))

	fresh, err := m.GetFreshTickers(ctx, time.Minute)
	require.NoError(t, err)
	require.Len(t, fresh, 1)
	assert.Equal(t, "BTC/USD", fresh[0].Symbol)

	all, err := m.GetFreshTickers(ctx, 2*time.Hour)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestManager_ProcessBatchWithValidation(t *testing.T) {
	cache := mock.NewTickCache()
	m := NewManager(cache, nil, logging.GetGlobalLogger())

	ctx := context.Background()
	result := m.ProcessBatchWithValidation(ctx, []*core.Tick{
		newTick("kraken", "BTC/USD", 100),
		{Exchange: "kraken", Symbol: "BAD"},
		newTick("kraken", "ETH/USD", 200),
	})

	assert.Equal(t, 2, result.Processed)
	assert.Equal(t, 1, result.Failed)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "tick 1")
}

func TestManager_ProcessBatchWithValidation_WriteFailure(t *testing.T) {
	cache := mock.NewTickCache()
	cache.FailWrites = true
	m := NewManager(cache, nil, logging.GetGlobalLogger())

	result := m.ProcessBatchWithValidation(context.Background(), []*core.Tick{
		newTick("kraken", "BTC/USD", 100),
		newTick("kraken", "ETH/USD", 200),
	})

	assert.Equal(t, 0, result.Processed)
	assert.Equal(t, 2, result.Failed)
	require.Len(t, result.Errors, 2)
	assert.Contains(t, result.Errors[0], "kraken:BTC/USD")
}

func TestManager_RetryBackoffDoublesFromTwoSeconds(t *testing.T) {
	assert.Equal(t, 2*time.Second, retryBackoffMin)
	assert.Equal(t, 4*time.Second, retryBackoffMax)
}

func TestManager_LatencyWindowIsBounded(t *testing.T) {
	cache := mock.NewTickCache()
	m := NewManager(cache, nil, logging.GetGlobalLogger())

	ctx := context.Background()
	for i := 0; i < latencyWindowSize+50; i++ {
		require.NoError(t, m.ProcessTick(ctx, newTick("kraken", "BTC/USD", 100)))
	}

	stats := m.Stats()
	assert.Equal(t, latencyWindowSize, stats.LatencySamples)
	assert.Equal(t, int64(latencyWindowSize+50), stats.TickCount)
	assert.GreaterOrEqual(t, stats.MaxLatencyMs, stats.AvgLatencyMs)
}
