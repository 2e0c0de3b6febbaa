package ticker

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"ticker_daemon/internal/core"
	apperrors "ticker_daemon/pkg/errors"
	"ticker_daemon/pkg/telemetry"
)

// latencyWindowSize bounds the rolling per-tick latency sample window.
const latencyWindowSize = 1000

// retryMaxAttempts bounds the cache-write retry variant.
const retryMaxAttempts = 3

// Retry backoff doubles from 2 s, so the waits run 2 s then 4 s.
const (
	retryBackoffMin = 2 * time.Second
	retryBackoffMax = 4 * time.Second
)

// ExchangeStats is one exchange's slice of the manager counters.
type ExchangeStats struct {
	Ticks      int64     `json:"ticks"`
	Errors     int64     `json:"errors"`
	Recoveries int64     `json:"recoveries"`
	Symbols    int       `json:"symbols"`
	LastSeen   time.Time `json:"last_seen"`
}

// Stats is a point-in-time snapshot of manager counters.
type Stats struct {
	TickCount     int64                    `json:"tick_count"`
	ErrorCount    int64                    `json:"error_count"`
	RecoveryCount int64                    `json:"recovery_count"`
	Exchanges     map[string]ExchangeStats `json:"exchanges"`
	// LastRefresh is when the symbol universe was last reloaded.
	LastRefresh time.Time `json:"last_refresh"`
	// LatencySamples is the number of samples currently in the window, capped
	// at the window size.
	LatencySamples int     `json:"latency_samples"`
	AvgLatencyMs   float64 `json:"avg_latency_ms"`
	MaxLatencyMs   float64 `json:"max_latency_ms"`
	P50LatencyMs   float64 `json:"p50_latency_ms"`
	P99LatencyMs   float64 `json:"p99_latency_ms"`
}

// ExchangeMetrics summarizes one exchange's processing performance over the
// current latency window.
type ExchangeMetrics struct {
	AvgLatencyMs float64 `json:"avg_latency_ms"`
	MinLatencyMs float64 `json:"min_latency_ms"`
	MaxLatencyMs float64 `json:"max_latency_ms"`
	P50LatencyMs float64 `json:"p50_latency_ms"`
	P99LatencyMs float64 `json:"p99_latency_ms"`
	Processed    int64   `json:"processed"`
	Errors       int64   `json:"errors"`
	Recoveries   int64   `json:"recoveries"`
}

// BatchResult reports a validated batch write: how many ticks were stored,
// how many were rejected or failed, and why.
type BatchResult struct {
	Processed int
	Failed    int
	Errors    []string
}

type latencySample struct {
	exchange string
	ms       float64
}

type exchangeCounters struct {
	ticks      int64
	errors     int64
	recoveries int64
	symbols    map[string]struct{}
	lastSeen   time.Time
}

// Manager routes normalized ticks into the tick cache and keeps processing
// statistics, globally and per exchange. One Manager serves every exchange
// handler in the daemon.
type Manager struct {
	cache   core.TickCache
	health  *HealthReporter
	logger  core.ILogger
	metrics *telemetry.MetricsHolder

	retryExec failsafe.Executor[any]

	tickCount     atomic.Int64
	errorCount    atomic.Int64
	recoveryCount atomic.Int64

	mu          sync.Mutex
	exchanges   map[string]*exchangeCounters
	window      [latencyWindowSize]latencySample
	winNext     int
	winCount    int
	lastRefresh time.Time
}

// NewManager creates a Manager writing through to cache. health may be nil
// when process-health reporting is disabled.
func NewManager(cache core.TickCache, health *HealthReporter, logger core.ILogger) *Manager {
	policy := retrypolicy.NewBuilder[any]().
		HandleIf(func(_ any, err error) bool {
			return err != nil
		}).
		WithBackoff(retryBackoffMin, retryBackoffMax).
		WithMaxRetries(retryMaxAttempts - 1).
		Build()

	return &Manager{
		cache:     cache,
		health:    health,
		logger:    logger,
		metrics:   telemetry.GetGlobalMetrics(),
		retryExec: failsafe.With[any](policy),
		exchanges: make(map[string]*exchangeCounters),
	}
}

// ProcessTick validates a tick and writes it to the cache. Invalid ticks are
// dropped with a counted error; a failed cache write counts as an error,
// flips the subscription's health entry to error, and is returned to the
// caller.
func (m *Manager) ProcessTick(ctx context.Context, tick *core.Tick) error {
	start := time.Now()

	if err := tick.Validate(); err != nil {
		m.noteError(tick.Exchange)
		m.addCounter(ctx, m.metrics.TicksDroppedTotal, tick)
		return fmt.Errorf("%w: %v", apperrors.ErrMalformedTicker, err)
	}

	if err := m.cache.SetTicker(ctx, tick); err != nil {
		m.noteError(tick.Exchange)
		m.addCounter(ctx, m.metrics.CacheWriteErrors, tick)
		if m.health != nil {
			m.health.MarkError(ctx, tick.Exchange, tick.Symbol, fmt.Sprintf("cache write failed: %v", err))
		}
		return fmt.Errorf("%w: %v", apperrors.ErrCacheUnavailable, err)
	}

	m.noteTick(tick)
	m.addCounter(ctx, m.metrics.TicksTotal, tick)
	m.recordLatency(ctx, tick.Exchange, time.Since(start))
	if m.health != nil {
		m.health.MarkRunning(ctx, tick.Exchange, tick.Symbol, tick.Time)
	}
	return nil
}

// ProcessTickWithRetry is ProcessTick with a bounded exponential retry around
// the cache write. A success after at least one failed attempt counts as a
// recovery. Validation failures are not retried.
func (m *Manager) ProcessTickWithRetry(ctx context.Context, tick *core.Tick) error {
	if err := tick.Validate(); err != nil {
		m.noteError(tick.Exchange)
		m.addCounter(ctx, m.metrics.TicksDroppedTotal, tick)
		return fmt.Errorf("%w: %v", apperrors.ErrMalformedTicker, err)
	}

	var attempts int
	err := m.retryExec.WithContext(ctx).Run(func() error {
		attempts++
		return m.ProcessTick(ctx, tick)
	})
	if err != nil {
		return err
	}
	if attempts > 1 {
		m.noteRecovery(tick.Exchange)
		m.logger.Info("tick write recovered after retry",
			"key", tick.Key(), "attempts", attempts)
	}
	return nil
}

// ProcessBatch validates each tick and writes the valid ones in one cache
// operation. Invalid ticks are dropped and counted; a failed batch write
// counts one error per tick in the batch.
func (m *Manager) ProcessBatch(ctx context.Context, ticks []*core.Tick) error {
	_, err := m.processBatch(ctx, ticks)
	return err
}

// ProcessBatchWithValidation is ProcessBatch returning the per-item outcome
// instead of a single error.
func (m *Manager) ProcessBatchWithValidation(ctx context.Context, ticks []*core.Tick) BatchResult {
	result, _ := m.processBatch(ctx, ticks)
	return result
}

func (m *Manager) processBatch(ctx context.Context, ticks []*core.Tick) (BatchResult, error) {
	start := time.Now()
	var result BatchResult

	valid := make([]*core.Tick, 0, len(ticks))
	for i, tick := range ticks {
		if err := tick.Validate(); err != nil {
			m.noteError(tick.Exchange)
			m.addCounter(ctx, m.metrics.TicksDroppedTotal, tick)
			m.logger.Warn("dropping malformed tick in batch", "error", err)
			result.Failed++
			result.Errors = append(result.Errors, fmt.Sprintf("tick %d: %v", i, err))
			continue
		}
		valid = append(valid, tick)
	}
	if len(valid) == 0 {
		return result, nil
	}

	if err := m.cache.SetTickers(ctx, valid); err != nil {
		m.addCounter(ctx, m.metrics.CacheWriteErrors, nil)
		for _, tick := range valid {
			m.noteError(tick.Exchange)
			result.Failed++
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", tick.Key(), err))
		}
		return result, fmt.Errorf("%w: %v", apperrors.ErrCacheUnavailable, err)
	}

	result.Processed = len(valid)
	for _, tick := range valid {
		m.noteTick(tick)
		m.addCounter(ctx, m.metrics.TicksTotal, tick)
		if m.health != nil {
			m.health.MarkRunning(ctx, tick.Exchange, tick.Symbol, tick.Time)
		}
	}
	// One sample per batch; not attributed to any single exchange.
	m.recordLatency(ctx, "", time.Since(start))
	return result, nil
}

// NoteMalformed counts an event that failed normalization before it could
// become a Tick.
func (m *Manager) NoteMalformed(ctx context.Context, exchange string, err error) {
	m.noteError(exchange)
	if m.metrics.TicksDroppedTotal != nil {
		m.metrics.TicksDroppedTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("exchange", exchange)))
	}
	m.logger.Debug("dropping malformed ticker event", "exchange", exchange, "error", err)
}

// MarkRefresh records a completed symbol-universe reload.
func (m *Manager) MarkRefresh() {
	m.mu.Lock()
	m.lastRefresh = time.Now().UTC()
	m.mu.Unlock()
}

// GetTicker reads the latest stored tick for one (exchange, symbol) pair.
func (m *Manager) GetTicker(ctx context.Context, exchange, symbol string) (*core.Tick, error) {
	return m.cache.GetTicker(ctx, exchange, symbol)
}

// GetTickers reads every stored tick for one exchange.
func (m *Manager) GetTickers(ctx context.Context, exchange string) ([]*core.Tick, error) {
	return m.cache.GetTickers(ctx, exchange)
}

// GetSymbolTickers returns the stored tick for symbol on every exchange.
// Full scan over the cache; meant for observability, not hot paths.
func (m *Manager) GetSymbolTickers(ctx context.Context, symbol string) ([]*core.Tick, error) {
	all, err := m.cache.GetAllTickers(ctx)
	if err != nil {
		return nil, err
	}
	var out []*core.Tick
	for _, tick := range all {
		if tick.Symbol == symbol {
			out = append(out, tick)
		}
	}
	return out, nil
}

// GetFreshTickers returns every stored tick younger than maxAge. Full scan
// over the cache; meant for observability, not hot paths.
func (m *Manager) GetFreshTickers(ctx context.Context, maxAge time.Duration) ([]*core.Tick, error) {
	all, err := m.cache.GetAllTickers(ctx)
	if err != nil {
		return nil, err
	}
	cutoff := float64(time.Now().UnixNano())/1e9 - maxAge.Seconds()
	var out []*core.Tick
	for _, tick := range all {
		if tick.Time >= cutoff {
			out = append(out, tick)
		}
	}
	return out, nil
}

// Stats returns a snapshot of the counters, per-exchange breakdowns, and
// latency window percentiles.
func (m *Manager) Stats() Stats {
	s := Stats{
		TickCount:     m.tickCount.Load(),
		ErrorCount:    m.errorCount.Load(),
		RecoveryCount: m.recoveryCount.Load(),
		Exchanges:     make(map[string]ExchangeStats),
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	s.LastRefresh = m.lastRefresh
	for name, c := range m.exchanges {
		s.Exchanges[name] = ExchangeStats{
			Ticks:      c.ticks,
			Errors:     c.errors,
			Recoveries: c.recoveries,
			Symbols:    len(c.symbols),
			LastSeen:   c.lastSeen,
		}
	}

	s.LatencySamples = m.winCount
	if m.winCount == 0 {
		return s
	}
	samples := make([]float64, m.winCount)
	for i := 0; i < m.winCount; i++ {
		samples[i] = m.window[i].ms
	}
	sort.Float64s(samples)
	s.AvgLatencyMs = mean(samples)
	s.MaxLatencyMs = samples[len(samples)-1]
	s.P50LatencyMs = percentile(samples, 0.50)
	s.P99LatencyMs = percentile(samples, 0.99)
	return s
}

// PerformanceMetrics summarizes latency and throughput per exchange over the
// current latency window.
func (m *Manager) PerformanceMetrics() map[string]ExchangeMetrics {
	m.mu.Lock()
	defer m.mu.Unlock()

	byExchange := make(map[string][]float64)
	for i := 0; i < m.winCount; i++ {
		s := m.window[i]
		if s.exchange == "" {
			continue
		}
		byExchange[s.exchange] = append(byExchange[s.exchange], s.ms)
	}

	out := make(map[string]ExchangeMetrics, len(m.exchanges))
	for name, c := range m.exchanges {
		em := ExchangeMetrics{
			Processed:  c.ticks,
			Errors:     c.errors,
			Recoveries: c.recoveries,
		}
		if samples := byExchange[name]; len(samples) > 0 {
			sort.Float64s(samples)
			em.AvgLatencyMs = mean(samples)
			em.MinLatencyMs = samples[0]
			em.MaxLatencyMs = samples[len(samples)-1]
			em.P50LatencyMs = percentile(samples, 0.50)
			em.P99LatencyMs = percentile(samples, 0.99)
		}
		out[name] = em
	}
	return out
}

func (m *Manager) exchangeLocked(name string) *exchangeCounters {
	c, ok := m.exchanges[name]
	if !ok {
		c = &exchangeCounters{symbols: make(map[string]struct{})}
		m.exchanges[name] = c
	}
	return c
}

func (m *Manager) noteTick(tick *core.Tick) {
	m.tickCount.Add(1)
	m.mu.Lock()
	c := m.exchangeLocked(tick.Exchange)
	c.ticks++
	c.symbols[tick.Symbol] = struct{}{}
	c.lastSeen = time.Now().UTC()
	m.mu.Unlock()
}

func (m *Manager) noteError(exchange string) {
	m.errorCount.Add(1)
	if exchange == "" {
		return
	}
	m.mu.Lock()
	m.exchangeLocked(exchange).errors++
	m.mu.Unlock()
}

func (m *Manager) noteRecovery(exchange string) {
	m.recoveryCount.Add(1)
	if exchange == "" {
		return
	}
	m.mu.Lock()
	m.exchangeLocked(exchange).recoveries++
	m.mu.Unlock()
}

func (m *Manager) recordLatency(ctx context.Context, exchange string, d time.Duration) {
	ms := float64(d.Microseconds()) / 1000.0

	m.mu.Lock()
	m.window[m.winNext] = latencySample{exchange: exchange, ms: ms}
	m.winNext = (m.winNext + 1) % latencyWindowSize
	if m.winCount < latencyWindowSize {
		m.winCount++
	}
	m.mu.Unlock()

	if m.metrics.TickProcessLatency != nil {
		m.metrics.TickProcessLatency.Record(ctx, ms)
	}
}

// addCounter increments an instrument if telemetry is initialized.
func (m *Manager) addCounter(ctx context.Context, counter metric.Int64Counter, tick *core.Tick) {
	if counter == nil {
		return
	}
	if tick == nil {
		counter.Add(ctx, 1)
		return
	}
	counter.Add(ctx, 1, metric.WithAttributes(attribute.String("exchange", tick.Exchange)))
}

func mean(samples []float64) float64 {
	var sum float64
	for _, v := range samples {
		sum += v
	}
	return sum / float64(len(samples))
}

// percentile takes ascending samples and returns the nearest-rank quantile.
func percentile(sorted []float64, q float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(math.Ceil(q*float64(len(sorted)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
