package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metric names
const (
	MetricTicksTotal           = "ticker_daemon_ticks_total"
	MetricTicksDroppedTotal    = "ticker_daemon_ticks_dropped_total"
	MetricCacheWriteErrors     = "ticker_daemon_cache_write_errors_total"
	MetricReconnectsTotal      = "ticker_daemon_reconnects_total"
	MetricActiveSubscriptions  = "ticker_daemon_active_subscriptions"
	MetricHandlerState         = "ticker_daemon_handler_state"
	MetricTickProcessLatencyMs = "ticker_daemon_tick_process_latency_ms"
)

// MetricsHolder holds initialized instruments
type MetricsHolder struct {
	TicksTotal          metric.Int64Counter
	TicksDroppedTotal   metric.Int64Counter
	CacheWriteErrors    metric.Int64Counter
	ReconnectsTotal     metric.Int64Counter
	ActiveSubscriptions metric.Int64ObservableGauge
	HandlerState        metric.Int64ObservableGauge
	TickProcessLatency  metric.Float64Histogram

	// State for observable gauges
	mu              sync.RWMutex
	activeSubsMap   map[string]int64
	handlerStateMap map[string]int64
}

var (
	globalMetrics *MetricsHolder
	initOnce      sync.Once
)

// GetGlobalMetrics returns the singleton metrics holder
func GetGlobalMetrics() *MetricsHolder {
	initOnce.Do(func() {
		globalMetrics = &MetricsHolder{
			activeSubsMap:   make(map[string]int64),
			handlerStateMap: make(map[string]int64),
		}
		// Initialization of instruments happens in InitMetrics
	})
	return globalMetrics
}

// InitMetrics initializes instruments using the meter
func (m *MetricsHolder) InitMetrics(meter metric.Meter) error {
	var err error

	m.TicksTotal, err = meter.Int64Counter(MetricTicksTotal, metric.WithDescription("Total ticks processed into the cache"))
	if err != nil {
		return err
	}

	m.TicksDroppedTotal, err = meter.Int64Counter(MetricTicksDroppedTotal, metric.WithDescription("Total malformed or invalid ticks dropped"))
	if err != nil {
		return err
	}

	m.CacheWriteErrors, err = meter.Int64Counter(MetricCacheWriteErrors, metric.WithDescription("Total failed tick-store writes"))
	if err != nil {
		return err
	}

	m.ReconnectsTotal, err = meter.Int64Counter(MetricReconnectsTotal, metric.WithDescription("Total websocket reconnection attempts"))
	if err != nil {
		return err
	}

	m.TickProcessLatency, err = meter.Float64Histogram(MetricTickProcessLatencyMs, metric.WithDescription("Per-tick processing latency"), metric.WithUnit("ms"))
	if err != nil {
		return err
	}

	// Observables
	m.ActiveSubscriptions, err = meter.Int64ObservableGauge(MetricActiveSubscriptions, metric.WithDescription("Currently subscribed symbols per exchange"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for exch, val := range m.activeSubsMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("exchange", exch)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.HandlerState, err = meter.Int64ObservableGauge(MetricHandlerState, metric.WithDescription("Handler connection state (0=disconnected 1=connecting 2=connected 3=reconnecting 4=error)"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for exch, val := range m.handlerStateMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("exchange", exch)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	return nil
}

// Helpers to update observable state

func (m *MetricsHolder) SetActiveSubscriptions(exchange string, count int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.activeSubsMap[exchange] = count
}

func (m *MetricsHolder) SetHandlerState(exchange string, state int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlerStateMap[exchange] = state
}

func (m *MetricsHolder) GetActiveSubscriptions() map[string]int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make(map[string]int64)
	for k, v := range m.activeSubsMap {
		res[k] = v
	}
	return res
}
