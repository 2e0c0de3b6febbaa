package ticker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"ticker_daemon/internal/core"
)

// healthUpdateInterval is the minimum period between "running" updates for one
// subscription. Ticks arrive far faster than operators read health entries.
const healthUpdateInterval = 30 * time.Second

// componentPrefix namespaces every record this daemon owns in the process
// cache, so a restart can sweep stale entries without touching other services.
const componentPrefix = "ticker"

// HealthReporter maintains one process-health record per live subscription.
// Running updates are rate limited per key; registration, error, and removal
// always go through.
type HealthReporter struct {
	cache    core.ProcessCache
	logger   core.ILogger
	interval time.Duration

	mu      sync.Mutex
	entries map[string]*healthEntry
}

type healthEntry struct {
	processID string
	limiter   *rate.Limiter
}

// NewHealthReporter creates a HealthReporter backed by the process cache.
func NewHealthReporter(cache core.ProcessCache, logger core.ILogger) *HealthReporter {
	return &HealthReporter{
		cache:    cache,
		logger:   logger,
		interval: healthUpdateInterval,
		entries:  make(map[string]*healthEntry),
	}
}

func componentFor(exchange, symbol string) string {
	return fmt.Sprintf("%s:%s:%s", componentPrefix, exchange, symbol)
}

// RegisterSubscription creates the health record for one subscription in the
// starting state. Idempotent per key.
func (h *HealthReporter) RegisterSubscription(ctx context.Context, exchange, symbol string) error {
	key := exchange + ":" + symbol

	h.mu.Lock()
	if _, ok := h.entries[key]; ok {
		h.mu.Unlock()
		return nil
	}
	h.mu.Unlock()

	id, err := h.cache.RegisterProcess(ctx, core.ProcessTypeTick, componentFor(exchange, symbol),
		map[string]string{"exchange": exchange, "symbol": symbol},
		"Subscription starting", core.ProcessStarting)
	if err != nil {
		return fmt.Errorf("register health for %s: %w", key, err)
	}

	h.mu.Lock()
	h.entries[key] = &healthEntry{
		processID: id,
		limiter:   rate.NewLimiter(rate.Every(h.interval), 1),
	}
	h.mu.Unlock()
	return nil
}

// MarkRunning records a successful tick for the subscription. Updates within
// the rate-limit window are silently skipped; health failures never fail tick
// processing, they are logged and dropped.
func (h *HealthReporter) MarkRunning(ctx context.Context, exchange, symbol string, tickTime float64) {
	key := exchange + ":" + symbol

	h.mu.Lock()
	entry, ok := h.entries[key]
	h.mu.Unlock()
	if !ok || !entry.limiter.Allow() {
		return
	}

	msg := fmt.Sprintf("Received ticker at %v", tickTime)
	if err := h.cache.UpdateProcess(ctx, entry.processID, core.ProcessRunning, msg); err != nil {
		h.logger.Warn("health update failed", "key", key, "error", err)
	}
}

// MarkError records an error for the subscription, bypassing the rate limit.
func (h *HealthReporter) MarkError(ctx context.Context, exchange, symbol, message string) {
	key := exchange + ":" + symbol

	h.mu.Lock()
	entry, ok := h.entries[key]
	h.mu.Unlock()
	if !ok {
		return
	}

	if err := h.cache.UpdateProcess(ctx, entry.processID, core.ProcessError, message); err != nil {
		h.logger.Warn("health error update failed", "key", key, "error", err)
	}
}

// UnregisterSubscription removes the health record for one subscription.
func (h *HealthReporter) UnregisterSubscription(ctx context.Context, exchange, symbol string) {
	key := exchange + ":" + symbol

	h.mu.Lock()
	entry, ok := h.entries[key]
	delete(h.entries, key)
	h.mu.Unlock()
	if !ok {
		return
	}

	if err := h.cache.DeleteProcess(ctx, entry.processID); err != nil {
		h.logger.Warn("health unregister failed", "key", key, "error", err)
	}
}

// UnregisterExchange removes every health record belonging to one exchange.
func (h *HealthReporter) UnregisterExchange(ctx context.Context, exchange string) {
	h.mu.Lock()
	keys := make([]string, 0)
	prefix := exchange + ":"
	for key := range h.entries {
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			keys = append(keys, key)
		}
	}
	h.mu.Unlock()

	for _, key := range keys {
		symbol := key[len(prefix):]
		h.UnregisterSubscription(ctx, exchange, symbol)
	}
}

// Tracked returns the number of tracked subscriptions.
func (h *HealthReporter) Tracked() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.entries)
}
