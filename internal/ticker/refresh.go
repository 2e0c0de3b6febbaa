package ticker

import (
	"context"
	"fmt"
	"time"

	"ticker_daemon/internal/core"
)

// handlerProvider yields the live exchange handlers keyed by canonical
// exchange name. The daemon implements it.
type handlerProvider interface {
	Handlers() map[string]*Handler
}

// Refresher periodically reloads the symbol universe from the configuration
// store and reconciles every handler's subscriptions. The store cache is
// invalidated first and the whole cycle does exactly one bulk symbol read, so
// every handler reconciles against the same fresh snapshot.
type Refresher struct {
	store    core.ConfigStore
	provider handlerProvider
	manager  *Manager
	logger   core.ILogger

	initialDelay time.Duration
	interval     time.Duration
}

// NewRefresher creates a Refresher. initialDelay spaces the first cycle away
// from daemon startup so handlers have settled. manager may be nil; when set,
// its last-refresh stamp is advanced after every successful cycle.
func NewRefresher(store core.ConfigStore, provider handlerProvider, manager *Manager, logger core.ILogger, initialDelay, interval time.Duration) *Refresher {
	return &Refresher{
		store:        store,
		provider:     provider,
		manager:      manager,
		logger:       logger,
		initialDelay: initialDelay,
		interval:     interval,
	}
}

// Run drives the refresh loop until ctx is canceled.
func (r *Refresher) Run(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(r.initialDelay):
	}

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		if err := r.RefreshOnce(ctx); err != nil {
			r.logger.Error("symbol refresh failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RefreshOnce runs one refresh cycle: invalidate the store cache, read the
// full symbol set once, and reconcile every handler.
func (r *Refresher) RefreshOnce(ctx context.Context) error {
	r.store.InvalidateCache()

	symbols, err := r.store.GetSymbols(ctx, true)
	if err != nil {
		return fmt.Errorf("bulk symbol read: %w", err)
	}

	grouped := GroupSymbolsByExchange(symbols)
	handlers := r.provider.Handlers()

	for name, handler := range handlers {
		want := grouped[name]
		if err := handler.UpdateSymbols(ctx, want); err != nil {
			r.logger.Error("subscription reconcile failed", "exchange", name, "error", err)
		}
		delete(grouped, name)
	}

	// Exchanges that appeared in the store after startup are not picked up
	// mid-flight; a daemon restart collects them.
	for name, want := range grouped {
		r.logger.Warn("symbols for unmanaged exchange ignored", "exchange", name, "symbols", len(want))
	}

	if r.manager != nil {
		r.manager.MarkRefresh()
	}
	r.logger.Info("symbol refresh complete", "symbols", len(symbols), "handlers", len(handlers))
	return nil
}

// GroupSymbolsByExchange buckets symbol descriptors by canonical exchange name.
func GroupSymbolsByExchange(symbols []*core.SymbolDescriptor) map[string][]string {
	grouped := make(map[string][]string)
	for _, sd := range symbols {
		grouped[sd.Exchange] = append(grouped[sd.Exchange], sd.Symbol)
	}
	return grouped
}
