package ticker

import (
	"sync"

	"ticker_daemon/internal/core"
)

// Registry tracks the live subscriptions of one exchange handler, mapping
// symbol to the socket-issued handle. Safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	handles map[string]core.SubscriptionHandle
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		handles: make(map[string]core.SubscriptionHandle),
	}
}

// Add records a subscription, replacing any previous handle for the symbol.
func (r *Registry) Add(symbol string, handle core.SubscriptionHandle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handles[symbol] = handle
}

// Remove deletes the subscription for symbol and returns its handle. The
// second return is false when the symbol was not subscribed.
func (r *Registry) Remove(symbol string) (core.SubscriptionHandle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	handle, ok := r.handles[symbol]
	if ok {
		delete(r.handles, symbol)
	}
	return handle, ok
}

// Get returns the handle for symbol, if subscribed.
func (r *Registry) Get(symbol string) (core.SubscriptionHandle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	handle, ok := r.handles[symbol]
	return handle, ok
}

// Has reports whether symbol is subscribed.
func (r *Registry) Has(symbol string) bool {
	_, ok := r.Get(symbol)
	return ok
}

// Symbols returns the subscribed symbols in unspecified order.
func (r *Registry) Symbols() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	symbols := make([]string, 0, len(r.handles))
	for s := range r.handles {
		symbols = append(symbols, s)
	}
	return symbols
}

// Len returns the number of live subscriptions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handles)
}

// Clear drops every subscription and returns the removed symbol→handle pairs
// so the caller can unsubscribe them on the socket.
func (r *Registry) Clear() map[string]core.SubscriptionHandle {
	r.mu.Lock()
	defer r.mu.Unlock()
	old := r.handles
	r.handles = make(map[string]core.SubscriptionHandle)
	return old
}
