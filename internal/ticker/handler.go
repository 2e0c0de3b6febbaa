package ticker

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"ticker_daemon/internal/core"
	apperrors "ticker_daemon/pkg/errors"
	"ticker_daemon/pkg/telemetry"
)

// HandlerState is the connection state of one exchange handler.
type HandlerState int

const (
	StateDisconnected HandlerState = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateError
)

func (s HandlerState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// HandlerOptions tune the reconnection policy.
type HandlerOptions struct {
	// MaxAttempts bounds consecutive reconnection attempts before the handler
	// enters the terminal error state.
	MaxAttempts int
	// MaxDelay caps the exponential backoff between attempts.
	MaxDelay time.Duration
	// BackoffBase is the unit the exponential delay is expressed in, normally
	// one second.
	BackoffBase time.Duration
}

func (o *HandlerOptions) applyDefaults() {
	if o.MaxAttempts == 0 {
		o.MaxAttempts = 10
	}
	if o.MaxDelay == 0 {
		o.MaxDelay = 60 * time.Second
	}
	if o.BackoffBase == 0 {
		o.BackoffBase = time.Second
	}
}

// Handler owns the websocket session for one exchange account: it connects,
// subscribes the assigned symbols, routes events into the Manager, and
// self-heals transport drops with bounded exponential backoff. After
// MaxAttempts consecutive failures it parks in the error state and waits for
// the supervisor to recreate it.
type Handler struct {
	exchange *core.UserExchange
	socket   core.ExchangeSocket
	manager  *Manager
	health   *HealthReporter
	norm     *Normalizer
	registry *Registry
	logger   core.ILogger
	metrics  *telemetry.MetricsHolder
	opts     HandlerOptions

	// reconnectCount is the consecutive reconnect attempt counter. It resets
	// to zero whenever a connection is established.
	reconnectCount atomic.Int64

	mu       sync.Mutex
	state    HandlerState
	symbols  map[string]struct{}
	lastTick time.Time
	stopping bool
	runCtx   context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	// reconnecting guards against overlapping reconnect loops when the socket
	// flaps during an attempt.
	reconnecting bool
}

// NewHandler creates a Handler for one exchange account.
func NewHandler(exchange *core.UserExchange, socket core.ExchangeSocket, manager *Manager, health *HealthReporter, logger core.ILogger, opts HandlerOptions) *Handler {
	opts.applyDefaults()
	h := &Handler{
		exchange: exchange,
		socket:   socket,
		manager:  manager,
		health:   health,
		norm:     NewNormalizer(),
		registry: NewRegistry(),
		logger:   logger.WithField("exchange", exchange.CatName),
		metrics:  telemetry.GetGlobalMetrics(),
		opts:     opts,
		symbols:  make(map[string]struct{}),
	}
	socket.SetConnectionStatusCallback(h.onConnectionStatus)
	return h
}

// ExchangeName returns the canonical exchange name this handler serves.
func (h *Handler) ExchangeName() string {
	return h.exchange.CatName
}

// State returns the current connection state.
func (h *Handler) State() HandlerState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// IsHealthy reports whether the handler is connected and collecting.
func (h *Handler) IsHealthy() bool {
	return h.State() == StateConnected
}

// SymbolCount returns the number of live subscriptions.
func (h *Handler) SymbolCount() int {
	return h.registry.Len()
}

// IsSubscribed reports whether symbol has a live subscription.
func (h *Handler) IsSubscribed(symbol string) bool {
	return h.registry.Has(symbol)
}

// LastTick returns the receipt time of the most recent well-formed event.
func (h *Handler) LastTick() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastTick
}

// Reconnects returns the current consecutive reconnect attempt count. It is
// zero while the connection is healthy.
func (h *Handler) Reconnects() int64 {
	return h.reconnectCount.Load()
}

// AssignedSymbols returns the wanted symbol set.
func (h *Handler) AssignedSymbols() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.symbolListLocked()
}

// AssignSymbols sets the wanted symbol set before Start. After Start, use
// UpdateSymbols.
func (h *Handler) AssignSymbols(symbols []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.symbols = make(map[string]struct{}, len(symbols))
	for _, s := range symbols {
		h.symbols[s] = struct{}{}
	}
}

// Start connects the socket and subscribes every assigned symbol. Calling
// Start while a connection exists or is being established is a no-op. On
// failure the handler parks in the error state, begins its backoff loop, and
// the error is returned so the caller can log it; the handler recovers on its
// own unless the loop exhausts its attempts.
func (h *Handler) Start(ctx context.Context) error {
	h.mu.Lock()
	if h.state == StateConnected || h.state == StateConnecting || h.reconnecting {
		h.mu.Unlock()
		return nil
	}
	h.stopping = false
	h.runCtx, h.cancel = context.WithCancel(ctx)
	h.setStateLocked(StateConnecting)
	symbols := h.symbolListLocked()
	h.mu.Unlock()

	if err := h.connectAndSubscribe(h.runCtx, symbols); err != nil {
		h.logger.Error("initial connect failed", "error", err)
		h.reconnectCount.Store(1)
		h.setState(StateError)
		h.beginReconnect()
		return fmt.Errorf("%w: %v", apperrors.ErrConnectFailed, err)
	}

	h.reconnectCount.Store(0)
	h.setState(StateConnected)
	h.logger.Info("exchange handler connected", "symbols", len(symbols))
	return nil
}

// Stop disconnects deliberately: unsubscribes everything, tears down the
// socket, and removes the handler's health entries. Safe to call twice.
func (h *Handler) Stop(ctx context.Context) {
	h.mu.Lock()
	if h.stopping {
		h.mu.Unlock()
		return
	}
	h.stopping = true
	if h.cancel != nil {
		h.cancel()
	}
	h.mu.Unlock()

	h.wg.Wait()

	for _, handle := range h.registry.Clear() {
		_ = h.socket.Unsubscribe(handle)
	}
	if err := h.socket.Disconnect(); err != nil {
		h.logger.Warn("socket disconnect failed", "error", err)
	}
	if h.health != nil {
		h.health.UnregisterExchange(ctx, h.exchange.CatName)
	}

	h.reconnectCount.Store(0)
	h.setState(StateDisconnected)
	h.metrics.SetActiveSubscriptions(h.exchange.CatName, 0)
	h.logger.Info("exchange handler stopped")
}

// UpdateSymbols reconciles the live subscriptions with the wanted set:
// missing symbols are subscribed, dropped symbols unsubscribed. When the
// handler is not connected the set is stored and applied on the next
// (re)connect.
func (h *Handler) UpdateSymbols(ctx context.Context, symbols []string) error {
	h.mu.Lock()
	want := make(map[string]struct{}, len(symbols))
	for _, s := range symbols {
		want[s] = struct{}{}
	}
	h.symbols = want
	connected := h.state == StateConnected
	h.mu.Unlock()

	if !connected {
		return nil
	}

	var firstErr error
	for _, symbol := range h.registry.Symbols() {
		if _, keep := want[symbol]; keep {
			continue
		}
		if err := h.unsubscribeSymbol(ctx, symbol); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for symbol := range want {
		if h.registry.Has(symbol) {
			continue
		}
		if err := h.subscribeSymbol(ctx, symbol); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	h.metrics.SetActiveSubscriptions(h.exchange.CatName, int64(h.registry.Len()))
	return firstErr
}

func (h *Handler) symbolListLocked() []string {
	out := make([]string, 0, len(h.symbols))
	for s := range h.symbols {
		out = append(out, s)
	}
	return out
}

func (h *Handler) setState(s HandlerState) {
	h.mu.Lock()
	h.setStateLocked(s)
	h.mu.Unlock()
}

func (h *Handler) setStateLocked(s HandlerState) {
	h.state = s
	h.metrics.SetHandlerState(h.exchange.CatName, int64(s))
}

func (h *Handler) connectAndSubscribe(ctx context.Context, symbols []string) error {
	if err := h.socket.Connect(ctx); err != nil {
		return err
	}

	for _, symbol := range symbols {
		if err := h.subscribeSymbol(ctx, symbol); err != nil {
			// Partial subscriptions are torn down with the connection; the
			// next attempt starts clean.
			h.registry.Clear()
			_ = h.socket.Disconnect()
			return fmt.Errorf("subscribe %s: %w", symbol, err)
		}
	}

	h.metrics.SetActiveSubscriptions(h.exchange.CatName, int64(len(symbols)))
	return nil
}

func (h *Handler) subscribeSymbol(ctx context.Context, symbol string) error {
	handle, err := h.socket.SubscribeTicker(symbol, h.eventFunc(symbol))
	if err != nil {
		return fmt.Errorf("%w: %v", apperrors.ErrSubscribeFailed, err)
	}
	h.registry.Add(symbol, handle)

	if h.health != nil {
		if err := h.health.RegisterSubscription(ctx, h.exchange.CatName, symbol); err != nil {
			h.logger.Warn("health registration failed", "symbol", symbol, "error", err)
		}
	}
	return nil
}

func (h *Handler) unsubscribeSymbol(ctx context.Context, symbol string) error {
	handle, ok := h.registry.Remove(symbol)
	if !ok {
		return nil
	}
	if h.health != nil {
		h.health.UnregisterSubscription(ctx, h.exchange.CatName, symbol)
	}
	if err := h.socket.Unsubscribe(handle); err != nil {
		return fmt.Errorf("%w: %v", apperrors.ErrUnsubscribeFailed, err)
	}
	return nil
}

// eventFunc builds the per-subscription callback routing raw events through
// normalization into the manager.
func (h *Handler) eventFunc(symbol string) core.TickerEventFunc {
	exchangeName := h.exchange.CatName
	return func(event map[string]any) {
		h.mu.Lock()
		ctx := h.runCtx
		h.mu.Unlock()
		if ctx == nil {
			ctx = context.Background()
		}

		tick, err := h.norm.Normalize(exchangeName, symbol, event)
		if err != nil {
			h.manager.NoteMalformed(ctx, exchangeName, err)
			return
		}
		h.mu.Lock()
		h.lastTick = time.Now().UTC()
		h.mu.Unlock()
		if err := h.manager.ProcessTick(ctx, tick); err != nil {
			h.logger.Warn("tick processing failed", "symbol", symbol, "error", err)
		}
	}
}

// onConnectionStatus fires from the socket when the transport drops.
func (h *Handler) onConnectionStatus(connected bool) {
	if connected {
		return
	}

	h.mu.Lock()
	if h.stopping {
		h.mu.Unlock()
		return
	}
	h.setStateLocked(StateReconnecting)
	h.mu.Unlock()

	h.logger.Warn("connection lost, reconnecting")
	h.registry.Clear()
	h.beginReconnect()
}

// beginReconnect spawns the backoff loop unless one is already running.
func (h *Handler) beginReconnect() {
	h.mu.Lock()
	if h.reconnecting || h.stopping {
		h.mu.Unlock()
		return
	}
	h.reconnecting = true
	h.wg.Add(1)
	h.mu.Unlock()

	go h.reconnectLoop()
}

func (h *Handler) reconnectLoop() {
	defer func() {
		h.mu.Lock()
		h.reconnecting = false
		h.mu.Unlock()
		h.wg.Done()
	}()

	h.mu.Lock()
	ctx := h.runCtx
	h.mu.Unlock()

	for attempt := 1; attempt <= h.opts.MaxAttempts; attempt++ {
		delay := h.backoffDelay(attempt)
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}

		h.reconnectCount.Store(int64(attempt))
		h.setState(StateReconnecting)
		if h.metrics.ReconnectsTotal != nil {
			h.metrics.ReconnectsTotal.Add(ctx, 1)
		}

		h.mu.Lock()
		symbols := h.symbolListLocked()
		h.mu.Unlock()
		h.registry.Clear()

		err := h.connectAndSubscribe(ctx, symbols)
		if err == nil {
			h.reconnectCount.Store(0)
			h.setState(StateConnected)
			h.logger.Info("reconnected", "attempt", attempt, "symbols", len(symbols))
			// The wanted set may have changed while we were down.
			h.mu.Lock()
			current := h.symbolListLocked()
			h.mu.Unlock()
			if err := h.UpdateSymbols(ctx, current); err != nil {
				h.logger.Warn("post-reconnect reconcile failed", "error", err)
			}
			return
		}
		h.logger.Warn("reconnect attempt failed",
			"attempt", attempt, "max_attempts", h.opts.MaxAttempts, "delay", delay.String(), "error", err)
	}

	// Exhausted. The supervisor notices the error state and rebuilds the
	// handler from scratch.
	h.setState(StateError)
	h.logger.Error("reconnect attempts exhausted", "attempts", h.opts.MaxAttempts)
}

// backoffDelay is min(2^attempt, MaxDelay seconds) expressed in BackoffBase
// units, so shortened test clocks keep the same shape.
func (h *Handler) backoffDelay(attempt int) time.Duration {
	exp := math.Pow(2, float64(attempt))
	if maxExp := h.opts.MaxDelay.Seconds(); exp > maxExp {
		exp = maxExp
	}
	return time.Duration(exp * float64(h.opts.BackoffBase))
}
