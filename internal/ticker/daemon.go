package ticker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"ticker_daemon/internal/core"
	"ticker_daemon/pkg/concurrency"
	apperrors "ticker_daemon/pkg/errors"
)

// daemonComponent names the daemon's own process-health record. It shares the
// "ticker" prefix with the per-subscription records so one sweep clears both.
const daemonComponent = "ticker_daemon"

// Daemon lifecycle states. Single-symbol starts are only honored from the
// running and stopped states; anything in between refuses.
const (
	daemonStopped  = "stopped"
	daemonStarting = "starting"
	daemonRunning  = "running"
	daemonStopping = "stopping"
	daemonError    = "error"
)

// DaemonConfig carries the supervisor timing knobs.
type DaemonConfig struct {
	// AdminMail selects whose exchanges and symbols the daemon collects.
	AdminMail string
	// SupervisorInterval is the failed-handler recreation poll period.
	SupervisorInterval time.Duration
	// HeartbeatInterval is the daemon health-record update period.
	HeartbeatInterval time.Duration
	// RestartPause is the settle time between stop and start on Restart.
	RestartPause time.Duration
	Handler      HandlerOptions
}

func (c *DaemonConfig) applyDefaults() {
	if c.SupervisorInterval == 0 {
		c.SupervisorInterval = 10 * time.Second
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = time.Second
	}
	if c.RestartPause == 0 {
		c.RestartPause = time.Second
	}
}

// ExchangeStatus is the per-exchange slice of a daemon status snapshot.
type ExchangeStatus struct {
	State       string    `json:"state"`
	Connected   bool      `json:"connected"`
	Symbols     int       `json:"symbols"`
	AccountName string    `json:"account_name"`
	LastTick    time.Time `json:"last_tick"`
	Reconnects  int64     `json:"reconnects"`
}

// DaemonStatus is a point-in-time snapshot of the whole daemon.
type DaemonStatus struct {
	Status    string                    `json:"status"`
	Running   bool                      `json:"running"`
	Exchanges map[string]ExchangeStatus `json:"exchanges"`
	Stats     Stats                     `json:"stats"`
}

// Daemon supervises the ticker collection engine: it bulk-loads the exchange
// and symbol universe, runs one Handler per exchange, recreates handlers that
// exhausted their reconnect budget, and heartbeats its own health record.
type Daemon struct {
	cfg     DaemonConfig
	store   core.ConfigStore
	procs   core.ProcessCache
	manager *Manager
	health  *HealthReporter
	factory core.SocketFactory
	creds   core.CredentialResolver
	logger  core.ILogger

	mu        sync.Mutex
	status    string
	pool      *concurrency.WorkerPool
	handlers  map[string]*Handler
	exchanges map[string]*core.UserExchange
	processID string
}

// NewDaemon wires a Daemon from its collaborators.
func NewDaemon(cfg DaemonConfig, store core.ConfigStore, procs core.ProcessCache, manager *Manager, health *HealthReporter, factory core.SocketFactory, creds core.CredentialResolver, logger core.ILogger) *Daemon {
	cfg.applyDefaults()
	return &Daemon{
		cfg:       cfg,
		store:     store,
		procs:     procs,
		manager:   manager,
		health:    health,
		factory:   factory,
		creds:     creds,
		logger:    logger.WithField("component", daemonComponent),
		status:    daemonStopped,
		handlers:  make(map[string]*Handler),
		exchanges: make(map[string]*core.UserExchange),
	}
}

// Run starts the daemon and blocks until ctx is canceled, then shuts down.
// It satisfies the bootstrap Runner contract.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.Start(ctx); err != nil {
		return err
	}

	supervisor := time.NewTicker(d.cfg.SupervisorInterval)
	heartbeat := time.NewTicker(d.cfg.HeartbeatInterval)
	defer supervisor.Stop()
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			d.Stop(context.Background())
			return ctx.Err()
		case <-supervisor.C:
			d.superviseOnce(ctx)
		case <-heartbeat.C:
			d.heartbeatOnce(ctx)
		}
	}
}

// Start bulk-loads the exchange and symbol universe and brings every handler
// up concurrently. Exchanges the socket factory cannot build are skipped with
// an error log; the rest still start. An admin that cannot be resolved, or a
// universe yielding no handler at all, parks the daemon in the error state.
func (d *Daemon) Start(ctx context.Context) error {
	return d.start(ctx, nil)
}

func (d *Daemon) start(ctx context.Context, only *core.SymbolDescriptor) error {
	d.mu.Lock()
	if d.status != daemonStopped && d.status != daemonError {
		d.mu.Unlock()
		return fmt.Errorf("%w: daemon is %s", apperrors.ErrInconsistentState, d.status)
	}
	d.status = daemonStarting
	d.pool = concurrency.NewWorkerPool(concurrency.PoolConfig{
		Name:       "exchange-handlers",
		MaxWorkers: 8,
	}, d.logger)
	d.mu.Unlock()

	// A previous run of this daemon may have died without cleanup.
	if err := d.procs.DeleteByComponent(ctx, componentPrefix); err != nil {
		d.logger.Warn("stale health sweep failed", "error", err)
	}

	uid, err := d.store.GetUserID(ctx, d.cfg.AdminMail)
	if err != nil {
		return d.failStart(fmt.Errorf("resolve admin %s: %w", d.cfg.AdminMail, err))
	}
	exchanges, err := d.store.GetUserExchanges(ctx, uid)
	if err != nil {
		return d.failStart(fmt.Errorf("load exchanges: %w", err))
	}

	var grouped map[string][]string
	if only != nil {
		grouped = map[string][]string{only.Exchange: {only.Symbol}}
	} else {
		symbols, err := d.store.GetSymbols(ctx, true)
		if err != nil {
			return d.failStart(fmt.Errorf("load symbols: %w", err))
		}
		grouped = GroupSymbolsByExchange(symbols)
	}
	d.manager.MarkRefresh()

	for _, ex := range exchanges {
		want := grouped[ex.CatName]
		if len(want) == 0 {
			d.logger.Info("exchange has no symbols, skipping", "exchange", ex.CatName)
			continue
		}
		handler, err := d.buildHandler(ex)
		if err != nil {
			d.logger.Error("cannot build exchange handler", "exchange", ex.CatName, "error", err)
			continue
		}
		handler.AssignSymbols(want)

		d.mu.Lock()
		d.handlers[ex.CatName] = handler
		d.exchanges[ex.CatName] = ex
		d.mu.Unlock()
	}

	handlers := d.Handlers()
	if len(handlers) == 0 {
		return d.failStart(fmt.Errorf("%w: no exchange yields any symbols", apperrors.ErrConfigUnavailable))
	}

	// The daemon only earns a health record once it has handlers to run;
	// a configuration that yields none leaves nothing behind to heartbeat.
	processID, err := d.procs.RegisterProcess(ctx, core.ProcessTypeDaemon, daemonComponent,
		map[string]string{"admin": d.cfg.AdminMail}, "Daemon starting", core.ProcessStarting)
	if err != nil {
		return d.failStart(fmt.Errorf("register daemon health: %w", err))
	}
	d.mu.Lock()
	d.processID = processID
	d.mu.Unlock()

	d.startHandlers(ctx, handlers)

	if err := d.procs.UpdateProcess(ctx, processID, core.ProcessRunning, "Daemon started"); err != nil {
		d.logger.Warn("daemon health update failed", "error", err)
	}
	d.setStatus(daemonRunning)
	d.logger.Info("daemon started", "exchanges", len(handlers))
	return nil
}

// failStart parks the daemon in the error state. Startup fails before the
// daemon registers its health record, so there is nothing to mark.
func (d *Daemon) failStart(err error) error {
	d.mu.Lock()
	d.status = daemonError
	pool := d.pool
	d.pool = nil
	d.mu.Unlock()

	if pool != nil {
		pool.Stop()
	}
	d.logger.Error("daemon start failed", "error", err)
	return err
}

// Stop brings every handler down concurrently and removes the daemon's health
// records. Safe to call after a failed Start, and safe to call twice.
func (d *Daemon) Stop(ctx context.Context) {
	d.mu.Lock()
	if d.status == daemonStopped || d.status == daemonStopping {
		d.mu.Unlock()
		return
	}
	d.status = daemonStopping
	handlers := d.handlers
	d.handlers = make(map[string]*Handler)
	d.exchanges = make(map[string]*core.UserExchange)
	processID := d.processID
	d.processID = ""
	pool := d.pool
	d.pool = nil
	d.mu.Unlock()

	var wg sync.WaitGroup
	for _, handler := range handlers {
		wg.Add(1)
		h := handler
		stop := func() {
			defer wg.Done()
			h.Stop(ctx)
		}
		if pool == nil || pool.Submit(stop) != nil {
			go stop()
		}
	}
	wg.Wait()
	if pool != nil {
		pool.Stop()
	}

	if processID != "" {
		if err := d.procs.DeleteProcess(ctx, processID); err != nil {
			d.logger.Warn("daemon health delete failed", "error", err)
		}
	}
	if err := d.procs.DeleteByComponent(ctx, componentPrefix); err != nil {
		d.logger.Warn("health sweep failed", "error", err)
	}
	d.setStatus(daemonStopped)
	d.logger.Info("daemon stopped")
}

// Restart stops the daemon, lets the transports settle, and starts it again.
func (d *Daemon) Restart(ctx context.Context) error {
	d.Stop(ctx)
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d.cfg.RestartPause):
	}
	return d.Start(ctx)
}

// IsRunning reports whether the daemon is fully started.
func (d *Daemon) IsRunning() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.status == daemonRunning
}

// Handlers returns a copy of the live handler map keyed by exchange name.
func (d *Daemon) Handlers() map[string]*Handler {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[string]*Handler, len(d.handlers))
	for name, h := range d.handlers {
		out[name] = h
	}
	return out
}

// IsCollecting reports whether a live subscription exists for the pair.
func (d *Daemon) IsCollecting(exchange, symbol string) bool {
	d.mu.Lock()
	handler, ok := d.handlers[exchange]
	d.mu.Unlock()
	return ok && handler.IsHealthy() && handler.IsSubscribed(symbol)
}

// ProcessTicker starts collection for one extra symbol. On a running daemon
// the symbol joins the matching handler, building a handler first when the
// exchange has none. On a stopped daemon a minimal instance collecting only
// that symbol is started. Anything in between refuses rather than guessing.
func (d *Daemon) ProcessTicker(ctx context.Context, sym *core.SymbolDescriptor) error {
	d.mu.Lock()
	status := d.status
	handler := d.handlers[sym.Exchange]
	d.mu.Unlock()

	switch status {
	case daemonRunning:
		if handler != nil {
			if handler.IsSubscribed(sym.Symbol) {
				return nil
			}
			want := append(handler.AssignedSymbols(), sym.Symbol)
			return handler.UpdateSymbols(ctx, want)
		}
		return d.spawnHandler(ctx, sym)
	case daemonStopped:
		return d.start(ctx, sym)
	default:
		d.logger.Error("single-symbol start refused",
			"exchange", sym.Exchange, "symbol", sym.Symbol, "status", status)
		return fmt.Errorf("%w: daemon is %s", apperrors.ErrInconsistentState, status)
	}
}

// spawnHandler builds and starts a handler for an exchange the running daemon
// does not cover yet.
func (d *Daemon) spawnHandler(ctx context.Context, sym *core.SymbolDescriptor) error {
	ex, err := d.lookupExchange(ctx, sym.Exchange)
	if err != nil {
		return err
	}
	handler, err := d.buildHandler(ex)
	if err != nil {
		return fmt.Errorf("build handler for %s: %w", sym.Exchange, err)
	}
	handler.AssignSymbols([]string{sym.Symbol})

	d.mu.Lock()
	if existing := d.handlers[sym.Exchange]; existing != nil {
		d.mu.Unlock()
		want := append(existing.AssignedSymbols(), sym.Symbol)
		return existing.UpdateSymbols(ctx, want)
	}
	d.handlers[sym.Exchange] = handler
	d.exchanges[sym.Exchange] = ex
	d.mu.Unlock()

	if err := handler.Start(ctx); err != nil {
		// The handler keeps retrying on its own.
		d.logger.Error("handler start failed", "exchange", sym.Exchange, "error", err)
		return err
	}
	return nil
}

// lookupExchange resolves the admin's account on the named exchange.
func (d *Daemon) lookupExchange(ctx context.Context, name string) (*core.UserExchange, error) {
	d.mu.Lock()
	if ex := d.exchanges[name]; ex != nil {
		d.mu.Unlock()
		return ex, nil
	}
	d.mu.Unlock()

	uid, err := d.store.GetUserID(ctx, d.cfg.AdminMail)
	if err != nil {
		return nil, fmt.Errorf("resolve admin %s: %w", d.cfg.AdminMail, err)
	}
	exchanges, err := d.store.GetUserExchanges(ctx, uid)
	if err != nil {
		return nil, fmt.Errorf("load exchanges: %w", err)
	}
	for _, ex := range exchanges {
		if ex.CatName == name {
			d.mu.Lock()
			d.exchanges[name] = ex
			d.mu.Unlock()
			return ex, nil
		}
	}
	return nil, fmt.Errorf("%w: admin has no account on exchange %s", apperrors.ErrConfigUnavailable, name)
}

// Status returns a snapshot of the daemon and its handlers.
func (d *Daemon) Status() DaemonStatus {
	d.mu.Lock()
	daemonState := d.status
	handlers := make(map[string]*Handler, len(d.handlers))
	for name, h := range d.handlers {
		handlers[name] = h
	}
	exchanges := make(map[string]*core.UserExchange, len(d.exchanges))
	for name, ex := range d.exchanges {
		exchanges[name] = ex
	}
	d.mu.Unlock()

	status := DaemonStatus{
		Status:    daemonState,
		Running:   daemonState == daemonRunning,
		Exchanges: make(map[string]ExchangeStatus, len(handlers)),
		Stats:     d.manager.Stats(),
	}
	for name, h := range handlers {
		es := ExchangeStatus{
			State:      h.State().String(),
			Connected:  h.IsHealthy(),
			Symbols:    h.SymbolCount(),
			LastTick:   h.LastTick(),
			Reconnects: h.Reconnects(),
		}
		if ex := exchanges[name]; ex != nil {
			es.AccountName = ex.Name
		}
		status.Exchanges[name] = es
	}
	return status
}

// GetHealth returns every active process-health record the cache holds.
func (d *Daemon) GetHealth(ctx context.Context) ([]*core.ProcessRecord, error) {
	return d.procs.ActiveProcesses(ctx)
}

func (d *Daemon) buildHandler(ex *core.UserExchange) (*Handler, error) {
	creds, err := d.creds.Resolve(ex)
	if err != nil {
		return nil, fmt.Errorf("resolve credentials: %w", err)
	}
	socket, err := d.factory(ex, creds, d.logger)
	if err != nil {
		return nil, fmt.Errorf("build socket: %w", err)
	}
	return NewHandler(ex, socket, d.manager, d.health, d.logger, d.cfg.Handler), nil
}

func (d *Daemon) startHandlers(ctx context.Context, handlers map[string]*Handler) {
	d.mu.Lock()
	pool := d.pool
	d.mu.Unlock()

	var wg sync.WaitGroup
	for name, handler := range handlers {
		wg.Add(1)
		n, h := name, handler
		start := func() {
			defer wg.Done()
			if err := h.Start(ctx); err != nil {
				// The handler keeps retrying on its own; worth a log, not a
				// startup failure.
				d.logger.Error("handler start failed", "exchange", n, "error", err)
			}
		}
		if pool == nil || pool.Submit(start) != nil {
			go start()
		}
	}
	wg.Wait()
}

// superviseOnce recreates every handler parked in the error state. The old
// handler is torn down and a fresh socket is built so no poisoned transport
// state survives.
func (d *Daemon) superviseOnce(ctx context.Context) {
	for name, handler := range d.Handlers() {
		if handler.State() != StateError {
			continue
		}

		d.mu.Lock()
		ex := d.exchanges[name]
		d.mu.Unlock()
		if ex == nil {
			continue
		}

		d.logger.Warn("recreating failed exchange handler", "exchange", name)
		symbols := handler.AssignedSymbols()
		handler.Stop(ctx)

		replacement, err := d.buildHandler(ex)
		if err != nil {
			d.logger.Error("handler recreation failed", "exchange", name, "error", err)
			continue
		}
		replacement.AssignSymbols(symbols)

		d.mu.Lock()
		d.handlers[name] = replacement
		d.mu.Unlock()

		if err := replacement.Start(ctx); err != nil {
			d.logger.Error("recreated handler start failed", "exchange", name, "error", err)
		}
	}
}

// heartbeatOnce refreshes the daemon's own health record with live counters.
func (d *Daemon) heartbeatOnce(ctx context.Context) {
	d.mu.Lock()
	processID := d.processID
	running := d.status == daemonRunning
	d.mu.Unlock()
	if !running || processID == "" {
		return
	}

	stats := d.manager.Stats()
	msg := fmt.Sprintf("Ticks: %d Errors: %d Recoveries: %d", stats.TickCount, stats.ErrorCount, stats.RecoveryCount)
	if err := d.procs.UpdateProcess(ctx, processID, core.ProcessRunning, msg); err != nil {
		d.logger.Warn("daemon heartbeat failed", "error", err)
	}
}

func (d *Daemon) setStatus(s string) {
	d.mu.Lock()
	d.status = s
	d.mu.Unlock()
}
