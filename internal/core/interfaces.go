package core

import (
	"context"
)

// ILogger defines the structured logging interface used across the daemon
type ILogger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	Fatal(msg string, fields ...interface{})
	WithField(key string, value interface{}) ILogger
	WithFields(fields map[string]interface{}) ILogger
}

// SubscriptionHandle identifies one live ticker subscription on a socket.
// Opaque to callers; only the issuing socket can interpret it.
type SubscriptionHandle string

// TickerEventFunc receives a parsed exchange-native event. The socket may
// invoke it from any goroutine.
type TickerEventFunc func(event map[string]any)

// ExchangeSocket is the per-exchange WebSocket capability consumed by the
// engine: connect, subscribe, unsubscribe, disconnect, push callbacks.
type ExchangeSocket interface {
	Connect(ctx context.Context) error
	Disconnect() error
	SubscribeTicker(symbol string, fn TickerEventFunc) (SubscriptionHandle, error)
	Unsubscribe(handle SubscriptionHandle) error
	// SetConnectionStatusCallback installs a connectivity notification. The
	// callback receives false when the underlying connection is lost.
	SetConnectionStatusCallback(fn func(connected bool))
}

// SocketFactory builds an ExchangeSocket for one exchange account.
type SocketFactory func(exchange *UserExchange, creds Credentials, logger ILogger) (ExchangeSocket, error)

// CredentialResolver maps an exchange account to API credentials. Absence of
// credentials is expected for public-data exchanges and is not an error; the
// resolver returns zero Credentials in that case.
type CredentialResolver interface {
	Resolve(exchange *UserExchange) (Credentials, error)
}

// TickCache is the tick-store namespace of the cache backend. Writes are
// last-writer-wins per (exchange, symbol) key.
type TickCache interface {
	SetTicker(ctx context.Context, tick *Tick) error
	// SetTickers stores a batch in a single backend operation.
	SetTickers(ctx context.Context, ticks []*Tick) error
	// GetTicker returns nil without error when no tick is stored for the key.
	GetTicker(ctx context.Context, exchange, symbol string) (*Tick, error)
	GetTickers(ctx context.Context, exchange string) ([]*Tick, error)
	GetAllTickers(ctx context.Context) ([]*Tick, error)
}

// ProcessCache is the process-health namespace of the cache backend.
type ProcessCache interface {
	RegisterProcess(ctx context.Context, ptype ProcessType, component string, params map[string]string, message string, status ProcessStatus) (string, error)
	UpdateProcess(ctx context.Context, processID string, status ProcessStatus, message string) error
	DeleteProcess(ctx context.Context, processID string) error
	// DeleteByComponent removes every record whose component starts with prefix.
	DeleteByComponent(ctx context.Context, prefix string) error
	ActiveProcesses(ctx context.Context) ([]*ProcessRecord, error)
}

// ConfigStore is the read-only relational configuration store. Reads are
// cache-backed; InvalidateCache must be called before a refresh read so the
// next bulk load observes fresh data.
type ConfigStore interface {
	GetUserID(ctx context.Context, email string) (int64, error)
	GetUserExchanges(ctx context.Context, uid int64) ([]*UserExchange, error)
	GetCatExchanges(ctx context.Context, all bool) ([]*CatExchange, error)
	GetSymbols(ctx context.Context, all bool) ([]*SymbolDescriptor, error)
	InvalidateCache()
}
