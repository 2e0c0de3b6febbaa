// Package core defines the core interfaces and data model for the ticker daemon
package core

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Tick is the canonical normalized price record for one (exchange, symbol) pair.
// Instances are immutable once built; a newer Tick for the same key replaces the
// older one in the cache.
type Tick struct {
	Symbol   string          `json:"symbol"`
	Exchange string          `json:"exchange"`
	Price    decimal.Decimal `json:"price"`

	// Optional fields stay absent (Valid == false) rather than zero.
	Bid        decimal.NullDecimal `json:"bid,omitempty"`
	Ask        decimal.NullDecimal `json:"ask,omitempty"`
	Last       decimal.NullDecimal `json:"last,omitempty"`
	Volume     decimal.NullDecimal `json:"volume,omitempty"`
	Change     decimal.NullDecimal `json:"change,omitempty"`
	Percentage decimal.NullDecimal `json:"percentage,omitempty"`

	// Time is seconds since epoch with sub-second precision.
	Time float64 `json:"time"`
}

// Key returns the cache key component for this tick.
func (t *Tick) Key() string {
	return t.Exchange + ":" + t.Symbol
}

// Timestamp converts the epoch-seconds Time field to a time.Time.
func (t *Tick) Timestamp() time.Time {
	sec := int64(t.Time)
	nsec := int64((t.Time - float64(sec)) * 1e9)
	return time.Unix(sec, nsec)
}

// Validate checks the Tick invariants: symbol and exchange non-empty, price
// present and positive. Crossed bid/ask is passed through untouched.
func (t *Tick) Validate() error {
	if t == nil {
		return fmt.Errorf("tick is nil")
	}
	if t.Symbol == "" {
		return fmt.Errorf("tick missing symbol")
	}
	if t.Exchange == "" {
		return fmt.Errorf("tick missing exchange")
	}
	if t.Price.Sign() <= 0 {
		return fmt.Errorf("tick missing price")
	}
	return nil
}

// ToRaw converts the Tick back to the loose event representation produced by
// exchange sockets. Optional fields that are absent are omitted.
func (t *Tick) ToRaw() map[string]any {
	raw := map[string]any{
		"symbol":   t.Symbol,
		"exchange": t.Exchange,
		"price":    t.Price.String(),
		"time":     t.Time,
	}
	putNull := func(key string, d decimal.NullDecimal) {
		if d.Valid {
			raw[key] = d.Decimal.String()
		}
	}
	putNull("bid", t.Bid)
	putNull("ask", t.Ask)
	putNull("last", t.Last)
	putNull("volume", t.Volume)
	putNull("change", t.Change)
	putNull("percentage", t.Percentage)
	return raw
}

// SymbolDescriptor is a read-only symbol row from the configuration store.
type SymbolDescriptor struct {
	Symbol        string
	CatExchangeID int64
	// Exchange is the canonical exchange name owning the symbol.
	Exchange string
}

// UserExchange is a read-only exchange row belonging to the admin identity.
type UserExchange struct {
	ID            int64
	UID           int64
	CatExchangeID int64
	// Name is the user-facing account name, CatName the canonical exchange name.
	Name    string
	CatName string
}

// CatExchange is a canonical exchange category row.
type CatExchange struct {
	ID   int64
	Name string
}

// Credentials hold resolved API credentials for one exchange. Both fields are
// empty for public-data exchanges.
type Credentials struct {
	APIKey    string
	APISecret string
}

// IsZero reports whether no credentials were resolved.
func (c Credentials) IsZero() bool {
	return c.APIKey == "" && c.APISecret == ""
}

// ProcessType tags a process-health record.
type ProcessType string

const (
	ProcessTypeDaemon ProcessType = "ticker_daemon"
	ProcessTypeTick   ProcessType = "tick"
)

// ProcessStatus is the lifecycle tag of a process-health record.
type ProcessStatus string

const (
	ProcessStarting ProcessStatus = "starting"
	ProcessRunning  ProcessStatus = "running"
	ProcessError    ProcessStatus = "error"
	ProcessStopped  ProcessStatus = "stopped"
)

// ProcessRecord is one process-health entry in the cache backend.
type ProcessRecord struct {
	ID         string            `json:"id"`
	Type       ProcessType       `json:"type"`
	Component  string            `json:"component"`
	Params     map[string]string `json:"params,omitempty"`
	Message    string            `json:"message"`
	Status     ProcessStatus     `json:"status"`
	LastUpdate time.Time         `json:"last_update"`
}
