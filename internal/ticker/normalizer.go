// Package ticker implements the ticker collection engine: per-exchange
// websocket handlers, tick normalization, cache writing, and process health.
package ticker

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"ticker_daemon/internal/core"
	apperrors "ticker_daemon/pkg/errors"
)

// Normalizer converts exchange-native ticker events into canonical Ticks.
// It is stateless and safe for concurrent use.
type Normalizer struct{}

// NewNormalizer creates a Normalizer.
func NewNormalizer() *Normalizer {
	return &Normalizer{}
}

// Normalize builds a Tick from a loose exchange event. The exchange name and
// symbol come from the subscription context, not the payload, so exchanges
// that omit them from the wire format still normalize. A missing price falls
// back to the last-trade field; a missing timestamp falls back to arrival
// time. Malformed events return ErrMalformedTicker.
func (n *Normalizer) Normalize(exchange, symbol string, event map[string]any) (*core.Tick, error) {
	if event == nil {
		return nil, fmt.Errorf("%w: nil event", apperrors.ErrMalformedTicker)
	}

	tick := &core.Tick{
		Symbol:   symbol,
		Exchange: exchange,
	}
	if s, ok := stringField(event, "symbol"); ok && s != "" {
		tick.Symbol = s
	}

	fields := []struct {
		dst  *decimal.NullDecimal
		keys []string
	}{
		{&tick.Bid, []string{"bid"}},
		{&tick.Ask, []string{"ask"}},
		{&tick.Last, []string{"last"}},
		{&tick.Volume, []string{"volume", "baseVolume"}},
		{&tick.Change, []string{"change"}},
		{&tick.Percentage, []string{"percentage"}},
	}
	for _, f := range fields {
		v, err := nullDecimalField(event, f.keys...)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", apperrors.ErrMalformedTicker, err)
		}
		*f.dst = v
	}

	price, err := nullDecimalField(event, "price")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrMalformedTicker, err)
	}
	switch {
	case price.Valid:
		tick.Price = price.Decimal
	case tick.Last.Valid:
		tick.Price = tick.Last.Decimal
	default:
		return nil, fmt.Errorf("%w: no price for %s:%s", apperrors.ErrMalformedTicker, exchange, tick.Symbol)
	}

	ts, err := timeField(event)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrMalformedTicker, err)
	}
	tick.Time = ts

	if err := tick.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrMalformedTicker, err)
	}
	return tick, nil
}

func stringField(event map[string]any, key string) (string, bool) {
	v, ok := event[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// nullDecimalField reads the first present key. Values arrive as float64 or
// string depending on the exchange's JSON encoder; a present value that does
// not parse is an error, never a silently absent field.
func nullDecimalField(event map[string]any, keys ...string) (decimal.NullDecimal, error) {
	for _, key := range keys {
		v, ok := event[key]
		if !ok || v == nil {
			continue
		}
		d, err := toDecimal(v)
		if err != nil {
			return decimal.NullDecimal{}, fmt.Errorf("field %s: %v", key, err)
		}
		return decimal.NullDecimal{Decimal: d, Valid: true}, nil
	}
	return decimal.NullDecimal{}, nil
}

func toDecimal(v any) (decimal.Decimal, error) {
	switch val := v.(type) {
	case float64:
		return decimal.NewFromFloat(val), nil
	case int:
		return decimal.NewFromInt(int64(val)), nil
	case int64:
		return decimal.NewFromInt(val), nil
	case string:
		return decimal.NewFromString(val)
	case decimal.Decimal:
		return val, nil
	default:
		return decimal.Decimal{}, fmt.Errorf("unsupported numeric type %T", v)
	}
}

// timeField extracts the event timestamp as epoch seconds. Exchanges report
// either "time" (seconds) or "timestamp" (milliseconds); a missing timestamp
// falls back to arrival time, an unparseable one is an error.
func timeField(event map[string]any) (float64, error) {
	if v, ok := event["time"]; ok {
		f, err := toFloat(v)
		if err != nil {
			return 0, fmt.Errorf("field time: %v", err)
		}
		if f > 0 {
			return f, nil
		}
	}
	if v, ok := event["timestamp"]; ok {
		f, err := toFloat(v)
		if err != nil {
			return 0, fmt.Errorf("field timestamp: %v", err)
		}
		if f > 0 {
			return f / 1000.0, nil
		}
	}
	return float64(time.Now().UnixNano()) / 1e9, nil
}

func toFloat(v any) (float64, error) {
	d, err := toDecimal(v)
	if err != nil {
		return 0, err
	}
	return d.InexactFloat64(), nil
}
