package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"ticker_daemon/internal/core"
	apperrors "ticker_daemon/pkg/errors"
)

// tickKeyPrefix namespaces the per-exchange tick hashes.
const tickKeyPrefix = "tickers:"

// TickCache stores the latest tick per (exchange, symbol) in one redis hash
// per exchange: key "tickers:<exchange>", field symbol, value JSON. A plain
// HSET makes writes last-writer-wins.
type TickCache struct {
	client *redis.Client
	logger core.ILogger
}

// NewTickCache creates a TickCache on an established client.
func NewTickCache(client *redis.Client, logger core.ILogger) *TickCache {
	return &TickCache{client: client, logger: logger}
}

func tickKey(exchange string) string {
	return tickKeyPrefix + exchange
}

// SetTicker stores one tick.
func (c *TickCache) SetTicker(ctx context.Context, tick *core.Tick) error {
	data, err := json.Marshal(tick)
	if err != nil {
		return fmt.Errorf("marshal tick %s: %w", tick.Key(), err)
	}
	if err := c.client.HSet(ctx, tickKey(tick.Exchange), tick.Symbol, data).Err(); err != nil {
		return fmt.Errorf("%w: hset %s: %v", apperrors.ErrCacheUnavailable, tick.Key(), err)
	}
	return nil
}

// SetTickers stores a batch in one pipelined round trip.
func (c *TickCache) SetTickers(ctx context.Context, ticks []*core.Tick) error {
	if len(ticks) == 0 {
		return nil
	}

	pipe := c.client.Pipeline()
	for _, tick := range ticks {
		data, err := json.Marshal(tick)
		if err != nil {
			return fmt.Errorf("marshal tick %s: %w", tick.Key(), err)
		}
		pipe.HSet(ctx, tickKey(tick.Exchange), tick.Symbol, data)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: batch hset: %v", apperrors.ErrCacheUnavailable, err)
	}
	return nil
}

// GetTicker returns the stored tick for the pair, or nil when none exists.
func (c *TickCache) GetTicker(ctx context.Context, exchange, symbol string) (*core.Tick, error) {
	data, err := c.client.HGet(ctx, tickKey(exchange), symbol).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: hget %s:%s: %v", apperrors.ErrCacheUnavailable, exchange, symbol, err)
	}
	return decodeTick(data)
}

// GetTickers returns every stored tick for one exchange.
func (c *TickCache) GetTickers(ctx context.Context, exchange string) ([]*core.Tick, error) {
	fields, err := c.client.HGetAll(ctx, tickKey(exchange)).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: hgetall %s: %v", apperrors.ErrCacheUnavailable, exchange, err)
	}

	ticks := make([]*core.Tick, 0, len(fields))
	for symbol, raw := range fields {
		tick, err := decodeTick([]byte(raw))
		if err != nil {
			c.logger.Warn("skipping undecodable cached tick", "exchange", exchange, "symbol", symbol, "error", err)
			continue
		}
		ticks = append(ticks, tick)
	}
	return ticks, nil
}

// GetAllTickers scans every exchange hash and returns all stored ticks.
func (c *TickCache) GetAllTickers(ctx context.Context) ([]*core.Tick, error) {
	var ticks []*core.Tick

	iter := c.client.Scan(ctx, 0, tickKeyPrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		exchange := iter.Val()[len(tickKeyPrefix):]
		exchangeTicks, err := c.GetTickers(ctx, exchange)
		if err != nil {
			return nil, err
		}
		ticks = append(ticks, exchangeTicks...)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("%w: scan: %v", apperrors.ErrCacheUnavailable, err)
	}
	return ticks, nil
}

func decodeTick(data []byte) (*core.Tick, error) {
	var tick core.Tick
	if err := json.Unmarshal(data, &tick); err != nil {
		return nil, fmt.Errorf("decode tick: %w", err)
	}
	return &tick, nil
}
