// Package redis implements the cache backend: the tick store and the
// process-health store, both on one redis connection.
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"ticker_daemon/internal/core"
	apperrors "ticker_daemon/pkg/errors"
)

// Connect parses a redis URL, opens a client, and verifies the connection.
func Connect(ctx context.Context, url string, logger core.ILogger) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("%w: bad redis url: %v", apperrors.ErrCacheUnavailable, err)
	}

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("%w: ping: %v", apperrors.ErrCacheUnavailable, err)
	}

	logger.Info("connected to redis", "addr", opts.Addr, "db", opts.DB)
	return client, nil
}
