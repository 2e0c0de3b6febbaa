package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"ticker_daemon/internal/core"
	apperrors "ticker_daemon/pkg/errors"
)

// processKey is the hash holding every process-health record, field = record
// ID, value = JSON.
const processKey = "processes"

// ProcessCache stores process-health records in redis.
type ProcessCache struct {
	client *redis.Client
	logger core.ILogger
}

// NewProcessCache creates a ProcessCache on an established client.
func NewProcessCache(client *redis.Client, logger core.ILogger) *ProcessCache {
	return &ProcessCache{client: client, logger: logger}
}

// RegisterProcess creates a record and returns its generated ID.
func (c *ProcessCache) RegisterProcess(ctx context.Context, ptype core.ProcessType, component string, params map[string]string, message string, status core.ProcessStatus) (string, error) {
	record := &core.ProcessRecord{
		ID:         uuid.NewString(),
		Type:       ptype,
		Component:  component,
		Params:     params,
		Message:    message,
		Status:     status,
		LastUpdate: time.Now().UTC(),
	}
	if err := c.write(ctx, record); err != nil {
		return "", err
	}
	return record.ID, nil
}

// UpdateProcess replaces the status and message of an existing record.
func (c *ProcessCache) UpdateProcess(ctx context.Context, processID string, status core.ProcessStatus, message string) error {
	record, err := c.read(ctx, processID)
	if err != nil {
		return err
	}
	if record == nil {
		return fmt.Errorf("%w: process %s not registered", apperrors.ErrInconsistentState, processID)
	}

	record.Status = status
	record.Message = message
	record.LastUpdate = time.Now().UTC()
	return c.write(ctx, record)
}

// DeleteProcess removes one record. Removing an absent record is not an error.
func (c *ProcessCache) DeleteProcess(ctx context.Context, processID string) error {
	if err := c.client.HDel(ctx, processKey, processID).Err(); err != nil {
		return fmt.Errorf("%w: hdel %s: %v", apperrors.ErrCacheUnavailable, processID, err)
	}
	return nil
}

// DeleteByComponent removes every record whose component starts with prefix.
func (c *ProcessCache) DeleteByComponent(ctx context.Context, prefix string) error {
	records, err := c.ActiveProcesses(ctx)
	if err != nil {
		return err
	}

	var stale []string
	for _, record := range records {
		if strings.HasPrefix(record.Component, prefix) {
			stale = append(stale, record.ID)
		}
	}
	if len(stale) == 0 {
		return nil
	}

	if err := c.client.HDel(ctx, processKey, stale...).Err(); err != nil {
		return fmt.Errorf("%w: hdel by component %s: %v", apperrors.ErrCacheUnavailable, prefix, err)
	}
	c.logger.Info("swept process records", "prefix", prefix, "count", len(stale))
	return nil
}

// ActiveProcesses returns every stored record.
func (c *ProcessCache) ActiveProcesses(ctx context.Context) ([]*core.ProcessRecord, error) {
	fields, err := c.client.HGetAll(ctx, processKey).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: hgetall processes: %v", apperrors.ErrCacheUnavailable, err)
	}

	records := make([]*core.ProcessRecord, 0, len(fields))
	for id, raw := range fields {
		var record core.ProcessRecord
		if err := json.Unmarshal([]byte(raw), &record); err != nil {
			c.logger.Warn("skipping undecodable process record", "id", id, "error", err)
			continue
		}
		records = append(records, &record)
	}
	return records, nil
}

func (c *ProcessCache) write(ctx context.Context, record *core.ProcessRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal process record %s: %w", record.ID, err)
	}
	if err := c.client.HSet(ctx, processKey, record.ID, data).Err(); err != nil {
		return fmt.Errorf("%w: hset process %s: %v", apperrors.ErrCacheUnavailable, record.ID, err)
	}
	return nil
}

func (c *ProcessCache) read(ctx context.Context, processID string) (*core.ProcessRecord, error) {
	data, err := c.client.HGet(ctx, processKey, processID).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: hget process %s: %v", apperrors.ErrCacheUnavailable, processID, err)
	}

	var record core.ProcessRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("decode process record %s: %w", processID, err)
	}
	return &record, nil
}
