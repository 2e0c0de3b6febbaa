// Package mock provides in-memory fakes of the cache and store interfaces for
// tests.
package mock

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"ticker_daemon/internal/core"
)

// TickCache is an in-memory core.TickCache. Set FailWrites to make every
// write fail.
type TickCache struct {
	mu         sync.Mutex
	ticks      map[string]*core.Tick
	FailWrites bool
	writes     int
}

func NewTickCache() *TickCache {
	return &TickCache{ticks: make(map[string]*core.Tick)}
}

func (c *TickCache) SetTicker(ctx context.Context, tick *core.Tick) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writes++
	if c.FailWrites {
		return fmt.Errorf("cache write refused")
	}
	c.ticks[tick.Key()] = tick
	return nil
}

func (c *TickCache) SetTickers(ctx context.Context, ticks []*core.Tick) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writes++
	if c.FailWrites {
		return fmt.Errorf("cache write refused")
	}
	for _, t := range ticks {
		c.ticks[t.Key()] = t
	}
	return nil
}

func (c *TickCache) GetTicker(ctx context.Context, exchange, symbol string) (*core.Tick, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ticks[exchange+":"+symbol], nil
}

func (c *TickCache) GetTickers(ctx context.Context, exchange string) ([]*core.Tick, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*core.Tick
	for key, t := range c.ticks {
		if strings.HasPrefix(key, exchange+":") {
			out = append(out, t)
		}
	}
	return out, nil
}

func (c *TickCache) GetAllTickers(ctx context.Context) ([]*core.Tick, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*core.Tick, 0, len(c.ticks))
	for _, t := range c.ticks {
		out = append(out, t)
	}
	return out, nil
}

// SetFailWrites toggles write failure under the cache lock, so tests can heal
// the cache while a retry loop is running.
func (c *TickCache) SetFailWrites(fail bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.FailWrites = fail
}

// Writes returns how many write operations were attempted.
func (c *TickCache) Writes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.writes
}

// ProcessCache is an in-memory core.ProcessCache.
type ProcessCache struct {
	mu      sync.Mutex
	nextID  int
	records map[string]*core.ProcessRecord
	Updates []string
}

func NewProcessCache() *ProcessCache {
	return &ProcessCache{records: make(map[string]*core.ProcessRecord)}
}

func (c *ProcessCache) RegisterProcess(ctx context.Context, ptype core.ProcessType, component string, params map[string]string, message string, status core.ProcessStatus) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	id := fmt.Sprintf("proc-%d", c.nextID)
	c.records[id] = &core.ProcessRecord{
		ID:         id,
		Type:       ptype,
		Component:  component,
		Params:     params,
		Message:    message,
		Status:     status,
		LastUpdate: time.Now().UTC(),
	}
	return id, nil
}

func (c *ProcessCache) UpdateProcess(ctx context.Context, processID string, status core.ProcessStatus, message string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.records[processID]
	if !ok {
		return fmt.Errorf("unknown process %s", processID)
	}
	rec.Status = status
	rec.Message = message
	rec.LastUpdate = time.Now().UTC()
	c.Updates = append(c.Updates, processID+":"+string(status))
	return nil
}

func (c *ProcessCache) DeleteProcess(ctx context.Context, processID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.records, processID)
	return nil
}

func (c *ProcessCache) DeleteByComponent(ctx context.Context, prefix string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, rec := range c.records {
		if strings.HasPrefix(rec.Component, prefix) {
			delete(c.records, id)
		}
	}
	return nil
}

func (c *ProcessCache) ActiveProcesses(ctx context.Context) ([]*core.ProcessRecord, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*core.ProcessRecord, 0, len(c.records))
	for _, rec := range c.records {
		cp := *rec
		out = append(out, &cp)
	}
	return out, nil
}

// Record returns a copy of the record with the given ID, if present.
func (c *ProcessCache) Record(id string) (core.ProcessRecord, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.records[id]
	if !ok {
		return core.ProcessRecord{}, false
	}
	return *rec, true
}

// ByComponent returns the first record whose component matches exactly.
func (c *ProcessCache) ByComponent(component string) (core.ProcessRecord, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, rec := range c.records {
		if rec.Component == component {
			return *rec, true
		}
	}
	return core.ProcessRecord{}, false
}

// Len returns the number of stored records.
func (c *ProcessCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.records)
}
