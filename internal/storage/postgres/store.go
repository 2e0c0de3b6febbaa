// Package postgres implements the read-only configuration store: users,
// exchange accounts, exchange categories, and the symbol universe.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"ticker_daemon/internal/core"
	apperrors "ticker_daemon/pkg/errors"
	"ticker_daemon/pkg/retry"
)

// querier is the slice of pgxpool.Pool the store needs; tests substitute it.
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Connect opens a pgx pool with bounded retries and verifies the connection.
func Connect(ctx context.Context, url string, maxConns int, logger core.ILogger) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("%w: bad database url: %v", apperrors.ErrConfigUnavailable, err)
	}
	if maxConns > 0 {
		cfg.MaxConns = int32(maxConns)
	}

	var pool *pgxpool.Pool
	policy := retry.RetryPolicy{
		MaxAttempts:    5,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
	}
	err = retry.Do(ctx, policy, retry.Always, func() error {
		p, err := pgxpool.NewWithConfig(ctx, cfg)
		if err != nil {
			return err
		}
		if err := p.Ping(ctx); err != nil {
			p.Close()
			return err
		}
		pool = p
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: connect: %v", apperrors.ErrConfigUnavailable, err)
	}

	logger.Info("connected to postgres", "max_conns", cfg.MaxConns)
	return pool, nil
}

// Store reads configuration rows with a read-through cache. Reads hit the
// database once and serve from memory until InvalidateCache; the symbol
// refresh loop invalidates before its bulk read so a cycle sees fresh rows.
type Store struct {
	db     querier
	logger core.ILogger

	mu            sync.Mutex
	userIDs       map[string]int64
	userExchanges map[int64][]*core.UserExchange
	catExchanges  []*core.CatExchange
	symbols       []*core.SymbolDescriptor
	symbolsLoaded bool
}

// NewStore creates a Store over a pool (or any querier).
func NewStore(db querier, logger core.ILogger) *Store {
	s := &Store{db: db, logger: logger}
	s.resetLocked()
	return s
}

func (s *Store) resetLocked() {
	s.userIDs = make(map[string]int64)
	s.userExchanges = make(map[int64][]*core.UserExchange)
	s.catExchanges = nil
	s.symbols = nil
	s.symbolsLoaded = false
}

// InvalidateCache drops every cached row set.
func (s *Store) InvalidateCache() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resetLocked()
}

// GetUserID resolves a user email to its ID.
func (s *Store) GetUserID(ctx context.Context, email string) (int64, error) {
	s.mu.Lock()
	if uid, ok := s.userIDs[email]; ok {
		s.mu.Unlock()
		return uid, nil
	}
	s.mu.Unlock()

	var uid int64
	err := s.db.QueryRow(ctx, `SELECT uid FROM users WHERE mail = $1`, email).Scan(&uid)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("%w: %s", apperrors.ErrUserNotFound, email)
	}
	if err != nil {
		return 0, fmt.Errorf("%w: user lookup: %v", apperrors.ErrConfigUnavailable, err)
	}

	s.mu.Lock()
	s.userIDs[email] = uid
	s.mu.Unlock()
	return uid, nil
}

// GetUserExchanges returns the active exchange accounts of one user.
func (s *Store) GetUserExchanges(ctx context.Context, uid int64) ([]*core.UserExchange, error) {
	s.mu.Lock()
	if cached, ok := s.userExchanges[uid]; ok {
		s.mu.Unlock()
		return cached, nil
	}
	s.mu.Unlock()

	rows, err := s.db.Query(ctx, `
		SELECT e.ex_id, e.uid, e.cat_ex_id, e.name, c.name
		FROM exchanges e
		JOIN cat_exchanges c ON c.cat_ex_id = e.cat_ex_id
		WHERE e.uid = $1 AND e.active
		ORDER BY e.ex_id`, uid)
	if err != nil {
		return nil, fmt.Errorf("%w: exchange query: %v", apperrors.ErrConfigUnavailable, err)
	}
	defer rows.Close()

	var exchanges []*core.UserExchange
	for rows.Next() {
		var ex core.UserExchange
		if err := rows.Scan(&ex.ID, &ex.UID, &ex.CatExchangeID, &ex.Name, &ex.CatName); err != nil {
			return nil, fmt.Errorf("%w: exchange scan: %v", apperrors.ErrConfigUnavailable, err)
		}
		exchanges = append(exchanges, &ex)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: exchange rows: %v", apperrors.ErrConfigUnavailable, err)
	}

	s.mu.Lock()
	s.userExchanges[uid] = exchanges
	s.mu.Unlock()
	return exchanges, nil
}

// GetCatExchanges returns the exchange categories. The table carries no
// activity flag, so the all parameter only exists for interface symmetry.
func (s *Store) GetCatExchanges(ctx context.Context, all bool) ([]*core.CatExchange, error) {
	s.mu.Lock()
	if s.catExchanges != nil {
		cached := s.catExchanges
		s.mu.Unlock()
		return cached, nil
	}
	s.mu.Unlock()

	rows, err := s.db.Query(ctx, `SELECT cat_ex_id, name FROM cat_exchanges ORDER BY cat_ex_id`)
	if err != nil {
		return nil, fmt.Errorf("%w: cat exchange query: %v", apperrors.ErrConfigUnavailable, err)
	}
	defer rows.Close()

	var cats []*core.CatExchange
	for rows.Next() {
		var cat core.CatExchange
		if err := rows.Scan(&cat.ID, &cat.Name); err != nil {
			return nil, fmt.Errorf("%w: cat exchange scan: %v", apperrors.ErrConfigUnavailable, err)
		}
		cats = append(cats, &cat)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: cat exchange rows: %v", apperrors.ErrConfigUnavailable, err)
	}

	s.mu.Lock()
	s.catExchanges = cats
	s.mu.Unlock()
	return cats, nil
}

// GetSymbols returns the symbol universe with its owning exchange names.
func (s *Store) GetSymbols(ctx context.Context, all bool) ([]*core.SymbolDescriptor, error) {
	s.mu.Lock()
	if s.symbolsLoaded {
		cached := s.symbols
		s.mu.Unlock()
		return cached, nil
	}
	s.mu.Unlock()

	rows, err := s.db.Query(ctx, `
		SELECT s.symbol, s.cat_ex_id, c.name
		FROM symbols s
		JOIN cat_exchanges c ON c.cat_ex_id = s.cat_ex_id
		WHERE s.active
		ORDER BY c.name, s.symbol`)
	if err != nil {
		return nil, fmt.Errorf("%w: symbol query: %v", apperrors.ErrConfigUnavailable, err)
	}
	defer rows.Close()

	var symbols []*core.SymbolDescriptor
	for rows.Next() {
		var sd core.SymbolDescriptor
		if err := rows.Scan(&sd.Symbol, &sd.CatExchangeID, &sd.Exchange); err != nil {
			return nil, fmt.Errorf("%w: symbol scan: %v", apperrors.ErrConfigUnavailable, err)
		}
		symbols = append(symbols, &sd)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: symbol rows: %v", apperrors.ErrConfigUnavailable, err)
	}

	s.mu.Lock()
	s.symbols = symbols
	s.symbolsLoaded = true
	s.mu.Unlock()
	return symbols, nil
}
