package postgres

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "ticker_daemon/pkg/errors"
	"ticker_daemon/pkg/logging"
)

type fakeRow struct {
	vals []any
	err  error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	return assign(r.vals, dest)
}

type fakeRows struct {
	data [][]any
	idx  int
}

func (r *fakeRows) Close()                                       {}
func (r *fakeRows) Err() error                                   { return nil }
func (r *fakeRows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *fakeRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *fakeRows) Next() bool {
	if r.idx >= len(r.data) {
		return false
	}
	r.idx++
	return true
}
func (r *fakeRows) Scan(dest ...any) error     { return assign(r.data[r.idx-1], dest) }
func (r *fakeRows) Values() ([]any, error)     { return r.data[r.idx-1], nil }
func (r *fakeRows) RawValues() [][]byte        { return nil }
func (r *fakeRows) Conn() *pgx.Conn            { return nil }

func assign(vals []any, dest []any) error {
	for i, v := range vals {
		switch d := dest[i].(type) {
		case *int64:
			*d = v.(int64)
		case *string:
			*d = v.(string)
		}
	}
	return nil
}

// fakeDB routes queries by a distinguishing table name in the SQL and counts
// round trips.
type fakeDB struct {
	mu      sync.Mutex
	users   map[string]int64
	rows    map[string][][]any
	queries int
}

func (db *fakeDB) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.queries++
	for table, data := range db.rows {
		if strings.Contains(sql, "FROM "+table) {
			return &fakeRows{data: data}, nil
		}
	}
	return &fakeRows{}, nil
}

func (db *fakeDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.queries++
	if uid, ok := db.users[args[0].(string)]; ok {
		return fakeRow{vals: []any{uid}}
	}
	return fakeRow{err: pgx.ErrNoRows}
}

func (db *fakeDB) queryCount() int {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.queries
}

func newFakeDB() *fakeDB {
	return &fakeDB{
		users: map[string]int64{"admin@fullon": 1},
		rows: map[string][][]any{
			"exchanges e": {
				{int64(10), int64(1), int64(100), "kraken-main", "kraken"},
				{int64(11), int64(1), int64(101), "binance-main", "binance"},
			},
			"cat_exchanges ORDER": {
				{int64(100), "kraken"},
				{int64(101), "binance"},
			},
			"symbols s": {
				{"BTC/USD", int64(100), "kraken"},
				{"BTC/USDT", int64(101), "binance"},
			},
		},
	}
}

func TestStore_GetUserID(t *testing.T) {
	db := newFakeDB()
	store := NewStore(db, logging.GetGlobalLogger())
	ctx := context.Background()

	uid, err := store.GetUserID(ctx, "admin@fullon")
	require.NoError(t, err)
	assert.Equal(t, int64(1), uid)

	_, err = store.GetUserID(ctx, "ghost@fullon")
	assert.ErrorIs(t, err, apperrors.ErrUserNotFound)
}

func TestStore_GetUserIDIsCached(t *testing.T) {
	db := newFakeDB()
	store := NewStore(db, logging.GetGlobalLogger())
	ctx := context.Background()

	_, err := store.GetUserID(ctx, "admin@fullon")
	require.NoError(t, err)
	_, err = store.GetUserID(ctx, "admin@fullon")
	require.NoError(t, err)

	assert.Equal(t, 1, db.queryCount())
}

func TestStore_GetUserExchanges(t *testing.T) {
	db := newFakeDB()
	store := NewStore(db, logging.GetGlobalLogger())
	ctx := context.Background()

	exchanges, err := store.GetUserExchanges(ctx, 1)
	require.NoError(t, err)
	require.Len(t, exchanges, 2)
	assert.Equal(t, "kraken", exchanges[0].CatName)
	assert.Equal(t, "kraken-main", exchanges[0].Name)
	assert.Equal(t, int64(100), exchanges[0].CatExchangeID)

	_, err = store.GetUserExchanges(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, db.queryCount(), "second read served from cache")
}

func TestStore_GetSymbolsCachedUntilInvalidate(t *testing.T) {
	db := newFakeDB()
	store := NewStore(db, logging.GetGlobalLogger())
	ctx := context.Background()

	symbols, err := store.GetSymbols(ctx, true)
	require.NoError(t, err)
	require.Len(t, symbols, 2)
	assert.Equal(t, "kraken", symbols[0].Exchange)

	_, err = store.GetSymbols(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, 1, db.queryCount())

	// New rows appear only after an invalidation.
	db.mu.Lock()
	db.rows["symbols s"] = append(db.rows["symbols s"], []any{"SOL/USD", int64(100), "kraken"})
	db.mu.Unlock()

	symbols, err = store.GetSymbols(ctx, true)
	require.NoError(t, err)
	assert.Len(t, symbols, 2, "stale snapshot until invalidated")

	store.InvalidateCache()
	symbols, err = store.GetSymbols(ctx, true)
	require.NoError(t, err)
	assert.Len(t, symbols, 3)
	assert.Equal(t, 2, db.queryCount())
}

func TestStore_GetCatExchanges(t *testing.T) {
	db := newFakeDB()
	store := NewStore(db, logging.GetGlobalLogger())
	ctx := context.Background()

	cats, err := store.GetCatExchanges(ctx, true)
	require.NoError(t, err)
	require.Len(t, cats, 2)
	assert.Equal(t, "kraken", cats[0].Name)

	_, err = store.GetCatExchanges(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, 1, db.queryCount())
}
