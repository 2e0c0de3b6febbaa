package mock

import (
	"context"
	"fmt"
	"sync"

	"ticker_daemon/internal/core"
	apperrors "ticker_daemon/pkg/errors"
)

// ConfigStore is an in-memory core.ConfigStore with call counters so tests can
// assert bulk-read behavior.
type ConfigStore struct {
	mu sync.Mutex

	Users         map[string]int64
	UserExchanges []*core.UserExchange
	CatExchanges  []*core.CatExchange
	Symbols       []*core.SymbolDescriptor

	GetSymbolsCalls   int
	InvalidateCalls   int
	GetExchangesCalls int
}

func NewConfigStore() *ConfigStore {
	return &ConfigStore{Users: make(map[string]int64)}
}

func (s *ConfigStore) GetUserID(ctx context.Context, email string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	uid, ok := s.Users[email]
	if !ok {
		return 0, fmt.Errorf("%w: %s", apperrors.ErrUserNotFound, email)
	}
	return uid, nil
}

func (s *ConfigStore) GetUserExchanges(ctx context.Context, uid int64) ([]*core.UserExchange, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.GetExchangesCalls++
	out := make([]*core.UserExchange, 0, len(s.UserExchanges))
	for _, e := range s.UserExchanges {
		if e.UID == uid {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *ConfigStore) GetCatExchanges(ctx context.Context, all bool) ([]*core.CatExchange, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CatExchanges, nil
}

func (s *ConfigStore) GetSymbols(ctx context.Context, all bool) ([]*core.SymbolDescriptor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.GetSymbolsCalls++
	return s.Symbols, nil
}

func (s *ConfigStore) InvalidateCache() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.InvalidateCalls++
}

// SymbolsCalls returns how many bulk symbol reads ran.
func (s *ConfigStore) SymbolsCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.GetSymbolsCalls
}

// SetSymbols replaces the symbol set.
func (s *ConfigStore) SetSymbols(symbols []*core.SymbolDescriptor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Symbols = symbols
}
