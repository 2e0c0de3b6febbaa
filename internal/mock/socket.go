package mock

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"ticker_daemon/internal/core"
)

// Socket is a scriptable core.ExchangeSocket. Connect and SubscribeTicker can
// be made to fail; Emit pushes an event into a live subscription the way a
// real socket's read loop would.
type Socket struct {
	mu sync.Mutex

	ConnectErr   error
	SubscribeErr error
	// ConnectFailures makes the first N Connect calls fail.
	ConnectFailures int

	connected    bool
	connectCalls int
	statusCb     func(connected bool)
	subs         map[core.SubscriptionHandle]subscription
}

type subscription struct {
	symbol string
	fn     core.TickerEventFunc
}

func NewSocket() *Socket {
	return &Socket{subs: make(map[core.SubscriptionHandle]subscription)}
}

func (s *Socket) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connectCalls++
	if s.ConnectErr != nil {
		return s.ConnectErr
	}
	if s.ConnectFailures > 0 {
		s.ConnectFailures--
		return fmt.Errorf("connect refused")
	}
	s.connected = true
	return nil
}

func (s *Socket) Disconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = false
	s.subs = make(map[core.SubscriptionHandle]subscription)
	return nil
}

func (s *Socket) SubscribeTicker(symbol string, fn core.TickerEventFunc) (core.SubscriptionHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.SubscribeErr != nil {
		return "", s.SubscribeErr
	}
	if !s.connected {
		return "", fmt.Errorf("not connected")
	}
	handle := core.SubscriptionHandle(uuid.NewString())
	s.subs[handle] = subscription{symbol: symbol, fn: fn}
	return handle, nil
}

func (s *Socket) Unsubscribe(handle core.SubscriptionHandle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.subs[handle]; !ok {
		return fmt.Errorf("unknown handle %s", handle)
	}
	delete(s.subs, handle)
	return nil
}

func (s *Socket) SetConnectionStatusCallback(fn func(connected bool)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statusCb = fn
}

// Emit delivers an event to every subscription for symbol.
func (s *Socket) Emit(symbol string, event map[string]any) {
	s.mu.Lock()
	fns := make([]core.TickerEventFunc, 0, 1)
	for _, sub := range s.subs {
		if sub.symbol == symbol {
			fns = append(fns, sub.fn)
		}
	}
	s.mu.Unlock()
	for _, fn := range fns {
		fn(event)
	}
}

// SetConnectErr swaps the scripted connect error under the socket lock.
func (s *Socket) SetConnectErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ConnectErr = err
}

// DropConnection simulates a transport-level disconnect: marks the socket
// disconnected and fires the status callback.
func (s *Socket) DropConnection() {
	s.mu.Lock()
	s.connected = false
	s.subs = make(map[core.SubscriptionHandle]subscription)
	cb := s.statusCb
	s.mu.Unlock()
	if cb != nil {
		cb(false)
	}
}

// IsConnected reports the scripted connection state.
func (s *Socket) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// ConnectCalls returns how many times Connect ran.
func (s *Socket) ConnectCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connectCalls
}

// SubscribedSymbols returns the currently subscribed symbols.
func (s *Socket) SubscribedSymbols() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.subs))
	for _, sub := range s.subs {
		out = append(out, sub.symbol)
	}
	return out
}
