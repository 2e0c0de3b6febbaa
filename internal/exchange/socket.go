// Package exchange implements the websocket socket layer for exchange ticker
// streams: a JSON subscribe/unsubscribe protocol with optional HMAC
// authentication, multiplexing ticker events to per-symbol callbacks.
package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"ticker_daemon/internal/core"
	apperrors "ticker_daemon/pkg/errors"
	"ticker_daemon/pkg/websocket"
)

// request is the outbound control frame.
type request struct {
	Method  string `json:"method"`
	Channel string `json:"channel,omitempty"`
	Symbol  string `json:"symbol,omitempty"`
	ReqID   string `json:"req_id,omitempty"`

	// Auth fields
	Key       string `json:"key,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Signature string `json:"signature,omitempty"`
}

// envelope is the inbound frame shape shared by data and control messages.
type envelope struct {
	Channel string         `json:"channel"`
	Symbol  string         `json:"symbol"`
	Data    map[string]any `json:"data"`
	Error   string         `json:"error"`
	ReqID   string         `json:"req_id"`
}

type subscription struct {
	symbol string
	fn     core.TickerEventFunc
}

// Socket is a core.ExchangeSocket over one websocket connection. It owns no
// reconnection policy; on connection loss it reports through the status
// callback and waits to be connected again.
type Socket struct {
	name   string
	client *websocket.Client
	creds  core.Credentials
	logger core.ILogger

	mu       sync.Mutex
	subs     map[core.SubscriptionHandle]*subscription
	statusCb func(connected bool)
}

// NewSocket creates a Socket for one exchange endpoint. pingInterval of zero
// keeps the client's default.
func NewSocket(name, wsURL string, creds core.Credentials, pingInterval time.Duration, logger core.ILogger) *Socket {
	s := &Socket{
		name:   name,
		creds:  creds,
		logger: logger.WithField("socket", name),
		subs:   make(map[core.SubscriptionHandle]*subscription),
	}
	s.client = websocket.NewClient(wsURL, s.onMessage, s.logger)
	if pingInterval > 0 {
		s.client.SetPingConfig(pingInterval, 10*time.Second, 2*pingInterval)
	}
	s.client.SetOnDisconnected(s.onDisconnected)
	return s
}

// Connect dials the endpoint and authenticates when credentials are present.
// Earlier subscriptions do not survive a reconnect; the caller resubscribes.
func (s *Socket) Connect(ctx context.Context) error {
	if err := s.client.Dial(ctx); err != nil {
		return fmt.Errorf("%w: %v", apperrors.ErrConnectFailed, err)
	}

	if !s.creds.IsZero() {
		if err := s.authenticate(); err != nil {
			s.client.Close()
			return err
		}
	}

	s.mu.Lock()
	s.subs = make(map[core.SubscriptionHandle]*subscription)
	s.mu.Unlock()
	return nil
}

// Disconnect closes the connection without firing the status callback.
func (s *Socket) Disconnect() error {
	s.client.Close()
	s.mu.Lock()
	s.subs = make(map[core.SubscriptionHandle]*subscription)
	s.mu.Unlock()
	return nil
}

// SubscribeTicker requests the ticker channel for symbol and registers fn for
// its events.
func (s *Socket) SubscribeTicker(symbol string, fn core.TickerEventFunc) (core.SubscriptionHandle, error) {
	handle := core.SubscriptionHandle(uuid.NewString())

	err := s.client.Send(request{
		Method:  "subscribe",
		Channel: "ticker",
		Symbol:  symbol,
		ReqID:   string(handle),
	})
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", apperrors.ErrSubscribeFailed, symbol, err)
	}

	s.mu.Lock()
	s.subs[handle] = &subscription{symbol: symbol, fn: fn}
	s.mu.Unlock()
	return handle, nil
}

// Unsubscribe drops the subscription behind handle.
func (s *Socket) Unsubscribe(handle core.SubscriptionHandle) error {
	s.mu.Lock()
	sub, ok := s.subs[handle]
	if ok {
		delete(s.subs, handle)
	}
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: unknown handle", apperrors.ErrUnsubscribeFailed)
	}

	err := s.client.Send(request{
		Method:  "unsubscribe",
		Channel: "ticker",
		Symbol:  sub.symbol,
		ReqID:   string(handle),
	})
	if err != nil {
		return fmt.Errorf("%w: %s: %v", apperrors.ErrUnsubscribeFailed, sub.symbol, err)
	}
	return nil
}

// SetConnectionStatusCallback installs the connectivity notification.
func (s *Socket) SetConnectionStatusCallback(fn func(connected bool)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statusCb = fn
}

// IsConnected reports whether the transport is up.
func (s *Socket) IsConnected() bool {
	return s.client.IsConnected()
}

func (s *Socket) authenticate() error {
	ts := strconv.FormatInt(time.Now().UnixMilli(), 10)
	mac := hmac.New(sha256.New, []byte(s.creds.APISecret))
	mac.Write([]byte(ts + s.creds.APIKey))

	err := s.client.Send(request{
		Method:    "auth",
		Key:       s.creds.APIKey,
		Timestamp: ts,
		Signature: hex.EncodeToString(mac.Sum(nil)),
	})
	if err != nil {
		return fmt.Errorf("%w: auth: %v", apperrors.ErrConnectFailed, err)
	}
	return nil
}

// onMessage routes one inbound frame. Ticker events fan out to every
// subscription on the symbol; control frames and errors are logged.
func (s *Socket) onMessage(message []byte) {
	var env envelope
	if err := json.Unmarshal(message, &env); err != nil {
		s.logger.Warn("unparseable frame", "error", err)
		return
	}

	if env.Error != "" {
		s.logger.Error("exchange error frame", "error", env.Error, "req_id", env.ReqID)
		return
	}
	if env.Channel != "ticker" || env.Data == nil {
		s.logger.Debug("control frame", "channel", env.Channel, "req_id", env.ReqID)
		return
	}

	event := env.Data
	if _, ok := event["symbol"]; !ok && env.Symbol != "" {
		event["symbol"] = env.Symbol
	}

	s.mu.Lock()
	fns := make([]core.TickerEventFunc, 0, 1)
	for _, sub := range s.subs {
		if sub.symbol == env.Symbol {
			fns = append(fns, sub.fn)
		}
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(event)
	}
}

func (s *Socket) onDisconnected() {
	s.mu.Lock()
	cb := s.statusCb
	s.subs = make(map[core.SubscriptionHandle]*subscription)
	s.mu.Unlock()
	if cb != nil {
		cb(false)
	}
}
