package apperrors

import "errors"

// Standardized engine errors. Callers decide policy with errors.Is.
var (
	// ErrMalformedTicker marks an inbound event missing required fields or
	// carrying unparseable numerics. Dropped with a warning, never fatal.
	ErrMalformedTicker = errors.New("malformed ticker")

	// ErrSubscribeFailed and ErrUnsubscribeFailed are per-symbol websocket
	// failures. They never change a handler's connection state.
	ErrSubscribeFailed   = errors.New("subscribe failed")
	ErrUnsubscribeFailed = errors.New("unsubscribe failed")

	// ErrConnectFailed covers the connect or post-disconnect connect sequence.
	ErrConnectFailed = errors.New("connect failed")

	// ErrCacheUnavailable marks a failed tick-store or health-store write.
	ErrCacheUnavailable = errors.New("cache unavailable")

	// ErrConfigUnavailable marks a failed configuration store read.
	ErrConfigUnavailable = errors.New("config store unavailable")

	// ErrInconsistentState is returned when ProcessTicker is called while the
	// collector exists but is not running.
	ErrInconsistentState = errors.New("inconsistent daemon state")

	ErrUserNotFound       = errors.New("user not found")
	ErrSocketNotConnected = errors.New("websocket not connected")
)
