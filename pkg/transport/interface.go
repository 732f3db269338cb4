// Package transport owns the persistent signaling connection of one
// account: a WebSocket with keepalive pings, unexpected-close detection
// and reconnect with exponential backoff.
package transport

import (
	"context"
	"net/http"
	"time"
)

// State of the connection lifecycle.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateClosed
)

var stateNames = map[State]string{
	StateDisconnected: "disconnected",
	StateConnecting:   "connecting",
	StateConnected:    "connected",
	StateReconnecting: "reconnecting",
	StateClosed:       "closed",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "unknown"
}

// MessageHandler is called for every inbound text frame.
type MessageHandler func(data []byte)

// StateHandler is called on every lifecycle change. err is non-nil for
// error-driven transitions (unexpected close, dial failure, ping timeout).
type StateHandler func(state State, err error)

// Transport is the connection surface the engine depends on.
type Transport interface {
	// Send writes one text frame
	Send(data string) error

	// Connected reports whether the connection is currently open
	Connected() bool

	// Reconnect tears down and redials with the original options;
	// no-op when a reconnect is already in progress
	Reconnect(ctx context.Context) error

	// ReconnectInProgress reports whether a reconnect is running
	ReconnectInProgress() bool

	// OnMessage sets the inbound frame handler
	OnMessage(handler MessageHandler)

	// OnState sets the lifecycle handler
	OnState(handler StateHandler)

	// Close closes the connection with the given close code
	Close(code int) error
}

// Options configures a connection.
type Options struct {
	// URL is the signaling endpoint (ws:// or wss://)
	URL string

	// SubProtocol is the Sec-WebSocket-Protocol token
	SubProtocol string

	// Headers are sent on every dial, including redials
	Headers http.Header

	// PingInterval between keepalive pings
	PingInterval time.Duration

	// HandshakeTimeout bounds the dial
	HandshakeTimeout time.Duration

	// AutoReconnect enables reconnect on unexpected close
	AutoReconnect bool

	// ReconnectDelay is the initial backoff delay
	ReconnectDelay time.Duration

	// MaxReconnectDelay caps the backoff
	MaxReconnectDelay time.Duration

	// MaxReconnectAttempts before giving up (0 = unlimited)
	MaxReconnectAttempts int
}

// DefaultOptions returns the defaults used when fields are zero.
func DefaultOptions() Options {
	return Options{
		PingInterval:         30 * time.Second,
		HandshakeTimeout:     10 * time.Second,
		AutoReconnect:        true,
		ReconnectDelay:       2 * time.Second,
		MaxReconnectDelay:    30 * time.Second,
		MaxReconnectAttempts: 10,
	}
}

func (o *Options) withDefaults() Options {
	def := DefaultOptions()
	out := *o
	if out.PingInterval <= 0 {
		out.PingInterval = def.PingInterval
	}
	if out.HandshakeTimeout <= 0 {
		out.HandshakeTimeout = def.HandshakeTimeout
	}
	if out.ReconnectDelay <= 0 {
		out.ReconnectDelay = def.ReconnectDelay
	}
	if out.MaxReconnectDelay <= 0 {
		out.MaxReconnectDelay = def.MaxReconnectDelay
	}
	if out.MaxReconnectAttempts <= 0 {
		out.MaxReconnectAttempts = def.MaxReconnectAttempts
	}
	return out
}
