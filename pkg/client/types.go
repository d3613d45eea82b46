package client

import "time"

// State describes the adapter's connection lifecycle.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	// StateFailed is terminal: the reconnect attempt cap was exceeded.
	StateFailed State = "failed"
)

// Config holds adapter configuration. Zero values fall back to defaults.
type Config struct {
	// ServerURL is the push server base, e.g. "ws://host:8080".
	ServerURL string
	// UserAgent identifies the client in the connect request.
	UserAgent string

	// ConnectTimeout is the absolute deadline for one connect attempt,
	// including the ack wait. Default 30s.
	ConnectTimeout time.Duration
	// AckFallback bounds the wait for the server's connected ack after the
	// transport reports itself open. Default 3s.
	AckFallback time.Duration

	// BackoffBase is the first reconnect delay; it doubles per attempt.
	// Default 1s.
	BackoffBase time.Duration
	// MaxAttempts caps reconnect attempts before the adapter reports
	// permanent failure. Default 5.
	MaxAttempts int

	// RingSize bounds the unhandled-event diagnostics buffer. Default 64.
	RingSize int

	// OnFailure is invoked once when the reconnect cap is exceeded.
	OnFailure func(error)
}

func (c Config) withDefaults() Config {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 30 * time.Second
	}
	if c.AckFallback <= 0 {
		c.AckFallback = 3 * time.Second
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.RingSize <= 0 {
		c.RingSize = 64
	}
	if c.UserAgent == "" {
		c.UserAgent = "wavelink-client/1.0.0"
	}
	return c
}
