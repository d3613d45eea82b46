// Package client implements the reconnecting push-channel adapter: one
// long-lived connection per instance, named-event listener dispatch, and
// exponential-backoff recovery after transport drops.
package client

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/coder/websocket"

	"wavelink/internal/cid"
	"wavelink/internal/logging"
	"wavelink/pkg/protocol"
)

var (
	ErrAlreadyConnected = errors.New("adapter already connected")
	ErrNotConnected     = errors.New("adapter not connected")
	ErrClosed           = errors.New("adapter closed")
)

// Listener receives events dispatched for one named event type. Listeners
// run sequentially on the adapter's read loop; they must not block.
type Listener func(protocol.Event)

// Subscription identifies one registered listener so it can be removed.
// Needed because Go funcs are not comparable.
type Subscription struct {
	adapter   *Adapter
	eventType string
	fn        Listener
}

// Off deregisters the listener.
func (s *Subscription) Off() {
	if s.adapter != nil {
		s.adapter.off(s)
	}
}

// Adapter owns one push connection. Construct with New, wire with Connect,
// and tear down with Close; it is never ambient global state.
type Adapter struct {
	cfg Config

	mu        sync.Mutex
	state     State
	conn      *websocket.Conn
	connID    string
	userID    string
	chatID    string
	listeners map[string][]*Subscription
	pending   []*Subscription
	channels  map[string]struct{}
	ring      *eventRing
	delays    []time.Duration
	lastErr   error
	closed    bool
	readStop  context.CancelFunc
	ackCh     chan struct{}
}

// New creates a disconnected adapter.
func New(cfg Config) *Adapter {
	cfg = cfg.withDefaults()
	return &Adapter{
		cfg:       cfg,
		state:     StateDisconnected,
		listeners: make(map[string][]*Subscription),
		channels:  make(map[string]struct{}),
		ring:      newEventRing(cfg.RingSize),
	}
}

// Connect opens the push connection for the given user (and optional chat).
// It returns once the server's connected ack arrives, after a bounded
// fallback window if the transport is open but the ack is delayed, or with
// an error after the absolute connect timeout. Listeners registered before
// Connect are replayed before any event is dispatched, so no event can be
// lost to registration ordering.
func (a *Adapter) Connect(ctx context.Context, userID, chatID string) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return ErrClosed
	}
	if a.state == StateConnected || a.state == StateConnecting {
		a.mu.Unlock()
		return ErrAlreadyConnected
	}
	a.state = StateConnecting
	a.userID = userID
	a.chatID = chatID
	a.mu.Unlock()

	conn, err := a.dial(ctx)
	if err != nil {
		a.mu.Lock()
		a.state = StateDisconnected
		a.mu.Unlock()
		return err
	}

	readCtx, cancel := context.WithCancel(context.Background())
	ack := make(chan struct{})

	a.mu.Lock()
	a.conn = conn
	a.connID = ""
	a.state = StateConnected
	a.readStop = cancel
	a.ackCh = ack
	a.replayPendingLocked()
	a.mu.Unlock()

	// The read loop starts before the ack arrives. Waiting with a reader
	// armed on an expiring context is not an option: the transport closes
	// the whole connection when a pending read's context times out. The
	// ack is instead signalled out of dispatch, and a late one still fills
	// the connection id in.
	go a.readLoop(readCtx, conn)

	select {
	case <-ack:
	case <-time.After(a.cfg.AckFallback):
		logging.Debug().Msg("connected ack delayed, proceeding on open transport")
	case <-ctx.Done():
		cancel()
		conn.Close(websocket.StatusNormalClosure, "connect cancelled")
		a.mu.Lock()
		a.conn = nil
		a.state = StateDisconnected
		a.ackCh = nil
		a.mu.Unlock()
		return fmt.Errorf("connect push channel: %w", ctx.Err())
	}
	return nil
}

// dial performs one websocket connect attempt, bounded by ConnectTimeout.
func (a *Adapter) dial(ctx context.Context) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, a.cfg.ConnectTimeout)
	defer cancel()

	endpoint, err := a.pushURL()
	if err != nil {
		return nil, err
	}

	headers := map[string][]string{"User-Agent": {a.cfg.UserAgent}}
	cid.AddHeaderFromContext(headers, ctx)

	conn, _, err := websocket.Dial(dialCtx, endpoint, &websocket.DialOptions{
		HTTPHeader: headers,
	})
	if err != nil {
		return nil, fmt.Errorf("connect push channel: %w", err)
	}
	return conn, nil
}

func (a *Adapter) pushURL() (string, error) {
	u, err := url.Parse(a.cfg.ServerURL)
	if err != nil {
		return "", fmt.Errorf("parse server url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = "/push"
	q := u.Query()
	q.Set("userId", a.userID)
	if a.chatID != "" {
		q.Set("chatId", a.chatID)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// readLoop dispatches inbound events and drives reconnection after drops.
func (a *Adapter) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			a.mu.Lock()
			closed := a.closed
			a.mu.Unlock()
			if closed || ctx.Err() != nil {
				return
			}

			logging.Warn().Err(err).Msg("push transport dropped, reconnecting")
			next, ok := a.reconnect(ctx)
			if !ok {
				return
			}
			conn = next
			continue
		}

		event, perr := protocol.ParseEvent(data)
		if perr != nil {
			logging.Warn().Err(perr).Msg("malformed push frame, dropped")
			continue
		}
		a.dispatch(event)
	}
}

// reconnect retries with exponential backoff until a dial succeeds or the
// attempt cap is exceeded, in which case the adapter fails permanently.
func (a *Adapter) reconnect(ctx context.Context) (*websocket.Conn, bool) {
	a.mu.Lock()
	a.state = StateConnecting
	a.conn = nil
	a.mu.Unlock()

	for attempt := 1; attempt <= a.cfg.MaxAttempts; attempt++ {
		delay := a.cfg.BackoffBase << (attempt - 1)

		a.mu.Lock()
		a.delays = append(a.delays, delay)
		a.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, false
		case <-time.After(delay):
		}

		conn, err := a.dial(ctx)
		if err != nil {
			logging.Warn().Err(err).Int("attempt", attempt).Msg("reconnect attempt failed")
			continue
		}

		a.mu.Lock()
		a.conn = conn
		// The fresh ack fills the connection id back in via dispatch.
		a.connID = ""
		a.state = StateConnected
		channels := make([]string, 0, len(a.channels))
		for ch := range a.channels {
			channels = append(channels, ch)
		}
		a.mu.Unlock()

		// Re-establish channels added after connect; the query-derived ones
		// are reseeded by the server.
		for _, ch := range channels {
			if err := a.sendControl(ctx, protocol.ControlSubscribe, ch); err != nil {
				logging.Warn().Err(err).Str("channel", ch).Msg("resubscribe failed")
			}
		}

		logging.Info().Int("attempt", attempt).Msg("push transport reconnected")
		return conn, true
	}

	err := fmt.Errorf("reconnect failed after %d attempts", a.cfg.MaxAttempts)
	a.mu.Lock()
	a.state = StateFailed
	a.lastErr = err
	a.mu.Unlock()

	logging.Error().Err(err).Msg("push adapter giving up")
	if a.cfg.OnFailure != nil {
		a.cfg.OnFailure(err)
	}
	return nil, false
}

// dispatch routes one event to its listeners. Keepalives are consumed here;
// events with no listener land in the diagnostics ring.
func (a *Adapter) dispatch(event protocol.Event) {
	switch event.Type {
	case protocol.EventPing:
		return
	case protocol.EventConnected:
		a.mu.Lock()
		if id, ok := event.Data["connectionId"].(string); ok && id != "" {
			a.connID = id
		}
		if a.ackCh != nil {
			close(a.ackCh)
			a.ackCh = nil
		}
		a.mu.Unlock()
		return
	}

	a.mu.Lock()
	subs := make([]*Subscription, len(a.listeners[event.Type]))
	copy(subs, a.listeners[event.Type])
	a.mu.Unlock()

	if len(subs) == 0 {
		a.ring.Push(event)
		return
	}
	for _, sub := range subs {
		sub.fn(event)
	}
}

// On registers a listener for a named event type. Registrations made before
// the connection is up are queued and replayed once Connect succeeds, so no
// event can be lost to registration ordering.
func (a *Adapter) On(eventType string, fn Listener) *Subscription {
	sub := &Subscription{adapter: a, eventType: eventType, fn: fn}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state != StateConnected {
		a.pending = append(a.pending, sub)
		return sub
	}
	a.listeners[eventType] = append(a.listeners[eventType], sub)
	return sub
}

func (a *Adapter) replayPendingLocked() {
	for _, sub := range a.pending {
		a.listeners[sub.eventType] = append(a.listeners[sub.eventType], sub)
	}
	a.pending = nil
}

func (a *Adapter) off(sub *Subscription) {
	a.mu.Lock()
	defer a.mu.Unlock()

	subs := a.listeners[sub.eventType]
	for i, s := range subs {
		if s == sub {
			a.listeners[sub.eventType] = append(subs[:i], subs[i+1:]...)
			return
		}
	}
	for i, s := range a.pending {
		if s == sub {
			a.pending = append(a.pending[:i], a.pending[i+1:]...)
			return
		}
	}
}

// Subscribe adds a delivery channel to the live connection.
func (a *Adapter) Subscribe(ctx context.Context, channel string) error {
	a.mu.Lock()
	a.channels[channel] = struct{}{}
	connected := a.state == StateConnected
	a.mu.Unlock()

	if !connected {
		return ErrNotConnected
	}
	return a.sendControl(ctx, protocol.ControlSubscribe, channel)
}

// Unsubscribe removes a delivery channel from the live connection.
func (a *Adapter) Unsubscribe(ctx context.Context, channel string) error {
	a.mu.Lock()
	delete(a.channels, channel)
	connected := a.state == StateConnected
	a.mu.Unlock()

	if !connected {
		return ErrNotConnected
	}
	return a.sendControl(ctx, protocol.ControlUnsubscribe, channel)
}

func (a *Adapter) sendControl(ctx context.Context, controlType, channel string) error {
	a.mu.Lock()
	conn := a.conn
	a.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	frame, err := protocol.NewEvent(controlType, map[string]any{"channel": channel}).Marshal()
	if err != nil {
		return err
	}
	if err := conn.Write(ctx, websocket.MessageText, frame); err != nil {
		return fmt.Errorf("send %s: %w", controlType, err)
	}
	return nil
}

// Close tears the adapter down. It is safe to call more than once.
func (a *Adapter) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	conn := a.conn
	a.conn = nil
	a.state = StateDisconnected
	stop := a.readStop
	a.mu.Unlock()

	if stop != nil {
		stop()
	}
	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client teardown")
	}
	return nil
}

// State returns the adapter's connection state.
func (a *Adapter) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// ConnectionID returns the server-assigned connection id, if known.
func (a *Adapter) ConnectionID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connID
}

// Err returns the permanent failure, if any.
func (a *Adapter) Err() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastErr
}

// Dropped returns the events that arrived with no listener registered.
func (a *Adapter) Dropped() []protocol.Event {
	return a.ring.Snapshot()
}

// ReconnectDelays returns the backoff delays used so far.
func (a *Adapter) ReconnectDelays() []time.Duration {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]time.Duration, len(a.delays))
	copy(out, a.delays)
	return out
}
