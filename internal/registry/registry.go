// Package registry tracks live push connections and the logical channels
// each one is subscribed to. State is process-local; clients rebuild it by
// reconnecting.
package registry

import (
	"sort"
	"sync"
	"time"

	"wavelink/internal/logging"
	"wavelink/internal/types"
	"wavelink/pkg/protocol"
)

type entry struct {
	conn     *types.Connection
	channels map[string]struct{}
	stopPing chan struct{}
	pingDone chan struct{}
}

// Registry is the shared map of connections held by one server process.
type Registry struct {
	mu           sync.RWMutex
	entries      map[string]*entry
	pingInterval time.Duration
	closed       bool
}

// New creates a registry whose connections receive a keepalive ping at the
// given interval.
func New(pingInterval time.Duration) *Registry {
	return &Registry{
		entries:      make(map[string]*entry),
		pingInterval: pingInterval,
	}
}

// Register adds a connection and seeds its channel set from the user and
// chat ids. A keepalive ticker starts immediately so intermediary proxies do
// not time the connection out.
func (r *Registry) Register(conn *types.Connection) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrClosed
	}
	if _, exists := r.entries[conn.ID]; exists {
		return ErrAlreadyRegistered
	}

	e := &entry{
		conn:     conn,
		channels: make(map[string]struct{}),
		stopPing: make(chan struct{}),
		pingDone: make(chan struct{}),
	}
	if conn.UserID != "" {
		e.channels[protocol.UserChannel(conn.UserID)] = struct{}{}
	}
	if conn.ChatID != "" {
		e.channels[protocol.ChatChannel(conn.ChatID)] = struct{}{}
	}
	r.entries[conn.ID] = e

	go r.pingLoop(e)
	return nil
}

// pingLoop emits keepalive events until the entry is unregistered. Pings are
// dropped when the send queue is full; pong tracking is the transport's job.
func (r *Registry) pingLoop(e *entry) {
	defer close(e.pingDone)
	ticker := time.NewTicker(r.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopPing:
			return
		case <-ticker.C:
			frame, err := protocol.NewEvent(protocol.EventPing, nil).Marshal()
			if err != nil {
				continue
			}
			select {
			case e.conn.Send <- frame:
			default:
				logging.Debug().Str("connection_id", e.conn.ID).Msg("ping dropped, send queue full")
			}
		}
	}
}

// Subscribe adds a channel to an existing connection without reconnecting.
func (r *Registry) Subscribe(connID, channel string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[connID]
	if !ok {
		return ErrConnectionNotFound
	}
	e.channels[channel] = struct{}{}
	return nil
}

// Unsubscribe removes a channel from an existing connection.
func (r *Registry) Unsubscribe(connID, channel string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[connID]
	if !ok {
		return ErrConnectionNotFound
	}
	delete(e.channels, channel)
	return nil
}

// Unregister removes the connection and cancels its keepalive timer.
// Idempotent: unregistering an unknown id is a no-op.
func (r *Registry) Unregister(connID string) {
	r.mu.Lock()
	e, ok := r.entries[connID]
	if ok {
		delete(r.entries, connID)
	}
	r.mu.Unlock()

	if ok {
		close(e.stopPing)
	}
}

// Subscribers returns a snapshot of the connections subscribed to the given
// channel. The snapshot may be stale by the time the caller writes to it; a
// delivery to a connection that unregistered a moment later is acceptable.
func (r *Registry) Subscribers(channel string) []*types.Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var conns []*types.Connection
	for _, e := range r.entries {
		if _, ok := e.channels[channel]; ok {
			conns = append(conns, e.conn)
		}
	}
	return conns
}

// Channels returns the sorted channel set of one connection.
func (r *Registry) Channels(connID string) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[connID]
	if !ok {
		return nil, ErrConnectionNotFound
	}
	channels := make([]string, 0, len(e.channels))
	for ch := range e.channels {
		channels = append(channels, ch)
	}
	sort.Strings(channels)
	return channels, nil
}

// Len returns the number of registered connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Stats reports registry size and per-channel connection counts.
func (r *Registry) Stats() (int, map[string]int) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	counts := make(map[string]int)
	for _, e := range r.entries {
		for ch := range e.channels {
			counts[ch]++
		}
	}
	return len(r.entries), counts
}

// Drain unregisters every connection and marks the registry closed. Used on
// process shutdown. It waits for every ping loop to exit before returning,
// so the caller may close the send queues without racing a keepalive write.
func (r *Registry) Drain() []*types.Connection {
	r.mu.Lock()
	drained := make([]*types.Connection, 0, len(r.entries))
	entries := make([]*entry, 0, len(r.entries))
	for id, e := range r.entries {
		drained = append(drained, e.conn)
		entries = append(entries, e)
		delete(r.entries, id)
	}
	r.closed = true
	r.mu.Unlock()

	for _, e := range entries {
		close(e.stopPing)
	}
	for _, e := range entries {
		<-e.pingDone
	}
	logging.Info().Int("connections", len(drained)).Msg("registry drained")
	return drained
}
