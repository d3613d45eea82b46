// Package fanout bridges broker traffic to locally-held push connections.
// One wildcard subscription per process; each inbound message is written to
// every registered connection whose channel set contains the topic.
package fanout

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"

	"wavelink/internal/logging"
	"wavelink/internal/registry"
	"wavelink/pkg/protocol"
)

// Stats counts bridge outcomes since process start.
type Stats struct {
	Delivered  uint64
	Dropped    uint64
	Malformed  uint64
	NoListener uint64
}

// Bridge is the broker-to-connection fanout.
type Bridge struct {
	nc       *nats.Conn
	registry *registry.Registry
	sub      *nats.Subscription

	delivered  atomic.Uint64
	dropped    atomic.Uint64
	malformed  atomic.Uint64
	noListener atomic.Uint64
}

// New creates a bridge over an established broker connection.
func New(nc *nats.Conn, reg *registry.Registry) *Bridge {
	return &Bridge{nc: nc, registry: reg}
}

// Start opens the single wildcard subscription. The handler runs on the NATS
// client's delivery goroutine, so per-topic publish order is preserved.
func (b *Bridge) Start() error {
	sub, err := b.nc.Subscribe(protocol.SubjectWildcard, b.handle)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", protocol.SubjectWildcard, err)
	}
	b.sub = sub
	logging.Info().Str("subject", protocol.SubjectWildcard).Msg("fanout bridge subscribed")
	return nil
}

// handle fans one broker message out to matching local connections.
// Delivery is best-effort and at-most-once per connection: a full send queue
// means the event is dropped for that connection, never retried or buffered.
func (b *Bridge) handle(msg *nats.Msg) {
	channel, ok := protocol.ChannelFromSubject(msg.Subject)
	if !ok {
		b.malformed.Add(1)
		logging.Warn().Str("subject", msg.Subject).Msg("message outside push namespace, dropped")
		return
	}

	if _, err := protocol.ParseEvent(msg.Data); err != nil {
		b.malformed.Add(1)
		logging.Warn().Err(err).Str("subject", msg.Subject).Msg("malformed broker message, dropped")
		return
	}

	conns := b.registry.Subscribers(channel)
	if len(conns) == 0 {
		// Correct when another process holds the matching connections.
		b.noListener.Add(1)
		return
	}

	for _, conn := range conns {
		select {
		case conn.Send <- msg.Data:
			b.delivered.Add(1)
		default:
			b.dropped.Add(1)
			logging.Warn().
				Str("connection_id", conn.ID).
				Str("channel", channel).
				Msg("send queue full, event dropped for connection")
		}
	}
}

// Stop drains the subscription and waits for the drain to complete, so no
// handler can still be delivering once it returns. Draining is asynchronous
// in the broker client; returning earlier would let a handler race the
// shutdown path that closes the send queues.
func (b *Bridge) Stop(ctx context.Context) error {
	if b.sub == nil {
		return nil
	}
	if err := b.sub.Drain(); err != nil {
		return fmt.Errorf("drain subscription: %w", err)
	}
	for b.sub.IsValid() {
		select {
		case <-ctx.Done():
			return fmt.Errorf("drain subscription: %w", ctx.Err())
		case <-time.After(10 * time.Millisecond):
		}
	}
	return nil
}

// Stats returns a snapshot of the bridge counters.
func (b *Bridge) Stats() Stats {
	return Stats{
		Delivered:  b.delivered.Load(),
		Dropped:    b.dropped.Load(),
		Malformed:  b.malformed.Load(),
		NoListener: b.noListener.Load(),
	}
}
