// Package publish serializes typed events and hands them to the broker so
// every server process's fanout bridge can deliver them to its connections.
package publish

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go"

	"wavelink/internal/cid"
	"wavelink/internal/logging"
	"wavelink/pkg/protocol"
)

// Publisher publishes push events to the broker. It is safe for concurrent
// use; nats.Conn handles its own synchronization.
type Publisher struct {
	nc *nats.Conn
}

// New wraps an established NATS connection.
func New(nc *nats.Conn) *Publisher {
	return &Publisher{nc: nc}
}

// Publish sends the event on the subject derived from the channel name.
// Delivery is fire-and-forget: core NATS gives at-most-once semantics, which
// is the push path's contract.
func (p *Publisher) Publish(ctx context.Context, channel string, event protocol.Event) error {
	payload, err := event.Marshal()
	if err != nil {
		return err
	}

	subject := protocol.Subject(channel)
	if err := p.nc.Publish(subject, payload); err != nil {
		return fmt.Errorf("publish %s to %s: %w", event.Type, subject, err)
	}

	logging.Debug().
		Str("channel", channel).
		Str("event_type", event.Type).
		Str("cid", cid.FromContext(ctx)).
		Msg("event published")
	return nil
}

// PublishToUser publishes on the user's delivery channel.
func (p *Publisher) PublishToUser(ctx context.Context, userID string, event protocol.Event) error {
	return p.Publish(ctx, protocol.UserChannel(userID), event)
}

// PublishToChat publishes on the chat's delivery channel.
func (p *Publisher) PublishToChat(ctx context.Context, chatID string, event protocol.Event) error {
	return p.Publish(ctx, protocol.ChatChannel(chatID), event)
}

// Flush blocks until the broker has processed everything published so far.
// Called during shutdown.
func (p *Publisher) Flush() error {
	if err := p.nc.Flush(); err != nil {
		return fmt.Errorf("flush broker connection: %w", err)
	}
	return nil
}
