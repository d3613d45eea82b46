// Package protocol defines the wire envelope and named events shared between
// the push server, the broker, and client adapters.
package protocol

import (
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

// Named events carried on the push channel. The hub is payload-agnostic;
// only the call session interprets the webrtc-* payloads.
const (
	EventConnected = "connected"
	EventPing      = "ping"

	EventOffer     = "webrtc-offer"
	EventAnswer    = "webrtc-answer"
	EventCandidate = "webrtc-candidate"
	EventCallEnd   = "webrtc-end"

	EventNewMessage       = "new-message"
	EventTyping           = "typing-indicator"
	EventMessageStatus    = "message-status-changed"
	EventMessageReactions = "message-reactions-changed"
	EventStatusChanged    = "status-changed"
	EventViewerState      = "viewer-state"
)

// Control events sent client -> server over the push connection.
const (
	ControlSubscribe   = "subscribe"
	ControlUnsubscribe = "unsubscribe"
	ControlHeartbeat   = "heartbeat"
)

// End reasons for webrtc-end signals.
const (
	ReasonDeclined  = "declined"
	ReasonEnded     = "ended"
	ReasonCancelled = "cancelled"
	ReasonTimeout   = "timeout"
)

// subjectPrefix scopes all push traffic on the broker.
const subjectPrefix = "push."

// SubjectWildcard is the single broker subscription held by the fanout bridge.
const SubjectWildcard = subjectPrefix + ">"

// Event is the envelope carried verbatim from publisher through the broker
// to the client. Timestamp is unix milliseconds.
type Event struct {
	Type      string         `json:"type"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp int64          `json:"timestamp"`
}

// NewEvent builds an envelope stamped with the current time.
func NewEvent(eventType string, data map[string]any) Event {
	return Event{
		Type:      eventType,
		Data:      data,
		Timestamp: time.Now().UnixMilli(),
	}
}

// Marshal encodes the envelope for the wire.
func (e Event) Marshal() ([]byte, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal %s event: %w", e.Type, err)
	}
	return b, nil
}

// ParseEvent decodes an envelope, rejecting messages without a type.
func ParseEvent(b []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(b, &e); err != nil {
		return Event{}, fmt.Errorf("parse event: %w", err)
	}
	if e.Type == "" {
		return Event{}, fmt.Errorf("parse event: missing type")
	}
	return e, nil
}

// UserChannel returns the per-user delivery channel.
func UserChannel(userID string) string { return "user-" + userID }

// ChatChannel returns the per-chat delivery channel.
func ChatChannel(chatID string) string { return "chat-" + chatID }

// Subject maps a channel name to its broker subject.
func Subject(channel string) string { return subjectPrefix + channel }

// ChannelFromSubject recovers the channel name from a broker subject.
// Returns false for subjects outside the push namespace.
func ChannelFromSubject(subject string) (string, bool) {
	channel, ok := strings.CutPrefix(subject, subjectPrefix)
	if !ok || channel == "" {
		return "", false
	}
	return channel, true
}
