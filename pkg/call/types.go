package call

import "time"

// Type distinguishes audio-only from audio+video calls.
type Type string

const (
	TypePhone Type = "phone"
	TypeVideo Type = "video"
)

// Status is the call lifecycle state.
type Status string

const (
	// StatusCalling: outbound offer sent, ringback playing.
	StatusCalling Status = "calling"
	// StatusRinging: inbound offer received, ringtone playing.
	StatusRinging Status = "ringing"
	// StatusConnecting: brief window while the answer is being built.
	StatusConnecting Status = "connecting"
	// StatusInCall: peer connection established.
	StatusInCall Status = "in-call"
	// StatusEnded: terminal; the state auto-clears after a short delay.
	StatusEnded Status = "ended"
)

// State is the single source of truth for one call session. At most one
// exists per session instance.
type State struct {
	ID          string    `json:"id"`
	Type        Type      `json:"type"`
	PeerID      string    `json:"peerId"`
	PeerName    string    `json:"peerName,omitempty"`
	PeerAvatar  string    `json:"peerAvatar,omitempty"`
	Status      Status    `json:"status"`
	StartedAt   time.Time `json:"startedAt"`
	ConnectedAt time.Time `json:"connectedAt"`
	EndedAt     time.Time `json:"endedAt"`
	EndedReason string    `json:"endedReason,omitempty"`
	Muted       bool      `json:"muted"`
}

func (s *State) clone() *State {
	if s == nil {
		return nil
	}
	c := *s
	return &c
}
