package call

import "context"

// The WebRTC engine is an external collaborator: the session drives the
// handshake through these interfaces and never touches codecs or media
// internals.

// PeerConnection is one peer-to-peer media connection. Owned exclusively by
// the session for the lifetime of the call; Close must be idempotent-safe
// from the session's point of view (the session calls it exactly once).
type PeerConnection interface {
	// AddStream attaches the local media tracks.
	AddStream(MediaStream) error
	// CreateOffer builds the local session description for an outbound call.
	CreateOffer(ctx context.Context) (any, error)
	// CreateAnswer builds the local session description answering a remote
	// offer. Valid only after SetRemoteDescription.
	CreateAnswer(ctx context.Context) (any, error)
	// SetRemoteDescription applies the counterpart's offer or answer.
	SetRemoteDescription(ctx context.Context, desc any) error
	// AddCandidate applies one remote ICE candidate. The session guarantees
	// the remote description is set first.
	AddCandidate(ctx context.Context, candidate any) error
	// Close releases the connection.
	Close() error
}

// PeerFactory creates a peer connection. onCandidate is invoked for each
// locally gathered ICE candidate and may be called from any goroutine.
type PeerFactory func(onCandidate func(candidate any)) (PeerConnection, error)

// MediaStream is a handle on acquired local media.
type MediaStream interface {
	// Stop stops every track. Called exactly once per acquired stream.
	Stop()
	// SetAudioEnabled toggles the audio tracks without renegotiating.
	SetAudioEnabled(enabled bool)
}

// MediaSource acquires local media. Acquisition may block indefinitely on a
// user permission prompt; it must honor context cancellation.
type MediaSource interface {
	Acquire(ctx context.Context, video bool) (MediaStream, error)
}

// Tones plays the call progress sounds.
type Tones interface {
	// PlayRingback loops the outbound calling tone.
	PlayRingback()
	// PlayRingtone loops the inbound ringing tone.
	PlayRingtone()
	// Stop silences whichever tone is playing.
	Stop()
}

// NoTones is a silent Tones implementation.
type NoTones struct{}

func (NoTones) PlayRingback() {}
func (NoTones) PlayRingtone() {}
func (NoTones) Stop()         {}
