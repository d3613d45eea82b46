// Package call implements the client-side call session state machine: one
// owned State per instance, driven by the signaling events on the push
// channel and by local user actions.
package call

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/ksuid"

	"wavelink/internal/logging"
	"wavelink/pkg/client"
	"wavelink/pkg/protocol"
)

// SessionConfig wires the session's collaborators.
type SessionConfig struct {
	SelfID     string
	SelfName   string
	SelfAvatar string

	Signaler Signaler
	Media    MediaSource
	NewPeer  PeerFactory
	// Tones is optional; nil plays nothing.
	Tones Tones
	// Store is optional; nil disables the persisted mirror.
	Store Store
	// OnChange is invoked with a state snapshot after every transition, and
	// with nil once the ended state clears. Optional.
	OnChange func(*State)

	// NoAnswerTimeout ends an unanswered outbound call. Default 40s.
	NoAnswerTimeout time.Duration
	// EndedClearShort delays clearing after ended/timeout. Default 1.2s.
	EndedClearShort time.Duration
	// EndedClearLong delays clearing after declined/cancelled, giving the
	// user time to read the terminal message. Default 2.2s.
	EndedClearLong time.Duration
	// SignalTimeout bounds background signaling requests. Default 10s.
	SignalTimeout time.Duration
}

func (c SessionConfig) withDefaults() SessionConfig {
	if c.NoAnswerTimeout <= 0 {
		c.NoAnswerTimeout = 40 * time.Second
	}
	if c.EndedClearShort <= 0 {
		c.EndedClearShort = 1200 * time.Millisecond
	}
	if c.EndedClearLong <= 0 {
		c.EndedClearLong = 2200 * time.Millisecond
	}
	if c.SignalTimeout <= 0 {
		c.SignalTimeout = 10 * time.Second
	}
	if c.Tones == nil {
		c.Tones = NoTones{}
	}
	return c
}

// Session drives one call at a time. All entry points serialize on one
// mutex, mirroring the single-threaded event loop the protocol assumes.
type Session struct {
	cfg SessionConfig

	mu        sync.Mutex
	state     *State
	peer      PeerConnection
	stream    MediaStream
	minimized bool

	// Candidates that arrived before the remote description; flushed in
	// arrival order once it lands.
	pendingCandidates []any
	remoteDescSet     bool

	noAnswerTimer *time.Timer
	clearTimer    *time.Timer
	subs          []*client.Subscription
}

// NewSession creates an idle session.
func NewSession(cfg SessionConfig) *Session {
	return &Session{cfg: cfg.withDefaults()}
}

// State returns a snapshot of the current call state, or nil when idle.
func (s *Session) State() *State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.clone()
}

func (s *Session) emit() {
	if s.cfg.OnChange != nil {
		s.cfg.OnChange(s.State())
	}
}

// StartCall places an outbound call. Valid only when idle. Any failure to
// acquire media or build the offer aborts the call; it is never left
// half-initialized.
func (s *Session) StartCall(ctx context.Context, callType Type, targetID, targetName, targetAvatar string) error {
	s.mu.Lock()
	if s.state != nil {
		s.mu.Unlock()
		return ErrCallInProgress
	}

	st := &State{
		ID:         ksuid.New().String(),
		Type:       callType,
		PeerID:     targetID,
		PeerName:   targetName,
		PeerAvatar: targetAvatar,
		Status:     StatusCalling,
		StartedAt:  time.Now(),
	}
	s.state = st
	s.cfg.Tones.PlayRingback()
	s.armNoAnswerLocked(st.ID)

	if err := s.setupOutboundLocked(ctx, st); err != nil {
		s.terminateLocked(protocol.ReasonEnded)
		s.mu.Unlock()
		s.emit()
		return err
	}

	s.saveMirrorLocked()
	s.mu.Unlock()
	s.emit()
	return nil
}

func (s *Session) setupOutboundLocked(ctx context.Context, st *State) error {
	stream, err := s.cfg.Media.Acquire(ctx, st.Type == TypeVideo)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMediaUnavailable, err)
	}
	s.stream = stream
	if st.Muted {
		stream.SetAudioEnabled(false)
	}

	peer, err := s.cfg.NewPeer(s.candidateSender(st.PeerID))
	if err != nil {
		return fmt.Errorf("create peer connection: %w", err)
	}
	s.peer = peer

	if err := peer.AddStream(stream); err != nil {
		return fmt.Errorf("attach local tracks: %w", err)
	}

	offer, err := peer.CreateOffer(ctx)
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}

	if err := s.cfg.Signaler.SendOffer(ctx, OfferSignal{
		To:         st.PeerID,
		SDP:        offer,
		From:       s.cfg.SelfID,
		FromName:   s.cfg.SelfName,
		FromAvatar: s.cfg.SelfAvatar,
		CallType:   string(st.Type),
	}); err != nil {
		return fmt.Errorf("send offer: %w", err)
	}
	return nil
}

// armNoAnswerLocked starts the caller-side timeout. The callback re-checks
// call id and status, so a late fire after the call ended is a no-op.
func (s *Session) armNoAnswerLocked(callID string) {
	s.noAnswerTimer = time.AfterFunc(s.cfg.NoAnswerTimeout, func() {
		s.onNoAnswer(callID)
	})
}

func (s *Session) onNoAnswer(callID string) {
	s.mu.Lock()
	if s.state == nil || s.state.ID != callID || s.state.Status != StatusCalling {
		s.mu.Unlock()
		return
	}
	peerID := s.state.PeerID
	s.sendEndAsync(peerID, protocol.ReasonTimeout)
	s.terminateLocked(protocol.ReasonTimeout)
	s.mu.Unlock()
	s.emit()
}

// HandleOffer processes an inbound offer. Idle: ring. Already calling the
// same counterpart: glare, resolved by auto-accept. Busy otherwise: the
// offer is declined without touching the active call.
func (s *Session) HandleOffer(ctx context.Context, from, fromName, fromAvatar, callType string, sdp any) {
	s.mu.Lock()

	if s.state != nil {
		if s.state.Status == StatusCalling && s.state.PeerID == from {
			s.acceptGlareLocked(ctx, from, sdp)
			s.mu.Unlock()
			s.emit()
			return
		}
		s.mu.Unlock()
		// Busy with someone else; decline without disturbing the call.
		s.sendEndAsync(from, protocol.ReasonDeclined)
		return
	}

	ct := Type(callType)
	if ct != TypeVideo {
		ct = TypePhone
	}
	st := &State{
		ID:         ksuid.New().String(),
		Type:       ct,
		PeerID:     from,
		PeerName:   fromName,
		PeerAvatar: fromAvatar,
		Status:     StatusRinging,
		StartedAt:  time.Now(),
	}
	s.state = st
	s.cfg.Tones.PlayRingtone()

	peer, err := s.cfg.NewPeer(s.candidateSender(from))
	if err != nil {
		logging.Error().Err(err).Msg("peer setup for inbound call failed")
		s.terminateLocked(protocol.ReasonEnded)
		s.mu.Unlock()
		s.emit()
		return
	}
	s.peer = peer

	if err := peer.SetRemoteDescription(ctx, sdp); err != nil {
		logging.Error().Err(err).Msg("remote offer rejected")
		s.terminateLocked(protocol.ReasonEnded)
		s.mu.Unlock()
		s.emit()
		return
	}
	s.remoteDescSet = true
	s.flushCandidatesLocked(ctx)

	s.saveMirrorLocked()
	s.mu.Unlock()
	s.emit()
}

// acceptGlareLocked resolves mutual simultaneous calls: the inbound offer is
// answered immediately instead of presenting a second ring. The outbound
// peer is replaced by one primed with the remote description; the media
// stream acquired by StartCall is reused.
func (s *Session) acceptGlareLocked(ctx context.Context, from string, sdp any) {
	logging.Info().Str("peer_id", from).Msg("simultaneous call detected, auto-accepting")

	s.stopNoAnswerLocked()
	s.cfg.Tones.Stop()

	if s.peer != nil {
		_ = s.peer.Close()
		s.peer = nil
	}
	s.remoteDescSet = false
	s.pendingCandidates = nil

	peer, err := s.cfg.NewPeer(s.candidateSender(from))
	if err != nil {
		logging.Error().Err(err).Msg("glare peer setup failed")
		s.terminateLocked(protocol.ReasonEnded)
		return
	}
	s.peer = peer

	if s.stream != nil {
		if err := peer.AddStream(s.stream); err != nil {
			logging.Error().Err(err).Msg("glare track attach failed")
			s.terminateLocked(protocol.ReasonEnded)
			return
		}
	}

	if err := peer.SetRemoteDescription(ctx, sdp); err != nil {
		logging.Error().Err(err).Msg("glare remote description rejected")
		s.terminateLocked(protocol.ReasonEnded)
		return
	}
	s.remoteDescSet = true
	s.flushCandidatesLocked(ctx)

	answer, err := peer.CreateAnswer(ctx)
	if err != nil {
		logging.Error().Err(err).Msg("glare answer failed")
		s.terminateLocked(protocol.ReasonEnded)
		return
	}
	if err := s.cfg.Signaler.SendAnswer(ctx, AnswerSignal{To: from, SDP: answer, From: s.cfg.SelfID}); err != nil {
		logging.Error().Err(err).Msg("glare answer send failed")
		s.terminateLocked(protocol.ReasonEnded)
		return
	}

	now := time.Now()
	s.state.Status = StatusInCall
	s.state.StartedAt = now
	s.state.ConnectedAt = now
	s.saveMirrorLocked()
}

// AcceptCall answers an inbound ringing call.
func (s *Session) AcceptCall(ctx context.Context) error {
	s.mu.Lock()
	if s.state == nil {
		s.mu.Unlock()
		return ErrNoActiveCall
	}
	if s.state.Status != StatusRinging {
		s.mu.Unlock()
		return ErrInvalidTransition
	}

	s.stopNoAnswerLocked()
	s.cfg.Tones.Stop()
	s.state.Status = StatusConnecting

	if s.stream == nil {
		stream, err := s.cfg.Media.Acquire(ctx, s.state.Type == TypeVideo)
		if err != nil {
			peerID := s.state.PeerID
			s.sendEndAsync(peerID, protocol.ReasonEnded)
			s.terminateLocked(protocol.ReasonEnded)
			s.mu.Unlock()
			s.emit()
			return fmt.Errorf("%w: %v", ErrMediaUnavailable, err)
		}
		s.stream = stream
		if s.state.Muted {
			stream.SetAudioEnabled(false)
		}
	}

	if err := s.finishAnswerLocked(ctx); err != nil {
		peerID := s.state.PeerID
		s.sendEndAsync(peerID, protocol.ReasonEnded)
		s.terminateLocked(protocol.ReasonEnded)
		s.mu.Unlock()
		s.emit()
		return err
	}

	// Both parties reset their clocks to the acceptance instant so elapsed
	// time displays share one origin.
	now := time.Now()
	s.state.Status = StatusInCall
	s.state.StartedAt = now
	s.state.ConnectedAt = now
	s.saveMirrorLocked()

	s.mu.Unlock()
	s.emit()
	return nil
}

func (s *Session) finishAnswerLocked(ctx context.Context) error {
	if err := s.peer.AddStream(s.stream); err != nil {
		return fmt.Errorf("attach local tracks: %w", err)
	}
	answer, err := s.peer.CreateAnswer(ctx)
	if err != nil {
		return fmt.Errorf("create answer: %w", err)
	}
	if err := s.cfg.Signaler.SendAnswer(ctx, AnswerSignal{
		To:   s.state.PeerID,
		SDP:  answer,
		From: s.cfg.SelfID,
	}); err != nil {
		return fmt.Errorf("send answer: %w", err)
	}
	return nil
}

// HandleAnswer processes the counterpart's answer on the caller side. An
// answer with no matching peer connection is discarded, never surfaced.
func (s *Session) HandleAnswer(ctx context.Context, sdp any) {
	s.mu.Lock()
	if s.state == nil || s.peer == nil || s.state.Status != StatusCalling {
		s.mu.Unlock()
		logging.Debug().Msg("stray answer discarded")
		return
	}

	if err := s.peer.SetRemoteDescription(ctx, sdp); err != nil {
		logging.Error().Err(err).Msg("remote answer rejected")
		peerID := s.state.PeerID
		s.sendEndAsync(peerID, protocol.ReasonEnded)
		s.terminateLocked(protocol.ReasonEnded)
		s.mu.Unlock()
		s.emit()
		return
	}
	s.remoteDescSet = true
	s.flushCandidatesLocked(ctx)

	s.stopNoAnswerLocked()
	s.cfg.Tones.Stop()

	now := time.Now()
	s.state.Status = StatusInCall
	s.state.StartedAt = now
	s.state.ConnectedAt = now
	s.saveMirrorLocked()

	s.mu.Unlock()
	s.emit()
}

// HandleCandidate applies a remote ICE candidate. Candidates arriving
// before the remote description are queued and flushed in arrival order
// once it lands; candidates with no peer connection at all are dropped.
func (s *Session) HandleCandidate(ctx context.Context, candidate any) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.peer == nil {
		return
	}
	if !s.remoteDescSet {
		s.pendingCandidates = append(s.pendingCandidates, candidate)
		return
	}
	if err := s.peer.AddCandidate(ctx, candidate); err != nil {
		logging.Warn().Err(err).Msg("candidate rejected")
	}
}

func (s *Session) flushCandidatesLocked(ctx context.Context) {
	for _, cand := range s.pendingCandidates {
		if err := s.peer.AddCandidate(ctx, cand); err != nil {
			logging.Warn().Err(err).Msg("queued candidate rejected")
		}
	}
	s.pendingCandidates = nil
}

// EndCall hangs up locally and notifies the counterpart. The reason is
// "ended" when a conversation happened, "cancelled" otherwise.
func (s *Session) EndCall(ctx context.Context) error {
	s.mu.Lock()
	if s.state == nil {
		s.mu.Unlock()
		return ErrNoActiveCall
	}
	if s.state.Status == StatusEnded {
		s.mu.Unlock()
		return nil
	}

	reason := protocol.ReasonCancelled
	if !s.state.ConnectedAt.IsZero() {
		reason = protocol.ReasonEnded
	}
	if err := s.cfg.Signaler.SendEnd(ctx, EndSignal{
		To:     s.state.PeerID,
		From:   s.cfg.SelfID,
		Reason: reason,
	}); err != nil {
		logging.Warn().Err(err).Msg("end signal failed, tearing down anyway")
	}
	s.terminateLocked(reason)

	s.mu.Unlock()
	s.emit()
	return nil
}

// HandleEnd processes the counterpart's end signal. Reason precedence:
// explicit timeout, then explicit declined, then "ended" if the call ever
// connected, otherwise "cancelled".
func (s *Session) HandleEnd(reason string) {
	s.mu.Lock()
	if s.state == nil || s.state.Status == StatusEnded {
		s.mu.Unlock()
		return
	}

	final := protocol.ReasonCancelled
	switch {
	case reason == protocol.ReasonTimeout:
		final = protocol.ReasonTimeout
	case reason == protocol.ReasonDeclined:
		final = protocol.ReasonDeclined
	case !s.state.ConnectedAt.IsZero():
		final = protocol.ReasonEnded
	}
	s.terminateLocked(final)

	s.mu.Unlock()
	s.emit()
}

// ToggleMute flips the mute flag and the local audio tracks. Usable in any
// active status, including pre-emptively before the call connects.
func (s *Session) ToggleMute() error {
	s.mu.Lock()
	if s.state == nil || s.state.Status == StatusEnded {
		s.mu.Unlock()
		return ErrNoActiveCall
	}

	s.state.Muted = !s.state.Muted
	if s.stream != nil {
		s.stream.SetAudioEnabled(!s.state.Muted)
	}
	s.saveMirrorLocked()

	s.mu.Unlock()
	s.emit()
	return nil
}

// SetMinimized records the UI's minimized flag for the mirror.
func (s *Session) SetMinimized(minimized bool) {
	s.mu.Lock()
	s.minimized = minimized
	if s.state != nil {
		s.saveMirrorLocked()
	}
	s.mu.Unlock()
}

// terminateLocked is the single teardown path: every transition out of an
// active call goes through here, so tracks stop and the peer closes exactly
// once shared across endCall, remote end, timeout, and abort.
func (s *Session) terminateLocked(reason string) {
	s.stopNoAnswerLocked()
	s.cfg.Tones.Stop()

	if s.stream != nil {
		s.stream.Stop()
		s.stream = nil
	}
	if s.peer != nil {
		if err := s.peer.Close(); err != nil {
			logging.Warn().Err(err).Msg("peer close failed")
		}
		s.peer = nil
	}
	s.pendingCandidates = nil
	s.remoteDescSet = false

	if s.state == nil {
		return
	}
	s.state.Status = StatusEnded
	s.state.EndedAt = time.Now()
	s.state.EndedReason = reason

	s.saveMirrorLocked()
	s.scheduleClearLocked(reason)
}

func (s *Session) saveMirrorLocked() {
	if s.cfg.Store == nil || s.state == nil {
		return
	}
	m := Mirror{Call: s.state.clone(), Minimized: s.minimized, Muted: s.state.Muted}
	if err := s.cfg.Store.Save(m); err != nil {
		logging.Warn().Err(err).Msg("mirror save failed")
	}
}

func (s *Session) scheduleClearLocked(reason string) {
	delay := s.cfg.EndedClearShort
	if reason == protocol.ReasonDeclined || reason == protocol.ReasonCancelled {
		delay = s.cfg.EndedClearLong
	}

	callID := s.state.ID
	s.clearTimer = time.AfterFunc(delay, func() {
		s.clearEnded(callID)
	})
}

func (s *Session) clearEnded(callID string) {
	s.mu.Lock()
	if s.state == nil || s.state.ID != callID || s.state.Status != StatusEnded {
		s.mu.Unlock()
		return
	}
	s.state = nil
	if s.cfg.Store != nil {
		if err := s.cfg.Store.Clear(); err != nil {
			logging.Warn().Err(err).Msg("mirror clear failed")
		}
	}
	s.mu.Unlock()
	s.emit()
}

func (s *Session) stopNoAnswerLocked() {
	if s.noAnswerTimer != nil {
		s.noAnswerTimer.Stop()
		s.noAnswerTimer = nil
	}
}

// candidateSender forwards locally gathered candidates to the counterpart.
// Runs off the session lock; the peer may call it from any goroutine.
func (s *Session) candidateSender(to string) func(any) {
	return func(candidate any) {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.SignalTimeout)
		defer cancel()
		if err := s.cfg.Signaler.SendCandidate(ctx, CandidateSignal{
			To:        to,
			Candidate: candidate,
			From:      s.cfg.SelfID,
		}); err != nil {
			logging.Warn().Err(err).Msg("candidate send failed")
		}
	}
}

// sendEndAsync fires an end signal without blocking the state transition.
func (s *Session) sendEndAsync(to, reason string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.SignalTimeout)
		defer cancel()
		if err := s.cfg.Signaler.SendEnd(ctx, EndSignal{
			To:     to,
			From:   s.cfg.SelfID,
			Reason: reason,
		}); err != nil {
			logging.Warn().Err(err).Msg("end signal failed")
		}
	}()
}

// Rehydrate restores state from the persisted mirror, as after a reload or
// in a sibling instance. No peer connection or media is resurrected; an
// ended mirror re-enters the normal clear path.
func (s *Session) Rehydrate() *State {
	if s.cfg.Store == nil {
		return nil
	}
	m, ok, err := s.cfg.Store.Load()
	if err != nil {
		logging.Warn().Err(err).Msg("mirror load failed")
		return nil
	}
	if !ok || m.Call == nil {
		return nil
	}

	s.mu.Lock()
	if s.state != nil {
		s.mu.Unlock()
		return s.State()
	}
	s.state = m.Call.clone()
	s.minimized = m.Minimized
	if m.Call.Status == StatusEnded {
		s.scheduleClearLocked(m.Call.EndedReason)
	}
	s.mu.Unlock()

	s.emit()
	return s.State()
}

// Bind subscribes the session to the adapter's webrtc-* events. Call Close
// to release the subscriptions.
func (s *Session) Bind(adapter *client.Adapter) {
	offerSub := adapter.On(protocol.EventOffer, func(e protocol.Event) {
		from, _ := e.Data["from"].(string)
		fromName, _ := e.Data["fromName"].(string)
		fromAvatar, _ := e.Data["fromAvatar"].(string)
		callType, _ := e.Data["callType"].(string)
		if from == "" {
			logging.Warn().Msg("offer without sender, dropped")
			return
		}
		s.HandleOffer(context.Background(), from, fromName, fromAvatar, callType, e.Data["sdp"])
	})
	answerSub := adapter.On(protocol.EventAnswer, func(e protocol.Event) {
		s.HandleAnswer(context.Background(), e.Data["sdp"])
	})
	candidateSub := adapter.On(protocol.EventCandidate, func(e protocol.Event) {
		s.HandleCandidate(context.Background(), e.Data["candidate"])
	})
	endSub := adapter.On(protocol.EventCallEnd, func(e protocol.Event) {
		reason, _ := e.Data["reason"].(string)
		s.HandleEnd(reason)
	})

	s.mu.Lock()
	s.subs = append(s.subs, offerSub, answerSub, candidateSub, endSub)
	s.mu.Unlock()
}

// Close tears the session down, ending any active call first. No media
// handle survives it.
func (s *Session) Close() {
	s.mu.Lock()
	subs := s.subs
	s.subs = nil

	if s.state != nil && s.state.Status != StatusEnded {
		reason := protocol.ReasonCancelled
		if !s.state.ConnectedAt.IsZero() {
			reason = protocol.ReasonEnded
		}
		peerID := s.state.PeerID
		s.sendEndAsync(peerID, reason)
		s.terminateLocked(reason)
	}
	if s.clearTimer != nil {
		s.clearTimer.Stop()
		s.clearTimer = nil
	}
	s.state = nil
	s.mu.Unlock()

	for _, sub := range subs {
		sub.Off()
	}
	if s.cfg.Store != nil {
		_ = s.cfg.Store.Clear()
	}
}
