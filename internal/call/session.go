package call

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pairlink/pairlink/internal/protocol"
)

// Sender puts a signaling envelope on the wire. The client's signaling socket
// implements it.
type Sender interface {
	SendEnvelope(env protocol.Envelope) error
}

// Events are the application-facing callbacks for call progress. Any field
// may be nil. Callbacks run on session goroutines and must not call back into
// the Coordinator synchronously. OnCallState events for a session are
// delivered one at a time, in the order the states were reached.
type Events struct {
	OnCallState   func(remoteID string, state State, err error)
	OnLocalMedia  func(remoteID string, media LocalMedia)
	OnRemoteMedia func(remoteID string, media RemoteMedia)
}

// Session drives one negotiation with one remote peer from start to Closed.
// It owns the local media and the peer transport for that call; the
// Coordinator owns the Session.
//
// ICE candidates that arrive before the remote description is applied are
// queued and flushed exactly once, in arrival order, when it is.
type Session struct {
	localID  string
	remoteID string
	outgoing bool
	send     Sender
	events   Events
	log      *slog.Logger

	mu            sync.Mutex
	state         State
	peer          Peer
	media         LocalMedia
	remoteDescSet bool
	pendingICE    []protocol.Candidate
	timer         *time.Timer
	closeErr      error
	// eventQ holds OnCallState events in commit order; whichever goroutine
	// finds emitting unset drains it, so Closed is always observed last.
	eventQ   []stateEvent
	emitting bool
}

type stateEvent struct {
	state State
	err   error
}

func newSession(localID, remoteID string, outgoing bool, send Sender, events Events, log *slog.Logger) *Session {
	return &Session{
		localID:  localID,
		remoteID: remoteID,
		outgoing: outgoing,
		send:     send,
		events:   events,
		log:      log,
	}
}

func (s *Session) RemoteID() string { return s.remoteID }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// startOutgoing runs the caller side: acquire media, build the transport,
// send the offer. Any failure closes the session with the cause.
func (s *Session) startOutgoing(ctx context.Context, source MediaSource, peers PeerFactory, timeout time.Duration) {
	s.startTimer(timeout)
	if !s.transition(LocalMediaPending) {
		return
	}

	peer, ok := s.setup(ctx, source, peers)
	if !ok {
		return
	}

	offer, err := peer.CreateOffer(ctx)
	if err != nil {
		s.Close(fmt.Errorf("create offer: %w", err))
		return
	}
	if !s.sendSDP(protocol.KindOffer, offer) {
		return
	}
	s.transition(OfferSent)
}

// startIncoming runs the callee side against a received offer.
func (s *Session) startIncoming(ctx context.Context, offer protocol.SDP, source MediaSource, peers PeerFactory, timeout time.Duration) {
	s.startTimer(timeout)
	if !s.transition(LocalMediaPending) {
		return
	}

	peer, ok := s.setup(ctx, source, peers)
	if !ok {
		return
	}

	if err := peer.SetRemoteDescription(offer); err != nil {
		s.Close(fmt.Errorf("apply remote offer: %w", err))
		return
	}
	s.flushPendingCandidates(peer)
	if !s.transition(OfferReceived) {
		return
	}

	answer, err := peer.CreateAnswer(ctx)
	if err != nil {
		s.Close(fmt.Errorf("create answer: %w", err))
		return
	}
	if !s.sendSDP(protocol.KindAnswer, answer) {
		return
	}
	s.transition(AnswerExchanged)
}

// setup acquires local media and builds the peer transport. It returns the
// peer, or false after closing the session on failure.
func (s *Session) setup(ctx context.Context, source MediaSource, peers PeerFactory) (Peer, bool) {
	media, err := source.Acquire(ctx)
	if err != nil {
		s.Close(fmt.Errorf("%w: %v", ErrMediaAcquisition, err))
		return nil, false
	}

	s.mu.Lock()
	if s.state == Closed {
		s.mu.Unlock()
		media.Release()
		return nil, false
	}
	s.media = media
	s.mu.Unlock()

	if f := s.events.OnLocalMedia; f != nil {
		f(s.remoteID, media)
	}

	peer, err := peers(s.peerEvents())
	if err != nil {
		s.Close(fmt.Errorf("build peer transport: %w", err))
		return nil, false
	}

	s.mu.Lock()
	if s.state == Closed {
		s.mu.Unlock()
		_ = peer.Close()
		return nil, false
	}
	s.peer = peer
	s.mu.Unlock()

	if err := peer.AddLocalMedia(media); err != nil {
		s.Close(fmt.Errorf("attach local media: %w", err))
		return nil, false
	}
	return peer, true
}

func (s *Session) peerEvents() PeerEvents {
	return PeerEvents{
		OnCandidate: func(c protocol.Candidate) {
			payload, err := protocol.MarshalCandidate(c)
			if err != nil {
				return
			}
			_ = s.send.SendEnvelope(protocol.Envelope{
				Kind:     protocol.KindICE,
				Payload:  payload,
				SenderID: s.localID,
				TargetID: s.remoteID,
			})
		},
		OnConnected: func() {
			s.mu.Lock()
			if s.state == Closed || s.state == Connected {
				s.mu.Unlock()
				return
			}
			s.state = Connected
			s.stopTimerLocked()
			s.enqueueStateLocked(Connected, nil)
			s.mu.Unlock()
			s.drainEvents()
		},
		OnRemoteMedia: func(media RemoteMedia) {
			if f := s.events.OnRemoteMedia; f != nil {
				f(s.remoteID, media)
			}
		},
		OnFailed: func(err error) {
			s.Close(fmt.Errorf("%w: %v", ErrTransportFailed, err))
		},
	}
}

// handleAnswer applies the remote answer. Valid only while an offer is
// outstanding; anything else is a stray and is ignored.
func (s *Session) handleAnswer(sdp protocol.SDP) {
	s.mu.Lock()
	if s.state != OfferSent {
		s.mu.Unlock()
		s.log.Debug("ignoring answer in state", "remote", s.remoteID, "state", s.state)
		return
	}
	peer := s.peer
	s.mu.Unlock()

	if err := peer.SetRemoteDescription(sdp); err != nil {
		s.Close(fmt.Errorf("apply remote answer: %w", err))
		return
	}
	s.flushPendingCandidates(peer)
	s.transition(AnswerExchanged)
}

// handleCandidate applies a trickled remote candidate, queueing it if the
// remote description is not in place yet.
func (s *Session) handleCandidate(c protocol.Candidate) {
	s.mu.Lock()
	if s.state == Closed {
		s.mu.Unlock()
		return
	}
	if s.peer == nil || !s.remoteDescSet {
		s.pendingICE = append(s.pendingICE, c)
		s.mu.Unlock()
		return
	}
	peer := s.peer
	s.mu.Unlock()

	if err := peer.AddICECandidate(c); err != nil {
		s.log.Warn("add ice candidate", "remote", s.remoteID, "err", err)
	}
}

// flushPendingCandidates marks the remote description applied and drains the
// queue in arrival order. Runs at most once per session.
func (s *Session) flushPendingCandidates(peer Peer) {
	s.mu.Lock()
	s.remoteDescSet = true
	queued := s.pendingICE
	s.pendingICE = nil
	s.mu.Unlock()

	for _, c := range queued {
		if err := peer.AddICECandidate(c); err != nil {
			s.log.Warn("add queued ice candidate", "remote", s.remoteID, "err", err)
		}
	}
}

// Hangup sends a bye to the remote peer and closes the session.
func (s *Session) Hangup() {
	s.mu.Lock()
	closed := s.state == Closed
	s.mu.Unlock()
	if closed {
		return
	}
	_ = s.send.SendEnvelope(protocol.Envelope{
		Kind:     protocol.KindBye,
		SenderID: s.localID,
		TargetID: s.remoteID,
	})
	s.Close(nil)
}

// Close moves the session to the terminal state, releasing the transport and
// local media. Idempotent; only the first call's err is reported.
func (s *Session) Close(err error) {
	s.mu.Lock()
	if s.state == Closed {
		s.mu.Unlock()
		return
	}
	s.state = Closed
	s.closeErr = err
	peer := s.peer
	media := s.media
	s.stopTimerLocked()
	s.enqueueStateLocked(Closed, err)
	s.mu.Unlock()

	if peer != nil {
		_ = peer.Close()
	}
	if media != nil {
		media.Release()
	}
	if err != nil {
		s.log.Info("call closed", "remote", s.remoteID, "err", err)
	} else {
		s.log.Info("call closed", "remote", s.remoteID)
	}
	s.drainEvents()
}

// transition advances to st. States only move forward, so a stale transition
// (the transport connecting before handshake bookkeeping finishes) is a no-op.
func (s *Session) transition(st State) bool {
	s.mu.Lock()
	if s.state == Closed || st <= s.state {
		s.mu.Unlock()
		return false
	}
	s.state = st
	s.enqueueStateLocked(st, nil)
	s.mu.Unlock()
	s.drainEvents()
	return true
}

// enqueueStateLocked records a state event while the state change itself is
// still under s.mu, so events can never commit out of order.
func (s *Session) enqueueStateLocked(st State, err error) {
	if s.events.OnCallState == nil {
		return
	}
	s.eventQ = append(s.eventQ, stateEvent{state: st, err: err})
}

// drainEvents delivers queued state events. A single goroutine drains at a
// time; reentrant calls from inside a callback return immediately and the
// event they queued is delivered by the active drainer.
func (s *Session) drainEvents() {
	s.mu.Lock()
	if s.emitting {
		s.mu.Unlock()
		return
	}
	s.emitting = true
	for len(s.eventQ) > 0 {
		ev := s.eventQ[0]
		s.eventQ = s.eventQ[1:]
		s.mu.Unlock()
		s.events.OnCallState(s.remoteID, ev.state, ev.err)
		s.mu.Lock()
	}
	s.emitting = false
	s.mu.Unlock()
}

func (s *Session) sendSDP(kind protocol.SignalKind, sdp protocol.SDP) bool {
	payload, err := protocol.MarshalSDP(sdp)
	if err != nil {
		s.Close(fmt.Errorf("encode %s: %w", kind, err))
		return false
	}
	err = s.send.SendEnvelope(protocol.Envelope{
		Kind:     kind,
		Payload:  payload,
		SenderID: s.localID,
		TargetID: s.remoteID,
	})
	if err != nil {
		s.Close(fmt.Errorf("send %s: %w", kind, err))
		return false
	}
	return true
}

func (s *Session) startTimer(timeout time.Duration) {
	if timeout <= 0 {
		return
	}
	s.mu.Lock()
	if s.state != Idle {
		s.mu.Unlock()
		return
	}
	s.timer = time.AfterFunc(timeout, func() {
		s.Close(ErrNegotiationTimeout)
	})
	s.mu.Unlock()
}

func (s *Session) stopTimerLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}
