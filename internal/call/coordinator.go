// Package call holds the client-side calling machinery: per-peer negotiation
// sessions and the coordinator that owns them. The relay only ever sees the
// opaque signaling envelopes these produce.
package call

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/pairlink/pairlink/internal/protocol"
)

// DefaultNegotiationTimeout bounds the whole handshake, media acquisition
// included.
const DefaultNegotiationTimeout = 30 * time.Second

// CoordinatorConfig wires a Coordinator's dependencies.
type CoordinatorConfig struct {
	LocalID string
	Source  MediaSource
	Peers   PeerFactory
	Send    Sender
	Events  Events
	Logger  *slog.Logger

	// NegotiationTimeout defaults to DefaultNegotiationTimeout when zero.
	NegotiationTimeout time.Duration
}

// Coordinator owns every call session of one client, keyed by remote
// identity. Concurrent calls with distinct peers are independent; a second
// call attempt with the same peer is rejected while a session for that peer
// is live.
type Coordinator struct {
	localID string
	source  MediaSource
	peers   PeerFactory
	send    Sender
	events  Events
	log     *slog.Logger
	timeout time.Duration

	mu       sync.Mutex
	sessions map[string]*Session
}

func NewCoordinator(cc CoordinatorConfig) *Coordinator {
	logger := cc.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cc.NegotiationTimeout
	if timeout == 0 {
		timeout = DefaultNegotiationTimeout
	}
	return &Coordinator{
		localID:  cc.LocalID,
		source:   cc.Source,
		peers:    cc.Peers,
		send:     cc.Send,
		events:   cc.Events,
		log:      logger,
		timeout:  timeout,
		sessions: make(map[string]*Session),
	}
}

// Initiate starts an outgoing call to remoteID. The handshake runs
// asynchronously; progress is reported through Events.
func (c *Coordinator) Initiate(ctx context.Context, remoteID string) error {
	s, err := c.adopt(remoteID, true)
	if err != nil {
		return err
	}
	c.log.Info("initiating call", "remote", remoteID)
	go s.startOutgoing(ctx, c.source, c.peers, c.timeout)
	return nil
}

// Hangup ends the call with remoteID, if one exists.
func (c *Coordinator) Hangup(remoteID string) {
	if s := c.lookup(remoteID); s != nil {
		s.Hangup()
	}
}

// SessionState reports the state of the call with remoteID; Idle if none.
func (c *Coordinator) SessionState(remoteID string) State {
	if s := c.lookup(remoteID); s != nil {
		return s.State()
	}
	return Idle
}

// HandleEnvelope dispatches one received signaling envelope. Unroutable
// envelopes (strays for unknown sessions) are dropped.
func (c *Coordinator) HandleEnvelope(ctx context.Context, env protocol.Envelope) {
	switch env.Kind {
	case protocol.KindOffer:
		c.handleOffer(ctx, env)
	case protocol.KindAnswer:
		sdp, err := protocol.UnmarshalSDP(env.Payload)
		if err != nil {
			c.log.Warn("bad answer payload", "from", env.SenderID, "err", err)
			return
		}
		if s := c.lookup(env.SenderID); s != nil {
			s.handleAnswer(sdp)
		}
	case protocol.KindICE:
		cand, err := protocol.UnmarshalCandidate(env.Payload)
		if err != nil {
			c.log.Warn("bad candidate payload", "from", env.SenderID, "err", err)
			return
		}
		if s := c.lookup(env.SenderID); s != nil {
			s.handleCandidate(cand)
		}
	case protocol.KindBye:
		if s := c.lookup(env.SenderID); s != nil {
			c.byeReason(s)
		}
	case protocol.KindError:
		c.handleRouteError(env)
	default:
		c.log.Warn("unknown envelope kind", "kind", env.Kind)
	}
}

func (c *Coordinator) handleOffer(ctx context.Context, env protocol.Envelope) {
	offer, err := protocol.UnmarshalSDP(env.Payload)
	if err != nil {
		c.log.Warn("bad offer payload", "from", env.SenderID, "err", err)
		return
	}

	s, err := c.adopt(env.SenderID, false)
	if err != nil {
		// Busy with this peer already: decline so the caller does not hang
		// until its timeout.
		c.log.Info("declining offer", "from", env.SenderID, "err", err)
		_ = c.send.SendEnvelope(protocol.Envelope{
			Kind:     protocol.KindBye,
			SenderID: c.localID,
			TargetID: env.SenderID,
		})
		return
	}
	c.log.Info("incoming call", "remote", env.SenderID)
	go s.startIncoming(ctx, offer, c.source, c.peers, c.timeout)
}

// handleRouteError reacts to the relay reporting an envelope undeliverable.
// The session with that target cannot complete its handshake.
func (c *Coordinator) handleRouteError(env protocol.Envelope) {
	if env.TargetID == "" {
		return
	}
	if s := c.lookup(env.TargetID); s != nil {
		s.Close(ErrSignalingFailed)
	}
}

// HandlePresence closes sessions whose remote peer is no longer online. The
// client feeds every presence broadcast through here.
func (c *Coordinator) HandlePresence(online []string) {
	present := make(map[string]bool, len(online))
	for _, id := range online {
		present[id] = true
	}

	c.mu.Lock()
	var departed []*Session
	for remote, s := range c.sessions {
		if !present[remote] {
			departed = append(departed, s)
		}
	}
	c.mu.Unlock()

	for _, s := range departed {
		s.Close(ErrPeerDeparted)
	}
}

// CloseAll hangs up every live session. Used on client shutdown.
func (c *Coordinator) CloseAll() {
	c.mu.Lock()
	live := make([]*Session, 0, len(c.sessions))
	for _, s := range c.sessions {
		live = append(live, s)
	}
	c.mu.Unlock()

	for _, s := range live {
		s.Hangup()
	}
}

// byeReason closes a session torn down by the remote peer. A bye before any
// answer means the callee declined.
func (c *Coordinator) byeReason(s *Session) {
	if s.State() == OfferSent {
		s.Close(ErrPeerBusy)
		return
	}
	s.Close(nil)
}

// adopt installs a fresh session for remoteID, replacing a closed leftover.
// It fails with ErrCallAlreadyActive while a live session exists.
func (c *Coordinator) adopt(remoteID string, outgoing bool) (*Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if prior, ok := c.sessions[remoteID]; ok && prior.State() != Closed {
		return nil, ErrCallAlreadyActive
	}
	s := newSession(c.localID, remoteID, outgoing, c.send, c.events, c.log)
	c.sessions[remoteID] = s
	return s, nil
}

func (c *Coordinator) lookup(remoteID string) *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessions[remoteID]
}
