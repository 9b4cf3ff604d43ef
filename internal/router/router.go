// Package router delivers chat frames and signaling envelopes to the
// recipient identity's open channel, or reports the recipient unreachable.
//
// Delivery is at-most-once and best-effort: the router never queues and never
// retries. FIFO per directed pair falls out of each channel serializing its
// writes and every send for a pair happening on the sender's read loop.
package router

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/pairlink/pairlink/internal/metrics"
	"github.com/pairlink/pairlink/internal/presence"
	"github.com/pairlink/pairlink/internal/protocol"
)

var (
	ErrRecipientOffline  = errors.New("recipient offline")
	ErrTargetUnreachable = errors.New("target unreachable")
)

type Router struct {
	reg     *presence.Registry
	metrics *metrics.Metrics
	log     *slog.Logger
}

func New(reg *presence.Registry, m *metrics.Metrics, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{reg: reg, metrics: m, log: logger}
}

// RouteChat delivers a chat frame to the recipient's chat channel.
func (r *Router) RouteChat(frame protocol.ChatFrame) error {
	entry, ok := r.reg.Lookup(frame.RecipientID)
	if !ok {
		r.metrics.Inc(metrics.ChatRecipientOffline)
		return fmt.Errorf("%w: %s", ErrRecipientOffline, frame.RecipientID)
	}
	if err := entry.Chat.Send(frame); err != nil {
		// The recipient's connection is tearing down concurrently; from the
		// sender's point of view that is the same as offline.
		r.metrics.Inc(metrics.ChatRecipientOffline)
		return fmt.Errorf("%w: %s: %v", ErrRecipientOffline, frame.RecipientID, err)
	}
	r.metrics.Inc(metrics.ChatDelivered)
	r.log.Debug("chat delivered", "from", frame.SenderID, "to", frame.RecipientID, "message_id", frame.MessageID)
	return nil
}

// RouteSignal forwards a signaling envelope verbatim to the target's
// signaling channel.
func (r *Router) RouteSignal(env protocol.Envelope) error {
	entry, ok := r.reg.Lookup(env.TargetID)
	if !ok {
		r.metrics.Inc(metrics.SignalUnreachable)
		return fmt.Errorf("%w: %s", ErrTargetUnreachable, env.TargetID)
	}
	if err := entry.Signal.Send(env); err != nil {
		r.metrics.Inc(metrics.SignalUnreachable)
		return fmt.Errorf("%w: %s: %v", ErrTargetUnreachable, env.TargetID, err)
	}
	r.metrics.Inc(metrics.SignalForwarded)
	r.log.Debug("signal forwarded", "kind", env.Kind, "from", env.SenderID, "to", env.TargetID)
	return nil
}
