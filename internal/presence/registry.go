// Package presence tracks which identities are currently connected and on
// which channels. It is the single source of truth for "who is online".
package presence

import (
	"log/slog"
	"sync"
	"time"

	"github.com/pairlink/pairlink/internal/metrics"
	"github.com/pairlink/pairlink/internal/protocol"
)

// Channel is one direction-agnostic handle onto a client connection. Send is
// safe for concurrent use and must fail (not block indefinitely) once the
// underlying connection is closing; Close is idempotent.
type Channel interface {
	Send(v any) error
	Close() error
}

// Entry is the registry's record for one online identity. Both channels are
// registered together; the entry exists only while both are open.
type Entry struct {
	Identity    string
	Chat        Channel
	Signal      Channel
	ConnectedAt time.Time
}

type Registry struct {
	log     *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	// bcastMu is held from list snapshot through delivery, so every client
	// observes presence broadcasts in registration order and the last frame
	// each client holds matches the registry.
	bcastMu sync.Mutex

	mu      sync.Mutex
	entries map[string]*Entry
	// order holds identities in registration order; a replacing registration
	// moves the identity to the end.
	order []string
}

func NewRegistry(logger *slog.Logger, m *metrics.Metrics) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		log:     logger,
		metrics: m,
		now:     time.Now,
		entries: make(map[string]*Entry),
	}
}

// Register inserts or replaces the entry for identity and broadcasts the
// updated online list to every registered client. Replacing closes the prior
// entry's channels, so a reconnect never leaves two live entries.
func (r *Registry) Register(identity string, chat, signal Channel) {
	r.bcastMu.Lock()
	defer r.bcastMu.Unlock()

	r.mu.Lock()
	prior := r.entries[identity]
	if prior != nil {
		r.removeLocked(identity)
	}
	r.entries[identity] = &Entry{
		Identity:    identity,
		Chat:        chat,
		Signal:      signal,
		ConnectedAt: r.now(),
	}
	r.order = append(r.order, identity)
	targets, online := r.chatChannelsLocked()
	r.mu.Unlock()

	if prior != nil {
		closeEntry(prior)
		r.metrics.Inc(metrics.PresenceReplaced)
	}
	r.metrics.Inc(metrics.PresenceRegistered)
	r.log.Info("presence registered", "identity", identity, "online", len(online))

	broadcast(targets, online)
}

// Unregister removes identity's entry and broadcasts. It is idempotent; the
// caller invokes it when either of the client's channels closes. The removed
// entry's channels are closed here, so a half-open pair is torn down fully.
func (r *Registry) Unregister(identity string) {
	r.bcastMu.Lock()
	defer r.bcastMu.Unlock()

	r.mu.Lock()
	entry := r.entries[identity]
	if entry == nil {
		r.mu.Unlock()
		return
	}
	r.removeLocked(identity)
	targets, online := r.chatChannelsLocked()
	r.mu.Unlock()

	closeEntry(entry)
	r.metrics.Inc(metrics.PresenceUnregistered)
	r.log.Info("presence unregistered", "identity", identity, "online", len(online))

	broadcast(targets, online)
}

// Lookup returns the live entry for identity, if any. The returned entry's
// channels serialize their own writes, so the caller may Send without holding
// any registry lock.
func (r *Registry) Lookup(identity string) (*Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[identity]
	return e, ok
}

// Online returns the currently registered identities in registration order.
func (r *Registry) Online() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.order...)
}

func (r *Registry) removeLocked(identity string) {
	delete(r.entries, identity)
	for i, id := range r.order {
		if id == identity {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

// chatChannelsLocked snapshots the chat channels and the online list so the
// broadcast itself happens outside the registry lock.
func (r *Registry) chatChannelsLocked() ([]Channel, []string) {
	targets := make([]Channel, 0, len(r.order))
	online := append([]string(nil), r.order...)
	for _, id := range r.order {
		targets = append(targets, r.entries[id].Chat)
	}
	return targets, online
}

func broadcast(targets []Channel, online []string) {
	frame := protocol.ChatFrame{Type: protocol.ChatFramePresence, Users: online}
	for _, ch := range targets {
		// A failed send means that client is going away; its own read loop
		// will unregister it.
		_ = ch.Send(frame)
	}
}

func closeEntry(e *Entry) {
	_ = e.Chat.Close()
	_ = e.Signal.Close()
}
