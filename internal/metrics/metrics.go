package metrics

import "sync"

// Event counter names. Kept as plain strings so new call sites don't need a
// registry change.
const (
	AuthFailure          = "auth_failure"
	RateLimited          = "rate_limited"
	PresenceRegistered   = "presence_registered"
	PresenceReplaced     = "presence_replaced"
	PresenceUnregistered = "presence_unregistered"
	ChatDelivered        = "chat_delivered"
	ChatRecipientOffline = "chat_recipient_offline"
	SignalForwarded      = "signal_forwarded"
	SignalUnreachable    = "signal_target_unreachable"
	BacklogStored        = "backlog_stored"
	BacklogDropped       = "backlog_dropped"
	BacklogFlushed       = "backlog_flushed"
	BadMessage           = "bad_message"
)

// Metrics is a minimal, concurrency-safe counter registry.
//
// It exists to keep routing and enforcement logic observable and testable
// without pulling a full metrics backend into every package; the Prometheus
// handler in prometheus.go exposes it for scraping.
type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	return &Metrics{m: make(map[string]uint64)}
}

func (m *Metrics) Inc(name string) {
	m.Add(name, 1)
}

func (m *Metrics) Add(name string, delta uint64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	if m.m == nil {
		m.m = make(map[string]uint64)
	}
	m.m[name] += delta
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

// Snapshot returns a copy of all counters.
func (m *Metrics) Snapshot() map[string]uint64 {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		out[k] = v
	}
	return out
}
