package relay

import (
	"sync"

	"github.com/pairlink/pairlink/internal/metrics"
	"github.com/pairlink/pairlink/internal/presence"
	"github.com/pairlink/pairlink/internal/protocol"
)

// Backlog is the best-effort buffer for chat messages whose recipient was
// offline. It is bounded per recipient (oldest dropped first), in-memory
// only, and flushed on the recipient's next registration.
//
// This does not change the router's at-most-once contract: the sender is
// still told the send failed. A flushed copy plus a sender retry is absorbed
// by receiver-side messageId deduplication.
type Backlog struct {
	perUser int
	metrics *metrics.Metrics

	mu sync.Mutex
	m  map[string][]protocol.ChatFrame
}

func NewBacklog(perUser int, m *metrics.Metrics) *Backlog {
	return &Backlog{
		perUser: perUser,
		metrics: m,
		m:       make(map[string][]protocol.ChatFrame),
	}
}

// Store buffers an undeliverable chat frame for its recipient.
func (b *Backlog) Store(frame protocol.ChatFrame) {
	if b == nil || b.perUser <= 0 {
		return
	}
	b.mu.Lock()
	q := b.m[frame.RecipientID]
	if len(q) >= b.perUser {
		drop := len(q) - b.perUser + 1
		q = append(q[:0], q[drop:]...)
		b.metrics.Add(metrics.BacklogDropped, uint64(drop))
	}
	b.m[frame.RecipientID] = append(q, frame)
	b.mu.Unlock()
	b.metrics.Inc(metrics.BacklogStored)
}

// FlushTo drains identity's buffered frames onto ch in stored order.
func (b *Backlog) FlushTo(identity string, ch presence.Channel) {
	if b == nil {
		return
	}
	b.mu.Lock()
	q := b.m[identity]
	delete(b.m, identity)
	b.mu.Unlock()

	for _, frame := range q {
		if err := ch.Send(frame); err != nil {
			return
		}
		b.metrics.Inc(metrics.BacklogFlushed)
	}
}

func (b *Backlog) pendingCount(identity string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.m[identity])
}
