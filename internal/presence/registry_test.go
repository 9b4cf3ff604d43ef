package presence

import (
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/pairlink/pairlink/internal/metrics"
	"github.com/pairlink/pairlink/internal/protocol"
)

type fakeChannel struct {
	mu     sync.Mutex
	frames []any
	closed bool
}

func (c *fakeChannel) Send(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, v)
	return nil
}

func (c *fakeChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeChannel) lastPresence(t *testing.T) []string {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.frames) - 1; i >= 0; i-- {
		if f, ok := c.frames[i].(protocol.ChatFrame); ok && f.Type == protocol.ChatFramePresence {
			return f.Users
		}
	}
	t.Fatal("no presence frame received")
	return nil
}

func (c *fakeChannel) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func register(r *Registry, id string) (chat, signal *fakeChannel) {
	chat, signal = &fakeChannel{}, &fakeChannel{}
	r.Register(id, chat, signal)
	return chat, signal
}

func TestRegisterBroadcastsToEveryone(t *testing.T) {
	r := NewRegistry(nil, metrics.New())

	aliceChat, _ := register(r, "alice")
	bobChat, _ := register(r, "bob")

	want := []string{"alice", "bob"}
	if got := r.Online(); !reflect.DeepEqual(got, want) {
		t.Fatalf("Online() = %v, want %v", got, want)
	}
	if got := aliceChat.lastPresence(t); !reflect.DeepEqual(got, want) {
		t.Fatalf("alice presence = %v, want %v", got, want)
	}
	if got := bobChat.lastPresence(t); !reflect.DeepEqual(got, want) {
		t.Fatalf("bob presence = %v, want %v", got, want)
	}
}

func TestReconnectReplacesEntry(t *testing.T) {
	r := NewRegistry(nil, metrics.New())

	oldChat, oldSignal := register(r, "alice")
	register(r, "bob")
	newChat, _ := register(r, "alice")

	if !oldChat.isClosed() || !oldSignal.isClosed() {
		t.Fatal("replaced entry's channels must be closed")
	}

	// Exactly one entry for alice, moved to the end of the order.
	want := []string{"bob", "alice"}
	if got := r.Online(); !reflect.DeepEqual(got, want) {
		t.Fatalf("Online() = %v, want %v", got, want)
	}

	e, ok := r.Lookup("alice")
	if !ok || e.Chat != Channel(newChat) {
		t.Fatal("Lookup must return the replacing entry")
	}
}

func TestUnregisterIdempotent(t *testing.T) {
	m := metrics.New()
	r := NewRegistry(nil, m)

	chat, signal := register(r, "alice")
	bobChat, _ := register(r, "bob")

	r.Unregister("alice")
	r.Unregister("alice") // no-op

	if !chat.isClosed() || !signal.isClosed() {
		t.Fatal("unregister must close both channels")
	}
	if got := m.Get(metrics.PresenceUnregistered); got != 1 {
		t.Fatalf("unregistered count = %d, want 1", got)
	}
	if got := bobChat.lastPresence(t); !reflect.DeepEqual(got, []string{"bob"}) {
		t.Fatalf("bob presence after alice left = %v", got)
	}
	if _, ok := r.Lookup("alice"); ok {
		t.Fatal("alice must be gone")
	}
}

// stallChannel delays one specific presence frame so a racing registration
// gets a chance to broadcast first.
type stallChannel struct {
	fakeChannel
	once    sync.Once
	stalled chan struct{}
	match   func(users []string) bool
}

func (c *stallChannel) Send(v any) error {
	if f, ok := v.(protocol.ChatFrame); ok && f.Type == protocol.ChatFramePresence && c.match(f.Users) {
		c.once.Do(func() {
			close(c.stalled)
			time.Sleep(50 * time.Millisecond)
		})
	}
	return c.fakeChannel.Send(v)
}

func TestConcurrentRegistersBroadcastInOrder(t *testing.T) {
	r := NewRegistry(nil, metrics.New())

	carolChat := &stallChannel{
		stalled: make(chan struct{}),
		match: func(users []string) bool {
			return len(users) == 2 && users[1] == "alice"
		},
	}
	r.Register("carol", carolChat, &fakeChannel{})

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		r.Register("alice", &fakeChannel{}, &fakeChannel{})
	}()
	// Start bob only once alice's broadcast is in flight, so an unordered
	// delivery would leave carol with a final list missing bob.
	<-carolChat.stalled
	go func() {
		defer wg.Done()
		r.Register("bob", &fakeChannel{}, &fakeChannel{})
	}()
	wg.Wait()

	want := r.Online()
	if got := carolChat.lastPresence(t); !reflect.DeepEqual(got, want) {
		t.Fatalf("carol's final presence = %v, want %v", got, want)
	}
}

func TestUnregisterUnknownIsNoop(t *testing.T) {
	r := NewRegistry(nil, metrics.New())
	r.Unregister("ghost")
	if got := r.Online(); len(got) != 0 {
		t.Fatalf("Online() = %v", got)
	}
}
