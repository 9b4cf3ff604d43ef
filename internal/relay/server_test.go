package relay

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/pairlink/pairlink/internal/auth"
	"github.com/pairlink/pairlink/internal/config"
	"github.com/pairlink/pairlink/internal/metrics"
	"github.com/pairlink/pairlink/internal/protocol"
)

const testRecvTimeout = 3 * time.Second

func testConfig() config.Config {
	return config.Config{
		MaxMessageBytes:      config.DefaultMaxMessageBytes,
		MaxMessagesPerSecond: 1000,
		WSIdleTimeout:        10 * time.Second,
		WSPingInterval:       0,
		BacklogPerUser:       4,
	}
}

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	users, err := auth.NewStore(map[string]string{"alice": "pw-a", "bob": "pw-b"})
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	s, err := NewServer(Config{
		Cfg:     testConfig(),
		Metrics: metrics.New(),
		Users:   users,
		Tokens:  auth.NewTokenIssuer("test-secret", time.Hour),
	})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		s.Close()
		ts.Close()
	})
	return s, ts
}

func login(t *testing.T, ts *httptest.Server, username, password string) string {
	t.Helper()
	body, _ := json.Marshal(map[string]string{"username": username, "password": password})
	resp, err := http.Post(ts.URL+"/login", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST /login: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login status = %d, want 200", resp.StatusCode)
	}
	var out struct {
		Identity string `json:"identity"`
		Token    string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode login response: %v", err)
	}
	if out.Identity != username {
		t.Fatalf("identity = %q, want %q", out.Identity, username)
	}
	return out.Token
}

// testClient holds both sockets of one connected identity.
type testClient struct {
	t      *testing.T
	chat   *websocket.Conn
	signal *websocket.Conn
}

func connect(t *testing.T, ts *httptest.Server, token string) *testClient {
	t.Helper()
	wsBase := "ws" + strings.TrimPrefix(ts.URL, "http")
	chat, _, err := websocket.DefaultDialer.Dial(wsBase+"/ws/chat?token="+token, nil)
	if err != nil {
		t.Fatalf("dial chat: %v", err)
	}
	signal, _, err := websocket.DefaultDialer.Dial(wsBase+"/ws/signaling?token="+token, nil)
	if err != nil {
		t.Fatalf("dial signaling: %v", err)
	}
	c := &testClient{t: t, chat: chat, signal: signal}
	t.Cleanup(c.close)
	return c
}

func (c *testClient) close() {
	_ = c.chat.Close()
	_ = c.signal.Close()
}

func (c *testClient) recvChat() protocol.ChatFrame {
	c.t.Helper()
	_ = c.chat.SetReadDeadline(time.Now().Add(testRecvTimeout))
	_, data, err := c.chat.ReadMessage()
	if err != nil {
		c.t.Fatalf("read chat frame: %v", err)
	}
	var frame protocol.ChatFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		c.t.Fatalf("unmarshal chat frame: %v", err)
	}
	return frame
}

func (c *testClient) recvSignal() protocol.Envelope {
	c.t.Helper()
	_ = c.signal.SetReadDeadline(time.Now().Add(testRecvTimeout))
	_, data, err := c.signal.ReadMessage()
	if err != nil {
		c.t.Fatalf("read envelope: %v", err)
	}
	var env protocol.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		c.t.Fatalf("unmarshal envelope: %v", err)
	}
	return env
}

// waitPresence reads chat frames until a presence frame with the expected
// online set arrives.
func (c *testClient) waitPresence(want ...string) {
	c.t.Helper()
	for i := 0; i < 10; i++ {
		frame := c.recvChat()
		if frame.Type != protocol.ChatFramePresence {
			continue
		}
		if equalSets(frame.Users, want) {
			return
		}
	}
	c.t.Fatalf("never observed presence %v", want)
}

func equalSets(got, want []string) bool {
	if len(got) != len(want) {
		return false
	}
	set := make(map[string]bool, len(got))
	for _, id := range got {
		set[id] = true
	}
	for _, id := range want {
		if !set[id] {
			return false
		}
	}
	return true
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	_, ts := newTestServer(t)

	body, _ := json.Marshal(map[string]string{"username": "alice", "password": "wrong"})
	resp, err := http.Post(ts.URL+"/login", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST /login: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
}

func TestUsersRequiresToken(t *testing.T) {
	_, ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/users")
	if err != nil {
		t.Fatalf("GET /users: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}

	token := login(t, ts, "alice", "pw-a")
	resp, err = http.Get(ts.URL + "/users?token=" + token)
	if err != nil {
		t.Fatalf("GET /users with token: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
}

func TestSocketRejectsBadToken(t *testing.T) {
	_, ts := newTestServer(t)
	wsBase := "ws" + strings.TrimPrefix(ts.URL, "http")
	_, resp, err := websocket.DefaultDialer.Dial(wsBase+"/ws/chat?token=garbage", nil)
	if err == nil {
		t.Fatal("dial with bad token succeeded")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 handshake response, got %v", resp)
	}
}

func TestPresenceRequiresBothSockets(t *testing.T) {
	s, ts := newTestServer(t)
	token := login(t, ts, "alice", "pw-a")

	wsBase := "ws" + strings.TrimPrefix(ts.URL, "http")
	chat, _, err := websocket.DefaultDialer.Dial(wsBase+"/ws/chat?token="+token, nil)
	if err != nil {
		t.Fatalf("dial chat: %v", err)
	}
	defer chat.Close()

	// Only one socket up: not online yet.
	time.Sleep(50 * time.Millisecond)
	if online := s.Registry().Online(); len(online) != 0 {
		t.Fatalf("online = %v before signaling socket connected", online)
	}

	signal, _, err := websocket.DefaultDialer.Dial(wsBase+"/ws/signaling?token="+token, nil)
	if err != nil {
		t.Fatalf("dial signaling: %v", err)
	}
	defer signal.Close()

	c := &testClient{t: t, chat: chat, signal: signal}
	c.waitPresence("alice")
}

func TestChatDeliveryAndAck(t *testing.T) {
	_, ts := newTestServer(t)
	alice := connect(t, ts, login(t, ts, "alice", "pw-a"))
	alice.waitPresence("alice")
	bob := connect(t, ts, login(t, ts, "bob", "pw-b"))
	alice.waitPresence("alice", "bob")
	bob.waitPresence("alice", "bob")

	sent := protocol.ChatFrame{
		Type:        protocol.ChatFrameMessage,
		SenderID:    "alice",
		RecipientID: "bob",
		Content:     "hello",
		MessageID:   "m-1",
	}
	if err := alice.chat.WriteJSON(sent); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}

	got := bob.recvChat()
	if got.Type != protocol.ChatFrameMessage || got.Content != "hello" || got.SenderID != "alice" {
		t.Fatalf("bob received %+v", got)
	}

	ack := alice.recvChat()
	if ack.Type != protocol.ChatFrameAck || ack.MessageID != "m-1" {
		t.Fatalf("ack = %+v", ack)
	}
}

func TestChatPreservesOrderPerPair(t *testing.T) {
	_, ts := newTestServer(t)
	alice := connect(t, ts, login(t, ts, "alice", "pw-a"))
	alice.waitPresence("alice")
	bob := connect(t, ts, login(t, ts, "bob", "pw-b"))
	bob.waitPresence("alice", "bob")

	const n = 20
	for i := 0; i < n; i++ {
		frame := protocol.ChatFrame{
			Type:        protocol.ChatFrameMessage,
			SenderID:    "alice",
			RecipientID: "bob",
			Content:     string(rune('a' + i)),
			MessageID:   "m",
		}
		if err := alice.chat.WriteJSON(frame); err != nil {
			t.Fatalf("WriteJSON %d: %v", i, err)
		}
	}
	for i := 0; i < n; i++ {
		got := bob.recvChat()
		if got.Type != protocol.ChatFrameMessage {
			i--
			continue
		}
		if want := string(rune('a' + i)); got.Content != want {
			t.Fatalf("message %d content = %q, want %q", i, got.Content, want)
		}
	}
}

func TestChatToOfflineRecipient(t *testing.T) {
	_, ts := newTestServer(t)
	alice := connect(t, ts, login(t, ts, "alice", "pw-a"))
	alice.waitPresence("alice")

	frame := protocol.ChatFrame{
		Type:        protocol.ChatFrameMessage,
		SenderID:    "alice",
		RecipientID: "bob",
		Content:     "anyone there?",
		MessageID:   "m-off",
	}
	if err := alice.chat.WriteJSON(frame); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}

	got := alice.recvChat()
	if got.Type != protocol.ChatFrameError || got.Code != protocol.CodeRecipientOffline {
		t.Fatalf("response = %+v, want recipient_offline error", got)
	}
	if got.MessageID != "m-off" {
		t.Fatalf("error messageId = %q, want m-off", got.MessageID)
	}

	// Bob connects later and receives the buffered copy.
	bob := connect(t, ts, login(t, ts, "bob", "pw-b"))
	flushed := bob.recvChat()
	for flushed.Type == protocol.ChatFramePresence {
		flushed = bob.recvChat()
	}
	if flushed.Type != protocol.ChatFrameMessage || flushed.Content != "anyone there?" {
		t.Fatalf("flushed frame = %+v", flushed)
	}
}

func TestSignalForwarding(t *testing.T) {
	_, ts := newTestServer(t)
	alice := connect(t, ts, login(t, ts, "alice", "pw-a"))
	alice.waitPresence("alice")
	bob := connect(t, ts, login(t, ts, "bob", "pw-b"))
	bob.waitPresence("alice", "bob")

	offer := protocol.Envelope{
		Kind:     protocol.KindOffer,
		Payload:  json.RawMessage(`{"type":"offer","sdp":"v=0"}`),
		TargetID: "bob",
	}
	if err := alice.signal.WriteJSON(offer); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}

	got := bob.recvSignal()
	if got.Kind != protocol.KindOffer {
		t.Fatalf("kind = %q, want offer", got.Kind)
	}
	// The relay stamps the authenticated sender.
	if got.SenderID != "alice" {
		t.Fatalf("senderId = %q, want alice", got.SenderID)
	}
}

func TestSignalToUnreachableTarget(t *testing.T) {
	_, ts := newTestServer(t)
	alice := connect(t, ts, login(t, ts, "alice", "pw-a"))
	alice.waitPresence("alice")

	env := protocol.Envelope{
		Kind:     protocol.KindOffer,
		Payload:  json.RawMessage(`{"type":"offer","sdp":"v=0"}`),
		TargetID: "bob",
	}
	if err := alice.signal.WriteJSON(env); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}

	got := alice.recvSignal()
	if got.Kind != protocol.KindError || got.Code != protocol.CodeTargetUnreachable {
		t.Fatalf("response = %+v, want target_unreachable error", got)
	}
	if got.TargetID != "bob" {
		t.Fatalf("error targetId = %q, want bob", got.TargetID)
	}
}

func TestSenderIdentityEnforced(t *testing.T) {
	_, ts := newTestServer(t)
	alice := connect(t, ts, login(t, ts, "alice", "pw-a"))
	alice.waitPresence("alice")

	frame := protocol.ChatFrame{
		Type:        protocol.ChatFrameMessage,
		SenderID:    "mallory",
		RecipientID: "bob",
		Content:     "spoofed",
		MessageID:   "m-spoof",
	}
	if err := alice.chat.WriteJSON(frame); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}

	got := alice.recvChat()
	if got.Type != protocol.ChatFrameError || got.Code != protocol.CodeBadMessage {
		t.Fatalf("response = %+v, want bad_message error", got)
	}
	// The relay closes the offending socket.
	_ = alice.chat.SetReadDeadline(time.Now().Add(testRecvTimeout))
	if _, _, err := alice.chat.ReadMessage(); err == nil {
		t.Fatal("socket still open after identity violation")
	}
}

func TestDisconnectRemovesPresence(t *testing.T) {
	s, ts := newTestServer(t)
	alice := connect(t, ts, login(t, ts, "alice", "pw-a"))
	alice.waitPresence("alice")
	bob := connect(t, ts, login(t, ts, "bob", "pw-b"))
	bob.waitPresence("alice", "bob")
	alice.waitPresence("alice", "bob")

	// Closing one socket removes the whole identity.
	_ = bob.signal.Close()
	alice.waitPresence("alice")
	if online := s.Registry().Online(); !equalSets(online, []string{"alice"}) {
		t.Fatalf("online = %v, want [alice]", online)
	}
}

func TestReconnectReplacesPresence(t *testing.T) {
	_, ts := newTestServer(t)
	token := login(t, ts, "alice", "pw-a")
	first := connect(t, ts, token)
	first.waitPresence("alice")

	second := connect(t, ts, token)
	second.waitPresence("alice")

	// The first pair's sockets are closed by the replacement.
	_ = first.chat.SetReadDeadline(time.Now().Add(testRecvTimeout))
	for {
		if _, _, err := first.chat.ReadMessage(); err != nil {
			break
		}
	}

	// The replacement connection stays functional.
	frame := protocol.ChatFrame{
		Type:        protocol.ChatFrameMessage,
		SenderID:    "alice",
		RecipientID: "alice",
		Content:     "self",
		MessageID:   "m-self",
	}
	if err := second.chat.WriteJSON(frame); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}
	got := second.recvChat()
	for got.Type == protocol.ChatFramePresence {
		got = second.recvChat()
	}
	if got.Type != protocol.ChatFrameMessage && got.Type != protocol.ChatFrameAck {
		t.Fatalf("unexpected frame %+v", got)
	}
}

func TestICEConfigVendsTURNCredentials(t *testing.T) {
	users, err := auth.NewStore(map[string]string{"alice": "pw-a"})
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	cfg := testConfig()
	cfg.STUNURLs = []string{"stun:stun.example.com:3478"}
	cfg.TURNURLs = []string{"turn:turn.example.com:3478"}
	cfg.TURNSecret = "turn-secret"
	cfg.TURNTTL = 10 * time.Minute
	s, err := NewServer(Config{
		Cfg:     cfg,
		Metrics: metrics.New(),
		Users:   users,
		Tokens:  auth.NewTokenIssuer("test-secret", time.Hour),
	})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		s.Close()
		ts.Close()
	})

	resp, err := http.Get(ts.URL + "/webrtc/ice")
	if err != nil {
		t.Fatalf("GET /webrtc/ice: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unauthenticated status = %d, want 401", resp.StatusCode)
	}

	token := login(t, ts, "alice", "pw-a")
	resp, err = http.Get(ts.URL + "/webrtc/ice?token=" + token)
	if err != nil {
		t.Fatalf("GET /webrtc/ice with token: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var out struct {
		ICEServers []iceServer `json:"iceServers"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out.ICEServers) != 2 {
		t.Fatalf("iceServers = %+v, want stun + turn", out.ICEServers)
	}
	turn := out.ICEServers[1]
	if turn.Username == "" || turn.Credential == "" {
		t.Fatalf("turn entry missing credentials: %+v", turn)
	}
	if !strings.Contains(turn.Username, ":alice") {
		t.Fatalf("turn username %q not bound to identity", turn.Username)
	}
}

func TestSocketRejectsDisallowedOrigin(t *testing.T) {
	_, ts := newTestServer(t)
	token := login(t, ts, "alice", "pw-a")

	wsBase := "ws" + strings.TrimPrefix(ts.URL, "http")
	header := http.Header{"Origin": []string{"http://evil.example.com"}}
	if _, _, err := websocket.DefaultDialer.Dial(wsBase+"/ws/chat?token="+token, header); err == nil {
		t.Fatal("cross-origin upgrade succeeded")
	}

	// Same-host origins pass the default policy.
	header = http.Header{"Origin": []string{ts.URL}}
	conn, _, err := websocket.DefaultDialer.Dial(wsBase+"/ws/chat?token="+token, header)
	if err != nil {
		t.Fatalf("same-host upgrade failed: %v", err)
	}
	conn.Close()
}

func TestRateLimitClosesChatSocket(t *testing.T) {
	users, err := auth.NewStore(map[string]string{"alice": "pw-a"})
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	cfg := testConfig()
	cfg.MaxMessagesPerSecond = 2
	s, err := NewServer(Config{
		Cfg:     cfg,
		Metrics: metrics.New(),
		Users:   users,
		Tokens:  auth.NewTokenIssuer("test-secret", time.Hour),
	})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		s.Close()
		ts.Close()
	})

	alice := connect(t, ts, login(t, ts, "alice", "pw-a"))
	alice.waitPresence("alice")

	frame := protocol.ChatFrame{
		Type:        protocol.ChatFrameMessage,
		SenderID:    "alice",
		RecipientID: "alice",
		Content:     "burst",
		MessageID:   "m-burst",
	}
	for i := 0; i < 20; i++ {
		if err := alice.chat.WriteJSON(frame); err != nil {
			break
		}
	}

	sawLimit := false
	_ = alice.chat.SetReadDeadline(time.Now().Add(testRecvTimeout))
	for {
		_, data, err := alice.chat.ReadMessage()
		if err != nil {
			break
		}
		var got protocol.ChatFrame
		if json.Unmarshal(data, &got) == nil &&
			got.Type == protocol.ChatFrameError && got.Code == protocol.CodeRateLimited {
			sawLimit = true
		}
	}
	if !sawLimit {
		t.Fatal("never received rate_limited error before close")
	}
}
