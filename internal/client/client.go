// Package client is the Go client for the relay: it logs in, keeps the chat
// and signaling sockets, exposes synchronous chat sends, and drives calls
// through a call.Coordinator.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"

	"github.com/pairlink/pairlink/internal/call"
	"github.com/pairlink/pairlink/internal/protocol"
)

var (
	// ErrRecipientOffline reports a chat send the relay could not deliver.
	ErrRecipientOffline = errors.New("recipient is offline")

	// ErrLoginFailed reports rejected credentials.
	ErrLoginFailed = errors.New("login failed")

	// ErrClosed is returned by operations on a closed client.
	ErrClosed = errors.New("client is closed")
)

// Events are the application callbacks. Any field may be nil. Callbacks run
// on the client's read goroutines.
type Events struct {
	// OnChatMessage fires for each received (deduplicated) chat message.
	OnChatMessage func(from, content string)

	// OnPresence fires on every presence broadcast with the full online list
	// (the local identity filtered out).
	OnPresence func(online []string)

	// Call carries the call progress callbacks.
	Call call.Events
}

// Config configures Dial.
type Config struct {
	// BaseURL is the relay's HTTP base, e.g. "http://127.0.0.1:8080".
	BaseURL  string
	Username string
	Password string

	Source call.MediaSource
	Peers  call.PeerFactory
	Events Events
	Logger *slog.Logger

	// NegotiationTimeout bounds each call handshake; zero means the
	// coordinator default.
	NegotiationTimeout time.Duration

	// HTTPClient defaults to http.DefaultClient.
	HTTPClient *http.Client
}

// ChatRecord is one transcript entry. Own messages are appended when the
// relay acknowledges them, so the transcript holds delivered traffic only.
type ChatRecord struct {
	PeerID   string
	SenderID string
	Content  string
	At       time.Time
}

type Client struct {
	identity   string
	log        *slog.Logger
	events     Events
	iceServers []webrtc.ICEServer

	chatConn   *websocket.Conn
	signalConn *websocket.Conn
	chatMu     sync.Mutex
	signalMu   sync.Mutex

	coord *call.Coordinator

	mu         sync.Mutex
	closed     bool
	online     []string
	pending    map[string]chan error
	transcript map[string][]ChatRecord
	seen       map[string]bool

	wg sync.WaitGroup
}

// Dial logs in with the configured credentials and connects both sockets.
// The client is online (visible to peers) once Dial returns.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	identity, token, err := login(ctx, httpClient, cfg.BaseURL, cfg.Username, cfg.Password)
	if err != nil {
		return nil, err
	}

	iceServers, err := fetchICEServers(ctx, httpClient, cfg.BaseURL, token)
	if err != nil {
		return nil, err
	}

	wsBase := "ws" + strings.TrimPrefix(cfg.BaseURL, "http")
	dialer := websocket.DefaultDialer
	chatConn, _, err := dialer.DialContext(ctx, wsBase+"/ws/chat?token="+token, nil)
	if err != nil {
		return nil, fmt.Errorf("dial chat socket: %w", err)
	}
	signalConn, _, err := dialer.DialContext(ctx, wsBase+"/ws/signaling?token="+token, nil)
	if err != nil {
		_ = chatConn.Close()
		return nil, fmt.Errorf("dial signaling socket: %w", err)
	}

	c := &Client{
		identity:   identity,
		log:        logger.With("identity", identity),
		events:     cfg.Events,
		iceServers: iceServers,
		chatConn:   chatConn,
		signalConn: signalConn,
		pending:    make(map[string]chan error),
		transcript: make(map[string][]ChatRecord),
		seen:       make(map[string]bool),
	}
	c.coord = call.NewCoordinator(call.CoordinatorConfig{
		LocalID:            identity,
		Source:             cfg.Source,
		Peers:              cfg.Peers,
		Send:               c,
		Events:             cfg.Events.Call,
		Logger:             c.log,
		NegotiationTimeout: cfg.NegotiationTimeout,
	})

	c.wg.Add(2)
	go c.readChat()
	go c.readSignaling()
	return c, nil
}

func login(ctx context.Context, httpClient *http.Client, baseURL, username, password string) (identity, token string, err error) {
	body, err := json.Marshal(map[string]string{"username": username, "password": password})
	if err != nil {
		return "", "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/login", bytes.NewReader(body))
	if err != nil {
		return "", "", err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := httpClient.Do(req)
	if err != nil {
		return "", "", fmt.Errorf("login request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusUnauthorized {
		return "", "", ErrLoginFailed
	}
	if resp.StatusCode != http.StatusOK {
		return "", "", fmt.Errorf("login: unexpected status %d", resp.StatusCode)
	}
	var out struct {
		Identity string `json:"identity"`
		Token    string `json:"token"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4*1024)).Decode(&out); err != nil {
		return "", "", fmt.Errorf("decode login response: %w", err)
	}
	return out.Identity, out.Token, nil
}

// fetchICEServers pulls the relay's STUN/TURN configuration under the issued
// token. The list may be empty on LAN-only deployments.
func fetchICEServers(ctx context.Context, httpClient *http.Client, baseURL, token string) ([]webrtc.ICEServer, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/webrtc/ice?token="+token, nil)
	if err != nil {
		return nil, err
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch ice config: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch ice config: unexpected status %d", resp.StatusCode)
	}
	var out struct {
		ICEServers []struct {
			URLs       []string `json:"urls"`
			Username   string   `json:"username"`
			Credential string   `json:"credential"`
		} `json:"iceServers"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 16*1024)).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode ice config: %w", err)
	}
	servers := make([]webrtc.ICEServer, 0, len(out.ICEServers))
	for _, s := range out.ICEServers {
		servers = append(servers, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	return servers, nil
}

func (c *Client) Identity() string { return c.identity }

// ICEServers returns the STUN/TURN configuration fetched at dial time, for
// building the peer transport (call.NewPionPeerFactory).
func (c *Client) ICEServers() []webrtc.ICEServer {
	return append([]webrtc.ICEServer(nil), c.iceServers...)
}

// Online returns the last observed online list, without the local identity.
func (c *Client) Online() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.online))
	for _, id := range c.online {
		if id != c.identity {
			out = append(out, id)
		}
	}
	return out
}

// Transcript returns the conversation with peerID in delivery order.
func (c *Client) Transcript(peerID string) []ChatRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]ChatRecord(nil), c.transcript[peerID]...)
}

// SendChat delivers one message to recipient, blocking until the relay
// acknowledges it or reports failure. A nil return means the recipient's
// client received the message.
func (c *Client) SendChat(ctx context.Context, recipient, content string) error {
	messageID := uuid.NewString()
	ackCh := make(chan error, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.pending[messageID] = ackCh
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, messageID)
		c.mu.Unlock()
	}()

	frame := protocol.ChatFrame{
		Type:            protocol.ChatFrameMessage,
		SenderID:        c.identity,
		RecipientID:     recipient,
		Content:         content,
		TimestampMillis: time.Now().UnixMilli(),
		MessageID:       messageID,
	}
	c.chatMu.Lock()
	err := c.chatConn.WriteJSON(frame)
	c.chatMu.Unlock()
	if err != nil {
		return fmt.Errorf("send chat: %w", err)
	}

	select {
	case err := <-ackCh:
		if err != nil {
			return err
		}
	case <-ctx.Done():
		return ctx.Err()
	}

	c.mu.Lock()
	c.transcript[recipient] = append(c.transcript[recipient], ChatRecord{
		PeerID:   recipient,
		SenderID: c.identity,
		Content:  content,
		At:       time.Now(),
	})
	c.mu.Unlock()
	return nil
}

// StartCall begins an outgoing call with remoteID. Progress arrives through
// Events.Call.
func (c *Client) StartCall(ctx context.Context, remoteID string) error {
	return c.coord.Initiate(ctx, remoteID)
}

// Hangup ends the call with remoteID, if any.
func (c *Client) Hangup(remoteID string) {
	c.coord.Hangup(remoteID)
}

// CallState reports the call state with remoteID.
func (c *Client) CallState(remoteID string) call.State {
	return c.coord.SessionState(remoteID)
}

// SendEnvelope implements call.Sender over the signaling socket.
func (c *Client) SendEnvelope(env protocol.Envelope) error {
	c.signalMu.Lock()
	defer c.signalMu.Unlock()
	return c.signalConn.WriteJSON(env)
}

// Close hangs up every call and tears down both sockets.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	pending := c.pending
	c.pending = make(map[string]chan error)
	c.mu.Unlock()

	c.coord.CloseAll()
	for _, ch := range pending {
		ch <- ErrClosed
	}
	_ = c.chatConn.Close()
	_ = c.signalConn.Close()
	c.wg.Wait()
	return nil
}

func (c *Client) readChat() {
	defer c.wg.Done()
	for {
		_, data, err := c.chatConn.ReadMessage()
		if err != nil {
			c.failPending(ErrClosed)
			return
		}
		var frame protocol.ChatFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.log.Warn("bad chat frame from relay", "err", err)
			continue
		}
		c.dispatchChat(frame)
	}
}

func (c *Client) dispatchChat(frame protocol.ChatFrame) {
	switch frame.Type {
	case protocol.ChatFrameMessage:
		c.mu.Lock()
		if frame.MessageID != "" && c.seen[frame.MessageID] {
			c.mu.Unlock()
			return
		}
		if frame.MessageID != "" {
			c.seen[frame.MessageID] = true
		}
		c.transcript[frame.SenderID] = append(c.transcript[frame.SenderID], ChatRecord{
			PeerID:   frame.SenderID,
			SenderID: frame.SenderID,
			Content:  frame.Content,
			At:       time.Now(),
		})
		c.mu.Unlock()
		if f := c.events.OnChatMessage; f != nil {
			f(frame.SenderID, frame.Content)
		}

	case protocol.ChatFramePresence:
		c.mu.Lock()
		c.online = frame.Users
		c.mu.Unlock()
		c.coord.HandlePresence(frame.Users)
		if f := c.events.OnPresence; f != nil {
			f(c.Online())
		}

	case protocol.ChatFrameAck:
		c.resolvePending(frame.MessageID, nil)

	case protocol.ChatFrameError:
		if frame.MessageID == "" {
			c.log.Warn("relay error", "code", frame.Code, "message", frame.Message)
			return
		}
		err := fmt.Errorf("relay rejected message: %s", frame.Code)
		if frame.Code == protocol.CodeRecipientOffline {
			err = ErrRecipientOffline
		}
		c.resolvePending(frame.MessageID, err)
	}
}

func (c *Client) readSignaling() {
	defer c.wg.Done()
	for {
		_, data, err := c.signalConn.ReadMessage()
		if err != nil {
			return
		}
		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.log.Warn("bad envelope from relay", "err", err)
			continue
		}
		c.coord.HandleEnvelope(context.Background(), env)
	}
}

func (c *Client) resolvePending(messageID string, result error) {
	c.mu.Lock()
	ch := c.pending[messageID]
	delete(c.pending, messageID)
	c.mu.Unlock()
	if ch != nil {
		ch <- result
	}
}

func (c *Client) failPending(err error) {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[string]chan error)
	c.mu.Unlock()
	for _, ch := range pending {
		ch <- err
	}
}
