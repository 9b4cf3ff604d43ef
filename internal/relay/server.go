// Package relay implements the server side of the system: the login endpoint,
// presence bookkeeping over paired WebSockets, and forwarding of chat frames
// and signaling envelopes between clients.
//
// The relay never interprets negotiation payloads; it only routes them. All
// call state lives in the clients (internal/call).
package relay

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/pairlink/pairlink/internal/auth"
	"github.com/pairlink/pairlink/internal/config"
	"github.com/pairlink/pairlink/internal/metrics"
	"github.com/pairlink/pairlink/internal/origin"
	"github.com/pairlink/pairlink/internal/presence"
	"github.com/pairlink/pairlink/internal/protocol"
	"github.com/pairlink/pairlink/internal/ratelimit"
	"github.com/pairlink/pairlink/internal/router"
	"github.com/pairlink/pairlink/internal/turnrest"
)

type socketKind int

const (
	socketChat socketKind = iota
	socketSignal
)

// Config wires together the runtime dependencies for the relay service.
type Config struct {
	Cfg     config.Config
	Logger  *slog.Logger
	Metrics *metrics.Metrics
	Users   *auth.Store
	Tokens  *auth.TokenIssuer
}

type Server struct {
	cfg     config.Config
	log     *slog.Logger
	metrics *metrics.Metrics
	users   *auth.Store
	tokens  *auth.TokenIssuer
	origins origin.Allowlist
	turn    *turnrest.Vendor

	registry *presence.Registry
	router   *router.Router
	backlog  *Backlog

	mu      sync.Mutex
	pending map[string]*pendingPair
	closed  bool
}

// pendingPair holds a client's authenticated sockets until both are present;
// only then does the identity become visible in the registry. There is no
// partial-presence state.
type pendingPair struct {
	chat   *wsChannel
	signal *wsChannel
}

func NewServer(rc Config) (*Server, error) {
	logger := rc.Logger
	if logger == nil {
		logger = slog.Default()
	}
	origins, err := origin.ParseAllowlist(rc.Cfg.AllowedOrigins)
	if err != nil {
		return nil, err
	}
	var turn *turnrest.Vendor
	if len(rc.Cfg.TURNURLs) > 0 {
		if turn, err = turnrest.NewVendor(rc.Cfg.TURNSecret, rc.Cfg.TURNTTL); err != nil {
			return nil, err
		}
	}
	reg := presence.NewRegistry(logger, rc.Metrics)
	return &Server{
		cfg:      rc.Cfg,
		log:      logger,
		metrics:  rc.Metrics,
		users:    rc.Users,
		tokens:   rc.Tokens,
		origins:  origins,
		turn:     turn,
		registry: reg,
		router:   router.New(reg, rc.Metrics, logger),
		backlog:  NewBacklog(rc.Cfg.BacklogPerUser, rc.Metrics),
		pending:  make(map[string]*pendingPair),
	}, nil
}

// Registry exposes the presence registry (read-only use: Online/Lookup).
func (s *Server) Registry() *presence.Registry { return s.registry }

func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /login", s.handleLogin)
	mux.HandleFunc("GET /users", s.handleUsers)
	mux.HandleFunc("GET /webrtc/ice", s.handleICEConfig)
	mux.HandleFunc("GET /ws/chat", s.handleChatSocket)
	mux.HandleFunc("GET /ws/signaling", s.handleSignalingSocket)
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return mux
}

// Close tears down every registered client and pending socket.
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	pending := s.pending
	s.pending = make(map[string]*pendingPair)
	s.mu.Unlock()

	for _, p := range pending {
		if p.chat != nil {
			_ = p.chat.Close()
		}
		if p.signal != nil {
			_ = p.signal.Close()
		}
	}
	for _, id := range s.registry.Online() {
		s.registry.Unregister(id)
	}
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	Identity string `json:"identity"`
	Token    string `json:"token"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4*1024)).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, protocol.CodeBadMessage, "invalid login request")
		return
	}

	identity, err := s.users.Authenticate(req.Username, req.Password)
	if err != nil {
		s.metrics.Inc(metrics.AuthFailure)
		writeJSONError(w, http.StatusUnauthorized, protocol.CodeUnauthorized, "invalid credentials")
		return
	}

	token, err := s.tokens.Issue(identity)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "internal_error", "failed to issue token")
		return
	}

	s.log.Info("login", "identity", identity)
	writeJSON(w, http.StatusOK, loginResponse{Identity: identity, Token: token})
}

type usersResponse struct {
	Online []string `json:"online"`
}

func (s *Server) handleUsers(w http.ResponseWriter, r *http.Request) {
	if _, err := s.identityFromRequest(r); err != nil {
		s.metrics.Inc(metrics.AuthFailure)
		writeJSONError(w, http.StatusUnauthorized, protocol.CodeUnauthorized, "invalid or missing token")
		return
	}
	writeJSON(w, http.StatusOK, usersResponse{Online: s.registry.Online()})
}

type iceServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

// handleICEConfig vends the STUN/TURN configuration clients feed their peer
// connections. TURN entries carry short-lived REST credentials bound to the
// authenticated identity.
func (s *Server) handleICEConfig(w http.ResponseWriter, r *http.Request) {
	identity, err := s.identityFromRequest(r)
	if err != nil {
		s.metrics.Inc(metrics.AuthFailure)
		writeJSONError(w, http.StatusUnauthorized, protocol.CodeUnauthorized, "invalid or missing token")
		return
	}

	servers := make([]iceServer, 0, 2)
	if len(s.cfg.STUNURLs) > 0 {
		servers = append(servers, iceServer{URLs: s.cfg.STUNURLs})
	}
	if s.turn != nil {
		creds, err := s.turn.Issue(identity)
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, "internal_error", "failed to issue turn credentials")
			return
		}
		servers = append(servers, iceServer{
			URLs:       s.cfg.TURNURLs,
			Username:   creds.Username,
			Credential: creds.Credential,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"iceServers": servers})
}

func (s *Server) handleChatSocket(w http.ResponseWriter, r *http.Request) {
	s.serveSocket(w, r, socketChat)
}

func (s *Server) handleSignalingSocket(w http.ResponseWriter, r *http.Request) {
	s.serveSocket(w, r, socketSignal)
}

func (s *Server) serveSocket(w http.ResponseWriter, r *http.Request, kind socketKind) {
	identity, err := s.identityFromRequest(r)
	if err != nil {
		s.metrics.Inc(metrics.AuthFailure)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return s.origins.Admit(r.Header.Get("Origin"), r.Host)
		},
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	ch := newWSChannel(conn)
	if !s.attachSocket(identity, kind, ch) {
		ch.closeWith(websocket.CloseGoingAway, "server shutting down")
		return
	}

	go ch.keepalive(s.cfg.WSPingInterval)

	switch kind {
	case socketChat:
		s.readChatLoop(identity, ch)
	case socketSignal:
		s.readSignalingLoop(identity, ch)
	}

	s.detachSocket(identity, ch)
}

// identityFromRequest verifies the ?token= (or Authorization: Bearer)
// credential and returns the authenticated identity.
func (s *Server) identityFromRequest(r *http.Request) (string, error) {
	token, err := auth.TokenFromQuery(r.URL.Query())
	if err != nil {
		const prefix = "Bearer "
		h := r.Header.Get("Authorization")
		if len(h) > len(prefix) && h[:len(prefix)] == prefix {
			token = h[len(prefix):]
		} else {
			return "", err
		}
	}
	return s.tokens.Verify(token)
}

// attachSocket files the socket under its identity. Once both sockets of an
// identity are present the pair is registered atomically, which broadcasts
// presence and flushes any chat backlog. Returns false during shutdown.
func (s *Server) attachSocket(identity string, kind socketKind, ch *wsChannel) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	p := s.pending[identity]
	if p == nil {
		p = &pendingPair{}
		s.pending[identity] = p
	}
	var replaced *wsChannel
	switch kind {
	case socketChat:
		replaced, p.chat = p.chat, ch
	case socketSignal:
		replaced, p.signal = p.signal, ch
	}
	complete := p.chat != nil && p.signal != nil
	var chat, signal *wsChannel
	if complete {
		chat, signal = p.chat, p.signal
		delete(s.pending, identity)
	}
	s.mu.Unlock()

	if replaced != nil {
		_ = replaced.Close()
	}
	if complete {
		// Register replaces any prior entry for this identity (reconnect),
		// closing the old pair and broadcasting exactly once.
		s.registry.Register(identity, chat, signal)
		s.backlog.FlushTo(identity, chat)
	}
	return true
}

// detachSocket runs when a socket's read loop ends. Closing either socket of
// a registered pair removes the identity's entire presence.
func (s *Server) detachSocket(identity string, ch *wsChannel) {
	_ = ch.Close()

	if entry, ok := s.registry.Lookup(identity); ok {
		if entry.Chat == presence.Channel(ch) || entry.Signal == presence.Channel(ch) {
			s.registry.Unregister(identity)
			return
		}
	}

	// Not registered: drop the half-open pending pair, closing the sibling so
	// the client observes a consistent teardown.
	s.mu.Lock()
	p := s.pending[identity]
	var sibling *wsChannel
	if p != nil && (p.chat == ch || p.signal == ch) {
		delete(s.pending, identity)
		if p.chat != ch {
			sibling = p.chat
		} else {
			sibling = p.signal
		}
	}
	s.mu.Unlock()
	if sibling != nil {
		_ = sibling.Close()
	}
}

func (s *Server) newLimiter() *ratelimit.TokenBucket {
	rate := int64(s.cfg.MaxMessagesPerSecond)
	if rate <= 0 {
		rate = int64(config.DefaultMaxMessagesPerSecond)
	}
	return ratelimit.NewTokenBucket(nil, rate, rate)
}

func (s *Server) readChatLoop(identity string, ch *wsChannel) {
	conn := ch.conn
	conn.SetReadLimit(s.cfg.MaxMessageBytes)
	resetDeadline(conn, s.cfg.WSIdleTimeout)

	limiter := s.newLimiter()

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if !limiter.Allow(1) {
			s.metrics.Inc(metrics.RateLimited)
			_ = ch.Send(protocol.ChatFrame{Type: protocol.ChatFrameError, Code: protocol.CodeRateLimited, Message: "rate limit exceeded"})
			ch.closeWith(websocket.ClosePolicyViolation, "rate limit exceeded")
			return
		}
		if msgType != websocket.TextMessage {
			s.failChat(ch, "expected text message")
			return
		}

		frame, err := protocol.ParseChatFrame(data)
		if err != nil {
			s.metrics.Inc(metrics.BadMessage)
			s.failChat(ch, err.Error())
			return
		}
		if frame.Type != protocol.ChatFrameMessage {
			s.metrics.Inc(metrics.BadMessage)
			s.failChat(ch, "clients may only send chat frames")
			return
		}
		if frame.SenderID != identity {
			s.metrics.Inc(metrics.BadMessage)
			s.failChat(ch, "senderId does not match authenticated identity")
			return
		}

		if err := s.router.RouteChat(frame); err != nil {
			s.backlog.Store(frame)
			_ = ch.Send(protocol.ChatFrame{
				Type:      protocol.ChatFrameError,
				Code:      protocol.CodeRecipientOffline,
				Message:   frame.RecipientID + " is offline",
				MessageID: frame.MessageID,
			})
			continue
		}
		_ = ch.Send(protocol.ChatFrame{Type: protocol.ChatFrameAck, MessageID: frame.MessageID})
	}
}

func (s *Server) readSignalingLoop(identity string, ch *wsChannel) {
	conn := ch.conn
	conn.SetReadLimit(s.cfg.MaxMessageBytes)
	resetDeadline(conn, s.cfg.WSIdleTimeout)

	limiter := s.newLimiter()

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if !limiter.Allow(1) {
			s.metrics.Inc(metrics.RateLimited)
			_ = ch.Send(protocol.Envelope{Kind: protocol.KindError, Code: protocol.CodeRateLimited, Message: "rate limit exceeded"})
			ch.closeWith(websocket.ClosePolicyViolation, "rate limit exceeded")
			return
		}
		if msgType != websocket.TextMessage {
			s.failSignaling(ch, "expected text message")
			return
		}

		env, err := protocol.ParseEnvelope(data)
		if err != nil {
			s.metrics.Inc(metrics.BadMessage)
			s.failSignaling(ch, err.Error())
			return
		}
		if env.Kind == protocol.KindError {
			s.metrics.Inc(metrics.BadMessage)
			s.failSignaling(ch, "error envelopes are relay-to-client only")
			return
		}
		if env.SenderID == "" {
			env.SenderID = identity
		}
		if env.SenderID != identity {
			s.metrics.Inc(metrics.BadMessage)
			s.failSignaling(ch, "senderId does not match authenticated identity")
			return
		}

		if err := s.router.RouteSignal(env); err != nil {
			// Never a silent drop: the caller's coordinator turns this into a
			// negotiation failure.
			_ = ch.Send(protocol.Envelope{
				Kind:     protocol.KindError,
				Code:     protocol.CodeTargetUnreachable,
				Message:  env.TargetID + " is unreachable",
				TargetID: env.TargetID,
			})
		}
	}
}

func (s *Server) failChat(ch *wsChannel, message string) {
	_ = ch.Send(protocol.ChatFrame{Type: protocol.ChatFrameError, Code: protocol.CodeBadMessage, Message: message})
	ch.closeWith(websocket.ClosePolicyViolation, "bad message")
}

func (s *Server) failSignaling(ch *wsChannel, message string) {
	_ = ch.Send(protocol.Envelope{Kind: protocol.KindError, Code: protocol.CodeBadMessage, Message: message})
	ch.closeWith(websocket.ClosePolicyViolation, "bad message")
}

func resetDeadline(conn *websocket.Conn, idle time.Duration) {
	if idle <= 0 {
		return
	}
	_ = conn.SetReadDeadline(time.Now().Add(idle))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(idle))
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSONError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{Code: code, Message: message})
}
