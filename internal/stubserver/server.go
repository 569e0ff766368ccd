// Package stubserver is a development server speaking the client's wire
// protocol and REST boundary. It backs the CLI during local development
// and the integration tests; it is not a production chat server. Offline
// queues, rooms and users live in memory.
package stubserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"chatkit/internal/domain"
	"chatkit/internal/observability"
	"chatkit/internal/wire"
)

type Options struct {
	JWTSecret string
	// SuppressSendAcks drops both acknowledgment paths for send_message,
	// reproducing the server behavior that motivated the optimistic send
	// policy: the message is delivered but never acked.
	SuppressSendAcks bool
	TokenTTL         time.Duration
}

type userRecord struct {
	user     domain.User
	password string
}

type Server struct {
	opts Options
	log  *zap.Logger

	mu       sync.Mutex
	sessions map[string]*conn
	offline  map[string][]wire.Message
	rooms    map[string]map[string]struct{}
	users    map[string]userRecord

	nextMsgID atomic.Int64
}

func New(opts Options) *Server {
	if opts.JWTSecret == "" {
		opts.JWTSecret = "dev-secret"
	}
	if opts.TokenTTL == 0 {
		opts.TokenTTL = 24 * time.Hour
	}
	return &Server{
		opts:     opts,
		log:      observability.GetLogger(context.Background()),
		sessions: make(map[string]*conn),
		offline:  make(map[string][]wire.Message),
		rooms:    make(map[string]map[string]struct{}),
		users:    make(map[string]userRecord),
	}
}

// Seed registers users without going through the register endpoint.
func (s *Server) Seed(password string, users ...domain.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range users {
		s.users[u.ID] = userRecord{user: u, password: password}
	}
}

// Router returns the full HTTP surface: WebSocket endpoint, REST
// boundary and health probes.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/health/live", observability.HealthLiveHandler)
	r.Get("/health/ready", observability.HealthReadyHandler())
	r.Get("/ws", s.handleWS)
	r.Post("/api/auth/login", s.handleLogin)
	r.Post("/api/auth/register", s.handleRegister)
	r.Get("/api/auth/userinfo", s.withAuth(s.handleUserInfo))
	r.Post("/api/users/search", s.withAuth(s.handleSearchUsers))
	r.Get("/api/users", s.withAuth(s.handleListUsers))
	r.Get("/api/users/{id}", s.withAuth(s.handleGetUser))
	return r
}

// DisconnectUser force-closes a user's session. Test hook for exercising
// the client's reconnect path.
func (s *Server) DisconnectUser(userID string) {
	s.mu.Lock()
	c := s.sessions[userID]
	s.mu.Unlock()
	if c != nil {
		c.close()
	}
}

// --- tokens ---

func (s *Server) issueToken(userID string) (string, error) {
	claims := jwt.RegisteredClaims{
		Subject:   userID,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(s.opts.TokenTTL)),
		IssuedAt:  jwt.NewNumericDate(time.Now()),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(s.opts.JWTSecret))
}

func (s *Server) verifyToken(raw string) (string, error) {
	token, err := jwt.ParseWithClaims(raw, &jwt.RegisteredClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(s.opts.JWTSecret), nil
	})
	if err != nil || !token.Valid {
		return "", fmt.Errorf("invalid token")
	}
	claims := token.Claims.(*jwt.RegisteredClaims)
	return claims.Subject, nil
}

// --- WebSocket side ---

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

type conn struct {
	userID string
	ws     *websocket.Conn

	writeMu sync.Mutex
	closed  atomic.Bool
}

func (c *conn) send(env wire.Envelope) {
	if c.closed.Load() {
		return
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
	_ = c.ws.WriteJSON(env)
}

func (c *conn) sendEvent(event string, seq uint64, payload any) {
	env, err := wire.NewEnvelope(event, seq, payload)
	if err != nil {
		return
	}
	c.send(env)
}

func (c *conn) ack(seq uint64, success bool, errMsg string, data any) {
	ack := wire.Ack{Success: success, Error: errMsg}
	if data != nil {
		raw, err := json.Marshal(data)
		if err == nil {
			ack.Data = raw
		}
	}
	c.sendEvent(wire.EventAck, seq, ack)
}

func (c *conn) close() {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	c.ws.Close()
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error("stub: upgrade error", zap.Error(err))
		return
	}

	c, ok := s.authenticate(ws)
	if !ok {
		ws.Close()
		return
	}

	s.mu.Lock()
	if old := s.sessions[c.userID]; old != nil {
		old.close()
	}
	s.sessions[c.userID] = c
	s.mu.Unlock()
	s.log.Info("stub: connected", zap.String("user_id", c.userID))

	s.readLoop(c)
}

func (s *Server) authenticate(ws *websocket.Conn) (*conn, bool) {
	ws.SetReadDeadline(time.Now().Add(10 * time.Second))
	var env wire.Envelope
	if err := ws.ReadJSON(&env); err != nil {
		return nil, false
	}
	ws.SetReadDeadline(time.Time{})

	c := &conn{ws: ws}
	if env.Event != wire.EventAuth {
		c.sendEvent(wire.EventConnectError, 0, wire.Error{Message: "expected auth frame"})
		return nil, false
	}
	var auth wire.Auth
	if err := json.Unmarshal(env.Payload, &auth); err != nil {
		c.sendEvent(wire.EventConnectError, 0, wire.Error{Message: "malformed auth payload"})
		return nil, false
	}
	subject, err := s.verifyToken(auth.Token)
	if err != nil || subject != auth.UserID {
		c.sendEvent(wire.EventConnectError, 0, wire.Error{Message: "invalid token"})
		return nil, false
	}

	c.userID = auth.UserID
	c.sendEvent(wire.EventAuthOK, 0, nil)
	return c, true
}

func (s *Server) readLoop(c *conn) {
	defer func() {
		c.close()
		s.mu.Lock()
		if s.sessions[c.userID] == c {
			delete(s.sessions, c.userID)
		}
		s.mu.Unlock()
		s.log.Info("stub: disconnected", zap.String("user_id", c.userID))
	}()

	for {
		var env wire.Envelope
		if err := c.ws.ReadJSON(&env); err != nil {
			return
		}

		switch env.Event {
		case wire.EventSendMessage:
			s.handleSend(c, env)
		case wire.EventJoinRoom:
			s.handleRoomChange(c, env, true)
		case wire.EventLeaveRoom:
			s.handleRoomChange(c, env, false)
		case wire.EventReadReceipt:
			s.handleReadReceipt(c, env)
		case wire.EventFetchOffline:
			s.handleFetchOffline(c, env)
		default:
			c.ack(env.Seq, false, "unknown event "+env.Event, nil)
		}
	}
}

func (s *Server) handleSend(c *conn, env wire.Envelope) {
	var req wire.SendMessage
	if err := json.Unmarshal(env.Payload, &req); err != nil {
		c.ack(env.Seq, false, "malformed send_message", nil)
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		c.ack(env.Seq, false, "empty content", nil)
		return
	}

	msg := wire.Message{
		ID:        fmt.Sprintf("msg-%d", s.nextMsgID.Add(1)),
		ClientID:  req.ClientID,
		SenderID:  req.FromUserID,
		ToUserID:  req.ToUserID,
		RoomID:    req.RoomID,
		Content:   req.Content,
		Type:      req.Type,
		Timestamp: time.Now(),
	}

	// Deliver to the recipient first, queueing when offline.
	s.mu.Lock()
	recipient := s.sessions[req.ToUserID]
	if recipient == nil {
		s.offline[req.ToUserID] = append(s.offline[req.ToUserID], msg)
	}
	s.mu.Unlock()
	if recipient != nil {
		recipient.sendEvent(wire.EventNewMessage, 0, msg)
	}

	if s.opts.SuppressSendAcks {
		return
	}
	c.ack(env.Seq, true, "", msg)
	c.sendEvent(wire.EventMessageAck, 0, msg)
}

func (s *Server) handleRoomChange(c *conn, env wire.Envelope, join bool) {
	var req wire.RoomChange
	if err := json.Unmarshal(env.Payload, &req); err != nil || req.RoomID == "" {
		c.ack(env.Seq, false, "missing roomId", nil)
		return
	}
	s.mu.Lock()
	if join {
		if s.rooms[req.RoomID] == nil {
			s.rooms[req.RoomID] = make(map[string]struct{})
		}
		s.rooms[req.RoomID][c.userID] = struct{}{}
	} else if members := s.rooms[req.RoomID]; members != nil {
		delete(members, c.userID)
	}
	s.mu.Unlock()
	c.ack(env.Seq, true, "", nil)
}

func (s *Server) handleReadReceipt(c *conn, env wire.Envelope) {
	var req wire.ReadReceipt
	if err := json.Unmarshal(env.Payload, &req); err != nil {
		c.ack(env.Seq, false, "malformed read_receipt", nil)
		return
	}
	c.ack(env.Seq, true, "", nil)

	// Fan the read notice out to everyone else online; the stub does not
	// track per-message senders.
	s.mu.Lock()
	peers := make([]*conn, 0, len(s.sessions))
	for id, peer := range s.sessions {
		if id != c.userID {
			peers = append(peers, peer)
		}
	}
	s.mu.Unlock()
	for _, peer := range peers {
		peer.sendEvent(wire.EventMessageRead, 0, req)
	}
}

func (s *Server) handleFetchOffline(c *conn, env wire.Envelope) {
	s.mu.Lock()
	queued := s.offline[c.userID]
	delete(s.offline, c.userID)
	s.mu.Unlock()
	if queued == nil {
		queued = []wire.Message{}
	}
	c.ack(env.Seq, true, "", queued)
}

// --- REST side ---

func (s *Server) withAuth(next func(w http.ResponseWriter, r *http.Request, userID string)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		raw := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		userID, err := s.verifyToken(raw)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid or expired token")
			return
		}
		next(w, r, userID)
	}
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var creds struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&creds); err != nil {
		writeError(w, http.StatusBadRequest, "malformed credentials")
		return
	}

	s.mu.Lock()
	var found *userRecord
	for _, rec := range s.users {
		if rec.user.Username == creds.Username {
			cp := rec
			found = &cp
			break
		}
	}
	s.mu.Unlock()
	if found == nil || found.password != creds.Password {
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	token, err := s.issueToken(found.user.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "token issue failed")
		return
	}
	writeJSON(w, map[string]any{"token": token, "user": found.user})
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var creds struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&creds); err != nil || creds.Username == "" {
		writeError(w, http.StatusBadRequest, "malformed credentials")
		return
	}

	user := domain.User{ID: "u-" + creds.Username, Username: creds.Username}
	s.mu.Lock()
	if _, exists := s.users[user.ID]; exists {
		s.mu.Unlock()
		writeError(w, http.StatusConflict, "username taken")
		return
	}
	s.users[user.ID] = userRecord{user: user, password: creds.Password}
	s.mu.Unlock()

	token, err := s.issueToken(user.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "token issue failed")
		return
	}
	writeJSON(w, map[string]any{"token": token, "user": user})
}

func (s *Server) handleUserInfo(w http.ResponseWriter, r *http.Request, userID string) {
	s.mu.Lock()
	rec, ok := s.users[userID]
	s.mu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, "user not found")
		return
	}
	writeJSON(w, rec.user)
}

func (s *Server) handleSearchUsers(w http.ResponseWriter, r *http.Request, _ string) {
	var req struct {
		Keyword string `json:"keyword"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)
	keyword := strings.ToLower(req.Keyword)

	s.mu.Lock()
	var out []domain.User
	for _, rec := range s.users {
		if keyword == "" || strings.Contains(strings.ToLower(rec.user.Username), keyword) {
			out = append(out, rec.user)
		}
	}
	s.mu.Unlock()
	writeJSON(w, out)
}

func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request, _ string) {
	s.mu.Lock()
	out := make([]domain.User, 0, len(s.users))
	for _, rec := range s.users {
		out = append(out, rec.user)
	}
	s.mu.Unlock()
	writeJSON(w, out)
}

func (s *Server) handleGetUser(w http.ResponseWriter, r *http.Request, _ string) {
	id := chi.URLParam(r, "id")
	s.mu.Lock()
	rec, ok := s.users[id]
	s.mu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, "user not found")
		return
	}
	writeJSON(w, rec.user)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"message": message})
}
