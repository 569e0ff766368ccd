// Package transport owns the WebSocket session: dialing, the
// authentication handshake, the single writer goroutine, and correlation
// of request frames with their acknowledgments.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"chatkit/internal/domain"
	"chatkit/internal/observability"
	"chatkit/internal/wire"
)

const (
	sendQueueSize = 128
	writeWait     = 10 * time.Second
	pongWait      = 60 * time.Second
	pingPeriod    = (pongWait * 9) / 10
	authWait      = 10 * time.Second
)

// EventHandler receives every inbound frame that is not an ack.
type EventHandler func(event string, payload json.RawMessage)

// Session is a live authenticated connection. All writes go through the
// single writer goroutine; reads are owned by the read loop.
type Session struct {
	UserID string

	conn      *websocket.Conn
	sendQueue chan []byte
	done      chan struct{}
	closed    atomic.Int32
	handler   EventHandler
	log       *zap.Logger

	mu      sync.Mutex
	seq     uint64
	pending map[uint64]chan wire.Ack
}

// Dial opens a connection, performs the auth handshake and starts the
// read/write loops. handler is invoked on the read-loop goroutine for
// every inbound non-ack frame, in arrival order.
func Dial(ctx context.Context, url, userID, token string, handler EventHandler) (*Session, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", domain.ErrConnectionFailed, url, err)
	}

	s := &Session{
		UserID:    userID,
		conn:      conn,
		sendQueue: make(chan []byte, sendQueueSize),
		done:      make(chan struct{}),
		handler:   handler,
		pending:   make(map[uint64]chan wire.Ack),
		log:       observability.GetLogger(ctx),
	}

	if err := s.handshake(userID, token); err != nil {
		conn.Close()
		return nil, err
	}

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	go s.writeLoop()
	go s.readLoop()

	s.log.Info("session established", zap.String("user_id", userID))
	return s, nil
}

// handshake writes the auth frame and waits for auth_ok. The server
// answers connect_error on an invalid token.
func (s *Session) handshake(userID, token string) error {
	env, err := wire.NewEnvelope(wire.EventAuth, 0, wire.Auth{UserID: userID, Token: token})
	if err != nil {
		return fmt.Errorf("%w: encode auth: %v", domain.ErrConnectionFailed, err)
	}
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := s.conn.WriteJSON(env); err != nil {
		return fmt.Errorf("%w: send auth: %v", domain.ErrConnectionFailed, err)
	}

	s.conn.SetReadDeadline(time.Now().Add(authWait))
	var resp wire.Envelope
	if err := s.conn.ReadJSON(&resp); err != nil {
		return fmt.Errorf("%w: read auth response: %v", domain.ErrConnectionFailed, err)
	}
	s.conn.SetReadDeadline(time.Time{})

	switch resp.Event {
	case wire.EventAuthOK:
		return nil
	case wire.EventConnectError:
		var e wire.Error
		_ = json.Unmarshal(resp.Payload, &e)
		return fmt.Errorf("%w: %s", domain.ErrConnectionFailed, e.Message)
	default:
		return fmt.Errorf("%w: unexpected handshake frame %q", domain.ErrConnectionFailed, resp.Event)
	}
}

// Done closes when the session ends for any reason.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Close shuts the session down. Idempotent.
func (s *Session) Close() {
	if !s.closed.CompareAndSwap(0, 1) {
		return
	}
	close(s.done)

	deadline := time.Now().Add(time.Second)
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client closing"), deadline)
	s.conn.Close()
}

// Request sends an event frame and waits for the matching ack. A timeout
// of zero waits until the ack arrives, the context is canceled or the
// session closes; callers that need a bound pass one explicitly. A late
// ack after the wait has been abandoned finds no registered seq and is
// dropped by the read loop.
func (s *Session) Request(ctx context.Context, event string, payload any, timeout time.Duration) (wire.Ack, error) {
	if s.closed.Load() == 1 {
		return wire.Ack{}, domain.ErrNotConnected
	}

	s.mu.Lock()
	s.seq++
	seq := s.seq
	ch := make(chan wire.Ack, 1)
	s.pending[seq] = ch
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.pending, seq)
		s.mu.Unlock()
	}()

	env, err := wire.NewEnvelope(event, seq, payload)
	if err != nil {
		return wire.Ack{}, fmt.Errorf("encode %s: %w", event, err)
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return wire.Ack{}, fmt.Errorf("encode %s: %w", event, err)
	}
	if !s.trySend(raw) {
		return wire.Ack{}, domain.ErrNotConnected
	}

	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}

	select {
	case ack := <-ch:
		return ack, nil
	case <-timer:
		return wire.Ack{}, fmt.Errorf("%w: %s after %s", domain.ErrTimeout, event, timeout)
	case <-ctx.Done():
		return wire.Ack{}, ctx.Err()
	case <-s.done:
		return wire.Ack{}, domain.ErrNotConnected
	}
}

func (s *Session) trySend(msg []byte) bool {
	if s.closed.Load() == 1 {
		return false
	}
	select {
	case s.sendQueue <- msg:
		return true
	default:
		s.log.Warn("session: send queue overflow, dropping connection", zap.String("user_id", s.UserID))
		s.Close()
		return false
	}
}

func (s *Session) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.Close()
	}()

	for {
		select {
		case msg := <-s.sendQueue:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				s.log.Error("session: write error", zap.String("user_id", s.UserID), zap.Error(err))
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.log.Error("session: ping error", zap.String("user_id", s.UserID), zap.Error(err))
				return
			}
		case <-s.done:
			return
		}
	}
}

func (s *Session) readLoop() {
	defer s.Close()

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.log.Error("session: read error", zap.String("user_id", s.UserID), zap.Error(err))
			}
			return
		}

		var env wire.Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			s.log.Warn("session: malformed frame", zap.Error(err))
			continue
		}

		if env.Event == wire.EventAck {
			s.resolveAck(env)
			continue
		}

		if s.handler != nil {
			s.handler(env.Event, env.Payload)
		}
	}
}

func (s *Session) resolveAck(env wire.Envelope) {
	var ack wire.Ack
	if err := json.Unmarshal(env.Payload, &ack); err != nil {
		s.log.Warn("session: malformed ack", zap.Error(err))
		return
	}

	s.mu.Lock()
	ch, ok := s.pending[env.Seq]
	if ok {
		delete(s.pending, env.Seq)
	}
	s.mu.Unlock()

	if !ok {
		// Waiter already gave up; silently ignore the late ack.
		return
	}
	ch <- ack
}
