// Package client owns the session lifecycle: connect, authenticate,
// bounded reconnect, disconnect, and connectivity-state observation.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"chatkit/internal/domain"
	"chatkit/internal/observability"
	"chatkit/internal/transport"
	"chatkit/internal/wire"
)

// Session is the slice of the transport session the rest of the client
// borrows. The manager exclusively owns the concrete session; borrowers
// must not outlive it.
type Session interface {
	Request(ctx context.Context, event string, payload any, timeout time.Duration) (wire.Ack, error)
	Done() <-chan struct{}
	Close()
}

// Dialer opens an authenticated session. Injected so tests can substitute
// the transport.
type Dialer func(ctx context.Context, url, userID, token string, handler transport.EventHandler) (Session, error)

// DialTransport adapts transport.Dial to the Dialer signature.
func DialTransport(ctx context.Context, url, userID, token string, handler transport.EventHandler) (Session, error) {
	return transport.Dial(ctx, url, userID, token, handler)
}

// StateListener observes connectivity-state changes.
type StateListener func(state domain.ConnectionState)

type Manager struct {
	url          string
	maxReconnect int
	dial         Dialer
	log          *zap.Logger

	mu          sync.Mutex
	state       domain.ConnectionState
	session     Session
	userID      string
	token       string
	router      transport.EventHandler
	listeners   []StateListener
	notifyQueue []domain.ConnectionState
	notifying   bool
}

func NewManager(url string, maxReconnect int, dial Dialer) *Manager {
	return &Manager{
		url:          url,
		maxReconnect: maxReconnect,
		dial:         dial,
		state:        domain.StateDisconnected,
		log:          observability.GetLogger(context.Background()),
	}
}

// SetRouter installs the inbound event router. Must be called before
// Connect; the router survives reconnects.
func (m *Manager) SetRouter(h transport.EventHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.router = h
}

// OnStateChange registers a listener for connectivity-state changes.
func (m *Manager) OnStateChange(fn StateListener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

// Status returns the current connectivity state without blocking.
func (m *Manager) Status() domain.ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Session returns the live session for borrowers, or ErrNotConnected.
func (m *Manager) Session() (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != domain.StateConnected || m.session == nil {
		return nil, domain.ErrNotConnected
	}
	return m.session, nil
}

// Connect opens one session and resolves once the transport confirms it.
// A second call while connecting or connected fails fast with
// ErrAlreadyConnected rather than opening a duplicate session.
func (m *Manager) Connect(ctx context.Context, userID, token string) error {
	m.mu.Lock()
	if m.state != domain.StateDisconnected {
		m.mu.Unlock()
		return domain.ErrAlreadyConnected
	}
	m.userID = userID
	m.token = token
	m.setStateLocked(domain.StateConnecting)
	router := m.router
	m.mu.Unlock()

	sess, err := m.dial(ctx, m.url, userID, token, m.route(router))
	if err != nil {
		m.mu.Lock()
		if m.state == domain.StateConnecting {
			m.setStateLocked(domain.StateDisconnected)
		}
		m.mu.Unlock()
		return fmt.Errorf("connect: %w", err)
	}

	m.mu.Lock()
	if m.state != domain.StateConnecting {
		// Disconnect raced the dial; the late session must not win.
		m.mu.Unlock()
		sess.Close()
		return fmt.Errorf("connect: %w", domain.ErrNotConnected)
	}
	m.session = sess
	m.setStateLocked(domain.StateConnected)
	m.mu.Unlock()

	go m.supervise(sess)
	return nil
}

// Disconnect closes the session and transitions to disconnected.
// Idempotent: calling while already disconnected is a no-op.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	sess := m.session
	m.session = nil
	changed := m.state != domain.StateDisconnected
	if changed {
		m.setStateLocked(domain.StateDisconnected)
	}
	m.mu.Unlock()

	if sess != nil {
		sess.Close()
	}
	if changed {
		m.log.Info("disconnected", zap.String("user_id", m.userID))
	}
}

// route wraps the installed router so a nil router is safe.
func (m *Manager) route(h transport.EventHandler) transport.EventHandler {
	return func(event string, payload json.RawMessage) {
		if h != nil {
			h(event, payload)
		}
	}
}

// supervise watches a session until it ends. An unplanned drop triggers
// bounded reconnect attempts; exhausting the bound is surfaced as a fatal
// transition to disconnected, never retried silently forever.
func (m *Manager) supervise(sess Session) {
	<-sess.Done()

	m.mu.Lock()
	if m.session != sess {
		// Replaced or deliberately disconnected; nothing to do.
		m.mu.Unlock()
		return
	}
	m.session = nil
	m.setStateLocked(domain.StateConnecting)
	userID, token, router := m.userID, m.token, m.router
	m.mu.Unlock()

	m.log.Warn("session dropped, reconnecting", zap.String("user_id", userID))

	for attempt := 1; attempt <= m.maxReconnect; attempt++ {
		observability.ReconnectAttemptsTotal.Inc()
		m.log.Info("reconnect attempt",
			zap.Int("attempt", attempt),
			zap.Int("max", m.maxReconnect))

		next, err := m.dial(context.Background(), m.url, userID, token, m.route(router))
		if err == nil {
			m.mu.Lock()
			if m.state != domain.StateConnecting {
				// Disconnect raced the reconnect; drop the fresh session.
				m.mu.Unlock()
				next.Close()
				return
			}
			m.session = next
			m.setStateLocked(domain.StateConnected)
			m.mu.Unlock()
			m.log.Info("reconnected", zap.Int("attempt", attempt))
			go m.supervise(next)
			return
		}

		m.log.Warn("reconnect failed", zap.Int("attempt", attempt), zap.Error(err))
		time.Sleep(backoff(attempt))
	}

	m.mu.Lock()
	m.setStateLocked(domain.StateDisconnected)
	m.mu.Unlock()
	m.log.Error("reconnect attempts exhausted, giving up",
		zap.Int("max", m.maxReconnect), zap.String("user_id", userID))
}

func backoff(attempt int) time.Duration {
	return time.Duration(attempt) * 500 * time.Millisecond
}

// setStateLocked updates state and queues a listener notification.
// Callers hold mu; a single drain goroutine delivers transitions in
// order, off the lock so listeners may call back into the manager.
func (m *Manager) setStateLocked(next domain.ConnectionState) {
	if m.state == next {
		return
	}
	m.state = next
	observability.ConnectionState.Set(stateGaugeValue(next))

	m.notifyQueue = append(m.notifyQueue, next)
	if !m.notifying {
		m.notifying = true
		go m.drainNotifications()
	}
}

func (m *Manager) drainNotifications() {
	for {
		m.mu.Lock()
		if len(m.notifyQueue) == 0 {
			m.notifying = false
			m.mu.Unlock()
			return
		}
		next := m.notifyQueue[0]
		m.notifyQueue = m.notifyQueue[1:]
		listeners := make([]StateListener, len(m.listeners))
		copy(listeners, m.listeners)
		m.mu.Unlock()

		for _, fn := range listeners {
			fn(next)
		}
	}
}

func stateGaugeValue(s domain.ConnectionState) float64 {
	switch s {
	case domain.StateConnected:
		return 2
	case domain.StateConnecting:
		return 1
	default:
		return 0
	}
}
