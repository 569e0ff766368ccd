// Package store holds the ordered message logs, performs optimistic
// insert and reconciliation, and computes the derived views the UI reads.
// Conversations are kept in a bounded map keyed by channel id with an
// active pointer, so switching counterparts no longer discards history.
package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"chatkit/internal/config"
	"chatkit/internal/dispatcher"
	"chatkit/internal/domain"
	"chatkit/internal/observability"
	"chatkit/internal/room"
	"chatkit/internal/wire"
)

// Sender transmits an outbound message; the dispatcher implements it.
type Sender interface {
	Send(ctx context.Context, msg domain.Message) (domain.Message, error)
}

// HistoryFetcher pages older messages in from a history collaborator.
type HistoryFetcher interface {
	FetchPage(ctx context.Context, channelID string, page, size int) ([]domain.Message, error)
}

// Archiver persists confirmed messages. Optional; failures are logged,
// never surfaced.
type Archiver interface {
	Save(ctx context.Context, msg domain.Message) error
}

// Conversation is the ordered message log for a single counterpart,
// sorted ascending by timestamp.
type Conversation struct {
	ChannelID   string
	Counterpart domain.User
	CurrentPage int
	HasMore     bool

	messages []domain.Message
	lastUsed time.Time
	loading  bool
}

type Store struct {
	sender  Sender
	history HistoryFetcher
	archive Archiver
	now     func() time.Time
	log     *zap.Logger

	pageSize         int
	maxConversations int

	mu            sync.Mutex
	currentUserID string
	conversations map[string]*Conversation
	active        *Conversation
}

func New(sender Sender, history HistoryFetcher, archive Archiver, cfg *config.Config) *Store {
	return &Store{
		sender:           sender,
		history:          history,
		archive:          archive,
		now:              time.Now,
		log:              observability.GetLogger(context.Background()),
		pageSize:         cfg.PageSize,
		maxConversations: cfg.MaxConversations,
		conversations:    make(map[string]*Conversation),
	}
}

// SetNow injects a clock for tests.
func (s *Store) SetNow(now func() time.Time) { s.now = now }

// SetCurrentUser sets the identity that owns this store.
func (s *Store) SetCurrentUser(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.currentUserID = userID
}

// SetActiveCounterpart switches the active conversation, creating it on
// first use. Prior conversations stay resident up to the retention cap.
func (s *Store) SetActiveCounterpart(user domain.User) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	channelID := room.ChannelID(s.currentUserID, user.ID)
	conv := s.conversations[channelID]
	created := conv == nil
	if created {
		conv = &Conversation{
			ChannelID:   channelID,
			Counterpart: user,
			CurrentPage: 1,
			HasMore:     true,
		}
		s.conversations[channelID] = conv
	}
	conv.Counterpart = user
	conv.lastUsed = s.now()
	s.active = conv
	if created {
		s.evictLocked()
	}
	return channelID
}

// ActiveChannelID returns the active conversation's channel id, or "".
func (s *Store) ActiveChannelID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil {
		return ""
	}
	return s.active.ChannelID
}

// evictLocked drops the least-recently-used conversation when over the
// retention cap. The active conversation is never evicted.
func (s *Store) evictLocked() {
	for len(s.conversations) > s.maxConversations {
		var victim *Conversation
		for _, c := range s.conversations {
			if c == s.active {
				continue
			}
			if victim == nil || c.lastUsed.Before(victim.lastUsed) {
				victim = c
			}
		}
		if victim == nil {
			return
		}
		delete(s.conversations, victim.ChannelID)
		s.log.Info("evicted conversation", zap.String("channel_id", victim.ChannelID))
	}
}

// SendMessage performs the optimistic send flow: insert a pending message
// locally, transmit through the dispatcher, then reconcile the outcome.
func (s *Store) SendMessage(ctx context.Context, content string) (domain.Message, error) {
	s.mu.Lock()
	if s.active == nil {
		s.mu.Unlock()
		return domain.Message{}, fmt.Errorf("%w: no active conversation", domain.ErrValidation)
	}
	msg := domain.Message{
		ClientID:      dispatcher.NewClientID(),
		FromUserID:    s.currentUserID,
		ToUserID:      s.active.Counterpart.ID,
		ChannelID:     s.active.ChannelID,
		Content:       strings.TrimSpace(content),
		Type:          domain.MessageTypeText,
		Timestamp:     s.now(),
		IsOwn:         true,
		DeliveryState: domain.DeliveryPending,
	}
	s.mu.Unlock()

	if !msg.Valid() {
		return msg, fmt.Errorf("%w: empty content", domain.ErrValidation)
	}

	s.AppendLocal(msg)

	sent, err := s.sender.Send(ctx, msg)
	if err != nil {
		s.ReconcileFailure(msg.ClientID, err)
		msg.DeliveryState = domain.DeliveryFailed
		msg.SendError = err.Error()
		return msg, err
	}

	s.ReconcileSuccess(msg.ClientID, sent.ID, sent.Timestamp)
	msg.ID = sent.ID
	if !sent.Timestamp.IsZero() {
		msg.Timestamp = sent.Timestamp
	}
	msg.DeliveryState = domain.DeliverySent
	s.archiveMessage(ctx, msg)
	return msg, nil
}

// AppendLocal inserts an optimistic pending message into its conversation
// and re-sorts the log by timestamp.
func (s *Store) AppendLocal(msg domain.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv := s.conversations[msg.ChannelID]
	if conv == nil {
		if s.active == nil {
			return
		}
		conv = s.active
	}
	conv.messages = append(conv.messages, msg)
	sortByTimestamp(conv.messages)
}

// ReconcileSuccess finds the pending message by clientId, marks it sent
// and adopts the server-assigned id and timestamp.
func (s *Store) ReconcileSuccess(clientID, serverID string, ts time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, i := s.findByClientIDLocked(clientID)
	if conv == nil {
		return
	}
	m := &conv.messages[i]
	m.DeliveryState = domain.DeliverySent
	m.SendError = ""
	if serverID != "" {
		m.ID = serverID
	}
	if !ts.IsZero() {
		m.Timestamp = ts
		sortByTimestamp(conv.messages)
	}
}

// ReconcileFailure marks the pending message failed and attaches the
// error for the UI's retry affordance.
func (s *Store) ReconcileFailure(clientID string, cause error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, i := s.findByClientIDLocked(clientID)
	if conv == nil {
		return
	}
	conv.messages[i].DeliveryState = domain.DeliveryFailed
	if cause != nil {
		conv.messages[i].SendError = cause.Error()
	}
}

func (s *Store) findByClientIDLocked(clientID string) (*Conversation, int) {
	for _, conv := range s.conversations {
		for i := range conv.messages {
			if conv.messages[i].ClientID == clientID {
				return conv, i
			}
		}
	}
	return nil, -1
}

// IngestInbound normalizes and files a confirmed inbound message.
// Field-name variants are resolved here: senderId vs fromUserId, and a
// missing toUserId is recovered from the room id. Messages unrelated to
// the current user or any resident conversation are dropped. Note that
// ingest does not dedup against already-stored messages; replaying the
// same message appends it twice. Known gap carried from the source
// behavior on reconnect/offline-replay overlap.
func (s *Store) IngestInbound(m wire.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	from := m.SenderID
	if from == "" {
		from = m.FromUserID
	}
	to := m.ToUserID
	if to == "" && m.RoomID != "" {
		if other := room.OtherParticipant(m.RoomID, s.currentUserID); other != room.Unknown {
			to = other
		}
	}
	channelID := m.RoomID
	if channelID == "" && from != "" && to != "" {
		channelID = room.ChannelID(from, to)
	}
	if from == "" || channelID == "" {
		s.log.Warn("dropping inbound message without sender or channel", zap.String("id", m.ID))
		return false
	}

	conv := s.conversations[channelID]
	if conv == nil {
		if from != s.currentUserID && to != s.currentUserID {
			return false
		}
		counterpartID := room.OtherParticipant(channelID, s.currentUserID)
		if counterpartID == room.Unknown {
			counterpartID = from
		}
		conv = &Conversation{
			ChannelID:   channelID,
			Counterpart: domain.User{ID: counterpartID},
			CurrentPage: 1,
			HasMore:     true,
			lastUsed:    s.now(),
		}
		s.conversations[channelID] = conv
		s.evictLocked()
	}

	msg := domain.Message{
		ID:            m.ID,
		ClientID:      m.ClientID,
		FromUserID:    from,
		ToUserID:      to,
		ChannelID:     channelID,
		Content:       m.Content,
		Type:          m.Type,
		Timestamp:     m.Timestamp,
		IsOwn:         from == s.currentUserID,
		IsRead:        false,
		DeliveryState: domain.DeliverySent,
	}
	if msg.Type == "" {
		msg.Type = domain.MessageTypeText
	}
	conv.messages = append(conv.messages, msg)
	sortByTimestamp(conv.messages)

	if s.archive != nil {
		go s.archiveMessage(context.Background(), msg)
	}
	return true
}

func (s *Store) archiveMessage(ctx context.Context, msg domain.Message) {
	if s.archive == nil {
		return
	}
	if err := s.archive.Save(ctx, msg); err != nil {
		s.log.Warn("archive save failed", zap.String("client_id", msg.ClientID), zap.Error(err))
	}
}

// Messages returns a snapshot of the active conversation's log.
func (s *Store) Messages() []domain.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil {
		return nil
	}
	out := make([]domain.Message, len(s.active.messages))
	copy(out, s.active.messages)
	return out
}

// UnreadCount counts inbound unread messages in the active conversation.
func (s *Store) UnreadCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil {
		return 0
	}
	n := 0
	for _, m := range s.active.messages {
		if !m.IsOwn && !m.IsRead {
			n++
		}
	}
	return n
}

// LastMessage returns the tail of the active sorted log.
func (s *Store) LastMessage() (domain.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil || len(s.active.messages) == 0 {
		return domain.Message{}, false
	}
	return s.active.messages[len(s.active.messages)-1], true
}

// MarkRead flips the flag on one inbound unread message. Returns whether
// anything changed.
func (s *Store) MarkRead(messageID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil {
		return false
	}
	for i := range s.active.messages {
		m := &s.active.messages[i]
		if m.ID == messageID && !m.IsOwn && !m.IsRead {
			m.IsRead = true
			return true
		}
	}
	return false
}

// MarkAllRead flips every unread inbound message in the active
// conversation and returns the affected ids.
func (s *Store) MarkAllRead() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil {
		return nil
	}
	var ids []string
	for i := range s.active.messages {
		m := &s.active.messages[i]
		if !m.IsOwn && !m.IsRead {
			m.IsRead = true
			ids = append(ids, m.ID)
		}
	}
	return ids
}

// UnreadInboundIDs lists inbound unread ids without flipping them. Used
// by the disconnect flow to flush receipts before closing.
func (s *Store) UnreadInboundIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil {
		return nil
	}
	var ids []string
	for _, m := range s.active.messages {
		if !m.IsOwn && !m.IsRead {
			ids = append(ids, m.ID)
		}
	}
	return ids
}

// LoadOlderPage pulls the next page of history into the head of the
// active log. A short page marks the conversation exhausted.
func (s *Store) LoadOlderPage(ctx context.Context) error {
	s.mu.Lock()
	conv := s.active
	if conv == nil {
		s.mu.Unlock()
		return fmt.Errorf("%w: no active conversation", domain.ErrValidation)
	}
	if conv.loading || !conv.HasMore || s.history == nil {
		s.mu.Unlock()
		return nil
	}
	conv.loading = true
	channelID := conv.ChannelID
	page := conv.CurrentPage
	s.mu.Unlock()

	older, err := s.history.FetchPage(ctx, channelID, page, s.pageSize)

	s.mu.Lock()
	defer s.mu.Unlock()
	conv.loading = false
	if err != nil {
		return fmt.Errorf("load history page %d: %w", page, err)
	}
	if len(older) < s.pageSize {
		conv.HasMore = false
	}
	conv.CurrentPage++
	conv.messages = append(older, conv.messages...)
	sortByTimestamp(conv.messages)
	return nil
}

// ClearActive discards the active conversation's in-memory log.
func (s *Store) ClearActive() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil {
		return
	}
	delete(s.conversations, s.active.ChannelID)
	s.active = nil
}

// Reset drops all conversations. Used on disconnect.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conversations = make(map[string]*Conversation)
	s.active = nil
}

func sortByTimestamp(msgs []domain.Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].Timestamp.Before(msgs[j].Timestamp)
	})
}
