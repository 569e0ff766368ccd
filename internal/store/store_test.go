package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatkit/internal/config"
	"chatkit/internal/domain"
	"chatkit/internal/wire"
)

func testConfig() *config.Config {
	return &config.Config{PageSize: 3, MaxConversations: 32}
}

// fakeSender captures the outbound message and can observe store state
// mid-send, the way the dispatcher would while the message is pending.
type fakeSender struct {
	store   *Store
	sent    []domain.Message
	respond func(msg domain.Message) (domain.Message, error)
}

func (f *fakeSender) Send(ctx context.Context, msg domain.Message) (domain.Message, error) {
	f.sent = append(f.sent, msg)
	if f.respond != nil {
		return f.respond(msg)
	}
	return msg, nil
}

type fakeHistory struct {
	pages map[int][]domain.Message
	calls []int
}

func (f *fakeHistory) FetchPage(ctx context.Context, channelID string, page, size int) ([]domain.Message, error) {
	f.calls = append(f.calls, page)
	return f.pages[page], nil
}

func newTestStore(sender Sender, history HistoryFetcher) *Store {
	s := New(sender, history, nil, testConfig())
	s.SetCurrentUser("u1")
	s.SetActiveCounterpart(domain.User{ID: "u2", Username: "bob"})
	return s
}

func at(sec int) time.Time {
	return time.Date(2026, 8, 28, 12, 0, sec, 0, time.UTC)
}

func TestSendMessagePendingThenReconciled(t *testing.T) {
	sender := &fakeSender{}
	var duringSend []domain.Message
	sender.respond = func(msg domain.Message) (domain.Message, error) {
		// Snapshot while the send is in flight: the optimistic insert
		// must already be visible and pending.
		duringSend = sender.store.Messages()
		msg.ID = "msg-1"
		msg.Timestamp = msg.Timestamp.Add(120 * time.Millisecond)
		return msg, nil
	}
	s := newTestStore(sender, nil)
	sender.store = s

	out, err := s.SendMessage(context.Background(), "  hello  ")
	require.NoError(t, err)

	require.Len(t, duringSend, 1)
	assert.Equal(t, domain.DeliveryPending, duringSend[0].DeliveryState)
	assert.Equal(t, "hello", duringSend[0].Content)
	assert.True(t, duringSend[0].IsOwn)
	assert.NotEmpty(t, duringSend[0].ClientID)

	assert.Equal(t, "msg-1", out.ID)
	assert.Equal(t, domain.DeliverySent, out.DeliveryState)

	log := s.Messages()
	require.Len(t, log, 1)
	assert.Equal(t, "msg-1", log[0].ID)
	assert.Equal(t, duringSend[0].ClientID, log[0].ClientID)
	assert.Equal(t, domain.DeliverySent, log[0].DeliveryState)
}

func TestSendMessageUniqueClientIDs(t *testing.T) {
	sender := &fakeSender{}
	s := newTestStore(sender, nil)
	sender.store = s

	_, err := s.SendMessage(context.Background(), "one")
	require.NoError(t, err)
	_, err = s.SendMessage(context.Background(), "two")
	require.NoError(t, err)

	require.Len(t, sender.sent, 2)
	assert.NotEqual(t, sender.sent[0].ClientID, sender.sent[1].ClientID)
}

func TestSendMessageFailureKeepsMessageWithError(t *testing.T) {
	cause := errors.New("socket hangup")
	sender := &fakeSender{respond: func(msg domain.Message) (domain.Message, error) {
		return msg, cause
	}}
	s := newTestStore(sender, nil)
	sender.store = s

	_, err := s.SendMessage(context.Background(), "hello")
	assert.ErrorIs(t, err, cause)

	log := s.Messages()
	require.Len(t, log, 1, "failed sends stay in the log for retry")
	assert.Equal(t, domain.DeliveryFailed, log[0].DeliveryState)
	assert.Equal(t, "socket hangup", log[0].SendError)
}

func TestSendMessageEmptyContent(t *testing.T) {
	sender := &fakeSender{}
	s := newTestStore(sender, nil)
	sender.store = s

	_, err := s.SendMessage(context.Background(), "   ")
	assert.ErrorIs(t, err, domain.ErrValidation)
	assert.Empty(t, s.Messages())
	assert.Empty(t, sender.sent)
}

func TestSendMessageNoActiveConversation(t *testing.T) {
	s := New(&fakeSender{}, nil, nil, testConfig())
	s.SetCurrentUser("u1")
	_, err := s.SendMessage(context.Background(), "hello")
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestLogSortedByTimestampAfterInsert(t *testing.T) {
	s := newTestStore(&fakeSender{}, nil)

	s.AppendLocal(domain.Message{ClientID: "c2", ChannelID: "room_u1_u2", Content: "b", Timestamp: at(20)})
	s.AppendLocal(domain.Message{ClientID: "c1", ChannelID: "room_u1_u2", Content: "a", Timestamp: at(10)})
	s.AppendLocal(domain.Message{ClientID: "c3", ChannelID: "room_u1_u2", Content: "c", Timestamp: at(30)})

	log := s.Messages()
	require.Len(t, log, 3)
	assert.Equal(t, []string{"a", "b", "c"}, []string{log[0].Content, log[1].Content, log[2].Content})
}

func TestReconcileAdoptsServerTimestampAndResorts(t *testing.T) {
	s := newTestStore(&fakeSender{}, nil)

	s.AppendLocal(domain.Message{ClientID: "c1", ChannelID: "room_u1_u2", Content: "early", Timestamp: at(10), DeliveryState: domain.DeliveryPending})
	s.AppendLocal(domain.Message{ClientID: "c2", ChannelID: "room_u1_u2", Content: "late", Timestamp: at(20)})

	// Server assigns c1 a timestamp after c2; the log must re-sort.
	s.ReconcileSuccess("c1", "msg-9", at(30))

	log := s.Messages()
	require.Len(t, log, 2)
	assert.Equal(t, "late", log[0].Content)
	assert.Equal(t, "early", log[1].Content)
	assert.Equal(t, "msg-9", log[1].ID)
	assert.Equal(t, domain.DeliverySent, log[1].DeliveryState)
}

func TestIngestNormalizesSenderID(t *testing.T) {
	s := newTestStore(&fakeSender{}, nil)

	ok := s.IngestInbound(wire.Message{
		ID:        "msg-1",
		SenderID:  "u2", // senderId variant, no fromUserId
		RoomID:    "room_u1_u2",
		Content:   "hey",
		Timestamp: at(1),
	})
	require.True(t, ok)

	log := s.Messages()
	require.Len(t, log, 1)
	assert.Equal(t, "u2", log[0].FromUserID)
	assert.Equal(t, "u2", log[0].ToUserID, "toUserId recovered as the room participant other than the current user")
	assert.Equal(t, "room_u1_u2", log[0].ChannelID)
	assert.False(t, log[0].IsOwn)
	assert.False(t, log[0].IsRead)
	assert.Equal(t, domain.MessageTypeText, log[0].Type)
}

func TestIngestOwnMessageFromOtherDevice(t *testing.T) {
	s := newTestStore(&fakeSender{}, nil)

	ok := s.IngestInbound(wire.Message{
		ID: "msg-2", FromUserID: "u1", ToUserID: "u2",
		RoomID: "room_u1_u2", Content: "from my phone", Timestamp: at(2),
	})
	require.True(t, ok)

	log := s.Messages()
	require.Len(t, log, 1)
	assert.True(t, log[0].IsOwn)
}

func TestIngestDropsUnrelatedMessage(t *testing.T) {
	s := newTestStore(&fakeSender{}, nil)

	ok := s.IngestInbound(wire.Message{
		ID: "msg-3", SenderID: "u8", RoomID: "room_u8_u9",
		Content: "not for us", Timestamp: at(3),
	})
	assert.False(t, ok)
	assert.Empty(t, s.Messages())
}

func TestIngestCreatesResidentConversation(t *testing.T) {
	s := newTestStore(&fakeSender{}, nil)

	ok := s.IngestInbound(wire.Message{
		ID: "msg-4", SenderID: "u3", RoomID: "room_u1_u3",
		Content: "new contact", Timestamp: at(4),
	})
	require.True(t, ok)

	// Active conversation (u2) untouched; the u3 log is resident and
	// becomes visible on switch.
	assert.Empty(t, s.Messages())
	s.SetActiveCounterpart(domain.User{ID: "u3"})
	log := s.Messages()
	require.Len(t, log, 1)
	assert.Equal(t, "new contact", log[0].Content)
}

func TestIngestDoesNotDedup(t *testing.T) {
	s := newTestStore(&fakeSender{}, nil)

	msg := wire.Message{ID: "msg-5", SenderID: "u2", RoomID: "room_u1_u2", Content: "dup", Timestamp: at(5)}
	require.True(t, s.IngestInbound(msg))
	require.True(t, s.IngestInbound(msg))

	// Replay overlap appends twice; callers see both entries.
	assert.Len(t, s.Messages(), 2)
}

func TestUnreadCountAndLastMessage(t *testing.T) {
	s := newTestStore(&fakeSender{}, nil)

	s.IngestInbound(wire.Message{ID: "m1", SenderID: "u2", RoomID: "room_u1_u2", Content: "a", Timestamp: at(1)})
	s.IngestInbound(wire.Message{ID: "m2", SenderID: "u2", RoomID: "room_u1_u2", Content: "b", Timestamp: at(2)})
	s.IngestInbound(wire.Message{ID: "m3", SenderID: "u1", RoomID: "room_u1_u2", Content: "mine", Timestamp: at(3)})

	assert.Equal(t, 2, s.UnreadCount())
	last, ok := s.LastMessage()
	require.True(t, ok)
	assert.Equal(t, "m3", last.ID)

	assert.True(t, s.MarkRead("m1"))
	assert.False(t, s.MarkRead("m1"), "second flip is a no-op")
	assert.False(t, s.MarkRead("m3"), "own messages have no read flag to flip")
	assert.Equal(t, 1, s.UnreadCount())
}

func TestMarkAllReadReturnsFlippedIDs(t *testing.T) {
	s := newTestStore(&fakeSender{}, nil)

	s.IngestInbound(wire.Message{ID: "m1", SenderID: "u2", RoomID: "room_u1_u2", Content: "a", Timestamp: at(1)})
	s.IngestInbound(wire.Message{ID: "m2", SenderID: "u2", RoomID: "room_u1_u2", Content: "b", Timestamp: at(2)})
	s.MarkRead("m1")

	ids := s.MarkAllRead()
	assert.Equal(t, []string{"m2"}, ids)
	assert.Equal(t, 0, s.UnreadCount())
	assert.Empty(t, s.MarkAllRead(), "nothing left to flip")
}

func TestLoadOlderPagePrependsAndPages(t *testing.T) {
	history := &fakeHistory{pages: map[int][]domain.Message{
		1: {
			{ID: "h1", ChannelID: "room_u1_u2", Content: "old-1", Timestamp: at(1)},
			{ID: "h2", ChannelID: "room_u1_u2", Content: "old-2", Timestamp: at(2)},
			{ID: "h3", ChannelID: "room_u1_u2", Content: "old-3", Timestamp: at(3)},
		},
		2: {
			{ID: "h0", ChannelID: "room_u1_u2", Content: "old-0", Timestamp: at(0)},
		},
	}}
	s := newTestStore(&fakeSender{}, history)
	s.AppendLocal(domain.Message{ClientID: "c1", ChannelID: "room_u1_u2", Content: "live", Timestamp: at(10)})

	require.NoError(t, s.LoadOlderPage(context.Background()))
	log := s.Messages()
	require.Len(t, log, 4)
	assert.Equal(t, "old-1", log[0].Content)
	assert.Equal(t, "live", log[3].Content)

	// Second page is short, so the conversation is exhausted.
	require.NoError(t, s.LoadOlderPage(context.Background()))
	assert.Len(t, s.Messages(), 5)
	require.NoError(t, s.LoadOlderPage(context.Background()))
	assert.Equal(t, []int{1, 2}, history.calls, "exhausted conversations stop fetching")
}

func TestSwitchingCounterpartKeepsHistory(t *testing.T) {
	s := newTestStore(&fakeSender{}, nil)

	s.IngestInbound(wire.Message{ID: "m1", SenderID: "u2", RoomID: "room_u1_u2", Content: "for bob log", Timestamp: at(1)})
	s.SetActiveCounterpart(domain.User{ID: "u3", Username: "carol"})
	assert.Empty(t, s.Messages())

	s.SetActiveCounterpart(domain.User{ID: "u2", Username: "bob"})
	log := s.Messages()
	require.Len(t, log, 1)
	assert.Equal(t, "for bob log", log[0].Content)
}

func TestEvictionKeepsActiveAndRecent(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConversations = 2
	s := New(&fakeSender{}, nil, nil, cfg)
	s.SetCurrentUser("u1")

	clock := at(0)
	s.SetNow(func() time.Time { return clock })

	s.SetActiveCounterpart(domain.User{ID: "u2"})
	clock = at(1)
	s.SetActiveCounterpart(domain.User{ID: "u3"})
	clock = at(2)
	s.SetActiveCounterpart(domain.User{ID: "u4"}) // evicts u2, the LRU

	s.IngestInbound(wire.Message{ID: "m1", SenderID: "u3", RoomID: "room_u1_u3", Content: "kept", Timestamp: at(3)})

	s.SetActiveCounterpart(domain.User{ID: "u3"})
	assert.Len(t, s.Messages(), 1, "recently used conversation survived")

	s.SetActiveCounterpart(domain.User{ID: "u2"})
	assert.Empty(t, s.Messages(), "evicted conversation came back empty")
}

func TestClearActiveAndReset(t *testing.T) {
	s := newTestStore(&fakeSender{}, nil)
	s.IngestInbound(wire.Message{ID: "m1", SenderID: "u2", RoomID: "room_u1_u2", Content: "x", Timestamp: at(1)})

	s.ClearActive()
	assert.Empty(t, s.Messages())
	assert.Equal(t, "", s.ActiveChannelID())

	s.SetActiveCounterpart(domain.User{ID: "u2"})
	assert.Empty(t, s.Messages(), "cleared log does not reappear")

	s.IngestInbound(wire.Message{ID: "m2", SenderID: "u2", RoomID: "room_u1_u2", Content: "y", Timestamp: at(2)})
	s.Reset()
	assert.Equal(t, "", s.ActiveChannelID())
}
