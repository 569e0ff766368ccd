package receipts

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatkit/internal/config"
	"chatkit/internal/domain"
	"chatkit/internal/store"
	"chatkit/internal/wire"
)

type recordingFlusher struct {
	mu      sync.Mutex
	batches [][]string
	err     error
}

func (f *recordingFlusher) SendReadReceipt(ctx context.Context, ids []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	batch := make([]string, len(ids))
	copy(batch, ids)
	f.batches = append(f.batches, batch)
	return f.err
}

func (f *recordingFlusher) snapshot() [][]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]string, len(f.batches))
	copy(out, f.batches)
	return out
}

type nopSender struct{}

func (nopSender) Send(ctx context.Context, msg domain.Message) (domain.Message, error) {
	return msg, nil
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s := store.New(nopSender{}, nil, nil, &config.Config{PageSize: 20, MaxConversations: 32})
	s.SetCurrentUser("u1")
	s.SetActiveCounterpart(domain.User{ID: "u2"})
	return s
}

func ingest(t *testing.T, s *store.Store, id, sender string, sec int) {
	t.Helper()
	ok := s.IngestInbound(wire.Message{
		ID: id, SenderID: sender, RoomID: "room_u1_u2",
		Content:   "m-" + id,
		Timestamp: time.Date(2026, 8, 28, 12, 0, sec, 0, time.UTC),
	})
	require.True(t, ok)
}

func TestMarkAllReadBatchesOnlyInboundUnread(t *testing.T) {
	s := newTestStore(t)
	ingest(t, s, "m1", "u2", 1)
	ingest(t, s, "m2", "u2", 2)
	ingest(t, s, "m3", "u2", 3)
	ingest(t, s, "m4", "u1", 4) // own, no read flag
	ingest(t, s, "m5", "u1", 5)

	flusher := &recordingFlusher{}
	tr := NewTracker(s, flusher)

	tr.MarkAllRead()
	tr.Wait()

	batches := flusher.snapshot()
	require.Len(t, batches, 1, "one conversation flip is one receipt")
	got := batches[0]
	sort.Strings(got)
	assert.Equal(t, []string{"m1", "m2", "m3"}, got)
	assert.Equal(t, 0, s.UnreadCount())
}

func TestMarkAllReadWithNothingUnread(t *testing.T) {
	s := newTestStore(t)
	flusher := &recordingFlusher{}
	tr := NewTracker(s, flusher)

	tr.MarkAllRead()
	tr.Wait()
	assert.Empty(t, flusher.snapshot())
}

func TestMarkReadFlushesSingleID(t *testing.T) {
	s := newTestStore(t)
	ingest(t, s, "m1", "u2", 1)

	flusher := &recordingFlusher{}
	tr := NewTracker(s, flusher)

	tr.MarkRead("m1")
	tr.Wait()
	require.Equal(t, [][]string{{"m1"}}, flusher.snapshot())

	// Already read: no local change, no second receipt.
	tr.MarkRead("m1")
	tr.Wait()
	assert.Len(t, flusher.snapshot(), 1)
}

func TestMarkReadOwnMessageIsNoop(t *testing.T) {
	s := newTestStore(t)
	ingest(t, s, "m1", "u1", 1)

	flusher := &recordingFlusher{}
	tr := NewTracker(s, flusher)
	tr.MarkRead("m1")
	tr.Wait()
	assert.Empty(t, flusher.snapshot())
}

func TestFlushFailureKeepsLocalState(t *testing.T) {
	s := newTestStore(t)
	ingest(t, s, "m1", "u2", 1)

	flusher := &recordingFlusher{err: errors.New("receipt timed out")}
	tr := NewTracker(s, flusher)

	tr.MarkAllRead()
	tr.Wait()

	// The flush failed but the local flip stands.
	assert.Equal(t, 0, s.UnreadCount())
	assert.Len(t, flusher.snapshot(), 1)
}

func TestFlushPendingDoesNotFlip(t *testing.T) {
	s := newTestStore(t)
	ingest(t, s, "m1", "u2", 1)
	ingest(t, s, "m2", "u2", 2)

	flusher := &recordingFlusher{}
	tr := NewTracker(s, flusher)

	tr.FlushPending(context.Background())

	batches := flusher.snapshot()
	require.Len(t, batches, 1)
	got := batches[0]
	sort.Strings(got)
	assert.Equal(t, []string{"m1", "m2"}, got)
	assert.Equal(t, 2, s.UnreadCount(), "disconnect flush reports without flipping")
}
