// Package receipts marks messages read locally and flushes batched read
// receipts to the server. Local state is authoritative: a failed flush is
// logged and forgotten, never surfaced.
package receipts

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"chatkit/internal/observability"
	"chatkit/internal/store"
)

// Flusher delivers a batch of read message ids to the server; the
// dispatcher implements it.
type Flusher interface {
	SendReadReceipt(ctx context.Context, messageIDs []string) error
}

type Tracker struct {
	store   *store.Store
	flusher Flusher
	log     *zap.Logger
	wg      sync.WaitGroup
}

func NewTracker(st *store.Store, flusher Flusher) *Tracker {
	return &Tracker{
		store:   st,
		flusher: flusher,
		log:     observability.GetLogger(context.Background()),
	}
}

// MarkRead flips one message locally if it is inbound and unread, then
// flushes a receipt for that single id in the background.
func (t *Tracker) MarkRead(messageID string) {
	if !t.store.MarkRead(messageID) {
		return
	}
	t.flushAsync([]string{messageID})
}

// MarkAllRead flips every unread inbound message in the active
// conversation and flushes one receipt covering all affected ids.
func (t *Tracker) MarkAllRead() {
	ids := t.store.MarkAllRead()
	if len(ids) == 0 {
		return
	}
	t.flushAsync(ids)
}

// FlushPending sends a receipt for everything still unread, without
// flipping local state. Called on disconnect so the peer sees what was on
// screen before the session closed.
func (t *Tracker) FlushPending(ctx context.Context) {
	ids := t.store.UnreadInboundIDs()
	if len(ids) == 0 {
		return
	}
	t.flush(ctx, ids)
}

// Wait blocks until in-flight background flushes finish. Test hook and
// shutdown aid.
func (t *Tracker) Wait() {
	t.wg.Wait()
}

func (t *Tracker) flushAsync(ids []string) {
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		t.flush(context.Background(), ids)
	}()
}

func (t *Tracker) flush(ctx context.Context, ids []string) {
	if err := t.flusher.SendReadReceipt(ctx, ids); err != nil {
		// Best-effort signal to the peer; local state stays authoritative.
		observability.ReceiptFlushesTotal.WithLabelValues("failed").Inc()
		t.log.Warn("read receipt flush failed", zap.Int("count", len(ids)), zap.Error(err))
		return
	}
	observability.ReceiptFlushesTotal.WithLabelValues("ok").Inc()
}
