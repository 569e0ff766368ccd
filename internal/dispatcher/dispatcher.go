// Package dispatcher sends outbound messages with acknowledgment racing
// and routes inbound frames to subscribers. It borrows the session from
// the connection manager and never outlives it.
package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"chatkit/internal/client"
	"chatkit/internal/config"
	"chatkit/internal/domain"
	"chatkit/internal/observability"
	"chatkit/internal/room"
	"chatkit/internal/wire"
)

// SessionProvider yields the current live session or ErrNotConnected.
type SessionProvider interface {
	Session() (client.Session, error)
}

// MessageHandler receives one inbound confirmed message per invocation,
// in delivery order. Replayed offline messages arrive the same way.
type MessageHandler func(msg wire.Message)

// Subscription is an identity-keyed registration handle. Unsubscribing
// one handle never affects delivery to others.
type Subscription struct {
	id uint64
	d  *Dispatcher
}

func (s *Subscription) Unsubscribe() {
	if s == nil || s.d == nil {
		return
	}
	s.d.removeSubscriber(s.id)
	s.d = nil
}

type Dispatcher struct {
	sessions       SessionProvider
	policy         config.AckPolicy
	sendTimeout    time.Duration
	requestTimeout time.Duration
	now            func() time.Time
	log            *zap.Logger

	mu         sync.Mutex
	nextSubID  uint64
	subOrder   []uint64
	subs       map[uint64]MessageHandler
	ackWaiters map[string]chan wire.Message
}

func New(sessions SessionProvider, cfg *config.Config) *Dispatcher {
	return &Dispatcher{
		sessions:       sessions,
		policy:         cfg.AckPolicy,
		sendTimeout:    cfg.SendTimeout,
		requestTimeout: cfg.RequestTimeout,
		now:            time.Now,
		log:            observability.GetLogger(context.Background()),
		subs:           make(map[uint64]MessageHandler),
		ackWaiters:     make(map[string]chan wire.Message),
	}
}

// Send validates, transmits and races two acknowledgment paths: the
// direct ack tied to the request seq and the broadcast message_ack
// matched by clientId. Whichever arrives first resolves the call. With
// the optimistic policy, a send timeout resolves successfully with the
// original payload: absence of an ack does not imply delivery failure on
// this transport. Retries are the caller's responsibility.
func (d *Dispatcher) Send(ctx context.Context, msg domain.Message) (domain.Message, error) {
	content := strings.TrimSpace(msg.Content)
	if content == "" {
		return msg, fmt.Errorf("%w: empty content", domain.ErrValidation)
	}
	if msg.FromUserID == "" {
		return msg, fmt.Errorf("%w: missing fromUserId", domain.ErrValidation)
	}
	if msg.ToUserID == "" {
		return msg, fmt.Errorf("%w: missing toUserId", domain.ErrValidation)
	}

	msg.Content = content
	msg.ChannelID = room.ChannelID(msg.FromUserID, msg.ToUserID)
	if msg.ClientID == "" {
		msg.ClientID = NewClientID()
	}
	if msg.Type == "" {
		msg.Type = domain.MessageTypeText
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = d.now()
	}

	sess, err := d.sessions.Session()
	if err != nil {
		return msg, err
	}

	bcast := d.registerAckWaiter(msg.ClientID)
	defer d.removeAckWaiter(msg.ClientID)

	// Whatever resolves the race also releases the direct-ack goroutine;
	// without this an optimistic resolve would leave it parked in Request
	// until the session closes.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	frame := wire.SendMessage{
		FromUserID: msg.FromUserID,
		ToUserID:   msg.ToUserID,
		Content:    msg.Content,
		Timestamp:  msg.Timestamp,
		Type:       msg.Type,
		RoomID:     msg.ChannelID,
		ClientID:   msg.ClientID,
	}

	type directResult struct {
		ack wire.Ack
		err error
	}
	direct := make(chan directResult, 1)
	go func() {
		// No internal bound: the outer race owns the timer.
		ack, err := sess.Request(ctx, wire.EventSendMessage, frame, 0)
		direct <- directResult{ack, err}
	}()

	start := d.now()
	timer := time.NewTimer(d.sendTimeout)
	defer timer.Stop()

	resolve := func(result string) {
		observability.MessagesSentTotal.WithLabelValues(result).Inc()
		observability.SendLatency.Observe(d.now().Sub(start).Seconds())
	}

	select {
	case r := <-direct:
		if r.err != nil {
			resolve("failed")
			return msg, r.err
		}
		if !r.ack.Success {
			resolve("failed")
			return msg, fmt.Errorf("%w: %s", domain.ErrServerRejected, r.ack.Error)
		}
		resolve("confirmed")
		return adoptAck(msg, r.ack.Data), nil

	case confirmed := <-bcast:
		d.log.Debug("send confirmed via broadcast ack", zap.String("client_id", msg.ClientID))
		resolve("confirmed")
		return adoptMessage(msg, confirmed), nil

	case <-timer.C:
		if d.policy == config.AckRequired {
			resolve("failed")
			return msg, fmt.Errorf("%w: no acknowledgment within %s", domain.ErrTimeout, d.sendTimeout)
		}
		// Optimistic: treat the timeout as sent. Documented tradeoff, not
		// a bug; the server has been observed to deliver without acking.
		d.log.Warn("send ack timed out, resolving optimistically", zap.String("client_id", msg.ClientID))
		resolve("optimistic")
		return msg, nil

	case <-sess.Done():
		resolve("failed")
		return msg, domain.ErrNotConnected

	case <-ctx.Done():
		resolve("failed")
		return msg, ctx.Err()
	}
}

// NewClientID returns a globally unique per-attempt message identifier.
func NewClientID() string {
	return "client-" + uuid.NewString()
}

// adoptAck merges the server-confirmed message from ack data, if any.
func adoptAck(msg domain.Message, data json.RawMessage) domain.Message {
	if len(data) == 0 {
		return msg
	}
	var confirmed wire.Message
	if err := json.Unmarshal(data, &confirmed); err != nil {
		return msg
	}
	return adoptMessage(msg, confirmed)
}

func adoptMessage(msg domain.Message, confirmed wire.Message) domain.Message {
	if confirmed.ID != "" {
		msg.ID = confirmed.ID
	}
	if !confirmed.Timestamp.IsZero() {
		msg.Timestamp = confirmed.Timestamp
	}
	return msg
}

// OnMessage registers a subscriber for inbound confirmed messages.
// Replayed duplicates are passed through as-is; no dedup at this layer.
func (d *Dispatcher) OnMessage(fn MessageHandler) *Subscription {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextSubID++
	id := d.nextSubID
	d.subs[id] = fn
	d.subOrder = append(d.subOrder, id)
	return &Subscription{id: id, d: d}
}

func (d *Dispatcher) removeSubscriber(id uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.subs, id)
	for i, sid := range d.subOrder {
		if sid == id {
			d.subOrder = append(d.subOrder[:i], d.subOrder[i+1:]...)
			break
		}
	}
}

// Reset drops every message subscription and any pending broadcast-ack
// waiters. Called from the disconnect path so a later session starts
// with no stale subscribers; in-flight sends resolve through their
// timeout or session-done paths.
func (d *Dispatcher) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.subs = make(map[uint64]MessageHandler)
	d.subOrder = nil
	d.ackWaiters = make(map[string]chan wire.Message)
}

// JoinRoom requests server-side room membership. Absence of a response is
// a protocol violation here, not an accepted outcome, so there is no
// timeout fallback; bound the wait through ctx.
func (d *Dispatcher) JoinRoom(ctx context.Context, roomID string) error {
	return d.roomChange(ctx, wire.EventJoinRoom, roomID)
}

// LeaveRoom is the inverse of JoinRoom with the same contract.
func (d *Dispatcher) LeaveRoom(ctx context.Context, roomID string) error {
	return d.roomChange(ctx, wire.EventLeaveRoom, roomID)
}

func (d *Dispatcher) roomChange(ctx context.Context, event, roomID string) error {
	sess, err := d.sessions.Session()
	if err != nil {
		return fmt.Errorf("%w: %s", domain.ErrRoomRejected, err)
	}
	ack, err := sess.Request(ctx, event, wire.RoomChange{RoomID: roomID}, 0)
	if err != nil {
		return fmt.Errorf("%s %s: %w", event, roomID, err)
	}
	if !ack.Success {
		return fmt.Errorf("%w: %s %s: %s", domain.ErrRoomRejected, event, roomID, ack.Error)
	}
	return nil
}

// SendReadReceipt reports viewed messages. Unlike Send, a timeout here is
// a hard failure: read state must reflect confirmed server truth.
func (d *Dispatcher) SendReadReceipt(ctx context.Context, messageIDs []string) error {
	sess, err := d.sessions.Session()
	if err != nil {
		return err
	}
	ack, err := sess.Request(ctx, wire.EventReadReceipt, wire.ReadReceipt{MessageIDs: messageIDs}, d.requestTimeout)
	if err != nil {
		return err
	}
	if !ack.Success {
		return fmt.Errorf("%w: read_receipt: %s", domain.ErrServerRejected, ack.Error)
	}
	return nil
}

// FetchOfflineMessages requests the backlog accumulated while the client
// was disconnected. Same hard-timeout contract as SendReadReceipt.
func (d *Dispatcher) FetchOfflineMessages(ctx context.Context) ([]wire.Message, error) {
	sess, err := d.sessions.Session()
	if err != nil {
		return nil, err
	}
	ack, err := sess.Request(ctx, wire.EventFetchOffline, struct{}{}, d.requestTimeout)
	if err != nil {
		return nil, err
	}
	if !ack.Success {
		return nil, fmt.Errorf("%w: fetch_offline_messages: %s", domain.ErrServerRejected, ack.Error)
	}
	var msgs []wire.Message
	if len(ack.Data) > 0 {
		if err := json.Unmarshal(ack.Data, &msgs); err != nil {
			return nil, fmt.Errorf("decode offline messages: %w", err)
		}
	}
	return msgs, nil
}

// Route is the session event router, installed on the connection manager.
// It runs on the transport read-loop goroutine.
func (d *Dispatcher) Route(event string, payload json.RawMessage) {
	switch event {
	case wire.EventNewMessage:
		var msg wire.Message
		if err := json.Unmarshal(payload, &msg); err != nil {
			d.log.Warn("malformed new_message", zap.Error(err))
			return
		}
		d.deliver(msg)

	case wire.EventOfflineMessages:
		var msgs []wire.Message
		if err := json.Unmarshal(payload, &msgs); err != nil {
			d.log.Warn("malformed offline_messages", zap.Error(err))
			return
		}
		for _, msg := range msgs {
			d.deliver(msg)
		}

	case wire.EventMessageAck:
		var msg wire.Message
		if err := json.Unmarshal(payload, &msg); err != nil {
			d.log.Warn("malformed message_ack", zap.Error(err))
			return
		}
		d.resolveBroadcastAck(msg)

	case wire.EventMessageDelivered:
		d.log.Debug("message delivered", zap.ByteString("payload", payload))

	case wire.EventMessageRead:
		d.log.Debug("messages read by peer", zap.ByteString("payload", payload))

	case wire.EventError:
		var e wire.Error
		_ = json.Unmarshal(payload, &e)
		d.log.Error("server error event", zap.String("message", e.Message))

	default:
		d.log.Debug("unhandled event", zap.String("event", event))
	}
}

// deliver invokes subscribers in registration order. The snapshot is
// taken under the lock so a subscriber unsubscribing mid-dispatch cannot
// skip or duplicate delivery to the others.
func (d *Dispatcher) deliver(msg wire.Message) {
	observability.MessagesReceivedTotal.Inc()

	d.mu.Lock()
	order := make([]uint64, len(d.subOrder))
	copy(order, d.subOrder)
	subs := make(map[uint64]MessageHandler, len(d.subs))
	for id, fn := range d.subs {
		subs[id] = fn
	}
	d.mu.Unlock()

	for _, id := range order {
		if fn, ok := subs[id]; ok {
			fn(msg)
		}
	}
}

func (d *Dispatcher) registerAckWaiter(clientID string) <-chan wire.Message {
	ch := make(chan wire.Message, 1)
	d.mu.Lock()
	d.ackWaiters[clientID] = ch
	d.mu.Unlock()
	return ch
}

func (d *Dispatcher) removeAckWaiter(clientID string) {
	d.mu.Lock()
	delete(d.ackWaiters, clientID)
	d.mu.Unlock()
}

func (d *Dispatcher) resolveBroadcastAck(msg wire.Message) {
	d.mu.Lock()
	ch, ok := d.ackWaiters[msg.ClientID]
	if ok {
		delete(d.ackWaiters, msg.ClientID)
	}
	d.mu.Unlock()

	if !ok {
		// The send already resolved; a late broadcast ack is ignored.
		return
	}
	ch <- msg
}
