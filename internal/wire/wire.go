// Package wire defines the JSON frames exchanged over the persistent
// connection. Every frame is an Envelope; request/response pairs are
// correlated by the client-assigned Seq, echoed back on "ack" frames.
package wire

import (
	"encoding/json"
	"time"
)

// Event names carried in the envelope.
const (
	// Client -> server.
	EventAuth         = "auth"
	EventSendMessage  = "send_message"
	EventJoinRoom     = "join_room"
	EventLeaveRoom    = "leave_room"
	EventReadReceipt  = "read_receipt"
	EventFetchOffline = "fetch_offline_messages"

	// Server -> client.
	EventAuthOK           = "auth_ok"
	EventConnectError     = "connect_error"
	EventAck              = "ack"
	EventNewMessage       = "new_message"
	EventOfflineMessages  = "offline_messages"
	EventMessageAck       = "message_ack"
	EventMessageDelivered = "message_delivered"
	EventMessageRead      = "message_read"
	EventError            = "error"
)

// Envelope wraps every frame on the wire. Seq is zero for frames that are
// not part of a request/response exchange.
type Envelope struct {
	Event   string          `json:"event"`
	Seq     uint64          `json:"seq,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewEnvelope marshals payload into an envelope for event.
func NewEnvelope(event string, seq uint64, payload any) (Envelope, error) {
	env := Envelope{Event: event, Seq: seq}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return Envelope{}, err
		}
		env.Payload = raw
	}
	return env, nil
}

// Ack is the payload of an "ack" frame answering the request with the same
// seq. Data holds the operation result when Success is true.
type Ack struct {
	Success bool            `json:"success"`
	Error   string          `json:"error,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Auth is the connection-time handshake payload.
type Auth struct {
	UserID string `json:"userId"`
	Token  string `json:"token"`
}

// SendMessage is the outbound chat message frame.
type SendMessage struct {
	FromUserID string    `json:"fromUserId"`
	ToUserID   string    `json:"toUserId"`
	Content    string    `json:"content"`
	Timestamp  time.Time `json:"timestamp"`
	Type       string    `json:"type"`
	RoomID     string    `json:"roomId"`
	ClientID   string    `json:"clientId"`
}

// RoomChange asks the server to add or remove the session from a room.
type RoomChange struct {
	RoomID string `json:"roomId"`
}

// ReadReceipt reports messages the user has viewed.
type ReadReceipt struct {
	MessageIDs []string `json:"messageIds"`
}

// Message is the server-side message shape. Producing paths disagree on
// the sender field name: direct deliveries carry senderId, acks and
// offline replay carry fromUserId. toUserId may be absent entirely, in
// which case it is recoverable from roomId.
type Message struct {
	ID         string    `json:"id,omitempty"`
	ClientID   string    `json:"clientId,omitempty"`
	SenderID   string    `json:"senderId,omitempty"`
	FromUserID string    `json:"fromUserId,omitempty"`
	ToUserID   string    `json:"toUserId,omitempty"`
	RoomID     string    `json:"roomId,omitempty"`
	Content    string    `json:"content"`
	Type       string    `json:"type,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Error is the payload of server "error" and "connect_error" frames.
type Error struct {
	Message string `json:"message"`
}
