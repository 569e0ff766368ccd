package domain

import (
	"strings"
	"time"
)

// DeliveryState tracks a locally originated message through reconciliation.
type DeliveryState string

const (
	DeliveryPending DeliveryState = "pending"
	DeliverySent    DeliveryState = "sent"
	DeliveryFailed  DeliveryState = "failed"
)

// ConnectionState is the connectivity state of the client session.
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
)

const MessageTypeText = "text"

// Message is one chat message in a two-party conversation. ClientID is
// generated client-side per send attempt and is the correlation key for
// acknowledgment matching; ID is assigned by the server on confirmation.
type Message struct {
	ID            string
	ClientID      string
	FromUserID    string
	ToUserID      string
	ChannelID     string
	Content       string
	Type          string
	Timestamp     time.Time
	IsOwn         bool
	IsRead        bool
	DeliveryState DeliveryState
	SendError     string
}

// Valid reports whether the message can be sent at all: non-blank content
// and both participants present.
func (m Message) Valid() bool {
	return strings.TrimSpace(m.Content) != "" && m.FromUserID != "" && m.ToUserID != ""
}

// User is a chat counterpart as known to the client.
type User struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Avatar   string `json:"avatar,omitempty"`
}
