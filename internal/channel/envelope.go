package channel

import (
	"encoding/json"
	"time"
)

// Frame types on the push channel.
const (
	// Server to client.
	EventConnected  = "connected"
	EventError      = "error"
	EventNewMessage = "new_message"
	EventTypingOn   = "typing_start"
	EventTypingOff  = "typing_stop"
	EventUserStatus = "user_status"

	// Client to server.
	CmdJoin          = "join_conversation"
	CmdTypingStart   = "typing_start"
	CmdTypingStop    = "typing_stop"
	CmdGetUserStatus = "get_user_status"
)

// Envelope is the wire format of every frame.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type command struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

type joinPayload struct {
	CounterpartID string `json:"counterpartId"`
	ListingID     string `json:"listingId,omitempty"`
}

type toPayload struct {
	To string `json:"to"`
}

type userPayload struct {
	UserID string `json:"userId"`
}

type errorPayload struct {
	Message string `json:"message"`
}

type typingPayload struct {
	From   string `json:"from"`
	UserID string `json:"userId"`
}

func (p typingPayload) sender() string {
	if p.From != "" {
		return p.From
	}
	return p.UserID
}

// UserStatus is a presence push.
type UserStatus struct {
	UserID   string     `json:"userId"`
	Online   bool       `json:"isOnline"`
	LastSeen *time.Time `json:"lastSeen,omitempty"`
}

// errorReason extracts a human-readable reason from an error frame. Servers
// send either {"message": "..."} or a bare string.
func errorReason(raw json.RawMessage) string {
	var p errorPayload
	if json.Unmarshal(raw, &p) == nil && p.Message != "" {
		return p.Message
	}
	var s string
	if json.Unmarshal(raw, &s) == nil && s != "" {
		return s
	}
	return "server rejected the connection"
}
