package api

import (
	"encoding/json"
	"fmt"

	"github.com/matheus3301/farmchat/internal/chat"
	"github.com/matheus3301/farmchat/internal/contact"
	"github.com/matheus3301/farmchat/internal/inbox"
	"github.com/matheus3301/farmchat/internal/room"
)

// Empty is the request and response of calls that carry nothing.
type Empty struct{}

type StatusResponse struct {
	Session       string         `json:"session"`
	UptimeMs      int64          `json:"uptimeMs"`
	Authenticated bool           `json:"authenticated"`
	UserID        string         `json:"userId,omitempty"`
	Open          []string       `json:"open"`
	Inbox         chat.ViewState `json:"inbox"`
}

type ListRequest struct {
	Query   string `json:"query,omitempty"`
	Refresh bool   `json:"refresh,omitempty"`
}

type ListResponse struct {
	inbox.View
	Query string `json:"query,omitempty"`
}

// KeyRequest names a conversation.
type KeyRequest struct {
	CounterpartID string `json:"counterpartId"`
	ListingID     string `json:"listingId,omitempty"`
}

// Key validates the request and returns the conversation key.
func (r KeyRequest) Key() (chat.ConversationKey, error) {
	if r.CounterpartID == "" {
		return chat.ConversationKey{}, fmt.Errorf("counterpartId is required")
	}
	return chat.ConversationKey{CounterpartID: r.CounterpartID, ListingID: r.ListingID}, nil
}

type ConversationResponse struct {
	room.Snapshot
}

type SendRequest struct {
	KeyRequest
	Text string `json:"text"`
}

// SendResponse carries the entry as it ended up. Error is set when the
// backend rejected the send; the entry is then failed.
type SendResponse struct {
	Message chat.Message `json:"message"`
	Error   string       `json:"error,omitempty"`
}

type CloseResponse struct {
	Closed bool `json:"closed"`
}

type ResolveRequest struct {
	Phone  string `json:"phone"`
	Locale string `json:"locale,omitempty"`
}

type ResolveResponse struct {
	contact.Handoff
}

type WatchRequest struct {
	// Namespace is a kind prefix such as "message."; empty means all.
	Namespace string `json:"namespace,omitempty"`
}

// Event is one bus event as streamed to clients.
type Event struct {
	EventID          string          `json:"eventId"`
	Session          string          `json:"session"`
	OccurredAtUnixMs int64           `json:"occurredAtUnixMs"`
	Kind             string          `json:"kind"`
	Payload          json.RawMessage `json:"payload,omitempty"`
}
