package chat

import (
	"fmt"
	"strings"
	"time"
)

// MaxTextLength is the longest message body accepted for sending, in characters.
const MaxTextLength = 2000

// Direction tells whether a message was written by the local user.
type Direction string

const (
	Mine   Direction = "mine"
	Theirs Direction = "theirs"
)

// DeliveryState tracks an outgoing message. Messages from the counterpart
// carry the zero value.
type DeliveryState string

const (
	Pending DeliveryState = "pending"
	Sent    DeliveryState = "sent"
	Failed  DeliveryState = "failed"
)

// ViewState is what a rendering client shows besides the data itself.
type ViewState string

const (
	// ViewLoading is the first paint: nothing cached and no error yet.
	ViewLoading ViewState = "loading"
	// ViewReady means the data on screen is what the backend last returned.
	ViewReady ViewState = "ready"
	// ViewDegraded means cached data is on screen and the refresh failed.
	ViewDegraded ViewState = "degraded"
	// ViewFailed means the refresh failed and there is nothing to show.
	ViewFailed ViewState = "failed"
)

// ConversationKey scopes one conversation: the counterpart plus the
// marketplace listing the chat was started from, if any.
type ConversationKey struct {
	CounterpartID string `json:"counterpartId"`
	ListingID     string `json:"listingId,omitempty"`
}

// String returns "<counterpart>" or "<counterpart>:<listing>".
func (k ConversationKey) String() string {
	if k.ListingID == "" {
		return k.CounterpartID
	}
	return k.CounterpartID + ":" + k.ListingID
}

// ParseKey is the inverse of ConversationKey.String.
func ParseKey(s string) (ConversationKey, error) {
	counterpart, listing, _ := strings.Cut(s, ":")
	if counterpart == "" {
		return ConversationKey{}, fmt.Errorf("invalid conversation key %q", s)
	}
	return ConversationKey{CounterpartID: counterpart, ListingID: listing}, nil
}

// Message is one entry of a conversation.
type Message struct {
	ID              string        `json:"id"`
	TempID          string        `json:"tempId,omitempty"`
	ConversationKey string        `json:"conversationKey,omitempty"`
	SenderID        string        `json:"senderId"`
	ReceiverID      string        `json:"receiverId,omitempty"`
	ListingID       string        `json:"listingId,omitempty"`
	Direction       Direction     `json:"direction"`
	Text            string        `json:"text"`
	ImageRef        string        `json:"imageRef,omitempty"`
	CreatedAt       time.Time     `json:"createdAt"`
	DeliveryState   DeliveryState `json:"deliveryState,omitempty"`
}

// Counterpart is the other participant of a conversation.
type Counterpart struct {
	ID       string `json:"id"`
	Name     string `json:"name,omitempty"`
	Email    string `json:"email,omitempty"`
	Phone    string `json:"phone,omitempty"`
	Location string `json:"location,omitempty"`
}

// Presence is the counterpart's online status.
type Presence struct {
	Online     bool       `json:"online"`
	LastSeenAt *time.Time `json:"lastSeenAt,omitempty"`
}

// Typing is the ephemeral typing indicator. It is never persisted.
type Typing struct {
	IsTyping bool `json:"isTyping"`
}

// Summary is one row of the recent conversations list.
type Summary struct {
	ID              string      `json:"id"`
	CounterpartName string      `json:"counterpartName"`
	LastMessage     string      `json:"lastMessage"`
	LastMessageAt   time.Time   `json:"lastMessageAt"`
	Counterpart     Counterpart `json:"counterpartMeta"`
	ListingID       string      `json:"listingId,omitempty"`
	Unread          bool        `json:"unread,omitempty"`
}

// Key returns the conversation key the summary points at.
func (s Summary) Key() ConversationKey {
	id := s.Counterpart.ID
	if id == "" {
		id = s.ID
	}
	return ConversationKey{CounterpartID: id, ListingID: s.ListingID}
}

// History is the authoritative state of one conversation as returned by
// the backend.
type History struct {
	Messages    []Message   `json:"messages"`
	Counterpart Counterpart `json:"counterpart"`
}

// MessageEvent is the bus payload of message.appended and message.updated.
type MessageEvent struct {
	Key         ConversationKey `json:"key"`
	Message     Message         `json:"message"`
	Counterpart Counterpart     `json:"counterpart"`
}

// ViewEvent is the bus payload of conversation.* and inbox.* events.
type ViewEvent struct {
	Scope string    `json:"scope"`
	State ViewState `json:"state"`
	Error string    `json:"error,omitempty"`
}
