package backend

import (
	"time"

	"github.com/matheus3301/farmchat/internal/chat"
)

type sendRequest struct {
	CounterpartID string `json:"counterpartId"`
	Text          string `json:"text"`
	ListingID     string `json:"listingId,omitempty"`
	TempID        string `json:"tempId,omitempty"`
}

type wireContact struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Email    string `json:"email"`
	Phone    string `json:"phone"`
	Location string `json:"location"`
}

func (w wireContact) toChat() chat.Counterpart {
	return chat.Counterpart{ID: w.ID, Name: w.Name, Email: w.Email, Phone: w.Phone, Location: w.Location}
}

type wireSummary struct {
	ID              string      `json:"id"`
	CounterpartName string      `json:"counterpartName"`
	LastMessage     string      `json:"lastMessage"`
	LastMessageAt   time.Time   `json:"lastMessageAt"`
	CounterpartMeta wireContact `json:"counterpartMeta"`
	ListingID       string      `json:"listingId"`
	Unread          bool        `json:"unread"`
}

func (w wireSummary) toChat() chat.Summary {
	s := chat.Summary{
		ID:              w.ID,
		CounterpartName: w.CounterpartName,
		LastMessage:     w.LastMessage,
		LastMessageAt:   w.LastMessageAt,
		Counterpart:     w.CounterpartMeta.toChat(),
		ListingID:       w.ListingID,
		Unread:          w.Unread,
	}
	if s.CounterpartName == "" {
		s.CounterpartName = s.Counterpart.Name
	}
	return s
}

// WireMessage is a message as the API and the push channel encode it.
type WireMessage struct {
	ID         string    `json:"id"`
	TempID     string    `json:"tempId,omitempty"`
	SenderID   string    `json:"senderId"`
	ReceiverID string    `json:"receiverId,omitempty"`
	ListingID  string    `json:"listingId,omitempty"`
	Text       string    `json:"text"`
	Image      string    `json:"image,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}

// ToChat converts the record into a chat.Message scoped to key. Direction
// is left for the sync engine to assign.
func (w WireMessage) ToChat(key chat.ConversationKey) chat.Message {
	listing := w.ListingID
	if listing == "" {
		listing = key.ListingID
	}
	return chat.Message{
		ID:              w.ID,
		TempID:          w.TempID,
		ConversationKey: key.String(),
		SenderID:        w.SenderID,
		ReceiverID:      w.ReceiverID,
		ListingID:       listing,
		Text:            w.Text,
		ImageRef:        w.Image,
		CreatedAt:       w.CreatedAt,
	}
}

type wireHistory struct {
	Messages    []WireMessage `json:"messages"`
	Counterpart wireContact   `json:"counterpart"`
}

func (w wireHistory) toChat(key chat.ConversationKey) chat.History {
	h := chat.History{
		Messages:    make([]chat.Message, 0, len(w.Messages)),
		Counterpart: w.Counterpart.toChat(),
	}
	if h.Counterpart.ID == "" {
		h.Counterpart.ID = key.CounterpartID
	}
	for _, m := range w.Messages {
		h.Messages = append(h.Messages, m.ToChat(key))
	}
	return h
}
