package bus

import "time"

// Event kinds published by the sync core. Subscribers filter by prefix, so
// "message." receives both message kinds.
const (
	KindChannelState      = "channel.state_changed"
	KindMessageAppended   = "message.appended"
	KindMessageUpdated    = "message.updated"
	KindConversationReady = "conversation.loaded"
	KindConversationStale = "conversation.refresh_failed"
	KindInboxRefreshed    = "inbox.refreshed"
	KindInboxStale        = "inbox.refresh_failed"
	KindTyping            = "presence.typing"
	KindUserStatus        = "presence.status"
)

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}
