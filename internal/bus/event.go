package bus

import "time"

// Fan-out event kinds. Every event is scoped to one account.
const (
	MessageReceived      = "message:received"
	MessageSent          = "message:sent"
	MessageStatus        = "message:status"
	ConversationUpdated  = "conversation:updated"
	ConversationRead     = "conversation:read"
	ConversationUnread   = "conversation:unread"
	ConversationPinned   = "conversation:pinned"
	ConversationArchived = "conversation:archived"
)

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string    `json:"event"`
	Account   string    `json:"account"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"data"`
}

// NewEvent returns an event stamped with the current time.
func NewEvent(kind, account string, payload any) Event {
	return Event{Kind: kind, Account: account, Timestamp: time.Now(), Payload: payload}
}
