package store

// Account is a gateway instance the relay serves.
type Account struct {
	ID        string `json:"id"`
	Instance  string `json:"instance"`
	Name      string `json:"name"`
	CreatedAt int64  `json:"createdAt"`
	UpdatedAt int64  `json:"updatedAt"`
}

// Conversation kinds.
const (
	KindDirect = "direct"
	KindGroup  = "group"
)

// Conversation is one thread per (account, canonical address).
// Empty ContactName and ContactPicture mean unknown.
type Conversation struct {
	ID              string `json:"id"`
	AccountID       string `json:"accountId"`
	Address         string `json:"address"`
	Kind            string `json:"kind"`
	ContactName     string `json:"contactName,omitempty"`
	ContactPicture  string `json:"contactPicture,omitempty"`
	LastMessageText string `json:"lastMessage"`
	LastMessageAt   int64  `json:"lastMessageAt"`
	UnreadCount     int    `json:"unreadCount"`
	Pinned          bool   `json:"pinned"`
	Archived        bool   `json:"archived"`
	CreatedAt       int64  `json:"createdAt"`
	UpdatedAt       int64  `json:"updatedAt"`
}

// MessageType classifies message content.
type MessageType string

const (
	TypeText     MessageType = "text"
	TypeImage    MessageType = "image"
	TypeVideo    MessageType = "video"
	TypeAudio    MessageType = "audio"
	TypeDocument MessageType = "document"
	TypeSticker  MessageType = "sticker"
	TypeLocation MessageType = "location"
	TypeContact  MessageType = "contact"
	TypeUnknown  MessageType = "unknown"
)

// MessageStatus is the delivery state of a message.
type MessageStatus string

const (
	StatusPending   MessageStatus = "pending"
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusRead      MessageStatus = "read"
	StatusPlayed    MessageStatus = "played"
	StatusFailed    MessageStatus = "failed"
)

// Message is a persisted message, unique per (account, gateway message id).
type Message struct {
	ID             int64         `json:"id"`
	AccountID      string        `json:"accountId"`
	ConversationID string        `json:"conversationId"`
	GatewayID      string        `json:"whatsappMessageId"`
	RemoteAddress  string        `json:"remoteAddress"`
	FromMe         bool          `json:"fromMe"`
	Type           MessageType   `json:"type"`
	Content        string        `json:"content"`
	MediaURL       string        `json:"mediaUrl,omitempty"`
	FileName       string        `json:"fileName,omitempty"`
	Caption        string        `json:"caption,omitempty"`
	Timestamp      int64         `json:"timestamp"`
	Status         MessageStatus `json:"status"`
	CreatedAt      int64         `json:"createdAt"`
}

// OutboxEntry records one outbound send attempt.
type OutboxEntry struct {
	ID               int64  `json:"id"`
	ClientMsgID      string `json:"clientMsgId"`
	AccountID        string `json:"accountId"`
	Address          string `json:"address"`
	Body             string `json:"body"`
	Status           string `json:"status"` // queued, sending, sent, failed
	ErrorMessage     string `json:"error,omitempty"`
	GatewayMessageID string `json:"whatsappMessageId,omitempty"`
}

// SearchResult holds a message with a search snippet.
type SearchResult struct {
	Message Message `json:"message"`
	Snippet string  `json:"snippet"`
}

// LIDMapping maps an anonymized @lid id to a phone-number address.
type LIDMapping struct {
	LID string
	PN  string
}
