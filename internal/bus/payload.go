package bus

import "github.com/matheus3301/wpp-relay/internal/store"

// MessagePreview summarizes the newest message of a conversation.
type MessagePreview struct {
	Content     string            `json:"content"`
	Timestamp   int64             `json:"timestamp"`
	FromMe      bool              `json:"fromMe"`
	MessageType store.MessageType `json:"messageType"`
}

// PreviewOf builds the preview of m.
func PreviewOf(m *store.Message) *MessagePreview {
	if m == nil {
		return nil
	}
	return &MessagePreview{Content: m.Content, Timestamp: m.Timestamp, FromMe: m.FromMe, MessageType: m.Type}
}

// ConversationPayload is the body of conversation:updated.
type ConversationPayload struct {
	store.Conversation
	LastMessagePreview *MessagePreview `json:"lastMessagePreview,omitempty"`
}

// MessagePayload is the body of message:received and message:sent.
type MessagePayload struct {
	ConversationID string        `json:"conversationId"`
	Message        store.Message `json:"message"`
}

// UnreadPayload is the body of conversation:read and conversation:unread.
type UnreadPayload struct {
	ConversationID string `json:"conversationId"`
	UnreadCount    int    `json:"unreadCount"`
}

// PinnedPayload is the body of conversation:pinned.
type PinnedPayload struct {
	ConversationID string `json:"conversationId"`
	IsPinned       bool   `json:"isPinned"`
}

// ArchivedPayload is the body of conversation:archived.
type ArchivedPayload struct {
	ConversationID string `json:"conversationId"`
	IsArchived     bool   `json:"isArchived"`
}

// StatusPayload is the body of message:status.
type StatusPayload struct {
	MessageID         int64               `json:"messageId"`
	WhatsappMessageID string              `json:"whatsappMessageId"`
	Status            store.MessageStatus `json:"status"`
	ConversationID    string              `json:"conversationId"`
}
