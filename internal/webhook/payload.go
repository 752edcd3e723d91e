// Package webhook decodes the events the Evolution API posts to the relay.
package webhook

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
)

// Event names as delivered in the envelope, after NormalizeEvent.
const (
	EventMessagesUpsert   = "messages.upsert"
	EventSendMessage      = "send.message"
	EventMessagesUpdate   = "messages.update"
	EventContactsUpdate   = "contacts.update"
	EventChatsUpsert      = "chats.upsert"
	EventConnectionUpdate = "connection.update"
)

// ErrMalformed is returned for payloads that cannot be decoded.
var ErrMalformed = errors.New("malformed webhook payload")

// Envelope is the top-level webhook body.
type Envelope struct {
	Event    string          `json:"event"`
	Instance string          `json:"instance"`
	Data     json.RawMessage `json:"data"`
	DateTime string          `json:"date_time,omitempty"`
	Sender   string          `json:"sender,omitempty"`
}

// NormalizeEvent maps the spellings the gateway uses for an event name
// (MESSAGES_UPSERT, messages-upsert, messages.upsert) to the dotted form.
func NormalizeEvent(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	return strings.NewReplacer("_", ".", "-", ".").Replace(name)
}

// DecodeEnvelope parses a webhook body. instance and event, when non-empty,
// come from the request path and fill in fields the body omits.
func DecodeEnvelope(body []byte, instance, event string) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	if env.Instance == "" {
		env.Instance = instance
	}
	if env.Event == "" {
		env.Event = event
	}
	env.Event = NormalizeEvent(env.Event)
	if env.Event == "" || env.Instance == "" {
		return nil, fmt.Errorf("%w: missing event or instance", ErrMalformed)
	}
	return &env, nil
}

// MessageKey is the gateway's message identity.
type MessageKey struct {
	RemoteJID    string `json:"remoteJid"`
	RemoteJIDAlt string `json:"remoteJidAlt,omitempty"`
	FromMe       bool   `json:"fromMe"`
	ID           string `json:"id"`
	Participant  string `json:"participant,omitempty"`
}

// MessageEvent is a messages.upsert or send.message item.
type MessageEvent struct {
	Key              MessageKey      `json:"key"`
	PushName         string          `json:"pushName,omitempty"`
	MessageTimestamp Timestamp       `json:"messageTimestamp"`
	Message          *MessageContent `json:"message,omitempty"`
	MessageType      string          `json:"messageType,omitempty"`
	Status           string          `json:"status,omitempty"`
}

// MessageContent holds the known message payloads. At most one is set.
type MessageContent struct {
	Conversation        string        `json:"conversation,omitempty"`
	ExtendedTextMessage *ExtendedText `json:"extendedTextMessage,omitempty"`
	ImageMessage        *Media        `json:"imageMessage,omitempty"`
	VideoMessage        *Media        `json:"videoMessage,omitempty"`
	AudioMessage        *Media        `json:"audioMessage,omitempty"`
	DocumentMessage     *Media        `json:"documentMessage,omitempty"`
	StickerMessage      *Media        `json:"stickerMessage,omitempty"`
	LocationMessage     *Location     `json:"locationMessage,omitempty"`
	ContactMessage      *Contact      `json:"contactMessage,omitempty"`
}

type ExtendedText struct {
	Text string `json:"text"`
}

type Media struct {
	URL      string `json:"url,omitempty"`
	Mimetype string `json:"mimetype,omitempty"`
	Caption  string `json:"caption,omitempty"`
	FileName string `json:"fileName,omitempty"`
	Title    string `json:"title,omitempty"`
	Seconds  uint32 `json:"seconds,omitempty"`
}

type Location struct {
	DegreesLatitude  float64 `json:"degreesLatitude"`
	DegreesLongitude float64 `json:"degreesLongitude"`
	Name             string  `json:"name,omitempty"`
	Address          string  `json:"address,omitempty"`
}

type Contact struct {
	DisplayName string `json:"displayName,omitempty"`
	Vcard       string `json:"vcard,omitempty"`
}

// StatusUpdate is a messages.update item.
type StatusUpdate struct {
	KeyID     string `json:"keyId,omitempty"`
	MessageID string `json:"messageId,omitempty"`
	RemoteJID string `json:"remoteJid,omitempty"`
	FromMe    bool   `json:"fromMe,omitempty"`
	Status    string `json:"status"`
}

// GatewayID returns the gateway message id the update refers to. Newer gateway
// versions put it in keyId and use messageId for their own row id.
func (s StatusUpdate) GatewayID() string {
	if s.KeyID != "" {
		return s.KeyID
	}
	return s.MessageID
}

// ContactUpdate is a contacts.update item.
type ContactUpdate struct {
	RemoteJID         string `json:"remoteJid"`
	ContactName       string `json:"contactName,omitempty"`
	PushName          string `json:"pushName,omitempty"`
	ContactPictureURL string `json:"contactPictureUrl,omitempty"`
	ProfilePicURL     string `json:"profilePicUrl,omitempty"`
}

// Name returns the best display name carried by the update.
func (c ContactUpdate) Name() string {
	if c.ContactName != "" {
		return c.ContactName
	}
	return c.PushName
}

// Picture returns the profile picture URL carried by the update.
func (c ContactUpdate) Picture() string {
	if c.ContactPictureURL != "" {
		return c.ContactPictureURL
	}
	return c.ProfilePicURL
}

// ChatUpsert is a chats.upsert item.
type ChatUpsert struct {
	RemoteJID      string `json:"remoteJid"`
	UnreadCount    *int   `json:"unreadCount,omitempty"`
	UnreadMessages *int   `json:"unreadMessages,omitempty"`
}

// Unread returns the unread count carried by the item, if any.
func (c ChatUpsert) Unread() (int, bool) {
	switch {
	case c.UnreadCount != nil:
		return *c.UnreadCount, true
	case c.UnreadMessages != nil:
		return *c.UnreadMessages, true
	}
	return 0, false
}

// ConnectionUpdate is a connection.update payload.
type ConnectionUpdate struct {
	Instance     string `json:"instance,omitempty"`
	State        string `json:"state"`
	StatusReason int    `json:"statusReason,omitempty"`
}

// DecodeList decodes data that the gateway sends either as a single object or
// as an array of objects.
func DecodeList[T any](data json.RawMessage) ([]T, error) {
	parsed := gjson.ParseBytes(data)
	switch {
	case parsed.IsArray():
		var items []T
		if err := json.Unmarshal(data, &items); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
		}
		return items, nil
	case parsed.IsObject():
		// Some gateway builds wrap batches as {"messages":[...]}.
		if inner := parsed.Get("messages"); inner.IsArray() {
			return DecodeList[T](json.RawMessage(inner.Raw))
		}
		var item T
		if err := json.Unmarshal(data, &item); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
		}
		return []T{item}, nil
	default:
		return nil, fmt.Errorf("%w: expected object or array", ErrMalformed)
	}
}

// Timestamp is a unix-seconds time the gateway encodes as a number, a numeric
// string or a {low, high} 64-bit object.
type Timestamp int64

func (t *Timestamp) UnmarshalJSON(b []byte) error {
	v := gjson.ParseBytes(b)
	switch v.Type {
	case gjson.Null:
		*t = 0
	case gjson.Number:
		*t = Timestamp(v.Int())
	case gjson.String:
		s := strings.TrimSpace(v.String())
		if s == "" {
			*t = 0
			return nil
		}
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return fmt.Errorf("parse timestamp %q: %w", s, err)
		}
		*t = Timestamp(n)
	case gjson.JSON:
		low, high := v.Get("low"), v.Get("high")
		if !low.Exists() {
			return fmt.Errorf("parse timestamp %s: unsupported object", v.Raw)
		}
		*t = Timestamp(high.Int()<<32 | int64(uint32(low.Int())))
	default:
		return fmt.Errorf("parse timestamp %s: unsupported value", v.Raw)
	}
	return nil
}

// UnixMilli returns the timestamp in milliseconds, or 0 when unset.
func (t Timestamp) UnixMilli() int64 {
	return int64(t) * 1000
}
