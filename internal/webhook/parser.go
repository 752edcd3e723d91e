package webhook

import (
	"fmt"

	"go.mau.fi/whatsmeow/proto/waE2E"
	"google.golang.org/protobuf/proto"

	"github.com/matheus3301/wpp-relay/internal/store"
)

// Content placeholders for messages without displayable text.
const (
	placeholderImage       = "[Image]"
	placeholderVideo       = "[Video]"
	placeholderAudio       = "[Audio]"
	placeholderSticker     = "[Sticker]"
	placeholderLocation    = "[Location]"
	placeholderContact     = "[Contact]"
	placeholderUnsupported = "[Unsupported message]"
	defaultDocumentName    = "file"
)

// Body is the classified content of a message.
type Body struct {
	Type     store.MessageType
	Content  string
	MediaURL string
	FileName string
	Caption  string
}

// Proto converts the gateway's JSON message into the WhatsApp message schema.
func (c *MessageContent) Proto() *waE2E.Message {
	if c == nil {
		return nil
	}
	msg := &waE2E.Message{}
	if c.Conversation != "" {
		msg.Conversation = proto.String(c.Conversation)
	}
	if c.ExtendedTextMessage != nil {
		msg.ExtendedTextMessage = &waE2E.ExtendedTextMessage{Text: proto.String(c.ExtendedTextMessage.Text)}
	}
	if m := c.ImageMessage; m != nil {
		msg.ImageMessage = &waE2E.ImageMessage{URL: optString(m.URL), Mimetype: optString(m.Mimetype), Caption: optString(m.Caption)}
	}
	if m := c.VideoMessage; m != nil {
		msg.VideoMessage = &waE2E.VideoMessage{URL: optString(m.URL), Mimetype: optString(m.Mimetype), Caption: optString(m.Caption)}
	}
	if m := c.AudioMessage; m != nil {
		msg.AudioMessage = &waE2E.AudioMessage{URL: optString(m.URL), Mimetype: optString(m.Mimetype)}
		if m.Seconds > 0 {
			msg.AudioMessage.Seconds = proto.Uint32(m.Seconds)
		}
	}
	if m := c.DocumentMessage; m != nil {
		msg.DocumentMessage = &waE2E.DocumentMessage{
			URL:      optString(m.URL),
			Mimetype: optString(m.Mimetype),
			FileName: optString(m.FileName),
			Caption:  optString(m.Caption),
			Title:    optString(m.Title),
		}
	}
	if m := c.StickerMessage; m != nil {
		msg.StickerMessage = &waE2E.StickerMessage{URL: optString(m.URL), Mimetype: optString(m.Mimetype)}
	}
	if m := c.LocationMessage; m != nil {
		msg.LocationMessage = &waE2E.LocationMessage{
			DegreesLatitude:  proto.Float64(m.DegreesLatitude),
			DegreesLongitude: proto.Float64(m.DegreesLongitude),
			Name:             optString(m.Name),
			Address:          optString(m.Address),
		}
	}
	if m := c.ContactMessage; m != nil {
		msg.ContactMessage = &waE2E.ContactMessage{DisplayName: optString(m.DisplayName), Vcard: optString(m.Vcard)}
	}
	return msg
}

// ParseBody classifies msg and derives its stored content. Text messages keep
// their text; image and video use the caption when present; everything else
// gets a placeholder.
func ParseBody(msg *waE2E.Message) Body {
	b := Body{Type: detectMessageType(msg)}
	switch b.Type {
	case store.TypeText:
		b.Content = extractTextBody(msg)
	case store.TypeImage:
		img := msg.GetImageMessage()
		b.MediaURL = img.GetURL()
		b.Caption = img.GetCaption()
		b.Content = orDefault(b.Caption, placeholderImage)
	case store.TypeVideo:
		vid := msg.GetVideoMessage()
		b.MediaURL = vid.GetURL()
		b.Caption = vid.GetCaption()
		b.Content = orDefault(b.Caption, placeholderVideo)
	case store.TypeAudio:
		b.MediaURL = msg.GetAudioMessage().GetURL()
		b.Content = placeholderAudio
	case store.TypeDocument:
		doc := msg.GetDocumentMessage()
		b.MediaURL = doc.GetURL()
		b.FileName = doc.GetFileName()
		b.Caption = doc.GetCaption()
		b.Content = fmt.Sprintf("[Document: %s]", orDefault(b.FileName, defaultDocumentName))
	case store.TypeSticker:
		b.Content = placeholderSticker
	case store.TypeLocation:
		b.Content = placeholderLocation
	case store.TypeContact:
		b.Content = placeholderContact
	default:
		b.Content = placeholderUnsupported
	}
	return b
}

func extractTextBody(msg *waE2E.Message) string {
	if msg == nil {
		return ""
	}
	if c := msg.GetConversation(); c != "" {
		return c
	}
	if ext := msg.GetExtendedTextMessage(); ext != nil {
		return ext.GetText()
	}
	return ""
}

func detectMessageType(msg *waE2E.Message) store.MessageType {
	if msg == nil {
		return store.TypeUnknown
	}
	switch {
	case msg.GetConversation() != "" || msg.GetExtendedTextMessage() != nil:
		return store.TypeText
	case msg.GetImageMessage() != nil:
		return store.TypeImage
	case msg.GetVideoMessage() != nil:
		return store.TypeVideo
	case msg.GetAudioMessage() != nil:
		return store.TypeAudio
	case msg.GetDocumentMessage() != nil:
		return store.TypeDocument
	case msg.GetStickerMessage() != nil:
		return store.TypeSticker
	case msg.GetLocationMessage() != nil:
		return store.TypeLocation
	case msg.GetContactMessage() != nil:
		return store.TypeContact
	default:
		return store.TypeUnknown
	}
}

func optString(s string) *string {
	if s == "" {
		return nil
	}
	return proto.String(s)
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
