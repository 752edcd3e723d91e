package webhook

import (
	"encoding/json"
	"testing"

	"go.mau.fi/whatsmeow/proto/waE2E"
	"google.golang.org/protobuf/proto"

	"github.com/matheus3301/wpp-relay/internal/store"
)

func TestExtractTextBody(t *testing.T) {
	tests := []struct {
		name string
		msg  *waE2E.Message
		want string
	}{
		{"nil message", nil, ""},
		{"conversation", &waE2E.Message{Conversation: proto.String("hello")}, "hello"},
		{"extended text", &waE2E.Message{ExtendedTextMessage: &waE2E.ExtendedTextMessage{Text: proto.String("extended")}}, "extended"},
		{"image (no text)", &waE2E.Message{ImageMessage: &waE2E.ImageMessage{}}, ""},
		{"empty conversation", &waE2E.Message{Conversation: proto.String("")}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := extractTextBody(tt.msg)
			if got != tt.want {
				t.Errorf("extractTextBody() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestDetectMessageType(t *testing.T) {
	tests := []struct {
		name string
		msg  *waE2E.Message
		want store.MessageType
	}{
		{"nil", nil, store.TypeUnknown},
		{"text conversation", &waE2E.Message{Conversation: proto.String("hi")}, store.TypeText},
		{"extended text", &waE2E.Message{ExtendedTextMessage: &waE2E.ExtendedTextMessage{Text: proto.String("hi")}}, store.TypeText},
		{"image", &waE2E.Message{ImageMessage: &waE2E.ImageMessage{}}, store.TypeImage},
		{"video", &waE2E.Message{VideoMessage: &waE2E.VideoMessage{}}, store.TypeVideo},
		{"audio", &waE2E.Message{AudioMessage: &waE2E.AudioMessage{}}, store.TypeAudio},
		{"document", &waE2E.Message{DocumentMessage: &waE2E.DocumentMessage{}}, store.TypeDocument},
		{"sticker", &waE2E.Message{StickerMessage: &waE2E.StickerMessage{}}, store.TypeSticker},
		{"contact", &waE2E.Message{ContactMessage: &waE2E.ContactMessage{}}, store.TypeContact},
		{"location", &waE2E.Message{LocationMessage: &waE2E.LocationMessage{}}, store.TypeLocation},
		{"empty message", &waE2E.Message{}, store.TypeUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := detectMessageType(tt.msg)
			if got != tt.want {
				t.Errorf("detectMessageType() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestParseBodyFromGatewayJSON(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want Body
	}{
		{"text", `{"conversation":"oi"}`, Body{Type: store.TypeText, Content: "oi"}},
		{"extended text", `{"extendedTextMessage":{"text":"link https://x"}}`, Body{Type: store.TypeText, Content: "link https://x"}},
		{"image with caption", `{"imageMessage":{"url":"https://mmg/1","caption":"look"}}`,
			Body{Type: store.TypeImage, Content: "look", MediaURL: "https://mmg/1", Caption: "look"}},
		{"image without caption", `{"imageMessage":{"url":"https://mmg/1"}}`,
			Body{Type: store.TypeImage, Content: "[Image]", MediaURL: "https://mmg/1"}},
		{"video", `{"videoMessage":{"url":"https://mmg/2","caption":"clip"}}`,
			Body{Type: store.TypeVideo, Content: "clip", MediaURL: "https://mmg/2", Caption: "clip"}},
		{"audio", `{"audioMessage":{"url":"https://mmg/3","seconds":4}}`,
			Body{Type: store.TypeAudio, Content: "[Audio]", MediaURL: "https://mmg/3"}},
		{"document", `{"documentMessage":{"url":"https://mmg/4","fileName":"nota.pdf"}}`,
			Body{Type: store.TypeDocument, Content: "[Document: nota.pdf]", MediaURL: "https://mmg/4", FileName: "nota.pdf"}},
		{"document without name", `{"documentMessage":{}}`,
			Body{Type: store.TypeDocument, Content: "[Document: file]"}},
		{"sticker", `{"stickerMessage":{"url":"https://mmg/5"}}`, Body{Type: store.TypeSticker, Content: "[Sticker]"}},
		{"location", `{"locationMessage":{"degreesLatitude":-25.4,"degreesLongitude":-49.2}}`, Body{Type: store.TypeLocation, Content: "[Location]"}},
		{"contact", `{"contactMessage":{"displayName":"Ana"}}`, Body{Type: store.TypeContact, Content: "[Contact]"}},
		{"unknown payload", `{"reactionMessage":{"text":"👍"}}`, Body{Type: store.TypeUnknown, Content: "[Unsupported message]"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var c MessageContent
			if err := json.Unmarshal([]byte(tt.raw), &c); err != nil {
				t.Fatal(err)
			}
			if got := ParseBody(c.Proto()); got != tt.want {
				t.Errorf("ParseBody() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestParseBodyNilContent(t *testing.T) {
	var c *MessageContent
	got := ParseBody(c.Proto())
	if got.Type != store.TypeUnknown || got.Content != "[Unsupported message]" {
		t.Errorf("ParseBody(nil) = %+v", got)
	}
}
