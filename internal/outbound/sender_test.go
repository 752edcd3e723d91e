package outbound

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/matheus3301/wpp-relay/internal/bus"
	"github.com/matheus3301/wpp-relay/internal/gateway"
	"github.com/matheus3301/wpp-relay/internal/gateway/gatewaytest"
	"github.com/matheus3301/wpp-relay/internal/store"
)

func testDB(t *testing.T) *store.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := store.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := db.UpsertAccount(context.Background(), &store.Account{ID: "acc", Instance: "inst", Name: "Test"}); err != nil {
		t.Fatal(err)
	}
	return db
}

func TestSendPersistsAndPublishes(t *testing.T) {
	db := testDB(t)
	b := bus.New()
	gw := &gatewaytest.Fake{}
	s := NewSender(Deps{DB: db, Gateways: gw, Bus: b})

	ch, unsub := b.SubscribeAccount("", "acc", 10)
	defer unsub()

	msg, err := s.Send(context.Background(), "acc", "554198773200", "hello")
	if err != nil {
		t.Fatal(err)
	}
	if msg.Status != store.StatusSent || !msg.FromMe || msg.GatewayID != "FAKE0001" {
		t.Errorf("unexpected message: %+v", msg)
	}
	if msg.RemoteAddress != "5541998773200@s.whatsapp.net" {
		t.Errorf("address = %q", msg.RemoteAddress)
	}

	sends := gw.Calls("send")
	if len(sends) != 1 || sends[0].Args[0] != "5541998773200@s.whatsapp.net" || sends[0].Args[1] != "hello" {
		t.Errorf("send calls = %+v", sends)
	}
	if n := len(gw.Calls("check")); n != 1 {
		t.Errorf("got %d reachability checks, want 1", n)
	}

	for _, kind := range []string{bus.MessageSent, bus.ConversationUpdated} {
		select {
		case evt := <-ch:
			if evt.Kind != kind {
				t.Fatalf("got %s, want %s", evt.Kind, kind)
			}
		case <-time.After(time.Second):
			t.Fatalf("timeout waiting for %s", kind)
		}
	}

	conv, err := db.GetConversation(context.Background(), msg.ConversationID)
	if err != nil {
		t.Fatal(err)
	}
	if conv.LastMessageText != "hello" {
		t.Errorf("snapshot = %q, want hello", conv.LastMessageText)
	}

	entries, err := db.ListOutbox(context.Background(), "acc", store.OutboxSent)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].GatewayMessageID != "FAKE0001" {
		t.Errorf("outbox = %+v", entries)
	}
}

func TestSendUnreachable(t *testing.T) {
	db := testDB(t)
	gw := &gatewaytest.Fake{Unreachable: map[string]bool{"5511900000000@s.whatsapp.net": true}}
	s := NewSender(Deps{DB: db, Gateways: gw})

	_, err := s.Send(context.Background(), "acc", "5511900000000", "hello")
	if !errors.Is(err, gateway.ErrNotReachable) {
		t.Fatalf("err = %v, want ErrNotReachable", err)
	}
	if n := len(gw.Calls("send")); n != 0 {
		t.Errorf("sent %d messages to unreachable number", n)
	}
	failed, err := db.ListOutbox(context.Background(), "acc", store.OutboxFailed)
	if err != nil {
		t.Fatal(err)
	}
	if len(failed) != 1 || !strings.Contains(failed[0].ErrorMessage, "not reachable") {
		t.Errorf("failed outbox = %+v", failed)
	}
}

func TestSendGatewayError(t *testing.T) {
	db := testDB(t)
	gw := &gatewaytest.Fake{SendErr: &gateway.APIError{Operation: "sendText", StatusCode: 500, Message: "boom"}}
	s := NewSender(Deps{DB: db, Gateways: gw})

	_, err := s.Send(context.Background(), "acc", "5541998773200", "hello")
	if !errors.Is(err, gateway.ErrUpstream) {
		t.Fatalf("err = %v, want ErrUpstream", err)
	}
	stats, err := db.Stats(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if stats.Messages != 0 {
		t.Errorf("failed send stored %d messages", stats.Messages)
	}
}

func TestSendGroupSkipsReachabilityCheck(t *testing.T) {
	db := testDB(t)
	gw := &gatewaytest.Fake{}
	s := NewSender(Deps{DB: db, Gateways: gw})

	msg, err := s.Send(context.Background(), "acc", "120363025246125486@g.us", "hi all")
	if err != nil {
		t.Fatal(err)
	}
	if n := len(gw.Calls("check")); n != 0 {
		t.Errorf("group send ran %d reachability checks", n)
	}
	conv, err := db.GetConversation(context.Background(), msg.ConversationID)
	if err != nil {
		t.Fatal(err)
	}
	if conv.Kind != store.KindGroup {
		t.Errorf("kind = %s, want group", conv.Kind)
	}
}

func TestSendValidation(t *testing.T) {
	db := testDB(t)
	s := NewSender(Deps{DB: db, Gateways: &gatewaytest.Fake{}})

	if _, err := s.Send(context.Background(), "acc", "5541998773200", "   "); !errors.Is(err, ErrEmptyMessage) {
		t.Errorf("empty text: err = %v", err)
	}
	if _, err := s.Send(context.Background(), "missing", "5541998773200", "hi"); !errors.Is(err, store.ErrUnknownAccount) {
		t.Errorf("unknown account: err = %v", err)
	}
	for _, to := range []string{"@s.whatsapp.net", "@g.us", "  "} {
		if _, err := s.Send(context.Background(), "acc", to, "hi"); !errors.Is(err, ErrInvalidDestination) {
			t.Errorf("destination %q: err = %v, want ErrInvalidDestination", to, err)
		}
	}
	convs, err := db.ListConversations(context.Background(), "acc", false)
	if err != nil {
		t.Fatal(err)
	}
	if len(convs) != 0 {
		t.Errorf("invalid destinations created %d conversations", len(convs))
	}
}

func TestSendSurvivesCallerCancellation(t *testing.T) {
	db := testDB(t)
	s := NewSender(Deps{DB: db, Gateways: &gatewaytest.Fake{}})

	ctx, cancel := context.WithCancel(context.Background())
	msg, err := s.Send(ctx, "acc", "5541998773200", "hello")
	cancel()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.MessageByGatewayID(context.Background(), "acc", msg.GatewayID); err != nil {
		t.Errorf("message not persisted: %v", err)
	}
}

func TestFallbackID(t *testing.T) {
	now := time.UnixMilli(1717000000123)
	id := fallbackID(now)
	if !strings.HasPrefix(id, "msg_1717000000123_") || len(id) != len("msg_1717000000123_")+8 {
		t.Errorf("fallbackID() = %q", id)
	}
}
