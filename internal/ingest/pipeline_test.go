package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/matheus3301/wpp-relay/internal/bus"
	"github.com/matheus3301/wpp-relay/internal/gateway"
	"github.com/matheus3301/wpp-relay/internal/gateway/gatewaytest"
	"github.com/matheus3301/wpp-relay/internal/identity"
	"github.com/matheus3301/wpp-relay/internal/store"
	"github.com/matheus3301/wpp-relay/internal/task"
	"github.com/matheus3301/wpp-relay/internal/webhook"
)

const (
	testAccount  = "acc"
	testInstance = "inst"
	testPN       = "5541998773200@s.whatsapp.net"
	testLID      = "79512746377469@lid"
)

type fakeActivity struct {
	mu     sync.Mutex
	active bool
}

func (f *fakeActivity) IsActive(string, string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active
}

type harness struct {
	p        *Pipeline
	db       *store.DB
	bus      *bus.Bus
	gw       *gatewaytest.Fake
	activity *fakeActivity
	tasks    *task.Runner
	account  *store.Account
	resolver *identity.MemoryResolver
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	account := &store.Account{ID: testAccount, Instance: testInstance, Name: "Test"}
	if err := db.UpsertAccount(context.Background(), account); err != nil {
		t.Fatal(err)
	}

	h := &harness{
		db:       db,
		bus:      bus.New(),
		gw:       &gatewaytest.Fake{},
		activity: &fakeActivity{},
		tasks:    task.NewRunner(2, time.Second, nil),
		account:  account,
		resolver: identity.NewMemoryResolver(0),
	}
	t.Cleanup(func() { _ = h.tasks.Stop(context.Background()) })
	h.p = NewPipeline(Deps{
		DB:       db,
		Resolver: h.resolver,
		Gateways: h.gw,
		Activity: h.activity,
		Bus:      h.bus,
		Tasks:    h.tasks,
	})
	return h
}

// drain waits for background tasks to finish.
func (h *harness) drain(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.tasks.Stop(ctx); err != nil {
		t.Fatal(err)
	}
}

func (h *harness) ingest(t *testing.T, evt webhook.MessageEvent) *Outcome {
	t.Helper()
	out, err := h.p.IngestMessage(context.Background(), h.account, evt)
	if err != nil {
		t.Fatal(err)
	}
	return out
}

func (h *harness) conversations(t *testing.T) []store.Conversation {
	t.Helper()
	convs, err := h.db.ListConversations(context.Background(), testAccount, false)
	if err != nil {
		t.Fatal(err)
	}
	return convs
}

func textEvent(remote, id string, fromMe bool, pushName, text string, ts int64) webhook.MessageEvent {
	return webhook.MessageEvent{
		Key:              webhook.MessageKey{RemoteJID: remote, FromMe: fromMe, ID: id},
		PushName:         pushName,
		MessageTimestamp: webhook.Timestamp(ts),
		Message:          &webhook.MessageContent{Conversation: text},
	}
}

func TestNextUnread(t *testing.T) {
	tests := []struct {
		fromMe, active bool
		prev, want     int
	}{
		{true, false, 5, 0},
		{true, true, 5, 0},
		{false, true, 5, 0},
		{false, false, 5, 6},
		{false, false, 0, 1},
	}
	for _, tt := range tests {
		if got := NextUnread(tt.fromMe, tt.active, tt.prev); got != tt.want {
			t.Errorf("NextUnread(%v, %v, %d) = %d, want %d", tt.fromMe, tt.active, tt.prev, got, tt.want)
		}
	}
}

func TestIngestEquivalentFormsLandOnOneConversation(t *testing.T) {
	h := newHarness(t)
	h.ingest(t, textEvent("554198773200", "M1", false, "Alice", "hi", 1717000000))
	h.ingest(t, textEvent("5541998773200:4@c.us", "M2", false, "Alice", "there", 1717000010))

	convs := h.conversations(t)
	if len(convs) != 1 {
		t.Fatalf("got %d conversations, want 1", len(convs))
	}
	c := convs[0]
	if c.Address != testPN {
		t.Errorf("address = %q, want %q", c.Address, testPN)
	}
	if c.UnreadCount != 2 {
		t.Errorf("unread = %d, want 2", c.UnreadCount)
	}
	if c.LastMessageText != "there" || c.LastMessageAt != 1717000010000 {
		t.Errorf("snapshot = %q@%d", c.LastMessageText, c.LastMessageAt)
	}
}

func TestIngestContactNameProtection(t *testing.T) {
	h := newHarness(t)
	h.ingest(t, textEvent(testPN, "M1", false, "Alice", "hi", 1717000000))
	out := h.ingest(t, textEvent(testPN, "M2", true, "My Own Name", "hello", 1717000005))

	if out.Conversation.ContactName != "Alice" {
		t.Errorf("contact name = %q, want Alice", out.Conversation.ContactName)
	}
	if out.Conversation.UnreadCount != 0 {
		t.Errorf("unread after own message = %d, want 0", out.Conversation.UnreadCount)
	}
	if out.Message.Status != store.StatusSent {
		t.Errorf("own message status = %s, want sent", out.Message.Status)
	}
}

func TestIngestGroupIgnoresPushName(t *testing.T) {
	h := newHarness(t)
	evt := textEvent("120363025246125486@g.us", "G1", false, "Participant", "hey", 1717000000)
	evt.Key.Participant = testPN
	out := h.ingest(t, evt)
	if out.Conversation.Kind != store.KindGroup {
		t.Errorf("kind = %s, want group", out.Conversation.Kind)
	}
	if out.Conversation.ContactName != "" {
		t.Errorf("group took participant name %q", out.Conversation.ContactName)
	}
}

func TestIngestDuplicateDoesNotBumpUnread(t *testing.T) {
	h := newHarness(t)
	evt := textEvent(testPN, "M1", false, "Alice", "hi", 1717000000)
	first := h.ingest(t, evt)
	second := h.ingest(t, evt)

	if !first.Created || second.Created {
		t.Fatalf("created = %v, %v; want true, false", first.Created, second.Created)
	}
	if second.Message.ID != first.Message.ID {
		t.Errorf("duplicate got new id %d, want %d", second.Message.ID, first.Message.ID)
	}
	if c := h.conversations(t)[0]; c.UnreadCount != 1 {
		t.Errorf("unread = %d, want 1", c.UnreadCount)
	}
}

func TestIngestActiveConversationAutoReads(t *testing.T) {
	h := newHarness(t)
	h.activity.active = true
	out := h.ingest(t, textEvent(testPN, "M1", false, "Alice", "hi", 1717000000))
	if out.Conversation.UnreadCount != 0 {
		t.Errorf("unread = %d, want 0 while active", out.Conversation.UnreadCount)
	}

	h.drain(t)
	reads := h.gw.Calls("read")
	if len(reads) != 1 {
		t.Fatalf("got %d read calls, want 1", len(reads))
	}
	if reads[0].Instance != testInstance || len(reads[0].Keys) != 1 || reads[0].Keys[0].ID != "M1" {
		t.Errorf("unexpected read call: %+v", reads[0])
	}
}

func TestIngestInvalidEvents(t *testing.T) {
	h := newHarness(t)
	tests := []struct {
		name string
		evt  webhook.MessageEvent
	}{
		{"no timestamp", textEvent(testPN, "M1", false, "", "hi", 0)},
		{"no key id", textEvent(testPN, "", false, "", "hi", 1717000000)},
		{"no remote", textEvent("", "M1", false, "", "hi", 1717000000)},
		{"status feed", textEvent("status@broadcast", "M1", false, "", "hi", 1717000000)},
		{"negative timestamp", textEvent(testPN, "M1", false, "", "hi", -5)},
		{"server without number", textEvent("@s.whatsapp.net", "M1", false, "", "hi", 1717000000)},
		{"device without number", textEvent(":1@lid", "M1", false, "", "hi", 1717000000)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.p.IngestMessage(context.Background(), h.account, tt.evt)
			if !errors.Is(err, ErrInvalidEvent) {
				t.Errorf("err = %v, want ErrInvalidEvent", err)
			}
		})
	}
	if n := len(h.conversations(t)); n != 0 {
		t.Errorf("invalid events created %d conversations", n)
	}
}

func TestHandleUnknownAccount(t *testing.T) {
	h := newHarness(t)
	err := h.p.Handle(context.Background(), &webhook.Envelope{
		Event:    webhook.EventMessagesUpsert,
		Instance: "nope",
		Data:     json.RawMessage(`{}`),
	})
	if !errors.Is(err, store.ErrUnknownAccount) {
		t.Errorf("err = %v, want ErrUnknownAccount", err)
	}
}

func TestIngestPublishesEvents(t *testing.T) {
	h := newHarness(t)
	ch, unsub := h.bus.SubscribeAccount("", testAccount, 10)
	defer unsub()

	h.ingest(t, textEvent(testPN, "M1", false, "Alice", "hi", 1717000000))

	want := []string{bus.MessageReceived, bus.ConversationUpdated}
	for _, kind := range want {
		select {
		case evt := <-ch:
			if evt.Kind != kind {
				t.Fatalf("got %s, want %s", evt.Kind, kind)
			}
			switch p := evt.Payload.(type) {
			case bus.MessagePayload:
				if p.Message.GatewayID != "M1" || p.ConversationID == "" {
					t.Errorf("message payload = %+v", p)
				}
			case bus.ConversationPayload:
				if p.LastMessagePreview == nil || p.LastMessagePreview.Content != "hi" {
					t.Errorf("preview = %+v", p.LastMessagePreview)
				}
				if p.UnreadCount != 1 {
					t.Errorf("unread = %d, want 1", p.UnreadCount)
				}
			default:
				t.Errorf("unexpected payload %T", evt.Payload)
			}
		case <-time.After(time.Second):
			t.Fatalf("timeout waiting for %s", kind)
		}
	}
}

func TestIngestResolvesAnonymizedAddress(t *testing.T) {
	h := newHarness(t)
	first := textEvent(testLID, "A1", false, "Alice", "hi", 1717000000)
	first.Key.RemoteJIDAlt = testPN
	h.ingest(t, first)

	// The mapping learned from the first event routes a bare @lid event.
	h.ingest(t, textEvent(testLID, "A2", false, "Alice", "again", 1717000001))

	convs := h.conversations(t)
	if len(convs) != 1 || convs[0].Address != testPN {
		t.Fatalf("conversations = %+v, want one at %s", convs, testPN)
	}
}

func TestStatusUpdateCompletesMapping(t *testing.T) {
	h := newHarness(t)
	h.ingest(t, textEvent(testLID, "B1", false, "Alice", "hi", 1717000000))

	err := h.p.Handle(context.Background(), &webhook.Envelope{
		Event:    webhook.EventMessagesUpdate,
		Instance: testInstance,
		Data:     json.RawMessage(`[{"keyId":"B1","remoteJid":"` + testPN + `","status":"DELIVERY_ACK"}]`),
	})
	if err != nil {
		t.Fatal(err)
	}
	if got := h.resolver.Resolve(testLID); got != testPN {
		t.Errorf("Resolve() = %q, want %q", got, testPN)
	}
	msg, err := h.db.MessageByGatewayID(context.Background(), testAccount, "B1")
	if err != nil {
		t.Fatal(err)
	}
	if msg.Status != store.StatusDelivered {
		t.Errorf("status = %s, want delivered", msg.Status)
	}
}

func TestApplyStatusUpdate(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.ingest(t, textEvent(testPN, "S1", true, "", "out", 1717000000))

	ch, unsub := h.bus.Subscribe(bus.MessageStatus, 10)
	defer unsub()

	steps := []struct {
		raw  string
		want store.MessageStatus
	}{
		{"READ", store.StatusRead},
		{"bogus", store.StatusRead},
		{"played", store.StatusPlayed},
		{"delivery_ack", store.StatusDelivered},
		{"ERROR", store.StatusFailed},
	}
	for _, s := range steps {
		if err := h.p.ApplyStatusUpdate(ctx, testAccount, "S1", s.raw); err != nil {
			t.Fatalf("%s: %v", s.raw, err)
		}
		msg, err := h.db.MessageByGatewayID(ctx, testAccount, "S1")
		if err != nil {
			t.Fatal(err)
		}
		if msg.Status != s.want {
			t.Errorf("after %q status = %s, want %s", s.raw, msg.Status, s.want)
		}
	}

	select {
	case evt := <-ch:
		p := evt.Payload.(bus.StatusPayload)
		if p.Status != store.StatusRead || p.WhatsappMessageID != "S1" || p.ConversationID == "" {
			t.Errorf("status payload = %+v", p)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for message:status")
	}

	if err := h.p.ApplyStatusUpdate(ctx, testAccount, "missing", "read"); err != nil {
		t.Errorf("unknown message: %v", err)
	}
}

func TestParseStatus(t *testing.T) {
	for raw, want := range map[string]store.MessageStatus{
		"READ":       store.StatusRead,
		" read ":     store.StatusRead,
		"SERVER_ACK": store.StatusSent,
		"pending":    store.StatusPending,
	} {
		if got, ok := ParseStatus(raw); !ok || got != want {
			t.Errorf("ParseStatus(%q) = %s, %v", raw, got, ok)
		}
	}
	if _, ok := ParseStatus("bogus"); ok {
		t.Error("bogus status accepted")
	}
}

func TestHandleContactAndChatUpdates(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.ingest(t, textEvent(testPN, "M1", false, "", "hi", 1717000000))

	envs := []*webhook.Envelope{
		{Event: webhook.EventContactsUpdate, Instance: testInstance,
			Data: json.RawMessage(`[{"remoteJid":"` + testPN + `","pushName":"Bob","profilePicUrl":"https://pps.example/bob.jpg"}]`)},
		{Event: webhook.EventChatsUpsert, Instance: testInstance,
			Data: json.RawMessage(`{"remoteJid":"` + testPN + `","unreadMessages":4}`)},
		{Event: webhook.EventContactsUpdate, Instance: testInstance,
			Data: json.RawMessage(`{"remoteJid":"5511900000000@s.whatsapp.net","pushName":"Stranger"}`)},
		{Event: webhook.EventConnectionUpdate, Instance: testInstance,
			Data: json.RawMessage(`{"instance":"inst","state":"open","statusReason":200}`)},
	}
	for _, env := range envs {
		if err := h.p.Handle(ctx, env); err != nil {
			t.Fatalf("%s: %v", env.Event, err)
		}
	}

	convs := h.conversations(t)
	if len(convs) != 1 {
		t.Fatalf("got %d conversations, want 1", len(convs))
	}
	c := convs[0]
	if c.ContactName != "Bob" || c.ContactPicture != "https://pps.example/bob.jpg" {
		t.Errorf("contact = %q %q", c.ContactName, c.ContactPicture)
	}
	if c.UnreadCount != 4 {
		t.Errorf("unread = %d, want 4", c.UnreadCount)
	}
	state, err := h.db.AccountState(ctx, testAccount, store.StateConnection)
	if err != nil || state != "open" {
		t.Errorf("connection state = %q, %v", state, err)
	}
}

func TestProfileFetchedOncePerConversation(t *testing.T) {
	h := newHarness(t)
	h.gw.Profiles = map[string]gateway.Profile{
		"5541998773200": {Name: "Alice", Picture: "https://pps.example/alice.jpg"},
	}
	h.ingest(t, textEvent(testPN, "M1", false, "Alice", "one", 1717000000))
	h.ingest(t, textEvent(testPN, "M2", false, "Alice", "two", 1717000001))
	h.drain(t)

	if n := len(h.gw.Calls("profile")); n != 1 {
		t.Errorf("got %d profile fetches, want 1", n)
	}
	if c := h.conversations(t)[0]; c.ContactPicture != "https://pps.example/alice.jpg" {
		t.Errorf("picture = %q", c.ContactPicture)
	}
}

func TestReconcileMergesAnonymizedConversation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.ingest(t, textEvent(testLID, "L1", false, "Alice", "from lid", 1717000000))
	h.ingest(t, textEvent(testPN, "P1", false, "Alice", "from phone", 1717000010))
	if n := len(h.conversations(t)); n != 2 {
		t.Fatalf("got %d conversations before reconcile, want 2", n)
	}

	if err := h.db.SaveLIDMapping(ctx, testLID, testPN); err != nil {
		t.Fatal(err)
	}
	res, err := h.p.Reconcile(ctx, testAccount)
	if err != nil {
		t.Fatal(err)
	}
	if res.Merged != 1 || res.MovedMessages != 1 {
		t.Errorf("result = %+v, want 1 merged, 1 moved", res)
	}

	convs := h.conversations(t)
	if len(convs) != 1 || convs[0].Address != testPN {
		t.Fatalf("active conversations = %+v", convs)
	}
	msgs, err := h.db.ListMessages(ctx, convs[0].ID, 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 {
		t.Errorf("twin has %d messages, want 2", len(msgs))
	}
	if convs[0].UnreadCount != 2 {
		t.Errorf("unread = %d, want 2", convs[0].UnreadCount)
	}

	again, err := h.p.Reconcile(ctx, testAccount)
	if err != nil {
		t.Fatal(err)
	}
	if again.Merged != 0 {
		t.Errorf("second run merged %d, want 0", again.Merged)
	}
	if _, err := h.db.AccountState(ctx, testAccount, store.StateLastReconcile); err != nil {
		t.Errorf("last reconcile not recorded: %v", err)
	}
}
