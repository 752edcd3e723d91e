// Package ingest turns gateway webhook events into conversation and message
// state and fans the result out on the bus.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/matheus3301/wpp-relay/internal/bus"
	"github.com/matheus3301/wpp-relay/internal/gateway"
	"github.com/matheus3301/wpp-relay/internal/identity"
	"github.com/matheus3301/wpp-relay/internal/metrics"
	"github.com/matheus3301/wpp-relay/internal/store"
	"github.com/matheus3301/wpp-relay/internal/task"
	"github.com/matheus3301/wpp-relay/internal/webhook"
)

// ErrInvalidEvent is returned for events missing a field ingestion needs.
var ErrInvalidEvent = errors.New("invalid event")

// ActivityTracker reports whether a client currently has a conversation open.
type ActivityTracker interface {
	IsActive(accountID, conversationID string) bool
}

// Pipeline ingests webhook events. It is safe for concurrent use; each
// webhook request runs its events on the caller's goroutine.
type Pipeline struct {
	db       *store.DB
	resolver identity.Resolver
	gateways gateway.Resolver
	activity ActivityTracker
	bus      *bus.Bus
	tasks    *task.Runner
	logger   *zap.Logger

	// conversations whose profile was already fetched by this process
	profiles sync.Map
}

// Deps are the collaborators of a Pipeline. Gateways, Activity and Tasks may
// be nil, which disables the corresponding side effects.
type Deps struct {
	DB       *store.DB
	Resolver identity.Resolver
	Gateways gateway.Resolver
	Activity ActivityTracker
	Bus      *bus.Bus
	Tasks    *task.Runner
	Logger   *zap.Logger
}

// NewPipeline creates a pipeline.
func NewPipeline(d Deps) *Pipeline {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.Resolver == nil {
		d.Resolver = identity.NewMemoryResolver(0)
	}
	if d.Bus == nil {
		d.Bus = bus.New()
	}
	return &Pipeline{
		db:       d.DB,
		resolver: d.Resolver,
		gateways: d.Gateways,
		activity: d.Activity,
		bus:      d.Bus,
		tasks:    d.Tasks,
		logger:   d.Logger,
	}
}

// NextUnread is the unread counter after a new message: zero when the message
// is ours or the conversation is being viewed, otherwise one more.
func NextUnread(fromMe, active bool, prev int) int {
	if fromMe || active {
		return 0
	}
	return prev + 1
}

// Handle dispatches a decoded webhook envelope. Item failures inside a batch
// do not stop the remaining items; they are joined into the returned error.
func (p *Pipeline) Handle(ctx context.Context, env *webhook.Envelope) error {
	account, err := p.db.AccountByInstance(ctx, env.Instance)
	if err != nil {
		metrics.WebhookEvents.WithLabelValues(env.Event, "unknown_account").Inc()
		return err
	}

	switch env.Event {
	case webhook.EventMessagesUpsert, webhook.EventSendMessage:
		items, err := webhook.DecodeList[webhook.MessageEvent](env.Data)
		if err != nil {
			return p.malformed(env, err)
		}
		var errs []error
		for _, item := range items {
			if _, err := p.IngestMessage(ctx, account, item); err != nil {
				p.logger.Warn("message dropped",
					zap.String("account", account.ID),
					zap.String("gateway_id", item.Key.ID),
					zap.Error(err))
				errs = append(errs, err)
			}
		}
		return p.done(env, errors.Join(errs...))

	case webhook.EventMessagesUpdate:
		items, err := webhook.DecodeList[webhook.StatusUpdate](env.Data)
		if err != nil {
			return p.malformed(env, err)
		}
		var errs []error
		for _, item := range items {
			p.recordFromUpdate(item)
			if err := p.ApplyStatusUpdate(ctx, account.ID, item.GatewayID(), item.Status); err != nil {
				errs = append(errs, err)
			}
		}
		return p.done(env, errors.Join(errs...))

	case webhook.EventContactsUpdate:
		items, err := webhook.DecodeList[webhook.ContactUpdate](env.Data)
		if err != nil {
			return p.malformed(env, err)
		}
		var errs []error
		for _, item := range items {
			if err := p.UpdateContact(ctx, account.ID, item); err != nil {
				errs = append(errs, err)
			}
		}
		return p.done(env, errors.Join(errs...))

	case webhook.EventChatsUpsert:
		items, err := webhook.DecodeList[webhook.ChatUpsert](env.Data)
		if err != nil {
			return p.malformed(env, err)
		}
		var errs []error
		for _, item := range items {
			if err := p.UpdateUnread(ctx, account.ID, item); err != nil {
				errs = append(errs, err)
			}
		}
		return p.done(env, errors.Join(errs...))

	case webhook.EventConnectionUpdate:
		return p.done(env, p.connectionUpdate(ctx, account, env))

	default:
		p.logger.Debug("webhook event ignored",
			zap.String("account", account.ID),
			zap.String("event", env.Event))
		metrics.WebhookEvents.WithLabelValues(env.Event, "ignored").Inc()
		return nil
	}
}

func (p *Pipeline) malformed(env *webhook.Envelope, err error) error {
	metrics.WebhookEvents.WithLabelValues(env.Event, "malformed").Inc()
	return fmt.Errorf("%w: %w", ErrInvalidEvent, err)
}

func (p *Pipeline) done(env *webhook.Envelope, err error) error {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	metrics.WebhookEvents.WithLabelValues(env.Event, outcome).Inc()
	return err
}

// Outcome is the result of ingesting one message.
type Outcome struct {
	Conversation *store.Conversation
	Message      *store.Message
	Created      bool
}

// IngestMessage stores one message event and updates its conversation.
func (p *Pipeline) IngestMessage(ctx context.Context, account *store.Account, evt webhook.MessageEvent) (*Outcome, error) {
	key := evt.Key
	if key.RemoteJID == "" || key.ID == "" {
		return nil, fmt.Errorf("%w: missing message key", ErrInvalidEvent)
	}
	if evt.MessageTimestamp <= 0 {
		return nil, fmt.Errorf("%w: message %s has no timestamp", ErrInvalidEvent, key.ID)
	}
	if identity.IsBroadcast(key.RemoteJID) {
		return nil, fmt.Errorf("%w: broadcast %s", ErrInvalidEvent, key.RemoteJID)
	}

	address, kind, ok := identity.Normalize(p.resolveAddress(key))
	if !ok {
		return nil, fmt.Errorf("%w: no address in %q", ErrInvalidEvent, key.RemoteJID)
	}

	upsert := store.ConversationUpsert{
		AccountID: account.ID,
		Address:   address,
		Kind:      string(kind),
	}
	if !key.FromMe && kind == identity.Direct {
		upsert.ContactName = strings.TrimSpace(evt.PushName)
	}
	conv, err := p.db.UpsertConversation(ctx, upsert)
	if err != nil {
		return nil, err
	}

	body := webhook.ParseBody(evt.Message.Proto())
	status := store.StatusDelivered
	if key.FromMe {
		status = store.StatusSent
	}
	msg, created, err := p.db.CreateMessage(ctx, &store.Message{
		AccountID:      account.ID,
		ConversationID: conv.ID,
		GatewayID:      key.ID,
		RemoteAddress:  address,
		FromMe:         key.FromMe,
		Type:           body.Type,
		Content:        body.Content,
		MediaURL:       body.MediaURL,
		FileName:       body.FileName,
		Caption:        body.Caption,
		Timestamp:      evt.MessageTimestamp.UnixMilli(),
		Status:         status,
	})
	if err != nil {
		return nil, err
	}

	direction := "in"
	if key.FromMe {
		direction = "out"
	}
	if !created {
		metrics.MessagesIngested.WithLabelValues(direction, "duplicate").Inc()
		p.logger.Debug("duplicate message",
			zap.String("account", account.ID),
			zap.String("gateway_id", key.ID))
		return &Outcome{Conversation: conv, Message: msg}, nil
	}

	active := p.isActive(account.ID, conv.ID)
	conv, err = p.db.UpdateConversation(ctx, conv.ID, func(c *store.Conversation) error {
		c.UnreadCount = NextUnread(key.FromMe, active, c.UnreadCount)
		return nil
	})
	if err != nil {
		return nil, err
	}
	metrics.MessagesIngested.WithLabelValues(direction, "created").Inc()

	if active && !key.FromMe {
		p.autoRead(account, conv, key)
	}

	p.bus.Publish(bus.NewEvent(bus.MessageReceived, account.ID, bus.MessagePayload{
		ConversationID: conv.ID,
		Message:        *msg,
	}))
	p.publishConversation(account.ID, conv, msg)

	if conv.ContactPicture == "" && conv.Kind == store.KindDirect {
		p.fetchProfile(account, conv)
	}

	return &Outcome{Conversation: conv, Message: msg, Created: true}, nil
}

// resolveAddress picks the best identifier for the chat and records any
// anonymized/phone pair the event reveals.
func (p *Pipeline) resolveAddress(key webhook.MessageKey) string {
	raw, alt := key.RemoteJID, key.RemoteJIDAlt
	switch {
	case alt != "" && !identity.IsAnonymized(alt):
		if identity.IsAnonymized(raw) {
			p.resolver.Record(key.ID, raw, alt)
		}
		return alt
	case identity.IsAnonymized(alt) && identity.IsPhone(raw):
		p.resolver.Record(key.ID, alt, raw)
		return raw
	case identity.IsAnonymized(raw):
		p.resolver.Record(key.ID, raw, "")
		return p.resolver.Resolve(raw)
	default:
		return raw
	}
}

// recordFromUpdate feeds the half carried by a status update to the resolver.
// Updates correlate with the original message by key id.
func (p *Pipeline) recordFromUpdate(u webhook.StatusUpdate) {
	id := u.GatewayID()
	if id == "" || u.RemoteJID == "" {
		return
	}
	if identity.IsAnonymized(u.RemoteJID) {
		p.resolver.Record(id, u.RemoteJID, "")
	} else if identity.IsPhone(u.RemoteJID) {
		p.resolver.Record(id, "", u.RemoteJID)
	}
}

func (p *Pipeline) isActive(accountID, conversationID string) bool {
	return p.activity != nil && p.activity.IsActive(accountID, conversationID)
}

func (p *Pipeline) publishConversation(accountID string, conv *store.Conversation, last *store.Message) {
	p.bus.Publish(bus.NewEvent(bus.ConversationUpdated, accountID, bus.ConversationPayload{
		Conversation:       *conv,
		LastMessagePreview: bus.PreviewOf(last),
	}))
}

func (p *Pipeline) autoRead(account *store.Account, conv *store.Conversation, key webhook.MessageKey) {
	if p.tasks == nil || p.gateways == nil {
		return
	}
	client, err := p.gateways.ClientFor(account.ID)
	if err != nil {
		p.logger.Warn("auto read skipped", zap.String("account", account.ID), zap.Error(err))
		return
	}
	mk := gateway.MessageKey{RemoteJID: key.RemoteJID, FromMe: key.FromMe, ID: key.ID}
	p.tasks.Go("auto_read", func(ctx context.Context) error {
		if err := client.MarkRead(ctx, account.Instance, []gateway.MessageKey{mk}); err != nil {
			return fmt.Errorf("mark read %s: %w", conv.ID, err)
		}
		return nil
	})
}

// fetchProfile loads the contact picture once per conversation per process.
func (p *Pipeline) fetchProfile(account *store.Account, conv *store.Conversation) {
	if p.tasks == nil || p.gateways == nil {
		return
	}
	if _, seen := p.profiles.LoadOrStore(conv.ID, struct{}{}); seen {
		return
	}
	client, err := p.gateways.ClientFor(account.ID)
	if err != nil {
		return
	}
	convID, number := conv.ID, identity.Bare(conv.Address)
	ok := p.tasks.Go("fetch_profile", func(ctx context.Context) error {
		prof, err := client.FetchProfile(ctx, account.Instance, number)
		if err != nil {
			return fmt.Errorf("fetch profile %s: %w", convID, err)
		}
		if prof.Picture == "" {
			return nil
		}
		updated, err := p.db.UpdateConversation(ctx, convID, func(c *store.Conversation) error {
			c.ContactPicture = prof.Picture
			return nil
		})
		if err != nil {
			return err
		}
		p.publishConversation(account.ID, updated, nil)
		return nil
	})
	if !ok {
		p.profiles.Delete(conv.ID)
	}
}
