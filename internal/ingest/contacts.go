package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/matheus3301/wpp-relay/internal/bus"
	"github.com/matheus3301/wpp-relay/internal/identity"
	"github.com/matheus3301/wpp-relay/internal/store"
	"github.com/matheus3301/wpp-relay/internal/webhook"
)

// lookup finds the conversation an update refers to. A nil conversation with a
// nil error means the relay has never seen the chat.
func (p *Pipeline) lookup(ctx context.Context, accountID, raw string) (*store.Conversation, error) {
	if raw == "" {
		return nil, nil
	}
	if identity.IsAnonymized(raw) {
		raw = p.resolver.Resolve(raw)
	}
	address, _, ok := identity.Normalize(raw)
	if !ok {
		return nil, fmt.Errorf("%w: no address in %q", ErrInvalidEvent, raw)
	}
	conv, err := p.db.ConversationByAddress(ctx, accountID, address)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	return conv, err
}

// UpdateContact applies a contacts.update item to an existing conversation.
func (p *Pipeline) UpdateContact(ctx context.Context, accountID string, u webhook.ContactUpdate) error {
	conv, err := p.lookup(ctx, accountID, u.RemoteJID)
	if err != nil || conv == nil {
		return err
	}
	name, picture := strings.TrimSpace(u.Name()), u.Picture()
	if name == "" && picture == "" {
		return nil
	}
	conv, err = p.db.UpdateConversation(ctx, conv.ID, func(c *store.Conversation) error {
		if name != "" {
			c.ContactName = name
		}
		if picture != "" {
			c.ContactPicture = picture
		}
		return nil
	})
	if err != nil {
		return err
	}
	p.publishConversation(accountID, conv, nil)
	return nil
}

// UpdateUnread applies the gateway's unread count from a chats.upsert item.
func (p *Pipeline) UpdateUnread(ctx context.Context, accountID string, u webhook.ChatUpsert) error {
	n, ok := u.Unread()
	if !ok {
		return nil
	}
	conv, err := p.lookup(ctx, accountID, u.RemoteJID)
	if err != nil || conv == nil {
		return err
	}
	conv, err = p.db.UpdateConversation(ctx, conv.ID, func(c *store.Conversation) error {
		c.UnreadCount = n
		return nil
	})
	if err != nil {
		return err
	}
	p.bus.Publish(bus.NewEvent(bus.ConversationUnread, accountID, bus.UnreadPayload{
		ConversationID: conv.ID,
		UnreadCount:    conv.UnreadCount,
	}))
	return nil
}

func (p *Pipeline) connectionUpdate(ctx context.Context, account *store.Account, env *webhook.Envelope) error {
	var u webhook.ConnectionUpdate
	if err := json.Unmarshal(env.Data, &u); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidEvent, err)
	}
	p.logger.Info("gateway connection update",
		zap.String("account", account.ID),
		zap.String("instance", account.Instance),
		zap.String("state", u.State),
		zap.Int("reason", u.StatusReason))
	if u.State == "" {
		return nil
	}
	return p.db.SetAccountState(ctx, account.ID, store.StateConnection, u.State)
}
