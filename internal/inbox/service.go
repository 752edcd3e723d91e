// Package inbox implements the conversation operations exposed to clients.
package inbox

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/matheus3301/wpp-relay/internal/bus"
	"github.com/matheus3301/wpp-relay/internal/gateway"
	"github.com/matheus3301/wpp-relay/internal/identity"
	"github.com/matheus3301/wpp-relay/internal/store"
)

var (
	// ErrNoMessages is returned when an operation needs a message the
	// conversation does not have.
	ErrNoMessages = errors.New("conversation has no messages")
	// ErrEmptyQuery is returned by Search for a blank query.
	ErrEmptyQuery = errors.New("empty search query")
)

// recentWindow is how many of the newest messages MarkRead acknowledges.
const recentWindow = 50

// Summary is a conversation with a preview of its newest message.
type Summary = bus.ConversationPayload

// Deps are the collaborators of a Service.
type Deps struct {
	DB       *store.DB
	Gateways gateway.Resolver
	Bus      *bus.Bus
	Logger   *zap.Logger
}

// Service runs conversation operations against the store and the gateway.
type Service struct {
	db       *store.DB
	gateways gateway.Resolver
	bus      *bus.Bus
	logger   *zap.Logger
}

// NewService creates a service.
func NewService(d Deps) *Service {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.Bus == nil {
		d.Bus = bus.New()
	}
	return &Service{db: d.DB, gateways: d.Gateways, bus: d.Bus, logger: d.Logger}
}

// List returns an account's conversations, pinned first then most recent.
func (s *Service) List(ctx context.Context, accountID string, archived bool) ([]Summary, error) {
	if _, err := s.db.GetAccount(ctx, accountID); err != nil {
		return nil, err
	}
	convs, err := s.db.ListConversations(ctx, accountID, archived)
	if err != nil {
		return nil, err
	}
	out := make([]Summary, 0, len(convs))
	for _, c := range convs {
		sum, err := s.summarize(ctx, &c)
		if err != nil {
			return nil, err
		}
		out = append(out, *sum)
	}
	return out, nil
}

// Get returns one conversation.
func (s *Service) Get(ctx context.Context, id string) (*Summary, error) {
	c, err := s.db.GetConversation(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.summarize(ctx, c)
}

func (s *Service) summarize(ctx context.Context, c *store.Conversation) (*Summary, error) {
	last, err := s.db.LastMessage(ctx, c.ID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	return &Summary{Conversation: *c, LastMessagePreview: bus.PreviewOf(last)}, nil
}

// Messages returns a page of messages, newest first, older than before (unix
// ms, 0 for the newest page). Opening a conversation clears its unread count.
func (s *Service) Messages(ctx context.Context, id string, before int64, limit int) ([]store.Message, error) {
	c, err := s.db.GetConversation(ctx, id)
	if err != nil {
		return nil, err
	}
	msgs, err := s.db.ListMessages(ctx, id, before, limit)
	if err != nil {
		return nil, err
	}
	if c.UnreadCount > 0 {
		if err := s.clearUnread(ctx, c.AccountID, id); err != nil {
			return nil, err
		}
	}
	return msgs, nil
}

func (s *Service) clearUnread(ctx context.Context, accountID, id string) error {
	if _, err := s.db.UpdateConversation(ctx, id, func(c *store.Conversation) error {
		c.UnreadCount = 0
		return nil
	}); err != nil {
		return err
	}
	s.bus.Publish(bus.NewEvent(bus.ConversationRead, accountID, bus.UnreadPayload{ConversationID: id}))
	return nil
}

// target loads a conversation together with the account and gateway client
// that serve it.
func (s *Service) target(ctx context.Context, id string) (*store.Conversation, *store.Account, gateway.Client, error) {
	c, err := s.db.GetConversation(ctx, id)
	if err != nil {
		return nil, nil, nil, err
	}
	account, err := s.db.GetAccount(ctx, c.AccountID)
	if err != nil {
		return nil, nil, nil, err
	}
	client, err := s.gateways.ClientFor(account.ID)
	if err != nil {
		return nil, nil, nil, err
	}
	return c, account, client, nil
}

// MarkRead acknowledges the recent inbound messages on the gateway and clears
// the unread count.
func (s *Service) MarkRead(ctx context.Context, id string) error {
	c, account, client, err := s.target(ctx, id)
	if err != nil {
		return err
	}
	msgs, err := s.db.ListMessages(ctx, id, 0, recentWindow)
	if err != nil {
		return err
	}
	var keys []gateway.MessageKey
	for _, m := range msgs {
		if !m.FromMe {
			keys = append(keys, gateway.MessageKey{RemoteJID: c.Address, FromMe: false, ID: m.GatewayID})
		}
	}
	if err := client.MarkRead(ctx, account.Instance, keys); err != nil {
		return fmt.Errorf("mark read %s: %w", id, err)
	}
	return s.clearUnread(ctx, c.AccountID, id)
}

// MarkUnread flags the conversation unread on the gateway and locally.
func (s *Service) MarkUnread(ctx context.Context, id string) error {
	c, account, client, err := s.target(ctx, id)
	if err != nil {
		return err
	}
	last, err := s.db.LastMessage(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return ErrNoMessages
	}
	if err != nil {
		return err
	}
	key := gateway.MessageKey{RemoteJID: c.Address, FromMe: last.FromMe, ID: last.GatewayID}
	if err := client.MarkUnread(ctx, account.Instance, c.Address, key); err != nil {
		return fmt.Errorf("mark unread %s: %w", id, err)
	}
	updated, err := s.db.UpdateConversation(ctx, id, func(c *store.Conversation) error {
		c.UnreadCount = max(c.UnreadCount, 1)
		return nil
	})
	if err != nil {
		return err
	}
	s.bus.Publish(bus.NewEvent(bus.ConversationUnread, c.AccountID, bus.UnreadPayload{
		ConversationID: id,
		UnreadCount:    updated.UnreadCount,
	}))
	return nil
}

// SetPinned pins or unpins a conversation.
func (s *Service) SetPinned(ctx context.Context, id string, pinned bool) (*store.Conversation, error) {
	c, err := s.db.UpdateConversation(ctx, id, func(c *store.Conversation) error {
		c.Pinned = pinned
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.bus.Publish(bus.NewEvent(bus.ConversationPinned, c.AccountID, bus.PinnedPayload{
		ConversationID: id,
		IsPinned:       pinned,
	}))
	return c, nil
}

func (s *Service) Pin(ctx context.Context, id string) (*store.Conversation, error) {
	return s.SetPinned(ctx, id, true)
}

func (s *Service) Unpin(ctx context.Context, id string) (*store.Conversation, error) {
	return s.SetPinned(ctx, id, false)
}

// SetArchived archives or restores a conversation. Archived conversations keep
// their messages and receive new ones.
func (s *Service) SetArchived(ctx context.Context, id string, archived bool) (*store.Conversation, error) {
	c, err := s.db.UpdateConversation(ctx, id, func(c *store.Conversation) error {
		c.Archived = archived
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.bus.Publish(bus.NewEvent(bus.ConversationArchived, c.AccountID, bus.ArchivedPayload{
		ConversationID: id,
		IsArchived:     archived,
	}))
	return c, nil
}

func (s *Service) Archive(ctx context.Context, id string) (*store.Conversation, error) {
	return s.SetArchived(ctx, id, true)
}

func (s *Service) Unarchive(ctx context.Context, id string) (*store.Conversation, error) {
	return s.SetArchived(ctx, id, false)
}

// RefreshContact reloads the contact's profile from the gateway.
func (s *Service) RefreshContact(ctx context.Context, id string) (*Summary, error) {
	c, account, client, err := s.target(ctx, id)
	if err != nil {
		return nil, err
	}
	prof, err := client.FetchProfile(ctx, account.Instance, identity.Bare(c.Address))
	if err != nil {
		return nil, fmt.Errorf("refresh contact %s: %w", id, err)
	}
	updated, err := s.db.UpdateConversation(ctx, id, func(c *store.Conversation) error {
		if name := strings.TrimSpace(prof.Name); name != "" {
			c.ContactName = name
		}
		if prof.Picture != "" {
			c.ContactPicture = prof.Picture
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sum, err := s.summarize(ctx, updated)
	if err != nil {
		return nil, err
	}
	s.bus.Publish(bus.NewEvent(bus.ConversationUpdated, c.AccountID, *sum))
	return sum, nil
}

// Search finds messages of an account whose text contains query.
func (s *Service) Search(ctx context.Context, accountID, query string, limit int) ([]store.SearchResult, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, ErrEmptyQuery
	}
	if _, err := s.db.GetAccount(ctx, accountID); err != nil {
		return nil, err
	}
	return s.db.SearchMessages(ctx, accountID, query, limit)
}
