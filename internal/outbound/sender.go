// Package outbound sends text messages through the gateway and records them.
package outbound

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/matheus3301/wpp-relay/internal/bus"
	"github.com/matheus3301/wpp-relay/internal/gateway"
	"github.com/matheus3301/wpp-relay/internal/identity"
	"github.com/matheus3301/wpp-relay/internal/metrics"
	"github.com/matheus3301/wpp-relay/internal/store"
	"github.com/matheus3301/wpp-relay/internal/task"
)

var (
	// ErrEmptyMessage is returned when there is nothing to send.
	ErrEmptyMessage = errors.New("empty message")
	// ErrInvalidDestination is returned when the destination has no number or group id.
	ErrInvalidDestination = errors.New("invalid destination")
)

// DefaultDispatchTimeout bounds a gateway dispatch once started.
const DefaultDispatchTimeout = 30 * time.Second

// Deps are the collaborators of a Sender. Tasks may be nil, in which case the
// follow-up runs inline.
type Deps struct {
	DB              *store.DB
	Gateways        gateway.Resolver
	Bus             *bus.Bus
	Tasks           *task.Runner
	Logger          *zap.Logger
	DispatchTimeout time.Duration
}

// Sender coordinates an outbound text: gateway dispatch and conversation
// upsert run concurrently, then the message is persisted.
type Sender struct {
	db       *store.DB
	gateways gateway.Resolver
	bus      *bus.Bus
	tasks    *task.Runner
	logger   *zap.Logger
	timeout  time.Duration
}

// NewSender creates a sender.
func NewSender(d Deps) *Sender {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.Bus == nil {
		d.Bus = bus.New()
	}
	if d.DispatchTimeout <= 0 {
		d.DispatchTimeout = DefaultDispatchTimeout
	}
	return &Sender{
		db:       d.DB,
		gateways: d.Gateways,
		bus:      d.Bus,
		tasks:    d.Tasks,
		logger:   d.Logger,
		timeout:  d.DispatchTimeout,
	}
}

// Send delivers text to destination on behalf of an account. When the gateway
// reports the number has no account the error wraps gateway.ErrNotReachable.
// Once dispatched, a send is not aborted by ctx cancellation.
func (s *Sender) Send(ctx context.Context, accountID, destination, text string) (*store.Message, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyMessage
	}
	account, err := s.db.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	client, err := s.gateways.ClientFor(accountID)
	if err != nil {
		return nil, err
	}

	address, kind, ok := identity.Normalize(destination)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrInvalidDestination, destination)
	}
	clientID := uuid.NewString()
	if err := s.db.QueueOutbox(ctx, clientID, accountID, address, text); err != nil {
		return nil, err
	}

	log := s.logger.With(
		zap.String("account", accountID),
		zap.String("to", address),
		zap.String("client_msg_id", clientID))

	// Persisting the result must survive the caller going away.
	persistCtx := context.WithoutCancel(ctx)

	var (
		result gateway.SendResult
		conv   *store.Conversation
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		dctx, cancel := context.WithTimeout(persistCtx, s.timeout)
		defer cancel()
		if err := s.db.MarkOutboxSending(dctx, clientID); err != nil {
			return err
		}
		if kind == identity.Direct {
			if err := checkReachable(dctx, client, account.Instance, address); err != nil {
				return err
			}
		}
		var err error
		result, err = client.SendText(dctx, account.Instance, address, text)
		return err
	})
	g.Go(func() error {
		var err error
		conv, err = s.db.UpsertConversation(gctx, store.ConversationUpsert{
			AccountID: accountID,
			Address:   address,
			Kind:      string(kind),
		})
		return err
	})
	if err := g.Wait(); err != nil {
		outcome := "failed"
		if errors.Is(err, gateway.ErrNotReachable) {
			outcome = "unreachable"
		}
		metrics.MessagesSent.WithLabelValues(outcome).Inc()
		if merr := s.db.MarkOutboxFailed(persistCtx, clientID, err.Error()); merr != nil {
			log.Warn("failed to mark outbox entry failed", zap.Error(merr))
		}
		log.Warn("send failed", zap.Error(err))
		return nil, err
	}

	now := time.Now()
	gatewayID := result.Key.ID
	if gatewayID == "" {
		gatewayID = fallbackID(now)
	}
	ts := now.UnixMilli()
	if result.Timestamp > 0 {
		ts = result.Timestamp * 1000
	}

	msg, _, err := s.db.CreateMessage(persistCtx, &store.Message{
		AccountID:      accountID,
		ConversationID: conv.ID,
		GatewayID:      gatewayID,
		RemoteAddress:  address,
		FromMe:         true,
		Type:           store.TypeText,
		Content:        text,
		Timestamp:      ts,
		Status:         store.StatusSent,
	})
	if err != nil {
		metrics.MessagesSent.WithLabelValues("failed").Inc()
		return nil, err
	}
	metrics.MessagesSent.WithLabelValues("sent").Inc()
	if err := s.db.MarkOutboxSent(persistCtx, clientID, gatewayID); err != nil {
		log.Warn("failed to mark outbox entry sent", zap.Error(err))
	}
	log.Info("message sent", zap.String("gateway_id", gatewayID))

	s.followUp(accountID, conv.ID, msg)
	return msg, nil
}

func checkReachable(ctx context.Context, client gateway.Client, instance, address string) error {
	checks, err := client.CheckHasAccount(ctx, instance, []string{address})
	if err != nil {
		return err
	}
	for _, c := range checks {
		if c.Exists {
			return nil
		}
	}
	return fmt.Errorf("%s: %w", address, gateway.ErrNotReachable)
}

// followUp refreshes the conversation snapshot and fans the send out.
func (s *Sender) followUp(accountID, conversationID string, msg *store.Message) {
	fn := func(ctx context.Context) error {
		conv, err := s.db.UpdateConversation(ctx, conversationID, func(c *store.Conversation) error {
			c.UnreadCount = 0
			return nil
		})
		if err != nil {
			return fmt.Errorf("update conversation after send: %w", err)
		}
		s.bus.Publish(bus.NewEvent(bus.MessageSent, accountID, bus.MessagePayload{
			ConversationID: conversationID,
			Message:        *msg,
		}))
		s.bus.Publish(bus.NewEvent(bus.ConversationUpdated, accountID, bus.ConversationPayload{
			Conversation:       *conv,
			LastMessagePreview: bus.PreviewOf(msg),
		}))
		return nil
	}
	if s.tasks != nil && s.tasks.Go("send_followup", fn) {
		return
	}
	if err := fn(context.Background()); err != nil {
		s.logger.Warn("send follow-up failed", zap.String("account", accountID), zap.Error(err))
	}
}

func fallbackID(now time.Time) string {
	return fmt.Sprintf("msg_%d_%s", now.UnixMilli(), uuid.NewString()[:8])
}
