package ingest

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"

	"github.com/matheus3301/wpp-relay/internal/bus"
	"github.com/matheus3301/wpp-relay/internal/metrics"
	"github.com/matheus3301/wpp-relay/internal/store"
)

var statusAliases = map[string]store.MessageStatus{
	"pending":      store.StatusPending,
	"sent":         store.StatusSent,
	"delivered":    store.StatusDelivered,
	"read":         store.StatusRead,
	"played":       store.StatusPlayed,
	"failed":       store.StatusFailed,
	"server_ack":   store.StatusSent,
	"delivery_ack": store.StatusDelivered,
	"error":        store.StatusFailed,
}

// ParseStatus maps a gateway status string onto a MessageStatus.
func ParseStatus(raw string) (store.MessageStatus, bool) {
	s, ok := statusAliases[strings.ToLower(strings.TrimSpace(raw))]
	return s, ok
}

// ApplyStatusUpdate overwrites the delivery status of a known message. Unknown
// statuses and unknown messages are dropped without error.
func (p *Pipeline) ApplyStatusUpdate(ctx context.Context, accountID, gatewayMessageID, rawStatus string) error {
	log := p.logger.With(
		zap.String("account", accountID),
		zap.String("gateway_id", gatewayMessageID),
		zap.String("status", rawStatus))

	status, ok := ParseStatus(rawStatus)
	if !ok {
		log.Debug("status update dropped: unknown status")
		metrics.WebhookEvents.WithLabelValues("messages.update", "unknown_status").Inc()
		return nil
	}
	if gatewayMessageID == "" {
		log.Debug("status update dropped: no message id")
		return nil
	}

	msg, err := p.db.MessageByGatewayID(ctx, accountID, gatewayMessageID)
	if errors.Is(err, store.ErrNotFound) {
		log.Debug("status update dropped: unknown message")
		metrics.WebhookEvents.WithLabelValues("messages.update", "unknown_message").Inc()
		return nil
	}
	if err != nil {
		return err
	}

	if err := p.db.UpdateMessageStatus(ctx, msg.ID, status); err != nil {
		return err
	}
	p.bus.Publish(bus.NewEvent(bus.MessageStatus, accountID, bus.StatusPayload{
		MessageID:         msg.ID,
		WhatsappMessageID: msg.GatewayID,
		Status:            status,
		ConversationID:    msg.ConversationID,
	}))
	return nil
}
