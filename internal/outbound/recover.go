package outbound

import (
	"context"

	"go.uber.org/zap"

	"github.com/matheus3301/wpp-relay/internal/store"
)

const interruptedReason = "interrupted by restart"

// RecoverInterrupted marks outbox entries that a previous process left queued
// or sending as failed. They are never redispatched: the gateway may already
// have delivered them. Returns the number of entries marked.
func (s *Sender) RecoverInterrupted(ctx context.Context, accountID string) (int, error) {
	n := 0
	for _, st := range []string{store.OutboxQueued, store.OutboxSending} {
		entries, err := s.db.ListOutbox(ctx, accountID, st)
		if err != nil {
			return n, err
		}
		for _, e := range entries {
			if err := s.db.MarkOutboxFailed(ctx, e.ClientMsgID, interruptedReason); err != nil {
				return n, err
			}
			n++
		}
	}
	if n > 0 {
		s.logger.Warn("interrupted sends marked failed",
			zap.String("account", accountID),
			zap.Int("count", n))
	}
	return n, nil
}
