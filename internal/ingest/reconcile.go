package ingest

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/wpp-relay/internal/bus"
	"github.com/matheus3301/wpp-relay/internal/identity"
	"github.com/matheus3301/wpp-relay/internal/store"
)

// ReconcileResult summarizes a Reconcile run.
type ReconcileResult struct {
	Mappings      int   `json:"mappings"`
	Merged        int   `json:"merged"`
	MovedMessages int64 `json:"movedMessages"`
}

// Reconcile merges conversations that were created from an unresolved @lid
// identifier into the conversation of the phone number it maps to. The
// emptied conversation is archived, never deleted.
func (p *Pipeline) Reconcile(ctx context.Context, accountID string) (*ReconcileResult, error) {
	if _, err := p.db.GetAccount(ctx, accountID); err != nil {
		return nil, err
	}
	mappings, err := p.db.ListLIDMappings(ctx)
	if err != nil {
		return nil, err
	}

	res := &ReconcileResult{Mappings: len(mappings)}
	for _, m := range mappings {
		phantomAddr, _, ok1 := identity.Normalize(m.LID)
		twinAddr, _, ok2 := identity.Normalize(m.PN)
		if !ok1 || !ok2 || phantomAddr == twinAddr {
			continue
		}
		phantom, err := p.db.ConversationByAddress(ctx, accountID, phantomAddr)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return res, err
		}
		if phantom.Archived && phantom.LastMessageAt == 0 {
			continue
		}

		twin, err := p.db.UpsertConversation(ctx, store.ConversationUpsert{
			AccountID: accountID,
			Address:   twinAddr,
			Kind:      store.KindDirect,
		})
		if err != nil {
			return res, err
		}
		moved, err := p.db.MergeConversation(ctx, phantom.ID, twin.ID)
		if err != nil {
			return res, fmt.Errorf("merge %s into %s: %w", phantomAddr, twinAddr, err)
		}
		res.Merged++
		res.MovedMessages += moved

		p.logger.Info("merged anonymized conversation",
			zap.String("account", accountID),
			zap.String("from", phantomAddr),
			zap.String("into", twinAddr),
			zap.Int64("messages", moved))

		p.bus.Publish(bus.NewEvent(bus.ConversationArchived, accountID, bus.ArchivedPayload{
			ConversationID: phantom.ID,
			IsArchived:     true,
		}))
		if updated, err := p.db.GetConversation(ctx, twin.ID); err == nil {
			last, _ := p.db.LastMessage(ctx, twin.ID)
			p.publishConversation(accountID, updated, last)
		}
	}

	stamp := strconv.FormatInt(time.Now().UnixMilli(), 10)
	if err := p.db.SetAccountState(ctx, accountID, store.StateLastReconcile, stamp); err != nil {
		return res, err
	}
	return res, nil
}
