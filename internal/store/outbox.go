package store

import (
	"context"
	"fmt"
	"time"
)

// Outbox entry states.
const (
	OutboxQueued  = "queued"
	OutboxSending = "sending"
	OutboxSent    = "sent"
	OutboxFailed  = "failed"
)

// QueueOutbox records a send request before it is dispatched.
func (db *DB) QueueOutbox(ctx context.Context, clientMsgID, accountID, address, body string) error {
	now := time.Now().UnixMilli()
	_, err := db.ExecContext(ctx, `
		INSERT INTO outbox (client_msg_id, account_id, address, body, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		clientMsgID, accountID, address, body, OutboxQueued, now, now)
	if err != nil {
		return fmt.Errorf("queue outbox %q: %w", clientMsgID, err)
	}
	return nil
}

// MarkOutboxSending updates an outbox entry to 'sending' status.
func (db *DB) MarkOutboxSending(ctx context.Context, clientMsgID string) error {
	return db.setOutbox(ctx, clientMsgID, OutboxSending, "", "")
}

// MarkOutboxSent updates an outbox entry to 'sent' with the gateway message id.
func (db *DB) MarkOutboxSent(ctx context.Context, clientMsgID, gatewayMsgID string) error {
	return db.setOutbox(ctx, clientMsgID, OutboxSent, gatewayMsgID, "")
}

// MarkOutboxFailed updates an outbox entry to 'failed' with an error message.
func (db *DB) MarkOutboxFailed(ctx context.Context, clientMsgID, errMsg string) error {
	return db.setOutbox(ctx, clientMsgID, OutboxFailed, "", errMsg)
}

func (db *DB) setOutbox(ctx context.Context, clientMsgID, status, gatewayMsgID, errMsg string) error {
	_, err := db.ExecContext(ctx, `
		UPDATE outbox SET
			status = ?,
			gateway_message_id = CASE WHEN ? != '' THEN ? ELSE gateway_message_id END,
			error_message = ?,
			updated_at = ?
		WHERE client_msg_id = ?`,
		status, gatewayMsgID, gatewayMsgID, errMsg, time.Now().UnixMilli(), clientMsgID)
	if err != nil {
		return fmt.Errorf("mark outbox %s: %w", status, err)
	}
	return nil
}

// ListOutbox returns an account's outbox entries in the given state, oldest first.
func (db *DB) ListOutbox(ctx context.Context, accountID, status string) ([]OutboxEntry, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, client_msg_id, account_id, address, body, status, error_message, gateway_message_id
		FROM outbox WHERE account_id = ? AND status = ? ORDER BY created_at ASC, id ASC`,
		accountID, status)
	if err != nil {
		return nil, fmt.Errorf("list outbox: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []OutboxEntry
	for rows.Next() {
		var e OutboxEntry
		if err := rows.Scan(&e.ID, &e.ClientMsgID, &e.AccountID, &e.Address, &e.Body,
			&e.Status, &e.ErrorMessage, &e.GatewayMessageID); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
