package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const messageColumns = `id, account_id, conversation_id, gateway_message_id, remote_address, from_me,
	type, content, media_url, file_name, caption, timestamp, status, created_at`

func scanMessage(row rowScanner) (*Message, error) {
	var (
		m                        Message
		mediaURL, fileName, capt sql.NullString
	)
	err := row.Scan(&m.ID, &m.AccountID, &m.ConversationID, &m.GatewayID, &m.RemoteAddress, &m.FromMe,
		&m.Type, &m.Content, &mediaURL, &fileName, &capt, &m.Timestamp, &m.Status, &m.CreatedAt)
	if err != nil {
		return nil, err
	}
	m.MediaURL = mediaURL.String
	m.FileName = fileName.String
	m.Caption = capt.String
	return &m, nil
}

// CreateMessage inserts m keyed by (account, gateway message id). When the key
// already exists the stored row is returned unchanged with created=false.
func (db *DB) CreateMessage(ctx context.Context, m *Message) (*Message, bool, error) {
	if m.Status == "" {
		m.Status = StatusPending
	}
	if m.Type == "" {
		m.Type = TypeText
	}
	now := time.Now().UnixMilli()
	res, err := db.ExecContext(ctx, `
		INSERT INTO messages (account_id, conversation_id, gateway_message_id, remote_address, from_me,
			type, content, media_url, file_name, caption, timestamp, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.AccountID, m.ConversationID, m.GatewayID, m.RemoteAddress, m.FromMe,
		m.Type, m.Content, nullString(m.MediaURL), nullString(m.FileName), nullString(m.Caption),
		m.Timestamp, m.Status, now)
	if isUniqueViolation(err) {
		existing, ferr := db.MessageByGatewayID(ctx, m.AccountID, m.GatewayID)
		if ferr != nil {
			return nil, false, fmt.Errorf("load duplicate message %q: %w", m.GatewayID, ferr)
		}
		return existing, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("insert message %q: %w", m.GatewayID, err)
	}

	created := *m
	created.CreatedAt = now
	if created.ID, err = res.LastInsertId(); err != nil {
		return nil, false, fmt.Errorf("message id: %w", err)
	}
	return &created, true, nil
}

// MessageByGatewayID finds a message by its gateway id within an account.
func (db *DB) MessageByGatewayID(ctx context.Context, accountID, gatewayID string) (*Message, error) {
	m, err := scanMessage(db.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE account_id = ? AND gateway_message_id = ?`,
		accountID, gatewayID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get message: %w", err)
	}
	return m, nil
}

// UpdateMessageStatus overwrites the status of a message.
func (db *DB) UpdateMessageStatus(ctx context.Context, id int64, status MessageStatus) error {
	res, err := db.ExecContext(ctx, `UPDATE messages SET status = ? WHERE id = ?`, status, id)
	if err != nil {
		return fmt.Errorf("update message status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListMessages returns messages for a conversation newest first using keyset
// pagination by timestamp.
func (db *DB) ListMessages(ctx context.Context, conversationID string, beforeTs int64, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	if beforeTs <= 0 {
		beforeTs = time.Now().UnixMilli() + 1
	}
	rows, err := db.QueryContext(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE conversation_id = ? AND timestamp < ?
		ORDER BY timestamp DESC, id DESC
		LIMIT ?`, conversationID, beforeTs, limit)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, *m)
	}
	return msgs, rows.Err()
}

// LastMessage returns the newest message of a conversation by timestamp.
func (db *DB) LastMessage(ctx context.Context, conversationID string) (*Message, error) {
	m, err := scanMessage(db.QueryRowContext(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE conversation_id = ?
		ORDER BY timestamp DESC, id DESC
		LIMIT 1`, conversationID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("last message: %w", err)
	}
	return m, nil
}
