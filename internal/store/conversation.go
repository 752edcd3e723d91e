package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const conversationColumns = `id, account_id, canonical_address, kind, contact_name, contact_picture,
	last_message_text, last_message_at, unread_count, pinned, archived, created_at, updated_at`

// ConversationUpsert identifies a conversation and carries the attributes an
// event may set on it. An empty ContactName leaves the stored name untouched.
type ConversationUpsert struct {
	AccountID   string
	Address     string
	Kind        string
	ContactName string
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (*Conversation, error) {
	var (
		c             Conversation
		name, picture sql.NullString
	)
	err := row.Scan(&c.ID, &c.AccountID, &c.Address, &c.Kind, &name, &picture,
		&c.LastMessageText, &c.LastMessageAt, &c.UnreadCount, &c.Pinned, &c.Archived,
		&c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	c.ContactName = name.String
	c.ContactPicture = picture.String
	return &c, nil
}

// UpsertConversation returns the conversation for (account, address), creating
// it on first sight. Concurrent callers for the same address converge on one row.
func (db *DB) UpsertConversation(ctx context.Context, u ConversationUpsert) (*Conversation, error) {
	now := time.Now().UnixMilli()
	row := db.QueryRowContext(ctx, `
		INSERT INTO conversations (id, account_id, canonical_address, kind, contact_name, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(account_id, canonical_address) DO UPDATE SET
			contact_name = COALESCE(excluded.contact_name, conversations.contact_name),
			updated_at = excluded.updated_at
		RETURNING `+conversationColumns,
		uuid.NewString(), u.AccountID, u.Address, u.Kind, nullString(u.ContactName), now, now)

	c, err := scanConversation(row)
	if err != nil {
		return nil, fmt.Errorf("upsert conversation %q: %w", u.Address, err)
	}
	return c, nil
}

// GetConversation returns a conversation by internal id.
func (db *DB) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	c, err := scanConversation(db.QueryRowContext(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	return c, nil
}

// ConversationByAddress returns the conversation for a canonical address.
func (db *DB) ConversationByAddress(ctx context.Context, accountID, address string) (*Conversation, error) {
	c, err := scanConversation(db.QueryRowContext(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE account_id = ? AND canonical_address = ?`,
		accountID, address))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get conversation by address: %w", err)
	}
	return c, nil
}

// ListConversations returns an account's conversations, pinned first, then by
// last message time descending.
func (db *DB) ListConversations(ctx context.Context, accountID string, archived bool) ([]Conversation, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT `+conversationColumns+`
		FROM conversations
		WHERE account_id = ? AND archived = ?
		ORDER BY pinned DESC, last_message_at DESC, id`, accountID, archived)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var convs []Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		convs = append(convs, *c)
	}
	return convs, rows.Err()
}

// UpdateConversation loads a conversation inside an immediate transaction,
// lets fn mutate it, recomputes the last-message snapshot from the newest
// message by timestamp and writes the result back. Concurrent updates of the
// same conversation are serialized by the database write lock.
func (db *DB) UpdateConversation(ctx context.Context, id string, fn func(*Conversation) error) (*Conversation, error) {
	var out *Conversation
	err := db.inTx(ctx, func(tx *sql.Tx) error {
		c, err := scanConversation(tx.QueryRowContext(ctx,
			`SELECT `+conversationColumns+` FROM conversations WHERE id = ?`, id))
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("load conversation: %w", err)
		}

		if fn != nil {
			if err := fn(c); err != nil {
				return err
			}
		}
		if c.UnreadCount < 0 {
			c.UnreadCount = 0
		}
		if err := refreshSnapshot(ctx, tx, c); err != nil {
			return err
		}

		c.UpdatedAt = time.Now().UnixMilli()
		if _, err := tx.ExecContext(ctx, `
			UPDATE conversations SET
				contact_name = ?, contact_picture = ?,
				last_message_text = ?, last_message_at = ?,
				unread_count = ?, pinned = ?, archived = ?, updated_at = ?
			WHERE id = ?`,
			nullString(c.ContactName), nullString(c.ContactPicture),
			c.LastMessageText, c.LastMessageAt,
			c.UnreadCount, c.Pinned, c.Archived, c.UpdatedAt, c.ID); err != nil {
			return fmt.Errorf("update conversation: %w", err)
		}
		out = c
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// refreshSnapshot sets the last-message fields from the newest stored message.
// A conversation with no messages keeps its current snapshot.
func refreshSnapshot(ctx context.Context, tx *sql.Tx, c *Conversation) error {
	var (
		text string
		ts   int64
	)
	err := tx.QueryRowContext(ctx, `
		SELECT content, timestamp FROM messages
		WHERE conversation_id = ?
		ORDER BY timestamp DESC, id DESC
		LIMIT 1`, c.ID).Scan(&text, &ts)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("latest message: %w", err)
	}
	c.LastMessageText = text
	c.LastMessageAt = ts
	return nil
}

// MergeConversation moves every message of the conversation from into the
// conversation into, adds its unread count and archives the emptied row.
// Both conversations must belong to the same account.
func (db *DB) MergeConversation(ctx context.Context, from, into string) (int64, error) {
	var moved int64
	err := db.inTx(ctx, func(tx *sql.Tx) error {
		var srcUnread int
		var srcAccount, dstAccount, dstAddress string
		if err := tx.QueryRowContext(ctx,
			`SELECT account_id, unread_count FROM conversations WHERE id = ?`, from).
			Scan(&srcAccount, &srcUnread); err != nil {
			return mapNoRows(err, "load source conversation")
		}
		if err := tx.QueryRowContext(ctx,
			`SELECT account_id, canonical_address FROM conversations WHERE id = ?`, into).
			Scan(&dstAccount, &dstAddress); err != nil {
			return mapNoRows(err, "load target conversation")
		}
		if srcAccount != dstAccount {
			return fmt.Errorf("merge conversation: account mismatch %q != %q", srcAccount, dstAccount)
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE messages SET conversation_id = ?, remote_address = ?
			WHERE conversation_id = ?`, into, dstAddress, from)
		if err != nil {
			return fmt.Errorf("move messages: %w", err)
		}
		moved, _ = res.RowsAffected()

		now := time.Now().UnixMilli()
		if _, err := tx.ExecContext(ctx, `
			UPDATE conversations SET
				unread_count = unread_count + ?,
				contact_name = COALESCE(contact_name, (SELECT contact_name FROM conversations WHERE id = ?)),
				contact_picture = COALESCE(contact_picture, (SELECT contact_picture FROM conversations WHERE id = ?)),
				updated_at = ?
			WHERE id = ?`, srcUnread, from, from, now, into); err != nil {
			return fmt.Errorf("merge counters: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE conversations SET
				unread_count = 0, archived = 1,
				last_message_text = '', last_message_at = 0, updated_at = ?
			WHERE id = ?`, now, from); err != nil {
			return fmt.Errorf("archive source conversation: %w", err)
		}

		dst, err := scanConversation(tx.QueryRowContext(ctx,
			`SELECT `+conversationColumns+` FROM conversations WHERE id = ?`, into))
		if err != nil {
			return fmt.Errorf("reload target conversation: %w", err)
		}
		if err := refreshSnapshot(ctx, tx, dst); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE conversations SET last_message_text = ?, last_message_at = ? WHERE id = ?`,
			dst.LastMessageText, dst.LastMessageAt, into); err != nil {
			return fmt.Errorf("update target snapshot: %w", err)
		}
		return nil
	})
	return moved, err
}

func mapNoRows(err error, what string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return fmt.Errorf("%s: %w", what, err)
}
