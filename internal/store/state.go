package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Account state keys.
const (
	StateConnection    = "connection"
	StateLastReconcile = "last_reconcile"
)

// SetAccountState stores a per-account key/value checkpoint.
func (db *DB) SetAccountState(ctx context.Context, accountID, key, value string) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO account_state (account_id, key, value, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(account_id, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		accountID, key, value, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("set account state %q: %w", key, err)
	}
	return nil
}

// AccountState returns a checkpoint value, or ErrNotFound.
func (db *DB) AccountState(ctx context.Context, accountID, key string) (string, error) {
	var value string
	err := db.QueryRowContext(ctx,
		`SELECT value FROM account_state WHERE account_id = ? AND key = ?`, accountID, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get account state %q: %w", key, err)
	}
	return value, nil
}
